package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/olivierb24/another-tus-client/client"
	"github.com/olivierb24/another-tus-client/store"
	"github.com/olivierb24/another-tus-client/upload"
)

var stdout = log.New(os.Stdout, "[tusup] ", 0)
var stderr = log.New(os.Stderr, "[tusup] ", 0)

// fileList collects repeated -file flags so tusup can hand the Manager more
// than one upload to run concurrently.
type fileList []string

func (f *fileList) String() string { return strings.Join(*f, ",") }
func (f *fileList) Set(v string) error {
	*f = append(*f, v)
	return nil
}

var (
	endpoint    string
	files       fileList
	chunkSize   int64
	concurrency int
	retries     int
	retryPolicy string
	storeKind   string
	storePath   string
)

func init() {
	flag.StringVar(&endpoint, "url", "", "tus collection endpoint to upload to")
	flag.Var(&files, "file", "path of a file to upload; repeat for more than one")
	flag.Int64Var(&chunkSize, "chunk-size", 512*1024, "bytes read and PATCHed per request")
	flag.IntVar(&concurrency, "concurrency", 3, "maximum number of uploads the manager runs at once")
	flag.IntVar(&retries, "retries", 3, "number of times a failed chunk PATCH is retried")
	flag.StringVar(&retryPolicy, "retry-policy", "exponential", "constant, linear, or exponential")
	flag.StringVar(&storeKind, "store", "memory", "resumption backend: memory, fs, or bolt")
	flag.StringVar(&storePath, "store-path", "tusup.store", "file or directory backing the fs/bolt store")
}

func main() {
	flag.Parse()

	if endpoint == "" || len(files) == 0 {
		stderr.Println("-url is required and at least one -file must be given")
		flag.Usage()
		os.Exit(1)
	}

	policy, err := parseRetryPolicy(retryPolicy)
	if err != nil {
		stderr.Println(err)
		os.Exit(1)
	}

	st, err := openStore(storeKind, storePath)
	if err != nil {
		stderr.Println(err)
		os.Exit(1)
	}
	if closer, ok := st.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	mgr := client.NewManager(client.ManagerConfig{
		ServerURL:   endpoint,
		Concurrency: concurrency,
		ClientOptions: []client.Option{
			client.WithChunkSize(chunkSize),
			client.WithRetries(retries),
			client.WithRetryPolicy(policy),
			client.WithStore(st),
		},
	})

	sub := mgr.Subscribe()
	defer mgr.Dispose(sub)

	ctx, cancel := context.WithCancel(context.Background())
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		stdout.Println("interrupted, pausing all uploads")
		mgr.PauseAll()
		cancel()
	}()

	ids := make(map[string]string, len(files))
	var sources []*upload.FileSource
	for _, path := range files {
		src, err := upload.NewFileSource(path, mime.TypeByExtension(filepath.Ext(path)))
		if err != nil {
			stderr.Printf("opening %s: %v", path, err)
			os.Exit(1)
		}
		sources = append(sources, src)

		id, err := mgr.AddUpload(src, client.MeasureSpeed(true))
		if err != nil {
			stderr.Printf("adding %s: %v", path, err)
			os.Exit(1)
		}
		ids[id] = filepath.Base(path)
		stdout.Printf("queued %s as %s", filepath.Base(path), id)
	}
	defer func() {
		for _, s := range sources {
			s.Close()
		}
	}()

	pending := len(ids)
	start := time.Now()
	for pending > 0 {
		select {
		case ev := <-sub:
			name, tracked := ids[ev.ID]
			if !tracked {
				continue
			}
			switch ev.Type {
			case client.EventProgress:
				fmt.Printf("\r%-24s %6.2f%% (eta %s)", name, ev.Percent, ev.ETA.Round(time.Second))
			case client.EventComplete:
				fmt.Println()
				stdout.Printf("%s complete", name)
				pending--
			case client.EventError:
				fmt.Println()
				stderr.Printf("%s failed: %v", name, ev.Err)
				pending--
			case client.EventCancel:
				fmt.Println()
				stdout.Printf("%s cancelled", name)
				pending--
			}
		case <-ctx.Done():
			stdout.Println("stopping, uploads left paused for resumption")
			return
		}
	}

	stdout.Printf("all uploads finished in %s", time.Since(start).Round(time.Second))
}

func parseRetryPolicy(s string) (client.RetryPolicy, error) {
	switch s {
	case "constant":
		return client.PolicyConstant, nil
	case "linear":
		return client.PolicyLinear, nil
	case "exponential":
		return client.PolicyExponential, nil
	default:
		return 0, fmt.Errorf("unknown retry policy %q", s)
	}
}

func openStore(kind, path string) (store.Store, error) {
	switch kind {
	case "memory":
		return store.NewMemory(), nil
	case "fs":
		if err := os.MkdirAll(path, 0755); err != nil {
			return nil, fmt.Errorf("creating store directory %s: %w", path, err)
		}
		return store.NewFileSystem(path), nil
	case "bolt":
		db, err := store.OpenBoltDB(path)
		if err != nil {
			return nil, fmt.Errorf("opening bolt store %s: %w", path, err)
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q, want memory, fs, or bolt", kind)
	}
}
