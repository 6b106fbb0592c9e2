package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/olivierb24/another-tus-client/upload"
)

// concurrencyTrackingServer counts how many PATCH requests are in flight at
// once, recording the observed maximum, and holds each PATCH open until
// released so tests can assert on the bound mid-upload.
type concurrencyTrackingServer struct {
	srv *httptest.Server

	mu      sync.Mutex
	inFlight int32
	maxSeen  int32
	release  chan struct{}
}

func newConcurrencyTrackingServer() *concurrencyTrackingServer {
	s := &concurrencyTrackingServer{release: make(chan struct{})}
	close(s.release) // PATCHes proceed immediately unless a test replaces this
	mux := http.NewServeMux()
	mux.HandleFunc("/files/", s.handle)
	mux.HandleFunc("/files", s.handle)
	s.srv = httptest.NewServer(mux)
	return s
}

func (s *concurrencyTrackingServer) URL() string { return s.srv.URL + "/files" }
func (s *concurrencyTrackingServer) Close()      { s.srv.Close() }

func (s *concurrencyTrackingServer) handle(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Tus-Resumable", tusResumableVersion)

	switch r.Method {
	case http.MethodPost:
		w.Header().Set("Location", s.srv.URL+"/files/"+strconv.FormatInt(time.Now().UnixNano(), 10))
		w.WriteHeader(http.StatusCreated)
	case http.MethodHead:
		w.Header().Set("Upload-Offset", "0")
		w.WriteHeader(http.StatusOK)
	case http.MethodPatch:
		n := atomic.AddInt32(&s.inFlight, 1)
		s.mu.Lock()
		if n > s.maxSeen {
			s.maxSeen = n
		}
		s.mu.Unlock()

		<-s.release
		atomic.AddInt32(&s.inFlight, -1)

		off, _ := strconv.ParseInt(r.Header.Get("Upload-Offset"), 10, 64)
		off += r.ContentLength
		w.Header().Set("Upload-Offset", strconv.FormatInt(off, 10))
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func TestManagerConcurrencyBound(t *testing.T) {
	a := assert.New(t)
	require := require.New(t)

	srv := newConcurrencyTrackingServer()
	defer srv.Close()
	srv.release = make(chan struct{})

	mgr := NewManager(ManagerConfig{ServerURL: srv.URL(), Concurrency: 2})

	for i := 0; i < 5; i++ {
		src := upload.NewMemorySource(strconv.Itoa(i)+".bin", "", []byte("x"))
		_, err := mgr.AddUpload(src)
		require.NoError(err)
	}

	deadline := time.After(2 * time.Second)
	for {
		srv.mu.Lock()
		inFlight := srv.inFlight
		srv.mu.Unlock()
		if inFlight == 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("never observed 2 concurrent PATCHes, last inFlight=%d", inFlight)
		case <-time.After(5 * time.Millisecond):
		}
	}

	close(srv.release)

	a.Eventually(func() bool {
		return len(mgr.GetAllUploads()) >= 0 // uploads complete or fail; bound already observed above
	}, time.Second, 10*time.Millisecond)

	srv.mu.Lock()
	defer srv.mu.Unlock()
	a.LessOrEqual(srv.maxSeen, int32(2))
}

func TestManagerSubscribeReceivesEvents(t *testing.T) {
	a := assert.New(t)
	require := require.New(t)

	srv := newTusServer()
	defer srv.Close()

	mgr := NewManager(ManagerConfig{ServerURL: srv.URL(), Concurrency: 1})
	sub := mgr.Subscribe()
	defer mgr.Dispose(sub)

	src := upload.NewMemorySource("data.bin", "", []byte("hello world"))
	_, err := mgr.AddUpload(src)
	require.NoError(err)

	var sawComplete bool
	deadline := time.After(time.Second)
	for !sawComplete {
		select {
		case ev := <-sub:
			if ev.Type == EventComplete {
				sawComplete = true
			}
		case <-deadline:
			t.Fatal("timed out waiting for completion event")
		}
	}
	a.True(sawComplete)
}

func TestManagerCancelUploadRemovesEntry(t *testing.T) {
	a := assert.New(t)
	require := require.New(t)

	srv := newTusServer()
	defer srv.Close()

	mgr := NewManager(ManagerConfig{ServerURL: srv.URL(), Concurrency: 1})
	src := upload.NewMemorySource("data.bin", "", make([]byte, 10))
	id, err := mgr.AddUpload(src)
	require.NoError(err)

	require.Eventually(func() bool {
		c, err := mgr.GetUpload(id)
		return err == nil && c.State() == StateCompleted
	}, time.Second, 5*time.Millisecond)

	err = mgr.CancelUpload(context.Background(), id)
	a.NoError(err)

	_, err = mgr.GetUpload(id)
	a.ErrorIs(err, ErrUploadNotFound)
}

func TestManagerUnknownIDReturnsNotFound(t *testing.T) {
	a := assert.New(t)
	mgr := NewManager(ManagerConfig{})
	_, err := mgr.GetUpload("nonexistent")
	a.ErrorIs(err, ErrUploadNotFound)
}

// TestAddUploadIDFormat asserts the managed-upload id takes the mandated
// "<fingerprint>-<monotonic_timestamp_ms>" shape and that two distinct
// fingerprints never collide, even when added back to back.
func TestAddUploadIDFormat(t *testing.T) {
	a := assert.New(t)
	require := require.New(t)

	srv := newTusServer()
	defer srv.Close()

	mgr := NewManager(ManagerConfig{ServerURL: srv.URL()})

	src1 := upload.NewMemorySource("a.bin", "", []byte("one"))
	src2 := upload.NewMemorySource("b.bin", "", []byte("two"))

	id1, err := mgr.AddUpload(src1)
	require.NoError(err)
	id2, err := mgr.AddUpload(src2)
	require.NoError(err)

	fp1, ok := mgr.GetFingerprintForID(id1)
	require.True(ok)
	fp2, ok := mgr.GetFingerprintForID(id2)
	require.True(ok)

	a.True(strings.HasPrefix(id1, fp1+"-"))
	a.True(strings.HasPrefix(id2, fp2+"-"))
	a.NotEqual(id1, id2)
	a.Regexp(`-\d+$`, id1)
	a.Regexp(`-\d+$`, id2)
}
