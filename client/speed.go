package client

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sethgrid/pester"
)

// defaultSpeedTestURL points at a small, well-known payload used to probe
// the caller's upstream bandwidth before starting an upload. It can be
// overridden per Client via WithSpeedTestURL for testing or for pointing
// at a private probe endpoint.
const defaultSpeedTestURL = "https://httpbin.org/stream-bytes/1048576"

// measureUploadSpeed performs a best-effort GET against url and returns the
// observed bytes/sec. Any error disables measured-bandwidth estimation for
// the caller; it never returns an error itself, only ok=false, since the
// speed probe is explicitly a best-effort estimator that may fail silently.
//
// The probe is issued through a pester.Client with a short fixed backoff
// so transient failures of the (third-party) probe endpoint don't
// immediately disable the estimator, without coupling its retry counting
// to the engine's own chunk-retry state machine.
func measureUploadSpeed(ctx context.Context, url string, log *slog.Logger) (bytesPerSec float64, ok bool) {
	client := pester.New()
	client.MaxRetries = 2
	client.Backoff = func(_ int) time.Duration { return 200 * time.Millisecond }

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		log.Debug("speed probe: building request failed", "error", err)
		return 0, false
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		log.Debug("speed probe: request failed", "error", err)
		return 0, false
	}
	defer resp.Body.Close()

	n, err := io.Copy(io.Discard, resp.Body)
	if err != nil {
		log.Debug("speed probe: reading body failed", "error", err)
		return 0, false
	}

	elapsed := time.Since(start)
	if elapsed <= 0 || n == 0 {
		return 0, false
	}

	return float64(n) / elapsed.Seconds(), true
}
