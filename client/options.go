package client

import (
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/olivierb24/another-tus-client/store"
)

const defaultChunkSize = 512 * 1024 // 512 KiB

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Option configures a Client at construction time.
type Option func(*Client)

// WithStore sets the resumption store consulted for fingerprint -> URL
// lookups. Without one, resumption across process restarts is unavailable
// (IsResumable always reports false and Upload always creates).
func WithStore(s store.Store) Option {
	return func(c *Client) { c.store = s }
}

// WithChunkSize sets the number of bytes read and PATCHed per request.
// The default is 512 KiB.
func WithChunkSize(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.chunkSize = n
		}
	}
}

// WithRetries sets how many times a failing chunk PATCH is retried before
// the transport error is surfaced to the caller. The default is 0.
func WithRetries(n int) Option {
	return func(c *Client) { c.retries = n }
}

// WithRetryPolicy selects how the wait between retries grows.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Client) { c.retryPolicy = p }
}

// WithRetryInterval sets the base interval fed to the retry policy.
func WithRetryInterval(d time.Duration) Option {
	return func(c *Client) { c.retryInterval = d }
}

// WithLogger attaches a structured logger. Unset, the Client logs nowhere.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// WithHTTPClient overrides the *http.Client used for all requests. Unset,
// http.DefaultClient is used.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithSpeedTestURL overrides the bandwidth probe endpoint used when
// MeasureSpeed is enabled for an upload.
func WithSpeedTestURL(url string) Option {
	return func(c *Client) {
		if url != "" {
			c.speedTestURL = url
		}
	}
}

// uploadConfig collects the per-Upload/Resume call configuration built up
// from UploadOption values.
type uploadConfig struct {
	headers           http.Header
	metadata          Metadata
	measureSpeed      bool
	preventDuplicates bool

	setOnStart    bool
	clearOnStart  bool
	onStart       func(*Client, *time.Duration)
	setOnProgress bool
	clearOnProgress bool
	onProgress    func(float64, time.Duration)
	setOnComplete bool
	clearOnComplete bool
	onComplete    func()
}

func newUploadConfig() *uploadConfig {
	return &uploadConfig{
		headers:           make(http.Header),
		preventDuplicates: true,
	}
}

// UploadOption configures a single call to Upload or Resume.
type UploadOption func(*uploadConfig)

// WithHeader adds a header sent with every request this upload issues.
func WithHeader(key, value string) UploadOption {
	return func(c *uploadConfig) { c.headers.Set(key, value) }
}

// WithMetadata sets the user-defined metadata encoded into Upload-Metadata
// at creation time.
func WithMetadata(md Metadata) UploadOption {
	return func(c *uploadConfig) { c.metadata = md }
}

// MeasureSpeed enables a best-effort bandwidth probe before the upload
// starts, used to produce a better ETA in OnProgress callbacks.
func MeasureSpeed(enabled bool) UploadOption {
	return func(c *uploadConfig) { c.measureSpeed = enabled }
}

// PreventDuplicates controls whether the engine consults the store before
// creating a new upload, to avoid minting a second server-side upload for a
// file that was already (or is still being) uploaded. Defaults to true.
func PreventDuplicates(enabled bool) UploadOption {
	return func(c *uploadConfig) { c.preventDuplicates = enabled }
}

// OnStart sets the callback invoked once before any PATCH is sent.
func OnStart(fn func(c *Client, estimatedTotal *time.Duration)) UploadOption {
	return func(c *uploadConfig) {
		c.setOnStart = true
		c.onStart = fn
	}
}

// ClearOnStart removes any previously configured OnStart callback.
func ClearOnStart() UploadOption {
	return func(c *uploadConfig) { c.clearOnStart = true }
}

// OnProgress sets the callback invoked after each successful chunk.
func OnProgress(fn func(percent float64, eta time.Duration)) UploadOption {
	return func(c *uploadConfig) {
		c.setOnProgress = true
		c.onProgress = fn
	}
}

// ClearOnProgress removes any previously configured OnProgress callback.
func ClearOnProgress() UploadOption {
	return func(c *uploadConfig) { c.clearOnProgress = true }
}

// OnComplete sets the callback invoked once the upload finishes.
func OnComplete(fn func()) UploadOption {
	return func(c *uploadConfig) {
		c.setOnComplete = true
		c.onComplete = fn
	}
}

// ClearOnComplete removes any previously configured OnComplete callback.
func ClearOnComplete() UploadOption {
	return func(c *uploadConfig) { c.clearOnComplete = true }
}
