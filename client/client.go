// Package client implements a tus 1.0.0 resumable-upload client: a
// per-file protocol engine (Client) and a bounded-concurrency coordinator
// on top of it (Manager).
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/olivierb24/another-tus-client/store"
	"github.com/olivierb24/another-tus-client/upload"
)

const tusResumableVersion = "1.0.0"

// errPausedDuringRequest is an internal sentinel used to unwind the patch
// loop when a pause interrupts an in-flight request; it never escapes the
// package.
var errPausedDuringRequest = errors.New("client: paused during request")

// Client drives the tus protocol for a single upload.Source: creation (or
// resumption), the chunked PATCH loop, pause/resume/cancel, retry with
// backoff, and progress/ETA estimation. A Client is not safe to Upload
// concurrently with itself; Pause/Cancel/accessor methods may be called
// from another goroutine while an Upload is in flight.
type Client struct {
	source upload.Source
	fp     string

	store         store.Store
	chunkSize     int64
	retries       int
	retryPolicy   RetryPolicy
	retryInterval time.Duration
	httpClient    *http.Client
	log           *slog.Logger
	speedTestURL  string

	mu                sync.Mutex
	state             State
	uri               string
	uploadURL         string
	offset            int64
	size              int64
	headers           http.Header
	metadata          Metadata
	preventDuplicates bool
	bandwidth         float64
	hasBandwidth      bool
	cancelInFlight    context.CancelFunc

	onStart    func(*Client, *time.Duration)
	onProgress func(float64, time.Duration)
	onComplete func()

	paused atomic.Bool
}

// New constructs a Client for src. It performs no I/O: the fingerprint is
// computed purely from the source's name, size, and MIME type.
func New(src upload.Source, opts ...Option) (*Client, error) {
	if src == nil {
		return nil, errors.New("client: source must not be nil")
	}

	c := &Client{
		source:       src,
		chunkSize:    defaultChunkSize,
		retryPolicy:  PolicyConstant,
		httpClient:   http.DefaultClient,
		log:          discardLogger(),
		speedTestURL: defaultSpeedTestURL,
		state:        StateIdle,
		size:         src.Size(),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.fp = fingerprint(src)
	c.log = c.log.With("fingerprint", c.fp)

	return c, nil
}

// Fingerprint returns the deterministic identifier derived from the
// source's name, size, and MIME type.
func (c *Client) Fingerprint() string { return c.fp }

// State returns the engine's current position in the state machine.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Progress returns the current completion percentage in [0, 100].
func (c *Client) Progress() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return percentOf(c.offset, c.size)
}

func percentOf(offset, total int64) float64 {
	if total <= 0 {
		return 0
	}
	p := float64(offset) / float64(total) * 100
	return clamp(p, 0, 100)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// transitionToPaused moves the engine to Paused unless a concurrent Cancel
// has already moved it to Cancelled, so a race between the PATCH loop
// noticing the pause flag and an external Cancel can never leave the
// engine observably Paused after it has been cancelled.
func (c *Client) transitionToPaused() {
	c.mu.Lock()
	if c.state != StateCancelled {
		c.state = StatePaused
	}
	c.mu.Unlock()
}

// Upload drives the full protocol against the collection endpoint uri: it
// resolves resumability against the configured store, creates or resumes
// the upload, and runs the chunked PATCH loop until completion, pause, or
// fatal failure.
func (c *Client) Upload(ctx context.Context, uri string, opts ...UploadOption) error {
	cfg := newUploadConfig()
	for _, o := range opts {
		o(cfg)
	}

	c.mu.Lock()
	if c.state != StateIdle {
		st := c.state
		c.mu.Unlock()
		if st == StateCreating || st == StateRunning {
			return ErrAlreadyUploading
		}
		return &StateError{Op: "upload", State: st}
	}
	c.uri = uri
	c.headers = cfg.headers
	c.metadata = cfg.metadata
	c.preventDuplicates = cfg.preventDuplicates
	c.mu.Unlock()
	c.applyCallbacks(cfg)
	c.paused.Store(false)

	resumed, err := c.tryResumeFromStore(ctx, cfg.preventDuplicates)
	if err != nil {
		c.setState(StateFailed)
		return err
	}

	if !resumed {
		c.setState(StateCreating)
		if err := c.create(ctx); err != nil {
			c.setState(StateFailed)
			return err
		}
	}

	c.setState(StateRunning)
	c.beginRun(ctx, cfg.measureSpeed)
	return c.runLoop(ctx)
}

// Resume continues a previously paused Client from the server's reported
// offset. It requires a Client that is currently Paused and holds a
// server upload URL from an earlier Upload call in this process; if either
// precondition is absent, ErrNotResumable is returned and nothing changes.
func (c *Client) Resume(ctx context.Context, opts ...UploadOption) error {
	c.mu.Lock()
	if c.state != StatePaused || c.uploadURL == "" {
		c.mu.Unlock()
		return ErrNotResumable
	}
	uploadURL := c.uploadURL
	c.mu.Unlock()

	cfg := newUploadConfig()
	for _, o := range opts {
		o(cfg)
	}
	c.applyCallbacks(cfg)

	c.mu.Lock()
	if len(cfg.headers) > 0 {
		c.headers = cfg.headers
	}
	if cfg.metadata != nil {
		c.metadata = cfg.metadata
	}
	c.preventDuplicates = cfg.preventDuplicates
	c.mu.Unlock()
	c.paused.Store(false)

	offset, ok := c.headOffset(ctx, uploadURL)
	if !ok {
		if c.store != nil {
			c.store.Remove(c.fp)
		}
		c.setState(StateFailed)
		return ErrNotResumable
	}

	c.mu.Lock()
	c.offset = offset
	c.mu.Unlock()

	c.setState(StateRunning)
	c.beginRun(ctx, cfg.measureSpeed)
	return c.runLoop(ctx)
}

// Pause requests that the PATCH loop stop after the in-flight chunk
// settles (or, if a chunk is currently being sent, interrupts it
// immediately by cancelling the request). It always returns true: the
// request is best-effort and cannot itself fail.
func (c *Client) Pause() bool {
	c.paused.Store(true)

	c.mu.Lock()
	cancel := c.cancelInFlight
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	return true
}

// Cancel pauses the engine (best-effort) and removes the store entry for
// this upload's fingerprint, regardless of whether pausing succeeded. No
// further requests are issued for this upload afterward.
func (c *Client) Cancel(ctx context.Context) error {
	c.Pause()

	var err error
	if c.store != nil {
		err = c.store.Remove(c.fp)
	}

	c.setState(StateCancelled)
	return err
}

// IsResumable reports whether resumption is possible right now: a store
// entry must exist for this file's fingerprint, and a HEAD to the
// corresponding URL must return 2xx with a valid Upload-Offset.
func (c *Client) IsResumable(ctx context.Context) bool {
	if c.store == nil {
		return false
	}

	url, err := c.store.Get(c.fp)
	if err != nil {
		return false
	}

	_, ok := c.headOffset(ctx, url)
	return ok
}

func (c *Client) applyCallbacks(cfg *uploadConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case cfg.clearOnStart:
		c.onStart = nil
	case cfg.setOnStart:
		c.onStart = cfg.onStart
	}

	switch {
	case cfg.clearOnProgress:
		c.onProgress = nil
	case cfg.setOnProgress:
		c.onProgress = cfg.onProgress
	}

	switch {
	case cfg.clearOnComplete:
		c.onComplete = nil
	case cfg.setOnComplete:
		c.onComplete = cfg.onComplete
	}
}

func (c *Client) tryResumeFromStore(ctx context.Context, preventDuplicates bool) (bool, error) {
	if !preventDuplicates || c.store == nil {
		return false, nil
	}

	existing, err := c.store.Get(c.fp)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	offset, ok := c.headOffset(ctx, existing)
	if ok {
		c.mu.Lock()
		c.uploadURL = existing
		c.offset = offset
		c.mu.Unlock()
		return true, nil
	}

	c.store.Remove(c.fp)
	return false, &DuplicateError{Fingerprint: c.fp}
}

func (c *Client) headOffset(ctx context.Context, uploadURL string) (int64, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, uploadURL, nil)
	if err != nil {
		return 0, false
	}
	req.Header.Set("Tus-Resumable", tusResumableVersion)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, false
	}

	return parseOffset(resp.Header.Get("Upload-Offset"))
}

func (c *Client) create(ctx context.Context) error {
	if c.size <= 0 {
		if err := c.materializeSize(); err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.uri, nil)
	if err != nil {
		return err
	}
	applyUserHeaders(req, c.headers)
	req.Header.Set("Tus-Resumable", tusResumableVersion)
	req.Header.Set("Upload-Length", strconv.FormatInt(c.size, 10))
	if enc := encodeMetadata(c.metadata); enc != "" {
		req.Header.Set("Upload-Metadata", enc)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Op: "create", Attempt: 1, Cause: err}
	}
	defer resp.Body.Close()

	if !(resp.StatusCode/100 == 2 || resp.StatusCode == http.StatusNotFound) {
		return &ProtocolError{Op: "create", Status: resp.StatusCode, Reason: "unexpected status from creation"}
	}

	location := resp.Header.Get("Location")
	if location == "" {
		return &ProtocolError{Op: "create", Status: resp.StatusCode, Reason: "missing Location header"}
	}

	resolved, err := resolveLocation(c.uri, location)
	if err != nil {
		return &ProtocolError{Op: "create", Status: resp.StatusCode, Reason: "invalid Location header: " + err.Error()}
	}

	c.mu.Lock()
	c.uploadURL = resolved
	c.offset = 0
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.Set(c.fp, resolved); err != nil {
			return err
		}
	}

	c.log.Debug("upload created", "url", resolved, "size", c.size)
	return nil
}

func (c *Client) materializeSize() error {
	buf := make([]byte, c.chunkSize)
	var total int64

	for {
		n, err := c.source.ReadAt(buf, total)
		total += int64(n)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if n == 0 {
			break
		}
	}

	c.size = total
	return nil
}

func (c *Client) beginRun(ctx context.Context, measureSpeed bool) {
	if measureSpeed {
		if bw, ok := measureUploadSpeed(ctx, c.speedTestURL, c.log); ok {
			c.mu.Lock()
			c.bandwidth = bw
			c.hasBandwidth = true
			c.mu.Unlock()
		} else {
			c.log.Debug("speed probe disabled: measurement failed")
		}
	}

	var estimate *time.Duration
	c.mu.Lock()
	if c.hasBandwidth && c.bandwidth > 0 {
		remaining := c.size - c.offset
		d := time.Duration(float64(remaining) / c.bandwidth * float64(time.Second))
		estimate = &d
	}
	c.mu.Unlock()

	c.invokeOnStart(estimate)
}

func (c *Client) runLoop(ctx context.Context) error {
	start := time.Now()
	var sentThisRun int64

	for {
		c.mu.Lock()
		offset := c.offset
		total := c.size
		uploadURL := c.uploadURL
		c.mu.Unlock()

		if c.paused.Load() {
			c.transitionToPaused()
			return nil
		}
		if offset >= total {
			break
		}

		newOffset, err := c.patchChunk(ctx, uploadURL, offset, total)
		if err != nil {
			if errors.Is(err, errPausedDuringRequest) {
				c.transitionToPaused()
				return nil
			}
			c.setState(StateFailed)
			return err
		}

		c.mu.Lock()
		c.offset = newOffset
		c.mu.Unlock()

		sentThisRun += newOffset - offset
		c.reportProgress(newOffset, total, sentThisRun, start)
	}

	c.setState(StateCompleted)
	if c.store != nil {
		c.store.Remove(c.fp)
	}
	c.invokeOnComplete()
	return nil
}

func (c *Client) patchChunk(ctx context.Context, uploadURL string, offset, total int64) (int64, error) {
	size := total - offset
	if size > c.chunkSize {
		size = c.chunkSize
	}

	buf := make([]byte, size)
	n, readErr := c.source.ReadAt(buf, offset)
	if readErr != nil && readErr != io.EOF {
		return 0, readErr
	}
	buf = buf[:n]

	for attempt := 0; ; attempt++ {
		if c.paused.Load() {
			return 0, errPausedDuringRequest
		}

		serverOffset, retryable, err := c.sendPatch(ctx, uploadURL, offset, buf)
		if err == nil {
			return serverOffset, nil
		}

		if errors.Is(err, errPausedDuringRequest) {
			return 0, err
		}

		if !retryable || attempt >= c.retries {
			var te *TransportError
			if errors.As(err, &te) {
				te.Attempt = attempt + 1
			}
			return 0, err
		}

		wait := c.retryPolicy.interval(attempt, c.retryInterval)
		c.log.Debug("retrying chunk", "attempt", attempt+1, "wait", wait, "cause", err)
		if !c.sleepCancellable(ctx, wait) {
			return 0, &TransportError{Op: "patch", Attempt: attempt + 1, Cause: ctx.Err()}
		}
	}
}

// sendPatch issues a single PATCH attempt and classifies the outcome:
// (offset, false, nil) on success; (0, true, err) when the attempt should
// be retried; (0, false, err) when it must be surfaced immediately.
func (c *Client) sendPatch(ctx context.Context, uploadURL string, offset int64, buf []byte) (int64, bool, error) {
	reqCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancelInFlight = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.cancelInFlight = nil
		c.mu.Unlock()
		cancel()
	}()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPatch, uploadURL, bytes.NewReader(buf))
	if err != nil {
		return 0, false, err
	}
	applyUserHeaders(req, c.headers)
	req.Header.Set("Tus-Resumable", tusResumableVersion)
	req.Header.Set("Upload-Offset", strconv.FormatInt(offset, 10))
	req.Header.Set("Content-Type", "application/offset+octet-stream")
	req.ContentLength = int64(len(buf))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if c.paused.Load() {
			return 0, false, errPausedDuringRequest
		}
		return 0, true, &TransportError{Op: "patch", Attempt: 1, Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return 0, true, &TransportError{Op: "patch", Attempt: 1, Cause: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	serverOffset, ok := parseOffset(resp.Header.Get("Upload-Offset"))
	if !ok {
		return 0, false, &ProtocolError{Op: "patch", Status: resp.StatusCode, Reason: "missing or invalid Upload-Offset"}
	}

	want := offset + int64(len(buf))
	if serverOffset != want {
		return 0, false, &ProtocolError{Op: "patch", Status: resp.StatusCode, Reason: fmt.Sprintf("offset mismatch: got %d want %d", serverOffset, want)}
	}

	return serverOffset, false, nil
}

func (c *Client) sleepCancellable(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Client) reportProgress(offsetAfter, total, sentThisRun int64, start time.Time) {
	percent := percentOf(offsetAfter, total)

	remaining := total - offsetAfter
	if remaining < 0 {
		remaining = 0
	}

	var eta time.Duration
	c.mu.Lock()
	bw, hasBW := c.bandwidth, c.hasBandwidth
	c.mu.Unlock()

	if hasBW && bw > 0 {
		eta = time.Duration(float64(remaining) / bw * float64(time.Second))
	} else if elapsed := time.Since(start).Seconds(); elapsed > 0 && sentThisRun > 0 {
		rate := float64(sentThisRun) / elapsed
		if rate > 0 {
			eta = time.Duration(float64(remaining) / rate * float64(time.Second))
		}
	}

	c.invokeOnProgress(percent, eta)
}

func (c *Client) invokeOnStart(estimate *time.Duration) {
	c.mu.Lock()
	fn := c.onStart
	c.mu.Unlock()
	if fn == nil {
		return
	}
	defer c.recoverCallback("onStart")
	fn(c, estimate)
}

func (c *Client) invokeOnProgress(percent float64, eta time.Duration) {
	c.mu.Lock()
	fn := c.onProgress
	c.mu.Unlock()
	if fn == nil {
		return
	}
	defer c.recoverCallback("onProgress")
	fn(percent, eta)
}

func (c *Client) invokeOnComplete() {
	c.mu.Lock()
	fn := c.onComplete
	c.mu.Unlock()
	if fn == nil {
		return
	}
	defer c.recoverCallback("onComplete")
	fn()
}

func (c *Client) recoverCallback(name string) {
	if r := recover(); r != nil {
		c.log.Error("callback panicked", "callback", name, "panic", r)
	}
}

func applyUserHeaders(req *http.Request, headers http.Header) {
	for key, values := range headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
}

// resolveLocation implements the defensive parsing rules from the
// specification: a comma-valued Location is truncated to the substring
// before the first comma, and a relative result is resolved against the
// creation URI.
func resolveLocation(creationURI, location string) (string, error) {
	if idx := strings.IndexByte(location, ','); idx >= 0 {
		location = location[:idx]
	}

	loc, err := url.Parse(location)
	if err != nil {
		return "", err
	}

	if loc.Scheme == "" || loc.Host == "" {
		base, err := url.Parse(creationURI)
		if err != nil {
			return "", err
		}
		loc = base.ResolveReference(loc)
	}

	return loc.String(), nil
}

// parseOffset implements the same comma-truncation defense for the
// Upload-Offset response header.
func parseOffset(header string) (int64, bool) {
	if idx := strings.IndexByte(header, ','); idx >= 0 {
		header = header[:idx]
	}
	header = strings.TrimSpace(header)
	if header == "" {
		return 0, false
	}

	n, err := strconv.ParseInt(header, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}

	return n, true
}
