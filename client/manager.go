package client

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/olivierb24/another-tus-client/upload"
)

// eventBufferSize bounds how many unread Events a subscriber channel holds
// before the Manager starts dropping events for it rather than blocking the
// upload that produced them.
const eventBufferSize = 64

// ManagerConfig configures a Manager at construction time. ServerURL and
// ClientOptions are supplied once here rather than on every AddUpload call.
type ManagerConfig struct {
	// ServerURL is the tus collection endpoint every upload the Manager
	// creates is POSTed to for creation.
	ServerURL string
	// Concurrency caps how many uploads may run their PATCH loop at once.
	// Zero or negative means unbounded.
	Concurrency int
	// ClientOptions are applied to every Client the Manager creates, before
	// any upload-specific UploadOption. WithStore here is what lets each
	// Client find and resume an upload it created before a process restart;
	// AddUpload's own duplicate-fingerprint check covers only uploads
	// registered with this Manager.
	ClientOptions []Option
}

// lastManagedUploadMs tracks the last millisecond timestamp handed out by
// nextManagedUploadID, so two AddUpload calls in the same process millisecond
// still get strictly increasing ids instead of colliding.
var lastManagedUploadMs int64

// nextManagedUploadID derives the spec-mandated managed-upload id:
// "<fingerprint>-<monotonic_timestamp_ms>".
func nextManagedUploadID(fingerprint string) string {
	for {
		prev := atomic.LoadInt64(&lastManagedUploadMs)
		now := time.Now().UnixMilli()
		next := now
		if next <= prev {
			next = prev + 1
		}
		if atomic.CompareAndSwapInt64(&lastManagedUploadMs, prev, next) {
			return fmt.Sprintf("%s-%d", fingerprint, next)
		}
	}
}

// managerEntry tracks one upload registered with a Manager, whether it is
// currently queued, running, or finished.
type managerEntry struct {
	id          string
	fingerprint string
	client      *Client
	uri         string
	opts        []UploadOption
	admitted    bool
	cancel      context.CancelFunc
}

// Manager coordinates many Client uploads under a single concurrency bound,
// admitting queued uploads in FIFO order as running ones free a slot, and
// broadcasting state-change events to subscribers. The admission model
// mirrors a bounded semaphore the way the teacher package's memory locker
// gates access with golang.org/x/sync/semaphore; the non-blocking broadcast
// to subscribers mirrors rclone's webdav tus uploader notify/subscriber
// pair, with the refinement that a slow subscriber is dropped from instead
// of stalling the upload that produced the event.
type Manager struct {
	serverURL     string
	clientOptions []Option
	sem           *semaphore.Weighted

	mu            sync.Mutex
	entries       map[string]*managerEntry
	byFingerprint map[string]string
	queue         []string

	subsMu sync.Mutex
	subs   map[chan Event]struct{}
}

// NewManager constructs a Manager. A Concurrency of zero or less means
// uploads are admitted as soon as they're added, with no bound.
func NewManager(cfg ManagerConfig) *Manager {
	weight := int64(cfg.Concurrency)
	if weight <= 0 {
		weight = 1 << 30
	}

	return &Manager{
		serverURL:     cfg.ServerURL,
		clientOptions: cfg.ClientOptions,
		sem:           semaphore.NewWeighted(weight),
		entries:       make(map[string]*managerEntry),
		byFingerprint: make(map[string]string),
		subs:          make(map[chan Event]struct{}),
	}
}

// AddUpload registers src for upload against the Manager's ServerURL,
// returning a manager-assigned ID of the form
// "<fingerprint>-<monotonic_timestamp_ms>". If a fingerprint-matching
// upload is already registered, the existing ID is returned instead of
// starting a second upload for the same content.
func (m *Manager) AddUpload(src upload.Source, opts ...UploadOption) (string, error) {
	c, err := New(src, m.clientOptions...)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	if existing, ok := m.byFingerprint[c.fp]; ok {
		m.mu.Unlock()
		return existing, nil
	}

	id := nextManagedUploadID(c.fp)
	entry := &managerEntry{
		id:          id,
		fingerprint: c.fp,
		client:      c,
		uri:         m.serverURL,
		opts:        opts,
	}
	m.entries[id] = entry
	m.byFingerprint[c.fp] = id
	m.queue = append(m.queue, id)
	m.mu.Unlock()

	m.broadcast(Event{Type: EventAdd, Fingerprint: c.fp, ID: id})
	m.admit()
	return id, nil
}

// admit pulls as many queued uploads as the semaphore allows and starts
// each on its own goroutine.
func (m *Manager) admit() {
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.mu.Unlock()
			return
		}
		if !m.sem.TryAcquire(1) {
			m.mu.Unlock()
			return
		}

		id := m.queue[0]
		m.queue = m.queue[1:]
		entry, ok := m.entries[id]
		if !ok {
			m.sem.Release(1)
			m.mu.Unlock()
			continue
		}
		entry.admitted = true
		ctx, cancel := context.WithCancel(context.Background())
		entry.cancel = cancel
		m.mu.Unlock()

		go m.run(ctx, entry)
	}
}

func (m *Manager) run(ctx context.Context, entry *managerEntry) {
	defer func() {
		m.sem.Release(1)
		m.admit()
	}()

	opts := append([]UploadOption{}, entry.opts...)
	opts = append(opts,
		OnStart(func(c *Client, eta *time.Duration) {
			m.broadcast(Event{Type: EventStart, Fingerprint: entry.fingerprint, ID: entry.id})
		}),
		OnProgress(func(percent float64, eta time.Duration) {
			m.broadcast(Event{Type: EventProgress, Fingerprint: entry.fingerprint, ID: entry.id, Percent: percent, ETA: eta})
		}),
		OnComplete(func() {
			m.broadcast(Event{Type: EventComplete, Fingerprint: entry.fingerprint, ID: entry.id, Percent: 100})
		}),
	)

	err := entry.client.Upload(ctx, entry.uri, opts...)
	switch entry.client.State() {
	case StatePaused:
		m.broadcast(Event{Type: EventPause, Fingerprint: entry.fingerprint, ID: entry.id})
	case StateCancelled:
		m.broadcast(Event{Type: EventCancel, Fingerprint: entry.fingerprint, ID: entry.id})
	default:
		if err != nil {
			m.broadcast(Event{Type: EventError, Fingerprint: entry.fingerprint, ID: entry.id, Err: err})
		}
	}
}

// StartUpload re-attempts admission of queued uploads; AddUpload enqueues
// every upload automatically. It does not queue id itself, so it has no
// effect on an upload that is already queued or running, and an upload that
// has finished is not started again.
func (m *Manager) StartUpload(id string) error {
	m.mu.Lock()
	_, ok := m.entries[id]
	m.mu.Unlock()
	if !ok {
		return ErrUploadNotFound
	}
	m.admit()
	return nil
}

// PauseUpload pauses the upload identified by id, if it is running.
func (m *Manager) PauseUpload(id string) error {
	entry, err := m.lookup(id)
	if err != nil {
		return err
	}
	entry.client.Pause()
	return nil
}

// ResumeUpload resumes a paused upload identified by id.
func (m *Manager) ResumeUpload(ctx context.Context, id string) error {
	entry, err := m.lookup(id)
	if err != nil {
		return err
	}
	return entry.client.Resume(ctx)
}

// CancelUpload cancels the upload identified by id and removes it from the
// Manager's bookkeeping, whether it is queued or already running.
func (m *Manager) CancelUpload(ctx context.Context, id string) error {
	entry, err := m.lookup(id)
	if err != nil {
		return err
	}

	m.mu.Lock()
	for i, qid := range m.queue {
		if qid == id {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			break
		}
	}
	delete(m.entries, id)
	delete(m.byFingerprint, entry.fingerprint)
	if entry.cancel != nil {
		entry.cancel()
	}
	m.mu.Unlock()

	return entry.client.Cancel(ctx)
}

// PauseAll pauses every currently tracked upload.
func (m *Manager) PauseAll() {
	for _, entry := range m.snapshot() {
		entry.client.Pause()
	}
}

// ResumeAll resumes every currently tracked paused upload, collecting any
// per-upload errors rather than stopping at the first one.
func (m *Manager) ResumeAll(ctx context.Context) []error {
	var errs []error
	for _, entry := range m.snapshot() {
		if entry.client.State() != StatePaused {
			continue
		}
		if err := entry.client.Resume(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", entry.id, err))
		}
	}
	return errs
}

// CancelAll cancels every currently tracked upload.
func (m *Manager) CancelAll(ctx context.Context) []error {
	var errs []error
	for _, entry := range m.snapshot() {
		if err := m.CancelUpload(ctx, entry.id); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", entry.id, err))
		}
	}
	return errs
}

// GetUpload returns the Client for the given manager ID.
func (m *Manager) GetUpload(id string) (*Client, error) {
	entry, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return entry.client, nil
}

// GetAllUploads returns the manager IDs of every currently tracked upload,
// in no particular order.
func (m *Manager) GetAllUploads() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	return ids
}

// GetIDByFingerprint looks up the manager ID registered for fingerprint, if
// any.
func (m *Manager) GetIDByFingerprint(fingerprint string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byFingerprint[fingerprint]
	return id, ok
}

// GetFingerprintForID returns the fingerprint registered under id, if any.
func (m *Manager) GetFingerprintForID(id string) (string, bool) {
	entry, err := m.lookup(id)
	if err != nil {
		return "", false
	}
	return entry.fingerprint, true
}

func (m *Manager) lookup(id string) (*managerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[id]
	if !ok {
		return nil, ErrUploadNotFound
	}
	return entry, nil
}

func (m *Manager) snapshot() []*managerEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := make([]*managerEntry, 0, len(m.entries))
	for _, entry := range m.entries {
		entries = append(entries, entry)
	}
	return entries
}

// Subscribe returns a channel of Events for every upload this Manager
// tracks. The channel is buffered; if a subscriber falls behind, further
// events are dropped for it rather than blocking the upload goroutine that
// produced them. Callers must call Dispose when done to stop receiving.
func (m *Manager) Subscribe() chan Event {
	ch := make(chan Event, eventBufferSize)
	m.subsMu.Lock()
	m.subs[ch] = struct{}{}
	m.subsMu.Unlock()
	return ch
}

// Dispose unsubscribes ch and closes it. After calling Dispose, the caller
// must stop reading from ch.
func (m *Manager) Dispose(ch chan Event) {
	m.subsMu.Lock()
	if _, ok := m.subs[ch]; ok {
		delete(m.subs, ch)
		close(ch)
	}
	m.subsMu.Unlock()
}

func (m *Manager) broadcast(ev Event) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()

	for ch := range m.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
