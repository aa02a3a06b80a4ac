// Package batch coalesces bursts of events into windowed batches.
//
// The batcher sits between bus dispatch and transport delivery. Each
// category (the first segment of the event type by convention, though
// callers pass the category explicitly) has a configured window. Within a
// window, repeated offers for the same coalescing key replace the stored
// event and increment a suppressed count; when the window expires, one
// envelope per key is emitted carrying the latest event and the count.
// A zero window means immediate passthrough, used for critical events.
//
// Flushing is timer-driven from the first offer in a window, so an
// envelope is always emitted within the window duration of that offer.
// All timers are cancelled on Close, which performs a final synchronous
// flush of anything still pending.
package batch

import (
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/dshills/beacon/internal/event"
	"github.com/dshills/beacon/internal/observability"
)

// ErrClosed is returned by Offer after the batcher has been closed.
var ErrClosed = errors.New("batcher closed")

// Entry pairs a flushed envelope with the coalescing key it was offered
// under, so the receiver can route it without re-deriving the key.
type Entry struct {
	Key      string
	Envelope event.Envelope
}

// FlushFunc receives the entries emitted when a window flushes. Entries
// are ordered by first-offer time within the window. The batcher calls
// it outside its own lock, so implementations may block briefly, but a
// slow FlushFunc delays subsequent flushes of the same batcher.
type FlushFunc func(category string, entries []Entry)

// Config controls per-category window durations.
type Config struct {
	// Windows maps a category to its window duration. A zero duration
	// means events in that category bypass batching entirely.
	Windows map[string]time.Duration

	// DefaultWindow applies to categories absent from Windows.
	DefaultWindow time.Duration
}

// DefaultConfig returns the illustrative default windows.
func DefaultConfig() Config {
	return Config{
		Windows: map[string]time.Duration{
			"agent":    200 * time.Millisecond,
			"metrics":  500 * time.Millisecond,
			"logs":     time.Second,
			"critical": 0,
		},
		DefaultWindow: 200 * time.Millisecond,
	}
}

type pendingEntry struct {
	evt        event.Event
	suppressed uint64
}

// window holds the pending entries for one category between flushes.
type window struct {
	timer   *time.Timer
	entries map[string]*pendingEntry
	order   []string
}

// Batcher coalesces events per category into timed windows.
type Batcher struct {
	mu      sync.Mutex
	cfg     Config
	scale   float64
	pending map[string]*window
	flush   FlushFunc
	logger  *slog.Logger
	metrics observability.MetricsRecorder
	closed  bool
}

// Option configures a Batcher.
type Option func(*Batcher)

// WithLogger sets the batcher's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Batcher) {
		b.logger = observability.ComponentLogger(logger, "batcher")
	}
}

// WithMetrics sets the batcher's metrics recorder.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(b *Batcher) {
		b.metrics = m
	}
}

// New creates a batcher that emits flushed envelopes through fn.
func New(cfg Config, fn FlushFunc, opts ...Option) *Batcher {
	b := &Batcher{
		cfg:     cfg,
		scale:   1.0,
		pending: make(map[string]*window),
		flush:   fn,
		metrics: observability.NoopMetrics{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Offer submits an event for batching under the given category and
// coalescing key. Events in a zero-window category are emitted
// immediately. A repeat offer for the same (category, key) within an open
// window replaces the stored event and increments its suppressed count.
func (b *Batcher) Offer(category, key string, evt event.Event) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}

	dur := b.windowLocked(category)
	if dur <= 0 {
		b.mu.Unlock()
		b.flush(category, []Entry{{Key: key, Envelope: event.NewEnvelope(evt)}})
		return nil
	}

	w, ok := b.pending[category]
	if !ok {
		w = &window{entries: make(map[string]*pendingEntry)}
		w.timer = time.AfterFunc(dur, func() { b.flushCategory(category) })
		b.pending[category] = w
	}

	if e, ok := w.entries[key]; ok {
		e.evt = evt
		e.suppressed++
	} else {
		w.entries[key] = &pendingEntry{evt: evt}
		w.order = append(w.order, key)
	}
	b.mu.Unlock()
	return nil
}

// SetWindows replaces the window configuration. Open windows keep their
// already-scheduled flush; the new durations apply from the next offer.
func (b *Batcher) SetWindows(cfg Config) {
	b.mu.Lock()
	b.cfg = cfg
	b.mu.Unlock()
}

// SetScale multiplies every window duration by the given factor. The
// resilience manager widens windows (scale > 1) when connection quality
// degrades and restores them (scale 1) on recovery.
func (b *Batcher) SetScale(factor float64) {
	if factor <= 0 || math.IsNaN(factor) {
		factor = 1.0
	}
	b.mu.Lock()
	b.scale = factor
	b.mu.Unlock()
}

// Flush immediately flushes every open window.
func (b *Batcher) Flush() {
	b.mu.Lock()
	categories := make([]string, 0, len(b.pending))
	for cat, w := range b.pending {
		w.timer.Stop()
		categories = append(categories, cat)
	}
	b.mu.Unlock()

	for _, cat := range categories {
		b.flushCategory(cat)
	}
}

// Close flushes all pending windows, cancels their timers, and rejects
// further offers.
func (b *Batcher) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	remaining := make(map[string]*window, len(b.pending))
	for cat, w := range b.pending {
		w.timer.Stop()
		remaining[cat] = w
	}
	b.pending = make(map[string]*window)
	b.mu.Unlock()

	for cat, w := range remaining {
		b.emit(cat, w)
	}
}

// PendingCategories reports how many categories have an open window.
func (b *Batcher) PendingCategories() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *Batcher) windowLocked(category string) time.Duration {
	dur, ok := b.cfg.Windows[category]
	if !ok {
		dur = b.cfg.DefaultWindow
	}
	if dur <= 0 {
		return 0
	}
	return time.Duration(float64(dur) * b.scale)
}

func (b *Batcher) flushCategory(category string) {
	b.mu.Lock()
	w, ok := b.pending[category]
	if ok {
		delete(b.pending, category)
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	b.emit(category, w)
}

func (b *Batcher) emit(category string, w *window) {
	if len(w.order) == 0 {
		return
	}
	entries := make([]Entry, 0, len(w.order))
	var suppressed uint64
	for _, key := range w.order {
		e := w.entries[key]
		entries = append(entries, Entry{
			Key:      key,
			Envelope: event.NewEnvelope(e.evt).WithSuppressed(e.suppressed),
		})
		suppressed += e.suppressed
	}
	observability.LogDebug(b.logger, "window flushed",
		"category", category,
		"entries", len(entries),
		"suppressed", suppressed)
	b.flush(category, entries)
}
