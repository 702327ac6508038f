// Package transcript merges streaming transcript deltas into per-speaker
// turn entries.
//
// Each speaker has at most one open (non-final) entry. A delta extends the
// speaker's open entry, opening a new one if needed; it never touches another
// speaker's entry. A turn boundary freezes every open entry in the order the
// entries were opened. The aggregator only ever appends text, so an entry's
// text grows monotonically until it is frozen.
package transcript

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/pkg/protocol"
)

// Entry is one speaker's contribution to one turn.
type Entry struct {
	TurnID  string
	Speaker protocol.Speaker
	Text    string
	IsFinal bool

	// Interrupted is set on a model entry whose audio was cut off by the
	// user barging in.
	Interrupted bool

	StartedAt time.Time
	UpdatedAt time.Time
}

// Option is a functional option for [New].
type Option func(*Aggregator)

// WithOnUpdate registers fn to receive a copy of every entry after it
// changes. fn is called without the aggregator's lock held, in mutation order.
func WithOnUpdate(fn func(Entry)) Option {
	return func(a *Aggregator) { a.onUpdate = fn }
}

// WithMetrics counts finalized entries on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *Aggregator) { a.metrics = m }
}

// WithClock overrides the wall clock used for entry timestamps.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// Aggregator accumulates transcript deltas. It is safe for concurrent use.
type Aggregator struct {
	onUpdate func(Entry)
	metrics  *observe.Metrics
	now      func() time.Time

	// emitMu keeps onUpdate calls in mutation order.
	emitMu sync.Mutex

	mu      sync.Mutex
	entries []*Entry
	open    map[protocol.Speaker]*Entry
	// pending holds the open entries in opening order.
	pending []*Entry
}

// New returns an empty aggregator.
func New(opts ...Option) *Aggregator {
	a := &Aggregator{
		now:  time.Now,
		open: make(map[protocol.Speaker]*Entry),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Delta appends text to the speaker's open entry, opening one if the speaker
// has none. Empty text is ignored. It returns the updated entry.
func (a *Aggregator) Delta(speaker protocol.Speaker, text string) (Entry, bool) {
	if text == "" {
		return Entry{}, false
	}

	a.emitMu.Lock()
	defer a.emitMu.Unlock()

	a.mu.Lock()
	now := a.now()
	e, ok := a.open[speaker]
	if !ok {
		e = &Entry{
			TurnID:    uuid.NewString(),
			Speaker:   speaker,
			StartedAt: now,
		}
		a.entries = append(a.entries, e)
		a.open[speaker] = e
		a.pending = append(a.pending, e)
	}
	e.Text += text
	e.UpdatedAt = now
	snap := *e
	a.mu.Unlock()

	a.emit(snap)
	return snap, true
}

// TurnBoundary freezes every open entry, in the order the entries were
// opened, and returns the frozen entries.
func (a *Aggregator) TurnBoundary() []Entry {
	a.emitMu.Lock()
	defer a.emitMu.Unlock()

	a.mu.Lock()
	frozen := make([]Entry, 0, len(a.pending))
	now := a.now()
	for _, e := range a.pending {
		e.IsFinal = true
		e.UpdatedAt = now
		frozen = append(frozen, *e)
	}
	clear(a.pending)
	a.pending = a.pending[:0]
	clear(a.open)
	a.mu.Unlock()

	for _, e := range frozen {
		if a.metrics != nil {
			a.metrics.RecordTurn(context.Background(), string(e.Speaker))
		}
		a.emit(e)
	}
	return frozen
}

// Interrupted marks the model's open entry as cut off. It reports false when
// the model has no open entry.
func (a *Aggregator) Interrupted() (Entry, bool) {
	a.emitMu.Lock()
	defer a.emitMu.Unlock()

	a.mu.Lock()
	e, ok := a.open[protocol.SpeakerModel]
	if !ok || e.Interrupted {
		a.mu.Unlock()
		return Entry{}, false
	}
	e.Interrupted = true
	e.UpdatedAt = a.now()
	snap := *e
	a.mu.Unlock()

	a.emit(snap)
	return snap, true
}

// Open returns a copy of the speaker's open entry.
func (a *Aggregator) Open(speaker protocol.Speaker) (Entry, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.open[speaker]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// History returns copies of every entry, final and open, in opening order.
func (a *Aggregator) History() []Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Entry, len(a.entries))
	for i, e := range a.entries {
		out[i] = *e
	}
	return out
}

func (a *Aggregator) emit(e Entry) {
	if a.onUpdate != nil {
		a.onUpdate(e)
	}
}
