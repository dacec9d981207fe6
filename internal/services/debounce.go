// Package services: Aggregator.
//
// This file implements the per-conversation debounce buffer. A burst of
// near-simultaneous inbound fragments from one conversation is collected and
// flushed as a single batch once the conversation goes quiet, so the NLU sees
// one coherent utterance instead of a drip of partial messages.
//
// Timing model (all windows from config.DebounceConfig):
//   - the first fragment of a batch arms the timer at now+Initial;
//   - every later fragment moves the deadline to now+Extend;
//   - the deadline never exceeds openedAt+Max, so a steady drip of fragments
//     cannot postpone the flush forever.
//
// Concurrency model: a short-lived table mutex guards the entry map; each
// entry carries its own mutex for fragment appends and deadline moves, so a
// slow flush on one conversation never blocks appends on another. Timers are
// stamped with a generation counter; a stale timer that lost a reschedule
// race observes the mismatch and exits without flushing.
package services

import (
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-conversation-backend/internal/config"
)

// Fragment is one buffered inbound message.
type Fragment struct {
	ID   string // inbound idempotency id
	Body string
	At   time.Time
}

// Batch is the atomic unit of downstream processing: every fragment one
// conversation accumulated between arming and firing of its timer.
type Batch struct {
	Key       string
	Fragments []Fragment
	OpenedAt  time.Time
}

// Text joins the fragment bodies in arrival order, one per line.
func (b Batch) Text() string {
	parts := make([]string, 0, len(b.Fragments))
	for _, f := range b.Fragments {
		if s := strings.TrimSpace(f.Body); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n")
}

// RepresentativeID is the inbound id the batch's reply is keyed on: the id of
// the first fragment. Deterministic, so a crashed-and-replayed flush derives
// the same outbound id and the dispatch guard catches the duplicate.
func (b Batch) RepresentativeID() string {
	if len(b.Fragments) == 0 {
		return ""
	}
	return b.Fragments[0].ID
}

// FlushFunc consumes a flushed batch. It runs on the timer goroutine; the
// aggregator holds no locks while it executes.
type FlushFunc func(Batch)

// BufferState is a point-in-time view of one open buffer, for the debug
// surface.
type BufferState struct {
	Key       string    `json:"key"`
	Fragments int       `json:"fragments"`
	OpenedAt  time.Time `json:"opened_at"`
	Deadline  time.Time `json:"deadline"`
}

type bufferEntry struct {
	mu        sync.Mutex
	fragments []Fragment
	openedAt  time.Time
	deadline  time.Time
	timer     *time.Timer
	gen       uint64
	flushed   bool
}

// Aggregator owns all open buffers and their timers.
type Aggregator struct {
	cfg   config.DebounceConfig
	flush FlushFunc

	mu      sync.Mutex
	entries map[string]*bufferEntry
	closed  bool
}

// NewAggregator builds an Aggregator that hands finished batches to flush.
func NewAggregator(cfg config.DebounceConfig, flush FlushFunc) *Aggregator {
	return &Aggregator{
		cfg:     cfg,
		flush:   flush,
		entries: make(map[string]*bufferEntry),
	}
}

// Add buffers one fragment for key. The first fragment of a batch arms the
// flush timer at Initial; later fragments move the deadline by Extend, capped
// at openedAt+Max.
func (a *Aggregator) Add(key string, f Fragment) {
	now := time.Now()

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	e, ok := a.entries[key]
	if !ok {
		e = &bufferEntry{openedAt: now}
		a.entries[key] = e
	}
	a.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.flushed {
		// Lost the race against the flusher: this fragment opens a new batch.
		a.mu.Lock()
		if a.entries[key] == e {
			delete(a.entries, key)
		}
		a.mu.Unlock()
		a.Add(key, f)
		return
	}

	e.fragments = append(e.fragments, f)

	var deadline time.Time
	if len(e.fragments) == 1 {
		deadline = now.Add(a.cfg.Initial)
	} else {
		deadline = now.Add(a.cfg.Extend)
	}
	if limit := e.openedAt.Add(a.cfg.Max); deadline.After(limit) {
		deadline = limit
	}
	e.deadline = deadline

	e.gen++
	gen := e.gen
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = time.AfterFunc(time.Until(deadline), func() { a.fire(key, e, gen) })

	log.Debug().
		Str("conversation", key).
		Int("fragments", len(e.fragments)).
		Time("deadline", deadline).
		Msg("fragment buffered")
}

// fire is the timer callback. A stale generation means a later fragment
// rescheduled the flush; that timer exits without touching the entry.
func (a *Aggregator) fire(key string, e *bufferEntry, gen uint64) {
	e.mu.Lock()
	if e.flushed || e.gen != gen {
		e.mu.Unlock()
		return
	}
	e.flushed = true
	batch := Batch{Key: key, Fragments: e.fragments, OpenedAt: e.openedAt}
	e.fragments = nil
	e.mu.Unlock()

	a.mu.Lock()
	if a.entries[key] == e {
		delete(a.entries, key)
	}
	a.mu.Unlock()

	if len(batch.Fragments) == 0 {
		return
	}
	a.flush(batch)
}

// FlushNow force-flushes the open buffer for key, if any, and reports whether
// a batch was produced. Used by the debug surface and by shutdown.
func (a *Aggregator) FlushNow(key string) bool {
	a.mu.Lock()
	e, ok := a.entries[key]
	a.mu.Unlock()
	if !ok {
		return false
	}

	e.mu.Lock()
	if e.flushed || len(e.fragments) == 0 {
		e.mu.Unlock()
		return false
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	gen := e.gen + 1
	e.gen = gen
	e.mu.Unlock()

	a.fire(key, e, gen)
	return true
}

// Snapshot returns the state of every open buffer, for the debug surface.
func (a *Aggregator) Snapshot() []BufferState {
	a.mu.Lock()
	entries := make(map[string]*bufferEntry, len(a.entries))
	for k, e := range a.entries {
		entries[k] = e
	}
	a.mu.Unlock()

	out := make([]BufferState, 0, len(entries))
	for k, e := range entries {
		e.mu.Lock()
		if !e.flushed {
			out = append(out, BufferState{
				Key:       k,
				Fragments: len(e.fragments),
				OpenedAt:  e.openedAt,
				Deadline:  e.deadline,
			})
		}
		e.mu.Unlock()
	}
	return out
}

// Close flushes every open buffer synchronously and rejects further Adds.
// Call during graceful shutdown so buffered fragments are not lost.
func (a *Aggregator) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	keys := make([]string, 0, len(a.entries))
	for k := range a.entries {
		keys = append(keys, k)
	}
	a.mu.Unlock()

	for _, k := range keys {
		a.FlushNow(k)
	}
}
