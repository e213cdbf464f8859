// Package calltable implements the per-connection outstanding-call map:
// serial id allocation, timeout scheduling, and exactly-once reply
// delivery, per spec.md §4.4.
// file: internal/calltable/calltable.go
package calltable

import (
	"sync"
	"time"

	"github.com/dkoosis/wiremux/internal/buserror"
	"github.com/dkoosis/wiremux/internal/substrate"
	"github.com/dkoosis/wiremux/internal/wire"
)

// ReplyFunc receives exactly one delivery for the call it was registered
// against: the peer's reply, a synthetic Timeout, or a synthetic
// disconnect error — never more than one, never zero, per spec.md §4.4's
// invariant.
type ReplyFunc func(*wire.Message)

type entry struct {
	reply ReplyFunc
	timer substrate.Timer
}

// CallTable is the per-Connection outstanding-call map. It is safe for
// concurrent use: a Connection Engine owns one CallTable, but timers fire
// from the substrate's own goroutine, so CallTable guards its map with a
// mutex rather than assuming single-threaded access.
type CallTable struct {
	sub            substrate.Substrate
	defaultTimeout time.Duration
	onTimeout      func()

	mu      sync.Mutex
	nextID  int64
	entries map[int64]*entry
}

// New creates an empty CallTable. defaultTimeout is used when Register is
// called without an explicit timeout. onTimeout, if non-nil, is invoked once
// per call resolved by its timer rather than a reply — wired to
// metrics.Collector.RecordTimeout by callers that care.
func New(sub substrate.Substrate, defaultTimeout time.Duration, onTimeout func()) *CallTable {
	return &CallTable{
		sub:            sub,
		defaultTimeout: defaultTimeout,
		onTimeout:      onTimeout,
		entries:        make(map[int64]*entry),
	}
}

// NextID allocates the next monotonically increasing request id. Ids start
// at 1 and are never reused (spec.md §3 Outstanding Call invariant).
func (t *CallTable) NextID() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	return t.nextID
}

// Register records a pending call under id, arming a timer that delivers a
// synthetic Timeout if no reply arrives within timeout (or defaultTimeout
// if timeout <= 0). The caller is responsible for having already enqueued
// the outbound request carrying id.
func (t *CallTable) Register(id int64, timeout time.Duration, reply ReplyFunc) {
	if timeout <= 0 {
		timeout = t.defaultTimeout
	}

	e := &entry{reply: reply}
	e.timer = t.sub.AfterFunc(timeout, func() { t.fireTimeout(id) })

	t.mu.Lock()
	t.entries[id] = e
	t.mu.Unlock()
}

// Deliver routes an arrived response to its waiting callback, cancelling
// the timer and removing the entry. It reports whether an entry existed
// for this id; a late reply for an id already resolved by timeout or close
// is a no-op (dropped silently, per spec.md §7).
func (t *CallTable) Deliver(id int64, msg *wire.Message) bool {
	t.mu.Lock()
	e, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	t.mu.Unlock()

	if !ok {
		return false
	}
	e.timer.Cancel()
	e.reply(msg)
	return true
}

func (t *CallTable) fireTimeout(id int64) {
	t.mu.Lock()
	e, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	t.mu.Unlock()

	if !ok {
		// Reply arrived and was delivered in the race between the timer
		// firing and Deliver; nothing to do.
		return
	}
	if t.onTimeout != nil {
		t.onTimeout()
	}
	e.reply(wire.NewError(id, buserror.TimeoutError().ToWire()))
}

// CloseAll delivers a synthetic disconnect error to every outstanding
// entry and empties the table, unblocking any caller parked on a
// synchronous CallMethod. Called once when the owning Connection closes.
func (t *CallTable) CloseAll() {
	t.mu.Lock()
	entries := t.entries
	t.entries = make(map[int64]*entry)
	t.mu.Unlock()

	for id, e := range entries {
		e.timer.Cancel()
		e.reply(wire.NewError(id, buserror.Disconnected().ToWire()))
	}
}

// Len reports the number of outstanding calls. No metrics collector reads
// it.
func (t *CallTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
