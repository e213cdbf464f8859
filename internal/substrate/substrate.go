// Package substrate provides the scheduling primitives the Connection
// Engine depends on: I/O readiness watches, one-shot timers, deferred
// callbacks, per-logical-task spawn, and rendezvous wait. It exists so the
// Engine's logic can be written once against an abstract scheduler instead
// of against goroutines directly, mirroring the cooperative-scheduler
// design spec.md §4.7 asks for — mapped onto Go's preemptive runtime per
// the mapping spec.md's closing design note prescribes (spawn→goroutine,
// watch→readiness loop, rendezvous→one-shot channel).
// file: internal/substrate/substrate.go
package substrate

import (
	"sync"
	"time"
)

// WatchMode selects which readiness direction a Watch reacts to.
type WatchMode int

const (
	Read WatchMode = iota
	Write
)

// Watch is a toggleable readiness gate. Enable/Disable switch it on and off
// without re-registering anything, matching spec.md §4.3's throttle
// re-enablement contract; Stop switches it off for good. ToggleWatch, the
// implementation in this package, is polled by its caller and invokes no
// callback.
type Watch interface {
	Enable()
	Disable()
	Stop()
}

// Timer is a cancellable one-shot timer.
type Timer interface {
	// Cancel prevents the callback from firing if it has not already. It is
	// safe to call after the timer has fired or been cancelled already.
	Cancel()
}

// Rendezvous is a one-shot value handoff: exactly one Resolve call (the
// first) delivers its value to the single Wait call; subsequent Resolve
// calls are silently discarded, satisfying the fan-out first-response-wins
// invariant (spec.md §8 invariant 7) without the caller needing its own
// synchronization.
type Rendezvous[T any] interface {
	Wait() T
	Resolve(value T)
}

// Substrate is the scheduling primitive set the Connection Engine and
// Server are built against.
type Substrate interface {
	// Defer enqueues cb to run soon on its own goroutine, outside the
	// caller's current call stack — used so dispatch() never runs inline
	// inside an I/O readiness callback (spec.md §4.3 read pump step 5).
	Defer(cb func())

	// Spawn runs fn as an independent task. The Connection Engine uses this
	// so a slow handler cannot block the read pump.
	Spawn(fn func())

	// AfterFunc schedules cb to run once after d elapses, returning a Timer
	// that can cancel it.
	AfterFunc(d time.Duration, cb func()) Timer

	// NewRendezvous creates a fresh one-shot handoff of type T.
	NewRendezvous() Rendezvous[any]
}

// Goroutine is the concrete Substrate implementation used in production: a
// thin wrapper over goroutines, time.AfterFunc, and channels.
type Goroutine struct{}

// New returns the goroutine-based Substrate.
func New() Substrate {
	return Goroutine{}
}

func (Goroutine) Defer(cb func()) {
	go cb()
}

func (Goroutine) Spawn(fn func()) {
	go fn()
}

type timerWrapper struct {
	t *time.Timer
}

func (w *timerWrapper) Cancel() {
	w.t.Stop()
}

func (Goroutine) AfterFunc(d time.Duration, cb func()) Timer {
	return &timerWrapper{t: time.AfterFunc(d, cb)}
}

type rendezvous struct {
	once sync.Once
	ch   chan any
}

func (r *rendezvous) Wait() any {
	return <-r.ch
}

func (r *rendezvous) Resolve(value any) {
	r.once.Do(func() {
		r.ch <- value
	})
}

func (Goroutine) NewRendezvous() Rendezvous[any] {
	return &rendezvous{ch: make(chan any, 1)}
}

// ToggleWatch is a Watch built from a boolean flag guarded by a mutex,
// consulted by a poll loop the caller drives (e.g. the Connection read
// pump checking watch.Enabled() before attempting a read). It gives
// Connection Engine code the Enable/Disable/Stop vocabulary spec.md §4.3
// requires without forcing a literal epoll translation.
type ToggleWatch struct {
	mu      sync.Mutex
	enabled bool
	stopped bool
}

// NewToggleWatch returns a ToggleWatch starting in the enabled state.
func NewToggleWatch() *ToggleWatch {
	return &ToggleWatch{enabled: true}
}

func (w *ToggleWatch) Enable() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.enabled = true
}

func (w *ToggleWatch) Disable() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.enabled = false
}

func (w *ToggleWatch) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	w.enabled = false
}

// Enabled reports whether the watch currently permits its guarded action.
func (w *ToggleWatch) Enabled() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enabled && !w.stopped
}

// Stopped reports whether Stop has been called.
func (w *ToggleWatch) Stopped() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stopped
}

var _ Watch = (*ToggleWatch)(nil)
