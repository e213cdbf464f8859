// file: internal/substrate/pool.go
package substrate

import (
	"sync"
	"sync/atomic"
)

// ErrPoolStopped is returned by Submit after Stop has been called.
var ErrPoolStopped = poolStoppedError{}

type poolStoppedError struct{}

func (poolStoppedError) Error() string { return "substrate: worker pool has been stopped" }

// BoundedSpawner caps how many handler dispatches run concurrently,
// distinct from Substrate.Spawn's unbounded goroutine-per-call. A
// Connection configured with MaxConcurrentHandlers owns one of these and
// routes its dispatch through it instead of calling Spawn directly, so a
// burst of slow handlers on that connection cannot grow goroutine count
// without limit.
type BoundedSpawner struct {
	tasks    chan func()
	wg       sync.WaitGroup
	stopped  atomic.Bool
	stopOnce sync.Once
}

// NewBoundedSpawner starts workers long-lived goroutines draining a queued
// job channel. A non-positive workers count is treated as 1.
func NewBoundedSpawner(workers int) *BoundedSpawner {
	if workers <= 0 {
		workers = 1
	}
	p := &BoundedSpawner{
		tasks: make(chan func(), workers*8),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.run()
	}
	return p
}

func (p *BoundedSpawner) run() {
	defer p.wg.Done()
	for task := range p.tasks {
		task()
	}
}

// Submit queues fn for execution on the next free worker. It returns
// ErrPoolStopped if the pool has already been stopped.
func (p *BoundedSpawner) Submit(fn func()) error {
	if p.stopped.Load() {
		return ErrPoolStopped
	}
	p.tasks <- fn
	return nil
}

// Stop closes the task queue and waits for in-flight tasks to finish.
// Safe to call more than once.
func (p *BoundedSpawner) Stop() {
	p.stopOnce.Do(func() {
		p.stopped.Store(true)
		close(p.tasks)
		p.wg.Wait()
	})
}
