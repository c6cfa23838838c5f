package hsm

import (
	"golang.org/x/sync/semaphore"
)

// ThreadPool is a fixed-size worker pool backing pooled invokes
// (StateBuilder.InvokePooled). Submitting a task when every worker is busy
// fails immediately with ErrThreadPoolUnderflow rather than blocking the
// caller - a pooled invoke that cannot get a worker is a fatal pool-state
// error, not a reason to stall the macrostep that is trying to enter the
// state (spec §4.6, §5).
//
// A ThreadPool is installed on a [StateMachine] and shared by every
// instance of it; [StateMachine.SetThreadPool] replaces the installed pool
// only while that pool has no outstanding tasks.
type ThreadPool struct {
	sem  *semaphore.Weighted
	size int64
}

// NewThreadPool creates a pool with the given fixed number of workers.
func NewThreadPool(size int) *ThreadPool {
	return &ThreadPool{sem: semaphore.NewWeighted(int64(size)), size: int64(size)}
}

// submit runs task on a pool worker if one is idle, returning
// ErrThreadPoolUnderflow immediately if not. The worker that accepts a task
// always finishes it before becoming available again - it never abandons a
// task it has begun.
func (p *ThreadPool) submit(task func()) error {
	if !p.sem.TryAcquire(1) {
		return newError(ThreadPoolUnderflow, "pool of size %d has no idle worker", p.size)
	}
	go func() {
		defer p.sem.Release(1)
		task()
	}()
	return nil
}

// idle reports whether the pool currently has no outstanding tasks, the
// precondition SetThreadPool checks before replacing it.
func (p *ThreadPool) idle() bool {
	if !p.sem.TryAcquire(p.size) {
		return false
	}
	p.sem.Release(p.size)
	return true
}
