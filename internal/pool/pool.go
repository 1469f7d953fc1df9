// Package pool implements the process-wide bounded worker pool shared by
// image downloads and per-file tagging. The pool size is the sole throttle on
// fan-out; callers coordinate batch completion with their own WaitGroup.
package pool

import "sync"

const (
	defaultWorkers = 5
	queueBuffer    = 4096
)

type Pool struct {
	tasks    chan func()
	wg       sync.WaitGroup
	detached sync.WaitGroup
}

func New(size int) *Pool {
	if size < 1 {
		size = defaultWorkers
	}
	p := &Pool{tasks: make(chan func(), queueBuffer)}
	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for fn := range p.tasks {
		fn()
	}
}

// Submit queues fn for execution on one of the pool workers. Blocks only when
// the queue buffer is full. Must not be called from a worker: a worker that
// blocks here while the queue is full is a sender with one receiver fewer,
// and once every worker is such a sender nothing drains the queue again.
// Workers hand off follow-up work with Detach instead.
func (p *Pool) Submit(fn func()) {
	p.tasks <- fn
}

// Detach runs fn without ever waiting on queue capacity: it takes a queue
// slot if one is free, otherwise fn gets its own goroutine.
func (p *Pool) Detach(fn func()) {
	select {
	case p.tasks <- fn:
	default:
		p.detached.Add(1)
		go func() {
			defer p.detached.Done()
			fn()
		}()
	}
}

// Close stops accepting work and waits for the workers to drain the queue
// and for any detached tasks to finish.
func (p *Pool) Close() {
	close(p.tasks)
	p.wg.Wait()
	p.detached.Wait()
}
