package pool

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPoolRunsAllTasks(t *testing.T) {
	p := New(5)
	var count atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		p.Submit(func() {
			defer wg.Done()
			count.Add(1)
		})
	}
	wg.Wait()
	p.Close()
	assert.Equal(t, int64(100), count.Load())
}

func TestPoolBoundsConcurrency(t *testing.T) {
	const size = 3
	p := New(size)
	defer p.Close()

	var cur, peak atomic.Int64
	var wg sync.WaitGroup
	gate := make(chan struct{})
	for i := 0; i < 20; i++ {
		wg.Add(1)
		p.Submit(func() {
			defer wg.Done()
			n := cur.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			<-gate
			cur.Add(-1)
		})
	}
	close(gate)
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int64(size))
	assert.Greater(t, peak.Load(), int64(0))
}

func TestPoolDefaultsSize(t *testing.T) {
	p := New(0)
	defer p.Close()

	var wg sync.WaitGroup
	ran := false
	wg.Add(1)
	p.Submit(func() {
		defer wg.Done()
		ran = true
	})
	wg.Wait()
	assert.True(t, ran)
}

func TestPoolCloseDrainsQueue(t *testing.T) {
	p := New(2)
	var count atomic.Int64
	for i := 0; i < 50; i++ {
		p.Submit(func() { count.Add(1) })
	}
	p.Close()
	assert.Equal(t, int64(50), count.Load())
}

// A single worker holds a task while the queue is filled to capacity, then
// hands off follow-up work from inside that task. With a blocking send this
// wedges the pool for good: the only worker waits as a sender and nothing
// receives. Detach must complete regardless of queue capacity.
func TestDetachFromWorkerWithFullQueue(t *testing.T) {
	p := New(1)

	queueFull := make(chan struct{})
	nestedRan := make(chan struct{})
	p.Submit(func() {
		<-queueFull
		p.Detach(func() { close(nestedRan) })
	})

	for i := 0; i < queueBuffer; i++ {
		p.Submit(func() {})
	}
	close(queueFull)

	select {
	case <-nestedRan:
	case <-time.After(5 * time.Second):
		t.Fatal("worker blocked handing off follow-up work while queue full")
	}
	p.Close()
}

func TestPoolCloseWaitsForDetachedTasks(t *testing.T) {
	p := New(1)
	var count atomic.Int64
	for i := 0; i < 50; i++ {
		p.Detach(func() { count.Add(1) })
	}
	p.Close()
	assert.Equal(t, int64(50), count.Load())
}
