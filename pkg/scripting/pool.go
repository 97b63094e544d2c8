package scripting

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// runtimePool bounds the runtimes of one unit. Runtimes are created lazily
// through the factory and kept for the life of the pool; script state lives
// in them and is never reset.
type runtimePool struct {
	pool          chan *scriptRuntime
	factory       func() (*scriptRuntime, error)
	maxSize       int
	currentSize   int32
	totalCreated  int64
	totalAcquired int64
	totalReleased int64
	mu            sync.Mutex
	closed        bool
}

func newRuntimePool(maxSize int, factory func() (*scriptRuntime, error)) *runtimePool {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &runtimePool{
		pool:    make(chan *scriptRuntime, maxSize),
		factory: factory,
		maxSize: maxSize,
	}
}

// adopt places an already built runtime in the pool.
func (p *runtimePool) adopt(rt *scriptRuntime) {
	atomic.AddInt32(&p.currentSize, 1)
	atomic.AddInt64(&p.totalCreated, 1)
	p.pool <- rt
}

// Acquire takes an idle runtime, creates one while below the limit, or waits
// for a release.
func (p *runtimePool) Acquire(ctx context.Context) (*scriptRuntime, error) {
	if p.isClosed() {
		return nil, fmt.Errorf("runtime pool is closed")
	}

	atomic.AddInt64(&p.totalAcquired, 1)

	select {
	case rt, ok := <-p.pool:
		if !ok {
			return nil, fmt.Errorf("runtime pool is closed")
		}
		return p.use(rt), nil
	default:
	}

	if n := atomic.AddInt32(&p.currentSize, 1); int(n) <= p.maxSize {
		rt, err := p.factory()
		if err != nil {
			atomic.AddInt32(&p.currentSize, -1)
			return nil, fmt.Errorf("failed to create runtime: %w", err)
		}
		atomic.AddInt64(&p.totalCreated, 1)
		return p.use(rt), nil
	}
	atomic.AddInt32(&p.currentSize, -1)

	select {
	case rt, ok := <-p.pool:
		if !ok {
			return nil, fmt.Errorf("runtime pool is closed")
		}
		return p.use(rt), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *runtimePool) use(rt *scriptRuntime) *scriptRuntime {
	rt.lastUsedAt = time.Now()
	rt.useCount++
	return rt
}

// Release returns a runtime to the pool. A runtime a panic passed through is
// discarded so the next acquire builds a fresh one.
func (p *runtimePool) Release(rt *scriptRuntime) {
	atomic.AddInt64(&p.totalReleased, 1)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || rt.broken {
		p.destroy(rt)
		return
	}

	select {
	case p.pool <- rt:
	default:
		p.destroy(rt)
	}
}

func (p *runtimePool) destroy(rt *scriptRuntime) {
	rt.broken = true
	atomic.AddInt32(&p.currentSize, -1)
}

func (p *runtimePool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Close closes the pool and drops all idle runtimes. Runtimes still in use
// are dropped on release.
func (p *runtimePool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}

	p.closed = true
	close(p.pool)

	for rt := range p.pool {
		p.destroy(rt)
	}

	return nil
}

// Stats returns pool statistics
func (p *runtimePool) Stats() PoolStats {
	return PoolStats{
		CurrentSize:   int(atomic.LoadInt32(&p.currentSize)),
		MaxSize:       p.maxSize,
		TotalCreated:  atomic.LoadInt64(&p.totalCreated),
		TotalAcquired: atomic.LoadInt64(&p.totalAcquired),
		TotalReleased: atomic.LoadInt64(&p.totalReleased),
		Available:     len(p.pool),
	}
}

// PoolStats contains runtime pool statistics
type PoolStats struct {
	CurrentSize   int   `json:"current_size"`
	MaxSize       int   `json:"max_size"`
	TotalCreated  int64 `json:"total_created"`
	TotalAcquired int64 `json:"total_acquired"`
	TotalReleased int64 `json:"total_released"`
	Available     int   `json:"available"`
}

// String returns a string representation of the stats
func (s PoolStats) String() string {
	return fmt.Sprintf(
		"Pool Stats: Current=%d, Max=%d, Created=%d, Acquired=%d, Released=%d, Available=%d",
		s.CurrentSize, s.MaxSize, s.TotalCreated, s.TotalAcquired, s.TotalReleased, s.Available,
	)
}
