package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/cloacina/cloacina/internal/metrics"
)

// SlotToken owns one permit from a Pool. It releases at most once whether
// released explicitly or handed to DeferUntil, matching the spec's
// permit-is-a-scope-object design: alternative permit schemes (weighted,
// prioritized) can replace the semaphore without changing TaskHandle.
type SlotToken struct {
	pool *Pool
	once sync.Once
}

// Release returns the permit to the pool. Safe to call more than once.
func (t *SlotToken) Release() {
	t.once.Do(func() {
		t.pool.sem.Release(1)
		t.pool.observe(-1)
	})
}

// Pool is the dispatcher's concurrency ceiling: the count of Running+Active
// task bodies in this process never exceeds W (P9).
type Pool struct {
	sem *semaphore.Weighted
	w   int64

	mu      sync.Mutex
	metrics *metrics.Metrics
	held    int64
}

func NewPool(w int) *Pool {
	if w <= 0 {
		w = 1
	}
	return &Pool{sem: semaphore.NewWeighted(int64(w)), w: int64(w)}
}

// SetMetrics wires the permit-ceiling gauge (proves P9). Nil is safe and is
// the default for constructions that don't need instrumentation, e.g. tests.
func (p *Pool) SetMetrics(m *metrics.Metrics) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.metrics = m
}

func (p *Pool) observe(delta int64) {
	p.mu.Lock()
	p.held += delta
	m, held := p.metrics, p.held
	p.mu.Unlock()
	if m != nil {
		m.ActivePermits.Set(float64(held))
	}
}

// Acquire blocks until a permit is available or ctx is cancelled.
func (p *Pool) Acquire(ctx context.Context) (*SlotToken, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("dispatcher: acquire permit: %w", err)
	}
	p.observe(1)
	return &SlotToken{pool: p}, nil
}

// TryAcquire attempts to acquire without blocking.
func (p *Pool) TryAcquire() (*SlotToken, bool) {
	if !p.sem.TryAcquire(1) {
		return nil, false
	}
	p.observe(1)
	return &SlotToken{pool: p}, true
}

// Drain waits until every outstanding permit has been released or ctx
// expires, used by the runner harness during graceful shutdown.
func (p *Pool) Drain(ctx context.Context) error {
	if err := p.sem.Acquire(ctx, p.w); err != nil {
		return fmt.Errorf("dispatcher: drain: %w", err)
	}
	p.sem.Release(p.w)
	return nil
}
