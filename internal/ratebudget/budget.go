// Package ratebudget implements the process-wide provider call budget: a token bucket
// shared by every fetch client caller, with cooperative deferral and adaptive shrink.
package ratebudget

import (
	"context"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/directory-cli/internal/config"
)

// Config sizes the bucket.
type Config struct {
	// Capacity is the bucket size: the most calls that may be issued back to back.
	Capacity int
	// RefillPerSec is the steady-state token refill rate.
	RefillPerSec float64
	// MaxWait bounds a single wait for a token before the call is deferred.
	MaxWait time.Duration
	// ShrinkFactor scales the refill rate on each quota signal (0 < f < 1).
	ShrinkFactor float64
	// MinRefillPerSec is the floor Shrink never goes below.
	MinRefillPerSec float64
}

// FromConfig converts the budget section of the application config.
func FromConfig(c config.BudgetConfig) Config {
	return Config{
		Capacity:        c.Capacity,
		RefillPerSec:    c.RefillPerSec,
		MaxWait:         time.Duration(c.MaxWaitMs) * time.Millisecond,
		ShrinkFactor:    c.ShrinkFactor,
		MinRefillPerSec: c.MinRefillPerSec,
	}
}

// Stats is a point-in-time view of budget usage.
type Stats struct {
	Granted      int64   `json:"granted"`
	Deferred     int64   `json:"deferred"`
	Shrinks      int64   `json:"shrinks"`
	RefillPerSec float64 `json:"refill_per_sec"`
}

// Budget is a token bucket safe for concurrent use. Instances are independent, so tests
// and runs can each own one.
type Budget struct {
	cfg     Config
	limiter *rate.Limiter

	mu sync.Mutex // serializes Shrink read-modify-write

	granted  atomic.Int64
	deferred atomic.Int64
	shrinks  atomic.Int64
}

// New creates a Budget. Zero values fall back to a capacity of 1 and one call per second.
func New(cfg Config) *Budget {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1
	}
	if cfg.RefillPerSec <= 0 {
		cfg.RefillPerSec = 1
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 2 * time.Second
	}
	if cfg.ShrinkFactor <= 0 || cfg.ShrinkFactor >= 1 {
		cfg.ShrinkFactor = 0.5
	}
	if cfg.MinRefillPerSec <= 0 || cfg.MinRefillPerSec > cfg.RefillPerSec {
		cfg.MinRefillPerSec = cfg.RefillPerSec / 10
	}
	return &Budget{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RefillPerSec), cfg.Capacity),
	}
}

// Acquire takes one token. When no token arrives within MaxWait the call is deferred:
// it pauses briefly and tries again. Only ctx cancellation makes Acquire fail.
func (b *Budget) Acquire(ctx context.Context) error {
	for {
		waitCtx, cancel := context.WithTimeout(ctx, b.cfg.MaxWait)
		err := b.limiter.Wait(waitCtx)
		cancel()
		if err == nil {
			b.granted.Add(1)
			return nil
		}
		if ctx.Err() != nil {
			return eris.Wrap(ctx.Err(), "ratebudget: acquire")
		}

		n := b.deferred.Add(1)
		if n%50 == 1 {
			zap.L().Debug("ratebudget: call deferred",
				zap.Int64("deferred_total", n),
				zap.Float64("refill_per_sec", float64(b.limiter.Limit())),
			)
		}

		t := time.NewTimer(b.pause())
		select {
		case <-ctx.Done():
			t.Stop()
			return eris.Wrap(ctx.Err(), "ratebudget: acquire")
		case <-t.C:
		}
	}
}

// pause returns a jittered deferral interval around half of MaxWait.
func (b *Budget) pause() time.Duration {
	half := b.cfg.MaxWait / 2
	if half <= 0 {
		return time.Millisecond
	}
	return half + time.Duration(rand.Int64N(int64(half)+1))
}

// Shrink lowers the refill rate by ShrinkFactor for the rest of the budget's life,
// never going below MinRefillPerSec. It returns the new rate.
func (b *Budget) Shrink() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	cur := float64(b.limiter.Limit())
	next := cur * b.cfg.ShrinkFactor
	if next < b.cfg.MinRefillPerSec {
		next = b.cfg.MinRefillPerSec
	}
	if next != cur {
		b.limiter.SetLimit(rate.Limit(next))
		b.shrinks.Add(1)
		zap.L().Warn("ratebudget: quota signal, shrinking refill rate",
			zap.Float64("from", cur),
			zap.Float64("to", next),
		)
	}
	return next
}

// Stats returns current counters.
func (b *Budget) Stats() Stats {
	return Stats{
		Granted:      b.granted.Load(),
		Deferred:     b.deferred.Load(),
		Shrinks:      b.shrinks.Load(),
		RefillPerSec: float64(b.limiter.Limit()),
	}
}

// Capacity returns the bucket size.
func (b *Budget) Capacity() int {
	return b.cfg.Capacity
}
