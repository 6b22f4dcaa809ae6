package broker

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/semaphore"

	"main/internal/adapter"
)

const (
	DefaultSymbolInterval = 50 * time.Millisecond
	DefaultMaxInFlight    = 8
)

// RateLimitConfig bounds the request rate against one broker.
type RateLimitConfig struct {
	SymbolInterval time.Duration // minimum spacing between order dispatches per symbol
	MaxInFlight    int64         // simultaneous requests against the broker
}

// SymbolPacer enforces a minimum interval between dispatches sharing a
// symbol. Each waiter reserves its own slot under the lock, so concurrent
// callers for one symbol line up back to back while other symbols proceed
// untouched.
type SymbolPacer struct {
	mu       sync.Mutex
	interval time.Duration
	last     map[string]time.Time
}

// NewSymbolPacer creates a pacer with the given interval.
func NewSymbolPacer(interval time.Duration) *SymbolPacer {
	if interval <= 0 {
		interval = DefaultSymbolInterval
	}
	return &SymbolPacer{
		interval: interval,
		last:     make(map[string]time.Time),
	}
}

// Wait blocks until the caller's reserved slot for the symbol arrives.
func (p *SymbolPacer) Wait(ctx context.Context, symbol string) error {
	p.mu.Lock()
	now := time.Now()
	at := p.last[symbol].Add(p.interval)
	if at.Before(now) {
		at = now
	}
	p.last[symbol] = at
	p.mu.Unlock()

	wait := time.Until(at)
	if wait <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Throttled wraps a gateway with the two rate-limit layers. The per-symbol
// interval is waited out first; the broker-wide slot is acquired only around
// the dispatch itself, so symbol pacing never holds broker capacity.
type Throttled struct {
	inner Gateway
	pacer *SymbolPacer
	slots *semaphore.Weighted
}

// Throttle wraps the gateway, zero config values defaulted.
func Throttle(g Gateway, cfg RateLimitConfig) *Throttled {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = DefaultMaxInFlight
	}
	return &Throttled{
		inner: g,
		pacer: NewSymbolPacer(cfg.SymbolInterval),
		slots: semaphore.NewWeighted(cfg.MaxInFlight),
	}
}

func (t *Throttled) Connect(ctx context.Context) error {
	return t.inner.Connect(ctx)
}

// Admit waits out the symbol interval and takes a broker slot on the
// caller's ctx. The returned gateway is the unthrottled inner one, so the
// admitted dispatch runs without re-pacing even when its own ctx outlives
// the caller.
func (t *Throttled) Admit(ctx context.Context, symbol string) (Gateway, func(), error) {
	if err := t.pacer.Wait(ctx, symbol); err != nil {
		return nil, nil, err
	}
	if err := t.slots.Acquire(ctx, 1); err != nil {
		return nil, nil, err
	}
	return t.inner, func() { t.slots.Release(1) }, nil
}

func (t *Throttled) PlaceOrder(ctx context.Context, order adapter.Order) (Dispatch, error) {
	if err := t.pacer.Wait(ctx, order.Symbol); err != nil {
		return Dispatch{}, err
	}
	if err := t.slots.Acquire(ctx, 1); err != nil {
		return Dispatch{}, err
	}
	defer t.slots.Release(1)
	return t.inner.PlaceOrder(ctx, order)
}

func (t *Throttled) CancelOrder(ctx context.Context, order adapter.Order) (Dispatch, error) {
	if err := t.pacer.Wait(ctx, order.Symbol); err != nil {
		return Dispatch{}, err
	}
	if err := t.slots.Acquire(ctx, 1); err != nil {
		return Dispatch{}, err
	}
	defer t.slots.Release(1)
	return t.inner.CancelOrder(ctx, order)
}

func (t *Throttled) OrderStatus(ctx context.Context, order adapter.Order) (OrderUpdate, error) {
	if err := t.slots.Acquire(ctx, 1); err != nil {
		return OrderUpdate{}, err
	}
	defer t.slots.Release(1)
	return t.inner.OrderStatus(ctx, order)
}

func (t *Throttled) Positions(ctx context.Context) ([]adapter.Position, error) {
	if err := t.slots.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer t.slots.Release(1)
	return t.inner.Positions(ctx)
}

func (t *Throttled) Balance(ctx context.Context) (decimal.Decimal, error) {
	if err := t.slots.Acquire(ctx, 1); err != nil {
		return decimal.Decimal{}, err
	}
	defer t.slots.Release(1)
	return t.inner.Balance(ctx)
}

func (t *Throttled) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if err := t.slots.Acquire(ctx, 1); err != nil {
		return err
	}
	defer t.slots.Release(1)
	return t.inner.SetLeverage(ctx, symbol, leverage)
}

func (t *Throttled) Price(ctx context.Context, symbol string) (adapter.Ticker, error) {
	if err := t.slots.Acquire(ctx, 1); err != nil {
		return adapter.Ticker{}, err
	}
	defer t.slots.Release(1)
	return t.inner.Price(ctx, symbol)
}

var (
	_ Gateway   = (*Throttled)(nil)
	_ Admission = (*Throttled)(nil)
)
