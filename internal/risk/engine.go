package risk

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"main/internal/adapter"
)

// Action is the evaluation verdict.
type Action uint8

const (
	_action_beg Action = iota
	ActionAllow
	ActionDeny
	_action_end
)

func (a Action) IsAvailable() bool {
	return a > _action_beg && a < _action_end
}

// Reason explains a denial.
type Reason uint8

const (
	ReasonNone Reason = iota
	ReasonKillSwitch
	ReasonRateLimit
	ReasonMaxQty
	ReasonMaxNotional
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonKillSwitch:
		return "kill_switch"
	case ReasonRateLimit:
		return "order_rate_limit"
	case ReasonMaxQty:
		return "max_order_qty"
	case ReasonMaxNotional:
		return "max_order_notional"
	default:
		return "unknown"
	}
}

// Config defines static submission limits.
type Config struct {
	KillSwitch       bool            `json:"killSwitch"`
	MaxOrderQty      decimal.Decimal `json:"maxOrderQty"`
	MaxOrderNotional decimal.Decimal `json:"maxOrderNotional"`
	OrderRateLimit   int             `json:"orderRateLimit"`
	OrderRateWindow  time.Duration   `json:"orderRateWindow"`
}

// Decision is the evaluation result.
type Decision struct {
	Action Action
	Reason Reason
}

// Allowed reports whether the submission may proceed.
func (d Decision) Allowed() bool {
	return d.Action == ActionAllow
}

// Engine applies pre-submission limit checks. Denials count as local
// validation failures: the order never reaches a broker and is never cached
// or persisted.
type Engine struct {
	cfg Config

	mu              sync.Mutex
	rateWindowStart time.Time
	rateCount       int
}

// NewEngine creates a risk engine with static limits.
func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// Evaluate checks the order against the configured limits.
func (e *Engine) Evaluate(order adapter.Order) Decision {
	if e.cfg.KillSwitch {
		return Decision{Action: ActionDeny, Reason: ReasonKillSwitch}
	}

	if e.cfg.OrderRateLimit > 0 && e.cfg.OrderRateWindow > 0 {
		e.mu.Lock()
		now := time.Now()
		if e.rateWindowStart.IsZero() || now.Sub(e.rateWindowStart) >= e.cfg.OrderRateWindow {
			e.rateWindowStart = now
			e.rateCount = 0
		}
		e.rateCount++
		count := e.rateCount
		e.mu.Unlock()

		if count > e.cfg.OrderRateLimit {
			return Decision{Action: ActionDeny, Reason: ReasonRateLimit}
		}
	}

	if e.cfg.MaxOrderQty.IsPositive() && order.Quantity.GreaterThan(e.cfg.MaxOrderQty) {
		return Decision{Action: ActionDeny, Reason: ReasonMaxQty}
	}

	if e.cfg.MaxOrderNotional.IsPositive() && !order.Price.IsZero() {
		if order.Quantity.Mul(order.Price).GreaterThan(e.cfg.MaxOrderNotional) {
			return Decision{Action: ActionDeny, Reason: ReasonMaxNotional}
		}
	}

	return Decision{Action: ActionAllow, Reason: ReasonNone}
}
