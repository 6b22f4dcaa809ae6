package broker

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"

	"main/internal/adapter"
	"main/internal/adapter/enum"
	"main/pkg/exception"
)

// Outcome tags the result of a broker dispatch so callers branch on a value
// instead of unwinding exceptions.
type Outcome uint8

const (
	_outcome_beg Outcome = iota
	OutcomeAccepted
	OutcomeRejected
	OutcomeRetriable
	OutcomeRateLimited
	_outcome_end
)

func (o Outcome) IsAvailable() bool {
	return o > _outcome_beg && o < _outcome_end
}

func (o Outcome) String() string {
	switch o {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeRejected:
		return "rejected"
	case OutcomeRetriable:
		return "retriable"
	case OutcomeRateLimited:
		return "rate_limited"
	default:
		return "unknown"
	}
}

// Dispatch is the categorized result of a place or cancel request.
type Dispatch struct {
	Outcome          Outcome
	ExchangeOrderID  string
	Status           enum.OrderStatus
	FilledQuantity   decimal.Decimal
	AverageFillPrice decimal.Decimal
	Reason           string
	RetryAfter       time.Duration // set for rate-limited outcomes
	Cause            error         // transport error for retriable outcomes
}

// RateLimitError carries the broker's backoff hint. It matches
// exception.ErrBrokerRateLimited under errors.Is and surfaces RetryAfter
// to callers via errors.As.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return "broker rate limited, retry after " + e.RetryAfter.String()
}

func (e *RateLimitError) Unwrap() error {
	return exception.ErrBrokerRateLimited
}

// Error maps non-accepted outcomes onto the submission error taxonomy.
func (d Dispatch) Error() error {
	switch d.Outcome {
	case OutcomeAccepted, OutcomeRejected:
		return nil
	case OutcomeRateLimited:
		return &RateLimitError{RetryAfter: d.RetryAfter}
	case OutcomeRetriable:
		if d.Cause != nil {
			return errors.Wrapf(exception.ErrBrokerRetriable, "cause: %+v", d.Cause)
		}
		return errors.Wrap(exception.ErrBrokerRetriable, d.Reason)
	default:
		return exception.ErrInternal
	}
}

// OrderUpdate is a broker-reported change to a live order, either from a
// status poll or a private stream event.
type OrderUpdate struct {
	BrokerID         enum.BrokerID
	ExchangeOrderID  string
	ClientOrderID    string
	Status           enum.OrderStatus
	FilledQuantity   decimal.Decimal
	AverageFillPrice decimal.Decimal
	Time             time.Time
}

// Gateway is the uniform capability contract over one broker's wire protocol.
// Implementations categorize their own failures into Dispatch outcomes; the
// error return carries only context cancellation and programming faults.
type Gateway interface {
	Connect(ctx context.Context) error
	PlaceOrder(ctx context.Context, order adapter.Order) (Dispatch, error)
	CancelOrder(ctx context.Context, order adapter.Order) (Dispatch, error)
	OrderStatus(ctx context.Context, order adapter.Order) (OrderUpdate, error)
	Positions(ctx context.Context) ([]adapter.Position, error)
	Balance(ctx context.Context) (decimal.Decimal, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	Price(ctx context.Context, symbol string) (adapter.Ticker, error)
}

// Admission is implemented by gateways that separate rate-limit admission
// from the dispatch itself. Admit blocks on ctx until the order may go out;
// the returned gateway dispatches without further pacing, and the release
// function frees the broker slot once the dispatch finishes. Cancelling ctx
// while queued aborts without touching the broker.
type Admission interface {
	Admit(ctx context.Context, symbol string) (Gateway, func(), error)
}

// Registry maps broker identifiers to gateway implementations.
type Registry struct {
	gateways map[enum.BrokerID]Gateway
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{gateways: make(map[enum.BrokerID]Gateway)}
}

// Register stores a gateway for the broker. Registration happens during
// wiring, before any submission runs.
func (r *Registry) Register(id enum.BrokerID, g Gateway) {
	r.gateways[id] = g
}

// Gateway resolves the implementation for the broker.
func (r *Registry) Gateway(id enum.BrokerID) (Gateway, error) {
	if g, ok := r.gateways[id]; ok {
		return g, nil
	}
	return nil, errors.Wrap(exception.ErrOrderUnsupportedBroker, id.String())
}

// ClosePosition flattens the open position on a symbol with a reverse-side
// market order.
func ClosePosition(ctx context.Context, g Gateway, symbol string) (Dispatch, error) {
	positions, err := g.Positions(ctx)
	if err != nil {
		return Dispatch{}, err
	}

	for _, pos := range positions {
		if pos.Symbol != symbol {
			continue
		}
		side := enum.OrderSideSell
		if pos.Side == enum.OrderSideSell {
			side = enum.OrderSideBuy
		}
		return g.PlaceOrder(ctx, adapter.Order{
			Symbol:   symbol,
			Side:     side,
			Type:     enum.OrderTypeMarket,
			Quantity: pos.Size,
		})
	}

	return Dispatch{}, errors.Wrap(exception.ErrOrderUnknown, "no open position for "+symbol)
}
