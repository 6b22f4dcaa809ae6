package mock

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"main/internal/adapter"
	"main/internal/adapter/enum"
	"main/internal/broker"
)

// Call records one PlaceOrder invocation.
type Call struct {
	Order adapter.Order
	At    time.Time
}

// Gateway is a scripted in-memory broker. Without a script every place is
// accepted with a generated exchange order id; Enqueue overrides the next
// outcomes in FIFO order.
type Gateway struct {
	mu        sync.Mutex
	calls     []Call
	script    []broker.Dispatch
	positions []adapter.Position
	delay     time.Duration
	seq       int64
}

// New creates a mock gateway.
func New() *Gateway {
	return &Gateway{}
}

// Enqueue scripts the outcome of an upcoming PlaceOrder call.
func (g *Gateway) Enqueue(d broker.Dispatch) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.script = append(g.script, d)
}

// SetPositions scripts the open positions reported by Positions.
func (g *Gateway) SetPositions(positions []adapter.Position) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.positions = positions
}

// SetDelay makes every PlaceOrder hold for d before returning.
func (g *Gateway) SetDelay(d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.delay = d
}

// PlaceCalls returns a copy of the recorded invocations.
func (g *Gateway) PlaceCalls() []Call {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Call, len(g.calls))
	copy(out, g.calls)
	return out
}

// PlaceCount returns the number of recorded invocations.
func (g *Gateway) PlaceCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

func (g *Gateway) Connect(context.Context) error {
	return nil
}

func (g *Gateway) PlaceOrder(ctx context.Context, order adapter.Order) (broker.Dispatch, error) {
	g.mu.Lock()
	g.calls = append(g.calls, Call{Order: order, At: time.Now()})
	g.seq++
	seq := g.seq
	delay := g.delay
	var scripted *broker.Dispatch
	if len(g.script) > 0 {
		d := g.script[0]
		g.script = g.script[1:]
		scripted = &d
	}
	g.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return broker.Dispatch{}, ctx.Err()
		}
	}

	if scripted != nil {
		return *scripted, nil
	}

	return broker.Dispatch{
		Outcome:         broker.OutcomeAccepted,
		ExchangeOrderID: "mock-" + strconv.FormatInt(seq, 10),
		Status:          enum.OrderStatusSubmitted,
	}, nil
}

func (g *Gateway) CancelOrder(_ context.Context, order adapter.Order) (broker.Dispatch, error) {
	return broker.Dispatch{
		Outcome:         broker.OutcomeAccepted,
		ExchangeOrderID: order.ExchangeOrderID,
		Status:          enum.OrderStatusCanceled,
	}, nil
}

func (g *Gateway) OrderStatus(_ context.Context, order adapter.Order) (broker.OrderUpdate, error) {
	return broker.OrderUpdate{
		BrokerID:         order.BrokerID,
		ExchangeOrderID:  order.ExchangeOrderID,
		ClientOrderID:    order.ClientOrderID,
		Status:           enum.OrderStatusFilled,
		FilledQuantity:   order.Quantity,
		AverageFillPrice: order.Price,
		Time:             time.Now(),
	}, nil
}

func (g *Gateway) Positions(context.Context) ([]adapter.Position, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]adapter.Position, len(g.positions))
	copy(out, g.positions)
	return out, nil
}

func (g *Gateway) Balance(context.Context) (decimal.Decimal, error) {
	return decimal.NewFromInt(1_000_000), nil
}

func (g *Gateway) SetLeverage(context.Context, string, int) error {
	return nil
}

func (g *Gateway) Price(_ context.Context, symbol string) (adapter.Ticker, error) {
	return adapter.Ticker{Symbol: symbol, Time: time.Now()}, nil
}

var _ broker.Gateway = (*Gateway)(nil)
