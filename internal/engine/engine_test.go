package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"main/internal/adapter"
	"main/internal/adapter/enum"
	"main/internal/broker"
	"main/internal/broker/mock"
	"main/internal/engine"
	"main/internal/idem"
	"main/internal/risk"
	"main/internal/store"
	"main/pkg/exception"
)

type harness struct {
	engine  *engine.Engine
	gateway *mock.Gateway
	store   *store.Memory
	cache   *idem.Cache
}

func newHarness(riskEngine *risk.Engine) *harness {
	gw := mock.New()
	reg := broker.NewRegistry()
	reg.Register(enum.BrokerMock, gw)

	st := store.NewMemory()
	cache := idem.NewCache(idem.CacheConfig{})
	return &harness{
		engine:  engine.New(reg, st, cache, riskEngine),
		gateway: gw,
		store:   st,
		cache:   cache,
	}
}

func marketOrder(clientOrderID string) adapter.Order {
	return adapter.Order{
		ClientOrderID: clientOrderID,
		Symbol:        "BTCUSDT",
		BrokerID:      enum.BrokerMock,
		Side:          enum.OrderSideBuy,
		Type:          enum.OrderTypeMarket,
		Quantity:      decimal.NewFromInt(1),
	}
}

func TestSubmitOrderConcurrentDuplicates(t *testing.T) {
	const callers = 50

	h := newHarness(nil)
	h.gateway.SetDelay(10 * time.Millisecond)

	var (
		results [callers]adapter.Order
		wg      sync.WaitGroup
	)
	wg.Add(callers)
	for i := range callers {
		go func() {
			defer wg.Done()
			order, err := h.engine.SubmitOrder(t.Context(), marketOrder("AT_TEST_100"))
			if err != nil {
				t.Errorf("submit %d, err: %+v", i, err)
				return
			}
			results[i] = order
		}()
	}
	wg.Wait()

	if got := h.gateway.PlaceCount(); got != 1 {
		t.Fatalf("expected exactly one broker dispatch, got %d", got)
	}

	first := results[0]
	if first.ExchangeOrderID == "" {
		t.Fatal("winning dispatch should carry an exchange order id")
	}
	for i := range callers {
		if results[i].OrderID != first.OrderID || results[i].ExchangeOrderID != first.ExchangeOrderID {
			t.Fatalf("caller %d observed a different order: %+v vs %+v", i, results[i], first)
		}
	}
	if h.store.Len() != 1 {
		t.Fatalf("exactly one row should be stored, got %d", h.store.Len())
	}

	snap := h.engine.Metrics().Snapshot()
	if snap.Submissions != callers {
		t.Fatalf("expected %d counted submissions, got %d", callers, snap.Submissions)
	}
	if snap.Dispatches != 1 {
		t.Fatalf("expected one counted dispatch, got %d", snap.Dispatches)
	}
	if got := snap.CacheHits + snap.CacheWaits; got != callers-1 {
		t.Fatalf("expected %d cache followers, got %d", callers-1, got)
	}
	if snap.DispatchLatency.Count != 1 || snap.DispatchLatency.Max < 10*time.Millisecond {
		t.Fatalf("dispatch latency not observed: %+v", snap.DispatchLatency)
	}
}

func TestSubmitOrderGeneratedKeyParallel(t *testing.T) {
	h := newHarness(nil)
	h.gateway.SetDelay(10 * time.Millisecond)

	// request without a client order id; the factory attaches one
	order := idem.FromRequest(adapter.OrderRequest{
		Symbol:   "BTCUSDT",
		BrokerID: enum.BrokerMock,
		Side:     enum.OrderSideBuy,
		Type:     enum.OrderTypeMarket,
		Quantity: decimal.NewFromInt(1),
	})

	var a, b adapter.Order
	var errA, errB error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); a, errA = h.engine.SubmitOrder(t.Context(), order) }()
	go func() { defer wg.Done(); b, errB = h.engine.SubmitOrder(t.Context(), order) }()
	wg.Wait()

	if errA != nil || errB != nil {
		t.Fatalf("submits failed: %+v / %+v", errA, errB)
	}
	if a.OrderID != b.OrderID || a.ExchangeOrderID != b.ExchangeOrderID {
		t.Fatalf("parallel submissions diverged: %+v vs %+v", a, b)
	}
	if got := h.gateway.PlaceCount(); got != 1 {
		t.Fatalf("expected exactly one broker dispatch, got %d", got)
	}
}

func TestSubmitOrderRetriableFailure(t *testing.T) {
	h := newHarness(nil)
	h.gateway.Enqueue(broker.Dispatch{
		Outcome: broker.OutcomeRetriable,
		Cause:   errors.New("dial tcp: i/o timeout"),
	})

	_, err := h.engine.SubmitOrder(t.Context(), marketOrder("AT_TEST_001"))
	if !errors.Is(err, exception.ErrBrokerRetriable) {
		t.Fatalf("expected retriable error, got %+v", err)
	}

	if _, ok, _ := h.store.GetByClientOrderID(t.Context(), enum.BrokerMock, "AT_TEST_001"); ok {
		t.Fatal("failed dispatch must not be persisted")
	}

	// broker recovered; the same key must be safe to retry
	order, err := h.engine.SubmitOrder(t.Context(), marketOrder("AT_TEST_001"))
	if err != nil {
		t.Fatalf("retry, err: %+v", err)
	}
	if order.ExchangeOrderID == "" {
		t.Fatal("retry should reach the broker")
	}
	if h.gateway.PlaceCount() != 2 {
		t.Fatalf("expected 2 dispatches across failure and retry, got %d", h.gateway.PlaceCount())
	}
	if h.store.Len() != 1 {
		t.Fatalf("exactly one row after retry, got %d", h.store.Len())
	}
}

func TestSubmitOrderCrossInstanceConflict(t *testing.T) {
	// two engine instances sharing one store, each with its own cache
	shared := store.NewMemory()

	gwA, gwB := mock.New(), mock.New()
	regA, regB := broker.NewRegistry(), broker.NewRegistry()
	regA.Register(enum.BrokerMock, gwA)
	regB.Register(enum.BrokerMock, gwB)

	engineA := engine.New(regA, shared, idem.NewCache(idem.CacheConfig{}), nil)
	engineB := engine.New(regB, shared, idem.NewCache(idem.CacheConfig{}), nil)

	var a, b adapter.Order
	var errA, errB error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); a, errA = engineA.SubmitOrder(t.Context(), marketOrder("AT_TEST_002")) }()
	go func() { defer wg.Done(); b, errB = engineB.SubmitOrder(t.Context(), marketOrder("AT_TEST_002")) }()
	wg.Wait()

	if errA != nil || errB != nil {
		t.Fatalf("submits failed: %+v / %+v", errA, errB)
	}
	if shared.Len() != 1 {
		t.Fatalf("the unique constraint should leave one row, got %d", shared.Len())
	}
	if a.OrderID != b.OrderID {
		t.Fatalf("loser should converge on the winner's row: %s vs %s", a.OrderID, b.OrderID)
	}
}

func TestSubmitOrderSurvivesRestart(t *testing.T) {
	h := newHarness(nil)

	order, err := h.engine.SubmitOrder(t.Context(), marketOrder("AT_TEST_003"))
	if err != nil {
		t.Fatalf("submit, err: %+v", err)
	}

	// same store, fresh cache: a process restart
	reg := broker.NewRegistry()
	reg.Register(enum.BrokerMock, h.gateway)
	restarted := engine.New(reg, h.store, idem.NewCache(idem.CacheConfig{}), nil)

	resubmitted, err := restarted.SubmitOrder(t.Context(), marketOrder("AT_TEST_003"))
	if err != nil {
		t.Fatalf("resubmit, err: %+v", err)
	}
	if resubmitted.OrderID != order.OrderID || resubmitted.ExchangeOrderID != order.ExchangeOrderID {
		t.Fatalf("stored order should be returned: %+v vs %+v", resubmitted, order)
	}
	if h.gateway.PlaceCount() != 1 {
		t.Fatalf("restart resubmission must not re-dispatch, got %d calls", h.gateway.PlaceCount())
	}
}

func TestSubmitOrderRejectedShortCircuit(t *testing.T) {
	h := newHarness(nil)
	h.gateway.Enqueue(broker.Dispatch{
		Outcome: broker.OutcomeRejected,
		Reason:  "insufficient funds",
	})

	order, err := h.engine.SubmitOrder(t.Context(), marketOrder("AT_TEST_004"))
	if err != nil {
		t.Fatalf("submit, err: %+v", err)
	}
	if order.Status != enum.OrderStatusRejected {
		t.Fatalf("expected rejected status, got %s", order.Status)
	}

	again, err := h.engine.SubmitOrder(t.Context(), marketOrder("AT_TEST_004"))
	if err != nil {
		t.Fatalf("resubmit, err: %+v", err)
	}
	if again.Status != enum.OrderStatusRejected {
		t.Fatalf("resubmission should return the recorded rejection, got %s", again.Status)
	}
	if h.gateway.PlaceCount() != 1 {
		t.Fatalf("rejection must not be re-dispatched, got %d calls", h.gateway.PlaceCount())
	}
}

func TestSubmitOrderRateLimited(t *testing.T) {
	h := newHarness(nil)
	h.gateway.Enqueue(broker.Dispatch{
		Outcome:    broker.OutcomeRateLimited,
		RetryAfter: 2 * time.Second,
	})

	_, err := h.engine.SubmitOrder(t.Context(), marketOrder("AT_TEST_005"))
	if !errors.Is(err, exception.ErrBrokerRateLimited) {
		t.Fatalf("expected rate-limited error, got %+v", err)
	}
	var rle *broker.RateLimitError
	if !errors.As(err, &rle) || rle.RetryAfter != 2*time.Second {
		t.Fatalf("expected a typed retry-after hint, got %+v", err)
	}
	if h.store.Len() != 0 {
		t.Fatal("rate-limited outcome must not be persisted")
	}

	if _, err := h.engine.SubmitOrder(t.Context(), marketOrder("AT_TEST_005")); err != nil {
		t.Fatalf("retry after throttle, err: %+v", err)
	}
}

func TestSubmitOrderValidation(t *testing.T) {
	h := newHarness(nil)

	testCases := []struct {
		desc    string
		mutate  func(*adapter.Order)
		wantErr error
	}{
		{
			"missing symbol",
			func(o *adapter.Order) { o.Symbol = "" },
			exception.ErrOrderInvalidRequest,
		},
		{
			"zero quantity",
			func(o *adapter.Order) { o.Quantity = decimal.Zero },
			exception.ErrOrderInvalidQuantity,
		},
		{
			"limit without price",
			func(o *adapter.Order) { o.Type = enum.OrderTypeLimit },
			exception.ErrOrderMissingPrice,
		},
		{
			"unsupported broker",
			func(o *adapter.Order) { o.BrokerID = enum.BrokerKraken },
			exception.ErrOrderUnsupportedBroker,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			order := marketOrder("AT_TEST_VALIDATION")
			tc.mutate(&order)
			if _, err := h.engine.SubmitOrder(t.Context(), order); !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %+v", tc.wantErr, err)
			}
		})
	}

	if h.gateway.PlaceCount() != 0 {
		t.Fatal("validation failures must never reach the broker")
	}
	if h.store.Len() != 0 || h.cache.Len() != 0 {
		t.Fatal("validation failures must never be cached or stored")
	}
}

func TestSubmitOrderRiskDenied(t *testing.T) {
	h := newHarness(risk.NewEngine(risk.Config{
		MaxOrderQty: decimal.NewFromInt(10),
	}))

	order := marketOrder("AT_TEST_006")
	order.Quantity = decimal.NewFromInt(100)
	if _, err := h.engine.SubmitOrder(t.Context(), order); !errors.Is(err, exception.ErrOrderRiskDenied) {
		t.Fatalf("expected risk denial, got %+v", err)
	}
	if h.gateway.PlaceCount() != 0 {
		t.Fatal("denied orders must never reach the broker")
	}
}

func TestSubmitOrderCanceledBeforeDispatch(t *testing.T) {
	h := newHarness(nil)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	if _, err := h.engine.SubmitOrder(ctx, marketOrder("AT_TEST_007")); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context error, got %+v", err)
	}
	if h.gateway.PlaceCount() != 0 || h.store.Len() != 0 || h.cache.Len() != 0 {
		t.Fatal("pre-dispatch cancellation must leave no trace")
	}
}

func TestSubmitOrderCanceledAwaitingRateLimit(t *testing.T) {
	gw := mock.New()
	reg := broker.NewRegistry()
	reg.Register(enum.BrokerMock, broker.Throttle(gw, broker.RateLimitConfig{
		SymbolInterval: 300 * time.Millisecond,
	}))
	st := store.NewMemory()
	cache := idem.NewCache(idem.CacheConfig{})
	eng := engine.New(reg, st, cache, nil)

	// warm the pacer so the next dispatch on the symbol has to wait out
	// the full interval
	if _, err := eng.SubmitOrder(t.Context(), marketOrder("AT_TEST_010")); err != nil {
		t.Fatalf("warm-up submit, err: %+v", err)
	}

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()
	if _, err := eng.SubmitOrder(ctx, marketOrder("AT_TEST_011")); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %+v", err)
	}

	// the warm-up entry stays cached; the canceled claim must be dropped
	deadline := time.Now().Add(time.Second)
	for cache.Len() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("canceled claim was not released")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := gw.PlaceCount(); got != 1 {
		t.Fatalf("cancel while queued must not reach the broker, got %d dispatches", got)
	}
	if st.Len() != 1 {
		t.Fatalf("only the warm-up row should be stored, got %d", st.Len())
	}

	// a fresh caller is free to dispatch once the interval passes
	if _, err := eng.SubmitOrder(t.Context(), marketOrder("AT_TEST_011")); err != nil {
		t.Fatalf("resubmit after cancel, err: %+v", err)
	}
	if got := gw.PlaceCount(); got != 2 {
		t.Fatalf("resubmit should dispatch, got %d dispatches", got)
	}
}

func TestSubmitOrderCanceledMidDispatch(t *testing.T) {
	h := newHarness(nil)
	h.gateway.SetDelay(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
	defer cancel()

	if _, err := h.engine.SubmitOrder(ctx, marketOrder("AT_TEST_008")); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %+v", err)
	}

	// the in-flight dispatch completes and is recorded anyway
	deadline := time.Now().Add(time.Second)
	for {
		if _, ok, _ := h.store.GetByClientOrderID(t.Context(), enum.BrokerMock, "AT_TEST_008"); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("abandoned dispatch was not recorded")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if h.gateway.PlaceCount() != 1 {
		t.Fatalf("expected the single in-flight dispatch, got %d", h.gateway.PlaceCount())
	}
}

func TestCancelOrder(t *testing.T) {
	h := newHarness(nil)

	order, err := h.engine.SubmitOrder(t.Context(), marketOrder("AT_TEST_009"))
	if err != nil {
		t.Fatalf("submit, err: %+v", err)
	}

	canceled, err := h.engine.CancelOrder(t.Context(), enum.BrokerMock, order.ClientOrderID)
	if err != nil {
		t.Fatalf("cancel, err: %+v", err)
	}
	if canceled.Status != enum.OrderStatusCanceled {
		t.Fatalf("expected canceled status, got %s", canceled.Status)
	}

	if _, err := h.engine.CancelOrder(t.Context(), enum.BrokerMock, order.ClientOrderID); !errors.Is(err, exception.ErrOrderTerminal) {
		t.Fatalf("second cancel should hit the terminal guard, got %+v", err)
	}
}

func TestApplyUpdate(t *testing.T) {
	h := newHarness(nil)

	order, err := h.engine.SubmitOrder(t.Context(), marketOrder("AT_TEST_010"))
	if err != nil {
		t.Fatalf("submit, err: %+v", err)
	}

	err = h.engine.ApplyUpdate(t.Context(), broker.OrderUpdate{
		BrokerID:         enum.BrokerMock,
		ExchangeOrderID:  order.ExchangeOrderID,
		ClientOrderID:    order.ClientOrderID,
		Status:           enum.OrderStatusFilled,
		FilledQuantity:   order.Quantity,
		AverageFillPrice: decimal.NewFromInt(50_000),
	})
	if err != nil {
		t.Fatalf("apply fill, err: %+v", err)
	}

	stored, _, _ := h.store.GetByClientOrderID(t.Context(), enum.BrokerMock, order.ClientOrderID)
	if stored.Status != enum.OrderStatusFilled {
		t.Fatalf("expected filled status, got %s", stored.Status)
	}
	if !stored.FilledQuantity.Equal(order.Quantity) {
		t.Fatalf("filled quantity mismatch: %s", stored.FilledQuantity)
	}

	// late events must not walk the order back
	err = h.engine.ApplyUpdate(t.Context(), broker.OrderUpdate{
		BrokerID:        enum.BrokerMock,
		ExchangeOrderID: order.ExchangeOrderID,
		Status:          enum.OrderStatusPartialFilled,
	})
	if !errors.Is(err, exception.ErrOrderTerminal) {
		t.Fatalf("regressive update should be refused, got %+v", err)
	}
}

func TestGetActiveOrders(t *testing.T) {
	h := newHarness(nil)

	order, err := h.engine.SubmitOrder(t.Context(), marketOrder("AT_TEST_011"))
	if err != nil {
		t.Fatalf("submit, err: %+v", err)
	}

	active, err := h.engine.GetActiveOrders(t.Context())
	if err != nil {
		t.Fatalf("active orders, err: %+v", err)
	}
	if len(active) != 1 || active[0].OrderID != order.OrderID {
		t.Fatalf("expected the submitted order, got %+v", active)
	}
}
