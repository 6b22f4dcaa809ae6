package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"main/internal/adapter"
	"main/internal/adapter/enum"
	"main/internal/broker"
	"main/internal/idem"
	"main/internal/obs"
	"main/internal/risk"
	"main/internal/store"
	"main/pkg/exception"
)

// Engine ties the idempotency cache, the order store, and the broker
// registry into one submission pipeline. All dependencies are constructed
// explicitly and passed in; the engine holds no process-wide state, so
// several instances can share one store.
type Engine struct {
	registry *broker.Registry
	store    store.Store
	cache    *idem.Cache
	risk     *risk.Engine
	metrics  *obs.Metrics
}

// New creates an engine. The risk engine is optional.
func New(registry *broker.Registry, st store.Store, cache *idem.Cache, riskEngine *risk.Engine) *Engine {
	return &Engine{
		registry: registry,
		store:    st,
		cache:    cache,
		risk:     riskEngine,
		metrics:  obs.NewMetrics(),
	}
}

// Metrics exposes the submission counters.
func (e *Engine) Metrics() *obs.Metrics {
	return e.metrics
}

// SubmitOrder pushes one order toward its broker with at-most-one dispatch
// per client order id within this process. Concurrent callers sharing a key
// all observe the outcome of the single winning dispatch. Cancelling ctx
// anywhere before the dispatch starts, including while queued behind the
// rate limiter, aborts with nothing recorded; cancelling after only
// abandons the local wait, the in-flight dispatch still completes and its
// result is recorded for followers and retries.
func (e *Engine) SubmitOrder(ctx context.Context, order adapter.Order) (adapter.Order, error) {
	gateway, order, err := e.prepare(order)
	if err != nil {
		e.metrics.IncValidationFail()
		return adapter.Order{}, err
	}

	e.metrics.IncSubmission()

	claim, owner := e.cache.Acquire(claimKey(order))
	if owner {
		if err := ctx.Err(); err != nil {
			claim.Abandon(errors.Wrap(exception.ErrOrderSubmitInterrupted, err.Error()))
			return adapter.Order{}, err
		}
		go e.resolve(ctx, claim, gateway, order)
	} else if claim.Resolved() {
		e.metrics.IncCacheHit()
	} else {
		e.metrics.IncCacheWait()
	}

	return claim.Wait(ctx)
}

// prepare validates the order and fills in missing identity fields.
func (e *Engine) prepare(order adapter.Order) (broker.Gateway, adapter.Order, error) {
	switch {
	case order.Symbol == "":
		return nil, order, errors.Wrap(exception.ErrOrderInvalidRequest, "symbol required")
	case !order.Side.IsAvailable():
		return nil, order, errors.Wrap(exception.ErrOrderInvalidRequest, "side required")
	case !order.Type.IsAvailable():
		return nil, order, errors.Wrap(exception.ErrOrderInvalidRequest, "type required")
	case !order.Quantity.IsPositive():
		return nil, order, exception.ErrOrderInvalidQuantity
	case order.Type == enum.OrderTypeLimit && order.Price.IsZero():
		return nil, order, exception.ErrOrderMissingPrice
	}

	gateway, err := e.registry.Gateway(order.BrokerID)
	if err != nil {
		return nil, order, err
	}

	if e.risk != nil {
		if decision := e.risk.Evaluate(order); !decision.Allowed() {
			return nil, order, errors.Wrap(exception.ErrOrderRiskDenied, decision.Reason.String())
		}
	}

	order = idem.EnsureClientOrderID(order)
	if order.OrderID == "" {
		order.OrderID = uuid.NewString()
	}
	now := time.Now().UTC()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now
	if !order.Status.IsAvailable() {
		order.Status = enum.OrderStatusPending
	}
	return gateway, order, nil
}

func claimKey(order adapter.Order) string {
	return order.BrokerID.String() + "/" + order.ClientOrderID
}

// resolve runs as the claim owner: consult the store, wait out rate-limit
// admission, dispatch at most once, record the outcome. Caller cancellation
// aborts cleanly up to the admission; once the dispatch starts it runs to
// completion on a detached context.
func (e *Engine) resolve(ctx context.Context, claim *idem.Claim, gateway broker.Gateway, order adapter.Order) {
	stored, ok, err := e.store.GetByClientOrderID(ctx, order.BrokerID, order.ClientOrderID)
	if err != nil {
		claim.Abandon(errors.Wrap(err, "consult order store"))
		return
	}
	if ok {
		e.metrics.IncStoreHit()
		claim.Complete(stored)
		return
	}

	release := func() {}
	if admission, ok := gateway.(broker.Admission); ok {
		admitted, free, err := admission.Admit(ctx, order.Symbol)
		if err != nil {
			claim.Abandon(errors.Wrap(exception.ErrOrderSubmitInterrupted, err.Error()))
			return
		}
		gateway, release = admitted, free
	}

	// past this point the dispatch must outlive the caller
	ctx = context.WithoutCancel(ctx)

	start := time.Now()
	dispatch, err := gateway.PlaceOrder(ctx, order)
	release()
	e.metrics.ObserveDispatch(time.Since(start))
	e.metrics.IncDispatch()
	if err != nil {
		e.metrics.IncRetriableFault()
		claim.Abandon(errors.Wrapf(exception.ErrBrokerRetriable, "dispatch: %+v", err))
		return
	}

	switch dispatch.Outcome {
	case broker.OutcomeAccepted:
		now := time.Now().UTC()
		order.ExchangeOrderID = dispatch.ExchangeOrderID
		order.Status = dispatch.Status
		if !order.Status.IsAvailable() {
			order.Status = enum.OrderStatusSubmitted
		}
		order.FilledQuantity = dispatch.FilledQuantity
		order.AverageFillPrice = dispatch.AverageFillPrice
		order.SubmittedAt = now
		order.UpdatedAt = now
		claim.Complete(e.record(ctx, order))

	case broker.OutcomeRejected:
		e.metrics.IncRejection()
		order.Status = enum.OrderStatusRejected
		order.UpdatedAt = time.Now().UTC()
		logs.Infof("order %s rejected by %s: %s", order.ClientOrderID, order.BrokerID, dispatch.Reason)
		claim.Complete(e.record(ctx, order))

	case broker.OutcomeRateLimited:
		claim.Abandon(dispatch.Error())

	case broker.OutcomeRetriable:
		e.metrics.IncRetriableFault()
		claim.Abandon(dispatch.Error())

	default:
		claim.Abandon(errors.Wrapf(exception.ErrInternal, "unknown dispatch outcome %d", dispatch.Outcome))
	}
}

// record persists a dispatched outcome. A conflicting insert means another
// instance won the key; its row is authoritative. The broker already holds
// the order, so a persistence failure is logged rather than turned into a
// retriable signal that could trigger a second dispatch.
func (e *Engine) record(ctx context.Context, order adapter.Order) adapter.Order {
	persisted, outcome, err := e.store.Create(ctx, order)
	if err != nil {
		logs.Errorf("persist order %s, err: %+v", order.ClientOrderID, err)
		return order
	}
	if outcome == store.CreateOutcomeConflict {
		e.metrics.IncConflict()
		return persisted
	}
	return persisted
}

// CancelOrder asks the broker to cancel a live order and records the
// resulting status.
func (e *Engine) CancelOrder(ctx context.Context, brokerID enum.BrokerID, clientOrderID string) (adapter.Order, error) {
	gateway, err := e.registry.Gateway(brokerID)
	if err != nil {
		return adapter.Order{}, err
	}

	order, ok, err := e.store.GetByClientOrderID(ctx, brokerID, clientOrderID)
	if err != nil {
		return adapter.Order{}, err
	}
	if !ok {
		return adapter.Order{}, exception.ErrOrderUnknown
	}
	if order.Terminal() {
		return order, exception.ErrOrderTerminal
	}

	dispatch, err := gateway.CancelOrder(ctx, order)
	if err != nil {
		return adapter.Order{}, errors.Wrap(err, "cancel dispatch")
	}
	if derr := dispatch.Error(); derr != nil {
		return adapter.Order{}, derr
	}
	if dispatch.Outcome == broker.OutcomeRejected {
		return order, errors.Wrap(exception.ErrBrokerRejected, dispatch.Reason)
	}

	order.Status = enum.OrderStatusCanceled
	order.UpdatedAt = time.Now().UTC()
	if err := e.store.Update(ctx, order); err != nil {
		return adapter.Order{}, errors.Wrap(err, "record cancel")
	}
	return order, nil
}

// ApplyUpdate folds a broker-reported ack/fill into the stored order. Only
// fill progress, average price, and forward status transitions mutate; stale
// or regressive events are refused by the store guard.
func (e *Engine) ApplyUpdate(ctx context.Context, update broker.OrderUpdate) error {
	order, ok, err := e.store.GetByExchangeOrderID(ctx, update.BrokerID, update.ExchangeOrderID)
	if err != nil {
		return err
	}
	if !ok && update.ClientOrderID != "" {
		order, ok, err = e.store.GetByClientOrderID(ctx, update.BrokerID, update.ClientOrderID)
		if err != nil {
			return err
		}
	}
	if !ok {
		return errors.Wrap(exception.ErrOrderUnknown, update.ExchangeOrderID)
	}

	if order.ExchangeOrderID == "" {
		order.ExchangeOrderID = update.ExchangeOrderID
	}
	if update.Status.IsAvailable() {
		order.Status = update.Status
	}
	if update.FilledQuantity.IsPositive() {
		order.FilledQuantity = update.FilledQuantity
	}
	if update.AverageFillPrice.IsPositive() {
		order.AverageFillPrice = update.AverageFillPrice
	}
	order.UpdatedAt = time.Now().UTC()

	return e.store.Update(ctx, order)
}

// GetActiveOrders lists orders that have not reached a terminal status.
func (e *Engine) GetActiveOrders(ctx context.Context) ([]adapter.Order, error) {
	return e.store.GetActiveOrders(ctx)
}
