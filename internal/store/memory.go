package store

import (
	"context"
	"sync"
	"time"

	"main/internal/adapter"
	"main/internal/adapter/enum"
	"main/pkg/exception"
)

// Memory is an in-process Store used by tests and paper mode. It applies the
// same uniqueness and transition rules as the durable implementation.
type Memory struct {
	mu     sync.RWMutex
	byKey  map[string]adapter.Order // broker/client_order_id
	idxKey map[string]string        // order_id -> key
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		byKey:  make(map[string]adapter.Order),
		idxKey: make(map[string]string),
	}
}

func memKey(brokerID enum.BrokerID, clientOrderID string) string {
	return brokerID.String() + "/" + clientOrderID
}

func (m *Memory) Create(_ context.Context, order adapter.Order) (adapter.Order, CreateOutcome, error) {
	if order.ClientOrderID == "" {
		return adapter.Order{}, 0, exception.ErrOrderEmptyClientOrderID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := memKey(order.BrokerID, order.ClientOrderID)
	if existing, ok := m.byKey[key]; ok {
		return existing, CreateOutcomeConflict, nil
	}

	order.UpdatedAt = time.Now().UTC()
	m.byKey[key] = order
	m.idxKey[order.OrderID] = key
	return order, CreateOutcomeCreated, nil
}

func (m *Memory) GetByClientOrderID(_ context.Context, brokerID enum.BrokerID, clientOrderID string) (adapter.Order, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	order, ok := m.byKey[memKey(brokerID, clientOrderID)]
	return order, ok, nil
}

func (m *Memory) GetByExchangeOrderID(_ context.Context, brokerID enum.BrokerID, exchangeOrderID string) (adapter.Order, bool, error) {
	if exchangeOrderID == "" {
		return adapter.Order{}, false, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, order := range m.byKey {
		if order.BrokerID == brokerID && order.ExchangeOrderID == exchangeOrderID {
			return order, true, nil
		}
	}
	return adapter.Order{}, false, nil
}

func (m *Memory) Update(_ context.Context, order adapter.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key, ok := m.idxKey[order.OrderID]
	if !ok {
		return exception.ErrOrderUnknown
	}

	current := m.byKey[key]
	if current.Status != order.Status && !current.Status.CanTransition(order.Status) {
		if current.Status.Terminal() {
			return exception.ErrOrderTerminal
		}
		return exception.ErrOrderStatusRegression
	}
	if order.FilledQuantity.GreaterThan(order.Quantity) {
		return exception.ErrOrderOverfill
	}

	order.UpdatedAt = time.Now().UTC()
	m.byKey[key] = order
	return nil
}

func (m *Memory) GetActiveOrders(_ context.Context) ([]adapter.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []adapter.Order
	for _, order := range m.byKey {
		if !order.Terminal() {
			out = append(out, order)
		}
	}
	return out, nil
}

// Len reports the number of stored rows.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byKey)
}

var _ Store = (*Memory)(nil)
