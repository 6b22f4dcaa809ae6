package store

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"strconv"
	"time"

	"main/internal/adapter"
	"main/internal/adapter/enum"
	"main/internal/idem"
)

// CreateOutcome tags the result of an insert attempt.
type CreateOutcome uint8

const (
	_create_outcome_beg CreateOutcome = iota
	CreateOutcomeCreated
	CreateOutcomeConflict
	_create_outcome_end
)

func (o CreateOutcome) IsAvailable() bool {
	return o > _create_outcome_beg && o < _create_outcome_end
}

// Store is the durable order index. The (client_order_id, broker_id)
// uniqueness constraint is the final correctness backstop: when two writers
// race, exactly one insert lands and the loser receives the winner's row with
// a conflict outcome instead of an error.
type Store interface {
	Create(ctx context.Context, order adapter.Order) (adapter.Order, CreateOutcome, error)
	GetByClientOrderID(ctx context.Context, brokerID enum.BrokerID, clientOrderID string) (adapter.Order, bool, error)
	GetByExchangeOrderID(ctx context.Context, brokerID enum.BrokerID, exchangeOrderID string) (adapter.Order, bool, error)
	Update(ctx context.Context, order adapter.Order) error
	GetActiveOrders(ctx context.Context) ([]adapter.Order, error)
}

// SynthesizeClientOrderID builds the deterministic key used to backfill rows
// persisted before client order ids existed. Derived only from the row's
// creation timestamp and internal id, so re-running the migration is a no-op.
func SynthesizeClientOrderID(createdAt time.Time, orderID string) string {
	sum := md5.Sum([]byte(orderID))

	buf := make([]byte, 0, 52)
	buf = append(buf, idem.KeyPrefix...)
	buf = append(buf, '_')
	buf = strconv.AppendInt(buf, createdAt.UnixMilli(), 10)
	buf = append(buf, '_')
	buf = hex.AppendEncode(buf, sum[:])
	return string(buf)
}
