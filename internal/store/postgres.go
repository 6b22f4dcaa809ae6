package store

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"main/internal/adapter"
	"main/internal/adapter/enum"
	"main/pkg/exception"
)

// orderRow is the persisted shape of an order. The composite unique index on
// (client_order_id, broker_id) is what makes the store the idempotency
// backstop across engine instances.
type orderRow struct {
	OrderID          string              `gorm:"column:order_id;primaryKey"`
	ClientOrderID    string              `gorm:"column:client_order_id;not null;uniqueIndex:idx_orders_client_broker,priority:1"`
	BrokerID         string              `gorm:"column:broker_id;not null;uniqueIndex:idx_orders_client_broker,priority:2"`
	ExchangeOrderID  string              `gorm:"column:exchange_order_id;index"`
	Symbol           string              `gorm:"column:symbol;not null"`
	Side             string              `gorm:"column:side;not null"`
	OrderType        string              `gorm:"column:order_type;not null"`
	Status           string              `gorm:"column:status;not null;index"`
	Quantity         decimal.Decimal     `gorm:"column:quantity;type:numeric(32,16);not null"`
	FilledQuantity   decimal.Decimal     `gorm:"column:filled_quantity;type:numeric(32,16);not null"`
	Price            decimal.NullDecimal `gorm:"column:price;type:numeric(32,16)"`
	AverageFillPrice decimal.NullDecimal `gorm:"column:average_fill_price;type:numeric(32,16)"`
	CreatedAt        time.Time           `gorm:"column:created_at"`
	UpdatedAt        time.Time           `gorm:"column:updated_at"`
	SubmittedAt      *time.Time          `gorm:"column:submitted_at"`
}

func (orderRow) TableName() string {
	return "orders"
}

func toRow(order adapter.Order) orderRow {
	row := orderRow{
		OrderID:         order.OrderID,
		ClientOrderID:   order.ClientOrderID,
		BrokerID:        order.BrokerID.String(),
		ExchangeOrderID: order.ExchangeOrderID,
		Symbol:          order.Symbol,
		Side:            order.Side.String(),
		OrderType:       order.Type.String(),
		Status:          order.Status.String(),
		Quantity:        order.Quantity,
		FilledQuantity:  order.FilledQuantity,
		CreatedAt:       order.CreatedAt,
		UpdatedAt:       order.UpdatedAt,
	}
	if !order.Price.IsZero() {
		row.Price = decimal.NewNullDecimal(order.Price)
	}
	if !order.AverageFillPrice.IsZero() {
		row.AverageFillPrice = decimal.NewNullDecimal(order.AverageFillPrice)
	}
	if !order.SubmittedAt.IsZero() {
		submitted := order.SubmittedAt
		row.SubmittedAt = &submitted
	}
	return row
}

func fromRow(row orderRow) adapter.Order {
	order := adapter.Order{
		OrderID:         row.OrderID,
		ClientOrderID:   row.ClientOrderID,
		BrokerID:        enum.ParseBrokerID(row.BrokerID),
		ExchangeOrderID: row.ExchangeOrderID,
		Symbol:          row.Symbol,
		Side:            enum.ParseOrderSide(row.Side),
		Type:            enum.ParseOrderType(row.OrderType),
		Status:          enum.ParseOrderStatus(row.Status),
		Quantity:        row.Quantity,
		FilledQuantity:  row.FilledQuantity,
		CreatedAt:       row.CreatedAt,
		UpdatedAt:       row.UpdatedAt,
	}
	if row.Price.Valid {
		order.Price = row.Price.Decimal
	}
	if row.AverageFillPrice.Valid {
		order.AverageFillPrice = row.AverageFillPrice.Decimal
	}
	if row.SubmittedAt != nil {
		order.SubmittedAt = *row.SubmittedAt
	}
	return order
}

// Postgres is the durable Store implementation.
type Postgres struct {
	db *gorm.DB
}

// NewPostgres wraps an open gorm connection. The connection must have error
// translation enabled so duplicate-key violations surface as
// gorm.ErrDuplicatedKey.
func NewPostgres(db *gorm.DB) *Postgres {
	return &Postgres{db: db}
}

// Migrate creates the schema. A database predating the idempotency key gets
// the column added nullable and backfilled first; only then can AutoMigrate
// apply the not-null constraint and the unique index the model declares.
func (p *Postgres) Migrate(ctx context.Context) error {
	db := p.db.WithContext(ctx)
	migrator := db.Migrator()

	if migrator.HasTable(&orderRow{}) {
		if !migrator.HasColumn(&orderRow{}, "client_order_id") {
			if err := db.Exec("ALTER TABLE orders ADD COLUMN client_order_id text").Error; err != nil {
				return errors.Wrap(err, "add client order id column")
			}
		}
		if err := p.backfillClientOrderIDs(ctx); err != nil {
			return err
		}
	}

	if err := db.AutoMigrate(&orderRow{}); err != nil {
		return errors.Wrap(err, "migrate orders table")
	}
	return nil
}

// backfillClientOrderIDs gives rows created before the idempotency key
// existed a deterministic synthesized key, so the not-null constraint holds
// without ever inventing a random value twice.
func (p *Postgres) backfillClientOrderIDs(ctx context.Context) error {
	var rows []orderRow
	if err := p.db.WithContext(ctx).
		Where("client_order_id IS NULL OR client_order_id = ''").
		Find(&rows).Error; err != nil {
		return errors.Wrap(err, "load rows missing client order id")
	}

	for _, row := range rows {
		key := SynthesizeClientOrderID(row.CreatedAt, row.OrderID)
		if err := p.db.WithContext(ctx).Model(&orderRow{}).
			Where("order_id = ?", row.OrderID).
			Update("client_order_id", key).Error; err != nil {
			return errors.Wrapf(err, "backfill order %s", row.OrderID)
		}
	}
	return nil
}

func (p *Postgres) Create(ctx context.Context, order adapter.Order) (adapter.Order, CreateOutcome, error) {
	if order.ClientOrderID == "" {
		return adapter.Order{}, 0, exception.ErrOrderEmptyClientOrderID
	}

	row := toRow(order)
	err := p.db.WithContext(ctx).Create(&row).Error
	if err == nil {
		return fromRow(row), CreateOutcomeCreated, nil
	}
	if !stderrors.Is(err, gorm.ErrDuplicatedKey) {
		return adapter.Order{}, 0, errors.Wrap(err, "insert order")
	}

	// a concurrent writer owns the key; hand back its row
	winner, ok, err := p.GetByClientOrderID(ctx, order.BrokerID, order.ClientOrderID)
	if err != nil {
		return adapter.Order{}, 0, err
	}
	if !ok {
		return adapter.Order{}, 0, errors.Wrap(exception.ErrInternal, "conflict row vanished")
	}
	return winner, CreateOutcomeConflict, nil
}

func (p *Postgres) GetByClientOrderID(ctx context.Context, brokerID enum.BrokerID, clientOrderID string) (adapter.Order, bool, error) {
	var row orderRow
	err := p.db.WithContext(ctx).
		Where("client_order_id = ? AND broker_id = ?", clientOrderID, brokerID.String()).
		Take(&row).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return adapter.Order{}, false, nil
	}
	if err != nil {
		return adapter.Order{}, false, errors.Wrap(err, "query by client order id")
	}
	return fromRow(row), true, nil
}

func (p *Postgres) GetByExchangeOrderID(ctx context.Context, brokerID enum.BrokerID, exchangeOrderID string) (adapter.Order, bool, error) {
	var row orderRow
	err := p.db.WithContext(ctx).
		Where("exchange_order_id = ? AND broker_id = ?", exchangeOrderID, brokerID.String()).
		Take(&row).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return adapter.Order{}, false, nil
	}
	if err != nil {
		return adapter.Order{}, false, errors.Wrap(err, "query by exchange order id")
	}
	return fromRow(row), true, nil
}

func (p *Postgres) Update(ctx context.Context, order adapter.Order) error {
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current orderRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("order_id = ?", order.OrderID).
			Take(&current).Error
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return exception.ErrOrderUnknown
		}
		if err != nil {
			return errors.Wrap(err, "lock order row")
		}

		currentStatus := enum.ParseOrderStatus(current.Status)
		if currentStatus != order.Status && !currentStatus.CanTransition(order.Status) {
			if currentStatus.Terminal() {
				return exception.ErrOrderTerminal
			}
			return exception.ErrOrderStatusRegression
		}
		if order.FilledQuantity.GreaterThan(order.Quantity) {
			return exception.ErrOrderOverfill
		}

		order.UpdatedAt = time.Now().UTC()
		row := toRow(order)
		if err := tx.Model(&orderRow{}).
			Where("order_id = ?", order.OrderID).
			Select("exchange_order_id", "status", "filled_quantity", "average_fill_price", "updated_at", "submitted_at").
			Updates(&row).Error; err != nil {
			return errors.Wrap(err, "update order row")
		}
		return nil
	})
}

func (p *Postgres) GetActiveOrders(ctx context.Context) ([]adapter.Order, error) {
	terminal := []string{
		enum.OrderStatusFilled.String(),
		enum.OrderStatusCanceled.String(),
		enum.OrderStatusRejected.String(),
		enum.OrderStatusExpired.String(),
	}

	var rows []orderRow
	if err := p.db.WithContext(ctx).
		Where("status NOT IN ?", terminal).
		Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "query active orders")
	}

	out := make([]adapter.Order, 0, len(rows))
	for _, row := range rows {
		out = append(out, fromRow(row))
	}
	return out, nil
}

var _ Store = (*Postgres)(nil)
