package adapter

import (
	"time"

	"github.com/shopspring/decimal"

	"main/internal/adapter/enum"
)

// Order is the system's view of a single submission. It is created by the
// factory in internal/idem and owned by the engine until it turns terminal;
// after that only reads are allowed.
type Order struct {
	OrderID          string
	ClientOrderID    string
	ExchangeOrderID  string
	Symbol           string
	BrokerID         enum.BrokerID
	Side             enum.OrderSide
	Type             enum.OrderType
	Quantity         decimal.Decimal
	FilledQuantity   decimal.Decimal
	Price            decimal.Decimal // zero for market orders
	AverageFillPrice decimal.Decimal
	Status           enum.OrderStatus
	CreatedAt        time.Time
	UpdatedAt        time.Time
	SubmittedAt      time.Time // zero until dispatched
}

// Terminal reports whether the order reached a final status.
func (o Order) Terminal() bool {
	return o.Status.Terminal()
}

// OrderRequest is the caller-supplied input to the submission pipeline.
// ClientOrderID is optional; the factory generates one when absent.
type OrderRequest struct {
	Symbol        string
	BrokerID      enum.BrokerID
	Side          enum.OrderSide
	Type          enum.OrderType
	Quantity      decimal.Decimal
	Price         decimal.Decimal
	ClientOrderID string
}

// Token represents broker API credentials.
type Token struct {
	Key    string
	Secret string
}

// NewToken creates broker API credentials.
func NewToken(key, secret string) Token {
	return Token{Key: key, Secret: secret}
}

// Position is a broker-reported open position.
type Position struct {
	Symbol        string
	Side          enum.OrderSide
	Size          decimal.Decimal
	EntryPrice    decimal.Decimal
	UnrealizedPnl decimal.Decimal
}

// Ticker is a broker-reported market price snapshot.
type Ticker struct {
	Symbol string
	Last   decimal.Decimal
	Bid    decimal.Decimal
	Ask    decimal.Decimal
	Time   time.Time
}
