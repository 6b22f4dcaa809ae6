package exception

import "errors"

var (
	ErrOrderInvalidRequest     = errors.New("order: invalid request")
	ErrOrderInvalidQuantity    = errors.New("order: quantity must be positive")
	ErrOrderMissingPrice       = errors.New("order: limit order requires price")
	ErrOrderUnsupportedBroker  = errors.New("order: unsupported broker")
	ErrOrderRiskDenied         = errors.New("order: denied by risk limits")
	ErrOrderUnknown            = errors.New("order: not found")
	ErrOrderStatusRegression   = errors.New("order: status cannot move backward")
	ErrOrderTerminal           = errors.New("order: already in terminal status")
	ErrOrderOverfill           = errors.New("order: filled quantity exceeds quantity")
	ErrOrderSubmitInterrupted  = errors.New("order: submission canceled before dispatch")
	ErrOrderDuplicateInStore   = errors.New("order: client order id already persisted")
	ErrOrderEmptyClientOrderID = errors.New("order: empty client order id")
)

var (
	ErrBrokerRetriable    = errors.New("broker: transient failure, retry with the same client order id")
	ErrBrokerRateLimited  = errors.New("broker: rate limited")
	ErrBrokerRejected     = errors.New("broker: order rejected")
	ErrBrokerDisconnected = errors.New("broker: not connected")
)
