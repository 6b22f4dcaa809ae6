package enum

// OrderSide buy, sell
type OrderSide uint8

const (
	_order_side_beg OrderSide = iota
	OrderSideBuy
	OrderSideSell
	_order_side_end
)

func (s OrderSide) IsAvailable() bool {
	return s > _order_side_beg && s < _order_side_end
}

func (s OrderSide) String() string {
	switch s {
	case OrderSideBuy:
		return "BUY"
	case OrderSideSell:
		return "SELL"
	default:
		return "UNKNOWN"
	}
}

func ParseOrderSide(s string) OrderSide {
	switch s {
	case "BUY":
		return OrderSideBuy
	case "SELL":
		return OrderSideSell
	default:
		return _order_side_beg
	}
}

// OrderType limit, market
type OrderType uint8

const (
	_order_type_beg OrderType = iota
	OrderTypeLimit
	OrderTypeMarket
	_order_type_end
)

func (t OrderType) IsAvailable() bool {
	return t > _order_type_beg && t < _order_type_end
}

func (t OrderType) String() string {
	switch t {
	case OrderTypeLimit:
		return "LIMIT"
	case OrderTypeMarket:
		return "MARKET"
	default:
		return "UNKNOWN"
	}
}

func ParseOrderType(s string) OrderType {
	switch s {
	case "LIMIT":
		return OrderTypeLimit
	case "MARKET":
		return OrderTypeMarket
	default:
		return _order_type_beg
	}
}

// OrderStatus pending, submitted, partial filled, filled, canceled, rejected, expired
type OrderStatus uint8

const (
	_order_status_beg OrderStatus = iota
	OrderStatusPending
	OrderStatusSubmitted
	OrderStatusPartialFilled
	OrderStatusFilled
	OrderStatusCanceled
	OrderStatusRejected
	OrderStatusExpired
	_order_status_end
)

func (s OrderStatus) IsAvailable() bool {
	return s > _order_status_beg && s < _order_status_end
}

// CanTransition reports whether moving from s to next keeps the state
// machine advancing forward. Terminal statuses accept no transition.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	if s.Terminal() || !next.IsAvailable() {
		return false
	}
	return statusRank(next) >= statusRank(s)
}

func statusRank(s OrderStatus) int {
	switch s {
	case OrderStatusPending:
		return 1
	case OrderStatusSubmitted:
		return 2
	case OrderStatusPartialFilled:
		return 3
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired:
		return 4
	default:
		return 0
	}
}

// Terminal reports whether no further transition is allowed from s.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired:
		return true
	default:
		return false
	}
}

func (s OrderStatus) String() string {
	switch s {
	case OrderStatusPending:
		return "PENDING"
	case OrderStatusSubmitted:
		return "SUBMITTED"
	case OrderStatusPartialFilled:
		return "PARTIALLY_FILLED"
	case OrderStatusFilled:
		return "FILLED"
	case OrderStatusCanceled:
		return "CANCELED"
	case OrderStatusRejected:
		return "REJECTED"
	case OrderStatusExpired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}

func ParseOrderStatus(s string) OrderStatus {
	switch s {
	case "PENDING":
		return OrderStatusPending
	case "SUBMITTED":
		return OrderStatusSubmitted
	case "PARTIALLY_FILLED":
		return OrderStatusPartialFilled
	case "FILLED":
		return OrderStatusFilled
	case "CANCELED":
		return OrderStatusCanceled
	case "REJECTED":
		return OrderStatusRejected
	case "EXPIRED":
		return OrderStatusExpired
	default:
		return _order_status_beg
	}
}
