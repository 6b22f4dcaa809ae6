package idem

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"main/internal/adapter"
	"main/internal/adapter/enum"
)

// KeyPrefix marks keys generated by this system.
const KeyPrefix = "AT"

var lastMillis atomic.Int64

// GenerateClientOrderID returns a client order id formatted
// <prefix>_<unix_millis>_<32-hex-chars>. The millisecond component never
// decreases across calls within a process, and the 16-byte random suffix
// keeps concurrent calls distinct.
func GenerateClientOrderID() string {
	millis := monotonicMillis()

	var suffix [16]byte
	if _, err := rand.Read(suffix[:]); err != nil {
		// crypto/rand never fails on supported platforms
		panic(err)
	}

	buf := make([]byte, 0, 52)
	buf = append(buf, KeyPrefix...)
	buf = append(buf, '_')
	buf = strconv.AppendInt(buf, millis, 10)
	buf = append(buf, '_')
	buf = hex.AppendEncode(buf, suffix[:])
	return string(buf)
}

func monotonicMillis() int64 {
	now := time.Now().UnixMilli()
	for {
		last := lastMillis.Load()
		if now < last {
			now = last
		}
		if lastMillis.CompareAndSwap(last, now) {
			return now
		}
	}
}

// EnsureClientOrderID returns the order unchanged when it already carries a
// key, otherwise a copy with a fresh one. Pure apart from the key draw.
func EnsureClientOrderID(order adapter.Order) adapter.Order {
	if order.ClientOrderID != "" {
		return order
	}
	order.ClientOrderID = GenerateClientOrderID()
	return order
}

// FromRequest maps a caller request to a new pending Order, always attaching
// a client order id.
func FromRequest(req adapter.OrderRequest) adapter.Order {
	now := time.Now().UTC()
	return EnsureClientOrderID(adapter.Order{
		OrderID:       uuid.NewString(),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		BrokerID:      req.BrokerID,
		Side:          req.Side,
		Type:          req.Type,
		Quantity:      req.Quantity,
		Price:         req.Price,
		Status:        enum.OrderStatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
}
