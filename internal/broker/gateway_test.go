package broker_test

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"main/internal/adapter"
	"main/internal/adapter/enum"
	"main/internal/broker"
	"main/internal/broker/mock"
	"main/pkg/exception"
)

func TestDispatchError(t *testing.T) {
	testCases := []struct {
		desc     string
		dispatch broker.Dispatch
		want     error
	}{
		{
			"accepted carries no error",
			broker.Dispatch{Outcome: broker.OutcomeAccepted},
			nil,
		},
		{
			"rejected is a result, not an error",
			broker.Dispatch{Outcome: broker.OutcomeRejected, Reason: "insufficient funds"},
			nil,
		},
		{
			"rate limited",
			broker.Dispatch{Outcome: broker.OutcomeRateLimited, RetryAfter: time.Second},
			exception.ErrBrokerRateLimited,
		},
		{
			"retriable with cause",
			broker.Dispatch{Outcome: broker.OutcomeRetriable, Cause: errors.New("i/o timeout")},
			exception.ErrBrokerRetriable,
		},
		{
			"retriable with reason only",
			broker.Dispatch{Outcome: broker.OutcomeRetriable, Reason: "502 Bad Gateway"},
			exception.ErrBrokerRetriable,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			err := tc.dispatch.Error()
			if tc.want == nil {
				if err != nil {
					t.Fatalf("expected nil, got %+v", err)
				}
				return
			}
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %+v", tc.want, err)
			}
		})
	}
}

func TestDispatchRetryAfterHint(t *testing.T) {
	d := broker.Dispatch{Outcome: broker.OutcomeRateLimited, RetryAfter: 3 * time.Second}

	var rle *broker.RateLimitError
	if !errors.As(d.Error(), &rle) {
		t.Fatalf("expected a typed rate-limit error, got %+v", d.Error())
	}
	if rle.RetryAfter != 3*time.Second {
		t.Fatalf("expected the backoff hint to survive, got %s", rle.RetryAfter)
	}
}

func TestRegistryUnknownBroker(t *testing.T) {
	registry := broker.NewRegistry()

	if _, err := registry.Gateway(enum.BrokerBinance); !errors.Is(err, exception.ErrOrderUnsupportedBroker) {
		t.Fatalf("expected unsupported broker error, got %+v", err)
	}
}

func TestClosePosition(t *testing.T) {
	gw := mock.New()
	gw.SetPositions([]adapter.Position{
		{Symbol: "BTCUSDT", Side: enum.OrderSideBuy, Size: decimal.NewFromInt(3)},
	})

	dispatch, err := broker.ClosePosition(t.Context(), gw, "BTCUSDT")
	if err != nil {
		t.Fatalf("close position, err: %+v", err)
	}
	if dispatch.Outcome != broker.OutcomeAccepted {
		t.Fatalf("expected accepted, got %s", dispatch.Outcome)
	}

	calls := gw.PlaceCalls()
	if len(calls) != 1 {
		t.Fatalf("expected one flattening order, got %d", len(calls))
	}
	flat := calls[0].Order
	if flat.Side != enum.OrderSideSell {
		t.Fatalf("long position should flatten with a sell, got %s", flat.Side)
	}
	if flat.Type != enum.OrderTypeMarket {
		t.Fatalf("flattening order should be market, got %s", flat.Type)
	}
	if !flat.Quantity.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("flattening order should match position size, got %s", flat.Quantity)
	}
}

func TestClosePositionNoPosition(t *testing.T) {
	gw := mock.New()
	gw.SetPositions([]adapter.Position{
		{Symbol: "BTCUSDT", Side: enum.OrderSideBuy, Size: decimal.NewFromInt(3)},
	})

	if _, err := broker.ClosePosition(t.Context(), gw, "ETHUSDT"); !errors.Is(err, exception.ErrOrderUnknown) {
		t.Fatalf("expected no-position error, got %+v", err)
	}
	if len(gw.PlaceCalls()) != 0 {
		t.Fatal("no order should be placed without a position")
	}
}
