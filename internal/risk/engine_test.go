package risk

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"main/internal/adapter"
)

func TestEvaluateLimits(t *testing.T) {
	testCases := []struct {
		desc       string
		cfg        Config
		order      adapter.Order
		wantReason Reason
	}{
		{
			"no limits allows anything",
			Config{},
			adapter.Order{Quantity: decimal.NewFromInt(1_000_000)},
			ReasonNone,
		},
		{
			"kill switch denies everything",
			Config{KillSwitch: true},
			adapter.Order{Quantity: decimal.NewFromInt(1)},
			ReasonKillSwitch,
		},
		{
			"quantity cap",
			Config{MaxOrderQty: decimal.NewFromInt(10)},
			adapter.Order{Quantity: decimal.NewFromInt(11)},
			ReasonMaxQty,
		},
		{
			"quantity at the cap passes",
			Config{MaxOrderQty: decimal.NewFromInt(10)},
			adapter.Order{Quantity: decimal.NewFromInt(10)},
			ReasonNone,
		},
		{
			"notional cap on limit orders",
			Config{MaxOrderNotional: decimal.NewFromInt(1000)},
			adapter.Order{Quantity: decimal.NewFromInt(2), Price: decimal.NewFromInt(600)},
			ReasonMaxNotional,
		},
		{
			"market orders skip the notional cap",
			Config{MaxOrderNotional: decimal.NewFromInt(1000)},
			adapter.Order{Quantity: decimal.NewFromInt(2)},
			ReasonNone,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			decision := NewEngine(tc.cfg).Evaluate(tc.order)
			if decision.Reason != tc.wantReason {
				t.Fatalf("expected %s, got %s", tc.wantReason, decision.Reason)
			}
			if decision.Allowed() != (tc.wantReason == ReasonNone) {
				t.Fatalf("action %d disagrees with reason %s", decision.Action, decision.Reason)
			}
		})
	}
}

func TestEvaluateRateWindow(t *testing.T) {
	e := NewEngine(Config{
		OrderRateLimit:  3,
		OrderRateWindow: 100 * time.Millisecond,
	})
	order := adapter.Order{Quantity: decimal.NewFromInt(1)}

	for i := range 3 {
		if d := e.Evaluate(order); !d.Allowed() {
			t.Fatalf("order %d should pass, got %s", i, d.Reason)
		}
	}
	if d := e.Evaluate(order); d.Reason != ReasonRateLimit {
		t.Fatalf("fourth order should hit the rate limit, got %s", d.Reason)
	}

	time.Sleep(120 * time.Millisecond)
	if d := e.Evaluate(order); !d.Allowed() {
		t.Fatalf("window should have reset, got %s", d.Reason)
	}
}
