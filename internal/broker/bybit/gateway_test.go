package bybit

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"main/internal/adapter"
	"main/internal/adapter/enum"
	"main/internal/broker"
)

func testToken() adapter.Token {
	return adapter.Token{Key: "test-key", Secret: "test-secret"}
}

func testOrder() adapter.Order {
	return adapter.Order{
		ClientOrderID: "AT_TEST_BYBIT",
		Symbol:        "BTCUSDT",
		BrokerID:      enum.BrokerBybit,
		Side:          enum.OrderSideBuy,
		Type:          enum.OrderTypeMarket,
		Quantity:      decimal.NewFromInt(1),
	}
}

func gatewayFor(server *httptest.Server) *Gateway {
	return &Gateway{
		client:  server.Client(),
		token:   testToken(),
		baseURL: server.URL,
	}
}

func TestPlaceOrderAccepted(t *testing.T) {
	var captured *http.Request
	var capturedBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = r.Clone(r.Context())
		capturedBody, _ = io.ReadAll(r.Body)
		w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"orderId":"1321003749386327552","orderLinkId":"AT_TEST_BYBIT"}}`))
	}))
	defer server.Close()

	d, err := gatewayFor(server).PlaceOrder(t.Context(), testOrder())
	if err != nil {
		t.Fatalf("place order, err: %+v", err)
	}
	if d.Outcome != broker.OutcomeAccepted {
		t.Fatalf("expected accepted, got %s (%s)", d.Outcome, d.Reason)
	}
	if d.ExchangeOrderID != "1321003749386327552" {
		t.Fatalf("unexpected exchange order id: %s", d.ExchangeOrderID)
	}
	if d.Status != enum.OrderStatusSubmitted {
		t.Fatalf("unexpected status: %s", d.Status)
	}

	if captured.URL.Path != "/v5/order/create" {
		t.Fatalf("unexpected path: %s", captured.URL.Path)
	}
	for _, header := range []string{"X-Bapi-Api-Key", "X-Bapi-Timestamp", "X-Bapi-Recv-Window", "X-Bapi-Sign"} {
		if captured.Header.Get(header) == "" {
			t.Fatalf("missing %s header", header)
		}
	}
	if !containsAll(string(capturedBody), `"orderLinkId":"AT_TEST_BYBIT"`, `"symbol":"BTCUSDT"`, `"side":"Buy"`, `"orderType":"Market"`) {
		t.Fatalf("unexpected request body: %s", capturedBody)
	}
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}

func TestPlaceOrderCategorization(t *testing.T) {
	testCases := []struct {
		desc        string
		status      int
		header      http.Header
		body        string
		wantOutcome broker.Outcome
		wantRetry   time.Duration
	}{
		{
			desc:        "insufficient balance",
			status:      http.StatusOK,
			body:        `{"retCode":110007,"retMsg":"ab not enough for new order","result":{}}`,
			wantOutcome: broker.OutcomeRejected,
		},
		{
			desc:        "http throttle with retry-after",
			status:      http.StatusTooManyRequests,
			header:      http.Header{"Retry-After": []string{"3"}},
			body:        `{"retCode":0,"retMsg":"","result":{}}`,
			wantOutcome: broker.OutcomeRateLimited,
			wantRetry:   3 * time.Second,
		},
		{
			desc:        "ret code throttle",
			status:      http.StatusOK,
			body:        `{"retCode":10006,"retMsg":"Too many visits!","result":{}}`,
			wantOutcome: broker.OutcomeRateLimited,
			wantRetry:   _defaultRetryAfter,
		},
		{
			desc:        "server error",
			status:      http.StatusBadGateway,
			body:        `{}`,
			wantOutcome: broker.OutcomeRetriable,
		},
		{
			desc:        "server busy ret code",
			status:      http.StatusOK,
			body:        `{"retCode":10016,"retMsg":"Server error.","result":{}}`,
			wantOutcome: broker.OutcomeRetriable,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				for key, values := range tc.header {
					w.Header()[key] = values
				}
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			}))
			defer server.Close()

			d, err := gatewayFor(server).PlaceOrder(t.Context(), testOrder())
			if err != nil {
				t.Fatalf("place order, err: %+v", err)
			}
			if d.Outcome != tc.wantOutcome {
				t.Fatalf("expected %s, got %s (%s)", tc.wantOutcome, d.Outcome, d.Reason)
			}
			if tc.wantRetry != 0 && d.RetryAfter != tc.wantRetry {
				t.Fatalf("expected retry after %s, got %s", tc.wantRetry, d.RetryAfter)
			}
		})
	}
}

func TestPlaceOrderTransportFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	gw := gatewayFor(server)
	server.Close()

	d, err := gw.PlaceOrder(t.Context(), testOrder())
	if err != nil {
		t.Fatalf("transport failures categorize, not error: %+v", err)
	}
	if d.Outcome != broker.OutcomeRetriable || d.Cause == nil {
		t.Fatalf("expected retriable with cause, got %+v", d)
	}
}

func TestPlaceOrderContextCanceled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(time.Second)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	if _, err := gatewayFor(server).PlaceOrder(ctx, testOrder()); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context error, got %+v", err)
	}
}

func TestOrderStatusParse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v5/order/realtime" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"category":"linear","list":[{
			"orderId":"1321003749386327552","orderLinkId":"AT_TEST_BYBIT","symbol":"BTCUSDT",
			"side":"Buy","orderType":"Market","orderStatus":"PartiallyFilled",
			"qty":"1","cumExecQty":"0.4","avgPrice":"65000.5","updatedTime":"1700000000000"}]}}`))
	}))
	defer server.Close()

	update, err := gatewayFor(server).OrderStatus(t.Context(), testOrder())
	if err != nil {
		t.Fatalf("order status, err: %+v", err)
	}
	if update.Status != enum.OrderStatusPartialFilled {
		t.Fatalf("unexpected status: %s", update.Status)
	}
	if !update.FilledQuantity.Equal(decimal.RequireFromString("0.4")) {
		t.Fatalf("unexpected filled quantity: %s", update.FilledQuantity)
	}
	if !update.AverageFillPrice.Equal(decimal.RequireFromString("65000.5")) {
		t.Fatalf("unexpected avg price: %s", update.AverageFillPrice)
	}
}

func TestParseStatus(t *testing.T) {
	testCases := []struct {
		raw  string
		want enum.OrderStatus
	}{
		{"New", enum.OrderStatusSubmitted},
		{"PartiallyFilled", enum.OrderStatusPartialFilled},
		{"Filled", enum.OrderStatusFilled},
		{"Cancelled", enum.OrderStatusCanceled},
		{"PartiallyFilledCanceled", enum.OrderStatusCanceled},
		{"Rejected", enum.OrderStatusRejected},
	}

	for _, tc := range testCases {
		if got := parseStatus(tc.raw); got != tc.want {
			t.Fatalf("parseStatus(%q) = %s, want %s", tc.raw, got, tc.want)
		}
	}
}
