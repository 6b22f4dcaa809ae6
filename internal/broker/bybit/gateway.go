package bybit

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"

	"main/internal/adapter"
	"main/internal/adapter/enum"
	"main/internal/broker"
	"main/pkg/exception"
)

const (
	_bybitBaseUrl    = "https://api.bybit.com"
	_bybitBaseUrlDev = "https://api-testnet.bybit.com"

	_bybitBaseWsUrl    = "wss://stream.bybit.com/v5/private"
	_bybitBaseWsUrlDev = "wss://stream-testnet.bybit.com/v5/private"

	_category   = "linear"
	_recvWindow = "5000"

	_defaultRetryAfter = 2 * time.Second
)

// v5 retCode families that are safe to retry or must be throttled.
const (
	_retCodeOK           = 0
	_retCodeServerBusy   = 10016
	_retCodeTimestampOOB = 10002
	_retCodeTooManyVisit = 10006
	_retCodeIPRateLimit  = 10018
)

type Gateway struct {
	client  *http.Client
	token   adapter.Token
	baseURL string
}

func NewGateway(client *http.Client, token adapter.Token, devMode bool) *Gateway {
	baseURL := _bybitBaseUrl
	if devMode {
		baseURL = _bybitBaseUrlDev
	}

	return &Gateway{
		client:  client,
		token:   token,
		baseURL: baseURL,
	}
}

var _ broker.Gateway = (*Gateway)(nil)

func bybitSide(side enum.OrderSide) string {
	switch side {
	case enum.OrderSideSell:
		return "Sell"
	case enum.OrderSideBuy:
		return "Buy"
	default:
		return bybitSide(enum.OrderSideBuy)
	}
}

func bybitOrderType(typ enum.OrderType) string {
	switch typ {
	case enum.OrderTypeLimit:
		return "Limit"
	case enum.OrderTypeMarket:
		return "Market"
	default:
		return bybitOrderType(enum.OrderTypeMarket)
	}
}

func parseStatus(s string) enum.OrderStatus {
	switch s {
	case "New", "Untriggered", "Triggered":
		return enum.OrderStatusSubmitted
	case "PartiallyFilled":
		return enum.OrderStatusPartialFilled
	case "Filled":
		return enum.OrderStatusFilled
	case "Cancelled", "PartiallyFilledCanceled", "Deactivated":
		return enum.OrderStatusCanceled
	case "Rejected":
		return enum.OrderStatusRejected
	default:
		return enum.OrderStatusSubmitted
	}
}

func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func (g *Gateway) sign(timestamp, payload string) string {
	mac := hmac.New(sha256.New, []byte(g.token.Secret))
	mac.Write([]byte(timestamp + g.token.Key + _recvWindow + payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// do issues one signed v5 request. payload is the query string for GET and
// the JSON body for POST; both feed the signature.
func (g *Gateway) do(ctx context.Context, method, path, payload string) (*http.Response, error) {
	var (
		target = g.baseURL + path
		body   io.Reader
	)
	switch method {
	case http.MethodGet:
		if payload != "" {
			target += "?" + payload
		}
	default:
		body = bytes.NewReader([]byte(payload))
	}

	r, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, errors.Wrap(err, "new request")
	}

	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("X-BAPI-API-KEY", g.token.Key)
	r.Header.Set("X-BAPI-TIMESTAMP", timestamp)
	r.Header.Set("X-BAPI-RECV-WINDOW", _recvWindow)
	r.Header.Set("X-BAPI-SIGN", g.sign(timestamp, payload))

	return g.client.Do(r)
}

func retryAfterFrom(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return _defaultRetryAfter
}

// categorize folds transport status and retCode into a dispatch outcome.
// nil means the caller should read the result payload.
func categorize[T any](resp *http.Response, data Response[T]) *broker.Dispatch {
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &broker.Dispatch{
			Outcome:    broker.OutcomeRateLimited,
			RetryAfter: retryAfterFrom(resp),
		}
	case resp.StatusCode >= http.StatusInternalServerError:
		return &broker.Dispatch{
			Outcome: broker.OutcomeRetriable,
			Reason:  resp.Status,
		}
	}

	switch data.RetCode {
	case _retCodeOK:
		return nil
	case _retCodeTooManyVisit, _retCodeIPRateLimit:
		return &broker.Dispatch{
			Outcome:    broker.OutcomeRateLimited,
			Reason:     data.RetMsg,
			RetryAfter: retryAfterFrom(resp),
		}
	case _retCodeServerBusy, _retCodeTimestampOOB:
		return &broker.Dispatch{
			Outcome: broker.OutcomeRetriable,
			Reason:  data.RetMsg,
		}
	default:
		return &broker.Dispatch{
			Outcome: broker.OutcomeRejected,
			Reason:  data.RetMsg,
		}
	}
}

func (g *Gateway) Connect(ctx context.Context) error {
	if _, err := g.Balance(ctx); err != nil {
		return errors.Wrap(err, "verify bybit credentials")
	}
	return nil
}

func (g *Gateway) PlaceOrder(ctx context.Context, order adapter.Order) (broker.Dispatch, error) {
	body := map[string]string{
		"category":    _category,
		"symbol":      order.Symbol,
		"side":        bybitSide(order.Side),
		"orderType":   bybitOrderType(order.Type),
		"qty":         order.Quantity.String(),
		"orderLinkId": order.ClientOrderID,
	}
	if order.Type == enum.OrderTypeLimit {
		body["price"] = order.Price.String()
	}

	payload, err := sonic.ConfigFastest.Marshal(body)
	if err != nil {
		return broker.Dispatch{}, errors.Wrap(err, "marshal place order")
	}

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	resp, err := g.do(ctx, http.MethodPost, "/v5/order/create", string(payload))
	if err != nil {
		if ctx.Err() != nil {
			return broker.Dispatch{}, ctx.Err()
		}
		return broker.Dispatch{Outcome: broker.OutcomeRetriable, Cause: err}, nil
	}
	defer resp.Body.Close()

	var data Response[ResponsePlaceOrder]
	if err := sonic.ConfigFastest.NewDecoder(resp.Body).Decode(&data); err != nil {
		return broker.Dispatch{Outcome: broker.OutcomeRetriable, Cause: err}, nil
	}

	if d := categorize(resp, data); d != nil {
		return *d, nil
	}

	return broker.Dispatch{
		Outcome:         broker.OutcomeAccepted,
		ExchangeOrderID: data.Result.OrderID,
		Status:          enum.OrderStatusSubmitted,
	}, nil
}

func (g *Gateway) CancelOrder(ctx context.Context, order adapter.Order) (broker.Dispatch, error) {
	body := map[string]string{
		"category": _category,
		"symbol":   order.Symbol,
	}
	if order.ExchangeOrderID != "" {
		body["orderId"] = order.ExchangeOrderID
	} else {
		body["orderLinkId"] = order.ClientOrderID
	}

	payload, err := sonic.ConfigFastest.Marshal(body)
	if err != nil {
		return broker.Dispatch{}, errors.Wrap(err, "marshal cancel order")
	}

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	resp, err := g.do(ctx, http.MethodPost, "/v5/order/cancel", string(payload))
	if err != nil {
		if ctx.Err() != nil {
			return broker.Dispatch{}, ctx.Err()
		}
		return broker.Dispatch{Outcome: broker.OutcomeRetriable, Cause: err}, nil
	}
	defer resp.Body.Close()

	var data Response[ResponseCancelOrder]
	if err := sonic.ConfigFastest.NewDecoder(resp.Body).Decode(&data); err != nil {
		return broker.Dispatch{Outcome: broker.OutcomeRetriable, Cause: err}, nil
	}

	if d := categorize(resp, data); d != nil {
		return *d, nil
	}

	return broker.Dispatch{
		Outcome:         broker.OutcomeAccepted,
		ExchangeOrderID: data.Result.OrderID,
		Status:          enum.OrderStatusCanceled,
	}, nil
}

func (g *Gateway) OrderStatus(ctx context.Context, order adapter.Order) (broker.OrderUpdate, error) {
	query := url.Values{}
	query.Set("category", _category)
	query.Set("symbol", order.Symbol)
	if order.ExchangeOrderID != "" {
		query.Set("orderId", order.ExchangeOrderID)
	} else {
		query.Set("orderLinkId", order.ClientOrderID)
	}

	resp, err := g.do(ctx, http.MethodGet, "/v5/order/realtime", query.Encode())
	if err != nil {
		return broker.OrderUpdate{}, errors.Wrap(err, "query order")
	}
	defer resp.Body.Close()

	var data Response[ResponseOrderList]
	if err := sonic.ConfigFastest.NewDecoder(resp.Body).Decode(&data); err != nil {
		return broker.OrderUpdate{}, errors.Wrap(err, "decode order list")
	}
	if data.RetCode != _retCodeOK {
		return broker.OrderUpdate{}, errors.Wrapf(exception.ErrBrokerRejected, "retCode %d: %s", data.RetCode, data.RetMsg)
	}
	if len(data.Result.List) == 0 {
		return broker.OrderUpdate{}, exception.ErrOrderUnknown
	}

	entry := data.Result.List[0]
	updatedMillis, _ := strconv.ParseInt(entry.UpdatedTime, 10, 64)
	return broker.OrderUpdate{
		BrokerID:         enum.BrokerBybit,
		ExchangeOrderID:  entry.OrderID,
		ClientOrderID:    entry.OrderLinkID,
		Status:           parseStatus(entry.OrderStatus),
		FilledQuantity:   parseDecimal(entry.CumExecQty),
		AverageFillPrice: parseDecimal(entry.AvgPrice),
		Time:             time.UnixMilli(updatedMillis),
	}, nil
}

func (g *Gateway) Positions(ctx context.Context) ([]adapter.Position, error) {
	query := url.Values{}
	query.Set("category", _category)
	query.Set("settleCoin", "USDT")

	resp, err := g.do(ctx, http.MethodGet, "/v5/position/list", query.Encode())
	if err != nil {
		return nil, errors.Wrap(err, "query positions")
	}
	defer resp.Body.Close()

	var data Response[ResponsePositionList]
	if err := sonic.ConfigFastest.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, errors.Wrap(err, "decode position list")
	}
	if data.RetCode != _retCodeOK {
		return nil, errors.Wrapf(exception.ErrBrokerRejected, "retCode %d: %s", data.RetCode, data.RetMsg)
	}

	positions := make([]adapter.Position, 0, len(data.Result.List))
	for _, entry := range data.Result.List {
		size := parseDecimal(entry.Size)
		if size.IsZero() {
			continue
		}

		side := enum.OrderSideBuy
		if entry.Side == "Sell" {
			side = enum.OrderSideSell
		}
		positions = append(positions, adapter.Position{
			Symbol:        entry.Symbol,
			Side:          side,
			Size:          size,
			EntryPrice:    parseDecimal(entry.AvgPrice),
			UnrealizedPnl: parseDecimal(entry.UnrealisedPnl),
		})
	}

	return positions, nil
}

func (g *Gateway) Balance(ctx context.Context) (decimal.Decimal, error) {
	query := url.Values{}
	query.Set("accountType", "UNIFIED")

	resp, err := g.do(ctx, http.MethodGet, "/v5/account/wallet-balance", query.Encode())
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "query wallet balance")
	}
	defer resp.Body.Close()

	var data Response[ResponseWalletBalance]
	if err := sonic.ConfigFastest.NewDecoder(resp.Body).Decode(&data); err != nil {
		return decimal.Zero, errors.Wrap(err, "decode wallet balance")
	}
	if data.RetCode != _retCodeOK {
		return decimal.Zero, errors.Wrapf(exception.ErrBrokerRejected, "retCode %d: %s", data.RetCode, data.RetMsg)
	}
	if len(data.Result.List) == 0 {
		return decimal.Zero, nil
	}

	return parseDecimal(data.Result.List[0].TotalEquity), nil
}

func (g *Gateway) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if max := enum.BrokerBybit.MaxLeverage(); leverage > max {
		leverage = max
	}

	body := map[string]string{
		"category":     _category,
		"symbol":       symbol,
		"buyLeverage":  strconv.Itoa(leverage),
		"sellLeverage": strconv.Itoa(leverage),
	}
	payload, err := sonic.ConfigFastest.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "marshal set leverage")
	}

	resp, err := g.do(ctx, http.MethodPost, "/v5/position/set-leverage", string(payload))
	if err != nil {
		return errors.Wrap(err, "set leverage")
	}
	defer resp.Body.Close()

	var data Response[struct{}]
	if err := sonic.ConfigFastest.NewDecoder(resp.Body).Decode(&data); err != nil {
		return errors.Wrap(err, "decode set leverage")
	}
	// 110043: leverage not modified
	if data.RetCode != _retCodeOK && data.RetCode != 110043 {
		return errors.Wrapf(exception.ErrBrokerRejected, "retCode %d: %s", data.RetCode, data.RetMsg)
	}

	return nil
}

func (g *Gateway) Price(ctx context.Context, symbol string) (adapter.Ticker, error) {
	query := url.Values{}
	query.Set("category", _category)
	query.Set("symbol", symbol)

	// public endpoint, no signature required
	r, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/v5/market/tickers?"+query.Encode(), nil)
	if err != nil {
		return adapter.Ticker{}, errors.Wrap(err, "new request")
	}

	resp, err := g.client.Do(r)
	if err != nil {
		return adapter.Ticker{}, errors.Wrap(err, "query tickers")
	}
	defer resp.Body.Close()

	var data Response[ResponseTickers]
	if err := sonic.ConfigFastest.NewDecoder(resp.Body).Decode(&data); err != nil {
		return adapter.Ticker{}, errors.Wrap(err, "decode tickers")
	}
	if data.RetCode != _retCodeOK {
		return adapter.Ticker{}, errors.Wrapf(exception.ErrBrokerRejected, "retCode %d: %s", data.RetCode, data.RetMsg)
	}
	if len(data.Result.List) == 0 {
		return adapter.Ticker{}, errors.Wrap(exception.ErrOrderUnknown, "no ticker for "+symbol)
	}

	entry := data.Result.List[0]
	return adapter.Ticker{
		Symbol: entry.Symbol,
		Last:   parseDecimal(entry.LastPrice),
		Bid:    parseDecimal(entry.Bid1Price),
		Ask:    parseDecimal(entry.Ask1Price),
		Time:   time.UnixMilli(data.Time),
	}, nil
}
