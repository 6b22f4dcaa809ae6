package bybit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/pkg/sys"
	"github.com/yanun0323/pkg/ws"

	"main/internal/adapter"
	"main/internal/adapter/enum"
	"main/internal/broker"
)

// Stream is the private v5 websocket carrying order lifecycle events.
type Stream struct {
	wss   *ws.WebSocket
	token adapter.Token
}

func NewStream(ctx context.Context, token adapter.Token, devMode bool) *Stream {
	wsURL := _bybitBaseWsUrl
	if devMode {
		wsURL = _bybitBaseWsUrlDev
	}

	return &Stream{
		wss:   ws.New(ctx, wsURL),
		token: token,
	}
}

func (s *Stream) Close() {
	s.wss.Close()
}

type streamOp struct {
	Op      string `json:"op"`
	Success bool   `json:"success"`
	RetMsg  string `json:"ret_msg"`
}

func (s *Stream) StartWebsocketAndAuth(ctx context.Context) error {
	if err := s.wss.Start(ctx, ws.Sidecar{
		Sender: func(ctx context.Context, client *ws.WebSocket) error {
			expires := time.Now().Add(10 * time.Second).UnixMilli()
			mac := hmac.New(sha256.New, []byte(s.token.Secret))
			mac.Write([]byte("GET/realtime" + strconv.FormatInt(expires, 10)))

			authPayload := map[string]any{
				"op": "auth",
				"args": []any{
					s.token.Key, expires, hex.EncodeToString(mac.Sum(nil)),
				},
			}

			if err := client.WriteJSON(authPayload); err != nil {
				return errors.Wrap(err, "write auth payload")
			}

			return nil
		},
		Waiter: func(ctx context.Context, m ws.Message) (bool, error) {
			resp, ok := ws.ReadMessage[streamOp](m)
			if !ok || resp.Op != "auth" {
				return false, nil
			}

			if !resp.Success {
				return false, errors.Errorf("invalid authenticate: %s", resp.RetMsg)
			}

			return true, nil
		},
	}); err != nil {
		return errors.Wrap(err, "start wss")
	}

	return nil
}

func (s *Stream) SubscribeOrder(ctx context.Context) error {
	appendIntoRegister := true
	if err := s.wss.SendAndWait(ctx, ws.Sidecar{
		Sender: func(ctx context.Context, client *ws.WebSocket) error {
			if err := client.WriteJSON(map[string]any{
				"op":   "subscribe",
				"args": []string{"order"},
			}); err != nil {
				return errors.Wrap(err, "write subscribe order payload")
			}

			return nil
		},
		Waiter: func(ctx context.Context, m ws.Message) (bool, error) {
			resp, ok := ws.ReadMessage[streamOp](m)
			if !ok || resp.Op != "subscribe" {
				return false, nil
			}

			if !resp.Success {
				return false, errors.Errorf("subscribe order, err: %s", resp.RetMsg)
			}

			return true, nil
		},
	}, appendIntoRegister); err != nil {
		return errors.Wrap(err, "send and wait")
	}

	return nil
}

type streamOrderEvent struct {
	Topic        string       `json:"topic"`
	CreationTime int64        `json:"creationTime"`
	Data         []OrderEntry `json:"data"`
}

// ObserveOrder delivers one OrderUpdate per order event until the context
// ends or the stream closes.
func (s *Stream) ObserveOrder(ctx context.Context, handler func(u broker.OrderUpdate)) (unsubscribe func()) {
	ch, cancel := s.wss.Subscribe()

	go func() {
		defer cancel()
		for {
			select {
			case <-sys.Shutdown():
				return
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}

				event, ok := ws.ReadMessage[streamOrderEvent](m)
				if !ok || event.Topic != "order" {
					continue
				}

				for _, entry := range event.Data {
					handler(broker.OrderUpdate{
						BrokerID:         enum.BrokerBybit,
						ExchangeOrderID:  entry.OrderID,
						ClientOrderID:    entry.OrderLinkID,
						Status:           parseStatus(entry.OrderStatus),
						FilledQuantity:   parseDecimal(entry.CumExecQty),
						AverageFillPrice: parseDecimal(entry.AvgPrice),
						Time:             time.UnixMilli(event.CreationTime),
					})
				}
			}
		}
	}()

	return cancel
}
