package spot

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"trading-control/pkg/exchanges/common"
)

const keepAliveInterval = 30 * time.Minute

// SubscribeOrderUpdates opens the user data stream and forwards execution
// reports until ctx is done. The listen key is closed on exit.
func (c *Client) SubscribeOrderUpdates(ctx context.Context) (<-chan common.OrderUpdate, error) {
	listenKey, err := c.CreateListenKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("create listen key: %w", err)
	}
	wsURL := c.streamURL + "/ws/" + listenKey
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial user stream: %w", err)
	}

	out := make(chan common.OrderUpdate, 64)
	done := make(chan struct{})

	go func() {
		ticker := time.NewTicker(keepAliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				conn.Close()
				closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := c.CloseListenKey(closeCtx, listenKey); err != nil {
					log.Printf("[binance] close listen key: %v", err)
				}
				cancel()
				return
			case <-done:
				return
			case <-ticker.C:
				if err := c.KeepAliveListenKey(ctx, listenKey); err != nil {
					log.Printf("[binance] listen key keepalive: %v", err)
				}
			}
		}
	}()

	go func() {
		defer close(out)
		defer close(done)
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() == nil {
					log.Printf("[binance] user stream read: %v", err)
				}
				return
			}
			upd, ok := parseExecutionReport(msg)
			if !ok {
				continue
			}
			select {
			case out <- upd:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// parseExecutionReport extracts order updates; other event types are ignored.
func parseExecutionReport(msg []byte) (common.OrderUpdate, bool) {
	// "e" is not always a string on this stream, so peek before binding.
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(msg, &raw); err != nil {
		return common.OrderUpdate{}, false
	}
	var eventType string
	if v, ok := raw["e"]; !ok || json.Unmarshal(v, &eventType) != nil || eventType != "executionReport" {
		return common.OrderUpdate{}, false
	}

	var rep struct {
		Symbol        string `json:"s"`
		Side          string `json:"S"`
		Status        string `json:"X"`
		ExecutionType string `json:"x"`
		OrderID       int64  `json:"i"`
		ClientOrderID string `json:"c"`
		LastQty       string `json:"l"`
		LastPrice     string `json:"L"`
		CumulativeQty string `json:"z"`
		Commission    string `json:"n"`
		EventTime     int64  `json:"E"`
	}
	if err := json.Unmarshal(msg, &rep); err != nil {
		log.Printf("[binance] execution report parse: %v", err)
		return common.OrderUpdate{}, false
	}
	switch rep.ExecutionType {
	case "TRADE", "CANCELED", "EXPIRED", "REJECTED":
	default:
		return common.OrderUpdate{}, false
	}

	return common.OrderUpdate{
		ExchangeOrderID: fmt.Sprintf("%d", rep.OrderID),
		ClientID:        rep.ClientOrderID,
		Symbol:          rep.Symbol,
		Side:            common.Side(strings.ToUpper(rep.Side)),
		Status:          mapStatus(rep.Status),
		FilledQty:       toFloat(rep.CumulativeQty),
		LastQty:         toFloat(rep.LastQty),
		LastPrice:       toFloat(rep.LastPrice),
		Fee:             toFloat(rep.Commission),
		EventTime:       time.UnixMilli(rep.EventTime),
	}, true
}

// CreateListenKey creates a new user data stream listen key.
func (c *Client) CreateListenKey(ctx context.Context) (string, error) {
	var resp struct {
		ListenKey string `json:"listenKey"`
	}
	body, err := c.listenKeyCall(ctx, http.MethodPost, "")
	if err != nil {
		return "", err
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode listen key: %w", err)
	}
	return resp.ListenKey, nil
}

// KeepAliveListenKey extends the validity of a listen key.
func (c *Client) KeepAliveListenKey(ctx context.Context, listenKey string) error {
	_, err := c.listenKeyCall(ctx, http.MethodPut, listenKey)
	return err
}

// CloseListenKey closes a user data stream.
func (c *Client) CloseListenKey(ctx context.Context, listenKey string) error {
	_, err := c.listenKeyCall(ctx, http.MethodDelete, listenKey)
	return err
}

func (c *Client) listenKeyCall(ctx context.Context, method, listenKey string) ([]byte, error) {
	if c.cfg.APIKey == "" {
		return nil, ErrCredentialsRequired
	}
	params := url.Values{}
	if listenKey != "" {
		params.Set("listenKey", listenKey)
	}
	return c.do(ctx, method, "/api/v3/userDataStream", params, false)
}
