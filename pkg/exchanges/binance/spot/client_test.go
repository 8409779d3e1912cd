package spot

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"trading-control/pkg/exchanges/common"
)

func TestGetOrderbook(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/depth" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("limit"); got != "5" {
			t.Errorf("limit=%s, expected 5", got)
		}
		w.Write([]byte(`{"bids":[["100.00","1.5"],["99.90","2"]],"asks":[["100.20","0.7"]]}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	book, err := c.GetOrderbook(context.Background(), "BTCUSDT", 2)
	if err != nil {
		t.Fatalf("GetOrderbook: %v", err)
	}
	bid, ask, ok := book.Best()
	if !ok || bid != 100 || ask != 100.2 {
		t.Fatalf("Best()=%v,%v,%v", bid, ask, ok)
	}
	if len(book.Bids) != 2 || book.Bids[1].Qty != 2 {
		t.Errorf("unexpected bids %+v", book.Bids)
	}
}

func TestSubmitOrderSignsAndMapsFill(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method=%s", r.Method)
		}
		if r.Header.Get("X-MBX-APIKEY") != "key" {
			t.Errorf("missing api key header")
		}
		r.ParseForm()
		if r.PostForm.Get("signature") == "" || r.PostForm.Get("timestamp") == "" {
			t.Errorf("request not signed: %v", r.PostForm)
		}
		if r.PostForm.Get("type") != "MARKET" || r.PostForm.Get("price") != "" {
			t.Errorf("unexpected params %v", r.PostForm)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"symbol":              "BTCUSDT",
			"orderId":             42,
			"clientOrderId":       "cid",
			"transactTime":        time.Now().UnixMilli(),
			"status":              "FILLED",
			"executedQty":         "0.5",
			"cummulativeQuoteQty": "50.5",
		})
	}))
	defer srv.Close()

	c := New(Config{APIKey: "key", APISecret: "secret", BaseURL: srv.URL})
	res, err := c.SubmitOrder(context.Background(), common.OrderRequest{
		Symbol: "BTCUSDT", Side: common.SideBuy, Type: common.OrderTypeMarket, Qty: 0.5,
	})
	if err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}
	if res.ExchangeOrderID != "42" || res.Status != common.StatusFilled {
		t.Errorf("unexpected result %+v", res)
	}
	if res.AvgPrice != 101 {
		t.Errorf("AvgPrice=%v, expected 101", res.AvgPrice)
	}
}

func TestSubmitOrderRequiresCredentials(t *testing.T) {
	c := New(Config{})
	if _, err := c.SubmitOrder(context.Background(), common.OrderRequest{}); err != ErrCredentialsRequired {
		t.Fatalf("expected ErrCredentialsRequired, got %v", err)
	}
	if err := c.CancelOrder(context.Background(), "BTCUSDT", "1"); err != ErrCredentialsRequired {
		t.Fatalf("expected ErrCredentialsRequired, got %v", err)
	}
}

func TestParseExecutionReport(t *testing.T) {
	tests := []struct {
		name string
		msg  string
		ok   bool
		want common.OrderUpdate
	}{
		{
			name: "partial trade",
			msg:  `{"e":"executionReport","E":1,"s":"BTCUSDT","S":"BUY","x":"TRADE","X":"PARTIALLY_FILLED","i":7,"c":"q-1","l":"0.1","L":"100","z":"0.1","n":"0"}`,
			ok:   true,
			want: common.OrderUpdate{ExchangeOrderID: "7", ClientID: "q-1", Symbol: "BTCUSDT", Side: common.SideBuy, Status: common.StatusPartial, FilledQty: 0.1, LastQty: 0.1, LastPrice: 100},
		},
		{name: "new ack ignored", msg: `{"e":"executionReport","x":"NEW","X":"NEW","i":7}`},
		{name: "account update ignored", msg: `{"e":"outboundAccountPosition"}`},
		{name: "numeric event type", msg: `{"e":5}`},
		{name: "garbage", msg: `not json`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parseExecutionReport([]byte(tt.msg))
			if ok != tt.ok {
				t.Fatalf("ok=%v, expected %v", ok, tt.ok)
			}
			if !ok {
				return
			}
			got.EventTime = time.Time{}
			if got != tt.want {
				t.Errorf("got %+v, expected %+v", got, tt.want)
			}
		})
	}
}

func TestSubscribeOrderUpdates(t *testing.T) {
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/userDataStream", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"listenKey":"lk"}`))
	})
	mux.HandleFunc("/ws/lk", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte(`{"e":"executionReport","s":"BTCUSDT","S":"SELL","x":"TRADE","X":"FILLED","i":9,"l":"1","L":"101","z":"1"}`))
		// hold the connection until the client goes away
		conn.ReadMessage()
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(Config{
		APIKey:    "key",
		APISecret: "secret",
		BaseURL:   srv.URL,
		StreamURL: "ws" + strings.TrimPrefix(srv.URL, "http"),
	})
	ctx, cancel := context.WithCancel(context.Background())
	updates, err := c.SubscribeOrderUpdates(ctx)
	if err != nil {
		t.Fatalf("SubscribeOrderUpdates: %v", err)
	}

	select {
	case upd := <-updates:
		if upd.ExchangeOrderID != "9" || upd.Status != common.StatusFilled || upd.Side != common.SideSell {
			t.Errorf("unexpected update %+v", upd)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for order update")
	}

	cancel()
	select {
	case _, open := <-updates:
		if open {
			t.Error("expected channel to close after cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
}
