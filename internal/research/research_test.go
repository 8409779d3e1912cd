package research

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

func TestFromStruct(t *testing.T) {
	tests := []struct {
		name     string
		fields   map[string]any
		signal   string
		accuracy float64
		wantErr  bool
	}{
		{"accuracy fraction", map[string]any{"signal": "buy", "accuracy": 0.9}, SignalBuy, 0.9, false},
		{"probability percent", map[string]any{"signal": "SELL", "probability": 72.0}, SignalSell, 0.72, false},
		{"confidence fallback", map[string]any{"signal": "HOLD", "confidence": 0.4}, SignalHold, 0.4, false},
		{"accuracy wins over confidence", map[string]any{"signal": "BUY", "accuracy": 0.6, "confidence": 0.99}, SignalBuy, 0.6, false},
		{"probabilities map", map[string]any{"signal": "BUY", "probabilities": map[string]any{"BUY": 0.81, "SELL": 0.1, "HOLD": 0.09}}, SignalBuy, 0.81, false},
		{"action alias", map[string]any{"action": "sell", "accuracy": 0.5}, SignalSell, 0.5, false},
		{"missing signal", map[string]any{"accuracy": 0.9}, "", 0, true},
		{"unknown signal", map[string]any{"signal": "MOON", "accuracy": 0.9}, "", 0, true},
		{"accuracy out of range", map[string]any{"signal": "BUY", "accuracy": 250.0}, "", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := structpb.NewStruct(tt.fields)
			if err != nil {
				t.Fatalf("NewStruct: %v", err)
			}
			res, err := FromStruct("BTCUSDT", s)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidResponse) {
					t.Fatalf("expected ErrInvalidResponse, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("FromStruct: %v", err)
			}
			if res.Signal != tt.signal || res.Accuracy != tt.accuracy || res.Symbol != "BTCUSDT" {
				t.Errorf("got %+v, expected signal=%s accuracy=%v", res, tt.signal, tt.accuracy)
			}
		})
	}
}

func TestGRPCClientRun(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	var gotMethod string
	srv := grpc.NewServer(grpc.UnknownServiceHandler(func(_ any, stream grpc.ServerStream) error {
		gotMethod, _ = grpc.MethodFromServerStream(stream)
		in := &structpb.Struct{}
		if err := stream.RecvMsg(in); err != nil {
			return err
		}
		out, _ := structpb.NewStruct(map[string]any{
			"symbol":              in.Fields["symbol"].GetStringValue(),
			"signal":              "BUY",
			"accuracy":            0.91,
			"orderbook_imbalance": 0.3,
			"recommended_action":  "enter_long",
		})
		return stream.SendMsg(out)
	}))
	go srv.Serve(lis)
	defer srv.Stop()

	client, err := NewGRPCClient("passthrough:///bufnet", "", time.Second,
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	if err != nil {
		t.Fatalf("NewGRPCClient: %v", err)
	}
	defer client.Close()

	res, err := client.Run(context.Background(), "ETHUSDT", "u1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if gotMethod != "/research.Research/Run" {
		t.Errorf("method=%q", gotMethod)
	}
	if res.Symbol != "ETHUSDT" || res.Signal != SignalBuy || res.Accuracy != 0.91 ||
		res.OrderbookImbalance != 0.3 || res.RecommendedAction != "enter_long" {
		t.Errorf("unexpected result %+v", res)
	}
}
