package research

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// GRPCClient calls the research service's unary method with
// google.protobuf.Struct request and reply messages.
type GRPCClient struct {
	conn    *grpc.ClientConn
	method  string
	timeout time.Duration
}

var _ Provider = (*GRPCClient)(nil)

func NewGRPCClient(addr, method string, timeout time.Duration, opts ...grpc.DialOption) (*GRPCClient, error) {
	if method == "" {
		method = "/research.Research/Run"
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("research client %s: %w", addr, err)
	}
	return &GRPCClient{conn: conn, method: method, timeout: timeout}, nil
}

func (c *GRPCClient) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func (c *GRPCClient) Run(ctx context.Context, symbol, userID string) (Result, error) {
	req, err := structpb.NewStruct(map[string]any{
		"symbol":  symbol,
		"user_id": userID,
	})
	if err != nil {
		return Result{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, c.method, req, resp); err != nil {
		return Result{}, fmt.Errorf("research %s: %w", symbol, err)
	}
	return FromStruct(symbol, resp)
}
