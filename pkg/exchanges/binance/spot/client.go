package spot

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"trading-control/pkg/exchanges/common"
)

var ErrCredentialsRequired = errors.New("binance: API key/secret required")

// Config holds Binance credentials and endpoint overrides.
type Config struct {
	APIKey     string
	APISecret  string
	Testnet    bool
	RecvWindow int64  // ms
	BaseURL    string // REST override (tests)
	StreamURL  string // websocket override (tests)
}

// Client is a Binance spot client scoped to one account.
type Client struct {
	cfg         Config
	baseURL     string
	streamURL   string
	httpClient  *http.Client
	rateLimiter *common.RateLimiter
}

var _ common.Exchange = (*Client)(nil)
var _ common.BalanceReader = (*Client)(nil)

func New(cfg Config) *Client {
	base, stream := "https://api.binance.com", "wss://stream.binance.com:9443"
	if cfg.Testnet {
		base, stream = "https://testnet.binance.vision", "wss://testnet.binance.vision"
	}
	if cfg.BaseURL != "" {
		base = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.StreamURL != "" {
		stream = strings.TrimRight(cfg.StreamURL, "/")
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 5000
	}
	return &Client{
		cfg:        cfg,
		baseURL:    base,
		streamURL:  stream,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		// 6000 weight/min for spot; pace at 20 req/s.
		rateLimiter: common.NewRateLimiter(20, 10, 6000, time.Minute),
	}
}

// GetOrderbook returns a depth snapshot (public endpoint).
func (c *Client) GetOrderbook(ctx context.Context, symbol string, depth int) (common.Orderbook, error) {
	if depth <= 0 {
		depth = 5
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("limit", strconv.Itoa(depthLimit(depth)))

	body, err := c.do(ctx, http.MethodGet, "/api/v3/depth", params, false)
	if err != nil {
		return common.Orderbook{}, err
	}
	var resp struct {
		Bids [][2]string `json:"bids"`
		Asks [][2]string `json:"asks"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return common.Orderbook{}, fmt.Errorf("decode depth: %w", err)
	}
	return common.Orderbook{
		Symbol: symbol,
		Bids:   toLevels(resp.Bids, depth),
		Asks:   toLevels(resp.Asks, depth),
		Time:   time.Now(),
	}, nil
}

func (c *Client) SubmitOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return common.OrderResult{}, ErrCredentialsRequired
	}
	ordType := req.Type
	if ordType == "" {
		ordType = common.OrderTypeLimit
	}

	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", string(req.Side))
	params.Set("type", string(ordType))
	params.Set("quantity", formatFloat(req.Qty))
	params.Set("newOrderRespType", "FULL")
	switch ordType {
	case common.OrderTypeLimit:
		params.Set("price", formatFloat(req.Price))
		tif := req.TimeInForce
		if tif == "" {
			tif = common.TIFGTC
		}
		params.Set("timeInForce", string(tif))
	case common.OrderTypeLimitMaker:
		params.Set("price", formatFloat(req.Price))
	}
	if req.ClientID != "" {
		params.Set("newClientOrderId", req.ClientID)
	}

	body, err := c.do(ctx, http.MethodPost, "/api/v3/order", params, true)
	if err != nil {
		return common.OrderResult{}, err
	}
	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return common.OrderResult{}, fmt.Errorf("decode order response: %w", err)
	}
	return resp.toResult(), nil
}

func (c *Client) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return ErrCredentialsRequired
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", exchangeOrderID)
	_, err := c.do(ctx, http.MethodDelete, "/api/v3/order", params, true)
	return err
}

// AccountInfo holds balances and permissions.
type AccountInfo struct {
	CanTrade   bool      `json:"canTrade"`
	UpdateTime int64     `json:"updateTime"`
	Balances   []Balance `json:"balances"`
}

// Balance represents an asset balance.
type Balance struct {
	Asset  string `json:"asset"`
	Free   string `json:"free"`
	Locked string `json:"locked"`
}

// GetAccountInfo returns account balances and basic flags.
func (c *Client) GetAccountInfo(ctx context.Context) (*AccountInfo, error) {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return nil, ErrCredentialsRequired
	}
	body, err := c.do(ctx, http.MethodGet, "/api/v3/account", url.Values{}, true)
	if err != nil {
		return nil, err
	}
	var info AccountInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("decode account info: %w", err)
	}
	return &info, nil
}

// GetBalance returns free + locked of asset.
func (c *Client) GetBalance(ctx context.Context, asset string) (float64, error) {
	info, err := c.GetAccountInfo(ctx)
	if err != nil {
		return 0, err
	}
	for _, b := range info.Balances {
		if strings.EqualFold(b.Asset, asset) {
			return toFloat(b.Free) + toFloat(b.Locked), nil
		}
	}
	return 0, nil
}

// do performs a request; signed requests carry timestamp, recvWindow and signature.
func (c *Client) do(ctx context.Context, method, path string, params url.Values, signed bool) ([]byte, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, err
	}
	if signed {
		params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
		params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
		params.Set("signature", sign(params.Encode(), c.cfg.APISecret))
	}

	endpoint := c.baseURL + path
	encoded := params.Encode()
	var (
		req *http.Request
		err error
	)
	switch method {
	case http.MethodGet, http.MethodDelete:
		req, err = http.NewRequestWithContext(ctx, method, endpoint+"?"+encoded, nil)
	default:
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(encoded))
		if req != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, err
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	c.rateLimiter.UpdateFromHeader(res.Header.Get("X-MBX-USED-WEIGHT-1M"))

	body, _ := io.ReadAll(res.Body)
	if res.StatusCode >= 300 {
		return nil, fmt.Errorf("binance %s %s status %d: %s", method, path, res.StatusCode, string(body))
	}
	return body, nil
}

type orderResponse struct {
	Symbol              string `json:"symbol"`
	OrderID             int64  `json:"orderId"`
	ClientOrderID       string `json:"clientOrderId"`
	TransactTime        int64  `json:"transactTime"`
	Status              string `json:"status"`
	ExecutedQty         string `json:"executedQty"`
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
}

func (r orderResponse) toResult() common.OrderResult {
	filled := toFloat(r.ExecutedQty)
	var avg float64
	if filled > 0 {
		avg = toFloat(r.CummulativeQuoteQty) / filled
	}
	return common.OrderResult{
		ExchangeOrderID: strconv.FormatInt(r.OrderID, 10),
		ClientID:        r.ClientOrderID,
		Status:          mapStatus(r.Status),
		FilledQty:       filled,
		AvgPrice:        avg,
		TransactTime:    time.UnixMilli(r.TransactTime),
	}
}

func mapStatus(s string) common.OrderStatus {
	switch strings.ToUpper(s) {
	case "NEW":
		return common.StatusNew
	case "PARTIALLY_FILLED":
		return common.StatusPartial
	case "FILLED":
		return common.StatusFilled
	case "CANCELED":
		return common.StatusCanceled
	case "REJECTED":
		return common.StatusRejected
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return common.StatusExpired
	default:
		return common.StatusUnknown
	}
}

// depthLimit rounds up to a limit value the depth endpoint accepts.
func depthLimit(depth int) int {
	for _, l := range []int{5, 10, 20, 50, 100, 500, 1000, 5000} {
		if depth <= l {
			return l
		}
	}
	return 5000
}

func toLevels(raw [][2]string, depth int) []common.BookLevel {
	if len(raw) > depth {
		raw = raw[:depth]
	}
	out := make([]common.BookLevel, 0, len(raw))
	for _, lv := range raw {
		out = append(out, common.BookLevel{Price: toFloat(lv[0]), Qty: toFloat(lv[1])})
	}
	return out
}

func sign(data, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func toFloat(v string) float64 {
	f, _ := strconv.ParseFloat(v, 64)
	return f
}
