package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"trading-control/internal/engine"
	"trading-control/internal/events"
	"trading-control/internal/risk"
	"trading-control/internal/settings"
	"trading-control/pkg/crypto"
	"trading-control/pkg/db"
)

const testSecret = "test-jwt-secret"

type startCall struct {
	kind   engine.Kind
	userID string
	symbol string
	period time.Duration
}

type fakeEngines struct {
	mu      sync.Mutex
	starts  []startCall
	stops   []engine.Kind
	running map[engine.Kind]bool
}

func (f *fakeEngines) start(kind engine.Kind, userID, symbol string, period time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running[kind] {
		return engine.ErrAlreadyRunning
	}
	f.running[kind] = true
	f.starts = append(f.starts, startCall{kind, userID, symbol, period})
	return nil
}

func (f *fakeEngines) stop(kind engine.Kind) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running[kind] = false
	f.stops = append(f.stops, kind)
}

func (f *fakeEngines) status(kind engine.Kind) engine.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return engine.Status{Kind: kind, Running: f.running[kind], HasEngine: f.running[kind]}
}

func (f *fakeEngines) StartAutoTrade(_ context.Context, userID, symbol string, period time.Duration) error {
	return f.start(engine.KindAutoTrade, userID, symbol, period)
}

func (f *fakeEngines) StopAutoTrade(string) {
	f.stop(engine.KindAutoTrade)
}

func (f *fakeEngines) AutoTradeStatus(string) engine.Status {
	return f.status(engine.KindAutoTrade)
}

func (f *fakeEngines) StartQuoting(_ context.Context, userID, symbol string, period time.Duration) error {
	return f.start(engine.KindQuoting, userID, symbol, period)
}

func (f *fakeEngines) StopQuoting(string) {
	f.stop(engine.KindQuoting)
}

func (f *fakeEngines) QuotingStatus(string) engine.Status {
	return f.status(engine.KindQuoting)
}

func (f *fakeEngines) StopAll(string, string) {
	f.stop(engine.KindAutoTrade)
	f.stop(engine.KindQuoting)
}

type fakeRisk struct {
	resumed []string
}

func (f *fakeRisk) State(userID string) (risk.State, bool) {
	return risk.State{UserID: userID, Paused: true, PausedReason: "Trading paused: manual"}, true
}

func (f *fakeRisk) Resume(_ context.Context, userID string) error {
	f.resumed = append(f.resumed, userID)
	return nil
}

type fakeVenues struct{ invalidated []string }

func (f *fakeVenues) Invalidate(userID string) { f.invalidated = append(f.invalidated, userID) }

type testServer struct {
	srv      *Server
	database *db.Database
	engines  *fakeEngines
	risk     *fakeRisk
	venues   *fakeVenues
	queries  *db.UserQueries
	prefs    *settings.Memory
	bus      *events.Bus
}

func newTestServer(t *testing.T, opts ...func(*Options)) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}
	keys, err := crypto.KeyringFromSecret("test-master-key")
	if err != nil {
		t.Fatalf("KeyringFromSecret: %v", err)
	}

	ts := &testServer{
		database: database,
		engines:  &fakeEngines{running: make(map[engine.Kind]bool)},
		risk:     &fakeRisk{},
		venues:   &fakeVenues{},
		queries:  database.Queries(),
		prefs:    settings.NewMemory(),
		bus:      events.NewBus(),
	}
	o := Options{
		Engines:   ts.engines,
		Settings:  ts.prefs,
		Risk:      ts.risk,
		Queries:   ts.queries,
		Keys:      keys,
		Bus:       ts.bus,
		Venues:    ts.venues,
		Gatherer:  prometheus.NewRegistry(),
		JWTSecret: testSecret,
		RateLimit: 1000,
		Burst:     1000,
	}
	for _, fn := range opts {
		fn(&o)
	}
	ts.srv = NewServer(o)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		token, err := generateToken(userID, testSecret, time.Now().Add(time.Hour))
		if err != nil {
			t.Fatalf("generateToken: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	ts.srv.Router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

func TestHealthAndMetricsArePublic(t *testing.T) {
	ts := newTestServer(t)
	for _, path := range []string{"/health", "/metrics"} {
		if w := ts.do(t, http.MethodGet, path, "", nil); w.Code != http.StatusOK {
			t.Errorf("GET %s = %d", path, w.Code)
		}
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	ts := newTestServer(t)
	tests := []struct {
		name   string
		header string
		code   string
	}{
		{"missing", "", "MISSING_TOKEN"},
		{"not bearer", "Basic abc", "INVALID_AUTH_HEADER"},
		{"garbage", "Bearer not-a-jwt", "INVALID_TOKEN"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/settings", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			ts.srv.Router.ServeHTTP(w, req)
			if w.Code != http.StatusUnauthorized {
				t.Fatalf("status=%d", w.Code)
			}
			var body map[string]string
			decode(t, w, &body)
			if body["code"] != tt.code {
				t.Errorf("code=%q, expected %q", body["code"], tt.code)
			}
		})
	}
}

func TestRegisterAndLogin(t *testing.T) {
	ts := newTestServer(t)
	creds := map[string]string{"email": "trader@example.com", "password": "hunter22"}

	if w := ts.do(t, http.MethodPost, "/api/auth/register", "", creds); w.Code != http.StatusCreated {
		t.Fatalf("register=%d %s", w.Code, w.Body.String())
	}
	if w := ts.do(t, http.MethodPost, "/api/auth/register", "", creds); w.Code != http.StatusConflict {
		t.Errorf("duplicate register=%d", w.Code)
	}

	w := ts.do(t, http.MethodPost, "/api/auth/login", "", creds)
	if w.Code != http.StatusOK {
		t.Fatalf("login=%d %s", w.Code, w.Body.String())
	}
	var login map[string]string
	decode(t, w, &login)
	userID, err := parseToken(login["token"], testSecret)
	if err != nil || userID != login["user_id"] {
		t.Errorf("token for %q parsed as %q (%v)", login["user_id"], userID, err)
	}

	bad := map[string]string{"email": "trader@example.com", "password": "wrong"}
	if w := ts.do(t, http.MethodPost, "/api/auth/login", "", bad); w.Code != http.StatusUnauthorized {
		t.Errorf("bad password=%d", w.Code)
	}
}

func TestEngineRoutes(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/api/engines/auto-trade/start", "u1", startEngineRequest{Symbol: "btcusdt", PeriodMs: 2000})
	if w.Code != http.StatusOK {
		t.Fatalf("start=%d %s", w.Code, w.Body.String())
	}
	want := startCall{engine.KindAutoTrade, "u1", "BTCUSDT", 2 * time.Second}
	if got := ts.engines.starts[0]; got != want {
		t.Errorf("start call %+v, expected %+v", got, want)
	}

	w = ts.do(t, http.MethodPost, "/api/engines/auto-trade/start", "u1", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("second start=%d, expected 409", w.Code)
	}

	w = ts.do(t, http.MethodGet, "/api/engines/auto-trade/status", "u1", nil)
	var st engine.Status
	decode(t, w, &st)
	if !st.Running || !st.HasEngine {
		t.Errorf("status %+v", st)
	}

	w = ts.do(t, http.MethodGet, "/api/engines/market-making/status", "u1", nil)
	decode(t, w, &st)
	if st.Running {
		t.Error("market making should be independent")
	}

	ts.do(t, http.MethodPost, "/api/engines/auto-trade/stop", "u1", nil)
	ts.do(t, http.MethodPost, "/api/engines/market-making/stop", "u1", nil)
	if len(ts.engines.stops) != 2 || ts.engines.stops[1] != engine.KindQuoting {
		t.Errorf("stops %v", ts.engines.stops)
	}

	if w := ts.do(t, http.MethodPost, "/api/engines/market-making/start", "u1", startEngineRequest{PeriodMs: -1}); w.Code != http.StatusBadRequest {
		t.Errorf("negative period=%d", w.Code)
	}
}

func TestSettingsRoutes(t *testing.T) {
	ts := newTestServer(t)

	if w := ts.do(t, http.MethodGet, "/api/settings", "u1", nil); w.Code != http.StatusNotFound {
		t.Fatalf("missing settings=%d", w.Code)
	}

	w := ts.do(t, http.MethodPut, "/api/settings", "u1", map[string]any{"symbol": "ethusdt", "enabled": true, "status": "paused"})
	if w.Code != http.StatusOK {
		t.Fatalf("put=%d %s", w.Code, w.Body.String())
	}
	saved, err := ts.prefs.Get(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if saved.Symbol != "ETHUSDT" || !saved.Enabled || saved.QuoteSize != 0.001 {
		t.Errorf("saved %+v", saved)
	}
	if saved.Status != settings.StatusActive {
		t.Errorf("status must not change through settings, got %q", saved.Status)
	}

	w = ts.do(t, http.MethodPut, "/api/settings", "u1", map[string]any{"max_loss_pct": 5})
	if w.Code != http.StatusBadRequest {
		t.Errorf("out of range fraction=%d", w.Code)
	}
}

func TestRiskRoutes(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/api/risk", "u1", nil)
	var body struct {
		Tracked bool       `json:"tracked"`
		State   risk.State `json:"state"`
	}
	decode(t, w, &body)
	if !body.Tracked || !body.State.Paused {
		t.Errorf("risk %+v", body)
	}

	if w := ts.do(t, http.MethodPost, "/api/risk/resume", "u1", nil); w.Code != http.StatusOK {
		t.Fatalf("resume=%d", w.Code)
	}
	if len(ts.risk.resumed) != 1 || ts.risk.resumed[0] != "u1" {
		t.Errorf("resumed %v", ts.risk.resumed)
	}
}

func TestExecutionsAreScopedToUser(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	for i, user := range []string{"u1", "u1", "u2"} {
		rec := db.ExecutionLog{ID: string(rune('a' + i)), UserID: user, Engine: "auto_trade", Symbol: "BTCUSDT", Status: "skipped"}
		if err := db.InsertExecutionLog(ctx, ts.database.DB, rec); err != nil {
			t.Fatalf("InsertExecutionLog: %v", err)
		}
	}

	w := ts.do(t, http.MethodGet, "/api/executions?limit=10", "u1", nil)
	var body struct {
		Executions []db.ExecutionLog `json:"executions"`
	}
	decode(t, w, &body)
	if len(body.Executions) != 2 {
		t.Errorf("u1 sees %d executions, expected 2", len(body.Executions))
	}

	if w := ts.do(t, http.MethodGet, "/api/executions?limit=abc", "u1", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad limit=%d", w.Code)
	}
}

func TestConnectionsSealKeys(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/api/connections", "u1", map[string]any{
		"name": "main", "exchange_type": "binance-spot", "api_key": "plain-key", "api_secret": "plain-secret",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create=%d %s", w.Code, w.Body.String())
	}
	if strings.Contains(w.Body.String(), "plain-") {
		t.Error("response leaked key material")
	}
	if len(ts.venues.invalidated) != 1 {
		t.Error("cached venue should be invalidated")
	}

	conns, err := ts.queries.GetConnectionsByUser(context.Background(), "u1")
	if err != nil || len(conns) != 1 {
		t.Fatalf("stored %d connections (%v)", len(conns), err)
	}
	if !strings.HasPrefix(conns[0].APIKeyEncrypted, "ENC[v1]:") || strings.Contains(conns[0].APISecretEncrypted, "plain") {
		t.Errorf("keys not sealed: %q", conns[0].APIKeyEncrypted)
	}

	w = ts.do(t, http.MethodGet, "/api/connections", "u1", nil)
	var list struct {
		Connections []connectionView `json:"connections"`
	}
	decode(t, w, &list)
	if len(list.Connections) != 1 || list.Connections[0].ExchangeType != "binance-spot" {
		t.Errorf("list %+v", list)
	}

	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing keys", map[string]any{"name": "x", "exchange_type": "binance-spot"}},
		{"unknown exchange", map[string]any{"name": "x", "exchange_type": "kraken"}},
		{"missing name", map[string]any{"exchange_type": "paper"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := ts.do(t, http.MethodPost, "/api/connections", "u1", tt.body); w.Code != http.StatusBadRequest {
				t.Errorf("status=%d", w.Code)
			}
		})
	}
}

func TestRateLimit(t *testing.T) {
	ts := newTestServer(t, func(o *Options) {
		o.RateLimit = 0.001
		o.Burst = 2
	})
	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		codes = append(codes, ts.do(t, http.MethodGet, "/health", "", nil).Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Errorf("codes %v", codes)
	}
}

func TestWebsocketStreamsOwnMessages(t *testing.T) {
	ts := newTestServer(t)
	httpSrv := httptest.NewServer(ts.srv.Router)
	defer httpSrv.Close()

	token, err := generateToken("u1", testSecret, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("generateToken: %v", err)
	}
	url := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	ts.bus.Publish(events.Message{Topic: events.TopicRiskAlert, UserID: "u2"})
	ts.bus.Publish(events.Message{Topic: events.TopicOrderPlaced, UserID: "u1", Symbol: "BTCUSDT"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg events.Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if msg.UserID != "u1" || msg.Topic != events.TopicOrderPlaced {
		t.Errorf("received %+v", msg)
	}

	_, _, err = websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(httpSrv.URL, "http")+"/ws?token=bad", nil)
	if err == nil {
		t.Error("expected handshake failure without a valid token")
	}
}
