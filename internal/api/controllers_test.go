package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"overwatch/internal/auth"
	"overwatch/internal/enrich"
	"overwatch/internal/events"
	"overwatch/internal/ingest"
	"overwatch/internal/live"
	"overwatch/internal/metrics"
	"overwatch/internal/monitor"
	"overwatch/pkg/db"
	"overwatch/pkg/logger"
	"overwatch/pkg/oracle"
)

const (
	testJWTSecret = "test-secret"
	testBotSecret = "2f1c6a0e-8f5e-4b4c-9a57-1c0d9c1e9a11"
)

type testEnv struct {
	server  *httptest.Server
	db      *db.Database
	bot     *db.Bot
	engine  *enrich.Engine
	token   string
	cleanup func()
}

func newTestAPIServer(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	priceFeed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("currency") {
		case "BTC":
			fmt.Fprint(w, `{"aggregated_usd_price": 50000, "number_of_days": {"1": {"movement_factor": 1.1}}}`)
		case "NBT":
			fmt.Fprint(w, `{"aggregated_usd_price": 1}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))

	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}

	bot := &db.Bot{
		OwnerID:       "owner-1",
		Name:          "Alpha",
		Exchange:      "Bittrex",
		Market:        "NBT/BTC",
		Active:        true,
		Fee:           0.5,
		BasePriceURL:  priceFeed.URL,
		QuotePriceURL: priceFeed.URL,
		APISecret:     testBotSecret,
	}
	if _, err := database.CreateBot(context.Background(), bot); err != nil {
		t.Fatalf("CreateBot: %v", err)
	}

	log := logger.Discard()
	bus := events.NewBus()
	sys := monitor.NewSystemMetrics()
	prom := monitor.NewPromMetrics(prometheus.NewRegistry())
	prices := oracle.NewClient(time.Second, time.Minute, log)

	engine := enrich.NewEngine(database, prices, enrich.Options{Workers: 2, QueueSize: 64, Log: log, Metrics: sys, Prom: prom})
	metricsEngine := metrics.NewEngine(database, prices, engine, log)
	fanout := live.NewFanout(bus, database, metricsEngine, prom, log)
	engine.SetCommitter(fanout)
	ingestSvc := ingest.NewService(database, auth.NewGate(database), engine, fanout, log)
	ingestSvc.SetMetrics(sys, prom)

	server := NewServer(Deps{
		Bus:        bus,
		DB:         database,
		Ingest:     ingestSvc,
		Metrics:    metricsEngine,
		Live:       fanout,
		Queue:      engine.Queue(),
		SysMetrics: sys,
		Prom:       prom,
	}, Options{JWTSecret: testJWTSecret, RateLimitRPS: 1000, RateLimitBurst: 1000, Log: log})

	httpServer := httptest.NewServer(server.Router)
	token, err := GenerateToken("owner-1", testJWTSecret, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	return &testEnv{
		server: httpServer,
		db:     database,
		bot:    bot,
		engine: engine,
		token:  token,
		cleanup: func() {
			httpServer.Close()
			priceFeed.Close()
			_ = database.Close()
		},
	}
}

func doJSONRequest(t *testing.T, client *http.Client, method, url, token string, payload any, out any) int {
	t.Helper()

	var buf bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&buf).Encode(payload); err != nil {
			t.Fatalf("encode payload: %v", err)
		}
	}

	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp.StatusCode
}

// signed builds a push body for the test bot.
func signed(nonce int64, fields map[string]any) map[string]any {
	body := map[string]any{
		"name":     "alpha",
		"exchange": "bittrex",
		"nonce":    nonce,
		"hash":     auth.Sign(testBotSecret, "alpha", "bittrex", nonce),
	}
	for k, v := range fields {
		body[k] = v
	}
	return body
}

type errorResp struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

func TestPushAuthFailures(t *testing.T) {
	env := newTestAPIServer(t)
	defer env.cleanup()
	client := env.server.Client()
	url := env.server.URL + "/bot/heartbeat"

	var resp errorResp
	if status := doJSONRequest(t, client, http.MethodPost, url, "", signed(5, nil), nil); status != http.StatusCreated {
		t.Fatalf("expected 201, got %d", status)
	}

	status := doJSONRequest(t, client, http.MethodPost, url, "", signed(5, nil), &resp)
	if status != http.StatusUnauthorized || resp.Error != auth.ErrNonceReplay.Error() {
		t.Fatalf("expected replay, got status=%d resp=%+v", status, resp)
	}

	bad := signed(6, nil)
	bad["hash"] = strings.Repeat("0", 64)
	status = doJSONRequest(t, client, http.MethodPost, url, "", bad, &resp)
	if status != http.StatusUnauthorized || resp.Code != "HASH_MISMATCH" {
		t.Fatalf("expected hash mismatch, got status=%d resp=%+v", status, resp)
	}

	stored, err := env.db.GetBot(context.Background(), env.bot.ID)
	if err != nil {
		t.Fatalf("GetBot: %v", err)
	}
	if stored.LastNonce != 6 {
		t.Fatalf("expected nonce 6 burned by failed hash, got %d", stored.LastNonce)
	}

	junk := signed(7, nil)
	junk["nonce"] = "seven"
	status = doJSONRequest(t, client, http.MethodPost, url, "", junk, &resp)
	if status != http.StatusBadRequest || resp.Error != auth.ErrInvalidNonceFormat.Error() {
		t.Fatalf("expected invalid nonce, got status=%d resp=%+v", status, resp)
	}

	ghost := signed(8, map[string]any{"name": "ghost"})
	status = doJSONRequest(t, client, http.MethodPost, url, "", ghost, &resp)
	if status != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown bot, got %d", status)
	}
}

func TestPushDuplicateTrade(t *testing.T) {
	env := newTestAPIServer(t)
	defer env.cleanup()
	client := env.server.Client()
	url := env.server.URL + "/bot/trades"

	trade := map[string]any{"trade_id": "x-1", "trade_type": "buy", "price": 0.00001, "amount": 10, "total": 0.0001}
	if status := doJSONRequest(t, client, http.MethodPost, url, "", signed(1, trade), nil); status != http.StatusCreated {
		t.Fatalf("expected 201, got %d", status)
	}
	var resp errorResp
	status := doJSONRequest(t, client, http.MethodPost, url, "", signed(2, trade), &resp)
	if status != http.StatusConflict || resp.Code != "DUPLICATE_TRADE" {
		t.Fatalf("expected 409, got status=%d resp=%+v", status, resp)
	}
}

func TestPushBalanceRequiresNativeAmounts(t *testing.T) {
	env := newTestAPIServer(t)
	defer env.cleanup()
	client := env.server.Client()
	url := env.server.URL + "/bot/balances"

	var resp errorResp
	partial := map[string]any{"bid_available": 1, "ask_available": 2, "ask_on_order": 0}
	status := doJSONRequest(t, client, http.MethodPost, url, "", signed(1, partial), &resp)
	if status != http.StatusBadRequest || resp.Code != "INVALID_PAYLOAD" {
		t.Fatalf("expected 400, got status=%d resp=%+v", status, resp)
	}

	full := map[string]any{"bid_available": 1, "ask_available": 2, "bid_on_order": 0, "ask_on_order": 0}
	if status := doJSONRequest(t, client, http.MethodPost, url, "", signed(2, full), nil); status != http.StatusCreated {
		t.Fatalf("expected 201, got %d", status)
	}
}

func TestBotConfigPull(t *testing.T) {
	env := newTestAPIServer(t)
	defer env.cleanup()

	var cfg db.BotConfig
	status := doJSONRequest(t, env.server.Client(), http.MethodPost, env.server.URL+"/bot/config", "", signed(1, nil), &cfg)
	if status != http.StatusOK {
		t.Fatalf("config status=%d", status)
	}
	if cfg.Base != "NBT" || cfg.Quote != "BTC" || cfg.Fee != 0.005 {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestDashboardRequiresToken(t *testing.T) {
	env := newTestAPIServer(t)
	defer env.cleanup()
	client := env.server.Client()

	var resp errorResp
	status := doJSONRequest(t, client, http.MethodGet, env.server.URL+"/api/dashboard", "", nil, &resp)
	if status != http.StatusUnauthorized || resp.Code != "MISSING_TOKEN" {
		t.Fatalf("expected 401, got status=%d resp=%+v", status, resp)
	}

	other, _ := GenerateToken("someone-else", testJWTSecret, time.Now().Add(time.Hour))
	url := fmt.Sprintf("%s/api/bots/%d/profit", env.server.URL, env.bot.ID)
	status = doJSONRequest(t, client, http.MethodGet, url, other, nil, &resp)
	if status != http.StatusNotFound {
		t.Fatalf("expected foreign bot to be hidden, got %d", status)
	}

	var profit struct {
		Profit float64 `json:"profit"`
		Days   int     `json:"days"`
	}
	status = doJSONRequest(t, client, http.MethodGet, url+"?days=7", env.token, nil, &profit)
	if status != http.StatusOK || profit.Profit != 0 || profit.Days != 7 {
		t.Fatalf("unexpected profit status=%d resp=%+v", status, profit)
	}

	status = doJSONRequest(t, client, http.MethodGet, url+"?days=0", env.token, nil, &profit)
	if status != http.StatusOK || profit.Profit != 0 || profit.Days != 0 {
		t.Fatalf("unexpected zero-day profit status=%d resp=%+v", status, profit)
	}

	status = doJSONRequest(t, client, http.MethodGet, url+"?days=-1", env.token, nil, &resp)
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400 for days=-1, got %d", status)
	}
}

func TestSpreadWithoutSamples(t *testing.T) {
	env := newTestAPIServer(t)
	defer env.cleanup()

	var resp errorResp
	url := fmt.Sprintf("%s/api/bots/%d/spread", env.server.URL, env.bot.ID)
	status := doJSONRequest(t, env.server.Client(), http.MethodGet, url, env.token, nil, &resp)
	if status != http.StatusNotFound || resp.Code != "NO_PRICE_SAMPLE" {
		t.Fatalf("expected NO_PRICE_SAMPLE, got status=%d resp=%+v", status, resp)
	}
}

func TestProfitChartRejectsBadDays(t *testing.T) {
	env := newTestAPIServer(t)
	defer env.cleanup()

	url := fmt.Sprintf("%s/api/bots/%d/profit_chart", env.server.URL, env.bot.ID)
	if status := doJSONRequest(t, env.server.Client(), http.MethodGet, url+"?days=7,3", env.token, nil, nil); status != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", status)
	}

	var chart metrics.ProfitChart
	status := doJSONRequest(t, env.server.Client(), http.MethodGet, url+"?days=1,3,7", env.token, nil, &chart)
	if status != http.StatusOK || len(chart.Buy) != 3 || len(chart.Sell) != 3 {
		t.Fatalf("unexpected chart status=%d chart=%+v", status, chart)
	}
}

func TestPlacedOrderEnrichedAndPushedLive(t *testing.T) {
	env := newTestAPIServer(t)
	defer env.cleanup()

	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/ws?token=" + env.token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(live.ClientMessage{Type: live.MsgSubscribe, Scope: live.ScopeBot, Bot: env.bot.ID}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	// snapshot replay of the subscribed bot
	var msg struct {
		Type string          `json:"message_type"`
		Bot  int64           `json:"bot"`
		Data json.RawMessage `json:"data"`
	}
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if err := conn.ReadJSON(&msg); err != nil || msg.Type != events.MsgDataUpdate {
		t.Fatalf("expected snapshot data_update, got %+v err=%v", msg, err)
	}

	var created struct {
		ID int64 `json:"id"`
	}
	order := map[string]any{"order_type": "sell", "price": 0.5, "amount": 50}
	status := doJSONRequest(t, env.server.Client(), http.MethodPost, env.server.URL+"/bot/placed_order", "", signed(1, order), &created)
	if status != http.StatusCreated || created.ID == 0 {
		t.Fatalf("placed order status=%d resp=%+v", status, created)
	}

	stored, err := env.db.GetPlacedOrder(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("GetPlacedOrder: %v", err)
	}
	if stored.Updated || stored.PriceUSD != nil {
		t.Fatalf("expected raw record before enrichment, got %+v", stored)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = env.engine.Run(ctx) }()

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read live update: %v", err)
	}
	if msg.Type != events.MsgDataUpdate || msg.Bot != env.bot.ID {
		t.Fatalf("expected data_update for bot %d, got %+v", env.bot.ID, msg)
	}

	stored, err = env.db.GetPlacedOrder(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("GetPlacedOrder: %v", err)
	}
	if !stored.Updated || stored.PriceUSD == nil || *stored.PriceUSD != 25000 {
		t.Fatalf("expected price_usd 25000 after enrichment, got %+v", stored)
	}

	var series metrics.PlacedOrderSeries
	url := fmt.Sprintf("%s/api/bots/%d/placed_orders", env.server.URL, env.bot.ID)
	if status := doJSONRequest(t, env.server.Client(), http.MethodGet, url, env.token, nil, &series); status != http.StatusOK || len(series.Sell) != 1 {
		t.Fatalf("unexpected placed order series status=%d series=%+v", status, series)
	}
}

func TestActivateDeactivate(t *testing.T) {
	env := newTestAPIServer(t)
	defer env.cleanup()

	url := fmt.Sprintf("%s/api/bots/%d/deactivate", env.server.URL, env.bot.ID)
	var resp struct {
		Active bool `json:"active"`
	}
	if status := doJSONRequest(t, env.server.Client(), http.MethodPost, url, env.token, nil, &resp); status != http.StatusOK || resp.Active {
		t.Fatalf("deactivate status=%d resp=%+v", status, resp)
	}
	bot, err := env.db.GetBot(context.Background(), env.bot.ID)
	if err != nil || bot.Active {
		t.Fatalf("expected inactive bot, got %+v err=%v", bot, err)
	}
}

func TestWebsocketRejectsMissingToken(t *testing.T) {
	env := newTestAPIServer(t)
	defer env.cleanup()

	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatalf("expected dial to fail without token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", resp)
	}
}
