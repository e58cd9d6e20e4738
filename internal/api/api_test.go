package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"portfolio-orchestrator/internal/broker"
	apperrors "portfolio-orchestrator/internal/errors"
	"portfolio-orchestrator/internal/models"
	"portfolio-orchestrator/internal/orchestrator"
	"portfolio-orchestrator/internal/resilience"
)

func newTestServer(t *testing.T, cfg Config) (*Server, *orchestrator.Orchestrator) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	paper := broker.NewPaperBroker(broker.PaperConfig{Symbols: []string{"AAPL", "MSFT"}, Seed: 7})
	opts := orchestrator.DefaultOptions()
	opts.Runner.Interval = time.Hour
	o, err := orchestrator.New(orchestrator.Deps{Quotes: paper, Orders: paper}, opts, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	paper.OnFill(o.HandleFill)
	ctx, cancel := context.WithCancel(context.Background())
	o.Start(ctx)
	t.Cleanup(func() {
		cancel()
		paper.Close()
		o.Close()
	})

	health := resilience.NewHealthMonitor()
	o.RegisterHealth(health)
	return NewServer(o, health, cfg, zerolog.Nop()), o
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	s.Router.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
	return v
}

func expect(t *testing.T, rr *httptest.ResponseRecorder, code int) {
	t.Helper()
	if rr.Code != code {
		t.Fatalf("status = %d, want %d, body %s", rr.Code, code, rr.Body.String())
	}
}

type errorBody struct {
	Error   string            `json:"error"`
	Kind    string            `json:"kind"`
	Fields  []string          `json:"fields"`
	Reasons map[string]string `json:"reasons"`
	Retry   bool              `json:"retry"`
}

func createPortfolio(t *testing.T, s *Server) models.Portfolio {
	t.Helper()
	rr := do(t, s, http.MethodPost, "/api/portfolios", gin.H{"owner": "alice", "initial_cash": "10000"})
	expect(t, rr, http.StatusCreated)
	return decode[models.Portfolio](t, rr)
}

func createBot(t *testing.T, s *Server, portfolioID, pct string) models.TradingBot {
	t.Helper()
	rr := do(t, s, http.MethodPost, "/api/portfolios/"+portfolioID+"/bots",
		gin.H{"name": "bot", "allocated_percentage": pct})
	expect(t, rr, http.StatusCreated)
	return decode[models.TradingBot](t, rr)
}

func TestBotLifecycleOverHTTP(t *testing.T) {
	s, _ := newTestServer(t, DefaultConfig())
	pf := createPortfolio(t, s)

	bot := createBot(t, s, pf.ID, "40")
	if bot.Status != models.BotStopped || !bot.AllocatedAmount.Equal(bot.Cash) {
		t.Fatalf("unexpected new bot: %+v", bot)
	}

	rr := do(t, s, http.MethodPost, "/api/portfolios/"+pf.ID+"/bots", gin.H{"name": "big", "allocated_percentage": "70"})
	expect(t, rr, http.StatusUnprocessableEntity)
	if body := decode[errorBody](t, rr); body.Kind != string(apperrors.KindInvariant) {
		t.Errorf("kind = %q", body.Kind)
	}

	rr = do(t, s, http.MethodPost, "/api/bots/"+bot.ID+"/start", nil)
	expect(t, rr, http.StatusUnprocessableEntity)

	rr = do(t, s, http.MethodPost, "/api/bots/"+bot.ID+"/algorithms", gin.H{
		"algorithm_name": "trend", "algorithm_type": models.AlgoTrendFollowing, "symbols": []string{"aapl"},
	})
	expect(t, rr, http.StatusCreated)
	algo := decode[models.AlgorithmConfig](t, rr)

	rr = do(t, s, http.MethodPost, "/api/bots/"+bot.ID+"/start", nil)
	expect(t, rr, http.StatusOK)
	if got := decode[models.TradingBot](t, rr); got.Status != models.BotRunning {
		t.Fatalf("status after start = %s", got.Status)
	}

	// A running bot cannot be deleted.
	rr = do(t, s, http.MethodDelete, "/api/bots/"+bot.ID, nil)
	expect(t, rr, http.StatusConflict)

	rr = do(t, s, http.MethodPatch, "/api/algorithms/"+algo.ID+"/parameters", gin.H{"stop_loss": 5.0})
	expect(t, rr, http.StatusBadRequest)
	if body := decode[errorBody](t, rr); len(body.Fields) != 1 || body.Fields[0] != "stop_loss" {
		t.Errorf("fields = %v", body.Fields)
	}

	rr = do(t, s, http.MethodPost, "/api/bots/"+bot.ID+"/stop", nil)
	expect(t, rr, http.StatusOK)

	rr = do(t, s, http.MethodGet, "/api/portfolios/"+pf.ID+"/summary", nil)
	expect(t, rr, http.StatusOK)
	if sum := decode[models.PortfolioSummary](t, rr); sum.BotCount != 1 || sum.TotalAllocated.String() != "40" {
		t.Errorf("summary = %+v", sum)
	}
}

func TestRecordAndSettleExecution(t *testing.T) {
	s, _ := newTestServer(t, DefaultConfig())
	pf := createPortfolio(t, s)
	bot := createBot(t, s, pf.ID, "30")

	rr := do(t, s, http.MethodPost, "/api/bots/"+bot.ID+"/executions", gin.H{
		"execution_type": "buy", "symbol": "msft", "quantity": "10", "price": "100",
	})
	expect(t, rr, http.StatusCreated)
	e := decode[models.BotExecution](t, rr)
	if e.Status != models.ExecutionPending || e.Symbol != "MSFT" {
		t.Fatalf("unexpected execution: %+v", e)
	}

	rr = do(t, s, http.MethodPost, "/api/executions/"+e.ID+"/settle", gin.H{"status": "completed"})
	expect(t, rr, http.StatusOK)

	rr = do(t, s, http.MethodPost, "/api/executions/"+e.ID+"/settle", gin.H{"status": "completed"})
	expect(t, rr, http.StatusUnprocessableEntity)

	rr = do(t, s, http.MethodPost, "/api/bots/"+bot.ID+"/executions", gin.H{
		"execution_type": "sell", "symbol": "MSFT", "quantity": "11", "price": "100",
	})
	expect(t, rr, http.StatusUnprocessableEntity)

	// A buy beyond the bot's cash is rejected at settlement and kept as failed.
	rr = do(t, s, http.MethodPost, "/api/bots/"+bot.ID+"/executions", gin.H{
		"execution_type": "buy", "symbol": "MSFT", "quantity": "100", "price": "100",
		"settlement": gin.H{"status": "completed"},
	})
	expect(t, rr, http.StatusUnprocessableEntity)

	rr = do(t, s, http.MethodGet, "/api/bots/"+bot.ID+"/executions?after=0", nil)
	expect(t, rr, http.StatusOK)
	list := decode[struct {
		Executions []models.BotExecution `json:"executions"`
	}](t, rr)
	if len(list.Executions) != 2 {
		t.Fatalf("executions = %d, want 2", len(list.Executions))
	}
	if list.Executions[1].Status != models.ExecutionFailed {
		t.Errorf("rejected buy status = %s", list.Executions[1].Status)
	}

	rr = do(t, s, http.MethodGet, "/api/bots/"+bot.ID+"/holdings", nil)
	expect(t, rr, http.StatusOK)
	hs := decode[struct {
		Holdings []models.Holding `json:"holdings"`
	}](t, rr)
	if len(hs.Holdings) != 1 || hs.Holdings[0].Quantity.String() != "10" {
		t.Errorf("holdings = %+v", hs.Holdings)
	}
}

func TestBadRequests(t *testing.T) {
	s, _ := newTestServer(t, DefaultConfig())
	pf := createPortfolio(t, s)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		code   int
	}{
		{"missing owner", http.MethodPost, "/api/portfolios", gin.H{"initial_cash": "10"}, http.StatusBadRequest},
		{"negative cash", http.MethodPost, "/api/portfolios", gin.H{"owner": "x", "initial_cash": "-1"}, http.StatusBadRequest},
		{"missing bot name", http.MethodPost, "/api/portfolios/" + pf.ID + "/bots", gin.H{"allocated_percentage": "10"}, http.StatusBadRequest},
		{"unknown portfolio", http.MethodGet, "/api/portfolios/nope", nil, http.StatusNotFound},
		{"unknown bot", http.MethodPost, "/api/bots/nope/start", nil, http.StatusNotFound},
		{"unknown algorithm", http.MethodGet, "/api/algorithms/nope/schema", nil, http.StatusNotFound},
		{"bad settle status", http.MethodPost, "/api/executions/x/settle", gin.H{"status": "done"}, http.StatusBadRequest},
		{"enabled required", http.MethodPut, "/api/algorithms/x/enabled", gin.H{}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(t, s, tt.method, tt.path, tt.body)
			expect(t, rr, tt.code)
		})
	}
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{apperrors.NewValidationError("owner", "", "required"), http.StatusBadRequest},
		{apperrors.ErrBotNotFound, http.StatusNotFound},
		{&apperrors.ConflictError{Key: "bot"}, http.StatusConflict},
		{apperrors.NewFaultError("broker", "down", nil), http.StatusServiceUnavailable},
		{apperrors.ErrOverAllocated, http.StatusUnprocessableEntity},
		{apperrors.ErrInvalidTransition, http.StatusConflict},
		{apperrors.ErrHasOpenHoldings, http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.err), func(t *testing.T) {
			if got := statusOf(tt.err); got != tt.code {
				t.Errorf("statusOf = %d, want %d", got, tt.code)
			}
		})
	}
}

func TestEventReplayIsOrdered(t *testing.T) {
	s, _ := newTestServer(t, DefaultConfig())
	pf := createPortfolio(t, s)
	createBot(t, s, pf.ID, "10")
	createBot(t, s, pf.ID, "20")

	rr := do(t, s, http.MethodGet, "/api/portfolios/"+pf.ID+"/events?after=1&limit=2", nil)
	expect(t, rr, http.StatusOK)
	page := decode[struct {
		Events  []models.Event `json:"events"`
		LastSeq int64          `json:"last_seq"`
	}](t, rr)
	if len(page.Events) != 2 || page.Events[0].Seq != 2 || page.Events[1].Seq != 3 {
		t.Fatalf("events = %+v", page.Events)
	}
	if page.LastSeq != 4 {
		t.Errorf("last_seq = %d, want 4", page.LastSeq)
	}
}

func TestWebsocketReplaysThenStreams(t *testing.T) {
	s, _ := newTestServer(t, DefaultConfig())
	pf := createPortfolio(t, s)
	createBot(t, s, pf.ID, "10")

	srv := httptest.NewServer(s.Router)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?portfolio_id=" + pf.ID + "&after=0"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	read := func() models.Event {
		t.Helper()
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var ev models.Event
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatal(err)
		}
		return ev
	}
	// Bot creation publishes a status change and an allocation change.
	if ev := read(); ev.Seq != 1 || ev.Type != models.EventBotStatusChanged {
		t.Fatalf("first replayed = %+v", ev)
	}
	if ev := read(); ev.Seq != 2 || ev.Type != models.EventAllocationChanged {
		t.Fatalf("second replayed = %+v", ev)
	}

	createBot(t, s, pf.ID, "20")
	if ev := read(); ev.Seq != 3 {
		t.Fatalf("live event seq = %d, want 3", ev.Seq)
	}
	if ev := read(); ev.Seq != 4 {
		t.Fatalf("live event seq = %d, want 4", ev.Seq)
	}
}

func TestRateLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RatePerSecond = 0.001
	cfg.Burst = 2
	s, _ := newTestServer(t, cfg)

	for i := 0; i < 2; i++ {
		expect(t, do(t, s, http.MethodGet, "/api/templates", nil), http.StatusOK)
	}
	expect(t, do(t, s, http.MethodGet, "/api/templates", nil), http.StatusTooManyRequests)
}

func TestHealthzAndTemplates(t *testing.T) {
	s, _ := newTestServer(t, DefaultConfig())

	rr := do(t, s, http.MethodGet, "/healthz", nil)
	expect(t, rr, http.StatusOK)
	if h := decode[resilience.SystemHealth](t, rr); h.Status != resilience.HealthStatusHealthy {
		t.Errorf("health = %s", h.Status)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Error("missing request id header")
	}

	rr = do(t, s, http.MethodGet, "/api/templates?difficulty=beginner", nil)
	expect(t, rr, http.StatusOK)
	list := decode[struct {
		Templates []models.AlgorithmTemplate `json:"templates"`
	}](t, rr)
	if len(list.Templates) == 0 {
		t.Fatal("no beginner templates")
	}
	for _, tpl := range list.Templates {
		if tpl.Difficulty != "beginner" {
			t.Errorf("template %s difficulty %s", tpl.Name, tpl.Difficulty)
		}
	}
}
