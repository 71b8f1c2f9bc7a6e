package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/bracketd/internal/auth"
	"github.com/ksred/bracketd/internal/config"
	"github.com/ksred/bracketd/internal/exchange/exchangetest"
	"github.com/ksred/bracketd/internal/ledger/ledgertest"
	"github.com/ksred/bracketd/internal/notifier/notifiertest"
	"github.com/ksred/bracketd/internal/paper"
	"github.com/ksred/bracketd/internal/supervisor"
	"github.com/ksred/bracketd/internal/trading"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedHealth supervisor.Status

func (h fixedHealth) Status() supervisor.Status { return supervisor.Status(h) }

func newTestServer(t *testing.T, health HealthReporter) (*Server, *auth.Service) {
	gin.SetMode(gin.TestMode)
	store := ledgertest.NewStore(t)
	ledgertest.SeedAsset(t, store, "BTCUSDT", 100)
	ledgertest.SeedLedger(t, store, 10000, 3)
	n := &notifiertest.Recorder{}
	client := &exchangetest.Client{}

	authSvc := auth.NewService("secret", time.Hour)
	authSvc.RegisterOperator("ops", "hunter2")
	tradingSvc := trading.NewService(store, client, n, config.Default().Trading, time.Second)

	srv := NewServer(":0", Deps{
		Auth:    authSvc,
		Trading: trading.NewGinHandlers(tradingSvc, store),
		Paper:   paper.NewGinHandlers(paper.NewService(store, n), store),
		Health:  health,
	})
	return srv, authSvc
}

func do(t *testing.T, h http.Handler, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestTokenThenOpenPaperPosition(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	h := srv.Handler()

	w := do(t, h, http.MethodPost, "/api/v1/auth/token", "", auth.Credentials{APIKey: "ops", APISecret: "hunter2"})
	require.Equal(t, http.StatusCreated, w.Code)
	var tokenResp struct {
		Data auth.TokenResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &tokenResp))

	open := paper.OpenRequest{Symbol: "BTCUSDT", Quantity: 1, Side: "BUY", TakeProfitPct: 2, StopLossPct: 1}
	w = do(t, h, http.MethodPost, "/api/v1/paper/positions", "", open)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, h, http.MethodPost, "/api/v1/paper/positions", tokenResp.Data.Token, open)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"venue":"PAPER"`)

	w = do(t, h, http.MethodGet, "/api/v1/paper/ledger", tokenResp.Data.Token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"active_positions":1`)

	w = do(t, h, http.MethodGet, "/api/v1/positions?venue=paper", tokenResp.Data.Token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"symbol":"BTCUSDT"`)
}

func TestReadTokenCannotTrade(t *testing.T) {
	srv, authSvc := newTestServer(t, nil)
	tok, err := authSvc.IssueToken("viewer", auth.PermRead)
	require.NoError(t, err)

	w := do(t, srv.Handler(), http.MethodPost, "/api/v1/paper/positions", tok.Token,
		paper.OpenRequest{Symbol: "BTCUSDT", Quantity: 1, Side: "BUY", TakeProfitPct: 2, StopLossPct: 1})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(t, srv.Handler(), http.MethodGet, "/api/v1/assets", tok.Token, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHealthz(t *testing.T) {
	tests := []struct {
		name   string
		health HealthReporter
		code   int
	}{
		{"no transport", nil, http.StatusOK},
		{"healthy", fixedHealth{Healthy: true}, http.StatusOK},
		{"degraded", fixedHealth{LastError: "closed", Attempts: 2}, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newTestServer(t, tt.health)
			w := do(t, srv.Handler(), http.MethodGet, "/healthz", "", nil)
			assert.Equal(t, tt.code, w.Code)
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	w := do(t, srv.Handler(), http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
