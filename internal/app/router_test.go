package app

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/carbontrack/carbontrack/internal/ledger"
	"github.com/carbontrack/carbontrack/internal/ledger/simulated"
	"github.com/carbontrack/carbontrack/internal/observability"
)

func newTestRouter(t *testing.T, cfg *Config) http.Handler {
	t.Helper()
	chain := simulated.New(simulated.Options{ChainID: 43113, ContractAddress: simulatedContract})
	return NewRouter(RouterParams{
		Config:        cfg,
		Metrics:       observability.NewMetrics(),
		LedgerHandler: ledger.NewHandler(nil, chain),
	})
}

func TestRouterHealthAndMetrics(t *testing.T) {
	r := newTestRouter(t, nil)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
	require.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))

	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), "carbontrack_http_requests_total")
}

func TestRouterLedgerStatus(t *testing.T) {
	r := newTestRouter(t, nil)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/ledger/", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, simulatedContract, body["contract_address"])
}

func TestActorMiddlewareRejectsMalformedWallet(t *testing.T) {
	r := newTestRouter(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(WalletHeader, "not-a-wallet")
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestRateLimitPerWallet(t *testing.T) {
	r := newTestRouter(t, &Config{AppRateLimit: 2})
	wallet := "0x" + strings.Repeat("ab", 20)
	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.Header.Set(WalletHeader, wallet)
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, req)
		codes = append(codes, rr.Code)
	}
	require.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestNewLoggerFormats(t *testing.T) {
	var buf bytes.Buffer
	newLogger(&Config{LogFormat: "json", LogLevel: "warn"}, &buf).Info("hidden")
	require.Empty(t, buf.String())

	newLogger(&Config{LogFormat: "json", LogLevel: "debug"}, &buf).Debug("shown")
	require.Contains(t, buf.String(), `"msg":"shown"`)

	buf.Reset()
	newLogger(&Config{LogFormat: "pretty", AppEnv: "production"}, &buf).Info("plain")
	require.Contains(t, buf.String(), "plain")
	require.NotContains(t, buf.String(), "\x1b[")
}
