package dashboard

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/awray/market_sentry/internal/broker"
	"github.com/awray/market_sentry/internal/models"
	"github.com/awray/market_sentry/internal/state"
)

type fakeBroker struct {
	snapshot *models.Snapshot
}

func (f *fakeBroker) GetPortfolio(ctx context.Context) (*models.Snapshot, error) {
	return f.snapshot, nil
}

func (f *fakeBroker) SubmitOrder(ctx context.Context, req broker.OrderRequest) (*broker.OrderResult, error) {
	return nil, nil
}

func (f *fakeBroker) GetOpenOrders(ctx context.Context) ([]broker.OpenOrder, error) { return nil, nil }
func (f *fakeBroker) CancelOrder(ctx context.Context, orderID string) error         { return nil }

func newTestServer(t *testing.T, authToken string) *Server {
	t.Helper()
	st, err := state.NewStore(t.TempDir(), log.New(io.Discard, "", 0))
	require.NoError(t, err)

	snap := &models.Snapshot{
		Cash: 5000,
		Positions: []models.Position{
			{Ticker: "AAPL", Quantity: 10, AvgCost: 150, CurrentPrice: 160},
		},
	}
	snap.RecomputeTotal()

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewServer(Config{Port: 0, AuthToken: authToken}, st, &fakeBroker{snapshot: snap}, logger)
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t, "")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestPortfolioEndpoint(t *testing.T) {
	s := newTestServer(t, "")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/portfolio", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var snap models.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, 5000.0, snap.Cash)
	require.Len(t, snap.Positions, 1)
	assert.Equal(t, "AAPL", snap.Positions[0].Ticker)
}

func TestAuthRequired(t *testing.T) {
	s := newTestServer(t, "secret")

	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/state", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "missing token must be rejected")

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/state", nil)
	req.Header.Set("X-Auth-Token", "secret")
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/state?token=secret", nil))
	assert.Equal(t, http.StatusOK, rec.Code, "query token must also be accepted")
}

func TestHealthExemptFromAuth(t *testing.T) {
	s := newTestServer(t, "secret")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAlertsEndpointListsPending(t *testing.T) {
	s := newTestServer(t, "")
	require.NoError(t, s.store.WriteAlert(state.AlertDiscovery, "DISCOVERY", map[string]any{"cash": 5000}))

	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/alerts", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var alerts map[string]state.Alert
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &alerts))
	require.Contains(t, alerts, state.AlertDiscovery)
	assert.Equal(t, "DISCOVERY", alerts[state.AlertDiscovery].AlertType)
}
