package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dlmm-labs/rebalancer/internal/analyzer"
	"github.com/dlmm-labs/rebalancer/internal/chaindata"
	"github.com/dlmm-labs/rebalancer/internal/state"
	"github.com/dlmm-labs/rebalancer/internal/stoploss"
	"github.com/dlmm-labs/rebalancer/internal/txqueue"
	"github.com/dlmm-labs/rebalancer/internal/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeQueue struct {
	getFn     func(ctx context.Context, id string) (*types.PendingTransaction, error)
	listFn    func(ctx context.Context, wallet string) ([]types.PendingTransaction, error)
	approveFn func(ctx context.Context, id string) (*types.PendingTransaction, error)
	rejectFn  func(ctx context.Context, id string) (*types.PendingTransaction, error)
	executeFn func(ctx context.Context, id string, payload []byte) (*types.PendingTransaction, error)
}

func (f *fakeQueue) Get(ctx context.Context, id string) (*types.PendingTransaction, error) {
	return f.getFn(ctx, id)
}

func (f *fakeQueue) ListPending(ctx context.Context, wallet string) ([]types.PendingTransaction, error) {
	return f.listFn(ctx, wallet)
}

func (f *fakeQueue) Approve(ctx context.Context, id string) (*types.PendingTransaction, error) {
	return f.approveFn(ctx, id)
}

func (f *fakeQueue) Reject(ctx context.Context, id string) (*types.PendingTransaction, error) {
	return f.rejectFn(ctx, id)
}

func (f *fakeQueue) Execute(ctx context.Context, id string, payload []byte) (*types.PendingTransaction, error) {
	return f.executeFn(ctx, id, payload)
}

type fakeStopLoss struct {
	setFn func(ctx context.Context, cfg types.StopLossConfig) error
	getFn func(ctx context.Context, position string) (*types.StopLossConfig, error)
}

func (f *fakeStopLoss) SetConfig(ctx context.Context, cfg types.StopLossConfig) error {
	return f.setFn(ctx, cfg)
}

func (f *fakeStopLoss) GetConfig(ctx context.Context, position string) (*types.StopLossConfig, error) {
	return f.getFn(ctx, position)
}

type fakeAnalytics struct {
	volFn       func(ctx context.Context, pool string) (types.VolatilityMetrics, error)
	ilFn        func(ctx context.Context, position string) (types.ILBreakdown, error)
	rebalanceFn func(ctx context.Context, position string) (*types.PendingTransaction, error)
}

func (f *fakeAnalytics) PoolVolatility(ctx context.Context, pool string) (types.VolatilityMetrics, error) {
	return f.volFn(ctx, pool)
}

func (f *fakeAnalytics) PositionIL(ctx context.Context, position string) (types.ILBreakdown, error) {
	return f.ilFn(ctx, position)
}

func (f *fakeAnalytics) RebalanceNow(ctx context.Context, position string) (*types.PendingTransaction, error) {
	return f.rebalanceFn(ctx, position)
}

type fakeAlerts struct {
	listFn func(ctx context.Context, unreadOnly bool, limit int) ([]types.Alert, error)
	readFn func(ctx context.Context, id string) error
}

func (f *fakeAlerts) ListAlerts(ctx context.Context, unreadOnly bool, limit int) ([]types.Alert, error) {
	return f.listFn(ctx, unreadOnly, limit)
}

func (f *fakeAlerts) MarkAlertRead(ctx context.Context, id string) error {
	return f.readFn(ctx, id)
}

type serverFixture struct {
	server    *WebServer
	queue     *fakeQueue
	stopLoss  *fakeStopLoss
	analytics *fakeAnalytics
	alerts    *fakeAlerts
}

func newServerFixture() *serverFixture {
	f := &serverFixture{
		queue:     &fakeQueue{},
		stopLoss:  &fakeStopLoss{},
		analytics: &fakeAnalytics{},
		alerts:    &fakeAlerts{},
	}
	f.server = NewWebServer("0", f.queue, f.stopLoss, f.analytics, f.alerts, nil, prometheus.NewRegistry())
	return f
}

func (f *serverFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	f.server.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func pendingTx(id string) *types.PendingTransaction {
	return &types.PendingTransaction{
		ID:              id,
		Type:            types.TxTypeRebalance,
		PositionAddress: "pos-1",
		WalletAddress:   "wallet-1",
		Status:          types.TxPending,
		CreatedAt:       time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC),
		ExpiresAt:       time.Date(2026, 2, 2, 10, 0, 0, 0, time.UTC),
	}
}

func TestHealth(t *testing.T) {
	f := newServerFixture()

	rec := f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "OK", body["status"])
	assert.Equal(t, true, body["database_healthy"])
}

func TestListTransactions(t *testing.T) {
	f := newServerFixture()
	f.queue.listFn = func(_ context.Context, wallet string) ([]types.PendingTransaction, error) {
		assert.Equal(t, "wallet-1", wallet)
		return []types.PendingTransaction{*pendingTx("tx-1"), *pendingTx("tx-2")}, nil
	}

	rec := f.do(t, http.MethodGet, "/api/transactions?wallet=wallet-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), decodeBody(t, rec)["count"])
}

func TestListTransactions_RequiresWallet(t *testing.T) {
	f := newServerFixture()

	rec := f.do(t, http.MethodGet, "/api/transactions", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetTransaction_NotFound(t *testing.T) {
	f := newServerFixture()
	f.queue.getFn = func(context.Context, string) (*types.PendingTransaction, error) {
		return nil, txqueue.ErrNotFound
	}

	rec := f.do(t, http.MethodGet, "/api/transactions/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestApprove(t *testing.T) {
	f := newServerFixture()
	f.queue.approveFn = func(_ context.Context, id string) (*types.PendingTransaction, error) {
		tx := pendingTx(id)
		tx.Status = types.TxApproved
		return tx, nil
	}

	rec := f.do(t, http.MethodPost, "/api/transactions/tx-1/approve", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(types.TxApproved), decodeBody(t, rec)["status"])
}

func TestApprove_InvalidState(t *testing.T) {
	f := newServerFixture()
	f.queue.approveFn = func(context.Context, string) (*types.PendingTransaction, error) {
		return nil, txqueue.ErrInvalidState
	}

	rec := f.do(t, http.MethodPost, "/api/transactions/tx-1/approve", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestApprove_Expired(t *testing.T) {
	f := newServerFixture()
	f.queue.approveFn = func(context.Context, string) (*types.PendingTransaction, error) {
		return nil, txqueue.ErrExpired
	}

	rec := f.do(t, http.MethodPost, "/api/transactions/tx-1/approve", nil)
	assert.Equal(t, http.StatusGone, rec.Code)
}

func TestReject(t *testing.T) {
	f := newServerFixture()
	f.queue.rejectFn = func(_ context.Context, id string) (*types.PendingTransaction, error) {
		tx := pendingTx(id)
		tx.Status = types.TxRejected
		return tx, nil
	}

	rec := f.do(t, http.MethodPost, "/api/transactions/tx-1/reject", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(types.TxRejected), decodeBody(t, rec)["status"])
}

func TestExecute(t *testing.T) {
	f := newServerFixture()
	f.queue.executeFn = func(_ context.Context, id string, payload []byte) (*types.PendingTransaction, error) {
		assert.Equal(t, []byte("signed-bytes"), payload)
		tx := pendingTx(id)
		tx.Status = types.TxExecuted
		tx.Signature = "5x9sig"
		return tx, nil
	}

	rec := f.do(t, http.MethodPost, "/api/transactions/tx-1/execute", map[string]any{
		"signed_payload": []byte("signed-bytes"),
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "5x9sig", decodeBody(t, rec)["signature"])
}

func TestExecute_EmptyPayload(t *testing.T) {
	f := newServerFixture()
	f.queue.executeFn = func(context.Context, string, []byte) (*types.PendingTransaction, error) {
		return nil, txqueue.ErrValidation
	}

	rec := f.do(t, http.MethodPost, "/api/transactions/tx-1/execute", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExecute_FailureReturnsTerminalRecord(t *testing.T) {
	f := newServerFixture()
	f.queue.executeFn = func(_ context.Context, id string, _ []byte) (*types.PendingTransaction, error) {
		tx := pendingTx(id)
		tx.Status = types.TxFailed
		tx.Error = "submission rejected: blockhash expired"
		return tx, errors.New("submission rejected: blockhash expired")
	}

	rec := f.do(t, http.MethodPost, "/api/transactions/tx-1/execute", map[string]any{
		"signed_payload": []byte("signed-bytes"),
	})
	require.Equal(t, http.StatusBadGateway, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, string(types.TxFailed), body["status"])
	assert.Contains(t, body["error"], "blockhash expired")
}

func TestGetStopLoss(t *testing.T) {
	f := newServerFixture()
	f.stopLoss.getFn = func(_ context.Context, position string) (*types.StopLossConfig, error) {
		return &types.StopLossConfig{PositionAddress: position, LossThreshold: 0.15, Enabled: true}, nil
	}

	rec := f.do(t, http.MethodGet, "/api/positions/pos-1/stop-loss", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0.15, decodeBody(t, rec)["loss_threshold"])
}

func TestGetStopLoss_Unknown(t *testing.T) {
	f := newServerFixture()
	f.stopLoss.getFn = func(context.Context, string) (*types.StopLossConfig, error) {
		return nil, stoploss.ErrUnknownPosition
	}

	rec := f.do(t, http.MethodGet, "/api/positions/pos-1/stop-loss", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSetStopLoss(t *testing.T) {
	f := newServerFixture()
	var saved types.StopLossConfig
	f.stopLoss.setFn = func(_ context.Context, cfg types.StopLossConfig) error {
		saved = cfg
		return nil
	}

	rec := f.do(t, http.MethodPut, "/api/positions/pos-1/stop-loss", map[string]any{
		"loss_threshold": 0.2,
		"enabled":        true,
		"notify_only":    true,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pos-1", saved.PositionAddress)
	assert.Equal(t, 0.2, saved.LossThreshold)
	assert.True(t, saved.NotifyOnly)
}

func TestSetStopLoss_InvalidThreshold(t *testing.T) {
	f := newServerFixture()
	f.stopLoss.setFn = func(context.Context, types.StopLossConfig) error {
		return stoploss.ErrInvalidThreshold
	}

	rec := f.do(t, http.MethodPut, "/api/positions/pos-1/stop-loss", map[string]any{
		"loss_threshold": 1.5,
		"enabled":        true,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetIL(t *testing.T) {
	f := newServerFixture()
	f.analytics.ilFn = func(context.Context, string) (types.ILBreakdown, error) {
		return types.ILBreakdown{ILPercent: -2.02, HodlValue: 250000, LPValue: 245448.97}, nil
	}

	rec := f.do(t, http.MethodGet, "/api/positions/pos-1/impermanent-loss", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, -2.02, decodeBody(t, rec)["il_percent"])
}

func TestGetIL_InvalidAddress(t *testing.T) {
	f := newServerFixture()
	f.analytics.ilFn = func(context.Context, string) (types.ILBreakdown, error) {
		return types.ILBreakdown{}, chaindata.ErrInvalidAddress
	}

	rec := f.do(t, http.MethodGet, "/api/positions/bogus/impermanent-loss", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRebalanceNow(t *testing.T) {
	f := newServerFixture()
	f.analytics.rebalanceFn = func(_ context.Context, position string) (*types.PendingTransaction, error) {
		tx := pendingTx("tx-9")
		tx.PositionAddress = position
		return tx, nil
	}

	rec := f.do(t, http.MethodPost, "/api/positions/pos-1/rebalance", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "tx-9", decodeBody(t, rec)["id"])
}

func TestGetVolatility(t *testing.T) {
	f := newServerFixture()
	f.analytics.volFn = func(_ context.Context, pool string) (types.VolatilityMetrics, error) {
		return types.VolatilityMetrics{PoolAddress: pool, AnnualizedVolatility: 0.42, SampleCount: 120}, nil
	}

	rec := f.do(t, http.MethodGet, "/api/pools/pool-1/volatility", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0.42, decodeBody(t, rec)["annualized_volatility"])
}

func TestGetVolatility_InsufficientData(t *testing.T) {
	f := newServerFixture()
	f.analytics.volFn = func(context.Context, string) (types.VolatilityMetrics, error) {
		return types.VolatilityMetrics{}, analyzer.ErrInsufficientData
	}

	rec := f.do(t, http.MethodGet, "/api/pools/pool-1/volatility", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestGetVolatility_RateLimited(t *testing.T) {
	f := newServerFixture()
	f.analytics.volFn = func(context.Context, string) (types.VolatilityMetrics, error) {
		return types.VolatilityMetrics{}, chaindata.ErrRateLimited
	}

	rec := f.do(t, http.MethodGet, "/api/pools/pool-1/volatility", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestListAlerts(t *testing.T) {
	f := newServerFixture()
	f.alerts.listFn = func(_ context.Context, unreadOnly bool, limit int) ([]types.Alert, error) {
		assert.True(t, unreadOnly)
		assert.Equal(t, 10, limit)
		return []types.Alert{{ID: "a1", Type: types.AlertRebalanceProposed}}, nil
	}

	rec := f.do(t, http.MethodGet, "/api/alerts?unread=true&limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decodeBody(t, rec)["count"])
}

func TestListAlerts_DefaultLimit(t *testing.T) {
	f := newServerFixture()
	f.alerts.listFn = func(_ context.Context, _ bool, limit int) ([]types.Alert, error) {
		assert.Equal(t, 50, limit)
		return nil, nil
	}

	rec := f.do(t, http.MethodGet, "/api/alerts?limit=9999", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMarkAlertRead(t *testing.T) {
	f := newServerFixture()
	f.alerts.readFn = func(_ context.Context, id string) error {
		assert.Equal(t, "a1", id)
		return nil
	}

	rec := f.do(t, http.MethodPost, "/api/alerts/a1/read", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["read"])
}

func TestMarkAlertRead_NotFound(t *testing.T) {
	f := newServerFixture()
	f.alerts.readFn = func(context.Context, string) error {
		return state.ErrNoRows
	}

	rec := f.do(t, http.MethodPost, "/api/alerts/missing/read", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	f := newServerFixture()

	rec := f.do(t, http.MethodOptions, "/api/transactions", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestMetricsEndpoint(t *testing.T) {
	f := newServerFixture()

	rec := f.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
