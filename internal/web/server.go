package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/dlmm-labs/rebalancer/internal/analyzer"
	"github.com/dlmm-labs/rebalancer/internal/chaindata"
	"github.com/dlmm-labs/rebalancer/internal/logger"
	"github.com/dlmm-labs/rebalancer/internal/state"
	"github.com/dlmm-labs/rebalancer/internal/stoploss"
	"github.com/dlmm-labs/rebalancer/internal/txqueue"
	"github.com/dlmm-labs/rebalancer/internal/types"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var webLogger = logger.GetForComponent("web_server")

// QueueService is the approval-queue surface exposed over HTTP.
type QueueService interface {
	Get(ctx context.Context, id string) (*types.PendingTransaction, error)
	ListPending(ctx context.Context, wallet string) ([]types.PendingTransaction, error)
	Approve(ctx context.Context, id string) (*types.PendingTransaction, error)
	Reject(ctx context.Context, id string) (*types.PendingTransaction, error)
	Execute(ctx context.Context, id string, signedPayload []byte) (*types.PendingTransaction, error)
}

// StopLossService manages per-position stop-loss settings.
type StopLossService interface {
	SetConfig(ctx context.Context, cfg types.StopLossConfig) error
	GetConfig(ctx context.Context, positionAddress string) (*types.StopLossConfig, error)
}

// AnalyticsService serves the volatility and IL reads plus the manual
// rebalance path.
type AnalyticsService interface {
	PoolVolatility(ctx context.Context, poolAddress string) (types.VolatilityMetrics, error)
	PositionIL(ctx context.Context, positionAddress string) (types.ILBreakdown, error)
	RebalanceNow(ctx context.Context, positionAddress string) (*types.PendingTransaction, error)
}

// AlertReader serves the persisted notification feed.
type AlertReader interface {
	ListAlerts(ctx context.Context, unreadOnly bool, limit int) ([]types.Alert, error)
	MarkAlertRead(ctx context.Context, id string) error
}

// Pinger reports backing-store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// WebServer handles HTTP requests for the engine's control surface.
type WebServer struct {
	router    *mux.Router
	server    *http.Server
	port      string
	queue     QueueService
	stopLoss  StopLossService
	analytics AnalyticsService
	alerts    AlertReader
	db        Pinger
	gatherer  prometheus.Gatherer
	startedAt time.Time
}

// NewWebServer creates a new web server instance.
func NewWebServer(port string, queue QueueService, stopLoss StopLossService, analytics AnalyticsService, alerts AlertReader, db Pinger, gatherer prometheus.Gatherer) *WebServer {
	if port == "" {
		port = "8080"
	}

	server := &WebServer{
		router:    mux.NewRouter(),
		port:      port,
		queue:     queue,
		stopLoss:  stopLoss,
		analytics: analytics,
		alerts:    alerts,
		db:        db,
		gatherer:  gatherer,
		startedAt: time.Now(),
	}

	server.setupRoutes()
	return server
}

// setupRoutes configures all HTTP routes.
func (ws *WebServer) setupRoutes() {
	ws.router.HandleFunc("/health", ws.handleHealth).Methods("GET")
	ws.router.Handle("/metrics", promhttp.HandlerFor(ws.gatherer, promhttp.HandlerOpts{})).Methods("GET")

	api := ws.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", ws.handleHealth).Methods("GET")

	api.HandleFunc("/transactions", ws.handleListTransactions).Methods("GET")
	api.HandleFunc("/transactions/{id}", ws.handleGetTransaction).Methods("GET")
	api.HandleFunc("/transactions/{id}/approve", ws.handleApprove).Methods("POST")
	api.HandleFunc("/transactions/{id}/reject", ws.handleReject).Methods("POST")
	api.HandleFunc("/transactions/{id}/execute", ws.handleExecute).Methods("POST")

	api.HandleFunc("/positions/{address}/stop-loss", ws.handleGetStopLoss).Methods("GET")
	api.HandleFunc("/positions/{address}/stop-loss", ws.handleSetStopLoss).Methods("PUT")
	api.HandleFunc("/positions/{address}/impermanent-loss", ws.handleGetIL).Methods("GET")
	api.HandleFunc("/positions/{address}/rebalance", ws.handleRebalanceNow).Methods("POST")

	api.HandleFunc("/pools/{address}/volatility", ws.handleGetVolatility).Methods("GET")

	api.HandleFunc("/alerts", ws.handleListAlerts).Methods("GET")
	api.HandleFunc("/alerts/{id}/read", ws.handleMarkAlertRead).Methods("POST")

	ws.router.Use(ws.corsMiddleware)
	ws.router.Use(ws.loggingMiddleware)
}

// Start starts the web server and blocks until it stops.
func (ws *WebServer) Start() error {
	webLogger.Info().Str("port", ws.port).Msg("Starting web server")

	ws.server = &http.Server{
		Addr:         ":" + ws.port,
		Handler:      ws.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return ws.server.ListenAndServe()
}

// Shutdown drains in-flight requests and stops the server.
func (ws *WebServer) Shutdown(ctx context.Context) error {
	if ws.server == nil {
		return nil
	}
	return ws.server.Shutdown(ctx)
}

// handleHealth returns server health status.
func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	dbHealthy := true
	if ws.db != nil {
		if err := ws.db.Ping(r.Context()); err != nil {
			dbHealthy = false
		}
	}

	overallStatus := "OK"
	statusCode := http.StatusOK
	if !dbHealthy {
		overallStatus = "DEGRADED"
		statusCode = http.StatusServiceUnavailable
	}

	response := map[string]interface{}{
		"status":    overallStatus,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"system": map[string]interface{}{
			"version":          runtime.Version(),
			"goroutines_count": runtime.NumGoroutine(),
			"alloc_bytes":      memStats.Alloc,
			"gc_cycles":        memStats.NumGC,
			"uptime_seconds":   int64(time.Since(ws.startedAt).Seconds()),
		},
		"component": map[string]interface{}{
			"name":    "dlmm-rebalancer",
			"version": "1.0.0",
		},
		"database_healthy": dbHealthy,
	}

	ws.writeJSONResponse(w, statusCode, response)
}

// handleListTransactions returns the wallet's pending approval-queue entries.
func (ws *WebServer) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	wallet := r.URL.Query().Get("wallet")
	if wallet == "" {
		ws.writeErrorResponse(w, http.StatusBadRequest, "wallet query parameter is required")
		return
	}

	entries, err := ws.queue.ListPending(r.Context(), wallet)
	if err != nil {
		webLogger.Error().Err(err).Str("wallet", wallet).Msg("Failed to list pending transactions")
		ws.writeErrorResponse(w, http.StatusInternalServerError, "Failed to retrieve transactions")
		return
	}

	response := map[string]interface{}{
		"transactions": entries,
		"count":        len(entries),
	}
	ws.writeJSONResponse(w, http.StatusOK, response)
}

// handleGetTransaction returns one approval-queue entry by ID.
func (ws *WebServer) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	tx, err := ws.queue.Get(r.Context(), id)
	if err != nil {
		ws.writeQueueError(w, id, err, "Failed to load transaction")
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, tx)
}

// handleApprove transitions a pending entry to approved.
func (ws *WebServer) handleApprove(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	tx, err := ws.queue.Approve(r.Context(), id)
	if err != nil {
		ws.writeQueueError(w, id, err, "Failed to approve transaction")
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, tx)
}

// handleReject transitions a pending entry to rejected.
func (ws *WebServer) handleReject(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	tx, err := ws.queue.Reject(r.Context(), id)
	if err != nil {
		ws.writeQueueError(w, id, err, "Failed to reject transaction")
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, tx)
}

// handleExecute submits the wallet-signed payload for an approved entry.
func (ws *WebServer) handleExecute(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var body struct {
		SignedPayload []byte `json:"signed_payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		ws.writeErrorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	tx, err := ws.queue.Execute(r.Context(), id, body.SignedPayload)
	if err != nil {
		if tx != nil {
			// The entry finalized as failed; surface the terminal record.
			ws.writeJSONResponse(w, http.StatusBadGateway, tx)
			return
		}
		ws.writeQueueError(w, id, err, "Failed to execute transaction")
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, tx)
}

// handleGetStopLoss returns the stop-loss setting for a position.
func (ws *WebServer) handleGetStopLoss(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]

	cfg, err := ws.stopLoss.GetConfig(r.Context(), address)
	if err != nil {
		if errors.Is(err, stoploss.ErrUnknownPosition) {
			ws.writeErrorResponse(w, http.StatusNotFound, "No stop-loss configured for position")
			return
		}
		webLogger.Error().Err(err).Str("position", address).Msg("Failed to load stop-loss config")
		ws.writeErrorResponse(w, http.StatusInternalServerError, "Failed to retrieve stop-loss config")
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, cfg)
}

// handleSetStopLoss validates and saves a stop-loss setting.
func (ws *WebServer) handleSetStopLoss(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]

	var body struct {
		LossThreshold float64 `json:"loss_threshold"`
		Enabled       bool    `json:"enabled"`
		NotifyOnly    bool    `json:"notify_only"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		ws.writeErrorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	cfg := types.StopLossConfig{
		PositionAddress: address,
		LossThreshold:   body.LossThreshold,
		Enabled:         body.Enabled,
		NotifyOnly:      body.NotifyOnly,
	}
	if err := ws.stopLoss.SetConfig(r.Context(), cfg); err != nil {
		if errors.Is(err, stoploss.ErrInvalidThreshold) || errors.Is(err, stoploss.ErrUnknownPosition) {
			ws.writeErrorResponse(w, http.StatusBadRequest, err.Error())
			return
		}
		webLogger.Error().Err(err).Str("position", address).Msg("Failed to save stop-loss config")
		ws.writeErrorResponse(w, http.StatusInternalServerError, "Failed to save stop-loss config")
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, cfg)
}

// handleGetIL returns the position's impermanent-loss breakdown.
func (ws *WebServer) handleGetIL(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]

	breakdown, err := ws.analytics.PositionIL(r.Context(), address)
	if err != nil {
		ws.writeAnalyticsError(w, address, err, "Failed to compute impermanent loss")
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, breakdown)
}

// handleRebalanceNow enqueues an immediate rebalance for the position.
func (ws *WebServer) handleRebalanceNow(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]

	tx, err := ws.analytics.RebalanceNow(r.Context(), address)
	if err != nil {
		ws.writeAnalyticsError(w, address, err, "Failed to enqueue rebalance")
		return
	}
	ws.writeJSONResponse(w, http.StatusAccepted, tx)
}

// handleGetVolatility returns the pool's dispersion signal.
func (ws *WebServer) handleGetVolatility(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]

	metrics, err := ws.analytics.PoolVolatility(r.Context(), address)
	if err != nil {
		if errors.Is(err, analyzer.ErrInsufficientData) {
			ws.writeErrorResponse(w, http.StatusUnprocessableEntity, "Not enough price history for a volatility figure")
			return
		}
		ws.writeAnalyticsError(w, address, err, "Failed to compute volatility")
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, metrics)
}

// handleListAlerts returns recent alerts, optionally unread only.
func (ws *WebServer) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	unreadOnly := r.URL.Query().Get("unread") == "true"

	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}

	alerts, err := ws.alerts.ListAlerts(r.Context(), unreadOnly, limit)
	if err != nil {
		webLogger.Error().Err(err).Msg("Failed to list alerts")
		ws.writeErrorResponse(w, http.StatusInternalServerError, "Failed to retrieve alerts")
		return
	}

	response := map[string]interface{}{
		"alerts": alerts,
		"count":  len(alerts),
	}
	ws.writeJSONResponse(w, http.StatusOK, response)
}

// handleMarkAlertRead flips one alert's read flag.
func (ws *WebServer) handleMarkAlertRead(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := ws.alerts.MarkAlertRead(r.Context(), id); err != nil {
		if errors.Is(err, state.ErrNoRows) {
			ws.writeErrorResponse(w, http.StatusNotFound, "Alert not found")
			return
		}
		webLogger.Error().Err(err).Str("alertId", id).Msg("Failed to mark alert read")
		ws.writeErrorResponse(w, http.StatusInternalServerError, "Failed to update alert")
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, map[string]interface{}{"id": id, "read": true})
}

// writeQueueError maps approval-queue errors onto HTTP statuses.
func (ws *WebServer) writeQueueError(w http.ResponseWriter, id string, err error, fallback string) {
	switch {
	case errors.Is(err, txqueue.ErrNotFound):
		ws.writeErrorResponse(w, http.StatusNotFound, "Transaction not found")
	case errors.Is(err, txqueue.ErrInvalidState):
		ws.writeErrorResponse(w, http.StatusConflict, err.Error())
	case errors.Is(err, txqueue.ErrExpired):
		ws.writeErrorResponse(w, http.StatusGone, err.Error())
	case errors.Is(err, txqueue.ErrValidation):
		ws.writeErrorResponse(w, http.StatusBadRequest, err.Error())
	default:
		webLogger.Error().Err(err).Str("txId", id).Msg(fallback)
		ws.writeErrorResponse(w, http.StatusInternalServerError, fallback)
	}
}

// writeAnalyticsError maps chain-data errors onto HTTP statuses.
func (ws *WebServer) writeAnalyticsError(w http.ResponseWriter, address string, err error, fallback string) {
	switch {
	case errors.Is(err, chaindata.ErrInvalidAddress):
		ws.writeErrorResponse(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, chaindata.ErrNotFound):
		ws.writeErrorResponse(w, http.StatusNotFound, "Entity not found")
	case errors.Is(err, chaindata.ErrRateLimited):
		ws.writeErrorResponse(w, http.StatusServiceUnavailable, "Chain-data provider is rate limiting; retry shortly")
	default:
		webLogger.Error().Err(err).Str("address", address).Msg(fallback)
		ws.writeErrorResponse(w, http.StatusInternalServerError, fallback)
	}
}

// writeJSONResponse writes a JSON response.
func (ws *WebServer) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		webLogger.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error response.
func (ws *WebServer) writeErrorResponse(w http.ResponseWriter, statusCode int, message string) {
	response := map[string]interface{}{
		"error":     true,
		"message":   message,
		"timestamp": time.Now().UTC(),
	}

	ws.writeJSONResponse(w, statusCode, response)
}

// corsMiddleware adds CORS headers.
func (ws *WebServer) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs HTTP requests.
func (ws *WebServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapper := &responseWriterWrapper{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapper, r)

		webLogger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("remote_addr", r.RemoteAddr).
			Int("status", wrapper.statusCode).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}

// responseWriterWrapper wraps http.ResponseWriter to capture the status code.
type responseWriterWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriterWrapper) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
