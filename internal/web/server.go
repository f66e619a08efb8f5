package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/elys-network/vaultkeeper/internal/analyzer"
	"github.com/elys-network/vaultkeeper/internal/logger"
	"github.com/elys-network/vaultkeeper/internal/metrics"
	"github.com/elys-network/vaultkeeper/internal/operation"
	"github.com/elys-network/vaultkeeper/internal/oracle"
	"github.com/elys-network/vaultkeeper/internal/state"
	"github.com/elys-network/vaultkeeper/internal/types"
	"github.com/elys-network/vaultkeeper/internal/vault"
)

const maxVolatilityWindow = 30 * 24 * time.Hour

// PriceView exposes the cached oracle bindings.
type PriceView interface {
	Bindings() []oracle.Binding
}

// MirrorView reads prices published to the shared mirror.
type MirrorView interface {
	Lookup(ctx context.Context, asset string) (*oracle.Binding, error)
}

// History serves persisted operation and price records.
type History interface {
	GetRecentOperations(vaultID string, limit int) ([]types.OperationSnapshot, error)
	GetOperationByID(id int64) (*types.OperationSnapshot, error)
	GetLatestPrices() ([]types.PriceObservation, error)
	GetPriceHistory(asset string, since time.Time) ([]types.PriceObservation, error)
	Ping() error
}

// Config holds the dependencies of the web server. Mirror, History and Metrics are optional.
//
// Ledger, Recoverer and Runner enable the write routes. They act with the Admin and
// Operator capabilities and need both bearer tokens.
type Config struct {
	Port    string
	Vault   vault.VaultManager
	Prices  PriceView
	Mirror  MirrorView
	History History
	Metrics *metrics.Metrics
	Now     func() time.Time

	Ledger     Ledger
	Recoverer  Recoverer
	Runner     Runner
	Strategies map[string]operation.Strategy

	Admin         types.AdminCap
	Operator      types.OperatorCap
	AdminToken    string
	OperatorToken string
}

// WebServer handles HTTP requests for vault state and history
type WebServer struct {
	router  *mux.Router
	port    string
	server  *http.Server
	vault   vault.VaultManager
	prices  PriceView
	mirror  MirrorView
	history History
	metrics *metrics.Metrics
	now     func() time.Time
	started time.Time
	logger  zerolog.Logger

	ledger        Ledger
	recoverer     Recoverer
	runner        Runner
	strategies    map[string]operation.Strategy
	admin         types.AdminCap
	operator      types.OperatorCap
	adminToken    string
	operatorToken string
}

// NewWebServer creates a new web server instance
func NewWebServer(cfg Config) (*WebServer, error) {
	if cfg.Vault == nil {
		return nil, errors.New("vault cannot be nil")
	}
	if cfg.Prices == nil {
		return nil, errors.New("price view cannot be nil")
	}
	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	ws := &WebServer{
		router:  mux.NewRouter(),
		port:    cfg.Port,
		vault:   cfg.Vault,
		prices:  cfg.Prices,
		mirror:  cfg.Mirror,
		history: cfg.History,
		metrics: cfg.Metrics,
		now:     cfg.Now,
		started: cfg.Now(),
		logger:  logger.GetForComponent("web_server"),

		ledger:        cfg.Ledger,
		recoverer:     cfg.Recoverer,
		runner:        cfg.Runner,
		strategies:    cfg.Strategies,
		admin:         cfg.Admin,
		operator:      cfg.Operator,
		adminToken:    cfg.AdminToken,
		operatorToken: cfg.OperatorToken,
	}
	if ws.writesEnabled() {
		if cfg.AdminToken == "" || cfg.OperatorToken == "" {
			return nil, errors.New("write routes need both an admin and an operator token")
		}
		if cfg.AdminToken == cfg.OperatorToken {
			return nil, errors.New("admin and operator tokens must differ")
		}
	}

	ws.setupRoutes()
	return ws, nil
}

// setupRoutes configures all HTTP routes
func (ws *WebServer) setupRoutes() {
	ws.router.HandleFunc("/health", ws.handleHealth).Methods("GET")
	if ws.metrics != nil {
		ws.router.Handle("/metrics", ws.metrics.Handler()).Methods("GET")
	}

	api := ws.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", ws.handleHealth).Methods("GET")
	api.HandleFunc("/vault/summary", ws.handleGetVaultSummary).Methods("GET")
	api.HandleFunc("/quarantine", ws.handleGetQuarantine).Methods("GET")
	api.HandleFunc("/prices", ws.handleGetPrices).Methods("GET")
	api.HandleFunc("/prices/history", ws.handleGetPriceHistory).Methods("GET")
	api.HandleFunc("/prices/{asset}/mirror", ws.handleGetMirroredPrice).Methods("GET")
	api.HandleFunc("/prices/{asset}/volatility", ws.handleGetVolatility).Methods("GET")
	api.HandleFunc("/operations", ws.handleGetOperations).Methods("GET")
	api.HandleFunc("/operations/current", ws.handleGetCurrentOperation).Methods("GET")
	api.HandleFunc("/operations/{id:[0-9]+}", ws.handleGetOperation).Methods("GET")
	ws.setupActionRoutes(api)

	ws.router.Use(ws.corsMiddleware)
	ws.router.Use(ws.loggingMiddleware)
}

// Handler returns the routed handler.
func (ws *WebServer) Handler() http.Handler {
	return ws.router
}

// Start starts the web server and blocks until it stops.
func (ws *WebServer) Start() error {
	ws.logger.Info().Str("port", ws.port).Msg("Starting web server")

	ws.server = &http.Server{
		Addr:         ":" + ws.port,
		Handler:      ws.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	err := ws.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops a started server.
func (ws *WebServer) Shutdown(ctx context.Context) error {
	if ws.server == nil {
		return nil
	}
	return ws.server.Shutdown(ctx)
}

// handleHealth reports process, ledger and database status
func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	summary := ws.vault.Summary()
	hasErrors := summary.TotalUSD == nil

	dbHealthy := false
	if ws.history != nil {
		if err := ws.history.Ping(); err != nil {
			ws.logger.Warn().Err(err).Msg("Database health check failed")
			hasErrors = true
		} else {
			dbHealthy = true
		}
	}

	var operationAge *float64
	if op := summary.Operation; op != nil {
		age := ws.now().Sub(op.StartedAt).Seconds()
		operationAge = &age
	}

	overallStatus := "OK"
	if hasErrors {
		overallStatus = "DEGRADED"
	}

	response := map[string]interface{}{
		"status":    overallStatus,
		"timestamp": ws.now().UTC().Format(time.RFC3339Nano),
		"system": map[string]interface{}{
			"version":          runtime.Version(),
			"goroutines_count": runtime.NumGoroutine(),
			"alloc_bytes":      memStats.Alloc,
			"sys_bytes":        memStats.Sys,
			"gc_cycles":        memStats.NumGC,
			"uptime_seconds":   int64(ws.now().Sub(ws.started).Seconds()),
		},
		"vault_status": map[string]interface{}{
			"vault_id":              summary.VaultID,
			"status":                summary.Status.String(),
			"value_fresh":           summary.TotalUSD != nil,
			"value_error":           summary.ValueError,
			"operation_age_seconds": operationAge,
			"quarantine_count":      summary.QuarantineCount,
			"database_configured":   ws.history != nil,
			"database_healthy":      dbHealthy,
		},
	}

	statusCode := http.StatusOK
	if hasErrors {
		statusCode = http.StatusServiceUnavailable
	}

	ws.writeJSONResponse(w, statusCode, response)
}

// handleGetVaultSummary returns the current ledger snapshot
func (ws *WebServer) handleGetVaultSummary(w http.ResponseWriter, r *http.Request) {
	ws.writeJSONResponse(w, http.StatusOK, ws.vault.Summary())
}

func (ws *WebServer) handleGetQuarantine(w http.ResponseWriter, r *http.Request) {
	entries := ws.vault.Quarantined()
	ws.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"assets": entries,
		"count":  len(entries),
	})
}

// handleGetPrices returns the cached oracle bindings
func (ws *WebServer) handleGetPrices(w http.ResponseWriter, r *http.Request) {
	bindings := ws.prices.Bindings()
	ws.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"prices":    bindings,
		"count":     len(bindings),
		"timestamp": ws.now().UTC(),
	})
}

func (ws *WebServer) handleGetPriceHistory(w http.ResponseWriter, r *http.Request) {
	if ws.history == nil {
		ws.writeErrorResponse(w, http.StatusServiceUnavailable, "Persistence is not configured")
		return
	}
	prices, err := ws.history.GetLatestPrices()
	if err != nil {
		ws.logger.Error().Err(err).Msg("Failed to get stored prices")
		ws.writeErrorResponse(w, http.StatusInternalServerError, "Failed to retrieve stored prices")
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"prices": prices,
		"count":  len(prices),
	})
}

// handleGetVolatility reports the realized volatility of an asset over ?window= (default 24h, max 30 days)
func (ws *WebServer) handleGetVolatility(w http.ResponseWriter, r *http.Request) {
	if ws.history == nil {
		ws.writeErrorResponse(w, http.StatusServiceUnavailable, "Persistence is not configured")
		return
	}
	window := 24 * time.Hour
	if windowStr := r.URL.Query().Get("window"); windowStr != "" {
		parsed, err := time.ParseDuration(windowStr)
		if err != nil || parsed <= 0 || parsed > maxVolatilityWindow {
			ws.writeErrorResponse(w, http.StatusBadRequest, "Invalid window")
			return
		}
		window = parsed
	}

	asset := mux.Vars(r)["asset"]
	observations, err := ws.history.GetPriceHistory(asset, ws.now().Add(-window))
	if err != nil {
		ws.logger.Error().Err(err).Str("asset", asset).Msg("Failed to get price history")
		ws.writeErrorResponse(w, http.StatusInternalServerError, "Failed to retrieve price history")
		return
	}
	vol, err := analyzer.CalculateVolatility(observations)
	if errors.Is(err, analyzer.ErrInsufficientData) {
		ws.writeErrorResponse(w, http.StatusNotFound, "Not enough observations in window")
		return
	}
	if err != nil {
		ws.writeErrorResponse(w, http.StatusInternalServerError, "Failed to calculate volatility")
		return
	}

	ws.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"volatility": vol,
		"window":     window.String(),
	})
}

func (ws *WebServer) handleGetMirroredPrice(w http.ResponseWriter, r *http.Request) {
	if ws.mirror == nil {
		ws.writeErrorResponse(w, http.StatusServiceUnavailable, "Price mirror is not configured")
		return
	}
	asset := mux.Vars(r)["asset"]
	b, err := ws.mirror.Lookup(r.Context(), asset)
	if errors.Is(err, oracle.ErrNotMirrored) {
		ws.writeErrorResponse(w, http.StatusNotFound, "Price not mirrored")
		return
	}
	if err != nil {
		ws.logger.Error().Err(err).Str("asset", asset).Msg("Failed to read mirrored price")
		ws.writeErrorResponse(w, http.StatusBadGateway, "Failed to read mirrored price")
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, b)
}

// handleGetOperations returns recent operation snapshots
func (ws *WebServer) handleGetOperations(w http.ResponseWriter, r *http.Request) {
	if ws.history == nil {
		ws.writeErrorResponse(w, http.StatusServiceUnavailable, "Persistence is not configured")
		return
	}
	limit := 20
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsedLimit, err := strconv.Atoi(limitStr); err == nil && parsedLimit > 0 && parsedLimit <= 100 {
			limit = parsedLimit
		}
	}

	operations, err := ws.history.GetRecentOperations(ws.vault.ID(), limit)
	if err != nil {
		ws.logger.Error().Err(err).Msg("Failed to get recent operations")
		ws.writeErrorResponse(w, http.StatusInternalServerError, "Failed to retrieve operations")
		return
	}

	ws.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"operations": operations,
		"count":      len(operations),
		"limit":      limit,
	})
}

func (ws *WebServer) handleGetCurrentOperation(w http.ResponseWriter, r *http.Request) {
	op := ws.vault.CurrentOperation()
	if op == nil {
		ws.writeErrorResponse(w, http.StatusNotFound, "No operation in flight")
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, op)
}

// handleGetOperation returns a specific operation snapshot by ID
func (ws *WebServer) handleGetOperation(w http.ResponseWriter, r *http.Request) {
	if ws.history == nil {
		ws.writeErrorResponse(w, http.StatusServiceUnavailable, "Persistence is not configured")
		return
	}
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		ws.writeErrorResponse(w, http.StatusBadRequest, "Invalid operation ID")
		return
	}

	snapshot, err := ws.history.GetOperationByID(id)
	if errors.Is(err, state.ErrSnapshotNotFound) {
		ws.writeErrorResponse(w, http.StatusNotFound, "Operation not found")
		return
	}
	if err != nil {
		ws.logger.Error().Err(err).Int64("snapshotId", id).Msg("Failed to get operation")
		ws.writeErrorResponse(w, http.StatusInternalServerError, "Failed to retrieve operation")
		return
	}

	ws.writeJSONResponse(w, http.StatusOK, snapshot)
}

// writeJSONResponse writes a JSON response
func (ws *WebServer) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		ws.logger.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error response
func (ws *WebServer) writeErrorResponse(w http.ResponseWriter, statusCode int, message string) {
	response := map[string]interface{}{
		"error":     true,
		"message":   message,
		"timestamp": ws.now().UTC(),
	}

	ws.writeJSONResponse(w, statusCode, response)
}

// corsMiddleware adds CORS headers
func (ws *WebServer) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs HTTP requests
func (ws *WebServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapper := &responseWriterWrapper{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapper, r)

		ws.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("remote_addr", r.RemoteAddr).
			Int("status", wrapper.statusCode).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}

// responseWriterWrapper wraps http.ResponseWriter to capture status code
type responseWriterWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriterWrapper) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
