// Package httpx exposes the registry and execution runtime over HTTP.
package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pgip-dev/pgip/internal/domain"
	"github.com/pgip-dev/pgip/internal/mediatype"
	"github.com/pgip-dev/pgip/internal/orchestrator"
	"github.com/pgip-dev/pgip/internal/registry"
	"github.com/pgip-dev/pgip/internal/repository"
	"github.com/pgip-dev/pgip/internal/ws"

	manifestpkg "github.com/pgip-dev/pgip/internal/manifest"
)

// RegistryService is the catalog surface the router exposes.
type RegistryService interface {
	Publish(ctx context.Context, m domain.Manifest) (*domain.PluginRecord, error)
	Get(ctx context.Context, name, version string) (*domain.PluginRecord, error)
	Versions(ctx context.Context, name string) ([]domain.PluginRecord, error)
	List(ctx context.Context, filter domain.PluginFilter) ([]domain.PluginSummary, error)
	Stats(ctx context.Context) (domain.RegistryStats, error)
	Supersede(ctx context.Context, name, version string) error
	Runs(ctx context.Context, name, version string, limit int) ([]domain.ExecutionRun, error)
	History(ctx context.Context, limit int) ([]domain.HistoryEntry, error)
	MediaTypes() *mediatype.Registry
}

// Executor runs a manifest synchronously and returns the sealed run.
type Executor interface {
	Execute(ctx context.Context, m domain.Manifest, inputs map[string]string, params map[string]any, opts orchestrator.Options) (domain.ExecutionRun, error)
}

// RunFeed serves cross-plugin run queries.
type RunFeed interface {
	Recent(ctx context.Context, limit int) ([]domain.ExecutionRun, error)
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux         *http.ServeMux
	logger      *slog.Logger
	registry    RegistryService
	executor    Executor
	runs        RunFeed
	hub         *ws.Hub
	upgrader    websocket.Upgrader
	limiter     RateLimiter
	readLimit   int
	readWindow  time.Duration
	tokenSecret string
	dbHealth    func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
	runsTotal          *prometheus.CounterVec
	publishTotal       *prometheus.CounterVec
}

const (
	rateWindowDefault  = time.Minute
	rateLimitPublish   = 30
	rateLimitExecute   = 12
	rateLimitRead      = 240
	rateLimitCallback  = 600
	healthCheckTimeout = 2 * time.Second

	defaultRunListLimit = 50
	maxManifestBytes    = 1 << 20
)

// NewRouter assembles routes with dependencies. executor and runs may
// be nil when the node serves the catalog without an execution backend.
// readLimit and readWindow bound read traffic per client IP; zero
// values fall back to defaults.
func NewRouter(logger *slog.Logger, reg RegistryService, executor Executor, runs RunFeed, hub *ws.Hub, limiter RateLimiter, readLimit int, readWindow time.Duration, tokenSecret string, dbHealth func(context.Context) error) *Router {
	r := &Router{
		mux:      http.NewServeMux(),
		logger:   logger,
		registry: reg,
		executor: executor,
		runs:     runs,
		hub:      hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:     limiter,
		readLimit:   readLimit,
		readWindow:  readWindow,
		tokenSecret: strings.TrimSpace(tokenSecret),
		dbHealth:    dbHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	if r.readLimit <= 0 {
		r.readLimit = rateLimitRead
	}
	if r.readWindow <= 0 {
		r.readWindow = rateWindowDefault
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit(r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/api/v1/plugins", r.audit(r.withRateLimit("plugins", r.readLimit, r.readWindow, r.handlePlugins)))
	r.mux.HandleFunc("/api/v1/plugins/", r.audit(r.withRateLimit("plugin_subroutes", r.readLimit, r.readWindow, r.handlePluginSubroutes)))
	r.mux.HandleFunc("/api/v1/media-types", r.audit(r.withRateLimit("media_types", r.readLimit, r.readWindow, r.handleMediaTypes)))
	r.mux.HandleFunc("/api/v1/stats", r.audit(r.withRateLimit("stats", r.readLimit, r.readWindow, r.handleStats)))
	r.mux.HandleFunc("/api/v1/history", r.audit(r.withRateLimit("history", r.readLimit, r.readWindow, r.handleHistory)))
	r.mux.HandleFunc("/api/v1/runs", r.audit(r.withRateLimit("runs", r.readLimit, r.readWindow, r.handleRecentRuns)))
	r.mux.HandleFunc("/api/v1/runs/", r.audit(r.withRateLimit("run_events", rateLimitCallback, rateWindowDefault, r.handleRunSubroutes)))
	r.mux.HandleFunc("/ws/runs", r.audit(r.handleRunsWS))
}

func (r *Router) handlePlugins(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		filter := domain.PluginFilter{
			Tag:    strings.TrimSpace(req.URL.Query().Get("tag")),
			Author: strings.TrimSpace(req.URL.Query().Get("author")),
			Text:   strings.TrimSpace(req.URL.Query().Get("q")),
		}
		summaries, err := r.registry.List(req.Context(), filter)
		if err != nil {
			r.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, summaries)
	case http.MethodPost:
		r.handlePublish(w, req)
	default:
		r.methodNotAllowed(w)
	}
}

// handlePublish accepts a manifest document, JSON or YAML.
func (r *Router) handlePublish(w http.ResponseWriter, req *http.Request) {
	decision := r.limiter.Allow("publish:"+rateLimitKeyIP(req), rateLimitPublish, rateWindowDefault)
	r.applyRateHeaders(w, rateLimitPublish, decision)
	if !decision.allowed {
		r.recordRateLimitHit("publish")
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	body, err := io.ReadAll(io.LimitReader(req.Body, maxManifestBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read body")
		return
	}
	m, err := manifestpkg.Load(body)
	if err != nil {
		r.recordPublish("malformed")
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	record, err := r.registry.Publish(req.Context(), m)
	if err != nil {
		var verr *registry.ValidationError
		switch {
		case errors.As(err, &verr):
			r.recordPublish("invalid")
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"error":      "manifest validation failed",
				"violations": verr.Result.Violations,
			})
		case errors.Is(err, repository.ErrConflict):
			r.recordPublish("conflict")
			writeError(w, http.StatusConflict, "plugin version already published")
		default:
			r.recordPublish("error")
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	r.recordPublish("published")
	writeJSON(w, http.StatusCreated, record)
}

func (r *Router) handlePluginSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/api/v1/plugins/")
	parts := strings.Split(trimmed, "/")
	if len(parts) < 1 || parts[0] == "" {
		r.notFound(w)
		return
	}
	name := parts[0]

	switch len(parts) {
	case 1:
		// Latest published version.
		r.handlePluginGet(w, req, name, "")
	case 2:
		if parts[1] == "versions" {
			r.handlePluginVersions(w, req, name)
			return
		}
		r.handlePluginGet(w, req, name, parts[1])
	case 3:
		version := parts[1]
		switch parts[2] {
		case "supersede":
			r.handleSupersede(w, req, name, version)
		case "runs":
			r.handlePluginRuns(w, req, name, version)
		default:
			r.notFound(w)
		}
	default:
		r.notFound(w)
	}
}

func (r *Router) handlePluginGet(w http.ResponseWriter, req *http.Request, name, version string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	record, err := r.registry.Get(req.Context(), name, version)
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (r *Router) handlePluginVersions(w http.ResponseWriter, req *http.Request, name string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	records, err := r.registry.Versions(req.Context(), name)
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (r *Router) handleSupersede(w http.ResponseWriter, req *http.Request, name, version string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if err := r.registry.Supersede(req.Context(), name, version); err != nil {
		r.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "superseded"})
}

func (r *Router) handlePluginRuns(w http.ResponseWriter, req *http.Request, name, version string) {
	switch req.Method {
	case http.MethodGet:
		limit := queryLimit(req, defaultRunListLimit)
		runs, err := r.registry.Runs(req.Context(), name, version, limit)
		if err != nil {
			r.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, runs)
	case http.MethodPost:
		r.handleExecute(w, req, name, version)
	default:
		r.methodNotAllowed(w)
	}
}

// handleExecute runs the plugin synchronously and returns the sealed
// run. Precondition failures surface as 422 with the violation list.
func (r *Router) handleExecute(w http.ResponseWriter, req *http.Request, name, version string) {
	if r.executor == nil {
		writeError(w, http.StatusServiceUnavailable, "execution backend not configured")
		return
	}
	decision := r.limiter.Allow("execute:"+rateLimitKeyIP(req), rateLimitExecute, rateWindowDefault)
	r.applyRateHeaders(w, rateLimitExecute, decision)
	if !decision.allowed {
		r.recordRateLimitHit("execute")
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var payload struct {
		Inputs         map[string]string `json:"inputs"`
		Parameters     map[string]any    `json:"parameters"`
		TimeoutSeconds int               `json:"timeout_seconds"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	record, err := r.registry.Get(req.Context(), name, version)
	if err != nil {
		r.writeServiceError(w, err)
		return
	}

	var opts orchestrator.Options
	if payload.TimeoutSeconds > 0 {
		opts.Timeout = time.Duration(payload.TimeoutSeconds) * time.Second
	}
	run, err := r.executor.Execute(req.Context(), record.Manifest, payload.Inputs, payload.Parameters, opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	r.recordRunState(string(run.State))
	if run.State == domain.RunPreconditionFailed {
		writeJSON(w, http.StatusUnprocessableEntity, run)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (r *Router) handleMediaTypes(w http.ResponseWriter, req *http.Request) {
	types := r.registry.MediaTypes()
	switch req.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, types.Known())
	case http.MethodPost:
		var payload struct {
			MediaType   string `json:"media_type"`
			ParsingHint string `json:"parsing_hint"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if !mediatype.IsWellFormed(payload.MediaType) {
			writeError(w, http.StatusBadRequest, "malformed media type")
			return
		}
		if err := types.Register(payload.MediaType, payload.ParsingHint); err != nil {
			if errors.Is(err, mediatype.ErrAlreadyRegistered) {
				writeError(w, http.StatusConflict, err.Error())
				return
			}
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"status": "registered"})
	case http.MethodDelete:
		mt := strings.TrimSpace(req.URL.Query().Get("type"))
		if mt == "" {
			writeError(w, http.StatusBadRequest, "type query parameter required")
			return
		}
		if err := types.Remove(mt); err != nil {
			switch {
			case errors.Is(err, mediatype.ErrUnknown):
				writeError(w, http.StatusNotFound, err.Error())
			case errors.Is(err, mediatype.ErrPinned):
				writeError(w, http.StatusConflict, err.Error())
			default:
				writeError(w, http.StatusInternalServerError, err.Error())
			}
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleStats(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	stats, err := r.registry.Stats(req.Context())
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (r *Router) handleHistory(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	entries, err := r.registry.History(req.Context(), queryLimit(req, 20))
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (r *Router) handleRecentRuns(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if r.runs == nil {
		writeError(w, http.StatusServiceUnavailable, "execution backend not configured")
		return
	}
	runs, err := r.runs.Recent(req.Context(), queryLimit(req, defaultRunListLimit))
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (r *Router) handleRunSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/api/v1/runs/")
	parts := strings.Split(trimmed, "/")
	if len(parts) == 2 && parts[1] == "events" && parts[0] != "" {
		r.handleRunCallback(w, req, parts[0])
		return
	}
	r.notFound(w)
}

// handleRunCallback receives progress events emitted by a running
// container, authenticated with the run-scoped token.
func (r *Router) handleRunCallback(w http.ResponseWriter, req *http.Request, runID string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if !r.verifyRunToken(w, req, runID) {
		return
	}
	var payload struct {
		Stage   string `json:"stage"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if r.hub != nil {
		event, err := json.Marshal(map[string]any{
			"run_id":    runID,
			"stage":     payload.Stage,
			"message":   payload.Message,
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		})
		if err == nil {
			r.hub.Broadcast(runID, event)
			r.hub.Broadcast(ws.TopicAll, event)
		}
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "received"})
}

func (r *Router) handleRunsWS(w http.ResponseWriter, req *http.Request) {
	if r.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "event streaming not configured")
		return
	}
	topic := strings.TrimSpace(req.URL.Query().Get("run_id"))
	if topic == "" {
		topic = ws.TopicAll
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(topic, client)
	go func() {
		defer func() {
			r.hub.Unregister(topic, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

// verifyRunToken ensures the bearer token is valid and scoped to runID.
func (r *Router) verifyRunToken(w http.ResponseWriter, req *http.Request, runID string) bool {
	if r.tokenSecret == "" {
		r.logger.Error("run token secret not configured", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "callback authentication misconfigured")
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(req.Header.Get("Authorization"), "Bearer "))
	if token == "" {
		token = strings.TrimSpace(req.Header.Get("X-Run-Token"))
	}
	claims, err := orchestrator.ParseRunToken(token, r.tokenSecret)
	if err != nil || claims.RunID != runID {
		r.logger.Warn("run token rejected", "run_id", runID, "error", err)
		writeError(w, http.StatusUnauthorized, "invalid run token")
		return false
	}
	return true
}

func (r *Router) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, repository.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func queryLimit(req *http.Request, fallback int) int {
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	if limit <= 0 {
		return fallback
	}
	return limit
}

func (r *Router) audit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
		r.recordRequestMetrics(req.Method, routeLabel(req.URL.Path), status, duration)
	}
}

// routeLabel collapses dynamic path segments so metric cardinality
// stays bounded.
func routeLabel(path string) string {
	switch {
	case strings.HasPrefix(path, "/api/v1/plugins/"):
		return "/api/v1/plugins/*"
	case strings.HasPrefix(path, "/api/v1/runs/"):
		return "/api/v1/runs/*"
	default:
		return path
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
