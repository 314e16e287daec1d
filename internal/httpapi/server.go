package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/activitysync/internal/importer"
	"github.com/agentworkforce/activitysync/internal/item"
	"github.com/agentworkforce/activitysync/internal/review"
	"github.com/agentworkforce/activitysync/internal/sources"
	"github.com/agentworkforce/activitysync/internal/webhook"
)

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	Logger          logrus.FieldLogger
}

// Services are the components the HTTP surface exposes. Any of them may be
// nil, in which case its routes answer 503.
type Services struct {
	Orchestrator *importer.Orchestrator
	Review       *review.Queue
	Gateway      *webhook.Gateway
	Sources      *sources.Registry
	Lookup       *sources.ThrottleGate
}

type Server struct {
	svc         Services
	cfg         ServerConfig
	router      *mux.Router
	logger      logrus.FieldLogger
	rateLimiter *rateLimiter
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

type principalKey struct{}

func NewServer(svc Services, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	s := &Server{svc: svc, cfg: cfg, logger: cfg.Logger}
	if cfg.RateLimitMax > 0 {
		s.rateLimiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID(req))
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", correlationID(req))
	})

	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/webhooks/{service}", s.handleWebhook).Methods(http.MethodPost)

	r.Handle("/v1/imports", s.authorized(scopeImportsWrite, s.handleCreateImport)).Methods(http.MethodPost)
	r.Handle("/v1/imports", s.authorized(scopeImportsRead, s.handleListImports)).Methods(http.MethodGet)
	r.Handle("/v1/imports/gc", s.authorized(scopeImportsWrite, s.handleCollectGarbage)).Methods(http.MethodPost)
	r.Handle("/v1/imports/{id}", s.authorized(scopeImportsRead, s.handleImportStatus)).Methods(http.MethodGet)
	r.Handle("/v1/imports/{id}/cancel", s.authorized(scopeImportsWrite, s.handleCancelImport)).Methods(http.MethodPost)
	r.Handle("/v1/imports/{id}/stream", s.authorized(scopeImportsRead, s.handleImportStream)).Methods(http.MethodGet)
	r.Handle("/v1/review", s.authorized(scopeReviewRead, s.handleListReview)).Methods(http.MethodGet)
	r.Handle("/v1/review/{id}/approve", s.authorized(scopeReviewWrite, s.handleApproveReview)).Methods(http.MethodPost)
	r.Handle("/v1/review/{id}/reject", s.authorized(scopeReviewWrite, s.handleRejectReview)).Methods(http.MethodPost)
	r.Handle("/v1/webhooks", s.authorized(scopeWebhooksRead, s.handleListWebhooks)).Methods(http.MethodGet)
	r.Handle("/v1/webhooks/activity", s.authorized(scopeWebhooksRead, s.handleWebhookActivity)).Methods(http.MethodGet)
	r.Handle("/v1/webhooks/secrets/{service}", s.authorized(scopeWebhooksRead, s.handleWebhookSecret)).Methods(http.MethodGet)
	r.Handle("/v1/webhooks/secrets/{service}", s.authorized(scopeWebhooksWrite, s.handlePinWebhookSecret)).Methods(http.MethodPut)
	r.Handle("/v1/sources", s.authorized(scopeImportsRead, s.handleListSources)).Methods(http.MethodGet)
	r.Handle("/v1/sources/{source}/search", s.authorized(scopeLookup, s.handleSearch)).Methods(http.MethodGet)
	return r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("X-Correlation-Id") == "" {
		r.Header.Set("X-Correlation-Id", uuid.NewString())
	}
	w.Header().Set("X-Correlation-Id", r.Header.Get("X-Correlation-Id"))
	s.router.ServeHTTP(w, r)
}

// authorized checks the bearer token for scope and applies the per-subject
// rate limit before calling next.
func (s *Server) authorized(scope string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr := correlationID(r)
		caller, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, scope, time.Now().UTC())
		if authErr != nil {
			writeError(w, authErr.status, authErr.code, authErr.message, corr)
			return
		}
		if s.rateLimiter != nil && !s.rateLimiter.allow(caller.Subject, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", corr)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, caller)))
	})
}

func principalFrom(r *http.Request) principal {
	caller, _ := r.Context().Value(principalKey{}).(principal)
	return caller
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if s.svc.Gateway == nil {
		writeUnavailable(w, r, "webhooks")
		return
	}
	resp, werr := s.svc.Gateway.Handle(r.Context(), mux.Vars(r)["service"], r)
	if werr != nil {
		writeError(w, werr.Status, werr.Code, werr.Message, correlationID(r))
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCreateImport(w http.ResponseWriter, r *http.Request) {
	if s.svc.Orchestrator == nil {
		writeUnavailable(w, r, "imports")
		return
	}
	var body struct {
		Source string `json:"source"`
		importer.Options
	}
	body.Options = importer.DefaultOptions()
	if !s.decodeJSONBody(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.Source) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "source is required", correlationID(r))
		return
	}
	report, err := s.svc.Orchestrator.CreateJob(r.Context(), body.Source, body.Options)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, report)
}

func (s *Server) handleListImports(w http.ResponseWriter, r *http.Request) {
	if s.svc.Orchestrator == nil {
		writeUnavailable(w, r, "imports")
		return
	}
	reports, err := s.svc.Orchestrator.List(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if source := strings.TrimSpace(r.URL.Query().Get("source")); source != "" {
		filtered := reports[:0]
		for _, report := range reports {
			if report.Source == source {
				filtered = append(filtered, report)
			}
		}
		reports = filtered
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": reports})
}

func (s *Server) handleImportStatus(w http.ResponseWriter, r *http.Request) {
	if s.svc.Orchestrator == nil {
		writeUnavailable(w, r, "imports")
		return
	}
	report, err := s.svc.Orchestrator.Status(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleCancelImport(w http.ResponseWriter, r *http.Request) {
	if s.svc.Orchestrator == nil {
		writeUnavailable(w, r, "imports")
		return
	}
	report, err := s.svc.Orchestrator.Cancel(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleCollectGarbage(w http.ResponseWriter, r *http.Request) {
	if s.svc.Orchestrator == nil {
		writeUnavailable(w, r, "imports")
		return
	}
	var retention time.Duration
	if raw := strings.TrimSpace(r.URL.Query().Get("retention")); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid retention", correlationID(r))
			return
		}
		retention = parsed
	}
	deleted, err := s.svc.Orchestrator.CollectGarbage(r.Context(), retention)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": deleted})
}

// handleImportStream pushes a status report over a websocket after every
// change to the job and closes once the job is terminal.
func (s *Server) handleImportStream(w http.ResponseWriter, r *http.Request) {
	if s.svc.Orchestrator == nil {
		writeUnavailable(w, r, "imports")
		return
	}
	id := mux.Vars(r)["id"]
	updates, stop := s.svc.Orchestrator.Watch(id)
	defer stop()
	report, err := s.svc.Orchestrator.Status(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.WithError(err).WithField("job_id", id).Warn("Websocket upgrade failed")
		return
	}
	defer conn.CloseNow()
	ctx := conn.CloseRead(r.Context())

	for {
		if err := wsjson.Write(ctx, conn, report); err != nil {
			return
		}
		if report.Status.Terminal() {
			_ = conn.Close(websocket.StatusNormalClosure, string(report.Status))
			return
		}
		select {
		case <-ctx.Done():
			return
		case report = <-updates:
		}
	}
}

func (s *Server) handleListReview(w http.ResponseWriter, r *http.Request) {
	if s.svc.Review == nil {
		writeUnavailable(w, r, "review")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": s.svc.Review.List()})
}

func (s *Server) handleApproveReview(w http.ResponseWriter, r *http.Request) {
	if s.svc.Review == nil {
		writeUnavailable(w, r, "review")
		return
	}
	result, err := s.svc.Review.Approve(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"outcome": result.Outcome, "id": result.ID})
}

func (s *Server) handleRejectReview(w http.ResponseWriter, r *http.Request) {
	if s.svc.Review == nil {
		writeUnavailable(w, r, "review")
		return
	}
	entry, err := s.svc.Review.Reject(mux.Vars(r)["id"])
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

type webhookEndpointView struct {
	Service     webhook.Service     `json:"service"`
	Path        string              `json:"path"`
	Auth        webhook.AuthType    `json:"auth"`
	ContentType webhook.ContentType `json:"contentType"`
	AutoPost    bool                `json:"autoPost"`
	Enabled     bool                `json:"enabled"`
}

func (s *Server) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	if s.svc.Gateway == nil {
		writeUnavailable(w, r, "webhooks")
		return
	}
	endpoints := s.svc.Gateway.Endpoints()
	views := make([]webhookEndpointView, 0, len(endpoints))
	for _, ep := range endpoints {
		views = append(views, webhookEndpointView{
			Service:     ep.Service,
			Path:        "/webhooks/" + string(ep.Service),
			Auth:        ep.Auth,
			ContentType: ep.ContentType,
			AutoPost:    ep.AutoPost,
			Enabled:     ep.Enabled,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"webhooks": views})
}

func (s *Server) handleWebhookActivity(w http.ResponseWriter, r *http.Request) {
	if s.svc.Gateway == nil {
		writeUnavailable(w, r, "webhooks")
		return
	}
	limit := parseBoundedInt(r.URL.Query().Get("limit"), 100, 1, 100)
	writeJSON(w, http.StatusOK, map[string]any{"activity": s.svc.Gateway.Activity(limit)})
}

func (s *Server) handleWebhookSecret(w http.ResponseWriter, r *http.Request) {
	if s.svc.Gateway == nil {
		writeUnavailable(w, r, "webhooks")
		return
	}
	service := strings.ToLower(mux.Vars(r)["service"])
	secret, err := s.svc.Gateway.Secret(service)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"service": service,
		"secret":  secret,
		"path":    "/webhooks/" + service,
	})
}

func (s *Server) handlePinWebhookSecret(w http.ResponseWriter, r *http.Request) {
	if s.svc.Gateway == nil {
		writeUnavailable(w, r, "webhooks")
		return
	}
	var body struct {
		Secret string `json:"secret"`
	}
	if !s.decodeJSONBody(w, r, &body) {
		return
	}
	service := strings.ToLower(mux.Vars(r)["service"])
	if err := s.svc.Gateway.PinSecret(service, body.Secret); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListSources(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sources": s.svc.Sources.IDs()})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	adapter, err := s.svc.Sources.Lookup(mux.Vars(r)["source"])
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	searcher, ok := adapter.(sources.Searcher)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "source does not support lookup", correlationID(r))
		return
	}
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "q is required", correlationID(r))
		return
	}
	limit := parseBoundedInt(r.URL.Query().Get("limit"), 10, 1, 50)
	results, err := sources.ThrottledSearch(r.Context(), s.svc.Lookup, searcher, principalFrom(r).Subject, query, limit)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

// writeServiceError maps domain errors onto the error envelope.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	corr := correlationID(r)
	switch {
	case errors.Is(err, importer.ErrNotFound),
		errors.Is(err, review.ErrNotFound),
		errors.Is(err, sources.ErrUnknownSource),
		errors.Is(err, webhook.ErrUnknownService):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), corr)
	case errors.Is(err, importer.ErrInvalidInput),
		errors.Is(err, review.ErrInvalidInput),
		errors.Is(err, item.ErrInvalidItem),
		errors.Is(err, webhook.ErrInvalidSecret):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), corr)
	case errors.Is(err, sources.ErrConfig):
		writeError(w, http.StatusBadRequest, "source_not_configured", err.Error(), corr)
	case errors.Is(err, importer.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_state", err.Error(), corr)
	case errors.Is(err, sources.ErrThrottled):
		writeError(w, http.StatusTooManyRequests, "rate_limited", err.Error(), corr)
	case errors.Is(err, sources.ErrAuth), errors.Is(err, sources.ErrNetwork), errors.Is(err, sources.ErrMalformed):
		writeError(w, http.StatusBadGateway, "upstream_error", err.Error(), corr)
	default:
		s.logger.WithError(err).WithFields(logrus.Fields{
			"path":           r.URL.Path,
			"correlation_id": corr,
		}).Error("Request failed")
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), corr)
	}
}

func writeUnavailable(w http.ResponseWriter, r *http.Request, component string) {
	writeError(w, http.StatusServiceUnavailable, "unavailable", component+" are not configured", correlationID(r))
}

func correlationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID(r))
			return false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID(r))
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID(r))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}
