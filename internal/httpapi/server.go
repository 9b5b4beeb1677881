// Package httpapi exposes the webhook endpoints, the pending-message consumer API and the admin API.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-im-bridge/internal/config"
	"gitlab.com/timkado/api/daisi-im-bridge/internal/model"
	"gitlab.com/timkado/api/daisi-im-bridge/internal/platform"
	"gitlab.com/timkado/api/daisi-im-bridge/internal/usecase"
	"gitlab.com/timkado/api/daisi-im-bridge/pkg/utils"
)

// Version is reported by /health.
var Version = "dev"

const defaultMaxLongPoll = 30 * time.Second

// WebhookIngester accepts raw platform webhooks.
type WebhookIngester interface {
	HandleWebhook(ctx context.Context, platformID string, req platform.InboundRequest) (*usecase.IngestResult, error)
}

// PendingConsumer is the list, claim, reply protocol used by remote consumers.
type PendingConsumer interface {
	WaitPending(ctx context.Context, filter model.PendingFilter, wait time.Duration) ([]model.PendingMessage, error)
	MarkProcessing(ctx context.Context, id, source string) (bool, error)
	Reply(ctx context.Context, id, content string) error
	Fail(ctx context.Context, id, reason string) error
}

// BindingRegistry issues binding codes and resolves bound identities.
type BindingRegistry interface {
	IssueBindingCode(ctx context.Context, employeeID, platform string) (*model.IssuedCode, error)
	Lookup(ctx context.Context, platform, externalUserID string) (*model.UserBinding, error)
}

// PlatformAdmin administers platform configs.
type PlatformAdmin interface {
	List(ctx context.Context) ([]model.PlatformConfig, error)
	Update(ctx context.Context, platform string, upd usecase.PlatformUpdate) (*model.PlatformConfig, error)
	Delete(ctx context.Context, platform string) error
}

// TaskAdmin is the async task queue as seen by API callers.
type TaskAdmin interface {
	Enqueue(ctx context.Context, req usecase.EnqueueRequest) (*model.AsyncTask, error)
	Get(ctx context.Context, id string) (*model.AsyncTask, error)
	Cancel(ctx context.Context, id string) error
	Requeue(ctx context.Context, id string) (*model.AsyncTask, error)
}

// ReadinessCheck reports whether a dependency is usable.
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Deps are the services behind the routes.
type Deps struct {
	Ingest    WebhookIngester
	Consumer  PendingConsumer
	Bindings  BindingRegistry
	Platforms PlatformAdmin
	Tasks     TaskAdmin
	Readiness []ReadinessCheck
}

// Server is the service's single HTTP listener.
type Server struct {
	httpServer  *http.Server
	mux         *http.ServeMux
	logger      *zap.Logger
	deps        Deps
	limiter     *RateLimiter
	maxLongPoll time.Duration
}

// HealthResponse is the response structure for health check endpoints
type HealthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// NewServer builds the server and registers every route.
func NewServer(cfg *config.Config, deps Deps, logger *zap.Logger) *Server {
	mux := http.NewServeMux()
	maxLongPoll := cfg.Server.MaxLongPoll
	if maxLongPoll <= 0 {
		maxLongPoll = defaultMaxLongPoll
	}

	s := &Server{
		mux:         mux,
		logger:      logger.Named("http"),
		deps:        deps,
		limiter:     NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst),
		maxLongPoll: maxLongPoll,
	}
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      s.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)

	mux.HandleFunc("POST /webhooks/{platform}", s.handleWebhook)

	mux.HandleFunc("GET /api/pending-messages", s.handleListPending)
	mux.HandleFunc("POST /api/pending-messages/{id}/claim", s.handleClaim)
	mux.HandleFunc("POST /api/pending-messages/{id}/reply", s.handleReply)
	mux.HandleFunc("POST /api/pending-messages/{id}/fail", s.handleFail)

	mux.HandleFunc("POST /api/bindings/codes", s.handleIssueCode)
	mux.HandleFunc("GET /api/bindings/{platform}/{externalUserId}", s.handleLookupBinding)

	mux.HandleFunc("GET /api/platforms", s.handleListPlatforms)
	mux.HandleFunc("PUT /api/platforms/{platform}", s.handleUpdatePlatform)
	mux.HandleFunc("DELETE /api/platforms/{platform}", s.handleDeletePlatform)

	mux.HandleFunc("POST /api/tasks", s.handleEnqueueTask)
	mux.HandleFunc("GET /api/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("POST /api/tasks/{id}/cancel", s.handleCancelTask)
	mux.HandleFunc("POST /api/tasks/{id}/requeue", s.handleRequeueTask)

	return s
}

// Handler returns the routed handler wrapped in the request middleware.
func (s *Server) Handler() http.Handler {
	return s.withRecovery(s.withRequestID(s.mux))
}

// RegisterMetricsHandler adds the /metrics endpoint handler.
// Should only be called if metrics are enabled.
func (s *Server) RegisterMetricsHandler(handler http.Handler) {
	s.logger.Info("Registering /metrics endpoint")
	s.mux.Handle("GET /metrics", handler)
}

// Start begins the HTTP server
func (s *Server) Start() {
	go func() {
		s.logger.Info("Starting HTTP server", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	utils.WriteJSONResponse(w, http.StatusOK, HealthResponse{Status: "UP", Version: Version})
}

// handleReady runs every readiness check; any failure makes the instance not ready.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	resp := HealthResponse{
		Status:  "READY",
		Details: map[string]string{"timestamp": utils.FormatISO8601(utils.Now())},
	}
	for _, check := range s.deps.Readiness {
		if err := check.Check(ctx); err != nil {
			status = http.StatusServiceUnavailable
			resp.Status = "NOT_READY"
			resp.Details[check.Name] = err.Error()
			continue
		}
		resp.Details[check.Name] = "ok"
	}
	utils.WriteJSONResponse(w, status, resp)
}
