// Package api exposes the orchestrator over HTTP for the CLI, dashboards and
// chat-driven automation. It is a thin transport: every operation maps 1:1 to
// a facade call and every error to a taxonomy status code.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/artpar/slipway/internal/core/domain"
	"github.com/artpar/slipway/internal/orchestrator"
	"github.com/artpar/slipway/internal/shell/build"
	"github.com/artpar/slipway/internal/shell/pipeline"
	"github.com/artpar/slipway/internal/shell/promotion"
	"github.com/artpar/slipway/internal/shell/remote"
	"github.com/artpar/slipway/internal/shell/store"
)

const requestTimeout = 10 * time.Minute

// Service is the operation surface the API exposes. The orchestrator
// implements it; tests inject fakes.
type Service interface {
	Deploy(ctx context.Context, req orchestrator.DeployRequest) (*orchestrator.DeployResult, error)
	Promote(ctx context.Context, project string, env domain.Environment, actor string) (*orchestrator.PromoteResult, error)
	Rollback(ctx context.Context, project string, env domain.Environment, actor, reason string) (*orchestrator.PromoteResult, error)
	Status(ctx context.Context, project string, env domain.Environment) (*orchestrator.StatusReport, error)
	Cleanup(ctx context.Context, project string, env domain.Environment) ([]string, error)
	History(ctx context.Context, project string, env domain.Environment, limit int) ([]domain.DeploymentRun, error)
	ListEnvironments(ctx context.Context) ([]domain.ProjectSlots, error)
}

// Config holds API server settings.
type Config struct {
	// RateLimitPerMinute is the per-IP request budget. 0 disables limiting.
	RateLimitPerMinute int
}

// Handler serves the HTTP API.
type Handler struct {
	service Service
	config  Config
	logger  *slog.Logger
}

// NewHandler creates the API handler.
func NewHandler(service Service, config Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		service: service,
		config:  config,
		logger:  logger.With("component", "api"),
	}
}

// Router builds the chi router with all routes and middleware.
func (h *Handler) Router() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))
	r.Use(h.logRequests)
	if h.config.RateLimitPerMinute > 0 {
		r.Use(NewRateLimitMiddleware(h.config.RateLimitPerMinute, h.logger))
	}

	r.Get("/health", h.handleHealth)
	r.Get("/ready", h.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/environments", h.handleListEnvironments)
		r.Route("/projects/{project}/environments/{env}", func(r chi.Router) {
			r.Post("/deploy", h.handleDeploy)
			r.Post("/promote", h.handlePromote)
			r.Post("/rollback", h.handleRollback)
			r.Post("/cleanup", h.handleCleanup)
			r.Get("/status", h.handleStatus)
			r.Get("/runs", h.handleRuns)
		})
	})

	return r
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			h.logger.Info("http_request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration_ms", time.Since(start).Milliseconds(),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}

// =============================================================================
// Request / Response Types
// =============================================================================

type deployRequest struct {
	ImageRef        string `json:"image_ref,omitempty"`
	GitURL          string `json:"git_url,omitempty"`
	GitRef          string `json:"git_ref,omitempty"`
	Version         string `json:"version,omitempty"`
	Team            string `json:"team,omitempty"`
	Actor           string `json:"actor,omitempty"`
	SkipValidate    bool   `json:"skip_validate,omitempty"`
	SkipHealthCheck bool   `json:"skip_health_check,omitempty"`
}

type actorRequest struct {
	Actor  string `json:"actor,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type deployResponse struct {
	RunID   string                `json:"run_id"`
	Slot    string                `json:"slot"`
	Preview string                `json:"preview"`
	Run     *domain.DeploymentRun `json:"run"`
}

type promoteResponse struct {
	ActiveSlot      string               `json:"active_slot"`
	ActiveVersion   string               `json:"active_version"`
	PreviousVersion string               `json:"previous_version,omitempty"`
	Slots           *domain.ProjectSlots `json:"slots"`
}

type cleanupResponse struct {
	Cleaned []string `json:"cleaned"`
}

type errorResponse struct {
	Error string `json:"error"`
	Step  string `json:"step,omitempty"`
}

// =============================================================================
// Handlers
// =============================================================================

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleListEnvironments(w http.ResponseWriter, r *http.Request) {
	envs, err := h.service.ListEnvironments(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envs)
}

func (h *Handler) handleDeploy(w http.ResponseWriter, r *http.Request) {
	project, env, ok := h.pathKey(w, r)
	if !ok {
		return
	}
	var body deployRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}

	result, err := h.service.Deploy(r.Context(), orchestrator.DeployRequest{
		Project:         project,
		Environment:     env,
		Team:            body.Team,
		Actor:           body.Actor,
		SkipValidate:    body.SkipValidate,
		SkipHealthCheck: body.SkipHealthCheck,
		Build: build.Spec{
			Project:  project,
			Version:  body.Version,
			ImageRef: body.ImageRef,
			GitURL:   body.GitURL,
			GitRef:   body.GitRef,
		},
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deployResponse{
		RunID:   result.Run.ID,
		Slot:    result.Slot,
		Preview: result.Preview,
		Run:     result.Run,
	})
}

func (h *Handler) handlePromote(w http.ResponseWriter, r *http.Request) {
	project, env, ok := h.pathKey(w, r)
	if !ok {
		return
	}
	var body actorRequest
	decodeOptional(r, &body)

	result, err := h.service.Promote(r.Context(), project, env, body.Actor)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, promoteResponse{
		ActiveSlot:      result.ActiveSlot,
		ActiveVersion:   result.ActiveVersion,
		PreviousVersion: result.PreviousVersion,
		Slots:           result.Slots,
	})
}

func (h *Handler) handleRollback(w http.ResponseWriter, r *http.Request) {
	project, env, ok := h.pathKey(w, r)
	if !ok {
		return
	}
	var body actorRequest
	decodeOptional(r, &body)

	result, err := h.service.Rollback(r.Context(), project, env, body.Actor, body.Reason)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, promoteResponse{
		ActiveSlot:      result.ActiveSlot,
		ActiveVersion:   result.ActiveVersion,
		PreviousVersion: result.PreviousVersion,
		Slots:           result.Slots,
	})
}

func (h *Handler) handleCleanup(w http.ResponseWriter, r *http.Request) {
	project, env, ok := h.pathKey(w, r)
	if !ok {
		return
	}
	cleaned, err := h.service.Cleanup(r.Context(), project, env)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if cleaned == nil {
		cleaned = []string{}
	}
	writeJSON(w, http.StatusOK, cleanupResponse{Cleaned: cleaned})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	project, env, ok := h.pathKey(w, r)
	if !ok {
		return
	}
	report, err := h.service.Status(r.Context(), project, env)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) handleRuns(w http.ResponseWriter, r *http.Request) {
	project, env, ok := h.pathKey(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := h.service.History(r.Context(), project, env, limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

// =============================================================================
// Helpers
// =============================================================================

func (h *Handler) pathKey(w http.ResponseWriter, r *http.Request) (string, domain.Environment, bool) {
	project := chi.URLParam(r, "project")
	env, err := domain.ParseEnvironment(chi.URLParam(r, "env"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
		return "", "", false
	}
	return project, env, true
}

// decodeOptional reads an optional JSON body, ignoring an empty one.
func decodeOptional(r *http.Request, v any) {
	if r.Body == nil {
		return
	}
	_ = json.NewDecoder(r.Body).Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy to HTTP status codes. Step failures
// carry the failed step name so operators never see a bare "failed".
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	resp := errorResponse{Error: err.Error()}

	var stepErr *pipeline.StepError
	if errors.As(err, &stepErr) {
		resp.Step = stepErr.Step
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, domain.ErrUnknownEnvironment):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrSlotBusy), errors.Is(err, store.ErrStateConflict),
		errors.Is(err, store.ErrDuplicate):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrNotPromotable), errors.Is(err, domain.ErrNoRollbackTarget),
		errors.Is(err, domain.ErrInvalidTransition):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, remote.ErrPoolExhausted):
		status = http.StatusServiceUnavailable
	case errors.Is(err, remote.ErrConnectionFailed), errors.Is(err, promotion.ErrPromotionFailed):
		status = http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}

	writeJSON(w, status, resp)
}
