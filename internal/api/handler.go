// Package api exposes the scheduler over HTTP: schedule an operation, look
// at the current wake target, fire an operation by hand, plus health and
// Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/livinlefevreloca/deferral/internal/emitter"
	"github.com/livinlefevreloca/deferral/internal/operation"
)

// Error codes for emit failures, alongside the emitter's schedule codes.
const (
	CodeNotDue         = "not_due"
	CodeCorrupt        = "corrupt"
	CodeDeliveryFailed = "delivery_failed"
)

// Service is what the handlers drive; *emitter.Emitter implements it.
type Service interface {
	ScheduleRequest(ctx context.Context, req emitter.ScheduleRequest) (operation.ID, operation.WakeEvent, error)
	Emit(ctx context.Context, id operation.ID) (operation.WakeEvent, error)
	Next(ctx context.Context) (*operation.NextOperation, error)
}

// HealthFunc reports whether a dependency is usable. Nil means healthy.
type HealthFunc func(ctx context.Context) error

type scheduleResponse struct {
	ID   string               `json:"id"`
	Wake *operation.WakeEvent `json:"wake"`
}

type nextResponse struct {
	Next *operation.NextOperation `json:"next"`
}

type emitResponse struct {
	Wake operation.WakeEvent `json:"wake"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Handler serves the operations API.
type Handler struct {
	svc    Service
	health map[string]HealthFunc
	logger *slog.Logger
}

// NewHandler creates a handler. health checks are keyed by component name.
func NewHandler(svc Service, health map[string]HealthFunc, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, health: health, logger: logger}
}

// NewRouter mounts every route with the standard middleware stack.
func NewRouter(h *Handler, maxBodyBytes int64) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(h.logger))
	r.Use(middleware.Recoverer)
	r.Use(LimitBody(maxBodyBytes))

	r.Get("/healthz", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1/operations", func(r chi.Router) {
		r.Post("/", h.Schedule)
		r.Get("/next", h.Next)
		r.Post("/{id}/emit", h.Emit)
	})
	return r
}

// Schedule handles POST /v1/operations.
func (h *Handler) Schedule(w http.ResponseWriter, r *http.Request) {
	var req emitter.ScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, emitter.CodeInvalidRequest, err)
			return
		}
		writeError(w, http.StatusBadRequest, emitter.CodeInvalidRequest, err)
		return
	}

	id, ev, err := h.svc.ScheduleRequest(r.Context(), req)
	if err != nil {
		code := emitter.ErrorCode(err)
		if code == emitter.CodeWakeUnavailable {
			h.logger.Warn("operation scheduled without wake update", "operation_id", id, "error", err)
			writeJSON(w, http.StatusCreated, scheduleResponse{ID: string(id)})
			return
		}
		writeError(w, scheduleStatus(code), code, err)
		return
	}

	writeJSON(w, http.StatusCreated, scheduleResponse{ID: string(id), Wake: &ev})
}

// Next handles GET /v1/operations/next.
func (h *Handler) Next(w http.ResponseWriter, r *http.Request) {
	next, err := h.svc.Next(r.Context())
	if err != nil {
		if operation.IsTransient(err) {
			writeError(w, http.StatusServiceUnavailable, emitter.CodeUnavailable, err)
			return
		}
		writeError(w, http.StatusInternalServerError, emitter.CodeInternal, err)
		return
	}
	writeJSON(w, http.StatusOK, nextResponse{Next: next})
}

// Emit handles POST /v1/operations/{id}/emit. It runs the wake cycle for an
// operation that is already due, for example after a missed timer. An
// operation still ahead of its due instant is left pending and reported as
// 409 not_due; a closed or unknown id reports the current target.
func (h *Handler) Emit(w http.ResponseWriter, r *http.Request) {
	id, err := operation.ParseID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, emitter.CodeInvalidRequest, err)
		return
	}

	h.logger.Info("manual emit requested", "operation_id", id)
	ev, err := h.svc.Emit(r.Context(), id)
	if err != nil {
		status, code := emitStatus(err)
		writeError(w, status, code, err)
		return
	}
	writeJSON(w, http.StatusOK, emitResponse{Wake: ev})
}

// Health handles GET /healthz.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	checks := make(map[string]string, len(h.health))
	for name, check := range h.health {
		if err := check(r.Context()); err != nil {
			status = http.StatusServiceUnavailable
			checks[name] = err.Error()
			continue
		}
		checks[name] = "ok"
	}

	body := map[string]any{"status": "ok", "checks": checks}
	if status != http.StatusOK {
		body["status"] = "degraded"
	}
	writeJSON(w, status, body)
}

func scheduleStatus(code string) int {
	switch code {
	case emitter.CodeInvalidRequest, emitter.CodeInvalidDueTime, emitter.CodeUnknownType:
		return http.StatusBadRequest
	case emitter.CodeDuplicate:
		return http.StatusConflict
	case emitter.CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func emitStatus(err error) (int, string) {
	switch {
	case operation.IsNotDue(err):
		return http.StatusConflict, CodeNotDue
	case operation.IsTransient(err):
		return http.StatusServiceUnavailable, emitter.CodeUnavailable
	case errors.Is(err, operation.ErrDeliveryFailed):
		return http.StatusBadGateway, CodeDeliveryFailed
	case errors.Is(err, operation.ErrDeserializationFailed):
		return http.StatusInternalServerError, CodeCorrupt
	default:
		return http.StatusInternalServerError, emitter.CodeInternal
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error(), Code: code})
}
