package followup

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/wolfman30/vet-followup/internal/calls"
	"github.com/wolfman30/vet-followup/internal/dispatch"
	"github.com/wolfman30/vet-followup/internal/retry"
	"github.com/wolfman30/vet-followup/internal/store"
	"github.com/wolfman30/vet-followup/internal/tenancy"
	"github.com/wolfman30/vet-followup/pkg/logging"
)

type followups interface {
	Schedule(ctx context.Context, req ScheduleRequest) (*ScheduleResult, error)
	Cancel(ctx context.Context, clinicID string, actionID uuid.UUID) (*calls.Action, error)
	HandleEvent(ctx context.Context, ev dispatch.Event) error
	List(ctx context.Context, clinicID string, limit int) []calls.Action
	Stats(ctx context.Context, clinicID string) (calls.Stats, error)
}

// Handler exposes follow-up scheduling over HTTP.
type Handler struct {
	svc    followups
	logger *logging.Logger
}

func NewHandler(svc followups, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{svc: svc, logger: logger}
}

// RegisterRoutes mounts the follow-up endpoints under /api/v1.
func (h *Handler) RegisterRoutes(r chi.Router) {
	scoped := r.With(clinicContext)
	scoped.Post("/api/v1/clinics/{clinicID}/cases/{caseID}/followups", h.schedule)
	scoped.Get("/api/v1/clinics/{clinicID}/followups", h.list)
	scoped.Get("/api/v1/clinics/{clinicID}/followups/stats", h.stats)
	scoped.Delete("/api/v1/clinics/{clinicID}/followups/{actionID}", h.cancel)
	r.Post("/api/v1/dispatch/events", h.event)
}

func clinicContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clinicID := chi.URLParam(r, "clinicID")
		if clinicID == "" {
			writeError(w, http.StatusBadRequest, "missing clinic_id")
			return
		}
		next.ServeHTTP(w, r.WithContext(tenancy.WithClinicID(r.Context(), clinicID)))
	})
}

type scheduleBody struct {
	Channel calls.Channel `json:"channel,omitempty"`
}

func (h *Handler) schedule(w http.ResponseWriter, r *http.Request) {
	clinicID, _ := tenancy.ClinicIDFromContext(r.Context())
	var body scheduleBody
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	if body.Channel != "" && body.Channel != calls.ChannelCall && body.Channel != calls.ChannelEmail {
		writeError(w, http.StatusBadRequest, "channel must be call or email")
		return
	}

	result, err := h.svc.Schedule(r.Context(), ScheduleRequest{
		ClinicID: clinicID,
		CaseID:   chi.URLParam(r, "caseID"),
		Channel:  body.Channel,
	})
	if err != nil {
		var notReady *NotReadyError
		if errors.As(err, &notReady) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"error":     err.Error(),
				"readiness": notReady.Result,
			})
			return
		}
		h.fail(w, "schedule", err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "actionID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid action id")
		return
	}
	clinicID, _ := tenancy.ClinicIDFromContext(r.Context())
	action, err := h.svc.Cancel(r.Context(), clinicID, id)
	if err != nil {
		h.fail(w, "cancel", err)
		return
	}
	writeJSON(w, http.StatusOK, action)
}

func (h *Handler) event(w http.ResponseWriter, r *http.Request) {
	var ev dispatch.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if ev.Status == "" || (ev.ActionID == "" && ev.ExternalID == "") {
		writeError(w, http.StatusBadRequest, "status and action_id or external_id required")
		return
	}
	if err := h.svc.HandleEvent(r.Context(), ev); err != nil {
		h.fail(w, "event", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	clinicID, _ := tenancy.ClinicIDFromContext(r.Context())
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}
	actions := h.svc.List(r.Context(), clinicID, limit)
	writeJSON(w, http.StatusOK, map[string]any{
		"followups": actions,
		"count":     len(actions),
	})
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	clinicID, _ := tenancy.ClinicIDFromContext(r.Context())
	stats, err := h.svc.Stats(r.Context(), clinicID)
	if err != nil {
		h.fail(w, "stats", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"by_status": stats,
		"total":     stats.Total(),
	})
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("followup handler: "+op, "error", err)
	} else {
		h.logger.Info("followup handler: "+op+" rejected", "status", status, "error", err)
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrCaseNotFound), errors.Is(err, calls.ErrActionNotFound), store.IsNotFound(err):
		return http.StatusNotFound
	case store.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, ErrNoChannel):
		return http.StatusUnprocessableEntity
	case errors.Is(err, calls.ErrNotCancellable), errors.Is(err, calls.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, retry.ErrExhausted):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
