package clinic

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/wolfman30/vet-followup/internal/businesshours"
	"github.com/wolfman30/vet-followup/pkg/logging"
)

// preferenceRepository is the store surface the handler needs.
type preferenceRepository interface {
	Get(ctx context.Context, clinicID string) (*Preferences, error)
	Set(ctx context.Context, prefs *Preferences) error
}

// Handler exposes follow-up preferences for clinic admins.
type Handler struct {
	store  preferenceRepository
	logger *logging.Logger
}

// NewHandler creates a preferences HTTP handler.
func NewHandler(store preferenceRepository, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{store: store, logger: logger}
}

// RegisterRoutes mounts the preference endpoints.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/api/v1/clinics/{clinicID}/followup-preferences", h.GetPreferences)
	r.Put("/api/v1/clinics/{clinicID}/followup-preferences", h.UpdatePreferences)
}

// GetPreferences returns the saved or default preferences.
// GET /api/v1/clinics/{clinicID}/followup-preferences
func (h *Handler) GetPreferences(w http.ResponseWriter, r *http.Request) {
	clinicID := chi.URLParam(r, "clinicID")
	prefs, err := h.store.Get(r.Context(), clinicID)
	if err != nil {
		h.logger.Error("clinic: get preferences failed", "clinic_id", clinicID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, prefs)
}

// UpdatePreferencesRequest is a partial update. Absent fields keep their value.
type UpdatePreferencesRequest struct {
	Timezone         *string                   `json:"timezone,omitempty"`
	Window           *businesshours.Config     `json:"window,omitempty"`
	Daily            businesshours.DailyConfig `json:"daily,omitempty"`
	CallDelayMinutes *int                      `json:"call_delay_minutes,omitempty"`
	CallEnabled      *bool                     `json:"call_enabled,omitempty"`
	EmailEnabled     *bool                     `json:"email_enabled,omitempty"`
}

// UpdatePreferences applies a partial update.
// PUT /api/v1/clinics/{clinicID}/followup-preferences
func (h *Handler) UpdatePreferences(w http.ResponseWriter, r *http.Request) {
	clinicID := chi.URLParam(r, "clinicID")

	var req UpdatePreferencesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	prefs, err := h.store.Get(r.Context(), clinicID)
	if err != nil {
		h.logger.Error("clinic: get preferences failed", "clinic_id", clinicID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if req.Timezone != nil {
		prefs.Timezone = *req.Timezone
	}
	if req.Window != nil {
		prefs.Window = *req.Window
	}
	if req.Daily != nil {
		prefs.Daily = req.Daily
	}
	if req.CallDelayMinutes != nil {
		prefs.CallDelayMinutes = *req.CallDelayMinutes
	}
	if req.CallEnabled != nil {
		prefs.CallEnabled = *req.CallEnabled
	}
	if req.EmailEnabled != nil {
		prefs.EmailEnabled = *req.EmailEnabled
	}

	if err := prefs.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.store.Set(r.Context(), prefs); err != nil {
		h.logger.Error("clinic: save preferences failed", "clinic_id", clinicID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save preferences")
		return
	}

	h.logger.Info("clinic: follow-up preferences updated", "clinic_id", clinicID)
	writeJSON(w, http.StatusOK, prefs)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
