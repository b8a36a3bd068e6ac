package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/cliniscribe/notegen-backend/internal/apperr"
	"github.com/cliniscribe/notegen-backend/internal/platform/logger"
	"github.com/cliniscribe/notegen-backend/internal/preferences"
)

type PreferencesHandler struct {
	log   *logger.Logger
	store preferences.Store
}

func NewPreferencesHandler(log *logger.Logger, store preferences.Store) *PreferencesHandler {
	return &PreferencesHandler{
		log:   log.With("service", "PreferencesHandler"),
		store: store,
	}
}

// GET /internal/doctors/:id/preferences
func (h *PreferencesHandler) GetDoctorPreferences(c *gin.Context) {
	doctorID := strings.TrimSpace(c.Param("id"))
	if doctorID == "" {
		RespondError(c, http.StatusBadRequest, "invalid_doctor_id", apperr.Invalid("doctor id required"))
		return
	}
	prefs, err := h.store.Get(c.Request.Context(), doctorID)
	if err != nil {
		RespondAppError(c, err)
		return
	}
	RespondOK(c, gin.H{"preferences": prefs})
}

type putPreferencesRequest struct {
	Terms map[string]string `json:"terms"`
}

// PUT /internal/doctors/:id/preferences
func (h *PreferencesHandler) PutDoctorPreferences(c *gin.Context) {
	doctorID := strings.TrimSpace(c.Param("id"))
	if doctorID == "" {
		RespondError(c, http.StatusBadRequest, "invalid_doctor_id", apperr.Invalid("doctor id required"))
		return
	}
	var req putPreferencesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	if len(req.Terms) == 0 {
		RespondError(c, http.StatusBadRequest, "invalid_request", apperr.Invalid("terms map required"))
		return
	}

	prefs, err := h.store.Put(c.Request.Context(), doctorID, req.Terms)
	if err != nil {
		RespondAppError(c, err)
		return
	}
	h.log.Info("Doctor preferences updated", "doctor_id", doctorID, "terms", len(req.Terms))
	RespondOK(c, gin.H{"preferences": prefs})
}
