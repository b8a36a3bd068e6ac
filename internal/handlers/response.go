package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cliniscribe/notegen-backend/internal/apperr"
)

type APIError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

func RespondError(c *gin.Context, status int, code string, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	c.JSON(status, ErrorEnvelope{
		Error: APIError{
			Message: msg,
			Code:    code,
		},
	})
}

func RespondOK(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, payload)
}

// RespondAppError maps the error taxonomy onto HTTP statuses.
func RespondAppError(c *gin.Context, err error) {
	status, code := statusFor(err)
	RespondError(c, status, code, err)
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, apperr.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, apperr.ErrInvalidTranscript):
		return http.StatusUnprocessableEntity, "invalid_transcript"
	case errors.Is(err, apperr.ErrDependencyUnavailable):
		return http.StatusServiceUnavailable, "dependency_unavailable"
	case errors.Is(err, apperr.ErrLLMInvalidOutput):
		return http.StatusBadGateway, "llm_invalid_output"
	case errors.Is(err, apperr.ErrCitationFailure):
		return http.StatusUnprocessableEntity, "citation_failure"
	case errors.Is(err, apperr.ErrDeliveryFailure):
		return http.StatusBadGateway, "delivery_failure"
	case errors.Is(err, apperr.ErrCancelled):
		return http.StatusConflict, "cancelled"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
