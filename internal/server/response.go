package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"slotgrid/internal/ledger"
	"slotgrid/internal/registry"
	"slotgrid/internal/staging"
)

// APIResponse is the uniform envelope for every JSON endpoint.
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func respondOK(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, APIResponse{Success: true, Data: data})
}

func respondError(c *gin.Context, err error) {
	c.JSON(statusFor(err), APIResponse{Success: false, Error: err.Error()})
}

// statusFor maps domain sentinels onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, registry.ErrInvalidAddress),
		errors.Is(err, registry.ErrUnknownEngine),
		errors.Is(err, staging.ErrInvalidSubmission):
		return http.StatusBadRequest
	case errors.Is(err, registry.ErrNotFound),
		errors.Is(err, ledger.ErrNodeNotFound),
		errors.Is(err, ledger.ErrVersionNotFound),
		errors.Is(err, staging.ErrSnippetNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrCapacityExhausted),
		errors.Is(err, registry.ErrSlotBusy),
		errors.Is(err, registry.ErrTokenExpired),
		errors.Is(err, staging.ErrInvalidPhase):
		return http.StatusConflict
	case errors.Is(err, registry.ErrLockedSlot):
		return http.StatusLocked
	case errors.Is(err, registry.ErrQuotaExceeded):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
