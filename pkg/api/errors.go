package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fleettools/squawk/pkg/services"
)

// errorDetail is one machine-readable validation failure in a 400 body.
type errorDetail struct {
	Code    string         `json:"code"`
	Field   string         `json:"field,omitempty"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// respondError maps service-layer errors to HTTP responses. Validation
// failures return the full error list; everything else maps by sentinel.
func respondError(c *gin.Context, err error) {
	var validErrs *services.ValidationErrors
	if errors.As(err, &validErrs) {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"errors":  detailList(validErrs.Errors),
		})
		return
	}
	var validErr *services.ValidationError
	if errors.As(err, &validErr) {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"errors":  detailList([]*services.ValidationError{validErr}),
		})
		return
	}

	switch {
	case errors.Is(err, services.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
	case errors.Is(err, services.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": err.Error()})
	case errors.Is(err, services.ErrNotOwner):
		c.JSON(http.StatusForbidden, gin.H{"success": false, "error": err.Error()})
	case errors.Is(err, services.ErrConflict),
		errors.Is(err, services.ErrConsumed),
		errors.Is(err, services.ErrAlreadyExists):
		c.JSON(http.StatusConflict, gin.H{"success": false, "error": err.Error()})
	default:
		slog.Error("Unexpected service error", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "internal server error"})
	}
}

// respondBindError covers malformed JSON and missing binding:"required"
// fields before a request reaches a service.
func respondBindError(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
}

func detailList(errs []*services.ValidationError) []errorDetail {
	out := make([]errorDetail, 0, len(errs))
	for _, e := range errs {
		out = append(out, errorDetail{
			Code:    e.Code,
			Field:   e.Field,
			Message: e.Message,
			Details: e.Details,
		})
	}
	return out
}
