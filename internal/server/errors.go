package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	billingdomain "github.com/smallbiznis/creditline/internal/billingprovider/domain"
	"github.com/smallbiznis/creditline/internal/errs"
)

type errorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrInvalidRequest  = errors.New("invalid_request")
	ErrPayloadTooLarge = errors.New("payload_too_large")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func mapError(err error) (int, errorPayload) {
	switch {
	case errors.Is(err, ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge, errorPayload{Type: "payload_too_large", Message: "request body too large"}
	case errors.Is(err, ErrInvalidRequest), rejectedNotification(err):
		return http.StatusBadRequest, errorPayload{Type: "invalid_request", Message: err.Error()}
	case errors.Is(err, billingdomain.ErrProviderNotEnabled):
		return http.StatusServiceUnavailable, errorPayload{Type: "service_unavailable", Message: "provider not configured"}
	}

	switch errs.KindOf(err) {
	case errs.ErrNotFound:
		return http.StatusNotFound, errorPayload{Type: "not_found", Message: err.Error()}
	case errs.ErrInvalidState, errs.ErrInsufficientBalance:
		return http.StatusConflict, errorPayload{Type: "conflict", Message: err.Error()}
	case errs.ErrConcurrencyConflict:
		return http.StatusConflict, errorPayload{Type: "concurrency_conflict", Message: "retry the request"}
	case errs.ErrExternalConfiguration:
		return http.StatusServiceUnavailable, errorPayload{Type: "service_unavailable", Message: err.Error()}
	default:
		return http.StatusInternalServerError, errorPayload{Type: "internal_error", Message: "internal server error"}
	}
}
