package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/billingcore/pkg/apperror"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorPayload struct {
	Type    string            `json:"type"`
	Code    string            `json:"code,omitempty"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var ErrInvalidRequest = apperror.New(apperror.KindValidation, "invalid_request", "invalid request")

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
		c.Header("Content-Type", "application/json")
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

func invalidField(field, message string) error {
	return ErrInvalidRequest.Withf("%s: %s", field, message)
}

func mapError(err error) (int, errorPayload) {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return http.StatusNotFound, errorPayload{Type: string(apperror.KindNotFound), Message: "not found"}
	}

	var appErr *apperror.Error
	if !errors.As(err, &appErr) {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	payload := errorPayload{
		Type:    string(appErr.Kind),
		Code:    appErr.Code,
		Message: apperror.Message(err),
	}
	switch appErr.Kind {
	case apperror.KindNotFound:
		return http.StatusNotFound, payload
	case apperror.KindValidation:
		payload.Errors = []ValidationError{{Code: appErr.Code, Message: payload.Message}}
		return http.StatusBadRequest, payload
	case apperror.KindInvalidState, apperror.KindConcurrency:
		return http.StatusConflict, payload
	case apperror.KindNotification:
		return http.StatusBadGateway, payload
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}
