package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"feedbackcore.org/common"
)

// errorResponse is the uniform error body.
type errorResponse struct {
	Detail        string `json:"detail"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// statusFor maps the internal error taxonomy onto HTTP statuses.
func statusFor(kind common.Kind) int {
	switch kind {
	case common.KindValidation:
		return http.StatusUnprocessableEntity
	case common.KindAuthMissing:
		return http.StatusUnauthorized
	case common.KindAuthInsufficient:
		return http.StatusForbidden
	case common.KindNotFound:
		return http.StatusNotFound
	case common.KindTooLarge:
		return http.StatusRequestEntityTooLarge
	case common.KindRateLimited:
		return http.StatusTooManyRequests
	case common.KindTimeout:
		return http.StatusRequestTimeout
	case common.KindConflict:
		return http.StatusConflict
	case common.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// errorHandler serialises every error as {detail: string}. 5xx
// responses carry the request id as a correlation id referencing the
// structured log entry.
func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	detail := "internal server error"

	var he *echo.HTTPError
	var ce *common.Error
	switch {
	case errors.As(err, &he):
		status = he.Code
		if msg, ok := he.Message.(string); ok {
			detail = msg
		}
	case errors.As(err, &ce):
		status = statusFor(ce.Kind)
		detail = ce.Message
	}

	resp := errorResponse{Detail: detail}
	if status >= 500 {
		requestID := c.Response().Header().Get(echo.HeaderXRequestID)
		resp.CorrelationID = requestID
		if status == http.StatusInternalServerError {
			resp.Detail = "internal server error"
		}
		common.Logger.WithFields(map[string]interface{}{
			"correlation_id": requestID,
			"method":         c.Request().Method,
			"path":           c.Request().URL.Path,
			"status":         status,
		}).WithError(err).Error("request failed")
	}

	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(status)
		return
	}
	_ = c.JSON(status, resp)
}
