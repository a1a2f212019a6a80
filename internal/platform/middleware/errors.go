package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// APIError builds an echo error carrying a machine-readable code.
func APIError(status int, code, message string) *echo.HTTPError {
	return echo.NewHTTPError(status, ErrorBody{Code: code, Message: message})
}

// codeFor derives a code from a status for errors raised without one, such as
// those from echo's router or auth middleware.
func codeFor(status int) string {
	return strings.ReplaceAll(strings.ToLower(http.StatusText(status)), " ", "_")
}

// HTTPErrorHandler renders errors as ErrorBody and logs server faults.
func HTTPErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status := http.StatusInternalServerError
		body := ErrorBody{Code: codeFor(status), Message: "internal server error"}

		var he *echo.HTTPError
		if errors.As(err, &he) {
			status = he.Code
			switch m := he.Message.(type) {
			case ErrorBody:
				body = m
			case string:
				body = ErrorBody{Code: codeFor(status), Message: m}
			default:
				body = ErrorBody{Code: codeFor(status), Message: http.StatusText(status)}
			}
		}

		if status >= http.StatusInternalServerError {
			rid, _ := c.Get("request_id").(string)
			logger.Error().Err(err).Str("request_id", rid).Str("path", c.Request().URL.Path).Msg("request failed")
			body.Message = "internal server error"
		}

		if c.Request().Method == http.MethodHead {
			err = c.NoContent(status)
		} else {
			err = c.JSON(status, body)
		}
		if err != nil {
			logger.Error().Err(err).Msg("write error response")
		}
	}
}
