package middleware

import (
	"context"

	"github.com/labstack/echo/v4"
)

// RequestMeta is the client information recorded next to audit entries.
type RequestMeta struct {
	RequestID string
	IPAddress string
	UserAgent string
}

type metaKey struct{}

// Metadata copies the request id, client IP and user agent into the request
// context so that services can attach them to audit entries without seeing
// the HTTP layer. Must run after RequestID.
func Metadata() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			rid, _ := c.Get("request_id").(string)
			meta := RequestMeta{
				RequestID: rid,
				IPAddress: c.RealIP(),
				UserAgent: c.Request().UserAgent(),
			}
			c.SetRequest(c.Request().WithContext(WithRequestMeta(c.Request().Context(), meta)))
			return next(c)
		}
	}
}

func WithRequestMeta(ctx context.Context, m RequestMeta) context.Context {
	return context.WithValue(ctx, metaKey{}, m)
}

// RequestMetaFromContext returns the metadata stored by Metadata, or the zero
// value for background work.
func RequestMetaFromContext(ctx context.Context) RequestMeta {
	m, _ := ctx.Value(metaKey{}).(RequestMeta)
	return m
}
