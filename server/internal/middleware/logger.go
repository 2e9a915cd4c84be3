// Package middleware provides HTTP middleware shared by the server's routes.
package middleware

import (
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/obot-platform/buildbox/server/internal/logger"
)

// SensitiveQueryParams are query parameters that should be redacted in logs
var SensitiveQueryParams = []string{"token", "password", "api_key", "secret", "apiKey"}

// RequestLogger logs every completed request with sensitive query
// parameters redacted. Health checks are logged at debug level.
func RequestLogger(log *logger.Logger) func(http.Handler) http.Handler {
	log = log.Component("http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			defer func() {
				kv := []any{
					"method", r.Method,
					"path", redactSensitiveParams(r.URL),
					"status", ww.Status(),
					"bytes", ww.BytesWritten(),
					"duration", time.Since(start),
					"remote", r.RemoteAddr,
				}
				if id := middleware.GetReqID(r.Context()); id != "" {
					kv = append(kv, "request_id", id)
				}
				if r.URL.Path == "/health" {
					log.Debug("request", kv...)
					return
				}
				log.Info("request", kv...)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

// redactSensitiveParams returns a URL string with sensitive query parameters redacted
func redactSensitiveParams(u *url.URL) string {
	if u.RawQuery == "" {
		return u.Path
	}

	query := u.Query()
	hasRedacted := false

	for _, param := range SensitiveQueryParams {
		if query.Has(param) {
			query.Set(param, "[REDACTED]")
			hasRedacted = true
		}
	}

	if !hasRedacted {
		return u.RequestURI()
	}

	return u.Path + "?" + query.Encode()
}
