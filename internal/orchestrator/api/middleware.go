package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/d8ops/controlplane/internal/errs"
)

// RequireSharedSecret validates the bearer token on every request against a
// single shared secret. There are no roles or per-slave credentials — any
// holder of the secret may act as any slave or as an operator, matching the
// control plane's flat trust model.
func RequireSharedSecret(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				WriteError(w, errs.New(errs.KindAuth, "missing bearer token"))
				return
			}
			if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(secret)) != 1 {
				WriteError(w, errs.New(errs.KindAuth, "invalid bearer token"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequestLogger logs every request with method, path, status and latency.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
