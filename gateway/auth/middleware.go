package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
)

type principalKey struct{}

// PrincipalFromContext returns the principal stored by Middleware.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok && p != nil
}

// WithPrincipal attaches p to ctx.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// Middleware verifies the request signature and restores the body for the
// next handler. Requests pass through untouched when no keys are configured.
func (v *Verifier) Middleware(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		if !v.Enabled() {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(io.LimitReader(r.Body, MaxSignedBody+1))
			if err != nil {
				writeAuthError(w, http.StatusBadRequest, "unreadable request body")
				return
			}
			_ = r.Body.Close()
			principal, err := v.Verify(r, body)
			if err != nil {
				status, message := failure(err)
				logger.Warn("merchant api auth failed",
					slog.String("path", r.URL.Path),
					slog.String("key", r.Header.Get(HeaderKeyID)),
					slog.String("error", err.Error()))
				writeAuthError(w, status, message)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
		})
	}
}

// failure maps a verification error to a status and a message safe to return.
// Ledger failures stay opaque.
func failure(err error) (int, string) {
	if errors.Is(err, ErrBodyTooLarge) {
		return http.StatusRequestEntityTooLarge, ErrBodyTooLarge.Error()
	}
	for _, known := range []error{ErrMissingCredentials, ErrUnknownKey, ErrStaleTimestamp, ErrBadSignature, ErrReplayedNonce} {
		if errors.Is(err, known) {
			return http.StatusUnauthorized, known.Error()
		}
	}
	return http.StatusServiceUnavailable, "auth: request could not be verified"
}

func writeAuthError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message, "code": "unauthorized"})
}
