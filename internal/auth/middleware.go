package auth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
)

// Middleware checks bearer tokens against the role each monitoring route
// requires.
type Middleware struct {
	Secret []byte
	Policy Policy
	Logger *log.Logger
}

// NewMiddleware constructs an auth middleware.
func NewMiddleware(secret []byte, policy Policy, logger *log.Logger) *Middleware {
	if logger == nil {
		logger = log.Default()
	}
	return &Middleware{Secret: secret, Policy: policy, Logger: logger}
}

// Wrap guards next. Without a secret every request passes.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	if m == nil || len(m.Secret) == 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, err := m.authorize(r)
		if err != nil {
			if !errors.Is(err, ErrUnauthorized) {
				m.Logger.Printf("auth: rejected method=%s path=%s: %v", r.Method, r.URL.Path, err)
			}
			writeError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authorize returns the request context carrying the caller identity, or
// the reason the request is refused.
func (m *Middleware) authorize(r *http.Request) (context.Context, error) {
	ctx := r.Context()
	if m.Policy.IsExempt(r) {
		return ctx, nil
	}
	required, ok := m.Policy.RequiredRole(r)
	if !ok {
		return ctx, nil
	}
	claims, err := ParseJWT(bearerToken(r.Header.Get("Authorization")), m.Secret)
	if err != nil {
		return nil, err
	}
	role, _ := NormalizeRole(claims.Role)
	if !RoleAtLeast(role, required) {
		return nil, fmt.Errorf("%w: subject=%s role=%s required=%s", ErrForbidden, claims.Subject, role, required)
	}
	return WithIdentity(ctx, role, claims.Subject), nil
}

func bearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	token = strings.TrimSpace(token)
	if strings.ContainsAny(token, " \t") {
		return ""
	}
	return token
}
