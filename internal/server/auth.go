package server

import (
	"context"
	"encoding/json"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"gigline/internal/identity"
)

type Principal struct {
	UserID string
	Source string
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// callerID is empty for anonymous requests; the engine decides whether that
// is acceptable.
func callerID(ctx context.Context) string {
	p, _ := principalFromContext(ctx)
	return p.UserID
}

func actorIDFromContext(ctx context.Context) (string, huma.StatusError) {
	if p, ok := principalFromContext(ctx); ok && p.UserID != "" {
		return p.UserID, nil
	}
	return "", newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// newAuthMiddleware resolves the caller from a bearer credential. Requests
// without one pass through anonymously; a credential that fails verification
// is rejected before any handler runs. Browsers cannot set headers on a
// WebSocket handshake, so the ws route also accepts ?token=.
func newAuthMiddleware(basePath string, v identity.Verifier) func(http.Handler) http.Handler {
	healthPath := path.Join(basePath, "health")
	wsPath := path.Join(basePath, "ws")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if req.URL.Path == healthPath {
				next.ServeHTTP(w, req)
				return
			}

			var token, source string
			if authz := strings.TrimSpace(req.Header.Get("Authorization")); authz != "" {
				t, ok := bearerToken(authz)
				if !ok {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "invalid credentials", nil))
					return
				}
				token, source = t, "header"
			} else if req.URL.Path == wsPath {
				token, source = strings.TrimSpace(req.URL.Query().Get("token")), "query"
			}
			if token == "" {
				next.ServeHTTP(w, req)
				return
			}
			userID, err := v.VerifyToken(req.Context(), token)
			if err != nil || userID == "" {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "invalid credentials", nil))
				return
			}
			ctx := withPrincipal(req.Context(), Principal{UserID: userID, Source: source})
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
