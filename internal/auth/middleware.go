package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

type contextKey int

const principalContextKey contextKey = iota

// ContextWithPrincipal returns a new context carrying p.
func ContextWithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

// PrincipalFromContext extracts the principal from the context, or nil if
// not present.
func PrincipalFromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalContextKey).(*Principal)
	return p
}

// AdminMiddleware requires a bearer token matching the bcrypt adminHash.
// With no hash configured every request is forbidden. onFailure, if set, is
// called with "admin" on every rejected request.
func AdminMiddleware(adminHash string, onFailure func(authType string)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if adminHash == "" {
				writeForbidden(w, "admin access is not configured")
				return
			}
			token := extractBearerToken(r)
			if token == "" {
				fail(onFailure, "admin")
				writeUnauthorized(w, "missing or malformed authorization header")
				return
			}
			if !CheckAdminKey(adminHash, token) {
				fail(onFailure, "admin")
				writeUnauthorized(w, "invalid admin key")
				return
			}

			ctx := ContextWithPrincipal(r.Context(), &Principal{Kind: "admin", KeyPrefix: prefixOf(token)})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IngestMiddleware requires a bearer token whose SHA-256 hash is in keys. An
// empty key set disables the check.
func IngestMiddleware(keys *KeySet, onFailure func(authType string)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if keys.Empty() {
				next.ServeHTTP(w, r)
				return
			}
			token := extractBearerToken(r)
			if token == "" {
				fail(onFailure, "ingest")
				writeUnauthorized(w, "missing or malformed authorization header")
				return
			}
			if !keys.Contains(token) {
				fail(onFailure, "ingest")
				writeUnauthorized(w, "invalid api key")
				return
			}

			ctx := ContextWithPrincipal(r.Context(), &Principal{Kind: "ingest", KeyPrefix: prefixOf(token)})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func fail(onFailure func(string), authType string) {
	if onFailure != nil {
		onFailure(authType)
	}
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(errorResponse{
		Error: errorBody{Code: "unauthorized", Message: message},
	})
}

func writeForbidden(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	_ = json.NewEncoder(w).Encode(errorResponse{
		Error: errorBody{Code: "forbidden", Message: message},
	})
}
