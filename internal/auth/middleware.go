package auth

import (
	"context"
	"log"
	"net/http"
	"strings"
)

type contextKey string

const OperatorContextKey contextKey = "operator"

type Middleware struct {
	jwtSecret string
}

func NewMiddleware(jwtSecret string) *Middleware {
	return &Middleware{jwtSecret: jwtSecret}
}

// Authenticate guards operator routes with a bearer JWT and logs each
// admitted request with the operator's subject.
func (m *Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Missing authorization header", http.StatusUnauthorized)
			return
		}

		token, ok := strings.CutPrefix(authHeader, "Bearer ")
		if !ok || token == "" {
			http.Error(w, "Invalid authorization header format", http.StatusUnauthorized)
			return
		}

		claims, err := ValidateOperatorToken(token, m.jwtSecret)
		if err != nil {
			log.Printf("admin: rejected token for %s %s: %v", r.Method, r.URL.Path, err)
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		log.Printf("admin: %s %s by %s", r.Method, r.URL.Path, claims.Subject)
		ctx := context.WithValue(r.Context(), OperatorContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func GetOperatorFromContext(ctx context.Context) (*OperatorClaims, bool) {
	claims, ok := ctx.Value(OperatorContextKey).(*OperatorClaims)
	return claims, ok
}
