package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type ctxKey string

const ctxSubjectKey ctxKey = "auth_subject"

// jwtAuth requires an HS256 bearer token signed with secret and carrying an
// expiry.
func jwtAuth(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sub, err := verifyBearer(r.Header.Get("Authorization"), secret, time.Now())
			if err != nil {
				writeError(w, http.StatusUnauthorized, err.Error(), "UNAUTHORIZED")
				return
			}
			ctx := context.WithValue(r.Context(), ctxSubjectKey, sub)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func verifyBearer(header string, secret []byte, now time.Time) (string, error) {
	token, ok := strings.CutPrefix(strings.TrimSpace(header), "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		return "", fmt.Errorf("missing bearer token")
	}
	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(strings.TrimSpace(token), &claims, func(t *jwt.Token) (any, error) {
		if t.Method == nil || t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, fmt.Errorf("unexpected signing algorithm")
		}
		return secret, nil
	},
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30*time.Second),
		jwt.WithTimeFunc(func() time.Time { return now.UTC() }),
	)
	if err != nil {
		return "", fmt.Errorf("invalid token: %w", err)
	}
	if !parsed.Valid {
		return "", fmt.Errorf("invalid token")
	}
	return claims.Subject, nil
}

func subjectFromContext(ctx context.Context) string {
	sub, _ := ctx.Value(ctxSubjectKey).(string)
	return sub
}
