package middleware

import (
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// Authenticator verifies HMAC-signed bearer tokens on configurator routes.
// Read routes never pass through it.
type Authenticator struct {
	secret    []byte
	issuer    string
	audience  string
	clockSkew time.Duration
}

// NewAuthenticator builds a JWT verifier from the gateway auth settings.
func NewAuthenticator(secret, issuer, audience string, clockSkew time.Duration) *Authenticator {
	return &Authenticator{
		secret:    []byte(strings.TrimSpace(secret)),
		issuer:    issuer,
		audience:  audience,
		clockSkew: clockSkew,
	}
}

// Middleware rejects requests without a valid configurator token.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		header := req.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		raw := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		options := []jwt.ParserOption{
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
			jwt.WithLeeway(a.clockSkew),
		}
		if a.issuer != "" {
			options = append(options, jwt.WithIssuer(a.issuer))
		}
		if a.audience != "" {
			options = append(options, jwt.WithAudience(a.audience))
		}
		token, err := jwt.Parse(raw, func(*jwt.Token) (interface{}, error) {
			return a.secret, nil
		}, options...)
		if err != nil || !token.Valid {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, req)
	})
}
