// Package auth issues the per-session token that presentation processes
// present to the host socket.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/lzy19926/lzy-code-editor/internal/logging"
	"github.com/lzy19926/lzy-code-editor/internal/metrics"
	"github.com/lzy19926/lzy-code-editor/pkg/protocol"
)

type contextKey string

const claimsContextKey contextKey = "claims"

const issuer = "lzy-hostd"

// Claims holds session token claims.
type Claims struct {
	Session string `json:"session"`
	jwt.RegisteredClaims
}

// Auth signs and validates session tokens with a secret generated at startup.
// Tokens do not survive a host restart.
type Auth struct {
	secret  []byte
	session string
}

// New creates an Auth with a fresh random secret.
func New(session string) (*Auth, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}
	return &Auth{secret: secret, session: session}, nil
}

// Issue returns a signed token valid for ttl.
func (a *Auth) Issue(ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		Session: a.session,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// WriteTokenFile issues a token and writes it to path with mode 0600.
func (a *Auth) WriteTokenFile(path string, ttl time.Duration) error {
	token, err := a.Issue(ttl)
	if err != nil {
		return fmt.Errorf("issue token: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(token), 0600)
}

// Validate parses and checks a token.
func (a *Auth) Validate(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithIssuer(issuer))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.Session != a.session {
		return nil, fmt.Errorf("token belongs to another session")
	}
	return claims, nil
}

// Middleware rejects requests without a valid session token.
func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenStr := extractToken(r)
		if tokenStr == "" {
			metrics.RecordAuthFailure()
			sendAuthError(w, "missing session token")
			return
		}
		claims, err := a.Validate(tokenStr)
		if err != nil {
			metrics.RecordAuthFailure()
			logging.WithContext(r.Context()).Warn("rejected session token", zap.Error(err))
			sendAuthError(w, "invalid token: "+err.Error())
			return
		}
		ctx := context.WithValue(r.Context(), claimsContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetClaims extracts claims from the request context.
func GetClaims(ctx context.Context) *Claims {
	claims, _ := ctx.Value(claimsContextKey).(*Claims)
	return claims
}

// ReadTokenFile reads a token written by WriteTokenFile.
func ReadTokenFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func extractToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func sendAuthError(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(protocol.SchemeBody{
		Status: http.StatusUnauthorized,
		Error:  &protocol.Error{Code: "Unauthorized", Message: message},
	})
}
