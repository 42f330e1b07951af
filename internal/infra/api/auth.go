package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"microwins/internal/infra/logging"
)

const userIDHeader = "X-User-ID"

var errUnauthenticated = errors.New("missing or invalid credentials")

type ctxUserKey struct{}

// Authenticator resolves the calling user. With a secret it accepts only
// HS256 bearer tokens whose subject is the user id; without one it trusts
// the X-User-ID header set by the gateway in front of the service.
type Authenticator struct {
	secret []byte
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

func (a *Authenticator) UserID(r *http.Request) (string, error) {
	if len(a.secret) == 0 {
		uid := strings.TrimSpace(r.Header.Get(userIDHeader))
		if uid == "" {
			return "", errUnauthenticated
		}
		return uid, nil
	}

	hdr := r.Header.Get("Authorization")
	if len(hdr) < 7 || !strings.EqualFold(hdr[:7], "bearer ") {
		return "", errUnauthenticated
	}
	claims := &jwt.RegisteredClaims{}
	tkn, err := jwt.ParseWithClaims(strings.TrimSpace(hdr[7:]), claims, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil || !tkn.Valid || strings.TrimSpace(claims.Subject) == "" {
		return "", errUnauthenticated
	}
	return claims.Subject, nil
}

func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uid, err := a.UserID(r)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: err.Error(), Code: codeUnauthorized})
			return
		}
		ctx := logging.WithUserID(context.WithValue(r.Context(), ctxUserKey{}, uid), uid)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userFrom(ctx context.Context) string {
	uid, _ := ctx.Value(ctxUserKey{}).(string)
	return uid
}

// MintToken signs a bearer token for userID.
func MintToken(secret, userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
