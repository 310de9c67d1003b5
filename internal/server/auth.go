package server

import (
	"net/http"
	"strings"

	"github.com/roach88/liftsync/internal/wire"
)

// Authenticator resolves a bearer token to a user id.
type Authenticator interface {
	Authenticate(token string) (userID string, ok bool)
}

// StaticTokens is an Authenticator backed by a fixed token → user map.
type StaticTokens map[string]string

// Authenticate implements Authenticator.
func (t StaticTokens) Authenticate(token string) (string, bool) {
	user, ok := t[token]
	return user, ok && user != ""
}

// bearer extracts the token from an "Authorization: Bearer <token>" header.
func bearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(h, "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

func authenticate(a Authenticator, r *http.Request) (string, error) {
	token := bearer(r)
	if token == "" {
		return "", wire.Errorf(wire.CodeUnauthorized, "missing bearer token")
	}
	user, ok := a.Authenticate(token)
	if !ok {
		return "", wire.Errorf(wire.CodeUnauthorized, "invalid or expired token")
	}
	return user, nil
}
