// Package auth validates relay connection credentials and extracts caller identity.
//
// Two credential formats are accepted: session-reference tokens minted by the
// REST API ("{id}|{secret}") and HMAC-signed tokens (HS256). Authentication is
// performed out-of-band from the REST API at websocket handshake time, before
// the connection upgrade.
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
)

// TokenKind tags which credential format produced an Identity.
type TokenKind string

const (
	KindSession     TokenKind = "session"
	KindSigned      TokenKind = "signed"
	KindDevelopment TokenKind = "development"
)

// Identity is the result of a successful authentication.
// It is used only as message-sender metadata, never for access control.
type Identity struct {
	Subject string
	Name    string
	Kind    TokenKind
}

// Rejection is a structured authentication failure: an HTTP status plus a
// stable reason string surfaced to the client at handshake time.
type Rejection struct {
	Status int
	Reason string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("auth rejected (%d): %s", r.Status, r.Reason)
}

// Stable rejection reasons (wire-visible).
var (
	ErrTokenMissing        = &Rejection{Status: http.StatusUnauthorized, Reason: "token missing"}
	ErrBadSessionToken     = &Rejection{Status: http.StatusUnauthorized, Reason: "invalid session-reference token format"}
	ErrSessionNotFound     = &Rejection{Status: http.StatusUnauthorized, Reason: "unknown session-reference token"}
	ErrBadSignedToken      = &Rejection{Status: http.StatusUnauthorized, Reason: "invalid signed token"}
	ErrVerificationFailure = &Rejection{Status: http.StatusInternalServerError, Reason: "token verification failure"}
)

// cookieName is the cookie checked as the last credential source.
const cookieName = "auth_token"

// devToken is the sentinel accepted in development mode only.
const devToken = "development_token"

// sessionSeparator splits a session-reference token into id and secret.
const sessionSeparator = "|"

// Config controls Authenticator behavior.
type Config struct {
	// Secret is the shared HMAC key for signed tokens.
	// Required unless SkipAuth is set.
	Secret string

	// SkipAuth disables all authentication. Development only.
	SkipAuth bool

	// Development enables the sentinel-token shortcut.
	Development bool

	// SessionVerifier, when non-nil, checks session-reference tokens against
	// the REST API's token store instead of trusting the numeric prefix.
	SessionVerifier SessionVerifier
}

// Authenticator admits or rejects inbound connections.
// It is a pure function of the request plus configuration; no state is kept.
type Authenticator struct {
	log *slog.Logger
	cfg Config
}

// New constructs an Authenticator. SkipAuth is loudly logged: it must never
// be left enabled outside local development.
func New(log *slog.Logger, cfg Config) *Authenticator {
	if log == nil {
		log = slog.Default()
	}
	if cfg.SkipAuth {
		log.Warn("auth.bypass.enabled", "detail", "SKIP_WS_AUTH is set; all connections are admitted unauthenticated")
	}
	return &Authenticator{log: log, cfg: cfg}
}

// Authenticate extracts a credential from the request and validates it.
// Failure is always a *Rejection (401 for auth failures, 500 for internal
// faults during verification).
func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	if a.cfg.SkipAuth {
		a.log.Warn("auth.bypass.admit", "remote", r.RemoteAddr)
		return devIdentity(), nil
	}

	token := extractToken(r)
	if token == "" {
		return Identity{}, ErrTokenMissing
	}

	if a.cfg.Development && token == devToken {
		a.log.Warn("auth.dev_token.admit", "remote", r.RemoteAddr)
		return devIdentity(), nil
	}

	if strings.Contains(token, sessionSeparator) {
		return a.authenticateSession(ctx, token)
	}

	return a.authenticateSigned(token)
}

func devIdentity() Identity {
	return Identity{Subject: "dev_user", Name: "Development User", Kind: KindDevelopment}
}

// extractToken finds the credential in priority order:
// URL query parameter, Authorization header, auth_token cookie.
func extractToken(r *http.Request) string {
	if t := strings.TrimSpace(r.URL.Query().Get("token")); t != "" {
		return t
	}

	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		if rest, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(rest)
		}
		return h
	}

	if c, err := r.Cookie(cookieName); err == nil {
		return strings.TrimSpace(c.Value)
	}

	return ""
}
