package auth

import (
	"context"
	"errors"
	"strconv"
	"strings"
)

// SessionVerifier checks a session-reference token against the store that
// minted it. ErrSessionRejected means the token is unknown, revoked, or
// expired; any other error is an internal verification fault.
type SessionVerifier interface {
	VerifySession(ctx context.Context, tokenID int64, secret string) (VerifiedSession, error)
}

// ErrSessionRejected is returned by SessionVerifier implementations when the
// token does not name a live session.
var ErrSessionRejected = errors.New("session token rejected")

// VerifiedSession is the store's view of a live session-reference token.
type VerifiedSession struct {
	UserID int64
	Name   string
}

// authenticateSession handles "{id}|{secret}" session-reference tokens.
//
// Without a SessionVerifier the numeric prefix is trusted as minted: the
// relay does not share the REST API's revocation store, so the token is
// assumed valid because obtaining one requires an authenticated API call.
// This trust boundary is explicit in configuration; set DATABASE_URL to
// verify tokens against the API's token table instead.
func (a *Authenticator) authenticateSession(ctx context.Context, token string) (Identity, error) {
	idPart, secret, _ := strings.Cut(token, sessionSeparator)

	tokenID, err := strconv.ParseInt(strings.TrimSpace(idPart), 10, 64)
	if err != nil || tokenID <= 0 {
		a.log.Info("auth.session.malformed")
		return Identity{}, ErrBadSessionToken
	}

	if a.cfg.SessionVerifier == nil {
		return Identity{
			Subject: strconv.FormatInt(tokenID, 10),
			Kind:    KindSession,
		}, nil
	}

	verified, err := a.cfg.SessionVerifier.VerifySession(ctx, tokenID, secret)
	if err != nil {
		if errors.Is(err, ErrSessionRejected) {
			a.log.Info("auth.session.rejected", "token_id", tokenID)
			return Identity{}, ErrSessionNotFound
		}
		a.log.Error("auth.session.verify_fail", "token_id", tokenID, "err", err)
		return Identity{}, ErrVerificationFailure
	}

	return Identity{
		Subject: strconv.FormatInt(verified.UserID, 10),
		Name:    verified.Name,
		Kind:    KindSession,
	}, nil
}
