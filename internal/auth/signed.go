package auth

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// signedClaims are the claims the relay reads from a signed token.
type signedClaims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// authenticateSigned verifies an HMAC-signed token (HS256) against the shared
// secret and decodes its claims. The signing algorithm is pinned to HMAC to
// prevent algorithm-confusion downgrades.
func (a *Authenticator) authenticateSigned(token string) (Identity, error) {
	if a.cfg.Secret == "" {
		a.log.Error("auth.signed.no_secret")
		return Identity{}, ErrVerificationFailure
	}

	parsed, err := jwt.ParseWithClaims(token, &signedClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(a.cfg.Secret), nil
	})
	if err != nil {
		a.log.Info("auth.signed.invalid", "err", err)
		return Identity{}, ErrBadSignedToken
	}

	claims, ok := parsed.Claims.(*signedClaims)
	if !ok || !parsed.Valid {
		return Identity{}, ErrBadSignedToken
	}

	sub := claims.Subject
	if sub == "" {
		a.log.Info("auth.signed.no_subject")
		return Identity{}, ErrBadSignedToken
	}

	return Identity{Subject: sub, Name: claims.Name, Kind: KindSigned}, nil
}
