package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSessionVerifier validates session-reference tokens against the REST
// API's token table (Laravel Sanctum's personal_access_tokens: the stored
// token column is the SHA-256 hex digest of the secret part).
//
// Ownership model:
// - The verifier does NOT own the pgx pool. The caller closes it.
type PostgresSessionVerifier struct {
	pool *pgxpool.Pool
}

// NewPostgresSessionVerifier constructs a Postgres-backed SessionVerifier.
func NewPostgresSessionVerifier(pool *pgxpool.Pool) (*PostgresSessionVerifier, error) {
	if pool == nil {
		return nil, errors.New("auth: nil pool")
	}
	return &PostgresSessionVerifier{pool: pool}, nil
}

// VerifySession looks up the token row by id, compares the secret digest in
// constant time, and enforces expiry. A missing row, digest mismatch, or
// expired token yields ErrSessionRejected.
func (v *PostgresSessionVerifier) VerifySession(ctx context.Context, tokenID int64, secret string) (VerifiedSession, error) {
	if v == nil || v.pool == nil {
		return VerifiedSession{}, errors.New("auth: nil verifier")
	}
	if secret == "" {
		return VerifiedSession{}, ErrSessionRejected
	}

	const q = `
		SELECT t.token, t.expires_at, t.tokenable_id, COALESCE(u.name, '')
		FROM personal_access_tokens t
		LEFT JOIN users u ON u.id = t.tokenable_id
		WHERE t.id = $1`

	var (
		storedDigest string
		expiresAt    *time.Time
		userID       int64
		name         string
	)
	err := v.pool.QueryRow(ctx, q, tokenID).Scan(&storedDigest, &expiresAt, &userID, &name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return VerifiedSession{}, ErrSessionRejected
		}
		return VerifiedSession{}, fmt.Errorf("auth: token lookup: %w", err)
	}

	sum := sha256.Sum256([]byte(secret))
	digest := hex.EncodeToString(sum[:])
	if subtle.ConstantTimeCompare([]byte(digest), []byte(storedDigest)) != 1 {
		return VerifiedSession{}, ErrSessionRejected
	}

	if expiresAt != nil && time.Now().After(*expiresAt) {
		return VerifiedSession{}, ErrSessionRejected
	}

	return VerifiedSession{UserID: userID, Name: name}, nil
}
