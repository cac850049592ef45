package protocol

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"

	"github.com/google/uuid"
	"github.com/squirreldb/squirreldb/internal/backend"
)

// ResolvedAuth is what a successful Authenticate call establishes on a
// connection: either the admin scope (ProjectID is nil, meaning "all") or
// a single resolved project.
type ResolvedAuth struct {
	IsAdmin   bool
	ProjectID *uuid.UUID
}

// Authenticate tries token as the admin token first (constant-time
// compare, so a timing side-channel can't shorten the admin token search
// space), then as an API token looked up by its SHA-256 hash — the
// resolution order from the original admin/api handshake (SPEC_FULL.md
// "Supplemented features"). adminToken == "" disables the admin path
// entirely (no credential should ever compare true against an unset
// secret).
func Authenticate(ctx context.Context, b backend.Backend, adminToken, token string) (ResolvedAuth, bool) {
	if adminToken != "" && subtle.ConstantTimeCompare([]byte(adminToken), []byte(token)) == 1 {
		return ResolvedAuth{IsAdmin: true}, true
	}

	hash := TokenHash(token)

	ok, projectID, err := b.ValidateToken(ctx, hash)
	if err != nil || !ok {
		return ResolvedAuth{}, false
	}

	return ResolvedAuth{ProjectID: projectID}, true
}

// TokenHash is the hex-encoded SHA-256 digest stored for an API token;
// only the digest is ever persisted or compared (backend.ApiToken.TokenHash).
func TokenHash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
