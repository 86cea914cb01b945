package port

import (
	"context"
	"errors"
)

// Identity is what the verification service vouches for. The hub trusts
// these fields without further lookup.
type Identity struct {
	UserID      string
	DisplayName string
	Role        string
}

// ErrInvalidToken signals a malformed, forged, or expired credential.
var ErrInvalidToken = errors.New("auth: invalid or expired token")

// TokenVerifier validates a bearer credential presented at the websocket
// handshake. Implementations should be concurrency-safe.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*Identity, error)
}
