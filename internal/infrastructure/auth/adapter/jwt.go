package adapter

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Celicular/Clarity-ERP-sub002/internal/infrastructure/auth/port"
)

// JWTVerifier validates HS256 tokens minted by the portal's auth service.
// Expected claims: sub (user id), name (display name), role.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifierFromEnv constructs a verifier using the JWT_SECRET
// environment variable.
func NewJWTVerifierFromEnv() (*JWTVerifier, error) {
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		return nil, errors.New("jwt: JWT_SECRET environment variable is not set")
	}
	return NewJWTVerifier([]byte(secret)), nil
}

func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{secret: secret}
}

// Ensure interface compliance at compile time
var _ port.TokenVerifier = (*JWTVerifier)(nil)

func (v *JWTVerifier) Verify(_ context.Context, token string) (*port.Identity, error) {
	tok, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("jwt: unexpected signing method %q", t.Method.Alg())
		}
		return v.secret, nil
	})
	if err != nil || !tok.Valid {
		return nil, port.ErrInvalidToken
	}

	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return nil, port.ErrInvalidToken
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, port.ErrInvalidToken
	}
	name, _ := claims["name"].(string)
	role, _ := claims["role"].(string)

	return &port.Identity{UserID: sub, DisplayName: name, Role: role}, nil
}
