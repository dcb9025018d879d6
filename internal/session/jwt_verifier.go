package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the payload of a locally verifiable session token.
type Claims struct {
	UID   string `json:"uid"`
	Email string `json:"email,omitempty"`
	Admin bool   `json:"admin"`
	jwt.RegisteredClaims
}

// JWTVerifier validates HS256 session tokens without a network call. It is used
// when no verification endpoint is configured.
type JWTVerifier struct {
	key    []byte
	parser *jwt.Parser
}

func NewJWTVerifier(signingKey string) *JWTVerifier {
	return &JWTVerifier{
		key: []byte(signingKey),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
		),
	}
}

func (v *JWTVerifier) Verify(_ context.Context, token string) (Result, error) {
	if len(v.key) == 0 {
		return Result{}, fmt.Errorf("%w: no signing key configured", ErrNotVerified)
	}

	claims := &Claims{}
	parsed, err := v.parser.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return v.key, nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrNotVerified, err)
	}
	if !parsed.Valid {
		return Result{}, ErrNotVerified
	}

	uid := claims.UID
	if uid == "" {
		uid = claims.Subject
	}
	if uid == "" {
		return Result{}, errors.Join(ErrNotVerified, errors.New("token has no subject"))
	}
	return Result{UID: uid, Email: claims.Email, IsAdmin: claims.Admin, ExpiresAt: claims.ExpiresAt.Time}, nil
}
