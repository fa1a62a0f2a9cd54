package inbound

import (
	"context"
	"crypto/subtle"
	"strings"
)

type Verifier interface {
	VerifyToken(ctx context.Context, token string) error
}

// TokenVerifier compares the legacy verification token in constant time.
type TokenVerifier struct {
	Token string
}

func NewTokenVerifier(token string) TokenVerifier {
	return TokenVerifier{Token: strings.TrimSpace(token)}
}

func (v TokenVerifier) VerifyToken(_ context.Context, token string) error {
	expected := strings.TrimSpace(v.Token)
	if expected == "" {
		return ErrInvalidToken
	}
	if subtle.ConstantTimeCompare([]byte(expected), []byte(strings.TrimSpace(token))) != 1 {
		return ErrInvalidToken
	}
	return nil
}

var _ Verifier = TokenVerifier{}
