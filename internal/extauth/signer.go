package extauth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Signer issues HS256 tokens with the shared secret.
type Signer struct {
	secret []byte
	now    func() time.Time
}

// NewSigner creates a signer for secret. The secret is copied.
func NewSigner(secret []byte) (*Signer, error) {
	if len(secret) == 0 {
		return nil, errEmptySecret
	}
	key := make([]byte, len(secret))
	copy(key, secret)
	return &Signer{secret: key, now: time.Now}, nil
}

// Sign returns the compact serialization of claims.
func (s *Signer) Sign(claims *Claims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// SignExternal issues a short-lived "external" role token allowed to send
// PubSub messages to channelID.
func (s *Signer) SignExternal(channelID string, ttl time.Duration) (string, error) {
	now := s.now()
	return s.Sign(&Claims{
		ChannelID:   channelID,
		Role:        RoleExternal,
		PubsubPerms: &PubsubPerms{Send: []string{"*"}},
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
}
