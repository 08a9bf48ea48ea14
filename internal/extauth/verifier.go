// Package extauth verifies and issues extension bearer tokens.
//
// Tokens are JWTs signed with HS256 using the extension's shared secret. The
// verifier accepts no other algorithm.
package extauth

import (
	"errors"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/R3E-Network/colorwheel/internal/errors"
)

// BearerPrefix is the required Authorization header scheme, trailing space included.
const BearerPrefix = "Bearer "

var errEmptySecret = errors.New("extauth: shared secret is empty")

// Verifier validates Authorization header values against the shared secret.
type Verifier struct {
	secret []byte
	parser *jwt.Parser
}

// NewVerifier creates a verifier for secret. The secret is copied.
func NewVerifier(secret []byte) (*Verifier, error) {
	if len(secret) == 0 {
		return nil, errEmptySecret
	}
	key := make([]byte, len(secret))
	copy(key, secret)

	return &Verifier{
		secret: key,
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})),
	}, nil
}

// Verify checks header and returns the token's claims.
//
// A header without the "Bearer " prefix fails with apperrors.ErrInvalidHeader.
// Every token failure (structure, signature, algorithm, expiry) fails with
// apperrors.ErrInvalidToken; the parser error is only reachable via errors.Unwrap.
// Missing channel_id or opaque_user_id is not checked here.
func (v *Verifier) Verify(header string) (*Claims, error) {
	if !strings.HasPrefix(header, BearerPrefix) {
		return nil, apperrors.InvalidHeader()
	}
	tokenString := header[len(BearerPrefix):]

	token, err := v.parser.ParseWithClaims(tokenString, &Claims{}, v.keyFunc)
	if err != nil {
		return nil, apperrors.InvalidToken(err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, apperrors.InvalidToken(nil)
	}
	return claims, nil
}

func (v *Verifier) keyFunc(token *jwt.Token) (interface{}, error) {
	if token.Method != jwt.SigningMethodHS256 {
		return nil, jwt.ErrTokenSignatureInvalid
	}
	return v.secret, nil
}
