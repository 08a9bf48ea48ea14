package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServiceError_IsMatchesByCode(t *testing.T) {
	cause := stderrors.New("signature is invalid")
	err := fmt.Errorf("verify: %w", InvalidToken(cause))

	assert.True(t, stderrors.Is(err, ErrInvalidToken))
	assert.False(t, stderrors.Is(err, ErrInvalidHeader))
	assert.True(t, stderrors.Is(err, cause), "cause should stay reachable through Unwrap")

	assert.True(t, stderrors.Is(InvalidHeader(), ErrInvalidHeader))
}

func TestGetServiceError(t *testing.T) {
	assert.Nil(t, GetServiceError(nil))
	assert.Nil(t, GetServiceError(stderrors.New("plain")))

	se := GetServiceError(fmt.Errorf("wrapped: %w", BadRequest("missing channel_id")))
	require.NotNil(t, se)
	assert.Equal(t, CodeBadRequest, se.Code)
	assert.Equal(t, http.StatusBadRequest, se.HTTPStatus)
}

func TestIsAuthError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"invalid header", InvalidHeader(), true},
		{"invalid token", InvalidToken(nil), true},
		{"unauthorized", Unauthorized(""), true},
		{"bad request", BadRequest("x"), false},
		{"plain", stderrors.New("x"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsAuthError(tt.err))
		})
	}
}

func TestWithDetails_DoesNotMutateOriginal(t *testing.T) {
	base := RateLimitExceeded(10, "1s")
	withKey := base.WithDetails("key", "u1")

	assert.Equal(t, "u1", withKey.Details["key"])
	assert.NotContains(t, base.Details, "key")
	assert.Equal(t, 10.0, withKey.Details["limit"])
}

func TestServiceError_Error(t *testing.T) {
	assert.Equal(t, "INVALID_HEADER: Invalid authorization header", InvalidHeader().Error())
	assert.Contains(t, InvalidToken(stderrors.New("boom")).Error(), "boom")
	assert.Equal(t, "unauthorized", Unauthorized("").Message)
}
