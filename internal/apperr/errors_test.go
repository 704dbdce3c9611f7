package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstructorsCarryStatus(t *testing.T) {
	tests := []struct {
		err    *DomainError
		status int
		code   string
	}{
		{Unauthenticated("x"), http.StatusUnauthorized, CodeUnauthenticated},
		{Forbidden("x"), http.StatusForbidden, CodeForbidden},
		{NotFound("x"), http.StatusNotFound, CodeNotFound},
		{InvalidArgument("x"), http.StatusBadRequest, CodeInvalidArgument},
		{RateLimited("x"), http.StatusTooManyRequests, CodeRateLimited},
		{Unavailable("x"), http.StatusServiceUnavailable, CodeUnavailable},
		{Internal(errors.New("boom")), http.StatusInternalServerError, CodeInternal},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.status, tc.err.Status)
		assert.Equal(t, tc.code, tc.err.Code)
	}
}

func TestCodeOfWrapped(t *testing.T) {
	wrapped := fmt.Errorf("add comment: %w", Forbidden("nope"))
	assert.Equal(t, CodeForbidden, CodeOf(wrapped))
	assert.True(t, Is(wrapped, CodeForbidden))
	assert.False(t, Is(nil, CodeForbidden))
	assert.Equal(t, "", CodeOf(errors.New("plain")))
}

func TestInternalKeepsCause(t *testing.T) {
	cause := errors.New("db down")
	err := Internal(cause)
	require.ErrorIs(t, err, cause)
	assert.Equal(t, "Internal server error", err.Message)
}
