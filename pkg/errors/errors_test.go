package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_Error(t *testing.T) {
	t.Parallel()

	err := NewForbiddenError("azp not allowed", nil)
	assert.Equal(t, "forbidden: azp not allowed", err.Error())

	wrapped := NewUnauthenticatedError("invalid token", errors.New("signature is invalid"))
	assert.Equal(t, "unauthenticated: invalid token: signature is invalid", wrapped.Error())
}

func TestError_Unwrap(t *testing.T) {
	t.Parallel()

	cause := errors.New("boom")
	err := NewTransportError("call failed", 0, "", cause)
	assert.ErrorIs(t, err, cause)
}

func TestError_HTTPStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		errorType string
		want      int
	}{
		{TypeUnauthenticated, http.StatusUnauthorized},
		{TypeSessionExpired, http.StatusUnauthorized},
		{TypeForbidden, http.StatusForbidden},
		{TypeExchangeFailed, http.StatusBadGateway},
		{TypeTransport, http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.errorType, func(t *testing.T) {
			t.Parallel()
			err := NewError(tt.errorType, "msg", nil)
			assert.Equal(t, tt.want, err.HTTPStatus())
		})
	}
}

func TestTypePredicates(t *testing.T) {
	t.Parallel()

	assert.True(t, IsUnauthenticated(NewUnauthenticatedError("m", nil)))
	assert.True(t, IsForbidden(NewForbiddenError("m", nil)))
	assert.True(t, IsSessionExpired(NewSessionExpiredError("m", nil)))
	assert.True(t, IsExchangeFailed(NewExchangeFailedError("m", nil)))
	assert.True(t, IsTransport(NewTransportError("m", 0, "", nil)))

	assert.False(t, IsForbidden(NewUnauthenticatedError("m", nil)))
	assert.False(t, IsForbidden(errors.New("plain")))
	assert.False(t, IsForbidden(nil))
}

func TestTypePredicates_SeeThroughWrapping(t *testing.T) {
	t.Parallel()

	inner := NewSessionExpiredError("refresh token rejected by provider", nil)
	wrapped := fmt.Errorf("calling downstream: %w", inner)

	assert.True(t, IsSessionExpired(wrapped))

	var e *Error
	require.ErrorAs(t, wrapped, &e)
	assert.Equal(t, TypeSessionExpired, e.Type)
}

func TestNewTransportError_CarriesStatusAndBody(t *testing.T) {
	t.Parallel()

	err := NewTransportError("token endpoint returned status 502", http.StatusBadGateway, `{"error":"upstream"}`, nil)
	assert.Equal(t, http.StatusBadGateway, err.StatusCode)
	assert.Equal(t, `{"error":"upstream"}`, err.Body)
}
