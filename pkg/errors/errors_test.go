package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTypeOf(t *testing.T) {
	wrapped := fmt.Errorf("sending: %w", Structural("user_not_found"))

	assert.Equal(t, ErrorTypeStructural, TypeOf(wrapped))
	assert.Equal(t, "user_not_found", ReasonOf(wrapped))
	assert.Equal(t, ErrorTypeUnknown, TypeOf(errors.New("plain")))
}

func TestReasonOfFallsBackToMessage(t *testing.T) {
	err := Transient(errors.New("timeout waiting for selector"))
	assert.Contains(t, ReasonOf(err), "timeout waiting for selector")
	assert.Equal(t, "", ReasonOf(nil))
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		errType ErrorType
		want    bool
	}{
		{ErrorTypeTransient, true},
		{ErrorTypeNetwork, true},
		{ErrorTypeUnknown, true},
		{ErrorTypeStructural, false},
		{ErrorTypeSession, false},
		{ErrorTypeFatal, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.errType), func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.errType))
		})
	}
}

func TestIsFatal(t *testing.T) {
	assert.True(t, IsFatal(Fatal(errors.New("no session"), "setup")))
	assert.True(t, IsFatal(New(ErrorTypeConfig, "bad")))
	assert.False(t, IsFatal(Transient(errors.New("x"))))
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(ErrorTypeStorage, cause, "open store")
	assert.ErrorIs(t, err, cause)
}
