package errkind

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMatchesKindThroughWrapping(t *testing.T) {
	err := fmt.Errorf("context: %w", New(AuthRejected, errors.New("stale timestamp")))
	assert.True(t, Is(err, AuthRejected))
	assert.False(t, Is(err, AuthGeneral))
}

func TestIsFalseForPlainError(t *testing.T) {
	assert.False(t, Is(errors.New("plain"), AuthRejected))
	assert.False(t, IsFatal(errors.New("plain")))
}

func TestNewFatalSetsFatalFlag(t *testing.T) {
	err := NewFatal(KeyFatal, errors.New("untrusted intermediate"))
	assert.True(t, IsFatal(err))
	assert.True(t, Is(err, KeyFatal))

	nonFatal := New(GreetInvalidNonce, nil)
	assert.False(t, IsFatal(nonFatal))
}

func TestErrorMessageAndCode(t *testing.T) {
	wrapped := New(GreetInvalidState, errors.New("already finished"))
	assert.Equal(t, "GREET_INVALID_STATE: already finished", wrapped.Error())
	assert.Equal(t, "GREET_INVALID_STATE", wrapped.Code())

	bare := New(GreetInvalidCommand, nil)
	assert.Equal(t, "GREET_INVALID_COMMAND", bare.Error())
}

func TestUnwrapExposesUnderlyingCause(t *testing.T) {
	cause := errors.New("underlying")
	err := New(AuthGeneral, cause)
	assert.ErrorIs(t, err, cause)
}
