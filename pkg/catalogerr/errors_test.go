package catalogerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(Transient, "publish event", cause)

	require.Equal(t, Transient, err.Kind)
	assert.Contains(t, err.Error(), "connection reset")
	assert.True(t, errors.Is(err, cause))
}

func TestIsMatchesOnKindNotMessage(t *testing.T) {
	a := New(Conflict, "run key already exists")
	b := New(Conflict, "a different message entirely")

	assert.True(t, errors.Is(a, b))
}

func TestIsDoesNotMatchDifferentKind(t *testing.T) {
	a := New(Conflict, "x")
	b := New(NotFound, "x")

	assert.False(t, errors.Is(a, b))
}

func TestKindOfDefaultsToFatalForUntaggedErrors(t *testing.T) {
	assert.Equal(t, Fatal, KindOf(errors.New("boom")))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(New(Transient, "x")))
	assert.True(t, IsRetryable(New(HeartbeatLost, "x")))
	assert.False(t, IsRetryable(New(Validation, "x")))
	assert.False(t, IsRetryable(errors.New("plain")))
}

func TestWithDetailDoesNotMutateOriginal(t *testing.T) {
	base := New(Validation, "bad input")
	detailed := base.WithDetail("field: parameters.count")

	assert.Empty(t, base.Detail)
	assert.Equal(t, "field: parameters.count", detailed.Detail)
}
