package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapPreservesKind(t *testing.T) {
	base := ContainerUnavailableTransient("daemon busy", errors.New("dial unix: timeout"))
	wrapped := Wrap(base, "create failed")

	assert.Equal(t, KindContainerUnavailable, KindOf(wrapped))
	assert.True(t, IsTransient(wrapped))
	assert.Contains(t, wrapped.Error(), "create failed")
}

func TestWrapUnclassified(t *testing.T) {
	wrapped := Wrap(errors.New("boom"), "unexpected")
	assert.Equal(t, KindInternal, KindOf(wrapped))
	assert.False(t, IsTransient(wrapped))
}

func TestWrapNil(t *testing.T) {
	require.Nil(t, Wrap(nil, "ignored"))
}

func TestKindOfThroughFmtWrap(t *testing.T) {
	err := fmt.Errorf("outer: %w", NotFound("session", "s-42"))
	assert.True(t, IsNotFound(err))
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestTransientFlags(t *testing.T) {
	assert.True(t, IsTransient(Timeout("readiness probe")))
	assert.False(t, IsTransient(ContainerUnavailable("image missing", nil)))
	assert.False(t, IsTransient(Aborted("user cancelled")))
}
