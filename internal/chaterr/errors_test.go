package chaterr

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewfMatchesSentinel(t *testing.T) {
	err := Newf(CodeTargetNotFound, "%s is not online", "bob")

	assert.ErrorIs(t, err, ErrTargetNotFound)
	assert.NotErrorIs(t, err, ErrSelfTarget)
	assert.Equal(t, "bob is not online", err.Error())
}

func TestWrapPreservesCode(t *testing.T) {
	err := Wrap(ErrNameTaken, "Hub", "Rename", "rename session")

	assert.Equal(t, "Hub.Rename: rename session failed: username already in use", err.Error())
	assert.ErrorIs(t, err, ErrNameTaken)
	assert.Equal(t, CodeNameTaken, CodeOf(err))
	assert.Equal(t, "username already in use", Message(err))
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(nil, "Hub", "Rename", "rename session"))
}

func TestCodeOfForeignError(t *testing.T) {
	err := Wrap(io.EOF, "Client", "readPump", "read chunk")

	assert.Equal(t, CodeInternal, CodeOf(err))
	assert.Equal(t, "internal error", Message(err))
	assert.True(t, errors.Is(err, io.EOF))
	assert.Equal(t, "", Message(nil))
}
