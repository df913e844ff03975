package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsFollowsWrapping(t *testing.T) {
	base := New(DatasetNotFound, "no dataset sales")
	wrapped := fmt.Errorf("submit: %w", base)

	assert.True(t, Is(wrapped, DatasetNotFound))
	assert.False(t, Is(wrapped, DatasetBusy))
	assert.Equal(t, DatasetNotFound, KindOf(wrapped))
}

func TestIsNestedKinds(t *testing.T) {
	inner := New(Transport, "broken pipe")
	outer := Wrap(ConnectionLost, "", inner)

	assert.True(t, Is(outer, ConnectionLost))
	assert.True(t, Is(outer, Transport))
	assert.Equal(t, ConnectionLost, KindOf(outer))
}

func TestForeignError(t *testing.T) {
	err := errors.New("boom")
	assert.False(t, Is(err, JobFailed))
	assert.Equal(t, Kind(""), KindOf(err))
	assert.Equal(t, "boom", Message(err))
}

func TestMessage(t *testing.T) {
	assert.Equal(t, "view x", Message(New(ViewNotFound, "view x")))
	assert.Equal(t, "load: disk full", Message(Wrap(DatasetLoadFailed, "load", errors.New("disk full"))))
	assert.Equal(t, "disk full", Message(Wrap(DatasetLoadFailed, "", errors.New("disk full"))))
	assert.Equal(t, "view_not_found: view x", New(ViewNotFound, "view x").Error())
}
