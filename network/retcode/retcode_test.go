package retcode

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReturnCodeError(t *testing.T) {
	assert.NoError(t, OK.Err())
	assert.Error(t, QueueFull.Err())
	assert.Equal(t, "pipc: queue full", QueueFull.Error())
	assert.Equal(t, "retcode(999)", ReturnCode(999).String())

	wrapped := fmt.Errorf("send: %w", SessionError)
	assert.ErrorIs(t, wrapped, SessionError)
	assert.NotErrorIs(t, wrapped, TransportError)
}

func TestFromError(t *testing.T) {
	assert.Equal(t, OK, FromError(nil))
	assert.Equal(t, PortInUse, FromError(fmt.Errorf("register: %w", PortInUse)))
	assert.Equal(t, GeneralError, FromError(errors.New("boom")))
}

func TestNamesComplete(t *testing.T) {
	for c := OK; c < maxCode; c++ {
		assert.NotEmpty(t, _names[c], "code %d has no name", c)
	}
}
