package protocol

import (
	"testing"

	"github.com/linchenxuan/pipc/network/message"
	"github.com/stretchr/testify/assert"
)

type recordingEndpoint struct {
	forwarded []int
	notified  []int
}

func (e *recordingEndpoint) Forward(n int, _ *message.Message) error {
	e.forwarded = append(e.forwarded, n)
	return nil
}

func (e *recordingEndpoint) Notify(n int, _ Notification) error {
	e.notified = append(e.notified, n)
	return nil
}

func (e *recordingEndpoint) Send(*message.Message, int) error { return nil }
func (e *recordingEndpoint) NewControl() *message.Message    { return nil }
func (e *recordingEndpoint) Layer(int) Layer                 { return DefaultLayer{} }

func TestDefaultLayerPassesThrough(t *testing.T) {
	ep := &recordingEndpoint{}
	var l DefaultLayer
	assert.Equal(t, message.Placeholder, l.Field())
	assert.NoError(t, l.Receive(ep, nil, 1))
	assert.NoError(t, l.ProcessNotification(ep, NotifyValid, 2))
	assert.Equal(t, []int{2}, ep.forwarded)
	assert.Equal(t, []int{3}, ep.notified)
	assert.True(t, l.SameAs(DefaultLayer{}))
}

func TestProviderIDString(t *testing.T) {
	id := ProviderID{ServiceID: 1, InstanceID: 2, ComponentID: 3, TypeID: 4}
	assert.Equal(t, "0000000000000001.00000002.0003.04", id.String())
	assert.Equal(t, id, ProviderID{1, 2, 3, 4})
	assert.NotEqual(t, id, ProviderID{1, 2, 3, 5})
	assert.Equal(t, uintptr(16), ControlField.Size)
}

func TestIsControl(t *testing.T) {
	ctl := message.MustLayout(ControlField, message.Placeholder, message.Placeholder, message.Placeholder)
	data := message.MustLayout(message.Bytes(8), message.Placeholder, message.Placeholder, message.Placeholder, message.Placeholder)
	c, _ := message.New(ctl, Session)
	d, _ := message.New(data, App)
	assert.True(t, IsControl(c))
	assert.False(t, IsControl(d))
}
