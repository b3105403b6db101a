package protocol

import "github.com/linchenxuan/pipc/network/message"

// DefaultLayer passes everything through and has no header.
type DefaultLayer struct{}

var _ Layer = DefaultLayer{}

// Field reports that the layer adds no header.
func (DefaultLayer) Field() message.Field { return message.Placeholder }

func (DefaultLayer) Prepare(Endpoint, *message.Message, int) {}

// Receive hands msg to the layer above.
func (DefaultLayer) Receive(ep Endpoint, msg *message.Message, n int) error {
	return ep.Forward(n+1, msg)
}

// ProcessNotification hands change to the layer above.
func (DefaultLayer) ProcessNotification(ep Endpoint, change Notification, n int) error {
	return ep.Notify(n+1, change)
}

// SameAs matches any other DefaultLayer.
func (DefaultLayer) SameAs(other Layer) bool {
	_, ok := other.(DefaultLayer)
	return ok
}
