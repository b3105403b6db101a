// Package protocol defines the contract between the stacked PIPC layers and the
// endpoints that own them.
package protocol

import (
	"github.com/linchenxuan/pipc/network/message"
)

// Layer indices, from the wire up.
const (
	Network = iota
	Transport
	Session
	App
	NumLayers
)

// LayerName returns a printable name for layer n.
func LayerName(n int) string {
	switch n {
	case Network:
		return "network"
	case Transport:
		return "transport"
	case Session:
		return "session"
	case App:
		return "app"
	default:
		return "endpoint"
	}
}

// Notification is a connectivity change travelling up the stack.
type Notification uint8

const (
	NotifyValid Notification = iota + 1
	NotifyInvalid
)

// String returns the notification name.
func (c Notification) String() string {
	switch c {
	case NotifyValid:
		return "valid"
	case NotifyInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Layer is one tier of an endpoint. n is the index the layer occupies, which is
// also the header index it owns in a message.
type Layer interface {
	// Field describes the layer's header.
	Field() message.Field
	// Prepare fills the layer's header of an outgoing message.
	Prepare(ep Endpoint, msg *message.Message, n int)
	// Receive validates the layer's header and forwards to layer n+1 on success.
	// A message that fails validation is dropped and the error returned.
	Receive(ep Endpoint, msg *message.Message, n int) error
	// ProcessNotification reacts to a change from layer n-1 and usually passes
	// its own view of it on to layer n+1.
	ProcessNotification(ep Endpoint, change Notification, n int) error
}

// Matcher is implemented by layers whose state identifies a peer. Endpoints compare
// matchers when looking for an existing connection.
type Matcher interface {
	SameAs(other Layer) bool
}

// Sender is implemented by the network layer.
type Sender interface {
	Send(msg *message.Message) error
}

// Emplacer is implemented by network layers able to build a message directly in
// the transmit slot.
type Emplacer interface {
	Emplace(size int, build func(buf []byte)) error
}

// Endpoint is the view a layer has of the stack it belongs to.
type Endpoint interface {
	// Forward hands msg to layer n, or to the endpoint's handler past the top.
	Forward(n int, msg *message.Message) error
	// Notify hands change to layer n, or to the endpoint's notification handler
	// past the top.
	Notify(n int, change Notification) error
	// Send prepares every layer below from, then transmits through the network layer.
	Send(msg *message.Message, from int) error
	// NewControl allocates a control message with the session layer active.
	NewControl() *message.Message
	Layer(n int) Layer
}

// IsControl reports whether msg uses a control layout, whose top layer is the session.
func IsControl(msg *message.Message) bool {
	return msg.Layout().NumHeaders() == Session+1
}
