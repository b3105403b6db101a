// Package netlayer is the network layer: it binds an endpoint to the socket its
// messages travel on.
package netlayer

import (
	"fmt"
	"sync/atomic"

	"github.com/linchenxuan/pipc/network/message"
	"github.com/linchenxuan/pipc/network/protocol"
	"github.com/linchenxuan/pipc/network/retcode"
	"github.com/linchenxuan/pipc/network/socket"
)

// Layer holds a non-owning reference to a socket. The owner of the socket keeps it
// open for as long as any endpoint is bound to it.
type Layer struct {
	sock atomic.Pointer[socket.Socket]
}

var (
	_ protocol.Layer    = (*Layer)(nil)
	_ protocol.Sender   = (*Layer)(nil)
	_ protocol.Emplacer = (*Layer)(nil)
	_ protocol.Matcher  = (*Layer)(nil)
)

// New returns a layer bound to sock, which may be nil.
func New(sock *socket.Socket) *Layer {
	l := &Layer{}
	l.sock.Store(sock)
	return l
}

// Bind replaces the socket.
func (l *Layer) Bind(sock *socket.Socket) { l.sock.Store(sock) }

// Socket returns the bound socket, or nil.
func (l *Layer) Socket() *socket.Socket { return l.sock.Load() }

// Field reports that the layer adds no header.
func (l *Layer) Field() message.Field { return message.Placeholder }

func (l *Layer) Prepare(protocol.Endpoint, *message.Message, int) {}

// Receive hands msg to the layer above.
func (l *Layer) Receive(ep protocol.Endpoint, msg *message.Message, n int) error {
	return ep.Forward(n+1, msg)
}

// ProcessNotification hands change to the layer above.
func (l *Layer) ProcessNotification(ep protocol.Endpoint, change protocol.Notification, n int) error {
	return ep.Notify(n+1, change)
}

func (l *Layer) bound() (*socket.Socket, error) {
	s := l.sock.Load()
	if s == nil {
		return nil, fmt.Errorf("network layer unbound: %w", retcode.NotConnected)
	}
	return s, nil
}

// Send copies msg into the socket.
func (l *Layer) Send(msg *message.Message) error {
	s, err := l.bound()
	if err != nil {
		return err
	}
	return s.Send(msg.Bytes())
}

// Emplace reserves size bytes in the transmit slot and lets build fill them.
func (l *Layer) Emplace(size int, build func(buf []byte)) error {
	s, err := l.bound()
	if err != nil {
		return err
	}
	if size > s.MaxPayload() {
		return fmt.Errorf("message of %d bytes exceeds socket payload %d: %w", size, s.MaxPayload(), retcode.GeneralError)
	}
	return s.SendEmplace(func(buf []byte) int {
		build(buf[:size])
		return size
	})
}

// SameAs compares socket identity.
func (l *Layer) SameAs(other protocol.Layer) bool {
	o, ok := other.(*Layer)
	return ok && o.sock.Load() == l.sock.Load()
}
