// Package endpoint assembles protocol layers into endpoints: a PtpEndpoint talks to
// one peer, and a PtmpEndpoint keeps one PtpEndpoint per connected peer.
package endpoint

import (
	"fmt"

	"github.com/linchenxuan/pipc/network/message"
	"github.com/linchenxuan/pipc/network/protocol"
	"github.com/linchenxuan/pipc/network/retcode"
)

// Handler receives data messages that passed every layer.
type Handler func(ep *PtpEndpoint, msg *message.Message) error

// NotificationHandler receives notifications that passed every layer.
type NotificationHandler func(ep *PtpEndpoint, change protocol.Notification)

// Options are the optional parts of a PtpEndpoint.
type Options struct {
	Handler             Handler
	NotificationHandler NotificationHandler
}

// PtpEndpoint owns one layer per tier and the two layouts its messages use: data
// messages carry all four headers, control messages stop at the session header.
type PtpEndpoint struct {
	layers  [protocol.NumLayers]protocol.Layer
	payload message.Field
	data    *message.Layout
	control *message.Layout
	opts    Options
	index   int
}

var _ protocol.Endpoint = (*PtpEndpoint)(nil)

// NewPtp builds an endpoint over layers. A nil layer is replaced by a DefaultLayer.
func NewPtp(layers [protocol.NumLayers]protocol.Layer, payload message.Field, opts Options) (*PtpEndpoint, error) {
	ep := &PtpEndpoint{payload: payload, opts: opts, index: -1}
	var fields [protocol.NumLayers]message.Field
	for i, l := range layers {
		if l == nil {
			l = protocol.DefaultLayer{}
		}
		ep.layers[i] = l
		fields[i] = l.Field()
	}

	var err error
	if ep.data, err = message.NewLayout(payload, fields[:]...); err != nil {
		return nil, fmt.Errorf("data layout: %w", err)
	}
	if ep.control, err = message.NewLayout(protocol.ControlField, fields[:protocol.Session+1]...); err != nil {
		return nil, fmt.Errorf("control layout: %w", err)
	}
	return ep, nil
}

// Derive returns a new endpoint sharing this one's payload and options, with the
// layers replaced wherever layers[i] is not nil.
func (ep *PtpEndpoint) Derive(layers [protocol.NumLayers]protocol.Layer) (*PtpEndpoint, error) {
	for i, l := range layers {
		if l == nil {
			layers[i] = ep.layers[i]
		}
	}
	return NewPtp(layers, ep.payload, ep.opts)
}

// Layer returns layer n of the stack.
func (ep *PtpEndpoint) Layer(n int) protocol.Layer { return ep.layers[n] }

// DataLayout returns the layout of data messages.
func (ep *PtpEndpoint) DataLayout() *message.Layout { return ep.data }

// ControlLayout returns the layout of control messages.
func (ep *PtpEndpoint) ControlLayout() *message.Layout { return ep.control }

// Index is the slot this endpoint occupies in a PtmpEndpoint, or -1.
func (ep *PtpEndpoint) Index() int { return ep.index }

// SetHandlers replaces the terminal handlers. It must not race with receives.
func (ep *PtpEndpoint) SetHandlers(opts Options) { ep.opts = opts }

// Forward hands msg to layer n. Past the last header of a data message it reaches
// the Handler. Control messages end at the session layer.
func (ep *PtpEndpoint) Forward(n int, msg *message.Message) error {
	if n >= msg.Layout().NumHeaders() {
		if protocol.IsControl(msg) || ep.opts.Handler == nil {
			return nil
		}
		return ep.opts.Handler(ep, msg)
	}
	if err := msg.SetActive(n); err != nil {
		return err
	}
	return ep.layers[n].Receive(ep, msg, n)
}

// Notify hands change to layer n, or to the NotificationHandler past the top.
func (ep *PtpEndpoint) Notify(n int, change protocol.Notification) error {
	if n >= protocol.NumLayers {
		if ep.opts.NotificationHandler != nil {
			ep.opts.NotificationHandler(ep, change)
		}
		return nil
	}
	return ep.layers[n].ProcessNotification(ep, change, n)
}

// Send prepares layers from-1 down to 0 and transmits msg.
func (ep *PtpEndpoint) Send(msg *message.Message, from int) error {
	for i := from - 1; i >= 0; i-- {
		ep.layers[i].Prepare(ep, msg, i)
	}
	sender, ok := ep.layers[protocol.Network].(protocol.Sender)
	if !ok {
		return fmt.Errorf("network layer %T cannot send: %w", ep.layers[protocol.Network], retcode.NetworkError)
	}
	return sender.Send(msg)
}

// NewControl allocates a control message.
func (ep *PtpEndpoint) NewControl() *message.Message {
	m, err := message.New(ep.control, protocol.Session)
	if err != nil {
		// the control layout always has a session header
		panic(err)
	}
	return m
}

// NewData allocates a data message.
func (ep *PtpEndpoint) NewData() *message.Message {
	m, err := message.New(ep.data, protocol.App)
	if err != nil {
		panic(err)
	}
	return m
}

// SendData builds a data message, in the transmit slot when the network layer
// supports it, lets fill write the payload and sends it.
func (ep *PtpEndpoint) SendData(fill func(payload []byte)) error {
	em, ok := ep.layers[protocol.Network].(protocol.Emplacer)
	if !ok {
		msg := ep.NewData()
		fill(msg.Payload())
		return ep.Send(msg, protocol.NumLayers)
	}
	return em.Emplace(ep.data.Size(), func(buf []byte) {
		clear(buf)
		msg, err := message.View(ep.data, buf, protocol.App)
		if err != nil {
			panic(err)
		}
		fill(msg.Payload())
		for i := protocol.App; i >= 0; i-- {
			ep.layers[i].Prepare(ep, msg, i)
		}
	})
}

// ReceiveData runs raw bytes of a data message up the stack.
func (ep *PtpEndpoint) ReceiveData(raw []byte) error {
	msg, err := message.View(ep.data, raw, protocol.Network)
	if err != nil {
		return fmt.Errorf("data message: %v: %w", err, retcode.TransportError)
	}
	return ep.Forward(protocol.Network, msg)
}

// ReceiveControl runs raw bytes of a control message up to the session layer.
func (ep *PtpEndpoint) ReceiveControl(raw []byte) error {
	msg, err := message.View(ep.control, raw, protocol.Network)
	if err != nil {
		return fmt.Errorf("control message: %v: %w", err, retcode.TransportError)
	}
	return ep.Forward(protocol.Network, msg)
}

// Matches reports whether ep and other agree on every layer up to and including
// depth. Layers implementing protocol.Matcher compare state, others compare identity.
func (ep *PtpEndpoint) Matches(other *PtpEndpoint, depth int) bool {
	for i := 0; i <= depth && i < protocol.NumLayers; i++ {
		a, b := ep.layers[i], other.layers[i]
		if m, ok := a.(protocol.Matcher); ok {
			if !m.SameAs(b) {
				return false
			}
		} else if a != b {
			return false
		}
	}
	return true
}
