package runtime

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/linchenxuan/pipc/event"
	"github.com/linchenxuan/pipc/log"
	"github.com/linchenxuan/pipc/network/dispatcher"
	"github.com/linchenxuan/pipc/network/endpoint"
	"github.com/linchenxuan/pipc/network/message"
	"github.com/linchenxuan/pipc/network/protocol"
	"github.com/linchenxuan/pipc/network/protocol/netlayer"
	"github.com/linchenxuan/pipc/network/protocol/session"
	"github.com/linchenxuan/pipc/network/protocol/transport"
	"github.com/linchenxuan/pipc/network/retcode"
	"github.com/linchenxuan/pipc/network/socket"
	"github.com/linchenxuan/pipc/sd"
	"go.uber.org/multierr"
)

// prefix is the part of a message readable before its endpoint is known.
var prefix = message.MustLayout(message.Placeholder, message.Placeholder, transport.HeaderField)

// ProviderHandlers receive what arrives on a Provider's sessions. Both run on a
// listener goroutine. OnSession runs while the provider's session table is locked
// and must not call back into the Provider.
type ProviderHandlers struct {
	OnMessage func(sessionID uint8, payload []byte)
	OnSession func(sessionID uint8, change protocol.Notification)
}

// Provider offers one ProviderID to the Users of any process.
type Provider struct {
	rt       *Runtime
	id       protocol.ProviderID
	payload  message.Field
	handlers ProviderHandlers
	port     transport.Port
	ptmp     *session.ProviderPtmpLayer
	opts     endpoint.Options
	sub      uint64
	closed   atomic.Bool
}

// NewProvider registers id with the daemon and blocks for the answer. A denied or
// failed registration is returned and leaves nothing behind.
func NewProvider(ctx context.Context, rt *Runtime, id protocol.ProviderID, payload message.Field, h ProviderHandlers) (*Provider, error) {
	p := &Provider{rt: rt, id: id, payload: payload, handlers: h}
	p.opts = endpoint.Options{Handler: p.onData, NotificationHandler: p.onNotify}
	p.ptmp = session.NewProviderPtmp(id, endpoint.NewPtmp(rt.opts.Endpoints), p.accept)

	var err error
	if p.port, err = rt.ReservePort(&dispatcher.Entry{Control: p.receiveControl, Data: p.receiveData}); err != nil {
		return nil, err
	}
	if p.sub, err = rt.Subscribe(event.SocketOffline, p.onSocketOffline); err != nil {
		return nil, multierr.Append(err, rt.ReleasePort(p.port))
	}

	err = rt.request(ctx, pendingKey{kind: providerReply, provider: id}, sd.RegisterProvider{Provider: id, Port: p.port}, sd.UnregisterProvider{Provider: id})
	p.ptmp.OnRegistered(err)
	if err != nil {
		rt.Unsubscribe(event.SocketOffline, p.sub)
		return nil, multierr.Append(fmt.Errorf("register provider %s: %w", id, err), rt.ReleasePort(p.port))
	}
	log.Info().Str("provider", id.String()).Uint16("port", p.port).Msg("provider registered")
	return p, nil
}

// ID returns the provider id registered with the daemon.
func (p *Provider) ID() protocol.ProviderID { return p.id }

// Port returns the local port users address control messages to.
func (p *Provider) Port() transport.Port { return p.port }

// State returns the offer state of the provider layer.
func (p *Provider) State() session.State { return p.ptmp.State() }

// Sessions returns the number of connected users.
func (p *Provider) Sessions() int { return p.ptmp.Sessions().Len() }

// StartOffer opens the provider and announces it.
func (p *Provider) StartOffer() error {
	if err := p.ptmp.StartOffer(); err != nil {
		return err
	}
	return p.rt.sendSd(sd.StartOffer{Provider: p.id})
}

// StopOffer drops every session and withdraws the provider.
func (p *Provider) StopOffer() error {
	if err := p.ptmp.StopOffer(); err != nil {
		return err
	}
	return p.rt.sendSd(sd.StopOffer{Provider: p.id})
}

// Send writes one message to the session's user.
func (p *Provider) Send(sessionID uint8, fill func(payload []byte)) error {
	ep := p.ptmp.Sessions().Get(int(sessionID))
	if ep == nil {
		return fmt.Errorf("session %d: %w", sessionID, retcode.NotConnected)
	}
	return ep.SendData(fill)
}

// Broadcast writes one message to every session.
func (p *Provider) Broadcast(fill func(payload []byte)) error {
	var err error
	p.ptmp.Sessions().Range(func(_ int, ep *endpoint.PtpEndpoint) bool {
		err = multierr.Append(err, ep.SendData(fill))
		return true
	})
	return err
}

// Close stops offering and unregisters the provider.
func (p *Provider) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	var err error
	if p.ptmp.State() == session.StateValid {
		err = p.ptmp.StopOffer()
	}
	p.rt.Unsubscribe(event.SocketOffline, p.sub)
	err = multierr.Append(err, p.rt.sendSd(sd.UnregisterProvider{Provider: p.id}))
	return multierr.Append(err, p.rt.ReleasePort(p.port))
}

// candidate is the endpoint a message from src on sock would belong to.
func (p *Provider) candidate(sock *socket.Socket, raw []byte) (*endpoint.PtpEndpoint, error) {
	pm, err := message.View(prefix, raw, protocol.Transport)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, retcode.TransportError)
	}
	src := message.HeaderAs[transport.Header](pm, protocol.Transport).SrcPort
	return endpoint.NewPtp([protocol.NumLayers]protocol.Layer{
		netlayer.New(sock), transport.NewPtp(src, p.port), p.ptmp, nil,
	}, p.payload, p.opts)
}

func (p *Provider) receiveControl(sock *socket.Socket, raw []byte) error {
	c, err := p.candidate(sock, raw)
	if err != nil {
		return err
	}
	return c.ReceiveControl(raw)
}

func (p *Provider) receiveData(sock *socket.Socket, raw []byte) error {
	c, err := p.candidate(sock, raw)
	if err != nil {
		return err
	}
	dm, err := message.View(c.DataLayout(), raw, protocol.Session)
	if err != nil {
		return fmt.Errorf("%v: %w", err, retcode.TransportError)
	}
	id := message.HeaderAs[session.Header](dm, protocol.Session).SessionID
	ep := p.ptmp.Sessions().Get(int(id))
	if ep == nil || !ep.Matches(c, protocol.Transport) {
		return fmt.Errorf("data for session %d from %s: %w", id, sock.Name(), retcode.SessionError)
	}
	return ep.ReceiveData(raw)
}

func (p *Provider) accept(c *endpoint.PtpEndpoint, idx int) (*endpoint.PtpEndpoint, error) {
	ep, err := c.Derive([protocol.NumLayers]protocol.Layer{nil, nil, session.NewProviderPtp(idx), nil})
	if err != nil {
		return nil, err
	}
	if p.handlers.OnSession != nil {
		p.handlers.OnSession(uint8(idx), protocol.NotifyValid)
	}
	return ep, nil
}

func sessionOf(ep *endpoint.PtpEndpoint) uint8 {
	if l, ok := ep.Layer(protocol.Session).(*session.ProviderPtpLayer); ok {
		return l.SessionID()
	}
	return session.InvalidSessionID
}

func (p *Provider) onData(ep *endpoint.PtpEndpoint, msg *message.Message) error {
	if p.handlers.OnMessage != nil {
		p.handlers.OnMessage(sessionOf(ep), msg.Payload())
	}
	return nil
}

func (p *Provider) onNotify(ep *endpoint.PtpEndpoint, change protocol.Notification) {
	if p.handlers.OnSession != nil {
		p.handlers.OnSession(sessionOf(ep), change)
	}
}

// onSocketOffline drops the sessions of users on the departed peer.
func (p *Provider) onSocketOffline(v any) {
	ev, ok := v.(sd.SocketOffline)
	if !ok {
		return
	}
	n := p.ptmp.InvalidateIf(func(ep *endpoint.PtpEndpoint) bool {
		nl, ok := ep.Layer(protocol.Network).(*netlayer.Layer)
		return ok && nl.Socket() != nil && nl.Socket().Peer() == ev.Peer
	})
	if n > 0 {
		log.Info().Str("provider", p.id.String()).Uint16("peer", uint16(ev.Peer)).Int("sessions", n).Msg("sessions dropped with peer")
	}
}
