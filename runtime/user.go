package runtime

import (
	"context"
	"errors"
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

// UserHandlers receive what the provider sends and the changes of the connection.
// Both run on a listener goroutine.
type UserHandlers struct {
	OnMessage    func(payload []byte)
	OnConnection func(change protocol.Notification)
}

type subscription struct {
	topic string
	id    uint64
}

// User is one connection to a provider.
type User struct {
	rt       *Runtime
	id       protocol.ProviderID
	handlers UserHandlers
	port     transport.Port

	net   *netlayer.Layer
	tp    *transport.PtpLayer
	layer *session.UserPtpLayer
	ep    *endpoint.PtpEndpoint

	online atomic.Bool
	wake   chan struct{}
	subs   []subscription
	closed atomic.Bool
}

// NewUser registers a user of id with the daemon and blocks for the answer. The
// user becomes connectable once the daemon reports the provider online.
func NewUser(ctx context.Context, rt *Runtime, id protocol.ProviderID, payload message.Field, h UserHandlers) (*User, error) {
	u := &User{
		rt:       rt,
		id:       id,
		handlers: h,
		net:      netlayer.New(nil),
		tp:       transport.NewPtp(0, 0),
		layer:    session.NewUserPtp(id),
		wake:     make(chan struct{}, 1),
	}
	var err error
	u.ep, err = endpoint.NewPtp([protocol.NumLayers]protocol.Layer{u.net, u.tp, u.layer, nil}, payload, endpoint.Options{
		Handler:             u.onData,
		NotificationHandler: u.onNotify,
	})
	if err != nil {
		return nil, err
	}

	if u.port, err = rt.ReservePort(&dispatcher.Entry{Control: u.receiveControl, Data: u.receiveData}); err != nil {
		return nil, err
	}
	u.tp.Bind(0, u.port)

	// subscribe first: the online notice may follow the reply immediately
	for topic, fn := range map[string]event.Subscriber{
		event.ProviderOnline:  u.onProviderOnline,
		event.ProviderOffline: u.onProviderOffline,
		event.SocketOffline:   u.onSocketOffline,
	} {
		sub, err := rt.Subscribe(topic, fn)
		if err != nil {
			return nil, multierr.Append(err, u.release())
		}
		u.subs = append(u.subs, subscription{topic, sub})
	}

	err = rt.request(ctx, pendingKey{kind: userReply, provider: id, port: u.port}, sd.RegisterUser{Provider: id, Port: u.port}, sd.UnregisterUser{Provider: id, Port: u.port})
	if err != nil {
		return nil, multierr.Append(fmt.Errorf("register user of %s: %w", id, err), u.release())
	}
	log.Info().Str("provider", id.String()).Uint16("port", u.port).Msg("user registered")
	return u, nil
}

// Provider returns the id of the provider this user connects to.
func (u *User) Provider() protocol.ProviderID { return u.id }

// Port returns the local port of the user.
func (u *User) Port() transport.Port { return u.port }

// State returns the connection state of the user layer.
func (u *User) State() session.State { return u.layer.State() }

// SessionID is the session the provider assigned, or session.InvalidSessionID.
func (u *User) SessionID() uint8 { return u.layer.SessionID() }

// Online reports whether the daemon last reported the provider online.
func (u *User) Online() bool { return u.online.Load() }

// RequestConnection asks the provider for a session. It is a no-op while a request
// is out or the session is up, and fails with NotConnected while the provider is
// offline.
func (u *User) RequestConnection() error {
	if u.layer.State() == session.StateInvalid && u.online.Load() {
		// a denied request leaves the layer Invalid while the provider stays online
		if err := u.ep.Notify(protocol.Network, protocol.NotifyValid); err != nil {
			return err
		}
	}
	return u.layer.RequestActivation(u.ep)
}

// WaitConnected requests a session and waits until it is up or ctx is done. A
// request the provider denies is returned as a SessionError.
func (u *User) WaitConnected(ctx context.Context) error {
	requested := false
	for {
		switch st := u.layer.State(); st {
		case session.StateValid:
			return nil
		case session.StateIdle, session.StateInvalid:
			if requested && st == session.StateInvalid && u.online.Load() {
				return fmt.Errorf("connection to %s denied: %w", u.id, retcode.SessionError)
			}
			if err := u.RequestConnection(); err == nil {
				requested = true
			} else if !errors.Is(err, retcode.NotConnected) {
				return err
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-u.wake:
		}
	}
}

// Send writes one message to the provider over the session.
func (u *User) Send(fill func(payload []byte)) error {
	if u.layer.State() != session.StateValid {
		return fmt.Errorf("user of %s: %w", u.id, retcode.NotConnected)
	}
	return u.ep.SendData(fill)
}

// Close ends the session and unregisters the user.
func (u *User) Close() error {
	if !u.closed.CompareAndSwap(false, true) {
		return nil
	}
	u.layer.Close(u.ep)
	err := u.rt.sendSd(sd.UnregisterUser{Provider: u.id, Port: u.port})
	return multierr.Append(err, u.release())
}

func (u *User) release() error {
	for _, s := range u.subs {
		u.rt.Unsubscribe(s.topic, s.id)
	}
	u.subs = nil
	return u.rt.ReleasePort(u.port)
}

func (u *User) signal() {
	select {
	case u.wake <- struct{}{}:
	default:
	}
}

func (u *User) from(sock *socket.Socket) error {
	if sock != u.net.Socket() {
		return fmt.Errorf("user of %s got a message on %s: %w", u.id, sock.Name(), retcode.TransportError)
	}
	return nil
}

func (u *User) receiveControl(sock *socket.Socket, raw []byte) error {
	if err := u.from(sock); err != nil {
		return err
	}
	return u.ep.ReceiveControl(raw)
}

func (u *User) receiveData(sock *socket.Socket, raw []byte) error {
	if err := u.from(sock); err != nil {
		return err
	}
	return u.ep.ReceiveData(raw)
}

func (u *User) onData(_ *endpoint.PtpEndpoint, msg *message.Message) error {
	if u.handlers.OnMessage != nil {
		u.handlers.OnMessage(msg.Payload())
	}
	return nil
}

func (u *User) onNotify(_ *endpoint.PtpEndpoint, change protocol.Notification) {
	if u.handlers.OnConnection != nil {
		u.handlers.OnConnection(change)
	}
	u.signal()
}

func (u *User) onProviderOnline(v any) {
	ev, ok := v.(sd.ProviderOnline)
	if !ok || ev.Provider != u.id {
		return
	}
	sock := u.rt.Socket(ev.Node)
	if sock == nil {
		log.Warn().Str("provider", u.id.String()).Uint16("node", uint16(ev.Node)).Msg("provider online without a socket")
		_ = u.rt.ConnectSocket(ev.Node)
		return
	}
	u.net.Bind(sock)
	u.tp.Bind(ev.Port, u.port)
	u.online.Store(true)
	if err := u.ep.Notify(protocol.Network, protocol.NotifyValid); err != nil {
		log.Warn().Str("provider", u.id.String()).Err(err).Msg("user online notification failed")
	}
	u.signal()
}

func (u *User) offline() {
	u.online.Store(false)
	if err := u.ep.Notify(protocol.Network, protocol.NotifyInvalid); err != nil {
		log.Warn().Str("provider", u.id.String()).Err(err).Msg("user offline notification failed")
	}
	u.signal()
}

func (u *User) onProviderOffline(v any) {
	if ev, ok := v.(sd.ProviderOffline); ok && ev.Provider == u.id {
		u.offline()
	}
}

func (u *User) onSocketOffline(v any) {
	ev, ok := v.(sd.SocketOffline)
	if !ok {
		return
	}
	if sock := u.net.Socket(); sock != nil && sock.Peer() == ev.Peer {
		u.offline()
	}
}
