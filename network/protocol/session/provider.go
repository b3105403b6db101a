package session

import (
	"fmt"
	"sync"

	"github.com/linchenxuan/pipc/log"
	"github.com/linchenxuan/pipc/metrics"
	"github.com/linchenxuan/pipc/network/endpoint"
	"github.com/linchenxuan/pipc/network/message"
	"github.com/linchenxuan/pipc/network/protocol"
	"github.com/linchenxuan/pipc/network/retcode"
)

// Acceptor turns the endpoint a connection request arrived on into the endpoint
// installed for the new session idx.
type Acceptor func(candidate *endpoint.PtpEndpoint, idx int) (*endpoint.PtpEndpoint, error)

// ProviderPtmpLayer is the provider side of the control plane. It starts Busy
// until the daemon answers the provider's registration, and only accepts
// connections while offering.
type ProviderPtmpLayer struct {
	id       protocol.ProviderID
	sessions *endpoint.PtmpEndpoint
	accept   Acceptor

	mu    sync.Mutex
	state State
}

var _ protocol.Layer = (*ProviderPtmpLayer)(nil)

// NewProviderPtmp creates the provider layer of id over sessions. accept installs each new session.
func NewProviderPtmp(id protocol.ProviderID, sessions *endpoint.PtmpEndpoint, accept Acceptor) *ProviderPtmpLayer {
	return &ProviderPtmpLayer{id: id, sessions: sessions, accept: accept, state: StateBusy}
}

// Provider returns the id this layer serves.
func (l *ProviderPtmpLayer) Provider() protocol.ProviderID { return l.id }

// Sessions returns the table of connected users.
func (l *ProviderPtmpLayer) Sessions() *endpoint.PtmpEndpoint { return l.sessions }

// State returns the offer state.
func (l *ProviderPtmpLayer) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// OnRegistered completes registration: Idle on success, Invalid for good otherwise.
func (l *ProviderPtmpLayer) OnRegistered(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateBusy {
		return
	}
	if err != nil {
		l.state = StateInvalid
		return
	}
	l.state = StateIdle
}

// StartOffer opens the provider for connections.
func (l *ProviderPtmpLayer) StartOffer() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.state {
	case StateIdle:
		l.state = StateValid
		return nil
	case StateValid:
		return nil
	default:
		return fmt.Errorf("start offer in state %s: %w", l.state, retcode.PermissionDenied)
	}
}

// StopOffer closes the provider and drops every session.
func (l *ProviderPtmpLayer) StopOffer() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.state {
	case StateValid:
		l.state = StateIdle
		l.sessions.Range(func(idx int, _ *endpoint.PtpEndpoint) bool {
			l.invalidate(idx)
			return true
		})
		return nil
	case StateIdle:
		return nil
	default:
		return fmt.Errorf("stop offer in state %s: %w", l.state, retcode.PermissionDenied)
	}
}

// InvalidateIf drops every session whose endpoint satisfies pred.
func (l *ProviderPtmpLayer) InvalidateIf(pred func(ep *endpoint.PtpEndpoint) bool) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	l.sessions.Range(func(idx int, ep *endpoint.PtpEndpoint) bool {
		if pred(ep) {
			l.invalidate(idx)
			n++
		}
		return true
	})
	return n
}

// invalidate lets the session's upper layers clean up before the slot is freed.
func (l *ProviderPtmpLayer) invalidate(idx int) {
	if ep := l.sessions.Get(idx); ep != nil {
		if err := ep.Notify(protocol.App, protocol.NotifyInvalid); err != nil {
			log.Warn().Str("provider", l.id.String()).Int("session", idx).Err(err).Msg("session invalidation failed")
		}
	}
	l.sessions.Deallocate(idx)
	l.reportSessions()
}

func (l *ProviderPtmpLayer) reportSessions() {
	metrics.UpdateGaugeWithDimGroup(metrics.NamePtmpSessions, metrics.GroupPIPC, metrics.Value(l.sessions.Len()),
		metrics.Dimension{metrics.DimProvider: l.id.String()})
}

// Field is the session header.
func (l *ProviderPtmpLayer) Field() message.Field { return HeaderField }

func (l *ProviderPtmpLayer) Prepare(protocol.Endpoint, *message.Message, int) {}

// Receive handles connection requests and disconnect notifications. ep is the
// endpoint the request came in on, bound to the requester's socket and port.
func (l *ProviderPtmpLayer) Receive(ep protocol.Endpoint, msg *message.Message, n int) error {
	if !protocol.IsControl(msg) {
		return drop(n, retcode.SessionError)
	}
	candidate, ok := ep.(*endpoint.PtpEndpoint)
	if !ok {
		return fmt.Errorf("provider layer needs a ptp endpoint, got %T: %w", ep, retcode.GeneralError)
	}

	h := message.HeaderAs[Header](msg, n)
	requested := message.PayloadAs[protocol.ControlPayload](msg).Provider

	l.mu.Lock()
	defer l.mu.Unlock()

	switch h.Kind {
	case ConnectionRequest:
		return l.connect(candidate, requested, n)
	case DisconnectNotification:
		idx := l.sessions.Find(candidate, protocol.Transport)
		if idx < 0 {
			return drop(n, retcode.SessionError)
		}
		l.invalidate(idx)
		log.Debug().Str("provider", l.id.String()).Int("session", idx).Msg("session disconnected")
		return nil
	default:
		return drop(n, retcode.SessionError)
	}
}

func (l *ProviderPtmpLayer) connect(candidate *endpoint.PtpEndpoint, requested protocol.ProviderID, n int) error {
	deny := func(err error) error {
		if sendErr := sendControl(candidate, InvalidSessionID, ConnectionDeny, l.id); sendErr != nil {
			log.Warn().Str("provider", l.id.String()).Err(sendErr).Msg("send connection deny failed")
		}
		return drop(n, err)
	}

	if l.state != StateValid {
		return deny(fmt.Errorf("connection request in state %s: %w", l.state, retcode.SessionError))
	}
	if requested != l.id {
		return deny(fmt.Errorf("connection request for %s: %w", requested, retcode.SessionError))
	}

	idx := l.sessions.Find(candidate, protocol.Transport)
	if idx < 0 {
		if idx = l.sessions.Allocate(); idx < 0 {
			return deny(retcode.RegistryFull)
		}
		ep, err := l.accept(candidate, idx)
		if err != nil {
			l.sessions.Deallocate(idx)
			return deny(err)
		}
		l.sessions.Install(idx, ep)
		l.reportSessions()
	}

	if err := sendControl(candidate, uint8(idx), ConnectionAcknowledge, l.id); err != nil {
		return err
	}
	log.Debug().Str("provider", l.id.String()).Int("session", idx).Msg("session acknowledged")
	return nil
}

// ProcessNotification ignores notifications; sessions report their own.
func (l *ProviderPtmpLayer) ProcessNotification(protocol.Endpoint, protocol.Notification, int) error {
	return nil
}

// ProviderPtpLayer is the session layer of one accepted connection.
type ProviderPtpLayer struct {
	id uint8
}

var (
	_ protocol.Layer   = (*ProviderPtpLayer)(nil)
	_ protocol.Matcher = (*ProviderPtpLayer)(nil)
)

// NewProviderPtp creates the per-session layer for slot idx.
func NewProviderPtp(idx int) *ProviderPtpLayer {
	return &ProviderPtpLayer{id: uint8(idx)}
}

// SessionID returns the id stamped on outgoing data.
func (l *ProviderPtpLayer) SessionID() uint8 { return l.id }

// Field is the session header.
func (l *ProviderPtpLayer) Field() message.Field { return HeaderField }

// Prepare stamps the session id on outgoing data.
func (l *ProviderPtpLayer) Prepare(_ protocol.Endpoint, msg *message.Message, n int) {
	if protocol.IsControl(msg) {
		return
	}
	h := message.HeaderAs[Header](msg, n)
	h.SessionID = l.id
	h.Kind = Data
}

// Receive drops data that carries another session id.
func (l *ProviderPtpLayer) Receive(ep protocol.Endpoint, msg *message.Message, n int) error {
	h := message.HeaderAs[Header](msg, n)
	if protocol.IsControl(msg) || h.Kind != Data || h.SessionID != l.id {
		return drop(n, retcode.SessionError)
	}
	return ep.Forward(n+1, msg)
}

func (l *ProviderPtpLayer) ProcessNotification(ep protocol.Endpoint, change protocol.Notification, n int) error {
	return ep.Notify(n+1, change)
}

// SameAs matches a layer with the same session id.
func (l *ProviderPtpLayer) SameAs(other protocol.Layer) bool {
	o, ok := other.(*ProviderPtpLayer)
	return ok && o.id == l.id
}
