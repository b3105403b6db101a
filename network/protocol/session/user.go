package session

import (
	"fmt"
	"sync"

	"github.com/linchenxuan/pipc/log"
	"github.com/linchenxuan/pipc/network/message"
	"github.com/linchenxuan/pipc/network/protocol"
	"github.com/linchenxuan/pipc/network/retcode"
)

// UserPtpLayer is the user side of a session. It becomes Idle when the layers
// below report the provider reachable, Busy once a request is out, and Valid when
// the provider acknowledges.
type UserPtpLayer struct {
	provider protocol.ProviderID

	mu      sync.Mutex
	state   State
	session uint8
}

var _ protocol.Layer = (*UserPtpLayer)(nil)

// NewUserPtp creates an unconnected user layer for provider.
func NewUserPtp(provider protocol.ProviderID) *UserPtpLayer {
	return &UserPtpLayer{provider: provider, state: StateInvalid, session: InvalidSessionID}
}

// State returns the connection state.
func (l *UserPtpLayer) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// SessionID returns the id the provider granted, or InvalidSessionID.
func (l *UserPtpLayer) SessionID() uint8 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.session
}

// RequestActivation sends one connection request from Idle. In Busy or Valid it
// does nothing.
func (l *UserPtpLayer) RequestActivation(ep protocol.Endpoint) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.state {
	case StateValid, StateBusy:
		return nil
	case StateInvalid:
		return fmt.Errorf("provider %s unreachable: %w", l.provider, retcode.NotConnected)
	}

	l.state = StateBusy
	if err := sendControl(ep, InvalidSessionID, ConnectionRequest, l.provider); err != nil {
		l.state = StateIdle
		return err
	}
	return nil
}

// Close tells the provider the session is over, without waiting for it.
func (l *UserPtpLayer) Close(ep protocol.Endpoint) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateValid && l.state != StateBusy {
		return
	}
	if err := sendControl(ep, l.session, DisconnectNotification, l.provider); err != nil {
		log.Debug().Str("provider", l.provider.String()).Err(err).Msg("disconnect notification not sent")
	}
	l.state = StateIdle
	l.session = InvalidSessionID
}

// Field is the session header.
func (l *UserPtpLayer) Field() message.Field { return HeaderField }

// Prepare stamps the granted session id on outgoing data.
func (l *UserPtpLayer) Prepare(_ protocol.Endpoint, msg *message.Message, n int) {
	if protocol.IsControl(msg) {
		return
	}
	h := message.HeaderAs[Header](msg, n)
	h.SessionID = l.SessionID()
	h.Kind = Data
}

// Receive handles the provider's control answers and filters data by session id.
func (l *UserPtpLayer) Receive(ep protocol.Endpoint, msg *message.Message, n int) error {
	h := message.HeaderAs[Header](msg, n)
	if !protocol.IsControl(msg) {
		l.mu.Lock()
		ok := l.state == StateValid && h.Kind == Data && h.SessionID == l.session
		l.mu.Unlock()
		if !ok {
			return drop(n, retcode.SessionError)
		}
		return ep.Forward(n+1, msg)
	}

	if message.PayloadAs[protocol.ControlPayload](msg).Provider != l.provider {
		return drop(n, retcode.SessionError)
	}

	l.mu.Lock()
	if l.state != StateBusy {
		l.mu.Unlock()
		return drop(n, retcode.SessionError)
	}
	var change protocol.Notification
	switch h.Kind {
	case ConnectionAcknowledge:
		l.state = StateValid
		l.session = h.SessionID
		change = protocol.NotifyValid
	case ConnectionDeny:
		l.state = StateInvalid
		change = protocol.NotifyInvalid
	default:
		l.mu.Unlock()
		return drop(n, retcode.SessionError)
	}
	l.mu.Unlock()
	return ep.Notify(n+1, change)
}

// ProcessNotification tracks reachability of the provider reported from below.
func (l *UserPtpLayer) ProcessNotification(ep protocol.Endpoint, change protocol.Notification, n int) error {
	l.mu.Lock()
	switch change {
	case protocol.NotifyValid:
		if l.state == StateInvalid {
			l.state = StateIdle
		}
		l.mu.Unlock()
		return nil
	case protocol.NotifyInvalid:
		prev := l.state
		l.state = StateInvalid
		l.session = InvalidSessionID
		l.mu.Unlock()
		if prev == StateValid || prev == StateBusy {
			return ep.Notify(n+1, protocol.NotifyInvalid)
		}
		return nil
	default:
		l.mu.Unlock()
		return nil
	}
}
