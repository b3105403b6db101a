// Package session implements the connection layer between users and providers.
// A user asks a provider for a session over the control plane. The provider
// acknowledges with a session id, which tags every data message afterwards.
package session

import (
	"fmt"

	"github.com/linchenxuan/pipc/metrics"
	"github.com/linchenxuan/pipc/network/message"
	"github.com/linchenxuan/pipc/network/protocol"
	"github.com/linchenxuan/pipc/network/retcode"
)

// Kind is the type of a session message.
type Kind uint8

const (
	Data Kind = iota
	ConnectionRequest
	ConnectionAcknowledge
	ConnectionDeny
	DisconnectNotification
)

// String returns the message kind name.
func (k Kind) String() string {
	switch k {
	case Data:
		return "data"
	case ConnectionRequest:
		return "connection_request"
	case ConnectionAcknowledge:
		return "connection_acknowledge"
	case ConnectionDeny:
		return "connection_deny"
	case DisconnectNotification:
		return "disconnect_notification"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// InvalidSessionID marks control messages sent before a session exists.
const InvalidSessionID uint8 = 255

// MaxSessions is the most sessions one provider can hold. Ids run from 0 up to,
// but not including, InvalidSessionID.
const MaxSessions = int(InvalidSessionID)

// Header is the session header.
type Header struct {
	SessionID uint8
	Kind      Kind
}

// HeaderField describes Header.
var HeaderField = message.FieldOf[Header]()

// State is the state of a session state machine.
type State int32

const (
	StateInvalid State = iota
	StateIdle
	StateBusy
	StateValid
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateInvalid:
		return "invalid"
	case StateIdle:
		return "idle"
	case StateBusy:
		return "busy"
	case StateValid:
		return "valid"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

func sendControl(ep protocol.Endpoint, id uint8, kind Kind, provider protocol.ProviderID) error {
	msg := ep.NewControl()
	h := message.HeaderAs[Header](msg, protocol.Session)
	h.SessionID = id
	h.Kind = kind
	message.PayloadAs[protocol.ControlPayload](msg).Provider = provider
	return ep.Send(msg, protocol.Session)
}

func drop(n int, err error) error {
	metrics.IncrCounterWithDimGroup(metrics.NameLayerDropTotal, metrics.GroupPIPC, 1, metrics.Dimension{
		metrics.DimLayer:   protocol.LayerName(n),
		metrics.DimRetCode: retcode.FromError(err).String(),
	})
	return err
}
