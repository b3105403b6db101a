// Package sd is PIPC provider discovery. The daemon keeps the registry of providers
// and users, tells users where the providers they want are, and sets up the
// sockets between processes. Processes talk to it over their sd socket on SdPort.
package sd

import (
	"fmt"
	"unsafe"

	"github.com/linchenxuan/pipc/network/endpoint"
	"github.com/linchenxuan/pipc/network/message"
	"github.com/linchenxuan/pipc/network/protocol"
	"github.com/linchenxuan/pipc/network/protocol/netlayer"
	"github.com/linchenxuan/pipc/network/protocol/transport"
	"github.com/linchenxuan/pipc/network/retcode"
	"github.com/linchenxuan/pipc/network/socket"
)

// BodyWords is the size of the largest variant in 8-byte words.
const BodyWords = 3

// Message is the payload of every sd message: a variant index and the variant.
type Message struct {
	Index uint8
	_     [7]byte
	Body  [BodyWords]uint64
}

// MessageField describes Message.
var MessageField = message.FieldOf[Message]()

// ClientMsg is a message a process sends to the daemon.
type ClientMsg interface{ clientIndex() uint8 }

// ServerMsg is a message the daemon sends to a process.
type ServerMsg interface{ serverIndex() uint8 }

// RegisterProvider claims Provider for the sender, reachable at Port.
type RegisterProvider struct {
	Provider protocol.ProviderID
	Port     transport.Port
}

// RegisterUser asks to be told where Provider is, on Port.
type RegisterUser struct {
	Provider protocol.ProviderID
	Port     transport.Port
}

// StartOffer announces a registered provider to its users.
type StartOffer struct {
	Provider protocol.ProviderID
}

// StopOffer withdraws the announcement.
type StopOffer struct {
	Provider protocol.ProviderID
}

// UnregisterProvider gives Provider up.
type UnregisterProvider struct {
	Provider protocol.ProviderID
}

// UnregisterUser drops the user registered on Port.
type UnregisterUser struct {
	Provider protocol.ProviderID
	Port     transport.Port
}

// ConnectSocket asks for the socket to Peer to be set up again.
type ConnectSocket struct {
	Peer     socket.NodeID
	SocketID uint32
}

// ProcessExit tells the daemon the sender is leaving.
type ProcessExit struct{}

// RegisterProviderReply answers RegisterProvider.
type RegisterProviderReply struct {
	Provider protocol.ProviderID
	Result   retcode.ReturnCode
}

// RegisterUserReply answers RegisterUser.
type RegisterUserReply struct {
	Provider protocol.ProviderID
	Port     transport.Port
	Result   retcode.ReturnCode
}

// ProviderOnline tells a user that Provider is offering on Port of Node.
type ProviderOnline struct {
	Provider protocol.ProviderID
	Node     socket.NodeID
	Port     transport.Port
}

// ProviderOffline tells a user its provider went away.
type ProviderOffline struct {
	Provider protocol.ProviderID
}

// SocketConnected tells a process that the socket SocketID to Peer exists.
type SocketConnected struct {
	Peer     socket.NodeID
	SocketID uint32
}

// SocketOffline tells a process that Peer is gone along with their socket.
type SocketOffline struct {
	Peer socket.NodeID
}

func (RegisterProvider) clientIndex() uint8   { return 0 }
func (RegisterUser) clientIndex() uint8       { return 1 }
func (StartOffer) clientIndex() uint8         { return 2 }
func (StopOffer) clientIndex() uint8          { return 3 }
func (UnregisterProvider) clientIndex() uint8 { return 4 }
func (UnregisterUser) clientIndex() uint8     { return 5 }
func (ConnectSocket) clientIndex() uint8      { return 6 }
func (ProcessExit) clientIndex() uint8        { return 7 }

func (RegisterProviderReply) serverIndex() uint8 { return 0 }
func (RegisterUserReply) serverIndex() uint8     { return 1 }
func (ProviderOnline) serverIndex() uint8        { return 2 }
func (ProviderOffline) serverIndex() uint8       { return 3 }
func (SocketConnected) serverIndex() uint8       { return 4 }
func (SocketOffline) serverIndex() uint8         { return 5 }

// Every variant must fit the body.
var (
	_ [BodyWords*8 - unsafe.Sizeof(RegisterUser{})]byte
	_ [BodyWords*8 - unsafe.Sizeof(RegisterUserReply{})]byte
	_ [BodyWords*8 - unsafe.Sizeof(ProviderOnline{})]byte
)

func put[T any](m *Message, idx uint8, v T) {
	m.Index = idx
	m.Body = [BodyWords]uint64{}
	*(*T)(unsafe.Pointer(&m.Body)) = v
}

func get[T any](m *Message) T {
	return *(*T)(unsafe.Pointer(&m.Body))
}

// PutClient writes v into m.
func PutClient(m *Message, v ClientMsg) {
	switch v := v.(type) {
	case RegisterProvider:
		put(m, v.clientIndex(), v)
	case RegisterUser:
		put(m, v.clientIndex(), v)
	case StartOffer:
		put(m, v.clientIndex(), v)
	case StopOffer:
		put(m, v.clientIndex(), v)
	case UnregisterProvider:
		put(m, v.clientIndex(), v)
	case UnregisterUser:
		put(m, v.clientIndex(), v)
	case ConnectSocket:
		put(m, v.clientIndex(), v)
	case ProcessExit:
		put(m, v.clientIndex(), v)
	default:
		panic(fmt.Sprintf("sd: unknown client message %T", v))
	}
}

// Client reads the client message in m.
func (m *Message) Client() (ClientMsg, error) {
	switch m.Index {
	case RegisterProvider{}.clientIndex():
		return get[RegisterProvider](m), nil
	case RegisterUser{}.clientIndex():
		return get[RegisterUser](m), nil
	case StartOffer{}.clientIndex():
		return get[StartOffer](m), nil
	case StopOffer{}.clientIndex():
		return get[StopOffer](m), nil
	case UnregisterProvider{}.clientIndex():
		return get[UnregisterProvider](m), nil
	case UnregisterUser{}.clientIndex():
		return get[UnregisterUser](m), nil
	case ConnectSocket{}.clientIndex():
		return get[ConnectSocket](m), nil
	case ProcessExit{}.clientIndex():
		return ProcessExit{}, nil
	}
	return nil, fmt.Errorf("sd client message index %d: %w", m.Index, retcode.GeneralError)
}

// PutServer writes v into m.
func PutServer(m *Message, v ServerMsg) {
	switch v := v.(type) {
	case RegisterProviderReply:
		put(m, v.serverIndex(), v)
	case RegisterUserReply:
		put(m, v.serverIndex(), v)
	case ProviderOnline:
		put(m, v.serverIndex(), v)
	case ProviderOffline:
		put(m, v.serverIndex(), v)
	case SocketConnected:
		put(m, v.serverIndex(), v)
	case SocketOffline:
		put(m, v.serverIndex(), v)
	default:
		panic(fmt.Sprintf("sd: unknown server message %T", v))
	}
}

// Server reads the server message in m.
func (m *Message) Server() (ServerMsg, error) {
	switch m.Index {
	case RegisterProviderReply{}.serverIndex():
		return get[RegisterProviderReply](m), nil
	case RegisterUserReply{}.serverIndex():
		return get[RegisterUserReply](m), nil
	case ProviderOnline{}.serverIndex():
		return get[ProviderOnline](m), nil
	case ProviderOffline{}.serverIndex():
		return get[ProviderOffline](m), nil
	case SocketConnected{}.serverIndex():
		return get[SocketConnected](m), nil
	case SocketOffline{}.serverIndex():
		return get[SocketOffline](m), nil
	}
	return nil, fmt.Errorf("sd server message index %d: %w", m.Index, retcode.GeneralError)
}

// NewEndpoint builds the endpoint sd messages travel through on sock. Both ends use
// SdPort as source and destination.
func NewEndpoint(sock *socket.Socket, handle func(m *Message) error) (*endpoint.PtpEndpoint, error) {
	return endpoint.NewPtp([protocol.NumLayers]protocol.Layer{
		netlayer.New(sock),
		transport.NewPtp(transport.SdPort, transport.SdPort),
	}, MessageField, endpoint.Options{
		Handler: func(_ *endpoint.PtpEndpoint, msg *message.Message) error {
			return handle(message.PayloadAs[Message](msg))
		},
	})
}

func payload(p []byte) *Message {
	return (*Message)(unsafe.Pointer(&p[0]))
}

// SendClient sends v to the daemon through ep.
func SendClient(ep *endpoint.PtpEndpoint, v ClientMsg) error {
	return ep.SendData(func(p []byte) { PutClient(payload(p), v) })
}

// SendServer sends v to a process through ep.
func SendServer(ep *endpoint.PtpEndpoint, v ServerMsg) error {
	return ep.SendData(func(p []byte) { PutServer(payload(p), v) })
}
