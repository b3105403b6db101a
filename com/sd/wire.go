// Package comsd is service discovery for applications: services offer instances
// and clients find them or watch their availability. It runs as a PIPC provider
// that clients reach through ordinary sessions.
package comsd

import (
	"fmt"
	"unsafe"

	"github.com/linchenxuan/pipc/network/message"
	"github.com/linchenxuan/pipc/network/protocol"
	"github.com/linchenxuan/pipc/network/retcode"
)

type (
	ServiceID  = uint64
	InstanceID = uint32
)

// AllInstanceIDs in a request means every instance. NoInstanceIDs in a reply means
// none is offered. They share a value and are told apart by direction.
const (
	AllInstanceIDs InstanceID = 0xFFFFFFFF
	NoInstanceIDs  InstanceID = 0xFFFFFFFF
)

// ListChunk is the number of ids an InstanceIDList carries.
const ListChunk = 4

// BodyWords is the size of the largest variant in 8-byte words.
const BodyWords = 4

// ProviderID is where the server offers by default.
var ProviderID = protocol.ProviderID{ServiceID: 0x636f6d7364, InstanceID: 1}

// Message is the payload of every discovery message.
type Message struct {
	Index uint8
	_     [7]byte
	Body  [BodyWords]uint64
}

// MessageField is the payload field of discovery messages.
var MessageField = message.FieldOf[Message]()

// ClientMsg is a message a Client sends.
type ClientMsg interface{ clientIndex() uint8 }

// ServerMsg is a message a Server sends.
type ServerMsg interface{ serverIndex() uint8 }

// OfferService announces Instance of Service.
type OfferService struct {
	Service  ServiceID
	Instance InstanceID
}

// StopOfferService withdraws Instance of Service.
type StopOfferService struct {
	Service  ServiceID
	Instance InstanceID
}

// FindService asks once for the offered instances.
type FindService struct {
	Service  ServiceID
	Instance InstanceID
}

// StartFindService is answered like FindService, then by a ServiceAvailability for
// every later change.
type StartFindService struct {
	Service  ServiceID
	Instance InstanceID
}

// StopFindService ends a StartFindService.
type StopFindService struct {
	Service  ServiceID
	Instance InstanceID
}

// OfferServiceReply answers OfferService.
type OfferServiceReply struct {
	Service  ServiceID
	Instance InstanceID
	Result   retcode.ReturnCode
}

// FindServiceReply carries the first id. Remaining more follow in InstanceIDLists.
type FindServiceReply struct {
	Service   ServiceID
	Instance  InstanceID
	Remaining uint32
}

// InstanceIDList carries up to ListChunk ids following a FindServiceReply.
type InstanceIDList struct {
	Service ServiceID
	Count   uint32
	IDs     [ListChunk]InstanceID
}

// ServiceAvailability is pushed to watchers when an instance comes or goes.
type ServiceAvailability struct {
	Service   ServiceID
	Instance  InstanceID
	Available bool
}

func (OfferService) clientIndex() uint8     { return 0 }
func (StopOfferService) clientIndex() uint8 { return 1 }
func (FindService) clientIndex() uint8      { return 2 }
func (StartFindService) clientIndex() uint8 { return 3 }
func (StopFindService) clientIndex() uint8  { return 4 }

func (OfferServiceReply) serverIndex() uint8   { return 0 }
func (FindServiceReply) serverIndex() uint8    { return 1 }
func (InstanceIDList) serverIndex() uint8      { return 2 }
func (ServiceAvailability) serverIndex() uint8 { return 3 }

var _ [BodyWords*8 - unsafe.Sizeof(InstanceIDList{})]byte

func put[T any](m *Message, idx uint8, v T) {
	m.Index = idx
	m.Body = [BodyWords]uint64{}
	*(*T)(unsafe.Pointer(&m.Body)) = v
}

func get[T any](m *Message) T {
	return *(*T)(unsafe.Pointer(&m.Body))
}

// PutClient encodes v into m.
func PutClient(m *Message, v ClientMsg) {
	switch v := v.(type) {
	case OfferService:
		put(m, v.clientIndex(), v)
	case StopOfferService:
		put(m, v.clientIndex(), v)
	case FindService:
		put(m, v.clientIndex(), v)
	case StartFindService:
		put(m, v.clientIndex(), v)
	case StopFindService:
		put(m, v.clientIndex(), v)
	default:
		panic(fmt.Sprintf("comsd: unknown client message %T", v))
	}
}

// Client decodes m as a client message.
func (m *Message) Client() (ClientMsg, error) {
	switch m.Index {
	case OfferService{}.clientIndex():
		return get[OfferService](m), nil
	case StopOfferService{}.clientIndex():
		return get[StopOfferService](m), nil
	case FindService{}.clientIndex():
		return get[FindService](m), nil
	case StartFindService{}.clientIndex():
		return get[StartFindService](m), nil
	case StopFindService{}.clientIndex():
		return get[StopFindService](m), nil
	}
	return nil, fmt.Errorf("comsd client message index %d: %w", m.Index, retcode.GeneralError)
}

// PutServer encodes v into m.
func PutServer(m *Message, v ServerMsg) {
	switch v := v.(type) {
	case OfferServiceReply:
		put(m, v.serverIndex(), v)
	case FindServiceReply:
		put(m, v.serverIndex(), v)
	case InstanceIDList:
		put(m, v.serverIndex(), v)
	case ServiceAvailability:
		put(m, v.serverIndex(), v)
	default:
		panic(fmt.Sprintf("comsd: unknown server message %T", v))
	}
}

// Server decodes m as a server message.
func (m *Message) Server() (ServerMsg, error) {
	switch m.Index {
	case OfferServiceReply{}.serverIndex():
		return get[OfferServiceReply](m), nil
	case FindServiceReply{}.serverIndex():
		return get[FindServiceReply](m), nil
	case InstanceIDList{}.serverIndex():
		return get[InstanceIDList](m), nil
	case ServiceAvailability{}.serverIndex():
		return get[ServiceAvailability](m), nil
	}
	return nil, fmt.Errorf("comsd server message index %d: %w", m.Index, retcode.GeneralError)
}

// view reads a payload as a Message.
func view(p []byte) (*Message, error) {
	if len(p) < int(unsafe.Sizeof(Message{})) {
		return nil, fmt.Errorf("comsd payload of %d bytes: %w", len(p), retcode.GeneralError)
	}
	return (*Message)(unsafe.Pointer(&p[0])), nil
}

func clientFill(v ClientMsg) func([]byte) {
	return func(p []byte) { PutClient((*Message)(unsafe.Pointer(&p[0])), v) }
}

func serverFill(v ServerMsg) func([]byte) {
	return func(p []byte) { PutServer((*Message)(unsafe.Pointer(&p[0])), v) }
}

// Paginate splits ids into the reply and the follow-up lists that carry them. An
// empty ids is sent as the single id NoInstanceIDs.
func Paginate(service ServiceID, ids []InstanceID) (FindServiceReply, []InstanceIDList) {
	if len(ids) == 0 {
		ids = []InstanceID{NoInstanceIDs}
	}
	reply := FindServiceReply{Service: service, Instance: ids[0], Remaining: uint32(len(ids) - 1)}
	var lists []InstanceIDList
	for rest := ids[1:]; len(rest) > 0; {
		l := InstanceIDList{Service: service}
		l.Count = uint32(copy(l.IDs[:], rest))
		rest = rest[l.Count:]
		lists = append(lists, l)
	}
	return reply, lists
}
