package protocol

import (
	"fmt"

	"github.com/linchenxuan/pipc/network/message"
)

// ProviderID names an offerable service instance across the whole system.
type ProviderID struct {
	ServiceID   uint64
	InstanceID  uint32
	ComponentID uint16
	TypeID      uint8
}

// String formats the id as service:instance.
func (p ProviderID) String() string {
	return fmt.Sprintf("%016x.%08x.%04x.%02x", p.ServiceID, p.InstanceID, p.ComponentID, p.TypeID)
}

// ControlPayload is the payload of every session control message.
type ControlPayload struct {
	Provider ProviderID
}

// ControlField describes ControlPayload.
var ControlField = message.FieldOf[ControlPayload]()
