// Package transport is the port-addressed transport layer. Every process multiplexes
// its providers and users over logical ports. On the wire a port is doubled and its
// low bit tells control messages from data messages.
package transport

import (
	"strconv"
	"sync/atomic"

	"github.com/linchenxuan/pipc/log"
	"github.com/linchenxuan/pipc/metrics"
	"github.com/linchenxuan/pipc/network/message"
	"github.com/linchenxuan/pipc/network/protocol"
	"github.com/linchenxuan/pipc/network/retcode"
)

// Port is a logical port.
type Port = uint16

// SdPort is the port of service discovery traffic in every process.
const SdPort Port = 0

// Header is the transport header.
type Header struct {
	// DstPort is MakePort(destination, control).
	DstPort uint16
	// SrcPort is the sender's logical port.
	SrcPort uint16
}

// HeaderField describes Header.
var HeaderField = message.FieldOf[Header]()

// MakePort encodes a logical port for the wire.
func MakePort(p Port, control bool) uint16 {
	e := p << 1
	if control {
		e |= 1
	}
	return e
}

// GetPort decodes a wire port.
func GetPort(e uint16) Port { return e >> 1 }

// IsControlPort reports whether a wire port addresses the control plane.
func IsControlPort(e uint16) bool { return e&1 == 1 }

// PtpLayer connects one local port to one remote port.
type PtpLayer struct {
	dst atomic.Uint32
	src atomic.Uint32
}

var (
	_ protocol.Layer   = (*PtpLayer)(nil)
	_ protocol.Matcher = (*PtpLayer)(nil)
)

// NewPtp creates a transport layer sending from src to dst.
func NewPtp(dst, src Port) *PtpLayer {
	l := &PtpLayer{}
	l.Bind(dst, src)
	return l
}

// Bind replaces both ports.
func (l *PtpLayer) Bind(dst, src Port) {
	l.dst.Store(uint32(dst))
	l.src.Store(uint32(src))
}

// DstPort returns the peer port.
func (l *PtpLayer) DstPort() Port { return Port(l.dst.Load()) }

// SrcPort returns the local port.
func (l *PtpLayer) SrcPort() Port { return Port(l.src.Load()) }

// Field is the port header.
func (l *PtpLayer) Field() message.Field { return HeaderField }

// Prepare writes both ports, marking control messages in the low bit.
func (l *PtpLayer) Prepare(_ protocol.Endpoint, msg *message.Message, n int) {
	h := message.HeaderAs[Header](msg, n)
	h.DstPort = MakePort(l.DstPort(), protocol.IsControl(msg))
	h.SrcPort = l.SrcPort()
}

// Receive accepts only messages sent from the port this layer is connected to.
func (l *PtpLayer) Receive(ep protocol.Endpoint, msg *message.Message, n int) error {
	h := message.HeaderAs[Header](msg, n)
	if h.SrcPort != l.DstPort() {
		metrics.IncrCounterWithDimGroup(metrics.NameLayerDropTotal, metrics.GroupPIPC, 1, metrics.Dimension{
			metrics.DimLayer:   protocol.LayerName(n),
			metrics.DimRetCode: retcode.TransportError.String(),
		})
		log.Debug().Uint16("src", h.SrcPort).Uint16("expected", l.DstPort()).Msg("transport drop")
		return retcode.TransportError
	}
	return ep.Forward(n+1, msg)
}

// ProcessNotification hands change to the layer above.
func (l *PtpLayer) ProcessNotification(ep protocol.Endpoint, change protocol.Notification, n int) error {
	return ep.Notify(n+1, change)
}

// SameAs compares both ports.
func (l *PtpLayer) SameAs(other protocol.Layer) bool {
	o, ok := other.(*PtpLayer)
	return ok && o.DstPort() == l.DstPort() && o.SrcPort() == l.SrcPort()
}

// String formats the port pair.
func (l *PtpLayer) String() string {
	return strconv.Itoa(int(l.SrcPort())) + "->" + strconv.Itoa(int(l.DstPort()))
}
