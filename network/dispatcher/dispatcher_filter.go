package dispatcher

import (
	"github.com/linchenxuan/pipc/log"
	"github.com/linchenxuan/pipc/network/protocol/transport"
	"github.com/linchenxuan/pipc/network/socket"
)

// Delivery carries one message through the filter chain.
type Delivery struct {
	Sock    *socket.Socket
	Raw     []byte
	Port    transport.Port
	SrcPort transport.Port
	Control bool
}

// Plane names the message plane for logs and metrics.
func (dd *Delivery) Plane() string {
	if dd.Control {
		return "control"
	}
	return "data"
}

// DispatcherFilterHandleFunc is the handler at the end of a filter chain.
type DispatcherFilterHandleFunc func(dd *Delivery) error

// DispatcherFilter intercepts a delivery and decides whether to call next.
type DispatcherFilter func(dd *Delivery, next DispatcherFilterHandleFunc) error

// DispatcherFilterChain is the ordered list of filters every delivery runs through.
type DispatcherFilterChain []DispatcherFilter

// Handle runs the chain and then f. An empty chain calls f directly.
func (fc DispatcherFilterChain) Handle(dd *Delivery, f DispatcherFilterHandleFunc) error {
	if len(fc) == 0 {
		return f(dd)
	}
	return fc[0](dd, func(dd *Delivery) error {
		return fc[1:].Handle(dd, f)
	})
}

// reloadPortFilterCfg must be called with the write lock held.
func (d *Dispatcher) reloadPortFilterCfg(cfg *PortFilterCfg) {
	blocked := make(map[transport.Port]struct{}, len(cfg.BlockedPorts))
	for _, p := range cfg.BlockedPorts {
		blocked[p] = struct{}{}
	}
	d.blocked = blocked
}

// portFilter drops traffic to blocked ports. The drop is silent to the sender.
func (d *Dispatcher) portFilter(dd *Delivery, f DispatcherFilterHandleFunc) error {
	d.lock.RLock()
	_, ok := d.blocked[dd.Port]
	d.lock.RUnlock()
	if !ok {
		return f(dd)
	}
	log.Debug().Uint16("port", dd.Port).Str("plane", dd.Plane()).Msg("dispatch: port filtered")
	return nil
}
