// Package dispatcher routes messages arriving on a socket to the callback
// registered for their destination port. It looks at the transport header only;
// everything above is left to the endpoint the callback hands the message to.
package dispatcher

import (
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/linchenxuan/pipc/log"
	"github.com/linchenxuan/pipc/metrics"
	"github.com/linchenxuan/pipc/network/listener"
	"github.com/linchenxuan/pipc/network/message"
	"github.com/linchenxuan/pipc/network/protocol"
	"github.com/linchenxuan/pipc/network/protocol/transport"
	"github.com/linchenxuan/pipc/network/retcode"
	"github.com/linchenxuan/pipc/network/socket"
	"github.com/linchenxuan/pipc/utils/pool"
)

// HandlerFunc receives the raw bytes of one message and the socket they came in on.
// raw is only valid for the duration of the call.
type HandlerFunc func(sock *socket.Socket, raw []byte) error

// Entry is what a port is bound to. The low bit of the wire port picks Control or Data.
type Entry struct {
	Control HandlerFunc
	Data    HandlerFunc
}

// PortFilterCfg lists ports whose traffic is dropped before dispatch.
type PortFilterCfg struct {
	BlockedPorts []uint16 `mapstructure:"blockedPorts"`
}

// GetName returns the config section name.
func (c *PortFilterCfg) GetName() string {
	return "port_filter"
}

// Validate accepts any list of ports.
func (c *PortFilterCfg) Validate() error {
	return nil
}

const (
	LimiterToken  = "token"
	LimiterFunnel = "funnel"
)

// DispatcherConfig sizes the port space and the optional receive limiter.
type DispatcherConfig struct {
	// StaticPorts is the number of ports reserved for fixed services, starting at 0.
	StaticPorts int `mapstructure:"staticPorts"`
	// DynamicPorts is the number of ports handed out by RegisterDynamic.
	DynamicPorts int `mapstructure:"dynamicPorts"`
	// RecvRateLimit is the number of messages dispatched per second. 0 disables limiting.
	RecvRateLimit int `mapstructure:"recvRateLimit"`
	// TokenBurst is the bucket size of the token limiter.
	TokenBurst int `mapstructure:"tokenBurst"`
	// Limiter is LimiterToken (default) or LimiterFunnel.
	Limiter    string        `mapstructure:"limiter"`
	PortFilter PortFilterCfg `mapstructure:"portFilter"`
}

// DefaultConfig returns a config with one static port per well-known service and
// no receive limit.
func DefaultConfig() *DispatcherConfig {
	return &DispatcherConfig{
		StaticPorts:  8,
		DynamicPorts: 248,
	}
}

// GetName returns the config section name.
func (c *DispatcherConfig) GetName() string {
	return "dispatcher"
}

// Validate checks the port ranges fit the wire encoding and the limiter settings.
func (c *DispatcherConfig) Validate() error {
	if c.StaticPorts <= 0 {
		return fmt.Errorf("StaticPorts must be positive")
	}
	if c.DynamicPorts <= 0 {
		return fmt.Errorf("DynamicPorts must be positive")
	}
	if c.StaticPorts+c.DynamicPorts > maxPorts {
		return fmt.Errorf("StaticPorts+DynamicPorts cannot exceed %d", maxPorts)
	}
	if c.RecvRateLimit < 0 {
		return fmt.Errorf("RecvRateLimit cannot be negative")
	}
	if c.RecvRateLimit > 1000000 {
		return fmt.Errorf("RecvRateLimit cannot exceed 1,000,000 messages per second")
	}
	switch c.Limiter {
	case "", LimiterToken:
		if c.RecvRateLimit > 0 && c.TokenBurst <= 0 {
			return fmt.Errorf("TokenBurst must be positive")
		}
		if c.TokenBurst > c.RecvRateLimit*10 && c.RecvRateLimit > 0 {
			return fmt.Errorf("TokenBurst cannot exceed 10 times RecvRateLimit")
		}
	case LimiterFunnel:
	default:
		return fmt.Errorf("unknown limiter %q", c.Limiter)
	}
	return c.PortFilter.Validate()
}

// A wire port carries the logical port in its upper 15 bits.
const maxPorts = 1 << 15

// reserved holds a dynamic port between its reservation and installation.
var reserved = &Entry{}

// prefix is the part of every message layout the dispatcher can read: the
// placeholder network header followed by the transport header.
var prefix = message.MustLayout(message.Placeholder, message.Placeholder, transport.HeaderField)

// Dispatcher maps ports to entries. Registration is lock-free; the table is sized
// once at construction.
type Dispatcher struct {
	entries  []atomic.Pointer[Entry]
	nStatic  int
	nDynamic int
	next     atomic.Uint32

	deliveries *pool.Pool[*Delivery]

	recvLimiter RecvLimiter
	filters     DispatcherFilterChain
	blocked     map[transport.Port]struct{}
	config      *DispatcherConfig
	lock        sync.RWMutex
}

var _ listener.Receiver = (*Dispatcher)(nil)

// NewDispatcher validates cfg and creates an empty port table. A nil cfg takes DefaultConfig.
func NewDispatcher(cfg *DispatcherConfig) (*Dispatcher, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid dispatcher configuration: %w", err)
	}

	d := &Dispatcher{
		entries:  make([]atomic.Pointer[Entry], cfg.StaticPorts+cfg.DynamicPorts),
		nStatic:  cfg.StaticPorts,
		nDynamic: cfg.DynamicPorts,
		deliveries: pool.New("dispatcher_delivery", func() *Delivery {
			return &Delivery{}
		}),
	}
	d.Reload(cfg)
	return d, nil
}

// Reload swaps the filter settings and the receive limiter. Port ranges are fixed
// at construction and are not reloaded.
func (d *Dispatcher) Reload(cfg *DispatcherConfig) {
	d.lock.Lock()
	defer d.lock.Unlock()

	d.config = cfg
	d.reloadPortFilterCfg(&cfg.PortFilter)
	d.recvLimiter = newRecvLimiter(cfg)

	// The filter chain is processed in the order filters are added.
	d.filters = DispatcherFilterChain{d.portFilter}
	if d.recvLimiter != nil {
		d.filters = append(d.filters, d.recvLimiter.recvLimiterFilter)
	}
}

// StaticPorts returns the size of the static range.
func (d *Dispatcher) StaticPorts() int { return d.nStatic }

// DynamicPorts returns the size of the dynamic range.
func (d *Dispatcher) DynamicPorts() int { return d.nDynamic }

// RegisterStatic binds a port in the static range.
func (d *Dispatcher) RegisterStatic(port transport.Port, e *Entry) error {
	if int(port) >= d.nStatic {
		return fmt.Errorf("static port %d: %w", port, retcode.PortOutOfBounds)
	}
	if !d.entries[port].CompareAndSwap(nil, e) {
		return fmt.Errorf("static port %d: %w", port, retcode.PortInUse)
	}
	return nil
}

// RegisterDynamic binds e to the next free dynamic port, searching round-robin
// from the last port handed out.
func (d *Dispatcher) RegisterDynamic(e *Entry) (transport.Port, error) {
	start := int(d.next.Load())
	for i := 0; i < d.nDynamic; i++ {
		off := (start + i) % d.nDynamic
		slot := &d.entries[d.nStatic+off]
		if slot.Load() != nil || !slot.CompareAndSwap(nil, reserved) {
			continue
		}
		slot.Store(e)
		d.next.Store(uint32((off + 1) % d.nDynamic))
		return transport.Port(d.nStatic + off), nil
	}
	return 0, retcode.PortsExhausted
}

// Unregister frees a port.
func (d *Dispatcher) Unregister(port transport.Port) error {
	if int(port) >= len(d.entries) {
		return fmt.Errorf("port %d: %w", port, retcode.PortOutOfBounds)
	}
	if d.entries[port].Swap(nil) == nil {
		return fmt.Errorf("port %d: %w", port, retcode.NotFound)
	}
	return nil
}

// Receive dispatches one message. It implements listener.Receiver.
func (d *Dispatcher) Receive(sock *socket.Socket, raw []byte) error {
	msg, err := message.View(prefix, raw, protocol.Transport)
	if err != nil {
		log.Warn().Str("socket", sock.Name()).Int("len", len(raw)).Err(err).Msg("dispatch: unreadable message")
		return fmt.Errorf("dispatch: %v: %w", err, retcode.TransportError)
	}
	h := message.HeaderAs[transport.Header](msg, protocol.Transport)

	dd := d.deliveries.Get()
	*dd = Delivery{
		Sock:    sock,
		Raw:     raw,
		Port:    transport.GetPort(h.DstPort),
		SrcPort: h.SrcPort,
		Control: transport.IsControlPort(h.DstPort),
	}
	defer func() {
		*dd = Delivery{}
		d.deliveries.Put(dd)
	}()

	d.lock.RLock()
	filters := d.filters
	d.lock.RUnlock()
	return filters.Handle(dd, d.dispatch)
}

// dispatch is the last step of the filter chain.
func (d *Dispatcher) dispatch(dd *Delivery) error {
	var fn HandlerFunc
	if int(dd.Port) < len(d.entries) {
		if e := d.entries[dd.Port].Load(); e != nil && e != reserved {
			fn = e.Data
			if dd.Control {
				fn = e.Control
			}
		}
	}
	if fn == nil {
		metrics.IncrCounterWithDimGroup(metrics.NameDispatchUnknownPortTotal, metrics.GroupPIPC, 1, metrics.Dimension{
			metrics.DimPlane: dd.Plane(),
		})
		log.Warn().Str("socket", dd.Sock.Name()).Uint16("port", dd.Port).Str("plane", dd.Plane()).
			Uint16("src", dd.SrcPort).Msg("dispatch: no handler for port")
		return fmt.Errorf("port %d: %w", dd.Port, retcode.TransportError)
	}

	metrics.IncrCounterWithDimGroup(metrics.NameDispatchRecvTotal, metrics.GroupPIPC, 1, metrics.Dimension{
		metrics.DimPlane: dd.Plane(),
		metrics.DimPort:  strconv.Itoa(int(dd.Port)),
	})
	return fn(dd.Sock, dd.Raw)
}
