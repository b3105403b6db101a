package runtime

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/linchenxuan/pipc/event"
	"github.com/linchenxuan/pipc/log"
	"github.com/linchenxuan/pipc/metrics"
	"github.com/linchenxuan/pipc/network/dispatcher"
	"github.com/linchenxuan/pipc/network/endpoint"
	"github.com/linchenxuan/pipc/network/listener"
	"github.com/linchenxuan/pipc/network/protocol"
	"github.com/linchenxuan/pipc/network/protocol/session"
	"github.com/linchenxuan/pipc/network/protocol/transport"
	"github.com/linchenxuan/pipc/network/retcode"
	"github.com/linchenxuan/pipc/network/socket"
	"github.com/linchenxuan/pipc/procreg"
	"github.com/linchenxuan/pipc/sd"
	"go.uber.org/multierr"
)

const (
	DefaultEndpoints      = 32
	DefaultRequestTimeout = 5 * time.Second
	publishTimeout        = time.Second
)

// Options configures a Runtime. Zero fields take their defaults.
type Options struct {
	Paths sd.Paths
	// Name is the process name given to the daemon. It selects the IAM grants.
	Name string
	UID  uint32
	// Endpoints bounds the sessions of each Provider. It is capped at session.MaxSessions.
	Endpoints  int
	Dispatcher *dispatcher.DispatcherConfig
	// RequestTimeout bounds the wait for a daemon reply.
	RequestTimeout time.Duration
	// OnCriticalError replaces the default critical error handler, which logs and
	// marks the runtime unhealthy.
	OnCriticalError func(err error)
}

func (o *Options) setDefaults() {
	if o.Name == "" {
		o.Name = fmt.Sprintf("pipc-%d", os.Getpid())
	}
	if o.UID == 0 {
		o.UID = uint32(os.Getuid())
	}
	if o.Endpoints <= 0 {
		o.Endpoints = DefaultEndpoints
	}
	if o.Endpoints > session.MaxSessions {
		o.Endpoints = session.MaxSessions
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
}

type replyKind uint8

const (
	providerReply replyKind = iota
	userReply
)

type pendingKey struct {
	kind     replyKind
	provider protocol.ProviderID
	port     transport.Port
}

type peer struct {
	id   uint32
	sock *socket.Socket
	lis  *listener.Listener
}

// Runtime is the PIPC context of one process.
type Runtime struct {
	opts Options
	id   Identity
	reg  *procreg.Client

	sdSock *socket.Socket
	sdEp   *endpoint.PtpEndpoint
	sdLis  *listener.Listener

	disp *dispatcher.Dispatcher
	pub  *event.Publisher

	mu      sync.Mutex
	peers   map[socket.NodeID]*peer
	pending map[pendingKey]chan retcode.ReturnCode
	// stale counts replies still owed for requests the caller gave up on.
	stale map[pendingKey]int

	healthy atomic.Bool
	closed  atomic.Bool
}

// New registers the process with the daemon and connects its sd socket.
func New(ctx context.Context, opts Options) (*Runtime, error) {
	opts.setDefaults()
	rt := &Runtime{
		opts:    opts,
		id:      Identity{Name: opts.Name, UID: opts.UID, Instance: uuid.New()},
		reg:     procreg.NewClient(opts.Paths.ProcReg()),
		pub:     event.NewPublisher(),
		peers:   make(map[socket.NodeID]*peer),
		pending: make(map[pendingKey]chan retcode.ReturnCode),
		stale:   make(map[pendingKey]int),
	}
	rt.healthy.Store(true)
	for _, topic := range []string{event.ProviderOnline, event.ProviderOffline, event.SocketOffline} {
		if err := rt.pub.NewTopic(topic, publishTimeout); err != nil {
			return nil, err
		}
	}

	var err error
	if rt.disp, err = dispatcher.NewDispatcher(opts.Dispatcher); err != nil {
		return nil, err
	}
	if err = rt.disp.RegisterStatic(transport.SdPort, &dispatcher.Entry{Data: rt.receiveSd}); err != nil {
		return nil, err
	}

	if rt.id.Node, err = rt.reg.Register(ctx, opts.Name, opts.UID); err != nil {
		return nil, err
	}
	if rt.sdSock, err = socket.Connect(opts.Paths.SdSocket(rt.id.Node), sd.DaemonNode, socket.Crossover); err != nil {
		return nil, multierr.Append(err, rt.reg.Close())
	}
	if rt.sdEp, err = sd.NewEndpoint(rt.sdSock, rt.handleSd); err != nil {
		return nil, multierr.Combine(err, rt.sdSock.Close(), rt.reg.Close())
	}
	rt.sdLis = listener.New(rt.sdSock, rt.disp)
	if err = rt.sdLis.Start(); err != nil {
		return nil, multierr.Combine(err, rt.sdSock.Close(), rt.reg.Close())
	}

	log.Info().Str("identity", rt.id.String()).Msg("runtime registered")
	return rt, nil
}

// Identity returns who this process is in the domain.
func (rt *Runtime) Identity() Identity { return rt.id }

// Node returns the node id the daemon assigned.
func (rt *Runtime) Node() socket.NodeID { return rt.id.Node }

// Healthy is false once a critical error was reported.
func (rt *Runtime) Healthy() bool { return rt.healthy.Load() }

// Subscribe adds fn to one of the event topics the runtime publishes daemon
// notifications on.
func (rt *Runtime) Subscribe(topic string, fn event.Subscriber) (uint64, error) {
	return rt.pub.RegisterSubscriber(topic, fn)
}

// Unsubscribe removes a subscriber added by Subscribe.
func (rt *Runtime) Unsubscribe(topic string, id uint64) {
	rt.pub.Unsubscribe(topic, id)
}

// ReservePort binds e to a free dynamic port.
func (rt *Runtime) ReservePort(e *dispatcher.Entry) (transport.Port, error) {
	return rt.disp.RegisterDynamic(e)
}

// ReleasePort frees a port taken by ReservePort.
func (rt *Runtime) ReleasePort(port transport.Port) error {
	return rt.disp.Unregister(port)
}

// Reload applies new filter and receive limit settings to the dispatcher.
func (rt *Runtime) Reload(cfg *dispatcher.DispatcherConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	rt.disp.Reload(cfg)
	return nil
}

// Socket returns the socket shared with node, or nil.
func (rt *Runtime) Socket(node socket.NodeID) *socket.Socket {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if p := rt.peers[node]; p != nil {
		return p.sock
	}
	return nil
}

// ConnectSocket asks the daemon to set up the socket to node again.
func (rt *Runtime) ConnectSocket(node socket.NodeID) error {
	return rt.sendSd(sd.ConnectSocket{Peer: node, SocketID: sd.PairID(rt.id.Node, node)})
}

// sendSd sends v to the daemon. A failure is critical.
func (rt *Runtime) sendSd(v sd.ClientMsg) error {
	if rt.closed.Load() {
		return fmt.Errorf("send %T: runtime closed: %w", v, retcode.NotConnected)
	}
	if err := sd.SendClient(rt.sdEp, v); err != nil {
		err = fmt.Errorf("send %T to daemon: %w", v, err)
		rt.critical(err)
		return err
	}
	return nil
}

// request sends v and waits for the daemon's answer under key. When the wait ends
// by timeout or cancellation, undo is sent so that the daemon forgets a registration
// it may still grant, and the late reply is discarded.
func (rt *Runtime) request(ctx context.Context, key pendingKey, v, undo sd.ClientMsg) error {
	ch := make(chan retcode.ReturnCode, 1)
	rt.mu.Lock()
	if _, busy := rt.pending[key]; busy {
		rt.mu.Unlock()
		return fmt.Errorf("%T for %s already pending: %w", v, key.provider, retcode.SdAlreadyRegistered)
	}
	rt.pending[key] = ch
	rt.mu.Unlock()

	if err := rt.sendSd(v); err != nil {
		rt.mu.Lock()
		delete(rt.pending, key)
		rt.mu.Unlock()
		return err
	}

	timer := time.NewTimer(rt.opts.RequestTimeout)
	defer timer.Stop()
	var err error
	select {
	case res := <-ch:
		return res.Err()
	case <-timer.C:
		err = fmt.Errorf("%T for %s: %w", v, key.provider, retcode.Timeout)
	case <-ctx.Done():
		err = ctx.Err()
	}
	if res, answered := rt.abandon(key, ch); answered {
		return res.Err()
	}
	// The daemon handles the sd socket in order, so undo lands after v.
	if uerr := rt.sendSd(undo); uerr != nil {
		err = multierr.Append(err, uerr)
	}
	return err
}

// abandon gives up on key. A reply that raced in before the lock is returned instead.
func (rt *Runtime) abandon(key pendingKey, ch chan retcode.ReturnCode) (retcode.ReturnCode, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	select {
	case res := <-ch:
		return res, true
	default:
	}
	delete(rt.pending, key)
	rt.stale[key]++
	return retcode.OK, false
}

func (rt *Runtime) complete(key pendingKey, res retcode.ReturnCode) {
	rt.mu.Lock()
	if n := rt.stale[key]; n > 0 {
		if n == 1 {
			delete(rt.stale, key)
		} else {
			rt.stale[key] = n - 1
		}
		rt.mu.Unlock()
		log.Debug().Str("provider", key.provider.String()).Uint16("port", key.port).
			Str("result", res.String()).Msg("stale daemon reply dropped")
		return
	}
	ch, ok := rt.pending[key]
	delete(rt.pending, key)
	if ok {
		// Buffered; sending under mu keeps abandon from missing the reply.
		ch <- res
	}
	rt.mu.Unlock()
	if !ok {
		rt.critical(fmt.Errorf("unexpected reply for %s port %d: %w", key.provider, key.port, retcode.GeneralError))
	}
}

func (rt *Runtime) critical(err error) {
	metrics.IncrCounterWithGroup(metrics.NameCriticalErrorTotal, metrics.GroupPIPC, 1)
	if rt.opts.OnCriticalError != nil {
		rt.opts.OnCriticalError(err)
		return
	}
	log.Error().Str("identity", rt.id.String()).Err(err).Msg("critical error")
	rt.healthy.Store(false)
}

func (rt *Runtime) receiveSd(sock *socket.Socket, raw []byte) error {
	if sock != rt.sdSock {
		return fmt.Errorf("sd port on %s: %w", sock.Name(), retcode.TransportError)
	}
	return rt.sdEp.ReceiveData(raw)
}

func (rt *Runtime) handleSd(m *sd.Message) error {
	msg, err := m.Server()
	if err != nil {
		rt.critical(err)
		return err
	}
	switch v := msg.(type) {
	case sd.RegisterProviderReply:
		rt.complete(pendingKey{kind: providerReply, provider: v.Provider}, v.Result)
	case sd.RegisterUserReply:
		rt.complete(pendingKey{kind: userReply, provider: v.Provider, port: v.Port}, v.Result)
	case sd.SocketConnected:
		return rt.connectPeer(v.Peer, v.SocketID)
	case sd.ProviderOnline:
		return rt.pub.Publish(event.ProviderOnline, v)
	case sd.ProviderOffline:
		return rt.pub.Publish(event.ProviderOffline, v)
	case sd.SocketOffline:
		err := rt.pub.Publish(event.SocketOffline, v)
		return multierr.Append(err, rt.dropPeer(v.Peer))
	}
	return nil
}

func (rt *Runtime) connectPeer(node socket.NodeID, id uint32) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if p := rt.peers[node]; p != nil && p.id == id {
		return nil
	}
	sock, err := socket.Connect(rt.opts.Paths.ProcSocket(id), node, sd.PairMode(rt.id.Node, node))
	if err != nil {
		rt.critical(fmt.Errorf("connect socket to node %d: %w", node, err))
		return err
	}
	lis := listener.New(sock, rt.disp)
	if err := lis.Start(); err != nil {
		return multierr.Append(err, sock.Close())
	}
	if old := rt.peers[node]; old != nil {
		old.close()
	}
	rt.peers[node] = &peer{id: id, sock: sock, lis: lis}
	log.Debug().Str("identity", rt.id.String()).Uint16("peer", uint16(node)).Msg("socket connected")
	return nil
}

func (rt *Runtime) dropPeer(node socket.NodeID) error {
	rt.mu.Lock()
	p := rt.peers[node]
	delete(rt.peers, node)
	rt.mu.Unlock()
	if p == nil {
		return nil
	}
	return p.close()
}

func (p *peer) close() error {
	p.lis.Stop()
	return p.sock.Close()
}

// Close tells the daemon the process is leaving and releases every socket.
// Providers and Users should be closed first.
func (rt *Runtime) Close() error {
	if !rt.closed.CompareAndSwap(false, true) {
		return nil
	}
	var err error
	if serr := sd.SendClient(rt.sdEp, sd.ProcessExit{}); serr != nil && !errors.Is(serr, retcode.QueueFull) {
		err = multierr.Append(err, serr)
	}

	rt.sdLis.Stop()
	rt.mu.Lock()
	peers := rt.peers
	rt.peers = make(map[socket.NodeID]*peer)
	rt.mu.Unlock()
	for _, p := range peers {
		err = multierr.Append(err, p.close())
	}
	err = multierr.Append(err, rt.sdSock.Close())
	err = multierr.Append(err, rt.reg.Close())
	log.Info().Str("identity", rt.id.String()).Msg("runtime closed")
	return err
}
