package sd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"

	"github.com/linchenxuan/pipc/log"
	"github.com/linchenxuan/pipc/metrics"
	"github.com/linchenxuan/pipc/network/dispatcher"
	"github.com/linchenxuan/pipc/network/endpoint"
	"github.com/linchenxuan/pipc/network/listener"
	"github.com/linchenxuan/pipc/network/protocol"
	"github.com/linchenxuan/pipc/network/protocol/transport"
	"github.com/linchenxuan/pipc/network/retcode"
	"github.com/linchenxuan/pipc/network/socket"
	"github.com/linchenxuan/pipc/procreg"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// DaemonNode is the node id processes see as the peer of their sd socket.
const DaemonNode socket.NodeID = 0

type node struct {
	id   socket.NodeID
	name string
	uid  uint32
	sock *socket.Socket
	ep   *endpoint.PtpEndpoint
	lis  *listener.Listener
}

type providerEntry struct {
	node    socket.NodeID
	port    transport.Port
	offered bool
}

type userAddr struct {
	node socket.NodeID
	port transport.Port
}

// Server is the daemon. It answers process registrations from procreg, creates one
// sd socket per process and keeps the provider and user registries.
type Server struct {
	cfg     Config
	paths   Paths
	sockCfg socket.Config
	disp    *dispatcher.Dispatcher

	mu        sync.Mutex
	closed    bool
	nextNode  socket.NodeID
	nodes     map[socket.NodeID]*node
	bySock    map[*socket.Socket]*node
	providers map[protocol.ProviderID]*providerEntry
	users     map[protocol.ProviderID]map[userAddr]struct{}
	pairs     map[uint32]struct{}

	// exiting queues node teardowns for the reaper without bound, so a listener
	// reporting an exit never waits on it.
	exitMu    sync.Mutex
	exiting   []socket.NodeID
	exitReady chan struct{}
}

var _ procreg.Handler = (*Server)(nil)

// NewServer creates a daemon for the domain named by paths. sockCfg shapes every socket it creates.
func NewServer(cfg Config, paths Paths, sockCfg socket.Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	disp, err := dispatcher.NewDispatcher(&dispatcher.DispatcherConfig{StaticPorts: 1, DynamicPorts: 1})
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:       cfg,
		paths:     paths,
		sockCfg:   sockCfg,
		disp:      disp,
		nextNode:  DaemonNode + 1,
		nodes:     make(map[socket.NodeID]*node),
		bySock:    make(map[*socket.Socket]*node),
		providers: make(map[protocol.ProviderID]*providerEntry),
		users:     make(map[protocol.ProviderID]map[userAddr]struct{}),
		pairs:     make(map[uint32]struct{}),
		exitReady: make(chan struct{}, 1),
	}
	if err := disp.RegisterStatic(transport.SdPort, &dispatcher.Entry{Data: s.receive}); err != nil {
		return nil, err
	}
	return s, nil
}

// Serve runs reg and tears down exited processes until ctx is done, then closes
// the server.
func (s *Server) Serve(ctx context.Context, reg *procreg.Server) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return reg.Serve(ctx)
	})
	g.Go(func() error {
		for {
			select {
			case <-s.exitReady:
				s.exitMu.Lock()
				batch := s.exiting
				s.exiting = nil
				s.exitMu.Unlock()
				for _, n := range batch {
					s.processExit(n)
				}
			case <-ctx.Done():
				return nil
			}
		}
	})
	err := g.Wait()
	return multierr.Append(err, s.Close())
}

// Register creates the sd socket of a new process and starts listening on it.
func (s *Server) Register(req procreg.Request) (socket.NodeID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, retcode.NotConnected
	}

	id, ok := s.allocNode()
	if !ok {
		return 0, retcode.RegistryFull
	}
	path := s.paths.SdSocket(id)
	removeStale(path)
	sock, err := socket.Create(path, DaemonNode, s.sockCfg, socket.Straight)
	if err != nil {
		return 0, err
	}
	n := &node{id: id, name: req.Name, uid: req.UID, sock: sock}
	n.ep, err = NewEndpoint(sock, func(m *Message) error { return s.handle(n, m) })
	if err != nil {
		sock.Close()
		return 0, err
	}
	n.lis = listener.New(sock, s.disp)
	if err := n.lis.Start(); err != nil {
		sock.Close()
		return 0, err
	}

	s.nodes[id] = n
	s.bySock[sock] = n
	s.nextNode = id + 1
	log.Info().Str("name", req.Name).Uint32("uid", req.UID).Uint16("node", uint16(id)).Msg("sd: process registered")
	return id, nil
}

func (s *Server) allocNode() (socket.NodeID, bool) {
	id := s.nextNode
	for range 1 << 16 {
		if id != DaemonNode {
			if _, used := s.nodes[id]; !used {
				return id, true
			}
		}
		id++
	}
	return 0, false
}

// Exit schedules the teardown of node. It never blocks.
func (s *Server) Exit(n socket.NodeID) {
	s.exitMu.Lock()
	s.exiting = append(s.exiting, n)
	s.exitMu.Unlock()
	select {
	case s.exitReady <- struct{}{}:
	default:
	}
}

// Nodes returns the number of registered processes.
func (s *Server) Nodes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.nodes)
}

func (s *Server) receive(sock *socket.Socket, raw []byte) error {
	s.mu.Lock()
	n := s.bySock[sock]
	s.mu.Unlock()
	if n == nil {
		return fmt.Errorf("sd message on unknown socket %s: %w", sock.Name(), retcode.NotConnected)
	}
	return n.ep.ReceiveData(raw)
}

func (s *Server) handle(n *node, m *Message) error {
	msg, err := m.Client()
	if err != nil {
		log.Warn().Uint16("node", uint16(n.id)).Err(err).Msg("sd: bad message")
		return err
	}
	if _, ok := msg.(ProcessExit); ok {
		// the teardown stops this listener, so it cannot run on it
		s.Exit(n.id)
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nodes[n.id] != n {
		return retcode.NotConnected
	}
	switch v := msg.(type) {
	case RegisterProvider:
		res := s.registerProvider(n, v)
		s.send(n, RegisterProviderReply{Provider: v.Provider, Result: res})
	case RegisterUser:
		res := s.registerUser(n, v)
		s.send(n, RegisterUserReply{Provider: v.Provider, Port: v.Port, Result: res})
		if p := s.providers[v.Provider]; res == retcode.OK && p != nil && p.offered {
			s.announce(v.Provider, p, userAddr{n.id, v.Port})
		}
	case StartOffer:
		s.setOffered(n, v.Provider, true)
	case StopOffer:
		s.setOffered(n, v.Provider, false)
	case UnregisterProvider:
		if p := s.providers[v.Provider]; p != nil && p.node == n.id {
			s.dropProvider(v.Provider, p)
		}
	case UnregisterUser:
		if users := s.users[v.Provider]; users != nil {
			delete(users, userAddr{n.id, v.Port})
			if len(users) == 0 {
				delete(s.users, v.Provider)
			}
			s.reportRegistry()
		}
	case ConnectSocket:
		if _, ok := s.nodes[v.Peer]; !ok {
			log.Warn().Uint16("node", uint16(n.id)).Uint16("peer", uint16(v.Peer)).Msg("sd: connect to unknown peer")
			return retcode.NotFound
		}
		return s.ensurePair(n.id, v.Peer)
	}
	return nil
}

func (s *Server) granted(n *node, id protocol.ProviderID) bool {
	grants, ok := s.cfg.Grants[n.name]
	return !ok || slices.Contains(grants, id.ServiceID)
}

func (s *Server) registerProvider(n *node, v RegisterProvider) retcode.ReturnCode {
	switch {
	case !s.granted(n, v.Provider):
		return retcode.SdIamGrantDenied
	case s.providers[v.Provider] != nil:
		return retcode.SdAlreadyRegistered
	case len(s.providers) >= s.cfg.MaxProviders:
		return retcode.SdRegistryFull
	}
	s.providers[v.Provider] = &providerEntry{node: n.id, port: v.Port}
	s.reportRegistry()
	log.Info().Str("provider", v.Provider.String()).Uint16("node", uint16(n.id)).Uint16("port", v.Port).Msg("sd: provider registered")
	return retcode.OK
}

func (s *Server) registerUser(n *node, v RegisterUser) retcode.ReturnCode {
	if !s.granted(n, v.Provider) {
		return retcode.SdIamGrantDenied
	}
	users := s.users[v.Provider]
	if users == nil {
		users = make(map[userAddr]struct{})
		s.users[v.Provider] = users
	}
	addr := userAddr{n.id, v.Port}
	if _, ok := users[addr]; ok {
		return retcode.SdAlreadyRegistered
	}
	users[addr] = struct{}{}
	s.reportRegistry()
	return retcode.OK
}

func (s *Server) setOffered(n *node, id protocol.ProviderID, offered bool) {
	p := s.providers[id]
	if p == nil || p.node != n.id || p.offered == offered {
		return
	}
	p.offered = offered
	for addr := range s.users[id] {
		if offered {
			s.announce(id, p, addr)
		} else if u := s.nodes[addr.node]; u != nil {
			s.send(u, ProviderOffline{Provider: id})
		}
	}
}

// announce makes sure the user's process shares a socket with the provider's and
// then tells it where the provider is.
func (s *Server) announce(id protocol.ProviderID, p *providerEntry, addr userAddr) {
	u := s.nodes[addr.node]
	if u == nil {
		return
	}
	if err := s.ensurePair(addr.node, p.node); err != nil {
		log.Error().Str("provider", id.String()).Uint16("node", uint16(addr.node)).Err(err).Msg("sd: pair socket failed")
		return
	}
	s.send(u, ProviderOnline{Provider: id, Node: p.node, Port: p.port})
}

func (s *Server) dropProvider(id protocol.ProviderID, p *providerEntry) {
	if p.offered {
		for addr := range s.users[id] {
			if u := s.nodes[addr.node]; u != nil {
				s.send(u, ProviderOffline{Provider: id})
			}
		}
	}
	delete(s.providers, id)
	s.reportRegistry()
}

// ensurePair creates the socket between a and b if needed and tells both ends.
func (s *Server) ensurePair(a, b socket.NodeID) error {
	id := PairID(a, b)
	if _, ok := s.pairs[id]; !ok {
		cfg := s.sockCfg
		cfg.UnlinkOnClose = false
		path := s.paths.ProcSocket(id)
		removeStale(path)
		sock, err := socket.Create(path, b, cfg, socket.Straight)
		if err != nil {
			return err
		}
		if err := sock.Close(); err != nil {
			return err
		}
		s.pairs[id] = struct{}{}
	}
	if n := s.nodes[a]; n != nil {
		s.send(n, SocketConnected{Peer: b, SocketID: id})
	}
	if n := s.nodes[b]; n != nil && a != b {
		s.send(n, SocketConnected{Peer: a, SocketID: id})
	}
	return nil
}

func (s *Server) send(n *node, v ServerMsg) {
	if err := SendServer(n.ep, v); err != nil {
		log.Warn().Uint16("node", uint16(n.id)).Str("msg", fmt.Sprintf("%T", v)).Err(err).Msg("sd: send failed")
	}
}

func (s *Server) reportRegistry() {
	users := 0
	for _, u := range s.users {
		users += len(u)
	}
	metrics.UpdateGaugeWithGroup(metrics.NameSdProviders, metrics.GroupPIPC, metrics.Value(len(s.providers)))
	metrics.UpdateGaugeWithGroup(metrics.NameSdUsers, metrics.GroupPIPC, metrics.Value(users))
}

// processExit removes everything node owned and tells its peers.
func (s *Server) processExit(id socket.NodeID) {
	s.mu.Lock()
	n := s.nodes[id]
	if n == nil {
		s.mu.Unlock()
		return
	}
	for pid, p := range s.providers {
		if p.node == id {
			s.dropProvider(pid, p)
		}
	}
	for pid, users := range s.users {
		for addr := range users {
			if addr.node == id {
				delete(users, addr)
			}
		}
		if len(users) == 0 {
			delete(s.users, pid)
		}
	}
	s.reportRegistry()
	for pair := range s.pairs {
		lo, hi := socket.NodeID(pair>>16), socket.NodeID(pair&0xffff)
		if lo != id && hi != id {
			continue
		}
		peer := lo
		if lo == id {
			peer = hi
		}
		removeStale(s.paths.ProcSocket(pair))
		delete(s.pairs, pair)
		if p := s.nodes[peer]; p != nil && peer != id {
			s.send(p, SocketOffline{Peer: id})
		}
	}
	delete(s.nodes, id)
	delete(s.bySock, n.sock)
	s.mu.Unlock()

	n.lis.Stop()
	if err := n.sock.Close(); err != nil {
		log.Warn().Uint16("node", uint16(id)).Err(err).Msg("sd: close sd socket")
	}
	log.Info().Str("name", n.name).Uint16("node", uint16(id)).Msg("sd: process exited")
}

// Close stops every listener and removes every file the server created.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	nodes := s.nodes
	pairs := s.pairs
	s.nodes = map[socket.NodeID]*node{}
	s.bySock = map[*socket.Socket]*node{}
	s.pairs = map[uint32]struct{}{}
	s.mu.Unlock()

	var err error
	for _, n := range nodes {
		n.lis.Stop()
		err = multierr.Append(err, n.sock.Close())
	}
	for pair := range pairs {
		if rerr := os.Remove(s.paths.ProcSocket(pair)); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
			err = multierr.Append(err, rerr)
		}
	}
	return err
}

func removeStale(path string) {
	if err := os.Remove(path); err == nil {
		log.Warn().Str("path", path).Msg("sd: removed stale file")
	}
}
