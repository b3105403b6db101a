// Package socket implements the PIPC shared-memory socket: two channels, each a
// semaphore plus a bounded queue, mapped from one segment and shared by two processes.
package socket

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/linchenxuan/pipc/metrics"
	"github.com/linchenxuan/pipc/network/queue"
	"github.com/linchenxuan/pipc/network/retcode"
	"github.com/linchenxuan/pipc/network/shm"
	"go.uber.org/multierr"
)

// NodeID identifies a process registered with the discovery daemon.
type NodeID uint16

// ConnectionMode selects which of the two channels a handle sends on.
type ConnectionMode uint8

const (
	Straight  ConnectionMode = iota // tx=0 rx=1
	Crossover                       // tx=1 rx=0
	Loopback                        // tx=rx=0
)

// String returns the mode name.
func (m ConnectionMode) String() string {
	switch m {
	case Straight:
		return "straight"
	case Crossover:
		return "crossover"
	case Loopback:
		return "loopback"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

func (m ConnectionMode) channels() (tx, rx int) {
	switch m {
	case Crossover:
		return 1, 0
	case Loopback:
		return 0, 0
	default:
		return 0, 1
	}
}

const (
	_magic   uint64 = 0x50495043534f434b // "PIPCSOCK"
	_version uint32 = 1

	_headerSize = 64
	_semLine    = 64
)

// Config is the shape of a socket. Both channels share it.
type Config struct {
	QueueLength   uint32      `mapstructure:"queueLength"`
	MaxPayload    uint32      `mapstructure:"maxPayload"`
	Protected     bool        `mapstructure:"protected"`
	Perm          os.FileMode `mapstructure:"perm"`
	UnlinkOnClose bool        `mapstructure:"unlinkOnClose"`
}

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig() Config {
	return Config{
		QueueLength:   64,
		MaxPayload:    256,
		Perm:          shm.DefaultPerm,
		UnlinkOnClose: true,
	}
}

// GetName returns the config section name.
func (c *Config) GetName() string {
	return "socket"
}

// Validate fills a zero Perm with the default and checks the queue shape.
func (c *Config) Validate() error {
	if c.Perm == 0 {
		c.Perm = shm.DefaultPerm
	}
	if c.Perm&0o600 != 0o600 {
		return fmt.Errorf("socket perm %o must allow owner read and write", c.Perm)
	}
	if c.QueueLength == 0 || c.QueueLength > 1<<16 {
		return fmt.Errorf("socket queueLength must be in [1,65536], got %d", c.QueueLength)
	}
	if c.MaxPayload < 8 || c.MaxPayload > 1<<20 {
		return fmt.Errorf("socket maxPayload must be in [8,1048576], got %d", c.MaxPayload)
	}
	return nil
}

func (c Config) queueConfig() queue.Config {
	return queue.Config{Capacity: c.QueueLength, MaxPayload: c.MaxPayload, Protected: c.Protected}
}

func channelSize(c Config) int {
	return _semLine + queue.RegionSize(c.queueConfig())
}

// SegmentSize returns the size of the segment backing a socket with cfg.
func SegmentSize(c Config) int {
	return _headerSize + 2*channelSize(c)
}

type channel struct {
	sem *shm.Semaphore
	q   *queue.Queue
}

// Socket is one process's handle on a shared socket. Send is safe for concurrent
// use. Receive operations belong to a single consumer, normally a listener.Listener.
type Socket struct {
	seg    *shm.Segment
	name   string
	peer   NodeID
	mode   ConnectionMode
	tx     channel
	rx     channel
	sendMu sync.Mutex

	owner  bool
	unlink bool
	closed atomic.Bool
}

// Create creates the segment at path and lays out both channels. The file must not
// exist yet.
func Create(path string, peer NodeID, cfg Config, mode ConnectionMode) (*Socket, error) {
	if cfg.QueueLength == 0 || cfg.MaxPayload == 0 {
		return nil, fmt.Errorf("socket %s: empty queue config: %w", path, retcode.GeneralError)
	}
	seg, err := shm.Create(path, SegmentSize(cfg), cfg.Perm)
	if err != nil {
		return nil, err
	}

	base := seg.Bytes()
	chSize := channelSize(cfg)
	var chans [2]channel
	for i := range chans {
		off := _headerSize + i*chSize
		chans[i], err = initChannel(base[off:off+chSize], cfg)
		if err != nil {
			return nil, multierr.Combine(fmt.Errorf("socket %s: %v: %w", path, err, retcode.GeneralError),
				seg.Close(), seg.Unlink())
		}
	}

	hdr := unsafe.Pointer(&base[0])
	*(*uint32)(unsafe.Add(hdr, 8)) = _version
	*(*uint32)(unsafe.Add(hdr, 12)) = cfg.QueueLength
	*(*uint32)(unsafe.Add(hdr, 16)) = cfg.MaxPayload
	atomic.StoreUint64((*uint64)(hdr), _magic)

	return newSocket(seg, chans, peer, mode, true, cfg.UnlinkOnClose), nil
}

// Connect maps an existing socket and validates its layout.
func Connect(path string, peer NodeID, mode ConnectionMode) (*Socket, error) {
	seg, err := shm.Open(path)
	if err != nil {
		return nil, err
	}
	chans, err := attach(seg)
	if err != nil {
		return nil, multierr.Append(fmt.Errorf("socket %s: %v: %w", path, err, retcode.GeneralError), seg.Close())
	}
	return newSocket(seg, chans, peer, mode, false, false), nil
}

func attach(seg *shm.Segment) ([2]channel, error) {
	var chans [2]channel
	base := seg.Bytes()
	if len(base) < _headerSize {
		return chans, fmt.Errorf("segment too small")
	}
	hdr := unsafe.Pointer(&base[0])
	if atomic.LoadUint64((*uint64)(hdr)) != _magic {
		return chans, fmt.Errorf("not a socket or not initialised")
	}
	if v := *(*uint32)(unsafe.Add(hdr, 8)); v != _version {
		return chans, fmt.Errorf("socket version %d unsupported", v)
	}
	cfg := Config{
		QueueLength: *(*uint32)(unsafe.Add(hdr, 12)),
		MaxPayload:  *(*uint32)(unsafe.Add(hdr, 16)),
	}
	if len(base) < SegmentSize(cfg) {
		return chans, fmt.Errorf("segment size %d shorter than layout %d", len(base), SegmentSize(cfg))
	}
	chSize := channelSize(cfg)
	for i := range chans {
		off := _headerSize + i*chSize
		sem, err := shm.NewSemaphore(base[off : off+_semLine])
		if err != nil {
			return chans, err
		}
		q, err := queue.Attach(base[off+_semLine : off+chSize])
		if err != nil {
			return chans, err
		}
		chans[i] = channel{sem: sem, q: q}
	}
	return chans, nil
}

func initChannel(b []byte, cfg Config) (channel, error) {
	sem, err := shm.NewSemaphore(b[:_semLine])
	if err != nil {
		return channel{}, err
	}
	q, err := queue.Init(b[_semLine:], cfg.queueConfig())
	if err != nil {
		return channel{}, err
	}
	return channel{sem: sem, q: q}, nil
}

func newSocket(seg *shm.Segment, chans [2]channel, peer NodeID, mode ConnectionMode, owner, unlink bool) *Socket {
	tx, rx := mode.channels()
	return &Socket{
		seg:    seg,
		name:   filepath.Base(seg.Path()),
		peer:   peer,
		mode:   mode,
		tx:     chans[tx],
		rx:     chans[rx],
		owner:  owner,
		unlink: unlink,
	}
}

// Path returns the segment file of the socket.
func (s *Socket) Path() string { return s.seg.Path() }

// Name returns the name given at creation, used in logs.
func (s *Socket) Name() string { return s.name }

// Peer returns the node at the other end.
func (s *Socket) Peer() NodeID { return s.peer }

// Mode returns which channel this handle sends on.
func (s *Socket) Mode() ConnectionMode { return s.mode }

// Protected reports whether received messages are checksummed.
func (s *Socket) Protected() bool { return s.rx.q.Protected() }

// MaxPayload returns the largest message Send accepts.
func (s *Socket) MaxPayload() int { return s.tx.q.MaxPayload() }

// Send copies msg into the tx queue and wakes the peer.
func (s *Socket) Send(msg []byte) error {
	if len(msg) > s.MaxPayload() {
		return fmt.Errorf("socket %s: message of %d bytes exceeds %d: %w", s.name, len(msg), s.MaxPayload(), retcode.GeneralError)
	}
	return s.SendEmplace(func(buf []byte) int {
		return copy(buf, msg)
	})
}

// SendEmplace lets fill build the message directly in the tx slot, then wakes the
// peer. Enqueue and wake happen under the send mutex so a later send cannot wake the
// peer before an earlier one is visible.
func (s *Socket) SendEmplace(fill func(buf []byte) int) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	// Close unmaps under sendMu
	if s.closed.Load() {
		return fmt.Errorf("socket %s closed: %w", s.name, retcode.NotConnected)
	}

	if err := s.tx.q.TryEmplace(fill); err != nil {
		metrics.IncrCounterWithDimGroup(metrics.NameQueueFullTotal, metrics.GroupPIPC, 1,
			metrics.Dimension{metrics.DimSocket: s.name})
		return err
	}
	metrics.UpdateMaxGaugeWithDimGroup(metrics.NameQueueUsageMaxPercent, metrics.GroupPIPC,
		metrics.Value(s.tx.q.Len()*100/s.tx.q.Capacity()), metrics.Dimension{metrics.DimSocket: s.name})

	if err := s.tx.sem.Post(); err != nil {
		return fmt.Errorf("socket %s notify: %v: %w", s.name, err, retcode.NetworkError)
	}
	return nil
}

// TryPeek returns the head rx message in place.
func (s *Socket) TryPeek() ([]byte, error) { return s.rx.q.TryPeek() }

// Discard releases the message returned by TryPeek.
func (s *Socket) Discard() error { return s.rx.q.Discard() }

// TryPop copies the head rx message into dst, validating it when protected.
func (s *Socket) TryPop(dst []byte) (int, error) {
	n, err := s.rx.q.TryPop(dst)
	if err == retcode.ChecksumError {
		metrics.IncrCounterWithDimGroup(metrics.NameChecksumErrorTotal, metrics.GroupPIPC, 1,
			metrics.Dimension{metrics.DimSocket: s.name})
	}
	return n, err
}

// Wait blocks until the rx semaphore is posted.
func (s *Socket) Wait() error { return s.rx.sem.Wait() }

// Notify posts the rx semaphore, releasing one Wait.
func (s *Socket) Notify() error { return s.rx.sem.Post() }

// Pending reports the number of messages waiting in rx.
func (s *Socket) Pending() int { return s.rx.q.Len() }

// Close unmaps the socket, and unlinks it when this handle created it with
// UnlinkOnClose. The socket must not be used afterwards.
func (s *Socket) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	var err error
	if s.owner && s.unlink {
		err = s.seg.Unlink()
	}
	return multierr.Append(err, s.seg.Close())
}
