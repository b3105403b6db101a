// Package listener drains a socket on a dedicated goroutine and hands every message
// to a Receiver.
package listener

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/linchenxuan/pipc/log"
	"github.com/linchenxuan/pipc/metrics"
	"github.com/linchenxuan/pipc/network/retcode"
	"github.com/linchenxuan/pipc/network/socket"
	"github.com/linchenxuan/pipc/utils/pool"
)

// Receiver consumes messages. msg is only valid for the duration of the call.
type Receiver interface {
	Receive(sock *socket.Socket, msg []byte) error
}

// ReceiverFunc adapts a function to Receiver.
type ReceiverFunc func(sock *socket.Socket, msg []byte) error

// Receive calls f.
func (f ReceiverFunc) Receive(sock *socket.Socket, msg []byte) error { return f(sock, msg) }

type state int32

const (
	stateIdle state = iota
	stateRunning
	stateStopping
)

// ErrAlreadyStarted is returned by a second Start.
var ErrAlreadyStarted = errors.New("listener already started")

// Listener owns the receive side of one socket.
type Listener struct {
	sock     *socket.Socket
	receiver Receiver
	poll     func() error
	bufs     *pool.Pool[*[]byte]

	state  atomic.Int32
	stop   atomic.Bool
	once   sync.Once
	doneCh chan struct{}
}

// New binds a listener to sock. The poll strategy follows sock.Protected.
func New(sock *socket.Socket, receiver Receiver) *Listener {
	l := &Listener{
		sock:     sock,
		receiver: receiver,
		doneCh:   make(chan struct{}),
	}
	if sock.Protected() {
		l.bufs = pool.NewBuffers("listener_"+sock.Name(), sock.MaxPayload())
		l.poll = l.pollProtected
	} else {
		l.poll = l.pollInPlace
	}
	return l
}

// Start launches the receive goroutine. It may be called once.
func (l *Listener) Start() error {
	if !l.state.CompareAndSwap(int32(stateIdle), int32(stateRunning)) {
		return ErrAlreadyStarted
	}
	go l.listen()
	return nil
}

// Stop ends the receive goroutine and waits for it. It is safe to call several times
// and from any goroutine, whether or not Start was called.
func (l *Listener) Stop() {
	l.once.Do(func() {
		l.stop.Store(true)
		prev := state(l.state.Swap(int32(stateStopping)))
		if prev != stateRunning {
			close(l.doneCh)
			return
		}
		if err := l.sock.Notify(); err != nil {
			log.Error().Str("socket", l.sock.Name()).Err(err).Msg("listener stop notify failed")
		}
	})
	<-l.doneCh
}

// Done is closed once the receive goroutine has exited.
func (l *Listener) Done() <-chan struct{} { return l.doneCh }

func (l *Listener) listen() {
	defer close(l.doneCh)
	log.Debug().Str("socket", l.sock.Name()).Msg("listener started")

	for !l.stop.Load() {
		if err := l.sock.Wait(); err != nil {
			l.fatal(fmt.Errorf("wait: %w", err))
			continue
		}
		if l.stop.Load() {
			break
		}
		if err := l.poll(); err != nil && !errors.Is(err, retcode.QueueEmpty) {
			l.fatal(err)
		}
	}
	log.Debug().Str("socket", l.sock.Name()).Msg("listener stopped")
}

// fatal reports a poll failure after a successful wait. The loop keeps running.
func (l *Listener) fatal(err error) {
	code := retcode.FromError(err)
	metrics.IncrCounterWithDimGroup(metrics.NameListenerFatalTotal, metrics.GroupPIPC, 1, metrics.Dimension{
		metrics.DimSocket:  l.sock.Name(),
		metrics.DimRetCode: code.String(),
	})
	log.Error().Bool("fatal", true).Str("socket", l.sock.Name()).Err(err).Msg("unexpected poll result")
}

func (l *Listener) pollInPlace() error {
	msg, err := l.sock.TryPeek()
	if err != nil {
		return err
	}
	l.deliver(msg)
	return l.sock.Discard()
}

func (l *Listener) pollProtected() error {
	buf := l.bufs.Get()
	defer l.bufs.Put(buf)

	n, err := l.sock.TryPop(*buf)
	if err != nil {
		return err
	}
	l.deliver((*buf)[:n])
	return nil
}

// deliver hands msg to the receiver. Receiver errors are the receiver's business and
// only logged here.
func (l *Listener) deliver(msg []byte) {
	if err := l.receiver.Receive(l.sock, msg); err != nil {
		log.Debug().Str("socket", l.sock.Name()).Err(err).Msg("message dropped by receiver")
	}
}
