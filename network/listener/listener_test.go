package listener

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/linchenxuan/pipc/network/socket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu   sync.Mutex
	msgs []string
	err  error
}

func (c *collector) Receive(_ *socket.Socket, msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, string(msg))
	return c.err
}

func (c *collector) got() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.msgs...)
}

func sockets(t *testing.T, protected bool) (*socket.Socket, *socket.Socket) {
	t.Helper()
	cfg := socket.DefaultConfig()
	cfg.QueueLength = 8
	cfg.MaxPayload = 64
	cfg.Protected = protected
	path := filepath.Join(t.TempDir(), "proc_sockets")
	tx, err := socket.Create(path, 1, cfg, socket.Straight)
	require.NoError(t, err)
	rx, err := socket.Connect(path, 0, socket.Crossover)
	require.NoError(t, err)
	t.Cleanup(func() {
		rx.Close()
		tx.Close()
	})
	return tx, rx
}

func TestListenerDelivers(t *testing.T) {
	for _, protected := range []bool{false, true} {
		t.Run(map[bool]string{false: "in_place", true: "protected"}[protected], func(t *testing.T) {
			tx, rx := sockets(t, protected)
			c := &collector{err: errors.New("ignored")}
			l := New(rx, c)
			require.NoError(t, l.Start())
			defer l.Stop()

			for _, m := range []string{"a", "bb", "ccc"} {
				require.NoError(t, tx.Send([]byte(m)))
			}
			assert.Eventually(t, func() bool { return len(c.got()) == 3 }, 2*time.Second, 5*time.Millisecond)
			assert.Equal(t, []string{"a", "bb", "ccc"}, c.got())
		})
	}
}

func TestListenerStartTwice(t *testing.T) {
	_, rx := sockets(t, false)
	l := New(rx, &collector{})
	require.NoError(t, l.Start())
	assert.ErrorIs(t, l.Start(), ErrAlreadyStarted)
	l.Stop()
}

func TestListenerStopIdempotent(t *testing.T) {
	_, rx := sockets(t, false)
	l := New(rx, &collector{})
	require.NoError(t, l.Start())

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Stop()
		}()
	}
	wg.Wait()
	select {
	case <-l.Done():
	default:
		t.Fatal("listener goroutine still running")
	}
	assert.ErrorIs(t, l.Start(), ErrAlreadyStarted)
}

func TestListenerStopWithoutStart(t *testing.T) {
	_, rx := sockets(t, false)
	l := New(rx, &collector{})
	l.Stop()
	<-l.Done()
}
