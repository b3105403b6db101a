package dispatcher

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/linchenxuan/pipc/metrics"
	"github.com/linchenxuan/pipc/metrics/metricstest"
	"github.com/linchenxuan/pipc/network/message"
	"github.com/linchenxuan/pipc/network/protocol"
	"github.com/linchenxuan/pipc/network/protocol/transport"
	"github.com/linchenxuan/pipc/network/retcode"
	"github.com/linchenxuan/pipc/network/socket"
)

type countingEntry struct {
	control, data int
	err           error
}

func (c *countingEntry) entry() *Entry {
	return &Entry{
		Control: func(*socket.Socket, []byte) error { c.control++; return c.err },
		Data:    func(*socket.Socket, []byte) error { c.data++; return c.err },
	}
}

func testSocket(t *testing.T) *socket.Socket {
	s, err := socket.Create(filepath.Join(t.TempDir(), "sock"), 0, socket.DefaultConfig(), socket.Loopback)
	if err != nil {
		t.Fatalf("socket.Create failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func rawTo(t *testing.T, port transport.Port, control bool) []byte {
	msg, err := message.New(prefix, protocol.Transport)
	if err != nil {
		t.Fatalf("message.New failed: %v", err)
	}
	*message.HeaderAs[transport.Header](msg, protocol.Transport) = transport.Header{
		DstPort: transport.MakePort(port, control),
		SrcPort: 42,
	}
	return msg.Bytes()
}

func newTestDispatcher(t *testing.T, cfg *DispatcherConfig) *Dispatcher {
	d, err := NewDispatcher(cfg)
	if err != nil {
		t.Fatalf("NewDispatcher failed: %v", err)
	}
	return d
}

func TestDispatcherRoutesByPlane(t *testing.T) {
	rec := metricstest.Install(t)
	d := newTestDispatcher(t, nil)
	sock := testSocket(t)

	c := &countingEntry{}
	if err := d.RegisterStatic(transport.SdPort, c.entry()); err != nil {
		t.Fatalf("RegisterStatic failed: %v", err)
	}
	if err := d.Receive(sock, rawTo(t, transport.SdPort, true)); err != nil {
		t.Fatalf("control dispatch failed: %v", err)
	}
	if err := d.Receive(sock, rawTo(t, transport.SdPort, false)); err != nil {
		t.Fatalf("data dispatch failed: %v", err)
	}
	if c.control != 1 || c.data != 1 {
		t.Fatalf("calls mismatch: control=%d data=%d", c.control, c.data)
	}
	if got := rec.Sum(metrics.NameDispatchRecvTotal); got != 2 {
		t.Fatalf("recv counter mismatch: got %v want 2", got)
	}
}

func TestDispatcherStaticPorts(t *testing.T) {
	d := newTestDispatcher(t, &DispatcherConfig{StaticPorts: 2, DynamicPorts: 2})
	c := &countingEntry{}
	if err := d.RegisterStatic(1, c.entry()); err != nil {
		t.Fatalf("RegisterStatic failed: %v", err)
	}
	if err := d.RegisterStatic(1, c.entry()); !errors.Is(err, retcode.PortInUse) {
		t.Fatalf("second RegisterStatic: got %v want PortInUse", err)
	}
	if err := d.RegisterStatic(2, c.entry()); !errors.Is(err, retcode.PortOutOfBounds) {
		t.Fatalf("RegisterStatic out of range: got %v want PortOutOfBounds", err)
	}
	if err := d.Unregister(1); err != nil {
		t.Fatalf("Unregister failed: %v", err)
	}
	if err := d.Unregister(1); !errors.Is(err, retcode.NotFound) {
		t.Fatalf("second Unregister: got %v want NotFound", err)
	}
	if err := d.RegisterStatic(1, c.entry()); err != nil {
		t.Fatalf("RegisterStatic after Unregister failed: %v", err)
	}
}

func TestDispatcherDynamicRoundRobin(t *testing.T) {
	d := newTestDispatcher(t, &DispatcherConfig{StaticPorts: 2, DynamicPorts: 3})
	c := &countingEntry{}

	var ports []transport.Port
	for i := 0; i < 3; i++ {
		p, err := d.RegisterDynamic(c.entry())
		if err != nil {
			t.Fatalf("RegisterDynamic %d failed: %v", i, err)
		}
		ports = append(ports, p)
	}
	if ports[0] != 2 || ports[1] != 3 || ports[2] != 4 {
		t.Fatalf("unexpected ports: %v", ports)
	}
	if _, err := d.RegisterDynamic(c.entry()); !errors.Is(err, retcode.PortsExhausted) {
		t.Fatalf("RegisterDynamic when full: got %v want PortsExhausted", err)
	}

	// the scan wraps around to the freed port
	if err := d.Unregister(3); err != nil {
		t.Fatalf("Unregister failed: %v", err)
	}
	p, err := d.RegisterDynamic(c.entry())
	if err != nil || p != 3 {
		t.Fatalf("RegisterDynamic after free: got %d, %v want 3", p, err)
	}
}

func TestDispatcherConcurrentDynamic(t *testing.T) {
	const n = 64
	d := newTestDispatcher(t, &DispatcherConfig{StaticPorts: 1, DynamicPorts: n})
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		seen  = map[transport.Port]bool{}
		fails int
	)
	for i := 0; i < n+8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := d.RegisterDynamic(&Entry{})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				fails++
				return
			}
			if seen[p] {
				t.Errorf("port %d issued twice", p)
			}
			seen[p] = true
		}()
	}
	wg.Wait()
	if len(seen) != n || fails != 8 {
		t.Fatalf("got %d ports and %d failures", len(seen), fails)
	}
}

func TestDispatcherUnknownPort(t *testing.T) {
	rec := metricstest.Install(t)
	d := newTestDispatcher(t, &DispatcherConfig{StaticPorts: 2, DynamicPorts: 2})
	sock := testSocket(t)

	for _, port := range []transport.Port{3, 1000} {
		if err := d.Receive(sock, rawTo(t, port, false)); !errors.Is(err, retcode.TransportError) {
			t.Fatalf("port %d: got %v want TransportError", port, err)
		}
	}
	if err := d.RegisterStatic(0, &Entry{Data: func(*socket.Socket, []byte) error { return nil }}); err != nil {
		t.Fatalf("RegisterStatic failed: %v", err)
	}
	if err := d.Receive(sock, rawTo(t, 0, true)); !errors.Is(err, retcode.TransportError) {
		t.Fatalf("missing control callback: got %v want TransportError", err)
	}
	if err := d.Receive(sock, []byte{1}); !errors.Is(err, retcode.TransportError) {
		t.Fatalf("short message: got %v want TransportError", err)
	}
	if got := rec.Sum(metrics.NameDispatchUnknownPortTotal); got != 3 {
		t.Fatalf("unknown port counter mismatch: got %v want 3", got)
	}
}

func TestDispatcherHandlerError(t *testing.T) {
	d := newTestDispatcher(t, nil)
	expectedErr := errors.New("handler failed")
	c := &countingEntry{err: expectedErr}
	p, err := d.RegisterDynamic(c.entry())
	if err != nil {
		t.Fatalf("RegisterDynamic failed: %v", err)
	}
	if err := d.Receive(testSocket(t), rawTo(t, p, false)); !errors.Is(err, expectedErr) {
		t.Fatalf("error mismatch: got %v want %v", err, expectedErr)
	}
}

func TestDispatcherPortFilter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PortFilter.BlockedPorts = []uint16{1}
	d := newTestDispatcher(t, cfg)
	sock := testSocket(t)
	c := &countingEntry{}
	if err := d.RegisterStatic(1, c.entry()); err != nil {
		t.Fatalf("RegisterStatic failed: %v", err)
	}
	if err := d.Receive(sock, rawTo(t, 1, false)); err != nil {
		t.Fatalf("filtered message returned %v", err)
	}
	if c.data != 0 {
		t.Fatalf("filtered message reached handler")
	}

	cfg2 := DefaultConfig()
	d.Reload(cfg2)
	if err := d.Receive(sock, rawTo(t, 1, false)); err != nil || c.data != 1 {
		t.Fatalf("after reload: err=%v calls=%d", err, c.data)
	}
}

func TestDispatcherRecvLimiter(t *testing.T) {
	for _, kind := range []string{LimiterToken, LimiterFunnel} {
		t.Run(kind, func(t *testing.T) {
			rec := metricstest.Install(t)
			d := newTestDispatcher(t, &DispatcherConfig{
				StaticPorts: 1, DynamicPorts: 1,
				RecvRateLimit: 100, TokenBurst: 1, Limiter: kind,
			})
			sock := testSocket(t)
			c := &countingEntry{}
			if err := d.RegisterStatic(0, c.entry()); err != nil {
				t.Fatalf("RegisterStatic failed: %v", err)
			}
			for i := 0; i < 5; i++ {
				if err := d.Receive(sock, rawTo(t, 0, false)); err != nil {
					t.Fatalf("Receive failed: %v", err)
				}
			}
			if c.data != 5 {
				t.Fatalf("calls mismatch: got %d want 5", c.data)
			}
			if rec.Sum(metrics.NameDispatchLimitedTotal) == 0 {
				t.Fatalf("expected limited messages")
			}
		})
	}
}

func TestDispatcherConfigValidate(t *testing.T) {
	cases := []struct {
		name string
		cfg  DispatcherConfig
		ok   bool
	}{
		{name: "default", cfg: *DefaultConfig(), ok: true},
		{name: "no static", cfg: DispatcherConfig{DynamicPorts: 1}},
		{name: "no dynamic", cfg: DispatcherConfig{StaticPorts: 1}},
		{name: "full port space", cfg: DispatcherConfig{StaticPorts: 1 << 14, DynamicPorts: 1 << 14}, ok: true},
		{name: "too many ports", cfg: DispatcherConfig{StaticPorts: 1 << 15, DynamicPorts: 1}},
		{name: "limit without burst", cfg: DispatcherConfig{StaticPorts: 1, DynamicPorts: 1, RecvRateLimit: 10}},
		{name: "burst too large", cfg: DispatcherConfig{StaticPorts: 1, DynamicPorts: 1, RecvRateLimit: 10, TokenBurst: 101}},
		{name: "funnel", cfg: DispatcherConfig{StaticPorts: 1, DynamicPorts: 1, RecvRateLimit: 10, Limiter: LimiterFunnel}, ok: true},
		{name: "unknown limiter", cfg: DispatcherConfig{StaticPorts: 1, DynamicPorts: 1, Limiter: "leaky"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}
