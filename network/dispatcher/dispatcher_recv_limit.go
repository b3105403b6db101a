package dispatcher

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/linchenxuan/pipc/metrics"
	"go.uber.org/ratelimit"
	"golang.org/x/time/rate"
)

// RecvLimiter paces dispatch. Blocking in Take stalls the listener, which in turn
// lets the socket's queue fill and pushes back on the sender.
type RecvLimiter interface {
	// Take waits for permission to dispatch one message. It reports whether the
	// message had to wait.
	Take() (bool, error)
	recvLimiterFilter(dd *Delivery, next DispatcherFilterHandleFunc) error
}

func newRecvLimiter(cfg *DispatcherConfig) RecvLimiter {
	if cfg.RecvRateLimit <= 0 {
		return nil
	}
	if cfg.Limiter == LimiterFunnel {
		return NewFunnelRecvLimiter(cfg.RecvRateLimit)
	}
	return NewTokenRecvLimiter(cfg.RecvRateLimit, cfg.TokenBurst)
}

func limited(waited bool) {
	if waited {
		metrics.IncrCounterWithGroup(metrics.NameDispatchLimitedTotal, metrics.GroupPIPC, 1)
	}
}

// DispatcherRecvLimiter is a token bucket, allowing bursts above the steady rate.
type DispatcherRecvLimiter struct {
	limiter atomic.Pointer[rate.Limiter]
}

// NewTokenRecvLimiter creates a token bucket of limit tokens per second holding at
// most burst tokens.
func NewTokenRecvLimiter(limit int, burst int) *DispatcherRecvLimiter {
	self := &DispatcherRecvLimiter{}
	self.limiter.Store(rate.NewLimiter(rate.Limit(limit), burst))
	return self
}

// Take reports whether one more message may be dispatched now.
func (l *DispatcherRecvLimiter) Take() (bool, error) {
	lim := l.limiter.Load()
	if lim.Allow() {
		return false, nil
	}
	return true, lim.Wait(context.Background())
}

// Reload swaps in a limiter with new settings.
func (l *DispatcherRecvLimiter) Reload(limit int, burst int) {
	l.limiter.Store(rate.NewLimiter(rate.Limit(limit), burst))
}

func (l *DispatcherRecvLimiter) recvLimiterFilter(d *Delivery, f DispatcherFilterHandleFunc) error {
	waited, err := l.Take()
	limited(waited)
	if err != nil {
		return err
	}
	return f(d)
}

// FunnelRecvLimiter is a leaky bucket: an even rate with no bursts.
type FunnelRecvLimiter struct {
	limiter  atomic.Pointer[ratelimit.Limiter]
	interval atomic.Int64
}

// NewFunnelRecvLimiter paces messages evenly at limit per second.
func NewFunnelRecvLimiter(limit int) *FunnelRecvLimiter {
	self := &FunnelRecvLimiter{}
	self.Reload(limit)
	return self
}

// Take reports a wait when the funnel held the message for more than half its
// interval.
func (l *FunnelRecvLimiter) Take() (bool, error) {
	start := time.Now()
	at := (*l.limiter.Load()).Take()
	return at.Sub(start) > time.Duration(l.interval.Load()/2), nil
}

// Reload swaps in a limiter for the new rate.
func (l *FunnelRecvLimiter) Reload(limit int) {
	newLimiter := ratelimit.New(limit, ratelimit.WithoutSlack)
	l.interval.Store(int64(time.Second) / int64(limit))
	l.limiter.Store(&newLimiter)
}

func (l *FunnelRecvLimiter) recvLimiterFilter(d *Delivery, f DispatcherFilterHandleFunc) error {
	waited, _ := l.Take()
	limited(waited)
	return f(d)
}
