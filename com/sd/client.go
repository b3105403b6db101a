package comsd

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/linchenxuan/pipc/log"
	"github.com/linchenxuan/pipc/network/protocol"
	"github.com/linchenxuan/pipc/network/retcode"
	"github.com/linchenxuan/pipc/runtime"
	"go.uber.org/multierr"
)

const replyBuffer = 16

// Client talks to a discovery Server. Its calls are synchronous and one runs at a
// time.
type Client struct {
	user *runtime.User

	transactionMutex sync.Mutex
	replies          chan ServerMsg
	dispatcher       *FindServiceDispatcher
	nextSearch       atomic.Uint64
	// starting is the search whose snapshot reply is awaited.
	starting atomic.Pointer[FindServiceHandle]
}

// NewClient connects to the discovery provider id on rt and waits for the session.
func NewClient(ctx context.Context, rt *runtime.Runtime, id protocol.ProviderID) (*Client, error) {
	c := &Client{
		replies:    make(chan ServerMsg, replyBuffer),
		dispatcher: NewFindServiceDispatcher(),
	}
	u, err := runtime.NewUser(ctx, rt, id, MessageField, runtime.UserHandlers{OnMessage: c.receive})
	if err != nil {
		c.dispatcher.Stop()
		return nil, err
	}
	c.user = u
	if err := u.WaitConnected(ctx); err != nil {
		c.dispatcher.Stop()
		return nil, multierr.Append(err, u.Close())
	}
	return c, nil
}

// Close ends the session. Pending find handlers still run before it returns.
func (c *Client) Close() error {
	err := c.user.Close()
	c.dispatcher.Stop()
	return err
}

func (c *Client) receive(payload []byte) {
	m, err := view(payload)
	if err != nil {
		log.Warn().Err(err).Msg("comsd: bad payload")
		return
	}
	msg, err := m.Server()
	if err != nil {
		log.Warn().Err(err).Msg("comsd: bad message")
		return
	}
	switch v := msg.(type) {
	case ServiceAvailability:
		c.dispatcher.Push(v)
		return
	case FindServiceReply:
		if h := c.starting.Load(); h != nil && h.Service == v.Service && c.starting.CompareAndSwap(h, nil) {
			c.dispatcher.mark(h.ID)
		}
	}
	select {
	case c.replies <- msg:
	default:
		log.Warn().Str("msg", fmt.Sprintf("%T", msg)).Msg("comsd: reply buffer full, dropped")
	}
}

func (c *Client) send(v ClientMsg) error {
	return c.user.Send(clientFill(v))
}

// drain discards replies left over from an abandoned transaction.
func (c *Client) drain() {
	for {
		select {
		case <-c.replies:
		default:
			return
		}
	}
}

func (c *Client) next(ctx context.Context) (ServerMsg, error) {
	select {
	case m := <-c.replies:
		return m, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// OfferService announces an instance of service owned by this client's session.
func (c *Client) OfferService(ctx context.Context, service ServiceID, inst InstanceID) error {
	c.transactionMutex.Lock()
	defer c.transactionMutex.Unlock()
	c.drain()
	if err := c.send(OfferService{Service: service, Instance: inst}); err != nil {
		return err
	}
	for {
		m, err := c.next(ctx)
		if err != nil {
			return err
		}
		if r, ok := m.(OfferServiceReply); ok && r.Service == service && r.Instance == inst {
			return r.Result.Err()
		}
		log.Debug().Str("msg", fmt.Sprintf("%T", m)).Msg("comsd: stale reply skipped")
	}
}

// StopOfferService withdraws an instance. The server does not answer.
func (c *Client) StopOfferService(service ServiceID, inst InstanceID) error {
	c.transactionMutex.Lock()
	defer c.transactionMutex.Unlock()
	return c.send(StopOfferService{Service: service, Instance: inst})
}

// FindService returns the offered instances in server order. With AllInstanceIDs
// and nothing offered the result is the single id NoInstanceIDs.
func (c *Client) FindService(ctx context.Context, service ServiceID, inst InstanceID) ([]InstanceID, error) {
	c.transactionMutex.Lock()
	defer c.transactionMutex.Unlock()
	return c.find(ctx, FindService{Service: service, Instance: inst}, service)
}

func (c *Client) find(ctx context.Context, req ClientMsg, service ServiceID) ([]InstanceID, error) {
	c.drain()
	if err := c.send(req); err != nil {
		return nil, err
	}

	var reply FindServiceReply
	for {
		m, err := c.next(ctx)
		if err != nil {
			return nil, err
		}
		if r, ok := m.(FindServiceReply); ok && r.Service == service {
			reply = r
			break
		}
		log.Debug().Str("msg", fmt.Sprintf("%T", m)).Msg("comsd: stale reply skipped")
	}

	ids := make([]InstanceID, 0, reply.Remaining+1)
	ids = append(ids, reply.Instance)
	for remaining := reply.Remaining; remaining > 0; {
		m, err := c.next(ctx)
		if err != nil {
			return nil, err
		}
		l, ok := m.(InstanceIDList)
		if !ok || l.Service != service || l.Count == 0 || l.Count > ListChunk || l.Count > remaining {
			return nil, fmt.Errorf("comsd: unexpected %T in instance list: %w", m, retcode.InvalidSubscriptionMsg)
		}
		ids = append(ids, l.IDs[:l.Count]...)
		remaining -= l.Count
	}
	return ids, nil
}

// StartFindService watches service. handler gets the current instances first and
// then the full list again after every change, on the dispatcher goroutine.
func (c *Client) StartFindService(ctx context.Context, handler FindServiceHandler, service ServiceID, inst InstanceID) (FindServiceHandle, error) {
	c.transactionMutex.Lock()
	defer c.transactionMutex.Unlock()

	h := FindServiceHandle{Service: service, Instance: inst, ID: c.nextSearch.Add(1)}
	// registered before the request so that no change after the snapshot is missed
	c.dispatcher.add(h, handler)
	c.starting.Store(&h)
	ids, err := c.find(ctx, StartFindService{Service: service, Instance: inst}, service)
	c.starting.Store(nil)
	if err != nil {
		c.dispatcher.remove(h.ID)
		return FindServiceHandle{}, err
	}
	c.dispatcher.Snapshot(h.ID, ids)
	return h, nil
}

// StopFindService ends a search started by StartFindService.
func (c *Client) StopFindService(h FindServiceHandle) error {
	c.transactionMutex.Lock()
	defer c.transactionMutex.Unlock()
	c.dispatcher.remove(h.ID)
	return c.send(StopFindService{Service: h.Service, Instance: h.Instance})
}
