package comsd

import (
	"cmp"
	"container/list"
	"maps"
	"slices"
	"sync"

	"github.com/linchenxuan/pipc/log"
	"github.com/linchenxuan/pipc/metrics"
)

// FindServiceHandle identifies one StartFindService.
type FindServiceHandle struct {
	Service  ServiceID
	Instance InstanceID
	ID       uint64
}

// FindServiceHandler receives the sorted instances currently available for a
// search. An empty list means none is.
type FindServiceHandler func(instances []InstanceID, handle FindServiceHandle)

// search follows one StartFindService. Until its snapshot is applied it is not
// synced: changes the server sent before the snapshot are already part of it and
// are skipped, while changes received after the snapshot's reply (collecting) are
// kept in early and replayed over it.
type search struct {
	handle     FindServiceHandle
	handler    FindServiceHandler
	known      map[InstanceID]struct{}
	synced     bool
	collecting bool
	early      map[InstanceID]bool
}

// work is a snapshot for one search, the mark that its reply arrived, or an
// availability change.
type work struct {
	id       uint64
	mark     bool
	snapshot []InstanceID
	change   *ServiceAvailability
}

// FindServiceDispatcher runs find handlers on its own goroutine, in the order the
// notifications arrived.
type FindServiceDispatcher struct {
	mu       sync.Mutex
	cond     *sync.Cond
	queue    *list.List
	searches map[uint64]*search
	stopped  bool
	done     chan struct{}
}

// NewFindServiceDispatcher starts the handler goroutine.
func NewFindServiceDispatcher() *FindServiceDispatcher {
	d := &FindServiceDispatcher{
		queue:    list.New(),
		searches: make(map[uint64]*search),
		done:     make(chan struct{}),
	}
	d.cond = sync.NewCond(&d.mu)
	go d.run()
	return d
}

func (d *FindServiceDispatcher) add(h FindServiceHandle, fn FindServiceHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.searches[h.ID] = &search{
		handle:  h,
		handler: fn,
		known:   make(map[InstanceID]struct{}),
		early:   make(map[InstanceID]bool),
	}
}

func (d *FindServiceDispatcher) remove(id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.searches, id)
}

func (d *FindServiceDispatcher) push(w work) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.queue.PushBack(w)
	metrics.UpdateMaxGaugeWithGroup(metrics.NameSdNotifyQueueMax, metrics.GroupPIPC, metrics.Value(d.queue.Len()))
	d.cond.Signal()
}

// mark records, in receive order, that the reply carrying search id's snapshot
// arrived. Changes queued after it are newer than the snapshot.
func (d *FindServiceDispatcher) mark(id uint64) {
	d.push(work{id: id, mark: true})
}

// Snapshot queues the initial instance list of search id.
func (d *FindServiceDispatcher) Snapshot(id uint64, ids []InstanceID) {
	d.push(work{id: id, snapshot: ids})
}

// Push queues an availability change for every matching search.
func (d *FindServiceDispatcher) Push(v ServiceAvailability) {
	d.push(work{change: &v})
}

// Pending is the number of queued notifications.
func (d *FindServiceDispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queue.Len()
}

// Stop delivers what is queued, then ends the worker and waits for it.
func (d *FindServiceDispatcher) Stop() {
	d.mu.Lock()
	if !d.stopped {
		d.stopped = true
		d.cond.Broadcast()
	}
	d.mu.Unlock()
	<-d.done
}

type call struct {
	fn  FindServiceHandler
	ids []InstanceID
	h   FindServiceHandle
}

func (d *FindServiceDispatcher) run() {
	defer close(d.done)
	for {
		d.mu.Lock()
		for d.queue.Len() == 0 && !d.stopped {
			d.cond.Wait()
		}
		if d.queue.Len() == 0 {
			d.mu.Unlock()
			return
		}
		w := d.queue.Remove(d.queue.Front()).(work)
		calls := d.applyLocked(w)
		d.mu.Unlock()

		for _, c := range calls {
			d.invoke(c)
		}
	}
}

// applyLocked updates the searches w concerns and returns the handler calls it causes.
func (d *FindServiceDispatcher) applyLocked(w work) []call {
	if w.change == nil {
		s := d.searches[w.id]
		if s == nil {
			return nil
		}
		if w.mark {
			s.collecting = true
			return nil
		}
		for _, id := range w.snapshot {
			if id != NoInstanceIDs {
				s.known[id] = struct{}{}
			}
		}
		for id, available := range s.early {
			if available {
				s.known[id] = struct{}{}
			} else {
				delete(s.known, id)
			}
		}
		s.early, s.synced = nil, true
		return []call{{fn: s.handler, ids: slices.Sorted(maps.Keys(s.known)), h: s.handle}}
	}

	var calls []call
	v := w.change
	for _, s := range d.searches {
		if s.handle.Service != v.Service || (s.handle.Instance != AllInstanceIDs && s.handle.Instance != v.Instance) {
			continue
		}
		if !s.synced {
			if s.collecting {
				s.early[v.Instance] = v.Available
			}
			continue
		}
		if v.Available {
			s.known[v.Instance] = struct{}{}
		} else {
			delete(s.known, v.Instance)
		}
		calls = append(calls, call{fn: s.handler, ids: slices.Sorted(maps.Keys(s.known)), h: s.handle})
	}
	slices.SortFunc(calls, func(a, b call) int { return cmp.Compare(a.h.ID, b.h.ID) })
	return calls
}

func (d *FindServiceDispatcher) invoke(c call) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Uint64("search", c.h.ID).Any("panic", r).Msg("comsd: find handler panicked")
		}
	}()
	c.fn(c.ids, c.h)
}
