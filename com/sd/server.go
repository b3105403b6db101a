package comsd

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/linchenxuan/pipc/log"
	"github.com/linchenxuan/pipc/network/protocol"
	"github.com/linchenxuan/pipc/network/retcode"
	"github.com/linchenxuan/pipc/runtime"
)

// Server keeps the offered instances of every service and the sessions watching
// them.
type Server struct {
	provider *runtime.Provider

	mu sync.RWMutex
	// service -> instance -> offering session
	offers map[ServiceID]map[InstanceID]uint8
	// service -> session -> watched instance
	watchers map[ServiceID]map[uint8]InstanceID
}

// NewServer registers the discovery provider id on rt and starts offering it.
func NewServer(ctx context.Context, rt *runtime.Runtime, id protocol.ProviderID) (*Server, error) {
	s := &Server{
		offers:   make(map[ServiceID]map[InstanceID]uint8),
		watchers: make(map[ServiceID]map[uint8]InstanceID),
	}
	p, err := runtime.NewProvider(ctx, rt, id, MessageField, runtime.ProviderHandlers{
		OnMessage: s.handle,
		OnSession: s.onSession,
	})
	if err != nil {
		return nil, err
	}
	s.provider = p
	if err := p.StartOffer(); err != nil {
		p.Close()
		return nil, err
	}
	log.Info().Str("provider", id.String()).Msg("comsd: server offering")
	return s, nil
}

// Close withdraws the discovery provider.
func (s *Server) Close() error {
	return s.provider.Close()
}

// Offered returns the sorted instances of service.
func (s *Server) Offered(service ServiceID) []InstanceID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.offers[service]))
}

func (s *Server) handle(sid uint8, payload []byte) {
	m, err := view(payload)
	if err != nil {
		log.Warn().Int("session", int(sid)).Err(err).Msg("comsd: bad payload")
		return
	}
	msg, err := m.Client()
	if err != nil {
		log.Warn().Int("session", int(sid)).Err(err).Msg("comsd: bad message")
		return
	}

	switch v := msg.(type) {
	case OfferService:
		res := s.offer(sid, v.Service, v.Instance)
		s.send(sid, OfferServiceReply{Service: v.Service, Instance: v.Instance, Result: res})
	case StopOfferService:
		s.stopOffer(sid, v.Service, v.Instance)
	case FindService:
		s.sendFind(sid, v.Service, s.find(v.Service, v.Instance))
	case StartFindService:
		s.mu.Lock()
		w := s.watchers[v.Service]
		if w == nil {
			w = make(map[uint8]InstanceID)
			s.watchers[v.Service] = w
		}
		w[sid] = v.Instance
		// Sent under mu so that every later availability push follows the snapshot.
		s.sendFind(sid, v.Service, s.findLocked(v.Service, v.Instance))
		s.mu.Unlock()
	case StopFindService:
		s.mu.Lock()
		w := s.watchers[v.Service]
		inst, ok := w[sid]
		if ok && inst == v.Instance {
			delete(w, sid)
			if len(w) == 0 {
				delete(s.watchers, v.Service)
			}
		}
		s.mu.Unlock()
		if !ok || inst != v.Instance {
			log.Warn().Int("session", int(sid)).Uint64("service", v.Service).Uint32("instance", v.Instance).
				Err(retcode.InvalidSubscriptionMsg).Msg("comsd: stop find without a find")
		}
	}
}

func (s *Server) offer(sid uint8, service ServiceID, inst InstanceID) retcode.ReturnCode {
	if inst == AllInstanceIDs {
		return retcode.InvalidSubscriptionMsg
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	insts := s.offers[service]
	if insts == nil {
		insts = make(map[InstanceID]uint8)
		s.offers[service] = insts
	}
	if owner, ok := insts[inst]; ok {
		if owner == sid {
			return retcode.OK
		}
		return retcode.SdAlreadyRegistered
	}
	insts[inst] = sid
	s.notifyLocked(service, inst, true)
	log.Debug().Uint64("service", service).Uint32("instance", inst).Int("session", int(sid)).Msg("comsd: offered")
	return retcode.OK
}

func (s *Server) stopOffer(sid uint8, service ServiceID, inst InstanceID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if owner, ok := s.offers[service][inst]; !ok || owner != sid {
		return
	}
	s.withdrawLocked(service, inst)
}

func (s *Server) withdrawLocked(service ServiceID, inst InstanceID) {
	delete(s.offers[service], inst)
	if len(s.offers[service]) == 0 {
		delete(s.offers, service)
	}
	s.notifyLocked(service, inst, false)
}

// notifyLocked tells every session watching inst of service.
func (s *Server) notifyLocked(service ServiceID, inst InstanceID, available bool) {
	for sid, want := range s.watchers[service] {
		if want == AllInstanceIDs || want == inst {
			s.send(sid, ServiceAvailability{Service: service, Instance: inst, Available: available})
		}
	}
}

func (s *Server) find(service ServiceID, inst InstanceID) []InstanceID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.findLocked(service, inst)
}

func (s *Server) findLocked(service ServiceID, inst InstanceID) []InstanceID {
	insts := s.offers[service]
	if inst == AllInstanceIDs {
		return slices.Sorted(maps.Keys(insts))
	}
	if _, ok := insts[inst]; ok {
		return []InstanceID{inst}
	}
	return nil
}

func (s *Server) sendFind(sid uint8, service ServiceID, ids []InstanceID) {
	reply, lists := Paginate(service, ids)
	s.send(sid, reply)
	for _, l := range lists {
		s.send(sid, l)
	}
}

func (s *Server) send(sid uint8, v ServerMsg) {
	if err := s.provider.Send(sid, serverFill(v)); err != nil {
		log.Warn().Int("session", int(sid)).Str("msg", fmt.Sprintf("%T", v)).Err(err).Msg("comsd: send failed")
	}
}

// onSession withdraws everything a departed session offered or watched.
func (s *Server) onSession(sid uint8, change protocol.Notification) {
	if change != protocol.NotifyInvalid {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for service, w := range s.watchers {
		delete(w, sid)
		if len(w) == 0 {
			delete(s.watchers, service)
		}
	}
	for service, insts := range s.offers {
		for inst, owner := range insts {
			if owner == sid {
				s.withdrawLocked(service, inst)
			}
		}
	}
}
