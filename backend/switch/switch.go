package _switch

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/adwski/chathub/backend/model"
	"github.com/rs/zerolog"
)

type endpoint struct {
	id   string
	wire model.Wire
	dead atomic.Bool
}

// Switch delivers outbound events to connected endpoints.
// Unknown destinations are dead-ends, not errors. Delivery never blocks:
// an endpoint whose queue is full is marked dead and evicted.
type Switch struct {
	logger zerolog.Logger
	mx     *sync.RWMutex
	fwd    map[string]*endpoint
	order  []string
}

func NewSwitch(logger *zerolog.Logger) *Switch {
	return &Switch{
		logger: logger.With().Str("component", "switch").Logger(),
		mx:     &sync.RWMutex{},
		fwd:    make(map[string]*endpoint),
	}
}

func (sw *Switch) Connect(id string, wire model.Wire) {
	sw.mx.Lock()
	defer func() {
		sw.mx.Unlock()
		sw.logger.Debug().Str("endpoint", id).Msg("endpoint connected")
	}()

	if _, ok := sw.fwd[id]; !ok {
		sw.order = append(sw.order, id)
	}
	sw.fwd[id] = &endpoint{id: id, wire: wire}
}

func (sw *Switch) Disconnect(id string) {
	sw.mx.Lock()
	defer func() {
		sw.mx.Unlock()
		sw.logger.Debug().Str("endpoint", id).Msg("endpoint disconnected")
	}()

	if _, ok := sw.fwd[id]; !ok {
		return
	}
	delete(sw.fwd, id)
	for i, ep := range sw.order {
		if ep == id {
			sw.order = append(sw.order[:i], sw.order[i+1:]...)
			break
		}
	}
}

// Send forwards event to a single endpoint.
func (sw *Switch) Send(ctx context.Context, dst string, ev model.Outbound) bool {
	sw.mx.RLock()
	ep, ok := sw.fwd[dst]
	sw.mx.RUnlock()

	if !ok {
		sw.logger.Debug().Str("dst", dst).Str("type", ev.Type).Msg("cannot forward, dst not found")
		return false
	}
	sent, _ := sw.send(ctx, ep, ev)
	return sent
}

// Multicast forwards event to every listed endpoint and returns number of deliveries.
// The caller passes a membership snapshot, so the set cannot change mid-fanout.
func (sw *Switch) Multicast(ctx context.Context, dsts []string, ev model.Outbound) int {
	sw.mx.RLock()
	eps := make([]*endpoint, 0, len(dsts))
	for _, dst := range dsts {
		if ep, ok := sw.fwd[dst]; ok {
			eps = append(eps, ep)
		}
	}
	sw.mx.RUnlock()

	return sw.forward(ctx, eps, ev)
}

// Broadcast forwards event to all connected endpoints.
func (sw *Switch) Broadcast(ctx context.Context, ev model.Outbound) int {
	sw.mx.RLock()
	eps := make([]*endpoint, 0, len(sw.order))
	for _, id := range sw.order {
		eps = append(eps, sw.fwd[id])
	}
	sw.mx.RUnlock()

	return sw.forward(ctx, eps, ev)
}

// Endpoints returns connected endpoints in connection order.
func (sw *Switch) Endpoints() []string {
	sw.mx.RLock()
	defer sw.mx.RUnlock()

	return append([]string(nil), sw.order...)
}

func (sw *Switch) forward(ctx context.Context, eps []*endpoint, ev model.Outbound) int {
	var sent int
	for _, ep := range eps {
		ok, canceled := sw.send(ctx, ep, ev)
		if canceled {
			break
		}
		if ok {
			sent++
		}
	}
	if sent == 0 && len(eps) > 0 {
		sw.logger.Debug().Str("type", ev.Type).Msg("fanout did not reach anyone")
	}
	return sent
}

func (sw *Switch) send(ctx context.Context, ep *endpoint, ev model.Outbound) (bool, bool) {
	if ctx.Err() != nil {
		return false, true
	}
	if ep.dead.Load() {
		return false, false
	}
	select {
	case ep.wire.TX <- ev:
		sw.logger.Trace().Str("dst", ep.id).Str("type", ev.Type).Msg("event is forwarded")
		return true, false
	default:
	}

	if ep.dead.CompareAndSwap(false, true) {
		sw.logger.Warn().Str("dst", ep.id).Str("type", ev.Type).Msg("outbound queue overflow, evicting endpoint")
		if ep.wire.Evict != nil {
			ep.wire.Evict()
		}
	}
	return false, false
}
