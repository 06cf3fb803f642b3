package services

import (
	"context"
	"sync"
	"time"

	"roadside/internal/config"
	"roadside/internal/dispatch-service/core/domain/dto"
	"roadside/internal/dispatch-service/core/domain/model"
	"roadside/internal/dispatch-service/core/ports"
	"roadside/internal/mylogger"
)

const subscriptionBuffer = 64

type subKind int

const (
	subMechanic subKind = iota
	subUser
	subRoom
)

// Subscription is one consumer of a mechanic inbox, user inbox or
// request room. Events arrive on C; Close detaches from the router and
// closes C.
type Subscription struct {
	C      chan dto.LiveEvent
	router *Router
	kind   subKind
	key    string
	once   sync.Once
	closed bool // guarded by router.mu
}

// Close detaches under the router's write lock so no in-flight fan-out
// can send on C after it is closed.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.router.unsubscribe(s)
		close(s.C)
	})
}

// Router fans out live events to three kinds of subscription. Delivery
// is at-least-once: the sequence rides on every event, consumers dedupe
// on it, and a reconnecting client replays from its last seen sequence
// out of the event store. A slow consumer whose buffer is full loses
// the event and recovers the same way.
type Router struct {
	mu   sync.RWMutex
	subs map[subKind]map[string]map[*Subscription]bool

	store ports.IEventStore

	posMu          sync.Mutex
	lastPos        map[string]time.Time
	minPosInterval time.Duration

	now func() time.Time
	log mylogger.Logger
}

func NewRouter(cfg *config.Dispatchconfig, store ports.IEventStore, log mylogger.Logger) *Router {
	return &Router{
		subs: map[subKind]map[string]map[*Subscription]bool{
			subMechanic: {},
			subUser:     {},
			subRoom:     {},
		},
		store:          store,
		lastPos:        make(map[string]time.Time),
		minPosInterval: cfg.PositionBroadcastEvery,
		now:            time.Now,
		log:            log,
	}
}

func (rt *Router) SubscribeMechanic(mechanicID string) *Subscription {
	return rt.subscribe(subMechanic, mechanicID)
}

func (rt *Router) SubscribeUser(userID string) *Subscription {
	return rt.subscribe(subUser, userID)
}

// SubscribeRoom joins a per-request room and replays persisted events
// newer than lastSeq before live delivery starts. Replay and live
// delivery may interleave; ordering within the log is preserved and
// duplicates are the consumer's to drop.
func (rt *Router) SubscribeRoom(ctx context.Context, requestID string, lastSeq uint64) (*Subscription, error) {
	sub := rt.subscribe(subRoom, requestID)

	events, err := rt.store.Read(ctx, requestID, lastSeq)
	if err != nil {
		sub.Close()
		return nil, err
	}
	for _, e := range events {
		if live, ok := LiveFromEvent(e); ok {
			rt.deliver(sub, live)
		}
	}
	return sub, nil
}

func (rt *Router) subscribe(kind subKind, key string) *Subscription {
	sub := &Subscription{
		C:      make(chan dto.LiveEvent, subscriptionBuffer),
		router: rt,
		kind:   kind,
		key:    key,
	}
	rt.mu.Lock()
	set, ok := rt.subs[kind][key]
	if !ok {
		set = make(map[*Subscription]bool)
		rt.subs[kind][key] = set
	}
	set[sub] = true
	rt.mu.Unlock()
	return sub
}

func (rt *Router) unsubscribe(sub *Subscription) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	sub.closed = true
	if set, ok := rt.subs[sub.kind][sub.key]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(rt.subs[sub.kind], sub.key)
		}
	}
}

// ToMechanic returns how many subscriptions received the event so the
// dispatcher can treat an unreachable mechanic as an undelivered offer.
func (rt *Router) ToMechanic(mechanicID string, ev dto.LiveEvent) int {
	return rt.fanOut(subMechanic, mechanicID, ev)
}

func (rt *Router) ToUser(userID string, ev dto.LiveEvent) int {
	return rt.fanOut(subUser, userID, ev)
}

func (rt *Router) ToRoom(requestID string, ev dto.LiveEvent) int {
	return rt.fanOut(subRoom, requestID, ev)
}

// BroadcastPosition pushes a position into the request room, capped at
// one update per mechanic per interval. Excess updates are dropped, not
// queued, and nothing is persisted.
func (rt *Router) BroadcastPosition(requestID, mechanicID string, pos model.Location) bool {
	now := rt.now()

	rt.posMu.Lock()
	last, seen := rt.lastPos[mechanicID]
	if seen && now.Sub(last) < rt.minPosInterval {
		rt.posMu.Unlock()
		return false
	}
	rt.lastPos[mechanicID] = now
	rt.posMu.Unlock()

	rt.fanOut(subRoom, requestID, dto.LiveEvent{
		RequestID: requestID,
		Type:      dto.LiveMechanicPositionUpdate,
		Payload: model.MustPayload(dto.PositionPayload{
			MechanicID:  mechanicID,
			Coordinates: [2]float64{pos.Longitude, pos.Latitude},
		}),
		Ts: now,
	})
	return true
}

func (rt *Router) fanOut(kind subKind, key string, ev dto.LiveEvent) int {
	rt.mu.RLock()
	set := rt.subs[kind][key]
	targets := make([]*Subscription, 0, len(set))
	for sub := range set {
		targets = append(targets, sub)
	}
	rt.mu.RUnlock()

	for _, sub := range targets {
		rt.deliver(sub, ev)
	}
	return len(targets)
}

// deliver sends under the read lock. Sends are non-blocking, and Close
// needs the write lock to mark the subscription closed, so a send can
// never hit a closed channel.
func (rt *Router) deliver(sub *Subscription, ev dto.LiveEvent) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	if sub.closed {
		return
	}
	select {
	case sub.C <- ev:
	default:
		// full buffer: drop; the client re-syncs via replay on reconnect
		rt.log.Warn("subscription lagging, event dropped",
			"key", sub.key, "type", ev.Type, "seq", ev.Seq)
	}
}

// SetClock overrides the router clock. Tests only.
func (rt *Router) SetClock(now func() time.Time) {
	rt.now = now
}

// LiveFromEvent maps a persisted event to its public live form. Offer
// bookkeeping that has no public name (rejections, timeouts) stays
// internal.
func LiveFromEvent(e model.Event) (dto.LiveEvent, bool) {
	var typ string
	switch e.Type {
	case model.EventOfferMade:
		typ = dto.LiveOfferMade
	case model.EventOfferSuperseded:
		typ = dto.LiveOfferWithdrawn
	case model.EventOfferAccepted, model.EventStatusChanged:
		typ = dto.LiveRequestStatusChanged
	case model.EventRequestCancelled:
		typ = dto.LiveRequestCancelled
	case model.EventRequestCompleted:
		typ = dto.LiveRequestCompleted
	case model.EventRequestExpired:
		typ = dto.LiveRequestExpired
	default:
		return dto.LiveEvent{}, false
	}
	return dto.LiveEvent{
		RequestID: e.RequestID,
		Seq:       e.Seq,
		Type:      typ,
		Payload:   e.Payload,
		Ts:        e.At,
	}, true
}
