package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"roadside/internal/config"
	"roadside/internal/dispatch-service/core/domain/dto"
	"roadside/internal/dispatch-service/core/domain/model"
	"roadside/internal/dispatch-service/core/myerrors"
	"roadside/internal/mylogger"
)

const (
	candidateLimit = 10
	tickEvery      = time.Second
)

// dispatchState is the in-memory view of one request's dispatch cycle.
// The offers in it exist nowhere else. Every read or mutation of it
// happens while holding the request's partition; only the active map
// entry itself is guarded by the dispatcher mutex.
type dispatchState struct {
	requestID string
	userID    string
	pickup    model.Location
	priority  model.Priority
	startedAt time.Time
	deadline  time.Time
	waves     [][]Candidate
	waveIndex int
	offers    map[string]*model.Offer // keyed by mechanic id
}

func (st *dispatchState) currentWaveResolved() bool {
	if st.waveIndex >= len(st.waves) {
		return true
	}
	for _, c := range st.waves[st.waveIndex] {
		if o, ok := st.offers[c.MechanicID]; ok && !o.Resolved() {
			return false
		}
	}
	return true
}

// Dispatcher turns a fresh request into a ranked candidate list and
// drives offer waves until a mechanic accepts or the cycle exhausts.
type Dispatcher struct {
	geo    *GeoQuery
	engine *Engine
	gov    *Governor
	idx    *PresenceIndex
	router *Router
	log    mylogger.Logger

	defaultRadiusM float64
	maxRadiusM     float64
	ackTimeout     time.Duration
	exhaustTimeout time.Duration
	waveSize       int

	mu     sync.Mutex
	active map[string]*dispatchState

	now    func() time.Time
	stopCh chan struct{}
	doneCh chan struct{}
}

func NewDispatcher(
	cfg *config.Dispatchconfig,
	geo *GeoQuery,
	engine *Engine,
	gov *Governor,
	idx *PresenceIndex,
	router *Router,
	log mylogger.Logger,
) *Dispatcher {
	return &Dispatcher{
		geo:            geo,
		engine:         engine,
		gov:            gov,
		idx:            idx,
		router:         router,
		log:            log,
		defaultRadiusM: cfg.DefaultRadiusM,
		maxRadiusM:     cfg.MaxRadiusM,
		ackTimeout:     cfg.OfferAckTimeout,
		exhaustTimeout: cfg.OfferExhaustedTimeout,
		waveSize:       cfg.WaveSize,
		active:         make(map[string]*dispatchState),
		now:            time.Now,
	}
}

// Start launches the 1 s tick loop that wakes idle partitions to
// evaluate offer and exhaustion timers.
func (d *Dispatcher) Start(ctx context.Context) {
	d.stopCh = make(chan struct{})
	d.doneCh = make(chan struct{})
	go func() {
		defer close(d.doneCh)
		t := time.NewTicker(tickEvery)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				d.Tick(ctx)
			case <-d.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (d *Dispatcher) Stop() {
	if d.stopCh != nil {
		close(d.stopCh)
		<-d.doneCh
	}
}

// Dispatch starts the offer cycle for a freshly created request. With a
// direct-dispatch target the candidate list is that single mechanic;
// otherwise the geo index is queried at the default radius, doubling twice when
// empty. No candidates at the widest radius expires the request
// immediately.
func (d *Dispatcher) Dispatch(ctx context.Context, r model.Request, targetMechanic string) error {
	candidates, err := d.findCandidates(r, targetMechanic)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		d.log.Action("dispatch").Info("no candidates, expiring", "request_id", r.ID)
		return d.expire(ctx, r.ID)
	}

	now := d.now()
	st := &dispatchState{
		requestID: r.ID,
		userID:    r.UserID,
		pickup:    r.Pickup,
		priority:  r.Priority,
		startedAt: now,
		deadline:  now.Add(d.exhaustTimeout),
		waves:     partitionWaves(candidates, d.waveFor(r.Priority)),
		offers:    make(map[string]*model.Offer),
	}

	d.mu.Lock()
	d.active[r.ID] = st
	d.mu.Unlock()

	return d.engine.parts.Do(r.ID, func() error {
		return d.offerWave(ctx, st)
	})
}

// Recover rebuilds dispatch cycles for OPEN/OFFERED requests after a
// cold start. Deadlines derive from the persisted timeline, not the
// restart instant, and deterministic offer ids keep re-offers from
// duplicating pending offers on the mechanics' side.
func (d *Dispatcher) Recover(ctx context.Context) error {
	activeReqs, err := d.engine.requests.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("%w: list active requests: %v", myerrors.ErrUnavailable, err)
	}
	recovered := 0
	for _, r := range activeReqs {
		if r.State != model.StateOpen && r.State != model.StateOffered {
			continue
		}
		createdAt, ok := r.EnteredAt(model.StateOpen)
		if !ok {
			createdAt = r.CreatedAt
		}
		if !d.now().Before(createdAt.Add(d.exhaustTimeout)) {
			if err := d.expire(ctx, r.ID); err != nil {
				d.log.Warn("recovery expire failed", "request_id", r.ID)
			}
			continue
		}
		candidates, err := d.findCandidates(r, "")
		if err != nil || len(candidates) == 0 {
			continue
		}
		st := &dispatchState{
			requestID: r.ID,
			userID:    r.UserID,
			pickup:    r.Pickup,
			priority:  r.Priority,
			startedAt: createdAt,
			deadline:  createdAt.Add(d.exhaustTimeout),
			waves:     partitionWaves(candidates, d.waveFor(r.Priority)),
			offers:    make(map[string]*model.Offer),
		}
		d.mu.Lock()
		d.active[r.ID] = st
		d.mu.Unlock()
		err = d.engine.parts.Do(r.ID, func() error {
			return d.offerWave(ctx, st)
		})
		if err != nil {
			d.log.Warn("recovery offer wave failed", "request_id", r.ID)
			continue
		}
		recovered++
	}
	d.log.Action("dispatch_recover").Info("dispatch cycles recovered", "count", recovered)
	return nil
}

// Accept resolves a mechanic's acceptance. At most one acceptance wins
// per request; losers get StatePrecondition and their pending offers are
// superseded.
func (d *Dispatcher) Accept(ctx context.Context, mechanicID, requestID string) (model.Request, error) {
	d.mu.Lock()
	st, ok := d.active[requestID]
	d.mu.Unlock()
	if !ok {
		return model.Request{}, fmt.Errorf("%w: no dispatch in progress for request %s", myerrors.ErrStatePrecondition, requestID)
	}

	var r model.Request
	err := d.engine.parts.Do(requestID, func() error {
		offer, ok := st.offers[mechanicID]
		if !ok {
			return fmt.Errorf("%w: request was not offered to this mechanic", myerrors.ErrAuthorizationDenied)
		}
		if offer.Resolved() {
			return fmt.Errorf("%w: offer already %s", myerrors.ErrStatePrecondition, offer.Status)
		}
		if offer.Expired(d.now()) {
			return fmt.Errorf("%w: offer expired", myerrors.ErrStatePrecondition)
		}

		// one live request per (user, mechanic) pair; resolve the offer
		// so the wave moves on without this mechanic
		dup, err := d.engine.requests.HasActivePair(ctx, st.userID, mechanicID)
		if err != nil {
			return fmt.Errorf("%w: pair lookup: %v", myerrors.ErrUnavailable, err)
		}
		if dup {
			if rerr := d.rejectOffer(ctx, st, offer, model.SystemActor, "mechanic already serving this user"); rerr != nil {
				d.log.Warn("record pair rejection failed", "request_id", requestID, "mechanic_id", mechanicID)
			}
			if aerr := d.advanceIfResolved(ctx, st); aerr != nil {
				d.log.Warn("wave advance failed", "request_id", requestID)
			}
			return fmt.Errorf("%w: mechanic already has an active request with this user", myerrors.ErrStatePrecondition)
		}

		if err := d.gov.MayAccept(mechanicID); err != nil {
			return err
		}
		// Reserve before the append so the capacity invariant can never be
		// outrun by a concurrent acceptance on another request.
		if err := d.idx.ReserveJob(mechanicID); err != nil {
			return err
		}

		r, err = d.engine.applyLocked(ctx, requestID, func(cur model.Request) (model.Event, error) {
			if cur.State != model.StateOffered {
				return model.Event{}, fmt.Errorf("%w: request is %s", myerrors.ErrStatePrecondition, cur.State)
			}
			return model.Event{
				Actor: model.Actor{ID: mechanicID, Role: model.RoleMechanic},
				Type:  model.EventOfferAccepted,
				Payload: model.MustPayload(model.OfferPayload{
					OfferID:    offer.ID,
					MechanicID: mechanicID,
					Wave:       offer.Wave,
					Rank:       offer.Rank,
				}),
			}, nil
		})
		if err != nil {
			d.idx.ReleaseJob(mechanicID)
			return err
		}

		offer.Status = model.OfferAccepted
		d.supersedeSiblings(ctx, st, mechanicID)

		d.mu.Lock()
		delete(d.active, requestID)
		d.mu.Unlock()

		d.log.Action("offer_accepted").Info("request assigned",
			"request_id", requestID, "mechanic_id", mechanicID, "wave", offer.Wave)
		return nil
	})
	return r, err
}

// Reject resolves a mechanic's rejection and advances the wave when it
// is the last unresolved offer.
func (d *Dispatcher) Reject(ctx context.Context, mechanicID, requestID, reason string) error {
	d.mu.Lock()
	st, ok := d.active[requestID]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: no dispatch in progress for request %s", myerrors.ErrStatePrecondition, requestID)
	}
	return d.engine.parts.Do(requestID, func() error {
		offer, ok := st.offers[mechanicID]
		if !ok {
			return fmt.Errorf("%w: request was not offered to this mechanic", myerrors.ErrAuthorizationDenied)
		}
		if offer.Resolved() {
			return fmt.Errorf("%w: offer already %s", myerrors.ErrStatePrecondition, offer.Status)
		}
		actor := model.Actor{ID: mechanicID, Role: model.RoleMechanic}
		if err := d.rejectOffer(ctx, st, offer, actor, reason); err != nil {
			return err
		}
		return d.advanceIfResolved(ctx, st)
	})
}

// rejectOffer appends OfferRejected and resolves the offer only once the
// append landed; a storage failure leaves it pending for a retry.
func (d *Dispatcher) rejectOffer(ctx context.Context, st *dispatchState, offer *model.Offer, actor model.Actor, reason string) error {
	_, err := d.engine.applyLocked(ctx, st.requestID, func(cur model.Request) (model.Event, error) {
		if cur.State.Terminal() {
			return model.Event{}, fmt.Errorf("%w: request is %s", myerrors.ErrTerminal, cur.State)
		}
		return model.Event{
			Actor: actor,
			Type:  model.EventOfferRejected,
			Payload: model.MustPayload(model.OfferPayload{
				OfferID:    offer.ID,
				MechanicID: offer.MechanicID,
				Wave:       offer.Wave,
				Rank:       offer.Rank,
				Reason:     reason,
			}),
		}, nil
	})
	if err != nil {
		return err
	}
	offer.Status = model.OfferRejected
	return nil
}

// Abort tears down the dispatch cycle after a cancellation or failure
// landed in the log. Pending offers are withdrawn live only; the request
// is already terminal, so nothing more is appended. Called from the
// engine's side effects, which already hold the request's partition.
func (d *Dispatcher) Abort(requestID string) {
	d.mu.Lock()
	st, ok := d.active[requestID]
	if ok {
		delete(d.active, requestID)
	}
	d.mu.Unlock()
	if !ok {
		return
	}

	for _, o := range st.offers {
		if o.Resolved() {
			continue
		}
		o.Status = model.OfferSuperseded
		d.withdrawLive(st, o)
	}
}

// Tick wakes every active dispatch cycle: times out overdue offers,
// advances waves, and expires exhausted cycles. Driven by the 1 s loop
// and safe to call directly (tests, event-append wakeups).
func (d *Dispatcher) Tick(ctx context.Context) {
	d.mu.Lock()
	states := make([]*dispatchState, 0, len(d.active))
	for _, st := range d.active {
		states = append(states, st)
	}
	d.mu.Unlock()

	for _, st := range states {
		err := d.engine.parts.Do(st.requestID, func() error {
			now := d.now()
			if !now.Before(st.deadline) {
				d.exhaust(ctx, st)
				return nil
			}
			d.timeOutOverdue(ctx, st, now)
			return d.advanceIfResolved(ctx, st)
		})
		if err != nil {
			d.log.Warn("wave advance failed", "request_id", st.requestID)
		}
	}
}

// PendingOffers reports the live offer count, for the operator overview.
func (d *Dispatcher) PendingOffers() (dispatches, pending int) {
	d.mu.Lock()
	states := make([]*dispatchState, 0, len(d.active))
	for _, st := range d.active {
		states = append(states, st)
	}
	d.mu.Unlock()

	for _, st := range states {
		dispatches++
		_ = d.engine.parts.Do(st.requestID, func() error {
			for _, o := range st.offers {
				if !o.Resolved() {
					pending++
				}
			}
			return nil
		})
	}
	return dispatches, pending
}

func (d *Dispatcher) findCandidates(r model.Request, targetMechanic string) ([]Candidate, error) {
	if targetMechanic != "" {
		p, fresh, err := d.idx.Snapshot(targetMechanic)
		if err != nil {
			return nil, err
		}
		if !fresh || !p.Verified || !p.Available || p.CapacityRemaining() == 0 || !p.HasVehicleType(r.VehicleType) {
			return nil, nil
		}
		dist := model.HaversineM(r.Pickup, p.Position)
		reach := d.maxRadiusM
		if p.ServiceRadiusM > 0 && p.ServiceRadiusM < reach {
			reach = p.ServiceRadiusM
		}
		if dist > reach {
			return nil, nil
		}
		return []Candidate{{
			MechanicID:        p.MechanicID,
			DistanceM:         dist,
			Available:         p.Available,
			Rating:            p.Rating,
			CapacityRemaining: p.CapacityRemaining(),
		}}, nil
	}

	filter := GeoFilter{VehicleType: r.VehicleType, Skill: r.ProblemType}
	radius := d.defaultRadiusM
	for {
		candidates, err := d.geo.Nearest(r.Pickup, radius, filter, candidateLimit)
		if err != nil {
			return nil, err
		}
		if len(candidates) > 0 {
			return candidates, nil
		}
		if radius >= d.maxRadiusM {
			return nil, nil
		}
		radius *= 2
		if radius > d.maxRadiusM {
			radius = d.maxRadiusM
		}
	}
}

// waveFor: emergency offers everyone at once, low trickles one at a
// time, everything else uses the configured wave size.
func (d *Dispatcher) waveFor(p model.Priority) int {
	switch p {
	case model.PriorityEmergency:
		return candidateLimit
	case model.PriorityLow:
		return 1
	}
	return d.waveSize
}

func partitionWaves(candidates []Candidate, waveSize int) [][]Candidate {
	if waveSize < 1 {
		waveSize = 1
	}
	var waves [][]Candidate
	for start := 0; start < len(candidates); start += waveSize {
		end := start + waveSize
		if end > len(candidates) {
			end = len(candidates)
		}
		waves = append(waves, candidates[start:end])
	}
	return waves
}

// offerWave creates a PENDING offer per candidate of the current wave,
// appends OfferMade and pushes the offer to each mechanic's inbox.
func (d *Dispatcher) offerWave(ctx context.Context, st *dispatchState) error {
	wave := st.waves[st.waveIndex]
	expiresAt := d.now().Add(d.ackTimeout)

	for i, c := range wave {
		offer := &model.Offer{
			ID:         model.OfferID(st.requestID, c.MechanicID, st.waveIndex),
			RequestID:  st.requestID,
			MechanicID: c.MechanicID,
			Wave:       st.waveIndex,
			Rank:       st.waveIndex*len(wave) + i,
			ExpiresAt:  expiresAt,
			Status:     model.OfferPending,
		}
		if existing, ok := st.offers[c.MechanicID]; ok && !existing.Resolved() {
			continue // replay produced this slot already
		}
		st.offers[c.MechanicID] = offer

		payload := model.MustPayload(model.OfferPayload{
			OfferID:    offer.ID,
			MechanicID: c.MechanicID,
			Wave:       offer.Wave,
			Rank:       offer.Rank,
			DistanceM:  c.DistanceM,
			ExpiresAt:  offer.ExpiresAt,
		})

		_, err := d.engine.applyLocked(ctx, st.requestID, func(cur model.Request) (model.Event, error) {
			if cur.State != model.StateOpen && cur.State != model.StateOffered {
				return model.Event{}, fmt.Errorf("%w: request is %s", myerrors.ErrStatePrecondition, cur.State)
			}
			return model.Event{
				Actor:   model.SystemActor,
				Type:    model.EventOfferMade,
				Payload: payload,
			}, nil
		})
		if err != nil {
			// StatePrecondition here means the request left dispatch under
			// us (accept or cancel); stop offering.
			return nil
		}

		delivered := d.router.ToMechanic(c.MechanicID, dto.LiveEvent{
			RequestID: st.requestID,
			Type:      dto.LiveOfferMade,
			Payload:   payload,
			Ts:        d.now(),
		})
		if delivered == 0 {
			// unreachable mechanic: resolve the offer early instead of
			// burning the full ack window on it
			offer.Status = model.OfferTimedOut
			d.log.Warn("offer undeliverable, timed out early",
				"request_id", st.requestID, "mechanic_id", c.MechanicID)
		}
	}
	return nil
}

func (d *Dispatcher) timeOutOverdue(ctx context.Context, st *dispatchState, now time.Time) {
	for _, o := range st.offers {
		if o.Resolved() || !o.Expired(now) {
			continue
		}
		o.Status = model.OfferTimedOut
		offer := o
		_, err := d.engine.applyLocked(ctx, st.requestID, func(cur model.Request) (model.Event, error) {
			if cur.State.Terminal() {
				return model.Event{}, fmt.Errorf("%w: request is %s", myerrors.ErrTerminal, cur.State)
			}
			return model.Event{
				Actor: model.SystemActor,
				Type:  model.EventOfferTimedOut,
				Payload: model.MustPayload(model.OfferPayload{
					OfferID:    offer.ID,
					MechanicID: offer.MechanicID,
					Wave:       offer.Wave,
					Rank:       offer.Rank,
				}),
			}, nil
		})
		if err != nil {
			d.log.Warn("record offer timeout failed", "request_id", st.requestID, "mechanic_id", o.MechanicID)
		}
		d.withdrawLive(st, o)
	}
}

// advanceIfResolved moves to the next wave once every offer of the
// current one is resolved, or expires the cycle when none remain.
func (d *Dispatcher) advanceIfResolved(ctx context.Context, st *dispatchState) error {
	d.mu.Lock()
	_, stillActive := d.active[st.requestID]
	d.mu.Unlock()
	if !stillActive || !st.currentWaveResolved() {
		return nil
	}

	if st.waveIndex+1 < len(st.waves) {
		// back to OPEN for re-dispatch, then offer the next wave
		_, err := d.engine.applyLocked(ctx, st.requestID, func(cur model.Request) (model.Event, error) {
			if cur.State != model.StateOffered {
				return model.Event{}, fmt.Errorf("%w: request is %s", myerrors.ErrStatePrecondition, cur.State)
			}
			return model.Event{
				Actor:   model.SystemActor,
				Type:    model.EventStatusChanged,
				Payload: model.MustPayload(model.StatusPayload{From: model.StateOffered, To: model.StateOpen}),
			}, nil
		})
		if err != nil {
			return nil
		}
		st.waveIndex++
		return d.offerWave(ctx, st)
	}

	d.exhaust(ctx, st)
	return nil
}

// exhaust ends the cycle without an assignment.
func (d *Dispatcher) exhaust(ctx context.Context, st *dispatchState) {
	d.mu.Lock()
	_, stillActive := d.active[st.requestID]
	if stillActive {
		delete(d.active, st.requestID)
	}
	d.mu.Unlock()
	if !stillActive {
		return
	}

	for _, o := range st.offers {
		if !o.Resolved() {
			o.Status = model.OfferTimedOut
			d.withdrawLive(st, o)
		}
	}
	if _, err := d.engine.applyLocked(ctx, st.requestID, expireDecision); err != nil {
		d.log.Warn("expire failed", "request_id", st.requestID)
	}
}

// expire is the unpartitioned variant, for requests that never entered
// the active map.
func (d *Dispatcher) expire(ctx context.Context, requestID string) error {
	_, err := d.engine.apply(ctx, requestID, expireDecision)
	return err
}

func expireDecision(cur model.Request) (model.Event, error) {
	if cur.State != model.StateOpen && cur.State != model.StateOffered {
		return model.Event{}, fmt.Errorf("%w: request is %s", myerrors.ErrStatePrecondition, cur.State)
	}
	return model.Event{
		Actor: model.SystemActor,
		Type:  model.EventRequestExpired,
	}, nil
}

// supersedeSiblings resolves every other PENDING offer after an
// acceptance and tells those mechanics the offer is gone.
func (d *Dispatcher) supersedeSiblings(ctx context.Context, st *dispatchState, winner string) {
	for _, o := range st.offers {
		if o.MechanicID == winner || o.Resolved() {
			continue
		}
		o.Status = model.OfferSuperseded
		offer := o
		_, err := d.engine.applyLocked(ctx, st.requestID, func(cur model.Request) (model.Event, error) {
			return model.Event{
				Actor: model.SystemActor,
				Type:  model.EventOfferSuperseded,
				Payload: model.MustPayload(model.OfferPayload{
					OfferID:    offer.ID,
					MechanicID: offer.MechanicID,
					Wave:       offer.Wave,
					Rank:       offer.Rank,
				}),
			}, nil
		})
		if err != nil {
			d.log.Warn("record supersede failed", "request_id", st.requestID, "mechanic_id", o.MechanicID)
		}
		d.withdrawLive(st, o)
	}
}

func (d *Dispatcher) withdrawLive(st *dispatchState, o *model.Offer) {
	d.router.ToMechanic(o.MechanicID, dto.LiveEvent{
		RequestID: st.requestID,
		Type:      dto.LiveOfferWithdrawn,
		Payload: model.MustPayload(model.OfferPayload{
			OfferID:    o.ID,
			MechanicID: o.MechanicID,
			Wave:       o.Wave,
			Rank:       o.Rank,
		}),
		Ts: d.now(),
	})
}

// SetClock overrides the dispatcher clock. Tests only.
func (d *Dispatcher) SetClock(now func() time.Time) {
	d.now = now
}
