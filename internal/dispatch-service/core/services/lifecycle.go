package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"roadside/internal/config"
	"roadside/internal/dispatch-service/core/domain/model"
	"roadside/internal/dispatch-service/core/myerrors"
	"roadside/internal/dispatch-service/core/ports"
	"roadside/internal/mylogger"
)

var staleConflictBackoff = []time.Duration{
	50 * time.Millisecond,
	100 * time.Millisecond,
	200 * time.Millisecond,
}

// Engine is the request lifecycle authority. Every transition goes
// through one path: load the log, fold, authorize, check the
// precondition, compare-and-append, project. Losers of the append race
// get StaleConflict and are retried with backoff inside the same
// partition before the error surfaces.
type Engine struct {
	store    ports.IEventStore
	requests ports.IRequestRepo
	idx      *PresenceIndex
	gov      *Governor
	router   *Router
	broker   ports.ISettlementBroker
	parts    *partitionSet

	// dispatcher is attached after construction; it owns offer cleanup
	// when a cancellation lands mid-dispatch.
	dispatcher *Dispatcher

	ratingGrace time.Duration
	log         mylogger.Logger
	now         func() time.Time
	sleep       func(time.Duration)
}

func NewEngine(
	cfg *config.Dispatchconfig,
	store ports.IEventStore,
	requests ports.IRequestRepo,
	idx *PresenceIndex,
	gov *Governor,
	router *Router,
	broker ports.ISettlementBroker,
	log mylogger.Logger,
) *Engine {
	return &Engine{
		store:       store,
		requests:    requests,
		idx:         idx,
		gov:         gov,
		router:      router,
		broker:      broker,
		parts:       newPartitionSet(),
		ratingGrace: cfg.RatingGrace,
		log:         log,
		now:         time.Now,
		sleep:       time.Sleep,
	}
}

// AttachDispatcher wires the dispatcher for offer cleanup on
// cancellation. Called once during service start.
func (en *Engine) AttachDispatcher(d *Dispatcher) {
	en.dispatcher = d
}

// CreateParams carries the validated fields of a new request.
type CreateParams struct {
	VehicleType   string
	ProblemType   string
	Description   string
	Pickup        model.Location
	PickupAddress string
	Priority      model.Priority
	EstimatedCost float64
	MechanicID    string // optional direct-dispatch target
}

// Create opens a new request in OPEN and appends RequestCreated. The
// caller hands the result to the dispatcher.
func (en *Engine) Create(ctx context.Context, actor model.Actor, p CreateParams) (model.Request, error) {
	if actor.Role != model.RoleUser {
		return model.Request{}, fmt.Errorf("%w: only users create requests", myerrors.ErrAuthorizationDenied)
	}
	if err := validateCreate(p); err != nil {
		return model.Request{}, err
	}
	// creates for one user are serialized so the active-request cap
	// stays exact under concurrent submissions
	var r model.Request
	err := en.parts.Do("user/"+actor.ID, func() error {
		if err := en.gov.MayCreateRequest(ctx, actor.ID); err != nil {
			return err
		}
		if p.MechanicID != "" {
			dup, err := en.requests.HasActivePair(ctx, actor.ID, p.MechanicID)
			if err != nil {
				return fmt.Errorf("%w: pair lookup: %v", myerrors.ErrUnavailable, err)
			}
			if dup {
				return fmt.Errorf("%w: active request with this mechanic already exists", myerrors.ErrCapacityExceeded)
			}
		}

		requestID := uuid.NewString()
		ev := model.Event{
			Seq:       1,
			RequestID: requestID,
			Actor:     actor,
			Type:      model.EventRequestCreated,
			Payload: model.MustPayload(model.CreatedPayload{
				UserID:        actor.ID,
				VehicleType:   p.VehicleType,
				ProblemType:   p.ProblemType,
				Description:   p.Description,
				Pickup:        p.Pickup,
				PickupAddress: p.PickupAddress,
				Priority:      p.Priority,
				EstimatedCost: p.EstimatedCost,
			}),
			At: en.now(),
		}

		if _, err := en.store.Append(ctx, requestID, 0, ev); err != nil {
			return fmt.Errorf("%w: append RequestCreated: %v", myerrors.ErrUnavailable, err)
		}
		if err := model.Apply(&r, ev); err != nil {
			return err
		}
		if err := en.requests.Save(ctx, r); err != nil {
			en.log.Error("save projection after create", err, "request_id", requestID)
		}
		en.publish(r, ev)
		return nil
	})
	if err != nil {
		return model.Request{}, err
	}
	return r, nil
}

// Get folds the event log; the projection repo is only a query cache.
func (en *Engine) Get(ctx context.Context, requestID string) (model.Request, error) {
	events, err := en.store.Read(ctx, requestID, 0)
	if err != nil {
		return model.Request{}, fmt.Errorf("%w: read log: %v", myerrors.ErrUnavailable, err)
	}
	if len(events) == 0 {
		return model.Request{}, fmt.Errorf("%w: request %s", myerrors.ErrNotFound, requestID)
	}
	return model.Replay(events)
}

// Events exposes the replay API for client recovery.
func (en *Engine) Events(ctx context.Context, requestID string, sinceSeq uint64) ([]model.Event, error) {
	events, err := en.store.Read(ctx, requestID, sinceSeq)
	if err != nil {
		return nil, fmt.Errorf("%w: read log: %v", myerrors.ErrUnavailable, err)
	}
	if sinceSeq == 0 && len(events) == 0 {
		return nil, fmt.Errorf("%w: request %s", myerrors.ErrNotFound, requestID)
	}
	return events, nil
}

// UpdateStatus drives the mechanic-side lifecycle:
// ACCEPTED→EN_ROUTE→ARRIVED→WORKING→COMPLETED.
func (en *Engine) UpdateStatus(ctx context.Context, actor model.Actor, requestID string, to model.State, actualCost *float64) (model.Request, error) {
	return en.apply(ctx, requestID, func(cur model.Request) (model.Event, error) {
		if cur.State.Terminal() {
			return model.Event{}, fmt.Errorf("%w: request is %s", myerrors.ErrTerminal, cur.State)
		}
		if actor.Role != model.RoleMechanic || actor.ID != cur.MechanicID {
			return model.Event{}, fmt.Errorf("%w: not the assigned mechanic", myerrors.ErrAuthorizationDenied)
		}
		if !mechanicStep(cur.State, to) {
			return model.Event{}, fmt.Errorf("%w: %s -> %s not allowed", myerrors.ErrStatePrecondition, cur.State, to)
		}
		if to == model.StateCompleted {
			if actualCost == nil {
				return model.Event{}, fmt.Errorf("%w: actual cost required to complete", myerrors.ErrInvalidInput)
			}
			return model.Event{
				Actor:   actor,
				Type:    model.EventRequestCompleted,
				Payload: model.MustPayload(model.CompletedPayload{ActualCost: *actualCost}),
			}, nil
		}
		return model.Event{
			Actor:   actor,
			Type:    model.EventStatusChanged,
			Payload: model.MustPayload(model.StatusPayload{From: cur.State, To: to}),
		}, nil
	})
}

// Cancel aborts a non-terminal request. Everyone involved may cancel;
// a reason is mandatory. Outstanding offers are withdrawn and reserved
// capacity is released.
func (en *Engine) Cancel(ctx context.Context, actor model.Actor, requestID, reason string) (model.Request, error) {
	if reason == "" {
		return model.Request{}, fmt.Errorf("%w: cancellation reason required", myerrors.ErrInvalidInput)
	}
	return en.apply(ctx, requestID, func(cur model.Request) (model.Event, error) {
		if cur.State.Terminal() {
			return model.Event{}, fmt.Errorf("%w: request is %s", myerrors.ErrTerminal, cur.State)
		}
		switch actor.Role {
		case model.RoleAdmin, model.RoleSystem:
		case model.RoleUser:
			if actor.ID != cur.UserID {
				return model.Event{}, fmt.Errorf("%w: not the requesting user", myerrors.ErrAuthorizationDenied)
			}
		case model.RoleMechanic:
			if actor.ID != cur.MechanicID {
				return model.Event{}, fmt.Errorf("%w: not the assigned mechanic", myerrors.ErrAuthorizationDenied)
			}
		default:
			return model.Event{}, fmt.Errorf("%w: unknown role", myerrors.ErrAuthorizationDenied)
		}
		return model.Event{
			Actor:   actor,
			Type:    model.EventRequestCancelled,
			Payload: model.MustPayload(model.CancelPayload{Reason: reason}),
		}, nil
	})
}

// Fail marks a request FAILED after unrecoverable errors.
func (en *Engine) Fail(ctx context.Context, requestID, reason string) (model.Request, error) {
	return en.apply(ctx, requestID, func(cur model.Request) (model.Event, error) {
		if cur.State.Terminal() {
			return model.Event{}, fmt.Errorf("%w: request is %s", myerrors.ErrTerminal, cur.State)
		}
		return model.Event{
			Actor:   model.SystemActor,
			Type:    model.EventRequestFailed,
			Payload: model.MustPayload(model.FailedPayload{Reason: reason}),
		}, nil
	})
}

// AttachRating records the user's rating on a completed request within
// the grace window. The only mutation a terminal request accepts.
func (en *Engine) AttachRating(ctx context.Context, actor model.Actor, requestID string, rating int) (model.Request, error) {
	if rating < 1 || rating > 5 {
		return model.Request{}, fmt.Errorf("%w: rating must be 1..5", myerrors.ErrInvalidInput)
	}
	return en.apply(ctx, requestID, func(cur model.Request) (model.Event, error) {
		if cur.State != model.StateCompleted {
			return model.Event{}, fmt.Errorf("%w: rating requires a completed request", myerrors.ErrStatePrecondition)
		}
		if actor.Role != model.RoleUser || actor.ID != cur.UserID {
			return model.Event{}, fmt.Errorf("%w: not the requesting user", myerrors.ErrAuthorizationDenied)
		}
		if cur.HasRating {
			return model.Event{}, fmt.Errorf("%w: rating already attached", myerrors.ErrStatePrecondition)
		}
		completedAt, _ := cur.EnteredAt(model.StateCompleted)
		if en.now().Sub(completedAt) > en.ratingGrace {
			return model.Event{}, fmt.Errorf("%w: rating window closed", myerrors.ErrStatePrecondition)
		}
		return model.Event{
			Actor:   actor,
			Type:    model.EventRatingAttached,
			Payload: model.MustPayload(model.RatingPayload{Rating: rating}),
		}, nil
	})
}

// StreamPosition relays a mechanic heartbeat into the live room of each
// request the mechanic is currently driving to (EN_ROUTE only; position
// streaming stops on arrival).
func (en *Engine) StreamPosition(ctx context.Context, mechanicID string, pos model.Location) {
	active, err := en.requests.ListActiveByMechanic(ctx, mechanicID)
	if err != nil {
		en.log.Warn("position relay lookup failed", "mechanic_id", mechanicID)
		return
	}
	for _, r := range active {
		if r.State == model.StateEnRoute {
			en.router.BroadcastPosition(r.ID, mechanicID, pos)
		}
	}
}

// apply is the single authoritative transition path. decide inspects the
// folded state and returns the event to append, or an error that leaves
// the request untouched.
func (en *Engine) apply(ctx context.Context, requestID string, decide func(cur model.Request) (model.Event, error)) (model.Request, error) {
	var out model.Request
	err := en.parts.Do(requestID, func() error {
		var err error
		out, err = en.applyLocked(ctx, requestID, decide)
		return err
	})
	return out, err
}

// applyLocked runs one transition. The caller must already hold the
// request's partition; the dispatcher uses this to resolve offers and
// append under the same lock.
func (en *Engine) applyLocked(ctx context.Context, requestID string, decide func(cur model.Request) (model.Event, error)) (model.Request, error) {
	for attempt := 0; ; attempt++ {
		events, err := en.store.Read(ctx, requestID, 0)
		if err != nil {
			return model.Request{}, fmt.Errorf("%w: read log: %v", myerrors.ErrUnavailable, err)
		}
		if len(events) == 0 {
			return model.Request{}, fmt.Errorf("%w: request %s", myerrors.ErrNotFound, requestID)
		}
		cur, err := model.Replay(events)
		if err != nil {
			return model.Request{}, err
		}

		ev, err := decide(cur)
		if err != nil {
			return cur, err
		}
		ev.Seq = cur.Seq + 1
		ev.RequestID = requestID
		ev.At = en.now()

		_, err = en.store.Append(ctx, requestID, cur.Seq, ev)
		if errors.Is(err, myerrors.ErrStaleConflict) {
			if attempt < len(staleConflictBackoff) {
				en.sleep(staleConflictBackoff[attempt])
				continue
			}
			return cur, err
		}
		if err != nil {
			return cur, fmt.Errorf("%w: append event: %v", myerrors.ErrUnavailable, err)
		}

		next := cur
		if err := model.Apply(&next, ev); err != nil {
			return next, err
		}
		if err := en.requests.Save(ctx, next); err != nil {
			en.log.Error("save projection", err, "request_id", requestID, "seq", next.Seq)
		}
		en.sideEffects(cur, next, ev)
		en.publish(next, ev)
		return next, nil
	}
}

// sideEffects runs after a successful append: capacity release on exit
// from assigned states, offer cleanup on cancellation, settlement on
// completion.
func (en *Engine) sideEffects(prev, next model.Request, ev model.Event) {
	switch ev.Type {
	case model.EventRequestCancelled, model.EventRequestFailed:
		if prev.State.Assigned() && next.MechanicID != "" {
			en.idx.ReleaseJob(next.MechanicID)
		}
		if en.dispatcher != nil {
			en.dispatcher.Abort(next.ID)
		}
	case model.EventRequestCompleted:
		if next.MechanicID != "" {
			en.idx.ReleaseJob(next.MechanicID)
		}
		if en.broker != nil {
			if err := en.broker.PublishSettlement(context.Background(), next); err != nil {
				en.log.Error("publish settlement", err, "request_id", next.ID)
			}
		}
	}
}

// publish fans the event out live (room + user inbox) and mirrors the
// transition on the broker for external consumers.
func (en *Engine) publish(r model.Request, ev model.Event) {
	if live, ok := LiveFromEvent(ev); ok {
		en.router.ToRoom(r.ID, live)
		switch ev.Type {
		case model.EventRequestCreated, model.EventOfferMade:
			// nothing user-facing yet; the dispatcher notifies mechanics
		default:
			en.router.ToUser(r.UserID, live)
		}
	}
	if en.broker != nil && stateChanging(ev.Type) {
		if err := en.broker.PublishStatus(context.Background(), r, ev); err != nil {
			en.log.Warn("mirror status to broker failed", "request_id", r.ID, "type", ev.Type)
		}
	}
}

func stateChanging(t model.EventType) bool {
	switch t {
	case model.EventRequestCreated, model.EventOfferAccepted, model.EventStatusChanged,
		model.EventRequestCancelled, model.EventRequestExpired,
		model.EventRequestCompleted, model.EventRequestFailed:
		return true
	}
	return false
}

// mechanicStep is the assigned mechanic's forward path.
func mechanicStep(from, to model.State) bool {
	switch from {
	case model.StateAccepted:
		return to == model.StateEnRoute
	case model.StateEnRoute:
		return to == model.StateArrived
	case model.StateArrived:
		return to == model.StateWorking
	case model.StateWorking:
		return to == model.StateCompleted
	}
	return false
}

func validateCreate(p CreateParams) error {
	if p.VehicleType == "" {
		return fmt.Errorf("%w: vehicle type required", myerrors.ErrInvalidInput)
	}
	if !model.ProblemTypes[p.ProblemType] {
		return fmt.Errorf("%w: unknown problem type %q", myerrors.ErrInvalidInput, p.ProblemType)
	}
	if !p.Pickup.Valid() {
		return fmt.Errorf("%w: pickup coordinates out of range", myerrors.ErrInvalidInput)
	}
	if p.Pickup.IsSentinel() {
		return fmt.Errorf("%w: zero pickup coordinates rejected", myerrors.ErrInvalidInput)
	}
	if !model.ValidPriority(p.Priority) {
		return fmt.Errorf("%w: unknown priority %q", myerrors.ErrInvalidInput, p.Priority)
	}
	if len(p.Description) > 2000 {
		return fmt.Errorf("%w: description too long", myerrors.ErrInvalidInput)
	}
	return nil
}

// SetClock overrides the engine clock and backoff sleeper. Tests only.
func (en *Engine) SetClock(now func() time.Time, sleep func(time.Duration)) {
	en.now = now
	if sleep != nil {
		en.sleep = sleep
	}
}
