package services

import (
	"context"
	"testing"

	"roadside/internal/config"
	"roadside/internal/dispatch-service/core/domain/dto"
	"roadside/internal/dispatch-service/core/domain/model"
	"roadside/internal/dispatch-service/core/myerrors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// subscribeMechanics opens an inbox per mechanic so offers count as
// delivered.
func subscribeMechanics(t *testing.T, tc *testCore, ids ...string) map[string]*Subscription {
	t.Helper()
	subs := make(map[string]*Subscription, len(ids))
	for _, id := range ids {
		sub := tc.router.SubscribeMechanic(id)
		t.Cleanup(sub.Close)
		subs[id] = sub
	}
	return subs
}

func TestDispatchOffersAndAccept(t *testing.T) {
	tc := newTestCore(t)
	ctx := context.Background()
	tc.addMechanic(t, "m1", offsetLat(testPickup, 500))
	tc.addMechanic(t, "m2", offsetLat(testPickup, 1500))
	subs := subscribeMechanics(t, tc, "m1", "m2")

	r := tc.createRequest(t, "u1", model.PriorityMedium)
	require.NoError(t, tc.disp.Dispatch(ctx, r, ""))

	got, err := tc.engine.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateOffered, got.State)

	assert.Equal(t, []string{dto.LiveOfferMade}, recvTypes(subs["m1"]))
	assert.Equal(t, []string{dto.LiveOfferMade}, recvTypes(subs["m2"]))

	accepted, err := tc.disp.Accept(ctx, "m1", r.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateAccepted, accepted.State)
	assert.Equal(t, "m1", accepted.MechanicID)

	p, _, err := tc.idx.Snapshot("m1")
	require.NoError(t, err)
	assert.Equal(t, 1, p.ActiveJobs)

	// the losing sibling sees the withdrawal
	assert.Equal(t, []string{dto.LiveOfferWithdrawn}, recvTypes(subs["m2"]))
}

func TestSecondAcceptLoses(t *testing.T) {
	tc := newTestCore(t)
	ctx := context.Background()
	tc.addMechanic(t, "m1", testPickup)
	tc.addMechanic(t, "m2", offsetLat(testPickup, 800))
	subscribeMechanics(t, tc, "m1", "m2")

	r := tc.createRequest(t, "u1", model.PriorityMedium)
	require.NoError(t, tc.disp.Dispatch(ctx, r, ""))

	_, err := tc.disp.Accept(ctx, "m1", r.ID)
	require.NoError(t, err)

	_, err = tc.disp.Accept(ctx, "m2", r.ID)
	assert.ErrorIs(t, err, myerrors.ErrStatePrecondition)

	// exactly one assignment in the log
	events, err := tc.store.Read(ctx, r.ID, 0)
	require.NoError(t, err)
	accepts := 0
	for _, e := range events {
		if e.Type == model.EventOfferAccepted {
			accepts++
		}
	}
	assert.Equal(t, 1, accepts)

	p, _, err := tc.idx.Snapshot("m2")
	require.NoError(t, err)
	assert.Equal(t, 0, p.ActiveJobs, "loser must not hold reserved capacity")
}

func TestAcceptRequiresAnOffer(t *testing.T) {
	tc := newTestCore(t, func(c *config.Dispatchconfig) { c.WaveSize = 1 })
	ctx := context.Background()
	tc.addMechanic(t, "m1", testPickup)
	tc.addMechanic(t, "m2", offsetLat(testPickup, 800))
	subscribeMechanics(t, tc, "m1", "m2")

	r := tc.createRequest(t, "u1", model.PriorityMedium)
	require.NoError(t, tc.disp.Dispatch(ctx, r, ""))

	// m2 is in wave 1 and has no offer yet
	_, err := tc.disp.Accept(ctx, "m2", r.ID)
	assert.ErrorIs(t, err, myerrors.ErrAuthorizationDenied)

	_, err = tc.disp.Accept(ctx, "ghost", r.ID)
	assert.ErrorIs(t, err, myerrors.ErrAuthorizationDenied)
}

func TestOfferTimeoutAdvancesWave(t *testing.T) {
	tc := newTestCore(t, func(c *config.Dispatchconfig) { c.WaveSize = 1 })
	ctx := context.Background()
	tc.addMechanic(t, "m1", offsetLat(testPickup, 500))
	tc.addMechanic(t, "m2", offsetLat(testPickup, 1500))
	subs := subscribeMechanics(t, tc, "m1", "m2")

	r := tc.createRequest(t, "u1", model.PriorityMedium)
	require.NoError(t, tc.disp.Dispatch(ctx, r, ""))

	assert.Equal(t, []string{dto.LiveOfferMade}, recvTypes(subs["m1"]))
	assert.Empty(t, recvTypes(subs["m2"]))

	// the ack window closes with an inclusive bound
	tc.clock.Advance(tc.cfg.OfferAckTimeout)
	tc.disp.Tick(ctx)

	// m1's offer timed out and was withdrawn, m2 got the next wave
	assert.Equal(t, []string{dto.LiveOfferWithdrawn}, recvTypes(subs["m1"]))
	assert.Equal(t, []string{dto.LiveOfferMade}, recvTypes(subs["m2"]))

	got, err := tc.engine.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateOffered, got.State)

	// m1 can no longer accept the stale offer
	_, err = tc.disp.Accept(ctx, "m1", r.ID)
	assert.ErrorIs(t, err, myerrors.ErrStatePrecondition)

	// m2 accepts the second-wave offer
	accepted, err := tc.disp.Accept(ctx, "m2", r.ID)
	require.NoError(t, err)
	assert.Equal(t, "m2", accepted.MechanicID)
}

func TestRejectAdvancesWave(t *testing.T) {
	tc := newTestCore(t, func(c *config.Dispatchconfig) { c.WaveSize = 1 })
	ctx := context.Background()
	tc.addMechanic(t, "m1", offsetLat(testPickup, 500))
	tc.addMechanic(t, "m2", offsetLat(testPickup, 1500))
	subs := subscribeMechanics(t, tc, "m1", "m2")

	r := tc.createRequest(t, "u1", model.PriorityMedium)
	require.NoError(t, tc.disp.Dispatch(ctx, r, ""))
	recvTypes(subs["m1"])

	require.NoError(t, tc.disp.Reject(ctx, "m1", r.ID, "too far"))
	assert.Equal(t, []string{dto.LiveOfferMade}, recvTypes(subs["m2"]))

	// double reject resolves nothing twice
	err := tc.disp.Reject(ctx, "m1", r.ID, "again")
	assert.ErrorIs(t, err, myerrors.ErrStatePrecondition)

	events, err := tc.store.Read(ctx, r.ID, 0)
	require.NoError(t, err)
	var types []model.EventType
	for _, e := range events {
		types = append(types, e.Type)
	}
	assert.Contains(t, types, model.EventOfferRejected)
}

func TestAllWavesExhaustedExpires(t *testing.T) {
	tc := newTestCore(t, func(c *config.Dispatchconfig) { c.WaveSize = 1 })
	ctx := context.Background()
	tc.addMechanic(t, "m1", testPickup)
	subs := subscribeMechanics(t, tc, "m1")

	r := tc.createRequest(t, "u1", model.PriorityMedium)
	require.NoError(t, tc.disp.Dispatch(ctx, r, ""))
	recvTypes(subs["m1"])

	require.NoError(t, tc.disp.Reject(ctx, "m1", r.ID, "busy elsewhere"))

	got, err := tc.engine.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateExpired, got.State)
}

func TestDeadlineExpiresCycle(t *testing.T) {
	tc := newTestCore(t)
	ctx := context.Background()
	tc.addMechanic(t, "m1", testPickup)
	subs := subscribeMechanics(t, tc, "m1")

	r := tc.createRequest(t, "u1", model.PriorityMedium)
	require.NoError(t, tc.disp.Dispatch(ctx, r, ""))
	recvTypes(subs["m1"])

	tc.clock.Advance(tc.cfg.OfferExhaustedTimeout)
	tc.disp.Tick(ctx)

	got, err := tc.engine.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateExpired, got.State)
	assert.Equal(t, []string{dto.LiveOfferWithdrawn}, recvTypes(subs["m1"]))

	dispatches, pending := tc.disp.PendingOffers()
	assert.Zero(t, dispatches)
	assert.Zero(t, pending)
}

func TestNoCandidatesExpiresImmediately(t *testing.T) {
	tc := newTestCore(t)
	ctx := context.Background()

	r := tc.createRequest(t, "u1", model.PriorityMedium)
	require.NoError(t, tc.disp.Dispatch(ctx, r, ""))

	got, err := tc.engine.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateExpired, got.State)
}

func TestRadiusDoubling(t *testing.T) {
	tc := newTestCore(t)
	ctx := context.Background()
	// 15 km out: outside the 10 km default, inside the first doubling
	tc.addMechanic(t, "m1", offsetLat(testPickup, 15000))
	subs := subscribeMechanics(t, tc, "m1")

	r := tc.createRequest(t, "u1", model.PriorityMedium)
	require.NoError(t, tc.disp.Dispatch(ctx, r, ""))

	assert.Equal(t, []string{dto.LiveOfferMade}, recvTypes(subs["m1"]))
}

func TestEmergencyOffersEveryoneAtOnce(t *testing.T) {
	tc := newTestCore(t)
	ctx := context.Background()
	mechs := []string{"m1", "m2", "m3", "m4"}
	for i, id := range mechs {
		tc.addMechanic(t, id, offsetLat(testPickup, float64(300*(i+1))))
	}
	subs := subscribeMechanics(t, tc, mechs...)

	r := tc.createRequest(t, "u1", model.PriorityEmergency)
	require.NoError(t, tc.disp.Dispatch(ctx, r, ""))

	for _, id := range mechs {
		assert.Equal(t, []string{dto.LiveOfferMade}, recvTypes(subs[id]), id)
	}
}

func TestLowPriorityTricklesOneAtATime(t *testing.T) {
	tc := newTestCore(t)
	ctx := context.Background()
	tc.addMechanic(t, "m1", offsetLat(testPickup, 300))
	tc.addMechanic(t, "m2", offsetLat(testPickup, 600))
	subs := subscribeMechanics(t, tc, "m1", "m2")

	r := tc.createRequest(t, "u1", model.PriorityLow)
	require.NoError(t, tc.disp.Dispatch(ctx, r, ""))

	assert.Equal(t, []string{dto.LiveOfferMade}, recvTypes(subs["m1"]))
	assert.Empty(t, recvTypes(subs["m2"]))
}

func TestAcceptAtCapacityFails(t *testing.T) {
	tc := newTestCore(t)
	ctx := context.Background()
	tc.addMechanic(t, "m1", testPickup, func(p *model.Presence) { p.MaxConcurrent = 1 })
	subscribeMechanics(t, tc, "m1")

	r1 := tc.createRequest(t, "u1", model.PriorityMedium)
	r2 := tc.createRequest(t, "u2", model.PriorityMedium)
	require.NoError(t, tc.disp.Dispatch(ctx, r1, ""))
	require.NoError(t, tc.disp.Dispatch(ctx, r2, ""))

	_, err := tc.disp.Accept(ctx, "m1", r1.ID)
	require.NoError(t, err)

	_, err = tc.disp.Accept(ctx, "m1", r2.ID)
	assert.ErrorIs(t, err, myerrors.ErrCapacityExceeded)

	got, err := tc.engine.Get(ctx, r2.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateOffered, got.State)
}

func TestAcceptExpiredOffer(t *testing.T) {
	tc := newTestCore(t)
	ctx := context.Background()
	tc.addMechanic(t, "m1", testPickup)
	subscribeMechanics(t, tc, "m1")

	r := tc.createRequest(t, "u1", model.PriorityMedium)
	require.NoError(t, tc.disp.Dispatch(ctx, r, ""))

	tc.clock.Advance(tc.cfg.OfferAckTimeout)
	_, err := tc.disp.Accept(ctx, "m1", r.ID)
	assert.ErrorIs(t, err, myerrors.ErrStatePrecondition)
}

func TestCancelAbortsDispatch(t *testing.T) {
	tc := newTestCore(t)
	ctx := context.Background()
	tc.addMechanic(t, "m1", testPickup)
	subs := subscribeMechanics(t, tc, "m1")

	r := tc.createRequest(t, "u1", model.PriorityMedium)
	require.NoError(t, tc.disp.Dispatch(ctx, r, ""))
	recvTypes(subs["m1"])

	_, err := tc.engine.Cancel(ctx, model.Actor{ID: "u1", Role: model.RoleUser}, r.ID, "mind changed")
	require.NoError(t, err)

	assert.Equal(t, []string{dto.LiveOfferWithdrawn}, recvTypes(subs["m1"]))

	_, err = tc.disp.Accept(ctx, "m1", r.ID)
	assert.ErrorIs(t, err, myerrors.ErrStatePrecondition)

	// no events were appended after the terminal one
	got, err := tc.engine.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateCancelled, got.State)
}

func TestDirectDispatch(t *testing.T) {
	tc := newTestCore(t)
	ctx := context.Background()
	tc.addMechanic(t, "target", offsetLat(testPickup, 500))
	tc.addMechanic(t, "nearer", testPickup)
	subs := subscribeMechanics(t, tc, "target", "nearer")

	r := tc.createRequest(t, "u1", model.PriorityMedium)
	require.NoError(t, tc.disp.Dispatch(ctx, r, "target"))

	assert.Equal(t, []string{dto.LiveOfferMade}, recvTypes(subs["target"]))
	assert.Empty(t, recvTypes(subs["nearer"]))
}

func TestDirectDispatchIneligibleTargetExpires(t *testing.T) {
	tc := newTestCore(t)
	ctx := context.Background()
	tc.addMechanic(t, "target", testPickup)
	require.NoError(t, tc.idx.ToggleAvailability(ctx, "target", false))
	subscribeMechanics(t, tc, "target")

	r := tc.createRequest(t, "u1", model.PriorityMedium)
	require.NoError(t, tc.disp.Dispatch(ctx, r, "target"))

	got, err := tc.engine.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateExpired, got.State)
}

func TestUndeliverableOfferTimesOutEarly(t *testing.T) {
	tc := newTestCore(t, func(c *config.Dispatchconfig) { c.WaveSize = 1 })
	ctx := context.Background()
	// m1 has no live inbox; m2 does
	tc.addMechanic(t, "m1", offsetLat(testPickup, 500))
	tc.addMechanic(t, "m2", offsetLat(testPickup, 1500))
	subs := subscribeMechanics(t, tc, "m2")

	r := tc.createRequest(t, "u1", model.PriorityMedium)
	require.NoError(t, tc.disp.Dispatch(ctx, r, ""))

	// the dead offer resolves without waiting for the ack window
	tc.disp.Tick(ctx)
	assert.Equal(t, []string{dto.LiveOfferMade}, recvTypes(subs["m2"]))
}

func TestRecoverRebuildsPendingCycles(t *testing.T) {
	tc := newTestCore(t)
	ctx := context.Background()
	tc.addMechanic(t, "m1", testPickup)
	subs := subscribeMechanics(t, tc, "m1")

	r := tc.createRequest(t, "u1", model.PriorityMedium)

	// simulate a crash between create and dispatch: projection persisted,
	// no in-memory cycle
	require.NoError(t, tc.disp.Recover(ctx))

	assert.Equal(t, []string{dto.LiveOfferMade}, recvTypes(subs["m1"]))
	got, err := tc.engine.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateOffered, got.State)

	accepted, err := tc.disp.Accept(ctx, "m1", r.ID)
	require.NoError(t, err)
	assert.Equal(t, "m1", accepted.MechanicID)
}

func TestRecoverExpiresOverdueRequests(t *testing.T) {
	tc := newTestCore(t)
	ctx := context.Background()
	tc.addMechanic(t, "m1", testPickup)

	r := tc.createRequest(t, "u1", model.PriorityMedium)

	tc.clock.Advance(tc.cfg.OfferExhaustedTimeout)
	// keep the mechanic fresh across the gap so only the deadline decides
	avail := true
	require.NoError(t, tc.idx.CheckIn(ctx, "m1", testPickup, &avail))

	require.NoError(t, tc.disp.Recover(ctx))

	got, err := tc.engine.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateExpired, got.State)
}

func TestAcceptSecondRequestFromSameUser(t *testing.T) {
	tc := newTestCore(t)
	ctx := context.Background()
	tc.addMechanic(t, "m1", offsetLat(testPickup, 500))
	tc.addMechanic(t, "m2", offsetLat(testPickup, 1500))
	subscribeMechanics(t, tc, "m1", "m2")

	r1 := tc.createRequest(t, "u1", model.PriorityMedium)
	require.NoError(t, tc.disp.Dispatch(ctx, r1, ""))
	_, err := tc.disp.Accept(ctx, "m1", r1.ID)
	require.NoError(t, err)

	// m1 still has spare concurrency, but one live request per
	// (user, mechanic) pair is the limit
	r2 := tc.createRequest(t, "u1", model.PriorityMedium)
	require.NoError(t, tc.disp.Dispatch(ctx, r2, ""))

	_, err = tc.disp.Accept(ctx, "m1", r2.ID)
	require.ErrorIs(t, err, myerrors.ErrStatePrecondition)

	// no capacity leaked and the offer is resolved for good
	p, _, err := tc.idx.Snapshot("m1")
	require.NoError(t, err)
	assert.Equal(t, 1, p.ActiveJobs)
	_, err = tc.disp.Accept(ctx, "m1", r2.ID)
	require.ErrorIs(t, err, myerrors.ErrStatePrecondition)

	// the sibling still wins the request
	accepted, err := tc.disp.Accept(ctx, "m2", r2.ID)
	require.NoError(t, err)
	assert.Equal(t, "m2", accepted.MechanicID)
}

func TestAcceptDuringTickLoop(t *testing.T) {
	tc := newTestCore(t)
	ctx := context.Background()
	tc.addMechanic(t, "m1", offsetLat(testPickup, 500))
	tc.addMechanic(t, "m2", offsetLat(testPickup, 1500))
	subscribeMechanics(t, tc, "m1", "m2")

	r := tc.createRequest(t, "u1", model.PriorityMedium)
	require.NoError(t, tc.disp.Dispatch(ctx, r, ""))

	// hammer the timer path while the acceptance lands; offer state is
	// only touched under the request's partition
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			tc.disp.Tick(ctx)
		}
	}()
	_, err := tc.disp.Accept(ctx, "m1", r.ID)
	<-done
	require.NoError(t, err)

	got, err := tc.engine.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateAccepted, got.State)
}

func TestRejectKeepsOfferPendingOnAppendFailure(t *testing.T) {
	tc := newTestCore(t)
	ctx := context.Background()
	tc.addMechanic(t, "m1", offsetLat(testPickup, 500))
	subscribeMechanics(t, tc, "m1")

	r := tc.createRequest(t, "u1", model.PriorityMedium)
	require.NoError(t, tc.disp.Dispatch(ctx, r, ""))

	tc.engine.store = &flakyStore{IEventStore: tc.store, failures: 10}
	err := tc.disp.Reject(ctx, "m1", r.ID, "busy")
	require.ErrorIs(t, err, myerrors.ErrStaleConflict)

	// nothing was recorded, so the offer must still be open for a retry
	tc.engine.store = tc.store
	require.NoError(t, tc.disp.Reject(ctx, "m1", r.ID, "busy"))

	// the lone candidate rejected; the cycle exhausts
	got, err := tc.engine.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateExpired, got.State)
}
