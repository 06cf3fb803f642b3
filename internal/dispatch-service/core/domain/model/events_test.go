package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func evt(seq uint64, typ EventType, payload any, at time.Time) Event {
	e := Event{
		Seq:       seq,
		RequestID: "req-1",
		Actor:     SystemActor,
		Type:      typ,
		At:        at,
	}
	if payload != nil {
		e.Payload = MustPayload(payload)
	}
	return e
}

func TestReplayFullLifecycle(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	pickup := Location{Longitude: 90.4, Latitude: 23.8}

	log := []Event{
		evt(1, EventRequestCreated, CreatedPayload{
			UserID:        "u1",
			VehicleType:   "car",
			ProblemType:   "tire_change",
			Pickup:        pickup,
			Priority:      PriorityMedium,
			EstimatedCost: 800,
		}, t0),
		evt(2, EventOfferMade, OfferPayload{OfferID: "o1", MechanicID: "m1"}, t0.Add(time.Second)),
		evt(3, EventOfferAccepted, OfferPayload{OfferID: "o1", MechanicID: "m1"}, t0.Add(5*time.Second)),
		evt(4, EventStatusChanged, StatusPayload{From: StateAccepted, To: StateEnRoute}, t0.Add(time.Minute)),
		evt(5, EventStatusChanged, StatusPayload{From: StateEnRoute, To: StateArrived}, t0.Add(10*time.Minute)),
		evt(6, EventStatusChanged, StatusPayload{From: StateArrived, To: StateWorking}, t0.Add(12*time.Minute)),
		evt(7, EventRequestCompleted, CompletedPayload{ActualCost: 950}, t0.Add(40*time.Minute)),
		evt(8, EventRatingAttached, RatingPayload{Rating: 5}, t0.Add(time.Hour)),
	}

	r, err := Replay(log)
	require.NoError(t, err)

	assert.Equal(t, "req-1", r.ID)
	assert.Equal(t, "u1", r.UserID)
	assert.Equal(t, "m1", r.MechanicID)
	assert.Equal(t, StateCompleted, r.State)
	assert.Equal(t, uint64(8), r.Seq)
	assert.Equal(t, 950.0, r.ActualCost)
	assert.True(t, r.HasActualCost)
	assert.Equal(t, 5, r.Rating)
	assert.True(t, r.HasRating)
	assert.Equal(t, pickup, r.Pickup)

	wantTimeline := []State{
		StateOpen, StateOffered, StateAccepted, StateEnRoute,
		StateArrived, StateWorking, StateCompleted,
	}
	require.Len(t, r.Timeline, len(wantTimeline))
	for i, s := range wantTimeline {
		assert.Equal(t, s, r.Timeline[i].State)
	}

	completedAt, ok := r.EnteredAt(StateCompleted)
	require.True(t, ok)
	assert.Equal(t, t0.Add(40*time.Minute), completedAt)
}

func TestOfferBookkeepingLeavesStateUntouched(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	log := []Event{
		evt(1, EventRequestCreated, CreatedPayload{UserID: "u1", Priority: PriorityLow}, t0),
		evt(2, EventOfferMade, OfferPayload{OfferID: "o1", MechanicID: "m1"}, t0),
		evt(3, EventOfferRejected, OfferPayload{OfferID: "o1", MechanicID: "m1"}, t0),
		evt(4, EventOfferTimedOut, OfferPayload{OfferID: "o2", MechanicID: "m2"}, t0),
		evt(5, EventOfferSuperseded, OfferPayload{OfferID: "o3", MechanicID: "m3"}, t0),
	}

	r, err := Replay(log)
	require.NoError(t, err)

	assert.Equal(t, StateOffered, r.State)
	assert.Empty(t, r.MechanicID)
	assert.Equal(t, uint64(5), r.Seq)
	// only OPEN and OFFERED entered, bookkeeping adds no timeline entries
	require.Len(t, r.Timeline, 2)
}

func TestRepeatedOfferMadeKeepsSingleOfferedEntry(t *testing.T) {
	t0 := time.Now()
	log := []Event{
		evt(1, EventRequestCreated, CreatedPayload{UserID: "u1"}, t0),
		evt(2, EventOfferMade, OfferPayload{MechanicID: "m1"}, t0),
		evt(3, EventOfferMade, OfferPayload{MechanicID: "m2"}, t0),
		evt(4, EventOfferMade, OfferPayload{MechanicID: "m3"}, t0),
	}
	r, err := Replay(log)
	require.NoError(t, err)
	assert.Equal(t, StateOffered, r.State)
	require.Len(t, r.Timeline, 2)
}

func TestCancelFold(t *testing.T) {
	t0 := time.Now()
	log := []Event{
		evt(1, EventRequestCreated, CreatedPayload{UserID: "u1"}, t0),
		evt(2, EventRequestCancelled, CancelPayload{Reason: "changed my mind"}, t0.Add(time.Minute)),
	}
	r, err := Replay(log)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, r.State)
	assert.Equal(t, "changed my mind", r.CancellationReason)
	assert.True(t, r.State.Terminal())
}

func TestApplyUnknownEventType(t *testing.T) {
	var r Request
	err := Apply(&r, Event{Seq: 1, Type: EventType("Bogus")})
	assert.Error(t, err)
}

func TestTerminalAndAssigned(t *testing.T) {
	for _, s := range []State{StateCompleted, StateCancelled, StateExpired, StateFailed} {
		assert.True(t, s.Terminal(), string(s))
	}
	for _, s := range []State{StateOpen, StateOffered, StateAccepted, StateEnRoute, StateArrived, StateWorking} {
		assert.False(t, s.Terminal(), string(s))
	}
	assert.True(t, StateAccepted.Assigned())
	assert.True(t, StateCompleted.Assigned())
	assert.False(t, StateOffered.Assigned())
}
