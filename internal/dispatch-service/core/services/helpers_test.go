package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"roadside/internal/config"
	"roadside/internal/dispatch-service/adapters/driven/memstore"
	"roadside/internal/dispatch-service/core/domain/dto"
	"roadside/internal/dispatch-service/core/domain/model"
	"roadside/internal/dispatch-service/core/myerrors"
	"roadside/internal/dispatch-service/core/ports"
	"roadside/internal/mylogger"

	"github.com/stretchr/testify/require"
)

// testClock is a hand-cranked clock shared by every core service of a
// test fixture.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// fakeBroker records published settlements and status mirrors.
type fakeBroker struct {
	mu          sync.Mutex
	settlements []model.Request
	statuses    []model.EventType
}

func (b *fakeBroker) PublishSettlement(ctx context.Context, r model.Request) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.settlements = append(b.settlements, r)
	return nil
}

func (b *fakeBroker) PublishStatus(ctx context.Context, r model.Request, e model.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.statuses = append(b.statuses, e.Type)
	return nil
}

func (b *fakeBroker) IsAlive() bool { return true }
func (b *fakeBroker) Close() error  { return nil }

func (b *fakeBroker) settlementCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.settlements)
}

// flakyStore fails the first failures appends with a stale conflict,
// then delegates.
type flakyStore struct {
	ports.IEventStore
	mu       sync.Mutex
	failures int
}

func (s *flakyStore) Append(ctx context.Context, requestID string, expectedSeq uint64, e model.Event) (uint64, error) {
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return 0, fmt.Errorf("%w: injected", myerrors.ErrStaleConflict)
	}
	s.mu.Unlock()
	return s.IEventStore.Append(ctx, requestID, expectedSeq, e)
}

// testCore wires the whole dispatch core over the in-memory adapters
// with a controllable clock and no backoff sleeping.
type testCore struct {
	cfg      *config.Dispatchconfig
	clock    *testClock
	store    *memstore.EventStore
	requests *memstore.RequestRepo
	presence *memstore.PresenceRepo
	broker   *fakeBroker
	idx      *PresenceIndex
	geo      *GeoQuery
	gov      *Governor
	router   *Router
	engine   *Engine
	disp     *Dispatcher
}

func newTestCore(t *testing.T, mutate ...func(*config.Dispatchconfig)) *testCore {
	t.Helper()

	cfg := &config.Dispatchconfig{
		PresenceTTL:            120 * time.Second,
		DefaultRadiusM:         10000,
		MaxRadiusM:             50000,
		OfferAckTimeout:        25 * time.Second,
		OfferExhaustedTimeout:  180 * time.Second,
		UserActiveCap:          3,
		WaveSize:               3,
		GeocodeRPS:             1,
		GeocodeBurst:           3,
		PositionBroadcastEvery: 2 * time.Second,
		RatingGrace:            168 * time.Hour,
	}
	for _, m := range mutate {
		m(cfg)
	}

	log := mylogger.NewNop()
	clock := newTestClock()

	tc := &testCore{
		cfg:      cfg,
		clock:    clock,
		store:    memstore.NewEventStore(),
		requests: memstore.NewRequestRepo(),
		presence: memstore.NewPresenceRepo(),
		broker:   &fakeBroker{},
	}
	tc.idx = NewPresenceIndex(cfg, tc.presence, log)
	tc.geo = NewGeoQuery(cfg, tc.idx)
	tc.gov = NewGovernor(cfg, tc.idx, tc.requests)
	tc.router = NewRouter(cfg, tc.store, log)
	tc.engine = NewEngine(cfg, tc.store, tc.requests, tc.idx, tc.gov, tc.router, tc.broker, log)
	tc.disp = NewDispatcher(cfg, tc.geo, tc.engine, tc.gov, tc.idx, tc.router, log)
	tc.engine.AttachDispatcher(tc.disp)

	tc.idx.SetClock(clock.Now)
	tc.gov.SetClock(clock.Now)
	tc.router.SetClock(clock.Now)
	tc.engine.SetClock(clock.Now, func(time.Duration) {})
	tc.disp.SetClock(clock.Now)

	return tc
}

var testPickup = model.Location{Longitude: 90.4000, Latitude: 23.8000}

// addMechanic registers a verified mechanic and checks it in available
// at the given position.
func (tc *testCore) addMechanic(t *testing.T, id string, pos model.Location, opts ...func(*model.Presence)) {
	t.Helper()
	p := model.Presence{
		MechanicID:     id,
		MaxConcurrent:  2,
		VehicleTypes:   []string{"car"},
		Skills:         []string{"tire_change"},
		ServiceRadiusM: 50000,
		Verified:       true,
		Rating:         4.5,
	}
	for _, o := range opts {
		o(&p)
	}
	require.NoError(t, tc.idx.Register(context.Background(), p))
	avail := true
	require.NoError(t, tc.idx.CheckIn(context.Background(), id, pos, &avail))
}

// createRequest opens a request for the given user at the shared pickup.
func (tc *testCore) createRequest(t *testing.T, userID string, prio model.Priority) model.Request {
	t.Helper()
	r, err := tc.engine.Create(context.Background(), model.Actor{ID: userID, Role: model.RoleUser}, CreateParams{
		VehicleType:   "car",
		ProblemType:   "tire_change",
		Pickup:        testPickup,
		Priority:      prio,
		EstimatedCost: EstimateCost("tire_change", prio),
	})
	require.NoError(t, err)
	return r
}

// recvTypes drains the subscription without blocking and returns the
// event type names in arrival order.
func recvTypes(sub *Subscription) []string {
	var out []string
	for {
		select {
		case ev := <-sub.C:
			out = append(out, ev.Type)
		default:
			return out
		}
	}
}

func drain(sub *Subscription) []dto.LiveEvent {
	var out []dto.LiveEvent
	for {
		select {
		case ev := <-sub.C:
			out = append(out, ev)
		default:
			return out
		}
	}
}
