package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"roadside/internal/config"
	"roadside/internal/dispatch-service/core/myerrors"
	"roadside/internal/dispatch-service/core/ports"
)

// Governor is the single place that answers capacity questions: may a
// mechanic take another job, may a user open another request, may a
// client key spend a geocoding call.
type Governor struct {
	idx      *PresenceIndex
	requests ports.IRequestRepo

	userCap float64

	mu      sync.Mutex
	buckets map[string]*leakyBucket
	rps     float64
	burst   float64
	now     func() time.Time
}

func NewGovernor(cfg *config.Dispatchconfig, idx *PresenceIndex, requests ports.IRequestRepo) *Governor {
	return &Governor{
		idx:      idx,
		requests: requests,
		userCap:  float64(cfg.UserActiveCap),
		buckets:  make(map[string]*leakyBucket),
		rps:      cfg.GeocodeRPS,
		burst:    float64(cfg.GeocodeBurst),
		now:      time.Now,
	}
}

// MayAccept rejects when the mechanic is at max concurrent jobs.
func (g *Governor) MayAccept(mechanicID string) error {
	p, _, err := g.idx.Snapshot(mechanicID)
	if err != nil {
		return err
	}
	if p.CapacityRemaining() == 0 {
		return fmt.Errorf("%w: mechanic %s at capacity", myerrors.ErrCapacityExceeded, mechanicID)
	}
	return nil
}

// MayCreateRequest rejects when the user already holds the maximum
// number of non-terminal requests.
func (g *Governor) MayCreateRequest(ctx context.Context, userID string) error {
	active, err := g.requests.CountActiveByUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("%w: count active requests: %v", myerrors.ErrUnavailable, err)
	}
	if float64(active) >= g.userCap {
		return fmt.Errorf("%w: user %s has %d active requests", myerrors.ErrCapacityExceeded, userID, active)
	}
	return nil
}

// MayGeocode drains one token from the client's leaky bucket.
func (g *Governor) MayGeocode(clientKey string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	b, ok := g.buckets[clientKey]
	if !ok {
		b = &leakyBucket{level: 0, lastDrip: g.now()}
		g.buckets[clientKey] = b
	}
	return b.take(g.now(), g.rps, g.burst)
}

// SetClock overrides the governor clock. Tests only.
func (g *Governor) SetClock(now func() time.Time) {
	g.now = now
}

// leakyBucket drains at rps and holds at most burst units. take adds one
// unit when it fits.
type leakyBucket struct {
	level    float64
	lastDrip time.Time
}

func (b *leakyBucket) take(now time.Time, rps, burst float64) bool {
	elapsed := now.Sub(b.lastDrip).Seconds()
	if elapsed > 0 {
		b.level -= elapsed * rps
		if b.level < 0 {
			b.level = 0
		}
		b.lastDrip = now
	}
	if b.level+1 > burst {
		return false
	}
	b.level++
	return true
}
