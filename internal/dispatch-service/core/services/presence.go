package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"roadside/internal/config"
	"roadside/internal/dispatch-service/core/domain/model"
	"roadside/internal/dispatch-service/core/myerrors"
	"roadside/internal/dispatch-service/core/ports"
	"roadside/internal/mylogger"
)

// PresenceIndex keeps the latest (position, timestamp, availability) per
// mechanic. Writes for one mechanic come from that mechanic's own
// session only; reads are lock-free snapshots under an RWMutex. Stale
// entries are hidden from reads but kept for recovery.
type PresenceIndex struct {
	mu        sync.RWMutex
	mechanics map[string]*model.Presence
	repo      ports.IPresenceRepo
	ttl       time.Duration
	now       func() time.Time
	log       mylogger.Logger
}

func NewPresenceIndex(cfg *config.Dispatchconfig, repo ports.IPresenceRepo, log mylogger.Logger) *PresenceIndex {
	return &PresenceIndex{
		mechanics: make(map[string]*model.Presence),
		repo:      repo,
		ttl:       cfg.PresenceTTL,
		now:       time.Now,
		log:       log,
	}
}

// Restore loads persisted presence records into the index. Called once
// at startup before the HTTP surface opens.
func (pi *PresenceIndex) Restore(ctx context.Context) error {
	records, err := pi.repo.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("%w: load presence records: %v", myerrors.ErrUnavailable, err)
	}

	pi.mu.Lock()
	defer pi.mu.Unlock()
	for i := range records {
		p := records[i]
		pi.mechanics[p.MechanicID] = &p
	}
	pi.log.Action("presence_restore").Info("presence index restored", "mechanics", len(records))
	return nil
}

// Register creates or refreshes the static attributes of a mechanic's
// record (capabilities, radius, verification, capacity). Position and
// availability are untouched so a profile sync never fakes freshness.
func (pi *PresenceIndex) Register(ctx context.Context, p model.Presence) error {
	if p.MechanicID == "" {
		return fmt.Errorf("%w: empty mechanic id", myerrors.ErrInvalidInput)
	}
	if p.MaxConcurrent < 1 {
		p.MaxConcurrent = 1
	}

	pi.mu.Lock()
	cur, ok := pi.mechanics[p.MechanicID]
	if ok {
		cur.MaxConcurrent = p.MaxConcurrent
		cur.VehicleTypes = p.VehicleTypes
		cur.Skills = p.Skills
		cur.ServiceRadiusM = p.ServiceRadiusM
		cur.Verified = p.Verified
		cur.Rating = p.Rating
		p = *cur
	} else {
		fresh := p
		fresh.Available = false
		fresh.ActiveJobs = 0
		pi.mechanics[p.MechanicID] = &fresh
		p = fresh
	}
	pi.mu.Unlock()

	return pi.persist(ctx, p)
}

// CheckIn records a heartbeat. A heartbeat older than the last recorded
// position is a no-op; the (0,0) sentinel is rejected on write.
func (pi *PresenceIndex) CheckIn(ctx context.Context, mechanicID string, pos model.Location, available *bool) error {
	if !pos.Valid() {
		return fmt.Errorf("%w: coordinates out of range", myerrors.ErrInvalidInput)
	}
	if pos.IsSentinel() {
		return fmt.Errorf("%w: zero coordinates rejected", myerrors.ErrInvalidInput)
	}

	now := pi.now()

	pi.mu.Lock()
	p, ok := pi.mechanics[mechanicID]
	if !ok {
		pi.mu.Unlock()
		return fmt.Errorf("%w: mechanic %s", myerrors.ErrNotFound, mechanicID)
	}
	if !p.PositionAt.IsZero() && !now.After(p.PositionAt) {
		pi.mu.Unlock()
		return nil
	}
	p.Position = pos
	p.PositionAt = now
	if available != nil {
		p.Available = *available
	}
	snapshot := *p
	pi.mu.Unlock()

	return pi.persist(ctx, snapshot)
}

// ToggleAvailability flips the availability flag. Going available
// without a fresh position is rejected: a mechanic nobody can locate
// must not enter the matching pool.
func (pi *PresenceIndex) ToggleAvailability(ctx context.Context, mechanicID string, available bool) error {
	now := pi.now()

	pi.mu.Lock()
	p, ok := pi.mechanics[mechanicID]
	if !ok {
		pi.mu.Unlock()
		return fmt.Errorf("%w: mechanic %s", myerrors.ErrNotFound, mechanicID)
	}
	if available && !p.Fresh(now, pi.ttl) {
		pi.mu.Unlock()
		return fmt.Errorf("%w: stale presence, heartbeat first", myerrors.ErrUnavailable)
	}
	p.Available = available
	snapshot := *p
	pi.mu.Unlock()

	return pi.persist(ctx, snapshot)
}

// Snapshot returns the record and whether its position is fresh. Stale
// positions are hidden (zeroed) in the returned copy.
func (pi *PresenceIndex) Snapshot(mechanicID string) (model.Presence, bool, error) {
	pi.mu.RLock()
	p, ok := pi.mechanics[mechanicID]
	if !ok {
		pi.mu.RUnlock()
		return model.Presence{}, false, fmt.Errorf("%w: mechanic %s", myerrors.ErrNotFound, mechanicID)
	}
	snapshot := *p
	pi.mu.RUnlock()

	fresh := snapshot.Fresh(pi.now(), pi.ttl)
	if !fresh {
		snapshot.Position = model.Location{}
		snapshot.PositionAt = time.Time{}
	}
	return snapshot, fresh, nil
}

// Scan returns copies of all verified, fresh records matching the
// filter. Readers see a consistent point-in-time copy of each record.
func (pi *PresenceIndex) Scan(filter func(model.Presence) bool) []model.Presence {
	now := pi.now()

	pi.mu.RLock()
	defer pi.mu.RUnlock()

	out := make([]model.Presence, 0, len(pi.mechanics))
	for _, p := range pi.mechanics {
		if !p.Verified {
			continue
		}
		if !p.Fresh(now, pi.ttl) {
			continue
		}
		if p.Position.IsSentinel() {
			continue
		}
		snapshot := *p
		if filter != nil && !filter(snapshot) {
			continue
		}
		out = append(out, snapshot)
	}
	return out
}

// ReserveJob increments the active job count, guarding the capacity
// invariant.
func (pi *PresenceIndex) ReserveJob(mechanicID string) error {
	pi.mu.Lock()
	defer pi.mu.Unlock()

	p, ok := pi.mechanics[mechanicID]
	if !ok {
		return fmt.Errorf("%w: mechanic %s", myerrors.ErrNotFound, mechanicID)
	}
	if p.ActiveJobs >= p.MaxConcurrent {
		return fmt.Errorf("%w: mechanic %s at max concurrent jobs", myerrors.ErrCapacityExceeded, mechanicID)
	}
	p.ActiveJobs++
	return nil
}

// ReleaseJob decrements the active job count. Releasing below zero is a
// bug upstream, clamped and logged rather than propagated.
func (pi *PresenceIndex) ReleaseJob(mechanicID string) {
	pi.mu.Lock()
	defer pi.mu.Unlock()

	p, ok := pi.mechanics[mechanicID]
	if !ok {
		return
	}
	if p.ActiveJobs == 0 {
		pi.log.Warn("release on idle mechanic", "mechanic_id", mechanicID)
		return
	}
	p.ActiveJobs--
}

// Deactivate removes the mechanic from the index and the durable store.
func (pi *PresenceIndex) Deactivate(ctx context.Context, mechanicID string) error {
	pi.mu.Lock()
	delete(pi.mechanics, mechanicID)
	pi.mu.Unlock()

	if err := pi.repo.Delete(ctx, mechanicID); err != nil {
		return fmt.Errorf("%w: delete presence record: %v", myerrors.ErrUnavailable, err)
	}
	return nil
}

func (pi *PresenceIndex) persist(ctx context.Context, p model.Presence) error {
	if err := pi.repo.Save(ctx, p); err != nil {
		pi.log.Error("persist presence record", err, "mechanic_id", p.MechanicID)
		return fmt.Errorf("%w: persist presence: %v", myerrors.ErrUnavailable, err)
	}
	return nil
}

// SetClock overrides the index clock. Tests only.
func (pi *PresenceIndex) SetClock(now func() time.Time) {
	pi.now = now
}
