package services

import (
	"fmt"
	"sort"

	"roadside/internal/config"
	"roadside/internal/dispatch-service/core/domain/model"
	"roadside/internal/dispatch-service/core/myerrors"
)

const nearestLimitMax = 50

// GeoFilter narrows a nearest() query.
type GeoFilter struct {
	VehicleType        string
	Skill              string
	IncludeUnavailable bool
}

// Candidate is one ranked entry of a nearest() result.
type Candidate struct {
	MechanicID        string
	DistanceM         float64
	Available         bool
	Rating            float64
	CapacityRemaining int
}

// GeoQuery answers "k nearest matching mechanics within R metres" over
// the presence index. All reads are point-in-time snapshots; slightly
// stale data across partitions is acceptable.
type GeoQuery struct {
	idx        *PresenceIndex
	maxRadiusM float64
}

func NewGeoQuery(cfg *config.Dispatchconfig, idx *PresenceIndex) *GeoQuery {
	return &GeoQuery{idx: idx, maxRadiusM: cfg.MaxRadiusM}
}

// Nearest applies the filter chain in order (verified, fresh, vehicle
// type, skill, distance within min(radius, serviceRadius), capacity)
// and ranks by a deterministic score. Ties break by mechanic id
// ascending.
func (g *GeoQuery) Nearest(origin model.Location, radiusM float64, f GeoFilter, limit int) ([]Candidate, error) {
	if !origin.Valid() || origin.IsSentinel() {
		return nil, fmt.Errorf("%w: invalid origin", myerrors.ErrInvalidInput)
	}
	if radiusM <= 0 {
		return nil, fmt.Errorf("%w: radius must be positive", myerrors.ErrInvalidInput)
	}
	if radiusM > g.maxRadiusM {
		return nil, fmt.Errorf("%w: radius %.0f exceeds limit %.0f", myerrors.ErrInvalidInput, radiusM, g.maxRadiusM)
	}
	if limit <= 0 || limit > nearestLimitMax {
		limit = nearestLimitMax
	}

	records := g.idx.Scan(func(p model.Presence) bool {
		if f.VehicleType != "" && !p.HasVehicleType(f.VehicleType) {
			return false
		}
		if f.Skill != "" && !p.HasSkill(f.Skill) {
			return false
		}
		return true
	})

	candidates := make([]Candidate, 0, len(records))
	for _, p := range records {
		d := model.HaversineM(origin, p.Position)
		reach := radiusM
		if p.ServiceRadiusM > 0 && p.ServiceRadiusM < reach {
			reach = p.ServiceRadiusM
		}
		if d > reach {
			continue
		}
		if !f.IncludeUnavailable && (!p.Available || p.CapacityRemaining() == 0) {
			continue
		}
		candidates = append(candidates, Candidate{
			MechanicID:        p.MechanicID,
			DistanceM:         d,
			Available:         p.Available,
			Rating:            p.Rating,
			CapacityRemaining: p.CapacityRemaining(),
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		si := score(candidates[i], radiusM)
		sj := score(candidates[j], radiusM)
		if si != sj {
			return si < sj
		}
		return candidates[i].MechanicID < candidates[j].MechanicID
	})

	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, nil
}

// score: lower is better. Distance is normalized against the query
// radius, rating against the 5-point scale.
func score(c Candidate, radiusM float64) float64 {
	normDistance := c.DistanceM / radiusM
	normRating := c.Rating / 5
	if normRating > 1 {
		normRating = 1
	}
	boost := 0.0
	if c.Available && c.CapacityRemaining > 0 {
		boost = 1.0
	}
	return 0.5*normDistance + 0.3*(1-normRating) + 0.2*(1-boost)
}
