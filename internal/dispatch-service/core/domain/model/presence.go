package model

import "time"

// Presence is the tuple a mechanic publishes by heartbeat: availability,
// last-known position and its freshness, plus the static matching
// attributes the geospatial engine filters on.
type Presence struct {
	MechanicID     string
	Available      bool
	Position       Location
	PositionAt     time.Time
	MaxConcurrent  int
	ActiveJobs     int
	VehicleTypes   []string
	Skills         []string
	ServiceRadiusM float64
	Verified       bool
	Rating         float64 // 0..5
}

// CapacityRemaining is how many more jobs the mechanic may accept.
func (p Presence) CapacityRemaining() int {
	rem := p.MaxConcurrent - p.ActiveJobs
	if rem < 0 {
		return 0
	}
	return rem
}

// Fresh reports whether the position is younger than ttl at instant now.
func (p Presence) Fresh(now time.Time, ttl time.Duration) bool {
	if p.PositionAt.IsZero() {
		return false
	}
	return now.Sub(p.PositionAt) <= ttl
}

// HasVehicleType reports capability for the given vehicle type.
func (p Presence) HasVehicleType(vt string) bool {
	for _, v := range p.VehicleTypes {
		if v == vt {
			return true
		}
	}
	return false
}

// HasSkill reports capability for the given skill.
func (p Presence) HasSkill(skill string) bool {
	for _, s := range p.Skills {
		if s == skill {
			return true
		}
	}
	return false
}
