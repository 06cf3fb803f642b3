package model

import "time"

type State string

const (
	StateOpen      State = "OPEN"
	StateOffered   State = "OFFERED"
	StateAccepted  State = "ACCEPTED"
	StateEnRoute   State = "EN_ROUTE"
	StateArrived   State = "ARRIVED"
	StateWorking   State = "WORKING"
	StateCompleted State = "COMPLETED"
	StateCancelled State = "CANCELLED"
	StateExpired   State = "EXPIRED"
	StateFailed    State = "FAILED"
)

// Terminal reports whether no further lifecycle transitions are possible.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateCancelled, StateExpired, StateFailed:
		return true
	}
	return false
}

// Assigned reports whether the state implies a bound mechanic.
func (s State) Assigned() bool {
	switch s {
	case StateAccepted, StateEnRoute, StateArrived, StateWorking, StateCompleted:
		return true
	}
	return false
}

type Priority string

const (
	PriorityLow       Priority = "low"
	PriorityMedium    Priority = "medium"
	PriorityHigh      Priority = "high"
	PriorityEmergency Priority = "emergency"
)

func ValidPriority(p Priority) bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityEmergency:
		return true
	}
	return false
}

// ProblemTypes is the closed set of problems a request may carry.
var ProblemTypes = map[string]bool{
	"tire_change":  true,
	"jump_start":   true,
	"lockout":      true,
	"fuel_refill":  true,
	"towing_prep":  true,
	"engine_check": true,
	"other":        true,
}

// Request is the current-state projection of one service request. It is
// always derivable as a fold over the request's event log; Seq is the
// sequence of the last applied event.
type Request struct {
	ID                 string
	UserID             string
	MechanicID         string // empty until a mechanic is bound
	VehicleType        string
	ProblemType        string
	Description        string
	Pickup             Location
	PickupAddress      string
	Priority           Priority
	EstimatedCost      float64
	ActualCost         float64
	HasActualCost      bool
	State              State
	Timeline           []TimelineEntry
	CancellationReason string
	Rating             int
	HasRating          bool
	Seq                uint64
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// TimelineEntry records when the request entered a state. The slice is
// append-only and strictly monotonic in At.
type TimelineEntry struct {
	State State     `json:"state"`
	At    time.Time `json:"at"`
}

// EnteredAt returns when the request first entered the given state.
func (r *Request) EnteredAt(s State) (time.Time, bool) {
	for _, e := range r.Timeline {
		if e.State == s {
			return e.At, true
		}
	}
	return time.Time{}, false
}
