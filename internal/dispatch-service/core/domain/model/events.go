package model

import (
	"encoding/json"
	"fmt"
	"time"
)

type Role string

const (
	RoleUser     Role = "user"
	RoleMechanic Role = "mechanic"
	RoleAdmin    Role = "admin"
	RoleSystem   Role = "system"
)

// Actor identifies who attempted an operation. System actors carry an
// empty id.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

var SystemActor = Actor{Role: RoleSystem}

type EventType string

const (
	EventRequestCreated   EventType = "RequestCreated"
	EventOfferMade        EventType = "OfferMade"
	EventOfferAccepted    EventType = "OfferAccepted"
	EventOfferRejected    EventType = "OfferRejected"
	EventOfferTimedOut    EventType = "OfferTimedOut"
	EventOfferSuperseded  EventType = "OfferSuperseded"
	EventStatusChanged    EventType = "RequestStatusChanged"
	EventRequestCancelled EventType = "RequestCancelled"
	EventRequestExpired   EventType = "RequestExpired"
	EventRequestCompleted EventType = "RequestCompleted"
	EventRequestFailed    EventType = "RequestFailed"
	EventRatingAttached   EventType = "RatingAttached"
)

// Event is one record of a request's append-only log. Seq starts at 1 and
// increases by exactly one per append; the log is the single source of
// truth and the Request projection is a pure fold over it.
type Event struct {
	Seq       uint64          `json:"seq"`
	RequestID string          `json:"request_id"`
	Actor     Actor           `json:"actor"`
	Type      EventType       `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	At        time.Time       `json:"at"`
}

// Payload variants, one per event type that carries data.

type CreatedPayload struct {
	UserID        string   `json:"user_id"`
	VehicleType   string   `json:"vehicle_type"`
	ProblemType   string   `json:"problem_type"`
	Description   string   `json:"description,omitempty"`
	Pickup        Location `json:"pickup"`
	PickupAddress string   `json:"pickup_address,omitempty"`
	Priority      Priority `json:"priority"`
	EstimatedCost float64  `json:"estimated_cost"`
}

type OfferPayload struct {
	OfferID    string    `json:"offer_id"`
	MechanicID string    `json:"mechanic_id"`
	Wave       int       `json:"wave"`
	Rank       int       `json:"rank"`
	DistanceM  float64   `json:"distance_m,omitempty"`
	ExpiresAt  time.Time `json:"expires_at,omitempty"`
	Reason     string    `json:"reason,omitempty"`
}

type StatusPayload struct {
	From State `json:"from"`
	To   State `json:"to"`
}

type CancelPayload struct {
	Reason string `json:"reason"`
}

type CompletedPayload struct {
	ActualCost float64 `json:"actual_cost"`
}

type FailedPayload struct {
	Reason string `json:"reason"`
}

type RatingPayload struct {
	Rating int `json:"rating"`
}

// MustPayload marshals a payload variant; payload structs never fail to
// marshal.
func MustPayload(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

// Apply folds one event into the projection. The switch is exhaustive
// over the persisted event set; unknown types are an error so that a
// schema drift is caught instead of silently skipped.
func Apply(r *Request, e Event) error {
	switch e.Type {
	case EventRequestCreated:
		var p CreatedPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return fmt.Errorf("decode %s payload: %w", e.Type, err)
		}
		r.ID = e.RequestID
		r.UserID = p.UserID
		r.VehicleType = p.VehicleType
		r.ProblemType = p.ProblemType
		r.Description = p.Description
		r.Pickup = p.Pickup
		r.PickupAddress = p.PickupAddress
		r.Priority = p.Priority
		r.EstimatedCost = p.EstimatedCost
		r.State = StateOpen
		r.CreatedAt = e.At
		r.Timeline = append(r.Timeline, TimelineEntry{State: StateOpen, At: e.At})

	case EventOfferMade:
		if r.State == StateOpen {
			r.State = StateOffered
			r.Timeline = append(r.Timeline, TimelineEntry{State: StateOffered, At: e.At})
		}

	case EventOfferAccepted:
		var p OfferPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return fmt.Errorf("decode %s payload: %w", e.Type, err)
		}
		r.State = StateAccepted
		r.MechanicID = p.MechanicID
		r.Timeline = append(r.Timeline, TimelineEntry{State: StateAccepted, At: e.At})

	case EventOfferRejected, EventOfferTimedOut, EventOfferSuperseded:
		// offer bookkeeping only, projection state untouched

	case EventStatusChanged:
		var p StatusPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return fmt.Errorf("decode %s payload: %w", e.Type, err)
		}
		r.State = p.To
		r.Timeline = append(r.Timeline, TimelineEntry{State: p.To, At: e.At})

	case EventRequestCancelled:
		var p CancelPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return fmt.Errorf("decode %s payload: %w", e.Type, err)
		}
		r.State = StateCancelled
		r.CancellationReason = p.Reason
		r.Timeline = append(r.Timeline, TimelineEntry{State: StateCancelled, At: e.At})

	case EventRequestExpired:
		r.State = StateExpired
		r.Timeline = append(r.Timeline, TimelineEntry{State: StateExpired, At: e.At})

	case EventRequestCompleted:
		var p CompletedPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return fmt.Errorf("decode %s payload: %w", e.Type, err)
		}
		r.State = StateCompleted
		r.ActualCost = p.ActualCost
		r.HasActualCost = true
		r.Timeline = append(r.Timeline, TimelineEntry{State: StateCompleted, At: e.At})

	case EventRequestFailed:
		r.State = StateFailed
		r.Timeline = append(r.Timeline, TimelineEntry{State: StateFailed, At: e.At})

	case EventRatingAttached:
		var p RatingPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return fmt.Errorf("decode %s payload: %w", e.Type, err)
		}
		r.Rating = p.Rating
		r.HasRating = true

	default:
		return fmt.Errorf("unknown event type %q at seq %d", e.Type, e.Seq)
	}

	r.Seq = e.Seq
	r.UpdatedAt = e.At
	return nil
}

// Replay reconstructs the projection from a full event log.
func Replay(events []Event) (Request, error) {
	var r Request
	for _, e := range events {
		if err := Apply(&r, e); err != nil {
			return Request{}, err
		}
	}
	return r, nil
}
