package dto

import (
	"encoding/json"
	"time"
)

// Live channel event names per the public contract. Legacy names from
// older clients are not accepted or emitted.
const (
	LiveOfferMade              = "OfferMade"
	LiveOfferWithdrawn         = "OfferWithdrawn"
	LiveRequestStatusChanged   = "RequestStatusChanged"
	LiveMechanicPositionUpdate = "MechanicPositionUpdate"
	LiveRequestCancelled       = "RequestCancelled"
	LiveRequestCompleted       = "RequestCompleted"
	LiveRequestExpired         = "RequestExpired"
)

// LiveEvent is the envelope delivered on every subscription. Seq is the
// request's event sequence; consumers dedupe on it. Position updates are
// broadcast-only and carry Seq 0.
type LiveEvent struct {
	RequestID string          `json:"requestId"`
	Seq       uint64          `json:"seq"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Ts        time.Time       `json:"ts"`
}

// PositionPayload is the payload of MechanicPositionUpdate.
type PositionPayload struct {
	MechanicID  string     `json:"mechanicId"`
	Coordinates [2]float64 `json:"coordinates"`
}

// SubscribeDto is the message a websocket client sends to join a
// per-request room, carrying its last seen sequence for replay.
type SubscribeDto struct {
	RequestID string `json:"requestId"`
	LastSeq   uint64 `json:"lastSeq"`
}
