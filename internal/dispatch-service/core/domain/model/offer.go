package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type OfferStatus string

const (
	OfferPending    OfferStatus = "PENDING"
	OfferAccepted   OfferStatus = "ACCEPTED"
	OfferRejected   OfferStatus = "REJECTED"
	OfferTimedOut   OfferStatus = "TIMED_OUT"
	OfferSuperseded OfferStatus = "SUPERSEDED"
)

// Offer is an invitation to one mechanic to take one request. Offers are
// ephemeral: the dispatcher's per-request partition owns them exclusively
// and they die with the request's dispatch cycle.
type Offer struct {
	ID         string
	RequestID  string
	MechanicID string
	Wave       int
	Rank       int
	ExpiresAt  time.Time
	Status     OfferStatus
}

// offerNamespace scopes the deterministic offer ids.
var offerNamespace = uuid.MustParse("7b1e5a44-9c3d-4c6e-9a11-2f8d0b6c5e01")

// OfferID derives a deterministic id from (requestID, mechanicID, wave) so
// that replaying a dispatch cycle never mints a second pending offer for
// the same slot.
func OfferID(requestID, mechanicID string, wave int) string {
	return uuid.NewSHA1(offerNamespace, []byte(fmt.Sprintf("%s/%s/%d", requestID, mechanicID, wave))).String()
}

// Resolved reports whether the offer no longer awaits the mechanic.
func (o *Offer) Resolved() bool {
	return o.Status != OfferPending
}

// Expired uses an inclusive upper bound: an offer whose deadline equals
// now is already timed out.
func (o *Offer) Expired(now time.Time) bool {
	return !now.Before(o.ExpiresAt)
}
