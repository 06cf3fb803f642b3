package dto

import (
	"time"

	"roadside/internal/dispatch-service/core/domain/model"
)

// CreateRequestDto is the body of POST /requests. Coordinates arrive in
// the stored [longitude, latitude] order.
type CreateRequestDto struct {
	VehicleType    string     `json:"vehicleType"`
	ProblemType    string     `json:"problemType"`
	Description    string     `json:"description"`
	PickupLocation [2]float64 `json:"pickupLocation"`
	PickupAddress  string     `json:"pickupAddress"`
	Priority       string     `json:"priority"`
	MechanicID     string     `json:"mechanicId,omitempty"`
}

type RequestResponseDto struct {
	RequestID     string  `json:"requestId"`
	Status        string  `json:"status"`
	Priority      string  `json:"priority"`
	EstimatedCost float64 `json:"estimatedCost"`
	CreatedAt     string  `json:"createdAt"`
}

type CancelRequestDto struct {
	Reason string `json:"reason"`
}

type RejectOfferDto struct {
	Reason string `json:"reason"`
}

type StatusUpdateDto struct {
	Status     string   `json:"status"`
	ActualCost *float64 `json:"actualCost,omitempty"`
}

type RatingDto struct {
	Rating int `json:"rating"`
}

// RequestView is the read form of a request returned by GET endpoints.
type RequestView struct {
	RequestID          string                `json:"requestId"`
	UserID             string                `json:"userId"`
	MechanicID         string                `json:"mechanicId,omitempty"`
	VehicleType        string                `json:"vehicleType"`
	ProblemType        string                `json:"problemType"`
	Description        string                `json:"description,omitempty"`
	PickupLocation     [2]float64            `json:"pickupLocation"`
	PickupAddress      string                `json:"pickupAddress,omitempty"`
	Priority           string                `json:"priority"`
	Status             string                `json:"status"`
	EstimatedCost      float64               `json:"estimatedCost"`
	ActualCost         *float64              `json:"actualCost,omitempty"`
	CancellationReason string                `json:"cancellationReason,omitempty"`
	Rating             *int                  `json:"rating,omitempty"`
	Timeline           []model.TimelineEntry `json:"timeline"`
	CreatedAt          time.Time             `json:"createdAt"`
	UpdatedAt          time.Time             `json:"updatedAt"`
}

// NewRequestView converts the projection to its wire form.
func NewRequestView(r model.Request) RequestView {
	v := RequestView{
		RequestID:          r.ID,
		UserID:             r.UserID,
		MechanicID:         r.MechanicID,
		VehicleType:        r.VehicleType,
		ProblemType:        r.ProblemType,
		Description:        r.Description,
		PickupLocation:     [2]float64{r.Pickup.Longitude, r.Pickup.Latitude},
		PickupAddress:      r.PickupAddress,
		Priority:           string(r.Priority),
		Status:             string(r.State),
		EstimatedCost:      r.EstimatedCost,
		CancellationReason: r.CancellationReason,
		Timeline:           r.Timeline,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}
	if r.HasActualCost {
		cost := r.ActualCost
		v.ActualCost = &cost
	}
	if r.HasRating {
		rating := r.Rating
		v.Rating = &rating
	}
	return v
}
