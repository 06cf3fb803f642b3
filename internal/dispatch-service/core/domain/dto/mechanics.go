package dto

// AvailabilityDto is the body of PUT /mechanics/availability.
type AvailabilityDto struct {
	IsAvailable     bool        `json:"isAvailable"`
	CurrentLocation *[2]float64 `json:"currentLocation,omitempty"`
}

// LocationDto is the heartbeat body of PUT /mechanics/location.
type LocationDto struct {
	Coordinates [2]float64 `json:"coordinates"`
}

// NearbyMechanicDto is one entry of the ranked GET /mechanics/nearby
// response.
type NearbyMechanicDto struct {
	MechanicID        string  `json:"mechanicId"`
	DistanceM         float64 `json:"distanceM"`
	Available         bool    `json:"available"`
	Rating            float64 `json:"rating"`
	CapacityRemaining int     `json:"capacityRemaining"`
}

type AvailabilityResponseDto struct {
	MechanicID  string `json:"mechanicId"`
	IsAvailable bool   `json:"isAvailable"`
	Message     string `json:"message"`
}

type HeartbeatResponseDto struct {
	MechanicID string `json:"mechanicId"`
	UpdatedAt  string `json:"updatedAt"`
}
