package dto

// OverviewDto is the operator snapshot served by GET /admin/overview.
type OverviewDto struct {
	RequestsByState map[string]int `json:"requestsByState"`
	MechanicsOnline int            `json:"mechanicsOnline"`
	MechanicsFresh  int            `json:"mechanicsFresh"`
	PendingOffers   int            `json:"pendingOffers"`
	ActiveDispatches int           `json:"activeDispatches"`
}
