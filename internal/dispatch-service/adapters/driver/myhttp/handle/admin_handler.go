package handle

import (
	"context"
	"net/http"

	"roadside/internal/dispatch-service/core/domain/dto"
	"roadside/internal/dispatch-service/core/domain/model"
	"roadside/internal/dispatch-service/core/services"
	"roadside/internal/mylogger"
)

// IOverviewRepo is the projection query the operator snapshot needs.
type IOverviewRepo interface {
	RequestsByState(ctx context.Context) (map[string]int, error)
}

type AdminHandler struct {
	overview   IOverviewRepo
	idx        *services.PresenceIndex
	dispatcher *services.Dispatcher
	log        mylogger.Logger
}

func NewAdminHandler(overview IOverviewRepo, idx *services.PresenceIndex, dispatcher *services.Dispatcher, log mylogger.Logger) *AdminHandler {
	return &AdminHandler{
		overview:   overview,
		idx:        idx,
		dispatcher: dispatcher,
		log:        log,
	}
}

// Overview handles GET /admin/overview.
func (ah *AdminHandler) Overview() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		byState, err := ah.overview.RequestsByState(r.Context())
		if err != nil {
			ah.log.Error("overview query failed", err)
			JsonError(w, http.StatusServiceUnavailable, err)
			return
		}

		fresh := ah.idx.Scan(nil)
		online := 0
		for _, p := range fresh {
			if p.Available {
				online++
			}
		}
		dispatches, pending := ah.dispatcher.PendingOffers()

		jsonResponse(w, http.StatusOK, dto.OverviewDto{
			RequestsByState:  byState,
			MechanicsOnline:  online,
			MechanicsFresh:   len(fresh),
			PendingOffers:    pending,
			ActiveDispatches: dispatches,
		})
	}
}

// RegisterMechanic handles PUT /admin/mechanics/{mechanic_id}: the
// profile sync from the account system (capabilities, capacity,
// verification).
func (ah *AdminHandler) RegisterMechanic() http.HandlerFunc {
	type registerDto struct {
		MaxConcurrent  int      `json:"maxConcurrent"`
		VehicleTypes   []string `json:"vehicleTypes"`
		Skills         []string `json:"skills"`
		ServiceRadiusM float64  `json:"serviceRadiusM"`
		Verified       bool     `json:"verified"`
		Rating         float64  `json:"rating"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		mechanicID := r.PathValue("mechanic_id")

		var body registerDto
		if err := decodeJSON(r, &body); err != nil {
			JsonError(w, http.StatusBadRequest, err)
			return
		}

		err := ah.idx.Register(r.Context(), model.Presence{
			MechanicID:     mechanicID,
			MaxConcurrent:  body.MaxConcurrent,
			VehicleTypes:   body.VehicleTypes,
			Skills:         body.Skills,
			ServiceRadiusM: body.ServiceRadiusM,
			Verified:       body.Verified,
			Rating:         body.Rating,
		})
		if err != nil {
			kindError(w, err)
			return
		}
		jsonResponse(w, http.StatusOK, map[string]string{"mechanicId": mechanicID, "status": "registered"})
	}
}

// DeactivateMechanic handles DELETE /admin/mechanics/{mechanic_id}.
func (ah *AdminHandler) DeactivateMechanic() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mechanicID := r.PathValue("mechanic_id")
		if err := ah.idx.Deactivate(r.Context(), mechanicID); err != nil {
			kindError(w, err)
			return
		}
		jsonResponse(w, http.StatusOK, map[string]string{"mechanicId": mechanicID, "status": "deactivated"})
	}
}
