package handle

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"roadside/internal/dispatch-service/core/domain/dto"
	"roadside/internal/dispatch-service/core/domain/model"
	"roadside/internal/dispatch-service/core/services"
	"roadside/internal/mylogger"
)

type MechanicsHandler struct {
	idx    *services.PresenceIndex
	geo    *services.GeoQuery
	engine *services.Engine
	log    mylogger.Logger

	defaultRadiusM float64
}

func NewMechanicsHandler(idx *services.PresenceIndex, geo *services.GeoQuery, engine *services.Engine, defaultRadiusM float64, log mylogger.Logger) *MechanicsHandler {
	return &MechanicsHandler{
		idx:            idx,
		geo:            geo,
		engine:         engine,
		log:            log,
		defaultRadiusM: defaultRadiusM,
	}
}

// Nearby handles GET /mechanics/nearby with the ranked candidate list.
func (mh *MechanicsHandler) Nearby() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		lon, errLon := strconv.ParseFloat(q.Get("longitude"), 64)
		lat, errLat := strconv.ParseFloat(q.Get("latitude"), 64)
		if errLon != nil || errLat != nil {
			JsonError(w, http.StatusBadRequest, fmt.Errorf("longitude and latitude are required numbers"))
			return
		}

		radius := mh.defaultRadiusM
		if s := q.Get("maxDistance"); s != "" {
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				JsonError(w, http.StatusBadRequest, fmt.Errorf("invalid maxDistance: %v", err))
				return
			}
			radius = v
		}

		filter := services.GeoFilter{
			VehicleType:        q.Get("vehicleType"),
			Skill:              q.Get("skill"),
			IncludeUnavailable: q.Get("includeUnavailable") == "true",
		}

		candidates, err := mh.geo.Nearest(model.Location{Longitude: lon, Latitude: lat}, radius, filter, 0)
		if err != nil {
			kindError(w, err)
			return
		}

		out := make([]dto.NearbyMechanicDto, 0, len(candidates))
		for _, c := range candidates {
			out = append(out, dto.NearbyMechanicDto{
				MechanicID:        c.MechanicID,
				DistanceM:         c.DistanceM,
				Available:         c.Available,
				Rating:            c.Rating,
				CapacityRemaining: c.CapacityRemaining,
			})
		}
		jsonResponse(w, http.StatusOK, out)
	}
}

// Availability handles PUT /mechanics/availability: presence toggle with
// an optional check-in when a location rides along.
func (mh *MechanicsHandler) Availability() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor := principal(r)

		body := dto.AvailabilityDto{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			JsonError(w, http.StatusBadRequest, err)
			return
		}

		var err error
		if body.CurrentLocation != nil {
			pos := model.Location{Longitude: body.CurrentLocation[0], Latitude: body.CurrentLocation[1]}
			err = mh.idx.CheckIn(r.Context(), actor.ID, pos, &body.IsAvailable)
		} else {
			err = mh.idx.ToggleAvailability(r.Context(), actor.ID, body.IsAvailable)
		}
		if err != nil {
			kindError(w, err)
			return
		}

		msg := "You are now offline"
		if body.IsAvailable {
			msg = "You are now available for requests"
		}
		jsonResponse(w, http.StatusOK, dto.AvailabilityResponseDto{
			MechanicID:  actor.ID,
			IsAvailable: body.IsAvailable,
			Message:     msg,
		})
	}
}

// Location handles PUT /mechanics/location: the heartbeat. The position
// also streams into the live room of any request this mechanic is
// currently en route for.
func (mh *MechanicsHandler) Location() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor := principal(r)

		body := dto.LocationDto{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			JsonError(w, http.StatusBadRequest, err)
			return
		}

		pos := model.Location{Longitude: body.Coordinates[0], Latitude: body.Coordinates[1]}
		if err := mh.idx.CheckIn(r.Context(), actor.ID, pos, nil); err != nil {
			kindError(w, err)
			return
		}
		mh.engine.StreamPosition(r.Context(), actor.ID, pos)

		jsonResponse(w, http.StatusOK, dto.HeartbeatResponseDto{
			MechanicID: actor.ID,
			UpdatedAt:  time.Now().Format(time.RFC3339),
		})
	}
}
