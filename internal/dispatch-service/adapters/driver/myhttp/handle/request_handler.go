package handle

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"roadside/internal/dispatch-service/core/domain/dto"
	"roadside/internal/dispatch-service/core/domain/model"
	"roadside/internal/dispatch-service/core/services"
	"roadside/internal/mylogger"
)

type RequestsHandler struct {
	engine     *services.Engine
	dispatcher *services.Dispatcher
	gov        *services.Governor
	log        mylogger.Logger
}

func NewRequestsHandler(engine *services.Engine, dispatcher *services.Dispatcher, gov *services.Governor, log mylogger.Logger) *RequestsHandler {
	return &RequestsHandler{
		engine:     engine,
		dispatcher: dispatcher,
		gov:        gov,
		log:        log,
	}
}

// Create handles POST /requests: open the request and kick off dispatch.
func (rh *RequestsHandler) Create() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := rh.log.Action("CreateRequest")
		actor := principal(r)

		req := dto.CreateRequestDto{}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			JsonError(w, http.StatusBadRequest, err)
			return
		}

		// The pickup address is a caller-supplied snapshot. A missing one
		// means the gateway will spend a reverse-geocode call, which is
		// what the governor's bucket budgets.
		if req.PickupAddress == "" && !rh.gov.MayGeocode(actor.ID) {
			JsonError(w, http.StatusTooManyRequests, fmt.Errorf("geocoding budget exhausted, retry later"))
			return
		}

		params := services.CreateParams{
			VehicleType:   req.VehicleType,
			ProblemType:   req.ProblemType,
			Description:   req.Description,
			Pickup:        model.Location{Longitude: req.PickupLocation[0], Latitude: req.PickupLocation[1]},
			PickupAddress: req.PickupAddress,
			Priority:      model.Priority(req.Priority),
			MechanicID:    req.MechanicID,
		}
		params.EstimatedCost = services.EstimateCost(params.ProblemType, params.Priority)

		created, err := rh.engine.Create(r.Context(), actor, params)
		if err != nil {
			kindError(w, err)
			return
		}

		if err := rh.dispatcher.Dispatch(r.Context(), created, req.MechanicID); err != nil {
			log.Error("dispatch after create failed", err, "request_id", created.ID)
		}

		log.Info("request created", "request_id", created.ID, "user_id", actor.ID, "priority", created.Priority)
		jsonResponse(w, http.StatusCreated, dto.RequestResponseDto{
			RequestID:     created.ID,
			Status:        string(created.State),
			Priority:      string(created.Priority),
			EstimatedCost: created.EstimatedCost,
			CreatedAt:     created.CreatedAt.Format(httpTimeFormat),
		})
	}
}

// Get handles GET /requests/{request_id}.
func (rh *RequestsHandler) Get() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := r.PathValue("request_id")
		req, err := rh.engine.Get(r.Context(), requestID)
		if err != nil {
			kindError(w, err)
			return
		}
		jsonResponse(w, http.StatusOK, dto.NewRequestView(req))
	}
}

// Events handles GET /requests/{request_id}/events?since=N, the replay
// API clients use to recover after a disconnect.
func (rh *RequestsHandler) Events() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := r.PathValue("request_id")
		var since uint64
		if s := r.URL.Query().Get("since"); s != "" {
			v, err := strconv.ParseUint(s, 10, 64)
			if err != nil {
				JsonError(w, http.StatusBadRequest, fmt.Errorf("invalid since: %v", err))
				return
			}
			since = v
		}
		events, err := rh.engine.Events(r.Context(), requestID, since)
		if err != nil {
			kindError(w, err)
			return
		}
		jsonResponse(w, http.StatusOK, events)
	}
}

// Accept handles PUT /requests/{request_id}/accept from a mechanic.
func (rh *RequestsHandler) Accept() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor := principal(r)
		requestID := r.PathValue("request_id")

		req, err := rh.dispatcher.Accept(r.Context(), actor.ID, requestID)
		if err != nil {
			kindError(w, err)
			return
		}
		jsonResponse(w, http.StatusOK, dto.NewRequestView(req))
	}
}

// Reject handles PUT /requests/{request_id}/reject from a mechanic.
func (rh *RequestsHandler) Reject() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor := principal(r)
		requestID := r.PathValue("request_id")

		body := dto.RejectOfferDto{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			JsonError(w, http.StatusBadRequest, err)
			return
		}
		if err := rh.dispatcher.Reject(r.Context(), actor.ID, requestID, body.Reason); err != nil {
			kindError(w, err)
			return
		}
		jsonResponse(w, http.StatusOK, map[string]string{"status": "rejected"})
	}
}

// Status handles PUT /requests/{request_id}/status: the assigned
// mechanic walks the request through EN_ROUTE, ARRIVED, WORKING and
// COMPLETED.
func (rh *RequestsHandler) Status() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor := principal(r)
		requestID := r.PathValue("request_id")

		body := dto.StatusUpdateDto{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			JsonError(w, http.StatusBadRequest, err)
			return
		}

		req, err := rh.engine.UpdateStatus(r.Context(), actor, requestID, model.State(body.Status), body.ActualCost)
		if err != nil {
			kindError(w, err)
			return
		}
		jsonResponse(w, http.StatusOK, dto.NewRequestView(req))
	}
}

// Cancel handles PUT /requests/{request_id}/cancel.
func (rh *RequestsHandler) Cancel() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor := principal(r)
		requestID := r.PathValue("request_id")

		body := dto.CancelRequestDto{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			JsonError(w, http.StatusBadRequest, err)
			return
		}

		req, err := rh.engine.Cancel(r.Context(), actor, requestID, body.Reason)
		if err != nil {
			kindError(w, err)
			return
		}
		jsonResponse(w, http.StatusOK, dto.NewRequestView(req))
	}
}

// Rating handles PUT /requests/{request_id}/rating within the grace
// window after completion.
func (rh *RequestsHandler) Rating() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor := principal(r)
		requestID := r.PathValue("request_id")

		body := dto.RatingDto{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			JsonError(w, http.StatusBadRequest, err)
			return
		}

		req, err := rh.engine.AttachRating(r.Context(), actor, requestID, body.Rating)
		if err != nil {
			kindError(w, err)
			return
		}
		jsonResponse(w, http.StatusOK, dto.NewRequestView(req))
	}
}

const httpTimeFormat = "2006-01-02T15:04:05Z07:00"
