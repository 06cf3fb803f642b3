package handle

import (
	"encoding/json"
	"net/http"

	"roadside/internal/dispatch-service/core/domain/model"
	"roadside/internal/dispatch-service/core/myerrors"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func jsonResponse(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// JsonError writes a bare error with an explicit status. Used by the
// middleware where no core error kind exists.
func JsonError(w http.ResponseWriter, status int, err error) {
	jsonResponse(w, status, errorBody{Code: "Error", Message: err.Error()})
}

// kindError maps a core error to its machine code and status.
func kindError(w http.ResponseWriter, err error) {
	jsonResponse(w, myerrors.HTTPStatus(err), errorBody{
		Code:    myerrors.Kind(err),
		Message: err.Error(),
	})
}

func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

// principal reads the actor the auth middleware attached.
func principal(r *http.Request) model.Actor {
	return model.Actor{
		ID:   r.Header.Get("X-UserId"),
		Role: model.Role(r.Header.Get("X-Role")),
	}
}
