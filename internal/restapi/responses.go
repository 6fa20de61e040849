package restapi

import (
	"encoding/json"
	"net/http"

	"amarillo.mfdz.de/internal/logging"
)

func (api *RestAPI) sendJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	setJSONResponseType(w)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.LogError(logging.FromContext(r.Context()), "failed to encode response", err)
	}
}

func (api *RestAPI) sendResponse(w http.ResponseWriter, r *http.Request, v any) {
	api.sendJSON(w, r, http.StatusOK, v)
}

// sendStatus answers with the error envelope carrying a success code.
func (api *RestAPI) sendStatus(w http.ResponseWriter, r *http.Request, status int, text string) {
	api.sendJSON(w, r, status, errorResponse{
		Code:        status,
		CurrentTime: api.now().UnixMilli(),
		Text:        text,
		Version:     1,
	})
}

func setJSONResponseType(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
}
