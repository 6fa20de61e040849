package restapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"amarillo.mfdz.de/internal/logging"
	"amarillo.mfdz.de/internal/models"
	"amarillo.mfdz.de/internal/registry"
)

// errorResponse is the body of every non 2xx answer.
type errorResponse struct {
	Code        int    `json:"code"`
	CurrentTime int64  `json:"currentTime"`
	Text        string `json:"text"`
	Version     int    `json:"version"`
}

func (api *RestAPI) errorResponse(w http.ResponseWriter, r *http.Request, status int, text string) {
	response := errorResponse{
		Code:        status,
		CurrentTime: api.now().UnixMilli(),
		Text:        text,
		Version:     1,
	}

	setJSONResponseType(w)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		logging.LogError(logging.FromContext(r.Context()), "failed to encode error response", err)
	}
}

// invalidAPIKeyResponse sends a 401 Unauthorized response
func (api *RestAPI) invalidAPIKeyResponse(w http.ResponseWriter, r *http.Request) {
	api.errorResponse(w, r, http.StatusUnauthorized, "permission denied")
}

func (api *RestAPI) forbiddenResponse(w http.ResponseWriter, r *http.Request) {
	api.errorResponse(w, r, http.StatusForbidden, "operation not permitted for this api key")
}

func (api *RestAPI) notFoundResponse(w http.ResponseWriter, r *http.Request) {
	api.errorResponse(w, r, http.StatusNotFound, "resource not found")
}

func (api *RestAPI) serverErrorResponse(w http.ResponseWriter, r *http.Request, err error) {
	logging.LogError(logging.FromContext(r.Context()), "request failed", err,
		slog.String("path", r.URL.Path))
	api.errorResponse(w, r, http.StatusInternalServerError, "internal server error")
}

// validationErrorResponse sends a 400 Bad Request response with field-specific validation errors
func (api *RestAPI) validationErrorResponse(w http.ResponseWriter, r *http.Request, fieldErrors map[string][]string) {
	response := struct {
		Code        int                 `json:"code"`
		CurrentTime int64               `json:"currentTime"`
		Text        string              `json:"text"`
		Version     int                 `json:"version"`
		FieldErrors map[string][]string `json:"fieldErrors"`
	}{
		Code:        http.StatusBadRequest,
		CurrentTime: api.now().UnixMilli(),
		Text:        "validation failed",
		Version:     1,
		FieldErrors: fieldErrors,
	}

	setJSONResponseType(w)
	w.WriteHeader(http.StatusBadRequest)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		logging.LogError(logging.FromContext(r.Context()), "failed to encode validation error response", err)
	}
}

// errorFor maps the error taxonomy onto status codes.
func (api *RestAPI) errorFor(w http.ResponseWriter, r *http.Request, err error) {
	var parseErr *models.ParseError
	switch {
	case errors.As(err, &parseErr):
		api.validationErrorResponse(w, r, models.FieldErrors(parseErr.Err))
	case errors.Is(err, models.ErrNotFound):
		api.errorResponse(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, models.ErrConflict):
		api.errorResponse(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, models.ErrOutdated):
		api.errorResponse(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, registry.ErrInvalidAPIKey):
		api.invalidAPIKeyResponse(w, r)
	case errors.Is(err, models.ErrUpstreamFetch):
		api.errorResponse(w, r, http.StatusBadGateway, err.Error())
	default:
		api.serverErrorResponse(w, r, err)
	}
}
