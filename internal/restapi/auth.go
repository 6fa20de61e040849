package restapi

import (
	"net/http"

	"amarillo.mfdz.de/internal/app"
)

// authenticate resolves the caller of a request or answers 401.
func (api *RestAPI) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	caller, err := api.RequestCaller(r)
	if err != nil {
		api.invalidAPIKeyResponse(w, r)
		return "", false
	}
	return caller, true
}

// authorizeAgency answers 401 or 403 unless the caller may act for agencyID.
func (api *RestAPI) authorizeAgency(w http.ResponseWriter, r *http.Request, agencyID string) bool {
	caller, ok := api.authenticate(w, r)
	if !ok {
		return false
	}
	if !app.CanAccessAgency(caller, agencyID) {
		api.forbiddenResponse(w, r)
		return false
	}
	return true
}

func (api *RestAPI) authorizeAdmin(w http.ResponseWriter, r *http.Request) bool {
	caller, ok := api.authenticate(w, r)
	if !ok {
		return false
	}
	if !app.IsAdmin(caller) {
		api.forbiddenResponse(w, r)
		return false
	}
	return true
}
