package app

import (
	"net/http"

	"amarillo.mfdz.de/internal/registry"
	"amarillo.mfdz.de/internal/utils"
)

// RequestCaller resolves the api key of a request to an agency id, or to
// registry.AdminID for the admin token.
func (app *Application) RequestCaller(r *http.Request) (string, error) {
	return app.Registry.CheckAPIKey(utils.APIKeyFromRequest(r))
}

// CanAccessAgency reports whether caller may act on behalf of agencyID.
func CanAccessAgency(caller, agencyID string) bool {
	return caller == registry.AdminID || caller == agencyID
}

func IsAdmin(caller string) bool {
	return caller == registry.AdminID
}
