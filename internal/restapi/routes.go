package restapi

import (
	"net/http"

	"github.com/julienschmidt/httprouter"
)

// SetRoutes registers every endpoint on the router.
func (api *RestAPI) SetRoutes(router *httprouter.Router) {
	router.HandlerFunc(http.MethodGet, "/carpool/", api.listCarpoolsHandler)
	router.HandlerFunc(http.MethodPost, "/carpool/", api.postCarpoolHandler)
	router.HandlerFunc(http.MethodGet, "/carpool/:agency/:id", api.getCarpoolHandler)
	router.HandlerFunc(http.MethodDelete, "/carpool/:agency/:id", api.deleteCarpoolHandler)

	router.HandlerFunc(http.MethodPost, "/sync", api.syncAllHandler)
	router.HandlerFunc(http.MethodPost, "/sync/:agency", api.syncAgencyHandler)

	router.HandlerFunc(http.MethodGet, "/agencyconf/", api.listAgencyConfsHandler)
	router.HandlerFunc(http.MethodPost, "/agencyconf/", api.postAgencyConfHandler)
	router.HandlerFunc(http.MethodDelete, "/agencyconf/:agency", api.deleteAgencyConfHandler)

	router.HandlerFunc(http.MethodGet, "/region/", api.listRegionsHandler)
	router.HandlerFunc(http.MethodGet, "/region/:region/gtfs", api.gtfsHandler)
	router.HandlerFunc(http.MethodGet, "/region/:region/gtfs-rt", api.gtfsRealtimeHandler)

	router.Handler(http.MethodGet, "/metrics", api.Metrics.Handler())
	router.HandlerFunc(http.MethodGet, "/health", api.healthHandler)
	router.Handler(http.MethodGet, "/", api.statusPage)

	router.NotFound = http.HandlerFunc(api.notFoundResponse)
	router.MethodNotAllowed = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		api.errorResponse(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})
}
