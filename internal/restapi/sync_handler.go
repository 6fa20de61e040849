package restapi

import (
	"log/slog"
	"net/http"

	"amarillo.mfdz.de/internal/logging"
	"amarillo.mfdz.de/internal/trips"
	"amarillo.mfdz.de/internal/utils"
)

type syncResult struct {
	Agency string   `json:"agency,omitempty"`
	Trips  []string `json:"trips"`
	Error  string   `json:"error,omitempty"`
}

func (api *RestAPI) syncAllHandler(w http.ResponseWriter, r *http.Request) {
	if !api.authorizeAdmin(w, r) {
		return
	}
	api.runSync(w, r, "")
}

func (api *RestAPI) syncAgencyHandler(w http.ResponseWriter, r *http.Request) {
	agencyID := utils.ExtractIDFromParams(r, "agency")
	if err := utils.ValidateID(agencyID); err != nil {
		api.validationErrorResponse(w, r, map[string][]string{"agency": {err.Error()}})
		return
	}
	if !api.authorizeAgency(w, r, agencyID) {
		return
	}
	api.runSync(w, r, agencyID)
}

// runSync answers with the synced trip ids. A full sync that failed for some
// agencies still reports what was stored.
func (api *RestAPI) runSync(w http.ResponseWriter, r *http.Request, agencyID string) {
	synced, err := api.Syncer.RunFullSync(r.Context(), agencyID)
	if err != nil && agencyID != "" {
		api.errorFor(w, r, err)
		return
	}

	result := syncResult{Agency: agencyID, Trips: tripIDs(synced)}
	if err != nil {
		logging.LogError(logging.FromContext(r.Context()), "full sync finished with errors", err,
			slog.Int("trips", len(synced)))
		result.Error = err.Error()
	}
	api.sendResponse(w, r, result)
}

func tripIDs(synced []*trips.Trip) []string {
	ids := make([]string, 0, len(synced))
	for _, trip := range synced {
		ids = append(ids, trip.ID)
	}
	return ids
}
