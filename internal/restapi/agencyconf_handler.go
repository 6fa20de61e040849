package restapi

import (
	"encoding/json"
	"net/http"

	"amarillo.mfdz.de/internal/models"
	"amarillo.mfdz.de/internal/utils"
)

// agencyConfView hides the api key.
type agencyConfView struct {
	AgencyID          string        `json:"agency_id"`
	OffersDownloadURL string        `json:"offers_download_url,omitempty"`
	Roles             []models.Role `json:"roles,omitempty"`
}

func viewOf(conf models.AgencyConf) agencyConfView {
	return agencyConfView{
		AgencyID:          conf.AgencyID,
		OffersDownloadURL: conf.OffersDownloadURL,
		Roles:             conf.Roles,
	}
}

func (api *RestAPI) listAgencyConfsHandler(w http.ResponseWriter, r *http.Request) {
	if !api.authorizeAdmin(w, r) {
		return
	}

	confs := api.Registry.AgencyConfs()
	views := make([]agencyConfView, 0, len(confs))
	for _, conf := range confs {
		views = append(views, viewOf(conf))
	}
	api.sendResponse(w, r, views)
}

func (api *RestAPI) postAgencyConfHandler(w http.ResponseWriter, r *http.Request) {
	if !api.authorizeAdmin(w, r) {
		return
	}

	var conf models.AgencyConf
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxOfferBytes)).Decode(&conf); err != nil {
		api.validationErrorResponse(w, r, map[string][]string{"body": {err.Error()}})
		return
	}

	if err := api.Registry.Add(conf); err != nil {
		api.errorFor(w, r, err)
		return
	}
	api.sendJSON(w, r, http.StatusCreated, viewOf(conf))
}

func (api *RestAPI) deleteAgencyConfHandler(w http.ResponseWriter, r *http.Request) {
	if !api.authorizeAdmin(w, r) {
		return
	}

	agencyID := utils.ExtractIDFromParams(r, "agency")
	if err := api.Registry.Delete(agencyID); err != nil {
		api.errorFor(w, r, err)
		return
	}
	api.sendStatus(w, r, http.StatusOK, "deleted agency conf "+agencyID)
}
