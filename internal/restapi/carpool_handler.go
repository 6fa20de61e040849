package restapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"amarillo.mfdz.de/internal/app"
	"amarillo.mfdz.de/internal/models"
	"amarillo.mfdz.de/internal/utils"
)

func (api *RestAPI) listCarpoolsHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := api.authenticate(w, r)
	if !ok {
		return
	}

	ids := []string{}
	for _, id := range api.Carpools.ListIDs() {
		agencyID, _, err := utils.ExtractAgencyIDAndOfferID(id)
		if err == nil && app.CanAccessAgency(caller, agencyID) {
			ids = append(ids, id)
		}
	}
	api.sendResponse(w, r, ids)
}

func (api *RestAPI) postCarpoolHandler(w http.ResponseWriter, r *http.Request) {
	var offer models.Offer
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxOfferBytes))
	if err := decoder.Decode(&offer); err != nil {
		api.validationErrorResponse(w, r, map[string][]string{"body": {err.Error()}})
		return
	}

	if !api.authorizeAgency(w, r, offer.Agency) {
		return
	}

	trip, err := api.Carpools.StoreOffer(r.Context(), offer)
	switch {
	case errors.Is(err, models.ErrQuarantined):
		// stored, but it will not show up in the feeds
		api.sendStatus(w, r, http.StatusAccepted, err.Error())
	case err != nil:
		api.errorFor(w, r, err)
	default:
		api.sendJSON(w, r, http.StatusOK, map[string]any{
			"id":          trip.ID,
			"lastUpdated": trip.LastUpdated,
			"stops":       len(trip.StopTimes),
		})
	}
}

// carpoolParams validates the :agency and :id path parameters.
func (api *RestAPI) carpoolParams(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	agencyID := utils.ExtractIDFromParams(r, "agency")
	offerID := utils.ExtractIDFromParams(r, "id")

	fieldErrors := map[string][]string{}
	if err := utils.ValidateID(agencyID); err != nil {
		fieldErrors["agency"] = []string{err.Error()}
	}
	if err := utils.ValidateID(offerID); err != nil {
		fieldErrors["id"] = []string{err.Error()}
	}
	if len(fieldErrors) > 0 {
		api.validationErrorResponse(w, r, fieldErrors)
		return "", "", false
	}
	return agencyID, offerID, true
}

func (api *RestAPI) getCarpoolHandler(w http.ResponseWriter, r *http.Request) {
	agencyID, offerID, ok := api.carpoolParams(w, r)
	if !ok || !api.authorizeAgency(w, r, agencyID) {
		return
	}

	get := api.Carpools.GetOffer
	if enhanced := strings.ToLower(r.URL.Query().Get("enhanced")); enhanced == "true" || enhanced == "1" {
		get = api.Carpools.GetEnhancedOffer
	}

	offer, err := get(agencyID, offerID)
	if err != nil {
		api.errorFor(w, r, err)
		return
	}
	api.sendResponse(w, r, offer)
}

func (api *RestAPI) deleteCarpoolHandler(w http.ResponseWriter, r *http.Request) {
	agencyID, offerID, ok := api.carpoolParams(w, r)
	if !ok || !api.authorizeAgency(w, r, agencyID) {
		return
	}

	if err := api.Carpools.DeleteOffer(r.Context(), agencyID, offerID); err != nil {
		api.errorFor(w, r, err)
		return
	}
	api.sendStatus(w, r, http.StatusOK, "deleted "+utils.FormTripID(agencyID, offerID))
}
