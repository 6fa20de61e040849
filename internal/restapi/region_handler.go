package restapi

import (
	"errors"
	"io/fs"
	"net/http"
	"os"

	"amarillo.mfdz.de/internal/gtfs"
	"amarillo.mfdz.de/internal/models"
	"amarillo.mfdz.de/internal/utils"
)

const (
	contentTypeProtobuf = "application/x-protobuf"
	contentTypeZip      = "application/zip"
)

func (api *RestAPI) listRegionsHandler(w http.ResponseWriter, r *http.Request) {
	api.sendResponse(w, r, api.Registry.Regions())
}

// region resolves the :region path parameter or answers 400/404.
func (api *RestAPI) region(w http.ResponseWriter, r *http.Request) (models.Region, bool) {
	regionID := utils.ExtractIDFromParams(r, "region")
	if err := utils.ValidateID(regionID); err != nil {
		api.validationErrorResponse(w, r, map[string][]string{"region": {err.Error()}})
		return models.Region{}, false
	}
	region, err := api.Registry.Region(regionID)
	if err != nil {
		api.errorFor(w, r, err)
		return models.Region{}, false
	}
	return region, true
}

// gtfsHandler serves the static feed written by the midnight job, exporting
// it first when it does not exist yet.
func (api *RestAPI) gtfsHandler(w http.ResponseWriter, r *http.Request) {
	region, ok := api.region(w, r)
	if !ok {
		return
	}

	path := api.Feeds.StaticPath(region.ID)
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		if path, err = api.Feeds.ExportGTFS(region.ID); err != nil {
			api.serverErrorResponse(w, r, err)
			return
		}
	}

	w.Header().Set("Content-Type", contentTypeZip)
	http.ServeFile(w, r, path)
}

// gtfsRealtimeHandler serves the last generated realtime feed of a region.
func (api *RestAPI) gtfsRealtimeHandler(w http.ResponseWriter, r *http.Request) {
	region, ok := api.region(w, r)
	if !ok {
		return
	}

	format, err := gtfs.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		api.validationErrorResponse(w, r, map[string][]string{"format": {err.Error()}})
		return
	}

	data, err := os.ReadFile(api.Feeds.RealtimePath(region.ID, format))
	if errors.Is(err, fs.ErrNotExist) {
		data, err = api.Feeds.ExportGTFSRT(region.ID, format)
	}
	if err != nil {
		api.serverErrorResponse(w, r, err)
		return
	}

	if format == gtfs.FormatJSON {
		setJSONResponseType(w)
	} else {
		w.Header().Set("Content-Type", contentTypeProtobuf)
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
