package restapi

import (
	"net/http"
)

type healthResponse struct {
	Status  string `json:"status"`
	Trips   int    `json:"trips"`
	Recent  int    `json:"recent"`
	Deleted int    `json:"deleted"`
	Stops   int    `json:"stops"`
}

func (api *RestAPI) healthHandler(w http.ResponseWriter, r *http.Request) {
	valid, recent, deleted := api.Trips.Counts()
	api.sendResponse(w, r, healthResponse{
		Status:  "ok",
		Trips:   valid,
		Recent:  recent,
		Deleted: deleted,
		Stops:   api.Catalog.Len(),
	})
}
