package webui

import (
	"embed"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/davecgh/go-spew/spew"

	"amarillo.mfdz.de/internal/logging"
	"amarillo.mfdz.de/internal/models"
	"amarillo.mfdz.de/internal/trips"
)

//go:embed status_page.html
var templateFS embed.FS

var statusTemplate = template.Must(template.ParseFS(templateFS, "status_page.html"))

var dumpConfig = spew.ConfigState{Indent: "  ", DisablePointerAddresses: true, SortKeys: true}

type TripSource interface {
	Counts() (valid, recent, deleted int)
	Trips() []*trips.Trip
	RecentTrips() []*trips.Trip
	DeletedTrips() []*trips.Trip
}

type RegistrySource interface {
	Regions() []models.Region
	AgencyIDs() []string
}

type CatalogSource interface {
	Len() int
}

type statusData struct {
	Now      string
	Valid    int
	Recent   int
	Deleted  int
	Stops    int
	Regions  []models.Region
	Agencies []string
	Title    string
	Pre      string
}

// StatusPage renders trip counts and configured regions. The dump query
// parameter adds a dump of one of the trip partitions or the registry.
type StatusPage struct {
	trips    TripSource
	registry RegistrySource
	catalog  CatalogSource
	now      func() time.Time
	logger   *slog.Logger
}

func NewStatusPage(tripSource TripSource, registry RegistrySource, catalog CatalogSource, logger *slog.Logger) *StatusPage {
	return &StatusPage{
		trips:    tripSource,
		registry: registry,
		catalog:  catalog,
		now:      time.Now,
		logger:   logging.ForComponent(logger, "status_page"),
	}
}

func (p *StatusPage) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	valid, recent, deleted := p.trips.Counts()
	data := statusData{
		Now:      p.now().Format(time.RFC3339),
		Valid:    valid,
		Recent:   recent,
		Deleted:  deleted,
		Stops:    p.catalog.Len(),
		Regions:  p.registry.Regions(),
		Agencies: p.registry.AgencyIDs(),
	}

	switch dump := r.URL.Query().Get("dump"); dump {
	case "":
	case "trips":
		data.Title, data.Pre = "Valid trips", dumpConfig.Sdump(p.trips.Trips())
	case "recent":
		data.Title, data.Pre = "Recently changed trips", dumpConfig.Sdump(p.trips.RecentTrips())
	case "deleted":
		data.Title, data.Pre = "Deleted trips", dumpConfig.Sdump(p.trips.DeletedTrips())
	case "regions":
		data.Title, data.Pre = "Regions", dumpConfig.Sdump(data.Regions)
	default:
		data.Title = "Unknown dump " + dump
		data.Pre = "Please use one of the following: trips, recent, deleted, regions."
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := statusTemplate.Execute(w, data); err != nil {
		logging.LogError(p.logger, "failed to render status page", err)
	}
}
