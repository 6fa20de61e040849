package stops

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"sort"
	"sync/atomic"
	"time"

	"github.com/paulmach/orb"
	"github.com/tidwall/rtree"

	"amarillo.mfdz.de/internal/logging"
	"amarillo.mfdz.de/internal/models"
)

// metresPerDegree is the length of one degree of latitude, used to size search boxes.
const metresPerDegree = 111320.0

// indexedSource holds the stops of one source, projected and indexed.
type indexedSource struct {
	name     string
	vicinity float64
	stops    []Stop
	planar   []planarPoint
	tree     rtree.RTreeG[int]
}

func (s *indexedSource) search(min, max [2]float64, fn func(i int) bool) {
	s.tree.Search(min, max, func(_, _ [2]float64, i int) bool {
		return fn(i)
	})
}

type snapshot struct {
	sources []*indexedSource
	count   int
}

// StopOnPath is a stop found along a path.
type StopOnPath struct {
	Stop
	// Distance along the path in metres.
	Distance float64
	// FromOffer marks stops passed in by the caller; OfferIndex is their index.
	FromOffer  bool
	OfferIndex int
}

type CatalogConfig struct {
	Sources     []Source
	HTTPClient  *http.Client
	OverpassURL string
	Projection  Projection
	Logger      *slog.Logger
}

// Catalog answers nearest stop and stops along path queries against the configured stop
// sources. Reload swaps the index atomically, readers never block.
type Catalog struct {
	sources    []Source
	loader     loader
	projection Projection
	logger     *slog.Logger
	current    atomic.Pointer[snapshot]
}

func NewCatalog(cfg CatalogConfig) *Catalog {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 120 * time.Second}
	}
	overpassURL := cfg.OverpassURL
	if overpassURL == "" {
		overpassURL = DefaultOverpassURL
	}
	projection := cfg.Projection
	if projection.Zone == 0 {
		projection = DefaultProjection
	}
	logger := logging.ForComponent(cfg.Logger, "stop_catalog")

	c := &Catalog{
		sources:    cfg.Sources,
		loader:     loader{client: client, overpassURL: overpassURL, logger: logger},
		projection: projection,
		logger:     logger,
	}
	c.current.Store(&snapshot{})
	return c
}

// Reload loads all sources. The new index replaces the current one only if
// every source loaded, otherwise the previous index stays in use and the
// per-source failures are returned joined.
func (c *Catalog) Reload(ctx context.Context) error {
	start := time.Now()
	next := &snapshot{}
	var errs []error

	for _, src := range c.sources {
		logging.LogOperation(c.logger, "loading_stop_source", slog.String("source", src.Name()))
		stops, err := c.loader.load(ctx, src)
		if err != nil {
			err = &models.CatalogLoadError{Source: src.Name(), Err: err}
			logging.LogError(c.logger, "Failed to load stop source", err, slog.String("source", src.Name()))
			errs = append(errs, err)
			continue
		}
		next.sources = append(next.sources, c.index(src, stops))
		next.count += len(stops)
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	c.current.Store(next)
	logging.LogOperation(c.logger, "stop_catalog_reloaded",
		slog.Int("sources", len(next.sources)),
		slog.Int("stops", next.count),
		slog.Duration("duration", time.Since(start)))
	return nil
}

func (c *Catalog) index(src Source, stops []Stop) *indexedSource {
	idx := &indexedSource{
		name:     src.Name(),
		vicinity: src.Vicinity,
		stops:    stops,
		planar:   make([]planarPoint, len(stops)),
	}
	for i, s := range stops {
		x, y := c.projection.Project(s.Lon, s.Lat)
		idx.planar[i] = planarPoint{x, y}
		p := [2]float64{s.Lon, s.Lat}
		idx.tree.Insert(p, p, i)
	}
	return idx
}

// Len returns the number of stops in the active index.
func (c *Catalog) Len() int {
	return c.current.Load().count
}

// Stops returns all stops of the active index, source by source.
func (c *Catalog) Stops() []Stop {
	snap := c.current.Load()
	stops := make([]Stop, 0, snap.count)
	for _, src := range snap.sources {
		stops = append(stops, src.stops...)
	}
	return stops
}

// searchBox returns a lon/lat box covering radius metres around the point.
func searchBox(lat, lon, radius float64) (min, max [2]float64) {
	dLat := radius / metresPerDegree
	dLon := radius / (metresPerDegree * math.Max(math.Cos(lat*degToRad), 0.01))
	return [2]float64{lon - dLon, lat - dLat}, [2]float64{lon + dLon, lat + dLat}
}

// FindNearestStop returns the closest stop of any source within maxDistance metres.
func (c *Catalog) FindNearestStop(lat, lon, maxDistance float64) (Stop, bool) {
	x, y := c.projection.Project(lon, lat)
	p := planarPoint{x, y}
	min, max := searchBox(lat, lon, maxDistance)

	var best Stop
	bestDist := math.Inf(1)
	for _, src := range c.current.Load().sources {
		src.search(min, max, func(i int) bool {
			if d := dist(p, src.planar[i]); d <= maxDistance && d < bestDist {
				best, bestDist = src.stops[i], d
			}
			return true
		})
	}
	return best, !math.IsInf(bestDist, 1)
}

// FindStopsAlong returns the given extra stops plus every catalog stop lying within its
// source's vicinity of path, ordered by distance along the path. Catalog stops sharing
// an id with an extra stop are left out.
func (c *Catalog) FindStopsAlong(path orb.LineString, extra []models.StopTime) []StopOnPath {
	coords := make([][2]float64, len(path))
	for i, p := range path {
		coords[i] = [2]float64{p.Lon(), p.Lat()}
	}
	line := c.projection.polyline(coords)

	result := make([]StopOnPath, 0, len(extra))
	seen := make(map[string]bool)
	for i, st := range extra {
		x, y := c.projection.Project(st.Lon, st.Lat)
		along, _ := line.locate(planarPoint{x, y})
		result = append(result, StopOnPath{
			Stop:       Stop{ID: st.ID, Name: st.Name, Lat: st.Lat, Lon: st.Lon},
			Distance:   along,
			FromOffer:  true,
			OfferIndex: i,
		})
		if st.ID != "" {
			seen[st.ID] = true
		}
	}

	// a stop lies near several segments; visited is keyed by source and stop index
	visited := make(map[[2]int]bool)
	for k, src := range c.current.Load().sources {
		for i := 1; i < len(path); i++ {
			seg := orb.LineString{path[i-1], path[i]}.Bound()
			min, _ := searchBox(seg.Min.Lat(), seg.Min.Lon(), src.vicinity)
			_, max := searchBox(seg.Max.Lat(), seg.Max.Lon(), src.vicinity)
			src.search(min, max, func(j int) bool {
				stop := src.stops[j]
				if visited[[2]int{k, j}] || seen[stop.ID] {
					return true
				}
				visited[[2]int{k, j}] = true
				along, away := line.locate(src.planar[j])
				if away <= src.vicinity {
					if stop.ID != "" {
						seen[stop.ID] = true
					}
					result = append(result, StopOnPath{Stop: stop, Distance: along})
				}
				return true
			})
		}
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Distance < result[j].Distance
	})
	return result
}
