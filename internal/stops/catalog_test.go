package stops

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"amarillo.mfdz.de/internal/models"
	"amarillo.mfdz.de/internal/utils"
)

const stopsCSV = "stop_id;stop_lat;stop_lon;stop_name\n" +
	"de:08111:1;48,7005;9,1;Halt Mitte\n" +
	"de:08111:2;48,71;9,1;Halt Abseits\n" +
	"mfdz:3;48,7001;9,15;Mitfahrbank Ost\n"

const stopsGeoJSON = `{"type":"FeatureCollection","features":[
  {"type":"Feature","id":17,"geometry":{"type":"Point","coordinates":[9.05,48.7003]},"properties":{"name":"Park & Ride West"}},
  {"type":"Feature","id":18,"geometry":null,"properties":{"name":"no geometry"}},
  {"type":"Feature","id":19,"geometry":{"type":"Point","coordinates":[9.06,48.7]},"properties":{}}
]}`

func newTestCatalog(t *testing.T, sources ...Source) *Catalog {
	t.Helper()
	return NewCatalog(CatalogConfig{Sources: sources})
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestSourceKind(t *testing.T) {
	tests := []struct {
		source Source
		want   SourceType
	}{
		{Source{URL: "https://example.com/stops.json"}, SourceGeoJSON},
		{Source{URL: "https://example.com/stops.csv"}, SourceCSV},
		{Source{URL: "data/stops.json"}, SourceCSV},
		{Source{URL: "https://example.com/x", Type: SourceGTFS}, SourceGTFS},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.source.Kind(), tt.source.URL)
	}
}

func TestNormalizeName(t *testing.T) {
	tests := map[string]string{
		"":                      "P+R",
		"Park&Ride":             "P+R",
		"Herrenberg P & R":      "Herrenberg P+R",
		"Park+Ride Vaihingen":   "P+R Vaihingen",
		"P&Rail Bahnhof":        "P+R Bahnhof",
		"Mitfahrerparkplatz A8": "Mitfahrerparkplatz A8",
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizeName(in), in)
	}
}

func TestIsCarpoolingStop(t *testing.T) {
	assert.True(t, IsCarpoolingStop("mfdz:1", "Bank"))
	assert.True(t, IsCarpoolingStop("bbnavi:1", "Bank"))
	assert.True(t, IsCarpoolingStop("osm:n1", "Mitfahrerparkplatz"))
	assert.True(t, IsCarpoolingStop("osm:n1", "P&M Weilimdorf"))
	assert.False(t, IsCarpoolingStop("de:08111:1", "Hauptbahnhof"))
}

func TestCatalogLoadsSources(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(stopsGeoJSON))
	}))
	defer server.Close()

	catalog := newTestCatalog(t,
		Source{ID: "csv", URL: writeFile(t, "stops.csv", stopsCSV), Vicinity: 100},
		Source{ID: "parkings", URL: server.URL + "/parkings.json", Vicinity: 500},
	)
	require.NoError(t, catalog.Reload(context.Background()))

	assert.Equal(t, 4, catalog.Len())
	names := map[string]string{}
	for _, s := range catalog.Stops() {
		names[s.ID] = s.Name
	}
	assert.Equal(t, "P+R West", names["17"])
	assert.Equal(t, "Halt Mitte", names["de:08111:1"])
}

func TestFindNearestStop(t *testing.T) {
	catalog := newTestCatalog(t, Source{ID: "csv", URL: writeFile(t, "stops.csv", stopsCSV), Vicinity: 100})
	require.NoError(t, catalog.Reload(context.Background()))

	stop, ok := catalog.FindNearestStop(48.7, 9.1001, 1000)
	require.True(t, ok)
	assert.Equal(t, "de:08111:1", stop.ID)

	_, ok = catalog.FindNearestStop(48.5, 9.1, 1000)
	assert.False(t, ok)
}

func TestFindStopsAlong(t *testing.T) {
	catalog := newTestCatalog(t, Source{ID: "csv", URL: writeFile(t, "stops.csv", stopsCSV), Vicinity: 100})
	require.NoError(t, catalog.Reload(context.Background()))

	path := orb.LineString{{9.0, 48.7}, {9.1, 48.7}, {9.2, 48.7}}
	extra := []models.StopTime{
		{ID: "a", Name: "Start", Lat: 48.7, Lon: 9.0},
		{ID: "b", Name: "Ziel", Lat: 48.7, Lon: 9.2},
	}

	found := catalog.FindStopsAlong(path, extra)
	ids := make([]string, len(found))
	for i, s := range found {
		ids[i] = s.ID
	}
	assert.Equal(t, []string{"a", "de:08111:1", "mfdz:3", "b"}, ids)
	assert.True(t, found[0].FromOffer)
	assert.Equal(t, 1, found[3].OfferIndex)
	assert.False(t, found[1].FromOffer)

	for i := 1; i < len(found); i++ {
		assert.Greater(t, found[i].Distance, found[i-1].Distance)
	}
}

func TestFindStopsAlongSkipsDuplicateOfferStops(t *testing.T) {
	catalog := newTestCatalog(t, Source{ID: "csv", URL: writeFile(t, "stops.csv", stopsCSV), Vicinity: 100})
	require.NoError(t, catalog.Reload(context.Background()))

	path := orb.LineString{{9.0, 48.7}, {9.1, 48.7}}
	extra := []models.StopTime{
		{ID: "a", Name: "Start", Lat: 48.7, Lon: 9.0},
		{ID: "de:08111:1", Name: "Halt Mitte", Lat: 48.7005, Lon: 9.1},
	}
	assert.Len(t, catalog.FindStopsAlong(path, extra), 2)
}

func TestProjectionDistanceMatchesHaversine(t *testing.T) {
	p := DefaultProjection
	x1, y1 := p.Project(9.18, 48.78)
	x2, y2 := p.Project(9.0, 48.5)
	planar := dist(planarPoint{x1, y1}, planarPoint{x2, y2})
	assert.InEpsilon(t, utils.Haversine(48.78, 9.18, 48.5, 9.0), planar, 0.005)
}

func TestReloadKeepsCatalogWhenASourceFails(t *testing.T) {
	var failing atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(stopsGeoJSON))
	}))
	defer server.Close()

	catalog := newTestCatalog(t,
		Source{ID: "csv", URL: writeFile(t, "stops.csv", stopsCSV), Vicinity: 100},
		Source{ID: "parkings", URL: server.URL + "/parkings.json", Vicinity: 500},
	)
	require.NoError(t, catalog.Reload(context.Background()))
	before := catalog.Stops()

	failing.Store(true)
	err := catalog.Reload(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrCatalogLoad))

	var loadErr *models.CatalogLoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Equal(t, "parkings", loadErr.Source)

	assert.Equal(t, before, catalog.Stops())
	stop, ok := catalog.FindNearestStop(48.7003, 9.05, 100)
	require.True(t, ok)
	assert.Equal(t, "17", stop.ID)
}

func TestParseOverpass(t *testing.T) {
	data := "@type\t@id\t@lat\t@lon\tname\n" +
		"way\t123\t48.7\t9.1\tP+R Nord\n" +
		"node\t7\t48.8\t9.2\t\n"
	stops, err := parseOverpass([]byte(data))
	require.NoError(t, err)
	require.Len(t, stops, 2)
	assert.Equal(t, "osm:w123", stops[0].ID)
	assert.Equal(t, "osm:n7", stops[1].ID)
	assert.Equal(t, "P+R", stops[1].Name)
}

func TestOverpassSource(t *testing.T) {
	var query string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		b, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		query = string(b)
		_, _ = w.Write([]byte("@type\t@id\t@lat\t@lon\tname\nnode\t1\t48.7\t9.1\tP+R\n"))
	}))
	defer server.Close()

	catalog := NewCatalog(CatalogConfig{
		Sources:     []Source{{ID: "osm", Type: SourceOverpass, AreaSelector: `["name"="Stuttgart"]`, Vicinity: 500}},
		OverpassURL: server.URL,
	})
	require.NoError(t, catalog.Reload(context.Background()))
	assert.Equal(t, 1, catalog.Len())
	assert.Contains(t, query, `area["name"="Stuttgart"]->.a;`)
}
