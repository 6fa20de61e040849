package restapi

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"amarillo.mfdz.de/internal/app"
	"amarillo.mfdz.de/internal/appconf"
)

const (
	adminToken = "admin-secret"
	mfdzKey    = "mfdz0123456789abcdefghij"
	ride2goKey = "ride2go0123456789abcdef"
)

// routeJSON is a ten minute drive east along latitude 48.7.
const routeJSON = `{"paths":[{
  "distance": 14000, "time": 600000,
  "points": {"type":"LineString","coordinates":[[9.0,48.7],[9.1,48.7],[9.2,48.7]]},
  "instructions": [
    {"distance": 7000, "time": 300000, "sign": 0, "interval":[0,1], "text":"Continue"},
    {"distance": 7000, "time": 300000, "sign": 2, "interval":[1,2], "text":"Turn right"},
    {"distance": 0, "time": 0, "sign": 4, "interval":[2,2], "text":"Arrive"}
  ]}]}`

// offerJSON departs every day so it never becomes outdated.
const offerJSON = `{
  "id": "Eins",
  "agency": "mfdz",
  "deeplink": "https://mfdz.de/trip/Eins",
  "stops": [
    {"id": "origin", "name": "Start", "lat": 48.7, "lon": 9.0},
    {"name": "Ziel", "lat": 48.7, "lon": 9.2}
  ],
  "departureTime": "07:00",
  "departureDate": ["monday","tuesday","wednesday","thursday","friday","saturday","sunday"]
}`

// tooCloseJSON has two stops about 50 metres apart.
const tooCloseJSON = `{
  "id": "Nah",
  "agency": "mfdz",
  "deeplink": "https://mfdz.de/trip/Nah",
  "stops": [
    {"name": "A", "lat": 48.7, "lon": 9.0},
    {"name": "B", "lat": 48.7, "lon": 9.00068}
  ],
  "departureTime": "07:00",
  "departureDate": ["monday"]
}`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// createTestApi creates a RestAPI with region bw, the agencies mfdz and ride2go
// and a routing service that always answers with routeJSON.
func createTestApi(t *testing.T) *RestAPI {
	t.Helper()

	router := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(routeJSON))
	}))
	t.Cleanup(router.Close)

	root := t.TempDir()
	cfg := appconf.Default()
	cfg.Env = "test"
	cfg.DataDir = filepath.Join(root, "data")
	cfg.ConfDir = filepath.Join(root, "conf")
	cfg.StopSourcesFile = filepath.Join(root, "missing.json")
	cfg.AdminToken = adminToken
	cfg.Timezone = "UTC"
	cfg.GraphhopperBaseURL = router.URL

	writeFile(t, filepath.Join(cfg.RegionDir(), "bw.json"), `{"id": "bw", "bbox": [7.5, 47.5, 10.5, 49.8]}`)
	writeFile(t, filepath.Join(cfg.AgencyConfDir(), "mfdz.json"), `{"agency_id": "mfdz", "api_key": "`+mfdzKey+`"}`)
	writeFile(t, filepath.Join(cfg.AgencyConfDir(), "ride2go.json"), `{"agency_id": "ride2go", "api_key": "`+ride2goKey+`"}`)

	application, err := app.New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(application.Shutdown)

	api := NewRestAPI(application)
	t.Cleanup(api.Close)
	return api
}

// serve sends one request through the full middleware chain.
func serve(t *testing.T, api *RestAPI, method, endpoint, key, body string) *http.Response {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, endpoint, reader)
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)
	return rec.Result()
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close() // nolint:errcheck

	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}
