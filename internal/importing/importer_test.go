package importing

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"amarillo.mfdz.de/internal/models"
)

const amarilloOffers = `[
  {
    "id": "Eins",
    "deeplink": "https://mfdz.de/trip/Eins",
    "stops": [
      {"id": "mfdz:1", "name": "abc", "lat": 48.7, "lon": 9.0},
      {"id": "mfdz:2", "name": "xyz", "lat": 48.8, "lon": 9.2}
    ],
    "departureTime": "07:00",
    "departureDate": "2022-05-30",
    "lastUpdated": "2022-05-01T10:00:00+02:00"
  },
  {
    "id": "Zwei",
    "deeplink": "https://mfdz.de/trip/Zwei",
    "stops": [
      {"name": "abc", "lat": 48.7, "lon": 9.0},
      {"name": "xyz", "lat": 48.8, "lon": 9.2}
    ],
    "departureTime": "08:15",
    "departureDate": ["monday", "friday"]
  },
  {
    "id": "kaputt",
    "deeplink": "https://mfdz.de/trip/kaputt",
    "stops": [{"name": "abc", "lat": 48.7, "lon": 9.0}],
    "departureTime": "07:00",
    "departureDate": "2022-05-30"
  }
]`

func testRegistry(opts ...Option) *Registry {
	return NewRegistry(Config{
		UserAgent:     "amarillo-test",
		MaxRetries:    2,
		RetryInterval: time.Millisecond,
		Location:      time.UTC,
	}, nil, opts...)
}

func serve(t *testing.T, body string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)
	return server
}

func conf(agencyID, url string) models.AgencyConf {
	return models.AgencyConf{AgencyID: agencyID, OffersDownloadURL: url, Roles: []models.Role{models.RoleCarpoolAgency}}
}

func TestAmarilloAdapter(t *testing.T) {
	var userAgent, apiKey string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userAgent = r.Header.Get("User-Agent")
		apiKey = r.Header.Get("X-API-Key")
		_, _ = w.Write([]byte(amarilloOffers))
	}))
	defer server.Close()

	c := conf("mfdz", server.URL)
	c.OffersDownloadHTTPHeaders = map[string]string{"X-API-Key": "secret"}

	offers, err := testRegistry().Fetch(context.Background(), c)
	require.NoError(t, err)
	require.Len(t, offers, 2, "the offer with a single stop is skipped")

	assert.Equal(t, "amarillo-test", userAgent)
	assert.Equal(t, "secret", apiKey)

	assert.Equal(t, "Eins", offers[0].ID)
	assert.Equal(t, "mfdz", offers[0].Agency)
	assert.Empty(t, offers[0].Stops[0].ID, "published stop ids are dropped")
	assert.Equal(t, "2022-05-30", offers[0].DepartureDate.String())
	assert.False(t, offers[0].LastUpdated.IsZero())

	assert.True(t, offers[1].DepartureDate.IsRecurring())
	assert.True(t, offers[1].LastUpdated.IsZero())
}

func TestAmarilloAdapterEnvelopeAndFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offers.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"data": `+amarilloOffers+`}`), 0o644))

	offers, err := testRegistry().Fetch(context.Background(), conf("mfdz", "file://"+path))
	require.NoError(t, err)
	assert.Len(t, offers, 2)
}

func TestBessermitfahrenSingleDateLists(t *testing.T) {
	server := serve(t, `{"data": [
	  {"id": "a", "deeplink": "https://bessermitfahren.de/a", "departureTime": "07:00",
	   "departureDate": ["2022-05-30", "2022-05-31"],
	   "stops": [{"name": "abc", "lat": 48.7, "lon": 9.0}, {"name": "xyz", "lat": 48.8, "lon": 9.2}]},
	  {"id": "b", "deeplink": "https://bessermitfahren.de/b", "departureTime": "07:00",
	   "departureDate": ["tuesday"],
	   "stops": [{"name": "abc", "lat": 48.7, "lon": 9.0}, {"name": "xyz", "lat": 48.8, "lon": 9.2}]}
	]}`)

	offers, err := testRegistry().Fetch(context.Background(), conf("bessermitfahren", server.URL))
	require.NoError(t, err)
	require.Len(t, offers, 2)
	assert.Equal(t, "2022-05-30", offers[0].DepartureDate.String())
	assert.True(t, offers[1].DepartureDate.IsRecurring())
}

func TestMyCarpoolAppSkipsTestOffers(t *testing.T) {
	server := serve(t, `{"data": [
	  {"id": "a", "isTest": 1, "deeplink": "https://mycarpool.app/a", "departureTime": "07:00", "departureDate": "2022-05-30",
	   "stops": [{"name": "abc", "lat": 48.7, "lon": 9.0}, {"name": "xyz", "lat": 48.8, "lon": 9.2}]},
	  {"id": "b", "isTest": 0, "deeplink": "https://mycarpool.app/b", "departureTime": "07:00", "departureDate": "2022-05-30",
	   "stops": [{"name": "abc", "lat": 48.7, "lon": 9.0}, {"name": "xyz", "lat": 48.8, "lon": 9.2}]}
	]}`)

	offers, err := testRegistry().Fetch(context.Background(), conf("mycarpoolapp", server.URL))
	require.NoError(t, err)
	require.Len(t, offers, 1)
	assert.Equal(t, "b", offers[0].ID)
}

func TestMatchriderAdapter(t *testing.T) {
	payload := `[
	  {"id": "m1", "deeplink": "https://matchrider.de/m1", "departureTime": "07:00", "departureDate": "2022-05-30",
	   "path": {"type": "LineString", "coordinates": [[9.0, 48.7], [9.2, 48.8]]},
	   "stops": [
	     {"id": "de:08111:6115:1:2", "name": "Hauptbahnhof", "lat": "48.7", "lon": "9.0", "departureTime": "07:00", "pickup_dropoff": "only_pickup"},
	     {"id": "matchrider:42", "lat": 48.8, "lon": 9.2, "arrivalTime": "07:25"}
	   ]},
	  {"id": "m2", "deeplink": "https://matchrider.de/m2", "departureTime": "07:00", "departureDate": "2022-05-30",
	   "stops": [{"id": "matchrider:1", "lat": 48.7, "lon": 9.0}, {"id": "matchrider:2", "lat": 48.8, "lon": 9.2}]},
	  {"id": "m3", "deeplink": "https://matchrider.de/m3", "departureTime": "07:00", "departureDate": "2022-05-30",
	   "path": {"type": "LineString", "coordinates": [[9.0, 48.7], [9.2, 48.8]]},
	   "stops": [{"lat": 48.7, "lon": 9.0}, {"id": "matchrider:2", "lat": 48.8, "lon": 9.2}]}
	]`
	server := serve(t, fmt.Sprintf(`{"Payload": %q}`, payload))

	offers, err := testRegistry().Fetch(context.Background(), conf("matchrider", server.URL))
	require.NoError(t, err)
	require.Len(t, offers, 1, "offers without path or stop ids are ignored")

	o := offers[0]
	assert.Equal(t, "de:08111:6115", o.Stops[0].ID)
	assert.Equal(t, "07:00:00", o.Stops[0].DepartureTime)
	assert.Equal(t, models.OnlyPickup, o.Stops[0].PickupDropoff)
	assert.InDelta(t, 48.7, o.Stops[0].Lat, 1e-9)
	assert.Equal(t, "matchrider:42", o.Stops[1].ID)
	assert.Equal(t, "-", o.Stops[1].Name)
	assert.Equal(t, "07:25:00", o.Stops[1].ArrivalTime)
	assert.NotNil(t, o.Path)
}

func TestStationID(t *testing.T) {
	assert.Equal(t, "de:08111:6115", stationID("de:08111:6115:1:2"))
	assert.Equal(t, "de:08111:6115", stationID("de:08111:6115"))
	assert.Equal(t, "matchrider:1:2", stationID("matchrider:1:2"))
	assert.Equal(t, "short", stationID("short"))
}

func TestPendlerportalAdapter(t *testing.T) {
	server := serve(t, `[
	  {"deeplink": "pendlerportal.de/fahrt/8f0c", "departTime": "", "departDate": "30.05.2022", "weekdays": ["Montag", "Freitag"],
	   "stops": [{"address": "Stuttgart", "coordinates": {"lat": 48.7, "lon": 9.0}}, {"address": "Esslingen", "coordinates": {"lat": 48.8, "lon": 9.2}}]},
	  {"deeplink": "https://pendlerportal.de/fahrt/9a1d", "departTime": "07:30", "departDate": "31.05.2022",
	   "stops": [{"address": "Stuttgart", "coordinates": {"lat": 48.7, "lon": 9.0}}, {"address": "Esslingen", "coordinates": {"lat": 48.8, "lon": 9.2}}]}
	]`)

	offers, err := testRegistry().Fetch(context.Background(), conf("pendlerportal", server.URL))
	require.NoError(t, err)
	require.Len(t, offers, 2)

	assert.Equal(t, "8f0c", offers[0].ID)
	assert.Equal(t, "https://pendlerportal.de/fahrt/8f0c", offers[0].Deeplink)
	assert.Equal(t, "06:00", offers[0].DepartureTime)
	assert.Equal(t, []models.Weekday{models.Monday, models.Friday}, offers[0].DepartureDate.Weekdays().Weekdays())
	assert.True(t, offers[0].LastUpdated.Equal(time.Date(2022, 5, 30, 0, 0, 0, 0, time.UTC)))

	assert.Equal(t, "9a1d", offers[1].ID)
	assert.Equal(t, "2022-05-31", offers[1].DepartureDate.String())
	assert.Equal(t, "Esslingen", offers[1].Stops[1].Name)
}

func TestRide2goAdapter(t *testing.T) {
	server := serve(t, `[
	  {"deeplink": "https://ride2go.com/?trip=12345", "departTime": "07:30", "departDate": "2022-05-31",
	   "stops": [{"address": "Stuttgart", "coordinates": {"lat": 48.7, "lon": 9.0}}, {"address": "Esslingen", "coordinates": {"lat": 48.8, "lon": 9.2}}]},
	  {"deeplink": "https://ride2go.com/about", "departTime": "07:30", "departDate": "2022-05-31",
	   "stops": [{"address": "Stuttgart", "coordinates": {"lat": 48.7, "lon": 9.0}}, {"address": "Esslingen", "coordinates": {"lat": 48.8, "lon": 9.2}}]}
	]`)

	offers, err := testRegistry().Fetch(context.Background(), conf("ride2go", server.URL))
	require.NoError(t, err)
	require.Len(t, offers, 1)
	assert.Equal(t, "12345", offers[0].ID)
	assert.Equal(t, "ride2go", offers[0].Agency)
}

func TestNOIAdapter(t *testing.T) {
	var where string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		where = r.URL.Query().Get("where")
		assert.Equal(t, "-1", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`{"data": [{
		  "sorigin": "UMMADUM", "scode": "r-77",
		  "mvalue": {"start_post_code": 39100, "start_lat_approx": 46.49, "start_lon_approx": 11.35,
		             "end_post_code": "39012", "ride_start_at_UTC": "2022-05-30T05:30:00Z",
		             "ride_created_at_UTC": "2022-05-20T08:00:00Z"},
		  "smetadata": {"end_lat_approx": 46.67, "end_lon_approx": 11.16}
		}]}`))
	}))
	defer server.Close()

	rome, err := time.LoadLocation("Europe/Rome")
	require.NoError(t, err)

	newRegistry := func(testMode bool) *Registry {
		return NewRegistry(Config{NOIURL: server.URL, NOITestMode: testMode, Location: rome, MaxRetries: 1, RetryInterval: time.Millisecond}, nil,
			WithClock(func() time.Time { return time.Date(2022, 6, 10, 12, 0, 0, 0, time.UTC) }))
	}

	offers, err := newRegistry(false).Fetch(context.Background(), conf("ummadum", ""))
	require.NoError(t, err)
	assert.Equal(t, "and(sactive.eq.true,sorigin.eq.UMMADUM)", where)
	require.Len(t, offers, 1)

	o := offers[0]
	assert.Equal(t, "r-77", o.ID)
	assert.Equal(t, "ummadum", o.Agency)
	assert.Equal(t, "39100", o.Stops[0].Name)
	assert.InDelta(t, 11.16, o.Stops[1].Lon, 1e-9)
	assert.Equal(t, "07:30", o.DepartureTime, "converted to the service timezone")
	assert.Equal(t, "2022-05-30", o.DepartureDate.String())

	offers, err = newRegistry(true).Fetch(context.Background(), conf("ummadum", ""))
	require.NoError(t, err)
	assert.Equal(t, "sorigin.eq.UMMADUM", where)
	require.Len(t, offers, 1)
	assert.Equal(t, "2022-06-11", offers[0].DepartureDate.String())
	assert.Equal(t, "07:30", offers[0].DepartureTime)
}

func TestSimplyHopPagination(t *testing.T) {
	offer := func(id string) string {
		return fmt.Sprintf(`{"id": %q, "deeplink": "https://simplyhop.de/%s", "departureTime": "07:00", "departureDate": "2022-05-30",
		  "stops": [{"name": "abc", "lat": 48.7, "lon": 9.0}, {"name": "xyz", "lat": 48.8, "lon": 9.2}]}`, id, id)
	}
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("page") {
		case "":
			fmt.Fprintf(w, `{"data": [%s, %s], "link": {"next": %q}}`, offer("a"), offer("b"), server.URL+"?page=2")
		case "2":
			fmt.Fprintf(w, `{"data": [%s], "link": {"next": null}}`, offer("c"))
		}
	}))
	defer server.Close()

	offers, err := testRegistry().Fetch(context.Background(), conf("simplyhop", server.URL))
	require.NoError(t, err)
	require.Len(t, offers, 3)
	assert.Equal(t, "c", offers[2].ID)
}

func TestFetchRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(amarilloOffers))
	}))
	defer server.Close()

	offers, err := testRegistry().Fetch(context.Background(), conf("mfdz", server.URL))
	require.NoError(t, err)
	assert.Len(t, offers, 2)
	assert.Equal(t, int32(2), calls.Load())
}

func TestFetchFailures(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantCalls int32
	}{
		{"client error is not retried", http.StatusNotFound, ``, 1},
		{"server error exhausts retries", http.StatusBadGateway, ``, 3},
		{"envelope without offers", http.StatusOK, `{"offers": []}`, 1},
		{"not json", http.StatusOK, `<html>`, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			_, err := testRegistry().Fetch(context.Background(), conf("mfdz", server.URL))
			require.Error(t, err)
			assert.ErrorIs(t, err, models.ErrUpstreamFetch)

			var fetchErr *models.UpstreamFetchError
			require.ErrorAs(t, err, &fetchErr)
			assert.Equal(t, "mfdz", fetchErr.Agency)
			assert.Equal(t, tt.wantCalls, calls.Load())
		})
	}
}
