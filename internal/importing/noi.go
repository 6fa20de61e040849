package importing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"amarillo.mfdz.de/internal/logging"
	"amarillo.mfdz.de/internal/models"
)

const (
	DefaultNOIURL = "https://mobility.api.opendatahub.testingmachine.eu/v2/flat,node/CarpoolingTrip/*/latest"

	// NOI offers carry no deeplink of their own.
	noiDeeplink = "https://ummadum.com/"
)

type noiDoc struct {
	Origin string `json:"sorigin"`
	Code   string `json:"scode"`
	Value  struct {
		StartPostCode flexString `json:"start_post_code"`
		StartLat      flexFloat  `json:"start_lat_approx"`
		StartLon      flexFloat  `json:"start_lon_approx"`
		EndPostCode   flexString `json:"end_post_code"`
		RideStartAt   string     `json:"ride_start_at_UTC"`
		RideCreatedAt string     `json:"ride_created_at_UTC"`
	} `json:"mvalue"`
	// the approximate destination is only part of the metadata
	Metadata struct {
		EndLat flexFloat `json:"end_lat_approx"`
		EndLon flexFloat `json:"end_lon_approx"`
	} `json:"smetadata"`
}

type noiResponse struct {
	Data []json.RawMessage `json:"data"`
}

// noiAdapter reads trips an agency shares through the NOI open data hub. In
// test mode inactive trips are included and every trip is moved to tomorrow.
type noiAdapter struct {
	fetcher  *fetcher
	url      string
	testMode bool
	loc      *time.Location
	now      func() time.Time
	logger   *slog.Logger
}

func (a *noiAdapter) Fetch(ctx context.Context, conf models.AgencyConf) ([]models.Offer, error) {
	origin := strings.ToUpper(conf.AgencyID)
	where := fmt.Sprintf("and(sactive.eq.true,sorigin.eq.%s)", origin)
	if a.testMode {
		where = "sorigin.eq." + origin
	}

	endpoint := a.url
	if endpoint == "" {
		endpoint = DefaultNOIURL
	}
	query := url.Values{"limit": {"-1"}, "where": {where}}
	body, err := a.fetcher.get(ctx, conf.AgencyID, endpoint, query, nil)
	if err != nil {
		return nil, err
	}

	var resp noiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &models.UpstreamFetchError{Agency: conf.AgencyID, URL: endpoint, Err: err}
	}

	offers := convertAll(a.logger, conf.AgencyID, resp.Data, a.convert)
	logging.LogOperation(a.logger, "offers_fetched",
		slog.String("agency", conf.AgencyID),
		slog.Int("received", len(resp.Data)),
		slog.Int("accepted", len(offers)))
	return offers, nil
}

func parseUTC(s string) (time.Time, error) {
	ts, err := models.ParseTimestamp(s)
	if err != nil {
		return time.Time{}, err
	}
	return ts.Time, nil
}

func (a *noiAdapter) convert(d noiDoc) (models.Offer, error) {
	start, err := parseUTC(d.Value.RideStartAt)
	if err != nil {
		return models.Offer{ID: d.Code}, fmt.Errorf("ride_start_at_UTC: %w", err)
	}
	created, err := parseUTC(d.Value.RideCreatedAt)
	if err != nil {
		return models.Offer{ID: d.Code}, fmt.Errorf("ride_created_at_UTC: %w", err)
	}

	start = start.In(a.loc)
	if a.testMode {
		tomorrow := a.now().In(a.loc).AddDate(0, 0, 1)
		start = time.Date(tomorrow.Year(), tomorrow.Month(), tomorrow.Day(),
			start.Hour(), start.Minute(), start.Second(), 0, a.loc)
	}

	return models.Offer{
		ID:       d.Code,
		Agency:   strings.ToLower(d.Origin),
		Deeplink: noiDeeplink,
		Stops: []models.StopTime{
			{Name: string(d.Value.StartPostCode), Lat: float64(d.Value.StartLat), Lon: float64(d.Value.StartLon)},
			{Name: string(d.Value.EndPostCode), Lat: float64(d.Metadata.EndLat), Lon: float64(d.Metadata.EndLon)},
		},
		DepartureTime: start.Format("15:04"),
		DepartureDate: models.OnDate(start),
		LastUpdated:   models.NewTimestamp(created),
	}, nil
}
