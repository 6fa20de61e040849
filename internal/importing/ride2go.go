package importing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"

	"amarillo.mfdz.de/internal/logging"
	"amarillo.mfdz.de/internal/models"
)

// ride2go deeplinks name the publishing agency and the trip id.
var ride2goDeeplink = regexp.MustCompile(`https?://(.*)\..*/?trip=([0-9]+)`)

type ride2goDoc struct {
	Deeplink    string           `json:"deeplink"`
	Stops       []addressStopDoc `json:"stops"`
	DepartTime  string           `json:"departTime"`
	DepartDate  string           `json:"departDate"`
	Weekdays    json.RawMessage  `json:"weekdays"`
	LastUpdated models.Timestamp `json:"lastUpdated"`
}

// ride2goAdapter reads the ride2go trip export. The api key is passed through
// the agency's download headers.
type ride2goAdapter struct {
	fetcher *fetcher
	logger  *slog.Logger
}

func (a *ride2goAdapter) Fetch(ctx context.Context, conf models.AgencyConf) ([]models.Offer, error) {
	body, err := a.fetcher.get(ctx, conf.AgencyID, conf.OffersDownloadURL, nil, conf.OffersDownloadHTTPHeaders)
	if err != nil {
		return nil, err
	}
	raws, err := offerList(body, "data")
	if err != nil {
		return nil, &models.UpstreamFetchError{Agency: conf.AgencyID, URL: conf.OffersDownloadURL, Err: err}
	}

	offers := convertAll(a.logger, conf.AgencyID, raws, convertRide2go)
	logging.LogOperation(a.logger, "offers_fetched",
		slog.String("agency", conf.AgencyID),
		slog.Int("received", len(raws)),
		slog.Int("accepted", len(offers)))
	return offers, nil
}

func convertRide2go(d ride2goDoc) (models.Offer, error) {
	m := ride2goDeeplink.FindStringSubmatch(d.Deeplink)
	if m == nil {
		return models.Offer{}, fmt.Errorf("deeplink %q names no trip", d.Deeplink)
	}
	agencyID, id := m[1], m[2]

	var date models.DepartureDate
	var err error
	if d.DepartDate != "" {
		date, err = models.ParseDate(d.DepartDate)
	} else {
		date, err = parseDepartureDate(d.Weekdays)
	}
	if err != nil {
		return models.Offer{ID: id}, err
	}

	stops := make([]models.StopTime, 0, len(d.Stops))
	for _, s := range d.Stops {
		stops = append(stops, s.stop())
	}

	return models.Offer{
		ID:            id,
		Agency:        agencyID,
		Deeplink:      d.Deeplink,
		Stops:         stops,
		DepartureTime: d.DepartTime,
		DepartureDate: date,
		LastUpdated:   d.LastUpdated,
	}, nil
}
