package importing

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"amarillo.mfdz.de/internal/logging"
	"amarillo.mfdz.de/internal/models"
)

// defaultDepartureTime is used for offers published without a departure time.
const defaultDepartureTime = "06:00"

var germanWeekdays = map[string]models.Weekday{
	"Montag":     models.Monday,
	"Dienstag":   models.Tuesday,
	"Mittwoch":   models.Wednesday,
	"Donnerstag": models.Thursday,
	"Freitag":    models.Friday,
	"Samstag":    models.Saturday,
	"Sonntag":    models.Sunday,
}

type addressStopDoc struct {
	Address     string `json:"address"`
	Coordinates struct {
		Lat flexFloat `json:"lat"`
		Lon flexFloat `json:"lon"`
	} `json:"coordinates"`
}

func (s addressStopDoc) stop() models.StopTime {
	return models.StopTime{Name: s.Address, Lat: float64(s.Coordinates.Lat), Lon: float64(s.Coordinates.Lon)}
}

type pendlerportalDoc struct {
	Deeplink   string           `json:"deeplink"`
	Stops      []addressStopDoc `json:"stops"`
	DepartTime string           `json:"departTime"`
	DepartDate string           `json:"departDate"`
	Weekdays   []string         `json:"weekdays"`
}

// pendlerportalAdapter reads the pendlerportal export. Offers carry no id, the
// last path segment of the deeplink serves as such.
type pendlerportalAdapter struct {
	fetcher *fetcher
	loc     *time.Location
	logger  *slog.Logger
}

func (a *pendlerportalAdapter) Fetch(ctx context.Context, conf models.AgencyConf) ([]models.Offer, error) {
	body, err := a.fetcher.get(ctx, conf.AgencyID, conf.OffersDownloadURL, nil, conf.OffersDownloadHTTPHeaders)
	if err != nil {
		return nil, err
	}
	raws, err := offerList(body, "data")
	if err != nil {
		return nil, &models.UpstreamFetchError{Agency: conf.AgencyID, URL: conf.OffersDownloadURL, Err: err}
	}

	offers := convertAll(a.logger, conf.AgencyID, raws, func(d pendlerportalDoc) (models.Offer, error) {
		return a.convert(conf.AgencyID, d)
	})
	logging.LogOperation(a.logger, "offers_fetched",
		slog.String("agency", conf.AgencyID),
		slog.Int("received", len(raws)),
		slog.Int("accepted", len(offers)))
	return offers, nil
}

func (a *pendlerportalAdapter) convert(agencyID string, d pendlerportalDoc) (models.Offer, error) {
	id := d.Deeplink[strings.LastIndexByte(d.Deeplink, '/')+1:]

	departed, err := time.ParseInLocation("02.01.2006", d.DepartDate, a.loc)
	if err != nil {
		return models.Offer{ID: id}, fmt.Errorf("departDate: %w", err)
	}

	date := models.OnDate(departed)
	if len(d.Weekdays) > 0 {
		days := make([]models.Weekday, 0, len(d.Weekdays))
		for _, name := range d.Weekdays {
			day, ok := germanWeekdays[name]
			if !ok {
				return models.Offer{ID: id}, fmt.Errorf("unknown weekday %q", name)
			}
			days = append(days, day)
		}
		date = models.RecurringOn(days...)
	}

	departureTime := d.DepartTime
	if departureTime == "" {
		a.logger.Debug("departure time unset", slog.String("offer_id", id), slog.String("using", defaultDepartureTime))
		departureTime = defaultDepartureTime
	}

	deeplink := d.Deeplink
	if !strings.HasPrefix(deeplink, "http") {
		deeplink = "https://" + deeplink
	}

	stops := make([]models.StopTime, 0, len(d.Stops))
	for _, s := range d.Stops {
		stops = append(stops, s.stop())
	}

	return models.Offer{
		ID:            id,
		Agency:        agencyID,
		Deeplink:      deeplink,
		Stops:         stops,
		DepartureTime: departureTime,
		DepartureDate: date,
		LastUpdated:   models.NewTimestamp(departed),
	}, nil
}
