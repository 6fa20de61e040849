package importing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/paulmach/orb/geojson"

	"amarillo.mfdz.de/internal/logging"
	"amarillo.mfdz.de/internal/models"
)

type stopDoc struct {
	ID            string               `json:"id"`
	Name          string               `json:"name"`
	Lat           flexFloat            `json:"lat"`
	Lon           flexFloat            `json:"lon"`
	ArrivalTime   string               `json:"arrivalTime"`
	DepartureTime string               `json:"departureTime"`
	PickupDropoff models.PickupDropoff `json:"pickup_dropoff"`
}

// offerDoc is an offer as published in the Amarillo format.
type offerDoc struct {
	ID            string            `json:"id"`
	Deeplink      string            `json:"deeplink"`
	Stops         []stopDoc         `json:"stops"`
	DepartureTime string            `json:"departureTime"`
	DepartureDate json.RawMessage   `json:"departureDate"`
	LastUpdated   models.Timestamp  `json:"lastUpdated"`
	Path          *geojson.Geometry `json:"path"`
	IsTest        json.RawMessage   `json:"isTest"`
}

func (d offerDoc) isTest() bool {
	v := string(bytes.TrimSpace(d.IsTest))
	return v == "1" || v == "true"
}

func (d offerDoc) offer(agencyID string, date models.DepartureDate, stops []models.StopTime) models.Offer {
	return models.Offer{
		ID:            d.ID,
		Agency:        agencyID,
		Deeplink:      d.Deeplink,
		Stops:         stops,
		DepartureTime: d.DepartureTime,
		DepartureDate: date,
		LastUpdated:   d.LastUpdated,
		Path:          d.Path,
	}
}

// anonymousStop keeps the position only; stop ids published by agencies are
// not trusted.
func anonymousStop(s stopDoc) models.StopTime {
	return models.StopTime{Name: s.Name, Lat: float64(s.Lat), Lon: float64(s.Lon)}
}

func parseDepartureDate(raw json.RawMessage) (models.DepartureDate, error) {
	var d models.DepartureDate
	if len(raw) == 0 {
		return d, nil
	}
	err := json.Unmarshal(raw, &d)
	return d, err
}

// firstDateUnlessWeekdays handles agencies listing single dates in an array:
// a list that is not made of weekday names is reduced to its first entry.
func firstDateUnlessWeekdays(raw json.RawMessage) (models.DepartureDate, error) {
	var entries []string
	if err := json.Unmarshal(raw, &entries); err != nil || len(entries) == 0 {
		return parseDepartureDate(raw)
	}
	for _, e := range entries {
		if _, err := models.ParseWeekday(e); err != nil {
			return models.ParseDate(entries[0])
		}
	}
	return parseDepartureDate(raw)
}

// amarilloAdapter reads offers in the Amarillo format, either as a bare array
// or wrapped in an envelope object.
type amarilloAdapter struct {
	fetcher        *fetcher
	envelope       string
	departureDate  func(json.RawMessage) (models.DepartureDate, error)
	skipTestOffers bool
	logger         *slog.Logger
}

func (a *amarilloAdapter) Fetch(ctx context.Context, conf models.AgencyConf) ([]models.Offer, error) {
	body, err := a.fetcher.get(ctx, conf.AgencyID, conf.OffersDownloadURL, nil, conf.OffersDownloadHTTPHeaders)
	if err != nil {
		return nil, err
	}
	return a.decode(conf, body)
}

func (a *amarilloAdapter) decode(conf models.AgencyConf, body []byte) ([]models.Offer, error) {
	key := a.envelope
	if key == "" {
		key = "data"
	}
	raws, err := offerList(body, key)
	if err != nil {
		return nil, &models.UpstreamFetchError{Agency: conf.AgencyID, URL: conf.OffersDownloadURL, Err: err}
	}

	if a.skipTestOffers {
		raws = a.withoutTestOffers(raws)
	}
	offers := convertAll(a.logger, conf.AgencyID, raws, func(d offerDoc) (models.Offer, error) {
		return a.convert(conf.AgencyID, d)
	})
	logging.LogOperation(a.logger, "offers_fetched",
		slog.String("agency", conf.AgencyID),
		slog.Int("received", len(raws)),
		slog.Int("accepted", len(offers)))
	return offers, nil
}

func (a *amarilloAdapter) withoutTestOffers(raws []json.RawMessage) []json.RawMessage {
	kept := raws[:0:0]
	for _, raw := range raws {
		var d offerDoc
		if json.Unmarshal(raw, &d) == nil && d.isTest() {
			continue
		}
		kept = append(kept, raw)
	}
	return kept
}

func (a *amarilloAdapter) convert(agencyID string, d offerDoc) (models.Offer, error) {
	parseDate := a.departureDate
	if parseDate == nil {
		parseDate = parseDepartureDate
	}
	date, err := parseDate(d.DepartureDate)
	if err != nil {
		return models.Offer{ID: d.ID}, fmt.Errorf("departureDate: %w", err)
	}

	stops := make([]models.StopTime, 0, len(d.Stops))
	for _, s := range d.Stops {
		stops = append(stops, anonymousStop(s))
	}
	return d.offer(agencyID, date, stops), nil
}

type pageDoc struct {
	Data []json.RawMessage `json:"data"`
	Link struct {
		Next *string `json:"next"`
	} `json:"link"`
}

// simplyhopAdapter follows the link.next pagination of the agency.
type simplyhopAdapter struct {
	amarilloAdapter
}

const maxPages = 1000

func (a *simplyhopAdapter) Fetch(ctx context.Context, conf models.AgencyConf) ([]models.Offer, error) {
	var raws []json.RawMessage
	next := conf.OffersDownloadURL
	for page := 0; next != ""; page++ {
		if page == maxPages {
			return nil, &models.UpstreamFetchError{Agency: conf.AgencyID, URL: next, Err: fmt.Errorf("more than %d pages", maxPages)}
		}
		body, err := a.fetcher.get(ctx, conf.AgencyID, next, nil, conf.OffersDownloadHTTPHeaders)
		if err != nil {
			return nil, err
		}
		var p pageDoc
		if err := json.Unmarshal(body, &p); err != nil {
			return nil, &models.UpstreamFetchError{Agency: conf.AgencyID, URL: next, Err: err}
		}
		raws = append(raws, p.Data...)

		next = ""
		if p.Link.Next != nil && !strings.HasPrefix(conf.OffersDownloadURL, "file://") {
			next = *p.Link.Next
		}
	}

	offers := convertAll(a.logger, conf.AgencyID, raws, func(d offerDoc) (models.Offer, error) {
		return a.convert(conf.AgencyID, d)
	})
	logging.LogOperation(a.logger, "offers_fetched",
		slog.String("agency", conf.AgencyID),
		slog.Int("received", len(raws)),
		slog.Int("accepted", len(offers)))
	return offers, nil
}
