package importing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"amarillo.mfdz.de/internal/logging"
	"amarillo.mfdz.de/internal/models"
)

const matchriderStopPrefix = "matchrider:"

// matchriderAdapter reads the MobilityDIY export, which wraps the offer array as
// a JSON encoded string in the Payload member.
type matchriderAdapter struct {
	fetcher *fetcher
	logger  *slog.Logger
}

func (a *matchriderAdapter) Fetch(ctx context.Context, conf models.AgencyConf) ([]models.Offer, error) {
	body, err := a.fetcher.get(ctx, conf.AgencyID, conf.OffersDownloadURL, nil, conf.OffersDownloadHTTPHeaders)
	if err != nil {
		return nil, err
	}

	raws, err := matchriderPayload(body)
	if err != nil {
		return nil, &models.UpstreamFetchError{Agency: conf.AgencyID, URL: conf.OffersDownloadURL, Err: err}
	}

	kept := raws[:0:0]
	for _, raw := range raws {
		var d offerDoc
		if err := json.Unmarshal(raw, &d); err == nil {
			if reason := ignoreReason(d); reason != "" {
				a.logger.Warn("ignoring offer", slog.String("agency", conf.AgencyID),
					slog.String("offer_id", d.ID), slog.String("reason", reason))
				continue
			}
		}
		kept = append(kept, raw)
	}

	offers := convertAll(a.logger, conf.AgencyID, kept, func(d offerDoc) (models.Offer, error) {
		date, err := parseDepartureDate(d.DepartureDate)
		if err != nil {
			return models.Offer{ID: d.ID}, fmt.Errorf("departureDate: %w", err)
		}
		stops := make([]models.StopTime, 0, len(d.Stops))
		for _, s := range d.Stops {
			stops = append(stops, matchriderStop(s))
		}
		return d.offer(conf.AgencyID, date, stops), nil
	})
	logging.LogOperation(a.logger, "offers_fetched",
		slog.String("agency", conf.AgencyID),
		slog.Int("received", len(raws)),
		slog.Int("accepted", len(offers)))
	return offers, nil
}

func matchriderPayload(body []byte) ([]json.RawMessage, error) {
	var envelope struct {
		Payload *string `json:"Payload"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, err
	}
	if envelope.Payload == nil {
		return nil, errors.New("response has no Payload member")
	}
	var raws []json.RawMessage
	if err := json.Unmarshal([]byte(*envelope.Payload), &raws); err != nil {
		return nil, fmt.Errorf("decoding Payload: %w", err)
	}
	return raws, nil
}

// ignoreReason rejects offers without path or with stops lacking an id.
func ignoreReason(d offerDoc) string {
	if d.Path == nil {
		return "offer has no path"
	}
	for _, s := range d.Stops {
		if s.ID == "" {
			return "stop without id"
		}
	}
	return ""
}

// matchriderStop keeps the agency's own stop ids. Any other id is taken as an
// IFOPT id of which only the station part is kept.
func matchriderStop(s stopDoc) models.StopTime {
	name := s.Name
	if name == "" {
		name = "-"
	}
	return models.StopTime{
		ID:            stationID(s.ID),
		Name:          name,
		Lat:           float64(s.Lat),
		Lon:           float64(s.Lon),
		ArrivalTime:   withSeconds(s.ArrivalTime),
		DepartureTime: withSeconds(s.DepartureTime),
		PickupDropoff: s.PickupDropoff,
	}
}

func stationID(id string) string {
	if strings.HasPrefix(id, matchriderStopPrefix) || len(id) <= 9 {
		return id
	}
	if i := strings.IndexByte(id[9:], ':'); i >= 0 {
		return id[:9+i]
	}
	return id
}

func withSeconds(clock string) string {
	if len(clock) == 5 {
		return clock + ":00"
	}
	return clock
}
