package trips

import (
	"fmt"
	"time"

	"github.com/paulmach/orb"

	"amarillo.mfdz.de/internal/models"
	"amarillo.mfdz.de/internal/utils"
)

// GTFS pickup_type / drop_off_type values.
const (
	StopTypeNone               = 1
	StopTypeCoordinateDriver   = 3
	defaultRealtimeHorizonDays = 14
)

// StopTime is one stop of a trip. Arrival and Departure are offsets from the
// start of the service day and may exceed 24h.
type StopTime struct {
	StopID      string
	StopName    string
	Lat         float64
	Lon         float64
	Sequence    int
	Arrival     time.Duration
	Departure   time.Duration
	PickupType  int
	DropOffType int
}

// Trip is the feed representation of an enhanced offer. Trips are never modified
// after construction, snapshots share them freely.
type Trip struct {
	ID            string
	Agency        string
	OfferID       string
	URL           string
	DepartureDate models.DepartureDate
	StartTime     time.Duration
	StopTimes     []StopTime
	Path          orb.LineString
	Bound         orb.Bound
	LastUpdated   time.Time
}

// FromOffer builds the trip of an offer. Stops without times are scheduled at the
// departure time.
func FromOffer(offer models.Offer) (*Trip, error) {
	start, err := models.ParseClock(offer.DepartureTime)
	if err != nil {
		return nil, &models.ParseError{Agency: offer.Agency, OfferID: offer.ID, Err: err}
	}
	if len(offer.Stops) < 2 {
		return nil, fmt.Errorf("trip needs two stops, got %d: %w", len(offer.Stops), models.ErrTooClose)
	}

	t := &Trip{
		ID:            utils.FormTripID(offer.Agency, offer.ID),
		Agency:        offer.Agency,
		OfferID:       offer.ID,
		URL:           offer.Deeplink,
		DepartureDate: offer.DepartureDate,
		StartTime:     start,
		StopTimes:     make([]StopTime, len(offer.Stops)),
		LastUpdated:   offer.LastUpdated.Time,
	}

	for i, st := range offer.Stops {
		arrival, departure := start, start
		if st.ArrivalTime != "" {
			if arrival, err = models.ParseClock(st.ArrivalTime); err != nil {
				return nil, &models.ParseError{Agency: offer.Agency, OfferID: offer.ID, Err: err}
			}
			departure = arrival
		}
		if st.DepartureTime != "" {
			if departure, err = models.ParseClock(st.DepartureTime); err != nil {
				return nil, &models.ParseError{Agency: offer.Agency, OfferID: offer.ID, Err: err}
			}
			if st.ArrivalTime == "" {
				arrival = departure
			}
		}

		pickupDropoff := st.PickupDropoff
		if pickupDropoff == "" {
			pickupDropoff = models.PickupAndDropoff
		}
		t.StopTimes[i] = StopTime{
			StopID:      st.ID,
			StopName:    st.Name,
			Lat:         st.Lat,
			Lon:         st.Lon,
			Sequence:    i + 1,
			Arrival:     arrival,
			Departure:   departure,
			PickupType:  stopType(pickupDropoff.AllowsPickup()),
			DropOffType: stopType(pickupDropoff.AllowsDropoff()),
		}
	}

	if ls, ok := offer.LineString(); ok {
		t.Path = ls.Clone()
		t.Bound = ls.Bound()
	} else {
		points := make(orb.MultiPoint, len(offer.Stops))
		for i, st := range offer.Stops {
			points[i] = st.Point()
		}
		t.Bound = points.Bound()
	}
	return t, nil
}

func stopType(allowed bool) int {
	if allowed {
		return StopTypeCoordinateDriver
	}
	return StopTypeNone
}

// RouteLongName is "<first stop> nach <last stop>".
func (t *Trip) RouteLongName() string {
	return t.StopTimes[0].StopName + " nach " + t.StopTimes[len(t.StopTimes)-1].StopName
}

// Destination is the name of the last stop.
func (t *Trip) Destination() string {
	return t.StopTimes[len(t.StopTimes)-1].StopName
}

func (t *Trip) IsRecurring() bool {
	return t.DepartureDate.IsRecurring()
}

// Intersects reports whether the trip's extent overlaps the bbox.
func (t *Trip) Intersects(bbox models.BBox) bool {
	return t.Bound.Intersects(bbox.Bound())
}

// NextTripDates returns the service dates of the trip starting at from's calendar
// date: every matching day within horizonDays for recurring trips, the single date
// otherwise. Dates are civil dates at UTC midnight.
func (t *Trip) NextTripDates(from time.Time, horizonDays int) []time.Time {
	if !t.IsRecurring() {
		return []time.Time{t.DepartureDate.Date()}
	}
	if horizonDays <= 0 {
		horizonDays = defaultRealtimeHorizonDays
	}

	day := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)
	var dates []time.Time
	for i := 0; i < horizonDays; i++ {
		if t.DepartureDate.Weekdays().Has(models.WeekdayOf(day)) {
			dates = append(dates, day)
		}
		day = day.AddDate(0, 0, 1)
	}
	return dates
}

// withLastUpdated returns a copy of t stamped with at.
func (t *Trip) withLastUpdated(at time.Time) *Trip {
	c := *t
	c.LastUpdated = at
	return &c
}
