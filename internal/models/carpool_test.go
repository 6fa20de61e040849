package models

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const offerJSON = `{
  "id": "Eins",
  "agency": "mfdz",
  "deeplink": "https://mfdz.de/trip/Eins",
  "stops": [
    {"id": "mfdz:12073:001", "name": "abc", "lat": 53.11901, "lon": 14.015776},
    {"id": "de:12073:900340137::3", "name": "xyz", "lat": 53.011459, "lon": 13.94945}
  ],
  "departureTime": "23:59",
  "departureDate": "2022-05-30",
  "path": {"type": "LineString", "coordinates": [[14.015776, 53.11901], [13.94945, 53.011459]]},
  "lastUpdated": "2022-05-30T10:00:00+02:00"
}`

func TestOfferUnmarshal(t *testing.T) {
	var offer Offer
	require.NoError(t, json.Unmarshal([]byte(offerJSON), &offer))

	assert.Equal(t, "Eins", offer.ID)
	assert.Equal(t, "mfdz", offer.Agency)
	require.Len(t, offer.Stops, 2)
	assert.Equal(t, "mfdz:12073:001", offer.Stops[0].ID)
	assert.InDelta(t, 14.015776, offer.Stops[0].Point().Lon(), 1e-9)
	assert.False(t, offer.DepartureDate.IsRecurring())
	assert.Equal(t, "2022-05-30", offer.DepartureDate.String())
	assert.False(t, offer.LastUpdated.IsZero())

	ls, ok := offer.LineString()
	require.True(t, ok)
	assert.Len(t, ls, 2)

	assert.NoError(t, ValidateOffer(offer))
}

func TestValidateOffer(t *testing.T) {
	base := func() Offer {
		var offer Offer
		require.NoError(t, json.Unmarshal([]byte(offerJSON), &offer))
		return offer
	}

	tests := []struct {
		name   string
		mutate func(o *Offer)
		field  string
	}{
		{"invalid id characters", func(o *Offer) { o.ID = "a/b" }, "id"},
		{"agency too long", func(o *Offer) { o.Agency = "abcdefghijklmnopqrstuvwxyz" }, "agency"},
		{"single stop", func(o *Offer) { o.Stops = o.Stops[:1] }, "stops"},
		{"latitude out of range", func(o *Offer) { o.Stops[0].Lat = 90.5 }, "stops[0].lat"},
		{"longitude out of range", func(o *Offer) { o.Stops[1].Lon = -180.5 }, "stops[1].lon"},
		{"bad departure time", func(o *Offer) { o.DepartureTime = "7:00" }, "departureTime"},
		{"bad stop time", func(o *Offer) { o.Stops[1].ArrivalTime = "12:60" }, "stops[1].arrivalTime"},
		{"unknown pickup type", func(o *Offer) { o.Stops[1].PickupDropoff = "sometimes" }, "stops[1].pickup_dropoff"},
		{"missing deeplink", func(o *Offer) { o.Deeplink = "" }, "deeplink"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			offer := base()
			tt.mutate(&offer)

			err := ValidateOffer(offer)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrParse))
			assert.Contains(t, FieldErrors(errors.Unwrap(err)), tt.field)
		})
	}

	t.Run("missing departure date", func(t *testing.T) {
		offer := base()
		offer.DepartureDate = DepartureDate{}
		assert.ErrorIs(t, ValidateOffer(offer), ErrParse)
	})

	t.Run("coordinate bounds are inclusive", func(t *testing.T) {
		offer := base()
		offer.Stops[0].Lat, offer.Stops[0].Lon = 90, 180
		offer.Stops[1].Lat, offer.Stops[1].Lon = -90, -180
		assert.NoError(t, ValidateOffer(offer))
	})

	t.Run("too many stops", func(t *testing.T) {
		offer := base()
		for len(offer.Stops) <= MaxStopsPerTrip {
			offer.Stops = append(offer.Stops, offer.Stops[1])
		}
		assert.ErrorIs(t, ValidateOffer(offer), ErrParse)
	})
}

func TestOfferEquivalent(t *testing.T) {
	var a, b Offer
	require.NoError(t, json.Unmarshal([]byte(offerJSON), &a))
	require.NoError(t, json.Unmarshal([]byte(offerJSON), &b))

	b.LastUpdated = NewTimestamp(time.Now())
	assert.True(t, a.Equivalent(b))

	b.DepartureTime = "08:00"
	assert.False(t, a.Equivalent(b))
}

func TestOfferRoundTripKeepsPath(t *testing.T) {
	offer := Offer{
		ID: "x", Agency: "mfdz", Deeplink: "https://mfdz.de",
		Path: NewPath(orb.LineString{{9, 48}, {9.1, 48.1}}),
	}
	b, err := json.Marshal(offer)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"type":"LineString"`)
	assert.NotContains(t, string(b), "lastUpdated")

	var decoded Offer
	require.NoError(t, json.Unmarshal(b, &decoded))
	ls, ok := decoded.LineString()
	require.True(t, ok)
	assert.Equal(t, orb.Point{9.1, 48.1}, ls[1])
}

func TestPickupDropoff(t *testing.T) {
	assert.True(t, PickupAndDropoff.AllowsPickup())
	assert.True(t, PickupAndDropoff.AllowsDropoff())
	assert.True(t, OnlyPickup.AllowsPickup())
	assert.False(t, OnlyPickup.AllowsDropoff())
	assert.False(t, OnlyDropoff.AllowsPickup())
}

func TestAgencyConfShouldSync(t *testing.T) {
	conf := AgencyConf{AgencyID: "mfdz", OffersDownloadURL: "https://example.com/offers"}
	assert.False(t, conf.ShouldSync())

	conf.Roles = []Role{RoleCarpoolAgency}
	assert.True(t, conf.ShouldSync())

	conf.OffersDownloadURL = ""
	assert.False(t, conf.ShouldSync())
}

func TestBBoxContains(t *testing.T) {
	bw := BBox{7.5, 47.5, 10.5, 49.8}
	assert.True(t, bw.Contains(48.78, 9.18))
	assert.False(t, bw.Contains(53.1, 14.0))
}
