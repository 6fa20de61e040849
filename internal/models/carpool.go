package models

import (
	"bytes"
	"encoding/json"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// MaxStopsPerTrip bounds the stops of a raw offer and of an enhanced offer.
const MaxStopsPerTrip = 100

type PickupDropoff string

const (
	PickupAndDropoff PickupDropoff = "pickup_and_dropoff"
	OnlyPickup       PickupDropoff = "only_pickup"
	OnlyDropoff      PickupDropoff = "only_dropoff"
)

func (p PickupDropoff) AllowsPickup() bool {
	return p == PickupAndDropoff || p == OnlyPickup
}

func (p PickupDropoff) AllowsDropoff() bool {
	return p == PickupAndDropoff || p == OnlyDropoff
}

// StopTime is one waypoint of an offer. Times are optional on raw offers and
// always set on enhanced offers.
type StopTime struct {
	ID            string        `json:"id,omitempty" validate:"omitempty,max=256"`
	Name          string        `json:"name" validate:"required,max=256"`
	ArrivalTime   string        `json:"arrivalTime,omitempty" validate:"omitempty,clocktime"`
	DepartureTime string        `json:"departureTime,omitempty" validate:"omitempty,clocktime"`
	Lat           float64       `json:"lat" validate:"gte=-90,lte=90"`
	Lon           float64       `json:"lon" validate:"gte=-180,lte=180"`
	PickupDropoff PickupDropoff `json:"pickup_dropoff,omitempty" validate:"omitempty,oneof=pickup_and_dropoff only_pickup only_dropoff"`
}

func (s StopTime) Point() orb.Point {
	return orb.Point{s.Lon, s.Lat}
}

type Driver struct {
	DriverID       string `json:"driver_id,omitempty" validate:"omitempty,max=256,carpoolid"`
	ProfilePicture string `json:"profile_picture,omitempty" validate:"omitempty,url"`
	Rating         int    `json:"rating,omitempty" validate:"gte=0,lte=5"`
}

type RidesharingInfo struct {
	NumberFreeSeats int       `json:"number_free_seats" validate:"gte=0"`
	SameGender      int       `json:"same_gender,omitempty" validate:"omitempty,oneof=1 2"`
	LuggageSize     int       `json:"luggage_size,omitempty" validate:"omitempty,oneof=1 2 3"`
	AnimalCar       int       `json:"animal_car,omitempty" validate:"omitempty,oneof=1 2"`
	CarModel        string    `json:"car_model,omitempty" validate:"omitempty,max=48"`
	CarBrand        string    `json:"car_brand,omitempty" validate:"omitempty,max=48"`
	CreationDate    Timestamp `json:"creation_date,omitzero"`
	Smoking         int       `json:"smoking,omitempty" validate:"omitempty,oneof=1 2"`
	PaymentMethod   string    `json:"payment_method,omitempty" validate:"omitempty,max=48"`
}

// Offer is one carpool trip as published by an agency.
type Offer struct {
	ID              string            `json:"id" validate:"required,max=256,carpoolid"`
	Agency          string            `json:"agency" validate:"required,max=20,alphanum"`
	Driver          *Driver           `json:"driver,omitempty"`
	Deeplink        string            `json:"deeplink" validate:"required,url"`
	Stops           []StopTime        `json:"stops" validate:"min=2,max=100,dive"`
	DepartureTime   string            `json:"departureTime" validate:"required,clocktime"`
	DepartureDate   DepartureDate     `json:"departureDate"`
	Path            *geojson.Geometry `json:"path,omitempty"`
	LastUpdated     Timestamp         `json:"lastUpdated,omitzero"`
	RidesharingInfo *RidesharingInfo  `json:"additional_ridesharing_info,omitempty"`
}

// LineString returns the offer path if it is a usable line geometry.
func (o Offer) LineString() (orb.LineString, bool) {
	if o.Path == nil || o.Path.Coordinates == nil {
		return nil, false
	}
	ls, ok := o.Path.Coordinates.(orb.LineString)
	if !ok || len(ls) < 2 {
		return nil, false
	}
	return ls, true
}

// NewPath wraps a line string as the GeoJSON path of an offer.
func NewPath(ls orb.LineString) *geojson.Geometry {
	return geojson.NewGeometry(ls)
}

// Equivalent reports whether both offers describe the same trip, ignoring lastUpdated.
func (o Offer) Equivalent(other Offer) bool {
	o.LastUpdated, other.LastUpdated = Timestamp{}, Timestamp{}
	a, errA := json.Marshal(o)
	b, errB := json.Marshal(other)
	return errA == nil && errB == nil && bytes.Equal(a, b)
}
