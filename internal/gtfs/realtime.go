package gtfs

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	gtfsrt "github.com/jamespfennell/gtfs/proto"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"

	"amarillo.mfdz.de/internal/logging"
	"amarillo.mfdz.de/internal/models"
	"amarillo.mfdz.de/internal/trips"
)

const (
	realtimeVersion = "1.0"
	// uncertainty of every predicted arrival and departure, in seconds
	defaultUncertainty = 600

	// field number of the mfdz extensions of TripDescriptor and StopTimeProperties
	mfdzExtensionField protowire.Number = 1013

	tripDescriptorExtensionKey     = "[transit_realtime.trip_descriptor]"
	stopTimePropertiesExtensionKey = "[transit_realtime.stop_time_properties]"
)

// fields of the trip descriptor extension
const (
	extRouteURL      protowire.Number = 1
	extAgencyID      protowire.Number = 2
	extRouteLongName protowire.Number = 3
	extRouteType     protowire.Number = 4
)

// fields of the stop time properties extension
const (
	extPickupType  protowire.Number = 1
	extDropoffType protowire.Number = 2
)

type RealtimeSource interface {
	RecentTrips() []*trips.Trip
	DeletedTrips() []*trips.Trip
}

// RealtimeProducer turns the recent and deleted partitions of the trip store
// into GTFS-RT trip updates.
type RealtimeProducer struct {
	source      RealtimeSource
	loc         *time.Location
	horizonDays int
	logger      *slog.Logger
}

func NewRealtimeProducer(source RealtimeSource, loc *time.Location, horizonDays int, logger *slog.Logger) *RealtimeProducer {
	if loc == nil {
		loc = time.Local
	}
	return &RealtimeProducer{
		source:      source,
		loc:         loc,
		horizonDays: horizonDays,
		logger:      logging.ForComponent(logger, "gtfsrt_producer"),
	}
}

// Feed builds the feed message at the given time. ADDED updates of recent trips
// come first, followed by CANCELED updates of deleted trips, one per service date
// within the horizon. A nil bbox keeps every trip.
func (p *RealtimeProducer) Feed(at time.Time, bbox *models.BBox) *gtfsrt.FeedMessage {
	today := at.In(p.loc)

	var updates []*gtfsrt.TripUpdate
	for _, t := range p.source.RecentTrips() {
		if bbox != nil && !t.Intersects(*bbox) {
			continue
		}
		for _, date := range t.NextTripDates(today, p.horizonDays) {
			updates = append(updates, p.addedUpdate(t, date))
		}
	}
	added := len(updates)
	for _, t := range p.source.DeletedTrips() {
		if bbox != nil && !t.Intersects(*bbox) {
			continue
		}
		for _, date := range t.NextTripDates(today, p.horizonDays) {
			updates = append(updates, canceledUpdate(t, date))
		}
	}

	entities := make([]*gtfsrt.FeedEntity, 0, len(updates))
	for i, u := range updates {
		entities = append(entities, &gtfsrt.FeedEntity{
			Id:         proto.String(fmt.Sprintf("carpool-update-%d", i)),
			TripUpdate: u,
		})
	}

	p.logger.Debug("gtfsrt_feed_built",
		slog.Int("added", added),
		slog.Int("canceled", len(updates)-added))

	return &gtfsrt.FeedMessage{
		Header: &gtfsrt.FeedHeader{
			GtfsRealtimeVersion: proto.String(realtimeVersion),
			Incrementality:      gtfsrt.FeedHeader_FULL_DATASET.Enum(),
			Timestamp:           proto.Uint64(uint64(at.Unix())),
		},
		Entity: entities,
	}
}

func tripDescriptor(t *trips.Trip, date time.Time, rel gtfsrt.TripDescriptor_ScheduleRelationship) *gtfsrt.TripDescriptor {
	return &gtfsrt.TripDescriptor{
		TripId:               proto.String(t.ID),
		RouteId:              proto.String(t.ID),
		StartTime:            proto.String(models.FormatClock(t.StartTime)),
		StartDate:            proto.String(date.Format(gtfsDateLayout)),
		ScheduleRelationship: rel.Enum(),
	}
}

func canceledUpdate(t *trips.Trip, date time.Time) *gtfsrt.TripUpdate {
	return &gtfsrt.TripUpdate{
		Trip: tripDescriptor(t, date, gtfsrt.TripDescriptor_CANCELED),
	}
}

func (p *RealtimeProducer) addedUpdate(t *trips.Trip, date time.Time) *gtfsrt.TripUpdate {
	trip := tripDescriptor(t, date, gtfsrt.TripDescriptor_ADDED)
	trip.ProtoReflect().SetUnknown(tripDescriptorExtension(t))

	dayStart := models.ServiceDayStart(date, p.loc)
	stopTimes := make([]*gtfsrt.TripUpdate_StopTimeUpdate, 0, len(t.StopTimes))
	for _, st := range t.StopTimes {
		props := &gtfsrt.TripUpdate_StopTimeUpdate_StopTimeProperties{}
		props.ProtoReflect().SetUnknown(stopTimePropertiesExtension(st))

		stopTimes = append(stopTimes, &gtfsrt.TripUpdate_StopTimeUpdate{
			StopSequence: proto.Uint32(uint32(st.Sequence)),
			StopId:       proto.String(st.StopID),
			Arrival: &gtfsrt.TripUpdate_StopTimeEvent{
				Time:        proto.Int64(dayStart.Add(st.Arrival).Unix()),
				Uncertainty: proto.Int32(defaultUncertainty),
			},
			Departure: &gtfsrt.TripUpdate_StopTimeEvent{
				Time:        proto.Int64(dayStart.Add(st.Departure).Unix()),
				Uncertainty: proto.Int32(defaultUncertainty),
			},
			ScheduleRelationship: gtfsrt.TripUpdate_StopTimeUpdate_SCHEDULED.Enum(),
			StopTimeProperties:   props,
		})
	}

	return &gtfsrt.TripUpdate{
		Trip:           trip,
		StopTimeUpdate: stopTimes,
	}
}

func tripDescriptorExtension(t *trips.Trip) protoreflect.RawFields {
	var ext []byte
	ext = appendStringField(ext, extRouteURL, t.URL)
	ext = appendStringField(ext, extAgencyID, t.Agency)
	ext = appendStringField(ext, extRouteLongName, t.RouteLongName())
	ext = protowire.AppendTag(ext, extRouteType, protowire.VarintType)
	ext = protowire.AppendVarint(ext, RouteTypeRidesharing)
	return wrapExtension(ext)
}

func stopTimePropertiesExtension(st trips.StopTime) protoreflect.RawFields {
	var ext []byte
	ext = protowire.AppendTag(ext, extPickupType, protowire.VarintType)
	ext = protowire.AppendVarint(ext, uint64(st.PickupType))
	ext = protowire.AppendTag(ext, extDropoffType, protowire.VarintType)
	ext = protowire.AppendVarint(ext, uint64(st.DropOffType))
	return wrapExtension(ext)
}

func appendStringField(b []byte, num protowire.Number, v string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func wrapExtension(ext []byte) protoreflect.RawFields {
	b := protowire.AppendTag(nil, mfdzExtensionField, protowire.BytesType)
	return protowire.AppendBytes(b, ext)
}

// decodeExtension returns the scalar fields of the mfdz extension carried in
// raw, keyed by field number. Strings are returned as string, varints as uint64.
func decodeExtension(raw protoreflect.RawFields) (map[protowire.Number]any, error) {
	var payload []byte
	for b := []byte(raw); len(b) > 0; {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		if num == mfdzExtensionField && typ == protowire.BytesType {
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return nil, protowire.ParseError(m)
			}
			payload = v
			b = b[m:]
			continue
		}
		m := protowire.ConsumeFieldValue(num, typ, b)
		if m < 0 {
			return nil, protowire.ParseError(m)
		}
		b = b[m:]
	}
	if payload == nil {
		return nil, nil
	}

	fields := make(map[protowire.Number]any)
	for b := payload; len(b) > 0; {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		switch typ {
		case protowire.BytesType:
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return nil, protowire.ParseError(m)
			}
			fields[num] = v
			b = b[m:]
		case protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return nil, protowire.ParseError(m)
			}
			fields[num] = v
			b = b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return nil, protowire.ParseError(m)
			}
			b = b[m:]
		}
	}
	return fields, nil
}

// Protobuf encodes the feed in the GTFS-RT wire format, extensions included.
func Protobuf(feed *gtfsrt.FeedMessage) ([]byte, error) {
	b, err := proto.Marshal(feed)
	if err != nil {
		return nil, fmt.Errorf("marshaling gtfs-rt feed: %w", err)
	}
	return b, nil
}

// JSON renders the feed for debugging. protojson drops unknown fields, so the
// mfdz extensions are decoded and added under their bracketed extension names.
func JSON(feed *gtfsrt.FeedMessage) ([]byte, error) {
	b, err := protojson.Marshal(feed)
	if err != nil {
		return nil, fmt.Errorf("marshaling gtfs-rt feed as json: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("decoding gtfs-rt json: %w", err)
	}

	entities, _ := doc["entity"].([]any)
	for i, entity := range feed.GetEntity() {
		if i >= len(entities) {
			break
		}
		if err := injectExtensions(entities[i], entity.GetTripUpdate()); err != nil {
			return nil, fmt.Errorf("entity %s: %w", entity.GetId(), err)
		}
	}

	return json.Marshal(doc)
}

func injectExtensions(entityDoc any, update *gtfsrt.TripUpdate) error {
	entity, _ := entityDoc.(map[string]any)
	tripUpdate, _ := entity["tripUpdate"].(map[string]any)
	if tripUpdate == nil || update == nil {
		return nil
	}

	if trip, ok := tripUpdate["trip"].(map[string]any); ok {
		fields, err := decodeExtension(update.GetTrip().ProtoReflect().GetUnknown())
		if err != nil {
			return err
		}
		if fields != nil {
			trip[tripDescriptorExtensionKey] = map[string]any{
				"routeUrl":      fields[extRouteURL],
				"agencyId":      fields[extAgencyID],
				"routeLongName": fields[extRouteLongName],
				"routeType":     fields[extRouteType],
			}
		}
	}

	stopTimes, _ := tripUpdate["stopTimeUpdate"].([]any)
	for j, stu := range update.GetStopTimeUpdate() {
		if j >= len(stopTimes) || stu.GetStopTimeProperties() == nil {
			continue
		}
		stopTime, ok := stopTimes[j].(map[string]any)
		if !ok {
			continue
		}
		fields, err := decodeExtension(stu.GetStopTimeProperties().ProtoReflect().GetUnknown())
		if err != nil {
			return err
		}
		if fields == nil {
			continue
		}
		props, _ := stopTime["stopTimeProperties"].(map[string]any)
		if props == nil {
			props = make(map[string]any)
			stopTime["stopTimeProperties"] = props
		}
		props[stopTimePropertiesExtensionKey] = map[string]any{
			"pickupType":  stopTypeName(fields[extPickupType]),
			"dropoffType": stopTypeName(fields[extDropoffType]),
		}
	}
	return nil
}

func stopTypeName(v any) string {
	n, _ := v.(uint64)
	switch n {
	case trips.StopTypeCoordinateDriver:
		return "COORDINATE_WITH_DRIVER"
	case trips.StopTypeNone:
		return "NONE"
	default:
		return strconv.FormatUint(n, 10)
	}
}
