package gtfs

import (
	"archive/zip"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"amarillo.mfdz.de/internal/logging"
	"amarillo.mfdz.de/internal/models"
	"amarillo.mfdz.de/internal/stops"
	"amarillo.mfdz.de/internal/trips"
)

const (
	// RouteTypeRidesharing is the extended GTFS route type for carpooling.
	RouteTypeRidesharing = 1551

	noBikesAllowed     = 2
	exceptionTypeAdded = 1
	calendarDays       = 31
	unknownStopName    = "k.A."
	gtfsDateLayout     = "20060102"
)

type TripSource interface {
	Trips() []*trips.Trip
}

type StopSource interface {
	Stops() []stops.Stop
}

// Exporter writes the static GTFS feed of the current trips.
type Exporter struct {
	agencies []models.Agency
	feedInfo FeedInfo
	trips    TripSource
	stops    StopSource
	loc      *time.Location
	now      func() time.Time
	logger   *slog.Logger
}

func NewExporter(agencies []models.Agency, feedInfo FeedInfo, tripSource TripSource, stopSource StopSource, loc *time.Location, logger *slog.Logger) *Exporter {
	if loc == nil {
		loc = time.Local
	}
	return &Exporter{
		agencies: agencies,
		feedInfo: feedInfo,
		trips:    tripSource,
		stops:    stopSource,
		loc:      loc,
		now:      time.Now,
		logger:   logging.ForComponent(logger, "gtfs_exporter"),
	}
}

type table struct {
	name   string
	header []string
	rows   [][]string
}

// feed collects the tables of one export.
type feed struct {
	bbox       *models.BBox
	today      time.Time
	shapeCount int
	tmpStops   int

	catalog   map[string]stops.Stop
	stopRows  map[string][]string
	stopOrder []string

	routes, trips, calendar, calendarDates, stopTimes, shapePoints [][]string
}

// Export writes the feed zip to w. A nil bbox exports every trip.
func (e *Exporter) Export(w io.Writer, bbox *models.BBox) error {
	now := e.now().In(e.loc)
	f := &feed{
		bbox:     bbox,
		today:    time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC),
		catalog:  make(map[string]stops.Stop),
		stopRows: make(map[string][]string),
	}

	for _, s := range e.stops.Stops() {
		f.addCatalogStop(s)
	}

	all := e.trips.Trips()
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	exported := 0
	for _, t := range all {
		if bbox != nil && !t.Intersects(*bbox) {
			continue
		}
		f.addTrip(t)
		exported++
	}

	tables := []table{
		{"agency.txt", []string{"agency_id", "agency_name", "agency_url", "agency_timezone", "agency_lang", "agency_email"}, e.agencyRows()},
		{"feed_info.txt", []string{"feed_id", "feed_publisher_name", "feed_publisher_url", "feed_lang", "feed_version"}, [][]string{{
			e.feedInfo.ID, e.feedInfo.PublisherName, e.feedInfo.PublisherURL, e.feedInfo.Lang, e.feedInfo.Version,
		}}},
		{"routes.txt", []string{"agency_id", "route_id", "route_long_name", "route_type", "route_url", "route_short_name"}, f.routes},
		{"trips.txt", []string{"route_id", "trip_id", "service_id", "shape_id", "trip_headsign", "bikes_allowed"}, f.trips},
		{"calendar.txt", []string{"service_id", "start_date", "end_date", "monday", "tuesday", "wednesday", "thursday", "friday", "saturday", "sunday"}, f.calendar},
		{"calendar_dates.txt", []string{"service_id", "date", "exception_type"}, f.calendarDates},
		{"stops.txt", []string{"stop_id", "stop_lat", "stop_lon", "stop_name"}, f.stopTable()},
		{"stop_times.txt", []string{"trip_id", "departure_time", "arrival_time", "stop_id", "stop_sequence", "pickup_type", "drop_off_type", "timepoint"}, f.stopTimes},
		{"shapes.txt", []string{"shape_id", "shape_pt_lon", "shape_pt_lat", "shape_pt_sequence"}, f.shapePoints},
	}
	if err := writeZip(w, tables); err != nil {
		return err
	}

	logging.LogOperation(e.logger, "gtfs_exported",
		slog.Int("trips", exported),
		slog.Int("stops", len(f.stopOrder)))
	return nil
}

func (e *Exporter) agencyRows() [][]string {
	rows := make([][]string, 0, len(e.agencies))
	for _, a := range e.agencies {
		rows = append(rows, []string{a.ID, a.Name, a.URL, a.Timezone, a.Lang, a.Email})
	}
	return rows
}

func writeZip(w io.Writer, tables []table) (err error) {
	zw := zip.NewWriter(w)
	defer func() {
		if cerr := zw.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("closing feed zip: %w", cerr)
		}
	}()

	for _, t := range tables {
		fw, err := zw.Create(t.name)
		if err != nil {
			return fmt.Errorf("adding %s: %w", t.name, err)
		}
		cw := csv.NewWriter(fw)
		if err := cw.Write(t.header); err != nil {
			return fmt.Errorf("writing %s: %w", t.name, err)
		}
		if err := cw.WriteAll(t.rows); err != nil {
			return fmt.Errorf("writing %s: %w", t.name, err)
		}
	}
	return nil
}

// addCatalogStop registers a known stop. Stops inside the bbox, or carpooling
// stops when there is no bbox, are exported even when no trip serves them, so
// trips added later through GTFS-RT can reference them.
func (f *feed) addCatalogStop(s stops.Stop) {
	if s.ID == "" {
		return
	}
	f.catalog[s.ID] = s

	alwaysExport := stops.IsCarpoolingStop(s.ID, s.Name)
	if f.bbox != nil {
		alwaysExport = f.bbox.Contains(s.Lat, s.Lon)
	}
	if alwaysExport {
		f.addStop(s.ID, s.Name, s.Lat, s.Lon)
	}
}

func (f *feed) addStop(id, name string, lat, lon float64) {
	if _, ok := f.stopRows[id]; ok {
		return
	}
	if name == "" {
		name = unknownStopName
	}
	f.stopRows[id] = []string{id, formatCoord(lat), formatCoord(lon), name}
	f.stopOrder = append(f.stopOrder, id)
}

func (f *feed) stopTable() [][]string {
	rows := make([][]string, 0, len(f.stopOrder))
	for _, id := range f.stopOrder {
		rows = append(rows, f.stopRows[id])
	}
	return rows
}

func (f *feed) addTrip(t *trips.Trip) {
	f.routes = append(f.routes, []string{
		t.Agency, t.ID, t.RouteLongName(), strconv.Itoa(RouteTypeRidesharing), t.URL, "",
	})

	shapeID := ""
	if len(t.Path) >= 2 {
		f.shapeCount++
		shapeID = strconv.Itoa(f.shapeCount)
		f.shapePoints = append(f.shapePoints, shapeRows(shapeID, t.Path)...)
	}
	f.trips = append(f.trips, []string{
		t.ID, t.ID, t.ID, shapeID, TripHeadsign(t.Destination()), strconv.Itoa(noBikesAllowed),
	})

	f.calendar = append(f.calendar, f.calendarRow(t))
	if !t.IsRecurring() {
		f.calendarDates = append(f.calendarDates, []string{
			t.ID, t.DepartureDate.Date().Format(gtfsDateLayout), strconv.Itoa(exceptionTypeAdded),
		})
	}

	for _, st := range t.StopTimes {
		id := st.StopID
		if id == "" {
			f.tmpStops++
			id = fmt.Sprintf("tmp-%d", f.tmpStops)
		}
		if known, ok := f.catalog[id]; ok {
			f.addStop(id, known.Name, known.Lat, known.Lon)
		} else {
			f.addStop(id, st.StopName, st.Lat, st.Lon)
		}
		f.stopTimes = append(f.stopTimes, []string{
			t.ID,
			models.FormatClock(st.Departure),
			models.FormatClock(st.Arrival),
			id,
			strconv.Itoa(st.Sequence),
			strconv.Itoa(st.PickupType),
			strconv.Itoa(st.DropOffType),
			"0",
		})
	}
}

func (f *feed) calendarRow(t *trips.Trip) []string {
	row := []string{
		t.ID,
		f.today.Format(gtfsDateLayout),
		f.today.AddDate(0, 0, calendarDays).Format(gtfsDateLayout),
	}
	days := t.DepartureDate.Weekdays()
	for _, d := range models.AllWeekdays {
		flag := "0"
		if days.Has(d) {
			flag = "1"
		}
		row = append(row, flag)
	}
	return row
}

var headsignPattern = regexp.MustCompile(`^(.*,)? ?(\d{4,5})? ?(.*)`)

// TripHeadsign shortens a destination address to its locality: the street part
// and the postal code are dropped, "Deutschland" is omitted and Swiss places
// keep a ", Schweiz" suffix.
func TripHeadsign(destination string) string {
	destination = strings.ReplaceAll(destination, "(Deutschland)", "")
	destination = strings.ReplaceAll(destination, ", Deutschland", "")

	suffix := ""
	if strings.Contains(destination, "Schweiz") || strings.Contains(destination, "Switzerland") {
		suffix = ", Schweiz"
		for _, s := range []string{"(Schweiz)", ", Schweiz", "(Switzerland)"} {
			destination = strings.ReplaceAll(destination, s, "")
		}
	}

	headsign := strings.TrimSpace(destination)
	if m := headsignPattern.FindStringSubmatch(destination); m != nil {
		headsign = strings.TrimSpace(m[3])
	}
	if strings.HasSuffix(headsign, ")") && !strings.Contains(headsign, "(") {
		headsign = strings.TrimSuffix(headsign, ")")
	}
	return headsign + suffix
}
