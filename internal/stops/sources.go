package stops

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/jamespfennell/gtfs"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"amarillo.mfdz.de/internal/logging"
)

type SourceType string

const (
	SourceCSV      SourceType = "csv"
	SourceGeoJSON  SourceType = "geojson"
	SourceOverpass SourceType = "overpass"
	SourceGTFS     SourceType = "gtfs"
)

// DefaultOverpassURL is queried by overpass sources.
const DefaultOverpassURL = "https://overpass-api.de/api/interpreter"

// Source is one entry of stop_sources.json. Vicinity is the distance in metres a
// path may pass a stop of this source for the stop to be served.
type Source struct {
	ID           string     `json:"id"`
	URL          string     `json:"url"`
	Type         SourceType `json:"type"`
	Vicinity     float64    `json:"vicinity"`
	AreaSelector string     `json:"area_selector"`
}

func (s Source) Name() string {
	if s.ID != "" {
		return s.ID
	}
	if s.URL != "" {
		return s.URL
	}
	return s.AreaSelector
}

// Kind returns the configured type, or guesses it from the url: remote json
// is geojson, everything else csv.
func (s Source) Kind() SourceType {
	if s.Type != "" {
		return s.Type
	}
	if strings.HasPrefix(s.URL, "http") && strings.HasSuffix(s.URL, "json") {
		return SourceGeoJSON
	}
	return SourceCSV
}

// LoadSources reads the stop source list.
func LoadSources(path string) ([]Source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var sources []Source
	if err := json.Unmarshal(data, &sources); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return sources, nil
}

type loader struct {
	client      *http.Client
	overpassURL string
	logger      *slog.Logger
}

func (l loader) load(ctx context.Context, src Source) ([]Stop, error) {
	switch src.Kind() {
	case SourceCSV:
		data, err := l.fetch(ctx, src.URL)
		if err != nil {
			return nil, err
		}
		return parseStopCSV(data)
	case SourceGeoJSON:
		data, err := l.fetch(ctx, src.URL)
		if err != nil {
			return nil, err
		}
		return parseGeoJSON(data, l.logger)
	case SourceOverpass:
		data, err := l.queryOverpass(ctx, src.AreaSelector)
		if err != nil {
			return nil, err
		}
		return parseOverpass(data)
	case SourceGTFS:
		data, err := l.fetch(ctx, src.URL)
		if err != nil {
			return nil, err
		}
		return parseGTFS(data)
	default:
		return nil, fmt.Errorf("source type %q not supported", src.Type)
	}
}

// fetch reads a local file or downloads an http(s) url.
func (l loader) fetch(ctx context.Context, source string) ([]byte, error) {
	if !strings.HasPrefix(source, "http://") && !strings.HasPrefix(source, "https://") {
		b, err := os.ReadFile(strings.TrimPrefix(source, "file://"))
		if err != nil {
			return nil, fmt.Errorf("error reading local stop file: %w", err)
		}
		return b, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, err
	}
	return l.do(req)
}

func (l loader) do(req *http.Request) ([]byte, error) {
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer logging.SafeCloseWithLogging(resp.Body, l.logger, "http_response_body")

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s %s returned status %d", req.Method, req.URL, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

const overpassQuery = `[out:csv(::"type", ::"id", ::"lat", ::"lon", name,parking,park_ride,operator,access,lit,fee,capacity,"capacity:disabled",supervised,surface,covered,maxstay,opening_hours)][timeout:60];
area%s->.a;
nwr(area.a)[park_ride][park_ride!=no][access!=customers];
out center;`

func (l loader) queryOverpass(ctx context.Context, areaSelector string) ([]byte, error) {
	if areaSelector == "" {
		return nil, errors.New("overpass source without area_selector")
	}
	query := fmt.Sprintf(overpassQuery, areaSelector)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.overpassURL, strings.NewReader(query))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	return l.do(req)
}

// csvColumns names the columns a delimited stop file is read from.
type csvColumns struct {
	id, lat, lon, name string
}

func parseCSV(data []byte, delimiter rune, cols csvColumns, idOf func(field func(string) string) string) ([]Stop, error) {
	reader := csv.NewReader(bytes.NewReader(bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))))
	reader.Comma = delimiter
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("reading csv header: %w", err)
	}
	columns := make(map[string]int, len(header))
	for i, name := range header {
		columns[strings.TrimSpace(name)] = i
	}
	for _, required := range []string{cols.id, cols.lat, cols.lon, cols.name} {
		if _, ok := columns[required]; !ok {
			return nil, fmt.Errorf("csv column %q missing", required)
		}
	}

	var stops []Stop
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		field := func(col string) string {
			i, ok := columns[col]
			if ok && i < len(row) {
				return strings.TrimSpace(row[i])
			}
			return ""
		}
		lat, err := parseDecimal(field(cols.lat))
		if err != nil {
			return nil, fmt.Errorf("stop %s: %w", field(cols.id), err)
		}
		lon, err := parseDecimal(field(cols.lon))
		if err != nil {
			return nil, fmt.Errorf("stop %s: %w", field(cols.id), err)
		}
		stops = append(stops, Stop{
			ID:   idOf(field),
			Name: NormalizeName(field(cols.name)),
			Lat:  lat,
			Lon:  lon,
		})
	}
	return stops, nil
}

// parseDecimal accepts decimal commas.
func parseDecimal(s string) (float64, error) {
	return strconv.ParseFloat(strings.Replace(s, ",", ".", 1), 64)
}

func parseStopCSV(data []byte) ([]Stop, error) {
	cols := csvColumns{id: "stop_id", lat: "stop_lat", lon: "stop_lon", name: "stop_name"}
	return parseCSV(data, ';', cols, func(field func(string) string) string {
		return field(cols.id)
	})
}

func parseGeoJSON(data []byte, logger *slog.Logger) ([]Stop, error) {
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("parsing geojson: %w", err)
	}

	stops := make([]Stop, 0, len(fc.Features))
	for _, f := range fc.Features {
		name := f.Properties.MustString("name", "")
		point, ok := f.Geometry.(orb.Point)
		if !ok || name == "" {
			logger.Warn("stop feature has no point geometry or name", slog.Any("id", f.ID))
			continue
		}
		stops = append(stops, Stop{
			ID:   fmt.Sprint(f.ID),
			Name: NormalizeName(name),
			Lat:  point.Lat(),
			Lon:  point.Lon(),
		})
	}
	return stops, nil
}

// parseOverpass reads the tab separated csv output of an overpass query. Ids are
// prefixed with the osm element type, e.g. osm:w123.
func parseOverpass(data []byte) ([]Stop, error) {
	cols := csvColumns{id: "@id", lat: "@lat", lon: "@lon", name: "name"}
	return parseCSV(data, '\t', cols, func(field func(string) string) string {
		elementType := field("@type")
		if elementType == "" {
			elementType = "n"
		}
		return fmt.Sprintf("osm:%c%s", elementType[0], field(cols.id))
	})
}

func parseGTFS(data []byte) ([]Stop, error) {
	static, err := gtfs.ParseStatic(data, gtfs.ParseStaticOptions{})
	if err != nil {
		return nil, fmt.Errorf("error parsing GTFS data: %w", err)
	}

	stops := make([]Stop, 0, len(static.Stops))
	for _, s := range static.Stops {
		if s.Latitude == nil || s.Longitude == nil {
			continue
		}
		stops = append(stops, Stop{
			ID:   s.Id,
			Name: NormalizeName(s.Name),
			Lat:  *s.Latitude,
			Lon:  *s.Longitude,
		})
	}
	return stops, nil
}
