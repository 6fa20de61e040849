package gtfs

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"amarillo.mfdz.de/internal/logging"
	"amarillo.mfdz.de/internal/models"
)

type Format string

const (
	FormatProtobuf Format = "protobuf"
	FormatJSON     Format = "json"
)

// ParseFormat maps the format query parameter, protobuf when empty.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "protobuf", "pbf":
		return FormatProtobuf, nil
	case "json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unknown gtfs-rt format %q", s)
	}
}

type RegionSource interface {
	Regions() []models.Region
	Region(id string) (models.Region, error)
}

type Metrics interface {
	FeedGenerated(feed string, d time.Duration, err error)
}

type Option func(*Manager)

func WithMetrics(m Metrics) Option {
	return func(manager *Manager) { manager.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(manager *Manager) {
		manager.now = now
		manager.exporter.now = now
	}
}

// Manager writes the per region feed files into the feed directory.
type Manager struct {
	config   Config
	regions  RegionSource
	exporter *Exporter
	producer *RealtimeProducer
	metrics  Metrics
	now      func() time.Time
	logger   *slog.Logger

	// one writer per feed directory at a time
	mu sync.Mutex
}

func NewManager(config Config, agencies []models.Agency, regions RegionSource, tripSource TripSource, realtime RealtimeSource, stopSource StopSource, logger *slog.Logger, opts ...Option) *Manager {
	config = config.withDefaults()
	manager := &Manager{
		config:   config,
		regions:  regions,
		exporter: NewExporter(agencies, config.FeedInfo, tripSource, stopSource, config.Location, logger),
		producer: NewRealtimeProducer(realtime, config.Location, config.HorizonDays, logger),
		now:      time.Now,
		logger:   logging.ForComponent(logger, "gtfs_manager"),
	}
	for _, opt := range opts {
		opt(manager)
	}
	return manager
}

func (manager *Manager) StaticPath(regionID string) string {
	return filepath.Join(manager.config.FeedDir, "amarillo."+regionID+".gtfs.zip")
}

func (manager *Manager) RealtimePath(regionID string, format Format) string {
	ext := "pbf"
	if format == FormatJSON {
		ext = "json"
	}
	return filepath.Join(manager.config.FeedDir, "amarillo."+regionID+".gtfsrt."+ext)
}

// ExportGTFS regenerates the static feed of a region and returns its path.
func (manager *Manager) ExportGTFS(regionID string) (path string, err error) {
	region, err := manager.regions.Region(regionID)
	if err != nil {
		return "", err
	}

	start := manager.now()
	defer func() {
		if manager.metrics != nil {
			manager.metrics.FeedGenerated("gtfs", manager.now().Sub(start), err)
		}
	}()

	manager.mu.Lock()
	defer manager.mu.Unlock()

	path = manager.StaticPath(region.ID)
	err = manager.writeAtomic(path, func(w io.Writer) error {
		return manager.exporter.Export(w, &region.BBox)
	})
	if err != nil {
		return "", fmt.Errorf("exporting gtfs of region %s: %w", region.ID, err)
	}

	logging.LogOperation(manager.logger, "gtfs_feed_written",
		slog.String("region", region.ID),
		slog.String("path", path),
		slog.Duration("duration", manager.now().Sub(start)))
	return path, nil
}

// ExportGTFSRT regenerates both realtime files of a region and returns the
// requested encoding.
func (manager *Manager) ExportGTFSRT(regionID string, format Format) (data []byte, err error) {
	region, err := manager.regions.Region(regionID)
	if err != nil {
		return nil, err
	}

	start := manager.now()
	defer func() {
		if manager.metrics != nil {
			manager.metrics.FeedGenerated("gtfsrt", manager.now().Sub(start), err)
		}
	}()

	feed := manager.producer.Feed(start, &region.BBox)
	pbf, err := Protobuf(feed)
	if err != nil {
		return nil, err
	}
	doc, err := JSON(feed)
	if err != nil {
		return nil, err
	}

	manager.mu.Lock()
	defer manager.mu.Unlock()

	for _, out := range []struct {
		format Format
		data   []byte
	}{{FormatProtobuf, pbf}, {FormatJSON, doc}} {
		payload := out.data
		err := manager.writeAtomic(manager.RealtimePath(region.ID, out.format), func(w io.Writer) error {
			_, err := w.Write(payload)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("writing gtfs-rt of region %s: %w", region.ID, err)
		}
	}

	manager.logger.Debug("gtfsrt_feed_written",
		slog.String("region", region.ID),
		slog.Int("entities", len(feed.GetEntity())))

	if format == FormatJSON {
		return doc, nil
	}
	return pbf, nil
}

// GenerateAll regenerates the static feeds of every region. A failing region
// does not stop the others.
func (manager *Manager) GenerateAll() error {
	var errs []error
	for _, region := range manager.regions.Regions() {
		if _, err := manager.ExportGTFS(region.ID); err != nil {
			logging.LogError(manager.logger, "GTFS export failed", err, slog.String("region", region.ID))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (manager *Manager) GenerateAllRealtime() error {
	var errs []error
	for _, region := range manager.regions.Regions() {
		if _, err := manager.ExportGTFSRT(region.ID, FormatProtobuf); err != nil {
			logging.LogError(manager.logger, "GTFS-RT export failed", err, slog.String("region", region.ID))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// writeAtomic writes into a temp file next to path and renames it, so readers
// never see a partial feed.
func (manager *Manager) writeAtomic(path string, write func(io.Writer) error) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer logging.SafeRemoveWithLogging(tmp.Name(), manager.logger, "remove_temp_feed_file")

	if err := manager.fillTemp(tmp, write); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (manager *Manager) fillTemp(tmp *os.File, write func(io.Writer) error) (err error) {
	defer logging.HandleDeferredError(&err, tmp.Close, manager.logger, "close_temp_feed_file")
	return write(tmp)
}
