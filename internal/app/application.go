package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"amarillo.mfdz.de/internal/appconf"
	"amarillo.mfdz.de/internal/carpools"
	"amarillo.mfdz.de/internal/enhancer"
	"amarillo.mfdz.de/internal/gtfs"
	"amarillo.mfdz.de/internal/importing"
	"amarillo.mfdz.de/internal/logging"
	"amarillo.mfdz.de/internal/metrics"
	"amarillo.mfdz.de/internal/publisher"
	"amarillo.mfdz.de/internal/registry"
	"amarillo.mfdz.de/internal/routing"
	"amarillo.mfdz.de/internal/scheduler"
	"amarillo.mfdz.de/internal/stops"
	"amarillo.mfdz.de/internal/store"
	"amarillo.mfdz.de/internal/syncer"
	"amarillo.mfdz.de/internal/trips"
)

// Application holds the dependencies of the HTTP handlers and the scheduled
// jobs.
type Application struct {
	Config    appconf.Config
	Logger    *slog.Logger
	Location  *time.Location
	Registry  *registry.Registry
	Catalog   *stops.Catalog
	Files     *store.FileStore
	Trips     *trips.Store
	Carpools  *carpools.Service
	Importers *importing.Registry
	Syncer    *syncer.Syncer
	Feeds     *gtfs.Manager
	Metrics   *metrics.Collector
	Scheduler *scheduler.Scheduler
	// Publisher is nil when no NATS url is configured.
	Publisher *publisher.NATSPublisher
}

// New wires every component from the configuration. Nothing is loaded or
// started yet, see Boot.
func New(cfg appconf.Config, logger *slog.Logger) (*Application, error) {
	loc := cfg.Location()
	collector := metrics.NewCollector()

	reg, err := registry.Load(registry.Paths{
		AgencyDir:     cfg.AgencyDir(),
		RegionDir:     cfg.RegionDir(),
		AgencyConfDir: cfg.AgencyConfDir(),
	}, cfg.AdminToken, logger)
	if err != nil {
		return nil, fmt.Errorf("loading registry: %w", err)
	}

	var sources []stops.Source
	if cfg.StopSourcesFile != "" {
		sources, err = stops.LoadSources(cfg.StopSourcesFile)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("loading stop sources: %w", err)
		}
		if err != nil {
			logging.LogWarning(logger, "No stop sources configured", err,
				slog.String("path", cfg.StopSourcesFile))
		}
	}
	catalog := stops.NewCatalog(stops.CatalogConfig{Sources: sources, Logger: logger})

	files, err := store.NewFileStore(cfg.DataDir, logger)
	if err != nil {
		return nil, fmt.Errorf("opening file store: %w", err)
	}

	router := routing.NewClient(routing.Config{
		BaseURL:    cfg.GraphhopperBaseURL,
		Timeout:    cfg.Enhancer.RoutingTimeout,
		MaxRetries: 2,
	}, logger)
	enh := enhancer.New(cfg.Enhancer, router, catalog, logger,
		enhancer.WithRoutingObserver(collector.ObserveRouting))

	tripStore := trips.NewStore(trips.Config{
		MinEndpointDistanceM: cfg.Enhancer.MinEndpointDistanceM,
		Location:             loc,
	}, enh, files, logger)
	collector.RegisterTripCounts(tripStore.Counts)

	carpoolOpts := []carpools.Option{carpools.WithMetrics(collector)}
	var pub *publisher.NATSPublisher
	if cfg.NATS.URL != "" {
		pub, err = publisher.NewNATSPublisher(cfg.NATS.URL, cfg.NATS.SubjectPrefix, collector, logger)
		if err != nil {
			return nil, fmt.Errorf("connecting to nats: %w", err)
		}
		carpoolOpts = append(carpoolOpts, carpools.WithHooks(pub))
	}
	service := carpools.NewService(carpools.Config{MaxAge: cfg.MaxAge(), Location: loc},
		files, tripStore, logger, carpoolOpts...)

	importers := importing.NewRegistry(importing.Config{
		Timeout:     cfg.Importers.Timeout,
		UserAgent:   cfg.Importers.UserAgent,
		NOITestMode: cfg.Importers.NOITestMode,
		NOIURL:      cfg.Importers.NOIURL,
		Location:    loc,
	}, logger)
	synchronizer := syncer.New(importers, service, reg, logger, syncer.WithMetrics(collector))

	feeds := gtfs.NewManager(gtfs.Config{
		FeedDir:     cfg.FeedDir(),
		Location:    loc,
		HorizonDays: cfg.RealtimeHorizonDays,
	}, reg.Agencies(), reg, tripStore, tripStore, catalog, logger, gtfs.WithMetrics(collector))

	sched := scheduler.New(logger, scheduler.WithMetrics(collector), scheduler.WithJobTimeout(time.Hour))

	return &Application{
		Config:    cfg,
		Logger:    logger,
		Location:  loc,
		Registry:  reg,
		Catalog:   catalog,
		Files:     files,
		Trips:     tripStore,
		Carpools:  service,
		Importers: importers,
		Syncer:    synchronizer,
		Feeds:     feeds,
		Metrics:   collector,
		Scheduler: sched,
		Publisher: pub,
	}, nil
}

// Boot loads the stop catalog, replays the stored offers and writes the
// initial feeds. A failing catalog is logged, offers are then enhanced without
// stop data.
func (app *Application) Boot(ctx context.Context) error {
	app.reloadCatalog(ctx)

	if err := app.Carpools.Recover(ctx); err != nil {
		return fmt.Errorf("recovering offers: %w", err)
	}

	if err := app.Feeds.GenerateAll(); err != nil {
		logging.LogError(app.Logger, "Initial GTFS generation failed", err)
	}
	if err := app.Feeds.GenerateAllRealtime(); err != nil {
		logging.LogError(app.Logger, "Initial GTFS-RT generation failed", err)
	}
	return nil
}

func (app *Application) reloadCatalog(ctx context.Context) {
	err := app.Catalog.Reload(ctx)
	app.Metrics.CatalogReloaded(app.Catalog.Len(), err)
	if err != nil {
		logging.LogError(app.Logger, "Stop catalog reload failed, keeping previous stops", err)
	}
}

// Shutdown stops the scheduled jobs and drains the publisher.
func (app *Application) Shutdown() {
	app.Scheduler.Shutdown()
	if app.Publisher != nil {
		app.Publisher.Close()
	}
}
