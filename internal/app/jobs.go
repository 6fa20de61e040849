package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"amarillo.mfdz.de/internal/logging"
	"amarillo.mfdz.de/internal/models"
)

const (
	JobMidnight = "midnight"
	JobRealtime = "gtfsrt"
	JobSync     = "daily_sync"
)

// ScheduleJobs registers the periodic jobs. Call before Scheduler.Start.
func (app *Application) ScheduleJobs() error {
	syncAt, err := models.ParseClock(app.Config.DailySyncTime)
	if err != nil {
		return err
	}
	app.Scheduler.DailyAt(JobMidnight, 0, app.Location, app.midnight)
	app.Scheduler.Every(JobRealtime, app.Config.GTFSRTInterval, func(ctx context.Context) error {
		return app.Feeds.GenerateAllRealtime()
	})
	app.Scheduler.DailyAt(JobSync, syncAt, app.Location, app.Syncer.SyncAll)
	return nil
}

// midnight reloads the stop catalog, drops trips that left the retention
// window and offers that are outdated, then regenerates the static feeds.
func (app *Application) midnight(ctx context.Context) error {
	start := time.Now()
	app.reloadCatalog(ctx)

	purged := app.Trips.PurgeYesterday()
	outdated, purgeErr := app.Carpools.PurgeOutdated(ctx)
	if purgeErr != nil {
		logging.LogError(app.Logger, "Purging outdated offers failed", purgeErr)
	}

	genErr := app.Feeds.GenerateAll()

	logging.LogOperation(app.Logger, "midnight_housekeeping",
		slog.Int("purged_trips", purged),
		slog.Int("outdated_offers", outdated),
		slog.Duration("duration", time.Since(start)))
	return errors.Join(purgeErr, genErr)
}
