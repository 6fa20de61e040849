package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"amarillo.mfdz.de/internal/models"
)

// Collector owns the prometheus registry of the service. All methods are safe
// to call on a nil *Collector.
type Collector struct {
	reg *prometheus.Registry

	TripsCreated prometheus.Counter
	TripsDeleted prometheus.Counter
	Quarantined  *prometheus.CounterVec // reason label: too_close|routing|no_route|parse|other
	Outdated     prometheus.Counter

	RoutingDuration prometheus.Histogram
	RoutingErrors   prometheus.Counter

	SyncRuns     *prometheus.CounterVec // result label: ok|error
	SyncDuration prometheus.Histogram

	FeedGenerations *prometheus.CounterVec // feed label: gtfs|gtfsrt, result label
	FeedDuration    *prometheus.HistogramVec

	JobRuns    *prometheus.CounterVec // job, result labels
	JobSkipped *prometheus.CounterVec

	CatalogStops   prometheus.Gauge
	CatalogReloads *prometheus.CounterVec

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge
	PublishDuration prometheus.Histogram
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		TripsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "amarillo_trips_created_total",
			Help: "Total trips created or updated.",
		}),
		TripsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "amarillo_trips_deleted_total",
			Help: "Total trips deleted.",
		}),
		Quarantined: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "amarillo_offers_quarantined_total",
			Help: "Offers moved to the failed partition.",
		}, []string{"reason"}),
		Outdated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "amarillo_offers_outdated_total",
			Help: "Offers rejected as outdated.",
		}),
		RoutingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "amarillo_routing_duration_seconds",
			Help:    "Duration of routing requests.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		RoutingErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "amarillo_routing_errors_total",
			Help: "Failed routing requests.",
		}),
		SyncRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "amarillo_sync_runs_total",
			Help: "Agency synchronizations.",
		}, []string{"agency", "result"}),
		SyncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "amarillo_sync_duration_seconds",
			Help:    "Duration of one agency synchronization.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		}),
		FeedGenerations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "amarillo_feed_generations_total",
			Help: "Feed regenerations.",
		}, []string{"feed", "result"}),
		FeedDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "amarillo_feed_generation_duration_seconds",
			Help:    "Duration of feed regenerations.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		}, []string{"feed"}),
		JobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "amarillo_scheduler_job_runs_total",
			Help: "Scheduled job runs.",
		}, []string{"job", "result"}),
		JobSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "amarillo_scheduler_job_skipped_total",
			Help: "Job runs skipped because the previous run was still active.",
		}, []string{"job"}),
		CatalogStops: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "amarillo_stop_catalog_stops",
			Help: "Number of stops in the active stop catalog.",
		}),
		CatalogReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "amarillo_stop_catalog_reloads_total",
			Help: "Stop catalog reloads.",
		}, []string{"result"}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "amarillo_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "amarillo_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "amarillo_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "amarillo_publish_duration_seconds",
			Help:    "Duration to marshal and publish a NATS message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
	}

	reg.MustRegister(
		c.TripsCreated, c.TripsDeleted, c.Quarantined, c.Outdated,
		c.RoutingDuration, c.RoutingErrors,
		c.SyncRuns, c.SyncDuration,
		c.FeedGenerations, c.FeedDuration,
		c.JobRuns, c.JobSkipped,
		c.CatalogStops, c.CatalogReloads,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected, c.PublishDuration,
	)
	return c
}

// RegisterTripCounts exposes the partition sizes of the trip store.
func (c *Collector) RegisterTripCounts(counts func() (valid, recent, deleted int)) {
	if c == nil {
		return
	}
	gauge := func(name, help string, pick func(v, r, d int) int) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, func() float64 {
			return float64(pick(counts()))
		})
	}
	c.reg.MustRegister(
		gauge("amarillo_trips", "Valid trips.", func(v, _, _ int) int { return v }),
		gauge("amarillo_trips_recent", "Trips updated since yesterday.", func(_, r, _ int) int { return r }),
		gauge("amarillo_trips_deleted", "Recently deleted trips.", func(_, _, d int) int { return d }),
	)
}

func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// QuarantineReason maps an enhancement failure to a metric label.
func QuarantineReason(err error) string {
	switch {
	case errors.Is(err, models.ErrTooClose):
		return "too_close"
	case errors.Is(err, models.ErrNoRouteFound):
		return "no_route"
	case errors.Is(err, models.ErrRouting):
		return "routing"
	case errors.Is(err, models.ErrParse):
		return "parse"
	default:
		return "other"
	}
}

func (c *Collector) TripCreated() {
	if c != nil {
		c.TripsCreated.Inc()
	}
}

func (c *Collector) TripDeleted() {
	if c != nil {
		c.TripsDeleted.Inc()
	}
}

func (c *Collector) OfferQuarantined(err error) {
	if c != nil {
		c.Quarantined.WithLabelValues(QuarantineReason(err)).Inc()
	}
}

func (c *Collector) OfferOutdated() {
	if c != nil {
		c.Outdated.Inc()
	}
}

func (c *Collector) ObserveRouting(d time.Duration, err error) {
	if c == nil {
		return
	}
	c.RoutingDuration.Observe(d.Seconds())
	if err != nil {
		c.RoutingErrors.Inc()
	}
}

func (c *Collector) SyncFinished(agencyID string, d time.Duration, err error) {
	if c == nil {
		return
	}
	c.SyncRuns.WithLabelValues(agencyID, result(err)).Inc()
	c.SyncDuration.Observe(d.Seconds())
}

func (c *Collector) FeedGenerated(feed string, d time.Duration, err error) {
	if c == nil {
		return
	}
	c.FeedGenerations.WithLabelValues(feed, result(err)).Inc()
	c.FeedDuration.WithLabelValues(feed).Observe(d.Seconds())
}

func (c *Collector) JobRun(job string, _ time.Duration, err error) {
	if c != nil {
		c.JobRuns.WithLabelValues(job, result(err)).Inc()
	}
}

func (c *Collector) JobSkippedInc(job string) {
	if c != nil {
		c.JobSkipped.WithLabelValues(job).Inc()
	}
}

func (c *Collector) CatalogReloaded(stops int, err error) {
	if c == nil {
		return
	}
	c.CatalogReloads.WithLabelValues(result(err)).Inc()
	if err == nil {
		c.CatalogStops.Set(float64(stops))
	}
}

func (c *Collector) NATSPublishedInc() {
	if c != nil {
		c.NATSPublished.Inc()
	}
}

func (c *Collector) NATSPublishErrInc() {
	if c != nil {
		c.NATSPublishErrs.Inc()
	}
}

func (c *Collector) PublishObserve(d time.Duration) {
	if c != nil {
		c.PublishDuration.Observe(d.Seconds())
	}
}

func (c *Collector) NATSSetConnected(connected bool) {
	if c == nil {
		return
	}
	if connected {
		c.NATSConnected.Set(1)
	} else {
		c.NATSConnected.Set(0)
	}
}
