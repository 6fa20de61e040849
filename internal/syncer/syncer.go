package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"amarillo.mfdz.de/internal/logging"
	"amarillo.mfdz.de/internal/models"
	"amarillo.mfdz.de/internal/trips"
)

// mtimeMargin is subtracted from the sync start before stale offers are
// deleted, so files written right around the start survive.
const mtimeMargin = time.Second

type Fetcher interface {
	Fetch(ctx context.Context, conf models.AgencyConf) ([]models.Offer, error)
}

type OfferStore interface {
	StoreOffer(ctx context.Context, offer models.Offer) (*trips.Trip, error)
	DeleteAgencyOffersOlderThan(ctx context.Context, agencyID string, cutoff time.Time) (int, error)
}

type AgencyConfs interface {
	AgencyConfs() []models.AgencyConf
	AgencyConf(agencyID string) (models.AgencyConf, error)
}

type Metrics interface {
	SyncFinished(agencyID string, d time.Duration, err error)
}

type Option func(*Syncer)

func WithMetrics(m Metrics) Option {
	return func(s *Syncer) {
		s.metrics = m
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Syncer) {
		s.now = now
	}
}

// Syncer replaces the stored offers of pull agencies with their current
// download.
type Syncer struct {
	fetcher Fetcher
	offers  OfferStore
	confs   AgencyConfs
	metrics Metrics
	now     func() time.Time
	logger  *slog.Logger
	locks   sync.Map // agency id -> *sync.Mutex
}

func New(fetcher Fetcher, offers OfferStore, confs AgencyConfs, logger *slog.Logger, opts ...Option) *Syncer {
	s := &Syncer{
		fetcher: fetcher,
		offers:  offers,
		confs:   confs,
		now:     time.Now,
		logger:  logging.ForComponent(logger, "syncer"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Syncer) lock(agencyID string) func() {
	v, _ := s.locks.LoadOrStore(agencyID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// SyncOne fetches the offers of one agency and stores them. Afterwards every
// offer of the agency that was not written during this run is deleted. A failed
// download leaves the stored offers untouched.
func (s *Syncer) SyncOne(ctx context.Context, conf models.AgencyConf) (synced []*trips.Trip, err error) {
	unlock := s.lock(conf.AgencyID)
	defer unlock()

	start := s.now()
	logger := s.logger.With(slog.String("agency", conf.AgencyID))
	defer func() {
		if s.metrics != nil {
			s.metrics.SyncFinished(conf.AgencyID, s.now().Sub(start), err)
		}
	}()

	logging.LogOperation(logger, "sync_started", slog.Time("start", start))

	offers, err := s.fetcher.Fetch(ctx, conf)
	if err != nil {
		logging.LogError(logger, "Sync aborted", err)
		return nil, err
	}

	rejected := 0
	for _, offer := range offers {
		if ctx.Err() != nil {
			return synced, ctx.Err()
		}
		trip, err := s.offers.StoreOffer(ctx, offer)
		if err != nil {
			rejected++
			logger.Debug("offer not stored", slog.String("offer_id", offer.ID), slog.String("error", err.Error()))
			continue
		}
		synced = append(synced, trip)
	}

	deleted, err := s.offers.DeleteAgencyOffersOlderThan(ctx, conf.AgencyID, start.Add(-mtimeMargin))
	if err != nil {
		return synced, fmt.Errorf("deleting stale offers of %s: %w", conf.AgencyID, err)
	}

	logging.LogOperation(logger, "sync_finished",
		slog.Int("fetched", len(offers)),
		slog.Int("stored", len(synced)),
		slog.Int("rejected", rejected),
		slog.Int("deleted", deleted),
		slog.Duration("duration", s.now().Sub(start)))
	return synced, nil
}

// SyncAll syncs every agency configured for pulling. A failing agency does not
// stop the others; all failures are returned joined.
func (s *Syncer) SyncAll(ctx context.Context) error {
	_, err := s.syncAll(ctx)
	return err
}

func (s *Syncer) syncAll(ctx context.Context) ([]*trips.Trip, error) {
	var (
		all    []*trips.Trip
		errs   []error
		synced int
	)
	for _, conf := range s.confs.AgencyConfs() {
		if !conf.ShouldSync() {
			continue
		}
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		agencyTrips, err := s.SyncOne(ctx, conf)
		all = append(all, agencyTrips...)
		if err != nil {
			errs = append(errs, fmt.Errorf("syncing %s: %w", conf.AgencyID, err))
			continue
		}
		synced++
	}

	logging.LogOperation(s.logger, "full_sync_finished",
		slog.Int("agencies_synced", synced),
		slog.Int("agencies_failed", len(errs)),
		slog.Int("trips", len(all)))
	return all, errors.Join(errs...)
}

// RunFullSync syncs one agency, or all of them when agencyID is empty, and
// returns the trips stored on the way.
func (s *Syncer) RunFullSync(ctx context.Context, agencyID string) ([]*trips.Trip, error) {
	if agencyID == "" {
		return s.syncAll(ctx)
	}
	conf, err := s.confs.AgencyConf(agencyID)
	if err != nil {
		return nil, err
	}
	if !conf.ShouldSync() {
		return nil, fmt.Errorf("agency %s has no offer download configured: %w", agencyID, models.ErrNotFound)
	}
	return s.SyncOne(ctx, conf)
}
