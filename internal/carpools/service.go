package carpools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"amarillo.mfdz.de/internal/logging"
	"amarillo.mfdz.de/internal/models"
	"amarillo.mfdz.de/internal/store"
	"amarillo.mfdz.de/internal/trips"
	"amarillo.mfdz.de/internal/utils"
)

// Hooks are notified after a trip was stored or deleted.
type Hooks interface {
	TripCreated(trip *trips.Trip)
	TripDeleted(agencyID, offerID string)
}

type Metrics interface {
	TripCreated()
	TripDeleted()
	OfferQuarantined(err error)
	OfferOutdated()
}

type Config struct {
	MaxAge   time.Duration
	Location *time.Location
}

type Option func(*Service)

func WithHooks(h Hooks) Option {
	return func(s *Service) {
		s.hooks = append(s.hooks, h)
	}
}

func WithMetrics(m Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// Service is the entry point for storing and deleting carpool offers. It keeps
// the raw offers on disk and the trip store in sync.
type Service struct {
	files   *store.FileStore
	trips   *trips.Store
	cfg     Config
	hooks   []Hooks
	metrics Metrics
	now     func() time.Time
	logger  *slog.Logger
}

func NewService(cfg Config, files *store.FileStore, tripStore *trips.Store, logger *slog.Logger, opts ...Option) *Service {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	s := &Service{
		files:  files,
		trips:  tripStore,
		cfg:    cfg,
		now:    time.Now,
		logger: logging.ForComponent(logger, "carpool_service"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IsOutdated reports whether an offer was last updated more than maxAge ago or,
// for a single date offer, departs before yesterday.
func IsOutdated(offer models.Offer, now time.Time, maxAge time.Duration, loc *time.Location) bool {
	if !offer.LastUpdated.IsZero() && offer.LastUpdated.Before(now.Add(-maxAge)) {
		return true
	}
	if offer.DepartureDate.IsRecurring() || offer.DepartureDate.IsZero() {
		return false
	}
	local := now.In(loc)
	yesterday := time.Date(local.Year(), local.Month(), local.Day()-1, 0, 0, 0, 0, time.UTC)
	return offer.DepartureDate.Date().Before(yesterday)
}

func (s *Service) isOutdated(offer models.Offer) bool {
	return IsOutdated(offer, s.now(), s.cfg.MaxAge, s.cfg.Location)
}

// StoreOffer validates and stores an offer and puts its trip into the trip store.
// An offer without lastUpdated keeps the timestamp of an identical stored offer,
// otherwise it is stamped with the current time. Outdated offers are not stored
// and an older version is deleted; the error then matches models.ErrOutdated.
func (s *Service) StoreOffer(ctx context.Context, offer models.Offer) (*trips.Trip, error) {
	if err := models.ValidateOffer(offer); err != nil {
		return nil, err
	}

	unlock := s.files.Lock(offer.Agency, offer.ID)
	defer unlock()

	existing, err := s.files.Load(store.Carpool, offer.Agency, offer.ID)
	exists := err == nil
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		logging.LogWarning(s.logger, "Failed to read stored offer", err, logging.OfferAttrs(offer.Agency, offer.ID)...)
	}

	if offer.LastUpdated.IsZero() {
		if exists && !existing.LastUpdated.IsZero() && existing.Equivalent(offer) {
			offer.LastUpdated = existing.LastUpdated
		} else {
			offer.LastUpdated = models.NewTimestamp(s.now())
		}
	}

	if s.isOutdated(offer) {
		if s.metrics != nil {
			s.metrics.OfferOutdated()
		}
		logging.LogOperation(s.logger, "deleting_outdated_offer", logging.OfferAttrs(offer.Agency, offer.ID)...)
		if exists {
			s.deleteLocked(offer.Agency, offer.ID)
		}
		return nil, fmt.Errorf("%s: %w", utils.FormTripID(offer.Agency, offer.ID), models.ErrOutdated)
	}

	if err := s.files.Save(store.Carpool, offer); err != nil {
		return nil, fmt.Errorf("storing offer %s: %w", utils.FormTripID(offer.Agency, offer.ID), err)
	}

	trip, err := s.trips.Put(ctx, offer)
	if err != nil {
		if s.metrics != nil && errors.Is(err, models.ErrQuarantined) {
			s.metrics.OfferQuarantined(err)
		}
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.TripCreated()
	}
	for _, h := range s.hooks {
		h.TripCreated(trip)
	}
	return trip, nil
}

// GetOffer returns the stored raw offer.
func (s *Service) GetOffer(agencyID, offerID string) (models.Offer, error) {
	return s.files.Load(store.Carpool, agencyID, offerID)
}

// GetEnhancedOffer returns the stored enhancement of an offer.
func (s *Service) GetEnhancedOffer(agencyID, offerID string) (models.Offer, error) {
	return s.files.Load(store.Enhanced, agencyID, offerID)
}

// FailureReason returns why an offer was quarantined.
func (s *Service) FailureReason(agencyID, offerID string) (string, error) {
	return s.files.FailureReason(agencyID, offerID)
}

// DeleteOffer moves the offer to the trash and its trip into the deleted
// partition. Unknown offers yield models.ErrNotFound.
func (s *Service) DeleteOffer(_ context.Context, agencyID, offerID string) error {
	unlock := s.files.Lock(agencyID, offerID)
	defer unlock()

	_, tripExists := s.trips.Get(agencyID, offerID)
	if !tripExists && !s.files.Exists(store.Carpool, agencyID, offerID) {
		return fmt.Errorf("offer %s: %w", utils.FormTripID(agencyID, offerID), models.ErrNotFound)
	}
	s.deleteLocked(agencyID, offerID)
	return nil
}

func (s *Service) deleteLocked(agencyID, offerID string) {
	attrs := logging.OfferAttrs(agencyID, offerID)

	if _, err := s.files.MoveToTrash(agencyID, offerID); err != nil && !errors.Is(err, models.ErrNotFound) {
		logging.LogError(s.logger, "Failed to move offer to trash", err, attrs...)
	}
	if err := s.files.Delete(store.Failed, agencyID, offerID); err != nil {
		logging.LogWarning(s.logger, "Failed to clear quarantine", err, attrs...)
	}
	logging.LogOperation(s.logger, "offer_deleted", attrs...)

	// quarantined offers never had a trip
	if !s.trips.Delete(agencyID, offerID) {
		return
	}
	if s.metrics != nil {
		s.metrics.TripDeleted()
	}
	for _, h := range s.hooks {
		h.TripDeleted(agencyID, offerID)
	}
}

// ListIDs returns the agency:id of every valid trip.
func (s *Service) ListIDs() []string {
	return s.trips.IDs()
}

// PurgeOutdated deletes every stored offer that became outdated.
func (s *Service) PurgeOutdated(ctx context.Context) (int, error) {
	entries, err := s.files.ListAll(store.Carpool)
	if err != nil {
		return 0, err
	}

	purged := 0
	for _, e := range entries {
		if ctx.Err() != nil {
			return purged, ctx.Err()
		}
		offer, err := s.files.Load(store.Carpool, e.Agency, e.ID)
		if err != nil {
			logging.LogWarning(s.logger, "Skipping unreadable offer", err, logging.OfferAttrs(e.Agency, e.ID)...)
			continue
		}
		if !s.isOutdated(offer) {
			continue
		}
		logging.LogOperation(s.logger, "purging_outdated_offer", logging.OfferAttrs(e.Agency, e.ID)...)
		if err := s.DeleteOffer(ctx, e.Agency, e.ID); err != nil && !errors.Is(err, models.ErrNotFound) {
			return purged, err
		}
		purged++
	}
	return purged, nil
}

// DeleteAgencyOffersOlderThan deletes the offers of an agency whose files were
// last written before cutoff.
func (s *Service) DeleteAgencyOffersOlderThan(ctx context.Context, agencyID string, cutoff time.Time) (int, error) {
	entries, err := s.files.List(store.Carpool, agencyID)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, e := range entries {
		if !e.ModTime.Before(cutoff) {
			continue
		}
		if err := s.DeleteOffer(ctx, e.Agency, e.ID); err != nil && !errors.Is(err, models.ErrNotFound) {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

// Recover rebuilds the trip store after a start: every stored offer is put again,
// reusing stored enhancements, and offers trashed since yesterday become
// deleted trips so their cancellations are published again.
func (s *Service) Recover(ctx context.Context) error {
	start := s.now()

	entries, err := s.files.ListAll(store.Carpool)
	if err != nil {
		return fmt.Errorf("listing stored offers: %w", err)
	}
	restored, failed := 0, 0
	for _, e := range entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		unlock := s.files.Lock(e.Agency, e.ID)
		offer, err := s.files.Load(store.Carpool, e.Agency, e.ID)
		if err != nil {
			unlock()
			logging.LogWarning(s.logger, "Could not restore offer", err, logging.OfferAttrs(e.Agency, e.ID)...)
			failed++
			continue
		}
		if s.isOutdated(offer) {
			s.deleteLocked(e.Agency, e.ID)
			unlock()
			continue
		}
		if _, err := s.trips.Put(ctx, offer); err != nil {
			failed++
		} else {
			restored++
		}
		unlock()
	}

	local := start.In(s.cfg.Location)
	yesterday := time.Date(local.Year(), local.Month(), local.Day()-1, 0, 0, 0, 0, s.cfg.Location)
	trashed, err := s.files.ListAll(store.Trash)
	if err != nil {
		return fmt.Errorf("listing trashed offers: %w", err)
	}
	cancellations := 0
	for _, e := range trashed {
		if e.ModTime.Before(yesterday) {
			continue
		}
		offer, err := s.files.Load(store.Trash, e.Agency, e.ID)
		if err != nil {
			continue
		}
		trip, err := trips.FromOffer(offer)
		if err != nil {
			continue
		}
		trip.LastUpdated = e.ModTime
		s.trips.RestoreDeleted(trip)
		cancellations++
	}

	logging.LogOperation(s.logger, "offers_recovered",
		slog.Int("restored", restored),
		slog.Int("failed", failed),
		slog.Int("cancellations", cancellations),
		slog.Duration("duration", s.now().Sub(start)))
	return nil
}
