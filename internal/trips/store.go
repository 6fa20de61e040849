package trips

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"amarillo.mfdz.de/internal/logging"
	"amarillo.mfdz.de/internal/models"
	"amarillo.mfdz.de/internal/store"
	"amarillo.mfdz.de/internal/utils"
)

// Enhancer produces the enhanced version of a raw offer.
type Enhancer interface {
	Enhance(ctx context.Context, offer models.Offer) (models.Offer, error)
}

type Config struct {
	// MinEndpointDistanceM is the minimum straight line distance between the
	// first and the last stop of an offer worth routing.
	MinEndpointDistanceM float64
	Location             *time.Location
}

type Option func(*Store)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Store holds the valid trips together with the recently added and the recently
// deleted ones. Trips are only swapped, never mutated, so snapshots are safe to
// read while the store changes. Callers serialize work on the same offer id
// with store.FileStore.Lock.
type Store struct {
	mu      sync.RWMutex
	trips   map[string]*Trip
	recent  map[string]*Trip
	deleted map[string]*Trip

	enhancer Enhancer
	files    *store.FileStore
	cfg      Config
	now      func() time.Time
	logger   *slog.Logger
}

func NewStore(cfg Config, enhancer Enhancer, files *store.FileStore, logger *slog.Logger, opts ...Option) *Store {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	s := &Store{
		trips:    make(map[string]*Trip),
		recent:   make(map[string]*Trip),
		deleted:  make(map[string]*Trip),
		enhancer: enhancer,
		files:    files,
		cfg:      cfg,
		now:      time.Now,
		logger:   logging.ForComponent(logger, "trip_store"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// yesterday returns the start of the previous day in the service time zone.
func (s *Store) yesterday() time.Time {
	now := s.now().In(s.cfg.Location)
	return time.Date(now.Year(), now.Month(), now.Day()-1, 0, 0, 0, 0, s.cfg.Location)
}

// Put enhances the offer, unless an enhancement for the same lastUpdated is
// stored, and indexes its trip. Offers that cannot be enhanced are quarantined
// in the failed partition; the error then matches models.ErrQuarantined and the
// cause. A trip already indexed for the offer stays in place in that case.
func (s *Store) Put(ctx context.Context, offer models.Offer) (*Trip, error) {
	attrs := logging.OfferAttrs(offer.Agency, offer.ID)

	if err := s.precheck(offer); err != nil {
		return nil, s.quarantine(offer, err)
	}

	enhanced, err := s.enhanced(ctx, offer)
	if err != nil {
		return nil, s.quarantine(offer, err)
	}

	trip, err := FromOffer(enhanced)
	if err != nil {
		return nil, s.quarantine(offer, err)
	}

	s.index(trip)
	logging.LogOperation(s.logger, "trip_added", append(attrs, slog.Int("stops", len(trip.StopTimes)))...)
	return trip, nil
}

func (s *Store) precheck(offer models.Offer) error {
	if len(offer.Stops) < 2 {
		return fmt.Errorf("offer has %d stops: %w", len(offer.Stops), models.ErrTooClose)
	}
	first, last := offer.Stops[0], offer.Stops[len(offer.Stops)-1]
	if d := utils.Haversine(first.Lat, first.Lon, last.Lat, last.Lon); d < s.cfg.MinEndpointDistanceM {
		return fmt.Errorf("first and last stop are %.0fm apart: %w", d, models.ErrTooClose)
	}
	return nil
}

func (s *Store) enhanced(ctx context.Context, offer models.Offer) (models.Offer, error) {
	cached, err := s.files.Load(store.Enhanced, offer.Agency, offer.ID)
	if err == nil && !offer.LastUpdated.IsZero() && cached.LastUpdated.Equal(offer.LastUpdated.Time) {
		s.logger.Debug("using stored enhancement", slog.String("agency", offer.Agency), slog.String("offer_id", offer.ID))
		return cached, nil
	}
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		logging.LogWarning(s.logger, "Failed to read stored enhancement", err, logging.OfferAttrs(offer.Agency, offer.ID)...)
	}

	enhanced, err := s.enhancer.Enhance(ctx, offer)
	if err != nil {
		return models.Offer{}, err
	}
	enhanced.LastUpdated = offer.LastUpdated

	if err := s.files.Save(store.Enhanced, enhanced); err != nil {
		logging.LogError(s.logger, "Failed to store enhanced offer", err, logging.OfferAttrs(offer.Agency, offer.ID)...)
	}
	if err := s.files.Delete(store.Failed, offer.Agency, offer.ID); err != nil {
		logging.LogWarning(s.logger, "Failed to clear quarantine", err, logging.OfferAttrs(offer.Agency, offer.ID)...)
	}
	return enhanced, nil
}

func (s *Store) quarantine(offer models.Offer, cause error) error {
	logging.LogError(s.logger, "Offer quarantined", cause, logging.OfferAttrs(offer.Agency, offer.ID)...)
	if err := s.files.SaveFailure(offer, cause, s.now()); err != nil {
		logging.LogError(s.logger, "Failed to store quarantined offer", err, logging.OfferAttrs(offer.Agency, offer.ID)...)
	}
	return fmt.Errorf("%w: %w", models.ErrQuarantined, cause)
}

func (s *Store) index(trip *Trip) {
	recentSince := s.yesterday()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.trips[trip.ID] = trip
	delete(s.deleted, trip.ID)
	if !trip.LastUpdated.Before(recentSince) {
		s.recent[trip.ID] = trip
	} else {
		delete(s.recent, trip.ID)
	}
}

// Delete moves the trip into the deleted partition, stamped with the deletion
// time, and removes the stored enhancement. It reports whether a trip was indexed.
func (s *Store) Delete(agencyID, offerID string) bool {
	id := utils.FormTripID(agencyID, offerID)
	now := s.now()

	s.mu.Lock()
	trip, ok := s.trips[id]
	if ok {
		delete(s.trips, id)
		delete(s.recent, id)
		s.deleted[id] = trip.withLastUpdated(now)
	}
	s.mu.Unlock()

	if err := s.files.Delete(store.Enhanced, agencyID, offerID); err != nil {
		logging.LogWarning(s.logger, "Failed to remove enhanced offer", err, logging.OfferAttrs(agencyID, offerID)...)
	}
	if ok {
		logging.LogOperation(s.logger, "trip_deleted", logging.OfferAttrs(agencyID, offerID)...)
	}
	return ok
}

// RestoreDeleted puts a trip straight into the deleted partition, used to
// recover cancellations after a restart.
func (s *Store) RestoreDeleted(trip *Trip) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, valid := s.trips[trip.ID]; valid {
		return
	}
	s.deleted[trip.ID] = trip
}

// PurgeStale drops recent and deleted trips last updated before ref.
func (s *Store) PurgeStale(ref time.Time) (purged int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, partition := range []map[string]*Trip{s.recent, s.deleted} {
		for id, trip := range partition {
			if trip.LastUpdated.Before(ref) {
				delete(partition, id)
				purged++
			}
		}
	}
	return purged
}

// PurgeYesterday drops everything older than the start of yesterday.
func (s *Store) PurgeYesterday() int {
	return s.PurgeStale(s.yesterday())
}

func (s *Store) Get(agencyID, offerID string) (*Trip, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	trip, ok := s.trips[utils.FormTripID(agencyID, offerID)]
	return trip, ok
}

// IDs returns the ids of all valid trips, sorted.
func (s *Store) IDs() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.trips))
	for id := range s.trips {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// Counts returns the sizes of the valid, recent and deleted partitions.
func (s *Store) Counts() (valid, recent, deleted int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.trips), len(s.recent), len(s.deleted)
}

func (s *Store) Trips() []*Trip        { return s.snapshot(s.trips) }
func (s *Store) RecentTrips() []*Trip  { return s.snapshot(s.recent) }
func (s *Store) DeletedTrips() []*Trip { return s.snapshot(s.deleted) }

func (s *Store) snapshot(partition map[string]*Trip) []*Trip {
	s.mu.RLock()
	trips := make([]*Trip, 0, len(partition))
	for _, t := range partition {
		trips = append(trips, t)
	}
	s.mu.RUnlock()

	sort.Slice(trips, func(i, j int) bool { return trips[i].ID < trips[j].ID })
	return trips
}
