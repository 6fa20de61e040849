package enhancer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/simplify"

	"amarillo.mfdz.de/internal/appconf"
	"amarillo.mfdz.de/internal/logging"
	"amarillo.mfdz.de/internal/models"
	"amarillo.mfdz.de/internal/routing"
	"amarillo.mfdz.de/internal/stops"
)

// StopFinder is the part of the stop catalog the enhancer queries.
type StopFinder interface {
	FindNearestStop(lat, lon, maxDistance float64) (stops.Stop, bool)
	FindStopsAlong(path orb.LineString, extra []models.StopTime) []stops.StopOnPath
}

type Option func(*Enhancer)

// WithRoutingObserver registers fn to be called after every routing request.
func WithRoutingObserver(fn func(time.Duration, error)) Option {
	return func(e *Enhancer) {
		e.observeRouting = fn
	}
}

// Enhancer turns a raw offer into an enhanced offer: routed path, stops along the path
// with estimated times and pickup/dropoff restrictions.
type Enhancer struct {
	cfg            appconf.EnhancerConfig
	router         routing.Router
	stops          StopFinder
	logger         *slog.Logger
	observeRouting func(time.Duration, error)
}

func New(cfg appconf.EnhancerConfig, router routing.Router, finder StopFinder, logger *slog.Logger, opts ...Option) *Enhancer {
	if cfg.MaxStops < 2 {
		cfg.MaxStops = models.MaxStopsPerTrip
	}
	e := &Enhancer{
		cfg:    cfg,
		router: router,
		stops:  finder,
		logger: logging.ForComponent(logger, "enhancer"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// candidate is a stop of the enhanced offer under construction. arrival and
// departure are offsets from the start of the service day.
type candidate struct {
	stop        models.StopTime
	distance    float64
	fromOffer   bool
	offerIndex  int
	arrival     time.Duration
	departure   time.Duration
	carpoolStop bool
}

// Enhance routes the offer and returns its enhanced version. Errors match
// models.ErrRouting, models.ErrNoRouteFound or models.ErrTooClose.
func (e *Enhancer) Enhance(ctx context.Context, offer models.Offer) (models.Offer, error) {
	logger := e.logger.With(slog.String("agency", offer.Agency), slog.String("offer_id", offer.ID))

	if len(offer.Stops) < 2 {
		return models.Offer{}, fmt.Errorf("offer has %d stops: %w", len(offer.Stops), models.ErrTooClose)
	}
	start, err := models.ParseClock(offer.DepartureTime)
	if err != nil {
		return models.Offer{}, &models.ParseError{Agency: offer.Agency, OfferID: offer.ID, Err: err}
	}

	offerStops := make([]models.StopTime, len(offer.Stops))
	copy(offerStops, offer.Stops)
	if e.cfg.ReplaceStopsByTransitStops {
		e.replaceStops(offerStops)
	}

	path, err := e.route(ctx, offerStops)
	if err != nil {
		return models.Offer{}, err
	}
	if path.Distance < e.cfg.MinEndpointDistanceM || path.Duration < time.Second {
		return models.Offer{}, fmt.Errorf("route of %.0fm and %s: %w", path.Distance, path.Duration, models.ErrTooClose)
	}

	geometry := path.Geometry.Clone()
	if e.cfg.SimplifyTolerance > 0 {
		if simplified, ok := simplify.DouglasPeucker(e.cfg.SimplifyTolerance).Simplify(geometry).(orb.LineString); ok && len(simplified) >= 2 {
			geometry = simplified
		}
	}

	candidates := e.candidates(geometry, offerStops)
	e.estimateTimes(candidates, path.Instructions, start, logger)
	candidates = e.dropDegenerate(candidates)
	e.classify(candidates)
	candidates = capStops(candidates, e.cfg.MaxStops)

	enhanced := offer
	enhanced.Path = models.NewPath(geometry)
	enhanced.Stops = make([]models.StopTime, len(candidates))
	for i, c := range candidates {
		st := c.stop
		if st.ID == "" {
			st.ID = fmt.Sprintf("tmp-%s-%s-%d", offer.Agency, offer.ID, i)
		}
		st.ArrivalTime = models.FormatClock(c.arrival)
		st.DepartureTime = models.FormatClock(c.departure)
		enhanced.Stops[i] = st
	}

	logger.Debug("offer enhanced",
		slog.Int("stops", len(enhanced.Stops)),
		slog.Float64("distance_m", path.Distance),
		slog.Duration("duration", path.Duration))
	return enhanced, nil
}

func (e *Enhancer) replaceStops(offerStops []models.StopTime) {
	for i, st := range offerStops {
		replacement, ok := e.stops.FindNearestStop(st.Lat, st.Lon, e.cfg.ReplacementRadiusM)
		if !ok {
			continue
		}
		offerStops[i].ID = replacement.ID
		offerStops[i].Name = replacement.Name
		offerStops[i].Lat = replacement.Lat
		offerStops[i].Lon = replacement.Lon
	}
}

func (e *Enhancer) route(ctx context.Context, offerStops []models.StopTime) (*routing.Path, error) {
	if e.cfg.RoutingTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.RoutingTimeout)
		defer cancel()
	}

	points := make([]orb.Point, len(offerStops))
	for i, st := range offerStops {
		points[i] = st.Point()
	}

	started := time.Now()
	path, err := e.router.Route(ctx, points)
	if e.observeRouting != nil {
		e.observeRouting(time.Since(started), err)
	}
	return path, err
}

// candidates merges the offer stops with the catalog stops along the path. The offer's
// origin and destination stay first and last, catalog stops outside of them are dropped.
func (e *Enhancer) candidates(path orb.LineString, offerStops []models.StopTime) []candidate {
	found := e.stops.FindStopsAlong(path, offerStops)

	last := len(offerStops) - 1
	var origin, destination candidate
	var middle []candidate
	for _, s := range found {
		c := candidate{
			stop:        models.StopTime{ID: s.ID, Name: s.Name, Lat: s.Lat, Lon: s.Lon},
			distance:    s.Distance,
			fromOffer:   s.FromOffer,
			offerIndex:  s.OfferIndex,
			carpoolStop: stops.IsCarpoolingStop(s.ID, s.Name),
		}
		if s.FromOffer {
			c.stop = offerStops[s.OfferIndex]
		}
		switch {
		case s.FromOffer && s.OfferIndex == 0:
			origin = c
		case s.FromOffer && s.OfferIndex == last:
			destination = c
		case s.FromOffer || e.cfg.AddDropoffsAndPickups:
			middle = append(middle, c)
		}
	}

	if destination.distance < origin.distance {
		destination.distance = origin.distance
	}

	result := make([]candidate, 0, len(middle)+2)
	result = append(result, origin)
	for _, c := range middle {
		if c.fromOffer {
			c.distance = min(max(c.distance, origin.distance), destination.distance)
			result = append(result, c)
			continue
		}
		if c.distance > origin.distance && c.distance < destination.distance {
			result = append(result, c)
		}
	}
	return append(result, destination)
}

// estimateTimes interpolates the time at which each candidate is passed from the
// routing instructions. Times given by the offer take precedence.
func (e *Enhancer) estimateTimes(candidates []candidate, instructions []routing.Instruction, start time.Duration, logger *slog.Logger) {
	var cumDistance float64
	var cumTime time.Duration
	next := 0

	for i := range candidates {
		c := &candidates[i]
		d := c.distance

		for next < len(instructions) && cumDistance+instructions[next].Distance < d {
			cumDistance += instructions[next].Distance
			cumTime += time.Duration(instructions[next].Time) * time.Millisecond
			next++
		}

		var elapsed time.Duration
		switch {
		case next >= len(instructions):
			logger.Warn("stop lies beyond the end of the route, using arrival time",
				slog.Float64("distance", d), slog.Float64("route_length", cumDistance))
			elapsed = cumTime
		case instructions[next].Distance == 0:
			elapsed = cumTime
		default:
			instr := instructions[next]
			fraction := (d - cumDistance) / instr.Distance
			elapsed = cumTime + time.Duration(fraction*float64(instr.Time))*time.Millisecond
		}

		c.arrival = start + elapsed
		c.departure = c.arrival
		if c.fromOffer {
			if t, err := models.ParseClock(c.stop.ArrivalTime); err == nil {
				c.arrival = t
				c.departure = t
			}
			if t, err := models.ParseClock(c.stop.DepartureTime); err == nil {
				c.departure = t
			}
		}
		if c.fromOffer && c.offerIndex == 0 && c.stop.DepartureTime == "" {
			c.arrival, c.departure = start, start
		}
	}

	// keep stop_times monotone when explicit times disagree with the route
	for i := 1; i < len(candidates); i++ {
		prev := candidates[i-1].departure
		if candidates[i].arrival < prev {
			candidates[i].arrival = prev
		}
		if candidates[i].departure < candidates[i].arrival {
			candidates[i].departure = candidates[i].arrival
		}
	}
}

// dropDegenerate removes catalog stops passed within a few seconds of the previous
// stop. Stops of the offer and carpooling stops are always kept.
func (e *Enhancer) dropDegenerate(candidates []candidate) []candidate {
	if len(candidates) <= 2 {
		return candidates
	}

	kept := []candidate{candidates[0]}
	for i := 1; i < len(candidates)-1; i++ {
		c := candidates[i]
		prev := kept[len(kept)-1]
		minGap := e.cfg.StopMinGap
		if len(kept) == 1 {
			minGap = e.cfg.FirstStopMinGap
		}
		if !c.fromOffer && !c.carpoolStop && c.arrival-prev.departure < minGap {
			continue
		}
		kept = append(kept, c)
	}

	last := candidates[len(candidates)-1]
	if len(kept) > 1 {
		prev := kept[len(kept)-1]
		if !prev.fromOffer && !prev.carpoolStop && last.arrival-prev.departure < e.cfg.StopMinGap {
			kept = kept[:len(kept)-1]
		}
	}
	return append(kept, last)
}

// classify restricts stops in the first half of the trip to pickups and stops in
// the second half to dropoffs, unless the offer says otherwise.
func (e *Enhancer) classify(candidates []candidate) {
	total := candidates[len(candidates)-1].distance
	for i := range candidates {
		c := &candidates[i]
		if c.stop.PickupDropoff != "" {
			continue
		}
		fraction := 0.0
		if total > 0 {
			fraction = c.distance / total
		}
		if fraction < 0.5 {
			c.stop.PickupDropoff = models.OnlyPickup
		} else {
			c.stop.PickupDropoff = models.OnlyDropoff
		}
	}
}

// capStops keeps the first and the last half of maxStops stops.
func capStops(candidates []candidate, maxStops int) []candidate {
	if len(candidates) <= maxStops {
		return candidates
	}
	head := maxStops / 2
	tail := maxStops - head
	capped := make([]candidate, 0, maxStops)
	capped = append(capped, candidates[:head]...)
	return append(capped, candidates[len(candidates)-tail:]...)
}
