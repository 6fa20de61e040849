package publisher

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"amarillo.mfdz.de/internal/logging"
	"amarillo.mfdz.de/internal/models"
	"amarillo.mfdz.de/internal/trips"
)

type PublisherMetrics interface {
	NATSPublishedInc()
	NATSPublishErrInc()
	PublishObserve(d time.Duration)
	NATSSetConnected(connected bool)
}

// conn is the part of *nats.Conn the publisher uses.
type conn interface {
	Publish(subject string, data []byte) error
	Drain() error
	Close()
}

// NATSPublisher announces trip lifecycle events on
// <prefix>.trips.created.<agency> and <prefix>.trips.deleted.<agency>.
type NATSPublisher struct {
	nc      conn
	prefix  string
	metrics PublisherMetrics
	logger  *slog.Logger
}

func NewNATSPublisher(url, subjectPrefix string, m PublisherMetrics, logger *slog.Logger) (*NATSPublisher, error) {
	logger = logging.ForComponent(logger, "nats_publisher")
	nc, err := nats.Connect(url,
		nats.Name("amarillo"),
		nats.DisconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			logger.Warn("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
			}
			logger.Info("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			logger.Info("nats closed")
		}),
	)
	if err != nil {
		return nil, err
	}
	if m != nil {
		m.NATSSetConnected(true)
	}
	return newPublisher(nc, subjectPrefix, m, logger), nil
}

func newPublisher(nc conn, prefix string, m PublisherMetrics, logger *slog.Logger) *NATSPublisher {
	if prefix == "" {
		prefix = "amarillo"
	}
	return &NATSPublisher{nc: nc, prefix: prefix, metrics: m, logger: logging.ForComponent(logger, "nats_publisher")}
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		if err := p.nc.Drain(); err != nil {
			logging.LogWarning(p.logger, "Failed to drain nats connection", err)
		}
		p.nc.Close()
	}
}

type TripEvent struct {
	Event         string    `json:"event"`
	TripID        string    `json:"tripId"`
	Agency        string    `json:"agency"`
	OfferID       string    `json:"offerId"`
	Timestamp     time.Time `json:"timestamp"`
	RouteLongName string    `json:"routeLongName,omitempty"`
	DepartureDate string    `json:"departureDate,omitempty"`
	DepartureTime string    `json:"departureTime,omitempty"`
	URL           string    `json:"url,omitempty"`
}

// TripCreated publishes the creation or update of a trip.
func (p *NATSPublisher) TripCreated(trip *trips.Trip) {
	p.publish(trip.Agency, TripEvent{
		Event:         "created",
		TripID:        trip.ID,
		Agency:        trip.Agency,
		OfferID:       trip.OfferID,
		Timestamp:     time.Now(),
		RouteLongName: trip.RouteLongName(),
		DepartureDate: trip.DepartureDate.String(),
		DepartureTime: models.FormatClock(trip.StartTime),
		URL:           trip.URL,
	})
}

// TripDeleted publishes the deletion of a trip.
func (p *NATSPublisher) TripDeleted(agencyID, offerID string) {
	p.publish(agencyID, TripEvent{
		Event:     "deleted",
		TripID:    agencyID + ":" + offerID,
		Agency:    agencyID,
		OfferID:   offerID,
		Timestamp: time.Now(),
	})
}

// publish logs failures, lifecycle events must never fail the store operation.
func (p *NATSPublisher) publish(agencyID string, event TripEvent) {
	subject := fmt.Sprintf("%s.trips.%s.%s", p.prefix, event.Event, subjectToken(agencyID))
	b, err := json.Marshal(event)
	if err != nil {
		logging.LogError(p.logger, "Failed to encode trip event", err, slog.String("subject", subject))
		return
	}

	start := time.Now()
	err = p.nc.Publish(subject, b)
	if p.metrics != nil {
		p.metrics.PublishObserve(time.Since(start))
		if err != nil {
			p.metrics.NATSPublishErrInc()
		} else {
			p.metrics.NATSPublishedInc()
		}
	}
	if err != nil {
		logging.LogError(p.logger, "Failed to publish trip event", err, slog.String("subject", subject))
	}
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token cannot contain spaces, '>', '*', or trailing '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
