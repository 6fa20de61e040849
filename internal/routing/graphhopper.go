package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/paulmach/orb"

	"amarillo.mfdz.de/internal/logging"
	"amarillo.mfdz.de/internal/models"
)

// Instruction signs marking the end of a leg.
const (
	SignFinish     = 4
	SignViaReached = 5
)

// Instruction is one turn-by-turn step of a path. Distance is in metres, Time in
// milliseconds.
type Instruction struct {
	Distance float64 `json:"distance"`
	Time     int64   `json:"time"`
	Sign     int     `json:"sign"`
	Interval []int   `json:"interval"`
	Text     string  `json:"text"`
}

type pointList struct {
	Type        string      `json:"type"`
	Coordinates [][]float64 `json:"coordinates"`
}

type path struct {
	Distance     float64       `json:"distance"`
	Time         int64         `json:"time"`
	Points       pointList     `json:"points"`
	Instructions []Instruction `json:"instructions"`
}

type routeResponse struct {
	Paths   []path `json:"paths"`
	Message string `json:"message"`
}

// Path is a route through all requested points.
type Path struct {
	Geometry     orb.LineString
	Distance     float64
	Duration     time.Duration
	Instructions []Instruction
}

// Router computes a drivable path through ordered waypoints.
type Router interface {
	Route(ctx context.Context, points []orb.Point) (*Path, error)
}

type Config struct {
	BaseURL    string
	Timeout    time.Duration
	MaxRetries uint64
	// RetryInterval is the initial wait before retrying a failed request.
	RetryInterval time.Duration
}

// Client queries a GraphHopper routing service.
type Client struct {
	baseURL       string
	httpClient    *http.Client
	maxRetries    uint64
	retryInterval time.Duration
	logger        *slog.Logger
}

func NewClient(cfg Config, logger *slog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	retryInterval := cfg.RetryInterval
	if retryInterval == 0 {
		retryInterval = 500 * time.Millisecond
	}
	return &Client{
		baseURL:       strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient:    &http.Client{Timeout: timeout},
		maxRetries:    cfg.MaxRetries,
		retryInterval: retryInterval,
		logger:        logging.ForComponent(logger, "graphhopper"),
	}
}

func (c *Client) routeURL(points []orb.Point) string {
	q := url.Values{}
	for _, p := range points {
		q.Add("point", fmt.Sprintf("%f,%f", p.Lat(), p.Lon()))
	}
	q.Set("instructions", "true")
	q.Set("calc_points", "true")
	q.Set("points_encoded", "false")
	return c.baseURL + "/route?" + q.Encode()
}

// Route returns the first path GraphHopper finds through points. Server errors are
// retried, client errors are returned as *models.RoutingError right away.
func (c *Client) Route(ctx context.Context, points []orb.Point) (*Path, error) {
	if len(points) < 2 {
		return nil, fmt.Errorf("route needs at least two points: %w", models.ErrNoRouteFound)
	}
	reqURL := c.routeURL(points)
	c.logger.Debug("requesting route", slog.String("url", reqURL))

	b := &backoff.ExponentialBackOff{
		InitialInterval:     c.retryInterval,
		RandomizationFactor: 0.2,
		Multiplier:          2,
		MaxInterval:         10 * time.Second,
		MaxElapsedTime:      time.Minute,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()

	resp, err := backoff.RetryNotifyWithData(
		func() (*routeResponse, error) {
			return c.get(ctx, reqURL)
		},
		backoff.WithContext(backoff.WithMaxRetries(b, c.maxRetries), ctx),
		func(err error, d time.Duration) {
			logging.LogWarning(c.logger, "routing request failed, retrying", err, slog.Duration("backoff", d))
		},
	)
	if err != nil {
		return nil, err
	}
	return toPath(resp)
}

func (c *Client) get(ctx context.Context, reqURL string) (*routeResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer logging.SafeCloseWithLogging(resp.Body, c.logger, "http_response_body")

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var decoded routeResponse
	decodeErr := json.Unmarshal(body, &decoded)

	if resp.StatusCode != http.StatusOK {
		routingErr := &models.RoutingError{Status: resp.StatusCode, Message: decoded.Message}
		if decodeErr != nil || routingErr.Message == "" {
			routingErr.Message = fmt.Sprintf("get directions failed with status code %d", resp.StatusCode)
		}
		if resp.StatusCode >= 500 {
			return nil, routingErr
		}
		return nil, backoff.Permanent(routingErr)
	}
	if decodeErr != nil {
		return nil, backoff.Permanent(fmt.Errorf("decoding route response: %w", decodeErr))
	}
	return &decoded, nil
}

func toPath(resp *routeResponse) (*Path, error) {
	if len(resp.Paths) == 0 || resp.Paths[0].Time == 0 {
		return nil, models.ErrNoRouteFound
	}
	p := resp.Paths[0]

	if err := checkLegs(p.Instructions); err != nil {
		return nil, err
	}

	geometry := make(orb.LineString, 0, len(p.Points.Coordinates))
	for _, c := range p.Points.Coordinates {
		if len(c) < 2 {
			continue
		}
		geometry = append(geometry, orb.Point{c[0], c[1]})
	}
	if len(geometry) < 2 {
		return nil, fmt.Errorf("route without geometry: %w", models.ErrNoRouteFound)
	}

	return &Path{
		Geometry:     geometry,
		Distance:     p.Distance,
		Duration:     time.Duration(p.Time) * time.Millisecond,
		Instructions: p.Instructions,
	}, nil
}

// checkLegs rejects paths with a leg of zero length, i.e. two consecutive waypoints
// at the same position.
func checkLegs(instructions []Instruction) error {
	var legDistance float64
	leg := 0
	for _, instr := range instructions {
		legDistance += instr.Distance
		if instr.Sign == SignViaReached || instr.Sign == SignFinish {
			if legDistance == 0 {
				return fmt.Errorf("leg %d has zero length: %w", leg, models.ErrNoRouteFound)
			}
			legDistance = 0
			leg++
		}
	}
	return nil
}
