package importing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"amarillo.mfdz.de/internal/logging"
	"amarillo.mfdz.de/internal/models"
)

// Adapter fetches the current offers of one agency and converts them into
// offers. Malformed offers are logged and skipped; a failed download yields a
// *models.UpstreamFetchError.
type Adapter interface {
	Fetch(ctx context.Context, conf models.AgencyConf) ([]models.Offer, error)
}

type Config struct {
	Timeout       time.Duration
	UserAgent     string
	MaxRetries    uint64
	RetryInterval time.Duration
	NOITestMode   bool
	NOIURL        string
	// Location is used for agencies publishing local dates without a zone.
	Location *time.Location
}

type Option func(*Registry)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// Registry selects the adapter for an agency. Agencies without a dedicated
// adapter publish offers in the Amarillo format.
type Registry struct {
	adapters map[string]Adapter
	fallback Adapter
	now      func() time.Time
}

func NewRegistry(cfg Config, logger *slog.Logger, opts ...Option) *Registry {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}

	r := &Registry{now: time.Now}
	for _, opt := range opts {
		opt(r)
	}

	logger = logging.ForComponent(logger, "importer")
	f := &fetcher{
		client:        &http.Client{Timeout: cfg.Timeout},
		userAgent:     cfg.UserAgent,
		maxRetries:    cfg.MaxRetries,
		retryInterval: cfg.RetryInterval,
		logger:        logger,
	}

	r.fallback = &amarilloAdapter{fetcher: f, logger: logger}
	r.adapters = map[string]Adapter{
		"ride2go":         &ride2goAdapter{fetcher: f, logger: logger},
		"ummadum":         &noiAdapter{fetcher: f, url: cfg.NOIURL, testMode: cfg.NOITestMode, loc: cfg.Location, now: r.clock, logger: logger},
		"bessermitfahren": &amarilloAdapter{fetcher: f, envelope: "data", departureDate: firstDateUnlessWeekdays, logger: logger},
		"pendlerportal":   &pendlerportalAdapter{fetcher: f, loc: cfg.Location, logger: logger},
		"mycarpoolapp":    &amarilloAdapter{fetcher: f, envelope: "data", skipTestOffers: true, logger: logger},
		"matchrider":      &matchriderAdapter{fetcher: f, logger: logger},
		"simplyhop":       &simplyhopAdapter{amarilloAdapter{fetcher: f, envelope: "data", logger: logger}},
	}
	return r
}

func (r *Registry) clock() time.Time { return r.now() }

// Adapter returns the adapter serving agencyID.
func (r *Registry) Adapter(agencyID string) Adapter {
	if a, ok := r.adapters[agencyID]; ok {
		return a
	}
	return r.fallback
}

func (r *Registry) Fetch(ctx context.Context, conf models.AgencyConf) ([]models.Offer, error) {
	return r.Adapter(conf.AgencyID).Fetch(ctx, conf)
}

type fetcher struct {
	client        *http.Client
	userAgent     string
	maxRetries    uint64
	retryInterval time.Duration
	logger        *slog.Logger
}

// get downloads rawURL, retrying transport errors and server errors. file://
// URLs are read from disk.
func (f *fetcher) get(ctx context.Context, agencyID, rawURL string, query url.Values, headers map[string]string) ([]byte, error) {
	wrap := func(err error) error {
		return &models.UpstreamFetchError{Agency: agencyID, URL: rawURL, Err: err}
	}

	if path, ok := strings.CutPrefix(rawURL, "file://"); ok {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, wrap(err)
		}
		return data, nil
	}

	reqURL := rawURL
	if len(query) > 0 {
		sep := "?"
		if strings.Contains(reqURL, "?") {
			sep = "&"
		}
		reqURL += sep + query.Encode()
	}

	b := &backoff.ExponentialBackOff{
		InitialInterval:     f.retryInterval,
		RandomizationFactor: 0.2,
		Multiplier:          2,
		MaxInterval:         30 * time.Second,
		MaxElapsedTime:      5 * time.Minute,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()

	body, err := backoff.RetryNotifyWithData(
		func() ([]byte, error) {
			return f.do(ctx, reqURL, headers)
		},
		backoff.WithContext(backoff.WithMaxRetries(b, f.maxRetries), ctx),
		func(err error, d time.Duration) {
			logging.LogWarning(f.logger, "offer download failed, retrying", err,
				slog.String("agency", agencyID), slog.Duration("backoff", d))
		},
	)
	if err != nil {
		return nil, wrap(err)
	}
	return body, nil
}

func (f *fetcher) do(ctx context.Context, reqURL string, headers map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer logging.SafeCloseWithLogging(resp.Body, f.logger, "http_response_body")

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("unexpected status %d", resp.StatusCode)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, err
		}
		return nil, backoff.Permanent(err)
	}
	return io.ReadAll(resp.Body)
}

// offerList returns the offers of a response that is either a bare array or an
// object holding the array under key.
func offerList(body []byte, key string) ([]json.RawMessage, error) {
	body = bytes.TrimSpace(body)
	var list []json.RawMessage
	if len(body) > 0 && body[0] == '[' {
		if err := json.Unmarshal(body, &list); err != nil {
			return nil, err
		}
		return list, nil
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, err
	}
	raw, ok := envelope[key]
	if !ok {
		return nil, fmt.Errorf("response has no %q member", key)
	}
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("decoding %q member: %w", key, err)
	}
	return list, nil
}

// convertAll decodes and converts every raw offer, dropping the ones that are
// malformed or invalid.
func convertAll[T any](logger *slog.Logger, agencyID string, raws []json.RawMessage, convert func(T) (models.Offer, error)) []models.Offer {
	offers := make([]models.Offer, 0, len(raws))
	for i, raw := range raws {
		offer, err := convertOne(agencyID, raw, convert)
		if err != nil {
			logging.LogWarning(logger, "Skipping malformed offer", err,
				slog.String("agency", agencyID), slog.Int("index", i))
			continue
		}
		offers = append(offers, offer)
	}
	return offers
}

func convertOne[T any](agencyID string, raw json.RawMessage, convert func(T) (models.Offer, error)) (models.Offer, error) {
	var doc T
	if err := json.Unmarshal(raw, &doc); err != nil {
		return models.Offer{}, &models.ParseError{Agency: agencyID, Err: err}
	}
	offer, err := convert(doc)
	if err != nil {
		var parseErr *models.ParseError
		if errors.As(err, &parseErr) {
			return models.Offer{}, err
		}
		return models.Offer{}, &models.ParseError{Agency: agencyID, OfferID: offer.ID, Err: err}
	}
	if err := models.ValidateOffer(offer); err != nil {
		return models.Offer{}, err
	}
	return offer, nil
}

// flexFloat accepts numbers as well as numeric strings.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid number %s", b)
	}
	*f = flexFloat(v)
	return nil
}

// flexString accepts strings as well as numbers, e.g. postal codes.
type flexString string

func (s *flexString) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = flexString(v)
		return nil
	}
	if string(b) == "null" {
		return nil
	}
	*s = flexString(b)
	return nil
}
