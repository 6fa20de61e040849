package models

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrParse         = errors.New("malformed offer")
	ErrRouting       = errors.New("routing failed")
	ErrNoRouteFound  = errors.New("no route found")
	ErrTooClose      = errors.New("stops too close")
	ErrUpstreamFetch = errors.New("upstream fetch failed")
	ErrCatalogLoad   = errors.New("stop catalog load failed")
	ErrOutdated      = errors.New("offer is outdated")
	ErrQuarantined   = errors.New("offer quarantined")
)

// ParseError reports a single malformed offer.
type ParseError struct {
	Agency  string
	OfferID string
	Err     error
}

func (e *ParseError) Error() string {
	if e.OfferID == "" {
		return fmt.Sprintf("malformed offer of agency %s: %v", e.Agency, e.Err)
	}
	return fmt.Sprintf("malformed offer %s:%s: %v", e.Agency, e.OfferID, e.Err)
}

func (e *ParseError) Unwrap() error        { return e.Err }
func (e *ParseError) Is(target error) bool { return target == ErrParse }

// RoutingError is returned when the routing service answers with an error status.
type RoutingError struct {
	Status  int
	Message string
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("routing service error %d: %s", e.Status, e.Message)
}

func (e *RoutingError) Is(target error) bool { return target == ErrRouting }

// UpstreamFetchError aborts the sync of one agency.
type UpstreamFetchError struct {
	Agency string
	URL    string
	Err    error
}

func (e *UpstreamFetchError) Error() string {
	return fmt.Sprintf("fetching offers of %s from %s: %v", e.Agency, e.URL, e.Err)
}

func (e *UpstreamFetchError) Unwrap() error        { return e.Err }
func (e *UpstreamFetchError) Is(target error) bool { return target == ErrUpstreamFetch }

// CatalogLoadError reports a failed stop source; the reload it belongs to is abandoned.
type CatalogLoadError struct {
	Source string
	Err    error
}

func (e *CatalogLoadError) Error() string {
	return fmt.Sprintf("loading stop source %s: %v", e.Source, e.Err)
}

func (e *CatalogLoadError) Unwrap() error        { return e.Err }
func (e *CatalogLoadError) Is(target error) bool { return target == ErrCatalogLoad }
