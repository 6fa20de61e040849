package models

import (
	"slices"

	"github.com/paulmach/orb"
)

// Agency carries the display metadata written to agency.txt.
type Agency struct {
	ID         string `json:"id" validate:"required,max=20,alphanum"`
	Name       string `json:"name" validate:"required,max=48"`
	URL        string `json:"url" validate:"required,url"`
	Timezone   string `json:"timezone" validate:"required,max=48"`
	Lang       string `json:"lang" validate:"required,max=2"`
	Email      string `json:"email" validate:"required,email"`
	TermsURL   string `json:"terms_url,omitempty" validate:"omitempty,url"`
	PrivacyURL string `json:"privacy_url,omitempty" validate:"omitempty,url"`
}

type Role string

const (
	RoleCarpoolAgency Role = "carpool_agency"
	RoleAdmin         Role = "admin"
)

// AgencyConf is the pull and access configuration of one agency.
type AgencyConf struct {
	AgencyID                  string            `json:"agency_id" validate:"required,max=20,alphanum"`
	APIKey                    string            `json:"api_key" validate:"required,min=20,max=256,alphanum"`
	OffersDownloadURL         string            `json:"offers_download_url,omitempty" validate:"omitempty,url"`
	OffersDownloadHTTPHeaders map[string]string `json:"offers_download_http_headers,omitempty"`
	Roles                     []Role            `json:"roles,omitempty"`
}

func (c AgencyConf) HasRole(role Role) bool {
	return slices.Contains(c.Roles, role)
}

// ShouldSync reports whether the agency exposes offers for pulling.
func (c AgencyConf) ShouldSync() bool {
	return c.OffersDownloadURL != "" && c.HasRole(RoleCarpoolAgency)
}

// BBox is [minLon, minLat, maxLon, maxLat].
type BBox [4]float64

func (b BBox) Bound() orb.Bound {
	return orb.Bound{Min: orb.Point{b[0], b[1]}, Max: orb.Point{b[2], b[3]}}
}

func (b BBox) Contains(lat, lon float64) bool {
	return lon >= b[0] && lon <= b[2] && lat >= b[1] && lat <= b[3]
}

// Region partitions the exported feeds.
type Region struct {
	ID   string `json:"id" validate:"required,max=20,alphanum"`
	BBox BBox   `json:"bbox"`
}
