package stops

import (
	"regexp"
	"strings"
)

// Stop is one entry of the catalog.
type Stop struct {
	ID   string  `json:"id"`
	Name string  `json:"name"`
	Lat  float64 `json:"lat"`
	Lon  float64 `json:"lon"`
}

// DefaultStopName replaces empty parking names. It should be named at the source.
const DefaultStopName = "P+R"

var parkAndRidePattern = regexp.MustCompile(`P(ark)?\s?[\+&]\s?R(ail|ide)?`)

// NormalizeName collapses the spellings of "Park and Ride" into "P+R".
func NormalizeName(name string) string {
	if name == "" || name == "Park&Ride" {
		return DefaultStopName
	}
	return parkAndRidePattern.ReplaceAllString(name, "P+R")
}

// IsCarpoolingStop reports whether a stop is explicitly meant for carpooling:
// custom mfdz/bbnavi stops, or names mentioning Mitfahr or P&M.
func IsCarpoolingStop(id, name string) bool {
	lower := strings.ToLower(name)
	return strings.HasPrefix(id, "mfdz:") ||
		strings.HasPrefix(id, "bbnavi:") ||
		strings.Contains(lower, "mitfahr") ||
		strings.Contains(lower, "p&m")
}
