package entity

import (
	"errors"
	"fmt"
	"strings"
)

// Wildcard is the filter value the portal's search form uses for "any".
const Wildcard = "0"

// ProbeKey identifies one point of the enumerated search space. It is used as
// the existence cache key.
type ProbeKey struct {
	Season      string
	District    string
	LeagueClass string
	AgeClass    string
	Gender      string
}

// String returns the canonical season/district/class/age/gender form.
func (k ProbeKey) String() string {
	return strings.Join([]string{k.Season, k.District, k.LeagueClass, k.AgeClass, k.Gender}, "/")
}

// Validate reports an error when any filter is left empty. Use Wildcard for "any".
func (k ProbeKey) Validate() error {
	var errs []error
	for _, f := range []struct{ name, value string }{
		{"season", k.Season},
		{"district", k.District},
		{"league class", k.LeagueClass},
		{"age class", k.AgeClass},
		{"gender", k.Gender},
	} {
		if strings.TrimSpace(f.value) == "" {
			errs = append(errs, fmt.Errorf("probe key: %s is empty", f.name))
		}
	}
	return errors.Join(errs...)
}

// ParseProbeKey is the inverse of ProbeKey.String.
func ParseProbeKey(s string) (ProbeKey, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 5 {
		return ProbeKey{}, fmt.Errorf("probe key %q: want 5 segments, got %d", s, len(parts))
	}
	key := ProbeKey{
		Season:      parts[0],
		District:    parts[1],
		LeagueClass: parts[2],
		AgeClass:    parts[3],
		Gender:      parts[4],
	}
	return key, key.Validate()
}
