package usecase

import (
	"errors"

	"github.com/user/league-discovery/internal/entity"
)

// KeySpace is the search space of one crawl: the cross product of its filter
// values.
type KeySpace struct {
	Seasons       []string
	Districts     []string
	LeagueClasses []string
	AgeClasses    []string
	Genders       []string
}

// Size is the number of filter combinations, repeats included.
func (s KeySpace) Size() int {
	return len(s.Seasons) * len(s.Districts) * len(s.LeagueClasses) * len(s.AgeClasses) * len(s.Genders)
}

// Validate rejects a space with an empty dimension, which would enumerate nothing.
func (s KeySpace) Validate() error {
	var errs []error
	for _, dim := range []struct {
		name   string
		values []string
	}{
		{"seasons", s.Seasons},
		{"districts", s.Districts},
		{"league classes", s.LeagueClasses},
		{"age classes", s.AgeClasses},
		{"genders", s.Genders},
	} {
		if len(dim.values) == 0 {
			errs = append(errs, errors.New("key space: no "+dim.name))
		}
	}
	return errors.Join(errs...)
}

// Keys enumerates the space season first, then district, league class, age
// class and gender. The order is stable across runs. Repeated filter values
// yield each key once.
func (s KeySpace) Keys() []entity.ProbeKey {
	keys := make([]entity.ProbeKey, 0, s.Size())
	seen := make(map[entity.ProbeKey]struct{}, s.Size())
	for _, season := range s.Seasons {
		for _, district := range s.Districts {
			for _, class := range s.LeagueClasses {
				for _, age := range s.AgeClasses {
					for _, gender := range s.Genders {
						key := entity.ProbeKey{
							Season:      season,
							District:    district,
							LeagueClass: class,
							AgeClass:    age,
							Gender:      gender,
						}
						if _, dup := seen[key]; dup {
							continue
						}
						seen[key] = struct{}{}
						keys = append(keys, key)
					}
				}
			}
		}
	}
	return keys
}
