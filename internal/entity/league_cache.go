package entity

import "time"

// LeagueMetadata is what a positive probe learns about a league.
type LeagueMetadata struct {
	LeagueID     string
	LeagueName   string
	DistrictName string
	MatchCount   int
	TeamCount    int
}

// LeagueCacheEntry mirrors the `league_cache` table.
type LeagueCacheEntry struct {
	Key          ProbeKey
	Exists       bool
	LeagueID     string // empty when unknown
	LeagueName   string // empty when unknown
	DistrictName string
	MatchCount   int
	TeamCount    int
	LastChecked  time.Time
}

// Metadata returns the league fields of the entry.
func (e LeagueCacheEntry) Metadata() LeagueMetadata {
	return LeagueMetadata{
		LeagueID:     e.LeagueID,
		LeagueName:   e.LeagueName,
		DistrictName: e.DistrictName,
		MatchCount:   e.MatchCount,
		TeamCount:    e.TeamCount,
	}
}

// CacheStats is the aggregate view used by the cache reports.
type CacheStats struct {
	Total       int
	Existing    int
	NonExisting int
	BySeason    []SeasonStats
}

type SeasonStats struct {
	Season   string
	Checked  int
	Existing int
}
