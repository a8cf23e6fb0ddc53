package entity

import "time"

// Outcome classifies a single probe.
type Outcome string

const (
	OutcomeExistsWithData Outcome = "exists_with_data"
	OutcomeExistsEmpty    Outcome = "exists_empty"
	OutcomeNotFound       Outcome = "not_found"
	OutcomeTransient      Outcome = "transient_error"
	OutcomeMalformed      Outcome = "malformed"
)

// Exists reports whether the outcome confirms a real league.
func (o Outcome) Exists() bool {
	return o == OutcomeExistsWithData || o == OutcomeExistsEmpty
}

// ProbeResult is the classified answer of the portal for one key.
type ProbeResult struct {
	Outcome    Outcome
	Metadata   LeagueMetadata
	Latency    time.Duration
	StatusCode int
	URL        string
}
