// Package portal implements the DiscoveryProbe against the basketball-bund.net
// league search (Action=106) and classifies its answers.
package portal

import "github.com/user/league-discovery/internal/entity"

// Classification is what a Classifier reads from a 2xx response body.
type Classification struct {
	Outcome  entity.Outcome
	Metadata entity.LeagueMetadata
	Leagues  int // league rows seen on the page
}

// Classifier turns a successful response body into an outcome. It returns an
// error wrapping repository.ErrMalformedResponse when the body has no shape it
// recognises; it never returns a transient outcome.
type Classifier interface {
	Classify(body []byte) (Classification, error)
}
