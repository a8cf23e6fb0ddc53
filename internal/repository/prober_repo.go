package repository

import (
	"context"
	"net/http"

	"github.com/user/league-discovery/internal/entity"
)

// Prober issues one existence check against the remote portal.
type Prober interface {
	// Probe returns a result whose outcome is exists_with_data, exists_empty or
	// not_found. Failures are returned as errors wrapping ErrTransient or
	// ErrMalformedResponse; the partially filled result still carries latency.
	Probe(ctx context.Context, key entity.ProbeKey) (entity.ProbeResult, error)
}

// CredentialProvider supplies the session cookies the portal expects.
type CredentialProvider interface {
	Cookies(ctx context.Context) ([]*http.Cookie, error)
}
