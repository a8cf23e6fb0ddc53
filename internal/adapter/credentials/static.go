// Package credentials supplies the portal session cookies a probe sends. The
// crawler never hardcodes them: they come from configuration or a browser.
package credentials

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// Static hands out a fixed set of cookies.
type Static struct {
	cookies []*http.Cookie
}

// NewStatic parses "name=value" pairs (one cookie per entry, or several joined
// with "; " as in a Cookie header).
func NewStatic(pairs []string) (*Static, error) {
	var cookies []*http.Cookie
	for _, p := range pairs {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		parsed, err := http.ParseCookie(p)
		if err != nil {
			return nil, fmt.Errorf("parse cookie %q: %w", redact(p), err)
		}
		cookies = append(cookies, parsed...)
	}
	return &Static{cookies: cookies}, nil
}

func (s *Static) Cookies(context.Context) ([]*http.Cookie, error) {
	out := make([]*http.Cookie, len(s.cookies))
	for i, c := range s.cookies {
		cp := *c
		out[i] = &cp
	}
	return out, nil
}

// redact keeps cookie names readable in errors and hides values.
func redact(pair string) string {
	name, _, found := strings.Cut(pair, "=")
	if !found {
		return "<invalid>"
	}
	return name + "=***"
}
