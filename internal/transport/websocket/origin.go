package websocket

import (
	"net/http"
	"net/url"
	"strings"
)

// OriginPolicy decides which browser origins may open a connection.
type OriginPolicy struct {
	allowAll bool
	allowed  map[string]struct{}
}

// NewOriginPolicy builds a policy from configured origins. "*" allows every origin;
// entries that are not scheme://host URLs are ignored and returned as invalid.
func NewOriginPolicy(origins []string) (OriginPolicy, []string) {
	p := OriginPolicy{allowed: make(map[string]struct{})}
	var invalid []string
	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		switch {
		case trimmed == "":
			continue
		case trimmed == "*":
			p.allowAll = true
		default:
			normalized, ok := normalizeOrigin(trimmed)
			if !ok {
				invalid = append(invalid, origin)
				continue
			}
			p.allowed[normalized] = struct{}{}
		}
	}
	return p, invalid
}

// Allow reports whether r may be upgraded. Requests without an Origin header
// come from non-browser clients and are allowed.
func (p OriginPolicy) Allow(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || p.allowAll {
		return true
	}
	normalized, ok := normalizeOrigin(origin)
	if !ok {
		return false
	}
	_, allowed := p.allowed[normalized]
	return allowed
}

func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}
