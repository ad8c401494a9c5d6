package relay

import (
	"net"
	"net/url"
	"sort"
	"strings"
)

// deriveOriginPatterns turns the ALLOWED_ORIGINS allowlist into host patterns
// for websocket.Accept. Accept authorizes same-host origins by default; for
// cross-origin it matches these patterns against the Origin host.
func deriveOriginPatterns(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))

	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

// originHostOnly extracts the lowercase host from an origin value, accepting
// both full-URL and host[:port] forms. "*" passes through as a wildcard.
func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if s == "*" {
		return "*"
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}
