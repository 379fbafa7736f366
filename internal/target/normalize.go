// Package target rewrites raw scan targets into the form each tool expects
// and decides whether a target is reachable before a scan starts.
package target

import (
	"net"
	"net/url"
	"strings"

	"github.com/anstrom/scanpilot/internal/tools"
)

const defaultScheme = "http://"

func hasScheme(t string) bool {
	return strings.Index(t, "://") > 0
}

// Normalize returns raw in the shape tool expects. Web tools get a URL with
// a scheme; nmap gets the bare hostname, or the address range as given. An empty or blank input returns "".
// Normalize never performs network I/O and is idempotent per tool.
func Normalize(raw string, tool tools.Name) string {
	t := strings.TrimSpace(raw)
	if t == "" {
		return ""
	}
	if tool.WebTransport() {
		if hasScheme(t) {
			return t
		}
		return defaultScheme + t
	}
	return hostOnly(stripScheme(t))
}

// hostOnly drops any port, path or query from a schemeless target. Bare
// addresses and CIDR ranges are returned unchanged.
func hostOnly(t string) string {
	if t == "" || net.ParseIP(t) != nil {
		return t
	}
	if _, _, err := net.ParseCIDR(t); err == nil {
		return t
	}
	if u, err := url.Parse("//" + t); err == nil && u.Hostname() != "" {
		return u.Hostname()
	}
	if h := cutAuthority(t); h != "" {
		return h
	}
	return t
}

func cutAuthority(rest string) string {
	if i := strings.IndexAny(rest, "/?#"); i >= 0 {
		rest = rest[:i]
	}
	if h, _, ok := strings.Cut(rest, ":"); ok && !strings.Contains(rest, "]") {
		rest = h
	}
	return rest
}

func stripScheme(t string) string {
	for hasScheme(t) {
		if u, err := url.Parse(t); err == nil && u.Hostname() != "" {
			t = u.Hostname()
			continue
		}
		_, rest, _ := strings.Cut(t, "://")
		t = cutAuthority(rest)
	}
	return t
}

// IsWeb reports whether t carries an http or https scheme.
func IsWeb(t string) bool {
	lower := strings.ToLower(strings.TrimSpace(t))
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}
