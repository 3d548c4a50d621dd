package tools

import (
	"fmt"
	"net/url"
	"strings"
)

// Allowlist enforces the Spine's allowed_domains on outbound requests.
// An empty allowlist permits everything.
type Allowlist []string

// Check validates a target URL against the allowlist. A domain entry
// matches itself and its subdomains.
func (a Allowlist) Check(rawURL string) error {
	if len(a) == 0 {
		return nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid target url %q: %w", rawURL, err)
	}
	host := strings.ToLower(u.Hostname())
	for _, d := range a {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == "" {
			continue
		}
		if host == d || strings.HasSuffix(host, "."+d) {
			return nil
		}
	}
	return fmt.Errorf("domain %q not in allowed_domains", host)
}
