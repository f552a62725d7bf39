// Package webhooks delivers case events to registered subscriber URLs,
// with SSRF guarding, per-endpoint rate limiting, signed payloads, and a
// persistent delivery log.
package webhooks

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// privateCIDRs are the ranges a webhook target may never resolve to.
var privateCIDRs = func() []*net.IPNet {
	var nets []*net.IPNet
	for _, cidr := range []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"127.0.0.0/8",
		"169.254.0.0/16", // link-local, cloud metadata
		"0.0.0.0/8",
		"100.64.0.0/10",
		"::1/128",
		"fc00::/7",
		"fe80::/10",
	} {
		_, n, _ := net.ParseCIDR(cidr)
		nets = append(nets, n)
	}
	return nets
}()

// DisallowedIP reports whether an IP falls in a private or special range.
func DisallowedIP(ip net.IP) bool {
	for _, n := range privateCIDRs {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// Resolver abstracts DNS so tests can pin answers.
type Resolver func(host string) ([]net.IP, error)

// ValidateURL rejects non-HTTP schemes and targets that are, or resolve
// to, private addresses. It runs at registration and again before every
// delivery, since DNS answers change.
func ValidateURL(raw string, resolve Resolver) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid webhook url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("webhook url scheme must be http or https, got %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("webhook url has no host")
	}
	if strings.EqualFold(host, "localhost") {
		return fmt.Errorf("webhook url resolves to a private address")
	}
	if ip := net.ParseIP(host); ip != nil {
		if DisallowedIP(ip) {
			return fmt.Errorf("webhook url resolves to a private address")
		}
		return nil
	}
	if resolve == nil {
		resolve = net.LookupIP
	}
	ips, err := resolve(host)
	if err != nil {
		return fmt.Errorf("resolve webhook host: %w", err)
	}
	for _, ip := range ips {
		if DisallowedIP(ip) {
			return fmt.Errorf("webhook url resolves to a private address")
		}
	}
	return nil
}
