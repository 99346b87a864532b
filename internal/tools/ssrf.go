package tools

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
)

// blockedHostSuffixes are rejected by name before any DNS lookup.
var blockedHostSuffixes = []string{".local", ".internal", ".localdomain"}

var blockedHosts = []string{
	"localhost",
	"0.0.0.0",
	"metadata.google.internal",
}

// SSRFGuard validates URLs before outgoing HTTP requests. Hostnames are
// resolved first so a DNS answer pointing at an internal address is caught
// before any connection is made.
type SSRFGuard struct {
	log *slog.Logger

	// lookupHost is swappable for tests.
	lookupHost func(host string) ([]string, error)
}

func NewSSRFGuard(log *slog.Logger) *SSRFGuard {
	return &SSRFGuard{
		log:        log.With("component", "ssrf_guard"),
		lookupHost: net.LookupHost,
	}
}

// Check returns nil when the URL is safe to fetch.
func (g *SSRFGuard) Check(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		g.log.Warn("url rejected: scheme", "url", rawURL, "scheme", scheme)
		return fmt.Errorf("URL not permitted: scheme %q (use http or https)", scheme)
	}

	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return fmt.Errorf("URL not permitted: no host")
	}

	for _, blocked := range blockedHosts {
		if host == blocked {
			g.log.Warn("url rejected: blocked host", "url", rawURL, "host", host)
			return fmt.Errorf("URL not permitted: host %s", host)
		}
	}
	for _, suffix := range blockedHostSuffixes {
		if strings.HasSuffix(host, suffix) {
			g.log.Warn("url rejected: blocked suffix", "url", rawURL, "host", host)
			return fmt.Errorf("URL not permitted: host %s", host)
		}
	}

	// Legacy IPv4 literal forms (octal, hex, short, packed integer) resolve
	// to loopback on some stacks. Only dotted-decimal passes.
	if err := validateIPv4Literal(host); err != nil {
		g.log.Warn("url rejected: IPv4 literal form", "url", rawURL, "host", host)
		return err
	}

	// An IP literal skips DNS entirely.
	if ip := net.ParseIP(host); ip != nil {
		return g.checkIP(ip, rawURL)
	}

	ips, err := g.lookupHost(host)
	if err != nil {
		return fmt.Errorf("URL not permitted: cannot resolve %s: %w", host, err)
	}
	for _, ipStr := range ips {
		ip := net.ParseIP(ipStr)
		if ip == nil {
			// Fail closed on anything unrecognisable.
			return fmt.Errorf("URL not permitted: unrecognised address %q", ipStr)
		}
		if err := g.checkIP(ip, rawURL); err != nil {
			return err
		}
	}
	return nil
}

// checkIP rejects addresses in internal, link-local, multicast, and metadata
// ranges.
func (g *SSRFGuard) checkIP(ip net.IP, rawURL string) error {
	reject := func(kind string) error {
		g.log.Warn("url rejected: "+kind, "url", rawURL, "ip", ip.String())
		return fmt.Errorf("URL not permitted: %s address %s", kind, ip.String())
	}

	// NAT64 (64:ff9b::/96) wraps an IPv4 address; judge the wrapped one.
	if ip4 := nat64Embedded(ip); ip4 != nil {
		return g.checkIP(ip4, rawURL)
	}

	switch {
	case ip.IsLoopback():
		return reject("loopback")
	// Link-local covers the 169.254.169.254 cloud metadata address.
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return reject("link-local")
	case ip.IsMulticast():
		return reject("multicast")
	case ip.IsUnspecified():
		return reject("unspecified")
	case ip.IsPrivate():
		return reject("private")
	}

	// Carrier-grade NAT 100.64.0.0/10 is internal in most deployments.
	if ip4 := ip.To4(); ip4 != nil && ip4[0] == 100 && ip4[1] >= 64 && ip4[1] <= 127 {
		return reject("shared-range")
	}
	return nil
}

// nat64Prefix is the well-known NAT64 translation prefix 64:ff9b::/96.
var nat64Prefix = [12]byte{0x00, 0x64, 0xff, 0x9b}

// nat64Embedded returns the IPv4 address carried in the low 32 bits of a
// NAT64 address, or nil when the IP is not in 64:ff9b::/96.
func nat64Embedded(ip net.IP) net.IP {
	if ip.To4() != nil {
		return nil
	}
	ip16 := ip.To16()
	if ip16 == nil {
		return nil
	}
	for i, b := range nat64Prefix {
		if ip16[i] != b {
			return nil
		}
	}
	return net.IPv4(ip16[12], ip16[13], ip16[14], ip16[15])
}

// validateIPv4Literal enforces strict dotted-decimal for anything that looks
// like an IPv4 literal. Octal (0177.0.0.1), hex (0x7f.0.0.1), short (127.1),
// and packed-integer (2130706433) forms are all rejected.
func validateIPv4Literal(host string) error {
	if strings.Contains(strings.ToLower(host), "0x") {
		return fmt.Errorf("URL not permitted: hex IPv4 notation")
	}
	if !looksLikeIPv4(host) {
		return nil
	}

	parts := strings.Split(host, ".")
	if len(parts) != 4 {
		return fmt.Errorf("URL not permitted: non-standard IPv4 notation (use dotted-decimal)")
	}
	for _, part := range parts {
		if part == "" {
			return fmt.Errorf("URL not permitted: empty IPv4 octet")
		}
		if len(part) > 1 && part[0] == '0' {
			return fmt.Errorf("URL not permitted: octal IPv4 notation")
		}
		val := 0
		for _, c := range part {
			if c < '0' || c > '9' {
				return fmt.Errorf("URL not permitted: invalid IPv4 character")
			}
			val = val*10 + int(c-'0')
		}
		if val > 255 {
			return fmt.Errorf("URL not permitted: IPv4 octet out of range")
		}
	}
	return nil
}

// looksLikeIPv4 reports whether the host consists only of digits and dots.
func looksLikeIPv4(host string) bool {
	if host == "" {
		return false
	}
	digits := 0
	for _, c := range host {
		switch {
		case c >= '0' && c <= '9':
			digits++
		case c == '.':
		default:
			return false
		}
	}
	return digits > 0
}
