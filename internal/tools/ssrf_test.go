package tools

import (
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testGuard(resolved map[string][]string) *SSRFGuard {
	g := NewSSRFGuard(slog.Default())
	g.lookupHost = func(host string) ([]string, error) {
		if ips, ok := resolved[host]; ok {
			return ips, nil
		}
		return nil, fmt.Errorf("no such host: %s", host)
	}
	return g
}

func TestSSRFGuardRejectsSchemes(t *testing.T) {
	g := testGuard(nil)
	assert.Error(t, g.Check("file:///etc/passwd"))
	assert.Error(t, g.Check("ftp://example.com/x"))
	assert.Error(t, g.Check("gopher://example.com"))
}

func TestSSRFGuardRejectsBlockedNames(t *testing.T) {
	g := testGuard(nil)
	assert.Error(t, g.Check("http://localhost/admin"))
	assert.Error(t, g.Check("http://LOCALHOST:8080/"))
	assert.Error(t, g.Check("http://printer.local/"))
	assert.Error(t, g.Check("http://db.prod.internal/"))
	assert.Error(t, g.Check("http://metadata.google.internal/computeMetadata"))
}

func TestSSRFGuardRejectsIPLiterals(t *testing.T) {
	g := testGuard(nil)
	tests := []string{
		"http://127.0.0.1/",
		"http://127.0.0.2:9999/",
		"http://10.1.2.3/",
		"http://172.16.0.1/",
		"http://192.168.1.1/",
		"http://169.254.169.254/latest/meta-data/",
		"http://100.64.0.1/",
		"http://0.0.0.0/",
		"http://[::1]/",
		"http://[fe80::1]/",
		"http://224.0.0.1/",
	}
	for _, u := range tests {
		assert.Error(t, g.Check(u), u)
	}
}

func TestSSRFGuardRejectsLegacyIPv4Forms(t *testing.T) {
	g := testGuard(nil)
	tests := []string{
		"http://0177.0.0.1/",    // octal
		"http://0x7f.0.0.1/",    // hex
		"http://127.1/",         // short
		"http://2130706433/",    // packed integer
		"http://127.0.0.0.1/",   // too many octets
		"http://127.0.0.256/",   // octet out of range
	}
	for _, u := range tests {
		assert.Error(t, g.Check(u), u)
	}
}

func TestSSRFGuardChecksNAT64EmbeddedIPv4(t *testing.T) {
	g := testGuard(nil)
	// 64:ff9b::/96 carries the real target in the low 32 bits.
	assert.Error(t, g.Check("http://[64:ff9b::7f00:1]/"), "embedded 127.0.0.1")
	assert.Error(t, g.Check("http://[64:ff9b::a01:203]/"), "embedded 10.1.2.3")
	assert.Error(t, g.Check("http://[64:ff9b::a9fe:a9fe]/"), "embedded 169.254.169.254")
	assert.NoError(t, g.Check("http://[64:ff9b::5db8:d822]/"), "embedded 93.184.216.34")
}

func TestSSRFGuardRejectsRebindingResolution(t *testing.T) {
	g := testGuard(map[string][]string{
		"evil.example.com": {"93.184.216.34", "127.0.0.1"},
	})
	err := g.Check("https://evil.example.com/")
	require.Error(t, err, "any internal address in the DNS answer rejects the URL")
	assert.Contains(t, err.Error(), "loopback")
}

func TestSSRFGuardAllowsPublicHosts(t *testing.T) {
	g := testGuard(map[string][]string{
		"example.com": {"93.184.216.34"},
	})
	assert.NoError(t, g.Check("https://example.com/page"))
	assert.NoError(t, g.Check("http://93.184.216.34/direct"))
}

func TestSSRFGuardUnresolvableHost(t *testing.T) {
	g := testGuard(nil)
	assert.Error(t, g.Check("https://nonexistent.invalid/"))
}
