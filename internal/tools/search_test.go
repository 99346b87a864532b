package tools

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const bingSample = `<html><body><ol id="b_results">
<li class="b_algo" data-id="1">
  <h2><a href="https://www.bing.com/ck/a?u=a1aHR0cHM6Ly9nby5kZXYv&amp;other=1">The <b>Go</b> Programming Language</a></h2>
  <p>Go is an open source programming language.</p>
</li>
<li class="b_algo">
  <h2><a href="https://golang.org/doc/">Documentation</a></h2>
  <p>Learn <em>Go</em> here.</p>
</li>
<li class="b_algo">
  <h2><a href="https://www.bing.com/ck/a?u=notbase64">Broken redirect</a></h2>
</li>
</ol></body></html>`

func TestParseBingResults(t *testing.T) {
	results := parseBingResults(bingSample, 5)
	require.Len(t, results, 2, "unresolvable redirects are skipped")

	assert.Equal(t, "The Go Programming Language", results[0].Title)
	assert.Equal(t, "https://go.dev/", results[0].URL, "base64 'u' parameter is unwrapped")
	assert.Equal(t, "Go is an open source programming language.", results[0].Snippet)

	assert.Equal(t, "https://golang.org/doc/", results[1].URL)
	assert.Equal(t, "Learn Go here.", results[1].Snippet)
}

func TestParseBingResultsMaxCap(t *testing.T) {
	results := parseBingResults(bingSample, 1)
	require.Len(t, results, 1)
}

func TestResolveBingHref(t *testing.T) {
	tests := []struct {
		name, in, want string
	}{
		{"base64 u param", "https://www.bing.com/ck/a?u=a1aHR0cHM6Ly9nby5kZXYv", "https://go.dev/"},
		{"plain url param", "https://www.bing.com/ck/a?url=https%3A%2F%2Fexample.com%2Fx", "https://example.com/x"},
		{"direct link", "https://example.com/page", "https://example.com/page"},
		{"unresolvable redirect", "https://www.bing.com/ck/a?u=zz", ""},
		{"relative href", "/search?q=next", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, resolveBingHref(tt.in))
		})
	}
}
