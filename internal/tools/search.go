package tools

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/nextlevelbuilder/telepersona/internal/providers"
)

const (
	browserlessBaseURL = "https://production-sfo.browserless.io"
	ollamaBaseURL      = "https://ollama.com"
	bingSearchTemplate = "https://www.bing.com/search?q=%s"

	defaultSearchResults = 5
	maxSearchResults     = 10
)

type searchResult struct {
	Provider string
	Title    string
	URL      string
	Snippet  string
}

// SearchTool aggregates web search over two backends: Browserless (renders a
// Bing results page and scrapes it) and the Ollama search API. A backend
// without credentials is skipped, not an error.
type SearchTool struct {
	browserlessToken string
	ollamaKey        string
	client           *http.Client
	log              *slog.Logger
}

func NewSearchTool(browserlessToken, ollamaKey string, log *slog.Logger) *SearchTool {
	return &SearchTool{
		browserlessToken: browserlessToken,
		ollamaKey:        ollamaKey,
		client:           &http.Client{Timeout: 30 * time.Second},
		log:              log.With("tool", "search"),
	}
}

func (t *SearchTool) Name() string { return "search" }

func (t *SearchTool) Definitions() []providers.ToolDefinition {
	return []providers.ToolDefinition{{
		Type: "function",
		Function: providers.ToolFunctionSchema{
			Name:        "web_search",
			Description: "Search the web for current information. Returns titles, URLs and snippets.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"query": map[string]interface{}{
						"type":        "string",
						"description": "Search query",
					},
					"provider": map[string]interface{}{
						"type":        "string",
						"enum":        []string{"browserless", "ollama", "all"},
						"default":     "all",
						"description": "Provider to use. 'all' uses both.",
					},
					"max_results": map[string]interface{}{
						"type":        "integer",
						"minimum":     1.0,
						"maximum":     float64(maxSearchResults),
						"default":     float64(defaultSearchResults),
						"description": "Max results to return (1-10)",
					},
				},
				"required": []string{"query"},
			},
		},
	}}
}

func (t *SearchTool) Instruction() string {
	return "\n\nYou have the web_search tool to find information from the internet.\n" +
		"Use it when the user asks about current events or needs up-to-date information.\n" +
		"Set provider to 'browserless', 'ollama', or 'all' (default: both).\n" +
		"Search results only contain brief snippets. If you need the full content of a page, " +
		"use the url_fetch tool with the URL from the search results.\n"
}

func (t *SearchTool) Execute(ctx context.Context, userID int64, name string, args map[string]interface{}) *Result {
	query, _ := args["query"].(string)
	query = strings.TrimSpace(query)
	if query == "" {
		return ErrorResult("No query provided.")
	}

	provider := "all"
	if p, ok := args["provider"].(string); ok && p != "" {
		provider = strings.ToLower(strings.TrimSpace(p))
	}
	var targets []string
	switch provider {
	case "all", "both", "auto":
		targets = []string{"browserless", "ollama"}
	case "browserless", "ollama":
		targets = []string{provider}
	default:
		return ErrorResult(fmt.Sprintf("Unknown provider: %s. Use 'browserless', 'ollama', or 'all'.", provider))
	}

	maxResults := defaultSearchResults
	if mr, ok := args["max_results"].(float64); ok && int(mr) >= 1 && int(mr) <= maxSearchResults {
		maxResults = int(mr)
	}

	var all []searchResult
	var errs []string
	for _, target := range targets {
		var results []searchResult
		var err error
		switch target {
		case "browserless":
			results, err = t.searchBrowserless(ctx, query, maxResults)
		case "ollama":
			results, err = t.searchOllama(ctx, query, maxResults)
		}
		if err != nil {
			t.log.Warn("search provider failed", "provider", target, "query", query, "error", err)
			errs = append(errs, fmt.Sprintf("%s: %v", target, err))
			continue
		}
		all = append(all, results...)
	}

	// Dedupe by URL across providers.
	seen := map[string]bool{}
	var merged []searchResult
	for _, r := range all {
		key := strings.ToLower(r.URL)
		if seen[key] {
			continue
		}
		seen[key] = true
		merged = append(merged, r)
		if len(merged) >= maxResults {
			break
		}
	}

	if len(merged) == 0 {
		msg := "No results found."
		for _, e := range errs {
			msg += "\n- " + e
		}
		return ErrorResult(msg)
	}

	var b strings.Builder
	for i, r := range merged {
		fmt.Fprintf(&b, "%d. [%s] %s\n   %s\n   %s", i+1, r.Provider, r.Title, r.URL, r.Snippet)
		if i < len(merged)-1 {
			b.WriteString("\n\n")
		}
	}
	if len(errs) > 0 {
		b.WriteString("\n\nWarnings: " + strings.Join(errs, "; "))
	}
	return NewResult(b.String())
}

// --- Browserless: render Bing and scrape the result blocks ---

var (
	reBingBlock   = regexp.MustCompile(`<li\s+class="b_algo"[^>]*>`)
	reFirstAnchor = regexp.MustCompile(`(?s)<a[^>]*href="([^"]+)"[^>]*>(.*?)</a>`)
	reFirstPara   = regexp.MustCompile(`(?s)<p[^>]*>(.*?)</p>`)
)

func (t *SearchTool) searchBrowserless(ctx context.Context, query string, maxResults int) ([]searchResult, error) {
	if t.browserlessToken == "" {
		return nil, fmt.Errorf("BROWSERLESS_API_TOKEN not configured")
	}

	searchURL := fmt.Sprintf(bingSearchTemplate, url.QueryEscape(query))
	payload, _ := json.Marshal(map[string]interface{}{
		"url": searchURL,
		"gotoOptions": map[string]interface{}{
			"timeout":   25000,
			"waitUntil": "domcontentloaded",
		},
	})

	endpoint := browserlessBaseURL + "/content?token=" + url.QueryEscape(t.browserlessToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("browserless returned HTTP %d", resp.StatusCode)
	}

	html, err := io.ReadAll(io.LimitReader(resp.Body, fetchMaxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read content: %w", err)
	}
	return parseBingResults(string(html), maxResults), nil
}

// parseBingResults extracts title/url/snippet triples from a Bing results
// page.
func parseBingResults(html string, maxResults int) []searchResult {
	blocks := reBingBlock.Split(html, -1)
	if len(blocks) < 2 {
		return nil
	}

	var results []searchResult
	for _, block := range blocks[1:] {
		if end := strings.Index(block, "<li "); end > 0 {
			block = block[:end]
		}

		m := reFirstAnchor.FindStringSubmatch(block)
		if m == nil {
			continue
		}
		title := stripTags(m[2])
		if title == "" {
			continue
		}
		href := resolveBingHref(decodeEntities(m[1]))
		if href == "" {
			continue
		}

		snippet := ""
		if sm := reFirstPara.FindStringSubmatch(block); sm != nil {
			snippet = stripTags(sm[1])
		}

		results = append(results, searchResult{
			Provider: "browserless",
			Title:    title,
			URL:      href,
			Snippet:  snippet,
		})
		if len(results) >= maxResults {
			break
		}
	}
	return results
}

// resolveBingHref unwraps Bing's /ck/a redirect. The target URL is base64
// encoded in the 'u' query parameter with an "a1" prefix.
func resolveBingHref(rawHref string) string {
	parsed, err := url.Parse(rawHref)
	if err != nil {
		return ""
	}
	q := parsed.Query()

	if u := q.Get("u"); strings.HasPrefix(u, "a1") {
		b64 := u[2:]
		if pad := len(b64) % 4; pad != 0 {
			b64 += strings.Repeat("=", 4-pad)
		}
		if decoded, err := base64.URLEncoding.DecodeString(b64); err == nil {
			return string(decoded)
		}
	}

	for _, key := range []string{"url", "target"} {
		if v := q.Get(key); strings.HasPrefix(v, "http://") || strings.HasPrefix(v, "https://") {
			return v
		}
	}

	if (strings.HasPrefix(rawHref, "http://") || strings.HasPrefix(rawHref, "https://")) &&
		!strings.Contains(rawHref, "/ck/a") {
		return rawHref
	}
	return ""
}

// --- Ollama: native search API ---

func (t *SearchTool) searchOllama(ctx context.Context, query string, maxResults int) ([]searchResult, error) {
	if t.ollamaKey == "" {
		return nil, fmt.Errorf("OLLAMA_API_KEY not configured")
	}

	payload, _ := json.Marshal(map[string]interface{}{
		"query":       query,
		"max_results": maxResults,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ollamaBaseURL+"/api/web_search", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+t.ollamaKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama search returned HTTP %d", resp.StatusCode)
	}

	var parsed struct {
		Results []struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			Content string `json:"content"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	var results []searchResult
	for _, item := range parsed.Results {
		u := strings.TrimSpace(item.URL)
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			continue
		}
		title := strings.Join(strings.Fields(item.Title), " ")
		if title == "" {
			title = u
		}
		results = append(results, searchResult{
			Provider: "ollama",
			Title:    title,
			URL:      u,
			Snippet:  strings.Join(strings.Fields(item.Content), " "),
		})
		if len(results) >= maxResults {
			break
		}
	}
	return results, nil
}
