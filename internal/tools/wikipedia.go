package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nextlevelbuilder/telepersona/internal/providers"
)

const wikiMaxSummaryLen = 500

// WikipediaTool searches Wikipedia through the MediaWiki API: a search call
// for the top three hits, then an extracts call for their intro paragraphs.
type WikipediaTool struct {
	client *http.Client
	log    *slog.Logger
}

func NewWikipediaTool(log *slog.Logger) *WikipediaTool {
	return &WikipediaTool{
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log.With("tool", "wikipedia"),
	}
}

func (t *WikipediaTool) Name() string { return "wikipedia" }

func (t *WikipediaTool) Definitions() []providers.ToolDefinition {
	return []providers.ToolDefinition{{
		Type: "function",
		Function: providers.ToolFunctionSchema{
			Name:        "wikipedia_search",
			Description: "Search Wikipedia for encyclopedic knowledge. Returns article titles, URLs and summaries.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"query": map[string]interface{}{
						"type":        "string",
						"description": "The search query",
					},
					"language": map[string]interface{}{
						"type":        "string",
						"description": "Language for Wikipedia search. Defaults to 'en'.",
						"enum":        []string{"en", "zh"},
						"default":     "en",
					},
				},
				"required": []string{"query"},
			},
		},
	}}
}

func (t *WikipediaTool) Instruction() string {
	return "\n\nYou have the wikipedia_search tool to look up encyclopedic knowledge on Wikipedia.\n" +
		"Use it when the user asks about factual or encyclopedic topics.\n" +
		"You can specify language: 'en' (English, default) or 'zh' (Chinese)."
}

func (t *WikipediaTool) Execute(ctx context.Context, userID int64, name string, args map[string]interface{}) *Result {
	query, _ := args["query"].(string)
	query = strings.TrimSpace(query)
	if query == "" {
		return ErrorResult("No query provided.")
	}

	language := "en"
	if l, ok := args["language"].(string); ok && (l == "en" || l == "zh") {
		language = l
	}

	out, err := t.searchAndSummarize(ctx, query, language)
	if err != nil {
		t.log.Warn("wikipedia_search failed", "query", query, "error", err)
		return ErrorResult(fmt.Sprintf("Wikipedia search failed: %v", err))
	}
	return NewResult(out)
}

func (t *WikipediaTool) searchAndSummarize(ctx context.Context, query, language string) (string, error) {
	searchParams := url.Values{
		"action":   {"query"},
		"list":     {"search"},
		"srsearch": {query},
		"utf8":     {"1"},
		"format":   {"json"},
		"srlimit":  {"3"},
	}
	var searchResp struct {
		Query struct {
			Search []struct {
				PageID int64  `json:"pageid"`
				Title  string `json:"title"`
			} `json:"search"`
		} `json:"query"`
	}
	if err := t.apiGet(ctx, language, searchParams, &searchResp); err != nil {
		return "", err
	}
	hits := searchResp.Query.Search
	if len(hits) == 0 {
		return "No Wikipedia results found.", nil
	}

	var ids []string
	for _, h := range hits {
		ids = append(ids, fmt.Sprintf("%d", h.PageID))
	}
	extractParams := url.Values{
		"action":      {"query"},
		"prop":        {"extracts"},
		"exintro":     {"1"},
		"explaintext": {"1"},
		"pageids":     {strings.Join(ids, "|")},
		"format":      {"json"},
	}
	var extractResp struct {
		Query struct {
			Pages map[string]struct {
				Extract string `json:"extract"`
			} `json:"pages"`
		} `json:"query"`
	}
	if err := t.apiGet(ctx, language, extractParams, &extractResp); err != nil {
		return "", err
	}

	var parts []string
	for i, hit := range hits {
		articleURL := fmt.Sprintf("https://%s.wikipedia.org/wiki/%s",
			language, url.PathEscape(strings.ReplaceAll(hit.Title, " ", "_")))
		extract := extractResp.Query.Pages[fmt.Sprintf("%d", hit.PageID)].Extract
		if len(extract) > wikiMaxSummaryLen {
			cut := extract[:wikiMaxSummaryLen]
			if sp := strings.LastIndex(cut, " "); sp > 0 {
				cut = cut[:sp]
			}
			extract = cut + "…"
		}
		parts = append(parts, fmt.Sprintf("%d. %s\n   %s\n   %s", i+1, hit.Title, articleURL, extract))
	}
	return strings.Join(parts, "\n\n"), nil
}

func (t *WikipediaTool) apiGet(ctx context.Context, language string, params url.Values, out interface{}) error {
	endpoint := fmt.Sprintf("https://%s.wikipedia.org/w/api.php?%s", language, params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "telepersona/1.0")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("mediawiki API returned HTTP %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
