package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nextlevelbuilder/telepersona/internal/providers"
)

const (
	defaultFetchMaxLength = 5000
	fetchMaxRedirects     = 5
	fetchMaxBodyBytes     = 2 << 20
	fetchUserAgent        = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
)

// FetchTool retrieves URL content, either directly or through the Jina
// Reader API for JS-heavy pages. Every URL, including each redirect hop,
// passes the SSRF gate before any request is made.
type FetchTool struct {
	guard   *SSRFGuard
	jinaKey string
	client  *http.Client
	log     *slog.Logger
}

func NewFetchTool(guard *SSRFGuard, jinaKey string, log *slog.Logger) *FetchTool {
	return &FetchTool{
		guard:   guard,
		jinaKey: jinaKey,
		client: &http.Client{
			Timeout: 30 * time.Second,
			// Redirects are followed manually so each hop is re-validated.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		log: log.With("tool", "fetch"),
	}
}

func (t *FetchTool) Name() string { return "fetch" }

func (t *FetchTool) Definitions() []providers.ToolDefinition {
	return []providers.ToolDefinition{{
		Type: "function",
		Function: providers.ToolFunctionSchema{
			Name: "url_fetch",
			Description: "Fetch content from a URL. Use method='jina' for complex/JS-heavy pages " +
				"(returns clean markdown). Default method is faster for simple pages and API endpoints.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"url": map[string]interface{}{
						"type":        "string",
						"description": "The URL to fetch",
					},
					"method": map[string]interface{}{
						"type":        "string",
						"enum":        []string{"default", "jina"},
						"default":     "default",
						"description": "'default' = direct request + text extraction. 'jina' = Jina Reader API.",
					},
					"max_length": map[string]interface{}{
						"type":        "integer",
						"description": "Maximum characters to return (default 5000)",
						"default":     float64(defaultFetchMaxLength),
					},
				},
				"required": []string{"url"},
			},
		},
	}}
}

func (t *FetchTool) Instruction() string {
	return "\n\nYou have the url_fetch tool to retrieve content from URLs.\n" +
		"Use it when you need to read a web page or API endpoint.\n" +
		"Use method='jina' for complex/JS-heavy pages (returns clean markdown).\n" +
		"Default method is faster for simple pages.\n"
}

func (t *FetchTool) Execute(ctx context.Context, userID int64, name string, args map[string]interface{}) *Result {
	rawURL, _ := args["url"].(string)
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return ErrorResult("No URL provided.")
	}

	method := "default"
	if m, ok := args["method"].(string); ok && strings.EqualFold(strings.TrimSpace(m), "jina") {
		method = "jina"
	}
	maxLength := defaultFetchMaxLength
	if ml, ok := args["max_length"].(float64); ok && int(ml) > 0 {
		maxLength = int(ml)
	}

	if err := t.guard.Check(rawURL); err != nil {
		return ErrorResult(err.Error())
	}

	var text string
	var err error
	if method == "jina" {
		text, err = t.fetchJina(ctx, rawURL)
	} else {
		text, err = t.fetchDirect(ctx, rawURL)
	}
	if err != nil {
		t.log.Warn("url_fetch failed", "url", rawURL, "method", method, "error", err)
		return ErrorResult(fmt.Sprintf("Fetch failed: %v", err))
	}

	if len(text) > maxLength {
		text = text[:maxLength] + "\n...(truncated)"
	}
	return NewResult(text)
}

// fetchDirect requests the URL and extracts text by content type. Redirects
// are walked manually with the SSRF gate applied to each hop.
func (t *FetchTool) fetchDirect(ctx context.Context, rawURL string) (string, error) {
	current := rawURL
	var resp *http.Response
	for hop := 0; ; hop++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, current, nil)
		if err != nil {
			return "", fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("User-Agent", fetchUserAgent)
		req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

		resp, err = t.client.Do(req)
		if err != nil {
			return "", err
		}

		if resp.StatusCode < 300 || resp.StatusCode >= 400 {
			break
		}
		loc := resp.Header.Get("Location")
		resp.Body.Close()
		if loc == "" {
			return "", fmt.Errorf("redirect without Location header")
		}
		if hop >= fetchMaxRedirects {
			return "", fmt.Errorf("stopped after %d redirects", fetchMaxRedirects)
		}
		next, err := resp.Request.URL.Parse(loc)
		if err != nil {
			return "", fmt.Errorf("bad redirect target: %w", err)
		}
		if err := t.guard.Check(next.String()); err != nil {
			return "", err
		}
		current = next.String()
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		if resp.StatusCode == http.StatusForbidden {
			return "", fmt.Errorf("HTTP 403 Forbidden (likely blocked by WAF)")
		}
		return "", fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, fetchMaxBodyBytes))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}

	contentType := strings.ToLower(resp.Header.Get("Content-Type"))
	if contentType == "" && looksLikeHTML(body) {
		contentType = "text/html"
	}

	switch {
	case strings.Contains(contentType, "application/json"):
		var data interface{}
		if err := json.Unmarshal(body, &data); err == nil {
			pretty, _ := json.MarshalIndent(data, "", "  ")
			return string(pretty), nil
		}
		return string(body), nil
	case strings.Contains(contentType, "text/html"),
		strings.Contains(contentType, "application/xhtml"):
		if extracted := htmlToMarkdown(string(body)); extracted != "" {
			return extracted, nil
		}
		return string(body), nil
	case strings.HasPrefix(contentType, "text/"):
		return string(body), nil
	default:
		return "", fmt.Errorf("unsupported content type: %s", contentType)
	}
}

func looksLikeHTML(body []byte) bool {
	head := strings.ToLower(strings.TrimSpace(string(body[:min(len(body), 32)])))
	return strings.HasPrefix(head, "<!doctype html") || strings.HasPrefix(head, "<html")
}

// fetchJina reads the URL through the Jina Reader API, which renders the
// page and returns markdown.
func (t *FetchTool) fetchJina(ctx context.Context, rawURL string) (string, error) {
	if t.jinaKey == "" {
		return "", fmt.Errorf("JINA_API_KEY not configured")
	}

	payload, _ := json.Marshal(map[string]string{"url": rawURL})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://r.jina.ai/", strings.NewReader(string(payload)))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+t.jinaKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Return-Format", "markdown")
	req.Header.Set("X-Timeout", "15")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("jina reader returned HTTP %d", resp.StatusCode)
	}

	var parsed struct {
		Data struct {
			Title   string `json:"title"`
			Content string `json:"content"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode jina response: %w", err)
	}
	if parsed.Data.Content == "" {
		return "", fmt.Errorf("jina returned empty content")
	}
	if parsed.Data.Title != "" {
		return "# " + parsed.Data.Title + "\n\n" + parsed.Data.Content, nil
	}
	return parsed.Data.Content, nil
}
