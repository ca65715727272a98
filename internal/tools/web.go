package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/time/rate"

	"github.com/abdul-hamid-achik/codingbuddy/internal/core"
)

const (
	defaultFetchMaxBytes = 500_000
	fetchTimeout         = 30 * time.Second
	tavilyEndpoint       = "https://api.tavily.com/search"
)

var (
	multiNewlinePattern = regexp.MustCompile(`\n{3,}`)
	multiSpacePattern   = regexp.MustCompile(`[ \t]{2,}`)
)

// WebFetchTool downloads a URL and returns its text content.
type WebFetchTool struct {
	httpClient *http.Client
}

// NewWebFetchTool creates a fetch tool with a bounded HTTP client.
func NewWebFetchTool() *WebFetchTool {
	return &WebFetchTool{httpClient: &http.Client{Timeout: fetchTimeout}}
}

func (t *WebFetchTool) Name() string { return core.ToolWebFetch.Internal() }

func (t *WebFetchTool) Description() string {
	return "Fetch an http(s) URL and return its text. HTML is reduced to readable text."
}

func (t *WebFetchTool) InputSchema() map[string]any {
	return objectSchema([]string{"url"}, map[string]any{
		"url":       prop("string", "The http or https URL to fetch."),
		"max_bytes": prop("integer", "Maximum bytes to read (default 500000)."),
	})
}

func (t *WebFetchTool) Permission() PermissionLevel { return PermissionRead }

func (t *WebFetchTool) Execute(ctx context.Context, input map[string]any) (any, error) {
	raw, err := requireString(input, "url")
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("only http(s) URLs are supported: %s", raw)
	}
	maxBytes := intArg(input, "max_bytes", defaultFetchMaxBytes)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "codingbuddy/1.0")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.8")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch URL: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(maxBytes)+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	truncated := len(body) > maxBytes
	if truncated {
		body = body[:maxBytes]
	}

	contentType := resp.Header.Get("Content-Type")
	content := string(body)
	if strings.Contains(contentType, "html") {
		content = htmlToText(content)
	}
	return map[string]any{
		"url":          u.String(),
		"status":       resp.StatusCode,
		"content_type": contentType,
		"content":      content,
		"truncated":    truncated,
		"bytes":        len(body),
	}, nil
}

// htmlToText drops scripts, styles and navigation chrome and keeps block
// structure as blank lines.
func htmlToText(src string) string {
	doc, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return src
	}
	var sb strings.Builder
	var walk func(n *html.Node, depth int)
	walk = func(n *html.Node, depth int) {
		if depth > 64 {
			return
		}
		switch n.Type {
		case html.TextNode:
			if text := strings.TrimSpace(n.Data); text != "" {
				sb.WriteString(text)
				sb.WriteString(" ")
			}
		case html.ElementNode:
			switch n.Data {
			case "script", "style", "noscript", "iframe", "svg", "nav", "footer":
				return
			case "p", "div", "section", "article", "h1", "h2", "h3", "h4", "h5", "h6", "pre", "tr":
				sb.WriteString("\n\n")
			case "br":
				sb.WriteString("\n")
			case "li":
				sb.WriteString("\n- ")
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c, depth+1)
		}
	}
	walk(doc, 0)

	out := multiSpacePattern.ReplaceAllString(sb.String(), " ")
	lines := strings.Split(out, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(l)
	}
	out = multiNewlinePattern.ReplaceAllString(strings.Join(lines, "\n"), "\n\n")
	return strings.TrimSpace(out)
}

// WebSearchTool performs web searches using the Tavily API.
type WebSearchTool struct {
	apiKey     string
	endpoint   string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewWebSearchTool creates a search tool allowing one request per second.
func NewWebSearchTool(apiKey string) *WebSearchTool {
	return &WebSearchTool{
		apiKey:     apiKey,
		endpoint:   tavilyEndpoint,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(rate.Every(time.Second), 1),
	}
}

func (t *WebSearchTool) Name() string { return core.ToolWebSearch.Internal() }

func (t *WebSearchTool) Description() string {
	return "Search the web for current information. Returns titles, URLs and content snippets, plus a short answer when available."
}

func (t *WebSearchTool) InputSchema() map[string]any {
	return objectSchema([]string{"query"}, map[string]any{
		"query": prop("string", "The search query string."),
		"max_results": map[string]any{
			"type": "integer", "description": "Maximum number of results (1-10, default 5).",
			"minimum": 1, "maximum": 10,
		},
		"search_depth": map[string]any{
			"type": "string", "enum": []string{"basic", "advanced"},
			"description": "basic for fast results, advanced for more comprehensive search.",
		},
		"include_domains": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		"exclude_domains": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
	})
}

// Permission is execute because the query leaves the machine.
func (t *WebSearchTool) Permission() PermissionLevel { return PermissionExecute }

type tavilyRequest struct {
	APIKey         string   `json:"api_key"`
	Query          string   `json:"query"`
	MaxResults     int      `json:"max_results,omitempty"`
	SearchDepth    string   `json:"search_depth,omitempty"`
	IncludeDomains []string `json:"include_domains,omitempty"`
	ExcludeDomains []string `json:"exclude_domains,omitempty"`
	IncludeAnswer  bool     `json:"include_answer"`
}

type tavilyResponse struct {
	Answer  string         `json:"answer,omitempty"`
	Query   string         `json:"query"`
	Results []tavilyResult `json:"results"`
}

type tavilyResult struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

func stringList(v any) []string {
	items, _ := v.([]any)
	var out []string
	for _, it := range items {
		if s, ok := it.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (t *WebSearchTool) Execute(ctx context.Context, input map[string]any) (any, error) {
	if t.apiKey == "" {
		return nil, fmt.Errorf("web search requires an API key")
	}
	query, err := requireString(input, "query")
	if err != nil {
		return nil, err
	}
	req := tavilyRequest{
		APIKey:         t.apiKey,
		Query:          query,
		MaxResults:     min(max(intArg(input, "max_results", 5), 1), 10),
		SearchDepth:    "basic",
		IncludeDomains: stringList(input["include_domains"]),
		ExcludeDomains: stringList(input["exclude_domains"]),
		IncludeAnswer:  true,
	}
	if d := stringArg(input, "search_depth"); d == "advanced" {
		req.SearchDepth = d
	}

	if err := t.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	resp, err := t.callTavilyAPI(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("web search failed: %w", err)
	}
	if resp.Results == nil {
		resp.Results = []tavilyResult{}
	}
	return resp, nil
}

func (t *WebSearchTool) callTavilyAPI(ctx context.Context, req tavilyRequest) (*tavilyResponse, error) {
	jsonBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API returned status %d: %s", resp.StatusCode, string(body))
	}
	var result tavilyResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &result, nil
}
