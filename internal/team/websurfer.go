package team

import (
	"context"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// webSurferMaxBody caps how much of a response body is read per fetch.
const webSurferMaxBody = 256 * 1024

const webSearchURL = "https://html.duckduckgo.com/html/?q="

// WebSurferTools is the built-in capability set for the web_surfer
// special role: visiting pages and running web searches over plain HTTP.
// HTML responses are reduced to readable text before they reach the model.
// A nil client gets a default with a 30 second timeout.
func WebSurferTools(client *http.Client) []Tool {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return []Tool{
		{
			Name:        "visit_url",
			Description: "Fetch a web page and return its readable text content.",
			Params: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"url": map[string]any{"type": "string", "description": "The http or https URL to visit."},
				},
				"required": []any{"url"},
			},
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				raw, _ := args["url"].(string)
				text, err := fetchPage(ctx, client, raw)
				if err != nil {
					return nil, err
				}
				return text, nil
			},
		},
		{
			Name:        "web_search",
			Description: "Search the web and return the readable text of the results page.",
			Params: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{"type": "string", "description": "The search query."},
				},
				"required": []any{"query"},
			},
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				query, _ := args["query"].(string)
				if strings.TrimSpace(query) == "" {
					return nil, fmt.Errorf("query is required")
				}
				text, err := fetchPage(ctx, client, webSearchURL+url.QueryEscape(query))
				if err != nil {
					return nil, err
				}
				return text, nil
			},
		},
	}
}

func fetchPage(ctx context.Context, client *http.Client, raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", u, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("fetch %s: %s", u, resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, webSurferMaxBody))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", u, err)
	}
	if strings.Contains(resp.Header.Get("Content-Type"), "html") {
		return htmlToText(string(body)), nil
	}
	return strings.TrimSpace(string(body)), nil
}

// htmlToText strips markup, drops script and style bodies and collapses
// whitespace so the page fits in a message.
func htmlToText(src string) string {
	var out strings.Builder
	i := 0
	for i < len(src) {
		if src[i] != '<' {
			out.WriteByte(src[i])
			i++
			continue
		}
		end := strings.IndexByte(src[i:], '>')
		if end < 0 {
			break
		}
		tag := strings.ToLower(strings.TrimSpace(src[i+1 : i+end]))
		i += end + 1
		name, _, _ := strings.Cut(tag, " ")
		name = strings.TrimSuffix(name, "/")
		switch name {
		case "script", "style":
			rest := strings.Index(strings.ToLower(src[i:]), "</"+name)
			if rest < 0 {
				i = len(src)
				continue
			}
			i += rest
		case "br", "/p", "/div", "/li", "/tr", "/h1", "/h2", "/h3", "/title":
			out.WriteByte('\n')
		}
	}
	return collapseSpace(html.UnescapeString(out.String()))
}

func collapseSpace(s string) string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		lines = append(lines, strings.Join(fields, " "))
	}
	return strings.Join(lines, "\n")
}
