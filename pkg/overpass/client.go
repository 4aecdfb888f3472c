// Package overpass submits Overpass QL queries to one of several
// endpoints and decodes the JSON payload.
package overpass

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/Kirorus/osm-batch-downloader/pkg/config"
)

// Error wraps HTTP-level, parse-level and network-level Overpass
// failures so callers can map them to a 502 uniformly.
type Error struct {
	Message string
	Cause   error
}

func (e *Error) Error() string {
	return "Overpass failed: " + e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Result is a successful Overpass response.
type Result struct {
	Payload *Payload
	UsedURL string
	Elapsed time.Duration
}

// Client posts queries to Overpass endpoints with a pooled HTTP client.
type Client struct {
	httpClient *http.Client
	defaultURL string
	userAgent  string
	timeout    time.Duration
}

// New creates a Client from configuration.
func New(cfg config.OverpassConfig) *Client {
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 180 * time.Second
	}
	transport := &http.Transport{
		MaxIdleConns:        8,
		MaxIdleConnsPerHost: 4,
	}
	return &Client{
		httpClient: &http.Client{Transport: transport, Timeout: timeout},
		defaultURL: cfg.URL,
		userAgent:  cfg.UserAgent,
		timeout:    timeout,
	}
}

// DefaultURL returns the configured default endpoint.
func (c *Client) DefaultURL() string { return c.defaultURL }

// Query submits an Overpass QL query. When preferredURL is non-empty it
// is tried before the configured default; the first endpoint that
// yields a decodable JSON object wins.
func (c *Client) Query(ctx context.Context, query, preferredURL string) (*Result, error) {
	var urls []string
	if preferredURL != "" {
		urls = append(urls, normalizeEndpoint(preferredURL))
	}
	urls = append(urls, normalizeEndpoint(c.defaultURL))
	urls = dedupe(urls)

	var lastErr error
	for _, u := range urls {
		res, err := c.queryOne(ctx, u, query)
		if err != nil {
			lastErr = err
			slog.Debug("Overpass endpoint failed", "url", u, "error", err)
			continue
		}
		return res, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no Overpass endpoints configured")
	}
	return nil, &Error{Message: lastErr.Error(), Cause: lastErr}
}

func (c *Client) queryOne(ctx context.Context, endpoint, query string) (*Result, error) {
	form := url.Values{"data": []string{query}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", c.userAgent)

	t0 := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	elapsed := time.Since(t0)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read error: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		if msg := extractOSM3SError(string(body)); msg != "" {
			return nil, fmt.Errorf("Overpass HTTP %d: %s", resp.StatusCode, msg)
		}
		snippet := string(body)
		if len(snippet) > 800 {
			snippet = snippet[:800]
		}
		return nil, fmt.Errorf("Overpass HTTP %d: %s", resp.StatusCode, snippet)
	}

	trimmed := strings.TrimSpace(string(body))
	if !strings.HasPrefix(trimmed, "{") {
		return nil, fmt.Errorf("Overpass response is not a JSON object")
	}
	var payload Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("Overpass invalid JSON: %w", err)
	}
	return &Result{Payload: &payload, UsedURL: endpoint, Elapsed: elapsed}, nil
}

// normalizeEndpoint strips a trailing slash and expands an `/api` path
// to the interpreter endpoint.
func normalizeEndpoint(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return strings.TrimRight(raw, "/")
	}
	path := strings.TrimRight(parsed.Path, "/")
	if strings.HasSuffix(path, "/api") {
		path += "/interpreter"
	}
	return parsed.Scheme + "://" + parsed.Host + path
}

func dedupe(urls []string) []string {
	seen := make(map[string]struct{}, len(urls))
	out := urls[:0]
	for _, u := range urls {
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}

var (
	strongRe = regexp.MustCompile(`(?is)<strong[^>]*>(.*?)</strong>`)
	tagRe    = regexp.MustCompile(`<[^>]+>`)
	spaceRe  = regexp.MustCompile(`\s+`)
)

// extractOSM3SError pulls the human-readable message out of an OSM3S
// HTML error page.
func extractOSM3SError(html string) string {
	if !strings.Contains(html, "OSM3S Response") {
		return ""
	}
	m := strongRe.FindStringSubmatch(html)
	if m == nil {
		return ""
	}
	msg := tagRe.ReplaceAllString(m[1], " ")
	return strings.TrimSpace(spaceRe.ReplaceAllString(msg, " "))
}
