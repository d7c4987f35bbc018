package parser

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"InboxDigest/internal/domain"
	"InboxDigest/internal/scanner"
)

const (
	defaultUserAgent = "InboxDigest/1.0"
	defaultMaxPages  = 5
)

func newHTTPClient(client *http.Client) *http.Client {
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	return client
}

// fetch issues a GET with the site's credentials and maps failures onto the error taxonomy.
// The caller closes the body.
func fetch(ctx context.Context, client *http.Client, pageURL string, req scanner.Request) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("User-Agent", req.Option("user_agent", defaultUserAgent))
	if token := req.Option("token", ""); token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	if cookie := req.Option("cookie", ""); cookie != "" {
		httpReq.Header.Set("Cookie", cookie)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, domain.Transient(req.SiteName, err)
	}
	if err := domain.FromHTTPStatus(req.SiteName, resp.StatusCode, resp.Status); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp, nil
}

func maxPages(req scanner.Request) int {
	n, err := strconv.Atoi(req.Option("max_pages", ""))
	if err != nil || n < 1 {
		return defaultMaxPages
	}
	return n
}

func resolveURL(base, ref string) string {
	if ref == "" {
		return ""
	}
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}

var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"Jan 2, 2006 3:04 PM",
	"2 Jan 2006 15:04",
	"2006-01-02",
}

func parseTimestamp(raw string) (time.Time, bool) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
