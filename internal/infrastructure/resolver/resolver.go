// Package resolver fetches the page behind a message link and extracts its readable text.
package resolver

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"InboxDigest/internal/domain"
	"InboxDigest/internal/ports"
)

const sourceName = "resolver"

// Candidate content roots, most specific first.
var contentSelectors = []string{
	".message-body",
	"article",
	"main",
	"#content",
	"body",
}

// Config tunes the resolver.
type Config struct {
	UserAgent string
	MaxChars  int
	Timeout   time.Duration
	// Cookie is sent with every request, for portals that need a session.
	Cookie string
}

// Resolver owns a dedicated transport so Release can drop its pooled connections.
type Resolver struct {
	cfg       Config
	transport *http.Transport
	client    *http.Client
}

var (
	_ ports.LinkResolver = (*Resolver)(nil)
	_ ports.Releaser     = (*Resolver)(nil)
)

func New(cfg Config) *Resolver {
	if cfg.UserAgent == "" {
		cfg.UserAgent = "InboxDigest/1.0"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	return &Resolver{
		cfg:       cfg,
		transport: transport,
		client:    &http.Client{Transport: transport, Timeout: cfg.Timeout},
	}
}

// Resolve returns the readable text of the page, or "" when the page has none.
func (r *Resolver) Resolve(ctx context.Context, url string) (string, error) {
	if url == "" {
		return "", nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", r.cfg.UserAgent)
	if r.cfg.Cookie != "" {
		req.Header.Set("Cookie", r.cfg.Cookie)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", domain.Transient(sourceName, err)
	}
	defer resp.Body.Close()

	if err := domain.FromHTTPStatus(sourceName, resp.StatusCode, resp.Status); err != nil {
		return "", err
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return "", fmt.Errorf("parse %s: %w", url, err)
	}
	return truncate(ReadableText(doc), r.cfg.MaxChars), nil
}

// Release closes idle pooled connections. In-flight requests are cancelled through their
// context by the caller.
func (r *Resolver) Release() {
	r.transport.CloseIdleConnections()
}

// ReadableText strips page chrome and returns the text of the most specific content root.
func ReadableText(doc *goquery.Document) string {
	doc.Find("script, style, noscript, nav, header, footer, aside, form").Remove()

	for _, sel := range contentSelectors {
		node := doc.Find(sel).First()
		if node.Length() == 0 {
			continue
		}
		var paragraphs []string
		node.Find("p, li, h1, h2, h3, blockquote, pre").Each(func(_ int, s *goquery.Selection) {
			if t := strings.Join(strings.Fields(s.Text()), " "); t != "" {
				paragraphs = append(paragraphs, t)
			}
		})
		if len(paragraphs) == 0 {
			if t := strings.Join(strings.Fields(node.Text()), " "); t != "" {
				return t
			}
			continue
		}
		return strings.Join(paragraphs, "\n")
	}
	return ""
}

func truncate(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
