package parser

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"InboxDigest/internal/domain"
	"InboxDigest/internal/scanner"
)

const (
	defaultContainer = ".message-list"
	defaultItem      = ".message"
)

// PortalScanner crawls tenant portal inbox pages and extracts one message per list entry.
//
// Options: container and item selectors, max_pages, expect_items ("true" turns an empty
// inbox into a data-integrity failure), token, cookie, user_agent.
type PortalScanner struct {
	client *http.Client
	logger *slog.Logger
}

// NewPortalScanner wires an HTTP client; nil gets a client with a 20s timeout.
func NewPortalScanner(client *http.Client, logger *slog.Logger) *PortalScanner {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &PortalScanner{client: newHTTPClient(client), logger: logger}
}

// Name identifies the strategy inside the registry.
func (p *PortalScanner) Name() string {
	return "portal"
}

// Scan walks each endpoint, following rel=next links, and returns every listed message.
func (p *PortalScanner) Scan(ctx context.Context, req scanner.Request) ([]domain.Message, error) {
	if len(req.Endpoints) == 0 {
		return nil, fmt.Errorf("no endpoints provided for site %s", req.SiteName)
	}

	results := make([]domain.Message, 0)
	seen := map[string]struct{}{}

	for _, ep := range req.Endpoints {
		pageURL := ep.URL
		for page := 0; page < maxPages(req) && pageURL != ""; page++ {
			doc, err := p.fetchDocument(ctx, pageURL, req)
			if err != nil {
				return nil, fmt.Errorf("endpoint %s: %w", ep.Name, err)
			}

			msgs, next, err := p.extractMessages(doc, pageURL, req)
			if err != nil {
				return nil, err
			}
			for _, msg := range msgs {
				if _, ok := seen[msg.ExternalID]; ok {
					continue
				}
				seen[msg.ExternalID] = struct{}{}
				results = append(results, msg)
			}
			p.logger.Debug("portal page scanned", "site", req.SiteName, "endpoint", ep.Name, "page", page, "messages", len(msgs))
			pageURL = next
		}
	}

	if len(results) == 0 && req.Option("expect_items", "false") == "true" {
		return nil, domain.DataIntegrity(req.SiteName, "portal listed no messages")
	}
	return results, nil
}

func (p *PortalScanner) fetchDocument(ctx context.Context, pageURL string, req scanner.Request) (*goquery.Document, error) {
	resp, err := fetch(ctx, p.client, pageURL, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, domain.Transient(req.SiteName, fmt.Errorf("parse document: %w", err))
	}
	return doc, nil
}

// extractMessages returns the messages of one page and the absolute URL of the next page.
// A missing list container is a schema mismatch; an empty container is a quiet inbox.
func (p *PortalScanner) extractMessages(doc *goquery.Document, pageURL string, req scanner.Request) ([]domain.Message, string, error) {
	containerSel := req.Option("container", defaultContainer)
	container := doc.Find(containerSel).First()
	if container.Length() == 0 {
		return nil, "", domain.SchemaMismatch(req.SiteName, fmt.Sprintf("container %q not found on %s", containerSel, pageURL))
	}

	var collected []domain.Message
	container.Find(req.Option("item", defaultItem)).Each(func(_ int, sel *goquery.Selection) {
		msg, ok := parseEntry(sel, pageURL, req.SiteName)
		if !ok {
			p.logger.Debug("portal entry without identity skipped", "site", req.SiteName)
			return
		}
		collected = append(collected, msg)
	})

	next, _ := doc.Find(`a[rel="next"]`).First().Attr("href")
	return collected, resolveURL(pageURL, next), nil
}

func parseEntry(sel *goquery.Selection, pageURL, siteName string) (domain.Message, bool) {
	link := sel.Find("a[href]").First()
	href, _ := link.Attr("href")
	href = resolveURL(pageURL, href)

	id := strings.TrimSpace(sel.AttrOr("data-id", ""))
	if id == "" {
		id = href
	}
	if id == "" {
		return domain.Message{}, false
	}

	subject := text(sel.Find(".subject"))
	if subject == "" {
		subject = text(link)
	}

	body := text(sel.Find(".body"))
	if body == "" {
		body = text(sel.Find(".preview"))
	}

	var received time.Time
	stamp := sel.Find("time").First()
	raw := strings.TrimSpace(stamp.AttrOr("datetime", stamp.Text()))
	if raw == "" {
		raw = text(sel.Find(".date"))
	}
	if t, ok := parseTimestamp(raw); ok {
		received = t
	}

	return domain.Message{
		ExternalID:   siteName + ":" + id,
		SourceKey:    siteName,
		SenderName:   text(sel.Find(".sender")),
		Subject:      subject,
		Body:         body,
		CanonicalURL: href,
		Timestamp:    received,
	}, true
}

func text(sel *goquery.Selection) string {
	return strings.Join(strings.Fields(sel.First().Text()), " ")
}
