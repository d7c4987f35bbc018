package parser

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"InboxDigest/internal/domain"
	"InboxDigest/internal/scanner"
)

// FeedScanner reads a JSON message API of the form
// {"messages": [...], "next": "<url>"}.
type FeedScanner struct {
	client *http.Client
	logger *slog.Logger
}

type feedPage struct {
	Messages *[]feedMessage `json:"messages"`
	Next     string         `json:"next"`
}

type feedMessage struct {
	ID         string `json:"id"`
	From       string `json:"from"`
	Subject    string `json:"subject"`
	Body       string `json:"body"`
	URL        string `json:"url"`
	ReceivedAt string `json:"received_at"`
}

func NewFeedScanner(client *http.Client, logger *slog.Logger) *FeedScanner {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &FeedScanner{client: newHTTPClient(client), logger: logger}
}

func (f *FeedScanner) Name() string {
	return "feed"
}

// Scan fetches every endpoint and follows "next" links up to max_pages.
func (f *FeedScanner) Scan(ctx context.Context, req scanner.Request) ([]domain.Message, error) {
	if len(req.Endpoints) == 0 {
		return nil, fmt.Errorf("no endpoints provided for site %s", req.SiteName)
	}

	var results []domain.Message
	for _, ep := range req.Endpoints {
		pageURL := ep.URL
		for page := 0; page < maxPages(req) && pageURL != ""; page++ {
			fp, err := f.fetchPage(ctx, pageURL, req)
			if err != nil {
				return nil, fmt.Errorf("endpoint %s: %w", ep.Name, err)
			}
			for _, m := range *fp.Messages {
				if m.ID == "" {
					continue
				}
				msg := domain.Message{
					ExternalID:   req.SiteName + ":" + m.ID,
					SourceKey:    req.SiteName,
					SenderName:   m.From,
					Subject:      m.Subject,
					Body:         m.Body,
					CanonicalURL: resolveURL(pageURL, m.URL),
				}
				if t, ok := parseTimestamp(m.ReceivedAt); ok {
					msg.Timestamp = t
				}
				results = append(results, msg)
			}
			f.logger.Debug("feed page read", "site", req.SiteName, "endpoint", ep.Name, "messages", len(*fp.Messages))
			pageURL = resolveURL(pageURL, fp.Next)
		}
	}

	if len(results) == 0 && req.Option("expect_items", "false") == "true" {
		return nil, domain.DataIntegrity(req.SiteName, "feed returned no messages")
	}
	return results, nil
}

func (f *FeedScanner) fetchPage(ctx context.Context, pageURL string, req scanner.Request) (feedPage, error) {
	resp, err := fetch(ctx, f.client, pageURL, req)
	if err != nil {
		return feedPage{}, err
	}
	defer resp.Body.Close()

	var fp feedPage
	if err := json.NewDecoder(resp.Body).Decode(&fp); err != nil {
		return feedPage{}, domain.SchemaMismatch(req.SiteName, fmt.Sprintf("decode feed: %v", err))
	}
	if fp.Messages == nil {
		return feedPage{}, domain.SchemaMismatch(req.SiteName, "feed has no messages field")
	}
	return fp, nil
}
