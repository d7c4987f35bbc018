package parser

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"InboxDigest/internal/domain"
	"InboxDigest/internal/scanner"
)

func TestFeedScannerReadsPages(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("cursor") == "2" {
			_, _ = w.Write([]byte(`{"messages":[{"id":"c","from":"Vendor","subject":"Invoice 7","received_at":"2025-11-08 09:00:00"}]}`))
			return
		}
		_, _ = w.Write([]byte(`{
			"messages": [
				{"id":"a","from":"Unit 2","subject":"Move-in keys","body":"When can I pick up keys?","url":"/m/a","received_at":"2025-11-08T08:00:00Z"},
				{"subject":"no id, dropped"}
			],
			"next": "/feed?cursor=2"
		}`))
	}))
	defer server.Close()

	msgs, err := NewFeedScanner(server.Client(), nil).Scan(context.Background(), scanner.Request{
		SiteName:  "mail",
		Endpoints: []scanner.Endpoint{{Name: "inbox", URL: server.URL + "/feed"}},
	})
	if err != nil {
		t.Fatalf("Scan error: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].ExternalID != "mail:a" || msgs[0].CanonicalURL != server.URL+"/m/a" {
		t.Fatalf("unexpected first message: %+v", msgs[0])
	}
	if msgs[1].SenderName != "Vendor" || msgs[1].Timestamp.IsZero() {
		t.Fatalf("unexpected second message: %+v", msgs[1])
	}
}

func TestFeedScannerSchemaMismatch(t *testing.T) {
	t.Parallel()

	for _, body := range []string{`{"items":[]}`, `<html>maintenance</html>`} {
		body := body
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(body))
		}))

		_, err := NewFeedScanner(server.Client(), nil).Scan(context.Background(), scanner.Request{
			SiteName:  "mail",
			Endpoints: []scanner.Endpoint{{Name: "inbox", URL: server.URL}},
		})
		server.Close()

		if !errors.Is(err, domain.ErrSchemaMismatch) {
			t.Fatalf("body %q: expected schema mismatch, got %v", body, err)
		}
	}
}
