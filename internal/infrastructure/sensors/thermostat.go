// Package sensors reads thermostat readings from a building status page.
package sensors

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

const sourceName = "thermostats"

// ThermostatReader scrapes a status page listing one .thermostat block per device with
// .name, .current, .target, .mode and an optional .updated child.
type ThermostatReader struct {
	url       string
	transport *http.Transport
	client    *http.Client
}

var (
	_ ports.SecondaryReader = (*ThermostatReader)(nil)
	_ ports.Releaser        = (*ThermostatReader)(nil)
)

func NewThermostatReader(url string, timeout time.Duration) *ThermostatReader {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	return &ThermostatReader{
		url:       url,
		transport: transport,
		client:    &http.Client{Transport: transport, Timeout: timeout},
	}
}

// Readings returns every device on the page. A page without any thermostat block is a
// schema mismatch; a block without a name is skipped.
func (t *ThermostatReader) Readings(ctx context.Context) ([]domain.Reading, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, domain.Transient(sourceName, err)
	}
	defer resp.Body.Close()

	if err := domain.FromHTTPStatus(sourceName, resp.StatusCode, resp.Status); err != nil {
		return nil, err
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse status page: %w", err)
	}

	blocks := doc.Find(".thermostat")
	if blocks.Length() == 0 {
		return nil, domain.SchemaMismatch(sourceName, "no .thermostat blocks on status page")
	}

	var readings []domain.Reading
	blocks.Each(func(_ int, s *goquery.Selection) {
		name := field(s, ".name")
		if name == "" {
			return
		}
		readings = append(readings, domain.Reading{
			Name:        name,
			Current:     field(s, ".current"),
			Target:      field(s, ".target"),
			Mode:        field(s, ".mode"),
			LastUpdated: field(s, ".updated"),
		})
	})
	if len(readings) == 0 {
		return nil, domain.DataIntegrity(sourceName, "thermostat blocks carried no names")
	}
	return readings, nil
}

// Release closes idle pooled connections.
func (t *ThermostatReader) Release() {
	t.transport.CloseIdleConnections()
}

func field(s *goquery.Selection, sel string) string {
	return strings.Join(strings.Fields(s.Find(sel).First().Text()), " ")
}
