package parser

import (
	"context"
	"fmt"
	"log/slog"

	"InboxDigest/internal/config"
	"InboxDigest/internal/domain"
	"InboxDigest/internal/ports"
	"InboxDigest/internal/scanner"
)

// StrategySource turns config-defined sites into message sources backed by registered
// scanner strategies. Each site is fetched and fails on its own.
type StrategySource struct {
	registry *scanner.Registry
	sites    []config.SiteConfig
	logger   *slog.Logger
}

// NewStrategySource wires scanner registry with config-defined sites.
func NewStrategySource(reg *scanner.Registry, sites []config.SiteConfig, log *slog.Logger) *StrategySource {
	return &StrategySource{
		registry: reg,
		sites:    sites,
		logger:   log,
	}
}

// Sources resolves every configured site to its scanner. An unknown scanner name is a
// configuration error and fails the whole call.
func (s *StrategySource) Sources() ([]ports.MessageSource, error) {
	if s.registry == nil {
		return nil, fmt.Errorf("scanner registry is not configured")
	}

	out := make([]ports.MessageSource, 0, len(s.sites))
	for _, site := range s.sites {
		strategy, err := s.registry.Resolve(site.Scanner)
		if err != nil {
			return nil, fmt.Errorf("site %s: %w", site.Name, err)
		}
		s.debug("site registered", "site", site.Name, "scanner", site.Scanner, "endpoints", len(site.Endpoints))
		out = append(out, &siteSource{
			strategy: strategy,
			req: scanner.Request{
				SiteName:  site.Name,
				Options:   site.Options,
				Endpoints: toEndpoints(site.Endpoints),
			},
			logger: s.logger,
		})
	}
	return out, nil
}

type siteSource struct {
	strategy scanner.Scanner
	req      scanner.Request
	logger   *slog.Logger
}

var _ ports.MessageSource = (*siteSource)(nil)

func (s *siteSource) Key() string {
	return s.req.SiteName
}

func (s *siteSource) Fetch(ctx context.Context) ([]domain.Message, error) {
	results, err := s.strategy.Scan(ctx, s.req)
	if err != nil {
		return nil, fmt.Errorf("scan site %s: %w", s.req.SiteName, err)
	}
	for i := range results {
		if results[i].SourceKey == "" {
			results[i].SourceKey = s.req.SiteName
		}
	}
	if s.logger != nil {
		s.logger.Debug("site produced messages", "site", s.req.SiteName, "count", len(results))
	}
	return results, nil
}

func toEndpoints(cfg []config.EndpointConfig) []scanner.Endpoint {
	endpoints := make([]scanner.Endpoint, 0, len(cfg))
	for _, ep := range cfg {
		endpoints = append(endpoints, scanner.Endpoint{
			Name: ep.Name,
			URL:  ep.URL,
		})
	}
	return endpoints
}

func (s *StrategySource) debug(msg string, args ...interface{}) {
	if s.logger != nil {
		s.logger.Debug(msg, args...)
	}
}
