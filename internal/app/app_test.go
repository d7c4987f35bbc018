package app

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"InboxDigest/internal/config"
	"InboxDigest/internal/domain"
	"InboxDigest/internal/usecase"
)

const portalPage = `<html><body><div class="message-list">
  <div class="message" data-id="e1">
    <a class="subject" href="/m/e1">Emergency gas leak in kitchen</a>
    <span class="sender">Unit 4</span>
    <time datetime="2025-11-08T06:00:00Z"></time>
  </div>
  <div class="message" data-id="e2">
    <a class="subject" href="/m/e2">Thank you so much for your help!</a>
    <span class="sender">Unit 7</span>
    <time datetime="2025-11-08T07:00:00Z"></time>
  </div>
</div></body></html>`

func testConfig(t *testing.T, portalURL string) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Config{
		Database:  config.DatabaseConfig{Driver: "sqlite", DSN: filepath.Join(dir, "inbox.db")},
		Scheduler: config.SchedulerConfig{CronExpression: "*/30 * * * *"},
		Logging:   config.LoggingConfig{Level: "error"},
		Retry:     config.RetryConfig{MaxAttempts: 1},
		Digest:    config.DigestConfig{OutputDir: filepath.Join(dir, "digests")},
		Publisher: config.PublisherConfig{
			Enabled:    true,
			PrimaryDir: filepath.Join(dir, "published"),
		},
	}
	if portalURL != "" {
		cfg.Sources = []config.SiteConfig{{
			Name:      "portal",
			Scanner:   "portal",
			Endpoints: []config.EndpointConfig{{Name: "inbox", URL: portalURL}},
		}}
	}
	return cfg
}

func quietLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func TestRunOnceBuildsAndPublishes(t *testing.T) {
	t.Parallel()

	portal := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(portalPage))
	}))
	defer portal.Close()

	cfg := testConfig(t, portal.URL)
	a, err := New(context.Background(), cfg, quietLogger(), Options{Deliver: true})
	require.NoError(t, err)
	defer func() { require.NoError(t, a.Close()) }()

	state, err := a.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, state.NewItems)

	build, ok := state.Result(usecase.StageBuild)
	require.True(t, ok)
	require.Equal(t, usecase.StageSucceeded, build.Status)
	require.Equal(t, 2, state.Digest.Digest.ItemCount)
	require.Equal(t, 1, state.Digest.Digest.UrgentCount)
	// delivery.enabled is off, so the invocation flag alone does not deliver.
	require.Equal(t, domain.DigestGenerated, state.Digest.Digest.Status)
	require.False(t, state.Delivered)

	require.NotNil(t, state.Publication)
	_, err = os.Stat(state.Publication.PrimaryLocation)
	require.NoError(t, err)

	status, err := a.Status(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, status.Stats.Digests)
	require.Equal(t, 2, status.Stats.ItemsByStatus[domain.StatusSent])
	require.True(t, status.NextRun.After(time.Now()))
}

func TestNewFailsOnStore(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "")
	cfg.Database.Driver = "oracle"
	_, err := New(context.Background(), cfg, quietLogger(), Options{})
	require.ErrorIs(t, err, ErrStore)
}

func TestNewRejectsUnknownScanner(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "")
	cfg.Sources = []config.SiteConfig{{Name: "x", Scanner: "imap"}}
	_, err := New(context.Background(), cfg, quietLogger(), Options{})
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrStore)
}

func TestRunScheduledStopsOnCancel(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "")
	cfg.Metrics.Addr = "127.0.0.1:0"
	a, err := New(context.Background(), cfg, quietLogger(), Options{})
	require.NoError(t, err)
	defer func() { require.NoError(t, a.Close()) }()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.RunScheduled(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("RunScheduled did not return after cancel")
	}
}

func TestRunScheduledWaitsForInFlightRun(t *testing.T) {
	t.Parallel()

	hit := make(chan struct{})
	var once sync.Once
	portal := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() { close(hit) })
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte(portalPage))
	}))
	defer portal.Close()

	cfg := testConfig(t, portal.URL)
	cfg.Scheduler.RunOnStart = true
	a, err := New(context.Background(), cfg, quietLogger(), Options{})
	require.NoError(t, err)
	defer func() { require.NoError(t, a.Close()) }()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.RunScheduled(ctx) }()

	select {
	case <-hit:
	case <-time.After(5 * time.Second):
		t.Fatal("run on start never reached the source")
	}
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("RunScheduled did not return after cancel")
	}
	require.False(t, a.pipeline.Running(), "store would be closed under a running pipeline")
}
