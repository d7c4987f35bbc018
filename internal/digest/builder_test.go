package digest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"InboxDigest/internal/domain"
	"InboxDigest/internal/infrastructure/storage"
)

func openRepo(t *testing.T) *storage.Repository {
	t.Helper()
	repo, err := storage.Open(context.Background(), storage.Config{DSN: filepath.Join(t.TempDir(), "digest.db")}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func seedClassified(t *testing.T, repo *storage.Repository) []int64 {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	fixtures := []struct {
		item domain.Item
		c    domain.Classification
	}{
		{
			item: domain.Item{ExternalID: "e1", SourceKey: "portal", Sender: "Unit 4", Subject: "Emergency gas leak in kitchen", ReceivedAt: now.Add(-2 * time.Hour)},
			c:    domain.Classification{Intent: domain.IntentMaintenance, Confidence: 0.95, HighRisk: true, Urgency: domain.UrgencyHigh, Reason: "high-risk: gas leak", Tier: domain.TierRules},
		},
		{
			item: domain.Item{ExternalID: "e2", SourceKey: "mail", Sender: "Unit 7", Subject: "Thank you so much for your help!", ReceivedAt: now.Add(-time.Hour)},
			c:    domain.Classification{Intent: domain.IntentGratitude, Confidence: 0.8, Urgency: domain.UrgencyLow, Reason: "keywords: thank", Tier: domain.TierRules},
		},
	}

	ids := make([]int64, 0, len(fixtures))
	for _, f := range fixtures {
		id, inserted, err := repo.Insert(ctx, f.item)
		require.NoError(t, err)
		require.True(t, inserted)
		require.NoError(t, repo.UpdateClassification(ctx, id, f.c))
		ids = append(ids, id)
	}
	return ids
}

func reportFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestBuildTwiceWithoutChangesIsNoOp(t *testing.T) {
	t.Parallel()
	repo := openRepo(t)
	ctx := context.Background()
	ids := seedClassified(t, repo)
	out := t.TempDir()

	builder := NewBuilder(repo, Config{OutputDir: out, Recipient: "ops@example.com"}, nil)

	first, err := builder.Build(ctx, Request{NewItems: 2})
	require.NoError(t, err)
	require.False(t, first.NoOp)
	require.Equal(t, 2, first.Digest.ItemCount)
	require.Equal(t, 1, first.Digest.UrgentCount)
	require.Equal(t, domain.DigestGenerated, first.Digest.Status)
	require.Equal(t, Fingerprint(ids), first.Digest.Fingerprint)
	require.FileExists(t, first.ReportPath)

	second, err := builder.Build(ctx, Request{})
	require.NoError(t, err)
	require.True(t, second.NoOp)

	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Digests)
	require.Equal(t, 2, stats.ItemsByStatus[domain.StatusSent])
	require.Len(t, reportFiles(t, out), 1)

	for _, id := range ids {
		item, err := repo.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, first.Digest.ID, item.DigestID)
	}
}

func TestBuildSkipsUnchangedFingerprint(t *testing.T) {
	t.Parallel()
	repo := openRepo(t)
	ctx := context.Background()
	ids := seedClassified(t, repo)

	_, err := repo.CreateDigest(ctx, domain.Digest{Fingerprint: Fingerprint(ids)})
	require.NoError(t, err)

	out := t.TempDir()
	builder := NewBuilder(repo, Config{OutputDir: out}, nil)

	res, err := builder.Build(ctx, Request{})
	require.NoError(t, err)
	require.True(t, res.NoOp)
	require.Equal(t, "unchanged since last digest", res.Reason)
	require.Empty(t, reportFiles(t, out))

	res, err = builder.Build(ctx, Request{NewItems: 1})
	require.NoError(t, err)
	require.False(t, res.NoOp)
}

func TestBuildWithNothingVisibleIsNoOp(t *testing.T) {
	t.Parallel()
	repo := openRepo(t)
	out := t.TempDir()

	res, err := NewBuilder(repo, Config{OutputDir: out}, nil).Build(context.Background(), Request{NewItems: 3})
	require.NoError(t, err)
	require.True(t, res.NoOp)
	require.Empty(t, reportFiles(t, out))
}

func TestBuildMarksDigestSentWhenDeliveringImmediately(t *testing.T) {
	t.Parallel()
	repo := openRepo(t)
	seedClassified(t, repo)

	res, err := NewBuilder(repo, Config{OutputDir: t.TempDir(), DeliverImmediately: true}, nil).Build(context.Background(), Request{})
	require.NoError(t, err)
	require.Equal(t, domain.DigestSent, res.Digest.Status)
}

type failingRecorder struct {
	*storage.Repository
}

func (failingRecorder) RecordDigest(context.Context, domain.Digest, []int64) (int64, int, error) {
	return 0, 0, errors.New("disk full")
}

func TestBuildFailureLeavesNoArtifact(t *testing.T) {
	t.Parallel()
	repo := openRepo(t)
	ctx := context.Background()
	seedClassified(t, repo)
	out := t.TempDir()

	_, err := NewBuilder(failingRecorder{repo}, Config{OutputDir: out}, nil).Build(ctx, Request{NewItems: 2})
	require.ErrorContains(t, err, "disk full")
	require.Empty(t, reportFiles(t, out))

	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	require.Zero(t, stats.Digests)
	require.Equal(t, 2, stats.ItemsByStatus[domain.StatusClassified])
}

func TestBuildGroupsByConfiguredCategories(t *testing.T) {
	t.Parallel()
	repo := openRepo(t)
	seedClassified(t, repo)

	cfg := Config{
		OutputDir: t.TempDir(),
		Categories: []Category{
			{Key: "tenants", Label: "Tenant portal", Sources: []string{"portal"}},
			{Key: "vendors", Label: "Vendors", Sources: []string{"vendor-api"}},
		},
		CatchAllLabel: "Everything else",
	}
	res, err := NewBuilder(repo, cfg, nil).Build(context.Background(), Request{
		NewItems: 2,
		Readings: []domain.Reading{{Name: "Hallway", Current: "68", Target: "70", Mode: "heat"}},
	})
	require.NoError(t, err)

	report := res.Report
	require.Contains(t, report, "## Tenant portal (1)")
	require.Contains(t, report, "## Vendors (0)")
	require.Contains(t, report, "_Nothing new._")
	require.Contains(t, report, "## Everything else (1)")
	require.Contains(t, report, "[!!] **Emergency gas leak in kitchen**")
	require.Contains(t, report, "Hallway: 68 (target 70, heat)")
	require.Less(t, strings.Index(report, "Tenant portal"), strings.Index(report, "Vendors"))

	onDisk, err := os.ReadFile(res.ReportPath)
	require.NoError(t, err)
	require.Equal(t, report, string(onDisk))
}

func TestFingerprintDependsOnOrder(t *testing.T) {
	t.Parallel()
	require.Equal(t, Fingerprint([]int64{1, 2}), Fingerprint([]int64{1, 2}))
	require.NotEqual(t, Fingerprint([]int64{1, 2}), Fingerprint([]int64{2, 1}))
	require.NotEqual(t, Fingerprint([]int64{1, 23}), Fingerprint([]int64{12, 3}))
	require.Len(t, Fingerprint(nil), 64)
}
