package classifier

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"InboxDigest/internal/domain"
	"InboxDigest/internal/infrastructure/storage"
)

func openRepo(t *testing.T) *storage.Repository {
	t.Helper()
	repo, err := storage.Open(context.Background(), storage.Config{DSN: filepath.Join(t.TempDir(), "batch.db")}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestBatchClassifiesPendingAndSkipsEmpty(t *testing.T) {
	t.Parallel()
	repo := openRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for _, item := range []domain.Item{
		{ExternalID: "leak", Subject: "Emergency gas leak in kitchen", ReceivedAt: now.Add(-2 * time.Hour)},
		{ExternalID: "thanks", Subject: "Thank you so much for your help!", ReceivedAt: now.Add(-time.Hour)},
		{ExternalID: "empty", LinkURL: "https://portal.example/m/3", ReceivedAt: now.Add(-30 * time.Minute)},
	} {
		_, inserted, err := repo.Insert(ctx, item)
		require.NoError(t, err)
		require.True(t, inserted)
	}

	model := &fakeModel{errs: []error{errors.New("must not be called")}}
	batch := NewBatch(repo, NewEngine(WithModel(model)), BatchConfig{}, nil)

	report, err := batch.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, report.Classified)
	require.Equal(t, 1, report.Skipped)
	require.Zero(t, report.Failed)
	require.Equal(t, 2, report.ByTier[domain.TierRules])
	require.Zero(t, model.calls)

	pending, err := repo.PendingItems(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "empty", pending[0].ExternalID)

	visible, err := repo.VisibleClassifiedItems(ctx, 0)
	require.NoError(t, err)
	require.Len(t, visible, 2)
	require.Equal(t, "leak", visible[0].ExternalID)
	require.Equal(t, domain.UrgencyHigh, visible[0].Classification.Urgency)
	require.True(t, visible[0].Classification.HighRisk)
	require.Equal(t, domain.IntentGratitude, visible[1].Classification.Intent)
	require.Equal(t, domain.UrgencyLow, visible[1].Classification.Urgency)
}

func TestBatchQuarantinesStaleEmptyItems(t *testing.T) {
	t.Parallel()
	repo := openRepo(t)
	ctx := context.Background()

	_, _, err := repo.Insert(ctx, domain.Item{ExternalID: "stale", ReceivedAt: time.Now().Add(-72 * time.Hour)})
	require.NoError(t, err)
	_, _, err = repo.Insert(ctx, domain.Item{ExternalID: "fresh", ReceivedAt: time.Now().Add(-time.Hour)})
	require.NoError(t, err)

	batch := NewBatch(repo, NewEngine(), BatchConfig{QuarantineAfter: 48 * time.Hour}, nil)
	report, err := batch.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Quarantined)
	require.Equal(t, 1, report.Skipped)

	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.ItemsByStatus[domain.StatusError])
	require.Equal(t, 1, stats.ItemsByStatus[domain.StatusPending])
}

func TestBatchStopsOnCancelledContext(t *testing.T) {
	t.Parallel()
	repo := openRepo(t)

	_, _, err := repo.Insert(context.Background(), domain.Item{ExternalID: "x", Subject: "rent"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewBatch(repo, NewEngine(), BatchConfig{}, nil).Run(ctx)
	require.Error(t, err)
}
