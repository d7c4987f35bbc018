package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"InboxDigest/internal/domain"
)

var baseTime = time.Date(2025, time.March, 3, 9, 0, 0, 0, time.UTC)

func newTestRepository(t *testing.T) *Repository {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "inbox.db")
	repo, err := Open(context.Background(), Config{Driver: DriverSQLite, DSN: dsn}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	repo.now = func() time.Time { return baseTime.Add(48 * time.Hour) }
	return repo
}

func insertItem(t *testing.T, repo *Repository, externalID string, received time.Time) int64 {
	t.Helper()

	id, inserted, err := repo.Insert(context.Background(), domain.Item{
		ExternalID: externalID,
		SourceKey:  "portal",
		Sender:     "Unit 4B",
		Subject:    "subject " + externalID,
		Body:       "body " + externalID,
		ReceivedAt: received,
	})
	require.NoError(t, err)
	require.True(t, inserted)
	return id
}

func classify(t *testing.T, repo *Repository, id int64, urgency domain.Urgency) {
	t.Helper()

	err := repo.UpdateClassification(context.Background(), id, domain.Classification{
		Intent:     domain.IntentInformational,
		Confidence: 0.8,
		Urgency:    urgency,
		Reason:     "test",
		Tier:       domain.TierRules,
	})
	require.NoError(t, err)
}

func TestOpenIsIdempotent(t *testing.T) {
	t.Parallel()

	dsn := filepath.Join(t.TempDir(), "inbox.db")
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		repo, err := Open(ctx, Config{Driver: DriverSQLite, DSN: dsn}, nil)
		require.NoError(t, err)
		require.NoError(t, repo.Ping(ctx))
		require.NoError(t, repo.Close())
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), Config{Driver: "oracle"}, nil)
	require.Error(t, err)
}

func TestInsertIsIdempotent(t *testing.T) {
	t.Parallel()
	repo := newTestRepository(t)
	ctx := context.Background()

	id := insertItem(t, repo, "e1", baseTime)

	dupID, inserted, err := repo.Insert(ctx, domain.Item{ExternalID: "e1", Subject: "changed"})
	require.NoError(t, err)
	require.False(t, inserted)
	require.Zero(t, dupID)

	exists, err := repo.Exists(ctx, "e1")
	require.NoError(t, err)
	require.True(t, exists)

	exists, err = repo.Exists(ctx, "e2")
	require.NoError(t, err)
	require.False(t, exists)

	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.ItemsByStatus[domain.StatusPending])

	item, err := repo.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "subject e1", item.Subject)
	require.Equal(t, domain.StatusPending, item.Status)
	require.Nil(t, item.Classification)
	require.True(t, item.ReceivedAt.Equal(baseTime))
}

func TestPendingItemsAreFIFO(t *testing.T) {
	t.Parallel()
	repo := newTestRepository(t)

	insertItem(t, repo, "late", baseTime.Add(2*time.Hour))
	insertItem(t, repo, "early", baseTime)
	insertItem(t, repo, "middle", baseTime.Add(time.Hour))

	items, err := repo.PendingItems(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 3)
	require.Equal(t, []string{"early", "middle", "late"}, externalIDs(items))
}

func TestVisibleClassifiedItemsOrderAndWindow(t *testing.T) {
	t.Parallel()
	repo := newTestRepository(t)
	ctx := context.Background()

	now := repo.now()
	old := insertItem(t, repo, "old-high", now.Add(-72*time.Hour))
	low := insertItem(t, repo, "low", now.Add(-3*time.Hour))
	med := insertItem(t, repo, "medium", now.Add(-2*time.Hour))
	high := insertItem(t, repo, "high", now.Add(-time.Hour))
	insertItem(t, repo, "still-pending", now.Add(-time.Hour))

	classify(t, repo, old, domain.UrgencyHigh)
	classify(t, repo, low, domain.UrgencyLow)
	classify(t, repo, med, domain.UrgencyMedium)
	classify(t, repo, high, domain.UrgencyHigh)

	all, err := repo.VisibleClassifiedItems(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, []string{"old-high", "high", "medium", "low"}, externalIDs(all))

	windowed, err := repo.VisibleClassifiedItems(ctx, 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, []string{"high", "medium", "low"}, externalIDs(windowed))
	require.NotNil(t, windowed[0].Classification)
	require.Equal(t, domain.TierRules, windowed[0].Classification.Tier)
}

func TestUpdateResolvedBodyKeepsStatus(t *testing.T) {
	t.Parallel()
	repo := newTestRepository(t)
	ctx := context.Background()

	id, inserted, err := repo.Insert(ctx, domain.Item{ExternalID: "link", LinkURL: "https://portal/1", ReceivedAt: baseTime})
	require.NoError(t, err)
	require.True(t, inserted)

	needing, err := repo.ItemsNeedingResolution(ctx, 10)
	require.NoError(t, err)
	require.Len(t, needing, 1)

	require.NoError(t, repo.UpdateResolvedBody(ctx, id, "resolved text"))

	item, err := repo.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "resolved text", item.ResolvedBody)
	require.Equal(t, domain.StatusPending, item.Status)

	needing, err = repo.ItemsNeedingResolution(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, needing)

	require.ErrorIs(t, repo.UpdateResolvedBody(ctx, 999, "x"), domain.ErrNotFound)
}

func TestStatusNeverMovesBackwards(t *testing.T) {
	t.Parallel()
	repo := newTestRepository(t)
	ctx := context.Background()

	id := insertItem(t, repo, "e1", baseTime)
	classify(t, repo, id, domain.UrgencyMedium)

	digestID, err := repo.CreateDigest(ctx, domain.Digest{ItemCount: 1, Fingerprint: "fp"})
	require.NoError(t, err)
	marked, err := repo.MarkSent(ctx, []int64{id}, digestID)
	require.NoError(t, err)
	require.Equal(t, 1, marked)

	err = repo.UpdateClassification(ctx, id, domain.Classification{Intent: domain.IntentMoney, Urgency: domain.UrgencyMedium})
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
	require.ErrorIs(t, repo.Quarantine(ctx, id, "nope"), domain.ErrInvalidTransition)

	item, err := repo.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.StatusSent, item.Status)
	require.Equal(t, digestID, item.DigestID)
	require.NotNil(t, item.DigestSentAt)
	require.Equal(t, domain.IntentInformational, item.Classification.Intent)

	// Marking again is a silent skip, not an overwrite.
	other, err := repo.CreateDigest(ctx, domain.Digest{ItemCount: 0, Fingerprint: "fp2"})
	require.NoError(t, err)
	marked, err = repo.MarkSent(ctx, []int64{id}, other)
	require.NoError(t, err)
	require.Zero(t, marked)

	item, err = repo.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, digestID, item.DigestID)
}

func TestMarkSentSkipsPendingAndRequiresDigest(t *testing.T) {
	t.Parallel()
	repo := newTestRepository(t)
	ctx := context.Background()

	classified := insertItem(t, repo, "c", baseTime)
	pending := insertItem(t, repo, "p", baseTime)
	classify(t, repo, classified, domain.UrgencyLow)

	_, err := repo.MarkSent(ctx, []int64{classified}, 42)
	require.ErrorIs(t, err, domain.ErrNotFound)

	item, err := repo.Get(ctx, classified)
	require.NoError(t, err)
	require.Equal(t, domain.StatusClassified, item.Status)

	digestID, err := repo.CreateDigest(ctx, domain.Digest{ItemCount: 1, Fingerprint: "fp"})
	require.NoError(t, err)
	marked, err := repo.MarkSent(ctx, []int64{classified, pending}, digestID)
	require.NoError(t, err)
	require.Equal(t, 1, marked)

	item, err = repo.Get(ctx, pending)
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, item.Status)
	require.Zero(t, item.DigestID)
}

func TestRecordDigestIsAllOrNothing(t *testing.T) {
	t.Parallel()
	repo := newTestRepository(t)
	ctx := context.Background()

	a := insertItem(t, repo, "a", baseTime)
	b := insertItem(t, repo, "b", baseTime)
	classify(t, repo, a, domain.UrgencyHigh)
	// b stays pending, so a digest claiming both must not commit.

	_, _, err := repo.RecordDigest(ctx, domain.Digest{ItemCount: 2, UrgentCount: 1, Fingerprint: "ab"}, []int64{a, b})
	require.ErrorIs(t, err, domain.ErrDataIntegrity)

	fp, ok, err := repo.LastDigestFingerprint(ctx)
	require.NoError(t, err)
	require.False(t, ok)
	require.Empty(t, fp)

	item, err := repo.Get(ctx, a)
	require.NoError(t, err)
	require.Equal(t, domain.StatusClassified, item.Status)

	classify(t, repo, b, domain.UrgencyLow)
	digestID, marked, err := repo.RecordDigest(ctx, domain.Digest{ItemCount: 2, UrgentCount: 1, Fingerprint: "ab", Status: domain.DigestSent}, []int64{a, b})
	require.NoError(t, err)
	require.Equal(t, 2, marked)

	fp, ok, err = repo.LastDigestFingerprint(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "ab", fp)

	digests, err := repo.Digests(ctx, 5)
	require.NoError(t, err)
	require.Len(t, digests, 1)
	require.Equal(t, digestID, digests[0].ID)
	require.Equal(t, 2, digests[0].ItemCount)
	require.Equal(t, domain.DigestSent, digests[0].Status)
}

func TestRecordDigestRejectsCountMismatch(t *testing.T) {
	t.Parallel()
	repo := newTestRepository(t)

	_, _, err := repo.RecordDigest(context.Background(), domain.Digest{ItemCount: 3}, []int64{1})
	require.Error(t, err)
}

func TestQuarantineOnlyFromPending(t *testing.T) {
	t.Parallel()
	repo := newTestRepository(t)
	ctx := context.Background()

	id := insertItem(t, repo, "empty", baseTime)
	require.NoError(t, repo.Quarantine(ctx, id, "empty content"))

	item, err := repo.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.StatusError, item.Status)
	require.Equal(t, "empty content", item.ErrorReason)

	err = repo.UpdateClassification(ctx, id, domain.Classification{Intent: domain.IntentUnknown, Urgency: domain.UrgencyMedium})
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
	require.ErrorIs(t, repo.Quarantine(ctx, 12345, "x"), domain.ErrNotFound)
}

func externalIDs(items []domain.Item) []string {
	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ExternalID)
	}
	return ids
}

func ExampleRepository_Insert() {
	repo, err := Open(context.Background(), Config{Driver: DriverSQLite, DSN: ":memory:"}, nil)
	if err != nil {
		fmt.Println(err)
		return
	}
	defer repo.Close()

	item := domain.Item{ExternalID: "msg-1", Subject: "Leaking faucet"}
	_, first, _ := repo.Insert(context.Background(), item)
	_, second, _ := repo.Insert(context.Background(), item)
	fmt.Println(first, second)
	// Output: true false
}
