package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"

	"InboxDigest/internal/domain"
	"InboxDigest/internal/ports"
)

// urgencyRank sorts high before medium before low; lexical order would not.
const urgencyRank = "CASE urgency WHEN 'high' THEN 3 WHEN 'medium' THEN 2 WHEN 'low' THEN 1 ELSE 0 END"

// Repository persists items and digests in SQLite or Postgres.
type Repository struct {
	db  *sqlx.DB
	sb  sq.StatementBuilderType
	now func() time.Time
}

var _ ports.ItemRepository = (*Repository)(nil)

// queryer is satisfied by both *sqlx.DB and *sqlx.Tx.
type queryer interface {
	sqlx.ExtContext
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
}

func newRepository(db *sqlx.DB, placeholder sq.PlaceholderFormat) *Repository {
	return &Repository{
		db:  db,
		sb:  sq.StatementBuilder.PlaceholderFormat(placeholder),
		now: time.Now,
	}
}

// Close releases the underlying connection pool.
func (r *Repository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// Ping checks the store is reachable.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Exists reports whether an item with the external identifier was ever ingested.
func (r *Repository) Exists(ctx context.Context, externalID string) (bool, error) {
	query, args, err := r.sb.Select("1").From("items").Where(sq.Eq{"external_id": externalID}).Limit(1).ToSql()
	if err != nil {
		return false, fmt.Errorf("build exists: %w", err)
	}
	var one int
	err = r.db.GetContext(ctx, &one, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query exists: %w", err)
	}
	return true, nil
}

// Insert stores a new pending item. A duplicate external identifier is a no-op that
// reports inserted=false and no error.
func (r *Repository) Insert(ctx context.Context, item domain.Item) (int64, bool, error) {
	if strings.TrimSpace(item.ExternalID) == "" {
		return 0, false, fmt.Errorf("insert item: empty external id")
	}
	received := item.ReceivedAt
	if received.IsZero() {
		received = r.now()
	}

	query, args, err := r.sb.Insert("items").
		Columns("external_id", "source_key", "sender", "subject", "body", "resolved_body",
			"link_url", "received_at", "ingested_at", "status").
		Values(item.ExternalID, item.SourceKey, item.Sender, item.Subject, item.Body,
			nullString(item.ResolvedBody), nullString(item.LinkURL), toMillis(received),
			toMillis(r.now()), string(domain.StatusPending)).
		Suffix("ON CONFLICT (external_id) DO NOTHING RETURNING id").
		ToSql()
	if err != nil {
		return 0, false, fmt.Errorf("build insert: %w", err)
	}

	var id int64
	err = r.db.QueryRowxContext(ctx, query, args...).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("insert item %s: %w", item.ExternalID, err)
	}
	return id, true, nil
}

// Get loads a single item.
func (r *Repository) Get(ctx context.Context, id int64) (domain.Item, error) {
	query, args, err := r.sb.Select(itemColumns...).From("items").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return domain.Item{}, fmt.Errorf("build get: %w", err)
	}
	var row itemRow
	err = r.db.GetContext(ctx, &row, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Item{}, fmt.Errorf("item %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Item{}, fmt.Errorf("get item %d: %w", id, err)
	}
	return row.toDomain(), nil
}

// PendingItems returns pending items oldest first.
func (r *Repository) PendingItems(ctx context.Context) ([]domain.Item, error) {
	return r.selectItems(ctx, r.db, r.sb.Select(itemColumns...).From("items").
		Where(sq.Eq{"status": string(domain.StatusPending)}).
		OrderBy("received_at ASC", "id ASC"))
}

// ItemsNeedingResolution returns pending items that carry a link but no resolved body yet.
func (r *Repository) ItemsNeedingResolution(ctx context.Context, limit int) ([]domain.Item, error) {
	b := r.sb.Select(itemColumns...).From("items").
		Where(sq.Eq{"status": string(domain.StatusPending)}).
		Where(sq.And{sq.NotEq{"link_url": nil}, sq.NotEq{"link_url": ""}}).
		Where(sq.Or{sq.Eq{"resolved_body": nil}, sq.Eq{"resolved_body": ""}}).
		OrderBy("received_at ASC", "id ASC")
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}
	return r.selectItems(ctx, r.db, b)
}

// VisibleClassifiedItems returns classified items ordered by urgency (high first), then
// received time, then id. A zero window returns every classified item. The ordering feeds
// the digest fingerprint, so changing it changes what counts as unchanged.
func (r *Repository) VisibleClassifiedItems(ctx context.Context, window time.Duration) ([]domain.Item, error) {
	b := r.sb.Select(itemColumns...).From("items").
		Where(sq.Eq{"status": string(domain.StatusClassified)})
	if window > 0 {
		b = b.Where(sq.GtOrEq{"received_at": toMillis(r.now().Add(-window))})
	}
	b = b.OrderBy(urgencyRank+" DESC", "received_at ASC", "id ASC")
	return r.selectItems(ctx, r.db, b)
}

// UpdateClassification writes classification fields and moves the item to classified.
// Sent and errored items are never rewritten.
func (r *Repository) UpdateClassification(ctx context.Context, id int64, c domain.Classification) error {
	if c.Intent == "" || c.Urgency == "" {
		return fmt.Errorf("update classification %d: intent and urgency are required", id)
	}
	classifiedAt := c.ClassifiedAt
	if classifiedAt.IsZero() {
		classifiedAt = r.now()
	}

	query, args, err := r.sb.Update("items").
		Set("intent", string(c.Intent)).
		Set("confidence", c.Confidence).
		Set("is_high_risk", c.HighRisk).
		Set("urgency", string(c.Urgency)).
		Set("reason", c.Reason).
		Set("classifier", string(c.Tier)).
		Set("classified_at", toMillis(classifiedAt)).
		Set("status", string(domain.StatusClassified)).
		Where(sq.Eq{"id": id}).
		Where(sq.Eq{"status": []string{string(domain.StatusPending), string(domain.StatusClassified)}}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build update classification: %w", err)
	}
	return r.execOne(ctx, id, query, args)
}

// UpdateResolvedBody stores text fetched from the item's link. Status is untouched.
func (r *Repository) UpdateResolvedBody(ctx context.Context, id int64, text string) error {
	query, args, err := r.sb.Update("items").
		Set("resolved_body", text).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build update resolved body: %w", err)
	}
	return r.execOne(ctx, id, query, args)
}

// Quarantine moves a pending item to the terminal error status.
func (r *Repository) Quarantine(ctx context.Context, id int64, reason string) error {
	query, args, err := r.sb.Update("items").
		Set("status", string(domain.StatusError)).
		Set("error_reason", reason).
		Where(sq.Eq{"id": id, "status": string(domain.StatusPending)}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build quarantine: %w", err)
	}
	return r.execOne(ctx, id, query, args)
}

// CreateDigest appends a digest row.
func (r *Repository) CreateDigest(ctx context.Context, d domain.Digest) (int64, error) {
	return r.createDigest(ctx, r.db, d)
}

// MarkSent links classified items to an existing digest in one transaction.
// Rows that are not classified are skipped, not overwritten.
func (r *Repository) MarkSent(ctx context.Context, ids []int64, digestID int64) (int, error) {
	var marked int
	err := r.withTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		marked, err = r.markSent(ctx, tx, ids, digestID)
		return err
	})
	if err != nil {
		return 0, err
	}
	return marked, nil
}

// RecordDigest creates the digest row and marks its items sent in a single transaction.
// Nothing is committed unless every id was marked, so the digest item count always equals
// the number of items that reference it.
func (r *Repository) RecordDigest(ctx context.Context, d domain.Digest, ids []int64) (int64, int, error) {
	if d.ItemCount != len(ids) {
		return 0, 0, fmt.Errorf("record digest: item count %d does not match %d ids", d.ItemCount, len(ids))
	}

	var (
		digestID int64
		marked   int
	)
	err := r.withTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		digestID, err = r.createDigest(ctx, tx, d)
		if err != nil {
			return err
		}
		marked, err = r.markSent(ctx, tx, ids, digestID)
		if err != nil {
			return err
		}
		if marked != len(ids) {
			return domain.DataIntegrity("repository", fmt.Sprintf("marked %d of %d items for digest", marked, len(ids)))
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return digestID, marked, nil
}

// LastDigestFingerprint returns the fingerprint of the most recent digest.
func (r *Repository) LastDigestFingerprint(ctx context.Context) (string, bool, error) {
	query, args, err := r.sb.Select("fingerprint").From("digests").OrderBy("id DESC").Limit(1).ToSql()
	if err != nil {
		return "", false, fmt.Errorf("build last fingerprint: %w", err)
	}
	var fp string
	err = r.db.GetContext(ctx, &fp, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query last fingerprint: %w", err)
	}
	return fp, true, nil
}

// Digests returns the most recent digests, newest first.
func (r *Repository) Digests(ctx context.Context, limit int) ([]domain.Digest, error) {
	b := r.sb.Select(digestColumns...).From("digests").OrderBy("id DESC")
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build digests: %w", err)
	}
	var rows []digestRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("query digests: %w", err)
	}
	out := make([]domain.Digest, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

// Stats counts items per status and digests.
func (r *Repository) Stats(ctx context.Context) (domain.RepositoryStats, error) {
	stats := domain.RepositoryStats{ItemsByStatus: map[domain.ItemStatus]int{}}

	query, args, err := r.sb.Select("status", "COUNT(*) AS n").From("items").GroupBy("status").ToSql()
	if err != nil {
		return stats, fmt.Errorf("build stats: %w", err)
	}
	var counts []struct {
		Status string `db:"status"`
		N      int    `db:"n"`
	}
	if err := r.db.SelectContext(ctx, &counts, query, args...); err != nil {
		return stats, fmt.Errorf("query item stats: %w", err)
	}
	for _, c := range counts {
		stats.ItemsByStatus[domain.ItemStatus(c.Status)] = c.N
	}

	query, args, err = r.sb.Select("COUNT(*)").From("digests").ToSql()
	if err != nil {
		return stats, fmt.Errorf("build digest count: %w", err)
	}
	if err := r.db.GetContext(ctx, &stats.Digests, query, args...); err != nil {
		return stats, fmt.Errorf("query digest count: %w", err)
	}

	latest, err := r.Digests(ctx, 1)
	if err != nil {
		return stats, err
	}
	if len(latest) == 1 {
		stats.LastDigest = &latest[0]
	}
	return stats, nil
}

func (r *Repository) createDigest(ctx context.Context, q queryer, d domain.Digest) (int64, error) {
	sentAt := d.SentAt
	if sentAt.IsZero() {
		sentAt = r.now()
	}
	status := d.Status
	if status == "" {
		status = domain.DigestGenerated
	}

	query, args, err := r.sb.Insert("digests").
		Columns("sent_at", "item_count", "urgent_count", "recipient", "fingerprint", "status", "artifact_path").
		Values(toMillis(sentAt), d.ItemCount, d.UrgentCount, d.Recipient, d.Fingerprint, string(status), nullString(d.ArtifactPath)).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build create digest: %w", err)
	}

	var id int64
	if err := q.QueryRowxContext(ctx, query, args...).Scan(&id); err != nil {
		return 0, fmt.Errorf("create digest: %w", err)
	}
	return id, nil
}

func (r *Repository) markSent(ctx context.Context, q queryer, ids []int64, digestID int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	query, args, err := r.sb.Select("COUNT(*)").From("digests").Where(sq.Eq{"id": digestID}).ToSql()
	if err != nil {
		return 0, fmt.Errorf("build digest lookup: %w", err)
	}
	var n int
	if err := q.GetContext(ctx, &n, query, args...); err != nil {
		return 0, fmt.Errorf("lookup digest %d: %w", digestID, err)
	}
	if n == 0 {
		return 0, fmt.Errorf("digest %d: %w", digestID, domain.ErrNotFound)
	}

	query, args, err = r.sb.Update("items").
		Set("digest_id", digestID).
		Set("digest_sent_at", toMillis(r.now())).
		Set("status", string(domain.StatusSent)).
		Where(sq.Eq{"id": ids}).
		Where(sq.Eq{"status": string(domain.StatusClassified)}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build mark sent: %w", err)
	}
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("mark sent: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("mark sent rows: %w", err)
	}
	return int(affected), nil
}

func (r *Repository) selectItems(ctx context.Context, q queryer, b sq.SelectBuilder) ([]domain.Item, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select items: %w", err)
	}
	var rows []itemRow
	if err := q.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("select items: %w", err)
	}
	items := make([]domain.Item, 0, len(rows))
	for _, row := range rows {
		items = append(items, row.toDomain())
	}
	return items, nil
}

// execOne runs a single-row update and tells a missing row apart from a refused transition.
func (r *Repository) execOne(ctx context.Context, id int64, query string, args []any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update item %d: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update item %d rows: %w", id, err)
	}
	if affected == 1 {
		return nil
	}

	query, args, err = r.sb.Select("status").From("items").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return fmt.Errorf("build status lookup: %w", err)
	}
	var status string
	err = r.db.GetContext(ctx, &status, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("item %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("lookup item %d: %w", id, err)
	}
	return fmt.Errorf("item %d is %s: %w", id, status, domain.ErrInvalidTransition)
}

func (r *Repository) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) (err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
