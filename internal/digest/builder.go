package digest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"InboxDigest/internal/domain"
	"InboxDigest/internal/metrics"
	"InboxDigest/internal/ports"
)

const (
	defaultTitle     = "Inbox digest"
	reportFileLayout = "digest-20060102-150405"
)

// Config holds the digest settings that come from configuration.
type Config struct {
	Title         string
	Window        time.Duration
	OutputDir     string
	Categories    []Category
	CatchAllLabel string
	Recipient     string
	// DeliverImmediately marks new digests as sent instead of generated.
	DeliverImmediately bool
}

// Request carries the per-run inputs of a build.
type Request struct {
	// NewItems is the number of items ingested during the current run.
	NewItems int
	Readings []domain.Reading
}

// Result describes what a build did.
type Result struct {
	NoOp       bool
	Reason     string
	Digest     domain.Digest
	ReportPath string
	Report     string
}

// Builder turns visible classified items into a persisted digest and report artifact.
type Builder struct {
	repo   ports.ItemRepository
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

func NewBuilder(repo ports.ItemRepository, cfg Config, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Title == "" {
		cfg.Title = defaultTitle
	}
	return &Builder{
		repo:   repo,
		cfg:    cfg,
		logger: logger.With("component", "digest"),
		now:    time.Now,
	}
}

// Build runs one digest cycle. An unchanged item set with no new ingestion, or an empty
// item set, is a no-op that touches neither the store nor the output directory.
func (b *Builder) Build(ctx context.Context, req Request) (Result, error) {
	items, err := b.repo.VisibleClassifiedItems(ctx, b.cfg.Window)
	if err != nil {
		return Result{}, fmt.Errorf("load visible items: %w", err)
	}
	if len(items) == 0 {
		return b.noop("nothing to report"), nil
	}

	ids := itemIDs(items)
	fingerprint := Fingerprint(ids)

	last, ok, err := b.repo.LastDigestFingerprint(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("load last fingerprint: %w", err)
	}
	if ok && last == fingerprint && req.NewItems == 0 {
		return b.noop("unchanged since last digest"), nil
	}

	sentAt := b.now().UTC()
	sections := Group(items, b.cfg.Categories, b.cfg.CatchAllLabel)
	report, err := Render(b.cfg.Title, sentAt, sections, req.Readings)
	if err != nil {
		return Result{}, err
	}

	d := domain.Digest{
		SentAt:      sentAt,
		ItemCount:   len(ids),
		UrgentCount: countUrgent(items),
		Recipient:   b.cfg.Recipient,
		Fingerprint: fingerprint,
		Status:      domain.DigestGenerated,
	}
	if b.cfg.DeliverImmediately {
		d.Status = domain.DigestSent
	}

	path, err := b.persist(ctx, &d, ids, report)
	if err != nil {
		metrics.Digests.WithLabelValues("failed").Inc()
		return Result{}, err
	}

	metrics.Digests.WithLabelValues("built").Inc()
	b.logger.Info("digest built",
		"digest_id", d.ID,
		"items", d.ItemCount,
		"urgent", d.UrgentCount,
		"status", d.Status,
		"path", path,
	)
	return Result{Digest: d, ReportPath: path, Report: report}, nil
}

// persist writes the report to a temp file, records the digest and marks its items in one
// transaction, then moves the file into place. A failed step removes the temp file.
func (b *Builder) persist(ctx context.Context, d *domain.Digest, ids []int64, report string) (path string, err error) {
	dir := b.cfg.OutputDir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".digest-*.tmp")
	if err != nil {
		return "", fmt.Errorf("create report file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.WriteString(report); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("write report: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("sync report: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return "", fmt.Errorf("close report: %w", err)
	}

	path = filepath.Join(dir, fmt.Sprintf("%s-%s.md", d.SentAt.Format(reportFileLayout), d.Fingerprint[:8]))
	d.ArtifactPath = path

	id, marked, err := b.repo.RecordDigest(ctx, *d, ids)
	if err != nil {
		return "", fmt.Errorf("record digest: %w", err)
	}
	d.ID = id

	if err = os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("move report into place: %w", err)
	}
	b.logger.Debug("items marked sent", "digest_id", id, "marked", marked)
	return path, nil
}

func (b *Builder) noop(reason string) Result {
	metrics.Digests.WithLabelValues("noop").Inc()
	b.logger.Info("digest skipped", "reason", reason)
	return Result{NoOp: true, Reason: reason}
}

func countUrgent(items []domain.Item) int {
	n := 0
	for _, item := range items {
		if item.Urgent() {
			n++
		}
	}
	return n
}
