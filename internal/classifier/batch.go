package classifier

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"InboxDigest/internal/domain"
	"InboxDigest/internal/metrics"
	"InboxDigest/internal/ports"
)

// BatchReport summarises one pass over pending items.
type BatchReport struct {
	Classified  int
	Skipped     int
	Quarantined int
	Failed      int
	ByTier      map[domain.ClassifierTier]int
}

// BatchConfig tunes the pending-item driver.
type BatchConfig struct {
	// QuarantineAfter moves empty pending items older than this to the error status.
	// Zero leaves them pending until a link resolver fills them in.
	QuarantineAfter time.Duration
}

// Batch classifies every pending item in FIFO order.
type Batch struct {
	repo   ports.ItemRepository
	engine *Engine
	cfg    BatchConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewBatch wires the driver.
func NewBatch(repo ports.ItemRepository, engine *Engine, cfg BatchConfig, logger *slog.Logger) *Batch {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Batch{repo: repo, engine: engine, cfg: cfg, logger: logger, now: time.Now}
}

// Run classifies pending items. Per-item failures are logged and counted; only a failure to
// list pending items or a cancelled context stops the batch.
func (b *Batch) Run(ctx context.Context) (BatchReport, error) {
	report := BatchReport{ByTier: map[domain.ClassifierTier]int{}}

	items, err := b.repo.PendingItems(ctx)
	if err != nil {
		return report, err
	}

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		text := item.Text()
		if strings.TrimSpace(text) == "" {
			b.handleEmpty(ctx, item, &report)
			continue
		}

		c, err := b.engine.Classify(ctx, text)
		if err != nil {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			report.Failed++
			b.logger.Error("classify item", "item_id", item.ID, "external_id", item.ExternalID, "error", err)
			continue
		}

		if err := b.repo.UpdateClassification(ctx, item.ID, c); err != nil {
			report.Failed++
			b.logger.Error("store classification", "item_id", item.ID, "external_id", item.ExternalID, "error", err)
			continue
		}

		report.Classified++
		report.ByTier[c.Tier]++
		metrics.Classifications.WithLabelValues(string(c.Tier), string(c.Urgency)).Inc()
		b.logger.Debug("item classified",
			"item_id", item.ID,
			"intent", c.Intent,
			"urgency", c.Urgency,
			"confidence", c.Confidence,
			"tier", c.Tier,
		)
	}

	return report, nil
}

func (b *Batch) handleEmpty(ctx context.Context, item domain.Item, report *BatchReport) {
	age := b.now().Sub(item.ReceivedAt)
	if b.cfg.QuarantineAfter <= 0 || age < b.cfg.QuarantineAfter {
		report.Skipped++
		b.logger.Debug("item has no content yet, leaving pending", "item_id", item.ID, "external_id", item.ExternalID)
		return
	}

	if err := b.repo.Quarantine(ctx, item.ID, "no content after "+b.cfg.QuarantineAfter.String()); err != nil {
		report.Failed++
		b.logger.Error("quarantine item", "item_id", item.ID, "error", err)
		return
	}
	report.Quarantined++
	b.logger.Warn("item quarantined without content", "item_id", item.ID, "external_id", item.ExternalID, "age", age)
}
