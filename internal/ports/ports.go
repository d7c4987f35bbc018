package ports

import (
	"context"
	"time"

	"InboxDigest/internal/domain"
)

// MessageSource pulls fresh messages from upstream providers.
// A changed upstream layout is reported as domain.ErrSchemaMismatch, never as an empty slice.
type MessageSource interface {
	Key() string
	Fetch(ctx context.Context) ([]domain.Message, error)
}

// LinkResolver turns a message link into readable body text. Empty text means nothing useful.
type LinkResolver interface {
	Resolve(ctx context.Context, url string) (string, error)
}

// SecondaryReader collects auxiliary readings (thermostats, sensors) shown next to the digest.
type SecondaryReader interface {
	Readings(ctx context.Context) ([]domain.Reading, error)
}

// Releaser frees an external resource held by an adapter. Safe to call repeatedly.
type Releaser interface {
	Release()
}

// CompletionClient sends text to a language model and returns its raw reply.
type CompletionClient interface {
	Complete(ctx context.Context, systemPrompt, text string) (string, error)
}

// ItemRepository is the only owner of item and digest storage.
type ItemRepository interface {
	Exists(ctx context.Context, externalID string) (bool, error)
	Insert(ctx context.Context, item domain.Item) (int64, bool, error)
	PendingItems(ctx context.Context) ([]domain.Item, error)
	ItemsNeedingResolution(ctx context.Context, limit int) ([]domain.Item, error)
	VisibleClassifiedItems(ctx context.Context, window time.Duration) ([]domain.Item, error)
	UpdateClassification(ctx context.Context, id int64, c domain.Classification) error
	UpdateResolvedBody(ctx context.Context, id int64, text string) error
	Quarantine(ctx context.Context, id int64, reason string) error
	CreateDigest(ctx context.Context, d domain.Digest) (int64, error)
	MarkSent(ctx context.Context, ids []int64, digestID int64) (int, error)
	RecordDigest(ctx context.Context, d domain.Digest, ids []int64) (int64, int, error)
	LastDigestFingerprint(ctx context.Context) (string, bool, error)
	Stats(ctx context.Context) (domain.RepositoryStats, error)
}

// Publisher copies a rendered report to its public and archive locations.
type Publisher interface {
	Publish(ctx context.Context, reportPath string) (domain.Publication, error)
}

// Deliverer pushes a digest to humans (Telegram, mail).
type Deliverer interface {
	Deliver(ctx context.Context, digest domain.Digest, report string) error
}

// Scheduler controls when pipelines execute.
type Scheduler interface {
	Start(ctx context.Context, job func(time.Time)) error
	Stop(ctx context.Context) error
}
