package storage

import (
	"database/sql"
	"time"

	"InboxDigest/internal/domain"
)

var itemColumns = []string{
	"id", "external_id", "source_key", "sender", "subject", "body", "resolved_body", "link_url",
	"received_at", "ingested_at", "intent", "confidence", "is_high_risk", "urgency", "reason",
	"classifier", "classified_at", "digest_id", "digest_sent_at", "status", "error_reason",
}

var digestColumns = []string{
	"id", "sent_at", "item_count", "urgent_count", "recipient", "fingerprint", "status", "artifact_path",
}

type itemRow struct {
	ID           int64           `db:"id"`
	ExternalID   string          `db:"external_id"`
	SourceKey    string          `db:"source_key"`
	Sender       string          `db:"sender"`
	Subject      string          `db:"subject"`
	Body         string          `db:"body"`
	ResolvedBody sql.NullString  `db:"resolved_body"`
	LinkURL      sql.NullString  `db:"link_url"`
	ReceivedAt   int64           `db:"received_at"`
	IngestedAt   sql.NullInt64   `db:"ingested_at"`
	Intent       sql.NullString  `db:"intent"`
	Confidence   sql.NullFloat64 `db:"confidence"`
	HighRisk     sql.NullBool    `db:"is_high_risk"`
	Urgency      sql.NullString  `db:"urgency"`
	Reason       sql.NullString  `db:"reason"`
	Classifier   sql.NullString  `db:"classifier"`
	ClassifiedAt sql.NullInt64   `db:"classified_at"`
	DigestID     sql.NullInt64   `db:"digest_id"`
	DigestSentAt sql.NullInt64   `db:"digest_sent_at"`
	Status       string          `db:"status"`
	ErrorReason  sql.NullString  `db:"error_reason"`
}

func (r itemRow) toDomain() domain.Item {
	item := domain.Item{
		ID:           r.ID,
		ExternalID:   r.ExternalID,
		SourceKey:    r.SourceKey,
		Sender:       r.Sender,
		Subject:      r.Subject,
		Body:         r.Body,
		ResolvedBody: r.ResolvedBody.String,
		LinkURL:      r.LinkURL.String,
		ReceivedAt:   fromMillis(r.ReceivedAt),
		DigestID:     r.DigestID.Int64,
		Status:       domain.ItemStatus(r.Status),
		ErrorReason:  r.ErrorReason.String,
	}
	if r.IngestedAt.Valid {
		item.IngestedAt = fromMillis(r.IngestedAt.Int64)
	}
	if r.DigestSentAt.Valid {
		sentAt := fromMillis(r.DigestSentAt.Int64)
		item.DigestSentAt = &sentAt
	}
	if r.Intent.Valid && r.Urgency.Valid {
		intent, _ := domain.ParseIntent(r.Intent.String)
		c := &domain.Classification{
			Intent:     intent,
			Confidence: r.Confidence.Float64,
			HighRisk:   r.HighRisk.Bool,
			Urgency:    domain.Urgency(r.Urgency.String),
			Reason:     r.Reason.String,
			Tier:       domain.ClassifierTier(r.Classifier.String),
		}
		if r.ClassifiedAt.Valid {
			c.ClassifiedAt = fromMillis(r.ClassifiedAt.Int64)
		}
		item.Classification = c
	}
	return item
}

type digestRow struct {
	ID           int64          `db:"id"`
	SentAt       int64          `db:"sent_at"`
	ItemCount    int            `db:"item_count"`
	UrgentCount  int            `db:"urgent_count"`
	Recipient    string         `db:"recipient"`
	Fingerprint  string         `db:"fingerprint"`
	Status       string         `db:"status"`
	ArtifactPath sql.NullString `db:"artifact_path"`
}

func (r digestRow) toDomain() domain.Digest {
	return domain.Digest{
		ID:           r.ID,
		SentAt:       fromMillis(r.SentAt),
		ItemCount:    r.ItemCount,
		UrgentCount:  r.UrgentCount,
		Recipient:    r.Recipient,
		Fingerprint:  r.Fingerprint,
		Status:       domain.DigestStatus(r.Status),
		ArtifactPath: r.ArtifactPath.String,
	}
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
