package domain

import "time"

// ItemStatus enumerates the lifecycle of an ingested item.
type ItemStatus string

const (
	StatusPending    ItemStatus = "pending"
	StatusClassified ItemStatus = "classified"
	StatusSent       ItemStatus = "sent"
	StatusError      ItemStatus = "error"
)

// Intent is the classified purpose of a message.
type Intent string

const (
	IntentMaintenance   Intent = "maintenance"
	IntentMoney         Intent = "money"
	IntentMoveIn        Intent = "move-in"
	IntentMoveOut       Intent = "move-out"
	IntentGratitude     Intent = "gratitude"
	IntentInformational Intent = "informational"
	IntentUnknown       Intent = "unknown"
)

// Intents lists the taxonomy in registration order. Rule ties resolve to the earlier entry.
var Intents = []Intent{
	IntentMaintenance,
	IntentMoney,
	IntentMoveIn,
	IntentMoveOut,
	IntentGratitude,
	IntentInformational,
	IntentUnknown,
}

// ParseIntent maps a raw label onto the taxonomy.
func ParseIntent(raw string) (Intent, bool) {
	for _, intent := range Intents {
		if string(intent) == raw {
			return intent, true
		}
	}
	return IntentUnknown, false
}

// Urgency is the digest priority of a classified item.
type Urgency string

const (
	UrgencyHigh   Urgency = "high"
	UrgencyMedium Urgency = "medium"
	UrgencyLow    Urgency = "low"
)

// Rank orders urgencies so that higher values sort first in a digest.
func (u Urgency) Rank() int {
	switch u {
	case UrgencyHigh:
		return 3
	case UrgencyMedium:
		return 2
	case UrgencyLow:
		return 1
	default:
		return 0
	}
}

// ClassifierTier records which tier produced a classification.
type ClassifierTier string

const (
	TierRules    ClassifierTier = "rules"
	TierModel    ClassifierTier = "model"
	TierFallback ClassifierTier = "fallback"
)

// Classification is the result written onto an item by the classification engine.
type Classification struct {
	Intent       Intent
	Confidence   float64
	HighRisk     bool
	Urgency      Urgency
	Reason       string
	Tier         ClassifierTier
	ClassifiedAt time.Time
}

// Item is one ingested message. Items are never deleted.
type Item struct {
	ID           int64
	ExternalID   string
	SourceKey    string
	Sender       string
	Subject      string
	Body         string
	ResolvedBody string
	LinkURL      string
	ReceivedAt   time.Time
	IngestedAt   time.Time

	// Classification is nil until the item has been classified.
	Classification *Classification

	DigestID     int64
	DigestSentAt *time.Time
	Status       ItemStatus
	ErrorReason  string
}

// Text returns the content used for classification: the subject plus the resolved body
// when present, otherwise the raw body.
func (i Item) Text() string {
	body := i.ResolvedBody
	if body == "" {
		body = i.Body
	}
	switch {
	case i.Subject == "":
		return body
	case body == "":
		return i.Subject
	default:
		return i.Subject + "\n" + body
	}
}

// Urgent reports whether the item counts towards a digest's urgent total.
func (i Item) Urgent() bool {
	return i.Classification != nil && i.Classification.Urgency == UrgencyHigh
}

// Message is what a source adapter yields before it becomes an Item.
type Message struct {
	ExternalID   string
	SourceKey    string
	SenderName   string
	Subject      string
	Body         string
	CanonicalURL string
	Timestamp    time.Time
}

// ToItem converts a fetched message into a pending item.
func (m Message) ToItem() Item {
	received := m.Timestamp
	if received.IsZero() {
		received = time.Now()
	}
	return Item{
		ExternalID: m.ExternalID,
		SourceKey:  m.SourceKey,
		Sender:     m.SenderName,
		Subject:    m.Subject,
		Body:       m.Body,
		LinkURL:    m.CanonicalURL,
		ReceivedAt: received.UTC(),
		Status:     StatusPending,
	}
}

// Reading is one secondary data point, e.g. a thermostat.
type Reading struct {
	Name        string
	Current     string
	Target      string
	Mode        string
	LastUpdated string
}
