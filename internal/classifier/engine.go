// Package classifier assigns intent and urgency to ingested items. Cheap keyword rules run
// first; the language model only sees text the rules could not settle.
package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"InboxDigest/internal/domain"
	"InboxDigest/internal/ports"
	"InboxDigest/internal/resilience"
)

// TaxonomyPrompt is the fixed system prompt sent with every model request.
const TaxonomyPrompt = `You classify messages sent to a residential property manager.
Choose exactly one intent from: maintenance, money, move-in, move-out, gratitude, informational, unknown.
Reply with a single JSON object and nothing else:
{"intent": "<intent>", "confidence": <number between 0 and 1>, "reason": "<one short sentence>"}`

const parseFailureReason = "parse failure"

// Engine is the two-tier classifier.
type Engine struct {
	rules  *RuleSet
	model  ports.CompletionClient
	retry  resilience.RetryPolicy
	logger *slog.Logger
	now    func() time.Time
}

// Option customises an Engine.
type Option func(*Engine)

// WithModel enables the second tier.
func WithModel(client ports.CompletionClient) Option {
	return func(e *Engine) { e.model = client }
}

// WithRetryPolicy overrides how model calls are retried.
func WithRetryPolicy(p resilience.RetryPolicy) Option {
	return func(e *Engine) { e.retry = p }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// NewEngine builds an engine with the built-in rules. Without WithModel every result is
// rules-only.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		rules:  NewRuleSet(),
		retry:  resilience.DefaultRetryPolicy,
		logger: slog.New(slog.DiscardHandler),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.retry.Retryable == nil {
		e.retry.Retryable = domain.Retryable
	}
	if e.retry.Logger == nil {
		e.retry.Logger = e.logger.With("op", "model")
	}
	return e
}

// Classify returns a classification for non-empty text. It only fails when ctx is done;
// model failures degrade to the rules result.
func (e *Engine) Classify(ctx context.Context, text string) (domain.Classification, error) {
	if strings.TrimSpace(text) == "" {
		return domain.Classification{}, fmt.Errorf("classify: empty text")
	}

	rule := e.rules.Evaluate(text)
	if rule.Authoritative() || e.model == nil {
		return e.finish(rule.Intent, rule.Confidence, rule.HighRisk, rule.Reason(), domain.TierRules), nil
	}

	raw, err := resilience.Retry(ctx, e.retry, func(ctx context.Context) (string, error) {
		return e.model.Complete(ctx, TaxonomyPrompt, text)
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return domain.Classification{}, ctxErr
		}
		e.logger.Warn("model unavailable, using rules", "error", err)
		return e.finish(rule.Intent, rule.Confidence, rule.HighRisk, "fallback: "+rule.Reason(), domain.TierFallback), nil
	}

	verdict := ParseModelReply(raw)
	return e.finish(verdict.Intent, verdict.Confidence, false, verdict.Reason, domain.TierModel), nil
}

func (e *Engine) finish(intent domain.Intent, confidence float64, highRisk bool, reason string, tier domain.ClassifierTier) domain.Classification {
	return domain.Classification{
		Intent:       intent,
		Confidence:   confidence,
		HighRisk:     highRisk,
		Urgency:      DeriveUrgency(intent, confidence, highRisk),
		Reason:       reason,
		Tier:         tier,
		ClassifiedAt: e.now().UTC(),
	}
}

// DeriveUrgency applies the urgency ladder; the first matching rung wins.
func DeriveUrgency(intent domain.Intent, confidence float64, highRisk bool) domain.Urgency {
	switch {
	case highRisk:
		return domain.UrgencyHigh
	case intent == domain.IntentMaintenance:
		return domain.UrgencyHigh
	case intent == domain.IntentMoney:
		return domain.UrgencyMedium
	case confidence < AuthoritativeConfidence:
		return domain.UrgencyMedium
	case intent == domain.IntentGratitude:
		return domain.UrgencyLow
	default:
		return domain.UrgencyMedium
	}
}

// ModelVerdict is a parsed tier-two reply.
type ModelVerdict struct {
	Intent     domain.Intent
	Confidence float64
	Reason     string
}

type modelReply struct {
	Intent     *string  `json:"intent"`
	Confidence *float64 `json:"confidence"`
	Reason     string   `json:"reason"`
}

// ParseModelReply decodes the strict JSON reply. Anything malformed, incomplete or outside the
// taxonomy becomes {unknown, 0.3, "parse failure"}.
func ParseModelReply(raw string) ModelVerdict {
	failure := ModelVerdict{Intent: domain.IntentUnknown, Confidence: noMatchConfidence, Reason: parseFailureReason}

	var reply modelReply
	if err := json.Unmarshal([]byte(stripFences(raw)), &reply); err != nil {
		return failure
	}
	if reply.Intent == nil || reply.Confidence == nil {
		return failure
	}
	intent, ok := domain.ParseIntent(strings.ToLower(strings.TrimSpace(*reply.Intent)))
	if !ok {
		return failure
	}
	confidence := *reply.Confidence
	if confidence < 0 || confidence > 1 {
		return failure
	}
	return ModelVerdict{Intent: intent, Confidence: confidence, Reason: strings.TrimSpace(reply.Reason)}
}

// stripFences tolerates replies wrapped in a markdown code block.
func stripFences(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
