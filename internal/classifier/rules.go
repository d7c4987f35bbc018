package classifier

import (
	"fmt"
	"regexp"
	"strings"

	"InboxDigest/internal/domain"
)

const (
	highRiskConfidence = 0.95
	noMatchConfidence  = 0.3
	ruleBaseConfidence = 0.5
	ruleHitConfidence  = 0.1
	ruleMaxConfidence  = 0.85

	// AuthoritativeConfidence is the rule confidence at which the model is not consulted.
	AuthoritativeConfidence = 0.7

	// HighRiskDefaultIntent is used when high-risk text matches no intent keyword.
	HighRiskDefaultIntent = domain.IntentMaintenance
)

var highRiskVocabulary = []string{
	// legal threats
	"lawsuit", "lawyer", "attorney", "legal action", "sue", "suing", "small claims", "court",
	"code violation", "housing authority",
	// emergencies
	"emergency", "fire", "smoke", "flood", "flooding", "gas leak", "smell gas", "carbon monoxide",
	"burst pipe", "no heat", "sewage",
	// safety hazards
	"mold", "exposed wire", "exposed wires", "sparking", "electrical hazard", "unsafe",
	"injury", "injured", "break-in", "broken lock", "asbestos",
}

type intentRule struct {
	intent   domain.Intent
	keywords []string
}

// intentRules is evaluated in taxonomy order; the first registered intent wins ties.
var intentRules = []intentRule{
	{intent: domain.IntentMaintenance, keywords: []string{
		"leak", "leaking", "broken", "repair", "fix", "not working", "clogged", "toilet",
		"sink", "faucet", "heater", "heating", "ac", "air conditioning", "dishwasher",
		"washer", "dryer", "appliance", "kitchen", "bathroom", "pest", "maintenance",
	}},
	{intent: domain.IntentMoney, keywords: []string{
		"rent", "payment", "pay", "paid", "invoice", "late fee", "fee", "deposit", "refund",
		"balance", "charge", "bill", "owe",
	}},
	{intent: domain.IntentMoveIn, keywords: []string{
		"move in", "move-in", "moving in", "keys", "lease signing", "new lease", "welcome",
		"application", "showing",
	}},
	{intent: domain.IntentMoveOut, keywords: []string{
		"move out", "move-out", "moving out", "notice to vacate", "vacate", "terminate lease",
		"end of lease", "forwarding address", "walkthrough",
	}},
	{intent: domain.IntentGratitude, keywords: []string{
		"thank", "thanks", "thank you", "appreciate", "appreciated", "grateful", "your help",
		"great job", "kudos",
	}},
	{intent: domain.IntentInformational, keywords: []string{
		"fyi", "reminder", "notice", "update", "newsletter", "schedule", "announcement",
		"heads up", "just letting you know",
	}},
}

type keywordMatcher struct {
	keyword string
	re      *regexp.Regexp
}

func compileKeywords(words []string) []keywordMatcher {
	out := make([]keywordMatcher, 0, len(words))
	for _, w := range words {
		out = append(out, keywordMatcher{
			keyword: w,
			re:      regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(w) + `\b`),
		})
	}
	return out
}

// RuleSet is the deterministic first tier. It makes no external calls.
type RuleSet struct {
	highRisk []keywordMatcher
	intents  []compiledIntent
}

type compiledIntent struct {
	intent   domain.Intent
	matchers []keywordMatcher
}

// RuleResult is a tier-one outcome.
type RuleResult struct {
	Intent     domain.Intent
	Confidence float64
	HighRisk   bool
	Hits       []string
	RiskHits   []string
}

// Authoritative reports whether the model tier can be skipped.
func (r RuleResult) Authoritative() bool {
	if r.HighRisk {
		return true
	}
	return r.Intent != domain.IntentUnknown && r.Confidence >= AuthoritativeConfidence
}

// Reason renders a short explanation for the classification record.
func (r RuleResult) Reason() string {
	switch {
	case r.HighRisk:
		return fmt.Sprintf("high-risk keywords: %s", strings.Join(r.RiskHits, ", "))
	case len(r.Hits) == 0:
		return "no keyword matches"
	default:
		return fmt.Sprintf("keywords: %s", strings.Join(r.Hits, ", "))
	}
}

// NewRuleSet compiles the built-in vocabulary.
func NewRuleSet() *RuleSet {
	rs := &RuleSet{highRisk: compileKeywords(highRiskVocabulary)}
	for _, rule := range intentRules {
		rs.intents = append(rs.intents, compiledIntent{intent: rule.intent, matchers: compileKeywords(rule.keywords)})
	}
	return rs
}

// Evaluate runs the high-risk scan and the intent keyword match.
func (rs *RuleSet) Evaluate(text string) RuleResult {
	intent, hits := rs.matchIntent(text)

	confidence := noMatchConfidence
	if len(hits) > 0 {
		confidence = ruleBaseConfidence + ruleHitConfidence*float64(len(hits))
		if confidence > ruleMaxConfidence {
			confidence = ruleMaxConfidence
		}
	}
	result := RuleResult{Intent: intent, Confidence: confidence, Hits: hits}

	if risk := matchAll(rs.highRisk, text); len(risk) > 0 {
		result.HighRisk = true
		result.RiskHits = risk
		result.Confidence = highRiskConfidence
		if result.Intent == domain.IntentUnknown {
			result.Intent = HighRiskDefaultIntent
		}
	}
	return result
}

func (rs *RuleSet) matchIntent(text string) (domain.Intent, []string) {
	best := domain.IntentUnknown
	var bestHits []string
	for _, ci := range rs.intents {
		hits := matchAll(ci.matchers, text)
		if len(hits) > len(bestHits) {
			best = ci.intent
			bestHits = hits
		}
	}
	return best, bestHits
}

func matchAll(matchers []keywordMatcher, text string) []string {
	var hits []string
	for _, m := range matchers {
		if m.re.MatchString(text) {
			hits = append(hits, m.keyword)
		}
	}
	return hits
}
