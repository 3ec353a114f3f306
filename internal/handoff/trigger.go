package handoff

import (
	"fmt"
	"math"
	"strings"
)

// Context is the detector's view of a conversation at one point in time.
// Sentiment is normalized to -1..1; nil means no score is available.
type Context struct {
	Sentiment      *float64
	TurnCount      int
	RecentMessages []string
}

// TriggerMetadata is the diagnostic payload attached to a fired evaluation.
// Each trigger type carries its own variant.
type TriggerMetadata interface {
	triggerMetadata()
}

// SentimentMetadata records the score that crossed the threshold.
type SentimentMetadata struct {
	Score     float64 `json:"score"`
	Threshold float64 `json:"threshold"`
}

// TurnsMetadata records the turn count that hit the limit.
type TurnsMetadata struct {
	TurnCount int `json:"turn_count"`
	MaxTurns  int `json:"max_turns"`
}

// RequestMetadata records the first matched handoff-request phrase.
type RequestMetadata struct {
	MatchedPhrase string `json:"matched_phrase"`
}

// KeywordMetadata records every matched keyword and phrase.
type KeywordMetadata struct {
	Matches []string `json:"matches"`
}

// FrustrationMetadata records the matched frustration indicators.
type FrustrationMetadata struct {
	Matches []string `json:"matches"`
}

func (SentimentMetadata) triggerMetadata()   {}
func (TurnsMetadata) triggerMetadata()       {}
func (RequestMetadata) triggerMetadata()     {}
func (KeywordMetadata) triggerMetadata()     {}
func (FrustrationMetadata) triggerMetadata() {}

// TriggerEvaluation is the outcome of one detector rule. Reason, Confidence,
// and Metadata are only set when Triggered is true. Evaluations are produced
// fresh on each Analyze call and never persisted.
type TriggerEvaluation struct {
	Type       TriggerType
	Triggered  bool
	Reason     string
	Confidence float64
	Metadata   TriggerMetadata
}

// DetectorConfig holds the tunable thresholds and phrase lists.
type DetectorConfig struct {
	// SentimentThreshold fires the sentiment trigger at or below this value.
	SentimentThreshold float64

	// MaxTurns fires the turn-limit trigger at or above this count.
	MaxTurns int

	// RequestPhrases are explicit asks for a human.
	RequestPhrases []string

	// Keywords and Phrases fire the keyword trigger.
	Keywords []string
	Phrases  []string

	// CriticalKeywords is the subset of Keywords that raises derived priority.
	CriticalKeywords []string

	// FrustrationIndicators fire the frustration trigger when two or more
	// distinct indicators appear.
	FrustrationIndicators []string
}

// DefaultDetectorConfig returns the stock thresholds and phrase lists.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		SentimentThreshold: -0.5,
		MaxTurns:           10,
		RequestPhrases: []string{
			"talk to a human",
			"speak to a human",
			"speak to someone",
			"talk to someone",
			"real person",
			"real agent",
			"human agent",
			"live agent",
			"speak to a representative",
		},
		Keywords: []string{
			"refund", "lawsuit", "lawyer", "attorney", "cancel",
			"complaint", "unacceptable", "scam", "fraud",
		},
		Phrases: []string{
			"this is unacceptable",
			"file a complaint",
			"cancel my account",
			"want my money back",
		},
		CriticalKeywords: []string{
			"lawsuit", "lawyer", "attorney", "refund", "cancel",
		},
		FrustrationIndicators: []string{
			"frustrated", "frustrating", "ridiculous", "useless",
			"fed up", "waste of time", "not helping", "doesn't work",
			"angry", "terrible",
		},
	}
}

// Detector evaluates escalation triggers over conversation context. It is
// pure: Analyze has no side effects and is safe to call concurrently.
type Detector struct {
	cfg DetectorConfig
}

// NewDetector creates a detector. Zero-value threshold fields fall back to
// the defaults so partial configs stay usable.
func NewDetector(cfg DetectorConfig) *Detector {
	def := DefaultDetectorConfig()
	if cfg.SentimentThreshold == 0 {
		cfg.SentimentThreshold = def.SentimentThreshold
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = def.MaxTurns
	}
	if len(cfg.RequestPhrases) == 0 {
		cfg.RequestPhrases = def.RequestPhrases
	}
	if len(cfg.Keywords) == 0 {
		cfg.Keywords = def.Keywords
	}
	if len(cfg.Phrases) == 0 {
		cfg.Phrases = def.Phrases
	}
	if len(cfg.CriticalKeywords) == 0 {
		cfg.CriticalKeywords = def.CriticalKeywords
	}
	if len(cfg.FrustrationIndicators) == 0 {
		cfg.FrustrationIndicators = def.FrustrationIndicators
	}
	return &Detector{cfg: cfg}
}

// Analyze runs every trigger rule independently and returns all evaluations,
// fired or not, in a fixed order.
func (d *Detector) Analyze(c Context) []TriggerEvaluation {
	text := strings.ToLower(strings.Join(c.RecentMessages, " "))

	return []TriggerEvaluation{
		d.evalSentiment(c),
		d.evalTurns(c),
		d.evalRequest(text),
		d.evalKeywords(text),
		d.evalFrustration(text),
	}
}

// ShouldEscalate reports whether any trigger fired for the context.
func (d *Detector) ShouldEscalate(c Context) bool {
	for _, ev := range d.Analyze(c) {
		if ev.Triggered {
			return true
		}
	}
	return false
}

// primaryOrder is the fixed precedence for picking the headline reason.
var primaryOrder = []TriggerType{
	TriggerExplicitRequest,
	TriggerSentiment,
	TriggerFrustration,
	TriggerKeyword,
	TriggerTurns,
}

// PrimaryReason returns the reason of the highest-precedence fired trigger,
// or "" when nothing fired.
func (d *Detector) PrimaryReason(c Context) string {
	evs := d.Analyze(c)
	return primaryReason(evs)
}

func primaryReason(evs []TriggerEvaluation) string {
	byType := make(map[TriggerType]TriggerEvaluation, len(evs))
	for _, ev := range evs {
		byType[ev.Type] = ev
	}
	for _, t := range primaryOrder {
		if ev, ok := byType[t]; ok && ev.Triggered {
			return ev.Reason
		}
	}
	return ""
}

// PriorityFor derives the escalation priority from a set of evaluations.
// Rules are checked in a fixed order and the first match wins: an explicit
// request lands at high even when sentiment is extreme enough for urgent.
func (d *Detector) PriorityFor(evs []TriggerEvaluation) Priority {
	byType := make(map[TriggerType]TriggerEvaluation, len(evs))
	for _, ev := range evs {
		if ev.Triggered {
			byType[ev.Type] = ev
		}
	}

	if _, ok := byType[TriggerExplicitRequest]; ok {
		return PriorityHigh
	}
	if ev, ok := byType[TriggerSentiment]; ok && ev.Confidence > 0.8 {
		return PriorityUrgent
	}
	if _, ok := byType[TriggerFrustration]; ok {
		return PriorityHigh
	}
	if ev, ok := byType[TriggerKeyword]; ok {
		if md, ok := ev.Metadata.(KeywordMetadata); ok && d.hasCritical(md.Matches) {
			return PriorityHigh
		}
	}
	if _, ok := byType[TriggerTurns]; ok {
		return PriorityMedium
	}
	return PriorityMedium
}

func (d *Detector) hasCritical(matches []string) bool {
	for _, m := range matches {
		for _, crit := range d.cfg.CriticalKeywords {
			if m == crit {
				return true
			}
		}
	}
	return false
}

func (d *Detector) evalSentiment(c Context) TriggerEvaluation {
	ev := TriggerEvaluation{Type: TriggerSentiment}
	if c.Sentiment == nil || *c.Sentiment > d.cfg.SentimentThreshold {
		return ev
	}
	score := *c.Sentiment
	ev.Triggered = true
	ev.Reason = fmt.Sprintf("sentiment %.2f at or below threshold %.2f", score, d.cfg.SentimentThreshold)
	ev.Confidence = math.Abs(score)
	ev.Metadata = SentimentMetadata{Score: score, Threshold: d.cfg.SentimentThreshold}
	return ev
}

func (d *Detector) evalTurns(c Context) TriggerEvaluation {
	ev := TriggerEvaluation{Type: TriggerTurns}
	if c.TurnCount < d.cfg.MaxTurns {
		return ev
	}
	ev.Triggered = true
	ev.Reason = fmt.Sprintf("conversation reached %d turns (limit %d)", c.TurnCount, d.cfg.MaxTurns)
	ev.Confidence = min(1.0, float64(c.TurnCount)/float64(d.cfg.MaxTurns*2))
	ev.Metadata = TurnsMetadata{TurnCount: c.TurnCount, MaxTurns: d.cfg.MaxTurns}
	return ev
}

func (d *Detector) evalRequest(text string) TriggerEvaluation {
	ev := TriggerEvaluation{Type: TriggerExplicitRequest}
	if text == "" {
		return ev
	}
	// first match wins
	for _, phrase := range d.cfg.RequestPhrases {
		if strings.Contains(text, phrase) {
			ev.Triggered = true
			ev.Reason = "user explicitly asked for a human"
			ev.Confidence = 1.0
			ev.Metadata = RequestMetadata{MatchedPhrase: phrase}
			return ev
		}
	}
	return ev
}

func (d *Detector) evalKeywords(text string) TriggerEvaluation {
	ev := TriggerEvaluation{Type: TriggerKeyword}
	if text == "" {
		return ev
	}
	var matches []string
	for _, kw := range d.cfg.Keywords {
		if strings.Contains(text, kw) {
			matches = append(matches, kw)
		}
	}
	for _, ph := range d.cfg.Phrases {
		if strings.Contains(text, ph) {
			matches = append(matches, ph)
		}
	}
	if len(matches) == 0 {
		return ev
	}
	ev.Triggered = true
	ev.Reason = fmt.Sprintf("matched escalation keywords: %s", strings.Join(matches, ", "))
	ev.Confidence = min(1.0, 0.3*float64(len(matches)))
	ev.Metadata = KeywordMetadata{Matches: matches}
	return ev
}

func (d *Detector) evalFrustration(text string) TriggerEvaluation {
	ev := TriggerEvaluation{Type: TriggerFrustration}
	if text == "" {
		return ev
	}
	var matches []string
	for _, ind := range d.cfg.FrustrationIndicators {
		if strings.Contains(text, ind) {
			matches = append(matches, ind)
		}
	}
	// a single indicator is too noisy to hand off on
	if len(matches) < 2 {
		return ev
	}
	ev.Triggered = true
	ev.Reason = fmt.Sprintf("detected %d frustration signals", len(matches))
	ev.Confidence = min(1.0, 0.25*float64(len(matches)))
	ev.Metadata = FrustrationMetadata{Matches: matches}
	return ev
}
