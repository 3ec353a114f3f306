package handoff

import (
	"reflect"
	"testing"
)

func f64(v float64) *float64 { return &v }

func evalByType(t *testing.T, evs []TriggerEvaluation, tt TriggerType) TriggerEvaluation {
	t.Helper()
	for _, ev := range evs {
		if ev.Type == tt {
			return ev
		}
	}
	t.Fatalf("no evaluation for trigger type %q", tt)
	return TriggerEvaluation{}
}

func TestDetector_Sentiment(t *testing.T) {
	t.Parallel()

	d := NewDetector(DetectorConfig{SentimentThreshold: -0.5})

	tests := []struct {
		name      string
		sentiment *float64
		want      bool
	}{
		{"nil score never fires", nil, false},
		{"above threshold", f64(-0.2), false},
		{"exactly at threshold fires", f64(-0.5), true},
		{"below threshold fires", f64(-0.9), true},
		{"positive sentiment", f64(0.8), false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			evs := d.Analyze(Context{Sentiment: tc.sentiment})
			ev := evalByType(t, evs, TriggerSentiment)
			if ev.Triggered != tc.want {
				t.Fatalf("triggered = %v, want %v", ev.Triggered, tc.want)
			}
			if !tc.want {
				return
			}
			md, ok := ev.Metadata.(SentimentMetadata)
			if !ok {
				t.Fatalf("metadata type = %T, want SentimentMetadata", ev.Metadata)
			}
			if md.Score != *tc.sentiment {
				t.Errorf("metadata score = %v, want %v", md.Score, *tc.sentiment)
			}
			if md.Threshold != -0.5 {
				t.Errorf("metadata threshold = %v, want -0.5", md.Threshold)
			}
		})
	}
}

func TestDetector_SentimentConfidence(t *testing.T) {
	t.Parallel()

	d := NewDetector(DetectorConfig{})
	evs := d.Analyze(Context{Sentiment: f64(-0.6)})
	ev := evalByType(t, evs, TriggerSentiment)
	if !ev.Triggered {
		t.Fatal("expected sentiment trigger to fire at -0.6")
	}
	if ev.Confidence != 0.6 {
		t.Errorf("confidence = %v, want 0.6 (abs of score)", ev.Confidence)
	}
}

func TestDetector_Turns(t *testing.T) {
	t.Parallel()

	d := NewDetector(DetectorConfig{MaxTurns: 10})

	tests := []struct {
		turns int
		want  bool
	}{
		{0, false},
		{9, false},
		{10, true},
		{25, true},
	}

	for _, tc := range tests {
		evs := d.Analyze(Context{TurnCount: tc.turns})
		ev := evalByType(t, evs, TriggerTurns)
		if ev.Triggered != tc.want {
			t.Errorf("turns=%d: triggered = %v, want %v", tc.turns, ev.Triggered, tc.want)
		}
	}

	// confidence caps at 1.0 no matter how long the conversation runs
	evs := d.Analyze(Context{TurnCount: 100})
	if ev := evalByType(t, evs, TriggerTurns); ev.Confidence != 1.0 {
		t.Errorf("confidence at 100 turns = %v, want 1.0", ev.Confidence)
	}
}

func TestDetector_ExplicitRequest(t *testing.T) {
	t.Parallel()

	d := NewDetector(DetectorConfig{})

	tests := []struct {
		name     string
		messages []string
		want     bool
		phrase   string
	}{
		{"plain ask", []string{"can I talk to a human please"}, true, "talk to a human"},
		{"case insensitive", []string{"I want a REAL PERSON"}, true, "real person"},
		{"split across words", []string{"let me speak to someone now"}, true, "speak to someone"},
		{"no request", []string{"what are your opening hours"}, false, ""},
		{"empty messages", nil, false, ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			evs := d.Analyze(Context{RecentMessages: tc.messages})
			ev := evalByType(t, evs, TriggerExplicitRequest)
			if ev.Triggered != tc.want {
				t.Fatalf("triggered = %v, want %v", ev.Triggered, tc.want)
			}
			if !tc.want {
				return
			}
			if ev.Confidence != 1.0 {
				t.Errorf("confidence = %v, want 1.0", ev.Confidence)
			}
			md, ok := ev.Metadata.(RequestMetadata)
			if !ok {
				t.Fatalf("metadata type = %T, want RequestMetadata", ev.Metadata)
			}
			if md.MatchedPhrase != tc.phrase {
				t.Errorf("matched phrase = %q, want %q", md.MatchedPhrase, tc.phrase)
			}
		})
	}
}

func TestDetector_Keywords(t *testing.T) {
	t.Parallel()

	d := NewDetector(DetectorConfig{})

	evs := d.Analyze(Context{RecentMessages: []string{"I want a refund or I will get a lawyer"}})
	ev := evalByType(t, evs, TriggerKeyword)
	if !ev.Triggered {
		t.Fatal("expected keyword trigger to fire")
	}
	md, ok := ev.Metadata.(KeywordMetadata)
	if !ok {
		t.Fatalf("metadata type = %T, want KeywordMetadata", ev.Metadata)
	}
	if !reflect.DeepEqual(md.Matches, []string{"refund", "lawyer"}) {
		t.Errorf("matches = %v, want [refund lawyer]", md.Matches)
	}
	if ev.Confidence != 0.6 {
		t.Errorf("confidence = %v, want 0.6 (0.3 per match)", ev.Confidence)
	}

	// confidence caps at 1.0
	evs = d.Analyze(Context{RecentMessages: []string{"refund lawsuit lawyer cancel complaint"}})
	if ev := evalByType(t, evs, TriggerKeyword); ev.Confidence != 1.0 {
		t.Errorf("confidence with 5 matches = %v, want 1.0", ev.Confidence)
	}
}

func TestDetector_Frustration(t *testing.T) {
	t.Parallel()

	d := NewDetector(DetectorConfig{})

	// one indicator is not enough
	evs := d.Analyze(Context{RecentMessages: []string{"this is frustrating"}})
	if ev := evalByType(t, evs, TriggerFrustration); ev.Triggered {
		t.Error("single indicator should not fire")
	}

	// two distinct indicators fire
	evs = d.Analyze(Context{RecentMessages: []string{"this is frustrating and the bot is useless"}})
	ev := evalByType(t, evs, TriggerFrustration)
	if !ev.Triggered {
		t.Fatal("expected frustration trigger with two indicators")
	}
	if ev.Confidence != 0.5 {
		t.Errorf("confidence = %v, want 0.5 (0.25 per indicator)", ev.Confidence)
	}
	md, ok := ev.Metadata.(FrustrationMetadata)
	if !ok {
		t.Fatalf("metadata type = %T, want FrustrationMetadata", ev.Metadata)
	}
	if len(md.Matches) != 2 {
		t.Errorf("matches = %v, want 2 indicators", md.Matches)
	}
}

func TestDetector_AnalyzeIsPure(t *testing.T) {
	t.Parallel()

	d := NewDetector(DetectorConfig{})
	c := Context{
		Sentiment:      f64(-0.7),
		TurnCount:      12,
		RecentMessages: []string{"this is ridiculous, let me talk to a human about a refund"},
	}

	first := d.Analyze(c)
	for range 5 {
		got := d.Analyze(c)
		if !reflect.DeepEqual(got, first) {
			t.Fatal("Analyze is not deterministic for identical context")
		}
	}
}

func TestDetector_ShouldEscalate(t *testing.T) {
	t.Parallel()

	d := NewDetector(DetectorConfig{})

	if d.ShouldEscalate(Context{TurnCount: 3, RecentMessages: []string{"thanks, all good"}}) {
		t.Error("calm conversation should not escalate")
	}
	if !d.ShouldEscalate(Context{RecentMessages: []string{"I need a human agent"}}) {
		t.Error("explicit request should escalate")
	}
}

func TestDetector_PrimaryReason(t *testing.T) {
	t.Parallel()

	d := NewDetector(DetectorConfig{})

	// explicit request wins over everything else that also fired
	c := Context{
		Sentiment:      f64(-0.9),
		TurnCount:      20,
		RecentMessages: []string{"this is useless and frustrating, get me a human agent, I want a refund"},
	}
	if got := d.PrimaryReason(c); got != "user explicitly asked for a human" {
		t.Errorf("primary reason = %q, want explicit-request reason", got)
	}

	if got := d.PrimaryReason(Context{TurnCount: 1}); got != "" {
		t.Errorf("primary reason with nothing fired = %q, want empty", got)
	}
}

func TestDetector_PriorityFor(t *testing.T) {
	t.Parallel()

	d := NewDetector(DetectorConfig{})

	tests := []struct {
		name string
		c    Context
		want Priority
	}{
		{
			// explicit request caps at high even with extreme sentiment
			name: "explicit request beats urgent sentiment",
			c:    Context{Sentiment: f64(-0.95), RecentMessages: []string{"talk to a human"}},
			want: PriorityHigh,
		},
		{
			name: "extreme sentiment alone is urgent",
			c:    Context{Sentiment: f64(-0.9)},
			want: PriorityUrgent,
		},
		{
			// abs(-0.6) = 0.6 which is not past the 0.8 urgency bar
			name: "moderate sentiment is medium",
			c:    Context{Sentiment: f64(-0.6)},
			want: PriorityMedium,
		},
		{
			name: "frustration is high",
			c:    Context{RecentMessages: []string{"frustrating and useless"}},
			want: PriorityHigh,
		},
		{
			name: "critical keyword is high",
			c:    Context{RecentMessages: []string{"I will file a lawsuit"}},
			want: PriorityHigh,
		},
		{
			name: "non-critical keyword falls to medium",
			c:    Context{RecentMessages: []string{"this is a scam"}},
			want: PriorityMedium,
		},
		{
			name: "turn limit is medium",
			c:    Context{TurnCount: 15},
			want: PriorityMedium,
		},
		{
			name: "nothing fired defaults to medium",
			c:    Context{TurnCount: 2},
			want: PriorityMedium,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := d.PriorityFor(d.Analyze(tc.c)); got != tc.want {
				t.Errorf("priority = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestNewDetector_ZeroConfigFallsBack(t *testing.T) {
	t.Parallel()

	d := NewDetector(DetectorConfig{})
	def := DefaultDetectorConfig()
	if d.cfg.SentimentThreshold != def.SentimentThreshold {
		t.Errorf("sentiment threshold = %v, want default %v", d.cfg.SentimentThreshold, def.SentimentThreshold)
	}
	if d.cfg.MaxTurns != def.MaxTurns {
		t.Errorf("max turns = %d, want default %d", d.cfg.MaxTurns, def.MaxTurns)
	}
	if len(d.cfg.RequestPhrases) == 0 || len(d.cfg.Keywords) == 0 {
		t.Error("phrase lists should fall back to defaults")
	}
}
