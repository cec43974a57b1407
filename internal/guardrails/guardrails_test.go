package guardrails

import (
	"fmt"
	"testing"
	"time"

	"github.com/kmorrow/rivalscope/internal/evidence"
)

func freshItems(n int, types int, retrieved string) []evidence.Item {
	all := evidence.SourceTypes
	out := make([]evidence.Item, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, evidence.Item{
			ID:          fmt.Sprintf("ev-%d", i),
			Type:        all[i%types],
			URL:         fmt.Sprintf("https://s%d.example.com/p", i),
			Snippet:     "Snippet text long enough to be usable evidence.",
			RetrievedAt: retrieved,
		})
	}
	return out
}

func TestQualityCheckFreshPoolPasses(t *testing.T) {
	now := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)
	items := freshItems(8, 3, now.Add(-5*24*time.Hour).Format(time.RFC3339))
	res := CheckEvidenceQuality(items, now)
	if !res.Passes {
		t.Fatalf("fresh pool must pass: %+v", res)
	}
	if res.DecayFactor != 0 {
		t.Fatalf("fresh pool must not decay, got %v", res.DecayFactor)
	}
}

func TestQualityCheckEmptyPoolFailsOpen(t *testing.T) {
	res := CheckEvidenceQuality(nil, time.Now())
	if res.Passes {
		t.Fatal("empty pool must not pass")
	}
	if res.Reason == "" {
		t.Fatal("failures must carry a reason")
	}
}

func TestQualityCheckStalePoolDecays(t *testing.T) {
	now := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)
	items := freshItems(6, 3, now.Add(-365*24*time.Hour).Format(time.RFC3339))
	res := CheckEvidenceQuality(items, now)
	if res.Passes {
		t.Fatal("year-old pool must fail the quality check")
	}
	if res.DecayFactor != maxDecay {
		t.Fatalf("expected max decay, got %v", res.DecayFactor)
	}
}

func TestBannedPatternPenalty(t *testing.T) {
	if p := BannedPatternPenalty("The solution addresses a clear pricing gap."); p != 0 {
		t.Fatalf("clean text must score 0, got %v", p)
	}
	p1 := BannedPatternPenalty("Success is guaranteed in this market.")
	if p1 <= 0 {
		t.Fatal("absolute claim must be penalized")
	}
	p2 := BannedPatternPenalty("Success is guaranteed; there are no competitors and everyone will buy.")
	if p2 <= p1 {
		t.Fatalf("more hits must penalize more: %v vs %v", p1, p2)
	}
	if p2 > 1 {
		t.Fatalf("penalty must stay within [0,1], got %v", p2)
	}
}

func TestCeilingMonotonicInRepairs(t *testing.T) {
	base := CeilingInputs{EvidenceQualityPasses: true}
	prev := 101
	for repairs := 0; repairs <= 2; repairs++ {
		in := base
		in.RepairCount = repairs
		got := ApplyScoreCeiling(90, in)
		if got > prev {
			t.Fatalf("repairs=%d raised the score: %d > %d", repairs, got, prev)
		}
		if got < 0 || got > 100 {
			t.Fatalf("score out of bounds: %d", got)
		}
		prev = got
	}
}

func TestCeilingMonotonicInPenalty(t *testing.T) {
	prev := 101
	for _, penalty := range []float64{0, 0.5, 1} {
		got := ApplyScoreCeiling(95, CeilingInputs{EvidenceQualityPasses: true, BannedPatternPenalty: penalty})
		if got > prev {
			t.Fatalf("penalty=%v raised the score: %d > %d", penalty, got, prev)
		}
		prev = got
	}
}

func TestCeilingNeverRaises(t *testing.T) {
	in := CeilingInputs{EvidenceQualityPasses: false, DecayFactor: 1, RepairCount: 10, BannedPatternPenalty: 1}
	if got := ApplyScoreCeiling(40, in); got > 40 {
		t.Fatalf("ceiling must never raise a score, got %d", got)
	}
	if got := ApplyScoreCeiling(100, in); got < 0 || got > 100 {
		t.Fatalf("score out of bounds: %d", got)
	}
}

func TestConfidenceBands(t *testing.T) {
	clean := CeilingInputs{EvidenceQualityPasses: true}
	if got := ConfidenceBand(85, 80, clean); got != BandHigh {
		t.Fatalf("expected high, got %s", got)
	}
	if got := ConfidenceBand(55, 50, clean); got != BandMedium {
		t.Fatalf("expected medium, got %s", got)
	}
	dirty := CeilingInputs{EvidenceQualityPasses: false, DecayFactor: 1, RepairCount: 2, BannedPatternPenalty: 1}
	if got := ConfidenceBand(60, 55, dirty); got != BandLow {
		t.Fatalf("expected low under heavy discounts, got %s", got)
	}
}

func TestScoreDistributionFlags(t *testing.T) {
	if flags := CheckScoreDistribution([]int{70}); flags != nil {
		t.Fatalf("single score has no distribution: %v", flags)
	}
	flags := CheckScoreDistribution([]int{70, 70, 70})
	if len(flags) != 1 || flags[0] != "all_scores_identical" {
		t.Fatalf("expected identical flag, got %v", flags)
	}
	flags = CheckScoreDistribution([]int{97, 98, 99})
	if len(flags) == 0 {
		t.Fatal("ceiling cluster must be flagged")
	}
	if flags := CheckScoreDistribution([]int{40, 90}); len(flags) != 0 {
		t.Fatalf("healthy spread must not be flagged: %v", flags)
	}
}
