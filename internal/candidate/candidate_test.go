package candidate

import (
	"fmt"
	"strings"
	"testing"

	"github.com/kmorrow/rivalscope/internal/evidence"
)

func pool(n int, types ...evidence.SourceType) []evidence.Item {
	out := make([]evidence.Item, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, evidence.Item{
			ID:      fmt.Sprintf("ev-%d", i),
			Type:    types[i%len(types)],
			URL:     fmt.Sprintf("https://s%d.example.com/p", i),
			Snippet: "Snippet text long enough to be usable evidence.",
		})
	}
	return out
}

func ctx() ProjectContext {
	return ProjectContext{
		Market:         "observability tooling",
		TargetCustomer: "platform engineering teams",
		YourProduct:    "TraceLens",
		BusinessGoal:   "win mid-market expansion deals",
		Geography:      "North America",
	}
}

func TestGenerateFailsClosedOnThinPool(t *testing.T) {
	got := GenerateCandidateOpportunities(pool(2, evidence.SourcePricing), ctx())
	if got != nil {
		t.Fatalf("2 items of 1 type must yield no candidates, got %d", len(got))
	}
}

func TestGenerateFailsClosedOnSingleType(t *testing.T) {
	got := GenerateCandidateOpportunities(pool(6, evidence.SourcePricing), ctx())
	if got != nil {
		t.Fatalf("single-type pool must yield no candidates, got %d", len(got))
	}
}

func TestGenerateSingleCandidateAtBaseBar(t *testing.T) {
	got := GenerateCandidateOpportunities(pool(3, evidence.SourcePricing, evidence.SourceReviews), ctx())
	if len(got) != 1 {
		t.Fatalf("3 citations meets only the base bar, got %d candidates", len(got))
	}
	if got[0].Kind != KindDifferentiation {
		t.Fatalf("expected differentiation wedge first, got %s", got[0].Kind)
	}
}

func TestGenerateSecondCandidateNeedsRicherEvidence(t *testing.T) {
	got := GenerateCandidateOpportunities(pool(5, evidence.SourcePricing, evidence.SourceReviews), ctx())
	if len(got) != 2 {
		t.Fatalf("4+ citations across 2 types earns the adoption wedge, got %d", len(got))
	}
	if got[1].Kind != KindAdoption {
		t.Fatalf("expected adoption wedge second, got %s", got[1].Kind)
	}
}

func TestCandidateNarrativesReferenceEvidenceCounts(t *testing.T) {
	got := GenerateCandidateOpportunities(pool(5, evidence.SourcePricing, evidence.SourceReviews), ctx())
	for _, c := range got {
		want := fmt.Sprintf("%d citations", len(c.Citations))
		if !strings.Contains(c.CompetitiveGap, want) && !strings.Contains(c.JobToBeDone.Context, want) {
			t.Fatalf("candidate %s narrative does not cite its evidence count: %q", c.Kind, c.CompetitiveGap)
		}
		if len(c.Assumptions) == 0 {
			t.Fatalf("candidate %s must state its assumptions", c.Kind)
		}
		if len(c.Recommendation.Risks) == 0 {
			t.Fatalf("candidate %s must state risks", c.Kind)
		}
	}
}

func TestCandidatesCarrySelectedCitations(t *testing.T) {
	got := GenerateCandidateOpportunities(pool(6, evidence.SourcePricing, evidence.SourceReviews, evidence.SourceDocs), ctx())
	if len(got) != 2 {
		t.Fatalf("expected both candidates, got %d", len(got))
	}
	for _, c := range got {
		if len(c.Citations) < evidence.MinCitationsForOpportunity {
			t.Fatalf("candidate %s carries too few citations: %d", c.Kind, len(c.Citations))
		}
	}
}
