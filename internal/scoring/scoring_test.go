package scoring

import (
	"fmt"
	"math"
	"reflect"
	"strings"
	"testing"

	"github.com/kmorrow/rivalscope/internal/evidence"
)

func testCitations(n, types int) []evidence.Citation {
	all := evidence.SourceTypes
	out := make([]evidence.Citation, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, evidence.Citation{
			EvidenceID: fmt.Sprintf("ev-%d", i),
			URL:        fmt.Sprintf("https://site-%d.example.com/x", i),
			SourceType: all[i%types],
			Excerpt:    "Evidence excerpt comfortably past twenty characters.",
		})
	}
	return out
}

func TestDriverWeightsSumToOne(t *testing.T) {
	sum := 0.0
	for _, d := range Drivers {
		sum += d.Weight
	}
	if math.Abs(sum-1.0) > 1e-9 {
		t.Fatalf("driver weights must sum to 1.0, got %v", sum)
	}
}

func TestComputeDriverScoreUnknownKeyPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("unknown driver key must panic")
		}
	}()
	ComputeDriverScore("market_momentum", NewContext(nil), nil)
}

func TestHeuristicValueShape(t *testing.T) {
	ctx := NewContext(testCitations(4, 2))
	// 0.5 + min(4/10, 0.3) + min(2/5, 0.2) = 0.5 + 0.4 + 0.2 -> clamped paths
	d := ComputeDriverScore(DriverPainIntensity, ctx, nil)
	want := 0.5 + math.Min(0.4, 0.3) + math.Min(0.4, 0.2)
	if math.Abs(d.Value-want) > 1e-12 {
		t.Fatalf("expected %v, got %v", want, d.Value)
	}
}

func TestScoresDeterministicAndBounded(t *testing.T) {
	ctx := NewContext(testCitations(7, 3))
	first := ComputeScores(ctx, nil)
	for i := 0; i < 5; i++ {
		again := ComputeScores(ctx, nil)
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("scores differ across calls:\n%+v\n%+v", first, again)
		}
	}
	if first.Total < 0 || first.Total > 100 {
		t.Fatalf("total out of bounds: %d", first.Total)
	}
	if len(first.Drivers) != len(Drivers) {
		t.Fatalf("expected %d drivers, got %d", len(Drivers), len(first.Drivers))
	}
}

func TestTotalIsWeightedRound(t *testing.T) {
	ctx := NewContext(testCitations(3, 2))
	drivers := ComputeAllDriverScores(ctx, nil)
	sum := 0.0
	for _, d := range drivers {
		sum += d.Weight * d.Value
	}
	if got := ComputeTotalScore(drivers); got != int(math.Round(sum*100)) {
		t.Fatalf("total must be round(sum*100): got %d", got)
	}
}

func TestDriverOrderIsTableOrder(t *testing.T) {
	drivers := ComputeAllDriverScores(NewContext(testCitations(3, 2)), nil)
	for i, d := range drivers {
		if d.Key != Drivers[i].Key {
			t.Fatalf("driver %d out of order: %s", i, d.Key)
		}
	}
}

func TestWhyThisRanksTopThreeStable(t *testing.T) {
	// Equal values everywhere: ties must resolve by table order, so the
	// top three are the highest-weight drivers in declaration order.
	drivers := ComputeAllDriverScores(NewContext(testCitations(3, 2)), nil)
	why := GenerateWhyThisRanks(drivers)
	if len(why) != 3 {
		t.Fatalf("expected 3 bullets, got %d", len(why))
	}
	if !strings.HasPrefix(why[0], "Pain intensity:") {
		t.Fatalf("expected pain_intensity first on tie, got %q", why[0])
	}
	if !strings.HasPrefix(why[1], "Competitive gap signal:") {
		t.Fatalf("expected competitive_gap_signal second, got %q", why[1])
	}
	if !strings.HasSuffix(why[0], "contribution)") {
		t.Fatalf("bullet missing contribution suffix: %q", why[0])
	}
}

type fixedScorer struct{ v float64 }

func (f fixedScorer) Score(def DriverDef, _ Context) (float64, string) {
	return f.v, "fixed"
}

func TestScorerIsSwappable(t *testing.T) {
	s := ComputeScores(NewContext(nil), fixedScorer{v: 1.0})
	if s.Total != 100 {
		t.Fatalf("all-ones scorer must total 100, got %d", s.Total)
	}
	s = ComputeScores(NewContext(nil), fixedScorer{v: 0})
	if s.Total != 0 {
		t.Fatalf("all-zeros scorer must total 0, got %d", s.Total)
	}
}

func TestDriverValueClamped(t *testing.T) {
	s := ComputeScores(NewContext(nil), fixedScorer{v: 3.5})
	for _, d := range s.Drivers {
		if d.Value != 1.0 {
			t.Fatalf("value must clamp to 1, got %v", d.Value)
		}
	}
}
