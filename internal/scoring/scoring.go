package scoring

import (
	"fmt"
	"math"
	"sort"

	"github.com/kmorrow/rivalscope/internal/evidence"
)

type DriverKey string

const (
	DriverPainIntensity        DriverKey = "pain_intensity"
	DriverWillingnessToPay     DriverKey = "willingness_to_pay_signal"
	DriverCompetitiveGapSignal DriverKey = "competitive_gap_signal"
	DriverTimeToValue          DriverKey = "time_to_value"
	DriverStrategicLeverage    DriverKey = "strategic_leverage"
)

// DriverDef is one weighted component of the total score. The weights
// across Drivers sum to exactly 1.0; that invariant is what keeps the
// 0-100 total meaningful.
type DriverDef struct {
	Key    DriverKey
	Label  string
	Weight float64
}

// Drivers is the fixed driver table in evaluation order. Order matters:
// why-this-ranks extraction breaks ties by position in this list.
var Drivers = []DriverDef{
	{Key: DriverPainIntensity, Label: "Pain intensity", Weight: 0.25},
	{Key: DriverWillingnessToPay, Label: "Willingness-to-pay signal", Weight: 0.20},
	{Key: DriverCompetitiveGapSignal, Label: "Competitive gap signal", Weight: 0.25},
	{Key: DriverTimeToValue, Label: "Time to value", Weight: 0.15},
	{Key: DriverStrategicLeverage, Label: "Strategic leverage", Weight: 0.15},
}

// Driver is a scored driver: the fixed definition plus the computed value,
// its rationale, and the citations the value is traceable to.
type Driver struct {
	Key           DriverKey `json:"key"`
	Label         string    `json:"label"`
	Weight        float64   `json:"weight"`
	Value         float64   `json:"value"`
	Rationale     string    `json:"rationale"`
	CitationsUsed []string  `json:"citations_used"`
}

// Scores is the deterministic aggregate: total is always
// round(sum(weight*value) * 100), never a model-supplied number.
type Scores struct {
	Total   int      `json:"total"`
	Drivers []Driver `json:"drivers"`
}

// Context carries everything a scorer may consult. All fields derive from
// gated evidence; nothing here comes from LLM output.
type Context struct {
	Citations     []evidence.Citation
	CitationCount int
	DistinctTypes int
}

func NewContext(citations []evidence.Citation) Context {
	return Context{
		Citations:     citations,
		CitationCount: len(citations),
		DistinctTypes: evidence.DistinctSourceTypes(citations),
	}
}

// DriverScorer computes one driver's value in [0,1] with a rationale.
// The heuristic implementation below is a deliberate placeholder; a real
// evidence model can replace it without touching gating, validation, or
// the repair machinery.
type DriverScorer interface {
	Score(def DriverDef, ctx Context) (value float64, rationale string)
}

// HeuristicScorer is the reference scorer: a citation-volume and
// type-diversity bonus on a 0.5 base. Its exact shape is preserved for
// reproducibility.
type HeuristicScorer struct{}

func (HeuristicScorer) Score(def DriverDef, ctx Context) (float64, string) {
	value := clamp01(0.5 +
		math.Min(float64(ctx.CitationCount)/10.0, 0.3) +
		math.Min(float64(ctx.DistinctTypes)/5.0, 0.2))
	return value, rationaleFor(def.Key, value, ctx)
}

// ComputeDriverScore scores a single driver by key. An unknown key is a
// programming error, not a runtime condition, and panics.
func ComputeDriverScore(key DriverKey, ctx Context, scorer DriverScorer) Driver {
	for _, def := range Drivers {
		if def.Key == key {
			return scoreDriver(def, ctx, scorer)
		}
	}
	panic(fmt.Sprintf("scoring: unknown driver key %q", key))
}

// ComputeAllDriverScores scores the fixed driver list in table order.
func ComputeAllDriverScores(ctx Context, scorer DriverScorer) []Driver {
	out := make([]Driver, 0, len(Drivers))
	for _, def := range Drivers {
		out = append(out, scoreDriver(def, ctx, scorer))
	}
	return out
}

func scoreDriver(def DriverDef, ctx Context, scorer DriverScorer) Driver {
	if scorer == nil {
		scorer = HeuristicScorer{}
	}
	value, rationale := scorer.Score(def, ctx)
	ids := make([]string, 0, len(ctx.Citations))
	for _, c := range ctx.Citations {
		ids = append(ids, c.EvidenceID)
	}
	return Driver{
		Key:           def.Key,
		Label:         def.Label,
		Weight:        def.Weight,
		Value:         clamp01(value),
		Rationale:     rationale,
		CitationsUsed: ids,
	}
}

// ComputeTotalScore aggregates weighted driver values to 0-100.
func ComputeTotalScore(drivers []Driver) int {
	sum := 0.0
	for _, d := range drivers {
		sum += d.Weight * d.Value
	}
	return int(math.Round(sum * 100))
}

// ComputeScores produces the full deterministic score block for a context.
func ComputeScores(ctx Context, scorer DriverScorer) Scores {
	drivers := ComputeAllDriverScores(ctx, scorer)
	return Scores{Total: ComputeTotalScore(drivers), Drivers: drivers}
}

// GenerateWhyThisRanks explains the score: the top three drivers by
// weighted contribution, ties broken by driver table order via stable
// sort.
func GenerateWhyThisRanks(drivers []Driver) []string {
	ranked := make([]Driver, len(drivers))
	copy(ranked, drivers)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Weight*ranked[i].Value > ranked[j].Weight*ranked[j].Value
	})
	n := 3
	if len(ranked) < n {
		n = len(ranked)
	}
	out := make([]string, 0, n)
	for _, d := range ranked[:n] {
		contribution := int(math.Round(d.Weight * d.Value * 100))
		out = append(out, fmt.Sprintf("%s: %s (%d%% contribution)", d.Label, d.Rationale, contribution))
	}
	return out
}

func rationaleFor(key DriverKey, value float64, ctx Context) string {
	strength := "limited"
	switch {
	case value >= 0.7:
		strength = "strong"
	case value >= 0.4:
		strength = "moderate"
	}
	base := fmt.Sprintf("%s signal from %d citations across %d source types", strength, ctx.CitationCount, ctx.DistinctTypes)
	switch key {
	case DriverPainIntensity:
		return fmt.Sprintf("Customer pain shows a %s", base)
	case DriverWillingnessToPay:
		return fmt.Sprintf("Willingness to pay shows a %s", base)
	case DriverCompetitiveGapSignal:
		return fmt.Sprintf("Competitive gap shows a %s", base)
	case DriverTimeToValue:
		return fmt.Sprintf("Time to value shows a %s", base)
	case DriverStrategicLeverage:
		return fmt.Sprintf("Strategic leverage shows a %s", base)
	default:
		return base
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
