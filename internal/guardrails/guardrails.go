package guardrails

import (
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/kmorrow/rivalscope/internal/evidence"
)

// Band is the coarse run-level quality label, used only for reporting.
type Band string

const (
	BandLow    Band = "low"
	BandMedium Band = "medium"
	BandHigh   Band = "high"
)

// QualityResult is the outcome of the run-level evidence quality check.
// Unlike the per-opportunity gate, a failing check never blocks the run;
// it is recorded and discounts scores. Per-opportunity insufficiency fails
// closed; whole-run weakness fails open with a discount.
type QualityResult struct {
	Passes      bool                `json:"passes"`
	Confidence  evidence.Confidence `json:"confidence"`
	DecayFactor float64             `json:"decay_factor"`
	Reason      string              `json:"reason,omitempty"`
}

const (
	// Evidence older than freshDays starts decaying; older than staleDays
	// it bottoms out at maxDecay.
	freshDays = 30
	staleDays = 180
	maxDecay  = 0.30
)

// CheckEvidenceQuality runs once per pipeline run against the whole pool.
// DecayFactor is 0 for fresh evidence and grows toward maxDecay as the
// pool's median age approaches staleDays.
func CheckEvidenceQuality(items []evidence.Item, now time.Time) QualityResult {
	if len(items) == 0 {
		return QualityResult{
			Passes:      false,
			Confidence:  evidence.ConfidenceExploratory,
			DecayFactor: maxDecay,
			Reason:      "no evidence items available for this project",
		}
	}

	usable := 0
	ages := make([]float64, 0, len(items))
	for _, it := range items {
		if it.URL != "" && len(it.Excerpt()) >= evidence.MinExcerptChars {
			usable++
		}
		if it.RetrievedAt != "" {
			if ts, err := time.Parse(time.RFC3339, it.RetrievedAt); err == nil {
				ages = append(ages, now.Sub(ts).Hours()/24)
			}
		}
	}

	decay := decayForAges(ages)
	citations := make([]evidence.Citation, 0, len(items))
	for _, it := range items {
		if it.URL == "" || len(it.Excerpt()) < evidence.MinExcerptChars {
			continue
		}
		citations = append(citations, evidence.Citation{
			EvidenceID: it.ID,
			URL:        it.URL,
			SourceType: it.Type,
			Excerpt:    it.Excerpt(),
		})
	}
	conf := evidence.DeriveConfidenceFromEvidence(citations)

	res := QualityResult{Passes: true, Confidence: conf, DecayFactor: decay}
	if usable < evidence.MinCitationsForOpportunity {
		res.Passes = false
		res.Reason = "fewer than three usable evidence items; generation proceeds with discounted scores"
	} else if decay > 0.15 {
		res.Passes = false
		res.Reason = "evidence pool is largely stale; generation proceeds with discounted scores"
	}
	return res
}

func decayForAges(ages []float64) float64 {
	if len(ages) == 0 {
		// Undated evidence is treated as moderately aged rather than fresh.
		return maxDecay / 2
	}
	sum := 0.0
	for _, a := range ages {
		sum += a
	}
	mean := sum / float64(len(ages))
	if mean <= freshDays {
		return 0
	}
	if mean >= staleDays {
		return maxDecay
	}
	return maxDecay * (mean - freshDays) / (staleDays - freshDays)
}

// bannedPatterns match overconfident absolutes that generated narrative
// text must not assert. Each hit contributes to the penalty.
var bannedPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bguaranteed\b`),
	regexp.MustCompile(`(?i)\bwill definitely\b`),
	regexp.MustCompile(`(?i)\bcertain to (?:win|succeed|dominate)\b`),
	regexp.MustCompile(`(?i)\bno competitors?\b`),
	regexp.MustCompile(`(?i)\bproven beyond doubt\b`),
	regexp.MustCompile(`(?i)\b100% (?:certain|sure|of the market)\b`),
	regexp.MustCompile(`(?i)\bimpossible to (?:fail|lose)\b`),
	regexp.MustCompile(`(?i)\beveryone (?:will|wants|needs)\b`),
}

// BannedPatternPenalty scans generated text and returns a penalty in
// [0,1]: 0.15 per distinct pattern matched, capped at 1. The maximum
// penalty observed across a run's artifacts applies run-wide.
func BannedPatternPenalty(text string) float64 {
	if strings.TrimSpace(text) == "" {
		return 0
	}
	hits := 0
	for _, re := range bannedPatterns {
		if re.MatchString(text) {
			hits++
		}
	}
	return math.Min(float64(hits)*0.15, 1.0)
}

// CeilingInputs are the risk signals that cap a raw score. Worse values
// never raise a score.
type CeilingInputs struct {
	EvidenceQualityPasses bool    `json:"evidence_quality_passes"`
	DecayFactor           float64 `json:"decay_factor"`
	RepairCount           int     `json:"repair_count"`
	BannedPatternPenalty  float64 `json:"banned_pattern_penalty"`
}

// ApplyScoreCeiling caps rawScore by the quality signals. Monotonic
// non-increasing in every risk input, output always within [0,100].
func ApplyScoreCeiling(rawScore int, in CeilingInputs) int {
	ceiling := 100.0
	if !in.EvidenceQualityPasses {
		ceiling -= 10
	}
	ceiling -= clamp01(in.DecayFactor) * 20
	repairs := in.RepairCount
	if repairs < 0 {
		repairs = 0
	}
	if repairs > 4 {
		repairs = 4
	}
	ceiling -= float64(repairs) * 5
	ceiling -= clamp01(in.BannedPatternPenalty) * 15

	adjusted := float64(rawScore)
	if adjusted > ceiling {
		adjusted = ceiling
	}
	if adjusted < 0 {
		adjusted = 0
	}
	if adjusted > 100 {
		adjusted = 100
	}
	return int(math.Round(adjusted))
}

// ConfidenceBand derives the coarse run label from the average of the
// opportunity and JTBD scores plus the same ceiling inputs. Reporting
// only; it never gates.
func ConfidenceBand(avgOpportunityScore, avgJTBDScore float64, in CeilingInputs) Band {
	avg := (avgOpportunityScore + avgJTBDScore) / 2
	avg -= clamp01(in.DecayFactor) * 20
	avg -= float64(in.RepairCount) * 5
	avg -= clamp01(in.BannedPatternPenalty) * 15
	if !in.EvidenceQualityPasses {
		avg -= 10
	}
	switch {
	case avg >= 70:
		return BandHigh
	case avg >= 45:
		return BandMedium
	default:
		return BandLow
	}
}

// CheckScoreDistribution flags degenerate score distributions. Flags are
// quality signals, never failures.
func CheckScoreDistribution(totals []int) []string {
	if len(totals) < 2 {
		return nil
	}
	var flags []string
	allSame := true
	atCeiling := 0
	for _, v := range totals {
		if v != totals[0] {
			allSame = false
		}
		if v >= 95 {
			atCeiling++
		}
	}
	if allSame {
		flags = append(flags, "all_scores_identical")
	}
	if atCeiling == len(totals) {
		flags = append(flags, "all_scores_at_ceiling")
	}
	if spread := maxInt(totals) - minInt(totals); !allSame && spread <= 2 {
		flags = append(flags, "scores_tightly_clustered")
	}
	return flags
}

func maxInt(vs []int) int {
	m := vs[0]
	for _, v := range vs[1:] {
		if v > m {
			m = v
		}
	}
	return m
}

func minInt(vs []int) int {
	m := vs[0]
	for _, v := range vs[1:] {
		if v < m {
			m = v
		}
	}
	return m
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
