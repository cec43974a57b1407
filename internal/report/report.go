// Package report renders a run's four artifacts into a human-readable
// readout: markdown first, then HTML, then PDF via headless Chrome.
package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/kmorrow/rivalscope/internal/artifact"
)

// Readout bundles everything one rendered report needs.
type Readout struct {
	ProjectName   string
	Opportunities artifact.OpportunitiesArtifact
	JTBD          artifact.JTBDArtifact
	Scorecard     artifact.ScorecardArtifact
	StrategicBets artifact.StrategicBetsArtifact
}

func BuildMarkdown(r Readout) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Competitive Readout: %s\n\n", sanitize(r.ProjectName))
	fmt.Fprintf(&b, "- Run: %s\n", sanitize(r.Opportunities.Meta.RunID))
	fmt.Fprintf(&b, "- Generated: %s\n", r.Opportunities.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "- Confidence band: %s\n", r.Opportunities.Meta.Signals.ConfidenceBand)
	fmt.Fprintf(&b, "- Pipeline: %s (%s)\n\n", r.Opportunities.PipelineVersion, r.Opportunities.InputVersion)

	sig := r.Opportunities.Meta.Signals
	fmt.Fprintf(&b, "## Quality Signals\n\n")
	fmt.Fprintf(&b, "| Signal | Value |\n|---|---|\n")
	fmt.Fprintf(&b, "| Evidence quality passes | %t |\n", sig.EvidenceQualityPasses)
	fmt.Fprintf(&b, "| Evidence decay factor | %.2f |\n", sig.EvidenceDecayFactor)
	fmt.Fprintf(&b, "| Repairs needed | %d |\n", sig.RepairCount)
	fmt.Fprintf(&b, "| Banned-pattern penalty | %.2f |\n", sig.BannedPatternPenalty)
	if len(sig.ScoreDistributionFlags) > 0 {
		fmt.Fprintf(&b, "| Distribution flags | %s |\n", strings.Join(sig.ScoreDistributionFlags, ", "))
	}
	b.WriteString("\n")

	fmt.Fprintf(&b, "## Opportunities\n\n")
	if len(r.Opportunities.Opportunities) == 0 {
		b.WriteString("No opportunities cleared the evidence gate for this run.\n\n")
	}
	for i, o := range r.Opportunities.Opportunities {
		fmt.Fprintf(&b, "### %d. %s — score %d (%s)\n\n", i+1, sanitize(o.Title), o.Scores.Total, o.Confidence)
		fmt.Fprintf(&b, "**For:** %s\n\n", sanitize(o.ForWhom))
		fmt.Fprintf(&b, "**Gap:** %s\n\n", sanitize(o.CompetitiveGap))
		fmt.Fprintf(&b, "**Job to be done:** %s\n\n", sanitize(o.JobToBeDone.Job))
		if len(o.WhyThisRanks) > 0 {
			b.WriteString("Why this ranks:\n\n")
			for _, w := range o.WhyThisRanks {
				fmt.Fprintf(&b, "- %s\n", sanitize(w))
			}
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "**Recommendation:** %s %s Expected impact: %s\n\n",
			sanitize(o.Recommendation.WhatToDo), sanitize(o.Recommendation.WhyNow), sanitize(o.Recommendation.ExpectedImpact))
		if len(o.Citations) > 0 {
			fmt.Fprintf(&b, "Evidence (%d citations, %d source types):\n\n",
				o.EvidenceSummary.TotalCitations, len(o.EvidenceSummary.EvidenceTypesPresent))
			for _, c := range o.Citations {
				fmt.Fprintf(&b, "- [%s] %s — %s\n", c.SourceType, c.URL, sanitize(c.Excerpt))
			}
			b.WriteString("\n")
		}
	}

	if notes := r.Opportunities.GenerationNotes; notes != nil {
		fmt.Fprintf(&b, "## Generation Notes\n\n")
		if notes.FailedClosed {
			b.WriteString("This run failed closed: no opportunity had sufficient evidence to publish.\n\n")
		}
		for _, reason := range notes.Reasons {
			fmt.Fprintf(&b, "- %s\n", sanitize(reason))
		}
		fmt.Fprintf(&b, "\nEvidence pool: %d items, %d usable, %d distinct types.\n\n",
			notes.EvidenceStats.TotalItems, notes.EvidenceStats.UsableItems, notes.EvidenceStats.DistinctTypes)
	}

	fmt.Fprintf(&b, "## Jobs To Be Done\n\n")
	fmt.Fprintf(&b, "| Job | For whom | Current tools | Score |\n|---|---|---|---|\n")
	for _, j := range r.JTBD.Jobs {
		fmt.Fprintf(&b, "| %s | %s | %s | %d |\n", cell(j.Job), cell(j.ForWhom), cell(j.CurrentTools), j.Score)
	}
	b.WriteString("\n")

	fmt.Fprintf(&b, "## Competitor Scorecard\n\n")
	fmt.Fprintf(&b, "| Competitor | Feature depth | Pricing clarity | Momentum | Customer love | Composite |\n|---|---|---|---|---|---|\n")
	for _, row := range r.Scorecard.Rows {
		fmt.Fprintf(&b, "| %s | %d | %d | %d | %d | %.2f |\n",
			cell(row.Competitor), row.FeatureDepth.Rating, row.PricingClarity.Rating,
			row.Momentum.Rating, row.CustomerLove.Rating, row.Composite)
	}
	b.WriteString("\n")

	fmt.Fprintf(&b, "## Strategic Bets\n\n")
	for _, bet := range r.StrategicBets.Bets {
		fmt.Fprintf(&b, "### %s (%s horizon)\n\n%s\n\n", sanitize(bet.Title), bet.Horizon, sanitize(bet.Thesis))
		if len(bet.Dependencies) > 0 {
			fmt.Fprintf(&b, "Depends on: %s\n\n", sanitize(strings.Join(bet.Dependencies, "; ")))
		}
	}

	return b.String()
}

// sanitize keeps artifact text from breaking markdown structure.
func sanitize(s string) string {
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.TrimSpace(s)
}

// cell additionally escapes pipes for table cells.
func cell(s string) string {
	return strings.ReplaceAll(sanitize(s), "|", "\\|")
}
