package runner

import (
	"context"
	"fmt"
	"strings"

	"github.com/kmorrow/rivalscope/internal/evidence"
)

// StageRunner generates the four artifact stages. Stages run strictly
// in sequence: the scorecard sees the jobs, opportunities see both, and
// strategic bets see the opportunities.
type StageRunner interface {
	RunJTBD(ctx context.Context, rc *RunContext) (JTBDStageOutput, StageAttemptMetrics, error)
	RunScorecard(ctx context.Context, rc *RunContext, jobs JTBDStageOutput) (ScorecardStageOutput, StageAttemptMetrics, error)
	RunOpportunities(ctx context.Context, rc *RunContext, jobs JTBDStageOutput, card ScorecardStageOutput) (OpportunitiesStageOutput, StageAttemptMetrics, error)
	RunStrategicBets(ctx context.Context, rc *RunContext, opps OpportunitiesStageOutput) (StrategicBetsStageOutput, StageAttemptMetrics, error)
}

type LLMStageRunner struct {
	exec *StageExecutor
}

func NewLLMStageRunner(exec *StageExecutor) *LLMStageRunner {
	return &LLMStageRunner{exec: exec}
}

const jtbdSchemaPrompt = `Required JSON schema:
{
  "jobs": [
    {
      "job": "string",
      "context": "string",
      "constraints": ["string"],
      "for_whom": "string",
      "current_tools": "string"
    }
  ]
}
Between 1 and 8 jobs. Do not include scores; scoring is computed separately.`

const scorecardSchemaPrompt = `Required JSON schema:
{
  "rows": [
    {
      "competitor": "string",
      "feature_depth": {"rating": 1-5, "reasoning": "string"},
      "pricing_clarity": {"rating": 1-5, "reasoning": "string"},
      "momentum": {"rating": 1-5, "reasoning": "string"},
      "customer_love": {"rating": 1-5, "reasoning": "string"}
    }
  ]
}
One row per competitor. Every rating is an integer 1-5 with a 1-2 sentence reasoning.`

const opportunitiesSchemaPrompt = `Required JSON schema:
{
  "opportunities": [
    {
      "title": "string",
      "job_to_be_done": {"job": "string", "context": "string", "constraints": ["string"], "for_whom": "string", "current_tools": "string"},
      "for_whom": "string",
      "competitive_gap": "string",
      "recommendation": {"what_to_do": "string", "why_now": "string", "expected_impact": "string", "risks": ["string"]},
      "citation_evidence_ids": ["string"],
      "assumptions": ["string"]
    }
  ]
}
Between 0 and 5 opportunities. citation_evidence_ids must reference the
evidence item ids provided verbatim; never invent ids. Every claim must
trace to cited evidence. Do not include scores.`

const strategicBetsSchemaPrompt = `Required JSON schema:
{
  "bets": [
    {
      "title": "string",
      "thesis": "string",
      "horizon": "near|mid|long",
      "dependencies": ["string"],
      "linked_opportunity_titles": ["string"]
    }
  ]
}
Between 1 and 5 bets. linked_opportunity_titles must repeat opportunity
titles exactly as given, or be empty.`

func (r *LLMStageRunner) RunJTBD(ctx context.Context, rc *RunContext) (JTBDStageOutput, StageAttemptMetrics, error) {
	var out JTBDStageOutput
	prompt := fmt.Sprintf(`Identify the jobs-to-be-done that the target customer hires products in this market to do.

%s

%s

Ground every job in the evidence excerpts. Name the current tools a
customer uses for each job and the constraints they operate under.

%s`, projectSection(rc), evidenceSection(rc), jtbdSchemaPrompt)

	m, err := r.exec.Run(ctx, StateJTBD, prompt, jtbdSchemaPrompt, &out, func() error {
		return validateJTBD(out)
	})
	return out, m, err
}

func (r *LLMStageRunner) RunScorecard(ctx context.Context, rc *RunContext, jobs JTBDStageOutput) (ScorecardStageOutput, StageAttemptMetrics, error) {
	var out ScorecardStageOutput
	prompt := fmt.Sprintf(`Rate each competitor on feature depth, pricing clarity, momentum, and
customer love, strictly from the evidence and snapshots below.

%s

Competitors: %s

%s

Jobs-to-be-done identified for this market:
%s

%s`, projectSection(rc), strings.Join(rc.Competitors, ", "), snapshotSection(rc), jobsDigest(jobs), scorecardSchemaPrompt)

	m, err := r.exec.Run(ctx, StateScorecard, prompt, scorecardSchemaPrompt, &out, func() error {
		return validateScorecard(out, rc.Competitors)
	})
	return out, m, err
}

func (r *LLMStageRunner) RunOpportunities(ctx context.Context, rc *RunContext, jobs JTBDStageOutput, card ScorecardStageOutput) (OpportunitiesStageOutput, StageAttemptMetrics, error) {
	var out OpportunitiesStageOutput
	prompt := fmt.Sprintf(`Propose competitive opportunities for this product, each anchored on a
job-to-be-done and a gap visible in the competitor ratings.

%s

%s

Jobs-to-be-done:
%s

Competitor ratings digest:
%s

Cite evidence by id for every opportunity. An opportunity without at
least %d citations across %d source types will be rejected, so prefer
fewer, better-evidenced opportunities.

%s`, projectSection(rc), evidenceSection(rc), jobsDigest(jobs), scorecardDigest(card),
		evidence.MinCitationsForOpportunity, evidence.MinSourceTypesForOpportunity, opportunitiesSchemaPrompt)

	m, err := r.exec.Run(ctx, StateOpportunities, prompt, opportunitiesSchemaPrompt, &out, func() error {
		return validateOpportunities(out, rc.EvidencePool)
	})
	return out, m, err
}

func (r *LLMStageRunner) RunStrategicBets(ctx context.Context, rc *RunContext, opps OpportunitiesStageOutput) (StrategicBetsStageOutput, StageAttemptMetrics, error) {
	var out StrategicBetsStageOutput
	titles := make([]string, 0, len(opps.Opportunities))
	for _, o := range opps.Opportunities {
		titles = append(titles, o.Title)
	}
	prompt := fmt.Sprintf(`Derive strategic bets from the opportunities below: larger directional
moves this product should make over near, mid, and long horizons.

%s

Opportunity titles: %s

%s`, projectSection(rc), strings.Join(titles, "; "), strategicBetsSchemaPrompt)

	m, err := r.exec.Run(ctx, StateStrategicBets, prompt, strategicBetsSchemaPrompt, &out, func() error {
		return validateStrategicBets(out, titles)
	})
	return out, m, err
}

func projectSection(rc *RunContext) string {
	return fmt.Sprintf(`Project context:
- market: %s
- target customer: %s
- your product: %s
- business goal: %s
- geography: %s`,
		rc.Project.Market, rc.Project.TargetCustomer, rc.Project.YourProduct, rc.Project.BusinessGoal, rc.Project.Geography)
}

func evidenceSection(rc *RunContext) string {
	var sb strings.Builder
	sb.WriteString("Evidence items (id | type | excerpt):\n")
	for _, it := range rc.EvidencePool {
		excerpt := it.Excerpt()
		if len(excerpt) > 300 {
			excerpt = excerpt[:300]
		}
		fmt.Fprintf(&sb, "- %s | %s | %s\n", it.ID, it.Type, excerpt)
	}
	return sb.String()
}

func snapshotSection(rc *RunContext) string {
	var sb strings.Builder
	sb.WriteString("Competitor snapshots:\n")
	for _, s := range rc.Snapshots {
		fmt.Fprintf(&sb, "- %s: %s\n", s.Competitor, s.Summary)
	}
	return sb.String()
}

func jobsDigest(jobs JTBDStageOutput) string {
	var sb strings.Builder
	for _, j := range jobs.Jobs {
		fmt.Fprintf(&sb, "- %s (for %s; today: %s)\n", j.Job, j.ForWhom, j.CurrentTools)
	}
	return sb.String()
}

func scorecardDigest(card ScorecardStageOutput) string {
	var sb strings.Builder
	for _, row := range card.Rows {
		fmt.Fprintf(&sb, "- %s: feature_depth=%d pricing_clarity=%d momentum=%d customer_love=%d\n",
			row.Competitor, row.FeatureDepth.Rating, row.PricingClarity.Rating, row.Momentum.Rating, row.CustomerLove.Rating)
	}
	return sb.String()
}

func validateJTBD(out JTBDStageOutput) error {
	if len(out.Jobs) < 1 || len(out.Jobs) > 8 {
		return fmt.Errorf("jobs must contain between 1 and 8 entries, got %d", len(out.Jobs))
	}
	for i, j := range out.Jobs {
		if strings.TrimSpace(j.Job) == "" {
			return fmt.Errorf("jobs[%d].job is empty", i)
		}
		if strings.TrimSpace(j.ForWhom) == "" {
			return fmt.Errorf("jobs[%d].for_whom is empty", i)
		}
		if strings.TrimSpace(j.CurrentTools) == "" {
			return fmt.Errorf("jobs[%d].current_tools is empty", i)
		}
	}
	return nil
}

func validateScorecard(out ScorecardStageOutput, competitors []string) error {
	if len(out.Rows) == 0 {
		return fmt.Errorf("rows is empty")
	}
	known := map[string]bool{}
	for _, c := range competitors {
		known[strings.ToLower(c)] = true
	}
	for i, row := range out.Rows {
		if strings.TrimSpace(row.Competitor) == "" {
			return fmt.Errorf("rows[%d].competitor is empty", i)
		}
		if len(known) > 0 && !known[strings.ToLower(row.Competitor)] {
			return fmt.Errorf("rows[%d].competitor %q is not one of the provided competitors", i, row.Competitor)
		}
		for _, r := range []struct {
			name   string
			rating ScorecardStageRating
		}{
			{"feature_depth", row.FeatureDepth},
			{"pricing_clarity", row.PricingClarity},
			{"momentum", row.Momentum},
			{"customer_love", row.CustomerLove},
		} {
			if r.rating.Rating < 1 || r.rating.Rating > 5 {
				return fmt.Errorf("rows[%d].%s.rating %d out of range 1-5", i, r.name, r.rating.Rating)
			}
			if strings.TrimSpace(r.rating.Reasoning) == "" {
				return fmt.Errorf("rows[%d].%s.reasoning is empty", i, r.name)
			}
		}
	}
	return nil
}

// validateOpportunities checks shape and id referential integrity only.
// Evidence sufficiency is not a validation failure: the gate drops
// under-evidenced opportunities individually during assembly.
func validateOpportunities(out OpportunitiesStageOutput, pool []evidence.Item) error {
	if len(out.Opportunities) > 5 {
		return fmt.Errorf("opportunities must contain at most 5 entries, got %d", len(out.Opportunities))
	}
	known := map[string]bool{}
	for _, it := range pool {
		known[it.ID] = true
	}
	for i, o := range out.Opportunities {
		if strings.TrimSpace(o.Title) == "" {
			return fmt.Errorf("opportunities[%d].title is empty", i)
		}
		if strings.TrimSpace(o.CompetitiveGap) == "" {
			return fmt.Errorf("opportunities[%d].competitive_gap is empty", i)
		}
		if strings.TrimSpace(o.JobToBeDone.Job) == "" {
			return fmt.Errorf("opportunities[%d].job_to_be_done.job is empty", i)
		}
		if strings.TrimSpace(o.Recommendation.WhatToDo) == "" {
			return fmt.Errorf("opportunities[%d].recommendation.what_to_do is empty", i)
		}
		for _, id := range o.CitationEvidenceIDs {
			if !known[id] {
				return fmt.Errorf("opportunities[%d] cites unknown evidence id %q", i, id)
			}
		}
	}
	return nil
}

func validateStrategicBets(out StrategicBetsStageOutput, titles []string) error {
	if len(out.Bets) < 1 || len(out.Bets) > 5 {
		return fmt.Errorf("bets must contain between 1 and 5 entries, got %d", len(out.Bets))
	}
	known := map[string]bool{}
	for _, t := range titles {
		known[t] = true
	}
	for i, b := range out.Bets {
		if strings.TrimSpace(b.Title) == "" {
			return fmt.Errorf("bets[%d].title is empty", i)
		}
		if strings.TrimSpace(b.Thesis) == "" {
			return fmt.Errorf("bets[%d].thesis is empty", i)
		}
		switch b.Horizon {
		case "near", "mid", "long":
		default:
			return fmt.Errorf("bets[%d].horizon %q must be near, mid, or long", i, b.Horizon)
		}
		for _, t := range b.LinkedOpportunityTitles {
			if !known[t] {
				return fmt.Errorf("bets[%d] links unknown opportunity title %q", i, t)
			}
		}
	}
	return nil
}
