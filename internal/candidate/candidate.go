package candidate

import (
	"fmt"

	"github.com/kmorrow/rivalscope/internal/evidence"
)

// ProjectContext frames candidate narratives. Built from project records
// by the caller; every field is plain descriptive text.
type ProjectContext struct {
	Market         string `json:"market"`
	TargetCustomer string `json:"target_customer"`
	YourProduct    string `json:"your_product"`
	BusinessGoal   string `json:"business_goal"`
	Geography      string `json:"geography"`
}

type JobToBeDone struct {
	Job         string   `json:"job"`
	Context     string   `json:"context"`
	Constraints []string `json:"constraints,omitempty"`
}

type Recommendation struct {
	WhatToDo       string   `json:"what_to_do"`
	WhyNow         string   `json:"why_now"`
	ExpectedImpact string   `json:"expected_impact"`
	Risks          []string `json:"risks"`
}

// Candidate is a pre-validation opportunity sketch. Ephemeral: it is
// never persisted directly, only after passing the gate and being scored.
type Candidate struct {
	Kind           string              `json:"kind"`
	Title          string              `json:"title"`
	JobToBeDone    JobToBeDone         `json:"job_to_be_done"`
	ForWhom        string              `json:"for_whom"`
	CompetitiveGap string              `json:"competitive_gap"`
	Recommendation Recommendation      `json:"recommendation"`
	Citations      []evidence.Citation `json:"citations"`
	Assumptions    []string            `json:"assumptions"`
}

const (
	KindDifferentiation = "differentiation_wedge"
	KindAdoption        = "adoption_wedge"
)

// minCitationsForSecondCandidate is the extra richness bar for the
// adoption wedge, beyond the base gate.
const minCitationsForSecondCandidate = 4

// GenerateCandidateOpportunities synthesizes up to two rule-based
// candidates from the evidence pool. Pure and template-driven: every
// narrative statement is derived from evidence counts and project
// context, never invented. Propagates the selector's fail-closed
// behavior: an insufficient pool yields no candidates.
func GenerateCandidateOpportunities(pool []evidence.Item, pc ProjectContext) []Candidate {
	citations := evidence.SelectBestCitations(pool)
	if len(citations) < evidence.MinCitationsForOpportunity {
		return nil
	}
	types := evidence.DistinctSourceTypes(citations)

	out := []Candidate{differentiationCandidate(citations, types, pc)}
	if len(citations) >= minCitationsForSecondCandidate && types >= evidence.MinSourceTypesForOpportunity {
		out = append(out, adoptionCandidate(citations, types, pc))
	}
	return out
}

func differentiationCandidate(citations []evidence.Citation, types int, pc ProjectContext) Candidate {
	market := nonEmpty(pc.Market, "this market")
	audience := nonEmpty(pc.TargetCustomer, "the target customer")
	return Candidate{
		Kind:  KindDifferentiation,
		Title: fmt.Sprintf("Differentiation wedge in %s", market),
		JobToBeDone: JobToBeDone{
			Job:     fmt.Sprintf("Help %s pick a vendor in %s without relying on vendor marketing claims", audience, market),
			Context: fmt.Sprintf("Backed by %d citations across %d evidence source types", len(citations), types),
		},
		ForWhom: audience,
		CompetitiveGap: fmt.Sprintf(
			"Across %d citations spanning %d source types, competitor positioning leaves a gap that %s can occupy",
			len(citations), types, nonEmpty(pc.YourProduct, "the product")),
		Recommendation: Recommendation{
			WhatToDo: fmt.Sprintf("Position %s against the documented competitor gaps and anchor messaging on the cited evidence",
				nonEmpty(pc.YourProduct, "the product")),
			WhyNow: fmt.Sprintf("The evidence pool currently holds %d corroborating citations; gaps close as competitors iterate", len(citations)),
			ExpectedImpact: fmt.Sprintf("Sharper differentiation toward %s, advancing the goal: %s",
				audience, nonEmpty(pc.BusinessGoal, "stated business goal")),
			Risks: []string{
				"Competitors may close the documented gap before positioning lands",
				fmt.Sprintf("Evidence is limited to %d source types; unobserved segments may behave differently", types),
			},
		},
		Citations: citations,
		Assumptions: []string{
			fmt.Sprintf("The %d selected citations are representative of the wider evidence pool", len(citations)),
			"Competitor positioning has not changed materially since evidence retrieval",
		},
	}
}

func adoptionCandidate(citations []evidence.Citation, types int, pc ProjectContext) Candidate {
	audience := nonEmpty(pc.TargetCustomer, "the target customer")
	return Candidate{
		Kind:  KindAdoption,
		Title: fmt.Sprintf("Adoption wedge: faster time-to-value for %s", audience),
		JobToBeDone: JobToBeDone{
			Job:     fmt.Sprintf("Get %s from signup to first value faster than incumbent tooling allows", audience),
			Context: fmt.Sprintf("Supported by %d citations across %d evidence source types", len(citations), types),
			Constraints: []string{
				"Must not require workflow replacement on day one",
			},
		},
		ForWhom: audience,
		CompetitiveGap: fmt.Sprintf(
			"%d citations across %d source types indicate friction in competitor onboarding that a time-to-value wedge can exploit",
			len(citations), types),
		Recommendation: Recommendation{
			WhatToDo: "Build and market a low-friction onboarding path targeting the friction the citations document",
			WhyNow: fmt.Sprintf("Evidence richness (%d citations, %d types) clears the bar for an adoption-focused bet", len(citations), types),
			ExpectedImpact: fmt.Sprintf("Reduced evaluation cost for %s in %s", audience, nonEmpty(pc.Geography, "target geographies")),
			Risks: []string{
				"Time-to-value advantages erode quickly once copied",
			},
		},
		Citations: citations,
		Assumptions: []string{
			"Onboarding friction observed in the evidence generalizes beyond the cited accounts",
		},
	}
}

func nonEmpty(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
