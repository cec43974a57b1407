package runner

import (
	"fmt"
	"strings"
	"time"

	"github.com/kmorrow/rivalscope/internal/artifact"
	"github.com/kmorrow/rivalscope/internal/candidate"
	"github.com/kmorrow/rivalscope/internal/evidence"
	"github.com/kmorrow/rivalscope/internal/guardrails"
)

// Run phases in execution order. Progress events name these states and
// are emitted strictly in this order within a run.
const (
	StateLoadInput       = "load_input"
	StateEvidenceQuality = "evidence_quality_check"
	StateCandidates      = "candidates"
	StateJTBD            = "jtbd"
	StateScorecard       = "scorecard"
	StateOpportunities   = "opportunities"
	StateStrategicBets   = "strategic_bets"
	StateScoringCompute  = "scoring_compute"
	StateSaveArtifacts   = "save_artifacts"
	StateFinalize        = "finalize"
)

// Terminal failure codes. Precondition codes short-circuit a run before
// any LLM cost; validation codes are derived per stage.
const (
	CodeProjectNotFound         = "PROJECT_NOT_FOUND"
	CodeInsufficientCompetitors = "INSUFFICIENT_COMPETITORS"
	CodeTooManyCompetitors      = "TOO_MANY_COMPETITORS"
	CodeMissingProfiles         = "MISSING_PROFILES"
	CodeNoSnapshots             = "NO_SNAPSHOTS"
	CodeUnexpected              = "UNEXPECTED_ERROR"
)

// ValidationFailedCode names the terminal code for a stage whose output
// still failed validation after its one repair.
func ValidationFailedCode(stage string) string {
	return strings.ToUpper(stage) + "_VALIDATION_FAILED"
}

// RunError is the typed result a failed run surfaces at the pipeline
// boundary. Detail carries truncated diagnostics, never a stack.
type RunError struct {
	Code   string
	Stage  string
	Detail string
	Err    error
}

func (e *RunError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): %v", e.Code, e.Stage, e.Err)
	}
	return fmt.Sprintf("%s (%s): %s", e.Code, e.Stage, e.Detail)
}

func (e *RunError) Unwrap() error { return e.Err }

// StageAttemptMetrics records the LLM spend of one stage.
type StageAttemptMetrics struct {
	LLMCalls int
	Repairs  int
}

// RunContext carries all per-run state explicitly through the stages.
// Nothing in the pipeline reads globals; two contexts never share
// mutable state, so independent runs can execute concurrently.
type RunContext struct {
	RunID         string
	ProjectID     string
	Project       candidate.ProjectContext
	CompetitorIDs []string
	Competitors   []string
	Snapshots     []artifact.CompetitorSnapshot
	EvidencePool  []evidence.Item
	Quality       guardrails.QualityResult
	StartedAt     time.Time

	RepairCount      int
	MaxBannedPenalty float64
	Attempts         map[string]StageAttemptMetrics
}

func (rc *RunContext) noteStage(stage string, m StageAttemptMetrics) {
	if rc.Attempts == nil {
		rc.Attempts = map[string]StageAttemptMetrics{}
	}
	rc.Attempts[stage] = m
	rc.RepairCount += m.Repairs
}

// notePenalty keeps the maximum banned-pattern penalty seen across the
// run's artifact texts. The worst artifact sets the run-wide signal.
func (rc *RunContext) notePenalty(p float64) {
	if p > rc.MaxBannedPenalty {
		rc.MaxBannedPenalty = p
	}
}

func (rc *RunContext) ceilingInputs() guardrails.CeilingInputs {
	return guardrails.CeilingInputs{
		EvidenceQualityPasses: rc.Quality.Passes,
		DecayFactor:           rc.Quality.DecayFactor,
		RepairCount:           rc.RepairCount,
		BannedPatternPenalty:  rc.MaxBannedPenalty,
	}
}

func (rc *RunContext) signals(flags []string, band guardrails.Band) artifact.QualitySignals {
	return artifact.QualitySignals{
		RepairCount:            rc.RepairCount,
		EvidenceQualityPasses:  rc.Quality.Passes,
		EvidenceDecayFactor:    rc.Quality.DecayFactor,
		BannedPatternPenalty:   rc.MaxBannedPenalty,
		ScoreDistributionFlags: flags,
		ConfidenceBand:         band,
	}
}

// JTBDStageOutput is the model-facing shape for the jobs stage. Any
// score the model volunteers is parsed and then discarded; the scoring
// engine is the only source of numbers.
type JTBDStageOutput struct {
	Jobs []JTBDStageJob `json:"jobs"`
}

type JTBDStageJob struct {
	Job          string   `json:"job"`
	Context      string   `json:"context"`
	Constraints  []string `json:"constraints"`
	ForWhom      string   `json:"for_whom"`
	CurrentTools string   `json:"current_tools"`
	Score        *int     `json:"score,omitempty"`
}

type ScorecardStageOutput struct {
	Rows []ScorecardStageRow `json:"rows"`
}

type ScorecardStageRow struct {
	Competitor     string               `json:"competitor"`
	FeatureDepth   ScorecardStageRating `json:"feature_depth"`
	PricingClarity ScorecardStageRating `json:"pricing_clarity"`
	Momentum       ScorecardStageRating `json:"momentum"`
	CustomerLove   ScorecardStageRating `json:"customer_love"`
}

type ScorecardStageRating struct {
	Rating    int    `json:"rating"`
	Reasoning string `json:"reasoning"`
}

// OpportunitiesStageOutput references evidence by id; the runner
// resolves ids against the pool and applies the evidence gate to each
// opportunity individually.
type OpportunitiesStageOutput struct {
	Opportunities []OpportunityStageItem `json:"opportunities"`
}

type OpportunityStageItem struct {
	Title               string            `json:"title"`
	JobToBeDone         JTBDStageJob      `json:"job_to_be_done"`
	ForWhom             string            `json:"for_whom"`
	CompetitiveGap      string            `json:"competitive_gap"`
	Recommendation      RecommendationOut `json:"recommendation"`
	CitationEvidenceIDs []string          `json:"citation_evidence_ids"`
	Assumptions         []string          `json:"assumptions"`
	Score               *int              `json:"score,omitempty"`
}

type RecommendationOut struct {
	WhatToDo       string   `json:"what_to_do"`
	WhyNow         string   `json:"why_now"`
	ExpectedImpact string   `json:"expected_impact"`
	Risks          []string `json:"risks"`
}

type StrategicBetsStageOutput struct {
	Bets []StrategicBetStageItem `json:"bets"`
}

type StrategicBetStageItem struct {
	Title                   string   `json:"title"`
	Thesis                  string   `json:"thesis"`
	Horizon                 string   `json:"horizon"`
	Dependencies            []string `json:"dependencies"`
	LinkedOpportunityTitles []string `json:"linked_opportunity_titles"`
}

// RunResult is what a completed run hands back: the four assembled
// artifacts plus the signals they were stamped with.
type RunResult struct {
	RunID         string
	Opportunities artifact.OpportunitiesArtifact
	JTBD          artifact.JTBDArtifact
	Scorecard     artifact.ScorecardArtifact
	StrategicBets artifact.StrategicBetsArtifact
	Signals       artifact.QualitySignals
	ArtifactIDs   []string
}
