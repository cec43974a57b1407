package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"

	"github.com/kmorrow/rivalscope/internal/evidence"
	"github.com/kmorrow/rivalscope/internal/guardrails"
	"github.com/kmorrow/rivalscope/internal/scoring"
)

// PipelineVersion tags every artifact with the generator that produced it.
const PipelineVersion = "pipeline_v1.0"

// Schema version literals. Artifacts are immutable; a shape change means a
// new literal, never an edit to existing documents.
const (
	SchemaOpportunityV1   = "opportunity_v1.0"
	SchemaJTBDV1          = "jtbd_v1.0"
	SchemaScorecardV1     = "scorecard_v1.0"
	SchemaStrategicBetsV1 = "strategic_bets_v1.0"
)

type Type string

const (
	TypeOpportunities      Type = "opportunities"
	TypeJTBD               Type = "jtbd"
	TypeScorecard          Type = "scorecard"
	TypeStrategicBets      Type = "strategic_bets"
	TypeCompetitorProfiles Type = "competitor_profiles"
)

// QualitySignals are computed once per run and embedded into every
// artifact's meta so a score and its inputs can never drift apart.
type QualitySignals struct {
	RepairCount            int             `json:"repair_count"`
	EvidenceQualityPasses  bool            `json:"evidence_quality_passes"`
	EvidenceDecayFactor    float64         `json:"evidence_decay_factor"`
	BannedPatternPenalty   float64         `json:"banned_pattern_penalty"`
	ScoreDistributionFlags []string        `json:"score_distribution_flags,omitempty"`
	ConfidenceBand         guardrails.Band `json:"confidence_band"`
}

// Meta is the envelope convention shared by every artifact kind.
type Meta struct {
	RunID         string         `json:"run_id"`
	GeneratedAt   time.Time      `json:"generated_at"`
	SchemaVersion string         `json:"schema_version"`
	Signals       QualitySignals `json:"signals"`
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

type EvidenceSummary struct {
	TotalCitations       int                   `json:"total_citations"`
	EvidenceTypesPresent []evidence.SourceType `json:"evidence_types_present"`
}

// Opportunity is the validated artifact unit: a candidate that passed the
// gate, was scored deterministically, and carries its full provenance.
// Immutable once created; regeneration mints a new id.
type Opportunity struct {
	SchemaVersion   string              `json:"schema_version"`
	ID              string              `json:"id"`
	Title           string              `json:"title"`
	JobToBeDone     JobToBeDone         `json:"job_to_be_done"`
	ForWhom         string              `json:"for_whom"`
	CompetitiveGap  string              `json:"competitive_gap"`
	Recommendation  Recommendation      `json:"recommendation"`
	Citations       []evidence.Citation `json:"citations"`
	EvidenceSummary EvidenceSummary     `json:"evidence_summary"`
	Scores          scoring.Scores      `json:"scores"`
	WhyThisRanks    []string            `json:"why_this_ranks"`
	Confidence      evidence.Confidence `json:"confidence"`
	Assumptions     []string            `json:"assumptions"`
}

type EvidenceStats struct {
	TotalItems    int `json:"total_items"`
	UsableItems   int `json:"usable_items"`
	DistinctTypes int `json:"distinct_types"`
}

// GenerationNotes explain an empty or reduced opportunities list.
// FailedClosed is true whenever opportunities is empty and always comes
// with human-readable reasons.
type GenerationNotes struct {
	FailedClosed  bool          `json:"failed_closed"`
	Reasons       []string      `json:"reasons"`
	EvidenceStats EvidenceStats `json:"evidence_stats"`
}

// OpportunitiesArtifact is the versioned envelope consumers read.
// Append-only lifecycle: each run creates a new artifact, old ones are
// retained for history.
type OpportunitiesArtifact struct {
	SchemaVersion   string           `json:"schema_version"`
	ProjectRunID    string           `json:"project_run_id"`
	PipelineVersion string           `json:"pipeline_version"`
	InputVersion    string           `json:"input_version"`
	GeneratedAt     time.Time        `json:"generated_at"`
	Opportunities   []Opportunity    `json:"opportunities"`
	GenerationNotes *GenerationNotes `json:"generation_notes,omitempty"`
	Meta            Meta             `json:"meta"`
}

// JTBDEntry is one job-to-be-done analysis. Score is deterministic, from
// the scoring engine, never from the model.
type JTBDEntry struct {
	Job          string   `json:"job"`
	Context      string   `json:"context"`
	Constraints  []string `json:"constraints,omitempty"`
	ForWhom      string   `json:"for_whom"`
	CurrentTools string   `json:"current_tools"`
	Score        int      `json:"score"`
}

type JTBDArtifact struct {
	Meta Meta        `json:"meta"`
	Jobs []JTBDEntry `json:"jobs"`
}

// ScorecardRating is a model-asserted 1-5 competitive rating with its
// justification. Ratings are bounded ordinals, not scores; the weighted
// composite below is computed server-side.
type ScorecardRating struct {
	Rating    int    `json:"rating"`
	Reasoning string `json:"reasoning"`
}

type ScorecardRow struct {
	Competitor     string          `json:"competitor"`
	FeatureDepth   ScorecardRating `json:"feature_depth"`
	PricingClarity ScorecardRating `json:"pricing_clarity"`
	Momentum       ScorecardRating `json:"momentum"`
	CustomerLove   ScorecardRating `json:"customer_love"`
	Composite      float64         `json:"composite"`
}

type ScorecardArtifact struct {
	Meta Meta           `json:"meta"`
	Rows []ScorecardRow `json:"rows"`
}

type BetHorizon string

const (
	HorizonNear BetHorizon = "near"
	HorizonMid  BetHorizon = "mid"
	HorizonLong BetHorizon = "long"
)

type StrategicBet struct {
	Title                string     `json:"title"`
	Thesis               string     `json:"thesis"`
	Horizon              BetHorizon `json:"horizon"`
	Dependencies         []string   `json:"dependencies,omitempty"`
	LinkedOpportunityIDs []string   `json:"linked_opportunity_ids,omitempty"`
}

type StrategicBetsArtifact struct {
	Meta Meta           `json:"meta"`
	Bets []StrategicBet `json:"bets"`
}

// CompetitorSnapshot is one captured competitor state inside the profiles
// artifact that an upstream collection stage produces.
type CompetitorSnapshot struct {
	Competitor string    `json:"competitor"`
	Summary    string    `json:"summary"`
	CapturedAt time.Time `json:"captured_at"`
}

type CompetitorProfilesArtifact struct {
	Meta      Meta                 `json:"meta"`
	Snapshots []CompetitorSnapshot `json:"snapshots"`
}

// InputVersion fingerprints the inputs of a run so two artifacts can be
// compared for "same inputs, same pipeline". Sorted ids keep the hash
// independent of retrieval order.
func InputVersion(evidenceIDs, competitorIDs []string) string {
	ids := make([]string, 0, len(evidenceIDs)+len(competitorIDs))
	ids = append(ids, evidenceIDs...)
	ids = append(ids, competitorIDs...)
	sort.Strings(ids)
	sum := sha256.Sum256([]byte(strings.Join(ids, "\n")))
	return "input_" + hex.EncodeToString(sum[:8])
}
