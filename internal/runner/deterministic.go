package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/kmorrow/rivalscope/internal/artifact"
	"github.com/kmorrow/rivalscope/internal/candidate"
	"github.com/kmorrow/rivalscope/internal/evidence"
	"github.com/kmorrow/rivalscope/internal/guardrails"
	"github.com/kmorrow/rivalscope/internal/scoring"
	"github.com/kmorrow/rivalscope/internal/store"
)

// CandidateRunResult is what a deterministic run hands back: one
// opportunities artifact built without any model involvement.
type CandidateRunResult struct {
	RunID         string
	Opportunities artifact.OpportunitiesArtifact
	Signals       artifact.QualitySignals
	ArtifactID    string
}

// RunDeterministic executes the rule-based candidate path: selector,
// gate, template candidates, deterministic scoring, one persisted
// opportunities artifact. It never calls the model, so it only needs
// the project and its evidence pool; an empty-but-valid artifact is a
// successful outcome, not a failure.
func (p *Pipeline) RunDeterministic(ctx context.Context, projectID string, progress ProgressFn) (result CandidateRunResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("rivalscope candidate_run_panic project=%s panic=%v", projectID, r)
			err = &RunError{Code: CodeUnexpected, Stage: "pipeline", Detail: fmt.Sprint(r)}
		}
		var re *RunError
		if err != nil && !errors.As(err, &re) {
			err = &RunError{Code: CodeUnexpected, Stage: "pipeline", Err: err}
		}
		if err != nil {
			runsTotal.WithLabelValues("failed").Inc()
		} else {
			runsTotal.WithLabelValues("succeeded").Inc()
		}
	}()

	rc := &RunContext{
		RunID:     "run-" + uuid.NewString(),
		ProjectID: projectID,
		StartedAt: p.nowFn(),
		Attempts:  map[string]StageAttemptMetrics{},
	}
	log.Printf("rivalscope candidate_run_start run=%s project=%s", rc.RunID, projectID)

	emit(progress, StateLoadInput, "Loading project and evidence...")
	proj, err := p.store.GetProject(ctx, projectID)
	if errors.Is(err, store.ErrNotFound) {
		return CandidateRunResult{}, &RunError{Code: CodeProjectNotFound, Stage: StateLoadInput, Detail: "project " + projectID + " not found"}
	}
	if err != nil {
		return CandidateRunResult{}, fmt.Errorf("load project: %w", err)
	}
	rc.Project = candidate.ProjectContext{
		Market:         proj.Market,
		TargetCustomer: proj.TargetCustomer,
		YourProduct:    proj.YourProduct,
		BusinessGoal:   proj.BusinessGoal,
		Geography:      proj.Geography,
	}
	rc.EvidencePool, err = p.store.ListEvidenceItems(ctx, projectID)
	if err != nil {
		return CandidateRunResult{}, fmt.Errorf("list evidence: %w", err)
	}

	emit(progress, StateEvidenceQuality, "Checking evidence pool quality...")
	rc.Quality = guardrails.CheckEvidenceQuality(rc.EvidencePool, p.nowFn())
	if !rc.Quality.Passes {
		log.Printf("rivalscope evidence_quality_low run=%s decay=%.2f reason=%q", rc.RunID, rc.Quality.DecayFactor, rc.Quality.Reason)
	}

	emit(progress, StateCandidates, "Generating rule-based candidates...")
	candidates := candidate.GenerateCandidateOpportunities(rc.EvidencePool, rc.Project)

	emit(progress, StateScoringCompute, "Computing deterministic scores and guardrails...")
	doc := p.assembleCandidates(rc, candidates)

	emit(progress, StateSaveArtifacts, "Saving artifact...")
	b, err := json.Marshal(doc)
	if err != nil {
		return CandidateRunResult{}, fmt.Errorf("encode opportunities artifact: %w", err)
	}
	created, err := p.store.CreateArtifacts(ctx, []store.Artifact{{
		ProjectID:     projectID,
		RunID:         rc.RunID,
		Type:          string(artifact.TypeOpportunities),
		SchemaVersion: artifact.SchemaOpportunityV1,
		ContentJSON:   string(b),
	}})
	if err != nil {
		return CandidateRunResult{}, fmt.Errorf("save artifact: %w", err)
	}

	emit(progress, StateFinalize, "Run complete.")
	log.Printf("rivalscope candidate_run_complete run=%s opportunities=%d", rc.RunID, len(doc.Opportunities))
	return CandidateRunResult{
		RunID:         rc.RunID,
		Opportunities: doc,
		Signals:       doc.Meta.Signals,
		ArtifactID:    created[0].ID,
	}, nil
}

func (p *Pipeline) assembleCandidates(rc *RunContext, candidates []candidate.Candidate) artifact.OpportunitiesArtifact {
	now := p.nowFn().UTC()
	inputs := rc.ceilingInputs()

	var out []artifact.Opportunity
	var reasons []string
	var totals []int
	for _, c := range candidates {
		// The selector already cleared the gate for these citations; the
		// re-check keeps the fail-closed contract in one place.
		gate := evidence.HasMinimumEvidenceForOpportunity(c.Citations)
		if !gate.OK {
			for _, r := range gate.Reasons {
				reasons = append(reasons, fmt.Sprintf("%s: %s", c.Title, r))
			}
			continue
		}
		sctx := scoring.NewContext(c.Citations)
		scores := scoring.ComputeScores(sctx, p.scorer)
		why := scoring.GenerateWhyThisRanks(scores.Drivers)
		scores.Total = guardrails.ApplyScoreCeiling(scores.Total, inputs)
		totals = append(totals, scores.Total)

		out = append(out, artifact.Opportunity{
			SchemaVersion:  artifact.SchemaOpportunityV1,
			ID:             "opp-" + uuid.NewString(),
			Title:          c.Title,
			JobToBeDone:    artifact.JobToBeDone{Job: c.JobToBeDone.Job, Context: c.JobToBeDone.Context, Constraints: c.JobToBeDone.Constraints},
			ForWhom:        c.ForWhom,
			CompetitiveGap: c.CompetitiveGap,
			Recommendation: artifact.Recommendation{
				WhatToDo:       c.Recommendation.WhatToDo,
				WhyNow:         c.Recommendation.WhyNow,
				ExpectedImpact: c.Recommendation.ExpectedImpact,
				Risks:          c.Recommendation.Risks,
			},
			Citations: c.Citations,
			EvidenceSummary: artifact.EvidenceSummary{
				TotalCitations:       len(c.Citations),
				EvidenceTypesPresent: evidence.SourceTypesPresent(c.Citations),
			},
			Scores:       scores,
			WhyThisRanks: why,
			Confidence:   evidence.DeriveConfidenceFromEvidence(c.Citations),
			Assumptions:  c.Assumptions,
		})
	}

	var notes *artifact.GenerationNotes
	if len(out) == 0 {
		usable := 0
		typesSeen := map[evidence.SourceType]struct{}{}
		for _, it := range rc.EvidencePool {
			if it.URL != "" && len(it.Excerpt()) >= evidence.MinExcerptChars {
				usable++
				typesSeen[it.Type] = struct{}{}
			}
		}
		if len(reasons) == 0 {
			reasons = append(reasons, "evidence pool does not support any candidate opportunity")
		}
		notes = &artifact.GenerationNotes{
			FailedClosed: true,
			Reasons:      reasons,
			EvidenceStats: artifact.EvidenceStats{
				TotalItems:    len(rc.EvidencePool),
				UsableItems:   usable,
				DistinctTypes: len(typesSeen),
			},
		}
	}

	flags := guardrails.CheckScoreDistribution(totals)
	band := guardrails.ConfidenceBand(mean(totals), mean(totals), inputs)
	signals := rc.signals(flags, band)

	evidenceIDs := make([]string, 0, len(rc.EvidencePool))
	for _, it := range rc.EvidencePool {
		evidenceIDs = append(evidenceIDs, it.ID)
	}

	return artifact.OpportunitiesArtifact{
		SchemaVersion:   artifact.SchemaOpportunityV1,
		ProjectRunID:    rc.RunID,
		PipelineVersion: artifact.PipelineVersion,
		InputVersion:    artifact.InputVersion(evidenceIDs, nil),
		GeneratedAt:     now,
		Opportunities:   out,
		GenerationNotes: notes,
		Meta:            artifact.Meta{RunID: rc.RunID, GeneratedAt: now, SchemaVersion: artifact.SchemaOpportunityV1, Signals: signals},
	}
}
