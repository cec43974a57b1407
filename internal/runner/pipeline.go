package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/kmorrow/rivalscope/internal/artifact"
	"github.com/kmorrow/rivalscope/internal/candidate"
	"github.com/kmorrow/rivalscope/internal/evidence"
	"github.com/kmorrow/rivalscope/internal/guardrails"
	"github.com/kmorrow/rivalscope/internal/scoring"
	"github.com/kmorrow/rivalscope/internal/store"
)

// Competitor count preconditions. Below the floor the scorecard is
// meaningless; above the cap the prompts blow past useful context.
const (
	MinCompetitors = 2
	MaxCompetitors = 10
)

type ProgressFn func(state, message string)

// RunStore is the slice of persistence the pipeline needs. *store.Store
// satisfies it; tests supply fakes.
type RunStore interface {
	GetProject(ctx context.Context, projectID string) (store.Project, error)
	ListCompetitors(ctx context.Context, projectID string) ([]store.Competitor, error)
	ListEvidenceItems(ctx context.Context, projectID string) ([]evidence.Item, error)
	LatestArtifact(ctx context.Context, projectID, artifactType string) (store.Artifact, error)
	CreateArtifacts(ctx context.Context, batch []store.Artifact) ([]store.Artifact, error)
}

type Pipeline struct {
	store  RunStore
	runner StageRunner
	scorer scoring.DriverScorer
	nowFn  func() time.Time
}

func NewPipeline(st RunStore, runner StageRunner) *Pipeline {
	return &Pipeline{store: st, runner: runner, scorer: scoring.HeuristicScorer{}, nowFn: time.Now}
}

// Run executes one full pipeline run for a project. All failures come
// back as a typed *RunError; nothing escapes as a panic, and a run that
// fails before save_artifacts persists nothing.
func (p *Pipeline) Run(ctx context.Context, projectID string, progress ProgressFn) (result RunResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("rivalscope run_panic project=%s panic=%v", projectID, r)
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
	log.Printf("rivalscope run_start run=%s project=%s", rc.RunID, projectID)
	result, err = p.run(ctx, rc, progress)
	if err != nil {
		log.Printf("rivalscope run_failed run=%s err=%q", rc.RunID, err.Error())
		return result, err
	}
	log.Printf("rivalscope run_complete run=%s repairs=%d penalty=%.2f", rc.RunID, rc.RepairCount, rc.MaxBannedPenalty)
	return result, nil
}

func (p *Pipeline) run(ctx context.Context, rc *RunContext, progress ProgressFn) (RunResult, error) {
	if err := p.loadInput(ctx, rc, progress); err != nil {
		return RunResult{}, err
	}

	emit(progress, StateEvidenceQuality, "Checking evidence pool quality...")
	rc.Quality = guardrails.CheckEvidenceQuality(rc.EvidencePool, p.nowFn())
	if !rc.Quality.Passes {
		// Fail-open: a weak pool discounts scores, it does not stop the run.
		log.Printf("rivalscope evidence_quality_low run=%s decay=%.2f reason=%q", rc.RunID, rc.Quality.DecayFactor, rc.Quality.Reason)
	}

	emit(progress, StateJTBD, "Generating jobs-to-be-done analysis...")
	jobs, m, err := p.runner.RunJTBD(ctx, rc)
	if err != nil {
		return RunResult{}, err
	}
	p.noteStage(rc, StateJTBD, m, jobs)

	emit(progress, StateScorecard, "Generating competitor scorecard...")
	card, m, err := p.runner.RunScorecard(ctx, rc, jobs)
	if err != nil {
		return RunResult{}, err
	}
	p.noteStage(rc, StateScorecard, m, card)

	emit(progress, StateOpportunities, "Generating opportunities...")
	opps, m, err := p.runner.RunOpportunities(ctx, rc, jobs, card)
	if err != nil {
		return RunResult{}, err
	}
	p.noteStage(rc, StateOpportunities, m, opps)

	emit(progress, StateStrategicBets, "Generating strategic bets...")
	bets, m, err := p.runner.RunStrategicBets(ctx, rc, opps)
	if err != nil {
		return RunResult{}, err
	}
	p.noteStage(rc, StateStrategicBets, m, bets)

	emit(progress, StateScoringCompute, "Computing deterministic scores and guardrails...")
	result := p.assemble(rc, jobs, card, opps, bets)

	emit(progress, StateSaveArtifacts, "Saving artifacts...")
	if err := p.saveArtifacts(ctx, rc, &result); err != nil {
		return RunResult{}, err
	}

	emit(progress, StateFinalize, "Run complete.")
	return result, nil
}

func (p *Pipeline) loadInput(ctx context.Context, rc *RunContext, progress ProgressFn) error {
	emit(progress, StateLoadInput, "Loading project, competitors, and evidence...")

	proj, err := p.store.GetProject(ctx, rc.ProjectID)
	if errors.Is(err, store.ErrNotFound) {
		return &RunError{Code: CodeProjectNotFound, Stage: StateLoadInput, Detail: "project " + rc.ProjectID + " not found"}
	}
	if err != nil {
		return fmt.Errorf("load project: %w", err)
	}
	rc.Project = candidate.ProjectContext{
		Market:         proj.Market,
		TargetCustomer: proj.TargetCustomer,
		YourProduct:    proj.YourProduct,
		BusinessGoal:   proj.BusinessGoal,
		Geography:      proj.Geography,
	}

	comps, err := p.store.ListCompetitors(ctx, rc.ProjectID)
	if err != nil {
		return fmt.Errorf("list competitors: %w", err)
	}
	if len(comps) < MinCompetitors {
		return &RunError{Code: CodeInsufficientCompetitors, Stage: StateLoadInput,
			Detail: fmt.Sprintf("need at least %d competitors, have %d", MinCompetitors, len(comps))}
	}
	if len(comps) > MaxCompetitors {
		return &RunError{Code: CodeTooManyCompetitors, Stage: StateLoadInput,
			Detail: fmt.Sprintf("at most %d competitors supported, have %d", MaxCompetitors, len(comps))}
	}
	for _, c := range comps {
		rc.CompetitorIDs = append(rc.CompetitorIDs, c.ID)
		rc.Competitors = append(rc.Competitors, c.Name)
	}

	profiles, err := p.store.LatestArtifact(ctx, rc.ProjectID, string(artifact.TypeCompetitorProfiles))
	if errors.Is(err, store.ErrNotFound) {
		return &RunError{Code: CodeMissingProfiles, Stage: StateLoadInput, Detail: "no competitor_profiles artifact for project"}
	}
	if err != nil {
		return fmt.Errorf("load profiles artifact: %w", err)
	}
	var prof artifact.CompetitorProfilesArtifact
	if err := json.Unmarshal([]byte(profiles.ContentJSON), &prof); err != nil {
		return fmt.Errorf("decode profiles artifact: %w", err)
	}
	if len(prof.Snapshots) == 0 {
		return &RunError{Code: CodeNoSnapshots, Stage: StateLoadInput, Detail: "competitor_profiles artifact has no snapshots"}
	}
	rc.Snapshots = prof.Snapshots

	pool, err := p.store.ListEvidenceItems(ctx, rc.ProjectID)
	if err != nil {
		return fmt.Errorf("list evidence: %w", err)
	}
	rc.EvidencePool = pool
	return nil
}

// noteStage records a stage's LLM spend and scans its output text for
// banned phrasing. The worst penalty across the four stages becomes the
// run-wide signal.
func (p *Pipeline) noteStage(rc *RunContext, stage string, m StageAttemptMetrics, out any) {
	rc.noteStage(stage, m)
	llmCallsTotal.Add(float64(m.LLMCalls))
	repairsTotal.Add(float64(m.Repairs))
	if b, err := json.Marshal(out); err == nil {
		rc.notePenalty(guardrails.BannedPatternPenalty(string(b)))
	}
}

func (p *Pipeline) assemble(rc *RunContext, jobs JTBDStageOutput, card ScorecardStageOutput, opps OpportunitiesStageOutput, bets StrategicBetsStageOutput) RunResult {
	now := p.nowFn().UTC()
	inputs := rc.ceilingInputs()

	opportunities, notes, totals := p.assembleOpportunities(rc, opps)

	// One evidence-level score covers all jobs: the jobs share the pool,
	// and the model never supplies numbers.
	poolCitations := evidence.SelectBestCitations(rc.EvidencePool)
	jtbdScore := 0
	if len(poolCitations) > 0 {
		sctx := scoring.NewContext(poolCitations)
		jtbdScore = guardrails.ApplyScoreCeiling(scoring.ComputeScores(sctx, p.scorer).Total, inputs)
	}

	jtbdEntries := make([]artifact.JTBDEntry, 0, len(jobs.Jobs))
	for _, j := range jobs.Jobs {
		jtbdEntries = append(jtbdEntries, artifact.JTBDEntry{
			Job:          j.Job,
			Context:      j.Context,
			Constraints:  j.Constraints,
			ForWhom:      j.ForWhom,
			CurrentTools: j.CurrentTools,
			Score:        jtbdScore,
		})
	}

	rows := make([]artifact.ScorecardRow, 0, len(card.Rows))
	for _, r := range card.Rows {
		rows = append(rows, artifact.ScorecardRow{
			Competitor:     r.Competitor,
			FeatureDepth:   artifact.ScorecardRating{Rating: r.FeatureDepth.Rating, Reasoning: r.FeatureDepth.Reasoning},
			PricingClarity: artifact.ScorecardRating{Rating: r.PricingClarity.Rating, Reasoning: r.PricingClarity.Reasoning},
			Momentum:       artifact.ScorecardRating{Rating: r.Momentum.Rating, Reasoning: r.Momentum.Reasoning},
			CustomerLove:   artifact.ScorecardRating{Rating: r.CustomerLove.Rating, Reasoning: r.CustomerLove.Reasoning},
			Composite:      composite(r),
		})
	}

	titleToID := map[string]string{}
	for _, o := range opportunities {
		titleToID[o.Title] = o.ID
	}
	betEntries := make([]artifact.StrategicBet, 0, len(bets.Bets))
	for _, b := range bets.Bets {
		var linked []string
		for _, t := range b.LinkedOpportunityTitles {
			if id, ok := titleToID[t]; ok {
				linked = append(linked, id)
			}
		}
		betEntries = append(betEntries, artifact.StrategicBet{
			Title:                b.Title,
			Thesis:               b.Thesis,
			Horizon:              artifact.BetHorizon(b.Horizon),
			Dependencies:         b.Dependencies,
			LinkedOpportunityIDs: linked,
		})
	}

	flags := guardrails.CheckScoreDistribution(totals)
	band := guardrails.ConfidenceBand(mean(totals), float64(jtbdScore), inputs)
	signals := rc.signals(flags, band)

	evidenceIDs := make([]string, 0, len(rc.EvidencePool))
	for _, it := range rc.EvidencePool {
		evidenceIDs = append(evidenceIDs, it.ID)
	}

	meta := func(schema string) artifact.Meta {
		return artifact.Meta{RunID: rc.RunID, GeneratedAt: now, SchemaVersion: schema, Signals: signals}
	}

	return RunResult{
		RunID: rc.RunID,
		Opportunities: artifact.OpportunitiesArtifact{
			SchemaVersion:   artifact.SchemaOpportunityV1,
			ProjectRunID:    rc.RunID,
			PipelineVersion: artifact.PipelineVersion,
			InputVersion:    artifact.InputVersion(evidenceIDs, rc.CompetitorIDs),
			GeneratedAt:     now,
			Opportunities:   opportunities,
			GenerationNotes: notes,
			Meta:            meta(artifact.SchemaOpportunityV1),
		},
		JTBD:          artifact.JTBDArtifact{Meta: meta(artifact.SchemaJTBDV1), Jobs: jtbdEntries},
		Scorecard:     artifact.ScorecardArtifact{Meta: meta(artifact.SchemaScorecardV1), Rows: rows},
		StrategicBets: artifact.StrategicBetsArtifact{Meta: meta(artifact.SchemaStrategicBetsV1), Bets: betEntries},
		Signals:       signals,
	}
}

// assembleOpportunities applies the evidence gate to each model-proposed
// opportunity and scores the survivors deterministically. Dropping an
// under-evidenced opportunity is a normal branch, recorded in notes, not
// an error. Any score the model volunteered is discarded here.
func (p *Pipeline) assembleOpportunities(rc *RunContext, opps OpportunitiesStageOutput) ([]artifact.Opportunity, *artifact.GenerationNotes, []int) {
	byID := map[string]evidence.Item{}
	usable := 0
	typesSeen := map[evidence.SourceType]struct{}{}
	for _, it := range rc.EvidencePool {
		byID[it.ID] = it
		if it.URL != "" && len(it.Excerpt()) >= evidence.MinExcerptChars {
			usable++
			typesSeen[it.Type] = struct{}{}
		}
	}

	inputs := rc.ceilingInputs()
	var out []artifact.Opportunity
	var reasons []string
	var totals []int

	for _, o := range opps.Opportunities {
		citations := make([]evidence.Citation, 0, len(o.CitationEvidenceIDs))
		for _, id := range o.CitationEvidenceIDs {
			if it, ok := byID[id]; ok {
				citations = append(citations, evidence.CitationFromItem(it))
			}
		}
		gate := evidence.HasMinimumEvidenceForOpportunity(citations)
		if !gate.OK {
			for _, r := range gate.Reasons {
				reasons = append(reasons, fmt.Sprintf("%s: %s", o.Title, r))
			}
			continue
		}

		sctx := scoring.NewContext(citations)
		scores := scoring.ComputeScores(sctx, p.scorer)
		why := scoring.GenerateWhyThisRanks(scores.Drivers)
		scores.Total = guardrails.ApplyScoreCeiling(scores.Total, inputs)
		totals = append(totals, scores.Total)

		out = append(out, artifact.Opportunity{
			SchemaVersion:  artifact.SchemaOpportunityV1,
			ID:             "opp-" + uuid.NewString(),
			Title:          o.Title,
			JobToBeDone:    artifact.JobToBeDone{Job: o.JobToBeDone.Job, Context: o.JobToBeDone.Context, Constraints: o.JobToBeDone.Constraints},
			ForWhom:        o.ForWhom,
			CompetitiveGap: o.CompetitiveGap,
			Recommendation: artifact.Recommendation{
				WhatToDo:       o.Recommendation.WhatToDo,
				WhyNow:         o.Recommendation.WhyNow,
				ExpectedImpact: o.Recommendation.ExpectedImpact,
				Risks:          o.Recommendation.Risks,
			},
			Citations: citations,
			EvidenceSummary: artifact.EvidenceSummary{
				TotalCitations:       len(citations),
				EvidenceTypesPresent: evidence.SourceTypesPresent(citations),
			},
			Scores:       scores,
			WhyThisRanks: why,
			Confidence:   evidence.DeriveConfidenceFromEvidence(citations),
			Assumptions:  o.Assumptions,
		})
	}

	var notes *artifact.GenerationNotes
	if len(reasons) > 0 || len(out) == 0 {
		if len(out) == 0 && len(reasons) == 0 {
			reasons = append(reasons, "model proposed no opportunities for the available evidence")
		}
		notes = &artifact.GenerationNotes{
			FailedClosed: len(out) == 0,
			Reasons:      reasons,
			EvidenceStats: artifact.EvidenceStats{
				TotalItems:    len(rc.EvidencePool),
				UsableItems:   usable,
				DistinctTypes: len(typesSeen),
			},
		}
	}
	return out, notes, totals
}

// saveArtifacts persists all four documents in one transaction. A
// failure here leaves no partial run behind.
func (p *Pipeline) saveArtifacts(ctx context.Context, rc *RunContext, result *RunResult) error {
	batch := make([]store.Artifact, 0, 4)
	for _, doc := range []struct {
		typ    artifact.Type
		schema string
		body   any
	}{
		{artifact.TypeOpportunities, artifact.SchemaOpportunityV1, result.Opportunities},
		{artifact.TypeJTBD, artifact.SchemaJTBDV1, result.JTBD},
		{artifact.TypeScorecard, artifact.SchemaScorecardV1, result.Scorecard},
		{artifact.TypeStrategicBets, artifact.SchemaStrategicBetsV1, result.StrategicBets},
	} {
		b, err := json.Marshal(doc.body)
		if err != nil {
			return fmt.Errorf("encode %s artifact: %w", doc.typ, err)
		}
		batch = append(batch, store.Artifact{
			ProjectID:     rc.ProjectID,
			RunID:         rc.RunID,
			Type:          string(doc.typ),
			SchemaVersion: doc.schema,
			ContentJSON:   string(b),
		})
	}
	created, err := p.store.CreateArtifacts(ctx, batch)
	if err != nil {
		return fmt.Errorf("save artifacts: %w", err)
	}
	for _, a := range created {
		result.ArtifactIDs = append(result.ArtifactIDs, a.ID)
	}
	return nil
}

// composite is the server-side weighted roll-up of the four ratings.
func composite(r ScorecardStageRow) float64 {
	v := 0.30*float64(r.FeatureDepth.Rating) +
		0.25*float64(r.PricingClarity.Rating) +
		0.25*float64(r.Momentum.Rating) +
		0.20*float64(r.CustomerLove.Rating)
	return math.Round(v*100) / 100
}

func mean(vs []int) float64 {
	if len(vs) == 0 {
		return 0
	}
	sum := 0
	for _, v := range vs {
		sum += v
	}
	return float64(sum) / float64(len(vs))
}

func emit(progress ProgressFn, state, message string) {
	if progress != nil {
		progress(state, message)
	}
}
