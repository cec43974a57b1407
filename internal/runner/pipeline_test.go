package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/kmorrow/rivalscope/internal/artifact"
	"github.com/kmorrow/rivalscope/internal/evidence"
	"github.com/kmorrow/rivalscope/internal/store"
)

type fakeStore struct {
	project     store.Project
	hasProject  bool
	competitors []store.Competitor
	pool        []evidence.Item
	profiles    *store.Artifact
	saved       [][]store.Artifact
}

func (f *fakeStore) GetProject(_ context.Context, projectID string) (store.Project, error) {
	if !f.hasProject || f.project.ID != projectID {
		return store.Project{}, store.ErrNotFound
	}
	return f.project, nil
}

func (f *fakeStore) ListCompetitors(_ context.Context, _ string) ([]store.Competitor, error) {
	return f.competitors, nil
}

func (f *fakeStore) ListEvidenceItems(_ context.Context, _ string) ([]evidence.Item, error) {
	return f.pool, nil
}

func (f *fakeStore) LatestArtifact(_ context.Context, _ string, artifactType string) (store.Artifact, error) {
	if artifactType == string(artifact.TypeCompetitorProfiles) && f.profiles != nil {
		return *f.profiles, nil
	}
	return store.Artifact{}, store.ErrNotFound
}

func (f *fakeStore) CreateArtifacts(_ context.Context, batch []store.Artifact) ([]store.Artifact, error) {
	for i := range batch {
		batch[i].ID = fmt.Sprintf("art-%d-%d", len(f.saved), i)
	}
	f.saved = append(f.saved, batch)
	return batch, nil
}

func testPool(t *testing.T) []evidence.Item {
	t.Helper()
	recent := time.Now().Add(-24 * time.Hour).UTC().Format(time.RFC3339)
	var pool []evidence.Item
	for i := 1; i <= 4; i++ {
		pool = append(pool, evidence.Item{
			ID:          fmt.Sprintf("ev-%d", i),
			Type:        evidence.SourcePricing,
			URL:         fmt.Sprintf("https://pricing%d.example.com/plans", i),
			Snippet:     fmt.Sprintf("Pricing page %d lists three tiers with per-seat billing.", i),
			RetrievedAt: recent,
		})
	}
	for i := 5; i <= 8; i++ {
		pool = append(pool, evidence.Item{
			ID:          fmt.Sprintf("ev-%d", i),
			Type:        evidence.SourceReviews,
			URL:         fmt.Sprintf("https://reviews%d.example.com/acme", i),
			Snippet:     fmt.Sprintf("Review %d reports slow onboarding and an opaque upgrade path.", i),
			RetrievedAt: recent,
		})
	}
	return pool
}

func healthyStore(t *testing.T) *fakeStore {
	t.Helper()
	profiles, err := json.Marshal(artifact.CompetitorProfilesArtifact{
		Snapshots: []artifact.CompetitorSnapshot{
			{Competitor: "AcmeCo", Summary: "Broad suite, enterprise pricing, slow onboarding."},
			{Competitor: "BetaWorks", Summary: "Narrow product, transparent pricing, strong reviews."},
		},
	})
	if err != nil {
		t.Fatalf("marshal profiles: %v", err)
	}
	return &fakeStore{
		project: store.Project{
			ID: "proj-1", Name: "acme", Market: "developer tooling",
			TargetCustomer: "platform leads", YourProduct: "RivalScope", BusinessGoal: "win mid-market",
		},
		hasProject: true,
		competitors: []store.Competitor{
			{ID: "comp-1", ProjectID: "proj-1", Name: "AcmeCo"},
			{ID: "comp-2", ProjectID: "proj-1", Name: "BetaWorks"},
		},
		pool: testPool(t),
		profiles: &store.Artifact{
			ID: "art-prof", ProjectID: "proj-1", Type: string(artifact.TypeCompetitorProfiles),
			ContentJSON: string(profiles),
		},
	}
}

const jtbdJSON = `{"jobs":[{"job":"Compare vendor pricing without a sales call","context":"Buyers research plans before talking to anyone","constraints":["no procurement budget for pilots"],"for_whom":"platform leads","current_tools":"spreadsheets and vendor sites"}]}`

const scorecardJSON = `{"rows":[
  {"competitor":"AcmeCo","feature_depth":{"rating":4,"reasoning":"Broad suite per snapshot."},"pricing_clarity":{"rating":2,"reasoning":"Opaque tiers in pricing evidence."},"momentum":{"rating":3,"reasoning":"Steady release cadence."},"customer_love":{"rating":2,"reasoning":"Reviews cite slow onboarding."}},
  {"competitor":"BetaWorks","feature_depth":{"rating":2,"reasoning":"Narrow product."},"pricing_clarity":{"rating":5,"reasoning":"Transparent per-seat pricing."},"momentum":{"rating":3,"reasoning":"Stable."},"customer_love":{"rating":4,"reasoning":"Strong reviews."}}
]}`

const oppsJSON = `{"opportunities":[{
  "title":"Transparent pricing wedge",
  "job_to_be_done":{"job":"Compare vendor pricing without a sales call","context":"Self-serve evaluation","constraints":[],"for_whom":"platform leads","current_tools":"spreadsheets"},
  "for_whom":"platform leads",
  "competitive_gap":"Incumbent pricing pages hide tier limits that reviews complain about",
  "recommendation":{"what_to_do":"Publish a full pricing matrix","why_now":"Review sentiment on pricing opacity is rising","expected_impact":"Shorter evaluation cycles","risks":["Competitors may match transparency"]},
  "citation_evidence_ids":["ev-1","ev-2","ev-5","ev-6"],
  "assumptions":["Pricing pages reflect actual contracts"],
  "score":12
}]}`

const betsJSON = `{"bets":[{"title":"Own the self-serve evaluation","thesis":"Buyers who can price and trial alone convert faster","horizon":"near","dependencies":["public pricing matrix"],"linked_opportunity_titles":["Transparent pricing wedge"]}]}`

func scriptedPipeline(st RunStore, responses ...string) (*Pipeline, *fakeCaller) {
	caller := &fakeCaller{responses: responses}
	return NewPipeline(st, NewLLMStageRunner(NewStageExecutor(caller))), caller
}

func TestPipelinePreconditionsShortCircuitBeforeLLMCost(t *testing.T) {
	cases := []struct {
		name     string
		mutate   func(f *fakeStore)
		wantCode string
	}{
		{"missing project", func(f *fakeStore) { f.hasProject = false }, CodeProjectNotFound},
		{"one competitor", func(f *fakeStore) { f.competitors = f.competitors[:1] }, CodeInsufficientCompetitors},
		{"too many competitors", func(f *fakeStore) {
			for i := 0; i < 12; i++ {
				f.competitors = append(f.competitors, store.Competitor{ID: fmt.Sprintf("extra-%d", i), Name: fmt.Sprintf("X%d", i)})
			}
		}, CodeTooManyCompetitors},
		{"no profiles artifact", func(f *fakeStore) { f.profiles = nil }, CodeMissingProfiles},
		{"empty snapshots", func(f *fakeStore) {
			f.profiles.ContentJSON = `{"meta":{},"snapshots":[]}`
		}, CodeNoSnapshots},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st := healthyStore(t)
			tc.mutate(st)
			p, caller := scriptedPipeline(st, jtbdJSON, scorecardJSON, oppsJSON, betsJSON)

			_, err := p.Run(context.Background(), "proj-1", nil)
			var re *RunError
			if !errors.As(err, &re) {
				t.Fatalf("expected *RunError, got %v", err)
			}
			if re.Code != tc.wantCode {
				t.Fatalf("Code = %q, want %q", re.Code, tc.wantCode)
			}
			if caller.calls != 0 {
				t.Fatalf("precondition failure cost %d LLM calls, want 0", caller.calls)
			}
			if len(st.saved) != 0 {
				t.Fatalf("precondition failure persisted %d batches, want 0", len(st.saved))
			}
		})
	}
}

func TestPipelineEndToEnd(t *testing.T) {
	st := healthyStore(t)
	p, _ := scriptedPipeline(st, jtbdJSON, scorecardJSON, oppsJSON, betsJSON)

	var states []string
	res, err := p.Run(context.Background(), "proj-1", func(state, _ string) {
		states = append(states, state)
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	wantStates := []string{
		StateLoadInput, StateEvidenceQuality, StateJTBD, StateScorecard,
		StateOpportunities, StateStrategicBets, StateScoringCompute,
		StateSaveArtifacts, StateFinalize,
	}
	if !reflect.DeepEqual(states, wantStates) {
		t.Fatalf("progress order = %v, want %v", states, wantStates)
	}

	if len(st.saved) != 1 || len(st.saved[0]) != 4 {
		t.Fatalf("expected one batch of 4 artifacts, got %v", st.saved)
	}
	types := map[string]bool{}
	for _, a := range st.saved[0] {
		types[a.Type] = true
		if a.RunID != res.RunID {
			t.Fatalf("artifact run id %q != %q", a.RunID, res.RunID)
		}
	}
	for _, want := range []artifact.Type{artifact.TypeOpportunities, artifact.TypeJTBD, artifact.TypeScorecard, artifact.TypeStrategicBets} {
		if !types[string(want)] {
			t.Fatalf("missing artifact type %s in %v", want, types)
		}
	}

	opps := res.Opportunities.Opportunities
	if len(opps) != 1 {
		t.Fatalf("expected 1 opportunity, got %d", len(opps))
	}
	o := opps[0]
	// 4 fresh citations over 2 types: every driver value is 1.0, raw
	// total 100, and no guardrail discount applies.
	if o.Scores.Total != 100 {
		t.Fatalf("Total = %d, want 100 (model-supplied 12 must be discarded)", o.Scores.Total)
	}
	if len(o.Citations) != 4 {
		t.Fatalf("citations = %d, want 4", len(o.Citations))
	}
	if o.Confidence != evidence.ConfidenceExploratory {
		t.Fatalf("Confidence = %s, want exploratory at 4 citations / 2 types", o.Confidence)
	}
	if len(o.WhyThisRanks) != 3 {
		t.Fatalf("WhyThisRanks = %d entries, want 3", len(o.WhyThisRanks))
	}

	if res.Opportunities.GenerationNotes != nil {
		t.Fatalf("unexpected generation notes: %+v", res.Opportunities.GenerationNotes)
	}

	if len(res.StrategicBets.Bets) != 1 {
		t.Fatalf("expected 1 bet, got %d", len(res.StrategicBets.Bets))
	}
	if got := res.StrategicBets.Bets[0].LinkedOpportunityIDs; len(got) != 1 || got[0] != o.ID {
		t.Fatalf("bet linked ids = %v, want [%s]", got, o.ID)
	}

	if res.Signals.RepairCount != 0 {
		t.Fatalf("RepairCount = %d, want 0", res.Signals.RepairCount)
	}
	for _, row := range res.Scorecard.Rows {
		if row.Composite <= 0 || row.Composite > 5 {
			t.Fatalf("composite %v out of range for %s", row.Composite, row.Competitor)
		}
	}
}

func TestPipelineDropsUnderEvidencedOpportunities(t *testing.T) {
	thin := `{"opportunities":[{
	  "title":"Thin claim",
	  "job_to_be_done":{"job":"j","context":"c","constraints":[],"for_whom":"w","current_tools":"t"},
	  "for_whom":"w",
	  "competitive_gap":"gap asserted from almost nothing",
	  "recommendation":{"what_to_do":"do","why_now":"now","expected_impact":"impact","risks":[]},
	  "citation_evidence_ids":["ev-1","ev-2"],
	  "assumptions":[]
	}]}`
	st := healthyStore(t)
	p, _ := scriptedPipeline(st, jtbdJSON, scorecardJSON, thin, betsJSON)

	res, err := p.Run(context.Background(), "proj-1", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Opportunities.Opportunities) != 0 {
		t.Fatalf("expected under-evidenced opportunity to be dropped, got %d", len(res.Opportunities.Opportunities))
	}
	notes := res.Opportunities.GenerationNotes
	if notes == nil || !notes.FailedClosed {
		t.Fatalf("expected failed-closed generation notes, got %+v", notes)
	}
	if len(notes.Reasons) == 0 {
		t.Fatal("expected gate reasons in notes")
	}
	// An empty-but-valid artifact is still a successful run: all four
	// documents persist.
	if len(st.saved) != 1 || len(st.saved[0]) != 4 {
		t.Fatalf("expected one batch of 4 artifacts, got %v", st.saved)
	}
}

func TestPipelineValidationFailurePersistsNothing(t *testing.T) {
	st := healthyStore(t)
	p, caller := scriptedPipeline(st, "not json", "still not json")

	_, err := p.Run(context.Background(), "proj-1", nil)
	var re *RunError
	if !errors.As(err, &re) {
		t.Fatalf("expected *RunError, got %v", err)
	}
	if re.Code != "JTBD_VALIDATION_FAILED" {
		t.Fatalf("Code = %q, want JTBD_VALIDATION_FAILED", re.Code)
	}
	if caller.calls != 2 {
		t.Fatalf("caller.calls = %d, want exactly 2 (generate + one repair)", caller.calls)
	}
	if len(st.saved) != 0 {
		t.Fatalf("failed run persisted %d batches, want 0", len(st.saved))
	}
}

func TestPipelineRepairCountDiscountsScores(t *testing.T) {
	st := healthyStore(t)
	// First jtbd response is malformed; the repair succeeds, then the
	// remaining stages pass first try.
	p, _ := scriptedPipeline(st, "not json", jtbdJSON, scorecardJSON, oppsJSON, betsJSON)

	res, err := p.Run(context.Background(), "proj-1", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Signals.RepairCount != 1 {
		t.Fatalf("RepairCount = %d, want 1", res.Signals.RepairCount)
	}
	if len(res.Opportunities.Opportunities) != 1 {
		t.Fatalf("expected 1 opportunity, got %d", len(res.Opportunities.Opportunities))
	}
	// One repair lowers the ceiling by 5: raw 100 becomes 95.
	if got := res.Opportunities.Opportunities[0].Scores.Total; got != 95 {
		t.Fatalf("Total = %d, want 95 after one repair", got)
	}
}
