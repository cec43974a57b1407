package artifact

import (
	"encoding/json"
	"testing"

	"github.com/kmorrow/rivalscope/internal/evidence"
)

func TestInputVersionOrderIndependent(t *testing.T) {
	a := InputVersion([]string{"e1", "e2"}, []string{"c1"})
	b := InputVersion([]string{"e2", "e1"}, []string{"c1"})
	if a != b {
		t.Fatalf("fingerprint must ignore ordering: %s vs %s", a, b)
	}
	c := InputVersion([]string{"e1"}, []string{"c1"})
	if a == c {
		t.Fatal("different inputs must fingerprint differently")
	}
}

func TestDecodeOpportunityCurrent(t *testing.T) {
	opp := Opportunity{
		SchemaVersion: SchemaOpportunityV1,
		ID:            "opp-1",
		Title:         "Displace the incumbent on pricing transparency",
		Confidence:    evidence.ConfidenceDirectional,
	}
	blob, err := json.Marshal(opp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := DecodeOpportunity(blob)
	if err != nil {
		t.Fatalf("DecodeOpportunity: %v", err)
	}
	if got.ID != "opp-1" || got.Confidence != evidence.ConfidenceDirectional {
		t.Fatalf("roundtrip mismatch: %+v", got)
	}
}

func TestDecodeOpportunityUpgradesV02(t *testing.T) {
	blob := []byte(`{
		"schema_version": "opportunity_v0.2",
		"id": "opp-old",
		"title": "Legacy wedge",
		"summary": "The gap narrative",
		"for_whom": "Mid-market ops teams",
		"citations": [{"evidence_id":"e1","url":"https://a.example.com/x","source_type":"pricing","excerpt":"An excerpt that is long enough here."}],
		"score": 88
	}`)
	got, err := DecodeOpportunity(blob)
	if err != nil {
		t.Fatalf("DecodeOpportunity: %v", err)
	}
	if got.SchemaVersion != SchemaOpportunityV1 {
		t.Fatalf("expected upgrade to current schema, got %s", got.SchemaVersion)
	}
	if got.CompetitiveGap != "The gap narrative" {
		t.Fatalf("summary must map to competitive_gap, got %q", got.CompetitiveGap)
	}
	if got.Scores.Total != 0 {
		t.Fatalf("legacy score must be dropped, got %d", got.Scores.Total)
	}
	if got.EvidenceSummary.TotalCitations != 1 {
		t.Fatalf("citation summary not rebuilt: %+v", got.EvidenceSummary)
	}
}

func TestDecodeOpportunityUnknownVersion(t *testing.T) {
	if _, err := DecodeOpportunity([]byte(`{"schema_version":"opportunity_v9.9"}`)); err == nil {
		t.Fatal("unknown schema_version must error")
	}
}
