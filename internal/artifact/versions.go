package artifact

import (
	"encoding/json"
	"fmt"

	"github.com/kmorrow/rivalscope/internal/evidence"
	"github.com/kmorrow/rivalscope/internal/scoring"
)

// Historical opportunity schema literals still present in stored
// artifacts. Decoding switches exhaustively on the discriminant instead
// of probing for fields.
const (
	schemaOpportunityV01 = "opportunity_v0.1"
	schemaOpportunityV02 = "opportunity_v0.2"
)

// opportunityV01 was a narrative sketch before citations were enforced.
type opportunityV01 struct {
	SchemaVersion string `json:"schema_version"`
	ID            string `json:"id"`
	Title         string `json:"title"`
	Summary       string `json:"summary"`
	ForWhom       string `json:"for_whom"`
}

// opportunityV02 added citations and a bare numeric score.
type opportunityV02 struct {
	SchemaVersion string              `json:"schema_version"`
	ID            string              `json:"id"`
	Title         string              `json:"title"`
	Summary       string              `json:"summary"`
	ForWhom       string              `json:"for_whom"`
	Citations     []evidence.Citation `json:"citations"`
	Score         int                 `json:"score"`
}

// DecodeOpportunity reads a stored opportunity of any known schema version
// and upgrades it to the current shape. Unknown versions are an error, not
// a best-effort guess.
func DecodeOpportunity(raw json.RawMessage) (Opportunity, error) {
	var probe struct {
		SchemaVersion string `json:"schema_version"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return Opportunity{}, fmt.Errorf("opportunity envelope: %w", err)
	}

	switch probe.SchemaVersion {
	case SchemaOpportunityV1:
		var opp Opportunity
		if err := json.Unmarshal(raw, &opp); err != nil {
			return Opportunity{}, fmt.Errorf("decode %s: %w", SchemaOpportunityV1, err)
		}
		return opp, nil
	case schemaOpportunityV02:
		var old opportunityV02
		if err := json.Unmarshal(raw, &old); err != nil {
			return Opportunity{}, fmt.Errorf("decode %s: %w", schemaOpportunityV02, err)
		}
		return upgradeV02(old), nil
	case schemaOpportunityV01:
		var old opportunityV01
		if err := json.Unmarshal(raw, &old); err != nil {
			return Opportunity{}, fmt.Errorf("decode %s: %w", schemaOpportunityV01, err)
		}
		return upgradeV01(old), nil
	default:
		return Opportunity{}, fmt.Errorf("unknown opportunity schema_version %q", probe.SchemaVersion)
	}
}

func upgradeV01(old opportunityV01) Opportunity {
	return Opportunity{
		SchemaVersion:  SchemaOpportunityV1,
		ID:             old.ID,
		Title:          old.Title,
		ForWhom:        old.ForWhom,
		CompetitiveGap: old.Summary,
		Confidence:     evidence.ConfidenceExploratory,
		Assumptions:    []string{"migrated from a pre-citation schema; evidence trail unavailable"},
	}
}

func upgradeV02(old opportunityV02) Opportunity {
	return Opportunity{
		SchemaVersion:  SchemaOpportunityV1,
		ID:             old.ID,
		Title:          old.Title,
		ForWhom:        old.ForWhom,
		CompetitiveGap: old.Summary,
		Citations:      old.Citations,
		EvidenceSummary: EvidenceSummary{
			TotalCitations:       len(old.Citations),
			EvidenceTypesPresent: evidence.SourceTypesPresent(old.Citations),
		},
		// The legacy score predates driver provenance and cannot be
		// trusted; it is dropped rather than carried forward.
		Scores:      scoring.Scores{},
		Confidence:  evidence.ConfidenceExploratory,
		Assumptions: []string{"migrated from a pre-driver schema; score recomputation required"},
	}
}
