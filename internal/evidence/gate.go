package evidence

import (
	"fmt"
	"strings"
)

const (
	// MinCitationsForOpportunity is the floor below which no opportunity
	// is published, regardless of citation quality.
	MinCitationsForOpportunity = 3
	// MinSourceTypesForOpportunity requires corroboration across at least
	// two kinds of evidence.
	MinSourceTypesForOpportunity = 2
)

type Confidence string

const (
	ConfidenceExploratory     Confidence = "exploratory"
	ConfidenceDirectional     Confidence = "directional"
	ConfidenceInvestmentReady Confidence = "investment_ready"
)

// GateResult reports whether a citation set clears the evidence bar.
// Reasons lists every violated rule, not just the first, so callers can
// surface all deficiencies at once.
type GateResult struct {
	OK      bool     `json:"ok"`
	Reasons []string `json:"reasons"`
}

// HasMinimumEvidenceForOpportunity decides whether the citations are
// sufficient to support one opportunity. All rules must hold:
// count >= 3, distinct source types >= 2, and every citation individually
// carries a non-empty URL and an excerpt of at least MinExcerptChars.
// The per-citation check is defense in depth behind ValidateCitation.
func HasMinimumEvidenceForOpportunity(citations []Citation) GateResult {
	var reasons []string

	if len(citations) < MinCitationsForOpportunity {
		reasons = append(reasons, fmt.Sprintf("need at least %d citations, have %d", MinCitationsForOpportunity, len(citations)))
	}
	if n := DistinctSourceTypes(citations); n < MinSourceTypesForOpportunity {
		reasons = append(reasons, fmt.Sprintf("need at least %d distinct source types, have %d", MinSourceTypesForOpportunity, n))
	}
	for i, c := range citations {
		if strings.TrimSpace(c.URL) == "" {
			reasons = append(reasons, fmt.Sprintf("citation %d has an empty url", i))
		}
		if len(c.Excerpt) < MinExcerptChars {
			reasons = append(reasons, fmt.Sprintf("citation %d excerpt is shorter than %d characters", i, MinExcerptChars))
		}
	}

	return GateResult{OK: len(reasons) == 0, Reasons: reasons}
}

// DeriveConfidenceFromEvidence maps citation volume and diversity to a
// coarse confidence tier. Callers must only pass citation sets that
// already cleared HasMinimumEvidenceForOpportunity; this function does
// not re-validate, so ungated input can yield a misleadingly optimistic
// label.
func DeriveConfidenceFromEvidence(citations []Citation) Confidence {
	count := len(citations)
	types := DistinctSourceTypes(citations)
	switch {
	case count >= 10 && types >= 4:
		return ConfidenceInvestmentReady
	case count >= 6 && types >= 3:
		return ConfidenceDirectional
	default:
		return ConfidenceExploratory
	}
}

func DistinctSourceTypes(citations []Citation) int {
	seen := map[SourceType]struct{}{}
	for _, c := range citations {
		seen[c.SourceType] = struct{}{}
	}
	return len(seen)
}

// SourceTypesPresent returns the distinct source types in stable enum
// declaration order.
func SourceTypesPresent(citations []Citation) []SourceType {
	seen := map[SourceType]struct{}{}
	for _, c := range citations {
		seen[c.SourceType] = struct{}{}
	}
	out := make([]SourceType, 0, len(seen))
	for _, st := range SourceTypes {
		if _, ok := seen[st]; ok {
			out = append(out, st)
		}
	}
	return out
}
