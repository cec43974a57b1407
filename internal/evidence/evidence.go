package evidence

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// MinExcerptChars is the shortest excerpt accepted as usable evidence.
// Anything shorter cannot support a claim and is rejected at the door.
const MinExcerptChars = 20

type SourceType string

const (
	SourcePricing     SourceType = "pricing"
	SourceDocs        SourceType = "docs"
	SourceChangelog   SourceType = "changelog"
	SourceReviews     SourceType = "reviews"
	SourceCommunity   SourceType = "community"
	SourceSecurity    SourceType = "security"
	SourceJobs        SourceType = "jobs"
	SourceCaseStudies SourceType = "case_studies"
	SourceOther       SourceType = "other"
)

// SourceTypes lists the closed enumeration in declaration order.
var SourceTypes = []SourceType{
	SourcePricing,
	SourceDocs,
	SourceChangelog,
	SourceReviews,
	SourceCommunity,
	SourceSecurity,
	SourceJobs,
	SourceCaseStudies,
	SourceOther,
}

func ValidSourceType(v SourceType) bool {
	switch v {
	case SourcePricing, SourceDocs, SourceChangelog, SourceReviews,
		SourceCommunity, SourceSecurity, SourceJobs, SourceCaseStudies, SourceOther:
		return true
	default:
		return false
	}
}

// Citation is one piece of evidence backing a claim. Every citation
// passes through ValidateCitation before it can support anything,
// regardless of where it came from.
type Citation struct {
	EvidenceID  string     `json:"evidence_id"`
	URL         string     `json:"url"`
	SourceType  SourceType `json:"source_type"`
	Excerpt     string     `json:"excerpt"`
	RetrievedAt string     `json:"retrieved_at,omitempty"`
}

// Item is a raw evidence item as stored for a project, prior to selection.
type Item struct {
	ID          string     `json:"id"`
	Type        SourceType `json:"type"`
	URL         string     `json:"url"`
	Snippet     string     `json:"snippet,omitempty"`
	Title       string     `json:"title,omitempty"`
	RetrievedAt string     `json:"retrieved_at,omitempty"`
}

// Excerpt returns the supporting text of an item: the snippet when present,
// otherwise the title.
func (it Item) Excerpt() string {
	if strings.TrimSpace(it.Snippet) != "" {
		return it.Snippet
	}
	return it.Title
}

// ValidateCitation enforces the field-level evidence contract. It returns
// the citation unchanged on success and a descriptive error on the first
// violated rule.
func ValidateCitation(raw Citation) (Citation, error) {
	if strings.TrimSpace(raw.EvidenceID) == "" {
		return Citation{}, fmt.Errorf("evidence_id is required")
	}
	if err := validateAbsoluteURL(raw.URL); err != nil {
		return Citation{}, fmt.Errorf("url: %w", err)
	}
	if !ValidSourceType(raw.SourceType) {
		return Citation{}, fmt.Errorf("source_type %q is not in the closed enumeration", raw.SourceType)
	}
	if len(raw.Excerpt) < MinExcerptChars {
		return Citation{}, fmt.Errorf("excerpt must be at least %d characters, got %d", MinExcerptChars, len(raw.Excerpt))
	}
	if strings.TrimSpace(raw.RetrievedAt) != "" {
		if _, err := time.Parse(time.RFC3339, raw.RetrievedAt); err != nil {
			return Citation{}, fmt.Errorf("retrieved_at: %w", err)
		}
	}
	return raw, nil
}

func validateAbsoluteURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("must be an absolute URL")
	}
	return nil
}

// Domain extracts the registrable host of a citation or item URL, used by
// the selector to spread citations across distinct publishers. Unparseable
// URLs map to the empty domain.
func Domain(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Host), "www.")
}
