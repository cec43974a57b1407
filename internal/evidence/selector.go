package evidence

import (
	"sort"

	"github.com/google/uuid"
)

// MaxSelectedCitations bounds how much evidence feeds one opportunity
// candidate. More than six citations adds prompt weight without adding
// support.
const MaxSelectedCitations = 6

// SelectBestCitations picks a diverse, bounded subset of the evidence pool
// suitable for one opportunity candidate: 3-6 citations spanning at least
// two source types, preferring distinct publisher domains. It fails closed:
// any pool that cannot meet the floor yields nil.
//
// Selection is deterministic for the same pool in the same order. The only
// non-deterministic input is the generated evidence id fallback for items
// without an id, which affects identity, never choice.
func SelectBestCitations(pool []Item) []Citation {
	usable := make([]Item, 0, len(pool))
	for _, it := range pool {
		if it.URL == "" || len(it.Excerpt()) < MinExcerptChars {
			continue
		}
		usable = append(usable, it)
	}
	if len(usable) < MinCitationsForOpportunity {
		return nil
	}

	byType := map[SourceType][]Item{}
	typeOrder := []SourceType{}
	for _, it := range usable {
		st := normalizeType(it.Type)
		if _, ok := byType[st]; !ok {
			typeOrder = append(typeOrder, st)
		}
		byType[st] = append(byType[st], it)
	}
	if len(typeOrder) < MinSourceTypesForOpportunity {
		return nil
	}

	selected := make([]Item, 0, MaxSelectedCitations)
	selectedIDs := map[int]struct{}{}
	domainsSeen := map[string]struct{}{}

	// First pass: one item per source type, preferring unseen domains, to
	// lock in type and domain diversity before anything else.
	for _, st := range typeOrder {
		if len(selected) >= MaxSelectedCitations {
			break
		}
		pick := -1
		for i, it := range usable {
			if normalizeType(it.Type) != st {
				continue
			}
			if _, taken := selectedIDs[i]; taken {
				continue
			}
			if _, seen := domainsSeen[Domain(it.URL)]; !seen {
				pick = i
				break
			}
			if pick < 0 {
				pick = i
			}
		}
		if pick >= 0 {
			selected = append(selected, usable[pick])
			selectedIDs[pick] = struct{}{}
			domainsSeen[Domain(usable[pick].URL)] = struct{}{}
		}
	}

	// Second pass: fill remaining slots, preferring under-represented
	// types and not-yet-seen domains. The sort is stable so ties resolve
	// by pool order.
	if len(selected) < MaxSelectedCitations {
		typeCounts := map[SourceType]int{}
		for _, it := range selected {
			typeCounts[normalizeType(it.Type)]++
		}
		rest := make([]int, 0, len(usable))
		for i := range usable {
			if _, taken := selectedIDs[i]; !taken {
				rest = append(rest, i)
			}
		}
		sort.SliceStable(rest, func(a, b int) bool {
			ia, ib := usable[rest[a]], usable[rest[b]]
			ca, cb := typeCounts[normalizeType(ia.Type)], typeCounts[normalizeType(ib.Type)]
			if ca != cb {
				return ca < cb
			}
			_, seenA := domainsSeen[Domain(ia.URL)]
			_, seenB := domainsSeen[Domain(ib.URL)]
			if seenA != seenB {
				return !seenA
			}
			return rest[a] < rest[b]
		})
		for _, i := range rest {
			if len(selected) >= MaxSelectedCitations {
				break
			}
			selected = append(selected, usable[i])
			typeCounts[normalizeType(usable[i].Type)]++
			domainsSeen[Domain(usable[i].URL)] = struct{}{}
		}
	}

	citations := make([]Citation, 0, len(selected))
	for _, it := range selected {
		citations = append(citations, CitationFromItem(it))
	}
	if len(citations) < MinCitationsForOpportunity || DistinctSourceTypes(citations) < MinSourceTypesForOpportunity {
		return nil
	}
	return citations
}

// CitationFromItem builds a citation from one pool item, minting an id
// when the item has none and normalizing unknown source types to other.
func CitationFromItem(it Item) Citation {
	id := it.ID
	if id == "" {
		id = "ev-" + uuid.NewString()
	}
	return Citation{
		EvidenceID:  id,
		URL:         it.URL,
		SourceType:  normalizeType(it.Type),
		Excerpt:     it.Excerpt(),
		RetrievedAt: it.RetrievedAt,
	}
}

func normalizeType(st SourceType) SourceType {
	if ValidSourceType(st) {
		return st
	}
	return SourceOther
}
