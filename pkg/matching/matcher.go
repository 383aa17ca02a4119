package matching

import (
	"strings"

	"github.com/puzzlehealth/reconciler/pkg/common/logger"
	"github.com/puzzlehealth/reconciler/pkg/common/models"
	"github.com/puzzlehealth/reconciler/pkg/facility"
)

// DefaultPrefixLen is the last-name prefix length for the partial tier when no
// override is configured.
const DefaultPrefixLen = 3

// Strategy is one tier of the matching cascade. Key derives the comparison key
// for a record, or "" when the tier does not apply to it.
type Strategy interface {
	Name() string
	Key(r models.PatientRecord) string
}

type idStrategy struct{}

func (idStrategy) Name() string { return "patient_id" }

func (idStrategy) Key(r models.PatientRecord) string {
	if r.PatientID == "" {
		return ""
	}
	return "id:" + strings.TrimSpace(r.PatientID)
}

type nameStrategy struct{}

func (nameStrategy) Name() string { return "full_name" }

func (nameStrategy) Key(r models.PatientRecord) string {
	if !r.HasName() {
		return ""
	}
	return "name:" + foldName(r.FirstName) + "|" + foldName(r.LastName)
}

type partialStrategy struct {
	prefixLen int
}

func (partialStrategy) Name() string { return "partial_name" }

func (s partialStrategy) Key(r models.PatientRecord) string {
	if !r.HasName() {
		return ""
	}
	return "partial:" + foldName(r.FirstName) + "|" + prefix(foldName(r.LastName), s.prefixLen)
}

// Strategies returns the cascade in priority order: exact patient id, exact
// case-insensitive full name, then exact first name plus a last-name prefix.
func Strategies(prefixLen int) []Strategy {
	if prefixLen <= 0 {
		prefixLen = DefaultPrefixLen
	}
	return []Strategy{idStrategy{}, nameStrategy{}, partialStrategy{prefixLen: prefixLen}}
}

// Pair links one record of source A to one record of source B by slice index.
type Pair struct {
	A      int
	B      int
	Method string
}

// Result is the correspondence between two record sets for one facility.
// Unmatched indexes are expected, not errors: a patient can be present in one
// extract only.
type Result struct {
	Facility   facility.Key
	Pairs      []Pair
	UnmatchedA []int
	UnmatchedB []int
	Discarded  int
}

type Matcher struct {
	strategies []Strategy
}

func NewMatcher(prefixLen int) *Matcher {
	return &Matcher{strategies: Strategies(prefixLen)}
}

// Match produces the correspondence between sourceA and sourceB within one
// facility. Tiers run as full passes in priority order; within a pass, source-A
// records are visited in input order and claim the first unconsumed source-B
// candidate in input order. Each record is consumed at most once per source.
// Records keyed to a different facility are discarded and logged; they indicate
// a facility-normalization problem upstream.
func (m *Matcher) Match(sourceA, sourceB []models.PatientRecord, fac facility.Key) Result {
	result := Result{Facility: fac}

	eligibleA := eligible(sourceA, fac, &result.Discarded)
	eligibleB := eligible(sourceB, fac, &result.Discarded)

	consumedA := make(map[int]bool, len(eligibleA))
	consumedB := make(map[int]bool, len(eligibleB))

	for _, strat := range m.strategies {
		index := make(map[string][]int)
		for _, bi := range eligibleB {
			if consumedB[bi] {
				continue
			}
			if key := strat.Key(sourceB[bi]); key != "" {
				index[key] = append(index[key], bi)
			}
		}

		for _, ai := range eligibleA {
			if consumedA[ai] {
				continue
			}
			key := strat.Key(sourceA[ai])
			if key == "" {
				continue
			}
			candidates := index[key]
			bi, ok := claim(candidates, consumedB)
			if !ok {
				continue
			}
			consumedA[ai] = true
			consumedB[bi] = true
			result.Pairs = append(result.Pairs, Pair{A: ai, B: bi, Method: strat.Name()})

			if strat.Name() == "partial_name" {
				logger.Log.WithFields(map[string]interface{}{
					"facility":   string(fac),
					"first_name": sourceA[ai].FirstName,
					"last_a":     sourceA[ai].LastName,
					"last_b":     sourceB[bi].LastName,
					"candidates": len(candidates),
				}).Debug("partial-name match accepted")
			}
		}
	}

	for _, ai := range eligibleA {
		if !consumedA[ai] {
			result.UnmatchedA = append(result.UnmatchedA, ai)
		}
	}
	for _, bi := range eligibleB {
		if !consumedB[bi] {
			result.UnmatchedB = append(result.UnmatchedB, bi)
		}
	}
	return result
}

// claim returns the first unconsumed candidate in iteration order. When more
// than one candidate qualifies, the first wins.
func claim(candidates []int, consumed map[int]bool) (int, bool) {
	for _, c := range candidates {
		if !consumed[c] {
			return c, true
		}
	}
	return 0, false
}

func eligible(records []models.PatientRecord, fac facility.Key, discarded *int) []int {
	indexes := make([]int, 0, len(records))
	for i, r := range records {
		if r.FacilityKey != "" && fac != "" && r.FacilityKey != string(fac) {
			*discarded++
			logger.Log.WithFields(map[string]interface{}{
				"facility":        string(fac),
				"record_facility": r.FacilityKey,
				"extract":         string(r.Extract),
			}).Warn("cross-facility match attempt discarded")
			continue
		}
		indexes = append(indexes, i)
	}
	return indexes
}

func foldName(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func prefix(s string, n int) string {
	if n <= 0 {
		n = DefaultPrefixLen
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
