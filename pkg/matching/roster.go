package matching

import (
	"github.com/puzzlehealth/reconciler/pkg/common/logger"
	"github.com/puzzlehealth/reconciler/pkg/common/models"
	"github.com/puzzlehealth/reconciler/pkg/facility"
)

// Identity is one patient as the roster understands it: the union of every
// record, across every absorbed batch, that the cascade ties together.
// Identity equality is transitive; if A matches B and B matches C, all three
// share one identity.
type Identity struct {
	ID        int
	PatientID string
	FirstName string
	LastName  string
	Records   int
	Batch     int // batch the identity was founded in
}

// Roster is the per-facility, per-run identity pool. Batches are absorbed in
// order; each incoming record either joins an existing identity through the
// cascade or founds a new one. The roster is a run-scoped value, never shared
// across runs.
type Roster struct {
	facility   facility.Key
	strategies []Strategy
	identities []Identity
	keys       map[string]int   // id: and name: keys -> identity
	partials   map[string][]int // partial: keys -> identities in founding order
	batch      int
	discarded  int
}

func NewRoster(fac facility.Key, prefixLen int) *Roster {
	return &Roster{
		facility:   fac,
		strategies: Strategies(prefixLen),
		keys:       make(map[string]int),
		partials:   make(map[string][]int),
	}
}

// Absorb folds one batch into the roster and returns the identity id assigned
// to each record, parallel to the input. Records keyed to another facility are
// discarded with assignment -1.
//
// Exact tiers join within a batch too: repeat rows for one patient in a single
// extract are the same patient. The partial tier only joins identities founded
// in earlier batches; two similar-but-different surnames inside one extract
// are distinct patients.
func (r *Roster) Absorb(records []models.PatientRecord) []int {
	r.batch++
	assignments := make([]int, len(records))
	for i, rec := range records {
		assignments[i] = r.absorbOne(rec)
	}
	return assignments
}

func (r *Roster) absorbOne(rec models.PatientRecord) int {
	if rec.FacilityKey != "" && r.facility != "" && rec.FacilityKey != string(r.facility) {
		r.discarded++
		logger.Log.WithFields(map[string]interface{}{
			"facility":        string(r.facility),
			"record_facility": rec.FacilityKey,
			"extract":         string(rec.Extract),
		}).Warn("cross-facility record discarded from roster")
		return -1
	}

	for _, strat := range r.strategies {
		key := strat.Key(rec)
		if key == "" {
			continue
		}
		if strat.Name() == "partial_name" {
			id, candidates, ok := r.earlierBatchIdentity(key)
			if !ok {
				continue
			}
			logger.Log.WithFields(map[string]interface{}{
				"facility":   string(r.facility),
				"first_name": rec.FirstName,
				"last_name":  rec.LastName,
				"identity":   id,
				"candidates": candidates,
			}).Debug("partial-name roster join")
			r.join(id, rec)
			return id
		}
		if id, ok := r.keys[key]; ok {
			r.join(id, rec)
			return id
		}
	}

	return r.found(rec)
}

// earlierBatchIdentity returns the first partial candidate founded before the
// current batch, in founding order.
func (r *Roster) earlierBatchIdentity(key string) (int, int, bool) {
	candidates := 0
	chosen := -1
	for _, id := range r.partials[key] {
		if r.identities[id].Batch < r.batch {
			candidates++
			if chosen < 0 {
				chosen = id
			}
		}
	}
	if chosen < 0 {
		return 0, 0, false
	}
	return chosen, candidates, true
}

// join attaches a record to an existing identity and registers the record's
// own keys so later records can reach the identity through them.
func (r *Roster) join(id int, rec models.PatientRecord) {
	r.identities[id].Records++
	if r.identities[id].PatientID == "" && rec.PatientID != "" {
		r.identities[id].PatientID = rec.PatientID
	}
	r.register(id, rec)
}

func (r *Roster) found(rec models.PatientRecord) int {
	id := len(r.identities)
	r.identities = append(r.identities, Identity{
		ID:        id,
		PatientID: rec.PatientID,
		FirstName: rec.FirstName,
		LastName:  rec.LastName,
		Records:   1,
		Batch:     r.batch,
	})
	r.register(id, rec)
	return id
}

// register indexes an identity under every key the record supplies. First
// registration wins on conflicts, keeping assignment order deterministic.
func (r *Roster) register(id int, rec models.PatientRecord) {
	for _, strat := range r.strategies {
		key := strat.Key(rec)
		if key == "" {
			continue
		}
		if strat.Name() == "partial_name" {
			if !containsInt(r.partials[key], id) {
				r.partials[key] = append(r.partials[key], id)
			}
			continue
		}
		if _, ok := r.keys[key]; !ok {
			r.keys[key] = id
		}
	}
}

// Size returns the number of distinct identities absorbed so far.
func (r *Roster) Size() int { return len(r.identities) }

// Discarded returns how many cross-facility records were dropped.
func (r *Roster) Discarded() int { return r.discarded }

// Identities returns the pool in founding order.
func (r *Roster) Identities() []Identity {
	out := make([]Identity, len(r.identities))
	copy(out, r.identities)
	return out
}

func containsInt(list []int, v int) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
