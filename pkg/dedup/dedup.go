package dedup

import (
	"strconv"

	"github.com/puzzlehealth/reconciler/pkg/common/models"
	"github.com/puzzlehealth/reconciler/pkg/facility"
	"github.com/puzzlehealth/reconciler/pkg/matching"
)

// Filter selects the records a count applies to.
type Filter func(models.PatientRecord) bool

// Counts carries both counting modes for one category. Gross is the raw
// qualifying row count across all batches, never deduplicated. Unique is the
// distinct-matched-identity count among qualifying rows. Zero values, never
// absent.
type Counts struct {
	Gross  int `json:"gross"`
	Unique int `json:"unique"`
}

// PatientGroup is one matched identity together with every record absorbed
// for it, in absorption order.
type PatientGroup struct {
	Identity matching.Identity
	Records  []models.PatientRecord
}

// Deduplicator reconciles encounter-level batches for one facility in one
// run. Batches may overlap in calendar period; identity is transitive across
// any number of batches.
type Deduplicator struct {
	roster  *matching.Roster
	records []models.PatientRecord
	owners  []int // identity per record, -1 for discarded
}

func New(fac facility.Key, prefixLen int) *Deduplicator {
	return &Deduplicator{roster: matching.NewRoster(fac, prefixLen)}
}

// AddBatch absorbs one extract batch. Call once per batch, in upload order.
func (d *Deduplicator) AddBatch(records []models.PatientRecord) {
	assignments := d.roster.Absorb(records)
	d.records = append(d.records, records...)
	d.owners = append(d.owners, assignments...)
}

// Count computes gross and unique-patient counts for one category filter.
func (d *Deduplicator) Count(filter Filter) Counts {
	counts := Counts{}
	seen := make(map[int]bool)
	for i, rec := range d.records {
		if d.owners[i] < 0 || !filter(rec) {
			continue
		}
		counts.Gross++
		if !seen[d.owners[i]] {
			seen[d.owners[i]] = true
			counts.Unique++
		}
	}
	return counts
}

// Encounters counts distinct (identity, reporting period) pairs among
// qualifying rows: the same patient mentioned by two overlapping monthly
// batches in the same period is one encounter.
func (d *Deduplicator) Encounters(filter Filter) int {
	seen := make(map[string]bool)
	total := 0
	for i, rec := range d.records {
		if d.owners[i] < 0 || !filter(rec) {
			continue
		}
		key := encounterKey(d.owners[i], rec)
		if !seen[key] {
			seen[key] = true
			total++
		}
	}
	return total
}

// UniquePatients returns the distinct identity count across all batches.
func (d *Deduplicator) UniquePatients() int {
	return d.roster.Size()
}

// Discarded returns how many cross-facility records were dropped.
func (d *Deduplicator) Discarded() int {
	return d.roster.Discarded()
}

// Groups returns every identity with its records, in founding order.
func (d *Deduplicator) Groups() []PatientGroup {
	identities := d.roster.Identities()
	groups := make([]PatientGroup, len(identities))
	for i, id := range identities {
		groups[i] = PatientGroup{Identity: id}
	}
	for i, rec := range d.records {
		owner := d.owners[i]
		if owner < 0 {
			continue
		}
		groups[owner].Records = append(groups[owner].Records, rec)
	}
	return groups
}

func encounterKey(identity int, rec models.PatientRecord) string {
	bucket := ""
	if !rec.EncounterDate.IsZero() {
		bucket = rec.EncounterDate.Format("2006-01")
	}
	return strconv.Itoa(identity) + "|" + bucket
}
