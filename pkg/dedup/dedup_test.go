package dedup

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/puzzlehealth/reconciler/pkg/common/logger"
	"github.com/puzzlehealth/reconciler/pkg/common/models"
)

func TestMain(m *testing.M) {
	logger.Init()
	os.Exit(m.Run())
}

const fac = "medilodge of wyoming"

func visit(first, last, pos string, date time.Time) models.PatientRecord {
	return models.PatientRecord{
		Extract:        models.ExtractChargeCapture,
		FacilityKey:    fac,
		FirstName:      first,
		LastName:       last,
		PlaceOfService: pos,
		EncounterDate:  date,
	}
}

func posFilter(code string) Filter {
	return func(r models.PatientRecord) bool { return r.PlaceOfService == code }
}

func all(models.PatientRecord) bool { return true }

func TestGrossCountsEveryRowUniqueCountsEachPatientOnce(t *testing.T) {
	// 26 patients; batch one has two rows each, batch two repeats the first
	// thirteen patients: 65 qualifying rows, 26 distinct patients.
	day := time.Date(2024, 7, 10, 0, 0, 0, 0, time.UTC)
	var one, two []models.PatientRecord
	for i := 0; i < 26; i++ {
		first := fmt.Sprintf("Pat%02d", i)
		last := fmt.Sprintf("Resident%02d", i)
		one = append(one, visit(first, last, "32", day))
		one = append(one, visit(first, last, "32", day.AddDate(0, 0, 1)))
	}
	for i := 0; i < 13; i++ {
		two = append(two, visit(fmt.Sprintf("Pat%02d", i), fmt.Sprintf("Resident%02d", i), "32", day))
	}

	d := New(fac, 3)
	d.AddBatch(one)
	d.AddBatch(two)

	counts := d.Count(posFilter("32"))
	if counts.Gross != 65 {
		t.Fatalf("expected gross 65, got %d", counts.Gross)
	}
	if counts.Unique != 26 {
		t.Fatalf("expected unique 26, got %d", counts.Unique)
	}
}

func TestUniqueNeverExceedsGross(t *testing.T) {
	day := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	d := New(fac, 3)
	d.AddBatch([]models.PatientRecord{
		visit("Ann", "Kowalski", "32", day),
		visit("Ann", "Kowalski", "32", day),
		visit("Bea", "Ortiz", "11", day),
	})
	d.AddBatch([]models.PatientRecord{
		visit("Ann", "Kowalski", "32", day),
		visit("Carl", "Nguyen", "32", day),
	})
	for _, filter := range []Filter{all, posFilter("32"), posFilter("11"), posFilter("99")} {
		counts := d.Count(filter)
		if counts.Unique > counts.Gross {
			t.Fatalf("unique %d exceeds gross %d", counts.Unique, counts.Gross)
		}
	}
}

func TestDisjointSetsAddUp(t *testing.T) {
	day := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	setA := []models.PatientRecord{
		visit("Ann", "Kowalski", "32", day),
		visit("Bea", "Ortiz", "32", day),
	}
	setB := []models.PatientRecord{
		visit("Carl", "Nguyen", "32", day),
		visit("Dina", "Petrov", "32", day),
	}

	onlyA := New(fac, 3)
	onlyA.AddBatch(setA)
	onlyB := New(fac, 3)
	onlyB.AddBatch(setB)
	union := New(fac, 3)
	union.AddBatch(setA)
	union.AddBatch(setB)

	sum := onlyA.Count(all).Unique + onlyB.Count(all).Unique
	if got := union.Count(all).Unique; got != sum {
		t.Fatalf("expected union unique %d, got %d", sum, got)
	}
}

func TestZeroQualifyingRowsReportsZeroNotAbsent(t *testing.T) {
	d := New(fac, 3)
	if counts := d.Count(all); counts.Gross != 0 || counts.Unique != 0 {
		t.Fatalf("expected 0/0 for empty deduplicator, got %+v", counts)
	}

	d.AddBatch([]models.PatientRecord{visit("Ann", "Kowalski", "11", time.Time{})})
	if counts := d.Count(posFilter("32")); counts.Gross != 0 || counts.Unique != 0 {
		t.Fatalf("expected 0/0 for non-qualifying rows, got %+v", counts)
	}
}

func TestPartialMatchedPatientCountedOnce(t *testing.T) {
	assessment := models.PatientRecord{
		Extract:     models.ExtractAssessment,
		FacilityKey: fac,
		FirstName:   "Megan",
		LastName:    "Vandenberg",
	}
	stay := models.PatientRecord{
		Extract:     models.ExtractLengthOfStay,
		FacilityKey: fac,
		FirstName:   "Megan",
		LastName:    "Vandenberghe",
	}
	d := New(fac, 3)
	d.AddBatch([]models.PatientRecord{assessment})
	d.AddBatch([]models.PatientRecord{stay})

	counts := d.Count(all)
	if counts.Gross != 2 || counts.Unique != 1 {
		t.Fatalf("expected gross 2 unique 1, got %+v", counts)
	}
}

func TestEncountersBucketedByReportingPeriod(t *testing.T) {
	july := time.Date(2024, 7, 3, 0, 0, 0, 0, time.UTC)
	august := time.Date(2024, 8, 3, 0, 0, 0, 0, time.UTC)
	d := New(fac, 3)
	d.AddBatch([]models.PatientRecord{visit("Ann", "Kowalski", "32", july)})
	d.AddBatch([]models.PatientRecord{
		visit("Ann", "Kowalski", "32", july.AddDate(0, 0, 9)),
		visit("Ann", "Kowalski", "32", august),
	})

	if got := d.Encounters(all); got != 2 {
		t.Fatalf("expected 2 encounters across overlapping months, got %d", got)
	}
	if counts := d.Count(all); counts.Gross != 3 || counts.Unique != 1 {
		t.Fatalf("expected gross 3 unique 1, got %+v", counts)
	}
}

func TestGroupsCollectRecordsPerIdentity(t *testing.T) {
	day := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	d := New(fac, 3)
	d.AddBatch([]models.PatientRecord{
		visit("Ann", "Kowalski", "32", day),
		visit("Bea", "Ortiz", "32", day),
	})
	d.AddBatch([]models.PatientRecord{visit("Ann", "Kowalski", "32", day)})

	groups := d.Groups()
	if len(groups) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(groups))
	}
	if len(groups[0].Records) != 2 {
		t.Fatalf("expected 2 records in first group, got %d", len(groups[0].Records))
	}
}
