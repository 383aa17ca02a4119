package aggregate

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/puzzlehealth/reconciler/pkg/common/models"
	"github.com/puzzlehealth/reconciler/pkg/dedup"
	"github.com/puzzlehealth/reconciler/pkg/facility"
	"github.com/puzzlehealth/reconciler/pkg/terminology"
)

// DispositionStat describes one discharge destination for a facility.
// Count is deduplicated discharge events, Ratio is count against the
// facility-wide patient denominator, Percent is the share of classified
// discharges.
type DispositionStat struct {
	Count   int     `json:"count"`
	Ratio   string  `json:"ratio"`
	Percent float64 `json:"percent"`
}

// Row is the complete reconciled metric set for one facility. Every
// catalog-declared key is present and zero-initialized, so a facility with no
// qualifying rows still renders a full row of zeros rather than gaps.
type Row struct {
	Facility            facility.Key               `json:"facility"`
	DisplayName         string                     `json:"display_name"`
	UniquePatients      int                        `json:"unique_patients"`
	PatientsServed      int                        `json:"patients_served"`
	TotalVisits         int                        `json:"total_visits"`
	AvgVisitsPerPatient float64                    `json:"avg_visits_per_patient"`
	Categories          map[string]dedup.Counts    `json:"categories"`
	CodeCounts          map[string]int             `json:"code_counts"`
	PayerMix            map[string]string          `json:"payer_mix"`
	StayDaysAvg         float64                    `json:"stay_days_avg"`
	StayDaysAvgByPayer  map[string]float64         `json:"stay_days_avg_by_payer"`
	Dispositions        map[string]DispositionStat `json:"dispositions"`
	StartScoreAvg       float64                    `json:"start_score_avg"`
	EndScoreAvg         float64                    `json:"end_score_avg"`
	ScoreIncreaseAvg    float64                    `json:"score_increase_avg"`
	PayerGains          map[string]float64         `json:"payer_gains"`
}

// Aggregate computes the full metric row for one facility from its
// deduplicated record pool. Pure computation: no I/O, no shared state, safe to
// run per facility in parallel.
func Aggregate(key facility.Key, displayName string, d *dedup.Deduplicator, cat *terminology.Catalog) Row {
	row := newRow(key, displayName, cat)

	row.UniquePatients = d.UniquePatients()
	denom := row.UniquePatients

	for _, category := range cat.Categories {
		row.Categories[category.ID] = d.Count(categoryFilter(category))
	}

	charges := func(rec models.PatientRecord) bool { return rec.Extract == models.ExtractChargeCapture }
	row.PatientsServed = d.Count(charges).Unique
	row.TotalVisits = d.Encounters(charges)
	if row.PatientsServed > 0 {
		row.AvgVisitsPerPatient = round2(float64(row.TotalVisits) / float64(row.PatientsServed))
	}

	groups := d.Groups()
	countCodes(&row, groups, cat)
	payerMix(&row, groups, cat, denom)
	stayAverages(&row, groups, cat)
	dispositions(&row, groups, cat, denom)
	functionalScores(&row, groups, cat)

	return row
}

// NormalizePayer folds a raw payer label onto the catalog's declared classes.
// A case-insensitive match on any declared class keeps that class; everything
// else folds into the last declared class. Blank stays blank: a record with no
// payer is unattributed, not managed care.
func NormalizePayer(raw string, cat *terminology.Catalog) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || len(cat.PayerClasses) == 0 {
		return ""
	}
	for _, class := range cat.PayerClasses {
		if strings.EqualFold(raw, class) {
			return class
		}
	}
	return cat.PayerClasses[len(cat.PayerClasses)-1]
}

func newRow(key facility.Key, displayName string, cat *terminology.Catalog) Row {
	row := Row{
		Facility:           key,
		DisplayName:        displayName,
		Categories:         make(map[string]dedup.Counts, len(cat.Categories)),
		CodeCounts:         make(map[string]int, len(cat.ProcedureCodes)),
		PayerMix:           make(map[string]string, len(cat.PayerClasses)),
		StayDaysAvgByPayer: make(map[string]float64, len(cat.PayerClasses)),
		Dispositions:       make(map[string]DispositionStat, len(cat.Dispositions)),
		PayerGains:         make(map[string]float64, len(cat.PayerClasses)),
	}
	for _, category := range cat.Categories {
		row.Categories[category.ID] = dedup.Counts{}
	}
	for _, code := range cat.ProcedureCodes {
		row.CodeCounts[code] = 0
	}
	for _, class := range cat.PayerClasses {
		row.PayerMix[class] = "0:0"
		row.StayDaysAvgByPayer[class] = 0
		row.PayerGains[class] = 0
	}
	for _, disp := range cat.Dispositions {
		row.Dispositions[disp.Code] = DispositionStat{Ratio: "0:0"}
	}
	return row
}

func categoryFilter(category terminology.Category) dedup.Filter {
	return func(rec models.PatientRecord) bool {
		if category.Extract != "" && string(rec.Extract) != category.Extract {
			return false
		}
		if category.PlaceOfService != "" && rec.PlaceOfService != category.PlaceOfService {
			return false
		}
		if len(category.CPTCodes) > 0 && !hasAnyCode(rec.CPTCodes, category.CPTCodes) {
			return false
		}
		return true
	}
}

func hasAnyCode(recorded, wanted []string) bool {
	for _, code := range recorded {
		for _, w := range wanted {
			if code == w {
				return true
			}
		}
	}
	return false
}

// countCodes tallies gross mentions per catalog procedure code. A
// multi-code field increments every listed code.
func countCodes(row *Row, groups []dedup.PatientGroup, cat *terminology.Catalog) {
	for _, group := range groups {
		for _, rec := range group.Records {
			for _, code := range rec.CPTCodes {
				if cat.HasCode(code) {
					row.CodeCounts[code]++
				}
			}
		}
	}
}

func payerMix(row *Row, groups []dedup.PatientGroup, cat *terminology.Catalog, denom int) {
	tally := make(map[string]int, len(cat.PayerClasses))
	for _, group := range groups {
		if class := identityPayer(group, cat); class != "" {
			tally[class]++
		}
	}
	for _, class := range cat.PayerClasses {
		row.PayerMix[class] = ratio(tally[class], denom)
	}
}

func stayAverages(row *Row, groups []dedup.PatientGroup, cat *terminology.Catalog) {
	var overallSum, overallN float64
	byPayerSum := make(map[string]float64, len(cat.PayerClasses))
	byPayerN := make(map[string]float64, len(cat.PayerClasses))
	for _, group := range groups {
		for _, rec := range group.Records {
			if rec.StayDays == nil {
				continue
			}
			days := float64(*rec.StayDays)
			overallSum += days
			overallN++
			if class := NormalizePayer(rec.PayerType, cat); class != "" {
				byPayerSum[class] += days
				byPayerN[class]++
			}
		}
	}
	if overallN > 0 {
		row.StayDaysAvg = round2(overallSum / overallN)
	}
	for _, class := range cat.PayerClasses {
		if byPayerN[class] > 0 {
			row.StayDaysAvgByPayer[class] = round2(byPayerSum[class] / byPayerN[class])
		}
	}
}

// dispositions counts discharge events per destination class. Events are
// deduplicated on (identity, reporting period): two extracts reporting the
// same discharge count it once. Rows without destination text are open stays,
// not discharges, and are skipped.
func dispositions(row *Row, groups []dedup.PatientGroup, cat *terminology.Catalog, denom int) {
	seen := make(map[string]bool)
	counts := make(map[string]int, len(cat.Dispositions))
	total := 0
	for _, group := range groups {
		for _, rec := range group.Records {
			if rec.Extract != models.ExtractADT || strings.TrimSpace(rec.DischargeTo) == "" {
				continue
			}
			disp := cat.ClassifyDischarge(rec.DischargeTo)
			eventKey := strconv.Itoa(group.Identity.ID) + "|" + monthBucket(rec) + "|" + disp.Code
			if seen[eventKey] {
				continue
			}
			seen[eventKey] = true
			counts[disp.Code]++
			total++
		}
	}
	for _, disp := range cat.Dispositions {
		stat := DispositionStat{Count: counts[disp.Code], Ratio: ratio(counts[disp.Code], denom)}
		if total > 0 {
			stat.Percent = round2(100 * float64(counts[disp.Code]) / float64(total))
		}
		row.Dispositions[disp.Code] = stat
	}
}

func functionalScores(row *Row, groups []dedup.PatientGroup, cat *terminology.Catalog) {
	var startSum, startN, endSum, endN, gainSum, gainN float64
	gainSums := make(map[string]float64, len(cat.PayerClasses))
	gainNs := make(map[string]float64, len(cat.PayerClasses))

	for _, group := range groups {
		start, end := identityScores(group)
		if start != nil {
			startSum += *start
			startN++
		}
		if end != nil {
			endSum += *end
			endN++
		}
		if start == nil || end == nil {
			continue
		}
		gain := *end - *start
		gainSum += gain
		gainN++
		if class := identityPayer(group, cat); class != "" {
			gainSums[class] += gain
			gainNs[class]++
		}
	}

	if startN > 0 {
		row.StartScoreAvg = round2(startSum / startN)
	}
	if endN > 0 {
		row.EndScoreAvg = round2(endSum / endN)
	}
	if gainN > 0 {
		row.ScoreIncreaseAvg = round2(gainSum / gainN)
	}
	for _, class := range cat.PayerClasses {
		if gainNs[class] > 0 {
			row.PayerGains[class] = round2(gainSums[class] / gainNs[class])
		}
	}
}

// identityPayer attributes a patient to a payer class using the first record
// that carries a payer label, in absorption order.
func identityPayer(group dedup.PatientGroup, cat *terminology.Catalog) string {
	for _, rec := range group.Records {
		if class := NormalizePayer(rec.PayerType, cat); class != "" {
			return class
		}
	}
	return ""
}

// identityScores picks the patient's five-day and end-of-PPS scores, first
// non-missing value each, in absorption order.
func identityScores(group dedup.PatientGroup) (start, end *float64) {
	for _, rec := range group.Records {
		if rec.Scores == nil {
			continue
		}
		if start == nil && rec.Scores.FiveDay != nil {
			start = rec.Scores.FiveDay
		}
		if end == nil && rec.Scores.EndOfPPS != nil {
			end = rec.Scores.EndOfPPS
		}
	}
	return start, end
}

func monthBucket(rec models.PatientRecord) string {
	if rec.EncounterDate.IsZero() {
		return ""
	}
	return rec.EncounterDate.Format("2006-01")
}

// ratio renders "count:total". Both sides zero out together: a facility with
// no patients reports "0:0", never a division artifact.
func ratio(count, total int) string {
	if total == 0 {
		return "0:0"
	}
	return fmt.Sprintf("%d:%d", count, total)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
