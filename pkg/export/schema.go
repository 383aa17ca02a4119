package export

import (
	"strconv"

	"github.com/puzzlehealth/reconciler/pkg/aggregate"
	"github.com/puzzlehealth/reconciler/pkg/terminology"
)

// Column binds one summary-sheet column to the row field it renders.
type Column struct {
	Title string
	Value func(aggregate.Row) string
}

// Columns builds the summary schema from the catalog. Fixed identity columns
// come first, then catalog-driven columns in catalog declaration order, so a
// new code or category appends a column without disturbing existing ones.
func Columns(cat terminology.Catalog) []Column {
	cols := []Column{
		{Title: "Facility", Value: func(r aggregate.Row) string { return r.DisplayName }},
		{Title: "Unique Patients", Value: func(r aggregate.Row) string { return strconv.Itoa(r.UniquePatients) }},
		{Title: "Patients Served", Value: func(r aggregate.Row) string { return strconv.Itoa(r.PatientsServed) }},
		{Title: "Total Visits", Value: func(r aggregate.Row) string { return strconv.Itoa(r.TotalVisits) }},
		{Title: "Avg Visits Per Patient", Value: func(r aggregate.Row) string { return formatFloat(r.AvgVisitsPerPatient) }},
	}

	for _, category := range cat.Categories {
		id := category.ID
		cols = append(cols,
			Column{Title: category.Label + " Gross", Value: func(r aggregate.Row) string { return strconv.Itoa(r.Categories[id].Gross) }},
			Column{Title: category.Label + " Unique", Value: func(r aggregate.Row) string { return strconv.Itoa(r.Categories[id].Unique) }},
		)
	}

	for _, code := range cat.ProcedureCodes {
		cols = append(cols, Column{Title: "CPT " + code, Value: func(r aggregate.Row) string { return strconv.Itoa(r.CodeCounts[code]) }})
	}

	for _, class := range cat.PayerClasses {
		cols = append(cols, Column{Title: class + " Patients", Value: func(r aggregate.Row) string { return r.PayerMix[class] }})
	}

	cols = append(cols, Column{Title: "Avg Stay Days", Value: func(r aggregate.Row) string { return formatFloat(r.StayDaysAvg) }})
	for _, class := range cat.PayerClasses {
		cols = append(cols, Column{Title: class + " Avg Stay Days", Value: func(r aggregate.Row) string { return formatFloat(r.StayDaysAvgByPayer[class]) }})
	}

	for _, disp := range cat.Dispositions {
		code := disp.Code
		cols = append(cols,
			Column{Title: disp.Label, Value: func(r aggregate.Row) string { return strconv.Itoa(r.Dispositions[code].Count) }},
			Column{Title: disp.Label + " %", Value: func(r aggregate.Row) string { return formatFloat(r.Dispositions[code].Percent) }},
		)
	}

	cols = append(cols,
		Column{Title: "Avg Start Score", Value: func(r aggregate.Row) string { return formatFloat(r.StartScoreAvg) }},
		Column{Title: "Avg End Score", Value: func(r aggregate.Row) string { return formatFloat(r.EndScoreAvg) }},
		Column{Title: "Avg Score Increase", Value: func(r aggregate.Row) string { return formatFloat(r.ScoreIncreaseAvg) }},
	)
	for _, class := range cat.PayerClasses {
		cols = append(cols, Column{Title: class + " Score Increase", Value: func(r aggregate.Row) string { return formatFloat(r.PayerGains[class]) }})
	}

	return cols
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
