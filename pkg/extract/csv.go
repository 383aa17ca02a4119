package extract

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/puzzlehealth/reconciler/pkg/common/models"
)

// CSVLoader parses uploaded CSV extracts. Header names are discovered
// case-insensitively because source systems disagree on exact spellings.
type CSVLoader struct{}

func NewCSVLoader() *CSVLoader {
	return &CSVLoader{}
}

func (l *CSVLoader) Load(kind models.ExtractKind, facilityLabel, source string, r io.Reader) (Batch, error) {
	batch := Batch{Kind: kind, FacilityLabel: facilityLabel, Source: source}
	if !kind.Valid() {
		return batch, ValidationError{reason: fmt.Errorf("%q: %w", kind, errUnknownKind)}
	}

	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	rows, err := reader.ReadAll()
	if err != nil {
		return batch, fmt.Errorf("reading %s: %w", source, err)
	}
	if len(rows) == 0 {
		batch.Issues = append(batch.Issues, emptyIssue(kind, source, "no rows"))
		return batch, nil
	}

	head := headerIndex(rows[0])
	firstCol, ok := head.find("first name", "firstname", "first")
	if !ok {
		return batch, ValidationError{reason: fmt.Errorf("%s: first-name column not found", source)}
	}
	lastCol, ok := head.find("last name", "lastname", "last")
	if !ok {
		return batch, ValidationError{reason: fmt.Errorf("%s: last-name column not found", source)}
	}

	for i, row := range rows[1:] {
		rowNum := i + 2
		first := cell(row, firstCol)
		last := cell(row, lastCol)
		if first == "" || last == "" {
			batch.Issues = append(batch.Issues, malformedIssue(kind, source, rowNum, "missing patient name"))
			continue
		}

		rec := models.PatientRecord{
			Extract:   kind,
			Source:    source,
			FirstName: first,
			LastName:  last,
		}

		switch kind {
		case models.ExtractADT:
			l.fillADT(&rec, head, row, &batch, rowNum)
		case models.ExtractLengthOfStay:
			l.fillStay(&rec, head, row, &batch, rowNum)
		case models.ExtractChargeCapture:
			l.fillCharge(&rec, head, row, &batch, rowNum)
		case models.ExtractAssessment:
			l.fillAssessment(&rec, head, row, &batch, rowNum)
		}

		batch.Records = append(batch.Records, rec)
	}

	if len(batch.Records) == 0 {
		batch.Issues = append(batch.Issues, emptyIssue(kind, source, "no usable data rows"))
	}
	return batch, nil
}

func (l *CSVLoader) fillADT(rec *models.PatientRecord, head header, row []string, batch *Batch, rowNum int) {
	if col, ok := head.find("to type", "discharge disposition", "discharge to"); ok {
		rec.DischargeTo = cell(row, col)
	}
	if rec.DischargeTo == "" {
		if col, ok := head.find("to location"); ok {
			rec.DischargeTo = cell(row, col)
		}
	}

	dateCol, ok := head.find("discharge date", "discharged")
	if !ok {
		dateCol, ok = head.find("admission date", "admit date")
	}
	if ok {
		if raw := cell(row, dateCol); raw != "" {
			date, err := parseDate(raw)
			if err != nil {
				batch.Issues = append(batch.Issues, malformedIssue(rec.Extract, rec.Source, rowNum, "unparseable date "+raw))
			} else {
				rec.EncounterDate = date
			}
		}
	}
}

func (l *CSVLoader) fillStay(rec *models.PatientRecord, head header, row []string, batch *Batch, rowNum int) {
	if col, ok := head.find("payer type", "payer", "payer class"); ok {
		rec.PayerType = cell(row, col)
	}
	col, ok := head.find("days", "los days", "length of stay", "los")
	if !ok {
		batch.Issues = append(batch.Issues, malformedIssue(rec.Extract, rec.Source, rowNum, "days column missing"))
		return
	}
	raw := cell(row, col)
	if raw == "" {
		batch.Issues = append(batch.Issues, malformedIssue(rec.Extract, rec.Source, rowNum, "missing days value"))
		return
	}
	days, err := strconv.Atoi(raw)
	if err != nil || days < 0 {
		batch.Issues = append(batch.Issues, malformedIssue(rec.Extract, rec.Source, rowNum, "invalid days value "+raw))
		return
	}
	rec.StayDays = &days
}

func (l *CSVLoader) fillCharge(rec *models.PatientRecord, head header, row []string, batch *Batch, rowNum int) {
	if col, ok := head.find("patient id", "resident id", "mrn", "id"); ok {
		rec.PatientID = cell(row, col)
	}
	if col, ok := head.find("place of service", "pos"); ok {
		rec.PlaceOfService = cell(row, col)
	}
	if col, ok := head.find("cpt codes", "cpt code", "cpt", "procedure codes", "procedure code", "codes"); ok {
		rec.CPTCodes = SplitCodes(cell(row, col))
	}
	if col, ok := head.find("date of service", "service date", "dos", "date"); ok {
		if raw := cell(row, col); raw != "" {
			date, err := parseDate(raw)
			if err != nil {
				batch.Issues = append(batch.Issues, malformedIssue(rec.Extract, rec.Source, rowNum, "unparseable date "+raw))
			} else {
				rec.EncounterDate = date
			}
		}
	}
}

func (l *CSVLoader) fillAssessment(rec *models.PatientRecord, head header, row []string, batch *Batch, rowNum int) {
	scores := &models.AssessmentScores{}
	if col, ok := head.find("5 day score", "five day score", "5 day", "five day", "start score"); ok {
		scores.FiveDay = l.parseScore(cell(row, col), rec, batch, rowNum)
	}
	if col, ok := head.find("end of pps score", "end of pps", "eop score", "discharge score", "end score"); ok {
		scores.EndOfPPS = l.parseScore(cell(row, col), rec, batch, rowNum)
	}
	if scores.FiveDay != nil || scores.EndOfPPS != nil {
		rec.Scores = scores
	}
}

// parseScore returns nil for blank cells: a missing score is expected, only an
// unparseable one is malformed.
func (l *CSVLoader) parseScore(raw string, rec *models.PatientRecord, batch *Batch, rowNum int) *float64 {
	if raw == "" {
		return nil
	}
	score, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		batch.Issues = append(batch.Issues, malformedIssue(rec.Extract, rec.Source, rowNum, "invalid score "+raw))
		return nil
	}
	return &score
}

type header map[string]int

func headerIndex(row []string) header {
	h := make(header, len(row))
	for i, name := range row {
		key := normalizeHeader(name)
		if key == "" {
			continue
		}
		if _, exists := h[key]; !exists {
			h[key] = i
		}
	}
	return h
}

func (h header) find(candidates ...string) (int, bool) {
	for _, c := range candidates {
		if i, ok := h[c]; ok {
			return i, true
		}
	}
	return 0, false
}

func normalizeHeader(name string) string {
	name = strings.TrimPrefix(name, "﻿")
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.NewReplacer("_", " ", "-", " ").Replace(name)
	return strings.Join(strings.Fields(name), " ")
}

func cell(row []string, col int) string {
	if col < 0 || col >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[col])
}

var dateFormats = []string{"1/2/2006", "2006-01-02", "1-2-2006", "1/2/06"}

func parseDate(raw string) (time.Time, error) {
	for _, format := range dateFormats {
		if t, err := time.Parse(format, raw); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", raw)
}

func malformedIssue(kind models.ExtractKind, source string, rowNum int, detail string) models.Issue {
	return models.Issue{
		Kind:    models.IssueMalformedRecord,
		Extract: string(kind),
		Source:  source,
		Detail:  fmt.Sprintf("row %d: %s", rowNum, detail),
	}
}

func emptyIssue(kind models.ExtractKind, source, detail string) models.Issue {
	return models.Issue{
		Kind:    models.IssueEmptyExtract,
		Extract: string(kind),
		Source:  source,
		Detail:  detail,
	}
}
