package extract

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/puzzlehealth/reconciler/pkg/common/models"
)

var errUnknownKind = errors.New("unknown extract kind")

// ValidationError marks a structural problem with an uploaded extract (as
// opposed to per-row issues, which accumulate on the batch).
type ValidationError struct {
	reason error
}

func (e ValidationError) Error() string {
	return e.reason.Error()
}

func (e ValidationError) Unwrap() error {
	return e.reason
}

func IsValidationError(err error) bool {
	var ve ValidationError
	return errors.As(err, &ve)
}

// NewValidationError wraps a client-side fault so transport layers can map it
// to a 4xx response.
func NewValidationError(format string, args ...interface{}) error {
	return ValidationError{reason: fmt.Errorf(format, args...)}
}

/// Batch is one parsed source extract: the unit handed to the pipeline.
// Per-row problems are accumulated as issues; the surviving rows are already
// validated into the closed PatientRecord shape.
type Batch struct {
	Kind          models.ExtractKind
	FacilityLabel string
	Source        string
	Records       []models.PatientRecord
	Issues        []models.Issue
}

// Loader supplies parsed records per source extract. Implementations resolve
// file-format concerns before records reach the reconciliation core.
type Loader interface {
	Load(kind models.ExtractKind, facilityLabel, source string, r io.Reader) (Batch, error)
}

// ParseKind maps the upload-form aliases onto the extract kinds.
func ParseKind(s string) (models.ExtractKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "adt":
		return models.ExtractADT, nil
	case "los", "length_of_stay", "length-of-stay", "census":
		return models.ExtractLengthOfStay, nil
	case "charges", "charge_capture", "charge-capture", "visits", "cpt":
		return models.ExtractChargeCapture, nil
	case "gg", "assessment", "assessments", "functional":
		return models.ExtractAssessment, nil
	}
	return "", ValidationError{reason: fmt.Errorf("%q: %w", s, errUnknownKind)}
}

// SplitCodes splits a possibly multi-valued procedure-code field. Fields list
// codes comma- or semicolon-delimited; one row may carry several.
func SplitCodes(field string) []string {
	if strings.TrimSpace(field) == "" {
		return nil
	}
	parts := strings.FieldsFunc(field, func(r rune) bool {
		return r == ',' || r == ';'
	})
	codes := make([]string, 0, len(parts))
	for _, p := range parts {
		if code := strings.TrimSpace(p); code != "" {
			codes = append(codes, code)
		}
	}
	return codes
}
