package models

import (
	"time"
)

// Extract kinds
type ExtractKind string

const (
	ExtractADT           ExtractKind = "adt"
	ExtractLengthOfStay  ExtractKind = "length_of_stay"
	ExtractChargeCapture ExtractKind = "charge_capture"
	ExtractAssessment    ExtractKind = "assessment"
)

func (k ExtractKind) Valid() bool {
	switch k {
	case ExtractADT, ExtractLengthOfStay, ExtractChargeCapture, ExtractAssessment:
		return true
	}
	return false
}

// AssessmentScores carries the functional scores captured at the start and end
// of a patient's assessment window. Either side may be missing.
type AssessmentScores struct {
	FiveDay  *float64 `json:"five_day,omitempty"`
	EndOfPPS *float64 `json:"end_of_pps,omitempty"`
}

// PatientRecord is one reconciled row from a source extract. Only the fields
// the originating extract kind supplies are populated; the rest stay zero.
type PatientRecord struct {
	Extract        ExtractKind       `json:"extract"`
	Source         string            `json:"source"` // originating file/batch label
	FacilityKey    string            `json:"facility_key"`
	FirstName      string            `json:"first_name"`
	LastName       string            `json:"last_name"`
	PatientID      string            `json:"patient_id,omitempty"`
	EncounterDate  time.Time         `json:"encounter_date,omitempty"`
	PlaceOfService string            `json:"place_of_service,omitempty"`
	PayerType      string            `json:"payer_type,omitempty"`
	CPTCodes       []string          `json:"cpt_codes,omitempty"`
	StayDays       *int              `json:"stay_days,omitempty"`
	DischargeTo    string            `json:"discharge_to,omitempty"` // ADT destination text
	Scores         *AssessmentScores `json:"scores,omitempty"`
}

// HasName reports whether the record carries enough identity to match on.
func (r PatientRecord) HasName() bool {
	return r.FirstName != "" && r.LastName != ""
}

// Issue kinds accumulated during a run. None are fatal; they ride alongside
// the result so one bad record never aborts a facility.
const (
	IssueMalformedRecord    = "malformed_record"
	IssueUnresolvedFacility = "unresolved_facility"
	IssueEmptyExtract       = "empty_extract"
	IssueCrossFacilityMatch = "cross_facility_match"
)

type Issue struct {
	Kind     string `json:"kind"`
	Facility string `json:"facility,omitempty"`
	Extract  string `json:"extract,omitempty"`
	Source   string `json:"source,omitempty"`
	Detail   string `json:"detail"`
}

// Event bus models
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"` // run.created, run.progress, run.completed, run.failed, run.replay
	Source    string                 `json:"source"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]string      `json:"metadata,omitempty"`
}

const (
	EventRunCreated   = "run.created"
	EventRunProgress  = "run.progress"
	EventRunCompleted = "run.completed"
	EventRunFailed    = "run.failed"
	EventRunReplay    = "run.replay"
)

// Run status DTOs
type RunStatus struct {
	RunID      string    `json:"run_id"`
	Status     string    `json:"status"`
	Stage      string    `json:"stage,omitempty"`
	Progress   int       `json:"progress"`
	Facilities int       `json:"facilities,omitempty"`
	Error      string    `json:"error,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type CreateRunResponse struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	Extracts  int       `json:"extracts"`
	Timestamp time.Time `json:"timestamp"`
}

type ReplayRequest struct {
	RunID string `json:"run_id"`
}
