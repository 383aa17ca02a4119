package jobs

import (
	"time"

	"gorm.io/datatypes"
)

const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Run is one reconciliation job: lifecycle, headline counts, and the issues
// accumulated while it executed.
type Run struct {
	ID          string         `json:"id" gorm:"primaryKey;column:id"`
	Status      string         `json:"status" gorm:"column:status"`
	Stage       string         `json:"stage" gorm:"column:stage"`
	Progress    int            `json:"progress" gorm:"column:progress"`
	Error       string         `json:"error,omitempty" gorm:"column:error"`
	Facilities  int            `json:"facilities" gorm:"column:facilities"`
	Records     int            `json:"records" gorm:"column:records"`
	Issues      datatypes.JSON `json:"issues,omitempty" gorm:"column:issues"`
	CreatedAt   time.Time      `json:"created_at" gorm:"column:created_at"`
	UpdatedAt   time.Time      `json:"updated_at" gorm:"column:updated_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty" gorm:"column:completed_at"`
}

func (Run) TableName() string {
	return "reconciliation_runs"
}

// RunExtract stores one uploaded extract together with its parsed rows, so a
// run can be replayed later without re-uploading the files.
type RunExtract struct {
	ID            string         `json:"id" gorm:"primaryKey;column:id"`
	RunID         string         `json:"run_id" gorm:"column:run_id;index"`
	Kind          string         `json:"kind" gorm:"column:kind"`
	FacilityLabel string         `json:"facility_label" gorm:"column:facility_label"`
	Filename      string         `json:"filename" gorm:"column:filename"`
	Rows          int            `json:"rows" gorm:"column:rows"`
	Records       datatypes.JSON `json:"-" gorm:"column:records"`
	CreatedAt     time.Time      `json:"created_at" gorm:"column:created_at"`
}

func (RunExtract) TableName() string {
	return "reconciliation_run_extracts"
}

// SummaryRecord is one facility metric row of a finished run, kept in summary
// order so renders are stable.
type SummaryRecord struct {
	ID        string         `json:"id" gorm:"primaryKey;column:id"`
	RunID     string         `json:"run_id" gorm:"column:run_id;index"`
	Facility  string         `json:"facility" gorm:"column:facility"`
	Position  int            `json:"position" gorm:"column:position"`
	Row       datatypes.JSON `json:"row" gorm:"column:row"`
	CreatedAt time.Time      `json:"created_at" gorm:"column:created_at"`
}

func (SummaryRecord) TableName() string {
	return "reconciliation_summaries"
}
