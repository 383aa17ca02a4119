package metrics

import (
	"fmt"
	"net/http"
	"sync/atomic"
)

var (
	runsStarted          atomic.Int64
	runsCompleted        atomic.Int64
	runsFailed           atomic.Int64
	runsActive           atomic.Int64
	facilitiesReconciled atomic.Int64
	recordsProcessed     atomic.Int64
	issuesRaised         atomic.Int64
	sheetUploadFailures  atomic.Int64
)

func Init() {}

func RunStarted() {
	runsStarted.Add(1)
	runsActive.Add(1)
}

func RunCompleted(facilities, records, issues int) {
	runsCompleted.Add(1)
	runsActive.Add(-1)
	facilitiesReconciled.Add(int64(facilities))
	recordsProcessed.Add(int64(records))
	issuesRaised.Add(int64(issues))
}

func RunFailed() {
	runsFailed.Add(1)
	runsActive.Add(-1)
}

func SheetUploadFailed() {
	sheetUploadFailures.Add(1)
}

func WritePrometheus(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	fmt.Fprintf(w, "# HELP reconciler_runs_started_total Number of reconciliation runs started since boot.\n")
	fmt.Fprintf(w, "# TYPE reconciler_runs_started_total counter\n")
	fmt.Fprintf(w, "reconciler_runs_started_total %d\n", runsStarted.Load())

	fmt.Fprintf(w, "# HELP reconciler_runs_completed_total Number of reconciliation runs that finished successfully.\n")
	fmt.Fprintf(w, "# TYPE reconciler_runs_completed_total counter\n")
	fmt.Fprintf(w, "reconciler_runs_completed_total %d\n", runsCompleted.Load())

	fmt.Fprintf(w, "# HELP reconciler_runs_failed_total Number of reconciliation runs that ended in failure.\n")
	fmt.Fprintf(w, "# TYPE reconciler_runs_failed_total counter\n")
	fmt.Fprintf(w, "reconciler_runs_failed_total %d\n", runsFailed.Load())

	fmt.Fprintf(w, "# HELP reconciler_runs_active Number of reconciliation runs currently executing.\n")
	fmt.Fprintf(w, "# TYPE reconciler_runs_active gauge\n")
	fmt.Fprintf(w, "reconciler_runs_active %d\n", runsActive.Load())

	fmt.Fprintf(w, "# HELP reconciler_facilities_reconciled_total Number of facility summaries produced across all runs.\n")
	fmt.Fprintf(w, "# TYPE reconciler_facilities_reconciled_total counter\n")
	fmt.Fprintf(w, "reconciler_facilities_reconciled_total %d\n", facilitiesReconciled.Load())

	fmt.Fprintf(w, "# HELP reconciler_records_processed_total Number of extract rows carried through completed runs.\n")
	fmt.Fprintf(w, "# TYPE reconciler_records_processed_total counter\n")
	fmt.Fprintf(w, "reconciler_records_processed_total %d\n", recordsProcessed.Load())

	fmt.Fprintf(w, "# HELP reconciler_issues_total Number of data issues reported by completed runs.\n")
	fmt.Fprintf(w, "# TYPE reconciler_issues_total counter\n")
	fmt.Fprintf(w, "reconciler_issues_total %d\n", issuesRaised.Load())

	fmt.Fprintf(w, "# HELP reconciler_sheet_upload_failures_total Number of summary pushes to the reporting spreadsheet that failed.\n")
	fmt.Fprintf(w, "# TYPE reconciler_sheet_upload_failures_total counter\n")
	fmt.Fprintf(w, "reconciler_sheet_upload_failures_total %d\n", sheetUploadFailures.Load())
}
