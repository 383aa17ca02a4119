package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/puzzlehealth/reconciler/pkg/aggregate"
	"github.com/puzzlehealth/reconciler/pkg/common/logger"
	"github.com/puzzlehealth/reconciler/pkg/common/models"
	"github.com/puzzlehealth/reconciler/pkg/extract"
	"github.com/puzzlehealth/reconciler/pkg/terminology"
)

func TestMain(m *testing.M) {
	logger.Init()
	os.Exit(m.Run())
}

type progressLog struct {
	mu     sync.Mutex
	events []Progress
}

func (p *progressLog) record(e Progress) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *progressLog) stages() []Stage {
	p.mu.Lock()
	defer p.mu.Unlock()
	stages := make([]Stage, len(p.events))
	for i, e := range p.events {
		stages[i] = e.Stage
	}
	return stages
}

type captureExporter struct {
	mu    sync.Mutex
	calls int
	rows  []aggregate.Row
	err   error
}

func (c *captureExporter) Export(_ context.Context, rows []aggregate.Row, _ []models.Issue) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.rows = rows
	return c.err
}

func chargeBatch(label, source string, recs ...models.PatientRecord) extract.Batch {
	return extract.Batch{
		Kind:          models.ExtractChargeCapture,
		FacilityLabel: label,
		Source:        source,
		Records:       recs,
	}
}

func visit(first, last string, day time.Time, codes ...string) models.PatientRecord {
	return models.PatientRecord{
		Extract:        models.ExtractChargeCapture,
		FirstName:      first,
		LastName:       last,
		EncounterDate:  day,
		PlaceOfService: "32",
		CPTCodes:       codes,
	}
}

func TestRunEmitsStagesInOrder(t *testing.T) {
	day := time.Date(2024, 5, 6, 0, 0, 0, 0, time.UTC)
	var progress progressLog
	runner := NewRunner(terminology.DefaultCatalog(), WithProgress(progress.record))

	exporter := &captureExporter{}
	res, err := runner.Run(context.Background(), []extract.Batch{
		chargeBatch("Medilodge of Wyoming", "a.csv", visit("Ann", "Kowalski", day, "20610")),
	}, exporter)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	want := []Stage{StageLoaded, StageNormalized, StageMatched, StageDeduplicated, StageAggregated, StageExported}
	if got := progress.stages(); !reflect.DeepEqual(got, want) {
		t.Fatalf("stage order = %v, want %v", got, want)
	}
	if exporter.calls != 1 {
		t.Fatalf("expected one export call, got %d", exporter.calls)
	}
	if res.Facilities != 1 || len(res.Rows) != 1 {
		t.Fatalf("expected one facility row, got %+v", res)
	}
}

func TestRunAbortsWhenNoExtractIsUsable(t *testing.T) {
	runner := NewRunner(terminology.DefaultCatalog())
	exporter := &captureExporter{}

	batches := []extract.Batch{
		{
			Kind:          models.ExtractADT,
			FacilityLabel: "Medilodge",
			Source:        "adt.csv",
			Issues:        []models.Issue{{Kind: models.IssueEmptyExtract, Source: "adt.csv"}},
		},
	}
	res, err := runner.Run(context.Background(), batches, exporter)
	if !errors.Is(err, ErrNoUsableExtracts) {
		t.Fatalf("expected ErrNoUsableExtracts, got %v", err)
	}
	if exporter.calls != 0 {
		t.Fatalf("nothing should be exported from an aborted run")
	}
	if len(res.Issues) != 1 {
		t.Fatalf("load issues should survive the abort, got %v", res.Issues)
	}
}

func TestRunParallelMatchesSequential(t *testing.T) {
	day := time.Date(2024, 5, 6, 0, 0, 0, 0, time.UTC)
	build := func() []extract.Batch {
		var batches []extract.Batch
		for i := 0; i < 6; i++ {
			label := fmt.Sprintf("Facility %c (M)", 'A'+i)
			batches = append(batches,
				chargeBatch(label, "a.csv",
					visit("Ann", "Kowalski", day, "20610"),
					visit("Ben", "Okafor", day, "20600", "20610"),
				),
				chargeBatch(label, "b.csv",
					visit("Ann", "Kowalski", day.AddDate(0, 1, 0), "20605"),
				),
			)
		}
		return batches
	}

	sequential, err := NewRunner(terminology.DefaultCatalog(), WithWorkers(1)).Run(context.Background(), build(), nil)
	if err != nil {
		t.Fatalf("sequential run failed: %v", err)
	}
	parallel, err := NewRunner(terminology.DefaultCatalog(), WithWorkers(4)).Run(context.Background(), build(), nil)
	if err != nil {
		t.Fatalf("parallel run failed: %v", err)
	}

	if !reflect.DeepEqual(sequential.Rows, parallel.Rows) {
		t.Fatalf("parallel rows differ from sequential rows")
	}
}

func TestRunSortsRowsByDisplayName(t *testing.T) {
	day := time.Date(2024, 5, 6, 0, 0, 0, 0, time.UTC)
	runner := NewRunner(terminology.DefaultCatalog())

	res, err := runner.Run(context.Background(), []extract.Batch{
		chargeBatch("Zeta Care LLC", "z.csv", visit("Ann", "Kowalski", day, "20610")),
		chargeBatch("Alpha Manor", "a.csv", visit("Ben", "Okafor", day, "20600")),
	}, nil)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if len(res.Rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(res.Rows))
	}
	if res.Rows[0].DisplayName != "Alpha Manor" || res.Rows[1].DisplayName != "Zeta Care" {
		t.Fatalf("rows not sorted by display name: %q, %q", res.Rows[0].DisplayName, res.Rows[1].DisplayName)
	}
}

func TestRunSkipsBatchesWithUnresolvableLabels(t *testing.T) {
	day := time.Date(2024, 5, 6, 0, 0, 0, 0, time.UTC)
	runner := NewRunner(terminology.DefaultCatalog())

	res, err := runner.Run(context.Background(), []extract.Batch{
		chargeBatch("  ", "blank.csv", visit("Ann", "Kowalski", day, "20610")),
		chargeBatch("Medilodge", "ok.csv", visit("Ben", "Okafor", day, "20600")),
	}, nil)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if res.Facilities != 1 {
		t.Fatalf("expected 1 reconciled facility, got %d", res.Facilities)
	}
	found := false
	for _, issue := range res.Issues {
		if issue.Kind == models.IssueUnresolvedFacility && issue.Source == "blank.csv" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected unresolved-facility issue, got %v", res.Issues)
	}
}

func TestRunFlagsFacilitiesMissingFromRoster(t *testing.T) {
	day := time.Date(2024, 5, 6, 0, 0, 0, 0, time.UTC)
	cat := terminology.DefaultCatalog()
	cat.Facilities = []terminology.Facility{{Key: "medilodge of wyoming", Display: "Medilodge of Wyoming"}}
	runner := NewRunner(cat)

	res, err := runner.Run(context.Background(), []extract.Batch{
		chargeBatch("Medilodge of Wyoming", "a.csv", visit("Ann", "Kowalski", day, "20610")),
		chargeBatch("Lakeview Rehab", "b.csv", visit("Ben", "Okafor", day, "20600")),
		chargeBatch("Lakeview Rehab", "c.csv", visit("Ben", "Okafor", day.AddDate(0, 1, 0), "20605")),
	}, nil)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if res.Facilities != 2 {
		t.Fatalf("off-roster facility must still reconcile, got %d facilities", res.Facilities)
	}

	var flagged []string
	for _, issue := range res.Issues {
		if issue.Kind == models.IssueUnresolvedFacility {
			flagged = append(flagged, issue.Facility)
		}
	}
	if len(flagged) != 1 || flagged[0] != "lakeview rehab" {
		t.Fatalf("expected a single roster issue for lakeview rehab, got %v", flagged)
	}
}

func TestRunExporterFailureAborts(t *testing.T) {
	day := time.Date(2024, 5, 6, 0, 0, 0, 0, time.UTC)
	var progress progressLog
	runner := NewRunner(terminology.DefaultCatalog(), WithProgress(progress.record))
	exporter := &captureExporter{err: errors.New("sheet unavailable")}

	_, err := runner.Run(context.Background(), []extract.Batch{
		chargeBatch("Medilodge", "a.csv", visit("Ann", "Kowalski", day, "20610")),
	}, exporter)
	if err == nil {
		t.Fatalf("expected exporter failure to surface")
	}
	for _, stage := range progress.stages() {
		if stage == StageExported {
			t.Fatalf("EXPORTED must not be announced after a failed export")
		}
	}
}

func TestRunHonorsCancellation(t *testing.T) {
	day := time.Date(2024, 5, 6, 0, 0, 0, 0, time.UTC)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	runner := NewRunner(terminology.DefaultCatalog())
	_, err := runner.Run(ctx, []extract.Batch{
		chargeBatch("Medilodge", "a.csv", visit("Ann", "Kowalski", day, "20610")),
	}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
