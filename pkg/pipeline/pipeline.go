package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/puzzlehealth/reconciler/pkg/aggregate"
	"github.com/puzzlehealth/reconciler/pkg/common/logger"
	"github.com/puzzlehealth/reconciler/pkg/common/models"
	"github.com/puzzlehealth/reconciler/pkg/dedup"
	"github.com/puzzlehealth/reconciler/pkg/extract"
	"github.com/puzzlehealth/reconciler/pkg/facility"
	"github.com/puzzlehealth/reconciler/pkg/matching"
	"github.com/puzzlehealth/reconciler/pkg/terminology"
)

// ErrNoUsableExtracts aborts a run when no uploaded extract produced a single
// usable record. Anything short of that degrades per facility instead.
var ErrNoUsableExtracts = errors.New("no usable extracts in run")

// Stage names the pipeline phases in execution order. Within one facility the
// phases are strictly sequential; across facilities they overlap.
type Stage string

const (
	StageLoaded       Stage = "LOADED"
	StageNormalized   Stage = "NORMALIZED"
	StageMatched      Stage = "MATCHED"
	StageDeduplicated Stage = "DEDUPLICATED"
	StageAggregated   Stage = "AGGREGATED"
	StageExported     Stage = "EXPORTED"
)

// Progress is one stage-completion notification. Facility is empty for
// run-level stages. Completed/Total carry facility completion counts on
// AGGREGATED events so callers can interpolate percentages.
type Progress struct {
	Stage     Stage
	Facility  facility.Key
	Completed int
	Total     int
}

type ProgressFunc func(Progress)

// Exporter receives the finished metric rows. A failing exporter aborts the
// run: a partial export must not be reported as complete.
type Exporter interface {
	Export(ctx context.Context, rows []aggregate.Row, issues []models.Issue) error
}

// Result is the complete outcome of one reconciliation run.
type Result struct {
	Rows       []aggregate.Row
	Issues     []models.Issue
	Facilities int
	Records    int
}

// Runner executes reconciliation runs. It is stateless across runs; all
// per-run state lives on the stack of Run.
type Runner struct {
	catalog    terminology.Catalog
	prefixLen  int
	workers    int
	onProgress ProgressFunc
}

type Option func(*Runner)

// WithWorkers bounds the number of facilities reconciled concurrently.
// Values below one run the facilities sequentially.
func WithWorkers(n int) Option {
	return func(r *Runner) { r.workers = n }
}

// WithPrefixLen overrides the surname-prefix length used by the partial
// matching tier.
func WithPrefixLen(n int) Option {
	return func(r *Runner) { r.prefixLen = n }
}

// WithProgress registers a stage-completion callback. The callback may be
// invoked from worker goroutines and must be safe for concurrent use.
func WithProgress(fn ProgressFunc) Option {
	return func(r *Runner) { r.onProgress = fn }
}

func NewRunner(catalog terminology.Catalog, opts ...Option) *Runner {
	r := &Runner{
		catalog:   catalog,
		prefixLen: matching.DefaultPrefixLen,
		workers:   1,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run reconciles the uploaded batches into per-facility metric rows. Rows
// come back sorted by display name regardless of worker scheduling, so two
// runs over the same batches produce identical output.
func (r *Runner) Run(ctx context.Context, batches []extract.Batch, exporter Exporter) (Result, error) {
	var res Result

	usable := 0
	for _, batch := range batches {
		res.Issues = append(res.Issues, batch.Issues...)
		usable += len(batch.Records)
	}
	if usable == 0 {
		return res, fmt.Errorf("%d extracts uploaded: %w", len(batches), ErrNoUsableExtracts)
	}
	res.Records = usable
	r.emit(Progress{Stage: StageLoaded})

	groups, order := r.normalize(batches, &res)
	res.Facilities = len(order)
	r.emit(Progress{Stage: StageNormalized})

	rows, err := r.reconcile(ctx, groups, order, &res)
	if err != nil {
		return res, err
	}

	sort.Slice(rows, func(i, j int) bool {
		return strings.ToLower(rows[i].DisplayName) < strings.ToLower(rows[j].DisplayName)
	})
	res.Rows = rows

	if exporter != nil {
		if err := exporter.Export(ctx, res.Rows, res.Issues); err != nil {
			return res, fmt.Errorf("exporting run results: %w", err)
		}
	}
	r.emit(Progress{Stage: StageExported})

	return res, nil
}

// normalize resolves every batch label to a stable facility key and groups
// batches per facility, preserving upload order within each facility. Batches
// whose label normalizes to nothing are recorded and skipped. A key missing
// from a configured roster still founds a new singleton facility; it is
// flagged once and reconciled normally.
func (r *Runner) normalize(batches []extract.Batch, res *Result) (map[facility.Key][]extract.Batch, []facility.Key) {
	groups := make(map[facility.Key][]extract.Batch)
	var order []facility.Key
	for _, batch := range batches {
		if len(batch.Records) == 0 {
			continue
		}
		key := facility.Normalize(batch.FacilityLabel)
		if key == "" {
			res.Issues = append(res.Issues, models.Issue{
				Kind:    models.IssueUnresolvedFacility,
				Extract: string(batch.Kind),
				Source:  batch.Source,
				Detail:  fmt.Sprintf("facility label %q resolved to nothing", batch.FacilityLabel),
			})
			logger.Log.WithField("source", batch.Source).Warn("skipping batch with unresolvable facility label")
			continue
		}
		for i := range batch.Records {
			batch.Records[i].FacilityKey = key
		}
		if _, exists := groups[key]; !exists {
			order = append(order, key)
			if r.catalog.HasFacilityRoster() {
				if _, known := r.catalog.FacilityDisplay(string(key)); !known {
					res.Issues = append(res.Issues, models.Issue{
						Kind:     models.IssueUnresolvedFacility,
						Facility: string(key),
						Extract:  string(batch.Kind),
						Source:   batch.Source,
						Detail:   fmt.Sprintf("facility label %q not in facility roster", batch.FacilityLabel),
					})
					logger.WithFields(logrus.Fields{
						"facility": key,
						"source":   batch.Source,
					}).Warn("facility not in roster, reconciling as new facility")
				}
			}
		}
		groups[key] = append(groups[key], batch)
	}
	return groups, order
}

func (r *Runner) reconcile(ctx context.Context, groups map[facility.Key][]extract.Batch, order []facility.Key, res *Result) ([]aggregate.Row, error) {
	if len(order) == 0 {
		return nil, nil
	}

	rows := make([]aggregate.Row, len(order))
	issues := make([][]models.Issue, len(order))

	workers := r.workers
	if workers < 1 {
		workers = 1
	}
	if workers > len(order) {
		workers = len(order)
	}

	type task struct {
		idx int
		key facility.Key
	}
	tasks := make(chan task)
	var wg sync.WaitGroup
	var mu sync.Mutex
	completed := 0

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range tasks {
				rows[t.idx], issues[t.idx] = r.reconcileFacility(t.key, groups[t.key])
				mu.Lock()
				completed++
				done := completed
				mu.Unlock()
				r.emit(Progress{Stage: StageAggregated, Facility: t.key, Completed: done, Total: len(order)})
			}
		}()
	}

	var dispatchErr error
dispatch:
	for i, key := range order {
		if err := ctx.Err(); err != nil {
			dispatchErr = err
			break
		}
		select {
		case <-ctx.Done():
			dispatchErr = ctx.Err()
			break dispatch
		case tasks <- task{idx: i, key: key}:
		}
	}
	close(tasks)
	wg.Wait()

	if dispatchErr != nil {
		return nil, dispatchErr
	}
	for _, batch := range issues {
		res.Issues = append(res.Issues, batch...)
	}
	return rows, nil
}

// reconcileFacility runs the matched/deduplicated/aggregated phases for one
// facility. Facilities share nothing, so this is safe to call concurrently
// for different keys.
func (r *Runner) reconcileFacility(key facility.Key, batches []extract.Batch) (aggregate.Row, []models.Issue) {
	var issues []models.Issue

	d := dedup.New(key, r.prefixLen)
	for _, batch := range batches {
		d.AddBatch(batch.Records)
	}
	r.emit(Progress{Stage: StageMatched, Facility: key})

	if discarded := d.Discarded(); discarded > 0 {
		issues = append(issues, models.Issue{
			Kind:     models.IssueCrossFacilityMatch,
			Facility: string(key),
			Detail:   fmt.Sprintf("%d records discarded", discarded),
		})
	}
	r.emit(Progress{Stage: StageDeduplicated, Facility: key})

	row := aggregate.Aggregate(key, facility.DisplayName(key, r.catalog), d, &r.catalog)
	logger.WithFields(logrus.Fields{
		"facility":        key,
		"unique_patients": row.UniquePatients,
		"records":         recordCount(batches),
	}).Info("facility reconciled")

	return row, issues
}

func recordCount(batches []extract.Batch) int {
	total := 0
	for _, batch := range batches {
		total += len(batch.Records)
	}
	return total
}

func (r *Runner) emit(p Progress) {
	if r.onProgress != nil {
		r.onProgress(p)
	}
}
