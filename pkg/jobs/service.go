package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/puzzlehealth/reconciler/pkg/aggregate"
	"github.com/puzzlehealth/reconciler/pkg/common/kafka"
	"github.com/puzzlehealth/reconciler/pkg/common/logger"
	"github.com/puzzlehealth/reconciler/pkg/common/models"
	"github.com/puzzlehealth/reconciler/pkg/export"
	"github.com/puzzlehealth/reconciler/pkg/extract"
	"github.com/puzzlehealth/reconciler/pkg/matching"
	"github.com/puzzlehealth/reconciler/pkg/observability/metrics"
	"github.com/puzzlehealth/reconciler/pkg/pipeline"
	"github.com/puzzlehealth/reconciler/pkg/terminology"
)

// Stage-to-percent anchors. Facility completion interpolates between the
// normalized and reconciled anchors; export bumps to its own anchor.
const (
	percentLoaded     = 10
	percentNormalized = 25
	percentReconciled = 80
	percentExported   = 95
	percentDone       = 100
)

// Upload is one extract file taken off the wire, not yet parsed.
type Upload struct {
	Kind          models.ExtractKind
	FacilityLabel string
	Filename      string
	Reader        io.Reader
}

type Service struct {
	repo      *Repository
	status    *StatusStore
	catalog   terminology.Catalog
	loader    extract.Loader
	producer  *kafka.Producer
	dlq       *kafka.Producer
	uploader  *export.SheetsUploader
	workers   int
	prefixLen int
}

type ServiceOption func(*Service)

// WithProducers wires the progress event producer and its dead-letter
// fallback.
func WithProducers(producer, dlq *kafka.Producer) ServiceOption {
	return func(s *Service) {
		s.producer = producer
		s.dlq = dlq
	}
}

// WithSheetsUploader enables pushing finished summaries to the reporting
// spreadsheet.
func WithSheetsUploader(u *export.SheetsUploader) ServiceOption {
	return func(s *Service) { s.uploader = u }
}

func WithWorkers(n int) ServiceOption {
	return func(s *Service) { s.workers = n }
}

func WithPrefixLen(n int) ServiceOption {
	return func(s *Service) { s.prefixLen = n }
}

func NewService(repo *Repository, status *StatusStore, catalog terminology.Catalog, loader extract.Loader, opts ...ServiceOption) *Service {
	s := &Service{
		repo:      repo,
		status:    status,
		catalog:   catalog,
		loader:    loader,
		workers:   1,
		prefixLen: matching.DefaultPrefixLen,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateRun parses the uploads, persists the run with its extracts, and
// starts reconciliation in the background. The response returns immediately;
// progress is observable via the status endpoint and the event topic.
func (s *Service) CreateRun(ctx context.Context, uploads []Upload) (*models.CreateRunResponse, error) {
	if len(uploads) == 0 {
		return nil, extract.NewValidationError("no extract files uploaded")
	}

	batches := make([]extract.Batch, 0, len(uploads))
	for _, up := range uploads {
		batch, err := s.loader.Load(up.Kind, up.FacilityLabel, up.Filename, up.Reader)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", up.Filename, err)
		}
		batches = append(batches, batch)
	}

	runID := uuid.New().String()
	run := &Run{
		ID:     runID,
		Status: StatusPending,
	}
	if err := s.repo.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("persisting run: %w", err)
	}
	for _, batch := range batches {
		records, err := json.Marshal(batch.Records)
		if err != nil {
			return nil, fmt.Errorf("encoding extract rows: %w", err)
		}
		ex := &RunExtract{
			ID:            uuid.New().String(),
			RunID:         runID,
			Kind:          string(batch.Kind),
			FacilityLabel: batch.FacilityLabel,
			Filename:      batch.Source,
			Rows:          len(batch.Records),
			Records:       records,
		}
		if err := s.repo.SaveExtract(ctx, ex); err != nil {
			return nil, fmt.Errorf("persisting extract %s: %w", batch.Source, err)
		}
	}

	s.publish(ctx, models.EventRunCreated, map[string]interface{}{
		"run_id":   runID,
		"extracts": len(batches),
	})

	go s.execute(runID, batches)

	return &models.CreateRunResponse{
		ID:        runID,
		Status:    StatusPending,
		Extracts:  len(batches),
		Timestamp: time.Now().UTC(),
	}, nil
}

// Replay re-executes a stored run as a fresh run, reusing the parsed extract
// rows persisted at upload time.
func (s *Service) Replay(ctx context.Context, runID string) (*models.CreateRunResponse, error) {
	if _, err := s.repo.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	stored, err := s.repo.ListExtracts(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("loading extracts for %s: %w", runID, err)
	}
	if len(stored) == 0 {
		return nil, extract.NewValidationError("run %s has no stored extracts to replay", runID)
	}

	newID := uuid.New().String()
	run := &Run{
		ID:     newID,
		Status: StatusPending,
	}
	if err := s.repo.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("persisting replay run: %w", err)
	}

	batches := make([]extract.Batch, 0, len(stored))
	for _, ex := range stored {
		var records []models.PatientRecord
		if err := json.Unmarshal(ex.Records, &records); err != nil {
			return nil, fmt.Errorf("decoding stored extract %s: %w", ex.Filename, err)
		}
		batches = append(batches, extract.Batch{
			Kind:          models.ExtractKind(ex.Kind),
			FacilityLabel: ex.FacilityLabel,
			Source:        ex.Filename,
			Records:       records,
		})
		copied := &RunExtract{
			ID:            uuid.New().String(),
			RunID:         newID,
			Kind:          ex.Kind,
			FacilityLabel: ex.FacilityLabel,
			Filename:      ex.Filename,
			Rows:          ex.Rows,
			Records:       ex.Records,
		}
		if err := s.repo.SaveExtract(ctx, copied); err != nil {
			return nil, fmt.Errorf("copying extract %s: %w", ex.Filename, err)
		}
	}

	logger.WithRun(newID).WithField("replay_of", runID).Info("replaying run")
	s.publish(ctx, models.EventRunCreated, map[string]interface{}{
		"run_id":    newID,
		"replay_of": runID,
		"extracts":  len(batches),
	})

	go s.execute(newID, batches)

	return &models.CreateRunResponse{
		ID:        newID,
		Status:    StatusPending,
		Extracts:  len(batches),
		Timestamp: time.Now().UTC(),
	}, nil
}

// execute drives the pipeline for one run. Runs on its own goroutine with its
// own context: an HTTP client going away must not cancel reconciliation.
func (s *Service) execute(runID string, batches []extract.Batch) {
	ctx := context.Background()
	log := logger.WithRun(runID)
	metrics.RunStarted()

	s.setStatus(ctx, runID, StatusRunning, "", "", 0)
	if err := s.repo.UpdateStatus(ctx, runID, StatusRunning, ""); err != nil {
		log.WithError(err).Error("failed to mark run running")
	}

	tracker := &progressTracker{service: s, runID: runID}
	runner := pipeline.NewRunner(s.catalog,
		pipeline.WithWorkers(s.workers),
		pipeline.WithPrefixLen(s.prefixLen),
		pipeline.WithProgress(tracker.observe),
	)

	res, err := runner.Run(ctx, batches, exporterFunc(func(ctx context.Context, rows []aggregate.Row, _ []models.Issue) error {
		return s.exportRun(ctx, runID, rows)
	}))

	issues, marshalErr := json.Marshal(res.Issues)
	if marshalErr != nil {
		log.WithError(marshalErr).Error("failed to encode run issues")
		issues = []byte("[]")
	}
	if updateErr := s.repo.UpdateCounts(ctx, runID, res.Facilities, res.Records, issues); updateErr != nil {
		log.WithError(updateErr).Error("failed to store run counts")
	}

	if err != nil {
		log.WithError(err).Error("run failed")
		metrics.RunFailed()
		if updateErr := s.repo.UpdateStatus(ctx, runID, StatusFailed, err.Error()); updateErr != nil {
			log.WithError(updateErr).Error("failed to mark run failed")
		}
		s.setStatus(ctx, runID, StatusFailed, err.Error(), tracker.stage(), tracker.percent())
		s.publishTerminal(ctx, models.EventRunFailed, map[string]interface{}{
			"run_id": runID,
			"error":  err.Error(),
		})
		return
	}

	metrics.RunCompleted(res.Facilities, res.Records, len(res.Issues))
	if updateErr := s.repo.UpdateStatus(ctx, runID, StatusCompleted, ""); updateErr != nil {
		log.WithError(updateErr).Error("failed to mark run completed")
	}
	if updateErr := s.repo.UpdateProgress(ctx, runID, string(pipeline.StageExported), percentDone); updateErr != nil {
		log.WithError(updateErr).Error("failed to store final progress")
	}
	s.setStatus(ctx, runID, StatusCompleted, "", string(pipeline.StageExported), percentDone)
	s.publishTerminal(ctx, models.EventRunCompleted, map[string]interface{}{
		"run_id":     runID,
		"facilities": res.Facilities,
		"records":    res.Records,
		"issues":     len(res.Issues),
	})
	log.WithFields(logrus.Fields{
		"facilities": res.Facilities,
		"records":    res.Records,
		"issues":     len(res.Issues),
	}).Info("run completed")
}

// exportRun persists the summary rows and pushes them to the reporting sheet.
// A database failure aborts the run; a sheet failure is logged and swallowed,
// the stored summary is still authoritative.
func (s *Service) exportRun(ctx context.Context, runID string, rows []aggregate.Row) error {
	records := make([]SummaryRecord, 0, len(rows))
	for i, row := range rows {
		encoded, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("encoding summary row for %s: %w", row.Facility, err)
		}
		records = append(records, SummaryRecord{
			ID:       uuid.New().String(),
			RunID:    runID,
			Facility: string(row.Facility),
			Position: i,
			Row:      encoded,
		})
	}
	if err := s.repo.ReplaceSummary(ctx, runID, records); err != nil {
		return fmt.Errorf("storing summary: %w", err)
	}

	if s.uploader != nil {
		if err := s.uploader.Upload(ctx, s.catalog, rows); err != nil {
			metrics.SheetUploadFailed()
			logger.WithRun(runID).WithError(err).Warn("sheet upload failed; summary remains available from the API")
		}
	}
	return nil
}

// Summary returns the stored metric rows for a run in summary order.
func (s *Service) Summary(ctx context.Context, runID string) ([]aggregate.Row, error) {
	if _, err := s.repo.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	records, err := s.repo.ListSummary(ctx, runID)
	if err != nil {
		return nil, err
	}
	rows := make([]aggregate.Row, 0, len(records))
	for _, rec := range records {
		var row aggregate.Row
		if err := json.Unmarshal(rec.Row, &row); err != nil {
			return nil, fmt.Errorf("decoding summary row %d: %w", rec.Position, err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// Status returns run status, cache first, database as fallback.
func (s *Service) Status(ctx context.Context, runID string) (*models.RunStatus, error) {
	if cached, ok := s.status.Get(ctx, runID); ok {
		return cached, nil
	}
	run, err := s.repo.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return &models.RunStatus{
		RunID:      run.ID,
		Status:     run.Status,
		Stage:      run.Stage,
		Progress:   run.Progress,
		Facilities: run.Facilities,
		Error:      run.Error,
		UpdatedAt:  run.UpdatedAt,
	}, nil
}

func (s *Service) Get(ctx context.Context, runID string) (*Run, error) {
	return s.repo.GetRun(ctx, runID)
}

func (s *Service) List(ctx context.Context, limit, offset int) ([]Run, error) {
	return s.repo.ListRuns(ctx, limit, offset)
}

func (s *Service) Catalog() terminology.Catalog {
	return s.catalog
}

func (s *Service) Cleanup(ctx context.Context, retention time.Duration) error {
	return s.repo.CleanupExpired(ctx, retention)
}

// ConsumeReplayRequests processes replay commands arriving on the requests
// topic until ctx is cancelled.
func (s *Service) ConsumeReplayRequests(ctx context.Context, consumer *kafka.Consumer) error {
	return consumer.Consume(ctx, func(ctx context.Context, event models.Event) error {
		if event.Type != models.EventRunReplay {
			return nil
		}
		runID, _ := event.Data["run_id"].(string)
		if runID == "" {
			logger.Log.WithField("event_id", event.ID).Warn("replay request without run_id")
			return nil
		}
		_, err := s.Replay(ctx, runID)
		if errors.Is(err, ErrNotFound) || extract.IsValidationError(err) {
			logger.WithRun(runID).WithError(err).Warn("dropping unreplayable request")
			return nil
		}
		return err
	})
}

func (s *Service) setStatus(ctx context.Context, runID, status, errMsg, stage string, progress int) {
	s.status.Set(ctx, models.RunStatus{
		RunID:     runID,
		Status:    status,
		Stage:     stage,
		Progress:  progress,
		Error:     errMsg,
		UpdatedAt: time.Now().UTC(),
	})
}

func (s *Service) publish(ctx context.Context, eventType string, data map[string]interface{}) {
	if s.producer == nil {
		return
	}
	if err := s.producer.PublishEvent(ctx, eventType, "reconciler", data); err != nil {
		logger.Log.WithError(err).WithField("event_type", eventType).Error("failed to publish event")
	}
}

// publishTerminal publishes completion/failure events with a dead-letter
// fallback so a broker outage cannot silently lose a run outcome.
func (s *Service) publishTerminal(ctx context.Context, eventType string, data map[string]interface{}) {
	if s.producer == nil {
		return
	}
	if err := s.producer.PublishEvent(ctx, eventType, "reconciler", data); err != nil {
		logger.Log.WithError(err).WithField("event_type", eventType).Error("failed to publish terminal event")
		if s.dlq != nil {
			if dlqErr := s.dlq.PublishEvent(ctx, eventType, "reconciler", data); dlqErr != nil {
				logger.Log.WithError(dlqErr).Error("failed to push event to DLQ")
			}
		}
	}
}

type exporterFunc func(ctx context.Context, rows []aggregate.Row, issues []models.Issue) error

func (f exporterFunc) Export(ctx context.Context, rows []aggregate.Row, issues []models.Issue) error {
	return f(ctx, rows, issues)
}

// progressTracker folds pipeline stage events into a monotonic percentage.
// Facility completions interpolate between the normalized and reconciled
// anchors; per-facility MATCHED/DEDUPLICATED events refresh the stage label
// without moving the bar.
type progressTracker struct {
	service *Service
	runID   string

	mu        sync.Mutex
	lastStage string
	last      int
}

func (t *progressTracker) observe(p pipeline.Progress) {
	percent := t.advance(p)

	ctx := context.Background()
	if err := t.service.repo.UpdateProgress(ctx, t.runID, string(p.Stage), percent); err != nil {
		logger.WithRun(t.runID).WithError(err).Warn("failed to store progress")
	}
	t.service.setStatus(ctx, t.runID, StatusRunning, "", string(p.Stage), percent)

	data := map[string]interface{}{
		"run_id":   t.runID,
		"stage":    string(p.Stage),
		"progress": percent,
	}
	if p.Facility != "" {
		data["facility"] = string(p.Facility)
	}
	if p.Total > 0 {
		data["facilities_done"] = p.Completed
		data["facilities_total"] = p.Total
	}
	t.service.publish(ctx, models.EventRunProgress, data)
}

// advance folds one stage event into the tracker. The percentage never moves
// backwards even when worker completion events arrive out of order.
func (t *progressTracker) advance(p pipeline.Progress) int {
	percent := t.mapPercent(p)

	t.mu.Lock()
	defer t.mu.Unlock()
	if percent < t.last {
		percent = t.last
	}
	t.last = percent
	t.lastStage = string(p.Stage)
	return percent
}

func (t *progressTracker) mapPercent(p pipeline.Progress) int {
	switch p.Stage {
	case pipeline.StageLoaded:
		return percentLoaded
	case pipeline.StageNormalized:
		return percentNormalized
	case pipeline.StageAggregated:
		if p.Total > 0 {
			span := percentReconciled - percentNormalized
			return percentNormalized + span*p.Completed/p.Total
		}
		return percentNormalized
	case pipeline.StageExported:
		return percentExported
	default:
		return 0
	}
}

func (t *progressTracker) percent() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

func (t *progressTracker) stage() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastStage
}
