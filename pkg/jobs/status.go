package jobs

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/puzzlehealth/reconciler/pkg/common/logger"
	"github.com/puzzlehealth/reconciler/pkg/common/models"
)

// StatusStore caches run status in redis under a TTL so the polling endpoint
// stays off the database. Best effort: a cache failure degrades to the DB
// fallback, never fails the run.
type StatusStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewStatusStore(client *redis.Client, ttl time.Duration) *StatusStore {
	return &StatusStore{client: client, ttl: ttl}
}

func statusKey(runID string) string {
	return "run:status:" + runID
}

func (s *StatusStore) Set(ctx context.Context, status models.RunStatus) {
	if s == nil || s.client == nil {
		return
	}
	data, err := json.Marshal(status)
	if err != nil {
		logger.Log.WithError(err).Warn("failed to marshal run status")
		return
	}
	if err := s.client.Set(ctx, statusKey(status.RunID), data, s.ttl).Err(); err != nil {
		logger.Log.WithError(err).WithField("run_id", status.RunID).Warn("failed to cache run status")
	}
}

func (s *StatusStore) Get(ctx context.Context, runID string) (*models.RunStatus, bool) {
	if s == nil || s.client == nil {
		return nil, false
	}
	data, err := s.client.Get(ctx, statusKey(runID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			logger.Log.WithError(err).WithField("run_id", runID).Warn("failed to read cached run status")
		}
		return nil, false
	}
	var status models.RunStatus
	if err := json.Unmarshal(data, &status); err != nil {
		logger.Log.WithError(err).WithField("run_id", runID).Warn("corrupt cached run status")
		return nil, false
	}
	return &status, true
}
