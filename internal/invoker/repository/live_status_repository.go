package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"invoker/internal/common/cache"
	"invoker/internal/invoker/model"
	pkgerrors "invoker/pkg/errors"
)

const (
	liveStatusKeyPrefix = "lsu-"
	historySuffix       = ":history"
	defaultHistoryLen   = 32
)

// LiveStatusKey returns the key holding the latest update of a run.
func LiveStatusKey(runID uint32) string {
	return fmt.Sprintf("%s%d", liveStatusKeyPrefix, runID)
}

// LiveStatusStore keeps the latest live status update of each run plus a
// capped history of previous ones.
type LiveStatusStore struct {
	cache      cache.Cache
	TTL        time.Duration
	HistoryLen int64
}

// NewLiveStatusStore creates a new store.
func NewLiveStatusStore(cacheClient cache.Cache, ttl time.Duration) *LiveStatusStore {
	return &LiveStatusStore{cache: cacheClient, TTL: ttl, HistoryLen: defaultHistoryLen}
}

// Put stores update as the run's latest status.
func (s *LiveStatusStore) Put(ctx context.Context, runID uint32, update model.LiveStatusUpdate) error {
	if s == nil || s.cache == nil {
		return pkgerrors.New(pkgerrors.CacheError).WithMessage("cache client is not initialized")
	}
	data, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("marshal live status failed: %w", err)
	}
	key := LiveStatusKey(runID)
	historyKey := key + historySuffix
	err = s.cache.Pipeline(ctx, func(pipe cache.Pipeliner) error {
		if err := pipe.Set(key, string(data), s.TTL); err != nil {
			return err
		}
		if s.HistoryLen <= 0 {
			return nil
		}
		if err := pipe.RPush(historyKey, string(data)); err != nil {
			return err
		}
		if err := pipe.LTrim(historyKey, -s.HistoryLen, -1); err != nil {
			return err
		}
		if s.TTL > 0 {
			return pipe.Expire(historyKey, s.TTL)
		}
		return nil
	})
	if err != nil {
		return pkgerrors.Wrapf(err, pkgerrors.CacheError, "store live status of run %d", runID)
	}
	return nil
}

// Get returns the latest update of a run.
func (s *LiveStatusStore) Get(ctx context.Context, runID uint32) (model.LiveStatusUpdate, error) {
	if s == nil || s.cache == nil {
		return model.LiveStatusUpdate{}, pkgerrors.New(pkgerrors.CacheError).WithMessage("cache client is not initialized")
	}
	val, err := s.cache.Get(ctx, LiveStatusKey(runID))
	if err != nil {
		return model.LiveStatusUpdate{}, pkgerrors.Wrapf(err, pkgerrors.CacheError, "load live status of run %d", runID)
	}
	if val == "" {
		return model.LiveStatusUpdate{}, pkgerrors.New(pkgerrors.NotFound).WithMessage("live status not found")
	}
	var update model.LiveStatusUpdate
	if err := json.Unmarshal([]byte(val), &update); err != nil {
		return model.LiveStatusUpdate{}, pkgerrors.Wrapf(err, pkgerrors.CacheError, "decode live status failed")
	}
	return update, nil
}

// History returns the retained updates of a run, oldest first.
func (s *LiveStatusStore) History(ctx context.Context, runID uint32) ([]model.LiveStatusUpdate, error) {
	items, err := s.cache.LRange(ctx, LiveStatusKey(runID)+historySuffix, 0, -1)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, pkgerrors.CacheError, "load live status history of run %d", runID)
	}
	out := make([]model.LiveStatusUpdate, 0, len(items))
	for _, item := range items {
		var update model.LiveStatusUpdate
		if err := json.Unmarshal([]byte(item), &update); err != nil {
			return nil, pkgerrors.Wrapf(err, pkgerrors.CacheError, "decode live status failed")
		}
		out = append(out, update)
	}
	return out, nil
}
