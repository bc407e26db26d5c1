package source

import (
	"context"
	"encoding/binary"
	"fmt"
	"path/filepath"
	"sync"

	"invoker/internal/invoker/model"
	"invoker/internal/invoker/repository"
	pkgerrors "invoker/pkg/errors"
	"invoker/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Consecutive scan windows overlap by WindowSize-WindowStep rows.
const (
	WindowSize = 10
	WindowStep = 9
)

// Compile-time check that windows overlap.
const _ uint = WindowSize - WindowStep - 1

// LiveStatusWriter stores live status updates keyed by run id.
type LiveStatusWriter interface {
	Put(ctx context.Context, runID uint32, update model.LiveStatusUpdate) error
}

// DBSource discovers waiting invocations in the database.
type DBSource struct {
	store      repository.InvocationStore
	liveStatus LiveStatusWriter
	publisher  repository.OutcomePublisher
	runsDir    string

	mu         sync.Mutex
	runMapping map[uuid.UUID]uint32
}

// NewDBSource creates a database source rooted at dataDir.
// publisher may be nil.
func NewDBSource(store repository.InvocationStore, liveStatus LiveStatusWriter, publisher repository.OutcomePublisher, dataDir string) *DBSource {
	return &DBSource{
		store:      store,
		liveStatus: liveStatus,
		publisher:  publisher,
		runsDir:    filepath.Join(dataDir, "var", "runs"),
		runMapping: make(map[uuid.UUID]uint32),
	}
}

// InvocationIDFromRow derives the invocation id of a row: the row id in the
// first 32 bits, zeros elsewhere.
func InvocationIDFromRow(rowID uint32) uuid.UUID {
	var id uuid.UUID
	binary.BigEndian.PutUint32(id[:4], rowID)
	return id
}

// RowFromInvocationID is the inverse of InvocationIDFromRow.
func RowFromInvocationID(id uuid.UUID) uint32 {
	return binary.BigEndian.Uint32(id[:4])
}

// RunDir returns the directory of a run.
func (s *DBSource) RunDir(runID uint32) string {
	return filepath.Join(s.runsDir, fmt.Sprintf("run.%d", runID))
}

func (s *DBSource) LoadTasks(ctx context.Context, max int) ([]model.InvokeTask, error) {
	var tasks []model.InvokeTask
	remaining := max
	offset := 0
	for remaining > 0 {
		discovered := false
		rejected := 0
		chunk, err := s.store.FindWaiting(ctx, offset, WindowSize, func(repository.Invocation) bool {
			if remaining > 0 {
				discovered = true
				remaining--
				return true
			}
			rejected++
			return false
		})
		if err != nil {
			return tasks, err
		}

		s.mu.Lock()
		for _, inv := range chunk {
			task, err := s.buildTask(ctx, inv)
			if err != nil {
				logger.Error(ctx, "claimed invocation has no usable run", zap.Uint32("invocation_row", inv.ID), zap.Error(err))
				if uerr := s.store.UpdateState(ctx, inv.ID, repository.StateInvokeFailed); uerr != nil {
					logger.Error(ctx, "mark invocation failed", zap.Uint32("invocation_row", inv.ID), zap.Error(uerr))
				}
				// The row yields no task, so its slot goes back to the budget.
				remaining++
				continue
			}
			s.runMapping[task.InvocationID] = inv.Task.RunID
			tasks = append(tasks, task)
		}
		s.mu.Unlock()

		if !discovered {
			break
		}
		if rejected > 0 {
			// Rows are accepted in order, so the rows turned away for lack of
			// budget now start at offset.
			continue
		}
		// Claimed rows leave the waiting set, which shifts every later row
		// back by the number claimed.
		offset += WindowStep - len(chunk)
		if offset < 0 {
			offset = 0
		}
	}
	return tasks, nil
}

func (s *DBSource) buildTask(ctx context.Context, inv repository.Invocation) (model.InvokeTask, error) {
	run, err := s.store.LoadRun(ctx, inv.Task.RunID)
	if err != nil {
		return model.InvokeTask{}, err
	}
	runDir := s.RunDir(inv.Task.RunID)
	return model.InvokeTask{
		Revision:      inv.Task.Revision,
		ToolchainID:   run.ToolchainID,
		ProblemID:     run.ProblemID,
		InvocationID:  InvocationIDFromRow(inv.ID),
		RunDir:        runDir,
		InvocationDir: filepath.Join(runDir, fmt.Sprintf("inv.%d", inv.Task.Revision)),
	}, nil
}

func (s *DBSource) SetFinished(ctx context.Context, invocationID uuid.UUID, reason model.InvocationFinishReason) error {
	s.mu.Lock()
	runID, mapped := s.runMapping[invocationID]
	delete(s.runMapping, invocationID)
	s.mu.Unlock()

	state, err := repository.StateForReason(reason)
	if err != nil {
		return err
	}
	if err := s.store.UpdateState(ctx, RowFromInvocationID(invocationID), state); err != nil {
		return pkgerrors.Wrapf(err, pkgerrors.OutcomeStoreFailed, "failed to store outcome")
	}
	if !mapped {
		logger.Warn(ctx, "finished invocation had no run mapping", zap.String("invocation_id", invocationID.String()))
		return nil
	}
	if s.publisher != nil {
		event := repository.OutcomeEvent{InvocationID: invocationID, RunID: runID, Reason: reason, State: state}
		if err := s.publisher.PublishOutcome(ctx, event); err != nil {
			logger.Warn(ctx, "publish outcome event failed", zap.String("invocation_id", invocationID.String()), zap.Error(err))
		}
	}
	return nil
}

func (s *DBSource) AddOutcomeHeader(ctx context.Context, invocationID uuid.UUID, header model.InvokeOutcomeHeader) error {
	return s.store.AddOutcomeHeader(ctx, RowFromInvocationID(invocationID), header)
}

func (s *DBSource) DeliverLiveStatusUpdate(ctx context.Context, invocationID uuid.UUID, update model.LiveStatusUpdate) error {
	s.mu.Lock()
	runID, ok := s.runMapping[invocationID]
	s.mu.Unlock()
	if !ok {
		return notFound(invocationID)
	}
	return s.liveStatus.Put(ctx, runID, update)
}

// Tracked reports how many invocations currently hold a run mapping.
func (s *DBSource) Tracked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runMapping)
}

var _ TaskSource = (*DBSource)(nil)
