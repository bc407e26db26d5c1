package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"invoker/internal/common/db"
	"invoker/internal/invoker/model"
	pkgerrors "invoker/pkg/errors"
	"invoker/pkg/repository"
)

// InvocationState is the persisted lifecycle state of an invocation row.
type InvocationState string

const (
	StateWaiting      InvocationState = "waiting"
	StateInvoking     InvocationState = "invoking"
	StateCompileError InvocationState = "compile_error"
	StateInvokeFailed InvocationState = "invoke_failed"
	StateJudgeDone    InvocationState = "judge_done"
)

// StateForReason maps a finish reason to the terminal row state.
func StateForReason(reason model.InvocationFinishReason) (InvocationState, error) {
	switch reason {
	case model.FinishCompileError:
		return StateCompileError, nil
	case model.FinishFault:
		return StateInvokeFailed, nil
	case model.FinishJudgeDone:
		return StateJudgeDone, nil
	default:
		return "", pkgerrors.Newf(pkgerrors.InvalidParams, "unknown finish reason %q", reason)
	}
}

// StoredTask is the invoke_task column payload.
type StoredTask struct {
	RunID    uint32 `json:"run_id"`
	Revision uint32 `json:"revision"`
}

// Invocation is one row of the invocations table.
type Invocation struct {
	ID    uint32
	State InvocationState
	Task  StoredTask
}

// Run is one row of the runs table.
type Run struct {
	ID          uint32
	ToolchainID string
	ProblemID   string
}

// InvocationStore is the persistence used by the database task source.
type InvocationStore interface {
	// FindWaiting scans one window of waiting invocations in id order and
	// claims those accepted by accept. Claimed rows leave the waiting state.
	FindWaiting(ctx context.Context, offset, limit int, accept func(Invocation) bool) ([]Invocation, error)
	LoadRun(ctx context.Context, runID uint32) (Run, error)
	UpdateState(ctx context.Context, id uint32, state InvocationState) error
	AddOutcomeHeader(ctx context.Context, id uint32, header model.InvokeOutcomeHeader) error
}

const (
	queryWaitingPrefix = "SELECT id, invoke_task FROM invocations WHERE state = ?"
	queryClaim         = "UPDATE invocations SET state = ? WHERE id = ? AND state = ?"
	queryLoadRun       = "SELECT id, toolchain_id, problem_id FROM runs WHERE id = ?"
	queryUpdateState   = "UPDATE invocations SET state = ? WHERE id = ?"
	queryLockOutcome   = "SELECT outcome FROM invocations WHERE id = ? FOR UPDATE"
	queryStoreOutcome  = "UPDATE invocations SET outcome = ? WHERE id = ?"
)

// SQLStore implements InvocationStore over MySQL or PostgreSQL.
type SQLStore struct {
	db db.Database
	// SkipLocked lets several invokers scan the same table without blocking
	// on each other's claimed windows.
	SkipLocked bool
}

// NewSQLStore creates a new store.
func NewSQLStore(database db.Database) *SQLStore {
	return &SQLStore{db: database}
}

func (s *SQLStore) FindWaiting(ctx context.Context, offset, limit int, accept func(Invocation) bool) ([]Invocation, error) {
	if s == nil || s.db == nil {
		return nil, pkgerrors.New(pkgerrors.DatabaseError).WithMessage("database is not initialized")
	}
	page := repository.ListOptions{
		Offset:     offset,
		Limit:      limit,
		OrderBy:    "id",
		ForUpdate:  true,
		SkipLocked: s.SkipLocked,
	}
	if err := page.Validate(); err != nil {
		return nil, pkgerrors.Wrapf(err, pkgerrors.InvalidParams, "invalid window")
	}
	clause, pageArgs := page.Clause()
	args := append([]interface{}{string(StateWaiting)}, pageArgs...)

	var claimed []Invocation
	err := s.db.Transaction(ctx, func(tx db.Transaction) error {
		window, err := scanWaiting(ctx, tx, queryWaitingPrefix+clause, args)
		if err != nil {
			return err
		}
		for _, inv := range window {
			if !accept(inv) {
				continue
			}
			res, err := tx.Exec(ctx, queryClaim, string(StateInvoking), inv.ID, string(StateWaiting))
			if err != nil {
				return pkgerrors.Wrapf(err, pkgerrors.DatabaseError, "claim invocation %d", inv.ID)
			}
			if n, err := res.RowsAffected(); err == nil && n == 0 {
				continue
			}
			inv.State = StateInvoking
			claimed = append(claimed, inv)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func scanWaiting(ctx context.Context, q db.Querier, query string, args []interface{}) ([]Invocation, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, pkgerrors.DatabaseError, "query waiting invocations")
	}
	defer rows.Close()

	var out []Invocation
	for rows.Next() {
		var (
			id  uint32
			raw string
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, pkgerrors.Wrapf(err, pkgerrors.DatabaseError, "scan invocation")
		}
		var task StoredTask
		if err := json.Unmarshal([]byte(raw), &task); err != nil {
			return nil, pkgerrors.Wrapf(err, pkgerrors.MalformedRecord, "invocation %d has a malformed invoke_task", id)
		}
		out = append(out, Invocation{ID: id, State: StateWaiting, Task: task})
	}
	if err := rows.Err(); err != nil {
		return nil, pkgerrors.Wrapf(err, pkgerrors.DatabaseError, "iterate waiting invocations")
	}
	return out, nil
}

func (s *SQLStore) LoadRun(ctx context.Context, runID uint32) (Run, error) {
	var run Run
	err := s.db.QueryRow(ctx, queryLoadRun, runID).Scan(&run.ID, &run.ToolchainID, &run.ProblemID)
	if err != nil {
		if db.IsNoRows(err) {
			return Run{}, pkgerrors.Wrapf(repository.ErrNotFound, pkgerrors.RecordNotFound, "run %d", runID)
		}
		return Run{}, pkgerrors.Wrapf(err, pkgerrors.DatabaseError, "load run %d", runID)
	}
	return run, nil
}

func (s *SQLStore) UpdateState(ctx context.Context, id uint32, state InvocationState) error {
	res, err := s.db.Exec(ctx, queryUpdateState, string(state), id)
	if err != nil {
		return pkgerrors.Wrapf(err, pkgerrors.DatabaseError, "update invocation %d", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return pkgerrors.Wrapf(err, pkgerrors.DatabaseError, "update invocation %d", id)
	}
	if n == 0 {
		return pkgerrors.Wrapf(repository.ErrNoRowsAffected, pkgerrors.RecordNotFound, "invocation %d", id)
	}
	return nil
}

// AddOutcomeHeader appends header to the invocation's outcome list.
func (s *SQLStore) AddOutcomeHeader(ctx context.Context, id uint32, header model.InvokeOutcomeHeader) error {
	return s.db.Transaction(ctx, func(tx db.Transaction) error {
		var raw sql.NullString
		if err := tx.QueryRow(ctx, queryLockOutcome, id).Scan(&raw); err != nil {
			if db.IsNoRows(err) {
				return pkgerrors.Wrapf(repository.ErrNotFound, pkgerrors.RecordNotFound, "invocation %d", id)
			}
			return pkgerrors.Wrapf(err, pkgerrors.DatabaseError, "lock invocation %d", id)
		}
		var headers []model.InvokeOutcomeHeader
		if raw.Valid && raw.String != "" {
			if err := json.Unmarshal([]byte(raw.String), &headers); err != nil {
				return pkgerrors.Wrapf(err, pkgerrors.MalformedRecord, "invocation %d has a malformed outcome", id)
			}
		}
		headers = append(headers, header)
		data, err := json.Marshal(headers)
		if err != nil {
			return fmt.Errorf("marshal outcome failed: %w", err)
		}
		if _, err := tx.Exec(ctx, queryStoreOutcome, string(data), id); err != nil {
			return pkgerrors.Wrapf(err, pkgerrors.DatabaseError, "store outcome of invocation %d", id)
		}
		return nil
	})
}

var _ InvocationStore = (*SQLStore)(nil)
