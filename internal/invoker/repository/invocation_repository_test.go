package repository

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"invoker/internal/invoker/model"
	pkgerrors "invoker/pkg/errors"
)

func acceptAll(Invocation) bool { return true }

func TestFindWaitingClaimsAcceptedRows(t *testing.T) {
	fdb := newFakeDB()
	for id := uint32(1); id <= 5; id++ {
		fdb.addWaiting(id, 100+id, 1)
	}
	fdb.addInvocation(6, StateJudgeDone, `{"run_id":1,"revision":1}`)
	store := NewSQLStore(fdb)

	seen := 0
	got, err := store.FindWaiting(context.Background(), 0, 10, func(inv Invocation) bool {
		seen++
		return inv.ID%2 == 1
	})
	if err != nil {
		t.Fatalf("FindWaiting: %v", err)
	}
	if seen != 5 {
		t.Fatalf("accept called %d times, want 5", seen)
	}
	if len(got) != 3 || got[0].ID != 1 || got[1].ID != 3 || got[2].ID != 5 {
		t.Fatalf("unexpected claimed rows %+v", got)
	}
	if got[1].Task != (StoredTask{RunID: 103, Revision: 1}) {
		t.Fatalf("unexpected decoded task %+v", got[1].Task)
	}
	for _, id := range []uint32{1, 3, 5} {
		if fdb.state(id) != StateInvoking {
			t.Fatalf("invocation %d state = %s, want invoking", id, fdb.state(id))
		}
	}
	for _, id := range []uint32{2, 4} {
		if fdb.state(id) != StateWaiting {
			t.Fatalf("invocation %d must stay waiting", id)
		}
	}
}

func TestFindWaitingWindowQuery(t *testing.T) {
	fdb := newFakeDB()
	store := NewSQLStore(fdb)
	store.SkipLocked = true

	if _, err := store.FindWaiting(context.Background(), 9, 10, acceptAll); err != nil {
		t.Fatalf("FindWaiting: %v", err)
	}
	want := "SELECT id, invoke_task FROM invocations WHERE state = ? ORDER BY id LIMIT ? OFFSET ? FOR UPDATE SKIP LOCKED"
	if got := fdb.lastQuery(); got != want {
		t.Fatalf("query = %q, want %q", got, want)
	}

	if _, err := store.FindWaiting(context.Background(), -1, 10, acceptAll); !pkgerrors.Is(err, pkgerrors.InvalidParams) {
		t.Fatalf("expected InvalidParams for a negative offset, got %v", err)
	}
}

func TestFindWaitingMalformedRowRollsBack(t *testing.T) {
	fdb := newFakeDB()
	fdb.addWaiting(1, 10, 1)
	fdb.addInvocation(2, StateWaiting, "{not json")
	store := NewSQLStore(fdb)

	_, err := store.FindWaiting(context.Background(), 0, 10, acceptAll)
	if !pkgerrors.Is(err, pkgerrors.MalformedRecord) {
		t.Fatalf("expected MalformedRecord, got %v", err)
	}
	if fdb.state(1) != StateWaiting {
		t.Fatalf("claims must be rolled back")
	}
}

func TestLoadRun(t *testing.T) {
	fdb := newFakeDB()
	fdb.runs[7] = Run{ID: 7, ToolchainID: "cpp", ProblemID: "a-plus-b"}
	store := NewSQLStore(fdb)

	run, err := store.LoadRun(context.Background(), 7)
	if err != nil {
		t.Fatalf("LoadRun: %v", err)
	}
	if run.ToolchainID != "cpp" || run.ProblemID != "a-plus-b" {
		t.Fatalf("unexpected run %+v", run)
	}

	_, err = store.LoadRun(context.Background(), 8)
	if !pkgerrors.Is(err, pkgerrors.RecordNotFound) {
		t.Fatalf("expected RecordNotFound, got %v", err)
	}
}

func TestUpdateState(t *testing.T) {
	fdb := newFakeDB()
	fdb.addWaiting(1, 10, 1)
	store := NewSQLStore(fdb)

	if err := store.UpdateState(context.Background(), 1, StateJudgeDone); err != nil {
		t.Fatalf("UpdateState: %v", err)
	}
	if fdb.state(1) != StateJudgeDone {
		t.Fatalf("state = %s", fdb.state(1))
	}
	if err := store.UpdateState(context.Background(), 2, StateJudgeDone); !pkgerrors.Is(err, pkgerrors.RecordNotFound) {
		t.Fatalf("expected RecordNotFound, got %v", err)
	}

	fdb.execErr = errors.New("connection reset")
	if err := store.UpdateState(context.Background(), 1, StateInvokeFailed); !pkgerrors.Is(err, pkgerrors.DatabaseError) {
		t.Fatalf("expected DatabaseError, got %v", err)
	}
}

func TestAddOutcomeHeaderAppends(t *testing.T) {
	fdb := newFakeDB()
	fdb.addWaiting(1, 10, 1)
	store := NewSQLStore(fdb)
	ctx := context.Background()

	built := model.Built()
	failed := model.CompilationError(model.CodeCompilerFailed)
	if err := store.AddOutcomeHeader(ctx, 1, model.InvokeOutcomeHeader{Status: &built}); err != nil {
		t.Fatalf("AddOutcomeHeader: %v", err)
	}
	if err := store.AddOutcomeHeader(ctx, 1, model.InvokeOutcomeHeader{Status: &failed}); err != nil {
		t.Fatalf("AddOutcomeHeader: %v", err)
	}

	raw := fdb.outcome(1)
	if !raw.Valid {
		t.Fatalf("outcome was not stored")
	}
	var headers []model.InvokeOutcomeHeader
	if err := json.Unmarshal([]byte(raw.String), &headers); err != nil {
		t.Fatalf("decode outcome: %v", err)
	}
	if len(headers) != 2 || *headers[0].Status != built || *headers[1].Status != failed {
		t.Fatalf("unexpected headers %s", raw.String)
	}

	if err := store.AddOutcomeHeader(ctx, 9, model.InvokeOutcomeHeader{}); !pkgerrors.Is(err, pkgerrors.RecordNotFound) {
		t.Fatalf("expected RecordNotFound, got %v", err)
	}
}

func TestStateForReason(t *testing.T) {
	tests := map[model.InvocationFinishReason]InvocationState{
		model.FinishCompileError: StateCompileError,
		model.FinishFault:        StateInvokeFailed,
		model.FinishJudgeDone:    StateJudgeDone,
	}
	for reason, want := range tests {
		got, err := StateForReason(reason)
		if err != nil || got != want {
			t.Fatalf("StateForReason(%s) = %s, %v", reason, got, err)
		}
	}
	if _, err := StateForReason("Bogus"); err == nil {
		t.Fatalf("expected error for unknown reason")
	}
}

func TestEnsureSchema(t *testing.T) {
	fdb := newFakeDB()
	if err := EnsureSchema(context.Background(), fdb); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	created := 0
	for _, q := range fdb.queries {
		if strings.HasPrefix(q, "CREATE TABLE IF NOT EXISTS") {
			created++
		}
	}
	if created != 2 {
		t.Fatalf("expected 2 tables, got %d", created)
	}
}
