package repository

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"

	"invoker/internal/common/db"
)

type fakeInvocation struct {
	state   string
	task    string
	outcome sql.NullString
}

// fakeDB is an in-memory stand-in that understands the store's statements.
type fakeDB struct {
	mu          sync.Mutex
	invocations map[uint32]*fakeInvocation
	runs        map[uint32]Run
	queries     []string
	execErr     error
	rollbacks   int
}

func newFakeDB() *fakeDB {
	return &fakeDB{invocations: make(map[uint32]*fakeInvocation), runs: make(map[uint32]Run)}
}

func (f *fakeDB) addInvocation(id uint32, state InvocationState, task string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invocations[id] = &fakeInvocation{state: string(state), task: task}
}

func (f *fakeDB) addWaiting(id, runID, revision uint32) {
	f.addInvocation(id, StateWaiting, fmt.Sprintf(`{"run_id":%d,"revision":%d}`, runID, revision))
}

func (f *fakeDB) state(id uint32) InvocationState {
	f.mu.Lock()
	defer f.mu.Unlock()
	if inv, ok := f.invocations[id]; ok {
		return InvocationState(inv.state)
	}
	return ""
}

func (f *fakeDB) outcome(id uint32) sql.NullString {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.invocations[id].outcome
}

func (f *fakeDB) lastQuery() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queries) == 0 {
		return ""
	}
	return f.queries[len(f.queries)-1]
}

func (f *fakeDB) Query(_ context.Context, query string, args ...interface{}) (db.Rows, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, query)
	if !strings.HasPrefix(query, queryWaitingPrefix) {
		return nil, fmt.Errorf("fakeDB: unexpected query %q", query)
	}
	state := args[0].(string)
	limit := args[1].(int)
	offset := args[2].(int)

	ids := make([]uint32, 0, len(f.invocations))
	for id, inv := range f.invocations {
		if inv.state == state {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if offset > len(ids) {
		offset = len(ids)
	}
	ids = ids[offset:]
	if len(ids) > limit {
		ids = ids[:limit]
	}
	rows := &fakeRows{}
	for _, id := range ids {
		rows.values = append(rows.values, []interface{}{id, f.invocations[id].task})
	}
	return rows, nil
}

func (f *fakeDB) QueryRow(_ context.Context, query string, args ...interface{}) db.Row {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, query)
	id := args[0].(uint32)
	switch query {
	case queryLoadRun:
		run, ok := f.runs[id]
		if !ok {
			return fakeRow{err: sql.ErrNoRows}
		}
		return fakeRow{values: []interface{}{run.ID, run.ToolchainID, run.ProblemID}}
	case queryLockOutcome:
		inv, ok := f.invocations[id]
		if !ok {
			return fakeRow{err: sql.ErrNoRows}
		}
		return fakeRow{values: []interface{}{inv.outcome}}
	}
	return fakeRow{err: fmt.Errorf("fakeDB: unexpected query %q", query)}
}

func (f *fakeDB) Exec(_ context.Context, query string, args ...interface{}) (db.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, query)
	if f.execErr != nil {
		return nil, f.execErr
	}
	switch {
	case query == queryClaim:
		inv, ok := f.invocations[args[1].(uint32)]
		if !ok || inv.state != args[2].(string) {
			return fakeResult(0), nil
		}
		inv.state = args[0].(string)
		return fakeResult(1), nil
	case query == queryUpdateState:
		inv, ok := f.invocations[args[1].(uint32)]
		if !ok {
			return fakeResult(0), nil
		}
		inv.state = args[0].(string)
		return fakeResult(1), nil
	case query == queryStoreOutcome:
		inv, ok := f.invocations[args[1].(uint32)]
		if !ok {
			return fakeResult(0), nil
		}
		inv.outcome = sql.NullString{String: args[0].(string), Valid: true}
		return fakeResult(1), nil
	case strings.HasPrefix(query, "CREATE TABLE"):
		return fakeResult(0), nil
	}
	return nil, fmt.Errorf("fakeDB: unexpected statement %q", query)
}

func (f *fakeDB) Transaction(ctx context.Context, fn func(tx db.Transaction) error) error {
	f.mu.Lock()
	snapshot := make(map[uint32]fakeInvocation, len(f.invocations))
	for id, inv := range f.invocations {
		snapshot[id] = *inv
	}
	f.mu.Unlock()

	if err := fn(fakeTx{f}); err != nil {
		f.mu.Lock()
		f.rollbacks++
		f.invocations = make(map[uint32]*fakeInvocation, len(snapshot))
		for id, inv := range snapshot {
			inv := inv
			f.invocations[id] = &inv
		}
		f.mu.Unlock()
		return err
	}
	return nil
}

func (f *fakeDB) Driver() string             { return db.DriverMySQL }
func (f *fakeDB) Ping(context.Context) error { return nil }
func (f *fakeDB) Close() error               { return nil }
func (f *fakeDB) Stats() sql.DBStats         { return sql.DBStats{} }

type fakeTx struct{ *fakeDB }

func (fakeTx) Commit() error   { return nil }
func (fakeTx) Rollback() error { return nil }

type fakeRows struct {
	values [][]interface{}
	pos    int
}

func (r *fakeRows) Next() bool {
	if r.pos >= len(r.values) {
		return false
	}
	r.pos++
	return true
}

func (r *fakeRows) Scan(dest ...interface{}) error { return assign(dest, r.values[r.pos-1]) }
func (r *fakeRows) Close() error                   { return nil }
func (r *fakeRows) Err() error                     { return nil }

type fakeRow struct {
	values []interface{}
	err    error
}

func (r fakeRow) Scan(dest ...interface{}) error {
	if r.err != nil {
		return r.err
	}
	return assign(dest, r.values)
}

type fakeResult int64

func (r fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (r fakeResult) RowsAffected() (int64, error) { return int64(r), nil }

func assign(dest []interface{}, values []interface{}) error {
	if len(dest) != len(values) {
		return fmt.Errorf("fakeDB: scan %d columns into %d targets", len(values), len(dest))
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *uint32:
			*p = values[i].(uint32)
		case *string:
			*p = values[i].(string)
		case *sql.NullString:
			*p = values[i].(sql.NullString)
		default:
			return fmt.Errorf("fakeDB: unsupported scan target %T", d)
		}
	}
	return nil
}

var _ db.Database = (*fakeDB)(nil)
