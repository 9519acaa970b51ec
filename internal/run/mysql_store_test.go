package run

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/go-sql-driver/mysql"

	"TaskPilot/internal/agent"
	xerrors "TaskPilot/internal/errors"
)

var testRunColumns = []string{"id", "action_description", "context_id", "session_id", "timeout_seconds", "status", "stage", "error_code", "last_error", "result", "created_at", "updated_at"}

func TestMySQLStoreInitSchema(t *testing.T) {
	db, drv := newMockDB(t, []mockOperation{execOp("", mockResult{})})
	defer drv.assertConsumed(t)
	defer db.Close()

	store := &MySQLStore{db: db}
	if err := store.initSchema(context.Background()); err != nil {
		t.Fatalf("init schema: %v", err)
	}
}

func TestMySQLStoreCreate(t *testing.T) {
	db, drv := newMockDB(t, []mockOperation{
		execOp(insertRunSQL(), mockResult{rowsAffected: 1}),
		{typ: opExec, query: insertRunSQL(), err: &mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}},
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	store := &MySQLStore{db: db}
	r := &Run{ID: "r1", ActionDescription: "send email", ContextID: "ctx-1", Status: StatusPending}
	if err := store.Create(context.Background(), r); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if r.CreatedAt == 0 || r.UpdatedAt == 0 {
		t.Fatalf("expected timestamps to be assigned: %+v", r)
	}
	if err := store.Create(context.Background(), &Run{ID: "r1", Status: StatusPending}); !errors.Is(err, ErrRunConflict) {
		t.Fatalf("expected conflict on duplicate key, got %v", err)
	}
}

func TestMySQLStoreGetDecodesEnvelope(t *testing.T) {
	rows := mockRowsData{
		columns: testRunColumns,
		values: [][]driver.Value{{
			"r1", "send email", "ctx-1", "sess-1", float64(30), "succeeded", "", "", nil,
			`{"success":true,"result":{"status":"done"},"task_info":null,"selection":null,"execution_time":1.5,"mapped_inputs":null,"error":null}`,
			int64(10), int64(20),
		}},
	}
	db, drv := newMockDB(t, []mockOperation{
		queryOp(`SELECT `+runColumns+` FROM task_runs WHERE id = ?`, rows),
		queryOp(`SELECT `+runColumns+` FROM task_runs WHERE id = ?`, mockRowsData{columns: testRunColumns}),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	store := &MySQLStore{db: db}
	r, err := store.Get(context.Background(), "r1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if r.Status != StatusSucceeded || r.SessionID != "sess-1" || r.TimeoutSeconds != 30 {
		t.Fatalf("unexpected run: %+v", r)
	}
	if r.Result == nil || !r.Result.Success || r.Result.ExecutionTime != 1.5 {
		t.Fatalf("unexpected envelope: %+v", r.Result)
	}
	if r.Request().Timeout.Seconds() != 30 {
		t.Fatalf("unexpected request timeout: %v", r.Request().Timeout)
	}

	if _, err := store.Get(context.Background(), "missing"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMySQLStoreClaim(t *testing.T) {
	running := mockRowsData{
		columns: testRunColumns,
		values:  [][]driver.Value{{"r1", "a", "c", "", float64(0), "running", "", "", nil, nil, int64(1), int64(2)}},
	}
	done := mockRowsData{
		columns: testRunColumns,
		values:  [][]driver.Value{{"r2", "a", "c", "", float64(0), "failed", "map_inputs", "RequiredInputUnmapped", "missing to", nil, int64(1), int64(2)}},
	}
	db, drv := newMockDB(t, []mockOperation{
		execOp(claimRunSQL(), mockResult{rowsAffected: 1}),
		queryOp(`SELECT `+runColumns+` FROM task_runs WHERE id = ?`, running),
		execOp(claimRunSQL(), mockResult{rowsAffected: 0}),
		queryOp(`SELECT `+runColumns+` FROM task_runs WHERE id = ?`, done),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	store := &MySQLStore{db: db}
	r, err := store.Claim(context.Background(), "r1")
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if r.Status != StatusRunning {
		t.Fatalf("expected running, got %s", r.Status)
	}

	r, err = store.Claim(context.Background(), "r2")
	if !errors.Is(err, ErrRunCompleted) {
		t.Fatalf("expected completed, got %v", err)
	}
	if r.LastError != "missing to" {
		t.Fatalf("unexpected last error: %q", r.LastError)
	}
}

func TestMySQLStoreCompleteAndFail(t *testing.T) {
	db, drv := newMockDB(t, []mockOperation{
		execOp(`UPDATE task_runs SET status = ?, stage = ?, error_code = ?, last_error = ?, result = ?, updated_at = ? WHERE id = ?`, mockResult{rowsAffected: 1}),
		execOp(`UPDATE task_runs SET status = ?, error_code = ?, last_error = ?, updated_at = ? WHERE id = ?`, mockResult{rowsAffected: 0}),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	store := &MySQLStore{db: db}
	result := agent.ExecutionResult{Error: &agent.ErrorInfo{Stage: agent.StageFindTasks, Cause: xerrors.CodeNoTasksFound, Message: "no tasks"}}
	if err := store.Complete(context.Background(), "r1", result); err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	if err := store.Fail(context.Background(), "missing", CodeRunPublish, "boom"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMySQLStoreListAndStats(t *testing.T) {
	rows := mockRowsData{
		columns: testRunColumns,
		values: [][]driver.Value{
			{"r2", "a", "ctx-1", "", float64(0), "failed", "", "", nil, nil, int64(1), int64(20)},
			{"r1", "a", "ctx-1", "", float64(0), "failed", "", "", nil, nil, int64(1), int64(10)},
		},
	}
	stats := mockRowsData{
		columns: []string{"total", "pending", "running", "succeeded", "failed", "oldest", "newest"},
		values:  [][]driver.Value{{int64(5), int64(1), int64(1), int64(1), int64(2), int64(10), int64(50)}},
	}
	db, drv := newMockDB(t, []mockOperation{
		queryOp(`SELECT `+runColumns+` FROM task_runs WHERE status IN (?) AND context_id = ? ORDER BY updated_at DESC, id DESC LIMIT ? OFFSET ?`, rows),
		queryOp("", stats),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	store := &MySQLStore{db: db}
	list, err := store.List(context.Background(), ListOptions{Statuses: []Status{StatusFailed}, ContextID: "ctx-1"})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(list) != 2 || list[0].ID != "r2" {
		t.Fatalf("unexpected list: %+v", list)
	}

	got, err := store.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if got.Total != 5 || got.Failed != 2 || got.NewestUpdatedAt != 50 {
		t.Fatalf("unexpected stats: %+v", got)
	}
}

func insertRunSQL() string {
	return `INSERT INTO task_runs
    (id, action_description, context_id, session_id, timeout_seconds, status, stage, error_code, last_error, result, created_at, updated_at)
    VALUES (?, ?, ?, ?, ?, ?, '', '', '', NULL, ?, ?)`
}

func claimRunSQL() string {
	return `UPDATE task_runs SET status = ?, updated_at = ? WHERE id = ? AND status = ?`
}

type operationType int

const (
	opExec operationType = iota
	opQuery
)

type mockOperation struct {
	typ    operationType
	query  string
	result mockResult
	rows   mockRowsData
	err    error
}

type mockResult struct {
	lastInsertID int64
	rowsAffected int64
}

func (r mockResult) LastInsertId() (int64, error) { return r.lastInsertID, nil }
func (r mockResult) RowsAffected() (int64, error) { return r.rowsAffected, nil }

type mockRowsData struct {
	columns []string
	values  [][]driver.Value
}

type queueDriver struct {
	ops []mockOperation
	idx int32
}

var driverSeq atomic.Int32

func newMockDB(t *testing.T, ops []mockOperation) (*sql.DB, *queueDriver) {
	t.Helper()

	drv := &queueDriver{ops: ops}
	name := fmt.Sprintf("mock-run-mysql-%d", driverSeq.Add(1))
	sql.Register(name, drv)

	db, err := sql.Open(name, "")
	if err != nil {
		t.Fatalf("open mock db failed: %v", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, drv
}

func execOp(query string, result mockResult) mockOperation {
	return mockOperation{typ: opExec, query: query, result: result}
}

func queryOp(query string, rows mockRowsData) mockOperation {
	return mockOperation{typ: opQuery, query: query, rows: rows}
}

func (d *queueDriver) assertConsumed(t *testing.T) {
	t.Helper()

	if int(atomic.LoadInt32(&d.idx)) != len(d.ops) {
		t.Fatalf("not all operations consumed: %d/%d", atomic.LoadInt32(&d.idx), len(d.ops))
	}
}

func (d *queueDriver) Open(string) (driver.Conn, error) {
	return &mockConn{driver: d}, nil
}

type mockConn struct {
	driver *queueDriver
}

func (c *mockConn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepare not supported: %s", query)
}

func (c *mockConn) Close() error { return nil }

func (c *mockConn) Begin() (driver.Tx, error) {
	return nil, fmt.Errorf("transactions not supported")
}

func (c *mockConn) ExecContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Result, error) {
	op, err := c.next(opExec, query)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return op.result, nil
}

func (c *mockConn) QueryContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Rows, error) {
	op, err := c.next(opQuery, query)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &mockRows{columns: op.rows.columns, values: op.rows.values}, nil
}

func (c *mockConn) next(expected operationType, query string) (*mockOperation, error) {
	idx := int(atomic.LoadInt32(&c.driver.idx))
	if idx >= len(c.driver.ops) {
		return nil, fmt.Errorf("unexpected operation: %v", expected)
	}
	op := &c.driver.ops[idx]
	if op.typ != expected {
		return nil, fmt.Errorf("expected operation %v, got %v", expected, op.typ)
	}
	atomic.AddInt32(&c.driver.idx, 1)
	if op.query != "" {
		expectedSQL := normalizeSQL(op.query)
		actualSQL := normalizeSQL(query)
		if expectedSQL != actualSQL {
			return nil, fmt.Errorf("unexpected query. want %q got %q", expectedSQL, actualSQL)
		}
	}
	return op, nil
}

type mockRows struct {
	columns []string
	values  [][]driver.Value
	idx     int
}

func (r *mockRows) Columns() []string { return r.columns }
func (r *mockRows) Close() error      { return nil }

func (r *mockRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.values) {
		return io.EOF
	}
	copy(dest, r.values[r.idx])
	r.idx++
	return nil
}

func normalizeSQL(query string) string {
	return strings.Join(strings.Fields(query), " ")
}
