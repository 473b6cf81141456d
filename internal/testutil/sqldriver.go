package testutil

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

// SQLOpKind identifies the driver call an SQLOp expects.
type SQLOpKind int

const (
	OpExec SQLOpKind = iota
	OpQuery
	OpBegin
	OpCommit
	OpRollback
)

func (k SQLOpKind) String() string {
	return [...]string{"exec", "query", "begin", "commit", "rollback"}[k]
}

// SQLOp is one scripted driver call. Queries are compared after collapsing
// whitespace; an empty Query matches anything.
type SQLOp struct {
	Kind         SQLOpKind
	Query        string
	RowsAffected int64
	Columns      []string
	Rows         [][]driver.Value
	Err          error
}

// ExecOp expects an Exec of query.
func ExecOp(query string, rowsAffected int64) SQLOp {
	return SQLOp{Kind: OpExec, Query: query, RowsAffected: rowsAffected}
}

// QueryOp expects a Query of query and answers with rows.
func QueryOp(query string, columns []string, rows ...[]driver.Value) SQLOp {
	return SQLOp{Kind: OpQuery, Query: query, Columns: columns, Rows: rows}
}

func BeginOp() SQLOp    { return SQLOp{Kind: OpBegin} }
func CommitOp() SQLOp   { return SQLOp{Kind: OpCommit} }
func RollbackOp() SQLOp { return SQLOp{Kind: OpRollback} }

// WithErr makes the call fail with err.
func (op SQLOp) WithErr(err error) SQLOp {
	op.Err = err
	return op
}

// FakeDriver replays a fixed script of SQLOps and records the arguments
// each call received.
type FakeDriver struct {
	mu   sync.Mutex
	ops  []SQLOp
	args [][]driver.Value
	idx  int
}

var fakeDriverSeq atomic.Int32

// NewFakeDB registers a FakeDriver scripted with ops and opens a single
// connection pool on it. The database is closed and the script checked for
// leftovers when the test ends.
func NewFakeDB(tb testing.TB, ops ...SQLOp) (*sql.DB, *FakeDriver) {
	tb.Helper()
	drv := &FakeDriver{ops: ops, args: make([][]driver.Value, len(ops))}
	name := fmt.Sprintf("fake-sql-%d", fakeDriverSeq.Add(1))
	sql.Register(name, drv)

	db, err := sql.Open(name, "")
	if err != nil {
		tb.Fatalf("open fake db: %v", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	tb.Cleanup(func() {
		_ = db.Close()
		drv.mu.Lock()
		defer drv.mu.Unlock()
		if drv.idx != len(drv.ops) {
			tb.Errorf("not all sql operations consumed: %d/%d", drv.idx, len(drv.ops))
		}
	})
	return db, drv
}

// Args returns the arguments passed to the i-th scripted call.
func (d *FakeDriver) Args(i int) []driver.Value {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.args[i]
}

func (d *FakeDriver) next(kind SQLOpKind, query string, args []driver.NamedValue) (SQLOp, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.idx >= len(d.ops) {
		return SQLOp{}, fmt.Errorf("unexpected %s: %s", kind, normalizeSQL(query))
	}
	op := d.ops[d.idx]
	if op.Kind != kind {
		return SQLOp{}, fmt.Errorf("expected %s, got %s", op.Kind, kind)
	}
	if op.Query != "" && normalizeSQL(op.Query) != normalizeSQL(query) {
		return SQLOp{}, fmt.Errorf("unexpected query. want %q got %q", normalizeSQL(op.Query), normalizeSQL(query))
	}
	values := make([]driver.Value, len(args))
	for i, a := range args {
		values[i] = a.Value
	}
	d.args[d.idx] = values
	d.idx++
	return op, op.Err
}

// Open implements driver.Driver.
func (d *FakeDriver) Open(string) (driver.Conn, error) {
	return &fakeConn{driver: d}, nil
}

type fakeConn struct {
	driver *FakeDriver
}

func (c *fakeConn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepare not supported: %s", query)
}

func (c *fakeConn) Close() error { return nil }

func (c *fakeConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *fakeConn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	if _, err := c.driver.next(OpBegin, "", nil); err != nil {
		return nil, err
	}
	return fakeTx{driver: c.driver}, nil
}

func (c *fakeConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	op, err := c.driver.next(OpExec, query, args)
	if err != nil {
		return nil, err
	}
	return driver.RowsAffected(op.RowsAffected), nil
}

func (c *fakeConn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	op, err := c.driver.next(OpQuery, query, args)
	if err != nil {
		return nil, err
	}
	return &fakeRows{columns: op.Columns, values: op.Rows}, nil
}

func (c *fakeConn) Ping(context.Context) error { return nil }

type fakeTx struct {
	driver *FakeDriver
}

func (t fakeTx) Commit() error {
	_, err := t.driver.next(OpCommit, "", nil)
	return err
}

func (t fakeTx) Rollback() error {
	_, err := t.driver.next(OpRollback, "", nil)
	return err
}

type fakeRows struct {
	columns []string
	values  [][]driver.Value
	idx     int
}

func (r *fakeRows) Columns() []string { return r.columns }
func (r *fakeRows) Close() error      { return nil }

func (r *fakeRows) Next(dest []driver.Value) error {
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
