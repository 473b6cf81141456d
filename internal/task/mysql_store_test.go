package task

import (
	"context"
	"database/sql/driver"
	"strings"
	"testing"
	"time"

	gomysql "github.com/go-sql-driver/mysql"

	"CredProof/internal/testutil"
)

var jobNow = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func jobColumnNames() []string {
	return []string{"id", "items", "metadata", "status", "attempts", "max_retries", "last_error", "error_code", "results", "created_at", "updated_at", "kind"}
}

func jobRow(status Status, attempts int64, results any) []driver.Value {
	return []driver.Value{
		"job-1",
		`[{"name":"a.jpg","content":"/9j/"}]`,
		`{"batch":"b1"}`,
		string(status),
		attempts,
		int64(3),
		"",
		"",
		results,
		jobNow.Unix(),
		jobNow.Unix(),
		string(KindVerify),
	}
}

func newTestMySQLStore(t *testing.T, ops ...testutil.SQLOp) (*MySQLStore, *testutil.FakeDriver) {
	t.Helper()
	db, drv := testutil.NewFakeDB(t, ops...)
	store := NewMySQLStore(db)
	store.now = func() time.Time { return jobNow }
	return store, drv
}

const insertJobSQL = `INSERT INTO verify_jobs
        (id, items, metadata, status, attempts, max_retries, last_error, error_code, created_at, updated_at, kind)
        VALUES (?, ?, ?, ?, ?, ?, '', '', ?, ?, ?)`

func TestMySQLStoreCreateAndGet(t *testing.T) {
	t.Parallel()

	store, drv := newTestMySQLStore(t,
		testutil.ExecOp(insertJobSQL, 1),
		testutil.QueryOp(`SELECT `+jobColumns+` FROM verify_jobs WHERE id = ?`, jobColumnNames(),
			jobRow(StatusSucceeded, 1, `{"items":[{"name":"a.jpg","trust_score":95,"level":"very_high"}],"levels":{"very_high":1}}`)),
	)
	ctx := context.Background()

	task := &Task{
		ID:         "job-1",
		Items:      []Item{{Name: "a.jpg", Content: []byte{0xff, 0xd8, 0xff}}},
		Metadata:   map[string]string{"batch": "b1"},
		Status:     StatusPending,
		MaxRetries: 3,
	}
	if err := store.Create(ctx, task); err != nil {
		t.Fatalf("create: %v", err)
	}
	args := drv.Args(0)
	if args[1] != `[{"name":"a.jpg","content":"/9j/"}]` {
		t.Fatalf("unexpected items column: %v", args[1])
	}
	if args[6] != jobNow.Unix() || task.ItemCount != 1 {
		t.Fatalf("unexpected created_at %v or item count %d", args[6], task.ItemCount)
	}
	if args[8] != string(KindVerify) || task.Kind != KindVerify {
		t.Fatalf("empty kind not defaulted: %v %q", args[8], task.Kind)
	}

	got, err := store.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusSucceeded || got.Kind != KindVerify || got.ItemCount != 1 || got.Metadata["batch"] != "b1" {
		t.Fatalf("unexpected task: %+v", got)
	}
	if got.Result == nil || got.Result.Items[0].Score != 95 || got.Result.Levels["very_high"] != 1 {
		t.Fatalf("unexpected result: %+v", got.Result)
	}
	if string(got.Items[0].Content) != "\xff\xd8\xff" {
		t.Fatalf("content not decoded: %x", got.Items[0].Content)
	}
}

func TestMySQLStoreCreateDuplicate(t *testing.T) {
	t.Parallel()

	store, _ := newTestMySQLStore(t,
		testutil.ExecOp(insertJobSQL, 0).WithErr(&gomysql.MySQLError{Number: errDuplicateEntry, Message: "Duplicate entry"}),
	)
	err := store.Create(context.Background(), &Task{ID: "job-1", Items: []Item{{Content: []byte("x")}}})
	if !IsTaskError(err, CodeTaskConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestMySQLStoreGetMissing(t *testing.T) {
	t.Parallel()

	store, _ := newTestMySQLStore(t,
		testutil.QueryOp(`SELECT `+jobColumns+` FROM verify_jobs WHERE id = ?`, jobColumnNames()),
	)
	if _, err := store.Get(context.Background(), "nope"); !IsTaskError(err, CodeTaskNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMySQLStoreClaimCompleted(t *testing.T) {
	t.Parallel()

	store, _ := newTestMySQLStore(t,
		testutil.ExecOp("", 0),
		testutil.QueryOp("", jobColumnNames(), jobRow(StatusSucceeded, 1, nil)),
	)
	task, err := store.Claim(context.Background(), "job-1")
	if !IsTaskError(err, CodeTaskCompleted) {
		t.Fatalf("expected completed, got %v", err)
	}
	if task == nil || task.Result != nil {
		t.Fatalf("unexpected task: %+v", task)
	}
}

func TestMySQLStoreMarkFailedTerminal(t *testing.T) {
	t.Parallel()

	store, drv := newTestMySQLStore(t,
		testutil.ExecOp(`UPDATE verify_jobs SET status = ?, last_error = ?, error_code = ?, updated_at = ?, max_retries = LEAST(max_retries, attempts) WHERE id = ?`, 1),
		testutil.ExecOp(`UPDATE verify_jobs SET status = ?, last_error = ?, error_code = ?, updated_at = ? WHERE id = ?`, 0),
	)
	ctx := context.Background()
	if err := store.MarkFailed(ctx, "job-1", CodeTaskValidation, "bad", true); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if drv.Args(0)[2] != string(CodeTaskValidation) {
		t.Fatalf("unexpected error code arg: %v", drv.Args(0)[2])
	}
	if err := store.MarkFailed(ctx, "missing", CodeTaskProcessing, "x", false); !IsTaskError(err, CodeTaskNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMySQLStoreListBuildsFilters(t *testing.T) {
	t.Parallel()

	store, drv := newTestMySQLStore(t,
		testutil.QueryOp("", jobColumnNames(), jobRow(StatusFailed, 3, nil)),
	)
	tasks, err := store.List(context.Background(), buildListOptions([]ListOption{
		WithStatuses(StatusFailed),
		WithQuery("b1"),
		WithResultPresence(false),
		WithLimit(5),
	}))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Status != StatusFailed {
		t.Fatalf("unexpected tasks: %+v", tasks)
	}
	args := drv.Args(0)
	if len(args) != 6 || args[0] != string(StatusFailed) || args[1] != "%b1%" || args[4] != int64(5) {
		t.Fatalf("unexpected args: %v", args)
	}
}

func TestBuildFilterClause(t *testing.T) {
	clause, args := buildFilterClause(ListOptions{UpdatedGTE: 10, HasResult: new(bool)})
	if !strings.Contains(clause, "updated_at >= ?") || !strings.Contains(clause, "results IS NULL") {
		t.Fatalf("unexpected clause: %s", clause)
	}
	if len(args) != 1 {
		t.Fatalf("unexpected args: %v", args)
	}

	opts := buildListOptions([]ListOption{WithErrorCodes(CodeTaskProcessing, CodeTaskProcessing)})
	clause, args = buildFilterClause(opts)
	if clause != "error_code IN (?)" || len(args) != 1 || args[0] != string(CodeTaskProcessing) {
		t.Fatalf("unexpected error code clause: %s %v", clause, args)
	}
}
