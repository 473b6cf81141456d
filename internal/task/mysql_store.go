package task

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	gomysql "github.com/go-sql-driver/mysql"

	xerrors "CredProof/internal/errors"
	storagemysql "CredProof/internal/storage/mysql"
)

const errDuplicateEntry = 1062

const jobColumns = `id, items, metadata, status, attempts, max_retries, COALESCE(last_error, ''), COALESCE(error_code, ''), results, created_at, updated_at, kind`

// MySQLStore 使用 MySQL 的 verify_jobs 表记录任务状态。
type MySQLStore struct {
	db    *sql.DB
	owned bool
	now   func() time.Time
}

// NewMySQLStore 复用已完成迁移的连接池，Close 不会关闭该连接池。
func NewMySQLStore(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db, now: time.Now}
}

// OpenMySQLStore 打开独立连接池并执行迁移。
func OpenMySQLStore(ctx context.Context, cfg storagemysql.Config) (*MySQLStore, error) {
	db, err := storagemysql.Open(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorage, err, "打开任务数据库失败")
	}
	return &MySQLStore{db: db, owned: true, now: time.Now}, nil
}

// Create 插入新的任务记录。
func (s *MySQLStore) Create(ctx context.Context, task *Task) error {
	if task == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	if strings.TrimSpace(task.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}

	items, err := json.Marshal(task.Items)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码任务内容失败")
	}
	metadataValue, err := marshalMetadata(task.Metadata)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码任务 metadata 失败")
	}

	now := s.now().Unix()
	task.CreatedAt = now
	task.UpdatedAt = now
	task.ItemCount = len(task.Items)
	task.Kind = normalizeKind(task.Kind)

	const stmt = `INSERT INTO verify_jobs
        (id, items, metadata, status, attempts, max_retries, last_error, error_code, created_at, updated_at, kind)
        VALUES (?, ?, ?, ?, ?, ?, '', '', ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, stmt,
		task.ID,
		string(items),
		metadataValue,
		task.Status,
		task.Attempts,
		task.MaxRetries,
		task.CreatedAt,
		task.UpdatedAt,
		task.Kind,
	)
	if err != nil {
		var mysqlErr *gomysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == errDuplicateEntry {
			return ErrTaskConflict
		}
		return xerrors.Wrap(xerrors.CodeStorage, err, "插入任务失败")
	}
	return nil
}

// Get 查询指定任务。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM verify_jobs WHERE id = ?`, id)
	task, err := scanTask(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorage, err, "查询任务失败")
	}
	return task, nil
}

// Claim 将任务标记为运行中并返回最新状态。
func (s *MySQLStore) Claim(ctx context.Context, id string) (*Task, error) {
	const updateStmt = `UPDATE verify_jobs SET status = ?, attempts = attempts + 1, updated_at = ?, last_error = '', error_code = ''
        WHERE id = ? AND status IN (?, ?) AND attempts < max_retries`

	res, err := s.db.ExecContext(ctx, updateStmt,
		StatusRunning,
		s.now().Unix(),
		id,
		StatusPending,
		StatusFailed,
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorage, err, "更新任务状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorage, err, "获取影响行数失败")
	}
	task, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		switch task.Status {
		case StatusSucceeded:
			return task, ErrTaskCompleted
		case StatusRunning:
			return task, ErrTaskConflict
		default:
			if task.Attempts >= task.MaxRetries {
				return task, ErrTaskExhausted
			}
			return task, ErrTaskConflict
		}
	}
	return task, nil
}

// MarkSucceeded 将任务标记为成功并写入验证结果。
func (s *MySQLStore) MarkSucceeded(ctx context.Context, id string, result ExecutionResult) error {
	const stmt = `UPDATE verify_jobs SET status = ?, results = ?, updated_at = ?, last_error = '', error_code = '' WHERE id = ?`

	encoded, err := json.Marshal(result)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorage, err, "编码任务结果失败")
	}
	res, err := s.db.ExecContext(ctx, stmt,
		StatusSucceeded,
		string(encoded),
		s.now().Unix(),
		id,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorage, err, "标记任务成功失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// MarkFailed 将任务标记为失败。terminal 时把 max_retries 收紧到当前尝试次数，阻止后续领取。
func (s *MySQLStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error {
	stmt := `UPDATE verify_jobs SET status = ?, last_error = ?, error_code = ?, updated_at = ?`
	if terminal {
		stmt += `, max_retries = LEAST(max_retries, attempts)`
	}
	stmt += ` WHERE id = ?`

	res, err := s.db.ExecContext(ctx, stmt,
		StatusFailed,
		lastError,
		string(code),
		s.now().Unix(),
		id,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorage, err, "标记任务失败失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// List 返回最近的任务。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Task, error) {
	opts.applyDefaults()

	query := `SELECT ` + jobColumns + ` FROM verify_jobs`
	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	order := " ORDER BY updated_at DESC, created_at DESC, id DESC"
	if opts.Order == SortByUpdatedAsc {
		order = " ORDER BY updated_at ASC, created_at ASC, id ASC"
	}
	query += order + " LIMIT ? OFFSET ?"
	args := append(filterArgs, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorage, err, "查询任务列表失败")
	}
	defer rows.Close()

	tasks := make([]*Task, 0, opts.Limit)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorage, err, "解析任务记录失败")
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorage, err, "遍历任务失败")
	}
	return tasks, nil
}

// Stats 返回符合过滤条件的任务聚合信息。
func (s *MySQLStore) Stats(ctx context.Context, opts ListOptions) (Stats, error) {
	opts.applyDefaults()

	query := `SELECT
        COUNT(*) AS total,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS pending,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS running,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS succeeded,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS failed,
        COALESCE(SUM(CASE WHEN status = ? AND attempts >= max_retries THEN 1 ELSE 0 END), 0) AS exhausted,
        COALESCE(SUM(JSON_LENGTH(items)), 0) AS items,
        COALESCE(MIN(updated_at), 0) AS oldest,
        COALESCE(MAX(updated_at), 0) AS newest
        FROM verify_jobs`
	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	args := []any{string(StatusPending), string(StatusRunning), string(StatusSucceeded), string(StatusFailed), string(StatusFailed)}
	args = append(args, filterArgs...)

	var stats Stats
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.Total,
		&stats.Pending,
		&stats.Running,
		&stats.Succeeded,
		&stats.Failed,
		&stats.Exhausted,
		&stats.Items,
		&stats.OldestUpdatedAt,
		&stats.NewestUpdatedAt,
	); err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorage, err, "查询任务统计失败")
	}
	if stats.Total == 0 {
		stats.OldestUpdatedAt = 0
		stats.NewestUpdatedAt = 0
	}
	return stats, nil
}

// Close 仅关闭由 OpenMySQLStore 打开的连接池。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil || !s.owned {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		task     Task
		items    string
		metadata sql.NullString
		results  sql.NullString
	)
	if err := row.Scan(
		&task.ID,
		&items,
		&metadata,
		&task.Status,
		&task.Attempts,
		&task.MaxRetries,
		&task.LastError,
		&task.ErrorCode,
		&results,
		&task.CreatedAt,
		&task.UpdatedAt,
		&task.Kind,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(items), &task.Items); err != nil {
		return nil, fmt.Errorf("解析任务内容失败: %w", err)
	}
	task.ItemCount = len(task.Items)
	decoded, err := unmarshalMetadata(metadata)
	if err != nil {
		return nil, fmt.Errorf("解析任务 metadata 失败: %w", err)
	}
	task.Metadata = decoded
	if results.Valid && strings.TrimSpace(results.String) != "" {
		var result ExecutionResult
		if err := json.Unmarshal([]byte(results.String), &result); err != nil {
			return nil, fmt.Errorf("解析任务结果失败: %w", err)
		}
		task.Result = &result
	}
	return &task, nil
}

func marshalMetadata(metadata map[string]string) (sql.NullString, error) {
	if len(metadata) == 0 {
		return sql.NullString{}, nil
	}
	bytes, err := json.Marshal(metadata)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(bytes), Valid: true}, nil
}

func unmarshalMetadata(raw sql.NullString) (map[string]string, error) {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil, nil
	}
	var metadata map[string]string
	if err := json.Unmarshal([]byte(raw.String), &metadata); err != nil {
		return nil, err
	}
	return metadata, nil
}

func buildFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 4)
	args := make([]any, 0, 6)

	if len(opts.Statuses) > 0 {
		placeholders := make([]string, 0, len(opts.Statuses))
		for _, status := range opts.Statuses {
			placeholders = append(placeholders, "?")
			args = append(args, string(status))
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	if len(opts.ErrorCodes) > 0 {
		placeholders := make([]string, 0, len(opts.ErrorCodes))
		for _, code := range opts.ErrorCodes {
			placeholders = append(placeholders, "?")
			args = append(args, string(code))
		}
		conditions = append(conditions, fmt.Sprintf("error_code IN (%s)", strings.Join(placeholders, ",")))
	}
	if opts.UpdatedGTE > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}
	if opts.HasResult != nil {
		if *opts.HasResult {
			conditions = append(conditions, "(results IS NOT NULL AND results <> '')")
		} else {
			conditions = append(conditions, "(results IS NULL OR results = '')")
		}
	}
	if opts.Query != "" {
		pattern := "%" + opts.Query + "%"
		conditions = append(conditions, "(id LIKE ? OR metadata LIKE ? OR last_error LIKE ?)")
		args = append(args, pattern, pattern, pattern)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

var _ Store = (*MySQLStore)(nil)
