package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"slices"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"

	"CredProof/deploy/migrations"
)

var embeddedMigrations fs.FS = migrations.Files

const createMigrationsTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        checksum VARCHAR(80) NOT NULL DEFAULT '',
        applied_at BIGINT NOT NULL
)`

type migrationFile struct {
	version    string
	name       string
	checksum   digest.Digest
	statements []string
}

// runMigrations 按版本顺序执行尚未应用的迁移，每个文件一个事务。
// 已应用的文件内容若被改动则拒绝启动。
func runMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, createMigrationsTable); err != nil {
		return fmt.Errorf("创建 schema_migrations 表失败: %w", err)
	}
	applied, err := loadAppliedVersions(ctx, db)
	if err != nil {
		return err
	}
	files, err := loadMigrationFiles()
	if err != nil {
		return err
	}

	for _, migration := range files {
		recorded, ok := applied[migration.version]
		if !ok {
			if err := applyMigration(ctx, db, migration); err != nil {
				return err
			}
			continue
		}
		if recorded != "" && recorded != migration.checksum {
			return fmt.Errorf("迁移 %s 已应用但内容被修改 (recorded %s, embedded %s)",
				migration.name, recorded, migration.checksum)
		}
	}
	return nil
}

func loadAppliedVersions(ctx context.Context, db *sql.DB) (map[string]digest.Digest, error) {
	rows, err := db.QueryContext(ctx, `SELECT version, checksum FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("查询 schema_migrations 失败: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]digest.Digest)
	for rows.Next() {
		var version, checksum string
		if err := rows.Scan(&version, &checksum); err != nil {
			return nil, fmt.Errorf("解析 schema_migrations 失败: %w", err)
		}
		applied[version] = digest.Digest(checksum)
	}
	return applied, rows.Err()
}

func applyMigration(ctx context.Context, db *sql.DB, migration migrationFile) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启迁移事务失败: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, stmt := range migration.statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("执行迁移 %s 失败: %w", migration.name, err)
		}
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, checksum, applied_at) VALUES (?, ?, ?)`,
		migration.version, migration.checksum.String(), time.Now().Unix(),
	); err != nil {
		return fmt.Errorf("记录迁移版本失败: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("提交迁移事务失败: %w", err)
	}
	return nil
}

func loadMigrationFiles() ([]migrationFile, error) {
	names, err := fs.Glob(embeddedMigrations, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("读取迁移目录失败: %w", err)
	}

	files := make([]migrationFile, 0, len(names))
	for _, name := range names {
		content, err := fs.ReadFile(embeddedMigrations, name)
		if err != nil {
			return nil, fmt.Errorf("读取迁移文件 %s 失败: %w", name, err)
		}
		statements := splitSQLStatements(string(content))
		if len(statements) == 0 {
			continue
		}
		files = append(files, migrationFile{
			version:    parseMigrationVersion(name),
			name:       name,
			checksum:   digest.FromBytes(content),
			statements: statements,
		})
	}
	slices.SortFunc(files, func(a, b migrationFile) int {
		if c := strings.Compare(a.version, b.version); c != 0 {
			return c
		}
		return strings.Compare(a.name, b.name)
	})
	return files, nil
}

// splitSQLStatements 按分号切分语句并去掉整行的 -- 注释。
// 迁移文件中不允许在字符串字面量里出现分号。
func splitSQLStatements(content string) []string {
	var cleaned strings.Builder
	for line := range strings.Lines(content) {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		cleaned.WriteString(line)
	}
	var statements []string
	for stmt := range strings.SplitSeq(cleaned.String(), ";") {
		if trimmed := strings.TrimSpace(stmt); trimmed != "" {
			statements = append(statements, trimmed)
		}
	}
	return statements
}

func parseMigrationVersion(name string) string {
	if idx := strings.IndexAny(name, "_."); idx > 0 {
		return name[:idx]
	}
	return name
}
