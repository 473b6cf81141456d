package mysql

import (
	"cmp"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	gomysql "github.com/go-sql-driver/mysql"
)

// Config 描述 MySQL 连接池参数。零值字段使用默认值。
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// openDatabase 校验 DSN 后建立连接池，并确认数据库可达。
func openDatabase(ctx context.Context, cfg Config) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("MySQL DSN 不能为空")
	}
	parsed, err := gomysql.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("解析 MySQL DSN 失败: %w", err)
	}
	connector, err := gomysql.NewConnector(parsed)
	if err != nil {
		return nil, fmt.Errorf("创建 MySQL 连接器失败: %w", err)
	}

	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(cmp.Or(cfg.MaxOpenConns, 20))
	db.SetMaxIdleConns(cmp.Or(cfg.MaxIdleConns, 10))
	db.SetConnMaxLifetime(cmp.Or(cfg.ConnMaxLifetime, 30*time.Minute))
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("无法连接到 MySQL %s: %w", parsed.Addr, err)
	}
	return db, nil
}
