package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"CredProof/internal/storage"
)

// Config 描述 L2 缓存的连接参数。
type Config struct {
	Address  string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

// Cache implements storage.Cache on top of Redis.
type Cache struct {
	client goredis.UniversalClient
	prefix string
	ttl    time.Duration
	owned  bool
}

// New dials Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Cache, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	c := NewWithClient(client, cfg.Prefix, cfg.TTL)
	c.owned = true
	return c, nil
}

// NewWithClient wraps an existing client. The caller keeps ownership of it.
func NewWithClient(client goredis.UniversalClient, prefix string, ttl time.Duration) *Cache {
	if prefix == "" {
		prefix = "credproof:proof:"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Cache{client: client, prefix: prefix, ttl: ttl}
}

func (c *Cache) key(ref string) string { return c.prefix + ref }

// Get implements storage.Cache.
func (c *Cache) Get(ctx context.Context, ref string) (*storage.ProofRecord, error) {
	raw, err := c.client.Get(ctx, c.key(ref)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("Redis 读取证明失败: %w", err)
	}
	var rec storage.ProofRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("解析缓存证明 %s 失败: %w", ref, err)
	}
	return &rec, nil
}

// Set implements storage.Cache. Records are immutable, so SETNX is enough
// and concurrent writers cannot overwrite each other.
func (c *Cache) Set(ctx context.Context, rec *storage.ProofRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("序列化证明失败: %w", err)
	}
	if err := c.client.SetNX(ctx, c.key(rec.Reference), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("Redis 写入证明失败: %w", err)
	}
	return nil
}

// Delete implements storage.Cache.
func (c *Cache) Delete(ctx context.Context, refs ...string) error {
	if len(refs) == 0 {
		return nil
	}
	keys := make([]string, len(refs))
	for i, ref := range refs {
		keys[i] = c.key(ref)
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("Redis 删除证明失败: %w", err)
	}
	return nil
}

// Ping checks connectivity; used by the health endpoint.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close releases the client when New created it.
func (c *Cache) Close() error {
	if !c.owned {
		return nil
	}
	return c.client.Close()
}
