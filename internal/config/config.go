package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"CredProof/pkg/logger"
)

// Config 描述 credproofd 启动阶段需要加载的全部配置。
type Config struct {
	Server       ServerConfig       `json:"server" yaml:"server"`
	Signing      SigningConfig      `json:"signing" yaml:"signing"`
	Verification VerificationConfig `json:"verification" yaml:"verification"`
	Embedding    EmbeddingConfig    `json:"embedding" yaml:"embedding"`
	Storage      StorageConfig      `json:"storage" yaml:"storage"`
	Jobs         JobsConfig         `json:"jobs" yaml:"jobs"`
	Alerting     AlertingConfig     `json:"alerting" yaml:"alerting"`
	Logging      logger.Config      `json:"logging" yaml:"logging"`
	Runtime      RuntimeConfig      `json:"runtime" yaml:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address" yaml:"address"`
	// PublicURL 用于拼接证书中的在线状态查询地址。
	PublicURL string `json:"public_url" yaml:"public_url"`
}

// SigningConfig 描述签名算法与证书轮换策略。
type SigningConfig struct {
	Algorithm             string `json:"algorithm" yaml:"algorithm"`
	Generator             string `json:"generator" yaml:"generator"`
	Subject               string `json:"subject" yaml:"subject"`
	RotationIntervalHours int    `json:"rotation_interval_hours" yaml:"rotation_interval_hours"`
	OverlapHours          int    `json:"overlap_hours" yaml:"overlap_hours"`
	RootValidityDays      int    `json:"root_validity_days" yaml:"root_validity_days"`
	CheckIntervalSeconds  int    `json:"check_interval_seconds" yaml:"check_interval_seconds"`
	MasterSecretEnv       string `json:"master_secret_env" yaml:"master_secret_env"`
	KeyDir                string `json:"key_dir" yaml:"key_dir"`
}

// RotationInterval 返回证书轮换周期。
func (c SigningConfig) RotationInterval() time.Duration {
	return time.Duration(c.RotationIntervalHours) * time.Hour
}

// Overlap 返回新旧证书的重叠有效期。
func (c SigningConfig) Overlap() time.Duration {
	return time.Duration(c.OverlapHours) * time.Hour
}

// RootValidity 返回根证书有效期。
func (c SigningConfig) RootValidity() time.Duration {
	return time.Duration(c.RootValidityDays) * 24 * time.Hour
}

// CheckInterval 返回轮换调度器的检查间隔。
func (c SigningConfig) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalSeconds) * time.Second
}

// VerificationConfig 控制验证阶段的时间窗口、吊销检查与信任库。
type VerificationConfig struct {
	MaxClockSkewSeconds      int      `json:"max_clock_skew_seconds" yaml:"max_clock_skew_seconds"`
	RevocationTimeoutMillis  int      `json:"revocation_timeout_ms" yaml:"revocation_timeout_ms"`
	RevocationRetries        int      `json:"revocation_retries" yaml:"revocation_retries"`
	RemoteProofTimeoutMillis int      `json:"remote_proof_timeout_ms" yaml:"remote_proof_timeout_ms"`
	NearDuplicateDistance    int      `json:"near_duplicate_distance" yaml:"near_duplicate_distance"`
	TrustStore               []string `json:"trust_store" yaml:"trust_store"`
}

// MaxClockSkew 返回签名时间允许超前的最大值。
func (c VerificationConfig) MaxClockSkew() time.Duration {
	return time.Duration(c.MaxClockSkewSeconds) * time.Second
}

// RevocationTimeout 返回在线吊销查询的超时时间。
func (c VerificationConfig) RevocationTimeout() time.Duration {
	return time.Duration(c.RevocationTimeoutMillis) * time.Millisecond
}

// RemoteProofTimeout 返回远程证明查询的超时时间。
func (c VerificationConfig) RemoteProofTimeout() time.Duration {
	return time.Duration(c.RemoteProofTimeoutMillis) * time.Millisecond
}

// EmbeddingConfig 描述内容大小上限与各嵌入位置的容量。
type EmbeddingConfig struct {
	MaxContentSize     string `json:"max_content_size" yaml:"max_content_size"`
	MaxRobustSize      string `json:"max_robust_size" yaml:"max_robust_size"`
	MaxLightweightSize string `json:"max_lightweight_size" yaml:"max_lightweight_size"`
}

// MaxContentBytes 解析内容大小上限。
func (c EmbeddingConfig) MaxContentBytes() (uint64, error) {
	return parseSize("embedding.max_content_size", c.MaxContentSize)
}

// MaxRobustBytes 解析结构化嵌入位置的容量。
func (c EmbeddingConfig) MaxRobustBytes() (uint64, error) {
	return parseSize("embedding.max_robust_size", c.MaxRobustSize)
}

// MaxLightweightBytes 解析轻量标签的容量。
func (c EmbeddingConfig) MaxLightweightBytes() (uint64, error) {
	return parseSize("embedding.max_lightweight_size", c.MaxLightweightSize)
}

// StorageConfig 统一描述证明存储的各级缓存与持久化后端。
type StorageConfig struct {
	L1Size        string        `json:"l1_size" yaml:"l1_size"`
	Redis         RedisConfig   `json:"redis" yaml:"redis"`
	Primary       BackendConfig `json:"primary" yaml:"primary"`
	Secondary     BackendConfig `json:"secondary" yaml:"secondary"`
	RetentionDays int           `json:"retention_days" yaml:"retention_days"`
	SweepMinutes  int           `json:"sweep_interval_minutes" yaml:"sweep_interval_minutes"`
}

// L1Bytes 解析进程内缓存容量，0 表示关闭。
func (c StorageConfig) L1Bytes() (uint64, error) {
	if strings.TrimSpace(c.L1Size) == "0" {
		return 0, nil
	}
	return parseSize("storage.l1_size", c.L1Size)
}

// Retention 返回证明保留期，0 表示永久保留。
func (c StorageConfig) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// SweepInterval 返回保留期清理任务的执行间隔。
func (c StorageConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepMinutes) * time.Minute
}

// RedisConfig 描述分布式缓存与 Redis 队列的连接参数。
type RedisConfig struct {
	Address     string `json:"address" yaml:"address"`
	Password    string `json:"password" yaml:"password"`
	PasswordEnv string `json:"password_env" yaml:"password_env"`
	DB          int    `json:"db" yaml:"db"`
	Prefix      string `json:"prefix" yaml:"prefix"`
	TTLSeconds  int    `json:"ttl_seconds" yaml:"ttl_seconds"`
}

// ResolvedPassword 优先读取环境变量中的密码。
func (c RedisConfig) ResolvedPassword() string {
	if c.PasswordEnv != "" {
		if v := strings.TrimSpace(os.Getenv(c.PasswordEnv)); v != "" {
			return v
		}
	}
	return c.Password
}

// TTL 返回缓存条目的存活时间。
func (c RedisConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// BackendConfig 描述一个持久化后端。Driver 为空表示未配置。
type BackendConfig struct {
	Driver                 string `json:"driver" yaml:"driver"`
	DSN                    string `json:"dsn" yaml:"dsn"`
	DSNEnv                 string `json:"dsn_env" yaml:"dsn_env"`
	Dir                    string `json:"dir" yaml:"dir"`
	MaxOpenConns           int    `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds" yaml:"conn_max_lifetime_seconds"`
}

// ResolvedDSN 优先读取环境变量中的 DSN。
func (c BackendConfig) ResolvedDSN() string {
	if c.DSNEnv != "" {
		if v := strings.TrimSpace(os.Getenv(c.DSNEnv)); v != "" {
			return v
		}
	}
	return c.DSN
}

// JobsConfig 描述批量验证任务的队列与存储。
type JobsConfig struct {
	Driver          string         `json:"driver" yaml:"driver"`
	Store           BackendConfig  `json:"store" yaml:"store"`
	Workers         int            `json:"workers" yaml:"workers"`
	ItemParallelism int            `json:"item_parallelism" yaml:"item_parallelism"`
	MaxRetries      int            `json:"max_retries" yaml:"max_retries"`
	MaxItems        int            `json:"max_items" yaml:"max_items"`
	Redis           RedisConfig    `json:"redis" yaml:"redis"`
	RabbitMQ        RabbitMQConfig `json:"rabbitmq" yaml:"rabbitmq"`
}

// RabbitMQConfig 描述 RabbitMQ 队列。
type RabbitMQConfig struct {
	URL        string `json:"url" yaml:"url"`
	Queue      string `json:"queue" yaml:"queue"`
	Prefetch   int    `json:"prefetch" yaml:"prefetch"`
	Durable    bool   `json:"durable" yaml:"durable"`
	AutoDelete bool   `json:"auto_delete" yaml:"auto_delete"`
}

// AlertingConfig 描述告警通知渠道。
type AlertingConfig struct {
	WebhookURL     string `json:"webhook_url" yaml:"webhook_url"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir" yaml:"data_dir"`
}

// Load 解析指定路径的配置文件，根据扩展名选择 YAML 或 JSON。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("解析 YAML 配置失败: %w", err)
		}
	default:
		if err := json.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("解析配置失败: %w", err)
		}
	}

	baseDir, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		baseDir = filepath.Dir(path)
	}
	cfg.applyDefaults(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default 返回只依赖本地磁盘的默认配置，主要用于测试和开发。
func Default(baseDir string) *Config {
	var cfg Config
	cfg.applyDefaults(baseDir)
	return &cfg
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.PublicURL == "" {
		host := c.Server.Address
		if strings.HasPrefix(host, ":") {
			host = "localhost" + host
		}
		c.Server.PublicURL = "http://" + host
	}
	c.Server.PublicURL = strings.TrimRight(c.Server.PublicURL, "/")

	c.Runtime.DataDir = resolvePath(baseDir, c.Runtime.DataDir, "data")

	if c.Signing.Algorithm == "" {
		c.Signing.Algorithm = "ES256"
	}
	if c.Signing.Generator == "" {
		c.Signing.Generator = "credproofd/1.0"
	}
	if c.Signing.Subject == "" {
		c.Signing.Subject = "CredProof Signing"
	}
	if c.Signing.RotationIntervalHours <= 0 {
		c.Signing.RotationIntervalHours = 90 * 24
	}
	if c.Signing.OverlapHours <= 0 {
		c.Signing.OverlapHours = 7 * 24
	}
	if c.Signing.RootValidityDays <= 0 {
		c.Signing.RootValidityDays = 10 * 365
	}
	if c.Signing.CheckIntervalSeconds <= 0 {
		c.Signing.CheckIntervalSeconds = 300
	}
	if c.Signing.MasterSecretEnv == "" {
		c.Signing.MasterSecretEnv = "CREDPROOF_MASTER_SECRET"
	}
	c.Signing.KeyDir = resolvePath(c.Runtime.DataDir, c.Signing.KeyDir, "certs")

	if c.Verification.MaxClockSkewSeconds <= 0 {
		c.Verification.MaxClockSkewSeconds = 300
	}
	if c.Verification.RevocationTimeoutMillis <= 0 {
		c.Verification.RevocationTimeoutMillis = 2000
	}
	if c.Verification.RevocationRetries < 0 {
		c.Verification.RevocationRetries = 0
	}
	if c.Verification.RemoteProofTimeoutMillis <= 0 {
		c.Verification.RemoteProofTimeoutMillis = 3000
	}
	if c.Verification.NearDuplicateDistance <= 0 {
		c.Verification.NearDuplicateDistance = 10
	}
	for idx, pattern := range c.Verification.TrustStore {
		if !filepath.IsAbs(pattern) {
			c.Verification.TrustStore[idx] = filepath.Join(baseDir, pattern)
		}
	}

	if c.Embedding.MaxContentSize == "" {
		c.Embedding.MaxContentSize = "100MB"
	}
	if c.Embedding.MaxRobustSize == "" {
		c.Embedding.MaxRobustSize = "1MiB"
	}
	if c.Embedding.MaxLightweightSize == "" {
		c.Embedding.MaxLightweightSize = "4KiB"
	}

	if c.Storage.L1Size == "" {
		c.Storage.L1Size = "64MiB"
	}
	if c.Storage.Redis.Prefix == "" {
		c.Storage.Redis.Prefix = "credproof:proof:"
	}
	if c.Storage.Redis.TTLSeconds <= 0 {
		c.Storage.Redis.TTLSeconds = 24 * 3600
	}
	if c.Storage.Primary.Driver == "" {
		c.Storage.Primary.Driver = "file"
	}
	if c.Storage.Primary.Driver == "file" {
		c.Storage.Primary.Dir = resolvePath(c.Runtime.DataDir, c.Storage.Primary.Dir, "proofs")
	}
	if c.Storage.Secondary.Driver == "file" {
		c.Storage.Secondary.Dir = resolvePath(c.Runtime.DataDir, c.Storage.Secondary.Dir, "proofs-secondary")
	}
	if c.Storage.SweepMinutes <= 0 {
		c.Storage.SweepMinutes = 60
	}

	if c.Jobs.Driver == "" {
		c.Jobs.Driver = "memory"
	}
	if c.Jobs.Store.Driver == "" {
		c.Jobs.Store.Driver = "memory"
	}
	if c.Jobs.Workers <= 0 {
		c.Jobs.Workers = 4
	}
	if c.Jobs.MaxRetries <= 0 {
		c.Jobs.MaxRetries = 3
	}
	if c.Jobs.MaxItems <= 0 {
		c.Jobs.MaxItems = 50
	}

	if c.Alerting.TimeoutSeconds <= 0 {
		c.Alerting.TimeoutSeconds = 5
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		c.Logging.Audit.Path = filepath.Join(c.Runtime.DataDir, "logs", "audit.log")
	}
}

// Validate 检查配置项取值是否合法。
func (c *Config) Validate() error {
	var errs []error
	switch c.Signing.Algorithm {
	case "ES256", "EdDSA", "ES256K":
	default:
		errs = append(errs, fmt.Errorf("未知的签名算法: %s", c.Signing.Algorithm))
	}
	if c.Signing.Overlap() >= c.Signing.RotationInterval() {
		errs = append(errs, errors.New("signing.overlap_hours 必须小于轮换周期"))
	}
	for _, backend := range []struct {
		name string
		cfg  BackendConfig
	}{{"storage.primary", c.Storage.Primary}, {"storage.secondary", c.Storage.Secondary}} {
		switch backend.cfg.Driver {
		case "", "file", "memory":
		case "mysql":
			if backend.cfg.ResolvedDSN() == "" {
				errs = append(errs, fmt.Errorf("%s 使用 mysql 时必须配置 dsn", backend.name))
			}
		default:
			errs = append(errs, fmt.Errorf("%s 未知的存储驱动: %s", backend.name, backend.cfg.Driver))
		}
	}
	switch c.Jobs.Driver {
	case "memory", "redis", "rabbitmq":
	default:
		errs = append(errs, fmt.Errorf("未知的队列驱动: %s", c.Jobs.Driver))
	}
	for _, size := range []func() (uint64, error){
		c.Embedding.MaxContentBytes,
		c.Embedding.MaxRobustBytes,
		c.Embedding.MaxLightweightBytes,
		c.Storage.L1Bytes,
	} {
		if _, err := size(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func parseSize(field, raw string) (uint64, error) {
	value, err := humanize.ParseBytes(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%s 无法解析大小 %q: %w", field, raw, err)
	}
	return value, nil
}

func resolvePath(baseDir, value, fallback string) string {
	if value == "" {
		return filepath.Join(baseDir, fallback)
	}
	if filepath.IsAbs(value) {
		return value
	}
	return filepath.Join(baseDir, value)
}
