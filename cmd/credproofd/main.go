package main

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"CredProof/internal/api"
	"CredProof/internal/authenticity"
	"CredProof/internal/certs"
	"CredProof/internal/config"
	"CredProof/internal/observability/alerting"
	"CredProof/internal/storage"
	storagemysql "CredProof/internal/storage/mysql"
	storageredis "CredProof/internal/storage/redis"
	"CredProof/internal/task"
	"CredProof/internal/verify"
	"CredProof/pkg/logger"
)

// main 是 CredProof 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("credproofd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("CREDPROOF_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "credproof.yaml")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	alerts := buildAlerts(cfg)

	// 证书层级：根证书 + 轮换的签名证书。
	secret, err := masterSecret(cfg.Signing)
	if err != nil {
		return err
	}
	certStore, err := certs.NewFileStore(cfg.Signing.KeyDir)
	if err != nil {
		return err
	}
	algorithm, err := certs.ParseAlgorithm(cfg.Signing.Algorithm)
	if err != nil {
		return err
	}
	authority, err := certs.NewManager(ctx, certStore, secret, certs.Options{
		Algorithm:        algorithm,
		Subject:          cfg.Signing.Subject,
		RotationInterval: cfg.Signing.RotationInterval(),
		Overlap:          cfg.Signing.Overlap(),
		RootValidity:     cfg.Signing.RootValidity(),
		StatusBaseURL:    cfg.Server.PublicURL + "/api/v1/certificates",
		Logger:           logger.Named("certs"),
	})
	if err != nil {
		return err
	}
	trust, err := certs.LoadTrustStore(cfg.Verification.TrustStore, authority.Root())
	if err != nil {
		return err
	}

	// MySQL 连接池在证明存储与任务存储之间共享。
	var db *sql.DB
	openDB := func(backend config.BackendConfig) (*sql.DB, error) {
		if db != nil {
			return db, nil
		}
		pool, err := storagemysql.Open(ctx, storagemysql.Config{
			DSN:             backend.ResolvedDSN(),
			MaxOpenConns:    backend.MaxOpenConns,
			MaxIdleConns:    backend.MaxIdleConns,
			ConnMaxLifetime: time.Duration(backend.ConnMaxLifetimeSeconds) * time.Second,
		})
		if err != nil {
			return nil, err
		}
		db = pool
		return db, nil
	}
	defer func() {
		if db != nil {
			_ = db.Close()
		}
	}()

	proofs, health, err := buildStorage(ctx, cfg, openDB)
	if err != nil {
		return err
	}
	defer func() {
		if err := proofs.Close(); err != nil {
			logger.L().Warn("关闭证明存储失败", "error", err)
		}
	}()

	chains := verify.NewChainValidator(trust,
		verify.WithStatusChecker(verify.NewHTTPStatusChecker(cfg.Verification.RevocationTimeout(), cfg.Verification.RevocationRetries)),
		verify.WithRevocationSource(verify.RevocationSourceFunc(func(context.Context) (*certs.RevocationList, error) {
			return authority.RevocationList(), nil
		})),
		verify.WithRevocationTimeout(cfg.Verification.RevocationTimeout()),
	)

	maxContent, _ := cfg.Embedding.MaxContentBytes()
	maxRobust, _ := cfg.Embedding.MaxRobustBytes()
	maxLightweight, _ := cfg.Embedding.MaxLightweightBytes()
	svc, err := authenticity.NewService(authority, proofs, chains, authenticity.Options{
		Generator:             cfg.Signing.Generator,
		MaxContentSize:        maxContent,
		MaxRobustSize:         int(maxRobust),
		MaxLightweightSize:    int(maxLightweight),
		MaxClockSkew:          cfg.Verification.MaxClockSkew(),
		RemoteProofTimeout:    cfg.Verification.RemoteProofTimeout(),
		NearDuplicateDistance: cfg.Verification.NearDuplicateDistance,
		Alerts:                alerts,
		Logger:                logger.Named("authenticity"),
	})
	if err != nil {
		return err
	}

	jobStore, err := buildJobStore(cfg, openDB)
	if err != nil {
		return err
	}
	defer func() { _ = jobStore.Close() }()

	queue, err := buildQueue(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := queue.Close(); err != nil {
			logger.L().Warn("关闭任务队列失败", "error", err)
		}
	}()

	jobs := task.NewService(jobStore, queue, cfg.Jobs.MaxRetries, cfg.Jobs.MaxItems)
	processor := task.NewProcessor(svc, jobStore, queue, queue,
		task.WithWorkerCount(cfg.Jobs.Workers),
		task.WithItemParallelism(cfg.Jobs.ItemParallelism),
		task.WithSigner(svc),
		task.WithProcessorLogger(logger.Named("jobs")),
		task.WithAlertDispatcher(alerts),
	)

	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()
	go func() {
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("任务处理器异常退出", "error", err)
		}
	}()
	go authority.Run(processorCtx, cfg.Signing.CheckInterval())
	go proofs.Run(processorCtx, cfg.Storage.SweepInterval())

	maxBody := int64(maxContent)
	health["certificates"] = func(context.Context) error {
		_, err := authority.SigningKey()
		return err
	}
	server := api.NewServer(cfg.Server.Address, api.Deps{
		Authenticity: svc,
		Proofs:       proofs,
		Certificates: authority,
		Jobs:         jobs,
		MaxBodyBytes: maxBody,
		Health:       health,
	})

	logger.L().Info("credproofd 已启动",
		"address", cfg.Server.Address,
		"algorithm", string(algorithm),
		"storage", cfg.Storage.Primary.Driver,
		"queue", cfg.Jobs.Driver,
	)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func buildAlerts(cfg *config.Config) alerting.Dispatcher {
	notifiers := []alerting.Notifier{&alerting.LogNotifier{Logger: logger.Named("alerts")}}
	if cfg.Alerting.WebhookURL != "" {
		notifiers = append(notifiers, alerting.NewWebhookNotifier(cfg.Alerting.WebhookURL,
			time.Duration(cfg.Alerting.TimeoutSeconds)*time.Second))
	}
	return alerting.NewFanout(notifiers...)
}

// masterSecret 优先读取环境变量；未配置时在密钥目录生成并持久化一个随机值。
func masterSecret(cfg config.SigningConfig) ([]byte, error) {
	if v := strings.TrimSpace(os.Getenv(cfg.MasterSecretEnv)); v != "" {
		return []byte(v), nil
	}
	path := filepath.Join(cfg.KeyDir, "master.secret")
	if raw, err := os.ReadFile(path); err == nil {
		return []byte(strings.TrimSpace(string(raw))), nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("读取主密钥失败: %w", err)
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	secret := hex.EncodeToString(buf)
	if err := os.MkdirAll(cfg.KeyDir, 0o700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(secret), 0o600); err != nil {
		return nil, fmt.Errorf("写入主密钥失败: %w", err)
	}
	logger.L().Warn("未配置主密钥环境变量，已生成本地主密钥", "env", cfg.MasterSecretEnv, "path", path)
	return []byte(secret), nil
}

type dbOpener func(config.BackendConfig) (*sql.DB, error)

func openBackend(backend config.BackendConfig, openDB dbOpener) (storage.Backend, error) {
	switch backend.Driver {
	case "file":
		return storage.NewFileBackend(backend.Dir)
	case "memory":
		return storage.NewMemoryBackend(), nil
	case "mysql":
		db, err := openDB(backend)
		if err != nil {
			return nil, err
		}
		return storagemysql.NewProofStoreWithDB(db), nil
	default:
		return nil, fmt.Errorf("未知的存储驱动: %s", backend.Driver)
	}
}

func buildStorage(ctx context.Context, cfg *config.Config, openDB dbOpener) (*storage.Manager, map[string]api.HealthCheck, error) {
	health := make(map[string]api.HealthCheck)
	primary, err := openBackend(cfg.Storage.Primary, openDB)
	if err != nil {
		return nil, nil, err
	}
	if pinger, ok := primary.(interface{ Ping(context.Context) error }); ok {
		health["storage"] = pinger.Ping
	}

	opts := []storage.Option{
		storage.WithRetention(cfg.Storage.Retention()),
		storage.WithLogger(logger.Named("storage")),
	}
	if cfg.Storage.Secondary.Driver != "" {
		secondary, err := openBackend(cfg.Storage.Secondary, openDB)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, storage.WithSecondary(secondary))
	}
	if l1, _ := cfg.Storage.L1Bytes(); l1 > 0 {
		opts = append(opts, storage.WithL1(storage.NewMemoryCache(int(l1))))
	}
	if cfg.Storage.Redis.Address != "" {
		cache, err := storageredis.New(ctx, storageredis.Config{
			Address:  cfg.Storage.Redis.Address,
			Password: cfg.Storage.Redis.ResolvedPassword(),
			DB:       cfg.Storage.Redis.DB,
			Prefix:   cfg.Storage.Redis.Prefix,
			TTL:      cfg.Storage.Redis.TTL(),
		})
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, storage.WithL2(cache))
		health["redis"] = cache.Ping
	}
	manager, err := storage.NewManager(primary, opts...)
	if err != nil {
		return nil, nil, err
	}
	return manager, health, nil
}

func buildJobStore(cfg *config.Config, openDB dbOpener) (task.Store, error) {
	switch cfg.Jobs.Store.Driver {
	case "", "memory":
		return task.NewMemoryStore(), nil
	case "mysql":
		backend := cfg.Jobs.Store
		if backend.ResolvedDSN() == "" {
			backend = cfg.Storage.Primary
		}
		db, err := openDB(backend)
		if err != nil {
			return nil, err
		}
		return task.NewMySQLStore(db), nil
	default:
		return nil, fmt.Errorf("未知的任务存储驱动: %s", cfg.Jobs.Store.Driver)
	}
}

func buildQueue(ctx context.Context, cfg *config.Config) (task.Queue, error) {
	switch cfg.Jobs.Driver {
	case "", "memory":
		return task.NewMemoryQueue(1024), nil
	case "redis":
		// jobs.redis.prefix 作为队列 key 使用。
		queue, err := task.NewRedisQueue(ctx, task.RedisQueueConfig{
			Address:  cfg.Jobs.Redis.Address,
			Password: cfg.Jobs.Redis.ResolvedPassword(),
			DB:       cfg.Jobs.Redis.DB,
			Queue:    cfg.Jobs.Redis.Prefix,
		})
		if err != nil {
			return nil, err
		}
		if moved, err := queue.Recover(ctx); err != nil {
			_ = queue.Close()
			return nil, err
		} else if moved > 0 {
			logger.L().Warn("重新入队上次未完成的任务", "count", moved)
		}
		return queue, nil
	case "rabbitmq":
		return task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:        cfg.Jobs.RabbitMQ.URL,
			Queue:      cfg.Jobs.RabbitMQ.Queue,
			Prefetch:   cfg.Jobs.RabbitMQ.Prefetch,
			Durable:    cfg.Jobs.RabbitMQ.Durable,
			AutoDelete: cfg.Jobs.RabbitMQ.AutoDelete,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Jobs.Driver)
	}
}
