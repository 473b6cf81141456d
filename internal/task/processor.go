package task

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"

	"CredProof/internal/authenticity"
	"CredProof/internal/batchproof"
	xerrors "CredProof/internal/errors"
	"CredProof/internal/manifest"
	"CredProof/internal/observability/alerting"
	"CredProof/internal/observability/metrics"
	"CredProof/pkg/logger"
)

// Verifier 定义了处理器所需的验证能力。
type Verifier interface {
	Verify(ctx context.Context, content []byte) (*authenticity.VerifyResult, error)
}

// Signer 定义了签名任务所需的签名能力。
type Signer interface {
	Sign(ctx context.Context, content []byte, assertions []manifest.Claim) (*authenticity.SignResult, error)
}

const defaultItemParallelism = 4

// Processor 从队列消费批量任务。同一任务内的内容并发处理，
// 结果按提交顺序写回。
type Processor struct {
	verifier    Verifier
	signer      Signer
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	parallelism int
	log         *slog.Logger
	alerter     alerting.Dispatcher
	now         func() time.Time
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(l *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		if l != nil {
			p.log = l
		}
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithItemParallelism 设置单个任务内同时验证的内容数量。
func WithItemParallelism(n int) ProcessorOption {
	return func(p *Processor) {
		if n > 0 {
			p.parallelism = n
		}
	}
}

// WithSigner 启用签名任务。未配置时签名任务以不可重试错误结束。
func WithSigner(signer Signer) ProcessorOption {
	return func(p *Processor) {
		p.signer = signer
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(verifier Verifier, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		verifier:    verifier,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
		parallelism: defaultItemParallelism,
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.log == nil {
		p.log = logger.Named("jobs")
	}
	return p
}

// Start 阻塞消费任务，直到 ctx 结束或队列关闭。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil || p.store == nil || p.verifier == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "任务处理器未初始化")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

// handle 的返回值决定队列是否重投：只有状态无法落库时才返回错误。
func (p *Processor) handle(ctx context.Context, taskID string) error {
	task, err := p.store.Claim(ctx, taskID)
	switch {
	case err == nil:
	case stdErrors.Is(err, ErrTaskNotFound), stdErrors.Is(err, ErrTaskCompleted), stdErrors.Is(err, ErrTaskExhausted):
		p.log.Debug("跳过任务", slog.String("task_id", taskID), slog.String("reason", err.Error()))
		return nil
	default:
		p.log.Error("领取任务失败", slog.Any("error", err), slog.String("task_id", taskID))
		p.emitAlert(ctx, &Task{ID: taskID}, CodeTaskProcessing, err, "claim")
		return err
	}

	started := p.now()
	var result ExecutionResult
	switch task.Kind {
	case KindSign:
		result, err = p.signItems(ctx, task)
	default:
		result, err = p.verifyItems(ctx, task)
	}
	if err != nil {
		return p.fail(ctx, task, err)
	}
	return p.succeed(ctx, task, result, p.now().Sub(started))
}

func (p *Processor) verifyItems(ctx context.Context, task *Task) (ExecutionResult, error) {
	items := make([]ItemResult, len(task.Items))
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(p.parallelism)
	for i, item := range task.Items {
		group.Go(func() error {
			res, err := p.verifier.Verify(gctx, item.Content)
			if err != nil {
				if xerrors.CodeOf(err) == xerrors.CodeUnknown {
					err = xerrors.Wrap(CodeTaskProcessing, err, fmt.Sprintf("验证第 %d 个内容失败", i+1))
				}
				return err
			}
			items[i] = itemResult(i, item, res)
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return ExecutionResult{}, err
	}

	levels := make(map[string]int)
	for _, item := range items {
		levels[item.Level]++
	}
	return ExecutionResult{Items: items, Levels: levels}, nil
}

// signItems 逐个签名，再把清单摘要按提交顺序提交到同一棵 Merkle 树。
func (p *Processor) signItems(ctx context.Context, task *Task) (ExecutionResult, error) {
	if p.signer == nil {
		return ExecutionResult{}, xerrors.New(CodeTaskValidation, "签名任务需要配置签名服务")
	}
	items := make([]ItemResult, len(task.Items))
	digests := make([]digest.Digest, len(task.Items))
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(p.parallelism)
	for i, item := range task.Items {
		group.Go(func() error {
			res, err := p.signer.Sign(gctx, item.Content, item.Assertions)
			if err != nil {
				if xerrors.CodeOf(err) == xerrors.CodeUnknown {
					err = xerrors.Wrap(CodeTaskProcessing, err, fmt.Sprintf("签名第 %d 个内容失败", i+1))
				}
				return err
			}
			d, err := manifest.Digest(res.Manifest)
			if err != nil {
				return xerrors.Wrap(CodeTaskProcessing, err, fmt.Sprintf("计算第 %d 个清单摘要失败", i+1))
			}
			digests[i] = d
			items[i] = signedItemResult(i, item, res, d)
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return ExecutionResult{}, err
	}

	tree, err := batchproof.Build(digests)
	if err != nil {
		return ExecutionResult{}, xerrors.Wrap(CodeTaskProcessing, err, "构建批次 Merkle 树失败")
	}
	for i := range items {
		inclusion, err := tree.Prove(uint64(i))
		if err != nil {
			return ExecutionResult{}, xerrors.Wrap(CodeTaskProcessing, err, fmt.Sprintf("生成第 %d 个包含证明失败", i+1))
		}
		items[i].Inclusion = &inclusion
	}
	summary := tree.Summary()
	return ExecutionResult{Items: items, Batch: &summary}, nil
}

func itemName(idx int, item Item) string {
	if item.Name != "" {
		return item.Name
	}
	return fmt.Sprintf("item-%d", idx+1)
}

func signedItemResult(idx int, item Item, res *authenticity.SignResult, manifestDigest digest.Digest) ItemResult {
	out := ItemResult{
		Name:            itemName(idx, item),
		ProofReference:  res.ProofReference,
		Fingerprint:     res.Fingerprint.String(),
		EmbeddingStatus: string(res.Embedding.Status),
		ManifestDigest:  manifestDigest,
		SignedContent:   res.Content,
	}
	if res.Embedding.Reason != "" {
		out.Warnings = []string{res.Embedding.Reason}
	}
	return out
}

func itemResult(idx int, item Item, res *authenticity.VerifyResult) ItemResult {
	return ItemResult{
		Name:           itemName(idx, item),
		Score:          res.Score,
		Level:          string(res.Level),
		ProofReference: res.ProofReference,
		Failed:         res.Failed(),
		Warnings:       res.Warnings,
	}
}

func (p *Processor) succeed(ctx context.Context, task *Task, result ExecutionResult, elapsed time.Duration) error {
	storeCtx := context.WithoutCancel(ctx)
	if err := p.store.MarkSucceeded(storeCtx, task.ID, result); err != nil {
		p.log.Error("标记任务成功状态失败", slog.Any("error", err), slog.String("task_id", task.ID))
		// 结果写不进去时按可重试失败处理，让任务重新排队。
		if storeErr := p.store.MarkFailed(storeCtx, task.ID, CodeTaskProcessing, err.Error(), false); storeErr != nil {
			return storeErr
		}
		return p.requeue(storeCtx, task)
	}
	metrics.ObserveJob(string(StatusSucceeded))
	attrs := []any{
		slog.String("task_id", task.ID),
		slog.String("kind", string(task.Kind)),
		slog.Int("items", len(result.Items)),
		slog.Duration("elapsed", elapsed),
	}
	if result.Batch != nil {
		attrs = append(attrs, slog.String("batch_root", result.Batch.Root.String()))
	} else {
		attrs = append(attrs, slog.Any("levels", result.Levels))
	}
	logger.Audit().Info("批量任务完成", attrs...)
	return nil
}

func (p *Processor) fail(ctx context.Context, task *Task, cause error) error {
	code := xerrors.CodeOf(cause)
	if code == xerrors.CodeUnknown {
		code = CodeTaskProcessing
	}
	retryable := xerrors.RetryableError(cause)
	terminal := !retryable || task.Attempts >= task.MaxRetries

	// 失败状态必须落库，即使 worker 的 ctx 已被取消。
	storeCtx := context.WithoutCancel(ctx)
	if err := p.store.MarkFailed(storeCtx, task.ID, code, cause.Error(), terminal); err != nil {
		p.log.Error("标记任务失败状态出错", slog.Any("error", err), slog.String("task_id", task.ID))
		return err
	}
	logger.Audit().Warn("任务执行失败",
		slog.String("task_id", task.ID),
		slog.Bool("terminal", terminal),
		slog.Any("error", cause),
		slog.Int("attempts", task.Attempts),
		slog.Int("max_retries", task.MaxRetries),
	)

	stage := "retry"
	switch {
	case !retryable:
		stage = "non_retryable"
	case terminal:
		stage = "terminal"
	}
	if terminal {
		metrics.ObserveJob(string(StatusFailed))
	}
	p.emitAlert(storeCtx, task, code, cause, stage)

	if terminal {
		return nil
	}
	return p.requeue(storeCtx, task)
}

func (p *Processor) requeue(ctx context.Context, task *Task) error {
	if err := p.producer.Publish(ctx, task.ID); err != nil {
		return xerrors.Wrap(CodeTaskPublish, err, fmt.Sprintf("任务 %s 重投失败", task.ID))
	}
	p.log.Debug("任务已重新排队", slog.String("task_id", task.ID), slog.Int("attempts", task.Attempts))
	return nil
}

func (p *Processor) emitAlert(ctx context.Context, task *Task, code xerrors.Code, cause error, stage string) {
	if p.alerter == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	event := alerting.Event{
		Code:       code,
		Message:    attrs.Message,
		Severity:   attrs.Severity,
		Source:     "jobs",
		Subject:    task.ID,
		Attempts:   task.Attempts,
		MaxRetries: task.MaxRetries,
		Metadata:   map[string]string{"stage": stage},
		OccurredAt: p.now(),
	}
	if cause != nil {
		event.Message = cause.Error()
		event.Metadata["cause"] = cause.Error()
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		p.log.Error("告警通知失败",
			slog.Any("error", err),
			slog.String("task_id", task.ID),
			slog.String("stage", stage),
		)
	}
}
