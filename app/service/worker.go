package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"video-digest/app/logger"
	"video-digest/app/metrics"
	"video-digest/app/model"
	"video-digest/app/pipeline"

	"go.uber.org/zap"
)

// errInterrupted 服务停止导致阶段中断
var errInterrupted = errors.New("服务停止，阶段中断")

// WorkerOptions 工作协程配置
type WorkerOptions struct {
	Workers        int
	Policy         pipeline.RetryPolicy
	NotifyProgress bool
	// NoticeTimeout 失败通知和进度通知的超时
	NoticeTimeout time.Duration
}

// WorkerPool 从队列取任务并按顺序执行各阶段。
// 同一个任务只会被一个协程处理，任务记录的写入都经由这里。
type WorkerPool struct {
	queue    *TaskQueue
	store    *JobStore
	runner   *pipeline.Runner
	notifier pipeline.Notifier
	opts     WorkerOptions
	log      *logger.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewWorkerPool 创建工作池
func NewWorkerPool(queue *TaskQueue, store *JobStore, runner *pipeline.Runner, notifier pipeline.Notifier, opts WorkerOptions, log *logger.Logger) *WorkerPool {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Policy.MaxAttempts <= 0 {
		opts.Policy = pipeline.DefaultRetryPolicy()
	}
	if opts.NoticeTimeout <= 0 {
		opts.NoticeTimeout = 30 * time.Second
	}
	return &WorkerPool{
		queue:    queue,
		store:    store,
		runner:   runner,
		notifier: notifier,
		opts:     opts,
		log:      log.Named("worker"),
	}
}

// Start 启动工作协程
func (p *WorkerPool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.running = true

	for i := 0; i < p.opts.Workers; i++ {
		p.wg.Add(1)
		go p.loop(ctx, i)
	}
	p.log.Infof("任务处理器已启动，并发数: %d", p.opts.Workers)
}

// Stop 停止所有工作协程，等待当前阶段返回
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.cancel()
	p.mu.Unlock()

	p.wg.Wait()
	p.log.Info("任务处理器已停止")
}

func (p *WorkerPool) loop(ctx context.Context, idx int) {
	defer p.wg.Done()

	for {
		id, err := p.queue.Dequeue(ctx)
		if err != nil {
			return
		}
		metrics.QueueLength.Set(float64(p.queue.Size()))
		p.process(ctx, id, idx)
		if ctx.Err() != nil {
			return
		}
	}
}

// process 处理单个任务，任何错误都不会让循环退出
func (p *WorkerPool) process(ctx context.Context, id string, idx int) {
	defer p.queue.Done(id)

	log := p.log.With(zap.String("job", id), zap.Int("worker", idx))
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("处理任务时发生异常", zap.Any("panic", rec))
		}
	}()

	job, err := p.store.Get(id)
	if err != nil {
		log.Warn("任务记录不存在，跳过", zap.Error(err))
		return
	}
	if job.Status.IsTerminal() {
		log.Info("任务已结束，跳过", zap.String("status", string(job.Status)))
		return
	}

	metrics.ActiveJobs.Inc()
	defer metrics.ActiveJobs.Dec()

	start := time.Now()
	log.Info("🔄 开始处理任务", zap.String("url", job.SourceURL), zap.String("submitter", job.Submitter))
	if p.opts.NotifyProgress && len(job.StageResults) == 0 {
		p.notice(job, pipeline.StartMessage(job), log)
	}

	for {
		stage, ok := job.NextStage()
		if !ok {
			break
		}
		if !p.stillOpen(id) {
			log.Info("任务已被移除或结束，停止处理")
			return
		}

		reason, err := p.runStage(ctx, job, stage, log)
		if errors.Is(err, errInterrupted) {
			log.Warn("服务停止，任务保留为未完成状态", zap.String("stage", string(stage)))
			return
		}
		if err != nil {
			if stage == model.StageNotify {
				// 通知失败不影响任务结果
				metrics.NotifyFailures.Inc()
				log.Warn("NotifyFailure: 结果通知失败", zap.String("reason", reason))
				break
			}
			p.fail(job, reason, log)
			return
		}
	}

	if err := job.Complete(); err != nil {
		log.Error("无法标记任务完成", zap.Error(err))
		return
	}
	p.save(job, log)
	metrics.JobsFinished.WithLabelValues(string(model.JobStatusDone)).Inc()
	log.Info("✅ 任务完成", zap.Duration("elapsed", time.Since(start)))
}

// runStage 执行一个阶段直到成功、致命失败或重试耗尽。
// 返回非空 error 表示阶段最终失败，reason 是记录到任务上的原因。
func (p *WorkerPool) runStage(ctx context.Context, job *model.Job, stage model.Stage, log *logger.Logger) (string, error) {
	log = log.With(zap.String("stage", string(stage)))

	for {
		if err := job.Begin(stage); err != nil {
			return err.Error(), err
		}
		attempt := job.Attempts[stage]
		p.save(job, log)

		startedAt := time.Now()
		out := p.runner.Run(ctx, stage, job)
		result := model.StageResult{
			Stage:      stage,
			Attempt:    attempt,
			Success:    out.Kind == pipeline.OutcomeSuccess,
			Retryable:  out.Kind == pipeline.OutcomeRetryable,
			Payload:    out.Payload,
			Error:      out.Reason,
			StartedAt:  startedAt,
			FinishedAt: time.Now(),
		}
		if ctx.Err() != nil && !result.Success {
			result.Retryable = true
			result.Error = errInterrupted.Error()
			p.record(job, result, log)
			return result.Error, errInterrupted
		}
		p.record(job, result, log)

		metrics.StageAttempts.WithLabelValues(string(stage), out.Kind.String()).Inc()
		metrics.StageDuration.WithLabelValues(string(stage)).Observe(out.Duration.Seconds())

		switch out.Kind {
		case pipeline.OutcomeSuccess:
			log.Info("阶段完成", zap.Int("attempt", attempt), zap.Duration("elapsed", out.Duration))
			return "", nil
		case pipeline.OutcomeFatal:
			log.Error("阶段失败，不再重试", zap.Int("attempt", attempt), zap.String("reason", out.Reason))
			return out.Reason, errors.New(out.Reason)
		}

		if !p.opts.Policy.ShouldRetry(attempt) {
			reason := fmt.Sprintf("重试 %d 次后仍失败: %s", attempt, out.Reason)
			log.Error("阶段重试次数耗尽", zap.Int("attempt", attempt), zap.String("reason", out.Reason))
			return reason, errors.New(reason)
		}

		delay := p.opts.Policy.Backoff(attempt)
		log.Warn("阶段失败，稍后重试",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", p.opts.Policy.MaxAttempts),
			zap.Duration("backoff", delay),
			zap.String("reason", out.Reason))
		if err := sleepCtx(ctx, delay); err != nil {
			return errInterrupted.Error(), errInterrupted
		}
	}
}

// fail 标记失败，并尽力发送一次失败通知
func (p *WorkerPool) fail(job *model.Job, reason string, log *logger.Logger) {
	if err := job.Fail(reason); err != nil {
		log.Error("无法标记任务失败", zap.Error(err))
		return
	}
	p.save(job, log)
	metrics.JobsFinished.WithLabelValues(string(model.JobStatusFailed)).Inc()
	log.Error("💀 任务失败", zap.String("reason", reason))

	p.notice(job, pipeline.FailureMessage(job), log)
}

// notice 发送不影响任务状态的通知
func (p *WorkerPool) notice(job *model.Job, message string, log *logger.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), p.opts.NoticeTimeout)
	defer cancel()

	delivered, err := p.notifier.Notify(ctx, job.Submitter, message)
	if err != nil || !delivered {
		metrics.NotifyFailures.Inc()
		log.Warn("NotifyFailure: 通知发送失败", zap.Bool("delivered", delivered), zap.Error(err))
	}
}

func (p *WorkerPool) record(job *model.Job, result model.StageResult, log *logger.Logger) {
	if err := job.Record(result); err != nil {
		log.Error("记录阶段结果失败", zap.Error(err))
		return
	}
	p.save(job, log)
}

func (p *WorkerPool) save(job *model.Job, log *logger.Logger) {
	if err := p.store.Save(job); err != nil {
		log.Warn("任务持久化失败", zap.Error(err))
	}
}

// stillOpen 阶段边界上重新检查任务记录
func (p *WorkerPool) stillOpen(id string) bool {
	current, err := p.store.Get(id)
	if err != nil {
		return false
	}
	return !current.Status.IsTerminal()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
