package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"video-digest/app/model"
)

// OutcomeKind 阶段执行结果类型
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota + 1
	OutcomeRetryable
	OutcomeFatal
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeFatal:
		return "fatal"
	}
	return "unknown"
}

// Outcome 单次阶段执行的结果
type Outcome struct {
	Kind     OutcomeKind
	Payload  map[string]string
	Reason   string
	Duration time.Duration
}

// Runner 执行单个阶段，并把协作方的错误翻译为 Outcome
type Runner struct {
	stages   map[model.Stage]Stage
	timeouts map[model.Stage]time.Duration
}

// NewRunner 创建阶段执行器，五个阶段必须全部注册
func NewRunner(stages []Stage, timeouts map[model.Stage]time.Duration) (*Runner, error) {
	r := &Runner{
		stages:   make(map[model.Stage]Stage, len(stages)),
		timeouts: timeouts,
	}
	for _, s := range stages {
		r.stages[s.Name()] = s
	}
	for _, name := range model.Stages {
		if _, ok := r.stages[name]; !ok {
			return nil, fmt.Errorf("阶段 %s 未注册", name)
		}
	}
	return r, nil
}

// Timeout 阶段的超时设置
func (r *Runner) Timeout(stage model.Stage) time.Duration {
	return r.timeouts[stage]
}

// Run 执行一次阶段调用。阶段拿到的是任务的副本。
func (r *Runner) Run(ctx context.Context, stage model.Stage, job *model.Job) (out Outcome) {
	s, ok := r.stages[stage]
	if !ok {
		return Outcome{Kind: OutcomeFatal, Reason: fmt.Sprintf("阶段 %s 未注册", stage)}
	}

	stageCtx := ctx
	if timeout := r.timeouts[stage]; timeout > 0 {
		var cancel context.CancelFunc
		stageCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			out = Outcome{
				Kind:     OutcomeFatal,
				Reason:   fmt.Sprintf("阶段 %s 异常: %v", stage, rec),
				Duration: time.Since(start),
			}
		}
	}()

	payload, err := s.Run(stageCtx, job.Clone())
	elapsed := time.Since(start)
	if err == nil {
		return Outcome{Kind: OutcomeSuccess, Payload: payload, Duration: elapsed}
	}

	if ctx.Err() == nil && errors.Is(stageCtx.Err(), context.DeadlineExceeded) {
		return Outcome{
			Kind:     OutcomeRetryable,
			Reason:   fmt.Sprintf("阶段超时(%s): %v", r.timeouts[stage], err),
			Duration: elapsed,
		}
	}

	kind := OutcomeRetryable
	if Classify(err) == KindFatal {
		kind = OutcomeFatal
	}
	return Outcome{Kind: kind, Reason: err.Error(), Duration: elapsed}
}
