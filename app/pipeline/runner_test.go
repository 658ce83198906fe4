package pipeline_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"video-digest/app/model"
	"video-digest/app/pipeline"
	"video-digest/app/pipeline/pipelinetest"
)

type panicStage struct{}

func (panicStage) Name() model.Stage { return model.StageOptimize }
func (panicStage) Run(context.Context, *model.Job) (map[string]string, error) {
	panic("kaboom")
}

func newRunner(t *testing.T, set *pipelinetest.Set, timeouts map[model.Stage]time.Duration) *pipeline.Runner {
	t.Helper()
	r, err := pipeline.NewRunner(set.Stages(func(id string) string { return "/work/" + id }), timeouts)
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	return r
}

func TestNewRunnerRequiresAllStages(t *testing.T) {
	set := pipelinetest.NewSet()
	stages := set.Stages(nil)[:4]
	if _, err := pipeline.NewRunner(stages, nil); err == nil {
		t.Fatal("expected error for missing NOTIFY stage")
	}
}

func TestRunnerClassifiesErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want pipeline.OutcomeKind
	}{
		{"success", nil, pipeline.OutcomeSuccess},
		{"fatal", pipeline.Fatalf("unsupported url"), pipeline.OutcomeFatal},
		{"retryable", pipeline.Retryablef("connection reset"), pipeline.OutcomeRetryable},
		{"unclassified", errors.New("something odd"), pipeline.OutcomeRetryable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			set := pipelinetest.NewSet()
			set.Downloader.Errs = []error{tc.err}
			r := newRunner(t, set, nil)

			out := r.Run(context.Background(), model.StageDownload, model.NewJob("https://example/video/1", "u1", model.ModeSummary))
			if out.Kind != tc.want {
				t.Fatalf("kind = %s, want %s (reason %q)", out.Kind, tc.want, out.Reason)
			}
			if tc.err != nil && out.Reason != tc.err.Error() {
				t.Fatalf("reason = %q, want %q", out.Reason, tc.err.Error())
			}
			if tc.err == nil && !strings.HasSuffix(out.Payload[model.PayloadLocalPath], "video.mp4") {
				t.Fatalf("payload = %v", out.Payload)
			}
		})
	}
}

func TestRunnerTimeoutIsRetryable(t *testing.T) {
	set := pipelinetest.NewSet()
	set.Downloader.Gate = make(chan struct{})
	r := newRunner(t, set, map[model.Stage]time.Duration{model.StageDownload: 20 * time.Millisecond})

	out := r.Run(context.Background(), model.StageDownload, model.NewJob("u", "s", model.ModeSummary))
	if out.Kind != pipeline.OutcomeRetryable {
		t.Fatalf("kind = %s, want retryable", out.Kind)
	}
	if !strings.Contains(out.Reason, "超时") {
		t.Fatalf("reason = %q", out.Reason)
	}
}

func TestRunnerRecoversPanic(t *testing.T) {
	set := pipelinetest.NewSet()
	stages := set.Stages(nil)
	stages[2] = panicStage{}
	r, err := pipeline.NewRunner(stages, nil)
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}

	out := r.Run(context.Background(), model.StageOptimize, model.NewJob("u", "s", model.ModeSummary))
	if out.Kind != pipeline.OutcomeFatal || !strings.Contains(out.Reason, "kaboom") {
		t.Fatalf("outcome = %+v", out)
	}
}

func TestStagesReadPriorResults(t *testing.T) {
	set := pipelinetest.NewSet()
	r := newRunner(t, set, nil)
	job := model.NewJob("https://example/video/9", "u1", model.ModeHighlights)

	for _, stage := range model.Stages {
		if err := job.Begin(stage); err != nil {
			t.Fatalf("begin %s: %v", stage, err)
		}
		out := r.Run(context.Background(), stage, job)
		if out.Kind != pipeline.OutcomeSuccess {
			t.Fatalf("%s outcome = %+v", stage, out)
		}
		if err := job.Record(model.StageResult{Stage: stage, Attempt: 1, Success: true, Payload: out.Payload}); err != nil {
			t.Fatalf("record %s: %v", stage, err)
		}
	}

	if got := set.Summarizer.Texts; len(got) != 1 || got[0] != "大家好。\n今天讲队列。" {
		t.Fatalf("summarizer received %q", got)
	}
	sent := set.Notifier.Sent()
	if len(sent) != 1 || sent[0].Submitter != "u1" || !strings.Contains(sent[0].Text, "summary of https://example/video/9") {
		t.Fatalf("notifier messages = %+v", sent)
	}
}

func TestTranscribeWithoutDownloadIsFatal(t *testing.T) {
	set := pipelinetest.NewSet()
	r := newRunner(t, set, nil)

	out := r.Run(context.Background(), model.StageTranscribe, model.NewJob("u", "s", model.ModeSummary))
	if out.Kind != pipeline.OutcomeFatal {
		t.Fatalf("kind = %s, want fatal", out.Kind)
	}
	if set.Transcriber.Calls() != 0 {
		t.Fatal("transcriber should not be called")
	}
}

func TestNotifyUndeliveredIsRetryable(t *testing.T) {
	set := pipelinetest.NewSet()
	set.Notifier.Undelivered = true
	r := newRunner(t, set, nil)

	out := r.Run(context.Background(), model.StageNotify, model.NewJob("u", "s", model.ModeSummary))
	if out.Kind != pipeline.OutcomeRetryable {
		t.Fatalf("kind = %s, want retryable", out.Kind)
	}
}

func TestRetryPolicy(t *testing.T) {
	p := pipeline.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 3 * time.Second}
	if !p.ShouldRetry(1) || !p.ShouldRetry(2) || p.ShouldRetry(3) {
		t.Fatal("expected retries after attempts 1 and 2 only")
	}
	want := []time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 3 * time.Second}
	for i, w := range want {
		if got := p.Backoff(i + 1); got != w {
			t.Errorf("backoff(%d) = %v, want %v", i+1, got, w)
		}
	}
	if (pipeline.RetryPolicy{}).Backoff(5) != 0 {
		t.Fatal("zero policy should not wait")
	}
	if (pipeline.RetryPolicy{}).ShouldRetry(1) {
		t.Fatal("zero policy allows a single attempt")
	}
}

func TestResultMessageTruncates(t *testing.T) {
	job := model.NewJob("https://example/video/1", "u1", model.ModeSummary)
	for _, stage := range model.Stages[:4] {
		payload := map[string]string{}
		if stage == model.StageAnalyze {
			payload[model.PayloadSummary] = strings.Repeat("字", pipeline.MaxSummaryRunes+10)
		}
		if err := job.Begin(stage); err != nil {
			t.Fatal(err)
		}
		if err := job.Record(model.StageResult{Stage: stage, Success: true, Payload: payload, StartedAt: time.Now()}); err != nil {
			t.Fatal(err)
		}
	}

	msg := pipeline.ResultMessage(job)
	if !strings.Contains(msg, "已截断") {
		t.Fatalf("expected truncation marker")
	}
	if strings.Count(msg, "字") != pipeline.MaxSummaryRunes {
		t.Fatalf("summary runes = %d", strings.Count(msg, "字"))
	}
}
