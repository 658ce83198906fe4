package model

import (
	"errors"
	"testing"
)

func succeed(t *testing.T, j *Job, stage Stage, payload map[string]string) {
	t.Helper()
	if err := j.Begin(stage); err != nil {
		t.Fatalf("begin %s: %v", stage, err)
	}
	if err := j.Record(StageResult{Stage: stage, Attempt: j.Attempts[stage], Success: true, Payload: payload}); err != nil {
		t.Fatalf("record %s: %v", stage, err)
	}
}

func TestJobLifecycle(t *testing.T) {
	j := NewJob("https://example/video/123", "u1", ModeKnowledge)
	if j.ID == "" {
		t.Fatal("expected id to be assigned")
	}
	if j.Status != JobStatusQueued {
		t.Fatalf("status = %s, want QUEUED", j.Status)
	}

	succeed(t, j, StageDownload, map[string]string{PayloadLocalPath: "/tmp/v.mp4", PayloadTitle: "demo"})
	if j.Title != "demo" {
		t.Fatalf("title = %q, want demo", j.Title)
	}
	for _, stage := range Stages[1:] {
		succeed(t, j, stage, map[string]string{PayloadSummary: "s"})
		if j.Status != stage.Status() {
			t.Fatalf("status = %s, want %s", j.Status, stage.Status())
		}
	}
	if err := j.Complete(); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if j.Status != JobStatusDone || j.FinishedAt == nil {
		t.Fatalf("status = %s finished = %v", j.Status, j.FinishedAt)
	}
	if len(j.StageResults) != len(Stages) {
		t.Fatalf("stage results = %d, want %d", len(j.StageResults), len(Stages))
	}
	if _, ok := j.NextStage(); ok {
		t.Fatal("expected no remaining stage")
	}
}

func TestJobRejectsSkippingStages(t *testing.T) {
	j := NewJob("u", "s", ModeSummary)
	if err := j.Begin(StageTranscribe); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("begin transcribe = %v, want ErrInvalidTransition", err)
	}
	if err := j.Complete(); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("complete = %v, want ErrInvalidTransition", err)
	}

	succeed(t, j, StageDownload, nil)
	if err := j.Begin(StageDownload); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("re-begin download = %v, want ErrInvalidTransition", err)
	}
}

func TestJobRetryAppendsAttempts(t *testing.T) {
	j := NewJob("u", "s", ModeSummary)
	for i := 0; i < 2; i++ {
		if err := j.Begin(StageDownload); err != nil {
			t.Fatalf("begin: %v", err)
		}
		if err := j.Record(StageResult{Stage: StageDownload, Attempt: j.Attempts[StageDownload], Retryable: true, Error: "timeout"}); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	succeed(t, j, StageDownload, nil)

	if got := j.Attempts[StageDownload]; got != 3 {
		t.Fatalf("attempts = %d, want 3", got)
	}
	if len(j.StageResults) != 3 {
		t.Fatalf("stage results = %d, want 3", len(j.StageResults))
	}
	for i, r := range j.StageResults {
		if r.Attempt != i+1 {
			t.Fatalf("result %d attempt = %d", i, r.Attempt)
		}
	}
}

func TestJobTerminalIsImmutable(t *testing.T) {
	j := NewJob("u", "s", ModeSummary)
	if err := j.Fail("boom"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	checks := map[string]error{
		"begin":    j.Begin(StageDownload),
		"record":   j.Record(StageResult{Stage: StageDownload}),
		"fail":     j.Fail("again"),
		"complete": j.Complete(),
		"cancel":   j.Cancel(),
	}
	for name, err := range checks {
		if !errors.Is(err, ErrTerminal) {
			t.Errorf("%s = %v, want ErrTerminal", name, err)
		}
	}
	if j.Error != "boom" {
		t.Fatalf("error = %q, want boom", j.Error)
	}
}

func TestJobCancelOnlyWhileQueued(t *testing.T) {
	j := NewJob("u", "s", ModeSummary)
	if err := j.Begin(StageDownload); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := j.Cancel(); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("cancel = %v, want ErrInvalidTransition", err)
	}

	q := NewJob("u", "s", ModeSummary)
	if err := q.Cancel(); err != nil {
		t.Fatalf("cancel queued: %v", err)
	}
	if q.Status != JobStatusCancelled {
		t.Fatalf("status = %s", q.Status)
	}
}

func TestJobCloneIsDeep(t *testing.T) {
	j := NewJob("u", "s", ModeSummary)
	succeed(t, j, StageDownload, map[string]string{PayloadLocalPath: "a"})

	c := j.Clone()
	c.StageResults[0].Payload[PayloadLocalPath] = "b"
	c.Attempts[StageDownload] = 9

	if j.Output(StageDownload, PayloadLocalPath) != "a" {
		t.Fatal("clone shares payload map")
	}
	if j.Attempts[StageDownload] != 1 {
		t.Fatal("clone shares attempts map")
	}
}

func TestSegmentsRoundTrip(t *testing.T) {
	in := []Segment{{Start: 0, End: 1.5, Text: " 你好 "}, {Start: 1.5, End: 3, Text: ""}, {Start: 3, End: 4, Text: "世界"}}
	encoded, err := EncodeSegments(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := DecodeSegments(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 3 || out[2].Text != "世界" {
		t.Fatalf("decoded = %+v", out)
	}
	if got := JoinSegments(out); got != "你好\n世界" {
		t.Fatalf("joined = %q", got)
	}
}

func TestParseMode(t *testing.T) {
	if ParseMode("highlights", ModeKnowledge) != ModeHighlights {
		t.Fatal("expected highlights")
	}
	if ParseMode("bogus", ModeSummary) != ModeSummary {
		t.Fatal("expected fallback")
	}
}
