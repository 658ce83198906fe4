package bot

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"video-digest/app/logger"
	"video-digest/app/model"
	"video-digest/app/service"
	"video-digest/app/utils/telegram"
)

type fakeReplier struct {
	mu   sync.Mutex
	sent map[string][]string
}

func (f *fakeReplier) Notify(_ context.Context, recipient, message string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sent == nil {
		f.sent = make(map[string][]string)
	}
	f.sent[recipient] = append(f.sent[recipient], message)
	return true, nil
}

func (f *fakeReplier) last(recipient string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.sent[recipient]
	if len(msgs) == 0 {
		return ""
	}
	return msgs[len(msgs)-1]
}

type scriptedUpdates struct {
	mu      sync.Mutex
	batches [][]telegram.Update
	offsets []int64
}

func (s *scriptedUpdates) GetUpdates(ctx context.Context, offset int64) ([]telegram.Update, error) {
	s.mu.Lock()
	s.offsets = append(s.offsets, offset)
	if len(s.batches) > 0 {
		next := s.batches[0]
		s.batches = s.batches[1:]
		s.mu.Unlock()
		if next == nil {
			return nil, errors.New("network down")
		}
		return next, nil
	}
	s.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func newTestBot(t *testing.T, capacity int, allowed ...int64) (*Bot, *fakeReplier, *service.JobService) {
	t.Helper()
	log := logger.NewNop()
	jobs := service.NewJobService(service.NewTaskQueue(capacity), service.NewJobStore(nil, log), model.ModeKnowledge, log)
	reply := &fakeReplier{}
	return New(&scriptedUpdates{}, reply, jobs, allowed, log), reply, jobs
}

func message(chatID int64, text string) *telegram.Message {
	return &telegram.Message{Chat: telegram.Chat{ID: chatID}, From: &telegram.User{ID: chatID, FirstName: "Ann"}, Text: text}
}

func TestSubmitLinkFromSharedText(t *testing.T) {
	b, reply, jobs := newTestBot(t, 5)

	b.Handle(context.Background(), message(42, "【好视频】 https://www.bilibili.com/video/BV1xx411c7mD?p=1 快来看 总结"))

	views, total := jobs.List(service.JobFilter{Submitter: "tg:42"})
	if total != 1 {
		t.Fatalf("total = %d", total)
	}
	if views[0].SourceURL != "https://www.bilibili.com/video/BV1xx411c7mD?p=1" || views[0].Mode != model.ModeSummary {
		t.Fatalf("view = %+v", views[0])
	}
	if got := reply.last("42"); !strings.Contains(got, views[0].ID) || !strings.Contains(got, "队列位置: 1") {
		t.Fatalf("reply = %q", got)
	}
}

func TestModeCommand(t *testing.T) {
	b, _, jobs := newTestBot(t, 5)
	b.Handle(context.Background(), message(1, "/highlights https://youtu.be/abc"))

	views, _ := jobs.List(service.JobFilter{})
	if len(views) != 1 || views[0].Mode != model.ModeHighlights {
		t.Fatalf("views = %+v", views)
	}
}

func TestQueueFullReply(t *testing.T) {
	b, reply, _ := newTestBot(t, 1)
	b.Handle(context.Background(), message(1, "https://example.com/a"))
	b.Handle(context.Background(), message(1, "https://example.com/b"))

	if got := reply.last("1"); !strings.Contains(got, "队列已满 (1/1)") {
		t.Fatalf("reply = %q", got)
	}
}

func TestNoLinkReply(t *testing.T) {
	b, reply, _ := newTestBot(t, 1)
	b.Handle(context.Background(), message(1, "你好"))
	if got := reply.last("1"); !strings.Contains(got, "没有找到视频链接") {
		t.Fatalf("reply = %q", got)
	}
}

func TestCancelAndJobCommands(t *testing.T) {
	b, reply, jobs := newTestBot(t, 5)
	res, err := jobs.Submit(service.SubmitRequest{SourceURL: "https://example.com/v", Submitter: "tg:7"})
	if err != nil {
		t.Fatal(err)
	}

	// 别人的任务不可见
	b.Handle(context.Background(), message(8, "/cancel "+res.JobID))
	if got := reply.last("8"); !strings.Contains(got, "任务不存在") {
		t.Fatalf("reply = %q", got)
	}

	b.Handle(context.Background(), message(7, "/job "+res.JobID))
	if got := reply.last("7"); !strings.Contains(got, "队列位置: 1") {
		t.Fatalf("reply = %q", got)
	}

	b.Handle(context.Background(), message(7, "/cancel@digest_bot "+res.JobID))
	if got := reply.last("7"); !strings.Contains(got, "已取消") {
		t.Fatalf("reply = %q", got)
	}
	view, _ := jobs.Status(res.JobID)
	if view.Status != model.JobStatusCancelled {
		t.Fatalf("status = %s", view.Status)
	}

	b.Handle(context.Background(), message(7, "/cancel "+res.JobID))
	if got := reply.last("7"); !strings.Contains(got, "无法取消") {
		t.Fatalf("reply = %q", got)
	}
}

func TestAllowedUsers(t *testing.T) {
	b, reply, jobs := newTestBot(t, 5, 100)
	b.Handle(context.Background(), message(200, "https://example.com/v"))

	if got := reply.last("200"); !strings.Contains(got, "没有使用权限") {
		t.Fatalf("reply = %q", got)
	}
	if _, total := jobs.List(service.JobFilter{}); total != 0 {
		t.Fatalf("unauthorized submission accepted")
	}
}

func TestRunAdvancesOffsetAndRetries(t *testing.T) {
	log := logger.NewNop()
	jobs := service.NewJobService(service.NewTaskQueue(5), service.NewJobStore(nil, log), model.ModeKnowledge, log)
	updates := &scriptedUpdates{batches: [][]telegram.Update{
		{{UpdateID: 5, Message: message(1, "/status")}},
		nil,
		{{UpdateID: 6, Message: message(1, "/help")}},
	}}
	reply := &fakeReplier{}
	b := New(updates, reply, jobs, nil, log)
	b.retry = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(reply.last("1"), "使用帮助") {
		if time.Now().After(deadline) {
			t.Fatal("help reply not sent")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	updates.mu.Lock()
	defer updates.mu.Unlock()
	want := []int64{0, 6, 6, 7}
	for i, o := range want {
		if updates.offsets[i] != o {
			t.Fatalf("offsets = %v, want prefix %v", updates.offsets, want)
		}
	}
}
