package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"video-digest/app/config"
	"video-digest/app/logger"
	"video-digest/app/model"
	"video-digest/app/pipeline"
)

type fakeAPI struct {
	mu       sync.Mutex
	requests []chatRequest
	reply    func(req chatRequest) (int, string)
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/chat/completions" || r.Header.Get("Authorization") != "Bearer test-key" {
		http.Error(w, `{"error":{"message":"bad request target"}}`, http.StatusBadRequest)
		return
	}
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	status, body := f.reply(req)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func okBody(content string) string {
	b, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{{"message": map[string]string{"role": "assistant", "content": content}}},
	})
	return string(b)
}

func newTestClient(t *testing.T, api *fakeAPI, batch int) *Client {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	c := New(config.LLMConfig{
		BaseURL:        srv.URL,
		APIKey:         "test-key",
		OptimizeModel:  "opt-model",
		SummarizeModel: "sum-model",
		Temperature:    0.3,
		MaxTokens:      1000,
		BatchSize:      batch,
	}, logger.NewNop())
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestChatStatusClassification(t *testing.T) {
	cases := []struct {
		status int
		body   string
		want   pipeline.FailureKind
	}{
		{http.StatusUnauthorized, `{"error":{"message":"invalid api key"}}`, pipeline.KindFatal},
		{http.StatusBadRequest, `{"error":{"message":"context too long"}}`, pipeline.KindFatal},
		{http.StatusTooManyRequests, `{"error":{"message":"rate limited"}}`, pipeline.KindRetryable},
		{http.StatusTooManyRequests, `{"error":{"message":"insufficient_quota"}}`, pipeline.KindFatal},
		{http.StatusTooManyRequests, `{"error":{"message":"账户余额不足"}}`, pipeline.KindFatal},
		{http.StatusBadGateway, `upstream error`, pipeline.KindRetryable},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%d", tc.status), func(t *testing.T) {
			api := &fakeAPI{reply: func(chatRequest) (int, string) { return tc.status, tc.body }}
			c := newTestClient(t, api, 10)
			_, err := c.Chat(context.Background(), "m", []Message{{Role: "user", Content: "hi"}})
			if err == nil {
				t.Fatal("expected error")
			}
			if got := pipeline.Classify(err); got != tc.want {
				t.Fatalf("kind = %v, want %v (%v)", got, tc.want, err)
			}
		})
	}
}

func TestChatRequiresAPIKey(t *testing.T) {
	c := New(config.LLMConfig{BaseURL: "http://127.0.0.1:1"}, logger.NewNop())
	defer c.Close()
	_, err := c.Chat(context.Background(), "m", nil)
	if pipeline.Classify(err) != pipeline.KindFatal {
		t.Fatalf("err = %v, want fatal", err)
	}
}

func TestOptimizeBatches(t *testing.T) {
	api := &fakeAPI{reply: func(req chatRequest) (int, string) {
		prompt := req.Messages[1].Content
		if strings.Contains(prompt, "第三句") {
			// 第二批行数不符，保留原文
			return http.StatusOK, okBody("随便说点什么")
		}
		return http.StatusOK, okBody("1. 第一句。\n2. 第二句！")
	}}
	c := newTestClient(t, api, 2)

	in := []model.Segment{
		{Start: 0, End: 1, Text: "第一句"},
		{Start: 1, End: 2, Text: "第二句"},
		{Start: 2, End: 3, Text: "第三句"},
	}
	out, err := c.Optimize(context.Background(), in)
	if err != nil {
		t.Fatalf("optimize: %v", err)
	}
	want := []string{"第一句。", "第二句！", "第三句"}
	for i, seg := range out {
		if seg.Text != want[i] || seg.Start != in[i].Start || seg.End != in[i].End {
			t.Fatalf("segment %d = %+v", i, seg)
		}
	}
	if in[0].Text != "第一句" {
		t.Fatal("input segments must not be modified")
	}
	if len(api.requests) != 2 || api.requests[0].Model != "opt-model" {
		t.Fatalf("requests = %+v", api.requests)
	}
}

func TestOptimizePropagatesErrors(t *testing.T) {
	api := &fakeAPI{reply: func(chatRequest) (int, string) {
		return http.StatusUnauthorized, `{"error":{"message":"bad key"}}`
	}}
	c := newTestClient(t, api, 5)
	_, err := c.Optimize(context.Background(), []model.Segment{{Text: "a"}})
	if pipeline.Classify(err) != pipeline.KindFatal {
		t.Fatalf("err = %v", err)
	}
}

func TestSummarizeUsesModePrompt(t *testing.T) {
	api := &fakeAPI{reply: func(chatRequest) (int, string) { return http.StatusOK, okBody("## 主要内容\n...") }}
	c := newTestClient(t, api, 5)

	got, err := c.Summarize(context.Background(), "字幕正文", pipeline.SummaryContext{
		Title:     "标题",
		SourceURL: "https://example.com/v/1",
		Mode:      model.ModeSummary,
	})
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if !strings.HasPrefix(got, "## 主要内容") {
		t.Fatalf("summary = %q", got)
	}
	req := api.requests[0]
	if req.Model != "sum-model" {
		t.Fatalf("model = %s", req.Model)
	}
	prompt := req.Messages[1].Content
	for _, want := range []string{"请总结这个视频的内容", "视频标题：标题", "字幕正文"} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("prompt missing %q:\n%s", want, prompt)
		}
	}
}

func TestParseNumbered(t *testing.T) {
	if _, ok := parseNumbered("1. a\n3. c", 2); ok {
		t.Fatal("out of range index accepted")
	}
	if _, ok := parseNumbered("1. a", 2); ok {
		t.Fatal("missing line accepted")
	}
	got, ok := parseNumbered("前言\n2、乙\n1) 甲", 2)
	if !ok || got[0] != "甲" || got[1] != "乙" {
		t.Fatalf("got %v %v", got, ok)
	}
}
