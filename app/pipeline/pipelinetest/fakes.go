// Package pipelinetest 提供流水线协作方的可编排替身，供测试使用。
package pipelinetest

import (
	"context"
	"path/filepath"
	"strings"
	"sync"

	"video-digest/app/model"
	"video-digest/app/pipeline"
)

// Script 按调用顺序返回预设的错误，并记录调用次数
type Script struct {
	mu    sync.Mutex
	calls int
	// Errs 第 i 次调用返回 Errs[i]，超出部分返回 nil
	Errs []error
	// Gate 非空时每次调用都会等待它可读
	Gate chan struct{}
	// Started 非空时每次调用开始时写入一次
	Started chan struct{}
}

func (s *Script) next(ctx context.Context) error {
	s.mu.Lock()
	idx := s.calls
	s.calls++
	var err error
	if idx < len(s.Errs) {
		err = s.Errs[idx]
	}
	gate, started := s.Gate, s.Started
	s.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// Calls 已发生的调用次数
func (s *Script) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Downloader 记录下载顺序
type Downloader struct {
	Script
	mu   sync.Mutex
	URLs []string
}

func (d *Downloader) Download(ctx context.Context, url, workDir string) (*model.Media, error) {
	d.mu.Lock()
	d.URLs = append(d.URLs, url)
	d.mu.Unlock()
	if err := d.next(ctx); err != nil {
		return nil, err
	}
	return &model.Media{
		LocalPath: filepath.Join(workDir, "video.mp4"),
		Duration:  61.5,
		Title:     "title of " + url,
	}, nil
}

// Order 下载过的链接，按调用顺序
func (d *Downloader) Order() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.URLs...)
}

// Transcriber 返回固定的两段字幕
type Transcriber struct {
	Script
}

func (t *Transcriber) Transcribe(ctx context.Context, localPath string) (*model.Transcript, error) {
	if err := t.next(ctx); err != nil {
		return nil, err
	}
	segments := []model.Segment{
		{Start: 0, End: 2, Text: "大家好"},
		{Start: 2, End: 4, Text: "今天讲队列"},
	}
	return &model.Transcript{Text: model.JoinSegments(segments), Segments: segments}, nil
}

// Optimizer 给每段加上句号
type Optimizer struct {
	Script
}

func (o *Optimizer) Optimize(ctx context.Context, segments []model.Segment) ([]model.Segment, error) {
	if err := o.next(ctx); err != nil {
		return nil, err
	}
	out := make([]model.Segment, len(segments))
	for i, s := range segments {
		s.Text = strings.TrimSuffix(s.Text, "。") + "。"
		out[i] = s
	}
	return out, nil
}

// Summarizer 返回固定摘要，并记录收到的文本
type Summarizer struct {
	Script
	Summary string
	mu      sync.Mutex
	Texts   []string
}

func (s *Summarizer) Summarize(ctx context.Context, text string, sc pipeline.SummaryContext) (string, error) {
	s.mu.Lock()
	s.Texts = append(s.Texts, text)
	s.mu.Unlock()
	if err := s.next(ctx); err != nil {
		return "", err
	}
	if s.Summary == "" {
		return "summary of " + sc.SourceURL, nil
	}
	return s.Summary, nil
}

// Message 一条已发送的消息
type Message struct {
	Submitter string
	Text      string
}

// Notifier 记录所有消息
type Notifier struct {
	Script
	// Undelivered 为 true 时返回未送达
	Undelivered bool
	mu          sync.Mutex
	Messages    []Message
}

func (n *Notifier) Notify(ctx context.Context, submitter, message string) (bool, error) {
	n.mu.Lock()
	n.Messages = append(n.Messages, Message{Submitter: submitter, Text: message})
	n.mu.Unlock()
	if err := n.next(ctx); err != nil {
		return false, err
	}
	return !n.Undelivered, nil
}

// Sent 已发送消息的副本
func (n *Notifier) Sent() []Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Message(nil), n.Messages...)
}

// Set 一组全部成功的替身
type Set struct {
	Downloader  *Downloader
	Transcriber *Transcriber
	Optimizer   *Optimizer
	Summarizer  *Summarizer
	Notifier    *Notifier
}

// NewSet 创建默认全部成功的替身
func NewSet() *Set {
	return &Set{
		Downloader:  &Downloader{},
		Transcriber: &Transcriber{},
		Optimizer:   &Optimizer{},
		Summarizer:  &Summarizer{},
		Notifier:    &Notifier{},
	}
}

// Stages 按固定顺序构建五个阶段
func (s *Set) Stages(workDir pipeline.WorkDirFunc) []pipeline.Stage {
	return []pipeline.Stage{
		pipeline.NewDownloadStage(s.Downloader, workDir),
		pipeline.NewTranscribeStage(s.Transcriber),
		pipeline.NewOptimizeStage(s.Optimizer),
		pipeline.NewAnalyzeStage(s.Summarizer),
		pipeline.NewNotifyStage(s.Notifier),
	}
}
