package pipeline

import (
	"context"
	"strconv"

	"video-digest/app/model"
)

// Downloader 把链接下载为本地媒体
type Downloader interface {
	Download(ctx context.Context, url string, workDir string) (*model.Media, error)
}

// Transcriber 语音识别
type Transcriber interface {
	Transcribe(ctx context.Context, localPath string) (*model.Transcript, error)
}

// Optimizer 字幕优化
type Optimizer interface {
	Optimize(ctx context.Context, segments []model.Segment) ([]model.Segment, error)
}

// SummaryContext 摘要时附带的任务信息
type SummaryContext struct {
	Title     string
	SourceURL string
	Mode      model.AnalysisMode
}

// Summarizer 生成摘要
type Summarizer interface {
	Summarize(ctx context.Context, text string, sc SummaryContext) (string, error)
}

// Notifier 把消息发给提交者
type Notifier interface {
	Notify(ctx context.Context, submitter, message string) (bool, error)
}

// Stage 流水线中的一个阶段，只能读取任务中已记录的阶段结果
type Stage interface {
	Name() model.Stage
	Run(ctx context.Context, job *model.Job) (map[string]string, error)
}

// WorkDirFunc 返回任务的工作目录
type WorkDirFunc func(jobID string) string

type downloadStage struct {
	downloader Downloader
	workDir    WorkDirFunc
}

// NewDownloadStage 下载阶段
func NewDownloadStage(d Downloader, workDir WorkDirFunc) Stage {
	return &downloadStage{downloader: d, workDir: workDir}
}

func (s *downloadStage) Name() model.Stage { return model.StageDownload }

func (s *downloadStage) Run(ctx context.Context, job *model.Job) (map[string]string, error) {
	dir := ""
	if s.workDir != nil {
		dir = s.workDir(job.ID)
	}
	media, err := s.downloader.Download(ctx, job.SourceURL, dir)
	if err != nil {
		return nil, err
	}
	if media == nil || media.LocalPath == "" {
		return nil, Fatalf("下载器未返回本地文件")
	}
	return map[string]string{
		model.PayloadLocalPath: media.LocalPath,
		model.PayloadDuration:  strconv.FormatFloat(media.Duration, 'f', -1, 64),
		model.PayloadTitle:     media.Title,
	}, nil
}

type transcribeStage struct {
	transcriber Transcriber
}

// NewTranscribeStage 语音识别阶段
func NewTranscribeStage(t Transcriber) Stage {
	return &transcribeStage{transcriber: t}
}

func (s *transcribeStage) Name() model.Stage { return model.StageTranscribe }

func (s *transcribeStage) Run(ctx context.Context, job *model.Job) (map[string]string, error) {
	path := job.Output(model.StageDownload, model.PayloadLocalPath)
	if path == "" {
		return nil, Fatalf("缺少下载结果")
	}
	transcript, err := s.transcriber.Transcribe(ctx, path)
	if err != nil {
		return nil, err
	}
	if transcript == nil {
		return nil, Fatalf("识别结果为空")
	}
	return transcriptPayload(transcript.Text, transcript.Segments)
}

type optimizeStage struct {
	optimizer Optimizer
}

// NewOptimizeStage 字幕优化阶段
func NewOptimizeStage(o Optimizer) Stage {
	return &optimizeStage{optimizer: o}
}

func (s *optimizeStage) Name() model.Stage { return model.StageOptimize }

func (s *optimizeStage) Run(ctx context.Context, job *model.Job) (map[string]string, error) {
	segments, err := model.DecodeSegments(job.Output(model.StageTranscribe, model.PayloadSegments))
	if err != nil {
		return nil, Fatalf("解析识别结果失败: %w", err)
	}
	if len(segments) == 0 {
		// 没有时间轴时原样传递文本
		return map[string]string{
			model.PayloadText:     job.Output(model.StageTranscribe, model.PayloadText),
			model.PayloadSegments: "[]",
		}, nil
	}
	optimized, err := s.optimizer.Optimize(ctx, segments)
	if err != nil {
		return nil, err
	}
	return transcriptPayload(model.JoinSegments(optimized), optimized)
}

type analyzeStage struct {
	summarizer Summarizer
}

// NewAnalyzeStage 摘要阶段
func NewAnalyzeStage(s Summarizer) Stage {
	return &analyzeStage{summarizer: s}
}

func (s *analyzeStage) Name() model.Stage { return model.StageAnalyze }

func (s *analyzeStage) Run(ctx context.Context, job *model.Job) (map[string]string, error) {
	text := job.Output(model.StageOptimize, model.PayloadText)
	if text == "" {
		text = job.Output(model.StageTranscribe, model.PayloadText)
	}
	if text == "" {
		return nil, Fatalf("没有可分析的文本")
	}
	summary, err := s.summarizer.Summarize(ctx, text, SummaryContext{
		Title:     job.Output(model.StageDownload, model.PayloadTitle),
		SourceURL: job.SourceURL,
		Mode:      job.Mode,
	})
	if err != nil {
		return nil, err
	}
	return map[string]string{model.PayloadSummary: summary}, nil
}

type notifyStage struct {
	notifier Notifier
}

// NewNotifyStage 通知阶段
func NewNotifyStage(n Notifier) Stage {
	return &notifyStage{notifier: n}
}

func (s *notifyStage) Name() model.Stage { return model.StageNotify }

func (s *notifyStage) Run(ctx context.Context, job *model.Job) (map[string]string, error) {
	delivered, err := s.notifier.Notify(ctx, job.Submitter, ResultMessage(job))
	if err != nil {
		return nil, err
	}
	if !delivered {
		return nil, Retryablef("消息未送达")
	}
	return map[string]string{model.PayloadDelivered: "true"}, nil
}

func transcriptPayload(text string, segments []model.Segment) (map[string]string, error) {
	encoded, err := model.EncodeSegments(segments)
	if err != nil {
		return nil, Fatal(err)
	}
	if text == "" {
		text = model.JoinSegments(segments)
	}
	return map[string]string{
		model.PayloadText:     text,
		model.PayloadSegments: encoded,
	}, nil
}
