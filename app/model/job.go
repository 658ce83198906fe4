package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobStatus 任务状态
type JobStatus string

const (
	JobStatusQueued       JobStatus = "QUEUED"
	JobStatusDownloading  JobStatus = "DOWNLOADING"
	JobStatusTranscribing JobStatus = "TRANSCRIBING"
	JobStatusOptimizing   JobStatus = "OPTIMIZING"
	JobStatusAnalyzing    JobStatus = "ANALYZING"
	JobStatusNotifying    JobStatus = "NOTIFYING"
	JobStatusDone         JobStatus = "DONE"
	JobStatusFailed       JobStatus = "FAILED"
	JobStatusCancelled    JobStatus = "CANCELLED"
)

// IsTerminal 是否为终态
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusDone, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// Valid 是否为已知状态
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusQueued, JobStatusDownloading, JobStatusTranscribing, JobStatusOptimizing,
		JobStatusAnalyzing, JobStatusNotifying, JobStatusDone, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// Stage 流水线阶段
type Stage string

const (
	StageDownload   Stage = "DOWNLOAD"
	StageTranscribe Stage = "TRANSCRIBE"
	StageOptimize   Stage = "OPTIMIZE"
	StageAnalyze    Stage = "ANALYZE"
	StageNotify     Stage = "NOTIFY"
)

// Stages 固定的阶段顺序
var Stages = []Stage{StageDownload, StageTranscribe, StageOptimize, StageAnalyze, StageNotify}

// Status 阶段对应的执行中状态
func (s Stage) Status() JobStatus {
	switch s {
	case StageDownload:
		return JobStatusDownloading
	case StageTranscribe:
		return JobStatusTranscribing
	case StageOptimize:
		return JobStatusOptimizing
	case StageAnalyze:
		return JobStatusAnalyzing
	case StageNotify:
		return JobStatusNotifying
	}
	return ""
}

// Index 阶段序号，未知阶段返回 -1
func (s Stage) Index() int {
	for i, stage := range Stages {
		if stage == s {
			return i
		}
	}
	return -1
}

// AnalysisMode 分析模式
type AnalysisMode string

const (
	ModeKnowledge  AnalysisMode = "knowledge"  // 知识型笔记
	ModeSummary    AnalysisMode = "summary"    // 内容总结
	ModeHighlights AnalysisMode = "highlights" // 金句提取
)

// ParseMode 解析分析模式，无法识别时返回默认模式
func ParseMode(s string, fallback AnalysisMode) AnalysisMode {
	switch AnalysisMode(s) {
	case ModeKnowledge, ModeSummary, ModeHighlights:
		return AnalysisMode(s)
	}
	return fallback
}

// 阶段结果中使用的键
const (
	PayloadLocalPath = "local_path"
	PayloadDuration  = "duration"
	PayloadTitle     = "title"
	PayloadText      = "text"
	PayloadSegments  = "segments"
	PayloadSummary   = "summary"
	PayloadDelivered = "delivered"
)

var (
	// ErrTerminal 终态任务不可修改
	ErrTerminal = errors.New("job is in a terminal state")
	// ErrInvalidTransition 非法的状态迁移
	ErrInvalidTransition = errors.New("invalid job transition")
)

// StageResult 单次阶段尝试的结果，只追加不覆盖
type StageResult struct {
	Stage      Stage             `json:"stage"`
	Attempt    int               `json:"attempt"`
	Success    bool              `json:"success"`
	Retryable  bool              `json:"retryable,omitempty"`
	Payload    map[string]string `json:"payload,omitempty"`
	Error      string            `json:"error,omitempty"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
}

// Job 一次用户提交及其处理进度
type Job struct {
	ID           string        `json:"id" gorm:"primaryKey;size:36"`
	SourceURL    string        `json:"source_url" gorm:"not null"`
	Submitter    string        `json:"submitter" gorm:"not null;index"`
	Mode         AnalysisMode  `json:"mode" gorm:"size:20"`
	Status       JobStatus     `json:"status" gorm:"size:20;index"`
	Title        string        `json:"title"`
	Error        string        `json:"error,omitempty" gorm:"type:text"`
	StageResults []StageResult `json:"stage_results" gorm:"serializer:json;type:text"`
	Attempts     map[Stage]int `json:"attempts" gorm:"serializer:json;type:text"`
	CreatedAt    time.Time     `json:"created_at" gorm:"index"`
	UpdatedAt    time.Time     `json:"updated_at" gorm:"autoUpdateTime:false"`
	FinishedAt   *time.Time    `json:"finished_at,omitempty" gorm:"index"`
}

// TableName 指定表名
func (Job) TableName() string {
	return "jobs"
}

// NewJob 创建排队中的任务
func NewJob(sourceURL, submitter string, mode AnalysisMode) *Job {
	now := time.Now()
	return &Job{
		ID:        uuid.NewString(),
		SourceURL: sourceURL,
		Submitter: submitter,
		Mode:      mode,
		Status:    JobStatusQueued,
		Attempts:  make(map[Stage]int),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Begin 开始某个阶段的一次尝试，并累加该阶段的尝试次数
func (j *Job) Begin(stage Stage) error {
	if j.Status.IsTerminal() {
		return ErrTerminal
	}
	idx := stage.Index()
	if idx < 0 {
		return fmt.Errorf("%w: unknown stage %s", ErrInvalidTransition, stage)
	}
	if j.Succeeded(stage) {
		return fmt.Errorf("%w: stage %s already succeeded", ErrInvalidTransition, stage)
	}
	if idx > 0 && !j.Succeeded(Stages[idx-1]) {
		return fmt.Errorf("%w: %s requires %s", ErrInvalidTransition, stage, Stages[idx-1])
	}

	if j.Attempts == nil {
		j.Attempts = make(map[Stage]int)
	}
	j.Attempts[stage]++
	j.setStatus(stage.Status())
	return nil
}

// Record 追加当前阶段的结果
func (j *Job) Record(result StageResult) error {
	if j.Status.IsTerminal() {
		return ErrTerminal
	}
	if result.Stage.Status() != j.Status {
		return fmt.Errorf("%w: recording %s while %s", ErrInvalidTransition, result.Stage, j.Status)
	}
	j.StageResults = append(j.StageResults, result)
	if result.Success && result.Stage == StageDownload && result.Payload[PayloadTitle] != "" {
		j.Title = result.Payload[PayloadTitle]
	}
	j.UpdatedAt = time.Now()
	return nil
}

// Fail 标记为失败
func (j *Job) Fail(reason string) error {
	if j.Status.IsTerminal() {
		return ErrTerminal
	}
	j.Error = reason
	j.finish(JobStatusFailed)
	return nil
}

// Complete 标记为完成，只能在通知阶段之后调用
func (j *Job) Complete() error {
	if j.Status.IsTerminal() {
		return ErrTerminal
	}
	if j.Status != JobStatusNotifying {
		return fmt.Errorf("%w: cannot complete from %s", ErrInvalidTransition, j.Status)
	}
	j.finish(JobStatusDone)
	return nil
}

// Cancel 取消仍在排队的任务
func (j *Job) Cancel() error {
	if j.Status.IsTerminal() {
		return ErrTerminal
	}
	if j.Status != JobStatusQueued {
		return fmt.Errorf("%w: cannot cancel from %s", ErrInvalidTransition, j.Status)
	}
	j.finish(JobStatusCancelled)
	return nil
}

func (j *Job) setStatus(status JobStatus) {
	j.Status = status
	j.UpdatedAt = time.Now()
}

func (j *Job) finish(status JobStatus) {
	j.setStatus(status)
	finished := j.UpdatedAt
	j.FinishedAt = &finished
}

// Succeeded 该阶段是否有成功记录
func (j *Job) Succeeded(stage Stage) bool {
	return j.LastSuccess(stage) != nil
}

// LastSuccess 返回该阶段最近一次成功的结果
func (j *Job) LastSuccess(stage Stage) *StageResult {
	for i := len(j.StageResults) - 1; i >= 0; i-- {
		r := &j.StageResults[i]
		if r.Stage == stage && r.Success {
			return r
		}
	}
	return nil
}

// Output 读取某阶段成功结果中的字段
func (j *Job) Output(stage Stage, key string) string {
	if r := j.LastSuccess(stage); r != nil {
		return r.Payload[key]
	}
	return ""
}

// NextStage 第一个尚未成功的阶段
func (j *Job) NextStage() (Stage, bool) {
	for _, stage := range Stages {
		if !j.Succeeded(stage) {
			return stage, true
		}
	}
	return "", false
}

// Summary 分析阶段产出的摘要
func (j *Job) Summary() string {
	return j.Output(StageAnalyze, PayloadSummary)
}

// Clone 深拷贝，供只读调用方使用
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.FinishedAt != nil {
		finished := *j.FinishedAt
		c.FinishedAt = &finished
	}
	c.Attempts = make(map[Stage]int, len(j.Attempts))
	for k, v := range j.Attempts {
		c.Attempts[k] = v
	}
	if j.StageResults != nil {
		c.StageResults = make([]StageResult, len(j.StageResults))
		for i, r := range j.StageResults {
			if r.Payload != nil {
				payload := make(map[string]string, len(r.Payload))
				for k, v := range r.Payload {
					payload[k] = v
				}
				r.Payload = payload
			}
			c.StageResults[i] = r
		}
	}
	return &c
}
