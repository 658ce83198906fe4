package service

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"video-digest/app/logger"
	"video-digest/app/metrics"
	"video-digest/app/model"

	"github.com/patrickmn/go-cache"
)

// ErrInvalidSource 提交的链接无法识别
var ErrInvalidSource = errors.New("invalid source url")

// SubmitRequest 提交参数
type SubmitRequest struct {
	SourceURL string             `json:"source_url" binding:"required"`
	Submitter string             `json:"submitter"`
	Mode      model.AnalysisMode `json:"mode"`
}

// SubmitResult 提交结果
type SubmitResult struct {
	JobID    string `json:"job_id"`
	Position int    `json:"position"`
}

// JobView 对外展示的任务状态
type JobView struct {
	ID           string              `json:"id"`
	SourceURL    string              `json:"source_url"`
	Submitter    string              `json:"submitter"`
	Mode         model.AnalysisMode  `json:"mode"`
	Status       model.JobStatus     `json:"status"`
	Title        string              `json:"title,omitempty"`
	Position     int                 `json:"position,omitempty"`
	Summary      string              `json:"summary,omitempty"`
	Error        string              `json:"error,omitempty"`
	Attempts     map[model.Stage]int `json:"attempts"`
	StageResults []model.StageResult `json:"stage_results"`
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
	FinishedAt   *time.Time          `json:"finished_at,omitempty"`
}

// ServiceStats 队列和任务统计
type ServiceStats struct {
	Queue QueueStats              `json:"queue"`
	Jobs  map[model.JobStatus]int `json:"jobs"`
}

// JobService 提交、查询、取消任务的入口，供 HTTP、机器人和收件箱共用
type JobService struct {
	queue       *TaskQueue
	store       *JobStore
	views       *cache.Cache
	defaultMode model.AnalysisMode
	log         *logger.Logger
}

// NewJobService 创建任务服务
func NewJobService(queue *TaskQueue, store *JobStore, defaultMode model.AnalysisMode, log *logger.Logger) *JobService {
	return &JobService{
		queue:       queue,
		store:       store,
		views:       cache.New(30*time.Minute, 10*time.Minute),
		defaultMode: model.ParseMode(string(defaultMode), model.ModeKnowledge),
		log:         log.Named("jobs"),
	}
}

// Submit 创建任务记录并放入队列，队列已满时返回 ErrQueueFull
func (s *JobService) Submit(req SubmitRequest) (*SubmitResult, error) {
	source := strings.TrimSpace(req.SourceURL)
	if !IsSourceURL(source) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSource, req.SourceURL)
	}
	submitter := strings.TrimSpace(req.Submitter)
	if submitter == "" {
		submitter = "api"
	}

	job := model.NewJob(source, submitter, model.ParseMode(string(req.Mode), s.defaultMode))
	if err := s.store.Create(job); err != nil {
		return nil, err
	}
	if err := s.queue.Submit(job.ID); err != nil {
		if delErr := s.store.Delete(job.ID); delErr != nil {
			s.log.Warnf("回滚任务记录失败: %v", delErr)
		}
		if errors.Is(err, ErrQueueFull) {
			metrics.JobsRejected.Inc()
			s.log.Warnf("队列已满，拒绝任务: %s (%s)", source, submitter)
		}
		return nil, err
	}

	metrics.JobsSubmitted.WithLabelValues(metrics.SourceOf(submitter)).Inc()
	metrics.QueueLength.Set(float64(s.queue.Size()))

	position, err := s.queue.Position(job.ID)
	if err != nil {
		// 已经被取走
		position = 0
	}
	s.log.Infof("任务已加入队列: %s, 位置: %d, 链接: %s", job.ID, position, source)
	return &SubmitResult{JobID: job.ID, Position: position}, nil
}

// Status 查询任务状态。终态任务的结果会被缓存，重复查询返回相同内容。
func (s *JobService) Status(id string) (*JobView, error) {
	if cached, ok := s.views.Get(id); ok {
		view := cached.(JobView).clone()
		return &view, nil
	}

	job, err := s.store.Get(id)
	if err != nil {
		return nil, err
	}
	view := newJobView(job)
	if pos, err := s.queue.Position(id); err == nil {
		view.Position = pos
	}
	if job.Status.IsTerminal() {
		s.views.Set(id, view.clone(), cache.DefaultExpiration)
	}
	return &view, nil
}

// Cancel 取消仍在排队的任务。
// 重启后恢复的任务虽然在队列中，但状态已过 QUEUED，不能取消。
func (s *JobService) Cancel(id string) error {
	if _, err := s.store.Update(id, func(job *model.Job) error {
		// 先检查记录再出队，避免任务被移出队列却没有进入终态
		if job.Status != model.JobStatusQueued {
			return ErrNotCancellable
		}
		if !s.queue.Cancel(id) {
			return ErrNotCancellable
		}
		return job.Cancel()
	}); err != nil {
		return err
	}
	metrics.JobsFinished.WithLabelValues(string(model.JobStatusCancelled)).Inc()
	metrics.QueueLength.Set(float64(s.queue.Size()))
	s.log.Infof("任务已取消: %s", id)
	return nil
}

// List 列出任务
func (s *JobService) List(f JobFilter) ([]JobView, int) {
	jobs, total := s.store.List(f)
	views := make([]JobView, 0, len(jobs))
	for _, job := range jobs {
		view := newJobView(job)
		if pos, err := s.queue.Position(job.ID); err == nil {
			view.Position = pos
		}
		views = append(views, view)
	}
	return views, total
}

// Stats 队列统计
func (s *JobService) Stats() ServiceStats {
	return ServiceStats{
		Queue: s.queue.Stats(),
		Jobs:  s.store.Count(),
	}
}

// Restore 加载重启前未完成的任务。resume 为 false 时这些任务直接标记失败。
func (s *JobService) Restore(resume bool) (int, error) {
	unfinished, err := s.store.Load()
	if err != nil {
		return 0, err
	}

	restored := 0
	for _, job := range unfinished {
		if !resume {
			if _, err := s.store.Update(job.ID, func(j *model.Job) error {
				return j.Fail("服务重启，任务中断")
			}); err != nil {
				s.log.Warnf("标记中断任务失败: %s, %v", job.ID, err)
			}
			continue
		}
		if err := s.queue.Requeue(job.ID); err != nil {
			s.log.Warnf("恢复任务失败: %s, %v", job.ID, err)
			continue
		}
		restored++
		if next, ok := job.NextStage(); ok && job.Status != model.JobStatusQueued {
			s.log.Infof("恢复任务 %s，从 %s 阶段继续", job.ID, next)
		}
	}
	if len(unfinished) > 0 {
		s.log.Infof("启动时发现 %d 个未完成任务，已恢复 %d 个", len(unfinished), restored)
	}
	metrics.QueueLength.Set(float64(s.queue.Size()))
	return restored, nil
}

// Purge 删除早于 cutoff 的终态任务，返回被删除的 ID
func (s *JobService) Purge(statuses []model.JobStatus, cutoff time.Time) ([]string, error) {
	ids, err := s.store.PurgeFinished(statuses, cutoff)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		s.views.Delete(id)
	}
	return ids, nil
}

// IsSourceURL 是否为可提交的 http(s) 链接
func IsSourceURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func newJobView(job *model.Job) JobView {
	return JobView{
		ID:           job.ID,
		SourceURL:    job.SourceURL,
		Submitter:    job.Submitter,
		Mode:         job.Mode,
		Status:       job.Status,
		Title:        job.Title,
		Summary:      job.Summary(),
		Error:        job.Error,
		Attempts:     job.Attempts,
		StageResults: job.StageResults,
		CreatedAt:    job.CreatedAt,
		UpdatedAt:    job.UpdatedAt,
		FinishedAt:   job.FinishedAt,
	}
}

// clone 复制视图中的 map 和切片，缓存里的视图不与调用方共享
func (v JobView) clone() JobView {
	if v.Attempts != nil {
		attempts := make(map[model.Stage]int, len(v.Attempts))
		for stage, n := range v.Attempts {
			attempts[stage] = n
		}
		v.Attempts = attempts
	}
	if v.StageResults != nil {
		results := make([]model.StageResult, len(v.StageResults))
		for i, r := range v.StageResults {
			if r.Payload != nil {
				payload := make(map[string]string, len(r.Payload))
				for k, val := range r.Payload {
					payload[k] = val
				}
				r.Payload = payload
			}
			results[i] = r
		}
		v.StageResults = results
	}
	if v.FinishedAt != nil {
		finished := *v.FinishedAt
		v.FinishedAt = &finished
	}
	return v
}
