package service

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"video-digest/app/logger"
	"video-digest/app/model"

	"gorm.io/gorm"
)

// JobStore 任务记录存储。内存中保存全部记录，db 非空时同步写入 sqlite。
// 对外返回的都是副本。
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]*model.Job
	db   *gorm.DB
	log  *logger.Logger
}

// NewJobStore 创建存储，db 可以为 nil
func NewJobStore(db *gorm.DB, log *logger.Logger) *JobStore {
	return &JobStore{
		jobs: make(map[string]*model.Job),
		db:   db,
		log:  log,
	}
}

// Create 保存新任务，ID 重复时返回错误
func (s *JobStore) Create(job *model.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("任务 %s 已存在", job.ID)
	}
	if s.db != nil {
		if err := s.db.Create(job).Error; err != nil {
			return fmt.Errorf("保存任务失败: %w", err)
		}
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

// Save 覆盖保存任务。内存记录总会更新，数据库写入失败时返回错误。
func (s *JobStore) Save(job *model.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.jobs[job.ID] = job.Clone()
	if s.db != nil {
		if err := s.db.Save(job).Error; err != nil {
			return fmt.Errorf("保存任务失败: %w", err)
		}
	}
	return nil
}

// Update 在锁内修改任务并保存，fn 返回错误时不做任何修改
func (s *JobStore) Update(id string, fn func(job *model.Job) error) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	job := current.Clone()
	if err := fn(job); err != nil {
		return nil, err
	}
	s.jobs[id] = job
	if s.db != nil {
		if err := s.db.Save(job).Error; err != nil {
			s.log.Warnf("任务 %s 写入数据库失败: %v", id, err)
		}
	}
	return job.Clone(), nil
}

// Get 获取任务副本
func (s *JobStore) Get(id string) (*model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job.Clone(), nil
}

// Delete 删除任务
func (s *JobStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return ErrJobNotFound
	}
	delete(s.jobs, id)
	if s.db != nil {
		if err := s.db.Delete(&model.Job{}, "id = ?", id).Error; err != nil {
			return fmt.Errorf("删除任务失败: %w", err)
		}
	}
	return nil
}

// JobFilter 列表过滤条件
type JobFilter struct {
	Status    model.JobStatus
	Submitter string
	Offset    int
	Limit     int
}

// List 按创建时间倒序列出任务，返回当前页和总数
func (s *JobStore) List(f JobFilter) ([]*model.Job, int) {
	s.mu.RLock()
	matched := make([]*model.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if f.Status != "" && job.Status != f.Status {
			continue
		}
		if f.Submitter != "" && job.Submitter != f.Submitter {
			continue
		}
		matched = append(matched, job.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	if f.Offset > 0 {
		if f.Offset >= total {
			return []*model.Job{}, total
		}
		matched = matched[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(matched) {
		matched = matched[:f.Limit]
	}
	return matched, total
}

// Load 从数据库加载全部任务，返回未结束的任务，按创建时间正序
func (s *JobStore) Load() ([]*model.Job, error) {
	if s.db == nil {
		return nil, nil
	}

	var jobs []*model.Job
	if err := s.db.Order("created_at ASC").Find(&jobs).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("加载任务失败: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var unfinished []*model.Job
	for _, job := range jobs {
		if job.Attempts == nil {
			job.Attempts = make(map[model.Stage]int)
		}
		s.jobs[job.ID] = job
		if !job.Status.IsTerminal() {
			unfinished = append(unfinished, job.Clone())
		}
	}
	return unfinished, nil
}

// PurgeFinished 删除指定终态且结束时间早于 cutoff 的任务，返回被删除的 ID
func (s *JobStore) PurgeFinished(statuses []model.JobStatus, cutoff time.Time) ([]string, error) {
	wanted := make(map[model.JobStatus]bool, len(statuses))
	for _, st := range statuses {
		wanted[st] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, job := range s.jobs {
		if !wanted[job.Status] || job.FinishedAt == nil || !job.FinishedAt.Before(cutoff) {
			continue
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	if s.db != nil {
		if err := s.db.Where("id IN ?", ids).Delete(&model.Job{}).Error; err != nil {
			return nil, fmt.Errorf("清理任务失败: %w", err)
		}
	}
	for _, id := range ids {
		delete(s.jobs, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Count 按状态统计任务数
func (s *JobStore) Count() map[model.JobStatus]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[model.JobStatus]int)
	for _, job := range s.jobs {
		counts[job.Status]++
	}
	return counts
}
