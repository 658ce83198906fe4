package service

import (
	"os"
	"time"

	"video-digest/app/config"
	"video-digest/app/logger"
	"video-digest/app/model"
	"video-digest/app/utils/pathhelper"

	"github.com/robfig/cron/v3"
)

// RetentionService 定期清理过期的终态任务及其工作目录
type RetentionService struct {
	jobs    *JobService
	workDir string
	cfg     config.RetentionConfig
	cron    *cron.Cron
	now     func() time.Time
	log     *logger.Logger
}

// NewRetentionService 创建清理服务
func NewRetentionService(jobs *JobService, workDir string, cfg config.RetentionConfig, log *logger.Logger) *RetentionService {
	return &RetentionService{
		jobs:    jobs,
		workDir: workDir,
		cfg:     cfg,
		now:     time.Now,
		log:     log.Named("retention"),
	}
}

// Start 按 cron 表达式启动定时清理，启动时先执行一次
func (r *RetentionService) Start() error {
	schedule := r.cfg.Schedule
	if schedule == "" {
		schedule = "@hourly"
	}

	r.cron = cron.New()
	if _, err := r.cron.AddFunc(schedule, func() { r.Sweep() }); err != nil {
		return err
	}
	r.Sweep()
	r.cron.Start()
	r.log.Infof("任务清理已启动: %s", schedule)
	return nil
}

// Stop 停止定时清理，等待正在执行的清理结束
func (r *RetentionService) Stop() {
	if r.cron == nil {
		return
	}
	<-r.cron.Stop().Done()
}

// Sweep 执行一次清理，返回删除的任务数
func (r *RetentionService) Sweep() int {
	removed := 0
	if r.cfg.DoneDays > 0 {
		removed += r.purge([]model.JobStatus{model.JobStatusDone}, r.cfg.DoneDays)
	}
	if r.cfg.FailedDays > 0 {
		removed += r.purge([]model.JobStatus{model.JobStatusFailed, model.JobStatusCancelled}, r.cfg.FailedDays)
	}
	return removed
}

func (r *RetentionService) purge(statuses []model.JobStatus, days int) int {
	cutoff := r.now().AddDate(0, 0, -days)
	ids, err := r.jobs.Purge(statuses, cutoff)
	if err != nil {
		r.log.Errorf("清理任务失败: %v", err)
		return 0
	}
	for _, id := range ids {
		if r.workDir == "" {
			continue
		}
		dir, err := pathhelper.SafeJoin(r.workDir, id)
		if err != nil {
			r.log.Warnf("跳过工作目录: %v", err)
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			r.log.Warnf("删除工作目录失败: %s, %v", id, err)
		}
	}
	if len(ids) > 0 {
		r.log.Infof("清理了 %d 个 %v 任务（超过 %d 天）", len(ids), statuses, days)
	}
	return len(ids)
}
