package handler

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"video-digest/app/logger"
	"video-digest/app/model"
	"video-digest/app/service"

	"github.com/gin-gonic/gin"
)

const maxPageSize = 100

// JobHandler 任务提交和查询接口
type JobHandler struct {
	jobs *service.JobService
	log  *logger.Logger
}

// NewJobHandler 创建任务处理器
func NewJobHandler(jobs *service.JobService, log *logger.Logger) *JobHandler {
	return &JobHandler{
		jobs: jobs,
		log:  log.Named("api"),
	}
}

// Submit 提交任务。未指定提交者时使用 "api:<用户名>"，结果只记录到日志。
func (h *JobHandler) Submit(c *gin.Context) {
	var req service.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "请求参数错误: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Submitter) == "" {
		req.Submitter = "api:" + c.GetString("username")
	}

	res, err := h.jobs.Submit(req)
	switch {
	case errors.Is(err, service.ErrQueueFull):
		fail(c, http.StatusTooManyRequests, "队列已满，请稍后再试")
		return
	case errors.Is(err, service.ErrInvalidSource):
		fail(c, http.StatusBadRequest, "无效的视频链接")
		return
	case err != nil:
		h.log.Errorf("提交任务失败: %v", err)
		fail(c, http.StatusInternalServerError, "提交任务失败")
		return
	}

	c.JSON(http.StatusAccepted, ApiResponse{Code: 0, Message: "任务已加入队列", Data: res})
}

// Get 查询任务状态
func (h *JobHandler) Get(c *gin.Context) {
	view, err := h.jobs.Status(c.Param("id"))
	if err != nil {
		if errors.Is(err, service.ErrJobNotFound) {
			fail(c, http.StatusNotFound, "任务不存在")
			return
		}
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	success(c, view, "success")
}

// Cancel 取消排队中的任务
func (h *JobHandler) Cancel(c *gin.Context) {
	id := c.Param("id")
	switch err := h.jobs.Cancel(id); {
	case err == nil:
		success(c, gin.H{"id": id, "status": model.JobStatusCancelled}, "任务已取消")
	case errors.Is(err, service.ErrJobNotFound):
		fail(c, http.StatusNotFound, "任务不存在")
	case errors.Is(err, service.ErrNotCancellable):
		fail(c, http.StatusConflict, "任务已开始处理或已结束，无法取消")
	default:
		h.log.Errorf("取消任务失败: %s, %v", id, err)
		fail(c, http.StatusInternalServerError, "取消任务失败")
	}
}

// List 分页列出任务，可按状态和提交者过滤
func (h *JobHandler) List(c *gin.Context) {
	filter := service.JobFilter{
		Status:    model.JobStatus(strings.ToUpper(c.Query("status"))),
		Submitter: c.Query("submitter"),
		Offset:    queryInt(c, "offset", 0),
		Limit:     queryInt(c, "limit", 20),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		fail(c, http.StatusBadRequest, "无效的状态: "+c.Query("status"))
		return
	}
	if filter.Limit <= 0 || filter.Limit > maxPageSize {
		filter.Limit = maxPageSize
	}

	views, total := h.jobs.List(filter)
	success(c, PageData{
		Items:  views,
		Total:  total,
		Offset: filter.Offset,
		Limit:  filter.Limit,
	}, "success")
}

// Stats 队列统计
func (h *JobHandler) Stats(c *gin.Context) {
	success(c, h.jobs.Stats(), "success")
}

func queryInt(c *gin.Context, key string, def int) int {
	v, err := strconv.Atoi(c.Query(key))
	if err != nil || v < 0 {
		return def
	}
	return v
}
