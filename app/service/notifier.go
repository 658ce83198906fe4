package service

import (
	"context"
	"strings"
	"sync"

	"video-digest/app/logger"
	"video-digest/app/pipeline"
)

// NotifierRouter 按提交者前缀（如 "tg:12345"）把消息转给对应的通知渠道。
// 没有匹配渠道时交给 fallback。
type NotifierRouter struct {
	mu       sync.RWMutex
	routes   map[string]pipeline.Notifier
	fallback pipeline.Notifier
}

// NewNotifierRouter 创建路由，fallback 为空时使用日志通知
func NewNotifierRouter(fallback pipeline.Notifier, log *logger.Logger) *NotifierRouter {
	if fallback == nil {
		fallback = NewLogNotifier(log)
	}
	return &NotifierRouter{
		routes:   make(map[string]pipeline.Notifier),
		fallback: fallback,
	}
}

// Register 注册前缀对应的渠道，渠道收到的是去掉前缀后的接收者
func (r *NotifierRouter) Register(prefix string, n pipeline.Notifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[prefix] = n
}

// Notify 实现 pipeline.Notifier
func (r *NotifierRouter) Notify(ctx context.Context, submitter, message string) (bool, error) {
	if prefix, recipient, found := strings.Cut(submitter, ":"); found {
		r.mu.RLock()
		n, ok := r.routes[prefix]
		r.mu.RUnlock()
		if ok {
			return n.Notify(ctx, recipient, message)
		}
	}
	return r.fallback.Notify(ctx, submitter, message)
}

// LogNotifier 只把消息写入日志，用于 API 和收件箱提交的任务
type LogNotifier struct {
	log *logger.Logger
}

// NewLogNotifier 创建日志通知
func NewLogNotifier(log *logger.Logger) *LogNotifier {
	return &LogNotifier{log: log.Named("notify")}
}

func (n *LogNotifier) Notify(_ context.Context, submitter, message string) (bool, error) {
	n.log.Infof("📨 通知 %s:\n%s", submitter, message)
	return true, nil
}
