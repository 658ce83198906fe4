package bot

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"video-digest/app/logger"
	"video-digest/app/model"
	"video-digest/app/service"
	"video-digest/app/utils/telegram"
)

// SubmitterPrefix 机器人提交的任务的提交者前缀，通知按它路由回会话
const SubmitterPrefix = "tg"

var urlPattern = regexp.MustCompile(`https?://[^\s<>"'，。！]+`)

// UpdateSource 长轮询更新来源
type UpdateSource interface {
	GetUpdates(ctx context.Context, offset int64) ([]telegram.Update, error)
}

// Replier 回复会话
type Replier interface {
	Notify(ctx context.Context, recipient, message string) (bool, error)
}

// JobAPI 机器人用到的任务操作
type JobAPI interface {
	Submit(req service.SubmitRequest) (*service.SubmitResult, error)
	Status(id string) (*service.JobView, error)
	Cancel(id string) error
	List(f service.JobFilter) ([]service.JobView, int)
	Stats() service.ServiceStats
}

// Bot Telegram 前端：收链接、提交任务、回答查询
type Bot struct {
	updates UpdateSource
	reply   Replier
	jobs    JobAPI
	allowed map[int64]bool
	retry   time.Duration
	log     *logger.Logger
}

// New 创建机器人，allowedUsers 为空表示允许所有人
func New(updates UpdateSource, reply Replier, jobs JobAPI, allowedUsers []int64, log *logger.Logger) *Bot {
	allowed := make(map[int64]bool, len(allowedUsers))
	for _, id := range allowedUsers {
		allowed[id] = true
	}
	return &Bot{
		updates: updates,
		reply:   reply,
		jobs:    jobs,
		allowed: allowed,
		retry:   5 * time.Second,
		log:     log.Named("bot"),
	}
}

// Run 长轮询直到 ctx 结束
func (b *Bot) Run(ctx context.Context) {
	b.log.Info("Telegram 机器人开始接收消息")
	var offset int64
	for {
		updates, err := b.updates.GetUpdates(ctx, offset)
		if err != nil {
			if ctx.Err() != nil {
				b.log.Info("Telegram 机器人已停止")
				return
			}
			b.log.Warnf("获取更新失败: %v，%s 后重试", err, b.retry)
			select {
			case <-ctx.Done():
				return
			case <-time.After(b.retry):
			}
			continue
		}
		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			if u.Message != nil {
				b.Handle(ctx, u.Message)
			}
		}
	}
}

// Handle 处理一条消息
func (b *Bot) Handle(ctx context.Context, msg *telegram.Message) {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		text = strings.TrimSpace(msg.Caption)
	}
	if text == "" {
		return
	}
	if !b.isAllowed(msg) {
		b.log.Warnf("拒绝未授权用户: chat=%d", msg.Chat.ID)
		b.send(ctx, msg.Chat.ID, "⛔ 你没有使用权限")
		return
	}

	if strings.HasPrefix(text, "/") {
		b.command(ctx, msg, text)
		return
	}
	b.submit(ctx, msg.Chat.ID, text, "")
}

func (b *Bot) command(ctx context.Context, msg *telegram.Message, text string) {
	fields := strings.Fields(text)
	// 群聊中命令可能带 @botname
	cmd, _, _ := strings.Cut(strings.ToLower(fields[0]), "@")
	arg := strings.TrimSpace(strings.TrimPrefix(text, fields[0]))
	chatID := msg.Chat.ID

	switch cmd {
	case "/start":
		name := ""
		if msg.From != nil {
			name = msg.From.FirstName
		}
		b.send(ctx, chatID, startMessage(name))
	case "/help":
		b.send(ctx, chatID, helpMessage)
	case "/status":
		b.send(ctx, chatID, statusMessage(b.jobs.Stats()))
	case "/job":
		b.jobStatus(ctx, chatID, arg)
	case "/cancel":
		b.cancel(ctx, chatID, arg)
	case "/list":
		b.list(ctx, chatID)
	case "/knowledge", "/summary", "/highlights":
		b.submit(ctx, chatID, arg, model.AnalysisMode(strings.TrimPrefix(cmd, "/")))
	default:
		b.send(ctx, chatID, "未知命令，发送 /help 查看帮助")
	}
}

// submit 提交消息中的第一个链接。消息里带模式关键词时使用该模式。
func (b *Bot) submit(ctx context.Context, chatID int64, text string, mode model.AnalysisMode) {
	link := urlPattern.FindString(text)
	if link == "" {
		b.send(ctx, chatID, "⚠️ 没有找到视频链接\n\n请发送 B站/小红书/YouTube 等视频链接")
		return
	}
	if mode == "" {
		mode = modeFromText(strings.Replace(text, link, "", 1))
	}

	res, err := b.jobs.Submit(service.SubmitRequest{
		SourceURL: link,
		Submitter: fmt.Sprintf("%s:%d", SubmitterPrefix, chatID),
		Mode:      mode,
	})
	switch {
	case errors.Is(err, service.ErrQueueFull):
		stats := b.jobs.Stats().Queue
		b.send(ctx, chatID, fmt.Sprintf("⚠️ 队列已满 (%d/%d)，请稍后再试", stats.Queued, stats.Capacity))
		return
	case errors.Is(err, service.ErrInvalidSource):
		b.send(ctx, chatID, "⚠️ 不支持的链接")
		return
	case err != nil:
		b.log.Errorf("提交任务失败: %v", err)
		b.send(ctx, chatID, "❌ 提交失败，请稍后再试")
		return
	}

	b.send(ctx, chatID, fmt.Sprintf("🎬 收到视频！\n\n任务ID: `%s`\n模式: %s\n队列位置: %d\n\n完成后会发送结果，排队中可以 /cancel %s",
		res.JobID, modeName(model.ParseMode(string(mode), "")), res.Position, res.JobID))
}

func (b *Bot) jobStatus(ctx context.Context, chatID int64, id string) {
	if id == "" {
		b.send(ctx, chatID, "用法: /job <任务ID>")
		return
	}
	view, err := b.jobs.Status(id)
	if err != nil || !b.owns(view, chatID) {
		b.send(ctx, chatID, "⚠️ 任务不存在")
		return
	}
	b.send(ctx, chatID, jobMessage(view))
}

func (b *Bot) cancel(ctx context.Context, chatID int64, id string) {
	if id == "" {
		b.send(ctx, chatID, "用法: /cancel <任务ID>")
		return
	}
	view, err := b.jobs.Status(id)
	if err != nil || !b.owns(view, chatID) {
		b.send(ctx, chatID, "⚠️ 任务不存在")
		return
	}
	switch err := b.jobs.Cancel(id); {
	case err == nil:
		b.send(ctx, chatID, fmt.Sprintf("🚫 任务 %s 已取消", id))
	case errors.Is(err, service.ErrNotCancellable):
		b.send(ctx, chatID, fmt.Sprintf("⚠️ 任务 %s 已开始处理或已结束，无法取消", id))
	default:
		b.send(ctx, chatID, "⚠️ 任务不存在")
	}
}

func (b *Bot) list(ctx context.Context, chatID int64) {
	views, total := b.jobs.List(service.JobFilter{
		Submitter: fmt.Sprintf("%s:%d", SubmitterPrefix, chatID),
		Limit:     5,
	})
	if total == 0 {
		b.send(ctx, chatID, "还没有提交过任务")
		return
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "📋 最近的任务（共 %d 个）\n\n", total)
	for _, v := range views {
		fmt.Fprintf(&sb, "%s `%s` %s\n", statusIcon(v.Status), v.ID, v.SourceURL)
	}
	b.send(ctx, chatID, sb.String())
}

// owns 只能查看和取消自己会话提交的任务
func (b *Bot) owns(view *service.JobView, chatID int64) bool {
	return view.Submitter == fmt.Sprintf("%s:%d", SubmitterPrefix, chatID)
}

func (b *Bot) isAllowed(msg *telegram.Message) bool {
	if len(b.allowed) == 0 {
		return true
	}
	if msg.From != nil && b.allowed[msg.From.ID] {
		return true
	}
	return b.allowed[msg.Chat.ID]
}

func (b *Bot) send(ctx context.Context, chatID int64, text string) {
	if _, err := b.reply.Notify(ctx, strconv.FormatInt(chatID, 10), text); err != nil {
		b.log.Warnf("回复消息失败: chat=%d, %v", chatID, err)
	}
}

func modeFromText(text string) model.AnalysisMode {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "highlights") || strings.Contains(text, "金句"):
		return model.ModeHighlights
	case strings.Contains(lower, "summary") || strings.Contains(text, "总结"):
		return model.ModeSummary
	case strings.Contains(lower, "knowledge") || strings.Contains(text, "笔记"):
		return model.ModeKnowledge
	}
	return ""
}
