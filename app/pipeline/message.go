package pipeline

import (
	"fmt"
	"strings"
	"time"

	"video-digest/app/model"
)

// MaxSummaryRunes 结果消息中摘要的最大长度
const MaxSummaryRunes = 2000

// ResultMessage 成功时发给提交者的消息
func ResultMessage(job *model.Job) string {
	var b strings.Builder
	b.WriteString("✅ 分析完成！\n\n")
	if title := job.Output(model.StageDownload, model.PayloadTitle); title != "" {
		fmt.Fprintf(&b, "📺 %s\n", title)
	}
	fmt.Fprintf(&b, "🔗 %s\n", job.SourceURL)
	if len(job.StageResults) > 0 {
		elapsed := time.Since(job.StageResults[0].StartedAt)
		fmt.Fprintf(&b, "⏱️ 耗时: %.1f 秒\n", elapsed.Seconds())
	}
	b.WriteString("\n---\n\n")

	summary := []rune(job.Summary())
	if len(summary) > MaxSummaryRunes {
		b.WriteString(string(summary[:MaxSummaryRunes]))
		b.WriteString("\n\n...（内容过长，已截断）")
	} else {
		b.WriteString(string(summary))
	}
	return b.String()
}

// FailureMessage 失败时发给提交者的消息
func FailureMessage(job *model.Job) string {
	reason := job.Error
	if reason == "" {
		reason = "未知错误"
	}
	return fmt.Sprintf("❌ 任务失败\n\n任务ID: %s\n链接: %s\n错误: %s", job.ID, job.SourceURL, reason)
}

// StartMessage 开始处理时的进度消息
func StartMessage(job *model.Job) string {
	return fmt.Sprintf("🔄 开始处理 %s\n%s", job.ID, job.SourceURL)
}
