package bot

import (
	"fmt"
	"strings"
	"time"

	"video-digest/app/model"
	"video-digest/app/service"
)

const helpMessage = `📖 *使用帮助*

*提交视频*
直接发送视频链接，或在链接后写上模式关键词（总结/金句/笔记）
也可以用命令指定模式:
/knowledge <链接> 知识型笔记
/summary <链接> 内容总结
/highlights <链接> 金句提取

*查询*
/status 队列状态
/list 我最近的任务
/job <任务ID> 任务详情
/cancel <任务ID> 取消排队中的任务

*注意事项*
• 视频大小建议 < 500MB
• 分析耗时约 1-5 分钟`

func startMessage(name string) string {
	greeting := "👋 你好！"
	if name != "" {
		greeting = fmt.Sprintf("👋 你好，%s！", name)
	}
	return greeting + `

我是*视频分析 Bot*，会下载视频、转写字幕并用 AI 整理内容。

🎬 支持 B站、小红书、YouTube 等 yt-dlp 能解析的平台

🤖 *分析模式*
• 知识型笔记 - 核心观点、概念、金句
• 内容总结 - 简洁摘要
• 金句提取 - 精彩句子

发送 /help 查看详细帮助，现在请发送一个视频链接！`
}

func statusMessage(stats service.ServiceStats) string {
	return fmt.Sprintf(`📊 *系统状态*

🔄 队列: %d 排队 / %d 处理中 (容量 %d)
✅ 已完成: %d 个
❌ 失败: %d 个

🕐 %s`,
		stats.Queue.Queued, stats.Queue.Active, stats.Queue.Capacity,
		stats.Jobs[model.JobStatusDone], stats.Jobs[model.JobStatusFailed],
		time.Now().Format("2006-01-02 15:04:05"))
}

func jobMessage(v *service.JobView) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s 任务 `%s`\n\n", statusIcon(v.Status), v.ID)
	if v.Title != "" {
		fmt.Fprintf(&b, "📺 %s\n", v.Title)
	}
	fmt.Fprintf(&b, "🔗 %s\n", v.SourceURL)
	fmt.Fprintf(&b, "模式: %s\n", modeName(v.Mode))
	fmt.Fprintf(&b, "状态: %s\n", v.Status)
	if v.Status == model.JobStatusQueued && v.Position > 0 {
		fmt.Fprintf(&b, "队列位置: %d\n", v.Position)
	}
	if len(v.StageResults) > 0 {
		b.WriteString("\n阶段记录:\n")
		for _, r := range v.StageResults {
			mark := "✅"
			if !r.Success {
				mark = "⚠️"
			}
			fmt.Fprintf(&b, "%s %s 第 %d 次 (%.1fs)\n", mark, r.Stage, r.Attempt, r.FinishedAt.Sub(r.StartedAt).Seconds())
		}
	}
	if v.Error != "" {
		fmt.Fprintf(&b, "\n错误: %s\n", v.Error)
	}
	return b.String()
}

func statusIcon(s model.JobStatus) string {
	switch s {
	case model.JobStatusQueued:
		return "⏳"
	case model.JobStatusDone:
		return "✅"
	case model.JobStatusFailed:
		return "❌"
	case model.JobStatusCancelled:
		return "🚫"
	}
	return "🔄"
}

func modeName(mode model.AnalysisMode) string {
	switch mode {
	case model.ModeKnowledge:
		return "知识型笔记"
	case model.ModeSummary:
		return "内容总结"
	case model.ModeHighlights:
		return "金句提取"
	}
	return "默认"
}
