package llm

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"video-digest/app/model"
	"video-digest/app/pipeline"
)

// maxInputRunes 摘要输入的最大长度，超出部分截断
const maxInputRunes = 30000

var numberedLine = regexp.MustCompile(`^\s*(\d+)[.、)）:：]\s*(.*)$`)

// Optimize 实现 pipeline.Optimizer，按批校对字幕，时间轴保持不变。
// 某一批返回的行数对不上时保留该批原文。
func (c *Client) Optimize(ctx context.Context, segments []model.Segment) ([]model.Segment, error) {
	out := make([]model.Segment, len(segments))
	copy(out, segments)

	batches := (len(segments) + c.cfg.BatchSize - 1) / c.cfg.BatchSize
	for b := 0; b < batches; b++ {
		start := b * c.cfg.BatchSize
		end := min(start+c.cfg.BatchSize, len(segments))
		batch := segments[start:end]

		var lines strings.Builder
		for i, seg := range batch {
			fmt.Fprintf(&lines, "%d. %s\n", i+1, strings.TrimSpace(seg.Text))
		}
		reply, err := c.Chat(ctx, c.cfg.OptimizeModel, []Message{
			{Role: "system", Content: optimizeSystemPrompt},
			{Role: "user", Content: fmt.Sprintf(optimizePrompt, len(batch), strings.TrimRight(lines.String(), "\n"), len(batch))},
		})
		if err != nil {
			return nil, err
		}

		optimized, ok := parseNumbered(reply, len(batch))
		if !ok {
			c.log.Warnf("第 %d/%d 批优化结果行数不符，保留原文", b+1, batches)
			continue
		}
		for i, text := range optimized {
			out[start+i].Text = text
		}
	}
	return out, nil
}

// parseNumbered 按编号取回每一行，缺行或多行时返回 false
func parseNumbered(reply string, want int) ([]string, bool) {
	result := make([]string, want)
	filled := 0
	for _, line := range strings.Split(reply, "\n") {
		m := numberedLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 1 || n > want {
			return nil, false
		}
		if result[n-1] == "" {
			filled++
		}
		result[n-1] = strings.TrimSpace(m[2])
	}
	if filled != want {
		return nil, false
	}
	for _, text := range result {
		if text == "" {
			return nil, false
		}
	}
	return result, true
}

// Summarize 实现 pipeline.Summarizer
func (c *Client) Summarize(ctx context.Context, text string, sc pipeline.SummaryContext) (string, error) {
	runes := []rune(text)
	truncated := false
	if len(runes) > maxInputRunes {
		runes = runes[:maxInputRunes]
		truncated = true
	}

	var user strings.Builder
	user.WriteString(promptFor(sc.Mode))
	user.WriteString("\n\n")
	if sc.Title != "" {
		fmt.Fprintf(&user, "视频标题：%s\n", sc.Title)
	}
	fmt.Fprintf(&user, "视频链接：%s\n", sc.SourceURL)
	if truncated {
		user.WriteString("（字幕过长，仅提供前半部分）\n")
	}
	user.WriteString("\n字幕文本：\n")
	user.WriteString(string(runes))

	return c.Chat(ctx, c.cfg.SummarizeModel, []Message{
		{Role: "system", Content: summarySystemPrompt},
		{Role: "user", Content: user.String()},
	})
}
