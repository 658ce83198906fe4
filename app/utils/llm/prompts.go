package llm

import "video-digest/app/model"

const optimizeSystemPrompt = "你是专业的字幕校对员，只输出校对后的字幕，不要解释。"

// optimizePrompt 字幕优化提示词，%d 为行数，%s 为带编号的原文
const optimizePrompt = `请优化以下视频字幕文本：

1. 修正错别字
2. 添加标点符号
3. 改善语句流畅度
4. 保持原意，不添加新内容
5. 保留每行开头的编号，行数保持不变

原文（%d行）：
%s

优化后（%d行，每行一个）：`

const summarySystemPrompt = "你是一个擅长整理视频内容的助手，根据字幕文本输出结构清晰的中文 Markdown。"

var modePrompts = map[model.AnalysisMode]string{
	model.ModeKnowledge: `请分析这个视频，生成知识型笔记：

1. **核心观点**（3-5个要点）
2. **关键概念**（专业术语解释）
3. **金句摘录**（最有价值的句子）
4. **思维导图**（内容结构）
5. **可行动建议**（具体怎么做）

请用 Markdown 格式输出，清晰易读。`,

	model.ModeSummary: `请总结这个视频的内容：

1. **主要内容**（简述）
2. **关键信息**（3-5个要点）
3. **结论/启示**

请用 Markdown 格式输出，简洁明了。`,

	model.ModeHighlights: `请从这个视频中提取金句和亮点：

1. **金句**（有深度的句子）
2. **精彩片段**（印象深刻的部分）
3. **值得引用的话**

请用 Markdown 格式输出。`,
}

func promptFor(mode model.AnalysisMode) string {
	if p, ok := modePrompts[mode]; ok {
		return p
	}
	return modePrompts[model.ModeKnowledge]
}
