package model

import (
	"encoding/json"
	"strings"
)

// Media 下载得到的本地媒体
type Media struct {
	LocalPath string  `json:"local_path"`
	Duration  float64 `json:"duration"` // 秒
	Title     string  `json:"title"`
}

// Segment 带时间轴的字幕片段
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Transcript 语音识别结果
type Transcript struct {
	Text     string    `json:"text"`
	Segments []Segment `json:"segments"`
}

// JoinSegments 拼接片段文本
func JoinSegments(segments []Segment) string {
	lines := make([]string, 0, len(segments))
	for _, s := range segments {
		if t := strings.TrimSpace(s.Text); t != "" {
			lines = append(lines, t)
		}
	}
	return strings.Join(lines, "\n")
}

// EncodeSegments 序列化片段，写入阶段结果
func EncodeSegments(segments []Segment) (string, error) {
	if segments == nil {
		segments = []Segment{}
	}
	b, err := json.Marshal(segments)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodeSegments 反序列化阶段结果中的片段
func DecodeSegments(s string) ([]Segment, error) {
	if s == "" {
		return nil, nil
	}
	var segments []Segment
	if err := json.Unmarshal([]byte(s), &segments); err != nil {
		return nil, err
	}
	return segments, nil
}
