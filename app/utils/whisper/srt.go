package whisper

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"video-digest/app/model"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// ParseSRT 解析 SRT 字幕。带 BOM 的 UTF-8/UTF-16 文件会按 BOM 解码。
func ParseSRT(r io.Reader) ([]model.Segment, error) {
	decoder := unicode.BOMOverride(unicode.UTF8.NewDecoder())
	scanner := bufio.NewScanner(transform.NewReader(r, decoder))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var (
		segments []model.Segment
		current  *model.Segment
		text     []string
		line     int
	)
	flush := func() {
		if current != nil {
			current.Text = strings.TrimSpace(strings.Join(text, " "))
			if current.Text != "" {
				segments = append(segments, *current)
			}
		}
		current, text = nil, nil
	}

	for scanner.Scan() {
		line++
		s := strings.TrimSpace(strings.TrimRight(scanner.Text(), "\r"))
		switch {
		case s == "":
			flush()
		case current == nil && strings.Contains(s, "-->"):
			start, end, err := parseTiming(s)
			if err != nil {
				return nil, fmt.Errorf("第 %d 行: %w", line, err)
			}
			current = &model.Segment{Start: start, End: end}
		case current == nil:
			// 序号行
		default:
			text = append(text, s)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	flush()
	return segments, nil
}

func parseTiming(s string) (float64, float64, error) {
	parts := strings.SplitN(s, "-->", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("无效的时间轴: %q", s)
	}
	start, err := parseTimestamp(parts[0])
	if err != nil {
		return 0, 0, err
	}
	// 结束时间后面可能跟着位置参数
	endField := strings.Fields(parts[1])
	if len(endField) == 0 {
		return 0, 0, fmt.Errorf("无效的时间轴: %q", s)
	}
	end, err := parseTimestamp(endField[0])
	if err != nil {
		return 0, 0, err
	}
	return start, end, nil
}

// parseTimestamp 解析 00:01:02,345 或 00:01:02.345
func parseTimestamp(s string) (float64, error) {
	s = strings.TrimSpace(strings.Replace(s, ",", ".", 1))
	fields := strings.Split(s, ":")
	if len(fields) != 3 {
		return 0, fmt.Errorf("无效的时间: %q", s)
	}
	h, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, fmt.Errorf("无效的时间: %q", s)
	}
	m, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, fmt.Errorf("无效的时间: %q", s)
	}
	sec, err := strconv.ParseFloat(fields[2], 64)
	if err != nil {
		return 0, fmt.Errorf("无效的时间: %q", s)
	}
	return float64(h*3600+m*60) + sec, nil
}
