package whisper

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"video-digest/app/config"
	"video-digest/app/logger"
	"video-digest/app/model"
	"video-digest/app/pipeline"
	"video-digest/app/utils/shell"
)

const (
	EngineWhisper    = "whisper"
	EngineWhisperCPP = "whisper.cpp"
)

// Client 调用本地 whisper 命令行生成 SRT 字幕
type Client struct {
	cfg config.TranscriberConfig
	run shell.Runner
	log *logger.Logger
}

// New 创建识别器
func New(cfg config.TranscriberConfig, log *logger.Logger) *Client {
	if cfg.Engine == "" {
		cfg.Engine = EngineWhisper
	}
	if cfg.Binary == "" {
		cfg.Binary = cfg.Engine
	}
	if cfg.FFmpeg == "" {
		cfg.FFmpeg = "ffmpeg"
	}
	return &Client{cfg: cfg, run: shell.Run, log: log.Named("whisper")}
}

// Transcribe 实现 pipeline.Transcriber，输出写在媒体文件同目录
func (c *Client) Transcribe(ctx context.Context, localPath string) (*model.Transcript, error) {
	if _, err := os.Stat(localPath); err != nil {
		return nil, pipeline.Fatalf("媒体文件不存在: %w", err)
	}
	dir := filepath.Dir(localPath)
	base := strings.TrimSuffix(filepath.Base(localPath), filepath.Ext(localPath))
	srtPath := filepath.Join(dir, base+".srt")

	var err error
	switch c.cfg.Engine {
	case EngineWhisperCPP:
		err = c.runWhisperCPP(ctx, localPath, filepath.Join(dir, base))
	default:
		err = c.runWhisper(ctx, localPath, dir)
	}
	if err != nil {
		return nil, err
	}

	f, err := os.Open(srtPath)
	if err != nil {
		return nil, pipeline.Retryablef("识别完成但缺少字幕文件: %w", err)
	}
	defer f.Close()

	segments, err := ParseSRT(f)
	if err != nil {
		return nil, pipeline.Fatalf("解析字幕失败: %w", err)
	}
	if len(segments) == 0 {
		return nil, pipeline.Fatalf("没有识别到语音内容")
	}
	c.log.Infof("识别完成: %s, %d 段", localPath, len(segments))
	return &model.Transcript{Text: model.JoinSegments(segments), Segments: segments}, nil
}

// runWhisper openai-whisper 命令行
func (c *Client) runWhisper(ctx context.Context, mediaPath, outDir string) error {
	args := []string{
		mediaPath,
		"--model", c.cfg.Model,
		"--output_format", "srt",
		"--output_dir", outDir,
		"--verbose", "False",
	}
	if lang := normalizeLanguage(c.cfg.Language); lang != "" {
		args = append(args, "--language", lang)
	}
	return c.exec(ctx, c.cfg.Binary, args)
}

// runWhisperCPP 先用 ffmpeg 转成 16k 单声道 wav，再调用 whisper.cpp
func (c *Client) runWhisperCPP(ctx context.Context, mediaPath, outBase string) error {
	wavPath := outBase + ".16k.wav"
	ffArgs := []string{
		"-hide_banner", "-nostdin", "-y",
		"-i", mediaPath,
		"-vn", "-ac", "1", "-ar", "16000", "-c:a", "pcm_s16le",
		wavPath,
	}
	if err := c.exec(ctx, c.cfg.FFmpeg, ffArgs); err != nil {
		return err
	}
	defer os.Remove(wavPath)

	args := []string{"-m", c.cfg.Model, "-f", wavPath, "-of", outBase, "-osrt"}
	if lang := normalizeLanguage(c.cfg.Language); lang != "" {
		args = append(args, "-l", lang)
	}
	return c.exec(ctx, c.cfg.Binary, args)
}

func (c *Client) exec(ctx context.Context, name string, args []string) error {
	c.log.Debugf("执行: %s %s", name, strings.Join(args, " "))
	res, err := c.run(ctx, name, args...)
	if err == nil {
		return nil
	}
	if errors.Is(err, exec.ErrNotFound) {
		return pipeline.Fatalf("未找到 %s: %w", name, err)
	}
	if ctx.Err() != nil {
		return err
	}
	stderr := ""
	if res != nil {
		stderr = shell.Tail(res.Stderr, 500)
	}
	if strings.Contains(stderr, "Invalid data found") || strings.Contains(stderr, "does not contain any stream") {
		return pipeline.Fatalf("%s 无法处理媒体文件: %s", name, stderr)
	}
	return pipeline.Retryablef("%s 执行失败: %v: %s", name, err, stderr)
}

// normalizeLanguage auto 和空值表示自动识别
func normalizeLanguage(raw string) string {
	lang := strings.TrimSpace(raw)
	if lang == "" || strings.EqualFold(lang, "auto") {
		return ""
	}
	return lang
}

// Describe 用于启动日志
func (c *Client) Describe() string {
	return fmt.Sprintf("%s(%s, model=%s)", c.cfg.Engine, c.cfg.Binary, c.cfg.Model)
}
