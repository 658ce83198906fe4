package ytdlp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"

	"video-digest/app/config"
	"video-digest/app/logger"
	"video-digest/app/model"
	"video-digest/app/pipeline"
	"video-digest/app/utils/downloader"
	"video-digest/app/utils/pathhelper"
	"video-digest/app/utils/shell"
)

// 这些错误重试也不会成功
var fatalMarkers = []string{
	"Unsupported URL",
	"Video unavailable",
	"Private video",
	"This video is only available",
	"HTTP Error 404",
	"HTTP Error 403",
	"File is larger than max-filesize",
	"is not a valid URL",
}

// platformHeaders 平台需要的额外请求头
var platformHeaders = map[string]map[string]string{
	"bilibili.com":    {"Referer": "https://www.bilibili.com"},
	"b23.tv":          {"Referer": "https://www.bilibili.com"},
	"xiaohongshu.com": {"Referer": "https://www.xiaohongshu.com"},
	"douyin.com":      {"Referer": "https://www.douyin.com"},
}

// Client 使用 yt-dlp 下载视频
type Client struct {
	cfg    config.DownloaderConfig
	run    shell.Runner
	direct func(ctx context.Context, url, savePath string, cfg *downloader.DownloadConfig) (*downloader.DownloadResult, error)
	log    *logger.Logger
}

// New 创建下载器
func New(cfg config.DownloaderConfig, log *logger.Logger) *Client {
	if cfg.Binary == "" {
		cfg.Binary = "yt-dlp"
	}
	if cfg.Format == "" {
		cfg.Format = "best[ext=mp4]/best"
	}
	return &Client{
		cfg:    cfg,
		run:    shell.Run,
		direct: downloader.DownloadFromURL,
		log:    log.Named("ytdlp"),
	}
}

// info yt-dlp --print-json 输出中用到的字段
type info struct {
	Title              string  `json:"title"`
	Duration           float64 `json:"duration"`
	Filename           string  `json:"_filename"`
	RequestedDownloads []struct {
		Filepath string `json:"filepath"`
	} `json:"requested_downloads"`
}

// Download 实现 pipeline.Downloader
func (c *Client) Download(ctx context.Context, rawURL, workDir string) (*model.Media, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, pipeline.Fatalf("无效的链接: %s", rawURL)
	}
	if !c.hostAllowed(u.Hostname()) {
		return nil, pipeline.Fatalf("不支持的平台: %s", u.Hostname())
	}
	if workDir == "" {
		return nil, pipeline.Fatalf("未指定工作目录")
	}
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return nil, pipeline.Fatalf("创建工作目录失败: %w", err)
	}

	// 直链媒体文件不经过 yt-dlp
	if pathhelper.HasExt(u.Path, pathhelper.MediaExts...) {
		return c.downloadDirect(ctx, u, filepath.Join(workDir, "video"+strings.ToLower(path.Ext(u.Path))))
	}
	return c.downloadWithYtdlp(ctx, u, workDir)
}

func (c *Client) downloadDirect(ctx context.Context, u *url.URL, savePath string) (*model.Media, error) {
	dc := downloader.DefaultDownloadConfig()
	if c.cfg.UserAgent != "" {
		dc.UserAgent = c.cfg.UserAgent
	}
	if limit, ok := parseSize(c.cfg.MaxFilesize); ok {
		dc.MaxBytes = limit
	}
	dc.Headers = headersFor(u.Hostname())

	res, err := c.direct(ctx, u.String(), savePath, dc)
	if err != nil {
		return nil, classifyDirect(ctx, err)
	}
	c.log.Infof("直链下载完成: %s, %.2f MB, %.2f MB/s", res.Path, float64(res.Size)/1024/1024, res.Speed)
	return &model.Media{
		LocalPath: res.Path,
		Title:     strings.TrimSuffix(path.Base(u.Path), path.Ext(u.Path)),
	}, nil
}

func classifyDirect(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return err
	}
	var se *downloader.StatusError
	if errors.As(err, &se) {
		if se.StatusCode >= 400 && se.StatusCode < 500 &&
			se.StatusCode != http.StatusRequestTimeout && se.StatusCode != http.StatusTooManyRequests {
			return pipeline.Fatal(err)
		}
		return pipeline.Retryable(err)
	}
	if errors.Is(err, downloader.ErrTooLarge) {
		return pipeline.Fatal(err)
	}
	return pipeline.Retryable(err)
}

func (c *Client) downloadWithYtdlp(ctx context.Context, u *url.URL, workDir string) (*model.Media, error) {
	args := []string{
		"-f", c.cfg.Format,
		"-o", filepath.Join(workDir, "video.%(ext)s"),
		"--no-playlist",
		"--no-progress",
		"--print-json",
		"--concurrent-fragments", "4",
	}
	if c.cfg.MaxFilesize != "" {
		args = append(args, "--max-filesize", c.cfg.MaxFilesize)
	}
	if c.cfg.CookiesFile != "" {
		args = append(args, "--cookies", c.cfg.CookiesFile)
	}
	if c.cfg.UserAgent != "" {
		args = append(args, "--user-agent", c.cfg.UserAgent)
	}
	for k, v := range headersFor(u.Hostname()) {
		args = append(args, "--add-header", k+":"+v)
	}
	args = append(args, u.String())

	c.log.Debugf("执行: %s %s", c.cfg.Binary, strings.Join(args, " "))
	res, err := c.run(ctx, c.cfg.Binary, args...)
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, pipeline.Fatalf("未找到 %s: %w", c.cfg.Binary, err)
		}
		if ctx.Err() != nil {
			return nil, err
		}
		stderr := ""
		if res != nil {
			stderr = shell.Tail(res.Stderr, 500)
		}
		for _, marker := range fatalMarkers {
			if strings.Contains(stderr, marker) {
				return nil, pipeline.Fatalf("下载失败: %s", stderr)
			}
		}
		return nil, pipeline.Retryablef("下载失败: %v: %s", err, stderr)
	}

	meta, err := parseInfo(res.Stdout)
	if err != nil {
		return nil, pipeline.Retryablef("解析 yt-dlp 输出失败: %w", err)
	}
	localPath := meta.Filename
	if len(meta.RequestedDownloads) > 0 && meta.RequestedDownloads[0].Filepath != "" {
		localPath = meta.RequestedDownloads[0].Filepath
	}
	if localPath == "" {
		return nil, pipeline.Retryablef("yt-dlp 未返回文件路径")
	}
	if _, err := os.Stat(localPath); err != nil {
		// 超过 --max-filesize 时 yt-dlp 正常退出但不写文件
		return nil, pipeline.Fatalf("下载的文件不存在，可能超过大小限制: %s", localPath)
	}

	c.log.Infof("下载完成: %s (%s)", meta.Title, localPath)
	return &model.Media{LocalPath: localPath, Duration: meta.Duration, Title: meta.Title}, nil
}

// parseInfo 取输出中最后一行 JSON
func parseInfo(stdout []byte) (*info, error) {
	lines := bytes.Split(bytes.TrimSpace(stdout), []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		line := bytes.TrimSpace(lines[i])
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var meta info
		if err := json.Unmarshal(line, &meta); err != nil {
			return nil, err
		}
		return &meta, nil
	}
	return nil, fmt.Errorf("输出中没有 JSON")
}

func (c *Client) hostAllowed(host string) bool {
	if len(c.cfg.AllowedHosts) == 0 {
		return true
	}
	for _, allowed := range c.cfg.AllowedHosts {
		if matchHost(host, allowed) {
			return true
		}
	}
	return false
}

func headersFor(host string) map[string]string {
	for domain, headers := range platformHeaders {
		if matchHost(host, domain) {
			return headers
		}
	}
	return nil
}

// matchHost host 等于 domain 或是其子域名
func matchHost(host, domain string) bool {
	host = strings.ToLower(host)
	domain = strings.ToLower(strings.TrimPrefix(domain, "."))
	return host == domain || strings.HasSuffix(host, "."+domain)
}

// parseSize 解析 500M、2G、1024K 这样的大小
func parseSize(s string) (int64, bool) {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" {
		return 0, false
	}
	mult := int64(1)
	switch s[len(s)-1] {
	case 'K':
		mult = 1 << 10
	case 'M':
		mult = 1 << 20
	case 'G':
		mult = 1 << 30
	}
	if mult > 1 {
		s = s[:len(s)-1]
	}
	var n int64
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil || n <= 0 {
		return 0, false
	}
	return n * mult, true
}
