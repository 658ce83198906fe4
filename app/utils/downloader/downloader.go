package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// ErrTooLarge 文件超过大小限制
var ErrTooLarge = errors.New("文件超过大小限制")

// StatusError 服务器返回非 200 状态码
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP请求失败，状态码: %d, 响应: %s", e.StatusCode, e.Body)
}

// DownloadConfig 下载配置
type DownloadConfig struct {
	UserAgent     string        // User-Agent
	Timeout       time.Duration // 超时时间，0 表示只受 ctx 控制
	UseTemp       bool          // 是否使用临时文件
	OverwriteFile bool          // 是否覆盖已存在的文件
	MaxBytes      int64         // 最大文件大小，0 表示不限制
	Headers       map[string]string
}

// DefaultDownloadConfig 默认下载配置
func DefaultDownloadConfig() *DownloadConfig {
	return &DownloadConfig{
		UserAgent:     "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		UseTemp:       true,
		OverwriteFile: true,
		MaxBytes:      500 << 20,
	}
}

// DownloadResult 下载结果
type DownloadResult struct {
	Size        int64         // 下载的文件大小
	Duration    time.Duration // 下载耗时
	Speed       float64       // 下载速度 (MB/s)
	Path        string        // 保存的文件路径
	ContentType string
}

// DownloadFromURL 把 URL 内容下载到 savePath，ctx 取消时中断并删除未完成的文件
func DownloadFromURL(ctx context.Context, url, savePath string, config *DownloadConfig) (result *DownloadResult, err error) {
	if config == nil {
		config = DefaultDownloadConfig()
	}

	// 检查文件是否已存在
	if !config.OverwriteFile {
		if _, err := os.Stat(savePath); err == nil {
			return nil, fmt.Errorf("文件已存在: %s", savePath)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("创建HTTP请求失败: %w", err)
	}
	req.Header.Set("User-Agent", config.UserAgent)
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Accept-Encoding", "identity") // 禁用压缩，避免 Content-Length 不匹配
	for k, v := range config.Headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{
		Timeout: config.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return fmt.Errorf("重定向次数过多")
			}
			// 保持原始请求头
			req.Header.Set("User-Agent", config.UserAgent)
			return nil
		},
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP请求失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(bodyBytes)}
	}

	contentLength := resp.ContentLength
	if config.MaxBytes > 0 && contentLength > config.MaxBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, contentLength)
	}

	if err := os.MkdirAll(filepath.Dir(savePath), 0755); err != nil {
		return nil, fmt.Errorf("创建保存目录失败: %w", err)
	}

	targetPath := savePath
	if config.UseTemp {
		targetPath = savePath + ".tmp"
	}

	file, err := os.Create(targetPath)
	if err != nil {
		return nil, fmt.Errorf("创建文件失败: %w", err)
	}
	defer func() {
		file.Close()
		// 下载失败时删除未完成的文件
		if err != nil {
			os.Remove(targetPath)
		}
	}()

	startTime := time.Now()

	var body io.Reader = resp.Body
	if config.MaxBytes > 0 {
		body = io.LimitReader(resp.Body, config.MaxBytes+1)
	}
	written, err := io.Copy(file, body)
	if err != nil {
		return nil, fmt.Errorf("写入文件内容失败: %w", err)
	}
	if config.MaxBytes > 0 && written > config.MaxBytes {
		err = fmt.Errorf("%w: 超过 %d bytes", ErrTooLarge, config.MaxBytes)
		return nil, err
	}

	if err = file.Sync(); err != nil {
		return nil, fmt.Errorf("刷新文件到磁盘失败: %w", err)
	}
	if err = file.Close(); err != nil {
		return nil, fmt.Errorf("关闭文件失败: %w", err)
	}

	// 验证文件大小（如果服务器提供了Content-Length）
	if contentLength > 0 && written != contentLength {
		err = fmt.Errorf("下载不完整: 期望 %d bytes, 实际 %d bytes", contentLength, written)
		return nil, err
	}

	if config.UseTemp {
		if err = os.Rename(targetPath, savePath); err != nil {
			return nil, fmt.Errorf("重命名文件失败: %w", err)
		}
	}

	duration := time.Since(startTime)
	speed := 0.0
	if duration > 0 {
		speed = float64(written) / duration.Seconds() / 1024 / 1024 // MB/s
	}

	return &DownloadResult{
		Size:        written,
		Duration:    duration,
		Speed:       speed,
		Path:        savePath,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}
