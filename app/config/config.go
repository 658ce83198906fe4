package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Log         LogConfig         `mapstructure:"log"`
	JWT         JWTConfig         `mapstructure:"jwt"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Queue       QueueConfig       `mapstructure:"queue"`
	Stages      StageTimeouts     `mapstructure:"stages"`
	Downloader  DownloaderConfig  `mapstructure:"downloader"`
	Transcriber TranscriberConfig `mapstructure:"transcriber"`
	LLM         LLMConfig         `mapstructure:"llm"`
	Telegram    TelegramConfig    `mapstructure:"telegram"`
	Retention   RetentionConfig   `mapstructure:"retention"`
	Inbox       InboxConfig       `mapstructure:"inbox"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
}

type ServerConfig struct {
	Port     string `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	WorkDir  string `mapstructure:"work_dir"` // 每个任务的工作目录根路径
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`      // json 或 text
	Output     string `mapstructure:"output"`      // stdout 或 file
	Dir        string `mapstructure:"dir"`         // 文件输出时的日志目录
	MaxSize    int    `mapstructure:"max_size"`    // 兆字节
	MaxBackups int    `mapstructure:"max_backups"` // 备份数量
	MaxAge     int    `mapstructure:"max_age"`     // 天数
	Compress   bool   `mapstructure:"compress"`    // 是否压缩旧文件
}

type JWTConfig struct {
	Secret     string `mapstructure:"secret"`
	ExpireTime int    `mapstructure:"expire_time"` // 小时
	Issuer     string `mapstructure:"issuer"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"` // 为空时任务只保存在内存中
}

type QueueConfig struct {
	Capacity       int           `mapstructure:"capacity"`
	Workers        int           `mapstructure:"workers"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BackoffBase    time.Duration `mapstructure:"backoff_base"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
	NotifyProgress bool          `mapstructure:"notify_progress"` // 开始处理时给提交者发一条进度消息
	ResumeOnStart  bool          `mapstructure:"resume_on_start"`
	DefaultMode    string        `mapstructure:"default_mode"`
}

// StageTimeouts 每个阶段单次调用的超时
type StageTimeouts struct {
	Download   time.Duration `mapstructure:"download"`
	Transcribe time.Duration `mapstructure:"transcribe"`
	Optimize   time.Duration `mapstructure:"optimize"`
	Analyze    time.Duration `mapstructure:"analyze"`
	Notify     time.Duration `mapstructure:"notify"`
}

type DownloaderConfig struct {
	Binary       string   `mapstructure:"binary"`
	Format       string   `mapstructure:"format"`
	MaxFilesize  string   `mapstructure:"max_filesize"`
	CookiesFile  string   `mapstructure:"cookies_file"`
	AllowedHosts []string `mapstructure:"allowed_hosts"`
	UserAgent    string   `mapstructure:"user_agent"`
}

type TranscriberConfig struct {
	Engine   string `mapstructure:"engine"` // whisper 或 whisper.cpp
	Binary   string `mapstructure:"binary"`
	FFmpeg   string `mapstructure:"ffmpeg"` // whisper.cpp 需要先转成 16k wav
	Model    string `mapstructure:"model"`  // whisper.cpp 时为模型文件路径
	Language string `mapstructure:"language"`
}

type LLMConfig struct {
	BaseURL        string  `mapstructure:"base_url"`
	APIKey         string  `mapstructure:"api_key"`
	OptimizeModel  string  `mapstructure:"optimize_model"`
	SummarizeModel string  `mapstructure:"summarize_model"`
	Temperature    float64 `mapstructure:"temperature"`
	MaxTokens      int     `mapstructure:"max_tokens"`
	BatchSize      int     `mapstructure:"batch_size"` // 字幕优化每批行数
}

type TelegramConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	BotToken     string        `mapstructure:"bot_token"`
	APIBase      string        `mapstructure:"api_base"`
	ProxyURL     string        `mapstructure:"proxy_url"`
	AllowedUsers []int64       `mapstructure:"allowed_users"` // 为空表示允许所有人
	PollTimeout  time.Duration `mapstructure:"poll_timeout"`
}

type RetentionConfig struct {
	Schedule   string `mapstructure:"schedule"` // cron 表达式
	DoneDays   int    `mapstructure:"done_days"`
	FailedDays int    `mapstructure:"failed_days"`
}

type InboxConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Dir     string `mapstructure:"dir"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Load 读取配置文件和环境变量，失败时直接退出
func Load() *Config {
	cfg, err := Read(viper.GetViper())
	if err != nil {
		log.Fatalf("配置加载失败: %v", err)
	}
	return cfg
}

// Read 从给定的 viper 实例解码并校验配置
func Read(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("无法解码配置: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}

	return &config, nil
}

// SetDefaults 设置默认配置
func SetDefaults(v *viper.Viper) {
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("server.port", "5000")
	v.SetDefault("server.work_dir", "data/jobs")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.dir", "data/logs")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age", 28)
	v.SetDefault("log.compress", true)

	v.SetDefault("jwt.secret", "your-secret-key-change-in-production")
	v.SetDefault("jwt.expire_time", 24)
	v.SetDefault("jwt.issuer", "video-digest")

	v.SetDefault("database.path", "data/video-digest.db")

	v.SetDefault("queue.capacity", 10)
	v.SetDefault("queue.workers", 1)
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.backoff_base", 2*time.Second)
	v.SetDefault("queue.backoff_max", time.Minute)
	v.SetDefault("queue.notify_progress", false)
	v.SetDefault("queue.resume_on_start", true)
	v.SetDefault("queue.default_mode", "knowledge")

	v.SetDefault("stages.download", 10*time.Minute)
	v.SetDefault("stages.transcribe", 30*time.Minute)
	v.SetDefault("stages.optimize", 10*time.Minute)
	v.SetDefault("stages.analyze", 20*time.Minute)
	v.SetDefault("stages.notify", 30*time.Second)

	v.SetDefault("downloader.binary", "yt-dlp")
	v.SetDefault("downloader.format", "bestvideo[ext=mp4]+bestaudio[ext=m4a]/best[ext=mp4]/best")
	v.SetDefault("downloader.max_filesize", "500M")
	v.SetDefault("downloader.allowed_hosts", []string{
		"bilibili.com", "b23.tv", "xiaohongshu.com", "xhslink.com", "youtube.com", "youtu.be",
	})
	v.SetDefault("downloader.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36")

	v.SetDefault("transcriber.engine", "whisper")
	v.SetDefault("transcriber.binary", "whisper")
	v.SetDefault("transcriber.ffmpeg", "ffmpeg")
	v.SetDefault("transcriber.model", "medium")
	v.SetDefault("transcriber.language", "zh")

	v.SetDefault("llm.base_url", "https://open.bigmodel.cn/api/paas/v4")
	v.SetDefault("llm.optimize_model", "glm-4-flash")
	v.SetDefault("llm.summarize_model", "glm-4-plus")
	v.SetDefault("llm.temperature", 0.3)
	v.SetDefault("llm.max_tokens", 4000)
	v.SetDefault("llm.batch_size", 20)

	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.api_base", "https://api.telegram.org")
	v.SetDefault("telegram.poll_timeout", 30*time.Second)

	v.SetDefault("retention.schedule", "@hourly")
	v.SetDefault("retention.done_days", 7)
	v.SetDefault("retention.failed_days", 30)

	v.SetDefault("inbox.enabled", false)
	v.SetDefault("inbox.dir", "data/inbox")

	v.SetDefault("metrics.enabled", true)
}

// Validate 验证配置的有效性
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("服务器端口未设置")
	}
	if c.JWT.Secret == "" {
		return fmt.Errorf("JWT密钥未设置")
	}
	if c.Queue.Capacity <= 0 {
		return fmt.Errorf("queue.capacity 必须大于 0")
	}
	if c.Queue.Workers <= 0 {
		return fmt.Errorf("queue.workers 必须大于 0")
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue.max_attempts 必须大于 0")
	}
	if c.Telegram.Enabled && c.Telegram.BotToken == "" {
		return fmt.Errorf("已启用 Telegram 但未配置 bot_token")
	}
	if c.Inbox.Enabled && c.Inbox.Dir == "" {
		return fmt.Errorf("已启用收件箱但未配置目录")
	}
	return nil
}

// Timeout 返回阶段超时，未配置时为 0
func (t StageTimeouts) Timeout(stage string) time.Duration {
	switch stage {
	case "DOWNLOAD":
		return t.Download
	case "TRANSCRIBE":
		return t.Transcribe
	case "OPTIMIZE":
		return t.Optimize
	case "ANALYZE":
		return t.Analyze
	case "NOTIFY":
		return t.Notify
	}
	return 0
}
