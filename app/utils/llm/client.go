package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"video-digest/app/config"
	"video-digest/app/logger"
	"video-digest/app/pipeline"

	"resty.dev/v3"
)

// Message 对话消息
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// apiError OpenAI 兼容接口的错误格式
type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error"`
}

func (e *apiError) text() string {
	if e == nil || e.Error.Message == "" {
		return ""
	}
	return e.Error.Message
}

// Client OpenAI 兼容的对话接口客户端
type Client struct {
	cfg    config.LLMConfig
	client *resty.Client
	log    *logger.Logger
}

// New 创建客户端
func New(cfg config.LLMConfig, log *logger.Logger) *Client {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	client := resty.New()
	client.SetBaseURL(strings.TrimRight(cfg.BaseURL, "/"))
	client.SetAuthToken(cfg.APIKey)
	client.SetHeader("Content-Type", "application/json")
	client.SetTimeout(5 * time.Minute)

	return &Client{cfg: cfg, client: client, log: log.Named("llm")}
}

// Close 释放连接
func (c *Client) Close() error {
	return c.client.Close()
}

// Chat 发送一次对话请求，返回第一条回复。错误已按是否可重试分类。
func (c *Client) Chat(ctx context.Context, model string, messages []Message) (string, error) {
	if c.cfg.APIKey == "" {
		return "", pipeline.Fatalf("未配置 LLM API Key")
	}

	var result chatResponse
	var failure apiError
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(chatRequest{
			Model:       model,
			Messages:    messages,
			Temperature: c.cfg.Temperature,
			MaxTokens:   c.cfg.MaxTokens,
		}).
		SetResult(&result).
		SetError(&failure).
		Post("/chat/completions")
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", pipeline.Retryablef("请求 LLM 失败: %w", err)
	}

	if resp.IsError() {
		return "", classifyStatus(resp.StatusCode(), failure.text(), resp.String())
	}
	if len(result.Choices) == 0 || strings.TrimSpace(result.Choices[0].Message.Content) == "" {
		return "", pipeline.Retryablef("LLM 返回空内容")
	}

	c.log.Debugf("LLM 调用完成: model=%s, prompt_tokens=%d, completion_tokens=%d",
		model, result.Usage.PromptTokens, result.Usage.CompletionTokens)
	return strings.TrimSpace(result.Choices[0].Message.Content), nil
}

// classifyStatus 鉴权、参数、额度问题不可重试；限流和服务端错误可重试
func classifyStatus(status int, message, body string) error {
	if message == "" {
		message = body
		if len(message) > 300 {
			message = message[:300]
		}
	}
	lower := strings.ToLower(message)
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return pipeline.Fatalf("LLM 鉴权失败(%d): %s", status, message)
	case status == http.StatusTooManyRequests:
		if strings.Contains(lower, "quota") || strings.Contains(lower, "insufficient") || strings.Contains(message, "余额不足") {
			return pipeline.Fatalf("quota exceeded: %s", message)
		}
		return pipeline.Retryablef("LLM 限流(%d): %s", status, message)
	case status >= 500:
		return pipeline.Retryablef("LLM 服务错误(%d): %s", status, message)
	case status >= 400:
		return pipeline.Fatalf("LLM 请求无效(%d): %s", status, message)
	}
	return pipeline.Retryablef("LLM 返回异常状态(%d): %s", status, message)
}

// Describe 用于启动日志
func (c *Client) Describe() string {
	return fmt.Sprintf("%s (optimize=%s, summarize=%s)", c.cfg.BaseURL, c.cfg.OptimizeModel, c.cfg.SummarizeModel)
}
