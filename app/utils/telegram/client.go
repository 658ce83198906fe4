package telegram

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

const defaultAPIBase = "https://api.telegram.org"

// Update 长轮询返回的更新，只保留用到的字段
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message,omitempty"`
}

// Message Telegram 消息
type Message struct {
	MessageID int64  `json:"message_id"`
	From      *User  `json:"from,omitempty"`
	Chat      Chat   `json:"chat"`
	Date      int64  `json:"date"`
	Text      string `json:"text,omitempty"`
	Caption   string `json:"caption,omitempty"`
}

// User 发送者
type User struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	FirstName string `json:"first_name"`
	Username  string `json:"username,omitempty"`
}

// Chat 会话
type Chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

// apiResponse Bot API 的统一返回格式
type apiResponse[T any] struct {
	OK          bool   `json:"ok"`
	Result      T      `json:"result"`
	ErrorCode   int    `json:"error_code,omitempty"`
	Description string `json:"description,omitempty"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters,omitempty"`
}

// APIError Bot API 返回的错误
type APIError struct {
	Code        int
	Description string
	RetryAfter  time.Duration
}

func (e *APIError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("telegram 接口错误 %d: %s (retry after %s)", e.Code, e.Description, e.RetryAfter)
	}
	return fmt.Sprintf("telegram 接口错误 %d: %s", e.Code, e.Description)
}

// Client Telegram Bot API 客户端
type Client struct {
	client      *resty.Client
	pollTimeout time.Duration
	log         *logger.Logger
}

// New 创建客户端，配置了代理时所有请求都走代理
func New(cfg config.TelegramConfig, log *logger.Logger) *Client {
	base := strings.TrimRight(cfg.APIBase, "/")
	if base == "" {
		base = defaultAPIBase
	}
	pollTimeout := cfg.PollTimeout
	if pollTimeout <= 0 {
		pollTimeout = 30 * time.Second
	}

	client := resty.New()
	client.SetBaseURL(base + "/bot" + cfg.BotToken)
	client.SetHeader("Content-Type", "application/json")
	// 长轮询期间连接保持打开，超时要比轮询时间长
	client.SetTimeout(pollTimeout + 30*time.Second)
	if cfg.ProxyURL != "" {
		client.SetProxy(cfg.ProxyURL)
	}

	return &Client{
		client:      client,
		pollTimeout: pollTimeout,
		log:         log.Named("telegram"),
	}
}

// Close 释放连接
func (c *Client) Close() error {
	return c.client.Close()
}

// GetMe 校验 token，返回机器人信息
func (c *Client) GetMe(ctx context.Context) (*User, error) {
	var out apiResponse[User]
	if err := c.call(ctx, "getMe", map[string]any{}, &out); err != nil {
		return nil, err
	}
	return &out.Result, nil
}

// GetUpdates 长轮询获取更新
func (c *Client) GetUpdates(ctx context.Context, offset int64) ([]Update, error) {
	var out apiResponse[[]Update]
	body := map[string]any{
		"offset":          offset,
		"timeout":         int(c.pollTimeout.Seconds()),
		"allowed_updates": []string{"message"},
	}
	if err := c.call(ctx, "getUpdates", body, &out); err != nil {
		return nil, err
	}
	return out.Result, nil
}

// SendMessage 发送消息，parseMode 为空时按纯文本发送
func (c *Client) SendMessage(ctx context.Context, chatID int64, text, parseMode string) error {
	body := map[string]any{
		"chat_id":                  chatID,
		"text":                     text,
		"disable_web_page_preview": true,
	}
	if parseMode != "" {
		body["parse_mode"] = parseMode
	}
	var out apiResponse[Message]
	return c.call(ctx, "sendMessage", body, &out)
}

func (c *Client) call(ctx context.Context, method string, body any, out apiEnvelope) error {
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(out).
		SetError(out).
		Post("/" + method)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("请求 telegram %s 失败: %w", method, err)
	}
	if resp.StatusCode() != http.StatusOK || !out.ok() {
		apiErr := out.apiError()
		if apiErr.Code == 0 {
			apiErr.Code = resp.StatusCode()
		}
		if apiErr.Description == "" {
			apiErr.Description = resp.String()
		}
		return apiErr
	}
	return nil
}

type apiEnvelope interface {
	ok() bool
	apiError() *APIError
}

func (r *apiResponse[T]) ok() bool { return r.OK }

func (r *apiResponse[T]) apiError() *APIError {
	e := &APIError{Code: r.ErrorCode, Description: r.Description}
	if r.Parameters != nil && r.Parameters.RetryAfter > 0 {
		e.RetryAfter = time.Duration(r.Parameters.RetryAfter) * time.Second
	}
	return e
}

// classify 限流和服务端错误可重试，其余接口错误不可重试
func classify(err error) error {
	apiErr, ok := err.(*APIError)
	if !ok {
		return pipeline.Retryable(err)
	}
	if apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500 {
		return pipeline.Retryable(err)
	}
	return pipeline.Fatal(err)
}
