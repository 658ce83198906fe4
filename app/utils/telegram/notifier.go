package telegram

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf16"

	"video-digest/app/pipeline"

	"github.com/patrickmn/go-cache"
)

// maxMessageLen 单条消息上限，Bot API 按 UTF-16 码元计算，限制为 4096
const maxMessageLen = 4000

// Notifier 把任务消息发送到 Telegram 会话，接收者为 chat id
type Notifier struct {
	client *Client
	// 长消息已送达的片段数，重试时跳过这些片段
	progress *cache.Cache
}

// NewNotifier 创建通知渠道
func NewNotifier(client *Client) *Notifier {
	return &Notifier{
		client:   client,
		progress: cache.New(time.Hour, 10*time.Minute),
	}
}

// Notify 实现 pipeline.Notifier。长消息按行拆成多条发送，
// 中途失败后重试同一条消息时从未送达的片段继续。
func (n *Notifier) Notify(ctx context.Context, recipient, message string) (bool, error) {
	chatID, err := strconv.ParseInt(strings.TrimSpace(recipient), 10, 64)
	if err != nil {
		return false, pipeline.Fatalf("无效的 chat id: %q", recipient)
	}

	parts := SplitMessage(message, maxMessageLen)
	key := progressKey(chatID, message)
	delivered := 0
	if len(parts) > 1 {
		if v, ok := n.progress.Get(key); ok {
			delivered = v.(int)
		}
	}

	for i := delivered; i < len(parts); i++ {
		if err := n.send(ctx, chatID, parts[i]); err != nil {
			if i > 0 {
				n.progress.Set(key, i, cache.DefaultExpiration)
			}
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			return false, classify(err)
		}
	}
	n.progress.Delete(key)
	return true, nil
}

// send 先按 Markdown 发送，解析失败时退回纯文本
func (n *Notifier) send(ctx context.Context, chatID int64, text string) error {
	err := n.client.SendMessage(ctx, chatID, text, "Markdown")
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusBadRequest &&
		strings.Contains(strings.ToLower(apiErr.Description), "can't parse entities") {
		n.client.log.Debugf("Markdown 解析失败，改为纯文本发送: chat=%d", chatID)
		return n.client.SendMessage(ctx, chatID, text, "")
	}
	return err
}

func progressKey(chatID int64, message string) string {
	sum := sha1.Sum([]byte(message))
	return strconv.FormatInt(chatID, 10) + ":" + hex.EncodeToString(sum[:])
}

// TextLen 按 Telegram 的方式计算长度（UTF-16 码元数）
func TextLen(s string) int {
	n := 0
	for _, r := range s {
		n += runeLen(r)
	}
	return n
}

func runeLen(r rune) int {
	if l := utf16.RuneLen(r); l > 0 {
		return l
	}
	return 1
}

// SplitMessage 按行把文本拆成长度不超过 limit 的片段，单行过长时硬切。
// 长度按 UTF-16 码元计算。
func SplitMessage(text string, limit int) []string {
	if limit <= 0 || TextLen(text) <= limit {
		return []string{text}
	}

	var (
		parts   []string
		current strings.Builder
		size    int
	)
	flush := func() {
		if part := strings.TrimRight(current.String(), "\n"); part != "" {
			parts = append(parts, part)
		}
		current.Reset()
		size = 0
	}
	for _, line := range strings.SplitAfter(text, "\n") {
		n := TextLen(line)
		if size+n > limit {
			flush()
		}
		if n <= limit {
			current.WriteString(line)
			size += n
			continue
		}
		for _, r := range line {
			l := runeLen(r)
			if size+l > limit {
				flush()
			}
			current.WriteRune(r)
			size += l
		}
	}
	flush()
	return parts
}
