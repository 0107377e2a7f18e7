package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultTelegramURL = "https://api.telegram.org"
	telegramAttempts   = 3
)

type Telegram struct {
	baseURL  string
	botToken string
	chatID   string
	client   *http.Client
	backoff  time.Duration
}

var _ Notifier = (*Telegram)(nil)

// NewTelegram baseURL 为空时使用官方地址。
func NewTelegram(baseURL, botToken, chatID string) *Telegram {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		base = defaultTelegramURL
	}
	return &Telegram{
		baseURL:  base,
		botToken: strings.TrimSpace(botToken),
		chatID:   strings.TrimSpace(chatID),
		client:   &http.Client{Timeout: 15 * time.Second},
		backoff:  time.Second,
	}
}

// SendText 最多重试 3 次，间隔线性递增；ctx 取消时立即返回。
func (t *Telegram) SendText(ctx context.Context, text string) error {
	if t.botToken == "" || t.chatID == "" {
		return errors.New("telegram: bot_token and chat_id are required")
	}
	body, err := json.Marshal(map[string]any{
		"chat_id":    t.chatID,
		"text":       text,
		"parse_mode": "Markdown",
	})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.botToken)

	var lastErr error
	for attempt := 1; attempt <= telegramAttempts; attempt++ {
		if lastErr = t.post(ctx, url, body); lastErr == nil {
			return nil
		}
		if attempt == telegramAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * t.backoff):
		}
	}
	return lastErr
}

func (t *Telegram) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("telegram status=%d", resp.StatusCode)
	}
	return nil
}
