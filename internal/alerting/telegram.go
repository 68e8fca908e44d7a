package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// TelegramTransport 通过 Telegram Bot API 推送消息。
type TelegramTransport struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramTransport constructs a Telegram-backed transport. chatID is the
// default destination; a non-empty Message.Recipient overrides it per send.
func NewTelegramTransport(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramTransport {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramTransport{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "transport_telegram").Logger(),
	}
}

// Send 调用 sendMessage API 推送文本。
func (t *TelegramTransport) Send(ctx context.Context, msg Message) error {
	chatID := t.chatID
	if msg.Recipient != "" {
		chatID = msg.Recipient
	}
	if chatID == "" {
		return Permanent(fmt.Errorf("telegram: no chat id for message %q", msg.Subject))
	}

	text := msg.Body
	if msg.Subject != "" {
		text = msg.Subject + "\n" + msg.Body
	}

	payload := map[string]string{
		"chat_id": chatID,
		"text":    text,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return Permanent(fmt.Errorf("marshal telegram payload: %w", err))
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Permanent(fmt.Errorf("create telegram request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return Transient(fmt.Errorf("send telegram request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return Transient(fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Permanent(fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode))
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return Permanent(fmt.Errorf("telegram 返回 ok=false"))
		}
	}

	t.logger.Info().
		Str("chat_id", chatID).
		Str("subject", msg.Subject).
		Msg("告警已发送 (Telegram)")
	return nil
}

var _ Transport = (*TelegramTransport)(nil)
