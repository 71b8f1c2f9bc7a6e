package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const defaultTelegramURL = "https://api.telegram.org"

type Telegram struct {
	BaseURL  string
	BotToken string
	ChatID   string
	Client   *http.Client
	logger   zerolog.Logger
}

func NewTelegram(botToken, chatID string, timeout time.Duration) *Telegram {
	return &Telegram{
		BaseURL:  defaultTelegramURL,
		BotToken: botToken,
		ChatID:   chatID,
		Client:   &http.Client{Timeout: timeout},
		logger:   log.With().Str("component", "telegram").Logger(),
	}
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	Result      struct {
		MessageID int64 `json:"message_id"`
	} `json:"result"`
}

func (t *Telegram) Notify(ctx context.Context, text string, replyTo int64) int64 {
	payload := map[string]any{
		"chat_id": t.ChatID,
		"text":    text,
	}
	if replyTo > 0 {
		payload["reply_to_message_id"] = replyTo
	}
	body, err := json.Marshal(payload)
	if err != nil {
		t.logger.Error().Err(err).Msg("failed to encode message")
		return 0
	}
	id, err := t.send(ctx, "sendMessage", "application/json", body)
	if err != nil {
		t.logger.Warn().Err(err).Msg("failed to send message")
		return 0
	}
	return id
}

func (t *Telegram) NotifyWithImage(ctx context.Context, image []byte, caption string) int64 {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	_ = w.WriteField("chat_id", t.ChatID)
	_ = w.WriteField("caption", caption)
	part, err := w.CreateFormFile("photo", "chart.png")
	if err == nil {
		_, err = part.Write(image)
	}
	if err == nil {
		err = w.Close()
	}
	if err != nil {
		t.logger.Error().Err(err).Msg("failed to encode photo")
		return 0
	}
	id, err := t.send(ctx, "sendPhoto", w.FormDataContentType(), buf.Bytes())
	if err != nil {
		t.logger.Warn().Err(err).Msg("failed to send photo")
		return 0
	}
	return id
}

func (t *Telegram) send(ctx context.Context, method, contentType string, body []byte) (int64, error) {
	url := fmt.Sprintf("%s/bot%s/%s", t.BaseURL, t.BotToken, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := t.Client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, err
	}
	var out telegramResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return 0, fmt.Errorf("telegram status=%d: %w", resp.StatusCode, err)
	}
	if resp.StatusCode/100 != 2 || !out.OK {
		return 0, fmt.Errorf("telegram status=%d: %s", resp.StatusCode, out.Description)
	}
	return out.Result.MessageID, nil
}
