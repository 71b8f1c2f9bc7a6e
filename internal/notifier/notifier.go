// Package notifier delivers operator alerts. Delivery is best effort: errors
// are logged and never returned, retried or escalated.
package notifier

import (
	"context"

	"github.com/ksred/bracketd/internal/config"
	"github.com/rs/zerolog/log"
)

// Notifier sends operator-facing messages. The returned reference identifies
// the sent message so later updates can reply to it; zero means unknown.
type Notifier interface {
	Notify(ctx context.Context, text string, replyTo int64) int64
	NotifyWithImage(ctx context.Context, image []byte, caption string) int64
}

// New returns a Telegram notifier when a bot is configured and a log-only
// notifier otherwise.
func New(cfg config.NotifierConfig) Notifier {
	if cfg.BotToken == "" || cfg.ChatID == "" {
		log.Warn().Str("component", "notifier").Msg("telegram not configured, alerts go to the log only")
		return Log{}
	}
	return NewTelegram(cfg.BotToken, cfg.ChatID, cfg.Timeout)
}

// Log writes alerts to the structured log.
type Log struct{}

func (Log) Notify(_ context.Context, text string, replyTo int64) int64 {
	log.Info().Str("component", "notifier").Int64("reply_to", replyTo).Msg(text)
	return 0
}

func (Log) NotifyWithImage(_ context.Context, image []byte, caption string) int64 {
	log.Info().Str("component", "notifier").Int("image_bytes", len(image)).Msg(caption)
	return 0
}
