// Package notify sends operator alerts over Telegram when runs end badly.
package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/msoulis/agora/internal/config"
	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
)

const maxMessageLen = 4096

// Notifier delivers alert messages to a single configured chat.
// A nil *Notifier is valid and drops all alerts.
type Notifier struct {
	bot    *telego.Bot
	chatID int64
}

// New builds a Notifier from the notify config. Returns nil when no
// token is configured so callers can alert unconditionally.
func New(cfg config.NotifyConfig) (*Notifier, error) {
	if cfg.TelegramToken == "" {
		return nil, nil
	}
	bot, err := telego.NewBot(cfg.TelegramToken)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Notifier{bot: bot, chatID: cfg.ChatID}, nil
}

// AttackDetected alerts that the detector flagged a run.
func (n *Notifier) AttackDetected(ctx context.Context, runID, task string) error {
	text := fmt.Sprintf("⚠️ Attack detected\nRun: %s\nTask: %s", runID, clip(task, 300))
	return n.Send(ctx, text)
}

// RunFailed alerts that a run stopped for a non-completed reason.
func (n *Notifier) RunFailed(ctx context.Context, runID, stopReason string) error {
	text := fmt.Sprintf("❌ Run failed\nRun: %s\nStop reason: %s", runID, stopReason)
	return n.Send(ctx, text)
}

// Send delivers an arbitrary message, chunking to fit Telegram's limit.
func (n *Notifier) Send(ctx context.Context, text string) error {
	if n == nil || n.bot == nil {
		return nil
	}
	for _, chunk := range chunkMessage(text, maxMessageLen) {
		msg := tu.Message(tu.ID(n.chatID), chunk)
		if _, err := n.bot.SendMessage(ctx, msg); err != nil {
			return fmt.Errorf("send message: %w", err)
		}
	}
	return nil
}

// chunkMessage splits a message into chunks that fit within Telegram's
// message size limit, preferring newline boundaries.
func chunkMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}

	var chunks []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			chunks = append(chunks, text)
			break
		}

		cutAt := maxLen
		if idx := strings.LastIndex(text[:maxLen], "\n"); idx > maxLen/2 {
			cutAt = idx + 1
		}

		chunks = append(chunks, text[:cutAt])
		text = text[cutAt:]
	}

	return chunks
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
