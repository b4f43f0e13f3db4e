package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramChannel delivers agent replies over Telegram and feeds inbound
// messages from allowed chats into the gateway as wake text.
type TelegramChannel struct {
	token      string
	allowedIDs map[int64]struct{}
	logger     *slog.Logger
	bot        *tgbotapi.BotAPI

	// OnMessage receives inbound message text from allowed chats. Nil
	// disables inbound handling; delivery still works.
	OnMessage func(ctx context.Context, from int64, text string)
}

func NewTelegramChannel(token string, allowedIDs []int64, logger *slog.Logger) *TelegramChannel {
	allowed := make(map[int64]struct{})
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}
	return &TelegramChannel{
		token:      token,
		allowedIDs: allowed,
		logger:     logger.With("channel", "telegram"),
	}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	var err error
	t.bot, err = tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}
	t.logger.Info("telegram bot started", "user", t.bot.Self.UserName)

	// Reconnection loop with exponential backoff.
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		updates := t.bot.GetUpdatesChan(tgbotapi.UpdateConfig{Timeout: 30})
		err := t.consume(ctx, updates)
		t.bot.StopReceivingUpdates()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		t.logger.Warn("telegram update stream ended, retrying", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (t *TelegramChannel) consume(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}
			if update.Message == nil || update.Message.Text == "" {
				continue
			}
			chatID := update.Message.Chat.ID
			if _, allowed := t.allowedIDs[chatID]; !allowed {
				t.logger.Warn("ignoring message from unauthorized chat", "chat_id", chatID)
				continue
			}
			if t.OnMessage != nil {
				t.OnMessage(ctx, chatID, update.Message.Text)
			}
		}
	}
}

func (t *TelegramChannel) Deliver(ctx context.Context, to, text string) error {
	if t.bot == nil {
		return fmt.Errorf("telegram not started")
	}
	chatID, err := strconv.ParseInt(to, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram recipient must be a chat id: %w", err)
	}
	if _, allowed := t.allowedIDs[chatID]; len(t.allowedIDs) > 0 && !allowed {
		return fmt.Errorf("chat id %d not in allow list", chatID)
	}
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}
