package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

// TelegramProvider posts messages to admin chats through the Bot API.
type TelegramProvider struct {
	bot        *bot.Bot
	logger     *slog.Logger
	token      string
	chatIDs    []int64
	retryDelay time.Duration
}

// NewTelegramProvider creates a provider sending to each chat in chatIDs.
// serverURL replaces the public Bot API endpoint when set.
func NewTelegramProvider(token string, chatIDs []int64, serverURL string, logger *slog.Logger) (*TelegramProvider, error) {
	opts := []bot.Option{
		bot.WithSkipGetMe(),
		bot.WithHTTPClient(30*time.Second, &http.Client{Timeout: 30 * time.Second}),
	}
	if serverURL != "" {
		opts = append(opts, bot.WithServerURL(serverURL))
	}
	b, err := bot.New(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &TelegramProvider{
		bot:        b,
		logger:     logger,
		token:      token,
		chatIDs:    chatIDs,
		retryDelay: time.Second,
	}, nil
}

// Name implements Provider.
func (*TelegramProvider) Name() string { return "telegram" }

// Send delivers msg to every admin chat. A failure for one chat does not
// stop delivery to the others.
func (t *TelegramProvider) Send(ctx context.Context, msg Message) error {
	text := FormatMarkdown(msg)
	var errs []error
	for _, chatID := range t.chatIDs {
		if err := t.sendToChat(ctx, chatID, text); err != nil {
			errs = append(errs, fmt.Errorf("chat %d: %w", chatID, err))
		}
	}
	return errors.Join(errs...)
}

func (t *TelegramProvider) sendToChat(ctx context.Context, chatID int64, text string) error {
	return retry.Do(
		func() error {
			startTime := time.Now()
			_, err := t.bot.SendMessage(ctx, &bot.SendMessageParams{
				ChatID:    chatID,
				Text:      text,
				ParseMode: models.ParseModeMarkdown,
			})
			duration := time.Since(startTime)
			if err == nil {
				t.logger.Debug("Telegram message sent",
					"chat_id", chatID,
					"duration_ms", duration.Milliseconds())
				return nil
			}
			if ctx.Err() != nil {
				return retry.Unrecoverable(ctx.Err())
			}

			permanent := rejected(err)
			// Transport errors quote the request URL, which embeds the bot token.
			err = t.redact(err)
			if permanent {
				return retry.Unrecoverable(err)
			}
			t.logger.Warn("Telegram API request failed, will retry",
				"chat_id", chatID,
				"duration_ms", duration.Milliseconds(),
				"error", err)
			return err
		},
		retry.Attempts(3),
		retry.Delay(t.retryDelay),
		retry.MaxDelay(10*t.retryDelay),
		retry.MaxJitter(t.retryDelay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			t.logger.Info("Retrying Telegram send after error", "attempt", n, "chat_id", chatID, "error", err)
		}),
	)
}

// rejected reports whether the Bot API refused the request outright.
// Rate limits and server errors are retried.
func rejected(err error) bool {
	return errors.Is(err, bot.ErrorBadRequest) ||
		errors.Is(err, bot.ErrorForbidden) ||
		errors.Is(err, bot.ErrorUnauthorized) ||
		errors.Is(err, bot.ErrorNotFound)
}

func (t *TelegramProvider) redact(err error) error {
	msg := err.Error()
	if t.token == "" || !strings.Contains(msg, t.token) {
		return err
	}
	return errors.New(strings.ReplaceAll(msg, t.token, "<redacted>"))
}
