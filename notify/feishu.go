package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
)

// FeishuProvider posts text messages to Feishu/Lark group chats.
type FeishuProvider struct {
	logger  *slog.Logger
	send    func(ctx context.Context, chatID, content string) error
	chatIDs []string
}

// NewFeishuProvider creates a provider using the app credentials.
func NewFeishuProvider(appID, appSecret string, chatIDs []string, logger *slog.Logger) *FeishuProvider {
	client := lark.NewClient(appID, appSecret)
	return &FeishuProvider{
		logger:  logger,
		chatIDs: chatIDs,
		send: func(ctx context.Context, chatID, content string) error {
			req := larkim.NewCreateMessageReqBuilder().
				ReceiveIdType(larkim.ReceiveIdTypeChatId).
				Body(larkim.NewCreateMessageReqBodyBuilder().
					ReceiveId(chatID).
					MsgType(larkim.MsgTypeText).
					Content(content).
					Build()).
				Build()

			resp, err := client.Im.Message.Create(ctx, req)
			if err != nil {
				return fmt.Errorf("send message failed: %w", err)
			}
			if !resp.Success() {
				return fmt.Errorf("send message error: %s", resp.Msg)
			}
			return nil
		},
	}
}

// Name implements Provider.
func (*FeishuProvider) Name() string { return "feishu" }

// Send delivers msg to every configured chat.
func (f *FeishuProvider) Send(ctx context.Context, msg Message) error {
	contentJSON, err := json.Marshal(map[string]string{"text": FormatText(msg)})
	if err != nil {
		return fmt.Errorf("marshal content: %w", err)
	}

	var errs []error
	for _, chatID := range f.chatIDs {
		if err := f.send(ctx, chatID, string(contentJSON)); err != nil {
			errs = append(errs, fmt.Errorf("chat %s: %w", chatID, err))
			continue
		}
		f.logger.Debug("Feishu message sent", "chat_id", chatID)
	}
	return errors.Join(errs...)
}
