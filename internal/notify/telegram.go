// Package notify delivers pending-action notifications to remote channels
// and routes approve/deny commands back to the policy engine.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/wardenhub/warden-gateway/internal/policy"
)

// Decider is the part of the policy engine a notifier needs to resolve
// actions on behalf of the user.
type Decider interface {
	Approve(ctx context.Context, id string) (bool, error)
	Deny(ctx context.Context, id string) (bool, error)
}

// TelegramNotifier pushes action notifications to one Telegram chat and
// accepts /approve_<id> and /deny_<id> commands from it.
type TelegramNotifier struct {
	bot    *tgbotapi.BotAPI
	token  string
	chatID int64
	gate   Decider
	logger *slog.Logger
}

// NewTelegramNotifier creates a notifier bound to one chat.
func NewTelegramNotifier(token string, chatID int64, gate Decider, logger *slog.Logger) *TelegramNotifier {
	return &TelegramNotifier{
		token:  token,
		chatID: chatID,
		gate:   gate,
		logger: logger,
	}
}

// Start connects the bot and begins consuming updates until the context
// is cancelled.
func (t *TelegramNotifier) Start(ctx context.Context) error {
	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram connect: %w", err)
	}
	t.bot = bot

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := t.bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case <-ctx.Done():
				t.bot.StopReceivingUpdates()
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message == nil || update.Message.Chat.ID != t.chatID {
					continue
				}
				t.handleCommand(ctx, update.Message.Text)
			}
		}
	}()

	return nil
}

// handleCommand recognizes /approve_<id> and /deny_<id>; everything else
// is ignored.
func (t *TelegramNotifier) handleCommand(ctx context.Context, text string) {
	var resolve func(context.Context, string) (bool, error)
	var verb, id string

	switch {
	case strings.HasPrefix(text, "/approve_"):
		verb, id = "approved", strings.TrimPrefix(text, "/approve_")
		resolve = t.gate.Approve
	case strings.HasPrefix(text, "/deny_"):
		verb, id = "denied", strings.TrimPrefix(text, "/deny_")
		resolve = t.gate.Deny
	default:
		return
	}

	transitioned, err := resolve(ctx, id)
	if err != nil {
		t.logger.Error("telegram decision failed", "action_id", id, "error", err)
		t.reply(fmt.Sprintf("Failed to resolve action %s", id))
		return
	}
	if !transitioned {
		t.reply(fmt.Sprintf("Action %s not found or already resolved", id))
		return
	}
	t.reply(fmt.Sprintf("Action %s %s", id, verb))
}

// NotifyAction implements policy.Notifier.
func (t *TelegramNotifier) NotifyAction(n policy.Notification) {
	if t.bot == nil {
		return
	}
	text := fmt.Sprintf("⚠️ Approval required [%s]\n%s\n%s\n\n/approve_%s\n/deny_%s",
		n.Tier, n.Title, n.Description, n.ActionID, n.ActionID)
	t.reply(text)
}

func (t *TelegramNotifier) reply(text string) {
	msg := tgbotapi.NewMessage(t.chatID, text)
	if _, err := t.bot.Send(msg); err != nil {
		t.logger.Warn("telegram send failed", "error", err)
	}
}
