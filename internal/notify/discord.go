package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/wardenhub/warden-gateway/internal/policy"
)

// DiscordNotifier pushes action notifications to one Discord channel and
// accepts "approve <id>" / "deny <id>" replies from it.
type DiscordNotifier struct {
	token     string
	channelID string
	session   *discordgo.Session
	gate      Decider
	logger    *slog.Logger
}

// NewDiscordNotifier creates a notifier bound to one channel.
func NewDiscordNotifier(token, channelID string, gate Decider, logger *slog.Logger) *DiscordNotifier {
	return &DiscordNotifier{
		token:     token,
		channelID: channelID,
		gate:      gate,
		logger:    logger,
	}
}

// Start opens the gateway session and listens for decisions until the
// context is cancelled.
func (d *DiscordNotifier) Start(ctx context.Context) error {
	session, err := discordgo.New("Bot " + d.token)
	if err != nil {
		return fmt.Errorf("discord connect: %w", err)
	}
	d.session = session

	session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author.Bot || m.ChannelID != d.channelID {
			return
		}
		d.handleCommand(ctx, m.Content)
	})

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord open: %w", err)
	}

	go func() {
		<-ctx.Done()
		session.Close()
	}()

	return nil
}

func (d *DiscordNotifier) handleCommand(ctx context.Context, text string) {
	fields := strings.Fields(text)
	if len(fields) != 2 {
		return
	}

	var resolve func(context.Context, string) (bool, error)
	var verb string
	switch strings.ToLower(fields[0]) {
	case "approve":
		verb, resolve = "approved", d.gate.Approve
	case "deny":
		verb, resolve = "denied", d.gate.Deny
	default:
		return
	}
	id := fields[1]

	transitioned, err := resolve(ctx, id)
	if err != nil {
		d.logger.Error("discord decision failed", "action_id", id, "error", err)
		d.reply(fmt.Sprintf("Failed to resolve action %s", id))
		return
	}
	if !transitioned {
		d.reply(fmt.Sprintf("Action %s not found or already resolved", id))
		return
	}
	d.reply(fmt.Sprintf("Action %s %s", id, verb))
}

// NotifyAction implements policy.Notifier.
func (d *DiscordNotifier) NotifyAction(n policy.Notification) {
	if d.session == nil {
		return
	}
	text := fmt.Sprintf("⚠️ Approval required [%s]: %s\n%s\nReply `approve %s` or `deny %s`",
		n.Tier, n.Title, n.Description, n.ActionID, n.ActionID)
	d.reply(text)
}

func (d *DiscordNotifier) reply(text string) {
	if _, err := d.session.ChannelMessageSend(d.channelID, text); err != nil {
		d.logger.Warn("discord send failed", "error", err)
	}
}
