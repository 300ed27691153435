package notify

import (
	"context"

	"github.com/bwmarrin/discordgo"

	"propwatch/internal/domain"
)

// discordSender is the part of *discordgo.Session the notifier uses.
type discordSender interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Embed colours by event.
const (
	colourPending  = 0xF1C40F
	colourEscalate = 0xE67E22
	colourExpired  = 0x95A5A6
	colourDone     = 0x2ECC71
)

// DiscordNotifier posts notices to one Discord channel over the REST API.
type DiscordNotifier struct {
	api       discordSender
	channelID string
}

// NewDiscordNotifier creates a notifier using a bot token. No gateway
// connection is opened.
func NewDiscordNotifier(token, channelID string) (*DiscordNotifier, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, domain.WrapOp("NewDiscordNotifier", err)
	}
	return &DiscordNotifier{api: s, channelID: channelID}, nil
}

func (d *DiscordNotifier) Name() string { return "discord" }

// Notify posts the notice as an embed.
func (d *DiscordNotifier) Notify(ctx context.Context, n Notice) error {
	embed := &discordgo.MessageEmbed{
		Title:       truncate(n.Headline(), 256),
		Description: truncate(n.Action.Description, 4096),
		Color:       colourFor(n.Event),
	}
	for _, f := range n.Fields() {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{Name: f[0], Value: truncate(f[1], 1024), Inline: true})
	}
	if !n.Action.UpdatedAt.IsZero() {
		embed.Timestamp = n.Action.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z07:00")
	}

	_, err := d.api.ChannelMessageSendComplex(d.channelID, &discordgo.MessageSend{
		Embeds: []*discordgo.MessageEmbed{embed},
	}, discordgo.WithContext(ctx))
	if err != nil {
		return domain.WrapOp("DiscordNotifier.Notify", err)
	}
	return nil
}

func colourFor(t domain.EventType) int {
	switch t {
	case domain.EventActionEscalated:
		return colourEscalate
	case domain.EventActionExpired, domain.EventActionRejected:
		return colourExpired
	case domain.EventActionExecuted:
		return colourDone
	default:
		return colourPending
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
