package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/slack-go/slack"

	"propwatch/internal/domain"
)

// slackPoster is the part of *slack.Client the notifier uses.
type slackPoster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// SlackNotifier posts notices to one Slack channel.
type SlackNotifier struct {
	api       slackPoster
	channelID string
}

// NewSlackNotifier creates a notifier using a bot token.
func NewSlackNotifier(botToken, channelID string) *SlackNotifier {
	return &SlackNotifier{api: slack.New(botToken), channelID: channelID}
}

func (s *SlackNotifier) Name() string { return "slack" }

// Notify posts the notice as a section block with a plain-text fallback.
func (s *SlackNotifier) Notify(ctx context.Context, n Notice) error {
	headline := slack.NewTextBlockObject(slack.MarkdownType, "*"+escapeSlack(n.Headline())+"*", false, false)

	var fields []*slack.TextBlockObject
	for _, f := range n.Fields() {
		fields = append(fields, slack.NewTextBlockObject(slack.MarkdownType,
			fmt.Sprintf("*%s*\n%s", f[0], escapeSlack(f[1])), false, false))
	}
	blocks := []slack.Block{slack.NewSectionBlock(headline, fields, nil)}
	if d := strings.TrimSpace(n.Action.Description); d != "" {
		blocks = append(blocks, slack.NewContextBlock("",
			slack.NewTextBlockObject(slack.PlainTextType, d, false, false)))
	}

	_, _, err := s.api.PostMessageContext(ctx, s.channelID,
		slack.MsgOptionText(n.Text(), false),
		slack.MsgOptionBlocks(blocks...),
	)
	if err != nil {
		return domain.WrapOp("SlackNotifier.Notify", err)
	}
	return nil
}

var slackEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

func escapeSlack(s string) string { return slackEscaper.Replace(s) }
