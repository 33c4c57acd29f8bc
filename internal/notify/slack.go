package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
)

// SlackChannel posts notifications to a Slack channel via the Web API.
type SlackChannel struct {
	client    *slack.Client
	channelID string
}

func NewSlackChannel(token, channelID string) *SlackChannel {
	return &SlackChannel{client: slack.New(token), channelID: channelID}
}

func (s *SlackChannel) Notify(ctx context.Context, ev Event) error {
	attachment := slack.Attachment{
		Title: ev.Title,
		Text:  ev.Body,
		Color: colorForKind(ev.Kind),
	}
	for k, v := range ev.Fields {
		attachment.Fields = append(attachment.Fields, slack.AttachmentField{
			Title: k, Value: v, Short: true,
		})
	}

	_, _, err := s.client.PostMessageContext(ctx, s.channelID,
		slack.MsgOptionText(fmt.Sprintf("[%s] process %s", ev.Kind, ev.ProcessID), false),
		slack.MsgOptionAttachments(attachment),
	)
	if err != nil {
		return fmt.Errorf("notify: slack post: %w", err)
	}
	return nil
}

func colorForKind(k Kind) string {
	switch k {
	case KindQAStructural, KindQAContent, KindQADomain:
		return "warning"
	case KindBatchReport:
		return "good"
	default:
		return "#439FE0"
	}
}
