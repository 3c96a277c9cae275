// Package notify sends operator notifications for conditions that need
// manual intervention, such as unreclaimable instances.
package notify

import (
	"context"
	"log/slog"

	goslack "github.com/slack-go/slack"
)

// SlackNotifier posts to a Slack channel. With no bot token configured it
// degrades to logging only.
type SlackNotifier struct {
	client  *goslack.Client
	channel string
	logger  *slog.Logger
}

// NewSlackNotifier creates a notifier. If botToken is empty, the notifier
// will be a noop (logging only).
func NewSlackNotifier(botToken, channel string, logger *slog.Logger) *SlackNotifier {
	var client *goslack.Client
	if botToken != "" {
		client = goslack.New(botToken)
	}
	return &SlackNotifier{
		client:  client,
		channel: channel,
		logger:  logger,
	}
}

// IsEnabled returns true if the notifier has a Slack client and a channel.
func (n *SlackNotifier) IsEnabled() bool {
	return n.client != nil && n.channel != ""
}

// NotifyFatal posts an urgent operator message. Failures to deliver are
// logged and swallowed; the caller is already on an error path.
func (n *SlackNotifier) NotifyFatal(ctx context.Context, text string) {
	if !n.IsEnabled() {
		n.logger.Warn("operator notification (slack disabled)", "text", text)
		return
	}

	_, _, err := n.client.PostMessageContext(ctx, n.channel,
		goslack.MsgOptionText(":rotating_light: "+text, false))
	if err != nil {
		n.logger.Error("posting operator notification to slack", "error", err, "text", text)
		return
	}
	n.logger.Info("posted operator notification to slack", "channel", n.channel)
}
