package telemetry

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/slack-go/slack"
)

// OpsNotifier posts operational alerts to a single Slack incoming webhook.
// Unlike a bot-token integration with per-channel routing, the tokenserver
// only ever needs to page whoever owns the allocator, so a webhook URL is
// all the config surface this needs.
type OpsNotifier struct {
	webhookURL string
	logger     *slog.Logger
}

// NewOpsNotifier creates an OpsNotifier. An empty webhookURL makes every
// call a no-op logged at debug level, so the alert path is safe to wire
// unconditionally even when ops alerting isn't configured.
func NewOpsNotifier(webhookURL string, logger *slog.Logger) *OpsNotifier {
	return &OpsNotifier{webhookURL: webhookURL, logger: logger}
}

// Alert posts text to the configured webhook, prefixed with a fixed emoji
// so it stands out in a channel that also carries other automation.
func (n *OpsNotifier) Alert(ctx context.Context, text string) {
	if n.webhookURL == "" {
		n.logger.Debug("ops alert suppressed: no webhook configured", "text", text)
		return
	}

	msg := &slack.WebhookMessage{Text: fmt.Sprintf(":rotating_light: %s", text)}
	if err := slack.PostWebhookContext(ctx, n.webhookURL, msg); err != nil {
		n.logger.Error("posting ops alert to slack", "error", err)
	}
}
