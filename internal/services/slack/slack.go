// Package slack implements the consumer role for Slack incoming webhooks.
// The webhook URL is the connection credential; Slack has no list API for
// webhook posts, so there is no provider role.
package slack

import (
	"context"
	"strings"
	"time"

	"triggerhappy/internal/common/errors"
	"triggerhappy/internal/common/httpclient"
	"triggerhappy/internal/common/utils"
	"triggerhappy/internal/services"
)

const ServiceName = "slack"

// SettingChannel optionally overrides the webhook's default channel
const SettingChannel = "channel"

type Service struct {
	client *httpclient.Client
	retry  utils.RetryConfig
}

func NewService(client *httpclient.Client) *Service {
	if client == nil {
		client = httpclient.New()
	}
	retry := utils.DefaultRetryConfig()
	retry.MaxAttempts = 3
	retry.InitialDelay = 200 * time.Millisecond
	return &Service{client: client, retry: retry}
}

// Factory registers the plugin under its service name
func Factory(client *httpclient.Client) services.Factory {
	return services.FactoryFunc{
		Name: ServiceName,
		Fn:   func() (services.Plugin, error) { return NewService(client), nil },
	}
}

func (s *Service) Name() string { return ServiceName }

type message struct {
	Text    string `json:"text"`
	Channel string `json:"channel,omitempty"`
}

// Deliver posts the item to the webhook. Webhook posts are transient HTTP
// calls, so a short backoff covers Slack's occasional 5xx responses.
func (s *Service) Deliver(ctx context.Context, conn services.Connection, triggerID int64, item services.FetchedItem) error {
	webhookURL := strings.TrimSpace(conn.Credential)
	if webhookURL == "" {
		return errors.ValidationError("connection has no webhook URL credential")
	}

	msg := message{
		Text:    formatText(item),
		Channel: conn.Setting(SettingChannel),
	}

	err := utils.RetryWithBackoff(ctx, s.retry, func() error {
		return s.client.PostJSON(ctx, webhookURL, nil, msg, nil)
	})
	if err != nil {
		return errors.DeliveryError("posting to slack webhook", err)
	}
	return nil
}

// formatText renders the item as one Slack message line
func formatText(item services.FetchedItem) string {
	title := item.Title
	if title == "" {
		title = "(untitled)"
	}
	if item.Link == "" {
		return title
	}
	return "<" + item.Link + "|" + title + ">"
}
