// Package plugins registers every built-in service factory on a registry.
package plugins

import (
	"triggerhappy/internal/common/httpclient"
	"triggerhappy/internal/services"
	"triggerhappy/internal/services/amqpq"
	"triggerhappy/internal/services/ical"
	"triggerhappy/internal/services/mail"
	"triggerhappy/internal/services/rss"
	"triggerhappy/internal/services/slack"
	"triggerhappy/internal/services/wallabag"
)

// RegisterBuiltins registers the factories for every service shipped in
// this binary. Which of them actually load is decided by the enabled
// service definitions passed to Registry.Load.
func RegisterBuiltins(registry *services.Registry, client *httpclient.Client) {
	if client == nil {
		client = httpclient.New()
	}
	registry.RegisterFactory(rss.Factory(client))
	registry.RegisterFactory(wallabag.Factory(client))
	registry.RegisterFactory(slack.Factory(client))
	registry.RegisterFactory(ical.Factory(client))
	registry.RegisterFactory(mail.Factory())
	registry.RegisterFactory(amqpq.Factory())
}
