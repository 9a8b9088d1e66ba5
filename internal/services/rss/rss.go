// Package rss implements the feed provider. It reads RSS and Atom feeds
// and turns entries into items; it has no consumer role since a feed
// cannot be written to.
package rss

import (
	"context"
	"time"

	"github.com/mmcdole/gofeed"

	"triggerhappy/internal/common/errors"
	"triggerhappy/internal/common/httpclient"
	"triggerhappy/internal/services"
)

const ServiceName = "rss"

// SettingFeedURL is the connection setting holding the feed address
const SettingFeedURL = "feed_url"

type Service struct {
	parser *gofeed.Parser
}

// NewService creates the feed provider backed by the shared HTTP client
func NewService(client *httpclient.Client) *Service {
	parser := gofeed.NewParser()
	if client != nil {
		parser.Client = client.HTTPClient()
	}
	return &Service{parser: parser}
}

// Factory registers the plugin under its service name
func Factory(client *httpclient.Client) services.Factory {
	return services.FactoryFunc{
		Name: ServiceName,
		Fn:   func() (services.Plugin, error) { return NewService(client), nil },
	}
}

func (s *Service) Name() string { return ServiceName }

// Fetch downloads and parses the connection's feed. The whole feed is
// returned; watermark filtering is the caller's job.
func (s *Service) Fetch(ctx context.Context, conn services.Connection, since time.Time) ([]services.FetchedItem, error) {
	feedURL := conn.Setting(SettingFeedURL)
	if feedURL == "" {
		return nil, errors.ValidationError("connection has no " + SettingFeedURL + " setting")
	}

	feed, err := s.parser.ParseURLWithContext(feedURL, ctx)
	if err != nil {
		return nil, errors.FetchError("parsing feed "+feedURL, err)
	}

	items := make([]services.FetchedItem, 0, len(feed.Items))
	for _, entry := range feed.Items {
		items = append(items, feedItem(entry))
	}
	return items, nil
}

// feedItem maps one feed entry. Feeds routinely omit or mangle dates, so
// the timestamp stays nil unless the parser produced a usable one.
func feedItem(entry *gofeed.Item) services.FetchedItem {
	content := entry.Content
	if content == "" {
		content = entry.Description
	}

	var published *time.Time
	switch {
	case entry.PublishedParsed != nil:
		published = entry.PublishedParsed
	case entry.UpdatedParsed != nil:
		published = entry.UpdatedParsed
	}

	return services.FetchedItem{
		Title:       entry.Title,
		Content:     content,
		Link:        entry.Link,
		PublishedAt: published,
	}
}
