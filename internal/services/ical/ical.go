// Package ical implements the calendar provider. It downloads an ICS
// document over HTTP and emits its VEVENTs as items, timestamped by the
// event creation time so the watermark tracks new events rather than
// upcoming ones.
package ical

import (
	"bytes"
	"context"
	"strings"
	"time"

	ics "github.com/emersion/go-ical"

	"triggerhappy/internal/common/errors"
	"triggerhappy/internal/common/httpclient"
	"triggerhappy/internal/services"
)

const ServiceName = "ical"

// SettingCalendarURL is the connection setting holding the ICS address
const SettingCalendarURL = "calendar_url"

type Service struct {
	client *httpclient.Client
}

func NewService(client *httpclient.Client) *Service {
	if client == nil {
		client = httpclient.New()
	}
	return &Service{client: client}
}

// Factory registers the plugin under its service name
func Factory(client *httpclient.Client) services.Factory {
	return services.FactoryFunc{
		Name: ServiceName,
		Fn:   func() (services.Plugin, error) { return NewService(client), nil },
	}
}

func (s *Service) Name() string { return ServiceName }

// Fetch downloads the connection's calendar and maps every VEVENT
func (s *Service) Fetch(ctx context.Context, conn services.Connection, since time.Time) ([]services.FetchedItem, error) {
	calendarURL := conn.Setting(SettingCalendarURL)
	if calendarURL == "" {
		return nil, errors.ValidationError("connection has no " + SettingCalendarURL + " setting")
	}

	body, err := s.client.Get(ctx, calendarURL, nil)
	if err != nil {
		return nil, errors.FetchError("downloading calendar "+calendarURL, err)
	}

	cal, err := ics.NewDecoder(bytes.NewReader(body)).Decode()
	if err != nil {
		return nil, errors.FetchError("parsing calendar "+calendarURL, err)
	}

	var items []services.FetchedItem
	for _, component := range cal.Children {
		if component.Name != ics.CompEvent {
			continue
		}
		items = append(items, eventItem(component))
	}
	return items, nil
}

// eventItem maps one VEVENT. The timestamp prefers CREATED over DTSTAMP:
// a calendar that only restates existing events keeps quiet.
func eventItem(event *ics.Component) services.FetchedItem {
	item := services.FetchedItem{}

	if summary := event.Props.Get(ics.PropSummary); summary != nil {
		item.Title = summary.Value
	}

	var content []string
	if desc := event.Props.Get(ics.PropDescription); desc != nil && desc.Value != "" {
		content = append(content, desc.Value)
	}
	if loc := event.Props.Get(ics.PropLocation); loc != nil && loc.Value != "" {
		content = append(content, "Location: "+loc.Value)
	}
	if dtstart := event.Props.Get(ics.PropDateTimeStart); dtstart != nil {
		if start, err := parseDateTime(dtstart.Value); err == nil {
			content = append(content, "Starts: "+start.Format(time.RFC1123))
		}
	}
	item.Content = strings.Join(content, "\n")

	if url := event.Props.Get(ics.PropURL); url != nil {
		item.Link = url.Value
	}

	for _, name := range []string{ics.PropCreated, ics.PropDateTimeStamp} {
		prop := event.Props.Get(name)
		if prop == nil {
			continue
		}
		if ts, err := parseDateTime(prop.Value); err == nil {
			item.PublishedAt = &ts
			break
		}
	}
	return item
}

var dateTimeLayouts = []string{
	"20060102T150405Z",
	"20060102T150405",
	"20060102",
}

func parseDateTime(value string) (time.Time, error) {
	var lastErr error
	for _, layout := range dateTimeLayouts {
		ts, err := time.Parse(layout, value)
		if err == nil {
			return ts, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}
