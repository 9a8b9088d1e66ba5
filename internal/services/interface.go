// Package services defines the contract every service plugin satisfies and
// the registry that resolves symbolic service names to plugin instances.
//
// A plugin covers one external service (a feed reader, a bookmark service,
// a note service). A trigger uses one plugin in the provider role and a
// different plugin in the consumer role; the firing engine dispatches only
// through the Provider and Consumer interfaces, never by service name.
package services

import (
	"context"
	"time"
)

// Definition is an administratively enabled service. Mirrors the service
// catalog rows the registry is loaded from; read-only to plugins.
type Definition struct {
	Name         string
	Enabled      bool
	AuthRequired bool
	Description  string
}

// Connection is a user's authorized instance of a service, passed by value
// into every plugin call. Credential is the decrypted opaque secret the
// service needs (token, webhook URL, password); Settings carry per-service
// options such as a feed URL or queue name.
type Connection struct {
	ID          int64
	Owner       string
	ServiceName string
	Credential  string
	Settings    map[string]string
}

// Setting returns a connection setting or the empty string
func (c Connection) Setting(key string) string {
	if c.Settings == nil {
		return ""
	}
	return c.Settings[key]
}

// FetchedItem is one unit of data produced by a provider during a single
// firing pass. It is never persisted. PublishedAt is nil when the source
// reports no usable timestamp; the engine then treats the item as published
// exactly at the trigger's watermark.
type FetchedItem struct {
	Title       string
	Content     string
	Link        string
	PublishedAt *time.Time
}

// Plugin is the base capability every service implementation has
type Plugin interface {
	// Name returns the symbolic service name this plugin serves
	Name() string
}

// Provider is the fetch role of a plugin. Fetch returns items that appeared
// since the given watermark. It must be an idempotent read: calling it
// repeatedly with the same arguments must not mutate the source service.
// Returning items older than since is allowed; the engine re-filters.
type Provider interface {
	Plugin
	Fetch(ctx context.Context, conn Connection, since time.Time) ([]FetchedItem, error)
}

// Consumer is the deliver role of a plugin. Deliver forwards one item to
// the external service. Implementations must tolerate the same item being
// delivered twice: the engine aims for at most one delivery per item per
// pass but cannot guarantee it across process restarts.
type Consumer interface {
	Plugin
	Deliver(ctx context.Context, conn Connection, triggerID int64, item FetchedItem) error
}

// Authorizer is the optional authorization capability, present on plugins
// whose service definition has AuthRequired set. It is consumed by the web
// authorization flow; the firing engine never calls it.
type Authorizer interface {
	Plugin
	// BeginAuthorization returns the URL the user is redirected to. The
	// state token must be round-tripped through the external service.
	BeginAuthorization(ctx context.Context, user, state, callbackURL string) (string, error)
	// CompleteAuthorization exchanges the callback payload for a usable
	// connection owned by user.
	CompleteAuthorization(ctx context.Context, user string, payload map[string]string) (Connection, error)
}

// Factory constructs one plugin instance for the registry
type Factory interface {
	// ServiceName returns the symbolic name the plugin will be keyed by
	ServiceName() string
	// Create builds the plugin. Must not perform network calls.
	Create() (Plugin, error)
}

// FactoryFunc adapts a function to the Factory interface
type FactoryFunc struct {
	Name string
	Fn   func() (Plugin, error)
}

// ServiceName returns the service name
func (f FactoryFunc) ServiceName() string { return f.Name }

// Create builds the plugin instance
func (f FactoryFunc) Create() (Plugin, error) { return f.Fn() }
