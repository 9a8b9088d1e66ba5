// Package engine implements the firing pass: one sweep over all eligible
// triggers, pulling new items from each trigger's provider and pushing them
// to its consumer, deduplicated by the trigger's time watermark.
//
// The engine has no clock of its own; an external scheduler decides when a
// pass runs. Within a pass triggers are processed concurrently up to a
// fixed limit, and a guard keeps two passes from overlapping so they cannot
// race on the same trigger's watermark.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"triggerhappy/internal/common/errors"
	"triggerhappy/internal/common/logging"
	"triggerhappy/internal/services"
	"triggerhappy/internal/storage"
)

// PassGuard serializes passes. TryAcquire fails when another pass holds the
// guard; the returned release func must be called when the pass ends.
type PassGuard interface {
	TryAcquire(ctx context.Context) (release func(), err error)
}

// Config holds firing engine settings
type Config struct {
	// Concurrency bounds how many triggers are processed at once
	Concurrency int
	// FetchTimeout bounds one provider call
	FetchTimeout time.Duration
	// DeliverTimeout bounds one consumer call per item
	DeliverTimeout time.Duration
}

// DefaultConfig returns conservative engine settings
func DefaultConfig() Config {
	return Config{
		Concurrency:    4,
		FetchTimeout:   30 * time.Second,
		DeliverTimeout: 30 * time.Second,
	}
}

// Engine executes firing passes
type Engine struct {
	store    storage.TriggerStore
	registry *services.Registry
	config   Config
	guard    PassGuard
	logger   logging.Logger

	// now is swappable for tests; the watermark advances to this clock
	now func() time.Time
}

// New creates an Engine. guard may be nil when the caller guarantees
// passes never overlap (tests, one-shot invocations).
func New(store storage.TriggerStore, registry *services.Registry, config Config, guard PassGuard, logger logging.Logger) *Engine {
	if config.Concurrency < 1 {
		config.Concurrency = 1
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Engine{
		store:    store,
		registry: registry,
		config:   config,
		guard:    guard,
		logger:   logger.WithFields(logging.Field{Key: "component", Value: "firing_engine"}),
		now:      time.Now,
	}
}

// TriggerResult is the outcome of processing one trigger within a pass
type TriggerResult struct {
	TriggerID   int64
	Delivered   int
	Skipped     int
	Undelivered int
	Armed       bool
	Err         error
}

// Report summarizes one firing pass
type Report struct {
	StartedAt   time.Time
	FinishedAt  time.Time
	Processed   int
	Delivered   int
	Skipped     int
	Undelivered int
	Failures    []TriggerResult
}

// Clean reports whether the pass completed without any per-trigger failure
// or undelivered item
func (r *Report) Clean() bool {
	return len(r.Failures) == 0 && r.Undelivered == 0
}

// RunPass executes one firing pass. The returned error is non-nil only
// when the pass could not run at all: the guard was held by another pass
// or the store could not enumerate eligible triggers. Per-trigger errors
// are collected in the report and never abort the pass.
func (e *Engine) RunPass(ctx context.Context) (*Report, error) {
	if e.guard != nil {
		release, err := e.guard.TryAcquire(ctx)
		if err != nil {
			return nil, fmt.Errorf("firing pass not started: %w", err)
		}
		defer release()
	}

	report := &Report{StartedAt: e.now()}

	triggers, err := e.store.ListEligibleTriggers(ctx)
	if err != nil {
		return nil, errors.PersistenceError("listing eligible triggers", err)
	}

	results := make([]TriggerResult, len(triggers))
	sem := make(chan struct{}, e.config.Concurrency)
	var wg sync.WaitGroup

	for i, trigger := range triggers {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, trigger *storage.Trigger) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = e.fireTrigger(ctx, trigger)
		}(i, trigger)
	}
	wg.Wait()

	for _, res := range results {
		report.Processed++
		report.Delivered += res.Delivered
		report.Skipped += res.Skipped
		report.Undelivered += res.Undelivered
		if res.Err != nil {
			report.Failures = append(report.Failures, res)
		}
	}
	report.FinishedAt = e.now()

	e.logger.Info("firing pass completed",
		logging.Field{Key: "triggers", Value: report.Processed},
		logging.Field{Key: "delivered", Value: report.Delivered},
		logging.Field{Key: "skipped", Value: report.Skipped},
		logging.Field{Key: "undelivered", Value: report.Undelivered},
		logging.Field{Key: "failures", Value: len(report.Failures)},
	)
	return report, nil
}

// fireTrigger processes a single trigger. All errors are per-trigger:
// they land in the result, never in the pass error.
func (e *Engine) fireTrigger(ctx context.Context, trigger *storage.Trigger) TriggerResult {
	result := TriggerResult{TriggerID: trigger.ID}
	log := e.logger.WithFields(
		logging.Field{Key: "trigger_id", Value: trigger.ID},
		logging.Field{Key: "owner", Value: trigger.Owner},
		logging.Field{Key: "provider", Value: trigger.Provider.ServiceName},
		logging.Field{Key: "consumer", Value: trigger.Consumer.ServiceName},
		logging.Field{Key: "description", Value: trigger.Description},
	)

	provider, consumer, err := e.resolvePlugins(trigger)
	if err != nil {
		log.Warn("trigger skipped: " + err.Error())
		result.Err = err
		return result
	}

	// First run ever: arm the watermark without delivering the provider's
	// entire backlog to the consumer.
	if trigger.LastFiredAt == nil {
		log.Debug("first run, arming trigger")
		result.Armed = true
		if err := e.advance(ctx, trigger.ID); err != nil {
			log.Error("failed to arm trigger", err)
			result.Err = err
		}
		return result
	}
	watermark := *trigger.LastFiredAt

	items, err := e.fetch(ctx, provider, trigger.Provider, watermark)
	if err != nil {
		log.Error("provider fetch failed", err)
		result.Err = err
		return result
	}

	for _, item := range items {
		// An item without a timestamp counts as published exactly at the
		// watermark: a borderline candidate, never newer.
		published := watermark
		if item.PublishedAt != nil {
			published = *item.PublishedAt
		}

		// Closed lower bound: items at the same instant as the watermark
		// are delivered, trading occasional duplicates for no losses on
		// second-granularity sources.
		if published.Before(watermark) {
			log.Debug("item outdated, skipped",
				logging.Field{Key: "title", Value: item.Title},
				logging.Field{Key: "published", Value: published},
			)
			result.Skipped++
			continue
		}

		if err := e.deliver(ctx, consumer, trigger.Consumer, trigger.ID, item); err != nil {
			// The item is lost, remaining items are still attempted.
			log.Error("item delivery failed", err,
				logging.Field{Key: "title", Value: item.Title},
			)
			result.Undelivered++
			continue
		}
		result.Delivered++
	}

	// Advance to the engine's own clock, not the newest item timestamp,
	// so one future-dated item cannot fast-forward the watermark.
	if result.Delivered > 0 {
		if err := e.advance(ctx, trigger.ID); err != nil {
			log.Error("failed to advance watermark", err)
			result.Err = err
			return result
		}
		log.Info("trigger fired",
			logging.Field{Key: "new_items", Value: result.Delivered},
		)
	} else if result.Undelivered > 0 {
		// Nothing went through: keep the watermark so the backlog is
		// retried next pass.
		result.Err = errors.DeliveryError(
			fmt.Sprintf("all %d new items failed delivery", result.Undelivered), nil)
	} else {
		log.Debug("nothing new")
	}
	return result
}

func (e *Engine) resolvePlugins(trigger *storage.Trigger) (services.Provider, services.Consumer, error) {
	providerPlugin, err := e.registry.Resolve(trigger.Provider.ServiceName)
	if err != nil {
		return nil, nil, err
	}
	provider, ok := providerPlugin.(services.Provider)
	if !ok {
		return nil, nil, errors.ValidationError(
			fmt.Sprintf("service %q cannot act as a provider", trigger.Provider.ServiceName))
	}

	consumerPlugin, err := e.registry.Resolve(trigger.Consumer.ServiceName)
	if err != nil {
		return nil, nil, err
	}
	consumer, ok := consumerPlugin.(services.Consumer)
	if !ok {
		return nil, nil, errors.ValidationError(
			fmt.Sprintf("service %q cannot act as a consumer", trigger.Consumer.ServiceName))
	}

	return provider, consumer, nil
}

func (e *Engine) fetch(ctx context.Context, provider services.Provider, conn storage.ServiceConnection, since time.Time) ([]services.FetchedItem, error) {
	fetchCtx := ctx
	if e.config.FetchTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, e.config.FetchTimeout)
		defer cancel()
	}

	items, err := provider.Fetch(fetchCtx, toPluginConnection(conn), since)
	if err != nil {
		if errors.IsType(err, errors.ErrTypeFetch) {
			return nil, err
		}
		return nil, errors.FetchError("provider "+provider.Name()+" fetch failed", err)
	}
	return items, nil
}

func (e *Engine) deliver(ctx context.Context, consumer services.Consumer, conn storage.ServiceConnection, triggerID int64, item services.FetchedItem) error {
	deliverCtx := ctx
	if e.config.DeliverTimeout > 0 {
		var cancel context.CancelFunc
		deliverCtx, cancel = context.WithTimeout(ctx, e.config.DeliverTimeout)
		defer cancel()
	}

	if err := consumer.Deliver(deliverCtx, toPluginConnection(conn), triggerID, item); err != nil {
		if errors.IsType(err, errors.ErrTypeDelivery) {
			return err
		}
		return errors.DeliveryError("consumer "+consumer.Name()+" delivery failed", err)
	}
	return nil
}

func (e *Engine) advance(ctx context.Context, triggerID int64) error {
	if err := e.store.AdvanceWatermark(ctx, triggerID, e.now()); err != nil {
		if errors.IsType(err, errors.ErrTypePersistence) {
			return err
		}
		return errors.PersistenceError("advancing watermark", err)
	}
	return nil
}

// toPluginConnection copies the stored connection into the value object
// plugins receive, so a plugin can never mutate persisted state.
func toPluginConnection(conn storage.ServiceConnection) services.Connection {
	settings := make(map[string]string, len(conn.Settings))
	for k, v := range conn.Settings {
		settings[k] = v
	}
	return services.Connection{
		ID:          conn.ID,
		Owner:       conn.Owner,
		ServiceName: conn.ServiceName,
		Credential:  conn.Credential,
		Settings:    settings,
	}
}
