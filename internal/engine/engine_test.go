package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"triggerhappy/internal/common/errors"
	"triggerhappy/internal/services"
	"triggerhappy/internal/storage"
	"triggerhappy/internal/storage/memory"
)

// fakeService is a plugin test double serving both roles
type fakeService struct {
	name string

	mu         sync.Mutex
	fetchFunc  func(conn services.Connection, since time.Time) ([]services.FetchedItem, error)
	fetchCalls int
	delivered  []services.FetchedItem
	deliverErr func(item services.FetchedItem) error
}

func (f *fakeService) Name() string { return f.name }

func (f *fakeService) Fetch(ctx context.Context, conn services.Connection, since time.Time) ([]services.FetchedItem, error) {
	f.mu.Lock()
	f.fetchCalls++
	f.mu.Unlock()
	if f.fetchFunc != nil {
		return f.fetchFunc(conn, since)
	}
	return nil, nil
}

func (f *fakeService) Deliver(ctx context.Context, conn services.Connection, triggerID int64, item services.FetchedItem) error {
	if f.deliverErr != nil {
		if err := f.deliverErr(item); err != nil {
			return err
		}
	}
	f.mu.Lock()
	f.delivered = append(f.delivered, item)
	f.mu.Unlock()
	return nil
}

func (f *fakeService) deliveredTitles() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	titles := make([]string, 0, len(f.delivered))
	for _, item := range f.delivered {
		titles = append(titles, item.Title)
	}
	return titles
}

// providerOnly hides the Deliver method so role checks can be exercised
type providerOnly struct{ svc *fakeService }

func (p providerOnly) Name() string { return p.svc.name }

func (p providerOnly) Fetch(ctx context.Context, conn services.Connection, since time.Time) ([]services.FetchedItem, error) {
	return p.svc.Fetch(ctx, conn, since)
}

type testEnv struct {
	store    *memory.Store
	registry *services.Registry
	provider *fakeService
	consumer *fakeService
	clock    time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		store:    memory.NewStore(),
		registry: services.NewRegistry(),
		provider: &fakeService{name: "rss"},
		consumer: &fakeService{name: "wallabag"},
		clock:    time.Date(2020, 6, 1, 12, 0, 0, 0, time.UTC),
	}

	env.registry.RegisterFactory(services.FactoryFunc{Name: "rss", Fn: func() (services.Plugin, error) { return env.provider, nil }})
	env.registry.RegisterFactory(services.FactoryFunc{Name: "wallabag", Fn: func() (services.Plugin, error) { return env.consumer, nil }})
	require.NoError(t, env.registry.Load([]services.Definition{
		{Name: "rss", Enabled: true},
		{Name: "wallabag", Enabled: true},
	}))
	return env
}

func (env *testEnv) engine() *Engine {
	e := New(env.store, env.registry, DefaultConfig(), nil, nil)
	e.now = func() time.Time { return env.clock }
	return e
}

func (env *testEnv) addTrigger(t *testing.T, providerName, consumerName string, lastFiredAt *time.Time) *storage.Trigger {
	t.Helper()
	ctx := context.Background()

	provider := &storage.ServiceConnection{Owner: "alice", ServiceName: providerName}
	require.NoError(t, env.store.CreateServiceConnection(ctx, provider))
	consumer := &storage.ServiceConnection{Owner: "alice", ServiceName: consumerName}
	require.NoError(t, env.store.CreateServiceConnection(ctx, consumer))

	trigger := &storage.Trigger{
		Owner:       "alice",
		Description: providerName + " to " + consumerName,
		Provider:    *provider,
		Consumer:    *consumer,
		Enabled:     true,
		LastFiredAt: lastFiredAt,
	}
	require.NoError(t, env.store.CreateTrigger(ctx, trigger))
	return trigger
}

func ts(value string) time.Time {
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		panic(err)
	}
	return parsed
}

func tsp(value string) *time.Time {
	parsed := ts(value)
	return &parsed
}

func itemAt(title, published string) services.FetchedItem {
	return services.FetchedItem{Title: title, PublishedAt: tsp(published)}
}

// Scenario A: closed lower bound on the watermark comparison.
func TestWatermarkClosedLowerBound(t *testing.T) {
	env := newTestEnv(t)
	trigger := env.addTrigger(t, "rss", "wallabag", tsp("2020-01-01T00:00:00Z"))
	env.provider.fetchFunc = func(conn services.Connection, since time.Time) ([]services.FetchedItem, error) {
		return []services.FetchedItem{
			itemAt("old", "2019-12-31T23:59:59Z"),
			itemAt("boundary", "2020-01-01T00:00:00Z"),
			itemAt("new", "2020-01-02T00:00:00Z"),
		}, nil
	}

	report, err := env.engine().RunPass(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"boundary", "new"}, env.consumer.deliveredTitles())
	assert.Equal(t, 2, report.Delivered)
	assert.Equal(t, 1, report.Skipped)
	assert.Empty(t, report.Failures)

	got, err := env.store.GetTrigger(context.Background(), trigger.ID)
	require.NoError(t, err)
	assert.True(t, got.LastFiredAt.Equal(env.clock), "watermark advances to the engine clock")
}

// Scenario B: a never-fired trigger is armed without delivering backlog.
func TestFirstRunArmsWithoutDelivering(t *testing.T) {
	env := newTestEnv(t)
	trigger := env.addTrigger(t, "rss", "wallabag", nil)
	env.provider.fetchFunc = func(conn services.Connection, since time.Time) ([]services.FetchedItem, error) {
		items := make([]services.FetchedItem, 50)
		for i := range items {
			items[i] = itemAt("historical", "2019-01-01T00:00:00Z")
		}
		return items, nil
	}

	report, err := env.engine().RunPass(context.Background())
	require.NoError(t, err)

	assert.Zero(t, env.provider.fetchCalls, "first run never fetches")
	assert.Empty(t, env.consumer.delivered)
	assert.Empty(t, report.Failures)

	got, err := env.store.GetTrigger(context.Background(), trigger.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastFiredAt)
	assert.True(t, got.LastFiredAt.Equal(env.clock))
}

// Scenario C: a fetch failure leaves the watermark alone and the pass completes.
func TestFetchErrorLeavesWatermarkAndPassContinues(t *testing.T) {
	env := newTestEnv(t)
	watermark := tsp("2020-01-01T00:00:00Z")
	broken := env.addTrigger(t, "rss", "wallabag", watermark)
	healthy := env.addTrigger(t, "rss", "wallabag", watermark)

	calls := 0
	env.provider.fetchFunc = func(conn services.Connection, since time.Time) ([]services.FetchedItem, error) {
		calls++
		if calls == 1 {
			return nil, errors.FetchError("feed unreachable", nil)
		}
		return []services.FetchedItem{itemAt("fresh", "2020-02-01T00:00:00Z")}, nil
	}

	// serialize triggers so call order is deterministic
	config := DefaultConfig()
	config.Concurrency = 1
	e := New(env.store, env.registry, config, nil, nil)
	e.now = func() time.Time { return env.clock }

	report, err := e.RunPass(context.Background())
	require.NoError(t, err, "a per-trigger fetch failure is not a pass failure")

	require.Len(t, report.Failures, 1)
	assert.Equal(t, broken.ID, report.Failures[0].TriggerID)
	assert.True(t, errors.IsType(report.Failures[0].Err, errors.ErrTypeFetch))

	got, err := env.store.GetTrigger(context.Background(), broken.ID)
	require.NoError(t, err)
	assert.True(t, got.LastFiredAt.Equal(*watermark), "failed trigger keeps its backlog")

	got, err = env.store.GetTrigger(context.Background(), healthy.ID)
	require.NoError(t, err)
	assert.True(t, got.LastFiredAt.Equal(env.clock), "healthy trigger still fired")
}

// Scenario D: triggers sharing a provider connection update independently.
func TestSharedConnectionTriggersUpdateIndependently(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	shared := &storage.ServiceConnection{Owner: "alice", ServiceName: "rss"}
	require.NoError(t, env.store.CreateServiceConnection(ctx, shared))

	var triggers []*storage.Trigger
	for i := 0; i < 2; i++ {
		consumer := &storage.ServiceConnection{Owner: "alice", ServiceName: "wallabag"}
		require.NoError(t, env.store.CreateServiceConnection(ctx, consumer))
		trigger := &storage.Trigger{
			Owner:       "alice",
			Provider:    *shared,
			Consumer:    *consumer,
			Enabled:     true,
			LastFiredAt: tsp("2020-01-01T00:00:00Z"),
		}
		require.NoError(t, env.store.CreateTrigger(ctx, trigger))
		triggers = append(triggers, trigger)
	}

	env.provider.fetchFunc = func(conn services.Connection, since time.Time) ([]services.FetchedItem, error) {
		return []services.FetchedItem{itemAt("shared item", "2020-03-01T00:00:00Z")}, nil
	}

	config := DefaultConfig()
	config.Concurrency = 2
	e := New(env.store, env.registry, config, nil, nil)
	e.now = func() time.Time { return env.clock }

	report, err := e.RunPass(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Failures)
	assert.Equal(t, 2, report.Delivered)

	for _, trigger := range triggers {
		got, err := env.store.GetTrigger(ctx, trigger.ID)
		require.NoError(t, err)
		require.NotNil(t, got.LastFiredAt)
		assert.True(t, got.LastFiredAt.Equal(env.clock))
	}
}

func TestMissingTimestampDeliveredAsBorderline(t *testing.T) {
	env := newTestEnv(t)
	env.addTrigger(t, "rss", "wallabag", tsp("2020-01-01T00:00:00Z"))
	env.provider.fetchFunc = func(conn services.Connection, since time.Time) ([]services.FetchedItem, error) {
		return []services.FetchedItem{{Title: "undated"}}, nil
	}

	report, err := env.engine().RunPass(context.Background())
	require.NoError(t, err)

	// an undated item counts as published exactly at the watermark, which
	// the closed lower bound admits
	assert.Equal(t, []string{"undated"}, env.consumer.deliveredTitles())
	assert.Equal(t, 1, report.Delivered)
}

func TestDisabledTriggersAreNotProcessed(t *testing.T) {
	env := newTestEnv(t)
	trigger := env.addTrigger(t, "rss", "wallabag", tsp("2020-01-01T00:00:00Z"))
	require.NoError(t, env.store.SetTriggerEnabled(context.Background(), trigger.ID, false))

	env.provider.fetchFunc = func(conn services.Connection, since time.Time) ([]services.FetchedItem, error) {
		return []services.FetchedItem{itemAt("item", "2020-02-01T00:00:00Z")}, nil
	}

	report, err := env.engine().RunPass(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Processed)
	assert.Empty(t, env.consumer.delivered)
}

func TestUnknownServiceIsPerTriggerFailure(t *testing.T) {
	env := newTestEnv(t)
	// trigger references a service that was disabled after creation
	ctx := context.Background()
	provider := &storage.ServiceConnection{Owner: "alice", ServiceName: "ghost"}
	require.NoError(t, env.store.CreateServiceConnection(ctx, provider))
	consumer := &storage.ServiceConnection{Owner: "alice", ServiceName: "wallabag"}
	require.NoError(t, env.store.CreateServiceConnection(ctx, consumer))
	ghostTrigger := &storage.Trigger{
		Owner: "alice", Provider: *provider, Consumer: *consumer,
		Enabled: true, LastFiredAt: tsp("2020-01-01T00:00:00Z"),
	}
	require.NoError(t, env.store.CreateTrigger(ctx, ghostTrigger))

	healthy := env.addTrigger(t, "rss", "wallabag", tsp("2020-01-01T00:00:00Z"))
	env.provider.fetchFunc = func(conn services.Connection, since time.Time) ([]services.FetchedItem, error) {
		return []services.FetchedItem{itemAt("ok", "2020-02-01T00:00:00Z")}, nil
	}

	report, err := env.engine().RunPass(ctx)
	require.NoError(t, err)

	require.Len(t, report.Failures, 1)
	assert.Equal(t, ghostTrigger.ID, report.Failures[0].TriggerID)
	assert.True(t, errors.IsType(report.Failures[0].Err, errors.ErrTypeUnknownService))

	// the unresolvable trigger is left unmodified
	got, err := env.store.GetTrigger(ctx, ghostTrigger.ID)
	require.NoError(t, err)
	assert.True(t, got.LastFiredAt.Equal(ts("2020-01-01T00:00:00Z")))

	got, err = env.store.GetTrigger(ctx, healthy.ID)
	require.NoError(t, err)
	assert.True(t, got.LastFiredAt.Equal(env.clock))
}

func TestPartialDeliveryStillAdvancesWatermark(t *testing.T) {
	env := newTestEnv(t)
	trigger := env.addTrigger(t, "rss", "wallabag", tsp("2020-01-01T00:00:00Z"))
	env.provider.fetchFunc = func(conn services.Connection, since time.Time) ([]services.FetchedItem, error) {
		return []services.FetchedItem{
			itemAt("poison", "2020-02-01T00:00:00Z"),
			itemAt("fine", "2020-02-02T00:00:00Z"),
		}, nil
	}
	env.consumer.deliverErr = func(item services.FetchedItem) error {
		if item.Title == "poison" {
			return errors.DeliveryError("rejected", nil)
		}
		return nil
	}

	report, err := env.engine().RunPass(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"fine"}, env.consumer.deliveredTitles())
	assert.Equal(t, 1, report.Delivered)
	assert.Equal(t, 1, report.Undelivered)
	// one success is enough for the watermark to advance; the failed item
	// is a documented gap, not retried
	assert.Empty(t, report.Failures)

	got, err := env.store.GetTrigger(context.Background(), trigger.ID)
	require.NoError(t, err)
	assert.True(t, got.LastFiredAt.Equal(env.clock))
}

func TestTotalDeliveryFailureKeepsWatermark(t *testing.T) {
	env := newTestEnv(t)
	watermark := tsp("2020-01-01T00:00:00Z")
	trigger := env.addTrigger(t, "rss", "wallabag", watermark)
	env.provider.fetchFunc = func(conn services.Connection, since time.Time) ([]services.FetchedItem, error) {
		return []services.FetchedItem{itemAt("item", "2020-02-01T00:00:00Z")}, nil
	}
	env.consumer.deliverErr = func(item services.FetchedItem) error {
		return errors.DeliveryError("service down", nil)
	}

	report, err := env.engine().RunPass(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Failures, 1)
	assert.True(t, errors.IsType(report.Failures[0].Err, errors.ErrTypeDelivery))

	got, err := env.store.GetTrigger(context.Background(), trigger.ID)
	require.NoError(t, err)
	assert.True(t, got.LastFiredAt.Equal(*watermark), "nothing delivered, backlog kept for the next pass")
}

func TestProviderOnlyServiceRejectedAsConsumer(t *testing.T) {
	env := newTestEnv(t)

	feedOnly := providerOnly{svc: &fakeService{name: "feed"}}
	env.registry.RegisterFactory(services.FactoryFunc{Name: "feed", Fn: func() (services.Plugin, error) { return feedOnly, nil }})
	require.NoError(t, env.registry.Load([]services.Definition{
		{Name: "rss", Enabled: true},
		{Name: "feed", Enabled: true},
	}))

	// consumer side references the provider-only plugin
	env.addTrigger(t, "rss", "feed", tsp("2020-01-01T00:00:00Z"))

	report, err := env.engine().RunPass(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Failures, 1)
	assert.True(t, errors.IsType(report.Failures[0].Err, errors.ErrTypeValidation))
}

func TestEnumerationFailureAbortsPass(t *testing.T) {
	env := newTestEnv(t)
	e := New(failingStore{}, env.registry, DefaultConfig(), nil, nil)

	_, err := e.RunPass(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypePersistence))
}

type failingStore struct{}

func (failingStore) ListEligibleTriggers(ctx context.Context) ([]*storage.Trigger, error) {
	return nil, errors.PersistenceError("store unavailable", nil)
}

func (failingStore) AdvanceWatermark(ctx context.Context, triggerID int64, ts time.Time) error {
	return nil
}

func TestPersistenceFailureIsPerTrigger(t *testing.T) {
	env := newTestEnv(t)
	trigger := env.addTrigger(t, "rss", "wallabag", tsp("2020-01-01T00:00:00Z"))
	env.provider.fetchFunc = func(conn services.Connection, since time.Time) ([]services.FetchedItem, error) {
		return []services.FetchedItem{itemAt("item", "2020-02-01T00:00:00Z")}, nil
	}

	store := &watermarkFailingStore{Store: env.store}
	e := New(store, env.registry, DefaultConfig(), nil, nil)
	e.now = func() time.Time { return env.clock }

	report, err := e.RunPass(context.Background())
	require.NoError(t, err, "a watermark save failure does not abort the pass")

	// delivery already happened, the failure is only reported
	assert.Equal(t, []string{"item"}, env.consumer.deliveredTitles())
	require.Len(t, report.Failures, 1)
	assert.Equal(t, trigger.ID, report.Failures[0].TriggerID)
	assert.True(t, errors.IsType(report.Failures[0].Err, errors.ErrTypePersistence))
}

type watermarkFailingStore struct {
	*memory.Store
}

func (s *watermarkFailingStore) AdvanceWatermark(ctx context.Context, triggerID int64, ts time.Time) error {
	return errors.PersistenceError("disk full", nil)
}

func TestGuardBlocksOverlappingPass(t *testing.T) {
	env := newTestEnv(t)
	guard := &stubGuard{}
	e := New(env.store, env.registry, DefaultConfig(), guard, nil)

	guard.held = true
	_, err := e.RunPass(context.Background())
	assert.Error(t, err)

	guard.held = false
	_, err = e.RunPass(context.Background())
	assert.NoError(t, err)
	assert.True(t, guard.released, "guard is released after the pass")
}

type stubGuard struct {
	held     bool
	released bool
}

func (g *stubGuard) TryAcquire(ctx context.Context) (func(), error) {
	if g.held {
		return nil, errors.ValidationError("another pass is running")
	}
	return func() { g.released = true }, nil
}

func TestConcurrencyIsBounded(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 8; i++ {
		env.addTrigger(t, "rss", "wallabag", tsp("2020-01-01T00:00:00Z"))
	}

	var mu sync.Mutex
	inFlight, maxInFlight := 0, 0
	env.provider.fetchFunc = func(conn services.Connection, since time.Time) ([]services.FetchedItem, error) {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()

		time.Sleep(5 * time.Millisecond)

		mu.Lock()
		inFlight--
		mu.Unlock()
		return nil, nil
	}

	config := DefaultConfig()
	config.Concurrency = 2
	e := New(env.store, env.registry, config, nil, nil)
	e.now = func() time.Time { return env.clock }

	_, err := e.RunPass(context.Background())
	require.NoError(t, err)
	assert.LessOrEqual(t, maxInFlight, 2)
}

func TestFetchTimeoutBecomesPerTriggerFailure(t *testing.T) {
	env := newTestEnv(t)
	env.addTrigger(t, "rss", "wallabag", tsp("2020-01-01T00:00:00Z"))
	env.provider.fetchFunc = func(conn services.Connection, since time.Time) ([]services.FetchedItem, error) {
		return nil, context.DeadlineExceeded
	}

	config := DefaultConfig()
	config.FetchTimeout = time.Millisecond
	e := New(env.store, env.registry, config, nil, nil)
	e.now = func() time.Time { return env.clock }

	report, err := e.RunPass(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Failures, 1)
	assert.True(t, errors.IsType(report.Failures[0].Err, errors.ErrTypeFetch))
}
