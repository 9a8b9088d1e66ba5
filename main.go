package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"triggerhappy/internal/common/httpclient"
	"triggerhappy/internal/common/logging"
	"triggerhappy/internal/config"
	"triggerhappy/internal/crypto"
	"triggerhappy/internal/engine"
	"triggerhappy/internal/locks"
	"triggerhappy/internal/plugins"
	"triggerhappy/internal/services"
	"triggerhappy/internal/storage"
	"triggerhappy/internal/storage/postgres"
	"triggerhappy/internal/storage/sqlite"
	"triggerhappy/internal/web"
)

// Exit codes for the one-shot mode, meant for an external scheduler:
// 0 every trigger fired cleanly, 1 some triggers failed, 2 the pass
// could not run at all.
const (
	exitClean       = 0
	exitPartial     = 1
	exitPassFailure = 2
)

func main() {
	daemon := flag.Bool("daemon", false, "schedule passes internally and serve the authorization endpoints")
	flag.Parse()

	_ = godotenv.Load()

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(exitPassFailure)
	}

	logger, err := logging.NewZapLogger(logging.LogConfig{
		Level:  logging.ParseLevel(cfg.LogLevel),
		Prefix: "triggerhappy",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(exitPassFailure)
	}
	logging.SetGlobalLogger(logger)

	os.Exit(run(cfg, logger, *daemon))
}

func run(cfg *config.Config, logger logging.Logger, daemon bool) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		logger.Error("failed to open store", err)
		return exitPassFailure
	}
	defer store.Close()

	registry := services.NewRegistry()
	plugins.RegisterBuiltins(registry, httpclient.New(httpclient.WithTimeout(cfg.FetchTimeout)))

	definitions, err := store.ListEnabledServiceDefinitions(ctx)
	if err != nil {
		logger.Error("failed to list enabled services", err)
		return exitPassFailure
	}
	if err := registry.Load(toRegistryDefinitions(definitions)); err != nil {
		logger.Error("failed to load service registry", err)
		return exitPassFailure
	}
	logger.Info("service registry loaded",
		logging.Field{Key: "services", Value: registry.Names()})

	guard, err := buildGuard(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize pass guard", err)
		return exitPassFailure
	}

	eng := engine.New(store, registry, engine.Config{
		Concurrency:    cfg.FireConcurrency,
		FetchTimeout:   cfg.FetchTimeout,
		DeliverTimeout: cfg.DeliverTimeout,
	}, guard, logger)

	if daemon {
		return runDaemon(ctx, cfg, logger, store, registry, eng)
	}
	return runOnce(ctx, logger, eng)
}

// runOnce executes a single firing pass and maps the outcome to an exit
// code an external cron job can act on.
func runOnce(ctx context.Context, logger logging.Logger, eng *engine.Engine) int {
	report, err := eng.RunPass(ctx)
	if err != nil {
		logger.Error("firing pass failed", err)
		return exitPassFailure
	}
	if !report.Clean() {
		return exitPartial
	}
	return exitClean
}

// runDaemon schedules passes on the configured cron expression and serves
// the authorization endpoints until a shutdown signal arrives.
func runDaemon(ctx context.Context, cfg *config.Config, logger logging.Logger, store storage.Store, registry *services.Registry, eng *engine.Engine) int {
	scheduler := cron.New()
	_, err := scheduler.AddFunc(cfg.CronSchedule, func() {
		passCtx, cancel := context.WithTimeout(ctx, time.Hour)
		defer cancel()
		if _, err := eng.RunPass(passCtx); err != nil {
			logger.Warn("scheduled pass skipped: " + err.Error())
		}
	})
	if err != nil {
		logger.Error("invalid cron schedule "+cfg.CronSchedule, err)
		return exitPassFailure
	}
	scheduler.Start()
	defer scheduler.Stop()
	logger.Info("scheduler started",
		logging.Field{Key: "schedule", Value: cfg.CronSchedule})

	server := web.NewServer(web.Config{
		Store:    store,
		Registry: registry,
		States:   web.NewStateSigner(cfg.AuthStateSecret, 15*time.Minute),
		BaseURL:  cfg.BaseURL,
		Logger:   logger,
	})
	if err := server.ListenAndServe(ctx, ":"+cfg.Port); err != nil {
		logger.Error("web server failed", err)
		return exitPassFailure
	}

	logger.Info("shutdown complete")
	return exitClean
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	var cipher storage.CredentialCipher
	if cfg.CredentialEncryptionKey != "" {
		encryptor, err := crypto.NewCredentialEncryptor(cfg.CredentialEncryptionKey)
		if err != nil {
			return nil, err
		}
		cipher = encryptor
	}

	switch cfg.DatabaseType {
	case "postgres":
		return postgres.NewAdapter(ctx, cfg.PostgresDSN(), cipher)
	default:
		return sqlite.NewAdapter(cfg.DatabasePath, cipher)
	}
}

// buildGuard prefers the distributed lock when Redis is configured, so
// several instances sharing one database cannot run overlapping passes.
func buildGuard(cfg *config.Config, logger logging.Logger) (engine.PassGuard, error) {
	if cfg.RedisAddress == "" {
		return &locks.LocalGuard{}, nil
	}

	guard, err := locks.NewRedisGuard(locks.RedisGuardConfig{
		Address:  cfg.RedisAddress,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		return nil, err
	}
	logger.Info("using distributed pass lock",
		logging.Field{Key: "redis", Value: cfg.RedisAddress})
	return guard, nil
}

func toRegistryDefinitions(defs []*storage.ServiceDefinition) []services.Definition {
	out := make([]services.Definition, 0, len(defs))
	for _, def := range defs {
		out = append(out, services.Definition{
			Name:         def.Name,
			Enabled:      def.Enabled,
			AuthRequired: def.AuthRequired,
			Description:  def.Description,
		})
	}
	return out
}
