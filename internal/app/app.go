// Package app wires the services together and owns their lifecycle.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/relay/internal/common"
	"github.com/ternarybob/relay/internal/crypto"
	"github.com/ternarybob/relay/internal/interfaces"
	"github.com/ternarybob/relay/internal/services/events"
	"github.com/ternarybob/relay/internal/services/scheduler"
	syncsvc "github.com/ternarybob/relay/internal/services/sync"
	"github.com/ternarybob/relay/internal/services/webhooks"
	storage "github.com/ternarybob/relay/internal/storage/mongo"

	// Connector packages register themselves and their config schemas.
	_ "github.com/ternarybob/relay/internal/connectors/bigquery"
	_ "github.com/ternarybob/relay/internal/connectors/closecrm"
	_ "github.com/ternarybob/relay/internal/connectors/graphqlsrc"
	_ "github.com/ternarybob/relay/internal/connectors/posthog"
	_ "github.com/ternarybob/relay/internal/connectors/restsrc"
	_ "github.com/ternarybob/relay/internal/connectors/stripe"
)

// App holds every initialized service.
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	Pool           *storage.ConnectionPool
	ConfigStore    *storage.ConfigStoreService
	ExecutionStore *storage.ExecutionStoreService
	WebhookStore   *storage.WebhookStoreService
	LockStore      *storage.LockStore

	Events    interfaces.EventService
	Scheduler interfaces.SchedulerService
	Executor  *syncsvc.Executor
	Runtime   *syncsvc.Runtime
	Processor *webhooks.Processor
	Sweeper   *webhooks.Sweeper
	Cleanup   *syncsvc.CleanupService

	statsStop chan struct{}
}

// New builds the application: control-plane connection, stores, bus and
// services, with the runtime and processor subscribed.
func New(ctx context.Context, config *common.Config, logger arbor.ILogger) (*App, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	decryptor, err := crypto.NewDecryptor(config.Crypto.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize decryptor: %w", err)
	}

	pool := storage.NewConnectionPool(logger, config.Pool.IdleTimeout)

	handle, err := pool.Get(ctx, storage.PoolContextMain, "control-plane", func(ctx context.Context, id string) (storage.ConnInfo, error) {
		return storage.ConnInfo{
			ConnectionString: config.Store.URI,
			Database:         config.Store.Database,
		}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to control-plane store: %w", err)
	}

	configStore := storage.NewConfigStore(handle.Database, decryptor, logger)
	executionStore := storage.NewExecutionStore(ctx, handle.Database, logger)
	webhookStore := storage.NewWebhookStore(ctx, handle.Database, logger)
	lockStore := storage.NewLockStore(ctx, handle.Database, logger)

	bus := events.NewService(logger)

	executor := syncsvc.NewExecutor(config.Sync, logger)
	runtime := syncsvc.NewRuntime(
		configStore, configStore, executionStore, lockStore, pool,
		executor, config.Scheduler, common.GetVersion(), logger,
	)
	if err := runtime.Subscribe(bus); err != nil {
		return nil, err
	}

	processor := webhooks.NewProcessor(webhookStore, configStore, pool, config.Webhooks, logger)
	if err := processor.Subscribe(bus); err != nil {
		return nil, err
	}

	a := &App{
		Config:         config,
		Logger:         logger,
		Pool:           pool,
		ConfigStore:    configStore,
		ExecutionStore: executionStore,
		WebhookStore:   webhookStore,
		LockStore:      lockStore,
		Events:         bus,
		Scheduler:      scheduler.NewService(configStore, bus, config.Scheduler, logger),
		Executor:       executor,
		Runtime:        runtime,
		Processor:      processor,
		Sweeper:        webhooks.NewSweeper(webhookStore, bus, config.Webhooks, logger),
		Cleanup:        syncsvc.NewCleanupService(executionStore, lockStore, config.Sync, logger),
		statsStop:      make(chan struct{}),
	}
	return a, nil
}

// StartServe launches the long-running loops: scheduler ticks, cleanup
// and webhook sweeps, and pool maintenance.
func (a *App) StartServe() error {
	if err := a.Scheduler.Start(); err != nil {
		return err
	}
	a.Cleanup.Start()
	a.Sweeper.Start()
	a.Pool.StartReaper(a.Config.Pool.ReapInterval)

	if interval := a.Config.Pool.StatsInterval; interval > 0 {
		go a.logPoolStats(interval)
	}
	return nil
}

func (a *App) logPoolStats(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-a.statsStop:
			return
		case <-ticker.C:
			stats := a.Pool.Stats()
			a.Logger.Debug().
				Int("entries", len(stats.Entries)).
				Msg("Connection pool stats")
		}
	}
}

// Close shuts the services down in reverse dependency order.
func (a *App) Close() {
	close(a.statsStop)
	if a.Scheduler.IsRunning() {
		if err := a.Scheduler.Stop(); err != nil {
			a.Logger.Error().Err(err).Msg("Scheduler stop failed")
		}
	}
	a.Sweeper.Stop()
	a.Cleanup.Stop()
	if err := a.Events.Close(); err != nil {
		a.Logger.Error().Err(err).Msg("Event bus close failed")
	}
	a.Pool.CloseAll()
	a.Logger.Info().Msg("Application stopped")
}
