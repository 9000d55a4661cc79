package sync

import (
	"context"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/relay/internal/common"
	"github.com/ternarybob/relay/internal/interfaces"
	storage "github.com/ternarybob/relay/internal/storage/mongo"
)

// CleanupService periodically abandons executions whose heartbeat went
// silent and prunes expired job locks. A worker that dies mid-sync
// leaves both behind; this sweep is what frees the job to run again.
type CleanupService struct {
	executionStore interfaces.ExecutionStore
	lockStore      *storage.LockStore
	config         common.SyncConfig
	logger         arbor.ILogger

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewCleanupService creates the sweep.
func NewCleanupService(executionStore interfaces.ExecutionStore, lockStore *storage.LockStore, config common.SyncConfig, logger arbor.ILogger) *CleanupService {
	return &CleanupService{
		executionStore: executionStore,
		lockStore:      lockStore,
		config:         config,
		logger:         logger,
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (s *CleanupService) Start() {
	interval := s.config.CleanupInterval
	if interval <= 0 {
		interval = 15 * time.Minute
	}

	go func() {
		defer close(s.doneCh)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.sweep(context.Background())
			}
		}
	}()

	s.logger.Info().
		Str("interval", interval.String()).
		Msg("Execution cleanup started")
}

// Stop halts the sweep and waits for it to exit.
func (s *CleanupService) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.doneCh
}

// sweep runs one cleanup pass. It only touches execution status and lock
// records; the owning job's lastRunAt is left alone.
func (s *CleanupService) sweep(ctx context.Context) {
	abandonAfter := s.config.AbandonAfter
	if abandonAfter <= 0 {
		abandonAfter = 2 * time.Minute
	}

	cutoff := time.Now().UTC().Add(-abandonAfter)
	abandoned, err := s.executionStore.MarkAbandoned(ctx, cutoff)
	if err != nil {
		s.logger.Error().Err(err).Msg("Abandoned execution sweep failed")
	} else if abandoned > 0 {
		s.logger.Warn().
			Int64("count", abandoned).
			Msg("Marked stale executions abandoned")
	}

	freed, err := s.lockStore.DeleteExpired(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Expired lock sweep failed")
	} else if freed > 0 {
		s.logger.Info().
			Int64("count", freed).
			Msg("Deleted expired job locks")
	}
}
