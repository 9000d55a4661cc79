package webhooks

import (
	"context"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/relay/internal/common"
	"github.com/ternarybob/relay/internal/interfaces"
)

// Sweeper re-enqueues retryable failed events and prunes old completed
// ones on two independent cadences.
type Sweeper struct {
	eventStore   interfaces.WebhookEventStore
	eventService interfaces.EventService
	config       common.WebhookConfig
	logger       arbor.ILogger

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewSweeper creates the sweep pair.
func NewSweeper(eventStore interfaces.WebhookEventStore, eventService interfaces.EventService, config common.WebhookConfig, logger arbor.ILogger) *Sweeper {
	return &Sweeper{
		eventStore:   eventStore,
		eventService: eventService,
		config:       config,
		logger:       logger,
		stopCh:       make(chan struct{}),
	}
}

// Start launches the retry and cleanup loops.
func (s *Sweeper) Start() {
	retryInterval := s.config.RetryInterval
	if retryInterval <= 0 {
		retryInterval = 30 * time.Minute
	}
	cleanupInterval := s.config.CleanupInterval
	if cleanupInterval <= 0 {
		cleanupInterval = 24 * time.Hour
	}

	s.wg.Add(2)
	go s.loop(retryInterval, s.retryFailed)
	go s.loop(cleanupInterval, s.pruneCompleted)

	s.logger.Info().
		Str("retry_interval", retryInterval.String()).
		Str("cleanup_interval", cleanupInterval.String()).
		Msg("Webhook sweeper started")
}

// Stop halts both loops and waits for them.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Sweeper) loop(interval time.Duration, pass func(ctx context.Context)) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			pass(context.Background())
		}
	}
}

// retryFailed flips retryable failed events back to pending and
// re-emits processing work for each.
func (s *Sweeper) retryFailed(ctx context.Context) {
	maxAttempts := s.config.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	batch := s.config.RetryBatchSize
	if batch <= 0 {
		batch = 100
	}

	events, err := s.eventStore.ResetFailed(ctx, maxAttempts, batch)
	if err != nil {
		s.logger.Error().Err(err).Msg("Webhook retry sweep failed")
		return
	}
	if len(events) == 0 {
		return
	}

	for _, event := range events {
		err := s.eventService.Publish(ctx, interfaces.Event{
			Type: interfaces.EventWebhookProcess,
			Payload: map[string]interface{}{
				"jobId":   event.JobID.Hex(),
				"eventId": event.ID.Hex(),
			},
		})
		if err != nil {
			s.logger.Error().
				Str("event_id", event.ID.Hex()).
				Err(err).
				Msg("Failed to re-enqueue webhook event")
		}
	}

	s.logger.Info().
		Int("count", len(events)).
		Msg("Re-enqueued failed webhook events")
}

// pruneCompleted deletes completed events past the retention window.
func (s *Sweeper) pruneCompleted(ctx context.Context) {
	retain := s.config.RetainFor
	if retain <= 0 {
		retain = 30 * 24 * time.Hour
	}

	deleted, err := s.eventStore.DeleteCompletedBefore(ctx, time.Now().UTC().Add(-retain))
	if err != nil {
		s.logger.Error().Err(err).Msg("Webhook cleanup sweep failed")
		return
	}
	if deleted > 0 {
		s.logger.Info().
			Int64("count", deleted).
			Msg("Pruned completed webhook events")
	}
}
