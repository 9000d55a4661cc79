// Package webhooks applies stored inbound webhook events to destination
// collections and keeps the retry/cleanup sweeps running.
package webhooks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"golang.org/x/sync/semaphore"

	"github.com/ternarybob/relay/internal/common"
	"github.com/ternarybob/relay/internal/connectors"
	"github.com/ternarybob/relay/internal/interfaces"
	"github.com/ternarybob/relay/internal/models"
	storage "github.com/ternarybob/relay/internal/storage/mongo"
	"github.com/ternarybob/relay/internal/syncerrors"
)

// Processor consumes webhook/event.process deliveries with bounded
// parallelism and applies each event to the destination. It implements
// interfaces.WebhookProcessor.
type Processor struct {
	eventStore  interfaces.WebhookEventStore
	configStore interfaces.ConfigStore
	pool        *storage.ConnectionPool
	sem         *semaphore.Weighted
	logger      arbor.ILogger
}

// NewProcessor creates the processor.
func NewProcessor(eventStore interfaces.WebhookEventStore, configStore interfaces.ConfigStore, pool *storage.ConnectionPool, config common.WebhookConfig, logger arbor.ILogger) *Processor {
	concurrency := config.Concurrency
	if concurrency <= 0 {
		concurrency = 25
	}
	return &Processor{
		eventStore:  eventStore,
		configStore: configStore,
		pool:        pool,
		sem:         semaphore.NewWeighted(int64(concurrency)),
		logger:      logger,
	}
}

var _ interfaces.WebhookProcessor = (*Processor)(nil)

// Subscribe wires the processor onto the event bus.
func (p *Processor) Subscribe(bus interfaces.EventService) error {
	return bus.Subscribe(interfaces.EventWebhookProcess, func(ctx context.Context, event interfaces.Event) error {
		raw, _ := event.Payload["eventId"].(string)
		eventID, err := primitive.ObjectIDFromHex(raw)
		if err != nil {
			return fmt.Errorf("event carried invalid eventId %q: %w", raw, err)
		}
		return p.ProcessEvent(ctx, eventID)
	})
}

// ProcessEvent handles one stored delivery end to end. Redeliveries of
// completed or in-flight events return without effect.
func (p *Processor) ProcessEvent(ctx context.Context, eventID primitive.ObjectID) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)

	started := time.Now()

	event, err := p.eventStore.MarkProcessing(ctx, eventID)
	if err != nil {
		if errors.Is(err, syncerrors.ErrNotFound) {
			p.logger.Debug().Str("event_id", eventID.Hex()).Msg("Webhook event not claimable, skipping")
			return nil
		}
		return err
	}

	processed, err := p.apply(ctx, event)
	if err != nil {
		if markErr := p.eventStore.MarkFailed(context.WithoutCancel(ctx), eventID, err.Error()); markErr != nil {
			p.logger.Error().Str("event_id", eventID.Hex()).Err(markErr).Msg("Failed to record webhook failure")
		}
		p.logger.Error().
			Str("event_id", eventID.Hex()).
			Str("event_type", event.EventType).
			Err(err).
			Msg("Webhook processing failed")
		return err
	}

	if err := p.eventStore.MarkCompleted(ctx, eventID, processed, time.Since(started)); err != nil {
		return err
	}
	p.logger.Info().
		Str("event_id", eventID.Hex()).
		Str("event_type", event.EventType).
		Bool("processed", processed).
		Msg("Webhook event completed")
	return nil
}

// apply verifies the delivery and lands its destination effect. The
// returned bool reports whether anything was written: a verified event
// with no mapping completes with processed=false and is never retried.
func (p *Processor) apply(ctx context.Context, event *models.WebhookEvent) (bool, error) {
	job, err := p.configStore.GetJob(ctx, event.JobID)
	if err != nil {
		return false, err
	}
	source, err := p.configStore.GetConnector(ctx, job.ConnectorID)
	if err != nil {
		return false, err
	}
	connector, err := connectors.New(source, p.logger)
	if err != nil {
		return false, err
	}
	if !connector.SupportsWebhooks() {
		return false, &syncerrors.ConfigError{
			Reason: fmt.Sprintf("connector type %s does not support webhooks", source.Type),
		}
	}

	valid, err := connector.VerifyWebhook(ctx, interfaces.WebhookVerification{
		Payload: event.RawPayload,
		Headers: event.Headers,
	})
	if err != nil {
		return false, err
	}
	if !valid {
		return false, fmt.Errorf("invalid signature")
	}

	mapping := connector.WebhookEventMapping(event.EventType)
	if mapping == nil {
		// Unknown event types are acknowledged, not retried.
		return false, nil
	}

	data, err := connector.ExtractWebhookData(event.RawPayload, event.EventType)
	if err != nil {
		return false, err
	}

	destination, err := p.configStore.GetDestination(ctx, job.DestinationID)
	if err != nil {
		return false, err
	}
	handle, err := p.pool.Get(ctx, storage.PoolContextDestination, destination.ID.Hex(), func(ctx context.Context, id string) (storage.ConnInfo, error) {
		return storage.ConnInfo{
			ConnectionString: destination.Connection.ConnectionString,
			Database:         destination.Connection.Database,
		}, nil
	})
	if err != nil {
		return false, err
	}
	writer := storage.NewDestinationWriter(handle, p.logger)

	live := models.CollectionName(source.Name, mapping.Entity)
	targets := []string{live}

	// A full sync in flight keeps a staging shadow; mirror the write so
	// the post-swap state reflects this event. Staging is only ever
	// detected, never created here.
	staging := models.StagingCollectionName(source.Name, mapping.Entity)
	if exists, err := writer.CollectionExists(ctx, staging); err != nil {
		return false, err
	} else if exists {
		targets = append(targets, staging)
	}

	for _, target := range targets {
		switch mapping.Operation {
		case models.WebhookOpDelete:
			err = writer.DeleteWebhookRecord(ctx, target, source.ID, data.ID)
		default:
			err = writer.UpsertWebhookRecord(ctx, target, source.ID, source.Name, *data, event.EventID)
		}
		if err != nil {
			return false, err
		}
	}

	return true, nil
}
