// Package sync contains the sync executor (staging and hot swap), the
// chunked entity runner and the job runtime that drives them.
package sync

import (
	"context"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/relay/internal/common"
	"github.com/ternarybob/relay/internal/interfaces"
	"github.com/ternarybob/relay/internal/models"
	storage "github.com/ternarybob/relay/internal/storage/mongo"
	"github.com/ternarybob/relay/internal/syncerrors"
)

// Executor applies one entity of one connector to one destination.
// Full syncs load a staging collection and promote it; incremental syncs
// upsert straight into the live collection above a _syncedAt watermark.
type Executor struct {
	config common.SyncConfig
	logger arbor.ILogger
}

// NewExecutor creates the executor.
func NewExecutor(config common.SyncConfig, logger arbor.ILogger) *Executor {
	return &Executor{config: config, logger: logger}
}

// EntityRequest names everything one entity sync needs.
type EntityRequest struct {
	Connector   interfaces.Connector
	Source      *models.Connector
	Writer      *storage.DestinationWriter
	Entity      string
	Incremental bool
	ExecLogger  interfaces.ExecutionLogger
}

// EntityResult reports one finished entity sync.
type EntityResult struct {
	Records int64
	Chunks  int
}

// SyncEntity runs the full lifecycle for one entity: prepare the target
// collection, fetch (chunked when the connector supports it), then
// promote on full syncs. A failed full sync drops its staging collection
// and leaves live untouched.
func (e *Executor) SyncEntity(ctx context.Context, req EntityRequest) (EntityResult, error) {
	live := models.CollectionName(req.Source.Name, req.Entity)

	var since *time.Time
	target := live
	if req.Incremental {
		req.Writer.EnsureIndexes(ctx, live)
		watermark, err := req.Writer.MaxSyncedAt(ctx, live, req.Source.ID)
		if err != nil {
			return EntityResult{}, err
		}
		since = watermark
	} else {
		staging, err := req.Writer.PrepareStaging(ctx, req.Source.Name, req.Entity)
		if err != nil {
			return EntityResult{}, err
		}
		target = staging
	}

	result, err := e.fetchInto(ctx, req, target, since)
	if err != nil {
		if !req.Incremental {
			if dropErr := req.Writer.DropStaging(context.WithoutCancel(ctx), req.Source.Name, req.Entity); dropErr != nil {
				e.logger.Warn().
					Str("entity", req.Entity).
					Err(dropErr).
					Msg("Failed to drop staging after sync failure")
			}
		}
		return result, err
	}

	if !req.Incremental {
		if err := req.Writer.PromoteStaging(ctx, req.Source.Name, req.Entity); err != nil {
			return result, err
		}
		req.Writer.EnsureIndexes(ctx, live)
	}

	req.ExecLogger.Logf("info", "entity %s: synced %d records in %d chunks", req.Entity, result.Records, result.Chunks)
	return result, nil
}

// fetchInto streams the entity into the target collection, looping
// chunks under the per-entity safety cap for resumable connectors.
func (e *Executor) fetchInto(ctx context.Context, req EntityRequest, target string, since *time.Time) (EntityResult, error) {
	var result EntityResult

	settings := req.Source.Settings.WithDefaults()
	onBatch := func(ctx context.Context, records []models.Record) error {
		if _, err := req.Writer.WriteBatch(ctx, target, req.Source.ID, req.Source.Name, records); err != nil {
			return err
		}
		result.Records += int64(len(records))
		return nil
	}

	opts := interfaces.FetchOptions{
		Entity:         req.Entity,
		BatchSize:      settings.BatchSize,
		OnBatch:        onBatch,
		Since:          since,
		RateLimitDelay: time.Duration(settings.RateLimitDelayMs) * time.Millisecond,
		MaxRetries:     settings.MaxRetries,
	}

	if !req.Connector.SupportsResumableFetching() {
		result.Chunks = 1
		return result, req.Connector.FetchEntity(ctx, opts)
	}

	var state *models.FetchState
	for {
		if result.Chunks >= e.config.MaxChunksPerEntity {
			return result, &syncerrors.ConnectorLogicError{
				Connector: string(req.Source.Type),
				Reason:    "pagination did not terminate within the chunk cap",
			}
		}

		next, err := req.Connector.FetchEntityChunk(ctx, interfaces.ResumableFetchOptions{
			FetchOptions:  opts,
			MaxIterations: e.config.MaxIterationsPerChunk,
			State:         state,
		})
		result.Chunks++
		if err != nil {
			return result, err
		}
		if !next.HasMore {
			return result, nil
		}
		state = &next

		req.ExecLogger.Logf("debug", "entity %s: chunk %d done, %d records so far", req.Entity, result.Chunks, next.TotalProcessed)
	}
}
