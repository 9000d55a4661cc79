// Package mongo holds every document-store concern: the keyed
// connection pool, the control-plane gateway and status stores, and the
// destination write pipeline.
package mongo

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"go.mongodb.org/mongo-driver/event"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/sync/singleflight"
)

// PoolContext namespaces pool keys so the control-plane handle never
// collides with a destination handle for the same identifier.
type PoolContext string

const (
	PoolContextMain        PoolContext = "main"
	PoolContextDestination PoolContext = "destination"
	PoolContextDataSource  PoolContext = "datasource"
	PoolContextWorkspace   PoolContext = "workspace"
)

const (
	pingTimeout           = 5 * time.Second
	defaultIdleTimeout    = 5 * time.Minute
	defaultReapInterval   = time.Minute
	handleMaxPoolSize     = 10
	handleMinPoolSize     = 2
	handleMaxConnIdle     = 30 * time.Second
	handleServerSelection = 10 * time.Second
	handleConnectTimeout  = 10 * time.Second
)

// ConnInfo resolves to a dialable destination.
type ConnInfo struct {
	ConnectionString string
	Database         string
}

// LookupFunc resolves an identifier to connection info on pool miss.
type LookupFunc func(ctx context.Context, id string) (ConnInfo, error)

// Handle is a pooled destination database handle.
type Handle struct {
	Client   *mongo.Client
	Database *mongo.Database
}

type poolKey struct {
	Context PoolContext
	ID      string
}

func (k poolKey) String() string {
	return string(k.Context) + ":" + k.ID
}

type poolEntry struct {
	handle   *Handle
	lastUsed time.Time
}

// PoolStats is a point-in-time snapshot for observability.
type PoolStats struct {
	Entries []PoolEntryStats `json:"entries"`
}

// PoolEntryStats describes one pooled handle.
type PoolEntryStats struct {
	Context  PoolContext `json:"context"`
	ID       string      `json:"id"`
	LastUsed time.Time   `json:"last_used"`
}

// ConnectionPool multiplexes destination handles across jobs and the
// webhook processor. Mutations on the keyed map are serialized; handle
// establishment is deduplicated so concurrent callers with the same key
// share a single dial.
type ConnectionPool struct {
	mu          sync.Mutex
	entries     map[poolKey]*poolEntry
	dials       singleflight.Group
	logger      arbor.ILogger
	idleTimeout time.Duration
	stopReaper  chan struct{}
	reaperOnce  sync.Once
}

// NewConnectionPool creates an empty pool. idleTimeout <= 0 uses the
// 5 minute default.
func NewConnectionPool(logger arbor.ILogger, idleTimeout time.Duration) *ConnectionPool {
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleTimeout
	}
	return &ConnectionPool{
		entries:     make(map[poolKey]*poolEntry),
		logger:      logger,
		idleTimeout: idleTimeout,
		stopReaper:  make(chan struct{}),
	}
}

// Get returns a healthy handle for (pctx, id), dialing via lookup on
// miss. A ping failure is not surfaced: the entry is evicted and a
// reconnect is attempted; only a failed reconnect propagates.
func (p *ConnectionPool) Get(ctx context.Context, pctx PoolContext, id string, lookup LookupFunc) (*Handle, error) {
	key := poolKey{Context: pctx, ID: id}

	p.mu.Lock()
	entry, ok := p.entries[key]
	p.mu.Unlock()

	if ok {
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		err := entry.handle.Client.Ping(pingCtx, nil)
		cancel()
		if err == nil {
			p.mu.Lock()
			entry.lastUsed = time.Now()
			p.mu.Unlock()
			return entry.handle, nil
		}
		p.logger.Warn().
			Str("context", string(pctx)).
			Str("id", id).
			Err(err).
			Msg("Pooled connection failed ping, reconnecting")
		p.evict(key)
	}

	handle, err, _ := p.dials.Do(key.String(), func() (interface{}, error) {
		// Another caller may have repopulated the entry while we waited
		// on the flight group.
		p.mu.Lock()
		if entry, ok := p.entries[key]; ok {
			entry.lastUsed = time.Now()
			p.mu.Unlock()
			return entry.handle, nil
		}
		p.mu.Unlock()

		return p.establish(ctx, key, lookup)
	})
	if err != nil {
		return nil, err
	}
	return handle.(*Handle), nil
}

func (p *ConnectionPool) establish(ctx context.Context, key poolKey, lookup LookupFunc) (*Handle, error) {
	info, err := lookup(ctx, key.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve connection for %s: %w", key.String(), err)
	}

	retryReads := true
	retryWrites := true
	opts := options.Client().
		ApplyURI(info.ConnectionString).
		SetMaxPoolSize(handleMaxPoolSize).
		SetMinPoolSize(handleMinPoolSize).
		SetMaxConnIdleTime(handleMaxConnIdle).
		SetServerSelectionTimeout(handleServerSelection).
		SetConnectTimeout(handleConnectTimeout).
		SetRetryReads(retryReads).
		SetRetryWrites(retryWrites).
		SetPoolMonitor(&event.PoolMonitor{
			Event: func(evt *event.PoolEvent) {
				// A cleared driver pool means the topology went away;
				// drop our entry so the next Get re-establishes.
				if evt.Type == event.PoolCleared {
					p.evict(key)
				}
			},
		})

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", key.String(), err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	err = client.Ping(pingCtx, nil)
	cancel()
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping %s: %w", key.String(), err)
	}

	handle := &Handle{Client: client, Database: client.Database(info.Database)}

	p.mu.Lock()
	p.entries[key] = &poolEntry{handle: handle, lastUsed: time.Now()}
	p.mu.Unlock()

	p.logger.Info().
		Str("context", string(key.Context)).
		Str("id", key.ID).
		Str("database", info.Database).
		Msg("Destination connection established")

	return handle, nil
}

func (p *ConnectionPool) evict(key poolKey) {
	p.mu.Lock()
	entry, ok := p.entries[key]
	if ok {
		delete(p.entries, key)
	}
	p.mu.Unlock()

	if ok {
		disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = entry.handle.Client.Disconnect(disconnectCtx)
	}
}

// Close evicts and closes a single entry.
func (p *ConnectionPool) Close(pctx PoolContext, id string) {
	p.evict(poolKey{Context: pctx, ID: id})
}

// CloseAll closes every pooled handle. Used at shutdown.
func (p *ConnectionPool) CloseAll() {
	p.mu.Lock()
	keys := make([]poolKey, 0, len(p.entries))
	for key := range p.entries {
		keys = append(keys, key)
	}
	p.mu.Unlock()

	for _, key := range keys {
		p.evict(key)
	}
	p.reaperOnce.Do(func() { close(p.stopReaper) })
}

// Stats snapshots the pool for logging.
func (p *ConnectionPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := PoolStats{Entries: make([]PoolEntryStats, 0, len(p.entries))}
	for key, entry := range p.entries {
		stats.Entries = append(stats.Entries, PoolEntryStats{
			Context:  key.Context,
			ID:       key.ID,
			LastUsed: entry.lastUsed,
		})
	}
	return stats
}

// StartReaper launches the idle reclamation loop. Entries unused for
// longer than the idle timeout are closed every reap interval.
func (p *ConnectionPool) StartReaper(reapInterval time.Duration) {
	if reapInterval <= 0 {
		reapInterval = defaultReapInterval
	}
	go func() {
		ticker := time.NewTicker(reapInterval)
		defer ticker.Stop()
		for {
			select {
			case <-p.stopReaper:
				return
			case <-ticker.C:
				p.reapIdle()
			}
		}
	}()
}

func (p *ConnectionPool) reapIdle() {
	cutoff := time.Now().Add(-p.idleTimeout)

	p.mu.Lock()
	var stale []poolKey
	for key, entry := range p.entries {
		if entry.lastUsed.Before(cutoff) {
			stale = append(stale, key)
		}
	}
	p.mu.Unlock()

	for _, key := range stale {
		p.logger.Debug().
			Str("context", string(key.Context)).
			Str("id", key.ID).
			Msg("Reaping idle destination connection")
		p.evict(key)
	}
}
