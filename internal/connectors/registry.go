// Package connectors hosts the connector registry and the helpers every
// connector implementation shares. Concrete connectors live in
// subpackages and register themselves at init.
package connectors

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/relay/internal/interfaces"
	"github.com/ternarybob/relay/internal/models"
	"github.com/ternarybob/relay/internal/syncerrors"
)

// Factory builds a connector instance bound to one configured source.
// The config handed in is already decrypted.
type Factory func(connector *models.Connector, logger arbor.ILogger) (interfaces.Connector, error)

var (
	mu        sync.RWMutex
	factories = make(map[models.ConnectorType]Factory)
	metadata  = make(map[models.ConnectorType]interfaces.ConnectorMetadata)
)

// Register installs a factory for a connector type. Called from each
// connector package's init; duplicates are a programming error.
func Register(t models.ConnectorType, factory Factory) {
	mu.Lock()
	defer mu.Unlock()
	if _, exists := factories[t]; exists {
		panic(fmt.Sprintf("connectors: duplicate registration for type %q", t))
	}
	factories[t] = factory
}

// New builds a connector for the given configuration.
func New(connector *models.Connector, logger arbor.ILogger) (interfaces.Connector, error) {
	mu.RLock()
	factory, ok := factories[connector.Type]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", syncerrors.ErrUnknownConnectorType, connector.Type)
	}
	return factory(connector, logger)
}

// Types lists registered connector types in stable order.
func Types() []models.ConnectorType {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]models.ConnectorType, 0, len(factories))
	for t := range factories {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Metadata returns cached metadata for a connector type, building a
// throwaway instance on first request.
func Metadata(t models.ConnectorType, logger arbor.ILogger) (interfaces.ConnectorMetadata, error) {
	mu.RLock()
	meta, ok := metadata[t]
	mu.RUnlock()
	if ok {
		return meta, nil
	}

	probe := &models.Connector{Type: t, Config: map[string]interface{}{}}
	instance, err := New(probe, logger)
	if err != nil {
		return interfaces.ConnectorMetadata{}, err
	}
	meta = instance.Metadata()

	mu.Lock()
	metadata[t] = meta
	mu.Unlock()
	return meta, nil
}
