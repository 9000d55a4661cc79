// Package schema declares the configuration field tree of each
// connector type. The config store gateway walks a schema to decrypt
// tagged leaves; the control plane renders the same schema in forms.
package schema

import (
	"fmt"
	"sync"

	"github.com/ternarybob/relay/internal/models"
)

// FieldType is the declared shape of a config field.
type FieldType string

const (
	FieldTypeString      FieldType = "string"
	FieldTypePassword    FieldType = "password"
	FieldTypeNumber      FieldType = "number"
	FieldTypeBoolean     FieldType = "boolean"
	FieldTypeObject      FieldType = "object"
	FieldTypeObjectArray FieldType = "object_array"
)

// Field describes one config leaf or subtree.
type Field struct {
	Name        string    `json:"name"`
	Type        FieldType `json:"type"`
	Required    bool      `json:"required,omitempty"`
	Encrypted   bool      `json:"encrypted,omitempty"`
	Description string    `json:"description,omitempty"`
	Fields      []Field   `json:"fields,omitempty"`      // object children
	ItemFields  []Field   `json:"item_fields,omitempty"` // object_array item children
}

// Secret reports whether the field's stored value is ciphertext.
func (f Field) Secret() bool {
	return f.Encrypted || f.Type == FieldTypePassword
}

// ConfigSchema is the full declared config tree for a connector type.
type ConfigSchema struct {
	Type   models.ConnectorType `json:"type"`
	Fields []Field              `json:"fields"`
}

var (
	mu       sync.RWMutex
	registry = make(map[models.ConnectorType]ConfigSchema)
)

// Register adds a connector type's schema. Called from connector package
// init functions; duplicate registration is a programming error.
func Register(s ConfigSchema) {
	mu.Lock()
	defer mu.Unlock()
	if _, exists := registry[s.Type]; exists {
		panic(fmt.Sprintf("schema: duplicate registration for connector type %q", s.Type))
	}
	registry[s.Type] = s
}

// Get returns the schema for a connector type.
func Get(t models.ConnectorType) (ConfigSchema, bool) {
	mu.RLock()
	defer mu.RUnlock()
	s, ok := registry[t]
	return s, ok
}

// Types lists every registered connector type.
func Types() []models.ConnectorType {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]models.ConnectorType, 0, len(registry))
	for t := range registry {
		out = append(out, t)
	}
	return out
}
