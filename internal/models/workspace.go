package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Workspace is the tenant boundary. Every other entity is owned by
// exactly one workspace.
type Workspace struct {
	ID        primitive.ObjectID     `bson:"_id" json:"id"`
	Name      string                 `bson:"name" json:"name"`
	Slug      string                 `bson:"slug" json:"slug"`
	Settings  map[string]interface{} `bson:"settings,omitempty" json:"settings,omitempty"`
	CreatedAt time.Time              `bson:"createdAt" json:"created_at"`
	UpdatedAt time.Time              `bson:"updatedAt" json:"updated_at"`
}
