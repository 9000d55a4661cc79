package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// DestinationConnection holds the document-store endpoint. Both fields
// are persisted as ciphertext and decrypted by the config store gateway.
type DestinationConnection struct {
	ConnectionString string `bson:"connectionString" json:"connection_string" validate:"required"`
	Database         string `bson:"database" json:"database" validate:"required"`
}

// Destination is a per-workspace document-store target.
type Destination struct {
	ID          primitive.ObjectID    `bson:"_id" json:"id"`
	WorkspaceID primitive.ObjectID    `bson:"workspaceId" json:"workspace_id" validate:"required"`
	Name        string                `bson:"name" json:"name" validate:"required"`
	Kind        string                `bson:"kind" json:"kind"` // always "documentStore"
	Connection  DestinationConnection `bson:"connection" json:"connection"`
	CreatedAt   time.Time             `bson:"createdAt" json:"created_at"`
	UpdatedAt   time.Time             `bson:"updatedAt" json:"updated_at"`
}
