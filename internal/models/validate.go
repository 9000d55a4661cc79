package models

import "github.com/go-playground/validator/v10"

// Shared instance; validator caches struct metadata per type.
var validate = validator.New()

// Validate checks the fields a sync run cannot start without.
func (j *SyncJob) Validate() error {
	return validate.Struct(j)
}

// Validate checks the fields every connector type requires; the
// type-specific config bag is validated by the connector itself.
func (c *Connector) Validate() error {
	return validate.Struct(c)
}

// Validate checks the destination after its connection has been
// decrypted.
func (d *Destination) Validate() error {
	return validate.Struct(d)
}
