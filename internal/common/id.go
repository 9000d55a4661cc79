package common

import (
	"os"

	"github.com/google/uuid"
)

// NewWorkerID generates a unique worker identifier with the "wrk_" prefix.
// Format: wrk_<uuid>
func NewWorkerID() string {
	return "wrk_" + uuid.New().String()
}

// NewEventID generates a unique webhook event identifier with the
// "evt_" prefix, used when the upstream delivery carries no event id.
func NewEventID() string {
	return "evt_" + uuid.New().String()
}

// Hostname returns the host name or "unknown".
func Hostname() string {
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return host
}
