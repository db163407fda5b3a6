package storage

import (
	"github.com/google/uuid"
)

// NewRunID returns a random identifier for a dump run.
func NewRunID() string {
	return uuid.NewString()
}
