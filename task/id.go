package task

import "github.com/google/uuid"

// NewID returns a fresh globally-unique task identifier.
func NewID() string {
	return uuid.NewString()
}
