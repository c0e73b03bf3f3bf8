package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Task statuses, in lifecycle order.
const (
	StatusPending    = "pending"
	StatusDispatched = "dispatched"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Task is the relay-side audit record of one inference request.
type Task struct {
	ID          string
	InputText   string
	Status      string
	Response    string
	CreatedAt   time.Time
	CompletedAt time.Time // zero until completed or failed
}
