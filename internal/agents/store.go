// Package agents manages agent definitions: persistence, change
// notifications, the read-mostly snapshot cache, and file-based loading.
package agents

import (
	"context"

	"github.com/mongoclaw/mongoclaw/pkg/models"
)

// ChangeKind tags an agent store notification.
type ChangeKind string

const (
	AgentCreated ChangeKind = "created"
	AgentUpdated ChangeKind = "updated"
	AgentDeleted ChangeKind = "deleted"
)

// Notice is one agent store change notification.
type Notice struct {
	Kind ChangeKind
	ID   string
}

// Store persists agent definitions. Upsert bumps the revision whenever the
// definition's semantics change, which in turn invalidates idempotency keys.
type Store interface {
	List(ctx context.Context) ([]models.Agent, error)
	ListEnabled(ctx context.Context) ([]models.Agent, error)
	Get(ctx context.Context, id string) (*models.Agent, error)
	Upsert(ctx context.Context, agent *models.Agent) error
	Delete(ctx context.Context, id string) error

	// SubscribeChanges returns a channel of change notices. The channel is
	// closed when ctx is cancelled.
	SubscribeChanges(ctx context.Context) (<-chan Notice, error)
}

// ErrNotFound is returned when a requested agent does not exist.
type ErrNotFound struct {
	ID string
}

func (e *ErrNotFound) Error() string {
	return "agent not found: " + e.ID
}
