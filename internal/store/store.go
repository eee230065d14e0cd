// Package store persists scored events, incidents and threat indicators and
// serves the correlation history queries.
package store

import (
	"context"
	"time"

	"github.com/nodeguard-project/nodeguard/internal/core"
)

// Store is the persistence backend. WriteTask is transactional: either the
// whole task (event, incident, indicators) lands or none of it does, so a
// retried task never half-applies.
type Store interface {
	WriteTask(ctx context.Context, task *core.PersistenceTask) error
	RelatedEvents(ctx context.Context, filters map[string]string, since time.Time, limit int) ([]core.RelatedEvent, error)
	Ping(ctx context.Context) error
	Close()
}
