// Package broadcast pushes migration progress events to live listeners.
//
// Delivery is best effort. Listeners that miss an event recover by polling
// the migration record, which stays the source of truth.
package broadcast

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/ekaya-inc/crm-migrations/pkg/models"
)

// Broadcaster publishes events to a named channel. Publish never blocks on
// slow listeners and never reports failure to the caller.
type Broadcaster interface {
	Publish(ctx context.Context, channel string, event any)
}

// Channel returns the progress channel for an entity type.
func Channel(prefix string, t models.EntityType) string {
	return prefix + ":" + string(t)
}

// Nop discards every event.
type Nop struct{}

// Publish implements Broadcaster.
func (Nop) Publish(context.Context, string, any) {}

func encode(logger *zap.Logger, channel string, event any) ([]byte, bool) {
	if raw, ok := event.([]byte); ok {
		return raw, true
	}
	data, err := json.Marshal(event)
	if err != nil {
		logger.Warn("Dropping event that cannot be encoded",
			zap.String("channel", channel),
			zap.Error(err))
		return nil, false
	}
	return data, true
}
