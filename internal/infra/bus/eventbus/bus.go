// Package eventbus fans resolved events out to in-process subscribers by event type.
package eventbus

import (
	"context"

	"github.com/coachpo/marketrelay/internal/domain/schema"
)

// SubscriptionID uniquely identifies a bus subscription.
type SubscriptionID string

// Bus delivers resolved events to interested subscribers.
type Bus interface {
	Publish(ctx context.Context, evt schema.ResolvedEvent) error
	Subscribe(ctx context.Context, typ schema.SignalType) (SubscriptionID, <-chan schema.ResolvedEvent, error)
	Unsubscribe(id SubscriptionID)
	Close()
}

// MemoryConfig configures the in-memory bus buffers.
type MemoryConfig struct {
	BufferSize    int
	FanoutWorkers int
}

func (c MemoryConfig) normalize() MemoryConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 64
	}
	if c.FanoutWorkers <= 0 {
		c.FanoutWorkers = 4
	}
	return c
}
