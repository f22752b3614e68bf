package ports

import (
	"context"

	"github.com/mikey-austin/glassroll/pkg/roll"
)

// Broker publishes commands and reads retained state/presence.
type Broker interface {
	ReplyTopic() string
	PublishCommand(ctx context.Context, nodeID string, cmd roll.CommandEnvelope) (roll.ReplyEnvelope, error)
	ListPresence(ctx context.Context) ([]roll.Presence, error)
	GetGalleryState(ctx context.Context, nodeID string) (roll.GalleryState, error)
}

// Clock returns the current unix time in seconds.
type Clock interface {
	NowUnix() int64
}

// IDGen returns unique correlation IDs.
type IDGen interface {
	NewID() string
}
