package realtime

import (
	"fmt"

	"github.com/google/uuid"
)

// Fanout key scheme. A connection subscribes to its room channel, a
// connection-private key, and its actor identity key.

// ChannelKey names the shared room stream for a channel.
func ChannelKey(channelID uint) string {
	return fmt.Sprintf("chan:%d", channelID)
}

// ActorKey names the per-identity stream for an actor cache key.
func ActorKey(actorCacheKey string) string {
	return "user:" + actorCacheKey
}

// NewConnKey mints a fresh connection-private key.
func NewConnKey() string {
	return "ws:" + uuid.NewString()
}
