// Package fanout broadcasts message events to live room subscribers.
//
// Delivery is best-effort: nothing is buffered for subscribers that join
// later, nothing is retried, and a subscriber that falls behind loses events
// rather than slowing the publisher.
package fanout

import (
	"context"
	"errors"

	"github.com/eldtechnologies/chatrelay/internal/models"
)

// DefaultBuffer is the per-subscriber event buffer.
const DefaultBuffer = 64

// ErrClosed is returned when using a bus after Close.
var ErrClosed = errors.New("fanout: bus closed")

// Subscription is a live stream of events for one channel.
type Subscription interface {
	// Events is closed once the subscription ends.
	Events() <-chan models.MessageEvent
	// Close stops delivery. It is safe to call more than once.
	Close() error
}

// Bus is a per-channel publish/subscribe transport.
type Bus interface {
	Publish(ctx context.Context, channel string, event models.MessageEvent) error
	// Subscribe registers for events on channel until ctx is done or the
	// subscription is closed.
	Subscribe(ctx context.Context, channel string) (Subscription, error)
	Close() error
}

// RoomChannel is the bus address for a room.
func RoomChannel(roomID string) string {
	return "room:" + roomID
}
