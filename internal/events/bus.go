// Package events fans notification state transitions out to in-process
// subscribers so delivery outcomes can be observed without polling the store.
package events

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"courier/internal/domain"
)

const defaultBuffer = 64

// StatusChanged is emitted once per terminal transition of a notification.
type StatusChanged struct {
	NotificationID string
	From           domain.Status
	To             domain.Status
	Reason         string
	At             time.Time
}

// Bus is a non-blocking publish/subscribe hub. A subscriber that cannot keep
// up loses events rather than stalling the delivery path.
type Bus struct {
	mu          sync.RWMutex
	subscribers []chan StatusChanged
	closed      bool
	logger      *zap.Logger
}

func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{logger: logger}
}

// Subscribe returns a channel of future transitions. The channel closes when
// the bus shuts down.
func (b *Bus) Subscribe() <-chan StatusChanged {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan StatusChanged, defaultBuffer)
	if b.closed {
		close(ch)
		return ch
	}

	b.subscribers = append(b.subscribers, ch)
	return ch
}

func (b *Bus) Publish(event StatusChanged) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			b.logger.Warn("dropping status event for slow subscriber",
				zap.String("notificationId", event.NotificationID),
				zap.String("to", event.To.String()),
			)
		}
	}
}

func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for _, ch := range b.subscribers {
		close(ch)
	}
	b.subscribers = nil
}
