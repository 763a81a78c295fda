// Package events fans notifications out to every connected presentation process.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/lzy19926/lzy-code-editor/internal/metrics"
	"github.com/lzy19926/lzy-code-editor/pkg/protocol"
)

// subscriberBuffer is the per-subscriber queue length.
const subscriberBuffer = 64

// Notification is a message published on a named channel.
type Notification struct {
	Channel string
	Payload json.RawMessage
	// Origin is the subscriber that published it. It does not receive its
	// own notification. Empty for host-originated events.
	Origin    string
	Timestamp int64
}

// Message converts n into a notify frame.
func (n Notification) Message() protocol.Message {
	return protocol.Message{Type: protocol.TypeNotify, Channel: n.Channel, Payload: n.Payload}
}

// Broadcaster manages subscribers and publishes notifications.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]chan Notification
}

// NewBroadcaster creates a new broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[string]chan Notification),
	}
}

// Subscribe adds a subscriber under id and returns its channel.
// The caller must call Unsubscribe when done.
func (b *Broadcaster) Subscribe(id string) <-chan Notification {
	ch := make(chan Notification, subscriberBuffer)
	b.mu.Lock()
	if old, ok := b.subscribers[id]; ok {
		close(old)
	}
	b.subscribers[id] = ch
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	if ch, ok := b.subscribers[id]; ok {
		delete(b.subscribers, id)
		close(ch)
	}
	b.mu.Unlock()
}

// Publish sends n to every subscriber except its origin. Non-blocking:
// notifications for slow consumers are dropped.
func (b *Broadcaster) Publish(n Notification) {
	if n.Timestamp == 0 {
		n.Timestamp = time.Now().Unix()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subscribers {
		if id == n.Origin {
			continue
		}
		select {
		case ch <- n:
		default:
			metrics.RecordNotificationDropped()
		}
	}
	metrics.RecordNotification(n.Channel)
}

// PublishJSON marshals payload and publishes it as a host notification.
func (b *Broadcaster) PublishJSON(channel string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	b.Publish(Notification{Channel: channel, Payload: data})
	return nil
}

// Count returns the current number of subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
