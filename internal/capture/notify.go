package capture

import (
	"sync"
	"time"
)

// NotificationKind groups notifications for subscribers
type NotificationKind string

const (
	KindState   NotificationKind = "state"
	KindError   NotificationKind = "error"
	KindCapture NotificationKind = "capture"
)

// Notification is a user-facing message about the camera session
type Notification struct {
	Kind        NotificationKind `json:"kind"`
	State       string           `json:"state,omitempty"`
	Code        string           `json:"code,omitempty"`
	Message     string           `json:"message"`
	Recoverable bool             `json:"recoverable,omitempty"`
	Lens        LensFacing       `json:"lens,omitempty"`
	Location    string           `json:"location,omitempty"`
	Timestamp   time.Time        `json:"timestamp"`
}

// Notifier receives notifications
type Notifier interface {
	Notify(Notification)
}

// NotifierFunc adapts a function to Notifier
type NotifierFunc func(Notification)

func (f NotifierFunc) Notify(n Notification) { f(n) }

// NotificationBus fans notifications out to subscribers
type NotificationBus struct {
	subscribers map[*subscription]bool
	mu          sync.RWMutex
}

type subscription struct {
	kind    NotificationKind // Empty string means receive every kind
	channel chan Notification
	handler Notifier
}

// NewNotificationBus creates an empty bus
func NewNotificationBus() *NotificationBus {
	return &NotificationBus{
		subscribers: make(map[*subscription]bool),
	}
}

// Subscribe registers a handler for every notification.
// Returns an unsubscribe function.
func (b *NotificationBus) Subscribe(handler Notifier) func() {
	return b.add(&subscription{handler: handler})
}

// SubscribeKind registers a handler for one kind of notification
func (b *NotificationBus) SubscribeKind(kind NotificationKind, handler Notifier) func() {
	return b.add(&subscription{kind: kind, handler: handler})
}

// SubscribeChannel returns a buffered channel receiving every notification.
// Notifications are dropped for a full channel.
func (b *NotificationBus) SubscribeChannel(bufferSize int) (<-chan Notification, func()) {
	if bufferSize <= 0 {
		bufferSize = 10
	}

	ch := make(chan Notification, bufferSize)
	sub := &subscription{channel: ch}

	b.mu.Lock()
	b.subscribers[sub] = true
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		if _, ok := b.subscribers[sub]; ok {
			delete(b.subscribers, sub)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, unsubscribe
}

func (b *NotificationBus) add(sub *subscription) func() {
	b.mu.Lock()
	b.subscribers[sub] = true
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subscribers, sub)
		b.mu.Unlock()
	}
}

// Notify implements Notifier. Handlers run synchronously so notifications
// arrive in the order the session produced them.
func (b *NotificationBus) Notify(n Notification) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		if sub.kind != "" && sub.kind != n.Kind {
			continue
		}
		if sub.handler != nil {
			sub.handler.Notify(n)
		} else if sub.channel != nil {
			select {
			case sub.channel <- n:
			default:
			}
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *NotificationBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close unsubscribes everyone and closes channels
func (b *NotificationBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subscribers {
		if sub.channel != nil {
			close(sub.channel)
		}
		delete(b.subscribers, sub)
	}
}
