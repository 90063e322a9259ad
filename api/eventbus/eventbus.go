// Package eventbus implements the process-wide event stream used to fan
// out framework events to application subscribers.
package eventbus

import (
	"sync"

	"github.com/cskr/pubsub/v2"
)

const busCapacity = 8

// UnsubFunc removes a subscription from the bus.
type UnsubFunc func()

// Token represents a single subscription on the bus.
type Token struct {
	// C delivers published event data. It is closed on unsubscribe.
	C chan any

	topic  uint
	active bool

	// Unsubscribe removes this subscription.
	Unsubscribe UnsubFunc
}

// IsActive reports whether this subscription will receive events.
func (t *Token) IsActive() bool {
	return t.active
}

var (
	busMu sync.Mutex
	bus   *pubsub.PubSub[uint, any]
)

func currentBus() *pubsub.PubSub[uint, any] {
	busMu.Lock()
	defer busMu.Unlock()

	if bus == nil {
		bus = pubsub.New[uint, any](busCapacity)
	}

	return bus
}

// Subscribe registers a subscription for the provided topic.
func Subscribe(topic uint) *Token {
	b := currentBus()
	ch := b.Sub(topic)

	token := &Token{C: ch, topic: topic, active: true}
	var once sync.Once
	token.Unsubscribe = func() {
		once.Do(func() {
			token.active = false
			go b.Unsub(ch, topic)
		})
	}

	return token
}

// Publish publishes event data to all subscribers of the provided topic.
// Publishing never blocks the caller beyond subscriber channel capacity.
func Publish(topic uint, data any) {
	currentBus().TryPub(data, topic)
}
