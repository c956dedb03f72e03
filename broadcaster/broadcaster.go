// Package broadcaster provides detyped notifications of changes in
// application state. Components broadcast events that may be of interest to
// others; there is no overhead to broadcasting an event nobody subscribed to.
package broadcaster

import (
	"sync"

	"github.com/google/uuid"
)

// Event names published by the login client.
const (
	LoggedIn            = "loggedin"
	Logout              = "logout"
	AuthenticationError = "authenticationError"
	CommunicationError  = "communicationError"
	NoFederatedToken    = "noFederatedToken"
)

// subscriberBuffer bounds how far a slow subscriber may lag before events are
// dropped for it. Delivery is fire-and-forget.
const subscriberBuffer = 16

// Event is a broadcast payload tagged with the event name it was published
// under.
type Event struct {
	Key  string
	Data any
}

// Subscription identifies a single subscriber so it can be detached again.
type Subscription struct {
	id  string
	key string
	b   *Broadcaster
}

// Close detaches the subscriber and closes its channel. Safe to call more
// than once.
func (s Subscription) Close() {
	s.b.unsubscribe(s.key, s.id)
}

// Broadcaster is an in-process publish/subscribe channel keyed by event name.
type Broadcaster struct {
	lock sync.RWMutex
	subs map[string]map[string]chan Event // event name -> subscription id -> channel
}

func New() *Broadcaster {
	return &Broadcaster{subs: make(map[string]map[string]chan Event)}
}

// Broadcast publishes an event to every current subscriber of key. A
// subscriber whose buffer is full misses the event rather than blocking the
// publisher.
func (b *Broadcaster) Broadcast(key string, data any) {
	b.lock.RLock()
	defer b.lock.RUnlock()

	for _, ch := range b.subs[key] {
		select {
		case ch <- Event{Key: key, Data: data}:
		default:
		}
	}
}

// On subscribes to an event by name. The returned channel receives every
// future broadcast of key until the Subscription is closed.
func (b *Broadcaster) On(key string) (<-chan Event, Subscription) {
	b.lock.Lock()
	defer b.lock.Unlock()

	ch := make(chan Event, subscriberBuffer)
	id := uuid.New().String()
	if b.subs[key] == nil {
		b.subs[key] = make(map[string]chan Event)
	}
	b.subs[key][id] = ch
	return ch, Subscription{id: id, key: key, b: b}
}

func (b *Broadcaster) unsubscribe(key, id string) {
	b.lock.Lock()
	defer b.lock.Unlock()

	chans, ok := b.subs[key]
	if !ok {
		return
	}
	ch, ok := chans[id]
	if !ok {
		return
	}
	delete(chans, id)
	close(ch)
}
