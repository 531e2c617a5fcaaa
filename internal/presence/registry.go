// Package presence tracks which users have live realtime connections to this
// process and fans events out to them. The registry is process-local: a user
// is "online" when at least one SSE or websocket connection on this instance
// holds a subscription for them.
package presence

import "sync"

// Event types pushed to live connections.
const (
	EventNewMessage       = "new_message"
	EventTriggerDelivered = "trigger_delivered"
	EventNotification     = "notification"
)

// Event is one realtime notification pushed to a user's live connections.
// Payload must be JSON-marshalable; transports serialize the whole event.
type Event struct {
	Type    string `json:"type"`
	UserID  string `json:"user_id"`
	Payload any    `json:"payload,omitempty"`
}

// Subscriber is an active registration. Callbacks run on the broadcasting
// goroutine, so they must not block; transports typically push into a
// buffered channel and drop on overflow.
type Subscriber struct {
	id     int
	userID string
	fn     func(Event)
}

// UserID returns the user this subscription belongs to.
func (s *Subscriber) UserID() string {
	return s.userID
}

// Registry is the in-process presence table.
type Registry struct {
	mu     sync.RWMutex
	users  map[string]map[*Subscriber]struct{}
	nextID int
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		users: make(map[string]map[*Subscriber]struct{}),
	}
}

// Subscribe registers a callback for a user's events. The returned handle
// must be passed to Unsubscribe when the connection closes.
func (r *Registry) Subscribe(userID string, fn func(Event)) *Subscriber {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	sub := &Subscriber{
		id:     r.nextID,
		userID: userID,
		fn:     fn,
	}
	set, ok := r.users[userID]
	if !ok {
		set = make(map[*Subscriber]struct{})
		r.users[userID] = set
	}
	set[sub] = struct{}{}
	return sub
}

// Unsubscribe removes a subscription. Safe to call more than once or with nil.
func (r *Registry) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.users[sub.userID]
	if !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(r.users, sub.userID)
	}
}

// IsOnline reports whether the user has at least one live subscription.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID]) > 0
}

// SubscriberCount returns the number of live subscriptions for a user.
func (r *Registry) SubscriberCount(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID])
}

// TotalSubscribers returns the number of live subscriptions across all users.
func (r *Registry) TotalSubscribers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, set := range r.users {
		n += len(set)
	}
	return n
}

// OnlineUserCount returns the number of users with at least one subscription.
func (r *Registry) OnlineUserCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}

// Broadcast delivers an event to every live subscription for the user and
// returns how many callbacks completed. The subscriber set is snapshotted
// under the read lock and callbacks run outside it, each behind its own
// recover, so one panicking subscriber cannot take down the rest.
func (r *Registry) Broadcast(userID string, ev Event) int {
	ev.UserID = userID

	r.mu.RLock()
	snapshot := make([]*Subscriber, 0, len(r.users[userID]))
	for sub := range r.users[userID] {
		snapshot = append(snapshot, sub)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, sub := range snapshot {
		if invoke(sub.fn, ev) {
			delivered++
		}
	}
	return delivered
}

func invoke(fn func(Event), ev Event) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	fn(ev)
	return true
}
