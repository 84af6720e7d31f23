package capbus

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rbaliyan/capbus/message"
)

// Handler processes one received message. The returned value, when non-nil
// and the message carries a callback topic, is published as the callback
// result. A returned error sends the message through the receive-side retry
// machine.
type Handler func(ctx context.Context, m *message.Message) (any, error)

// ConsumerExecutorDescriptor is one immutable routing table entry: the
// handler bound to a (topic, group) pair. TopicName and Group carry the
// configured prefix and version suffix already applied.
type ConsumerExecutorDescriptor struct {
	TopicName string
	Group     string
	Handler   Handler
}

func routeKey(topic, group string) string {
	return topic + "@" + group
}

// Registry is the subscriber routing table. Registrations happen before the
// bus starts; lookups are concurrent afterwards.
type Registry struct {
	mu     sync.RWMutex
	routes map[string]*ConsumerExecutorDescriptor
	groups map[string][]string // group -> topics, registration order
}

// NewRegistry creates an empty routing table.
func NewRegistry() *Registry {
	return &Registry{
		routes: make(map[string]*ConsumerExecutorDescriptor),
		groups: make(map[string][]string),
	}
}

// Add registers a handler for a (topic, group) pair. Registering the same
// pair twice is an error; two handlers for one route would make delivery
// order meaningless.
func (r *Registry) Add(topic, group string, h Handler) error {
	if topic == "" {
		return ErrEmptyTopic
	}
	if h == nil {
		return ErrNilHandler
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := routeKey(topic, group)
	if _, ok := r.routes[key]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateSubscriber, key)
	}
	r.routes[key] = &ConsumerExecutorDescriptor{
		TopicName: topic,
		Group:     group,
		Handler:   h,
	}
	r.groups[group] = append(r.groups[group], topic)
	return nil
}

// Lookup returns the descriptor for a (topic, group) pair.
func (r *Registry) Lookup(topic, group string) (*ConsumerExecutorDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.routes[routeKey(topic, group)]
	return d, ok
}

// Groups returns all consumer groups with at least one subscription, sorted
// for deterministic startup.
func (r *Registry) Groups() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.groups))
	for g := range r.groups {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

// Topics returns the topics subscribed by a group in registration order.
func (r *Registry) Topics(group string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	topics := r.groups[group]
	out := make([]string, len(topics))
	copy(out, topics)
	return out
}
