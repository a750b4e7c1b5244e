// ABOUTME: In-memory fan-out of envelopes to generic subscribers, keyed by topic
// ABOUTME: A topic is an exact event type, a namespace like "validation", or "*" for everything

package broadcast

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/2389/coven-relay/internal/protocol"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64

	// TopicAll receives every published envelope.
	TopicAll = "*"
)

// Broadcaster delivers envelopes to subscribers without ever blocking the
// publisher. Slow subscribers lose events rather than stalling dispatch.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan *protocol.Envelope // topic -> subID -> ch
	dropped     atomic.Int64
	closed      bool
	logger      *slog.Logger
}

// New creates a broadcaster. Pass nil logger for default.
func New(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan *protocol.Envelope),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers for envelopes on topic. The subscription is removed
// and its channel closed when ctx is cancelled or Unsubscribe is called.
func (b *Broadcaster) Subscribe(ctx context.Context, topic string) (<-chan *protocol.Envelope, string) {
	subID := uuid.New().String()
	ch := make(chan *protocol.Envelope, subscriberBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, subID
	}
	if _, ok := b.subscribers[topic]; !ok {
		b.subscribers[topic] = make(map[string]chan *protocol.Envelope)
	}
	b.subscribers[topic][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "topic", topic, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(topic, subID)
	}()

	return ch, subID
}

// Publish delivers env to subscribers of its exact type, its namespace and TopicAll.
func (b *Broadcaster) Publish(env *protocol.Envelope) {
	topics := []string{env.Type, TopicAll}
	if ns := env.Namespace(); ns != env.Type {
		topics = append(topics, ns)
	}

	// Unsubscribe must not close a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, topic := range topics {
		for _, ch := range b.subscribers[topic] {
			select {
			case ch <- env:
			default:
				b.dropped.Add(1)
				b.logger.Debug("dropped event for slow subscriber",
					"envelope_type", env.Type,
					"envelope_id", env.ID)
			}
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(topic, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[topic]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(b.subscribers, topic)
	}

	b.logger.Debug("subscriber removed", "topic", topic, "sub_id", subID)
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (b *Broadcaster) Dropped() int {
	return int(b.dropped.Load())
}

// Close closes every subscriber channel. Later subscriptions get a closed channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for topic, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, topic)
	}
	b.closed = true
}
