package tagbox

import (
	"slices"
	"sync"

	"github.com/kode4food/caravan"
	"github.com/kode4food/caravan/topic"
)

type (
	// EventHub fans written events out to in-process consumers through a
	// caravan topic, skipping events no consumer is interested in
	EventHub struct {
		inner     topic.Topic[*Event]
		producer  topic.Producer[*Event]
		consumers map[*Consumer]struct{}
		mu        sync.RWMutex
		closed    bool
	}

	// EventFilter selects events by type and by tag group. Empty fields
	// match everything
	EventFilter struct {
		Types     []EventType
		TagGroups []string
	}

	// Consumer receives the hub's events that match its filter, in publish
	// order
	Consumer struct {
		hub       *EventHub
		inner     topic.Consumer[*Event]
		filter    EventFilter
		filtered  <-chan *Event
		done      chan struct{}
		once      sync.Once
		closeOnce sync.Once
	}
)

// NewEventHub creates an EventHub with no consumers
func NewEventHub() *EventHub {
	inner := caravan.NewTopic[*Event]()
	return &EventHub{
		inner:     inner,
		producer:  inner.NewProducer(),
		consumers: map[*Consumer]struct{}{},
	}
}

// NewConsumer registers a consumer interested in events matching filter
func (h *EventHub) NewConsumer(filter EventFilter) *Consumer {
	c := &Consumer{
		hub:    h,
		inner:  h.inner.NewConsumer(),
		filter: filter,
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.consumers[c] = struct{}{}
	return c
}

// Publish sends the events that at least one consumer would receive. It
// does nothing once the hub is closed
func (h *EventHub) Publish(evs ...*Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return
	}
	for _, ev := range evs {
		if h.hasSubscribers(ev) {
			h.producer.Send() <- ev
		}
	}
}

// HasSubscribers reports whether any consumer would receive the event
func (h *EventHub) HasSubscribers(ev *Event) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.hasSubscribers(ev)
}

// Close stops publishing. Consumers stay open until closed themselves
func (h *EventHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	h.producer.Close()
}

func (h *EventHub) hasSubscribers(ev *Event) bool {
	for c := range h.consumers {
		if c.filter.Matches(ev) {
			return true
		}
	}
	return false
}

func (h *EventHub) remove(c *Consumer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.consumers, c)
}

// Matches reports whether the event passes the filter
func (f EventFilter) Matches(ev *Event) bool {
	if len(f.Types) > 0 && !slices.Contains(f.Types, ev.Type) {
		return false
	}
	if len(f.TagGroups) == 0 {
		return true
	}
	for _, g := range f.TagGroups {
		if ev.HasTagGroup(g) {
			return true
		}
	}
	return false
}

// Receive returns a channel of events filtered by the consumer's filter.
// It is closed after Close
func (c *Consumer) Receive() <-chan *Event {
	c.once.Do(func() {
		filtered := make(chan *Event, 1)

		go func() {
			defer close(filtered)
			for ev := range c.inner.Receive() {
				if !c.filter.Matches(ev) {
					continue
				}
				select {
				case filtered <- ev:
				case <-c.done:
					return
				}
			}
		}()

		c.filtered = filtered
	})

	return c.filtered
}

// Close unregisters the consumer. Undelivered events are dropped
func (c *Consumer) Close() error {
	c.closeOnce.Do(func() {
		c.hub.remove(c)
		close(c.done)
		c.once.Do(func() {
			closed := make(chan *Event)
			close(closed)
			c.filtered = closed
		})
		c.inner.Close()
	})
	return nil
}
