package events

import (
	"log/slog"
	"sync"
)

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Handler consumes events in-process.
type Handler func(Event)

const busBuffer = 256

// Bus manages event subscriptions by project ID. A single goroutine owns the
// subscriber set and delivers events in publish order.
type Bus struct {
	clients   map[string]map[Subscriber]struct{}
	handlers  []Handler
	register  chan subscription
	unreg     chan subscription
	handler   chan Handler
	broadcast chan Event
	done      chan struct{}
	closeOnce sync.Once
	logger    *slog.Logger
}

// subscription defines register/unregister requests.
type subscription struct {
	topic  string
	client Subscriber
}

// NewBus creates a running Bus.
func NewBus(logger *slog.Logger) *Bus {
	b := &Bus{
		clients:   make(map[string]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		handler:   make(chan Handler),
		broadcast: make(chan Event, busBuffer),
		done:      make(chan struct{}),
		logger:    logger.With("component", "events"),
	}
	go b.run()
	return b
}

func (b *Bus) run() {
	for {
		select {
		case <-b.done:
			for _, clients := range b.clients {
				for c := range clients {
					c.Close()
				}
			}
			return
		case sub := <-b.register:
			if _, ok := b.clients[sub.topic]; !ok {
				b.clients[sub.topic] = make(map[Subscriber]struct{})
			}
			b.clients[sub.topic][sub.client] = struct{}{}
		case sub := <-b.unreg:
			if clients, ok := b.clients[sub.topic]; ok {
				delete(clients, sub.client)
				if len(clients) == 0 {
					delete(b.clients, sub.topic)
				}
			}
		case h := <-b.handler:
			b.handlers = append(b.handlers, h)
		case evt := <-b.broadcast:
			b.deliver(evt)
		}
	}
}

func (b *Bus) deliver(evt Event) {
	for _, h := range b.handlers {
		h(evt)
	}
	payload, err := evt.Marshal()
	if err != nil {
		b.logger.Error("encode event failed", "type", evt.Type, "error", err)
		return
	}
	for _, topic := range []string{evt.ProjectID, AllProjects} {
		clients, ok := b.clients[topic]
		if !ok {
			continue
		}
		for c := range clients {
			if err := c.Send(payload); err != nil {
				c.Close()
				delete(clients, c)
			}
		}
		if len(clients) == 0 {
			delete(b.clients, topic)
		}
	}
}

// Subscribe adds a client to a project topic, or AllProjects.
func (b *Bus) Subscribe(topic string, client Subscriber) {
	select {
	case b.register <- subscription{topic: topic, client: client}:
	case <-b.done:
	}
}

// Unsubscribe removes a client.
func (b *Bus) Unsubscribe(topic string, client Subscriber) {
	select {
	case b.unreg <- subscription{topic: topic, client: client}:
	case <-b.done:
	}
}

// Handle registers an in-process handler for every event.
func (b *Bus) Handle(h Handler) {
	select {
	case b.handler <- h:
	case <-b.done:
	}
}

// Publish queues evt for delivery. When the queue is full the event is
// dropped so publishers never block on slow subscribers.
func (b *Bus) Publish(evt Event) {
	select {
	case <-b.done:
		return
	default:
	}
	select {
	case b.broadcast <- evt:
	default:
		b.logger.Warn("event dropped, queue full", "type", evt.Type, "project_id", evt.ProjectID)
	}
}

// Close stops delivery and closes every subscriber.
func (b *Bus) Close() {
	b.closeOnce.Do(func() { close(b.done) })
}

var _ Publisher = (*Bus)(nil)
