// Package websocket implements the server side of the SyncChannel: terminals
// join topics and receive the events routed to them.
package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"
)

// Publisher distributes committed-change events to subscribers.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Client is one terminal connection.
type Client struct {
	ID     string
	Actor  string
	send   chan []byte
	topics map[string]struct{}
}

// NewClient creates a client whose outbound queue holds buffer frames.
func NewClient(id, actor string, buffer int) *Client {
	if buffer <= 0 {
		buffer = 1
	}
	return &Client{
		ID:     id,
		Actor:  actor,
		send:   make(chan []byte, buffer),
		topics: make(map[string]struct{}),
	}
}

// Send is the client's outbound queue. It is closed on Unregister.
func (c *Client) Send() <-chan []byte { return c.send }

// Hub tracks clients and their topic subscriptions.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{} // topic -> subscribers
	all     map[*Client]struct{}
	logger  zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
		logger:  logger.With().Str("component", "ws-hub").Logger(),
	}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.all[client] = struct{}{}
}

// Unregister drops every subscription of client and closes its queue.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	for topic := range client.topics {
		h.removeLocked(topic, client)
	}
	client.topics = make(map[string]struct{})
	delete(h.all, client)
	close(client.send)
}

// Subscribe adds topics to a registered client. Topic names must already
// be validated.
func (h *Hub) Subscribe(client *Client, topics ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	for _, topic := range topics {
		if h.clients[topic] == nil {
			h.clients[topic] = make(map[*Client]struct{})
		}
		h.clients[topic][client] = struct{}{}
		client.topics[topic] = struct{}{}
	}
}

func (h *Hub) Unsubscribe(client *Client, topics ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, topic := range topics {
		h.removeLocked(topic, client)
		delete(client.topics, topic)
	}
}

func (h *Hub) removeLocked(topic string, client *Client) {
	if subscribers, ok := h.clients[topic]; ok {
		delete(subscribers, client)
		if len(subscribers) == 0 {
			delete(h.clients, topic)
		}
	}
}

// ProcessMessage applies a join or leave request and answers every topic
// with a control frame. The joined frame is queued only after the
// subscription is live.
func (h *Hub) ProcessMessage(client *Client, msg ClientMessage) {
	var join bool
	switch msg.Action {
	case ActionJoin, ActionSubscribe:
		join = true
	case ActionLeave, ActionUnsubscribe:
	default:
		h.control(client, ControlFrame{Type: ControlError, Message: "unknown action " + msg.Action})
		return
	}

	for _, raw := range msg.Topics {
		topic, err := ParseTopic(raw)
		if err != nil {
			h.control(client, ControlFrame{Type: ControlError, Topic: raw, Message: err.Error()})
			continue
		}
		name := topic.String()
		if join {
			h.Subscribe(client, name)
			h.control(client, ControlFrame{Type: ControlJoined, Topic: raw})
		} else {
			h.Unsubscribe(client, name)
			h.control(client, ControlFrame{Type: ControlLeft, Topic: raw})
		}
	}
}

func (h *Hub) control(client *Client, frame ControlFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	h.mu.RLock()
	if _, ok := h.all[client]; !ok {
		h.mu.RUnlock()
		return
	}
	var full bool
	select {
	case client.send <- data:
	default:
		full = true
	}
	h.mu.RUnlock()

	if full {
		h.logger.Warn().Str("client_id", client.ID).Str("frame", frame.Type).Msg("send buffer full, disconnecting client")
		h.Unregister(client)
	}
}

// Deliver queues event once for every client subscribed to at least one of
// its topics and returns how many clients it reached. A client whose queue
// is full has missed the event, so it is unregistered: its connection
// closes and the terminal reconnects and refetches.
func (h *Hub) Deliver(event Event) int {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error().Err(err).Str("event_type", event.Type).Msg("marshal event")
		return 0
	}

	var overflowed []*Client
	defer func() {
		for _, client := range overflowed {
			h.Unregister(client)
		}
	}()

	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	seen := make(map[*Client]struct{})
	for _, topic := range event.Topics {
		for client := range h.clients[topic] {
			if _, dup := seen[client]; dup {
				continue
			}
			seen[client] = struct{}{}

			select {
			case client.send <- data:
				delivered++
			default:
				overflowed = append(overflowed, client)
				h.logger.Warn().
					Str("client_id", client.ID).
					Str("event_id", event.ID).
					Str("event_type", event.Type).
					Msg("send buffer full, disconnecting client")
			}
		}
	}
	return delivered
}

// Publish delivers to this process's clients only.
func (h *Hub) Publish(_ context.Context, event Event) error {
	n := h.Deliver(event)
	h.logger.Debug().
		Str("event_type", event.Type).
		Str("resource_id", event.ResourceID).
		Int64("version", event.Version).
		Int("clients", n).
		Msg("event published")
	return nil
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// TopicCount returns the number of clients subscribed to topic.
func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}

// DisconnectAll unregisters every client, which closes their connections.
// Terminals reconnect and re-join on their own.
func (h *Hub) DisconnectAll() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := len(h.all)
	for client := range h.all {
		for topic := range client.topics {
			h.removeLocked(topic, client)
		}
		client.topics = make(map[string]struct{})
		close(client.send)
	}
	h.all = make(map[*Client]struct{})
	return n
}
