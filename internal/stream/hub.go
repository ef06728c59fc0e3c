package stream

import (
	"context"
	"log"
	"sync"

	"github.com/redis/go-redis/v9"
)

// feedChannel carries every session event. All consumers watch the same
// session, so one channel serves the whole feed.
const feedChannel = "tracking:events"

// Hub fans session events out to connected websocket clients. With a redis
// client it publishes through redis so every process serving sockets sees
// the same feed; without one it delivers in-process only.
type Hub struct {
	redis   *redis.Client
	clients map[*Client]struct{}
	mu      sync.RWMutex
}

// Client is one websocket subscriber. Slow readers miss events rather than
// stall the session: sends drop when the buffer is full. Send stays open
// for the client's whole life; done tells its writer to quit.
type Client struct {
	Send chan []byte

	done chan struct{}
	once sync.Once
}

func (c *Client) stop() { c.once.Do(func() { close(c.done) }) }

func NewHub(redisClient *redis.Client) *Hub {
	h := &Hub{
		redis:   redisClient,
		clients: map[*Client]struct{}{},
	}

	if redisClient != nil {
		go h.subscribeRedis()
	}
	return h
}

func (h *Hub) Register() *Client {
	client := &Client{
		Send: make(chan []byte, 64),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client] = struct{}{}
	return client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	delete(h.clients, client)
	h.mu.Unlock()
	client.stop()
}

// Broadcast sends payload to every subscriber. With redis wired the payload
// goes through the feed channel and local delivery happens in the subscribe
// loop, so each client sees the event once no matter how many processes
// run. If the publish fails the event still reaches local clients.
func (h *Hub) Broadcast(payload []byte) {
	if h.redis == nil {
		h.deliver(payload)
		return
	}
	if err := h.redis.Publish(context.Background(), feedChannel, payload).Err(); err != nil {
		log.Printf("stream: redis publish error: %v", err)
		h.deliver(payload)
	}
}

func (h *Hub) deliver(payload []byte) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		select {
		case client.Send <- payload:
		default:
		}
	}
}

func (h *Hub) subscribeRedis() {
	pubsub := h.redis.Subscribe(context.Background(), feedChannel)
	defer pubsub.Close()

	for msg := range pubsub.Channel() {
		h.deliver([]byte(msg.Payload))
	}
}
