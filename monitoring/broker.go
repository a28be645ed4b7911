package monitoring

import (
	"context"
	"sync"
)

// RoleAll subscribes a stream client to both roles
const RoleAll = "all"

// SSEClient represents a connected SSE client
type SSEClient struct {
	role string // entry, exit or all
	send chan BroadcastMessage
	done chan struct{}
}

// SSEBroker manages SSE client connections and message broadcasting
type SSEBroker struct {
	clients    map[*SSEClient]bool
	register   chan *SSEClient
	unregister chan *SSEClient
	broadcast  chan BroadcastMessage
	mu         sync.RWMutex
}

// BroadcastMessage is one SSE frame for the clients following Role
type BroadcastMessage struct {
	Role  string
	Event string // SSE event name: record or channel
	Data  string
}

// NewSSEBroker creates a new SSE broker
func NewSSEBroker() *SSEBroker {
	return &SSEBroker{
		clients:    make(map[*SSEClient]bool),
		register:   make(chan *SSEClient),
		unregister: make(chan *SSEClient),
		broadcast:  make(chan BroadcastMessage, 256),
	}
}

// Run starts the broker's main loop
func (b *SSEBroker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			// Close all client connections
			b.mu.Lock()
			for client := range b.clients {
				close(client.done)
				delete(b.clients, client)
			}
			b.mu.Unlock()
			return

		case client := <-b.register:
			b.mu.Lock()
			b.clients[client] = true
			b.mu.Unlock()

		case client := <-b.unregister:
			b.mu.Lock()
			if _, ok := b.clients[client]; ok {
				close(client.done)
				delete(b.clients, client)
			}
			b.mu.Unlock()

		case msg := <-b.broadcast:
			b.mu.RLock()
			for client := range b.clients {
				if client.role == msg.Role || client.role == RoleAll {
					select {
					case client.send <- msg:
					default:
						// Client buffer full, skip this message
					}
				}
			}
			b.mu.RUnlock()
		}
	}
}

// Broadcast queues data for every client following role. It never blocks;
// messages are dropped while the queue is full.
func (b *SSEBroker) Broadcast(role, event, data string) {
	select {
	case b.broadcast <- BroadcastMessage{Role: role, Event: event, Data: data}:
	default:
	}
}

// Subscribe registers a client for role. ok is false once ctx is done.
func (b *SSEBroker) Subscribe(ctx context.Context, role string) (client *SSEClient, ok bool) {
	client = &SSEClient{
		role: role,
		send: make(chan BroadcastMessage, 64),
		done: make(chan struct{}),
	}
	select {
	case b.register <- client:
		return client, true
	case <-ctx.Done():
		return nil, false
	}
}

// Unsubscribe removes client. It is a no-op after the broker stopped.
func (b *SSEBroker) Unsubscribe(ctx context.Context, client *SSEClient) {
	select {
	case b.unregister <- client:
	case <-ctx.Done():
	}
}

// ClientCount returns the number of connected clients
func (b *SSEBroker) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}
