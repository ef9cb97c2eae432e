// Package websocket provides the real-time connection layer of the Potluck
// session hub.
//
// The WebSocket system enables:
//   - Bidirectional JSON message framing per connection
//   - Registration of connections against (userId, sessionId) once a
//     session:create or session:join succeeds
//   - Fan-out of session events to every live peer, with optional
//     single-user exclusion
//   - Handling of slow/disconnected clients without blocking the hub
//
// Architecture:
//   - Hub: owns the set of live clients and the client registry
//   - Client: one WebSocket connection with read/write pumps
//   - registry: bijections connection <-> (userId, sessionId, displayName)
//   - MessageHandler: injected command dispatcher; the hub stays
//     protocol-agnostic beyond the envelope
//
// Message flow:
//  1. Browser establishes WebSocket connection
//  2. Hub registers the client and emits connection:established
//  3. Client readPump feeds inbound frames to the MessageHandler
//  4. The dispatcher mutates session state and hands events back
//  5. BroadcastToSession writes to every live peer's send buffer
//  6. Client writePump delivers buffered messages to the browser
//
// Concurrency:
//   - Hub.Run() runs in a goroutine and handles register/unregister
//   - Each Client has readPump and writePump goroutines
//   - Client map access is protected by sync.RWMutex
//   - Broadcasts snapshot their targets under the registry lock and write
//     outside it; a full send buffer marks the client for closing
package websocket

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/streamspace-dev/potluck/internal/logger"
	"github.com/streamspace-dev/potluck/internal/protocol"
)

// MessageHandler consumes inbound frames and connection lifecycle events.
// Implemented by the command dispatcher; injected to keep the transport
// layer free of session semantics.
type MessageHandler interface {
	// HandleMessage is called once per inbound text frame.
	HandleMessage(c *Client, message []byte)

	// HandleDisconnect is called after a registered connection closes and
	// its registry entries have been removed.
	HandleDisconnect(c *Client, userID, sessionID string)
}

// Hub maintains the set of live WebSocket connections, the client registry,
// and message broadcasting.
type Hub struct {
	// clients is the set of registered clients.
	clients map[*Client]bool

	// register is the channel for new client registration requests.
	register chan *Client

	// unregister is the channel for client disconnection requests.
	unregister chan *Client

	// registry holds the connection <-> (userId, sessionId) bijections.
	registry *registry

	// handler routes inbound frames. Set once before Run.
	handler MessageHandler

	// stopChan signals the hub to stop running.
	stopChan chan struct{}

	// mu protects concurrent access to the clients map.
	mu sync.RWMutex
}

// NewHub creates a new WebSocket hub.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		registry:   newRegistry(),
		stopChan:   make(chan struct{}),
	}
}

// SetHandler installs the message handler. Must be called before Run.
func (h *Hub) SetHandler(handler MessageHandler) {
	h.handler = handler
}

// Run starts the hub's main loop. Call as a goroutine.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			log.Printf("[Hub] Client registered: %s (total: %d)", client.id, total)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.closeSend()
				log.Printf("[Hub] Client unregistered: %s (total: %d)", client.id, len(h.clients))
			}
			h.mu.Unlock()

		case <-h.stopChan:
			return
		}
	}
}

// Stop terminates the run loop and closes every live connection with a
// going-away close code. Used during graceful shutdown.
func (h *Hub) Stop() {
	close(h.stopChan)

	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.clients = make(map[*Client]bool)
	h.mu.Unlock()

	for _, client := range clients {
		client.closeSendWithCode(websocket.CloseGoingAway, "Server shutting down")
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeClient handles a newly accepted WebSocket connection. It registers
// the client, emits connection:established with a fresh connectionId, and
// starts the read/write pumps.
func (h *Hub) ServeClient(conn *websocket.Conn) *Client {
	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		id:   uuid.NewString(),
	}

	select {
	case h.register <- client:
	case <-h.stopChan:
		conn.Close()
		return nil
	}

	// connection:established is the first frame on every connection; the
	// connectionId is for log correlation only.
	client.enqueueJSON(protocol.NewConnectionEstablished(client.id))

	go client.writePump()
	go client.readPump()

	return client
}

// BindClient installs the registry entries for a client after a successful
// session:create or session:join. Returns the client previously bound to
// the user, if any (host rejoin replaces it).
func (h *Hub) BindClient(c *Client, userID, sessionID, username string) (displaced *Client) {
	return h.registry.bind(c, userID, sessionID, username)
}

// ClientBinding returns the registry entry for a connection. ok is false
// for connections that never completed a create/join.
func (h *Hub) ClientBinding(c *Client) (userID, sessionID, username string, ok bool) {
	b, ok := h.registry.lookup(c)
	if !ok {
		return "", "", "", false
	}
	return b.userID, b.sessionID, b.username, true
}

// UserClient returns the live connection bound to a user, or nil.
func (h *Hub) UserClient(userID string) *Client {
	return h.registry.userClient(userID)
}

// SendTo serializes an event to a single client. A full send buffer marks
// the client for closing, like a failed broadcast write.
func (h *Hub) SendTo(c *Client, event interface{}) {
	data, err := json.Marshal(event)
	if err != nil {
		logger.WebSocket().Error().Err(err).Msg("Failed to marshal event")
		return
	}
	if !c.trySend(data) {
		h.dropSlow(c)
	}
}

// BroadcastToSession sends an event to every live connection bound to the
// session, skipping excludeUserID when non-empty. Delivery is best-effort:
// a write failure on one peer never blocks the others and never rolls back
// the originating mutation.
func (h *Hub) BroadcastToSession(sessionID string, event interface{}, excludeUserID string) {
	data, err := json.Marshal(event)
	if err != nil {
		logger.WebSocket().Error().Err(err).Msg("Failed to marshal broadcast")
		return
	}

	targets := h.registry.sessionClients(sessionID)

	clientsToClose := make([]*Client, 0)
	sent := 0
	for _, t := range targets {
		if excludeUserID != "" && t.userID == excludeUserID {
			continue
		}
		if t.client.trySend(data) {
			sent++
		} else {
			// Client's send buffer is full, mark for closing
			clientsToClose = append(clientsToClose, t.client)
		}
	}

	for _, client := range clientsToClose {
		h.dropSlow(client)
	}

	logger.WebSocket().Debug().
		Str("sessionId", sessionID).
		Int("sent", sent).
		Msg("Broadcast delivered")
}

// CloseSessionClients purges every registry entry for the session and
// closes each connection with the given close code and reason. Used for
// host-initiated session end.
func (h *Hub) CloseSessionClients(sessionID string, closeCode int, reason string) {
	targets := h.registry.purgeSession(sessionID)
	for _, t := range targets {
		t.client.closeSendWithCode(closeCode, reason)
	}
}

// handleDisconnect runs on readPump exit: removes the client from the hub,
// clears its registry entries, and notifies the dispatcher if the
// connection was bound to a session.
func (h *Hub) handleDisconnect(c *Client) {
	b, ok := h.registry.unbind(c)

	select {
	case h.unregister <- c:
	case <-h.stopChan:
	}
	if ok && h.handler != nil {
		h.handler.HandleDisconnect(c, b.userID, b.sessionID)
	}
}

// dropSlow force-disconnects a client whose send buffer filled. The
// connection close wakes its readPump, which runs the normal disconnect
// path (registry cleanup, participant flagged disconnected).
func (h *Hub) dropSlow(c *Client) {
	log.Printf("[Hub] Dropping slow client %s (send buffer full)", c.id)
	c.conn.Close()
}
