package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/streamspace-dev/potluck/internal/logger"
)

const (
	// sendBufferSize is the outbound buffer per client. A client that
	// falls this many messages behind is considered slow and disconnected.
	sendBufferSize = 256

	// writeWait is the deadline for a single frame write.
	writeWait = 10 * time.Second

	// pongWait is how long a connection may stay silent before the read
	// deadline trips. Pings go out every pingPeriod to keep it alive.
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// Client represents an individual WebSocket connection.
//
// Client lifecycle:
//  1. Created when the browser establishes a WebSocket
//  2. Registered with the Hub; connection:established sent
//  3. readPump feeds inbound frames to the dispatcher
//  4. writePump delivers buffered outbound messages
//  5. On close, registry entries are cleared and the participant is
//     flagged disconnected
//
// The send channel is buffered; if the buffer fills the client is slow and
// gets disconnected rather than blocking the hub.
type Client struct {
	// hub is the Hub this client belongs to.
	hub *Hub

	// conn is the underlying WebSocket connection.
	conn *websocket.Conn

	// send is the buffered channel of outbound messages.
	send chan []byte

	// id is the server-generated connectionId, used only for log
	// correlation. It is not a session or user identifier.
	id string

	// sendMu and sendClosed guard against writes to a closed send
	// channel: broadcasts race with unregistration.
	sendMu     sync.RWMutex
	sendClosed bool

	// closeMsg is the close frame writePump emits after draining the
	// send buffer. Empty means a bare close frame.
	closeMsg []byte
}

// ID returns the opaque connectionId.
func (c *Client) ID() string {
	return c.id
}

// trySend enqueues data for delivery. Returns false when the buffer is
// full. Sends to an already-closed client are dropped silently.
func (c *Client) trySend(data []byte) bool {
	c.sendMu.RLock()
	defer c.sendMu.RUnlock()

	if c.sendClosed {
		return true
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// closeSend closes the send channel exactly once, signalling writePump to
// drain remaining messages and finish with a close frame.
func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if !c.sendClosed {
		c.sendClosed = true
		close(c.send)
	}
}

// closeSendWithCode is closeSend with a specific close code and reason.
// Queued messages are still delivered before the close frame: the channel
// drains in order.
func (c *Client) closeSendWithCode(code int, reason string) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if !c.sendClosed {
		c.closeMsg = websocket.FormatCloseMessage(code, reason)
		c.sendClosed = true
		close(c.send)
	}
}

// closeMessage returns the close frame payload set for this client.
func (c *Client) closeMessage() []byte {
	c.sendMu.RLock()
	defer c.sendMu.RUnlock()
	return c.closeMsg
}

// enqueueJSON marshals and enqueues a single event for this client.
func (c *Client) enqueueJSON(event interface{}) {
	data, err := json.Marshal(event)
	if err != nil {
		logger.WebSocket().Error().Err(err).Msg("Failed to marshal event")
		return
	}
	c.trySend(data)
}

// CloseWith drains any queued messages, then closes the connection with the
// given close code and reason.
func (c *Client) CloseWith(code int, reason string) {
	c.closeSendWithCode(code, reason)
}

// writePump pumps messages from the send buffer to the websocket
// connection. One writePump per connection; all frame writes go through it.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel; closeMsg carries the code
				// and reason when one was set.
				c.conn.WriteMessage(websocket.CloseMessage, c.closeMessage())
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			// Ping to keep the connection alive
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump pumps messages from the websocket connection to the dispatcher.
// On exit the client is unregistered, its registry entries are cleared, and
// the dispatcher is notified of the disconnect.
func (c *Client) readPump() {
	defer func() {
		c.hub.handleDisconnect(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.WebSocket().Warn().Err(err).Str("connectionId", c.id).Msg("WebSocket read error")
			}
			break
		}

		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		if c.hub.handler != nil {
			c.hub.handler.HandleMessage(c, message)
		}
	}
}
