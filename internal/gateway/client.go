package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/textdesk/textdesk/internal/logging"
)

// Client represents an authenticated WebSocket connection bound to one
// recipient. It owns the connection's broker subscriptions: every
// subscription opened for this connection is cancelled exactly once when
// the connection closes, so repeated connect/disconnect cycles do not leak
// channel state.
type Client struct {
	ConnID      string
	RecipientID string
	Info        ClientInfo
	Socket      *websocket.Conn
	ConnectedAt time.Time

	mu     sync.Mutex
	closed bool
	subs   map[string]func() // broker channel → cancel
	openConversation string
	log    *logging.Logger
}

// NewClient creates a Client for a newly authenticated WebSocket connection.
func NewClient(conn *websocket.Conn, recipientID string, info ClientInfo, log *logging.Logger) *Client {
	return &Client{
		ConnID:      uuid.New().String(),
		RecipientID: recipientID,
		Info:        info,
		Socket:      conn,
		ConnectedAt: time.Now(),
		subs:        make(map[string]func()),
		log:         log,
	}
}

// Send sends a frame to the client. Thread-safe.
func (c *Client) Send(frame Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	return c.Socket.WriteJSON(frame)
}

// SendEvent sends a named event with payload.
func (c *Client) SendEvent(event string, payload any, seq int64) error {
	f, err := NewEvent(event, payload, seq)
	if err != nil {
		return err
	}
	return c.Send(f)
}

// Respond sends a success response for the given request ID.
func (c *Client) Respond(reqID string, payload any) error {
	f, err := NewResponse(reqID, payload)
	if err != nil {
		return err
	}
	return c.Send(f)
}

// RespondError sends an error response for the given request ID.
func (c *Client) RespondError(reqID string, errShape ErrorShape) error {
	return c.Send(NewErrorResponse(reqID, errShape))
}

// ReadFrame reads the next frame from the WebSocket.
func (c *Client) ReadFrame() (Frame, error) {
	_, msg, err := c.Socket.ReadMessage()
	if err != nil {
		return Frame{}, err
	}
	var f Frame
	if err := json.Unmarshal(msg, &f); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// TrackSubscription records a broker subscription owned by this connection.
// If the channel was already subscribed the previous subscription is
// cancelled first.
func (c *Client) TrackSubscription(channel string, cancel func()) {
	c.mu.Lock()
	prev := c.subs[channel]
	c.subs[channel] = cancel
	c.mu.Unlock()
	if prev != nil {
		prev()
	}
}

// DropSubscription cancels and forgets one broker subscription.
func (c *Client) DropSubscription(channel string) {
	c.mu.Lock()
	cancel := c.subs[channel]
	delete(c.subs, channel)
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// SwapConversation atomically records the open conversation and returns the
// previous one, so the caller can drop the old channel before subscribing
// the new.
func (c *Client) SwapConversation(conversationID string) (previous string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	previous = c.openConversation
	c.openConversation = conversationID
	return previous
}

// Close closes the WebSocket connection and cancels every broker
// subscription owned by it. Safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancels := make([]func(), 0, len(c.subs))
	for _, cancel := range c.subs {
		cancels = append(cancels, cancel)
	}
	c.subs = make(map[string]func())
	c.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	return c.Socket.Close()
}

// ClientRegistry manages connected clients.
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[string]*Client // connID → Client
	log     *logging.Logger
}

// NewClientRegistry creates an empty client registry.
func NewClientRegistry(log *logging.Logger) *ClientRegistry {
	return &ClientRegistry{
		clients: make(map[string]*Client),
		log:     log,
	}
}

// Add registers a connected client.
func (r *ClientRegistry) Add(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c.ConnID] = c
	r.log.Info().Str("connId", c.ConnID).Str("recipient", c.RecipientID).Msg("client connected")
}

// Remove unregisters a client by connection ID.
func (r *ClientRegistry) Remove(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, connID)
	r.log.Info().Str("connId", connID).Msg("client disconnected")
}

// Get returns a client by connection ID.
func (r *ClientRegistry) Get(connID string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[connID]
	return c, ok
}

// Count returns the number of connected clients.
func (r *ClientRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// CloseAll closes all connected clients.
func (r *ClientRegistry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, c := range r.clients {
		c.Close()
		delete(r.clients, id)
	}
}
