// Package session implements the client side of the gateway protocol: a
// WebSocket session that authenticates, maintains standing subscriptions,
// and reconnects with capped exponential backoff.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/textdesk/textdesk/internal/domain"
	"github.com/textdesk/textdesk/internal/gateway"
	"github.com/textdesk/textdesk/internal/logging"
)

// State is the connection state of a session.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrSessionClosed reports an operation on a closed session.
var ErrSessionClosed = errors.New("session closed")

// ErrNotConnected reports a request attempted while disconnected.
var ErrNotConnected = errors.New("session not connected")

// Options configure a session.
type Options struct {
	// URL is the gateway WebSocket endpoint, e.g. ws://127.0.0.1:18790/ws.
	URL string
	// Token authenticates the session with the gateway.
	Token string
	// RecipientID names the user this session receives fanout for.
	RecipientID string
	// ClientInfo identifies this client in the connect handshake.
	ClientInfo gateway.ClientInfo

	// RequestTimeout bounds each RPC round trip. Zero means 15s.
	RequestTimeout time.Duration
	// MaxBackoff caps the reconnect delay. Zero means 30s.
	MaxBackoff time.Duration
	// InitialBackoff is the first reconnect delay. Zero means 500ms.
	InitialBackoff time.Duration
}

// Handlers receive pushed events and lifecycle notifications. All callbacks
// run on the session's read goroutine; they must not block.
type Handlers struct {
	OnMessage    func(domain.MessageEvent)
	OnDirectory  func(domain.DirectoryEvent)
	OnAssignment func(domain.AssignmentEvent)
	// OnReconnect fires after every successful (re)connect handshake.
	// Clients reconcile state here: list contacts, re-open the active
	// conversation. Events published while disconnected are not replayed.
	OnReconnect func()
	OnStateChange func(State)
}

// Session is one client connection to the gateway. Multiple independent
// sessions may coexist in a process; each carries its own socket, pending
// requests, and reconnect loop.
type Session struct {
	opts     Options
	handlers Handlers
	log      *logging.Logger

	state atomic.Int32

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan gateway.Frame

	// openConversation is re-opened after reconnect, if set.
	convMu           sync.Mutex
	openConversation string

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a session. The session does not connect until Run is called.
func New(opts Options, handlers Handlers, log *logging.Logger) (*Session, error) {
	if opts.URL == "" {
		return nil, errors.New("session URL is required")
	}
	if opts.RecipientID == "" {
		return nil, errors.New("recipientId is required")
	}
	if opts.RequestTimeout == 0 {
		opts.RequestTimeout = 15 * time.Second
	}
	if opts.MaxBackoff == 0 {
		opts.MaxBackoff = 30 * time.Second
	}
	if opts.InitialBackoff == 0 {
		opts.InitialBackoff = 500 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		opts:     opts,
		handlers: handlers,
		log:      log.Sub("session"),
		pending:  make(map[string]chan gateway.Frame),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}, nil
}

// State returns the current connection state.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	prev := State(s.state.Swap(int32(st)))
	if prev != st && s.handlers.OnStateChange != nil {
		s.handlers.OnStateChange(st)
	}
}

// Run drives the session: connect, read until failure, back off, reconnect.
// It returns when Close is called or the context is cancelled.
func (s *Session) Run(ctx context.Context) error {
	defer close(s.done)
	defer s.setState(StateClosed)

	backoff := s.opts.InitialBackoff

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.ctx.Done():
			return nil
		default:
		}

		s.setState(StateConnecting)
		conn, err := s.connect(ctx)
		if err != nil {
			s.setState(StateDisconnected)
			s.log.Warn().Err(err).Dur("retry_in", backoff).Msg("connect failed")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			case <-s.ctx.Done():
				return nil
			}
			backoff = nextBackoff(backoff, s.opts.MaxBackoff)
			continue
		}

		backoff = s.opts.InitialBackoff
		s.setState(StateConnected)

		if s.handlers.OnReconnect != nil {
			s.handlers.OnReconnect()
		}
		s.reopenConversation()

		err = s.readLoop(conn)
		s.dropConn(conn)

		if s.ctx.Err() != nil || ctx.Err() != nil {
			return nil
		}
		s.setState(StateDisconnected)
		s.log.Warn().Err(err).Msg("connection lost, reconnecting")
	}
}

// nextBackoff doubles the delay up to the cap.
func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}

// connect dials the gateway and completes the challenge/connect handshake.
func (s *Session) connect(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, s.opts.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", s.opts.URL, err)
	}

	conn.SetReadDeadline(time.Now().Add(10 * time.Second))

	// Server speaks first: a connect.challenge event.
	var challenge gateway.Frame
	if err := conn.ReadJSON(&challenge); err != nil {
		conn.Close()
		return nil, fmt.Errorf("reading challenge: %w", err)
	}
	if challenge.Type != gateway.FrameTypeEvent || challenge.Event != gateway.EventChallenge {
		conn.Close()
		return nil, fmt.Errorf("expected challenge, got type=%s event=%s", challenge.Type, challenge.Event)
	}

	params := gateway.ConnectParams{
		MinProtocol: gateway.ProtocolVersion,
		MaxProtocol: gateway.ProtocolVersion,
		Client:      s.opts.ClientInfo,
		RecipientID: s.opts.RecipientID,
	}
	if s.opts.Token != "" {
		params.Auth = &gateway.ConnectAuth{Token: s.opts.Token}
	}

	req, err := gateway.NewRequest(uuid.New().String(), "connect", params)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := conn.WriteJSON(req); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sending connect: %w", err)
	}

	var hello gateway.Frame
	if err := conn.ReadJSON(&hello); err != nil {
		conn.Close()
		return nil, fmt.Errorf("reading hello: %w", err)
	}
	if hello.OK == nil || !*hello.OK {
		conn.Close()
		if hello.Error != nil {
			return nil, fmt.Errorf("connect rejected: %s: %s", hello.Error.Code, hello.Error.Message)
		}
		return nil, errors.New("connect rejected")
	}

	var payload gateway.HelloOK
	if err := json.Unmarshal(hello.Payload, &payload); err != nil {
		conn.Close()
		return nil, fmt.Errorf("parsing hello payload: %w", err)
	}

	conn.SetReadDeadline(time.Time{})

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	s.log.Info().
		Str("connId", payload.Server.ConnID).
		Str("serverVersion", payload.Server.Version).
		Strs("channels", payload.Channels).
		Msg("session established")

	return conn, nil
}

// dropConn closes the socket and fails all pending requests.
func (s *Session) dropConn(conn *websocket.Conn) {
	conn.Close()

	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	for id, ch := range s.pending {
		close(ch)
		delete(s.pending, id)
	}
	s.mu.Unlock()
}

// readLoop reads frames until the connection fails, dispatching responses to
// pending requests and events to the handlers.
func (s *Session) readLoop(conn *websocket.Conn) error {
	for {
		var frame gateway.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			return err
		}

		switch frame.Type {
		case gateway.FrameTypeResponse:
			s.settle(frame)
		case gateway.FrameTypeEvent:
			s.dispatchEvent(frame)
		default:
			s.log.Debug().Str("type", frame.Type).Msg("ignoring frame")
		}
	}
}

// settle delivers a response frame to the waiting request, if any.
func (s *Session) settle(frame gateway.Frame) {
	s.mu.Lock()
	ch, ok := s.pending[frame.ID]
	if ok {
		delete(s.pending, frame.ID)
	}
	s.mu.Unlock()

	if ok {
		ch <- frame
		close(ch)
	}
}

// dispatchEvent decodes a pushed event and invokes the matching handler.
func (s *Session) dispatchEvent(frame gateway.Frame) {
	switch frame.Event {
	case gateway.EventMessage, gateway.EventDirectory, gateway.EventAssignment:
	default:
		return
	}

	event, err := domain.UnmarshalEvent(frame.Payload)
	if err != nil {
		s.log.Warn().Err(err).Str("event", frame.Event).Msg("dropping malformed event")
		return
	}

	switch event.Kind {
	case domain.EventKindMessage:
		if s.handlers.OnMessage != nil {
			s.handlers.OnMessage(*event.Message)
		}
	case domain.EventKindDirectory:
		if s.handlers.OnDirectory != nil {
			s.handlers.OnDirectory(*event.Directory)
		}
	case domain.EventKindAssignment:
		if s.handlers.OnAssignment != nil {
			s.handlers.OnAssignment(*event.Assignment)
		}
	}
}

// Request performs one RPC round trip over the session.
func (s *Session) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if s.State() == StateClosed {
		return nil, ErrSessionClosed
	}

	s.mu.Lock()
	conn := s.conn
	if conn == nil {
		s.mu.Unlock()
		return nil, ErrNotConnected
	}

	id := uuid.New().String()
	ch := make(chan gateway.Frame, 1)
	s.pending[id] = ch

	frame, err := gateway.NewRequest(id, method, params)
	if err != nil {
		delete(s.pending, id)
		s.mu.Unlock()
		return nil, err
	}
	err = conn.WriteJSON(frame)
	s.mu.Unlock()

	if err != nil {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		return nil, fmt.Errorf("sending %s: %w", method, err)
	}

	timer := time.NewTimer(s.opts.RequestTimeout)
	defer timer.Stop()

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}
		if resp.OK == nil || !*resp.OK {
			if resp.Error != nil {
				return nil, &RPCError{Code: resp.Error.Code, Message: resp.Error.Message}
			}
			return nil, errors.New("request failed")
		}
		return resp.Payload, nil
	case <-timer.C:
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		return nil, fmt.Errorf("%s: request timed out", method)
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		return nil, ctx.Err()
	}
}

// RPCError is an error response from the gateway.
type RPCError struct {
	Code    string
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// OpenConversation subscribes the session to one conversation's live feed.
// The gateway swaps the subscription server-side; the session remembers the
// choice so it can re-open after a reconnect.
func (s *Session) OpenConversation(ctx context.Context, contactID string) error {
	_, err := s.Request(ctx, "conversation.open", map[string]string{"contactId": contactID})
	if err != nil {
		return err
	}
	s.convMu.Lock()
	s.openConversation = contactID
	s.convMu.Unlock()
	return nil
}

// CloseConversation drops the open conversation subscription.
func (s *Session) CloseConversation(ctx context.Context) error {
	s.convMu.Lock()
	s.openConversation = ""
	s.convMu.Unlock()
	_, err := s.Request(ctx, "conversation.close", map[string]string{})
	return err
}

// reopenConversation restores the conversation subscription after reconnect.
func (s *Session) reopenConversation() {
	s.convMu.Lock()
	conv := s.openConversation
	s.convMu.Unlock()
	if conv == "" {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.opts.RequestTimeout)
		defer cancel()
		if _, err := s.Request(ctx, "conversation.open", map[string]string{"contactId": conv}); err != nil {
			s.log.Warn().Err(err).Str("contactId", conv).Msg("re-opening conversation failed")
		}
	}()
}

// ListContacts fetches the contact directory for a number.
func (s *Session) ListContacts(ctx context.Context, numberID string) ([]domain.Contact, error) {
	raw, err := s.Request(ctx, "contacts.list", map[string]string{"numberId": numberID})
	if err != nil {
		return nil, err
	}
	var payload struct {
		Contacts []domain.Contact `json:"contacts"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}
	return payload.Contacts, nil
}

// ListMessages fetches the message history for a contact's conversation.
func (s *Session) ListMessages(ctx context.Context, contactID string) ([]domain.Message, error) {
	raw, err := s.Request(ctx, "messages.list", map[string]string{"contactId": contactID})
	if err != nil {
		return nil, err
	}
	var payload struct {
		Messages []domain.Message `json:"messages"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}
	return payload.Messages, nil
}

// MarkRead resets a contact's unread counter.
func (s *Session) MarkRead(ctx context.Context, contactID string) (domain.Contact, error) {
	raw, err := s.Request(ctx, "contacts.markRead", map[string]string{"contactId": contactID})
	if err != nil {
		return domain.Contact{}, err
	}
	var payload struct {
		Contact domain.Contact `json:"contact"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return domain.Contact{}, err
	}
	return payload.Contact, nil
}

// Send sends an outbound message from a number.
func (s *Session) Send(ctx context.Context, numberID, to, body string) (domain.Message, error) {
	raw, err := s.Request(ctx, "messages.send", map[string]string{
		"numberId": numberID,
		"to":       to,
		"body":     body,
	})
	if err != nil {
		return domain.Message{}, err
	}
	var payload struct {
		Message domain.Message `json:"message"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return domain.Message{}, err
	}
	return payload.Message, nil
}

// Close shuts the session down. It is safe to call multiple times; Run
// returns shortly after.
func (s *Session) Close() error {
	s.cancel()

	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing"))
		conn.Close()
	}
	return nil
}

// Done is closed when Run has returned.
func (s *Session) Done() <-chan struct{} {
	return s.done
}
