package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/textdesk/textdesk/internal/routing"
	"github.com/textdesk/textdesk/internal/store"
	"github.com/textdesk/textdesk/internal/version"
)

// RequestHandler processes one RPC request frame from a client.
type RequestHandler func(rc *RequestContext)

// RequestContext carries everything a handler needs for one request.
type RequestContext struct {
	Client *Client
	Frame  Frame
	Server *Server
}

// Params unmarshals the request params into dst.
func (rc *RequestContext) Params(dst any) error {
	if len(rc.Frame.Params) == 0 {
		return errors.New("missing params")
	}
	return json.Unmarshal(rc.Frame.Params, dst)
}

// Respond sends a success response for this request.
func (rc *RequestContext) Respond(payload any) {
	if err := rc.Client.Respond(rc.Frame.ID, payload); err != nil && !errors.Is(err, ErrClientClosed) {
		rc.Server.log.Warn().Err(err).Str("method", rc.Frame.Method).Msg("response send failed")
	}
}

// Error sends an error response for this request.
func (rc *RequestContext) Error(code, message string) {
	err := rc.Client.RespondError(rc.Frame.ID, ErrorShape{Code: code, Message: message})
	if err != nil && !errors.Is(err, ErrClientClosed) {
		rc.Server.log.Warn().Err(err).Str("method", rc.Frame.Method).Msg("error send failed")
	}
}

// storeError translates a storage failure into an RPC error response.
func (rc *RequestContext) storeError(err error) {
	if errors.Is(err, store.ErrNotFound) {
		rc.Error("not_found", "no such record")
		return
	}
	rc.Server.log.Error().Err(err).Str("method", rc.Frame.Method).Msg("storage error")
	rc.Error("internal", "storage failure")
}

const rpcTimeout = 15 * time.Second

func (s *Server) rpcContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), rpcTimeout)
}

func (s *Server) registerRPCHandlers() {
	s.Handle("ping", s.rpcPing)
	s.Handle("status", s.rpcStatus)
	s.Handle("conversation.open", s.rpcConversationOpen)
	s.Handle("conversation.close", s.rpcConversationClose)
	s.Handle("contacts.list", s.rpcContactsList)
	s.Handle("contacts.markRead", s.rpcContactsMarkRead)
	s.Handle("contacts.rename", s.rpcContactsRename)
	s.Handle("contacts.remove", s.rpcContactsRemove)
	s.Handle("messages.list", s.rpcMessagesList)
	s.Handle("messages.send", s.rpcMessagesSend)
	s.Handle("numbers.list", s.rpcNumbersList)
	s.Handle("numbers.assign", s.rpcNumbersAssign)
}

func (s *Server) rpcPing(rc *RequestContext) {
	rc.Respond(map[string]any{"pong": true, "ts": time.Now().UnixMilli()})
}

func (s *Server) rpcStatus(rc *RequestContext) {
	rc.Respond(map[string]any{
		"version":  version.Version,
		"protocol": ProtocolVersion,
		"clients":  s.clients.Count(),
		"uptime":   time.Since(s.startedAt).Round(time.Second).String(),
	})
}

// rpcConversationOpen switches the session's open conversation. The previous
// conversation's channel is dropped before the new one is subscribed, so a
// session holds at most one conversation subscription.
func (s *Server) rpcConversationOpen(rc *RequestContext) {
	var params struct {
		ContactID string `json:"contactId"`
	}
	if err := rc.Params(&params); err != nil || params.ContactID == "" {
		rc.Error("invalid_params", "contactId is required")
		return
	}

	ctx, cancel := s.rpcContext()
	defer cancel()

	// Verify the contact exists before touching subscriptions.
	if _, err := s.contacts.Get(ctx, params.ContactID); err != nil {
		rc.storeError(err)
		return
	}

	previous := rc.Client.SwapConversation(params.ContactID)
	if previous != "" && previous != params.ContactID {
		rc.Client.DropSubscription(routing.ConversationChannel(rc.Client.RecipientID, previous))
	}

	channel := routing.ConversationChannel(rc.Client.RecipientID, params.ContactID)
	if err := s.subscribeClient(context.Background(), rc.Client, channel); err != nil {
		rc.Server.log.Error().Err(err).Str("channel", channel).Msg("conversation subscribe failed")
		rc.Error("internal", "subscription failed")
		return
	}

	rc.Respond(map[string]any{"channel": channel})
}

func (s *Server) rpcConversationClose(rc *RequestContext) {
	previous := rc.Client.SwapConversation("")
	if previous != "" {
		rc.Client.DropSubscription(routing.ConversationChannel(rc.Client.RecipientID, previous))
	}
	rc.Respond(map[string]any{"closed": previous})
}

func (s *Server) rpcContactsList(rc *RequestContext) {
	var params struct {
		NumberID string `json:"numberId"`
	}
	if err := rc.Params(&params); err != nil || params.NumberID == "" {
		rc.Error("invalid_params", "numberId is required")
		return
	}

	ctx, cancel := s.rpcContext()
	defer cancel()

	contacts, err := s.contacts.ListByNumber(ctx, params.NumberID)
	if err != nil {
		rc.storeError(err)
		return
	}
	rc.Respond(map[string]any{"contacts": contacts})
}

func (s *Server) rpcContactsMarkRead(rc *RequestContext) {
	var params struct {
		ContactID string `json:"contactId"`
	}
	if err := rc.Params(&params); err != nil || params.ContactID == "" {
		rc.Error("invalid_params", "contactId is required")
		return
	}

	ctx, cancel := s.rpcContext()
	defer cancel()

	contact, err := s.pipeline.MarkRead(ctx, params.ContactID)
	if err != nil {
		rc.storeError(err)
		return
	}
	rc.Respond(map[string]any{"contact": contact})
}

func (s *Server) rpcContactsRename(rc *RequestContext) {
	var params struct {
		ContactID   string `json:"contactId"`
		DisplayName string `json:"displayName"`
	}
	if err := rc.Params(&params); err != nil || params.ContactID == "" {
		rc.Error("invalid_params", "contactId is required")
		return
	}

	ctx, cancel := s.rpcContext()
	defer cancel()

	if err := s.contacts.SetDisplayName(ctx, params.ContactID, params.DisplayName); err != nil {
		rc.storeError(err)
		return
	}
	rc.Respond(map[string]any{"updated": true})
}

func (s *Server) rpcContactsRemove(rc *RequestContext) {
	var params struct {
		ContactID string `json:"contactId"`
	}
	if err := rc.Params(&params); err != nil || params.ContactID == "" {
		rc.Error("invalid_params", "contactId is required")
		return
	}

	ctx, cancel := s.rpcContext()
	defer cancel()

	if err := s.pipeline.RemoveContact(ctx, params.ContactID); err != nil {
		rc.storeError(err)
		return
	}
	rc.Respond(map[string]any{"removed": true})
}

func (s *Server) rpcMessagesList(rc *RequestContext) {
	var params struct {
		ContactID string `json:"contactId"`
	}
	if err := rc.Params(&params); err != nil || params.ContactID == "" {
		rc.Error("invalid_params", "contactId is required")
		return
	}

	ctx, cancel := s.rpcContext()
	defer cancel()

	contact, err := s.contacts.Get(ctx, params.ContactID)
	if err != nil {
		rc.storeError(err)
		return
	}

	messages, err := s.messages.ListConversation(ctx, contact.NumberID, contact.Counterparty)
	if err != nil {
		rc.storeError(err)
		return
	}
	rc.Respond(map[string]any{"messages": messages})
}

func (s *Server) rpcMessagesSend(rc *RequestContext) {
	var params struct {
		NumberID string `json:"numberId"`
		To       string `json:"to"`
		Body     string `json:"body"`
	}
	if err := rc.Params(&params); err != nil {
		rc.Error("invalid_params", "invalid params")
		return
	}
	if params.NumberID == "" || params.To == "" || params.Body == "" {
		rc.Error("invalid_params", "numberId, to, and body are required")
		return
	}

	ctx, cancel := s.rpcContext()
	defer cancel()

	result, err := s.pipeline.Outbound(ctx, params.NumberID, params.To, params.Body)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			rc.Error("not_found", "no such number")
			return
		}
		rc.Server.log.Error().Err(err).Msg("outbound send failed")
		rc.Error("send_failed", err.Error())
		return
	}
	rc.Respond(map[string]any{
		"message": result.Message,
		"contact": result.Contact,
	})
}

func (s *Server) rpcNumbersList(rc *RequestContext) {
	var params struct {
		TenantID string `json:"tenantId"`
	}
	if err := rc.Params(&params); err != nil || params.TenantID == "" {
		rc.Error("invalid_params", "tenantId is required")
		return
	}

	ctx, cancel := s.rpcContext()
	defer cancel()

	numbers, err := s.numbers.ListByTenant(ctx, params.TenantID)
	if err != nil {
		rc.storeError(err)
		return
	}
	rc.Respond(map[string]any{"numbers": numbers})
}

func (s *Server) rpcNumbersAssign(rc *RequestContext) {
	var params struct {
		NumberID   string `json:"numberId"`
		AssigneeID string `json:"assigneeId"`
	}
	if err := rc.Params(&params); err != nil || params.NumberID == "" {
		rc.Error("invalid_params", "numberId is required")
		return
	}

	ctx, cancel := s.rpcContext()
	defer cancel()

	num, err := s.pipeline.AssignNumber(ctx, params.NumberID, params.AssigneeID)
	if err != nil {
		rc.storeError(err)
		return
	}
	rc.Respond(map[string]any{"number": num})
}

// handleHealth responds to HTTP health checks.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","version":%q,"clients":%d}`, version.Version, s.clients.Count())
}

func handleNotFound(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "not found", http.StatusNotFound)
}
