package ingest

import (
	"net/http"
	"time"

	twclient "github.com/twilio/twilio-go/client"

	"github.com/textdesk/textdesk/internal/domain"
	"github.com/textdesk/textdesk/internal/logging"
)

// ackBody is the minimal TwiML envelope the provider expects. Returning it
// with a 200 stops provider-side retries.
const ackBody = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

// signatureHeader carries the provider's HMAC over the callback URL and the
// sorted form parameters.
const signatureHeader = "X-Twilio-Signature"

// WebhookHandler authenticates and ingests provider callbacks.
type WebhookHandler struct {
	pipeline    *Pipeline
	validator   twclient.RequestValidator
	callbackURL string
	skipCheck   bool
	log         *logging.Logger
}

// WebhookOptions configures the webhook handler.
type WebhookOptions struct {
	AuthToken   string
	CallbackURL string
	// SkipSignatureCheck disables validation for local development.
	SkipSignatureCheck bool
}

// NewWebhookHandler creates the webhook ingress.
func NewWebhookHandler(pipeline *Pipeline, opts WebhookOptions, log *logging.Logger) *WebhookHandler {
	return &WebhookHandler{
		pipeline:    pipeline,
		validator:   twclient.NewRequestValidator(opts.AuthToken),
		callbackURL: opts.CallbackURL,
		skipCheck:   opts.SkipSignatureCheck,
		log:         log.Sub("webhook"),
	}
}

// Register mounts the webhook routes.
func (h *WebhookHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /webhooks/sms", h.HandleInbound)
	mux.HandleFunc("POST /webhooks/status", h.HandleStatus)
}

// HandleInbound receives an inbound SMS callback. Authentication failures
// get a 403 with no processing; everything after a valid signature is
// acknowledged with an empty TwiML envelope regardless of routing outcome,
// because a retry cannot fix an orphaned address or a storage fault.
func (h *WebhookHandler) HandleInbound(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	if !h.authenticate(r) {
		h.log.Warn().Str("remote", r.RemoteAddr).Msg("webhook signature rejected")
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	sms := InboundSMS{
		From:       r.PostFormValue("From"),
		To:         r.PostFormValue("To"),
		Body:       r.PostFormValue("Body"),
		ProviderID: r.PostFormValue("MessageSid"),
		Timestamp:  time.Now().UTC(),
	}

	if _, err := h.pipeline.Inbound(r.Context(), sms); err != nil {
		// Already logged and alerted inside the pipeline. Ack anyway.
		h.log.Debug().Err(err).Str("providerId", sms.ProviderID).Msg("inbound not fanned out")
	}

	h.ack(w)
}

// HandleStatus receives outbound delivery receipts.
func (h *WebhookHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	if !h.authenticate(r) {
		h.log.Warn().Str("remote", r.RemoteAddr).Msg("status webhook signature rejected")
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	sid := r.PostFormValue("MessageSid")
	status := mapProviderStatus(r.PostFormValue("MessageStatus"))
	if sid != "" && status != "" {
		if err := h.pipeline.DeliveryReceipt(r.Context(), sid, status); err != nil {
			h.log.Warn().Err(err).Str("providerId", sid).Msg("recording delivery receipt")
		}
	}

	h.ack(w)
}

// authenticate verifies the provider's request signature: an HMAC over the
// callback URL plus the sorted POST parameters, compared against the
// signature header.
func (h *WebhookHandler) authenticate(r *http.Request) bool {
	if h.skipCheck {
		return true
	}

	params := make(map[string]string, len(r.PostForm))
	for key, values := range r.PostForm {
		if len(values) > 0 {
			params[key] = values[0]
		}
	}

	url := h.callbackURL
	if url == "" {
		scheme := "https"
		if r.TLS == nil {
			scheme = "http"
		}
		url = scheme + "://" + r.Host + r.URL.RequestURI()
	}

	return h.validator.Validate(url, params, r.Header.Get(signatureHeader))
}

func (h *WebhookHandler) ack(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(ackBody))
}

// mapProviderStatus translates provider status strings to the domain's
// delivery states. Unknown strings are dropped.
func mapProviderStatus(s string) domain.DeliveryStatus {
	switch s {
	case "queued", "accepted":
		return domain.StatusQueued
	case "sending", "sent":
		return domain.StatusSent
	case "delivered":
		return domain.StatusDelivered
	case "failed", "undelivered":
		return domain.StatusFailed
	default:
		return ""
	}
}
