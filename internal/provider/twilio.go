package provider

import (
	"context"
	"fmt"

	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/textdesk/textdesk/internal/logging"
)

// Twilio sends SMS through the Twilio REST API.
type Twilio struct {
	client *twilio.RestClient
	log    *logging.Logger
}

// NewTwilio creates a sender authenticated with the account credentials.
func NewTwilio(accountSID, authToken string, log *logging.Logger) *Twilio {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return &Twilio{client: client, log: log.Sub("twilio")}
}

// Send dispatches one SMS and returns the provider message SID.
func (t *Twilio) Send(ctx context.Context, from, to, body string) (string, error) {
	params := &api.CreateMessageParams{}
	params.SetFrom(from)
	params.SetTo(to)
	params.SetBody(body)

	resp, err := t.client.Api.CreateMessage(params)
	if err != nil {
		return "", fmt.Errorf("twilio send to %s: %w", to, err)
	}
	if resp.Sid == nil {
		return "", fmt.Errorf("twilio send to %s: response missing sid", to)
	}

	t.log.Debug().Str("to", to).Str("sid", *resp.Sid).Msg("sms dispatched")
	return *resp.Sid, nil
}
