// Package provider integrates the telephony provider for outbound SMS.
package provider

import "context"

// Sender dispatches an outbound SMS through the telephony provider and
// returns the provider-issued message id when one is available.
type Sender interface {
	Send(ctx context.Context, from, to, body string) (providerID string, err error)
}
