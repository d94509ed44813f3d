package domain

import (
	"fmt"

	"github.com/nyaruka/phonenumbers"
)

// NormalizeAddress canonicalizes a telephony address to E.164. Every lookup
// and every stored RoutableNumber address goes through this function, so two
// renderings of the same number always compare equal.
func NormalizeAddress(raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("empty address")
	}

	parsed, err := phonenumbers.Parse(raw, "US")
	if err != nil {
		return "", fmt.Errorf("parsing address %q: %w", raw, err)
	}
	if !phonenumbers.IsValidNumber(parsed) {
		return "", fmt.Errorf("invalid address %q", raw)
	}

	return phonenumbers.Format(parsed, phonenumbers.E164), nil
}
