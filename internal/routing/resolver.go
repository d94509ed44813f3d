package routing

import (
	"context"
	"errors"
	"fmt"

	"github.com/textdesk/textdesk/internal/domain"
	"github.com/textdesk/textdesk/internal/logging"
)

// ErrNumberNotFound reports that no active routable number owns an address.
// Webhook handlers treat this as an orphaned delivery: acknowledged to the
// provider, logged, and otherwise dropped.
var ErrNumberNotFound = errors.New("no active routable number for address")

// NumberLookup is the slice of the number store the resolver needs.
type NumberLookup interface {
	GetByAddress(ctx context.Context, address string) (domain.RoutableNumber, error)
}

// Route identifies who should be notified about traffic on a number.
type Route struct {
	NumberID      string
	TenantOwnerID string
	AssigneeID    string
}

// RecipientID returns the assignee when the number has one, otherwise the
// tenant owner.
func (r Route) RecipientID() string {
	if r.AssigneeID != "" {
		return r.AssigneeID
	}
	return r.TenantOwnerID
}

// Resolver maps telephony addresses to the owning tenant and recipient.
// It is a pure lookup with no side effects.
type Resolver struct {
	numbers NumberLookup
	log     *logging.Logger
}

// NewResolver creates a resolver backed by the given number lookup.
func NewResolver(numbers NumberLookup, log *logging.Logger) *Resolver {
	return &Resolver{numbers: numbers, log: log.Sub("resolver")}
}

// Resolve normalizes the address and looks up the owning routable number.
// Addresses that do not parse, or that no active number owns, return
// ErrNumberNotFound.
func (r *Resolver) Resolve(ctx context.Context, address string) (Route, error) {
	normalized, err := domain.NormalizeAddress(address)
	if err != nil {
		r.log.Debug().Str("address", address).Err(err).Msg("address failed normalization")
		return Route{}, fmt.Errorf("%w: %s", ErrNumberNotFound, address)
	}

	num, err := r.numbers.GetByAddress(ctx, normalized)
	if err != nil {
		return Route{}, fmt.Errorf("%w: %s", ErrNumberNotFound, normalized)
	}

	return Route{
		NumberID:      num.ID,
		TenantOwnerID: num.TenantID,
		AssigneeID:    num.AssigneeID,
	}, nil
}
