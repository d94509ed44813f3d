// Package domain defines the core types shared across the textdesk pipeline.
package domain

import "time"

// RoutableNumber is a tenant-owned telephony address capable of sending and
// receiving SMS. The address is always stored in canonical E.164 form.
type RoutableNumber struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenantId"`
	Address    string    `json:"address"`
	AssigneeID string    `json:"assigneeId,omitempty"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Recipient returns the user who should be notified for traffic on this
// number: the assignee when one is set, otherwise the tenant owner.
func (n RoutableNumber) Recipient() string {
	if n.AssigneeID != "" {
		return n.AssigneeID
	}
	return n.TenantID
}
