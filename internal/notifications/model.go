package notifications

import (
	"errors"
	"time"
)

// Kind classifies a notification.
type Kind string

const (
	KindHumanHandoff  Kind = "human_handoff"
	KindManualMessage Kind = "manual_message"
)

var (
	// ErrNotFound is returned when a notification or customer does not exist
	// in the caller's scope.
	ErrNotFound = errors.New("not found")
	// ErrInvalidSignal wraps signal validation failures.
	ErrInvalidSignal = errors.New("invalid signal")
)

// Notification is a persisted alert for tenant staff. The customer and tenant
// display fields are joined in on read paths.
type Notification struct {
	ID            string    `json:"id"`
	TenantID      int64     `json:"tenant_id"`
	CustomerID    *int64    `json:"customer_id"`
	Kind          Kind      `json:"kind"`
	Message       string    `json:"message"`
	Read          bool      `json:"read"`
	CreatedAt     time.Time `json:"created_at"`
	CustomerName  *string   `json:"customer_name"`
	CustomerPhone *string   `json:"customer_phone"`
	TenantName    *string   `json:"tenant_name"`
}

// Customer is the subset of a customer record needed to label notifications.
type Customer struct {
	ID    int64
	Name  string
	Phone string
}

// ListParams filters and paginates notification listings. A nil TenantID
// lists across all tenants (platform operators).
type ListParams struct {
	TenantID *int64
	Kind     Kind
	Read     *bool // nil = all
	Limit    int
	Offset   int
}

const (
	defaultListLimit = 50
	maxListLimit     = 100
)

func (p *ListParams) normalize() {
	if p.Limit <= 0 || p.Limit > maxListLimit {
		p.Limit = defaultListLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
}
