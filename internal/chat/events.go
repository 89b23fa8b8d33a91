// Package chat republishes changes to chat messages and contacts, which are
// stored by the messaging integration, to the tenant's live chat streams.
package chat

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/darkden-lab/relay/internal/logging"
	"github.com/darkden-lab/relay/internal/notifications"
	"github.com/darkden-lab/relay/internal/validation"
)

// EventType names the kind of row that changed.
type EventType string

const (
	TypeMessage EventType = "message"
	TypeContact EventType = "contact"
)

// Actions the integration reports.
const (
	ActionCreated = "created"
	ActionUpdated = "updated"
	ActionDeleted = "deleted"
)

// ErrInvalidEvent wraps envelope validation failures.
var ErrInvalidEvent = errors.New("invalid chat event")

// Event is the envelope pushed to chat streams. Data is the changed row as
// stored upstream; it is passed through untouched.
type Event struct {
	TenantID int64           `json:"tenant_id" validate:"gt=0"`
	Type     EventType       `json:"type" validate:"required,oneof=message contact"`
	Action   string          `json:"action" validate:"required,oneof=created updated deleted"`
	Data     json.RawMessage `json:"data"`
}

// Publisher delivers chat payloads to a tenant's chat channel.
type Publisher interface {
	PublishChat(tenantID int64, payload interface{}) error
}

// Notifier wraps changed rows in Events and publishes them.
type Notifier struct {
	pub Publisher
}

func NewNotifier(pub Publisher) *Notifier {
	return &Notifier{pub: pub}
}

// MessageChanged announces a created, updated or deleted chat message.
func (n *Notifier) MessageChanged(tenantID int64, action string, row interface{}) error {
	return n.changed(tenantID, TypeMessage, action, row)
}

// ContactChanged announces a change to a chat contact summary.
func (n *Notifier) ContactChanged(tenantID int64, action string, row interface{}) error {
	return n.changed(tenantID, TypeContact, action, row)
}

func (n *Notifier) changed(tenantID int64, typ EventType, action string, row interface{}) error {
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("marshal %s row: %w", typ, err)
	}
	return n.Publish(Event{TenantID: tenantID, Type: typ, Action: action, Data: data})
}

// Publish validates ev and hands it to the tenant's chat streams.
func (n *Notifier) Publish(ev Event) error {
	if err := validation.Struct(&ev); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if len(ev.Data) == 0 {
		ev.Data = json.RawMessage("null")
	}
	if err := n.pub.PublishChat(ev.TenantID, ev); err != nil {
		return fmt.Errorf("publish chat event: %w", err)
	}
	logging.Debug().
		Str("component", "chat").
		Int64("tenant_id", ev.TenantID).
		Str("type", string(ev.Type)).
		Str("action", ev.Action).
		Msg("chat change published")
	return nil
}

// eventRequest is the webhook body. tenant_id may be a number or a numeric
// string.
type eventRequest struct {
	TenantID notifications.FlexID `json:"tenant_id"`
	Type     EventType            `json:"type"`
	Action   string               `json:"action"`
	Data     json.RawMessage      `json:"data"`
}

func (r eventRequest) event() Event {
	return Event{TenantID: r.TenantID.Int64(), Type: r.Type, Action: r.Action, Data: r.Data}
}
