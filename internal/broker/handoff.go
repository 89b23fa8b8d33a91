package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/darkden-lab/relay/internal/logging"
	"github.com/darkden-lab/relay/internal/notifications"
)

// Ingester is the notification entry point the queue feeds.
type Ingester interface {
	Ingest(ctx context.Context, sig notifications.Signal) (notifications.Result, error)
}

// handoffMessage is the queue payload announcing that a customer asked for
// a human. Ids may arrive as numbers or numeric strings.
type handoffMessage struct {
	CustomerID notifications.FlexID `json:"customer_id"`
	TenantID   notifications.FlexID `json:"tenant_id"`
	Timestamp  json.RawMessage      `json:"timestamp,omitempty"`
}

// HandoffHandler decodes handoff messages and ingests them synchronously.
func HandoffHandler(ing Ingester) Handler {
	return func(ctx context.Context, body []byte) error {
		var msg handoffMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			logging.Warn().Err(err).Int("bytes", len(body)).Msg("broker: discarding undecodable message")
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if msg.CustomerID <= 0 || msg.TenantID <= 0 {
			logging.Warn().
				Int64("customer_id", msg.CustomerID.Int64()).
				Int64("tenant_id", msg.TenantID.Int64()).
				Msg("broker: discarding message without valid ids")
			return fmt.Errorf("%w: customer_id and tenant_id are required", ErrMalformed)
		}

		res, err := ing.Ingest(ctx, notifications.Signal{
			Kind:       notifications.KindHumanHandoff,
			TenantID:   msg.TenantID.Int64(),
			CustomerID: msg.CustomerID.Int64(),
		})
		if errors.Is(err, notifications.ErrInvalidSignal) {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if err != nil {
			return err
		}

		logging.Debug().
			Int64("tenant_id", msg.TenantID.Int64()).
			Int64("customer_id", msg.CustomerID.Int64()).
			Str("outcome", string(res.Outcome)).
			RawJSON("sent_at", timestampOrNull(msg.Timestamp)).
			Msg("broker: handoff processed")
		return nil
	}
}

func timestampOrNull(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("null")
	}
	return raw
}
