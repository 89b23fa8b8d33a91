package notifications

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/darkden-lab/relay/internal/logging"
	"github.com/darkden-lab/relay/internal/metrics"
	"github.com/darkden-lab/relay/internal/validation"
)

// DefaultDedupWindow suppresses repeat alarms for the same customer.
const DefaultDedupWindow = 2 * time.Minute

// Signal is one request to raise a notification. Handoff signals identify the
// customer directly; manual-message signals identify them by phone.
type Signal struct {
	Kind       Kind   `json:"kind" validate:"required,oneof=human_handoff manual_message"`
	TenantID   int64  `json:"tenant_id" validate:"gt=0"`
	CustomerID int64  `json:"customer_id" validate:"required_if=Kind human_handoff,gte=0"`
	Phone      string `json:"phone" validate:"required_if=Kind manual_message,max=64"`
	Text       string `json:"message_text" validate:"max=4096"`
}

// Outcome describes what Ingest did with a signal.
type Outcome string

const (
	OutcomeCreated   Outcome = "created"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeNoMatch   Outcome = "no_match"
)

// Result carries the outcome and, for created or duplicate, the notification.
type Result struct {
	Outcome      Outcome       `json:"outcome"`
	Notification *Notification `json:"notification,omitempty"`
}

// Publisher delivers a freshly created notification to live sessions.
type Publisher interface {
	PublishNotification(tenantID int64, payload interface{}) error
}

// Ingestor is the single entry point that turns signals into notifications.
type Ingestor struct {
	store  Store
	pub    Publisher
	window time.Duration
	now    func() time.Time
	logger zerolog.Logger
}

func NewIngestor(store Store, pub Publisher, window time.Duration) *Ingestor {
	if window <= 0 {
		window = DefaultDedupWindow
	}
	return &Ingestor{
		store:  store,
		pub:    pub,
		window: window,
		now:    time.Now,
		logger: logging.With().Str("component", "ingest").Logger(),
	}
}

// Ingest validates sig, resolves the customer, deduplicates and persists the
// notification, then publishes it. Rows the database refuses for good (unknown
// tenant, out-of-range values) are ErrInvalidSignal; other persistence
// failures are returned as is. No-match and duplicate are outcomes.
func (i *Ingestor) Ingest(ctx context.Context, sig Signal) (Result, error) {
	if err := validation.Struct(&sig); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidSignal, err)
	}

	var (
		customer   *Customer
		customerID int64
		message    string
		err        error
	)

	switch sig.Kind {
	case KindHumanHandoff:
		customerID = sig.CustomerID
		customer, err = i.store.FindCustomer(ctx, customerID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return Result{}, err
		}
		message = handoffMessage(customerLabel(customer, customerID))

	case KindManualMessage:
		candidates := PhoneCandidates(NormalizePhone(sig.Phone))
		if len(candidates) == 0 {
			return i.noMatch(sig), nil
		}
		customer, err = i.store.FindManualCustomer(ctx, sig.TenantID, candidates)
		if errors.Is(err, ErrNotFound) {
			return i.noMatch(sig), nil
		}
		if err != nil {
			return Result{}, err
		}
		customerID = customer.ID
		message = manualMessage(customerLabel(customer, customerID), sig.Text)
	}

	now := i.now()
	id, err := uuid.NewV7()
	if err != nil {
		return Result{}, fmt.Errorf("generate notification id: %w", err)
	}
	candidate := &Notification{
		ID:         id.String(),
		TenantID:   sig.TenantID,
		CustomerID: &customerID,
		Kind:       sig.Kind,
		Message:    message,
		CreatedAt:  now,
	}

	stored, duplicate, err := i.store.CreateDeduped(ctx, candidate, now.Add(-i.window))
	if isPermanent(err) {
		metrics.RecordIngest(string(sig.Kind), "rejected")
		i.logger.Warn().Err(err).
			Int64("tenant_id", sig.TenantID).
			Int64("customer_id", customerID).
			Msg("notification rejected by database")
		return Result{}, fmt.Errorf("%w: persist notification: %v", ErrInvalidSignal, err)
	}
	if err != nil {
		metrics.RecordIngest(string(sig.Kind), "error")
		return Result{}, fmt.Errorf("persist notification: %w", err)
	}

	if duplicate {
		metrics.RecordIngest(string(sig.Kind), string(OutcomeDuplicate))
		i.logger.Debug().
			Int64("tenant_id", sig.TenantID).
			Int64("customer_id", customerID).
			Str("kind", string(sig.Kind)).
			Str("existing", stored.ID).
			Msg("duplicate notification suppressed")
		return Result{Outcome: OutcomeDuplicate, Notification: stored}, nil
	}

	metrics.RecordIngest(string(sig.Kind), string(OutcomeCreated))
	if err := i.pub.PublishNotification(stored.TenantID, stored); err != nil {
		// Already persisted; clients pick it up on their next list call.
		i.logger.Warn().Err(err).Str("notification", stored.ID).Msg("publish failed")
	}
	i.logger.Info().
		Int64("tenant_id", stored.TenantID).
		Int64("customer_id", customerID).
		Str("kind", string(stored.Kind)).
		Str("notification", stored.ID).
		Msg("notification created")
	return Result{Outcome: OutcomeCreated, Notification: stored}, nil
}

func (i *Ingestor) noMatch(sig Signal) Result {
	metrics.RecordIngest(string(sig.Kind), string(OutcomeNoMatch))
	i.logger.Info().
		Int64("tenant_id", sig.TenantID).
		Str("phone", NormalizePhone(sig.Phone)).
		Msg("no manual-mode customer matches sender")
	return Result{Outcome: OutcomeNoMatch}
}
