package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ndao-backend/internal/models"
)

// ErrConflict is returned by Store.TransitionState when the donation's
// current state no longer matches the expected one. Callers treat it as
// "somebody else got there first" and stop; their view is stale.
var ErrConflict = errors.New("payment: state transition conflict")

// ErrMissingPhone rejects an initiation attempt for a method that needs
// the donor's phone number before any provider call is made.
var ErrMissingPhone = errors.New("payment: donor phone number required for this payment method")

// ErrNotInitiated is returned by CheckNow for a donation that has no
// correlation id, meaning no provider transaction was ever started.
var ErrNotInitiated = errors.New("payment: no provider transaction associated with this donation")

// InitiationError means the provider rejected or malformed the
// initiation request. The donation is moved to failed and must not be
// retried automatically.
type InitiationError struct {
	Description string
}

func (e *InitiationError) Error() string {
	return fmt.Sprintf("payment: initiation rejected by provider: %s", e.Description)
}

// Extra carries the optional fields a state transition may set
// alongside the new payment state.
type Extra struct {
	CorrelationID *string
	ProviderRef   *string
	ReceiptSent   *bool
}

// Store is the persisted view of a donation's payment lifecycle.
// TransitionState is a conditional update: it only succeeds when the
// donation's current state equals from, and returns ErrConflict
// otherwise. That check is the only concurrency control the
// reconciliation logic relies on.
//
//go:generate mockgen -destination=mocks/mock_payment.go -package=mock_payment -source=interface.go
type Store interface {
	Create(ctx context.Context, d *models.Donation) (int64, error)
	Get(ctx context.Context, id int64) (*models.Donation, error)
	TransitionState(ctx context.Context, id int64, from, to models.PaymentState, extra Extra) error
	PendingConfirmations(ctx context.Context) ([]models.Donation, error)
}

// Outcome classifies one provider status response.
type Outcome int

const (
	OutcomePending Outcome = iota
	OutcomeCompleted
	OutcomeFailed
)

// StatusResult is the classified answer to one status query.
// ProviderRef is only set when the outcome is completed.
type StatusResult struct {
	Outcome     Outcome
	ProviderRef string
}

// InitiateRequest is everything the provider needs to start a
// merchant-pay transaction. Reference is the idempotent transaction
// reference: unique per attempt, never reused.
type InitiateRequest struct {
	Amount      int64
	DonorPhone  string
	Description string
	Reference   string
}

// Provider is the external payment provider. Initiate returns the
// correlation id the provider uses to key all later status queries.
// A transport failure from Status is returned as an error and consumes
// a reconciliation attempt without deciding the outcome.
type Provider interface {
	Initiate(ctx context.Context, req InitiateRequest) (string, error)
	Status(ctx context.Context, correlationID string) (StatusResult, error)
}

// Receipt is the payload handed to the notification collaborator when
// a donation is confirmed.
type Receipt struct {
	DonationID  int64
	DonorName   string
	DonorEmail  string
	Amount      int64
	Method      models.PaymentMethod
	ProviderRef string
	PaidAt      time.Time
}

// Notifier sends a donation receipt to the donor.
type Notifier interface {
	SendReceipt(ctx context.Context, r Receipt) error
}

// Event is emitted once per donation when it reaches a terminal state.
type Event struct {
	DonationID  int64
	State       models.PaymentState
	DonorName   string
	DonorEmail  string
	Amount      int64
	Method      models.PaymentMethod
	ProviderRef string
	Timestamp   time.Time
}
