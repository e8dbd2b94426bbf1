package payment

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"

	"ndao-backend/internal/models"
)

// Initiator turns a newly created donation requiring external
// confirmation into an in-flight provider transaction.
type Initiator struct {
	store    Store
	provider Provider
	nonce    atomic.Uint64
}

func NewInitiator(store Store, provider Provider) *Initiator {
	return &Initiator{store: store, provider: provider}
}

// reference builds the idempotent transaction reference for one
// initiation attempt: donation id plus a monotonically increasing
// nonce, never reused across attempts.
func (i *Initiator) reference(donationID int64) string {
	return fmt.Sprintf("DON-%d-%d", donationID, i.nonce.Add(1))
}

// Initiate submits the merchant-pay request for the donation and
// persists the returned correlation id before returning, so the handle
// survives a crash between provider acceptance and poller scheduling.
// The transition pending_initiation -> pending_confirmation carries the
// correlation id atomically.
//
// On provider rejection the donation moves to failed and the
// InitiationError is returned to the caller; the donation must not be
// retried automatically, a retry needs a fresh donation.
func (i *Initiator) Initiate(ctx context.Context, d *models.Donation) (string, error) {
	if d.DonorPhone == "" {
		return "", ErrMissingPhone
	}

	req := InitiateRequest{
		Amount:      d.Amount,
		DonorPhone:  d.DonorPhone,
		Description: donationDescription(d),
		Reference:   i.reference(d.ID),
	}

	correlationID, err := i.provider.Initiate(ctx, req)
	if err != nil {
		if txErr := i.store.TransitionState(ctx, d.ID, models.StatePendingInitiation, models.StateFailed, Extra{}); txErr != nil && !errors.Is(txErr, ErrConflict) {
			log.Printf("Failed to mark donation %d as failed after initiation error: %v", d.ID, txErr)
		}
		return "", err
	}

	err = i.store.TransitionState(ctx, d.ID, models.StatePendingInitiation, models.StatePendingConfirmation, Extra{CorrelationID: &correlationID})
	if err != nil {
		return "", fmt.Errorf("could not persist correlation id for donation %d: %w", d.ID, err)
	}

	d.CorrelationID = correlationID
	d.PaymentState = models.StatePendingConfirmation
	return correlationID, nil
}

func donationDescription(d *models.Donation) string {
	if d.CampaignID != nil {
		return fmt.Sprintf("Donation campaign %d", *d.CampaignID)
	}
	return fmt.Sprintf("Donation %d", d.ID)
}
