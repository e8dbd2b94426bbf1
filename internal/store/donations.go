// Package store holds the Postgres persistence for donation payment
// lifecycles. CRUD queries that do not touch the payment state machine
// live inline in their handlers.
package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"ndao-backend/internal/models"
	"ndao-backend/internal/payment"
)

type DonationStore struct {
	DB *sqlx.DB
}

func NewDonationStore(db *sqlx.DB) *DonationStore {
	return &DonationStore{DB: db}
}

func (s *DonationStore) Create(ctx context.Context, d *models.Donation) (int64, error) {
	query := `
		INSERT INTO donations
		  (campaign_id, amount, kind, method, donor_name, donor_email, donor_phone, payment_state, created_at)
		VALUES
		  ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		RETURNING id, created_at
	`
	row := s.DB.QueryRowxContext(ctx, query,
		d.CampaignID, d.Amount, d.Kind, d.Method,
		d.DonorName, d.DonorEmail, d.DonorPhone, d.PaymentState,
	)
	if err := row.Scan(&d.ID, &d.CreatedAt); err != nil {
		return 0, fmt.Errorf("could not insert donation: %w", err)
	}
	return d.ID, nil
}

func (s *DonationStore) Get(ctx context.Context, id int64) (*models.Donation, error) {
	var d models.Donation
	query := `SELECT * FROM donations WHERE id = $1`
	if err := s.DB.GetContext(ctx, &d, query, id); err != nil {
		return nil, fmt.Errorf("could not load donation %d: %w", id, err)
	}
	return &d, nil
}

// TransitionState is the conditional update the reconciliation logic
// races on: the WHERE clause only matches while the donation is still
// in the expected state, so exactly one concurrent caller wins each
// conceptual transition and the rest observe ErrConflict.
func (s *DonationStore) TransitionState(ctx context.Context, id int64, from, to models.PaymentState, extra payment.Extra) error {
	sets := "payment_state = $1"
	args := []any{to}
	n := 2
	if extra.CorrelationID != nil {
		sets += fmt.Sprintf(", correlation_id = $%d", n)
		args = append(args, *extra.CorrelationID)
		n++
	}
	if extra.ProviderRef != nil {
		sets += fmt.Sprintf(", provider_ref = $%d", n)
		args = append(args, *extra.ProviderRef)
		n++
	}
	if extra.ReceiptSent != nil {
		sets += fmt.Sprintf(", receipt_sent = $%d", n)
		args = append(args, *extra.ReceiptSent)
		n++
	}
	query := fmt.Sprintf("UPDATE donations SET %s WHERE id = $%d AND payment_state = $%d", sets, n, n+1)
	args = append(args, id, from)

	res, err := s.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("could not transition donation %d: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return payment.ErrConflict
	}
	return nil
}

func (s *DonationStore) PendingConfirmations(ctx context.Context) ([]models.Donation, error) {
	var ds []models.Donation
	query := `SELECT * FROM donations WHERE payment_state = $1 AND correlation_id <> ''`
	if err := s.DB.SelectContext(ctx, &ds, query, models.StatePendingConfirmation); err != nil {
		return nil, fmt.Errorf("could not list pending donations: %w", err)
	}
	return ds, nil
}
