package payment

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"ndao-backend/internal/models"
)

// Config bounds one donation's reconciliation: a fixed delay between
// status queries and a maximum number of attempts. With the defaults
// the total budget is about five minutes.
type Config struct {
	PollInterval time.Duration
	MaxAttempts  int
}

// DefaultConfig returns the deployment defaults.
func DefaultConfig() Config {
	return Config{PollInterval: 10 * time.Second, MaxAttempts: 30}
}

// Reconciler drives donations from pending_confirmation to a terminal
// state by repeated status queries against the provider.
//
// Each scheduled donation polls on its own goroutine; attempts for a
// single donation are strictly sequential, and any number of donations
// may reconcile concurrently. The schedule itself is in-memory and
// best-effort: it does not survive a restart, ResumePending re-enqueues
// whatever the store still reports as pending at startup.
type Reconciler struct {
	store    Store
	provider Provider
	notifier Notifier
	cfg      Config

	mu         sync.Mutex
	onTerminal func(Event)

	wg sync.WaitGroup
}

func NewReconciler(store Store, provider Provider, notifier Notifier, cfg Config) *Reconciler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	return &Reconciler{store: store, provider: provider, notifier: notifier, cfg: cfg}
}

// OnTerminal registers a callback invoked once per donation when it
// reaches a terminal state. Exactly one caller wins each transition, so
// the callback fires at most once per donation.
func (r *Reconciler) OnTerminal(fn func(Event)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onTerminal = fn
}

// Schedule starts background reconciliation for one donation. It
// returns immediately; all polling happens off the request path.
func (r *Reconciler) Schedule(ctx context.Context, donationID int64) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.poll(ctx, donationID)
	}()
}

// Wait blocks until every scheduled reconciliation has finished.
func (r *Reconciler) Wait() {
	r.wg.Wait()
}

// ResumePending re-enqueues donations the store still reports as
// awaiting confirmation. Called once at startup since in-flight
// schedules are lost on restart.
func (r *Reconciler) ResumePending(ctx context.Context) error {
	pending, err := r.store.PendingConfirmations(ctx)
	if err != nil {
		return err
	}
	for _, d := range pending {
		r.Schedule(ctx, d.ID)
	}
	if len(pending) > 0 {
		log.Printf("Resumed reconciliation for %d pending donation(s)", len(pending))
	}
	return nil
}

// CheckNow runs exactly one reconciliation attempt out-of-band from the
// scheduled poller and returns the donation's current state. If the
// donation is already terminal no provider call is made. Safe to call
// concurrently with an in-flight scheduled poll: the conditional
// transition in the store decides the winner.
func (r *Reconciler) CheckNow(ctx context.Context, donationID int64) (models.PaymentState, error) {
	d, err := r.store.Get(ctx, donationID)
	if err != nil {
		return "", err
	}
	if d.PaymentState.Terminal() {
		return d.PaymentState, nil
	}
	if d.CorrelationID == "" {
		return d.PaymentState, ErrNotInitiated
	}

	r.attempt(ctx, donationID)

	d, err = r.store.Get(ctx, donationID)
	if err != nil {
		return "", err
	}
	return d.PaymentState, nil
}

// ConfirmImmediate settles a donation whose payment method needs no
// external confirmation: pending_initiation -> confirmed, receipt sent.
func (r *Reconciler) ConfirmImmediate(ctx context.Context, donationID int64) error {
	d, err := r.store.Get(ctx, donationID)
	if err != nil {
		return err
	}
	return r.confirm(ctx, d, models.StatePendingInitiation, "")
}

func (r *Reconciler) poll(ctx context.Context, donationID int64) {
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		if terminal := r.attempt(ctx, donationID); terminal {
			return
		}
		if attempt == r.cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.cfg.PollInterval):
		}
	}

	// Budget exhausted having only ever seen pending or transport
	// errors: the provider-side outcome is unknown, which is timed_out,
	// not failed. Requires manual follow-up, never an automatic retry.
	err := r.store.TransitionState(ctx, donationID, models.StatePendingConfirmation, models.StateTimedOut, Extra{})
	if errors.Is(err, ErrConflict) {
		return
	}
	if err != nil {
		log.Printf("Failed to mark donation %d as timed out: %v", donationID, err)
		return
	}
	log.Printf("Reconciliation timed out for donation %d after %d attempts", donationID, r.cfg.MaxAttempts)
	if d, err := r.store.Get(ctx, donationID); err == nil {
		r.emit(eventFor(d, models.StateTimedOut, ""))
	}
}

// attempt runs one polling cycle and reports whether the donation is
// now terminal. A transport error does not decide the outcome but does
// consume the attempt slot.
func (r *Reconciler) attempt(ctx context.Context, donationID int64) bool {
	d, err := r.store.Get(ctx, donationID)
	if err != nil {
		log.Printf("Failed to load donation %d for reconciliation: %v", donationID, err)
		return false
	}
	// Another path may already have settled this donation; any
	// transition we computed from older state would just conflict.
	if d.PaymentState.Terminal() {
		return true
	}
	if d.CorrelationID == "" {
		log.Printf("Donation %d scheduled without a correlation id, stopping", donationID)
		return true
	}

	res, err := r.provider.Status(ctx, d.CorrelationID)
	if err != nil {
		log.Printf("Status query failed for donation %d: %v", donationID, err)
		return false
	}

	switch res.Outcome {
	case OutcomeCompleted:
		if err := r.confirm(ctx, d, models.StatePendingConfirmation, res.ProviderRef); err != nil {
			log.Printf("Failed to confirm donation %d: %v", donationID, err)
		}
		return true
	case OutcomeFailed:
		err := r.store.TransitionState(ctx, donationID, models.StatePendingConfirmation, models.StateFailed, Extra{})
		if errors.Is(err, ErrConflict) {
			return true
		}
		if err != nil {
			log.Printf("Failed to mark donation %d as failed: %v", donationID, err)
			return true
		}
		log.Printf("Provider reported payment failed for donation %d", donationID)
		r.emit(eventFor(d, models.StateFailed, ""))
		return true
	default:
		return false
	}
}

// confirm applies the terminal transition to confirmed and, if this
// caller won it, sends the receipt. The conditional transition is what
// makes the notification at-most-once: a racing path loses with
// ErrConflict and never notifies. The receipt marker is only persisted
// after the send succeeds, so an unsent receipt stays visible.
func (r *Reconciler) confirm(ctx context.Context, d *models.Donation, from models.PaymentState, providerRef string) error {
	extra := Extra{}
	if providerRef != "" {
		extra.ProviderRef = &providerRef
	}
	err := r.store.TransitionState(ctx, d.ID, from, models.StateConfirmed, extra)
	if errors.Is(err, ErrConflict) {
		return nil
	}
	if err != nil {
		return err
	}

	log.Printf("Donation %d confirmed (provider ref %q)", d.ID, providerRef)
	r.emit(eventFor(d, models.StateConfirmed, providerRef))

	if d.DonorEmail == "" {
		log.Printf("Donation %d has no donor email, receipt not sent", d.ID)
		return nil
	}
	receipt := Receipt{
		DonationID:  d.ID,
		DonorName:   d.DonorName,
		DonorEmail:  d.DonorEmail,
		Amount:      d.Amount,
		Method:      d.Method,
		ProviderRef: providerRef,
		PaidAt:      time.Now(),
	}
	if err := r.notifier.SendReceipt(ctx, receipt); err != nil {
		log.Printf("Failed to send receipt for donation %d: %v", d.ID, err)
		return nil
	}
	sent := true
	if err := r.store.TransitionState(ctx, d.ID, models.StateConfirmed, models.StateConfirmed, Extra{ReceiptSent: &sent}); err != nil {
		log.Printf("Failed to record receipt for donation %d: %v", d.ID, err)
	}
	return nil
}

func (r *Reconciler) emit(e Event) {
	r.mu.Lock()
	fn := r.onTerminal
	r.mu.Unlock()
	if fn != nil {
		fn(e)
	}
}

func eventFor(d *models.Donation, state models.PaymentState, providerRef string) Event {
	return Event{
		DonationID:  d.ID,
		State:       state,
		DonorName:   d.DonorName,
		DonorEmail:  d.DonorEmail,
		Amount:      d.Amount,
		Method:      d.Method,
		ProviderRef: providerRef,
		Timestamp:   time.Now(),
	}
}
