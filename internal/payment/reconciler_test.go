package payment_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"ndao-backend/internal/models"
	"ndao-backend/internal/payment"
	mock_payment "ndao-backend/internal/payment/mocks"
)

// memStore is an in-memory payment.Store with the same conditional
// transition semantics as the Postgres implementation. The reconciler
// tests exercise real conflict behavior through it, which a pure mock
// cannot provide.
type memStore struct {
	mu        sync.Mutex
	seq       int64
	donations map[int64]*models.Donation
}

func newMemStore() *memStore {
	return &memStore{donations: make(map[int64]*models.Donation)}
}

func (s *memStore) Create(ctx context.Context, d *models.Donation) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	d.ID = s.seq
	d.CreatedAt = time.Now()
	cp := *d
	s.donations[d.ID] = &cp
	return d.ID, nil
}

func (s *memStore) Get(ctx context.Context, id int64) (*models.Donation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.donations[id]
	if !ok {
		return nil, errors.New("donation not found")
	}
	cp := *d
	return &cp, nil
}

func (s *memStore) TransitionState(ctx context.Context, id int64, from, to models.PaymentState, extra payment.Extra) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.donations[id]
	if !ok {
		return errors.New("donation not found")
	}
	if d.PaymentState != from {
		return payment.ErrConflict
	}
	d.PaymentState = to
	if extra.CorrelationID != nil {
		d.CorrelationID = *extra.CorrelationID
	}
	if extra.ProviderRef != nil {
		d.ProviderRef = *extra.ProviderRef
	}
	if extra.ReceiptSent != nil {
		d.ReceiptSent = *extra.ReceiptSent
	}
	return nil
}

func (s *memStore) PendingConfirmations(ctx context.Context) ([]models.Donation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Donation
	for _, d := range s.donations {
		if d.PaymentState == models.StatePendingConfirmation && d.CorrelationID != "" {
			out = append(out, *d)
		}
	}
	return out, nil
}

func fastConfig() payment.Config {
	return payment.Config{PollInterval: time.Millisecond, MaxAttempts: 5}
}

func newDonation(method models.PaymentMethod, phone string) *models.Donation {
	return &models.Donation{
		Amount:       50000,
		Kind:         models.KindOneTime,
		Method:       method,
		DonorName:    "Jane Donor",
		DonorEmail:   "jane@example.com",
		DonorPhone:   phone,
		PaymentState: models.StatePendingInitiation,
	}
}

func TestConfirmImmediate(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	store := newMemStore()
	provider := mock_payment.NewMockProvider(ctrl)
	notifier := mock_payment.NewMockNotifier(ctrl)

	d := newDonation(models.MethodCash, "")
	id, err := store.Create(context.Background(), d)
	require.NoError(t, err)

	var sent []payment.Receipt
	notifier.EXPECT().SendReceipt(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, r payment.Receipt) error {
			sent = append(sent, r)
			return nil
		}).Times(1)

	r := payment.NewReconciler(store, provider, notifier, fastConfig())
	require.NoError(t, r.ConfirmImmediate(context.Background(), id))

	got, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StateConfirmed, got.PaymentState)
	assert.True(t, got.ReceiptSent)
	assert.Empty(t, got.CorrelationID, "non-external methods never get a correlation handle")
	assert.Empty(t, got.ProviderRef)
	require.Len(t, sent, 1)
	assert.Equal(t, int64(50000), sent[0].Amount)
	assert.Equal(t, "jane@example.com", sent[0].DonorEmail)
}

func TestInitiatePersistsCorrelationID(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	store := newMemStore()
	provider := mock_payment.NewMockProvider(ctrl)

	d := newDonation(models.MethodMVola, "0341234567")
	_, err := store.Create(context.Background(), d)
	require.NoError(t, err)

	var req payment.InitiateRequest
	provider.EXPECT().Initiate(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, r payment.InitiateRequest) (string, error) {
			req = r
			return "SC-001", nil
		})

	initiator := payment.NewInitiator(store, provider)
	correlationID, err := initiator.Initiate(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, "SC-001", correlationID)
	assert.Equal(t, int64(50000), req.Amount)
	assert.Equal(t, "0341234567", req.DonorPhone)
	assert.NotEmpty(t, req.Reference)

	// Handle persisted before any poll could be scheduled
	got, err := store.Get(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, "SC-001", got.CorrelationID)
	assert.Equal(t, models.StatePendingConfirmation, got.PaymentState)
}

func TestInitiateReferencesNeverReused(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	store := newMemStore()
	provider := mock_payment.NewMockProvider(ctrl)

	var refs []string
	provider.EXPECT().Initiate(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, r payment.InitiateRequest) (string, error) {
			refs = append(refs, r.Reference)
			return "SC-ANY", nil
		}).Times(2)

	initiator := payment.NewInitiator(store, provider)
	for i := 0; i < 2; i++ {
		d := newDonation(models.MethodMVola, "0341234567")
		_, err := store.Create(context.Background(), d)
		require.NoError(t, err)
		_, err = initiator.Initiate(context.Background(), d)
		require.NoError(t, err)
	}

	require.Len(t, refs, 2)
	assert.NotEqual(t, refs[0], refs[1])
}

func TestInitiateMissingPhone(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	store := newMemStore()
	provider := mock_payment.NewMockProvider(ctrl) // no calls expected

	d := newDonation(models.MethodMVola, "")
	_, err := store.Create(context.Background(), d)
	require.NoError(t, err)

	initiator := payment.NewInitiator(store, provider)
	_, err = initiator.Initiate(context.Background(), d)
	assert.ErrorIs(t, err, payment.ErrMissingPhone)

	// Rejected before any provider call: no state change
	got, err := store.Get(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatePendingInitiation, got.PaymentState)
}

func TestInitiateProviderRejection(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	store := newMemStore()
	provider := mock_payment.NewMockProvider(ctrl)
	provider.EXPECT().Initiate(gomock.Any(), gomock.Any()).
		Return("", &payment.InitiationError{Description: "insufficient funds"})

	d := newDonation(models.MethodMVola, "0341234567")
	_, err := store.Create(context.Background(), d)
	require.NoError(t, err)

	initiator := payment.NewInitiator(store, provider)
	_, err = initiator.Initiate(context.Background(), d)

	var initErr *payment.InitiationError
	require.ErrorAs(t, err, &initErr)
	assert.Equal(t, "insufficient funds", initErr.Description)

	got, err := store.Get(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, got.PaymentState)
	assert.Empty(t, got.CorrelationID)
}

// createPendingConfirmation seeds a donation as if initiation had
// already succeeded.
func createPendingConfirmation(t *testing.T, store *memStore, correlationID string) int64 {
	t.Helper()
	d := newDonation(models.MethodMVola, "0341234567")
	id, err := store.Create(context.Background(), d)
	require.NoError(t, err)
	err = store.TransitionState(context.Background(), id,
		models.StatePendingInitiation, models.StatePendingConfirmation,
		payment.Extra{CorrelationID: &correlationID})
	require.NoError(t, err)
	return id
}

func TestPollPendingThenCompleted(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	store := newMemStore()
	provider := mock_payment.NewMockProvider(ctrl)
	notifier := mock_payment.NewMockNotifier(ctrl)

	id := createPendingConfirmation(t, store, "SC-123")

	gomock.InOrder(
		provider.EXPECT().Status(gomock.Any(), "SC-123").
			Return(payment.StatusResult{Outcome: payment.OutcomePending}, nil),
		provider.EXPECT().Status(gomock.Any(), "SC-123").
			Return(payment.StatusResult{Outcome: payment.OutcomeCompleted, ProviderRef: "OBJ123"}, nil),
	)

	var receipts []payment.Receipt
	notifier.EXPECT().SendReceipt(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, r payment.Receipt) error {
			receipts = append(receipts, r)
			return nil
		}).Times(1)

	var events []payment.Event
	r := payment.NewReconciler(store, provider, notifier, fastConfig())
	r.OnTerminal(func(e payment.Event) { events = append(events, e) })

	r.Schedule(context.Background(), id)
	r.Wait()

	got, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StateConfirmed, got.PaymentState)
	assert.Equal(t, "OBJ123", got.ProviderRef)
	assert.True(t, got.ReceiptSent)

	require.Len(t, receipts, 1)
	assert.Equal(t, int64(50000), receipts[0].Amount)
	assert.Equal(t, "OBJ123", receipts[0].ProviderRef)

	require.Len(t, events, 1)
	assert.Equal(t, models.StateConfirmed, events[0].State)
	assert.Equal(t, id, events[0].DonationID)
}

func TestPollTimeoutIsNotFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	store := newMemStore()
	provider := mock_payment.NewMockProvider(ctrl)
	notifier := mock_payment.NewMockNotifier(ctrl) // must never be called

	id := createPendingConfirmation(t, store, "SC-777")

	provider.EXPECT().Status(gomock.Any(), "SC-777").
		Return(payment.StatusResult{Outcome: payment.OutcomePending}, nil).Times(3)

	cfg := payment.Config{PollInterval: time.Millisecond, MaxAttempts: 3}
	r := payment.NewReconciler(store, provider, notifier, cfg)
	r.Schedule(context.Background(), id)
	r.Wait()

	got, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StateTimedOut, got.PaymentState)
	assert.False(t, got.ReceiptSent)
}

func TestPollProviderFailed(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	store := newMemStore()
	provider := mock_payment.NewMockProvider(ctrl)
	notifier := mock_payment.NewMockNotifier(ctrl) // no receipt on failure

	id := createPendingConfirmation(t, store, "SC-400")

	provider.EXPECT().Status(gomock.Any(), "SC-400").
		Return(payment.StatusResult{Outcome: payment.OutcomeFailed}, nil)

	var events []payment.Event
	r := payment.NewReconciler(store, provider, notifier, fastConfig())
	r.OnTerminal(func(e payment.Event) { events = append(events, e) })

	r.Schedule(context.Background(), id)
	r.Wait()

	got, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, got.PaymentState)
	require.Len(t, events, 1)
	assert.Equal(t, models.StateFailed, events[0].State)
}

func TestTransportErrorConsumesAttemptButOutcomeIsTimeout(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	store := newMemStore()
	provider := mock_payment.NewMockProvider(ctrl)
	notifier := mock_payment.NewMockNotifier(ctrl)

	id := createPendingConfirmation(t, store, "SC-503")

	provider.EXPECT().Status(gomock.Any(), "SC-503").
		Return(payment.StatusResult{}, errors.New("connection refused")).Times(2)

	cfg := payment.Config{PollInterval: time.Millisecond, MaxAttempts: 2}
	r := payment.NewReconciler(store, provider, notifier, cfg)
	r.Schedule(context.Background(), id)
	r.Wait()

	// Outcome unknown, never "failed"
	got, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StateTimedOut, got.PaymentState)
}

func TestCheckNowTerminalMakesNoProviderCall(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	store := newMemStore()
	provider := mock_payment.NewMockProvider(ctrl) // no Status expected
	notifier := mock_payment.NewMockNotifier(ctrl)

	id := createPendingConfirmation(t, store, "SC-900")
	ref := "OBJ900"
	err := store.TransitionState(context.Background(), id,
		models.StatePendingConfirmation, models.StateConfirmed,
		payment.Extra{ProviderRef: &ref})
	require.NoError(t, err)

	r := payment.NewReconciler(store, provider, notifier, fastConfig())
	state, err := r.CheckNow(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StateConfirmed, state)
}

func TestCheckNowWithoutCorrelationID(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	store := newMemStore()
	provider := mock_payment.NewMockProvider(ctrl)
	notifier := mock_payment.NewMockNotifier(ctrl)

	d := newDonation(models.MethodMVola, "0341234567")
	id, err := store.Create(context.Background(), d)
	require.NoError(t, err)

	r := payment.NewReconciler(store, provider, notifier, fastConfig())
	state, err := r.CheckNow(context.Background(), id)
	assert.ErrorIs(t, err, payment.ErrNotInitiated)
	assert.Equal(t, models.StatePendingInitiation, state)
}

func TestCheckNowRacingPollerNotifiesOnce(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	store := newMemStore()
	provider := mock_payment.NewMockProvider(ctrl)
	notifier := mock_payment.NewMockNotifier(ctrl)

	id := createPendingConfirmation(t, store, "SC-RACE")

	// Both paths may observe pending -> completed.
	provider.EXPECT().Status(gomock.Any(), "SC-RACE").
		Return(payment.StatusResult{Outcome: payment.OutcomeCompleted, ProviderRef: "OBJ-R"}, nil).
		AnyTimes()
	// Exactly one receipt regardless of who wins the transition.
	notifier.EXPECT().SendReceipt(gomock.Any(), gomock.Any()).Return(nil).Times(1)

	cfg := payment.Config{PollInterval: time.Millisecond, MaxAttempts: 1}
	r := payment.NewReconciler(store, provider, notifier, cfg)

	var wg sync.WaitGroup
	wg.Add(1)
	r.Schedule(context.Background(), id)
	go func() {
		defer wg.Done()
		_, _ = r.CheckNow(context.Background(), id)
	}()
	wg.Wait()
	r.Wait()

	got, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StateConfirmed, got.PaymentState)
	assert.Equal(t, "OBJ-R", got.ProviderRef)
}

func TestResumePendingReschedulesAndSettles(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	store := newMemStore()
	provider := mock_payment.NewMockProvider(ctrl)
	notifier := mock_payment.NewMockNotifier(ctrl)

	id := createPendingConfirmation(t, store, "SC-RESUME")

	provider.EXPECT().Status(gomock.Any(), "SC-RESUME").
		Return(payment.StatusResult{Outcome: payment.OutcomeCompleted, ProviderRef: "OBJ-RES"}, nil)
	notifier.EXPECT().SendReceipt(gomock.Any(), gomock.Any()).Return(nil).Times(1)

	r := payment.NewReconciler(store, provider, notifier, fastConfig())
	require.NoError(t, r.ResumePending(context.Background()))
	r.Wait()

	got, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StateConfirmed, got.PaymentState)
	assert.Equal(t, "OBJ-RES", got.ProviderRef)
}

func TestReceiptFailureKeepsDonationConfirmed(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	store := newMemStore()
	provider := mock_payment.NewMockProvider(ctrl)
	notifier := mock_payment.NewMockNotifier(ctrl)

	id := createPendingConfirmation(t, store, "SC-MAIL")

	provider.EXPECT().Status(gomock.Any(), "SC-MAIL").
		Return(payment.StatusResult{Outcome: payment.OutcomeCompleted, ProviderRef: "OBJ-M"}, nil)
	notifier.EXPECT().SendReceipt(gomock.Any(), gomock.Any()).
		Return(errors.New("smtp unavailable"))

	r := payment.NewReconciler(store, provider, notifier, fastConfig())
	r.Schedule(context.Background(), id)
	r.Wait()

	// Confirmation stands; the unsent receipt stays visible for a
	// manual resend.
	got, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StateConfirmed, got.PaymentState)
	assert.False(t, got.ReceiptSent)
}
