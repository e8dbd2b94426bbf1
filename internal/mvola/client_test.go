package mvola_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ndao-backend/internal/mvola"
	"ndao-backend/internal/payment"
)

const merchantPayPath = "/mvola/mm/transactions/type/merchantpay/1.0.0/"

type fakeProvider struct {
	tokenHits   atomic.Int64
	statusHits  atomic.Int64
	rejectFirst atomic.Bool // answer 401 to the first business call

	statusBody   map[string]any
	initiateCode int
	initiateBody map[string]any

	lastInitiate map[string]any
	lastHeaders  http.Header
}

func (f *fakeProvider) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		f.tokenHits.Add(1)
		user, pass, ok := r.BasicAuth()
		if !ok || user != "client-id" || pass != "client-secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"access_token": "tok-1", "expires_in": 3600})
	})
	mux.HandleFunc(merchantPayPath+"status/", func(w http.ResponseWriter, r *http.Request) {
		f.statusHits.Add(1)
		if f.rejectFirst.CompareAndSwap(true, false) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		f.lastHeaders = r.Header.Clone()
		json.NewEncoder(w).Encode(f.statusBody)
	})
	mux.HandleFunc(merchantPayPath, func(w http.ResponseWriter, r *http.Request) {
		f.lastHeaders = r.Header.Clone()
		json.NewDecoder(r.Body).Decode(&f.lastInitiate)
		if f.initiateCode != 0 {
			w.WriteHeader(f.initiateCode)
		}
		json.NewEncoder(w).Encode(f.initiateBody)
	})
	return mux
}

func newTestClient(t *testing.T, f *fakeProvider) *mvola.Client {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	return mvola.NewClient(mvola.Config{
		BaseURL:        srv.URL,
		ClientID:       "client-id",
		ClientSecret:   "client-secret",
		MerchantMSISDN: "0343500004",
		PartnerName:    "NdaoHifanosika",
	})
}

func TestTokenCachedAcrossCalls(t *testing.T) {
	f := &fakeProvider{statusBody: map[string]any{"status": "pending"}}
	c := newTestClient(t, f)

	for i := 0; i < 3; i++ {
		res, err := c.Status(context.Background(), "SC-1")
		require.NoError(t, err)
		assert.Equal(t, payment.OutcomePending, res.Outcome)
	}

	assert.Equal(t, int64(1), f.tokenHits.Load(), "token fetched once for its validity window")
}

func TestTokenRefetchedOnceOnRejection(t *testing.T) {
	f := &fakeProvider{statusBody: map[string]any{"status": "pending"}}
	f.rejectFirst.Store(true)
	c := newTestClient(t, f)

	res, err := c.Status(context.Background(), "SC-1")
	require.NoError(t, err)
	assert.Equal(t, payment.OutcomePending, res.Outcome)

	assert.Equal(t, int64(2), f.tokenHits.Load(), "rejected token is dropped and re-fetched once")
	assert.Equal(t, int64(2), f.statusHits.Load())
}

func TestInitiateSuccess(t *testing.T) {
	f := &fakeProvider{initiateBody: map[string]any{"serverCorrelationId": "SC-42"}}
	c := newTestClient(t, f)

	correlationID, err := c.Initiate(context.Background(), payment.InitiateRequest{
		Amount:      50000,
		DonorPhone:  "0341234567",
		Description: "Donation campaign 7",
		Reference:   "DON-7-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "SC-42", correlationID)

	assert.Equal(t, "50000", f.lastInitiate["amount"])
	assert.Equal(t, "Ar", f.lastInitiate["currency"])
	assert.Equal(t, "DON-7-1", f.lastInitiate["requestingOrganisationTransactionReference"])

	debit := f.lastInitiate["debitParty"].([]any)[0].(map[string]any)
	assert.Equal(t, "msisdn", debit["key"])
	assert.Equal(t, "0341234567", debit["value"])
	credit := f.lastInitiate["creditParty"].([]any)[0].(map[string]any)
	assert.Equal(t, "0343500004", credit["value"])

	assert.Equal(t, "1.0", f.lastHeaders.Get("Version"))
	assert.Equal(t, "NdaoHifanosika", f.lastHeaders.Get("partnerName"))
	assert.Equal(t, "msisdn;0343500004", f.lastHeaders.Get("UserAccountIdentifier"))
	assert.NotEmpty(t, f.lastHeaders.Get("X-CorrelationID"))
}

func TestInitiateProviderRejection(t *testing.T) {
	f := &fakeProvider{
		initiateCode: http.StatusBadRequest,
		initiateBody: map[string]any{"errorDescription": "debit party not found"},
	}
	c := newTestClient(t, f)

	_, err := c.Initiate(context.Background(), payment.InitiateRequest{
		Amount: 1000, DonorPhone: "034", Reference: "DON-1-1",
	})

	var initErr *payment.InitiationError
	require.ErrorAs(t, err, &initErr)
	assert.Equal(t, "debit party not found", initErr.Description)
}

func TestInitiateMissingCorrelationID(t *testing.T) {
	// A 2xx answer without the handle field is still an initiation
	// failure.
	f := &fakeProvider{initiateBody: map[string]any{}}
	c := newTestClient(t, f)

	_, err := c.Initiate(context.Background(), payment.InitiateRequest{
		Amount: 1000, DonorPhone: "034", Reference: "DON-1-2",
	})

	var initErr *payment.InitiationError
	require.ErrorAs(t, err, &initErr)
}

func TestStatusClassification(t *testing.T) {
	tests := []struct {
		name        string
		body        map[string]any
		wantOutcome payment.Outcome
		wantRef     string
		wantErr     bool
	}{
		{
			name:        "completed with object reference",
			body:        map[string]any{"status": "completed", "objectReference": "OBJ123"},
			wantOutcome: payment.OutcomeCompleted,
			wantRef:     "OBJ123",
		},
		{
			name:        "failed",
			body:        map[string]any{"status": "failed"},
			wantOutcome: payment.OutcomeFailed,
		},
		{
			name:        "pending",
			body:        map[string]any{"status": "pending"},
			wantOutcome: payment.OutcomePending,
		},
		{
			name:    "unrecognized status",
			body:    map[string]any{"status": "sideways"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeProvider{statusBody: tt.body}
			c := newTestClient(t, f)

			res, err := c.Status(context.Background(), "SC-X")
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantOutcome, res.Outcome)
			assert.Equal(t, tt.wantRef, res.ProviderRef)
		})
	}
}
