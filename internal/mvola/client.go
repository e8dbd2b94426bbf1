// Package mvola is a client for the MVola mobile-money merchant-pay
// API. It implements payment.Provider.
package mvola

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"ndao-backend/internal/payment"
)

const (
	defaultBaseURL  = "https://devapi.mvola.mg"
	tokenPath       = "/token"
	merchantPayPath = "/mvola/mm/transactions/type/merchantpay/1.0.0/"
	statusPath      = merchantPayPath + "status/"

	tokenScope = "EXT_INT_MVOLA_SCOPE"

	// Refresh the cached token this long before its stated expiry.
	tokenExpiryMargin = 60 * time.Second
)

type Config struct {
	BaseURL        string
	ClientID       string
	ClientSecret   string
	MerchantMSISDN string
	PartnerName    string
	HTTPClient     *http.Client
}

// Client talks to the MVola sandbox or production API. The short-lived
// bearer token is cached for its validity window; a rejected token is
// dropped and re-fetched once before the error is surfaced.
type Client struct {
	cfg   Config
	httpc *http.Client

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	httpc := cfg.HTTPClient
	if httpc == nil {
		httpc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{cfg: cfg, httpc: httpc}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && time.Now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("scope", tokenScope)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+tokenPath, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(c.cfg.ClientID, c.cfg.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token request returned %s", resp.Status)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("could not decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", fmt.Errorf("token response missing access_token")
	}

	c.token = tr.AccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(tr.ExpiresIn)*time.Second - tokenExpiryMargin)
	return c.token, nil
}

func (c *Client) invalidateToken() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

type keyValue struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type transactionRequest struct {
	Amount                                    string     `json:"amount"`
	Currency                                  string     `json:"currency"`
	DescriptionText                           string     `json:"descriptionText"`
	RequestingOrganisationTransactionReference string    `json:"requestingOrganisationTransactionReference"`
	RequestDate                               string     `json:"requestDate"`
	OriginalTransactionReference              string     `json:"originalTransactionReference"`
	DebitParty                                []keyValue `json:"debitParty"`
	CreditParty                               []keyValue `json:"creditParty"`
	Metadata                                  []keyValue `json:"metadata"`
}

type initiateResponse struct {
	ServerCorrelationID string `json:"serverCorrelationId"`
	ErrorDescription    string `json:"errorDescription"`
}

// Initiate submits a merchant-pay transaction debiting the donor's
// phone and crediting the merchant number. A transport failure is
// retried once with the same idempotent reference; a provider rejection
// or a 2xx response lacking serverCorrelationId is an InitiationError.
func (c *Client) Initiate(ctx context.Context, r payment.InitiateRequest) (string, error) {
	body := transactionRequest{
		Amount:          strconv.FormatInt(r.Amount, 10),
		Currency:        "Ar",
		DescriptionText: r.Description,
		RequestingOrganisationTransactionReference: r.Reference,
		RequestDate:                  time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
		OriginalTransactionReference: r.Reference,
		DebitParty:                   []keyValue{{Key: "msisdn", Value: r.DonorPhone}},
		CreditParty:                  []keyValue{{Key: "msisdn", Value: c.cfg.MerchantMSISDN}},
		Metadata: []keyValue{
			{Key: "partnerName", Value: c.cfg.PartnerName},
			{Key: "fc", Value: "USD"},
			{Key: "amountFc", Value: "1"},
		},
	}
	payloadBytes, err := json.Marshal(body)
	if err != nil {
		return "", err
	}

	status, respBody, err := c.doAuthorized(ctx, http.MethodPost, c.cfg.BaseURL+merchantPayPath, payloadBytes)
	if err != nil {
		// Same reference, so a retry cannot double-charge.
		status, respBody, err = c.doAuthorized(ctx, http.MethodPost, c.cfg.BaseURL+merchantPayPath, payloadBytes)
		if err != nil {
			return "", fmt.Errorf("initiation request failed: %w", err)
		}
	}

	var ir initiateResponse
	if err := json.Unmarshal(respBody, &ir); err != nil && status >= 200 && status < 300 {
		return "", &payment.InitiationError{Description: "unreadable provider response"}
	}
	if status < 200 || status >= 300 || ir.ServerCorrelationID == "" {
		desc := ir.ErrorDescription
		if desc == "" {
			desc = fmt.Sprintf("provider returned status %d", status)
		}
		return "", &payment.InitiationError{Description: desc}
	}
	return ir.ServerCorrelationID, nil
}

type statusResponse struct {
	Status          string `json:"status"`
	ObjectReference string `json:"objectReference"`
}

// Status queries the provider for the outcome of one initiated
// transaction. Any transport or protocol problem is returned as an
// error, which the reconciler treats as one consumed attempt without a
// terminal decision.
func (c *Client) Status(ctx context.Context, correlationID string) (payment.StatusResult, error) {
	status, respBody, err := c.doAuthorized(ctx, http.MethodGet, c.cfg.BaseURL+statusPath+correlationID, nil)
	if err != nil {
		return payment.StatusResult{}, fmt.Errorf("status query failed: %w", err)
	}
	if status < 200 || status >= 300 {
		return payment.StatusResult{}, fmt.Errorf("status query returned %d", status)
	}

	var sr statusResponse
	if err := json.Unmarshal(respBody, &sr); err != nil {
		return payment.StatusResult{}, fmt.Errorf("could not decode status response: %w", err)
	}
	switch sr.Status {
	case "completed":
		return payment.StatusResult{Outcome: payment.OutcomeCompleted, ProviderRef: sr.ObjectReference}, nil
	case "failed":
		return payment.StatusResult{Outcome: payment.OutcomeFailed}, nil
	case "pending":
		return payment.StatusResult{Outcome: payment.OutcomePending}, nil
	default:
		return payment.StatusResult{}, fmt.Errorf("unrecognized provider status %q", sr.Status)
	}
}

// doAuthorized performs one bearer-authorized call, transparently
// re-fetching the token and retrying once when the provider rejects it.
func (c *Client) doAuthorized(ctx context.Context, method, url string, body []byte) (int, []byte, error) {
	status, respBody, err := c.doOnce(ctx, method, url, body)
	if err == nil && status == http.StatusUnauthorized {
		c.invalidateToken()
		status, respBody, err = c.doOnce(ctx, method, url, body)
	}
	return status, respBody, err
}

func (c *Client) doOnce(ctx context.Context, method, url string, body []byte) (int, []byte, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return 0, nil, err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Version", "1.0")
	req.Header.Set("X-CorrelationID", uuid.NewString())
	req.Header.Set("UserLanguage", "FR")
	req.Header.Set("partnerName", c.cfg.PartnerName)
	req.Header.Set("UserAccountIdentifier", "msisdn;"+c.cfg.MerchantMSISDN)
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, respBody, nil
}
