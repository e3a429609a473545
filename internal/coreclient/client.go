// Package coreclient is the backend's client for the escrow core HTTP API.
package coreclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"escrowcore/internal/escrow"
	"escrowcore/internal/hmacauth"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

const defaultTimeout = 60 * time.Second

// APIError is a non-2xx answer from the core.
type APIError struct {
	StatusCode int    `json:"statusCode"`
	Kind       string `json:"kind"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("escrow core %d %s: %s", e.StatusCode, e.Kind, e.Message)
}

// Client calls the core. Secret, when set, signs every request.
type Client struct {
	BaseURL    string
	Secret     string
	HTTPClient *http.Client
	Now        func() time.Time
}

func New(baseURL, secret string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Secret:     secret,
		HTTPClient: &http.Client{Timeout: defaultTimeout},
	}
}

// CreateEscrowParams mirrors the create payload.
type CreateEscrowParams struct {
	ProjectID          string          `json:"projectId"`
	ParticipantAddress string          `json:"participantAddress"`
	AmountXRP          decimal.Decimal `json:"amountXrp"`
	FinishAfter        *uint32         `json:"finishAfterLedgerTime,omitempty"`
	// IdempotencyKey is sent as X-Idempotency-Key when set.
	IdempotencyKey string `json:"-"`
}

type CancelEscrowParams struct {
	OwnerAddress   string `json:"ownerAddress"`
	OfferSequence  uint32 `json:"offerSequence"`
	IdempotencyKey string `json:"-"`
}

func (c *Client) CreateEscrow(ctx context.Context, p CreateEscrowParams) (escrow.CreateResult, error) {
	var out escrow.CreateResult
	err := c.do(ctx, http.MethodPost, "/api/escrow", p, p.IdempotencyKey, &out)
	return out, err
}

func (c *Client) CancelEscrow(ctx context.Context, p CancelEscrowParams) (escrow.CancelResult, error) {
	var out escrow.CancelResult
	err := c.do(ctx, http.MethodPost, "/api/escrow/cancel", p, p.IdempotencyKey, &out)
	return out, err
}

func (c *Client) Summary(ctx context.Context) (escrow.Summary, error) {
	var out escrow.Summary
	err := c.do(ctx, http.MethodGet, "/api/summary", nil, "", &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, in any, idemKey string, out any) error {
	endpoint, err := url.JoinPath(c.BaseURL, path)
	if err != nil {
		return errors.Wrap(err, "build url")
	}

	var body []byte
	if in != nil {
		if body, err = json.Marshal(in); err != nil {
			return errors.Wrap(err, "encode request")
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if idemKey != "" {
		req.Header.Set("X-Idempotency-Key", idemKey)
	}
	if c.Secret != "" {
		now := time.Now()
		if c.Now != nil {
			now = c.Now()
		}
		hmacauth.SignRequest(req, c.Secret, body, now)
	}

	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "read response")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if jsonErr := json.Unmarshal(raw, apiErr); jsonErr != nil || apiErr.Kind == "" {
			apiErr.Kind = "unknown_error"
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		apiErr.StatusCode = resp.StatusCode
		return apiErr
	}
	if out == nil {
		return nil
	}
	return errors.Wrap(json.Unmarshal(raw, out), "decode response")
}
