package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"mining_economy/internal/domain"
	"mining_economy/internal/repository"
	"mining_economy/pkg/crypto"
)

var (
	ErrUnexpectedStatus = errors.New("unexpected response status")
	ErrBadReceipt       = fmt.Errorf("collect receipt signature mismatch: %w", repository.ErrUnverified)
)

// Client talks to an economy server and satisfies repository.Store, so a
// collection session can run against a remote store.
type Client struct {
	baseURL  string
	token    string
	http     *http.Client
	verifier *crypto.Signer
	logger   *slog.Logger
}

func NewClient(baseURL, token string, verifier *crypto.Signer, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		token:    token,
		http:     &http.Client{Timeout: 60 * time.Second},
		verifier: verifier,
		logger:   logger,
	}
}

// SetHTTPClient replaces the transport, mostly for tests.
func (c *Client) SetHTTPClient(hc *http.Client) { c.http = hc }

func (c *Client) Snapshot(ctx context.Context, accountID string) (*domain.AccountSnapshot, error) {
	var snap domain.AccountSnapshot
	if err := c.do(ctx, http.MethodGet, "/api/v1/accounts/"+url.PathEscape(accountID)+"/snapshot", nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// CollectEarnings calls the collect_earnings RPC. With a verifier set, an
// outcome whose receipt does not verify is returned as an error.
func (c *Client) CollectEarnings(ctx context.Context, req domain.CollectRequest) (*domain.CollectOutcome, error) {
	var out domain.CollectOutcome
	if err := c.do(ctx, http.MethodPost, "/rpc/collect_earnings", req, &out); err != nil {
		return nil, err
	}

	if c.verifier != nil {
		if ok, _ := c.verifier.VerifyReceipt(ReceiptFor(req.AccountID, &out), out.Signature); !ok {
			c.logger.ErrorContext(ctx, "Collect receipt rejected",
				slog.String("request_id", req.RequestID),
				slog.String("account_id", req.AccountID))
			return nil, ErrBadReceipt
		}
	}
	return &out, nil
}

func (c *Client) Estimate(ctx context.Context, accountID string) (*EstimateResponse, error) {
	var est EstimateResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/accounts/"+url.PathEscape(accountID)+"/estimate", nil, &est); err != nil {
		return nil, err
	}
	return &est, nil
}

func (c *Client) CreateAccount(ctx context.Context, req CreateAccountRequest) (*domain.Account, error) {
	var acc domain.Account
	if err := c.do(ctx, http.MethodPost, "/api/v1/accounts", req, &acc); err != nil {
		return nil, err
	}
	return &acc, nil
}

func (c *Client) PurchaseAsset(ctx context.Context, accountID, assetID string) (*domain.AssetHolding, error) {
	var holding domain.AssetHolding
	path := "/api/v1/accounts/" + url.PathEscape(accountID) + "/purchases"
	if err := c.do(ctx, http.MethodPost, path, PurchaseRequest{AssetID: assetID}, &holding); err != nil {
		return nil, err
	}
	return &holding, nil
}

func (c *Client) ListAssets(ctx context.Context) ([]domain.Asset, error) {
	var assets []domain.Asset
	if err := c.do(ctx, http.MethodGet, "/api/v1/assets", nil, &assets); err != nil {
		return nil, err
	}
	return assets, nil
}

func (c *Client) SaveAsset(ctx context.Context, asset *domain.Asset) error {
	return c.do(ctx, http.MethodPost, "/api/v1/assets", asset, asset)
}

func (c *Client) Economy(ctx context.Context) (domain.EconomyState, error) {
	var state domain.EconomyState
	err := c.do(ctx, http.MethodGet, "/api/v1/economy", nil, &state)
	return state, err
}

func (c *Client) UpdateEconomy(ctx context.Context, state domain.EconomyState) error {
	return c.do(ctx, http.MethodPut, "/api/v1/economy", state, nil)
}

func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/api/health", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	var e ErrorResponse
	_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&e)

	var sentinel error
	switch e.Code {
	case "NOT_FOUND":
		sentinel = repository.ErrNotFound
	case "DUPLICATE":
		sentinel = repository.ErrDuplicate
	case "INSUFFICIENT_FUNDS":
		sentinel = repository.ErrInsufficientFunds
	case "OUT_OF_STOCK":
		sentinel = repository.ErrOutOfStock
	case "ACCOUNT_SUSPENDED":
		sentinel = repository.ErrAccountSuspended
	case "UNAUTHORIZED", "FORBIDDEN":
		sentinel = ErrUnauthorized
	}
	if sentinel != nil {
		return fmt.Errorf("%w: %s", sentinel, e.Error)
	}
	return fmt.Errorf("%w: %d %s", ErrUnexpectedStatus, resp.StatusCode, e.Error)
}
