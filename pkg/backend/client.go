// Package backend is the REST client for the trading backend. Every call
// carries the user's bearer token; the backend owns accounts, balances and
// the authoritative trade records.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gregtusar/tradedesk/pkg/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

var ErrUnauthorized = errors.New("authentication expired")

// APIError is returned for any call that did not produce usable data.
type APIError struct {
	Kind    models.ErrorKind
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("backend %s (%d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("backend %s: %s", e.Kind, e.Message)
}

func (e *APIError) Unwrap() error {
	if e.Kind == models.ErrKindUnauthorized {
		return ErrUnauthorized
	}
	return nil
}

type Config struct {
	BaseURL           string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *logrus.Logger
}

func NewClient(cfg Config, logger *logrus.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(limit, cfg.Burst),
		logger:     logger,
	}
}

// Response is the raw upstream reply.
type Response struct {
	Status   int
	Envelope Envelope
	Body     []byte
}

// Do sends one request. token may be empty for unauthenticated endpoints.
// Only transport failures are returned as errors; HTTP error statuses are
// left to the caller.
func (c *Client) Do(ctx context.Context, method, path, token string, body any) (*Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	c.logger.WithFields(logrus.Fields{
		"method":   method,
		"path":     path,
		"status":   resp.StatusCode,
		"duration": time.Since(start).String(),
	}).Debug("Backend request")

	out := &Response{Status: resp.StatusCode, Body: raw}
	if len(bytes.TrimSpace(raw)) > 0 {
		// Non-JSON bodies leave the envelope empty.
		_ = json.Unmarshal(raw, &out.Envelope)
	}
	return out, nil
}

// call performs a request and decodes the envelope's data into out, which
// may be nil.
func (c *Client) call(ctx context.Context, method, path, token string, body, out any) (*Response, error) {
	resp, err := c.Do(ctx, method, path, token, body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &APIError{Kind: models.ErrKindNetwork, Message: err.Error()}
	}
	if err := resp.Err(); err != nil {
		return resp, err
	}
	if out != nil && len(resp.Envelope.Data) > 0 {
		if err := json.Unmarshal(resp.Envelope.Data, out); err != nil {
			return resp, &APIError{Kind: models.ErrKindUpstream, Status: resp.Status, Message: "unexpected response shape"}
		}
	}
	return resp, nil
}

// Err classifies a reply: 401 and 403 are unauthorized, any other non-2xx
// status or a failed envelope is an upstream error.
func (r *Response) Err() error {
	switch {
	case r.Status == http.StatusUnauthorized || r.Status == http.StatusForbidden:
		return &APIError{Kind: models.ErrKindUnauthorized, Status: r.Status, Message: "Authentication expired. Please log in again."}
	case r.Status == http.StatusNotFound:
		return &APIError{Kind: models.ErrKindNotFound, Status: r.Status, Message: r.Envelope.MessageOr("Not found")}
	case r.Status < 200 || r.Status > 299 || !r.Envelope.OK():
		return &APIError{Kind: models.ErrKindUpstream, Status: r.Status, Message: r.Envelope.MessageOr("Request failed")}
	}
	return nil
}

// LoginResult holds the access token and the rest of the login payload.
type LoginResult struct {
	Token string
	Data  map[string]any
}

func (c *Client) Login(ctx context.Context, creds models.Credentials) (LoginResult, error) {
	var data map[string]any
	if _, err := c.call(ctx, http.MethodPost, "/account/login/", "", creds, &data); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Kind == models.ErrKindUnauthorized {
			// Bad credentials, not an expired session.
			apiErr.Kind = models.ErrKindUpstream
			apiErr.Message = "Login failed"
		}
		return LoginResult{}, err
	}

	token, _ := data["access"].(string)
	if token == "" {
		return LoginResult{}, &APIError{Kind: models.ErrKindUpstream, Message: "Invalid authentication response"}
	}
	delete(data, "access")
	return LoginResult{Token: token, Data: data}, nil
}

func (c *Client) Profile(ctx context.Context, token string) (models.Account, error) {
	var acct models.Account
	_, err := c.call(ctx, http.MethodGet, "/account/profile/", token, nil, &acct)
	return acct, err
}

func (c *Client) Transactions(ctx context.Context, token string, page int) (models.TransactionsPage, error) {
	if page < 1 {
		page = 1
	}
	var txs []models.Transaction
	resp, err := c.call(ctx, http.MethodGet, fmt.Sprintf("/account/transactions/%d/", page), token, nil, &txs)
	if err != nil {
		return models.TransactionsPage{}, err
	}
	return models.TransactionsPage{Transactions: txs, HasNext: resp.Envelope.HasNext}, nil
}

func (c *Client) Deposit(ctx context.Context, token string, req models.DepositRequest) (json.RawMessage, error) {
	resp, err := c.call(ctx, http.MethodPost, "/account/requests/deposit/", token, req, nil)
	if err != nil {
		return nil, err
	}
	return resp.Envelope.Data, nil
}

func (c *Client) Withdraw(ctx context.Context, token string, req models.WithdrawalRequest) (json.RawMessage, error) {
	resp, err := c.call(ctx, http.MethodPost, "/account/requests/withdraw/", token, req, nil)
	if err != nil {
		return nil, err
	}
	return resp.Envelope.Data, nil
}

func (c *Client) Requests(ctx context.Context, token string) ([]models.RequestRecord, error) {
	var out []models.RequestRecord
	_, err := c.call(ctx, http.MethodGet, "/account/requests/", token, nil, &out)
	return out, err
}

func (c *Client) WalletAddresses(ctx context.Context, token string) ([]models.WalletAddress, error) {
	var out []models.WalletAddress
	_, err := c.call(ctx, http.MethodGet, "/account/requests/admin_address/", token, nil, &out)
	return out, err
}

func (c *Client) SocialLinks(ctx context.Context) ([]models.SocialLink, error) {
	var out []models.SocialLink
	_, err := c.call(ctx, http.MethodGet, "/account/requests/links/", "", nil, &out)
	return out, err
}

// Trade opens a position on side.
func (c *Client) Trade(ctx context.Context, token string, side models.Side, order models.TradeOrder) (json.RawMessage, error) {
	var path string
	switch side {
	case models.SideBuy:
		path = "/account/trade/buy/"
	case models.SideSell:
		path = "/account/trade/sell/"
	default:
		return nil, &APIError{Kind: models.ErrKindValidation, Message: fmt.Sprintf("unknown side %q", side)}
	}
	resp, err := c.call(ctx, http.MethodPost, path, token, order, nil)
	if err != nil {
		return nil, err
	}
	return resp.Envelope.Data, nil
}

func (c *Client) CloseTrade(ctx context.Context, token string, req models.CloseTradeRequest) error {
	_, err := c.call(ctx, http.MethodPost, "/account/trade/close/", token, req, nil)
	return err
}
