// Package momo talks to the MTN MoMo and Airtel Money APIs. It exposes one
// Gateway over both operators: access tokens, request-to-pay collections,
// payouts, and transaction status lookups.
package momo

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/delipucash/server/internal/apperr"
	"github.com/delipucash/server/internal/model"
)

// Gateway is the operator-agnostic view the payment services depend on.
type Gateway interface {
	Token(ctx context.Context, provider model.Provider, op model.Operation) (string, error)
	InitiateCollection(ctx context.Context, provider model.Provider, req Request) error
	InitiateDisbursement(ctx context.Context, provider model.Provider, req Request) error
	CheckStatus(ctx context.Context, provider model.Provider, op model.Operation, reference string) (*StatusResult, error)
}

// Request describes one money movement. Reference is our idempotency key and
// is what the status endpoints are queried by.
type Request struct {
	Reference string
	Amount    int
	Phone     string
	Message   string
}

// StatusResult is a normalized status lookup.
type StatusResult struct {
	Status        model.PaymentStatus
	TransactionID string
	RawStatus     string
}

// NormalizeStatus maps operator status strings onto PENDING, SUCCESSFUL or
// FAILED. Unknown values stay PENDING so the poller keeps asking.
func NormalizeStatus(raw string) model.PaymentStatus {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "SUCCESSFUL", "SUCCESS", "TS":
		return model.PaymentSuccessful
	case "FAILED", "FAIL", "TF", "REJECTED", "EXPIRED":
		return model.PaymentFailed
	default:
		return model.PaymentPending
	}
}

// NormalizeMSISDN converts a local Ugandan number to the 256-prefixed form
// the MTN API expects.
func NormalizeMSISDN(phone string) string {
	p := strings.TrimPrefix(strings.TrimSpace(phone), "+")
	switch {
	case strings.HasPrefix(p, "0"):
		return "256" + p[1:]
	case strings.HasPrefix(p, "256"):
		return p
	default:
		return "256" + p
	}
}

// Observer is told about every outbound operator call.
type Observer func(provider model.Provider, call string, err error, elapsed time.Duration)

type Config struct {
	MTN    MTNConfig
	Airtel AirtelConfig
	// HTTPClient defaults to a client with a 30 second timeout.
	HTTPClient *http.Client
	Observer   Observer
}

// operator is implemented once per mobile-money provider.
type operator interface {
	fetchToken(ctx context.Context, op model.Operation) (token, error)
	initiate(ctx context.Context, accessToken string, op model.Operation, req Request) error
	status(ctx context.Context, accessToken string, op model.Operation, reference string) (*StatusResult, error)
}

// Client is the production Gateway.
type Client struct {
	operators map[model.Provider]operator
	tokens    *tokenCache
	observe   Observer
	logger    *slog.Logger
}

func NewClient(cfg Config, logger *slog.Logger) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	observe := cfg.Observer
	if observe == nil {
		observe = func(model.Provider, string, error, time.Duration) {}
	}
	return &Client{
		operators: map[model.Provider]operator{
			model.ProviderMTN:    newMTN(cfg.MTN, hc),
			model.ProviderAirtel: newAirtel(cfg.Airtel, hc),
		},
		tokens:  newTokenCache(),
		observe: observe,
		logger:  logger.With("component", "momo"),
	}
}

func (c *Client) operator(provider model.Provider) (operator, error) {
	o, ok := c.operators[provider]
	if !ok {
		return nil, apperr.Validation("provider", "unsupported provider %q", provider)
	}
	return o, nil
}

// Token returns a cached access token for the provider's product, fetching a
// new one when the cached token is missing or about to expire. Concurrent
// callers share a single fetch.
func (c *Client) Token(ctx context.Context, provider model.Provider, op model.Operation) (string, error) {
	o, err := c.operator(provider)
	if err != nil {
		return "", err
	}
	return c.tokens.get(ctx, tokenKey(provider, op), func(ctx context.Context) (token, error) {
		start := time.Now()
		tok, err := o.fetchToken(ctx, op)
		c.observe(provider, "token", err, time.Since(start))
		if err != nil {
			return token{}, err
		}
		c.logger.Debug("fetched access token", "provider", provider, "operation", op, "expires_at", tok.expiresAt)
		return tok, nil
	})
}

func (c *Client) InitiateCollection(ctx context.Context, provider model.Provider, req Request) error {
	return c.initiate(ctx, provider, model.OperationCollection, req)
}

func (c *Client) InitiateDisbursement(ctx context.Context, provider model.Provider, req Request) error {
	return c.initiate(ctx, provider, model.OperationDisbursement, req)
}

func (c *Client) initiate(ctx context.Context, provider model.Provider, op model.Operation, req Request) error {
	if req.Reference == "" {
		return apperr.Validation("reference", "is required")
	}
	if req.Amount <= 0 {
		return apperr.Validation("amount", "must be positive")
	}
	o, err := c.operator(provider)
	if err != nil {
		return err
	}
	tok, err := c.Token(ctx, provider, op)
	if err != nil {
		return err
	}

	start := time.Now()
	err = o.initiate(ctx, tok, op, req)
	c.observe(provider, "initiate_"+strings.ToLower(string(op)), err, time.Since(start))
	if err != nil {
		c.dropRejectedToken(provider, op, err)
		return err
	}
	c.logger.Info("transaction initiated", "provider", provider, "operation", op, "reference", req.Reference, "amount", req.Amount)
	return nil
}

// CheckStatus looks up reference once and normalizes the operator status.
func (c *Client) CheckStatus(ctx context.Context, provider model.Provider, op model.Operation, reference string) (*StatusResult, error) {
	o, err := c.operator(provider)
	if err != nil {
		return nil, err
	}
	tok, err := c.Token(ctx, provider, op)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	res, err := o.status(ctx, tok, op, reference)
	c.observe(provider, "status", err, time.Since(start))
	if err != nil {
		c.dropRejectedToken(provider, op, err)
		return nil, err
	}
	return res, nil
}

func tokenKey(provider model.Provider, op model.Operation) string {
	return string(provider) + "/" + string(op)
}

// dropRejectedToken evicts the cached token when the operator answered 401,
// so the next call fetches a fresh one.
func (c *Client) dropRejectedToken(provider model.Provider, op model.Operation, err error) {
	var pe *apperr.ProviderError
	if errors.As(err, &pe) && pe.StatusCode == http.StatusUnauthorized {
		c.tokens.invalidate(tokenKey(provider, op))
	}
}

func providerErr(provider model.Provider, call string, status int, msg string, err error) error {
	return &apperr.ProviderError{
		Provider:   string(provider),
		Operation:  call,
		StatusCode: status,
		Message:    msg,
		Err:        err,
	}
}

// providerMessage pulls a human-readable message out of an operator error
// body, falling back to the raw text.
func providerMessage(body []byte) string {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err == nil {
		if msg, ok := payload["message"].(string); ok && msg != "" {
			return msg
		}
		if st, ok := payload["status"].(map[string]any); ok {
			if msg, ok := st["message"].(string); ok && msg != "" {
				return msg
			}
		}
		if msg, ok := payload["error"].(string); ok && msg != "" {
			return msg
		}
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	if s == "" {
		return "empty response"
	}
	return s
}
