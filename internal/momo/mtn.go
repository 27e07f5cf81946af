package momo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/delipucash/server/internal/model"
)

type MTNConfig struct {
	BaseURL           string
	UserID            string
	APIKey            string
	PrimaryKey        string
	DisbursementKey   string
	TargetEnvironment string
	Currency          string
}

type mtn struct {
	cfg        MTNConfig
	httpClient *http.Client
}

func newMTN(cfg MTNConfig, hc *http.Client) *mtn {
	if cfg.DisbursementKey == "" {
		cfg.DisbursementKey = cfg.PrimaryKey
	}
	if cfg.TargetEnvironment == "" {
		cfg.TargetEnvironment = "sandbox"
	}
	if cfg.Currency == "" {
		cfg.Currency = "EUR"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &mtn{cfg: cfg, httpClient: hc}
}

// product is the URL segment of the MoMo product an operation belongs to.
// Each product has its own subscription key and token.
func mtnProduct(op model.Operation) string {
	if op == model.OperationDisbursement {
		return "disbursement"
	}
	return "collection"
}

func (m *mtn) subscriptionKey(op model.Operation) string {
	if op == model.OperationDisbursement {
		return m.cfg.DisbursementKey
	}
	return m.cfg.PrimaryKey
}

type mtnTokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

func (m *mtn) fetchToken(ctx context.Context, op model.Operation) (token, error) {
	url := fmt.Sprintf("%s/%s/token/", m.cfg.BaseURL, mtnProduct(op))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return token{}, fmt.Errorf("create request: %w", err)
	}
	req.SetBasicAuth(m.cfg.UserID, m.cfg.APIKey)
	req.Header.Set("Ocp-Apim-Subscription-Key", m.subscriptionKey(op))

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return token{}, providerErr(model.ProviderMTN, "token", 0, "", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return token{}, providerErr(model.ProviderMTN, "token", resp.StatusCode, providerMessage(body), nil)
	}

	var tr mtnTokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return token{}, providerErr(model.ProviderMTN, "token", resp.StatusCode, "malformed token response", err)
	}
	if tr.AccessToken == "" {
		return token{}, providerErr(model.ProviderMTN, "token", resp.StatusCode, "empty access token", nil)
	}
	ttl := time.Duration(tr.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	return token{accessToken: tr.AccessToken, expiresAt: time.Now().Add(ttl)}, nil
}

type mtnParty struct {
	PartyIDType string `json:"partyIdType"`
	PartyID     string `json:"partyId"`
}

type mtnTransferRequest struct {
	Amount       string    `json:"amount"`
	Currency     string    `json:"currency"`
	ExternalID   string    `json:"externalId"`
	Payer        *mtnParty `json:"payer,omitempty"`
	Payee        *mtnParty `json:"payee,omitempty"`
	PayerMessage string    `json:"payerMessage"`
	PayeeNote    string    `json:"payeeNote"`
}

func (m *mtn) path(op model.Operation) string {
	if op == model.OperationDisbursement {
		return "/disbursement/v1_0/transfer"
	}
	return "/collection/v1_0/requesttopay"
}

func (m *mtn) newRequest(ctx context.Context, method, url, accessToken string, op model.Operation, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("X-Target-Environment", m.cfg.TargetEnvironment)
	req.Header.Set("Ocp-Apim-Subscription-Key", m.subscriptionKey(op))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (m *mtn) initiate(ctx context.Context, accessToken string, op model.Operation, r Request) error {
	party := &mtnParty{PartyIDType: "MSISDN", PartyID: NormalizeMSISDN(r.Phone)}
	payload := mtnTransferRequest{
		Amount:       strconv.Itoa(r.Amount),
		Currency:     m.cfg.Currency,
		ExternalID:   r.Reference,
		PayerMessage: r.Message,
		PayeeNote:    r.Message,
	}
	if op == model.OperationDisbursement {
		payload.Payee = party
	} else {
		payload.Payer = party
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := m.newRequest(ctx, http.MethodPost, m.cfg.BaseURL+m.path(op), accessToken, op, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("X-Reference-Id", r.Reference)

	call := "initiate " + strings.ToLower(string(op))
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return providerErr(model.ProviderMTN, call, 0, "", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return providerErr(model.ProviderMTN, call, resp.StatusCode, providerMessage(respBody), nil)
	}
	return nil
}

type mtnStatusResponse struct {
	Status                 string `json:"status"`
	FinancialTransactionID string `json:"financialTransactionId"`
}

func (m *mtn) status(ctx context.Context, accessToken string, op model.Operation, reference string) (*StatusResult, error) {
	req, err := m.newRequest(ctx, http.MethodGet, m.cfg.BaseURL+m.path(op)+"/"+reference, accessToken, op, nil)
	if err != nil {
		return nil, err
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, providerErr(model.ProviderMTN, "status", 0, "", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return nil, providerErr(model.ProviderMTN, "status", resp.StatusCode, providerMessage(body), nil)
	}

	var sr mtnStatusResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return nil, providerErr(model.ProviderMTN, "status", resp.StatusCode, "malformed status response", err)
	}
	return &StatusResult{
		Status:        NormalizeStatus(sr.Status),
		TransactionID: sr.FinancialTransactionID,
		RawStatus:     sr.Status,
	}, nil
}
