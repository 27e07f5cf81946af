package momo

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

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/delipucash/server/internal/model"
)

type AirtelConfig struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	Country      string
	Currency     string
}

type airtel struct {
	cfg        AirtelConfig
	httpClient *http.Client
	oauth      clientcredentials.Config
}

func newAirtel(cfg AirtelConfig, hc *http.Client) *airtel {
	if cfg.Country == "" {
		cfg.Country = "UG"
	}
	if cfg.Currency == "" {
		cfg.Currency = "UGX"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &airtel{
		cfg:        cfg,
		httpClient: hc,
		oauth: clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.BaseURL + "/auth/oauth2/token",
			AuthStyle:    oauth2.AuthStyleInParams,
		},
	}
}

// fetchToken runs the client-credentials grant. Airtel issues one token for
// every product, so op is ignored.
func (a *airtel) fetchToken(ctx context.Context, _ model.Operation) (token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, a.httpClient)
	tok, err := a.oauth.Token(ctx)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil {
			return token{}, providerErr(model.ProviderAirtel, "token", re.Response.StatusCode, providerMessage(re.Body), nil)
		}
		return token{}, providerErr(model.ProviderAirtel, "token", 0, "", err)
	}
	expiresAt := tok.Expiry
	if expiresAt.IsZero() {
		expiresAt = time.Now().Add(defaultTokenTTL)
	}
	return token{accessToken: tok.AccessToken, expiresAt: expiresAt}, nil
}

type airtelSubscriber struct {
	Country  string `json:"country"`
	Currency string `json:"currency"`
	MSISDN   string `json:"msisdn"`
}

type airtelTransaction struct {
	Amount   int    `json:"amount"`
	Country  string `json:"country"`
	Currency string `json:"currency"`
	ID       string `json:"id"`
}

type airtelTransferRequest struct {
	Reference   string            `json:"reference"`
	Subscriber  airtelSubscriber  `json:"subscriber"`
	Transaction airtelTransaction `json:"transaction"`
}

func (a *airtel) newRequest(ctx context.Context, method, url, accessToken string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("X-Country", a.cfg.Country)
	req.Header.Set("X-Currency", a.cfg.Currency)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (a *airtel) initiate(ctx context.Context, accessToken string, op model.Operation, r Request) error {
	path := "/merchant/v1/payments/"
	if op == model.OperationDisbursement {
		path = "/merchant/v1/payouts/"
	}

	payload := airtelTransferRequest{
		Reference: r.Reference,
		Subscriber: airtelSubscriber{
			Country:  a.cfg.Country,
			Currency: a.cfg.Currency,
			MSISDN:   r.Phone,
		},
		Transaction: airtelTransaction{
			Amount:   r.Amount,
			Country:  a.cfg.Country,
			Currency: a.cfg.Currency,
			ID:       r.Reference,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := a.newRequest(ctx, http.MethodPost, a.cfg.BaseURL+path, accessToken, bytes.NewReader(body))
	if err != nil {
		return err
	}

	call := "initiate " + strings.ToLower(string(op))
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return providerErr(model.ProviderAirtel, call, 0, "", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return providerErr(model.ProviderAirtel, call, resp.StatusCode, providerMessage(respBody), nil)
	}
	return nil
}

// airtelStatus accepts both the flat and the data-wrapped response shapes.
type airtelStatus struct {
	Status      json.RawMessage `json:"status"`
	Transaction struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"transaction"`
	Data *airtelStatus `json:"data"`
}

func (s *airtelStatus) resolve() (status, txID string) {
	var flat string
	if len(s.Status) > 0 && json.Unmarshal(s.Status, &flat) == nil {
		status = flat
	}
	if status == "" {
		status = s.Transaction.Status
	}
	txID = s.Transaction.ID
	if s.Data != nil {
		ds, dtx := s.Data.resolve()
		if status == "" {
			status = ds
		}
		if txID == "" {
			txID = dtx
		}
	}
	return status, txID
}

func (a *airtel) status(ctx context.Context, accessToken string, op model.Operation, reference string) (*StatusResult, error) {
	path := "/standard/v1/payments/"
	if op == model.OperationDisbursement {
		path = "/standard/v1/payouts/"
	}
	req, err := a.newRequest(ctx, http.MethodGet, a.cfg.BaseURL+path+reference, accessToken, nil)
	if err != nil {
		return nil, err
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, providerErr(model.ProviderAirtel, "status", 0, "", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return nil, providerErr(model.ProviderAirtel, "status", resp.StatusCode, providerMessage(body), nil)
	}

	var sr airtelStatus
	if err := json.Unmarshal(body, &sr); err != nil {
		return nil, providerErr(model.ProviderAirtel, "status", resp.StatusCode, "malformed status response", err)
	}
	raw, txID := sr.resolve()
	return &StatusResult{
		Status:        NormalizeStatus(raw),
		TransactionID: txID,
		RawStatus:     raw,
	}, nil
}
