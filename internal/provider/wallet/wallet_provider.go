// Package wallet implements the redirect-style digital wallet provider over
// the wallet's REST API.
package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/yourorg/checkout-payments/internal/payment"
	"github.com/yourorg/checkout-payments/internal/provider"
)

const (
	name = "wallet"

	defaultBaseURL       = "https://api.sandbox.wallet.example/v1"
	defaultRetryAttempts = 2
	defaultRetryDelay    = 300 * time.Millisecond
)

// Payload keys understood by this provider.
const (
	KeySession  = "session_id"
	KeyPayer    = "payer_id"
	KeyApproval = "approval_url"
)

// Config holds the wallet credentials and transport settings.
type Config struct {
	Enabled     bool
	BaseURL     string
	ClientID    string
	Secret      string
	HTTPTimeout time.Duration
	// RetryAttempts bounds the extra attempts for session creation on 429/5xx.
	RetryAttempts int
	RetryDelay    time.Duration
}

// Provider implements provider.Provider for the wallet.
type Provider struct {
	cfg        Config
	httpClient *http.Client
	logger     *zap.Logger
}

var _ provider.Provider = (*Provider)(nil)

// New creates a wallet provider. A nil client gets a default with the
// configured timeout.
func New(cfg Config, client *http.Client, logger *zap.Logger) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.RetryAttempts < 0 {
		cfg.RetryAttempts = 0
	} else if cfg.RetryAttempts == 0 {
		cfg.RetryAttempts = defaultRetryAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if client == nil {
		timeout := cfg.HTTPTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{cfg: cfg, httpClient: client, logger: logger.Named(name)}
}

func (p *Provider) Type() payment.ProviderType { return payment.ProviderWallet }

func (p *Provider) IsSupported() bool {
	return p.cfg.Enabled && p.cfg.ClientID != "" && p.cfg.Secret != ""
}

type money struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

type sessionRequest struct {
	Amount     money  `json:"amount"`
	CustomerID string `json:"customer_id"`
	Email      string `json:"email,omitempty"`
}

type sessionResponse struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	ApprovalURL string `json:"approval_url"`
}

type captureResponse struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	TransactionID string `json:"transaction_id"`
	DeclineReason string `json:"decline_reason"`
}

type agreementRequest struct {
	SessionID  string `json:"session_id"`
	PayerID    string `json:"payer_id,omitempty"`
	CustomerID string `json:"customer_id"`
}

type agreementResponse struct {
	ID         string `json:"id"`
	PayerEmail string `json:"payer_email"`
	PayerName  string `json:"payer_name"`
}

// errorResponse is the wallet API's error envelope.
type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// InitializePayment creates a checkout session. Creating a session moves no
// money, so 429 and 5xx responses are retried here.
func (p *Provider) InitializePayment(ctx context.Context, amount payment.Amount, customer payment.Customer) (payment.InitPayload, error) {
	body := sessionRequest{
		Amount:     money{Value: amount.Major(), Currency: amount.Currency},
		CustomerID: customer.ID,
		Email:      customer.Email,
	}

	var out sessionResponse
	op := func() error {
		err := p.do(ctx, provider.OpInitialize, http.MethodPost, "/checkout/sessions", body, "", &out)
		var perr *provider.Error
		if errors.As(err, &perr) && perr.Reason != provider.ReasonRateLimited && perr.Reason != provider.ReasonUnavailable {
			return backoff.Permanent(err)
		}
		return err
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(p.cfg.RetryDelay), uint64(p.cfg.RetryAttempts)),
		ctx)
	notify := func(err error, wait time.Duration) {
		p.logger.Warn("retrying session creation", zap.Error(err), zap.Duration("wait", wait))
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return payment.InitPayload{}, err
	}
	if out.ID == "" || out.ApprovalURL == "" {
		return payment.InitPayload{}, provider.NewError(name, provider.OpInitialize, provider.ReasonProtocol, "session response missing id or approval_url")
	}

	return payment.InitPayload{
		Provider: payment.ProviderWallet,
		Data: map[string]string{
			KeySession:  out.ID,
			KeyApproval: out.ApprovalURL,
		},
	}, nil
}

// ProcessPayment captures an approved session. The Idempotency-Key is fixed
// per session so a repeated capture cannot charge twice.
func (p *Provider) ProcessPayment(ctx context.Context, data payment.Payload) (payment.PaymentResult, error) {
	sessionID, ok := data.StringValue(KeySession)
	if !ok {
		return payment.PaymentResult{}, provider.NewError(name, provider.OpProcess, provider.ReasonInvalidRequest, "payload has no "+KeySession)
	}

	var out captureResponse
	path := "/checkout/sessions/" + url.PathEscape(sessionID) + "/capture"
	err := p.do(ctx, provider.OpProcess, http.MethodPost, path, struct{}{}, "capture-"+sessionID, &out)
	if err != nil {
		var perr *provider.Error
		if errors.As(err, &perr) && perr.HTTPStatus == http.StatusPaymentRequired {
			return payment.Failed(strings.ToLower(perr.Code), map[string]any{"session_id": sessionID, "wallet_message": perr.Message}), nil
		}
		return payment.PaymentResult{}, err
	}

	md := map[string]any{"session_id": sessionID, "wallet_status": out.Status}
	switch strings.ToUpper(out.Status) {
	case "COMPLETED":
		return payment.Succeeded(out.TransactionID, md), nil
	case "DECLINED":
		reason := strings.ToLower(out.DeclineReason)
		if reason == "" {
			reason = "declined"
		}
		return payment.Failed(reason, md), nil
	case "PENDING":
		return payment.Failed("processing", md), nil
	case "PAYER_ACTION_REQUIRED":
		return payment.Failed("payer_action_required", md), nil
	default:
		return payment.Failed("provider_ambiguous_result", md), nil
	}
}

// SavePaymentMethod turns an approved session into a billing agreement.
func (p *Provider) SavePaymentMethod(ctx context.Context, userID string, data payment.Payload) (payment.StoredPaymentMethod, error) {
	sessionID, ok := data.StringValue(KeySession)
	if !ok {
		return payment.StoredPaymentMethod{}, provider.NewError(name, provider.OpSave, provider.ReasonInvalidRequest, "payload has no "+KeySession)
	}
	payer, _ := data.StringValue(KeyPayer)

	var out agreementResponse
	req := agreementRequest{SessionID: sessionID, PayerID: payer, CustomerID: userID}
	if err := p.do(ctx, provider.OpSave, http.MethodPost, "/billing-agreements", req, "agreement-"+sessionID, &out); err != nil {
		return payment.StoredPaymentMethod{}, err
	}
	if out.ID == "" {
		return payment.StoredPaymentMethod{}, provider.NewError(name, provider.OpSave, provider.ReasonProtocol, "agreement response missing id")
	}

	md := map[string]any{}
	if out.PayerEmail != "" {
		md["payer_email"] = out.PayerEmail
	}
	return payment.StoredPaymentMethod{
		ID:         out.ID,
		Type:       payment.MethodWallet,
		Provider:   payment.ProviderWallet,
		HolderName: out.PayerName,
		Metadata:   md,
	}, nil
}

// do sends one JSON request and decodes a 2xx body into out. Non-2xx
// responses and transport failures come back as *provider.Error.
func (p *Provider) do(ctx context.Context, op, method, path string, in any, idempotencyKey string, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return &provider.Error{Provider: name, Op: op, Reason: provider.ReasonInvalidRequest, Message: "encode request", Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, method, p.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return &provider.Error{Provider: name, Op: op, Reason: provider.ReasonInvalidRequest, Message: "build request", Err: err}
	}
	req.SetBasicAuth(p.cfg.ClientID, p.cfg.Secret)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return &provider.Error{Provider: name, Op: op, Reason: provider.ReasonUnavailable, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &provider.Error{Provider: name, Op: op, Reason: provider.ReasonUnavailable, HTTPStatus: resp.StatusCode, Message: "read response", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(op, resp.StatusCode, body)
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &provider.Error{Provider: name, Op: op, Reason: provider.ReasonProtocol, HTTPStatus: resp.StatusCode, Message: "decode response", Err: err}
	}
	return nil
}

func statusError(op string, status int, body []byte) *provider.Error {
	out := &provider.Error{Provider: name, Op: op, HTTPStatus: status}

	var er errorResponse
	if json.Unmarshal(body, &er) == nil && er.Error.Code != "" {
		out.Code = er.Error.Code
		out.Message = er.Error.Message
	} else {
		out.Message = fmt.Sprintf("HTTP %d", status)
	}

	switch {
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		out.Reason = provider.ReasonInvalidRequest
		if strings.Contains(strings.ToUpper(out.Code), "AMOUNT") || strings.Contains(strings.ToUpper(out.Code), "CURRENCY") {
			out.Reason = provider.ReasonInvalidAmount
		}
	case status == http.StatusPaymentRequired:
		// business decline; ProcessPayment turns this into a failed result
		out.Reason = provider.ReasonInvalidRequest
		if out.Code == "" {
			out.Code = "declined"
		}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		out.Reason = provider.ReasonAuthentication
	case status == http.StatusTooManyRequests:
		out.Reason = provider.ReasonRateLimited
	case status >= http.StatusInternalServerError:
		out.Reason = provider.ReasonUnavailable
	default:
		out.Reason = provider.ReasonProtocol
	}
	return out
}
