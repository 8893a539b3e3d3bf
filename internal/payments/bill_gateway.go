package payments

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
)

const defaultBillGatewayTimeout = 30 * time.Second

// BillGatewayConfig configures the utility bill gateway client.
type BillGatewayConfig struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Logger     Logger
}

// BillGatewayProvider pays prepaid electricity meters and settles bank transfers through the
// partner's REST API. Final states for pending payments arrive on the signed webhook.
type BillGatewayProvider struct {
	baseURL *url.URL
	apiKey  string
	http    *http.Client
	logger  Logger
}

// NewBillGatewayProvider validates the configuration and builds the client.
func NewBillGatewayProvider(cfg BillGatewayConfig) (*BillGatewayProvider, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("billgateway: invalid base url %q", cfg.BaseURL)
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("billgateway: api key is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultBillGatewayTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &BillGatewayProvider{baseURL: base, apiKey: strings.TrimSpace(cfg.APIKey), http: httpClient, logger: logger}, nil
}

type billTransaction struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	Token     string `json:"token,omitempty"`
	Message   string `json:"message,omitempty"`
}

type billErrorResponse struct {
	Message string `json:"message"`
}

// PayBill vends electricity units for the meter and returns the token when issued synchronously.
func (p *BillGatewayProvider) PayBill(ctx context.Context, req BillPaymentRequest) (PaymentDetails, error) {
	body := map[string]any{
		"orderId":                  req.OrderID,
		"customerId":               req.UserID,
		"amount":                   req.Amount,
		"currency":                 strings.ToUpper(req.Currency),
		"meterNumber":              req.MeterNumber,
		"destinationBankCode":      req.DestinationBankCode,
		"destinationAccountNumber": req.DestinationAccountNumber,
		"metadata":                 gatewayMetadata(req.Metadata),
	}
	var tx billTransaction
	if err := p.do(ctx, http.MethodPost, "/v1/bills/electricity", req.IdempotencyKey, body, &tx); err != nil {
		return PaymentDetails{}, err
	}
	p.logger(ctx, "payments.billgateway.bill.submitted", map[string]any{
		"orderId":   req.OrderID,
		"reference": tx.Reference,
		"status":    tx.Status,
	})
	return tx.details(), nil
}

// Charge initiates a bank transfer or virtual account collection for non-electricity orders.
func (p *BillGatewayProvider) Charge(ctx context.Context, req ChargeRequest) (PaymentDetails, error) {
	body := map[string]any{
		"orderId":    req.OrderID,
		"customerId": req.UserID,
		"amount":     req.Amount,
		"currency":   strings.ToUpper(req.Currency),
		"channel":    strings.ToLower(req.Method),
		"metadata":   gatewayMetadata(req.Metadata),
	}
	var tx billTransaction
	if err := p.do(ctx, http.MethodPost, "/v1/collections", req.IdempotencyKey, body, &tx); err != nil {
		return PaymentDetails{}, err
	}
	return tx.details(), nil
}

// Refund reverses a completed transaction.
func (p *BillGatewayProvider) Refund(ctx context.Context, req RefundRequest) (PaymentDetails, error) {
	body := map[string]any{
		"reference": req.Reference,
		"reason":    req.Reason,
	}
	if req.Amount != nil {
		body["amount"] = *req.Amount
	}
	var tx billTransaction
	if err := p.do(ctx, http.MethodPost, "/v1/refunds", req.IdempotencyKey, body, &tx); err != nil {
		return PaymentDetails{}, err
	}
	return tx.details(), nil
}

// LookupPayment fetches the current state of a transaction.
func (p *BillGatewayProvider) LookupPayment(ctx context.Context, req LookupRequest) (PaymentDetails, error) {
	if strings.TrimSpace(req.Reference) == "" {
		return PaymentDetails{}, errors.New("billgateway: reference is required")
	}
	var tx billTransaction
	if err := p.do(ctx, http.MethodGet, "/v1/transactions/"+url.PathEscape(req.Reference), "", nil, &tx); err != nil {
		return PaymentDetails{}, err
	}
	return tx.details(), nil
}

func (p *BillGatewayProvider) do(ctx context.Context, method, path, idempotencyKey string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("billgateway: encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	endpoint := p.baseURL.JoinPath(path)
	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), body)
	if err != nil {
		return fmt.Errorf("billgateway: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := p.http.Do(req)
	if err != nil {
		return fmt.Errorf("billgateway: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("billgateway: read response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr billErrorResponse
		_ = json.Unmarshal(raw, &apiErr)
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return fmt.Errorf("billgateway: %s %s: status %d: %s", method, path, resp.StatusCode, apiErr.Message)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("billgateway: decode response: %w", err)
	}
	return nil
}

func (tx billTransaction) details() PaymentDetails {
	status := StatusPending
	switch strings.ToLower(tx.Status) {
	case "successful", "success", "completed":
		status = StatusSucceeded
	case "failed", "reversed", "cancelled":
		status = StatusFailed
	case "refunded":
		status = StatusRefunded
	}
	details := PaymentDetails{
		Provider:         ProviderBillGateway,
		Reference:        tx.Reference,
		Status:           status,
		Amount:           tx.Amount,
		Currency:         strings.ToUpper(tx.Currency),
		ElectricityToken: tx.Token,
		Raw:              map[string]any{"gatewayStatus": tx.Status},
	}
	if status == StatusFailed {
		details.FailureReason = tx.Message
	}
	return details
}
