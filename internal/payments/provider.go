package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/quicrefill/api/internal/platform/textutil"
)

// Status enumerates the normalised payment states shared across providers.
type Status string

const (
	// StatusPending indicates the payment is awaiting customer action or PSP confirmation.
	StatusPending Status = "pending"
	// StatusSucceeded indicates the PSP reports the payment as successfully captured.
	StatusSucceeded Status = "succeeded"
	// StatusFailed indicates the PSP reports a failure and no further action is possible.
	StatusFailed Status = "failed"
	// StatusRefunded indicates the payment has been refunded (partially or fully).
	StatusRefunded Status = "refunded"
)

// Logger receives structured provider events.
type Logger func(ctx context.Context, event string, fields map[string]any)

// Provider keys registered with the Manager.
const (
	ProviderStripe      = "stripe"
	ProviderBillGateway = "billgateway"
)

var (
	// ErrUnsupportedProvider is returned when the manager cannot locate a provider.
	ErrUnsupportedProvider = errors.New("payments: unsupported provider")
	// ErrBillPaymentUnsupported is returned when the resolved provider cannot pay utility bills.
	ErrBillPaymentUnsupported = errors.New("payments: provider does not support bill payments")
	// ErrCancelUnsupported is returned when the resolved provider cannot void an open payment.
	ErrCancelUnsupported = errors.New("payments: provider does not support cancelling payments")
)

// ChargeRequest describes a customer charge. Amounts are minor units (kobo for NGN).
// IdempotencyKey is the payment intent id so a retried dispatch never double-charges.
type ChargeRequest struct {
	OrderID        string
	UserID         string
	Amount         int64
	Currency       string
	Method         string
	CardToken      string
	Description    string
	IdempotencyKey string
	Metadata       map[string]string
}

// BillPaymentRequest pays an electricity bill on the customer's behalf.
type BillPaymentRequest struct {
	OrderID                  string
	UserID                   string
	Amount                   int64
	Currency                 string
	MeterNumber              string
	DestinationBankCode      string
	DestinationAccountNumber string
	IdempotencyKey           string
	Metadata                 map[string]string
}

// RefundRequest defines a PSP refund attempt against an earlier charge.
type RefundRequest struct {
	Reference      string
	Amount         *int64
	Reason         string
	IdempotencyKey string
	Metadata       map[string]string
}

// CancelRequest voids a payment that has not settled yet.
type CancelRequest struct {
	Reference      string
	Reason         string
	IdempotencyKey string
}

// LookupRequest returns provider specific payment details for reconciliation.
type LookupRequest struct {
	Reference string
}

// PaymentDetails normalises PSP specific fields for storage.
type PaymentDetails struct {
	Provider         string
	Reference        string
	Status           Status
	Amount           int64
	Currency         string
	ElectricityToken string
	FailureReason    string
	Raw              map[string]any
}

// Provider defines the contract for PSP adapters to implement.
type Provider interface {
	Charge(ctx context.Context, req ChargeRequest) (PaymentDetails, error)
	Refund(ctx context.Context, req RefundRequest) (PaymentDetails, error)
	LookupPayment(ctx context.Context, req LookupRequest) (PaymentDetails, error)
}

// BillPayer is implemented by providers that settle utility bills.
type BillPayer interface {
	PayBill(ctx context.Context, req BillPaymentRequest) (PaymentDetails, error)
}

// Canceller is implemented by providers that can void a payment before it settles.
type Canceller interface {
	CancelPayment(ctx context.Context, req CancelRequest) (PaymentDetails, error)
}

// Manager coordinates provider selection and exposes the aggregated interface.
type Manager struct {
	providers       map[string]Provider
	defaultProvider string
	currencyRoutes  map[string]string
}

// ManagerOption configures optional behaviour when building a Manager.
type ManagerOption func(*Manager)

// WithDefaultProvider overrides the default provider for currencies without explicit routing.
func WithDefaultProvider(provider string) ManagerOption {
	return func(m *Manager) {
		m.defaultProvider = provider
	}
}

// WithCurrencyRoutes configures static currency to provider mappings.
func WithCurrencyRoutes(routes map[string]string) ManagerOption {
	return func(m *Manager) {
		if len(routes) == 0 {
			return
		}
		if m.currencyRoutes == nil {
			m.currencyRoutes = make(map[string]string, len(routes))
		}
		for k, v := range routes {
			m.currencyRoutes[strings.ToUpper(strings.TrimSpace(k))] = strings.TrimSpace(v)
		}
	}
}

// NewManager constructs a Manager over the supplied providers.
func NewManager(providers map[string]Provider, opts ...ManagerOption) (*Manager, error) {
	if len(providers) == 0 {
		return nil, errors.New("payments: at least one provider is required")
	}
	copyMap := make(map[string]Provider, len(providers))
	for k, v := range providers {
		key := strings.TrimSpace(strings.ToLower(k))
		if key == "" || v == nil {
			return nil, fmt.Errorf("payments: invalid provider registration for key %q", k)
		}
		copyMap[key] = v
	}
	m := &Manager{
		providers: copyMap,
	}
	if _, ok := copyMap[ProviderStripe]; ok {
		m.defaultProvider = ProviderStripe
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// PaymentContext defines the hints available when selecting a provider.
type PaymentContext struct {
	PreferredProvider string
	Currency          string
}

func (m *Manager) resolveProvider(ctx PaymentContext) (string, Provider, error) {
	if m == nil {
		return "", nil, errors.New("payments: manager is nil")
	}
	if provider := strings.TrimSpace(strings.ToLower(ctx.PreferredProvider)); provider != "" {
		if p, ok := m.providers[provider]; ok {
			return provider, p, nil
		}
		return "", nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, provider)
	}
	currency := strings.ToUpper(strings.TrimSpace(ctx.Currency))
	if currency != "" && m.currencyRoutes != nil {
		if providerKey, ok := m.currencyRoutes[currency]; ok {
			provider := strings.TrimSpace(strings.ToLower(providerKey))
			if p, ok := m.providers[provider]; ok {
				return provider, p, nil
			}
		}
	}
	if def := strings.TrimSpace(strings.ToLower(m.defaultProvider)); def != "" {
		if p, ok := m.providers[def]; ok {
			return def, p, nil
		}
	}
	if len(m.providers) == 1 {
		for key, p := range m.providers {
			return key, p, nil
		}
	}
	return "", nil, ErrUnsupportedProvider
}

// Charge delegates to the resolved provider.
func (m *Manager) Charge(ctx context.Context, paymentCtx PaymentContext, req ChargeRequest) (PaymentDetails, error) {
	key, provider, err := m.resolveProvider(paymentCtx)
	if err != nil {
		return PaymentDetails{}, err
	}
	details, err := provider.Charge(ctx, req)
	if err != nil {
		return PaymentDetails{}, err
	}
	details.Provider = key
	return details, nil
}

// PayBill delegates to the resolved provider when it supports bill payments.
func (m *Manager) PayBill(ctx context.Context, paymentCtx PaymentContext, req BillPaymentRequest) (PaymentDetails, error) {
	key, provider, err := m.resolveProvider(paymentCtx)
	if err != nil {
		return PaymentDetails{}, err
	}
	payer, ok := provider.(BillPayer)
	if !ok {
		return PaymentDetails{}, fmt.Errorf("%w: %s", ErrBillPaymentUnsupported, key)
	}
	details, err := payer.PayBill(ctx, req)
	if err != nil {
		return PaymentDetails{}, err
	}
	details.Provider = key
	return details, nil
}

// Refund delegates to the resolved provider.
func (m *Manager) Refund(ctx context.Context, paymentCtx PaymentContext, req RefundRequest) (PaymentDetails, error) {
	_, provider, err := m.resolveProvider(paymentCtx)
	if err != nil {
		return PaymentDetails{}, err
	}
	return provider.Refund(ctx, req)
}

// CancelPayment delegates to the resolved provider when it can void payments.
func (m *Manager) CancelPayment(ctx context.Context, paymentCtx PaymentContext, req CancelRequest) (PaymentDetails, error) {
	key, provider, err := m.resolveProvider(paymentCtx)
	if err != nil {
		return PaymentDetails{}, err
	}
	canceller, ok := provider.(Canceller)
	if !ok {
		return PaymentDetails{}, fmt.Errorf("%w: %s", ErrCancelUnsupported, key)
	}
	details, err := canceller.CancelPayment(ctx, req)
	if err != nil {
		return PaymentDetails{}, err
	}
	details.Provider = key
	return details, nil
}

// LookupPayment delegates to the resolved provider.
func (m *Manager) LookupPayment(ctx context.Context, paymentCtx PaymentContext, req LookupRequest) (PaymentDetails, error) {
	_, provider, err := m.resolveProvider(paymentCtx)
	if err != nil {
		return PaymentDetails{}, err
	}
	return provider.LookupPayment(ctx, req)
}

// gatewayMetadata returns a trimmed copy so providers never share the caller's map.
func gatewayMetadata(src map[string]string) map[string]string {
	return textutil.NormalizeStringMap(src)
}
