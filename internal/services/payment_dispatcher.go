package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/quicrefill/api/internal/domain"
	"github.com/quicrefill/api/internal/payments"
	"github.com/quicrefill/api/internal/platform/observability"
)

const (
	defaultPaymentCurrency = "NGN"
	voidKeyPrefix          = "void_"
)

// paymentGateway is the slice of payments.Manager the dispatcher uses.
type paymentGateway interface {
	Charge(ctx context.Context, pc payments.PaymentContext, req payments.ChargeRequest) (payments.PaymentDetails, error)
	PayBill(ctx context.Context, pc payments.PaymentContext, req payments.BillPaymentRequest) (payments.PaymentDetails, error)
	Refund(ctx context.Context, pc payments.PaymentContext, req payments.RefundRequest) (payments.PaymentDetails, error)
	LookupPayment(ctx context.Context, pc payments.PaymentContext, req payments.LookupRequest) (payments.PaymentDetails, error)
	CancelPayment(ctx context.Context, pc payments.PaymentContext, req payments.CancelRequest) (payments.PaymentDetails, error)
}

// PaymentDispatcherDeps bundles collaborators for the payment dispatcher.
type PaymentDispatcherDeps struct {
	Wallet  WalletService
	Gateway paymentGateway
	// MethodProviders routes gateway methods to a payments provider key. Unlisted methods use the
	// manager's default provider.
	MethodProviders map[domain.PaymentMethod]string
	// BillProvider is the provider key used for electricity bill payments.
	BillProvider string
	Currency     string
	Logger       func(ctx context.Context, event string, fields map[string]any)
}

type paymentDispatcher struct {
	wallet          WalletService
	gateway         paymentGateway
	methodProviders map[domain.PaymentMethod]string
	billProvider    string
	currency        string
	logger          func(context.Context, string, map[string]any)
}

var _ PaymentDispatcher = (*paymentDispatcher)(nil)

// NewPaymentDispatcher constructs a PaymentDispatcher. Without a gateway only wallet and
// pay-on-delivery orders can be paid.
func NewPaymentDispatcher(deps PaymentDispatcherDeps) (PaymentDispatcher, error) {
	if deps.Wallet == nil {
		return nil, errors.New("payment dispatcher: wallet service is required")
	}
	currency := strings.ToUpper(strings.TrimSpace(deps.Currency))
	if currency == "" {
		currency = defaultPaymentCurrency
	}
	billProvider := strings.TrimSpace(deps.BillProvider)
	if billProvider == "" {
		billProvider = payments.ProviderBillGateway
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	providers := make(map[domain.PaymentMethod]string, len(deps.MethodProviders))
	for method, provider := range deps.MethodProviders {
		providers[method] = strings.TrimSpace(provider)
	}
	return &paymentDispatcher{
		wallet:          deps.Wallet,
		gateway:         deps.Gateway,
		methodProviders: providers,
		billProvider:    billProvider,
		currency:        currency,
		logger:          logger,
	}, nil
}

// ChannelFor returns the outbox channel an order paid with method is dispatched to. Pay on delivery
// has no channel.
func ChannelFor(method domain.PaymentMethod, serviceType domain.ServiceType) (domain.PaymentChannel, bool) {
	switch {
	case method == domain.PaymentMethodWallet:
		return domain.PaymentChannelWallet, true
	case method == domain.PaymentMethodPayOnDelivery:
		return "", false
	case serviceType == domain.ServiceTypeElectricity:
		return domain.PaymentChannelBill, true
	default:
		return domain.PaymentChannelGateway, true
	}
}

func (d *paymentDispatcher) Preflight(settings PricingSettings, req PaymentRequest) error {
	switch req.Method {
	case domain.PaymentMethodWallet, domain.PaymentMethodPayOnDelivery:
		return nil
	case domain.PaymentMethodCard, domain.PaymentMethodBankTransfer, domain.PaymentMethodVirtualAccount:
	default:
		return fmt.Errorf("%w: unknown payment method %q", ErrInvalidInput, req.Method)
	}

	if !settings.MethodEnabled(req.Method) {
		return fmt.Errorf("%w: %s is disabled", ErrPaymentMethodNotAvailable, req.Method)
	}
	if d.gateway == nil {
		return fmt.Errorf("%w: no payment gateway configured", ErrPaymentMethodNotAvailable)
	}
	if req.Method == domain.PaymentMethodCard && (req.Card == nil || strings.TrimSpace(req.Card.Token) == "") {
		return fmt.Errorf("%w: card details are required for card payments", ErrInvalidInput)
	}
	if req.ServiceType == domain.ServiceTypeElectricity {
		bill := req.Bill
		if bill == nil || strings.TrimSpace(bill.MeterNumber) == "" ||
			strings.TrimSpace(bill.DestinationBankCode) == "" ||
			strings.TrimSpace(bill.DestinationAccountNumber) == "" {
			return fmt.Errorf("%w: meterNumber, destinationBankCode and destinationAccountNumber are required for electricity", ErrMissingFields)
		}
	}
	return nil
}

func (d *paymentDispatcher) Dispatch(ctx context.Context, req PaymentRequest) (result PaymentResult, err error) {
	ctx, end := observability.StartSpan(ctx, "payments.dispatch",
		attribute.String("payment.method", string(req.Method)),
		attribute.String("order.id", req.OrderID),
		attribute.String("payment.intent", req.IntentID),
	)
	defer func() { end(err) }()

	if req.IntentID == "" && req.Method != domain.PaymentMethodPayOnDelivery {
		return PaymentResult{}, fmt.Errorf("%w: payment intent id is required", ErrMissingFields)
	}

	switch req.Method {
	case domain.PaymentMethodPayOnDelivery:
		return PaymentResult{Status: domain.PaymentStatusPending}, nil
	case domain.PaymentMethodWallet:
		return d.payWithWallet(ctx, req)
	}

	if req.ServiceType == domain.ServiceTypeElectricity {
		return d.payBill(ctx, req)
	}
	return d.charge(ctx, req)
}

func (d *paymentDispatcher) payWithWallet(ctx context.Context, req PaymentRequest) (PaymentResult, error) {
	entry, err := d.wallet.PayWithWallet(ctx, WalletPayment{
		UserID:       req.UserID,
		OrderID:      req.OrderID,
		Reference:    req.IntentID,
		ServiceType:  req.ServiceType,
		ProductType:  req.ProductType,
		Amount:       req.Breakdown.ServiceSubtotal,
		ServiceFee:   req.Breakdown.ServiceFee,
		VATRate:      req.Breakdown.VATRate,
		PetroleumTax: req.Breakdown.PetroleumTax,
		VoucherCode:  req.VoucherCode,
		Charge:       req.Breakdown.TotalAmount,
	})
	if err != nil {
		return PaymentResult{}, wrapUnexpected(err, ErrPaymentProcessingFailed)
	}
	result := PaymentResult{
		TransactionID: entry.ID,
		Provider:      string(domain.PaymentChannelWallet),
		Status:        domain.PaymentStatusCompleted,
		Details:       map[string]any{"walletTransactionId": entry.ID},
	}
	if entry.Status != domain.WalletTransactionCompleted {
		result.Status = domain.PaymentStatusFailed
		result.FailureReason = "insufficient wallet balance"
	}
	return result, nil
}

func (d *paymentDispatcher) charge(ctx context.Context, req PaymentRequest) (PaymentResult, error) {
	if d.gateway == nil {
		return PaymentResult{}, fmt.Errorf("%w: no payment gateway configured", ErrPaymentMethodNotAvailable)
	}
	charge := payments.ChargeRequest{
		OrderID:        req.OrderID,
		UserID:         req.UserID,
		Amount:         domain.ToMinor(req.Breakdown.TotalAmount),
		Currency:       d.currency,
		Method:         strings.ToLower(string(req.Method)),
		Description:    fmt.Sprintf("%s order %s", req.ServiceType, req.OrderID),
		IdempotencyKey: req.IntentID,
		Metadata:       d.metadata(req),
	}
	if req.Card != nil {
		charge.CardToken = req.Card.Token
	}
	details, err := d.gateway.Charge(ctx, d.context(d.methodProviders[req.Method]), charge)
	if err != nil {
		d.logger(ctx, "payments.charge.failed", map[string]any{
			"orderId": req.OrderID,
			"intent":  req.IntentID,
			"error":   err.Error(),
		})
		return PaymentResult{}, fmt.Errorf("%w: %v", ErrPaymentProcessingFailed, err)
	}
	return resultFromDetails(details), nil
}

func (d *paymentDispatcher) payBill(ctx context.Context, req PaymentRequest) (PaymentResult, error) {
	if d.gateway == nil {
		return PaymentResult{}, fmt.Errorf("%w: no payment gateway configured", ErrPaymentMethodNotAvailable)
	}
	if req.Bill == nil {
		return PaymentResult{}, fmt.Errorf("%w: bill details are required for electricity", ErrMissingFields)
	}
	details, err := d.gateway.PayBill(ctx, d.context(d.billProvider), payments.BillPaymentRequest{
		OrderID:                  req.OrderID,
		UserID:                   req.UserID,
		Amount:                   domain.ToMinor(req.Breakdown.TotalAmount),
		Currency:                 d.currency,
		MeterNumber:              req.Bill.MeterNumber,
		DestinationBankCode:      req.Bill.DestinationBankCode,
		DestinationAccountNumber: req.Bill.DestinationAccountNumber,
		IdempotencyKey:           req.IntentID,
		Metadata:                 d.metadata(req),
	})
	if err != nil {
		d.logger(ctx, "payments.bill.failed", map[string]any{
			"orderId": req.OrderID,
			"intent":  req.IntentID,
			"error":   err.Error(),
		})
		return PaymentResult{}, fmt.Errorf("%w: %v", ErrPaymentProcessingFailed, err)
	}
	return resultFromDetails(details), nil
}

func (d *paymentDispatcher) Refund(ctx context.Context, order domain.ServiceOrder, intent domain.PaymentIntent) (err error) {
	ctx, end := observability.StartSpan(ctx, "payments.refund", attribute.String("order.id", order.ID))
	defer func() { end(err) }()

	if d.gateway == nil {
		return errors.New("payment dispatcher: no payment gateway configured")
	}
	if intent.ProviderRef == "" {
		return fmt.Errorf("payment dispatcher: intent %s has no provider reference", intent.ID)
	}
	amount := domain.ToMinor(order.AmountDue)
	details, err := d.gateway.Refund(ctx, d.context(intent.Provider), payments.RefundRequest{
		Reference:      intent.ProviderRef,
		Amount:         &amount,
		Reason:         "requested_by_customer",
		IdempotencyKey: walletRefundPrefix + order.ID,
		Metadata:       map[string]string{"orderId": order.ID, "intentId": intent.ID},
	})
	if err != nil {
		return fmt.Errorf("refund %s: %w", intent.ProviderRef, err)
	}
	if details.Status == payments.StatusFailed {
		return fmt.Errorf("refund %s: provider reported failure: %s", intent.ProviderRef, details.FailureReason)
	}
	return nil
}

func (d *paymentDispatcher) Status(ctx context.Context, intent domain.PaymentIntent) (PaymentResult, error) {
	if intent.Channel == domain.PaymentChannelWallet {
		return PaymentResult{}, errors.New("payment dispatcher: wallet intents have no provider status")
	}
	if d.gateway == nil {
		return PaymentResult{}, errors.New("payment dispatcher: no payment gateway configured")
	}
	if intent.ProviderRef == "" {
		return PaymentResult{}, fmt.Errorf("payment dispatcher: intent %s has no provider reference", intent.ID)
	}
	details, err := d.gateway.LookupPayment(ctx, d.context(intent.Provider), payments.LookupRequest{Reference: intent.ProviderRef})
	if err != nil {
		return PaymentResult{}, fmt.Errorf("lookup %s: %w", intent.ProviderRef, err)
	}
	if details.Provider == "" {
		details.Provider = intent.Provider
	}
	return resultFromDetails(details), nil
}

// Void cancels a payment whose order was closed before it settled. Providers without a cancel call
// fall back to a status lookup so a settled payment comes back as completed for the caller to refund.
func (d *paymentDispatcher) Void(ctx context.Context, intent domain.PaymentIntent) (result PaymentResult, err error) {
	ctx, end := observability.StartSpan(ctx, "payments.void", attribute.String("intent.id", intent.ID))
	defer func() { end(err) }()

	if intent.Channel == domain.PaymentChannelWallet {
		return PaymentResult{}, errors.New("payment dispatcher: wallet intents cannot be voided")
	}
	if d.gateway == nil {
		return PaymentResult{}, errors.New("payment dispatcher: no payment gateway configured")
	}
	if intent.ProviderRef == "" {
		return PaymentResult{}, fmt.Errorf("payment dispatcher: intent %s has no provider reference", intent.ID)
	}
	details, err := d.gateway.CancelPayment(ctx, d.context(intent.Provider), payments.CancelRequest{
		Reference:      intent.ProviderRef,
		Reason:         "order_closed",
		IdempotencyKey: voidKeyPrefix + intent.ID,
	})
	if errors.Is(err, payments.ErrCancelUnsupported) {
		return d.Status(ctx, intent)
	}
	if err != nil {
		return PaymentResult{}, fmt.Errorf("void %s: %w", intent.ProviderRef, err)
	}
	if details.Provider == "" {
		details.Provider = intent.Provider
	}
	return resultFromDetails(details), nil
}

func (d *paymentDispatcher) context(provider string) payments.PaymentContext {
	return payments.PaymentContext{PreferredProvider: provider, Currency: d.currency}
}

func (d *paymentDispatcher) metadata(req PaymentRequest) map[string]string {
	metadata := map[string]string{
		"orderId":     req.OrderID,
		"intentId":    req.IntentID,
		"serviceType": string(req.ServiceType),
	}
	if req.ProductType != "" {
		metadata["productType"] = req.ProductType
	}
	if req.VoucherCode != "" {
		metadata["voucherCode"] = req.VoucherCode
	}
	return metadata
}

func resultFromDetails(details payments.PaymentDetails) PaymentResult {
	result := PaymentResult{
		TransactionID:    details.Reference,
		Provider:         details.Provider,
		ElectricityToken: details.ElectricityToken,
		FailureReason:    details.FailureReason,
		Details:          details.Raw,
	}
	switch details.Status {
	case payments.StatusSucceeded:
		result.Status = domain.PaymentStatusCompleted
	case payments.StatusFailed:
		result.Status = domain.PaymentStatusFailed
	case payments.StatusRefunded:
		result.Status = domain.PaymentStatusRefunded
	default:
		result.Status = domain.PaymentStatusPending
	}
	return result
}
