package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
)

type stripePaymentIntentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Cancel(id string, params *stripe.PaymentIntentCancelParams) (*stripe.PaymentIntent, error)
}

type stripeRefundAPI interface {
	New(params *stripe.RefundParams) (*stripe.Refund, error)
}

type stripePaymentMethodAPI interface {
	Get(id string, params *stripe.PaymentMethodParams) (*stripe.PaymentMethod, error)
}

type stripeClients struct {
	intents        stripePaymentIntentAPI
	refunds        stripeRefundAPI
	paymentMethods stripePaymentMethodAPI
}

// StripeProviderConfig configures the StripeProvider.
type StripeProviderConfig struct {
	APIKey    string
	AccountID string
	Backends  *stripe.Backends
	Logger    Logger
	Clients   *stripeClients
}

// StripeProvider charges cards and bank payments through Stripe Payment Intents.
type StripeProvider struct {
	api     stripeClients
	account string
	logger  Logger
}

// NewStripeProvider constructs a Stripe Provider using the given configuration.
func NewStripeProvider(cfg StripeProviderConfig) (*StripeProvider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.Clients == nil {
		return nil, errors.New("stripe: api key is required")
	}

	var clients stripeClients
	if cfg.Clients != nil {
		clients = *cfg.Clients
	} else {
		sc := client.New(apiKey, cfg.Backends)
		clients = stripeClients{
			intents:        sc.PaymentIntents,
			refunds:        sc.Refunds,
			paymentMethods: sc.PaymentMethods,
		}
	}

	if clients.intents == nil || clients.refunds == nil || clients.paymentMethods == nil {
		return nil, errors.New("stripe: incomplete client configuration")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeProvider{
		api:     clients,
		account: strings.TrimSpace(cfg.AccountID),
		logger:  logger,
	}, nil
}

// Charge creates a Payment Intent. With a card token the intent is confirmed immediately;
// otherwise it waits for the customer to complete the transfer and is settled by reconciliation.
func (p *StripeProvider) Charge(ctx context.Context, req ChargeRequest) (PaymentDetails, error) {
	if p == nil {
		return PaymentDetails{}, errors.New("stripe: provider is nil")
	}
	if req.Amount <= 0 {
		return PaymentDetails{}, errors.New("stripe: amount must be positive")
	}

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.Amount),
		Currency: stripe.String(strings.ToLower(req.Currency)),
		Metadata: gatewayMetadata(req.Metadata),
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	if params.Metadata == nil {
		params.Metadata = map[string]string{}
	}
	params.Metadata["orderId"] = req.OrderID
	params.Metadata["userId"] = req.UserID

	var card *stripe.PaymentMethodCard
	if token := strings.TrimSpace(req.CardToken); token != "" {
		method, err := p.lookupPaymentMethod(ctx, token)
		if err != nil {
			return PaymentDetails{}, err
		}
		card = method.Card
		params.PaymentMethod = stripe.String(method.ID)
		params.PaymentMethodTypes = stripe.StringSlice([]string{string(stripe.PaymentMethodTypeCard)})
		params.Confirm = stripe.Bool(true)
	} else {
		params.AutomaticPaymentMethods = &stripe.PaymentIntentAutomaticPaymentMethodsParams{Enabled: stripe.Bool(true)}
	}

	intent, err := p.api.intents.New(params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.Type == stripe.ErrorTypeCard {
			p.logger(ctx, "payments.stripe.charge.declined", map[string]any{
				"orderId": req.OrderID,
				"code":    string(stripeErr.Code),
			})
			return PaymentDetails{Provider: ProviderStripe, Status: StatusFailed, Amount: req.Amount, Currency: strings.ToUpper(req.Currency), FailureReason: stripeErr.Msg}, nil
		}
		return PaymentDetails{}, fmt.Errorf("stripe: create payment intent: %w", err)
	}

	p.logger(ctx, "payments.stripe.intent.created", map[string]any{
		"orderId":       req.OrderID,
		"paymentIntent": intent.ID,
		"status":        string(intent.Status),
	})

	details := stripePaymentDetails(intent)
	if card != nil {
		details.Raw["cardBrand"] = string(card.Brand)
		details.Raw["cardLast4"] = card.Last4
	}
	return details, nil
}

// Refund creates a refund for the provided Payment Intent.
func (p *StripeProvider) Refund(ctx context.Context, req RefundRequest) (PaymentDetails, error) {
	if p == nil {
		return PaymentDetails{}, errors.New("stripe: provider is nil")
	}
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.Reference),
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	if req.Amount != nil {
		params.Amount = stripe.Int64(*req.Amount)
	}
	if reason := mapStripeRefundReason(req.Reason); reason != "" {
		params.Reason = stripe.String(reason)
	}
	params.Metadata = gatewayMetadata(req.Metadata)
	if _, err := p.api.refunds.New(params); err != nil {
		return PaymentDetails{}, fmt.Errorf("stripe: refund payment intent: %w", err)
	}
	p.logger(ctx, "payments.stripe.intent.refunded", map[string]any{
		"paymentIntent": req.Reference,
	})
	return p.LookupPayment(ctx, LookupRequest{Reference: req.Reference})
}

// CancelPayment cancels a Payment Intent that has not succeeded. Stripe rejects the call once the
// intent has settled, and the caller refunds instead.
func (p *StripeProvider) CancelPayment(ctx context.Context, req CancelRequest) (PaymentDetails, error) {
	if p == nil {
		return PaymentDetails{}, errors.New("stripe: provider is nil")
	}
	params := &stripe.PaymentIntentCancelParams{
		CancellationReason: stripe.String(string(stripe.PaymentIntentCancellationReasonRequestedByCustomer)),
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	intent, err := p.api.intents.Cancel(req.Reference, params)
	if err != nil {
		return PaymentDetails{}, fmt.Errorf("stripe: cancel payment intent: %w", err)
	}
	p.logger(ctx, "payments.stripe.intent.cancelled", map[string]any{
		"paymentIntent": req.Reference,
		"reason":        req.Reason,
	})
	return stripePaymentDetails(intent), nil
}

// LookupPayment retrieves a Stripe Payment Intent.
func (p *StripeProvider) LookupPayment(ctx context.Context, req LookupRequest) (PaymentDetails, error) {
	if p == nil {
		return PaymentDetails{}, errors.New("stripe: provider is nil")
	}
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	intent, err := p.api.intents.Get(req.Reference, params)
	if err != nil {
		return PaymentDetails{}, fmt.Errorf("stripe: lookup payment intent: %w", err)
	}
	return stripePaymentDetails(intent), nil
}

func (p *StripeProvider) lookupPaymentMethod(ctx context.Context, token string) (*stripe.PaymentMethod, error) {
	params := &stripe.PaymentMethodParams{}
	params.Context = ctx
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	method, err := p.api.paymentMethods.Get(token, params)
	if err != nil {
		return nil, fmt.Errorf("stripe: lookup payment method: %w", err)
	}
	if method == nil || method.Type != stripe.PaymentMethodTypeCard || method.Card == nil {
		return nil, fmt.Errorf("stripe: payment method %s is not a card", token)
	}
	return method, nil
}

func stripePaymentDetails(intent *stripe.PaymentIntent) PaymentDetails {
	if intent == nil {
		return PaymentDetails{Raw: map[string]any{}}
	}

	status := StatusPending
	switch intent.Status {
	case stripe.PaymentIntentStatusSucceeded:
		status = StatusSucceeded
	case stripe.PaymentIntentStatusCanceled:
		status = StatusFailed
	}

	if charge := intent.LatestCharge; charge != nil && charge.Amount > 0 && charge.AmountRefunded >= charge.Amount {
		status = StatusRefunded
	}

	details := PaymentDetails{
		Provider:  ProviderStripe,
		Reference: intent.ID,
		Status:    status,
		Amount:    intent.Amount,
		Currency:  strings.ToUpper(string(intent.Currency)),
		Raw: map[string]any{
			"stripeStatus": string(intent.Status),
		},
	}
	if intent.LastPaymentError != nil {
		details.FailureReason = intent.LastPaymentError.Msg
	}
	return details
}

func mapStripeRefundReason(reason string) string {
	switch strings.ToLower(strings.TrimSpace(reason)) {
	case string(stripe.RefundReasonDuplicate):
		return string(stripe.RefundReasonDuplicate)
	case string(stripe.RefundReasonFraudulent):
		return string(stripe.RefundReasonFraudulent)
	case string(stripe.RefundReasonRequestedByCustomer), "order_cancelled":
		return string(stripe.RefundReasonRequestedByCustomer)
	default:
		return ""
	}
}
