package services

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/quicrefill/api/internal/domain"
	"github.com/quicrefill/api/internal/payments"
)

func newTestDispatcher(t *testing.T, gateway *stubGateway, wallet *memoryWalletRepo) PaymentDispatcher {
	t.Helper()
	if wallet == nil {
		wallet = newMemoryWalletRepo(nil)
	}
	deps := PaymentDispatcherDeps{
		Wallet:          newTestWallet(t, wallet, nil),
		MethodProviders: map[domain.PaymentMethod]string{domain.PaymentMethodCard: payments.ProviderStripe},
	}
	if gateway != nil {
		deps.Gateway = gateway
	}
	dispatcher, err := NewPaymentDispatcher(deps)
	if err != nil {
		t.Fatalf("NewPaymentDispatcher: %v", err)
	}
	return dispatcher
}

func TestChannelFor(t *testing.T) {
	tests := []struct {
		method  domain.PaymentMethod
		service domain.ServiceType
		want    domain.PaymentChannel
		ok      bool
	}{
		{domain.PaymentMethodWallet, domain.ServiceTypeElectricity, domain.PaymentChannelWallet, true},
		{domain.PaymentMethodPayOnDelivery, domain.ServiceTypeGas, "", false},
		{domain.PaymentMethodCard, domain.ServiceTypeElectricity, domain.PaymentChannelBill, true},
		{domain.PaymentMethodBankTransfer, domain.ServiceTypePetrol, domain.PaymentChannelGateway, true},
	}
	for _, tc := range tests {
		got, ok := ChannelFor(tc.method, tc.service)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("ChannelFor(%s, %s) = %s, %v", tc.method, tc.service, got, ok)
		}
	}
}

func TestPaymentDispatcherPreflight(t *testing.T) {
	gatewayDispatcher := newTestDispatcher(t, &stubGateway{}, nil)
	walletOnly := newTestDispatcher(t, nil, nil)

	disabledCard := DefaultPricingSettings()
	disabledCard.PaymentMethods = map[domain.PaymentMethod]bool{domain.PaymentMethodCard: false}

	tests := []struct {
		name       string
		dispatcher PaymentDispatcher
		settings   PricingSettings
		req        PaymentRequest
		want       error
	}{
		{name: "wallet always allowed", dispatcher: walletOnly, req: PaymentRequest{Method: domain.PaymentMethodWallet}},
		{name: "pay on delivery always allowed", dispatcher: walletOnly, req: PaymentRequest{Method: domain.PaymentMethodPayOnDelivery}},
		{name: "unknown method", dispatcher: gatewayDispatcher, req: PaymentRequest{Method: "CRYPTO"}, want: ErrInvalidInput},
		{
			name:       "disabled method",
			dispatcher: gatewayDispatcher,
			settings:   disabledCard,
			req:        PaymentRequest{Method: domain.PaymentMethodCard, Card: &CardDetails{Token: "pm_1"}},
			want:       ErrPaymentMethodNotAvailable,
		},
		{name: "no gateway", dispatcher: walletOnly, req: PaymentRequest{Method: domain.PaymentMethodBankTransfer}, want: ErrPaymentMethodNotAvailable},
		{name: "card without token", dispatcher: gatewayDispatcher, req: PaymentRequest{Method: domain.PaymentMethodCard}, want: ErrInvalidInput},
		{
			name:       "electricity without meter",
			dispatcher: gatewayDispatcher,
			req: PaymentRequest{
				Method:      domain.PaymentMethodBankTransfer,
				ServiceType: domain.ServiceTypeElectricity,
				Bill:        &BillDetails{DestinationBankCode: "058", DestinationAccountNumber: "0123456789"},
			},
			want: ErrMissingFields,
		},
		{
			name:       "complete electricity request",
			dispatcher: gatewayDispatcher,
			req: PaymentRequest{
				Method:      domain.PaymentMethodBankTransfer,
				ServiceType: domain.ServiceTypeElectricity,
				Bill:        &BillDetails{MeterNumber: "45012345678", DestinationBankCode: "058", DestinationAccountNumber: "0123456789"},
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			settings := tc.settings
			if settings.ServiceCharge.IsZero() {
				settings = DefaultPricingSettings()
			}
			err := tc.dispatcher.Preflight(settings, tc.req)
			if tc.want == nil {
				if err != nil {
					t.Fatalf("expected no error, got %v", err)
				}
				return
			}
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestPaymentDispatcherChargesCardWithIntentKey(t *testing.T) {
	gateway := &stubGateway{}
	dispatcher := newTestDispatcher(t, gateway, nil)

	result, err := dispatcher.Dispatch(context.Background(), PaymentRequest{
		IntentID:    "pi_42",
		OrderID:     "ord_42",
		UserID:      testCustomer.ID,
		Method:      domain.PaymentMethodCard,
		ServiceType: domain.ServiceTypeGas,
		Breakdown:   domain.PriceBreakdown{TotalAmount: dec("2902.5")},
		Card:        &CardDetails{Token: "pm_card_visa"},
		VoucherCode: "WELCOME10",
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if result.Status != domain.PaymentStatusCompleted || result.TransactionID != "pi_stripe_pi_42" {
		t.Fatalf("unexpected result %+v", result)
	}
	if len(gateway.charges) != 1 {
		t.Fatalf("expected one charge, got %d", len(gateway.charges))
	}
	charge := gateway.charges[0]
	if charge.IdempotencyKey != "pi_42" || charge.Amount != 290250 || charge.Currency != "NGN" || charge.CardToken != "pm_card_visa" {
		t.Fatalf("unexpected charge %+v", charge)
	}
	if charge.Metadata["voucherCode"] != "WELCOME10" {
		t.Fatalf("expected voucher metadata, got %v", charge.Metadata)
	}
	if gateway.contexts[0].PreferredProvider != payments.ProviderStripe {
		t.Fatalf("expected stripe routing, got %+v", gateway.contexts[0])
	}
}

func TestPaymentDispatcherRoutesElectricityToBillGateway(t *testing.T) {
	gateway := &stubGateway{}
	dispatcher := newTestDispatcher(t, gateway, nil)

	result, err := dispatcher.Dispatch(context.Background(), PaymentRequest{
		IntentID:    "pi_7",
		OrderID:     "ord_7",
		Method:      domain.PaymentMethodBankTransfer,
		ServiceType: domain.ServiceTypeElectricity,
		Breakdown:   domain.PriceBreakdown{TotalAmount: decimal.NewFromInt(5000)},
		Bill:        &BillDetails{MeterNumber: "45012345678", DestinationBankCode: "058", DestinationAccountNumber: "0123456789"},
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(gateway.bills) != 1 || len(gateway.charges) != 0 {
		t.Fatalf("expected one bill payment, got bills=%d charges=%d", len(gateway.bills), len(gateway.charges))
	}
	if gateway.bills[0].MeterNumber != "45012345678" || gateway.bills[0].Amount != 500000 {
		t.Fatalf("unexpected bill request %+v", gateway.bills[0])
	}
	if gateway.contexts[0].PreferredProvider != payments.ProviderBillGateway {
		t.Fatalf("expected bill gateway routing, got %+v", gateway.contexts[0])
	}
	if result.ElectricityToken != "1234-5678-9012" || result.Status != domain.PaymentStatusCompleted {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestPaymentDispatcherWallet(t *testing.T) {
	wallet := newMemoryWalletRepo(map[string]decimal.Decimal{testCustomer.ID: decimal.NewFromInt(1000)})
	dispatcher := newTestDispatcher(t, nil, wallet)

	req := PaymentRequest{
		IntentID:  "pi_w",
		OrderID:   "ord_w",
		UserID:    testCustomer.ID,
		Method:    domain.PaymentMethodWallet,
		Breakdown: domain.PriceBreakdown{TotalAmount: decimal.NewFromInt(600)},
	}
	result, err := dispatcher.Dispatch(context.Background(), req)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if result.Status != domain.PaymentStatusCompleted || result.TransactionID != "debit_pi_w" {
		t.Fatalf("unexpected result %+v", result)
	}

	req.IntentID = "pi_w2"
	result, err = dispatcher.Dispatch(context.Background(), req)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if result.Status != domain.PaymentStatusFailed || result.FailureReason == "" {
		t.Fatalf("expected insufficient funds failure, got %+v", result)
	}
	assertDecimal(t, "balance", wallet.balance(testCustomer.ID), "400")
}

func TestPaymentDispatcherGatewayErrors(t *testing.T) {
	gateway := &stubGateway{
		chargeFn: func(payments.PaymentContext, payments.ChargeRequest) (payments.PaymentDetails, error) {
			return payments.PaymentDetails{}, errBoom
		},
	}
	dispatcher := newTestDispatcher(t, gateway, nil)

	_, err := dispatcher.Dispatch(context.Background(), PaymentRequest{
		IntentID:  "pi_1",
		OrderID:   "ord_1",
		Method:    domain.PaymentMethodCard,
		Breakdown: domain.PriceBreakdown{TotalAmount: decimal.NewFromInt(10)},
		Card:      &CardDetails{Token: "pm_1"},
	})
	if !errors.Is(err, ErrPaymentProcessingFailed) {
		t.Fatalf("expected ErrPaymentProcessingFailed, got %v", err)
	}

	if _, err := dispatcher.Dispatch(context.Background(), PaymentRequest{Method: domain.PaymentMethodCard}); !errors.Is(err, ErrMissingFields) {
		t.Fatalf("expected ErrMissingFields without intent id, got %v", err)
	}
}

func TestPaymentDispatcherRefundAndStatus(t *testing.T) {
	gateway := &stubGateway{
		lookupFn: func(_ payments.PaymentContext, req payments.LookupRequest) (payments.PaymentDetails, error) {
			return payments.PaymentDetails{Reference: req.Reference, Status: payments.StatusFailed, FailureReason: "card_declined"}, nil
		},
	}
	dispatcher := newTestDispatcher(t, gateway, nil)

	order := domain.ServiceOrder{ID: "ord_5", AmountDue: dec("2902.5")}
	intent := domain.PaymentIntent{ID: "pi_5", Channel: domain.PaymentChannelGateway, Provider: payments.ProviderStripe, ProviderRef: "pi_stripe_5"}

	if err := dispatcher.Refund(context.Background(), order, intent); err != nil {
		t.Fatalf("Refund: %v", err)
	}
	refund := gateway.refunds[0]
	if refund.Reference != "pi_stripe_5" || refund.Amount == nil || *refund.Amount != 290250 || refund.IdempotencyKey != "refund_ord_5" {
		t.Fatalf("unexpected refund %+v", refund)
	}

	result, err := dispatcher.Status(context.Background(), intent)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if result.Status != domain.PaymentStatusFailed || result.Provider != payments.ProviderStripe || result.FailureReason != "card_declined" {
		t.Fatalf("unexpected status %+v", result)
	}

	if _, err := dispatcher.Status(context.Background(), domain.PaymentIntent{ID: "pi_w", Channel: domain.PaymentChannelWallet}); err == nil {
		t.Fatalf("expected wallet intents to have no provider status")
	}
	if err := dispatcher.Refund(context.Background(), order, domain.PaymentIntent{ID: "pi_x"}); err == nil {
		t.Fatalf("expected refund without provider reference to fail")
	}
}
