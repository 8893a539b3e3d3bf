package services

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/quicrefill/api/internal/domain"
)

func newTestWallet(t *testing.T, repo *memoryWalletRepo, events *eventRecorder) WalletService {
	t.Helper()
	deps := WalletServiceDeps{Wallets: repo, Clock: fixedClock}
	if events != nil {
		deps.Logger = events.log
	}
	svc, err := NewWalletService(deps)
	if err != nil {
		t.Fatalf("NewWalletService: %v", err)
	}
	return svc
}

func TestWalletServicePayWithWallet(t *testing.T) {
	repo := newMemoryWalletRepo(map[string]decimal.Decimal{testCustomer.ID: decimal.NewFromInt(5000)})
	svc := newTestWallet(t, repo, nil)

	payment := WalletPayment{
		UserID:      testCustomer.ID,
		OrderID:     "ord_1",
		Reference:   "pi_1",
		ServiceType: domain.ServiceTypeGas,
		Amount:      decimal.NewFromInt(2000),
		ServiceFee:  decimal.NewFromInt(700),
		VATRate:     dec("0.075"),
		Charge:      dec("2902.5"),
	}
	entry, err := svc.PayWithWallet(context.Background(), payment)
	if err != nil {
		t.Fatalf("PayWithWallet: %v", err)
	}
	if entry.Status != domain.WalletTransactionCompleted || entry.ID != "debit_pi_1" {
		t.Fatalf("unexpected entry %+v", entry)
	}
	if entry.Metadata["serviceSubtotal"] != "2000" || entry.Metadata["serviceFee"] != "700" {
		t.Fatalf("expected breakdown metadata, got %v", entry.Metadata)
	}
	assertDecimal(t, "balance", repo.balance(testCustomer.ID), "2097.5")

	// A retried payment with the same reference is not charged again.
	if _, err := svc.PayWithWallet(context.Background(), payment); err != nil {
		t.Fatalf("PayWithWallet retry: %v", err)
	}
	assertDecimal(t, "balance after retry", repo.balance(testCustomer.ID), "2097.5")
}

func TestWalletServiceInsufficientFunds(t *testing.T) {
	events := &eventRecorder{}
	repo := newMemoryWalletRepo(map[string]decimal.Decimal{testCustomer.ID: decimal.NewFromInt(100)})
	svc := newTestWallet(t, repo, events)

	entry, err := svc.PayWithWallet(context.Background(), WalletPayment{
		UserID:    testCustomer.ID,
		OrderID:   "ord_1",
		Reference: "pi_1",
		Charge:    dec("2902.5"),
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if entry.Status != domain.WalletTransactionFailed {
		t.Fatalf("expected FAILED entry, got %s", entry.Status)
	}
	assertDecimal(t, "balance", repo.balance(testCustomer.ID), "100")
	if !events.has("wallet.debit.rejected") {
		t.Fatalf("expected rejection to be logged")
	}
}

func TestWalletServiceDebitFailure(t *testing.T) {
	repo := newMemoryWalletRepo(nil)
	repo.debitErr = stubRepoError{unavailable: true}
	svc := newTestWallet(t, repo, nil)

	_, err := svc.PayWithWallet(context.Background(), WalletPayment{
		UserID:    testCustomer.ID,
		OrderID:   "ord_1",
		Reference: "pi_1",
		Charge:    decimal.NewFromInt(10),
	})
	if !errors.Is(err, ErrPaymentProcessingFailed) {
		t.Fatalf("expected ErrPaymentProcessingFailed, got %v", err)
	}
}

func TestWalletServiceValidation(t *testing.T) {
	svc := newTestWallet(t, newMemoryWalletRepo(nil), nil)

	if _, err := svc.PayWithWallet(context.Background(), WalletPayment{UserID: "u", OrderID: "o"}); !errors.Is(err, ErrMissingFields) {
		t.Fatalf("expected ErrMissingFields, got %v", err)
	}
	if _, err := svc.PayWithWallet(context.Background(), WalletPayment{UserID: "u", OrderID: "o", Reference: "r"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := svc.Balance(context.Background(), ""); !errors.Is(err, ErrMissingFields) {
		t.Fatalf("expected ErrMissingFields, got %v", err)
	}
}

func TestWalletServiceRefundEntry(t *testing.T) {
	svc := newTestWallet(t, newMemoryWalletRepo(nil), nil)

	order := domain.ServiceOrder{ID: "ord_9", UserID: testCustomer.ID, AmountDue: dec("2902.5"), CustomerReference: "QR-9"}
	entry := svc.RefundEntry(order, testNow)
	if entry.ID != "refund_ord_9" || entry.Type != domain.WalletTransactionRefund || entry.UserID != testCustomer.ID {
		t.Fatalf("unexpected refund entry %+v", entry)
	}
	assertDecimal(t, "amount", entry.Amount, "2902.5")
}
