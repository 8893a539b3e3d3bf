package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/quicrefill/api/internal/domain"
	"github.com/quicrefill/api/internal/repositories"
)

const (
	walletDebitPrefix  = "debit_"
	walletRefundPrefix = "refund_"
)

// WalletServiceDeps bundles collaborators for the wallet service.
type WalletServiceDeps struct {
	Wallets repositories.WalletRepository
	Clock   func() time.Time
	Logger  func(ctx context.Context, event string, fields map[string]any)
}

type walletService struct {
	wallets repositories.WalletRepository
	clock   func() time.Time
	logger  func(context.Context, string, map[string]any)
}

var _ WalletService = (*walletService)(nil)

// NewWalletService constructs a WalletService.
func NewWalletService(deps WalletServiceDeps) (WalletService, error) {
	if deps.Wallets == nil {
		return nil, errors.New("wallet service: wallet repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &walletService{
		wallets: deps.Wallets,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

func (s *walletService) Balance(ctx context.Context, userID string) (domain.Wallet, error) {
	if userID == "" {
		return domain.Wallet{}, fmt.Errorf("%w: user id is required", ErrMissingFields)
	}
	wallet, err := s.wallets.FindByUser(ctx, userID)
	if err != nil {
		return domain.Wallet{}, mapRepositoryError(err, ErrInvalidInput)
	}
	return wallet, nil
}

// PayWithWallet debits the charge. Insufficient funds produce a FAILED entry and no error; the entry id
// is derived from Reference so a retried payment never charges twice.
func (s *walletService) PayWithWallet(ctx context.Context, payment WalletPayment) (domain.WalletTransaction, error) {
	if payment.UserID == "" || payment.OrderID == "" || payment.Reference == "" {
		return domain.WalletTransaction{}, fmt.Errorf("%w: user, order and reference are required", ErrMissingFields)
	}
	if !payment.Charge.IsPositive() {
		return domain.WalletTransaction{}, fmt.Errorf("%w: wallet charge must be positive", ErrInvalidInput)
	}

	entry := domain.WalletTransaction{
		ID:          walletDebitPrefix + payment.Reference,
		UserID:      payment.UserID,
		OrderID:     payment.OrderID,
		Type:        domain.WalletTransactionDebit,
		Status:      domain.WalletTransactionCompleted,
		Amount:      payment.Charge,
		Reference:   payment.Reference,
		Description: fmt.Sprintf("%s order %s", payment.ServiceType, payment.OrderID),
		Metadata: map[string]string{
			"serviceType":     string(payment.ServiceType),
			"productType":     payment.ProductType,
			"serviceSubtotal": payment.Amount.String(),
			"serviceFee":      payment.ServiceFee.String(),
			"vatRate":         payment.VATRate.String(),
			"petroleumTax":    payment.PetroleumTax.String(),
			"voucherCode":     payment.VoucherCode,
		},
		CreatedAt: s.clock(),
	}

	stored, err := s.wallets.Debit(ctx, entry)
	if err != nil {
		var orderErr *repositories.OrderError
		if errors.As(err, &orderErr) && orderErr.Code == repositories.OrderErrorInsufficientFunds {
			s.logger(ctx, "wallet.debit.rejected", map[string]any{
				"userId":  payment.UserID,
				"orderId": payment.OrderID,
				"charge":  payment.Charge.String(),
			})
			entry.Status = domain.WalletTransactionFailed
			return entry, nil
		}
		return domain.WalletTransaction{}, fmt.Errorf("%w: wallet debit: %v", ErrPaymentProcessingFailed, mapRepositoryError(err, nil))
	}
	return stored, nil
}

func (s *walletService) RefundEntry(order domain.ServiceOrder, at time.Time) domain.WalletTransaction {
	return domain.WalletTransaction{
		ID:          walletRefundPrefix + order.ID,
		UserID:      order.UserID,
		OrderID:     order.ID,
		Type:        domain.WalletTransactionRefund,
		Status:      domain.WalletTransactionCompleted,
		Amount:      order.AmountDue,
		Reference:   order.CustomerReference,
		Description: fmt.Sprintf("refund for order %s", order.ID),
		CreatedAt:   at,
	}
}
