package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/quicrefill/api/internal/domain"
	pfirestore "github.com/quicrefill/api/internal/platform/firestore"
	"github.com/quicrefill/api/internal/repositories"
)

const (
	walletsCollection            = "wallets"
	walletTransactionsCollection = "walletTransactions"
)

type walletDocument struct {
	BalanceMinor int64     `firestore:"balanceMinor"`
	Currency     string    `firestore:"currency"`
	UpdatedAt    time.Time `firestore:"updatedAt"`
}

type walletTransactionDocument struct {
	UserID      string            `firestore:"userId"`
	OrderID     string            `firestore:"orderId,omitempty"`
	Type        string            `firestore:"type"`
	Status      string            `firestore:"status"`
	AmountMinor int64             `firestore:"amountMinor"`
	Reference   string            `firestore:"reference,omitempty"`
	Description string            `firestore:"description,omitempty"`
	Metadata    map[string]string `firestore:"metadata,omitempty"`
	CreatedAt   time.Time         `firestore:"createdAt"`
}

func newWalletTransactionDocument(entry domain.WalletTransaction) walletTransactionDocument {
	return walletTransactionDocument{
		UserID:      entry.UserID,
		OrderID:     entry.OrderID,
		Type:        string(entry.Type),
		Status:      string(entry.Status),
		AmountMinor: domain.ToMinor(entry.Amount),
		Reference:   entry.Reference,
		Description: entry.Description,
		Metadata:    entry.Metadata,
		CreatedAt:   entry.CreatedAt.UTC(),
	}
}

func (d walletTransactionDocument) toDomain(id string) domain.WalletTransaction {
	return domain.WalletTransaction{
		ID:          id,
		UserID:      d.UserID,
		OrderID:     d.OrderID,
		Type:        domain.WalletTransactionType(d.Type),
		Status:      domain.WalletTransactionStatus(d.Status),
		Amount:      domain.FromMinor(d.AmountMinor),
		Reference:   d.Reference,
		Description: d.Description,
		Metadata:    d.Metadata,
		CreatedAt:   d.CreatedAt,
	}
}

// WalletRepository keeps wallet balances as integer minor units next to an append-only ledger.
type WalletRepository struct {
	provider *pfirestore.Provider
	currency string
}

var _ repositories.WalletRepository = (*WalletRepository)(nil)

// NewWalletRepository constructs a Firestore-backed wallet repository.
func NewWalletRepository(provider *pfirestore.Provider, currency string) (*WalletRepository, error) {
	if provider == nil {
		return nil, errors.New("wallet repository requires firestore provider")
	}
	return &WalletRepository{provider: provider, currency: strings.ToUpper(strings.TrimSpace(currency))}, nil
}

// FindByUser returns the wallet, or an empty wallet when the user has never been credited.
func (r *WalletRepository) FindByUser(ctx context.Context, userID string) (domain.Wallet, error) {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.Wallet{}, pfirestore.WrapError("wallets.get", err)
	}
	snap, err := client.Collection(walletsCollection).Doc(userID).Get(ctx)
	if err != nil {
		if pfirestore.IsNotFound(err) {
			return domain.Wallet{UserID: userID, Currency: r.currency}, nil
		}
		return domain.Wallet{}, pfirestore.WrapError("wallets.get", err)
	}
	var doc walletDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.Wallet{}, pfirestore.WrapError("wallets.decode", err)
	}
	return domain.Wallet{
		UserID:    userID,
		Balance:   domain.FromMinor(doc.BalanceMinor),
		Currency:  doc.Currency,
		UpdatedAt: doc.UpdatedAt,
	}, nil
}

func (r *WalletRepository) Debit(ctx context.Context, entry domain.WalletTransaction) (domain.WalletTransaction, error) {
	if strings.TrimSpace(entry.ID) == "" {
		return domain.WalletTransaction{}, errors.New("wallet debit: entry id is required")
	}
	amount := domain.ToMinor(entry.Amount)
	if amount <= 0 {
		return domain.WalletTransaction{}, errors.New("wallet debit: amount must be positive")
	}
	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.WalletTransaction{}, pfirestore.WrapError("wallets.debit", err)
	}
	walletRef := client.Collection(walletsCollection).Doc(entry.UserID)
	entryRef := client.Collection(walletTransactionsCollection).Doc(entry.ID)

	var stored domain.WalletTransaction
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		existing, err := tx.Get(entryRef)
		switch {
		case err == nil:
			var doc walletTransactionDocument
			if err := existing.DataTo(&doc); err != nil {
				return fmt.Errorf("decode wallet transaction %s: %w", entry.ID, err)
			}
			stored = doc.toDomain(entry.ID)
			return nil
		case status.Code(err) != codes.NotFound:
			return err
		}

		var balance int64
		walletSnap, err := tx.Get(walletRef)
		switch {
		case err == nil:
			var doc walletDocument
			if err := walletSnap.DataTo(&doc); err != nil {
				return fmt.Errorf("decode wallet %s: %w", entry.UserID, err)
			}
			balance = doc.BalanceMinor
		case status.Code(err) != codes.NotFound:
			return err
		}
		if balance < amount {
			return repositories.NewOrderError(repositories.OrderErrorInsufficientFunds, "wallet balance is insufficient", nil)
		}

		now := entry.CreatedAt.UTC()
		if now.IsZero() {
			now = time.Now().UTC()
		}
		entry.Type = domain.WalletTransactionDebit
		entry.Status = domain.WalletTransactionCompleted
		entry.CreatedAt = now
		if err := tx.Update(walletRef, []firestore.Update{
			{Path: "balanceMinor", Value: firestore.Increment(-amount)},
			{Path: "updatedAt", Value: now},
		}); err != nil {
			return err
		}
		if err := tx.Create(entryRef, newWalletTransactionDocument(entry)); err != nil {
			return err
		}
		stored = entry
		return nil
	})
	if err != nil {
		return domain.WalletTransaction{}, err
	}
	return stored, nil
}

// creditWallet adds a ledger entry and increments the balance inside an existing transaction.
func creditWallet(tx *firestore.Transaction, client *firestore.Client, entry domain.WalletTransaction, at time.Time) error {
	if strings.TrimSpace(entry.ID) == "" {
		return errors.New("wallet credit: entry id is required")
	}
	amount := domain.ToMinor(entry.Amount)
	if amount <= 0 {
		return errors.New("wallet credit: amount must be positive")
	}
	entry.Status = domain.WalletTransactionCompleted
	entry.CreatedAt = at
	walletRef := client.Collection(walletsCollection).Doc(entry.UserID)
	if err := tx.Set(walletRef, map[string]any{
		"balanceMinor": firestore.Increment(amount),
		"updatedAt":    at,
	}, firestore.MergeAll); err != nil {
		return err
	}
	return tx.Create(client.Collection(walletTransactionsCollection).Doc(entry.ID), newWalletTransactionDocument(entry))
}
