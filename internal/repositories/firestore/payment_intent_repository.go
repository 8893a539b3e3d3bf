package firestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/quicrefill/api/internal/domain"
	pfirestore "github.com/quicrefill/api/internal/platform/firestore"
	"github.com/quicrefill/api/internal/repositories"
)

const paymentIntentsCollection = "paymentIntents"

type paymentIntentDocument struct {
	OrderID      string     `firestore:"orderId"`
	UserID       string     `firestore:"userId"`
	Method       string     `firestore:"method"`
	Channel      string     `firestore:"channel"`
	ServiceType  string     `firestore:"serviceType"`
	Amount       string     `firestore:"amount"`
	Status       string     `firestore:"status"`
	Provider     string     `firestore:"provider,omitempty"`
	ProviderRef  string     `firestore:"providerRef,omitempty"`
	Attempts     int        `firestore:"attempts"`
	LastError    string     `firestore:"lastError,omitempty"`
	CreatedAt    time.Time  `firestore:"createdAt"`
	UpdatedAt    time.Time  `firestore:"updatedAt"`
	DispatchedAt *time.Time `firestore:"dispatchedAt"`
	ReconciledAt *time.Time `firestore:"reconciledAt"`
}

func newPaymentIntentDocument(intent domain.PaymentIntent) paymentIntentDocument {
	return paymentIntentDocument{
		OrderID:      intent.OrderID,
		UserID:       intent.UserID,
		Method:       string(intent.Method),
		Channel:      string(intent.Channel),
		ServiceType:  string(intent.ServiceType),
		Amount:       intent.Amount.String(),
		Status:       string(intent.Status),
		Provider:     intent.Provider,
		ProviderRef:  intent.ProviderRef,
		Attempts:     intent.Attempts,
		LastError:    intent.LastError,
		CreatedAt:    intent.CreatedAt.UTC(),
		UpdatedAt:    intent.UpdatedAt.UTC(),
		DispatchedAt: intent.DispatchedAt,
		ReconciledAt: intent.ReconciledAt,
	}
}

func (d paymentIntentDocument) toDomain(id string) domain.PaymentIntent {
	return domain.PaymentIntent{
		ID:           id,
		OrderID:      d.OrderID,
		UserID:       d.UserID,
		Method:       domain.PaymentMethod(d.Method),
		Channel:      domain.PaymentChannel(d.Channel),
		ServiceType:  domain.ServiceType(d.ServiceType),
		Amount:       parseDecimal(d.Amount),
		Status:       domain.PaymentIntentStatus(d.Status),
		Provider:     d.Provider,
		ProviderRef:  d.ProviderRef,
		Attempts:     d.Attempts,
		LastError:    d.LastError,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
		DispatchedAt: d.DispatchedAt,
		ReconciledAt: d.ReconciledAt,
	}
}

func decodePaymentIntent(snap *firestore.DocumentSnapshot) (domain.PaymentIntent, error) {
	var doc paymentIntentDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.PaymentIntent{}, fmt.Errorf("decode payment intent %s: %w", snap.Ref.ID, err)
	}
	return doc.toDomain(snap.Ref.ID), nil
}

// PaymentIntentRepository manages the payment outbox collection.
type PaymentIntentRepository struct {
	provider *pfirestore.Provider
}

var _ repositories.PaymentIntentRepository = (*PaymentIntentRepository)(nil)

// NewPaymentIntentRepository constructs a Firestore-backed outbox repository.
func NewPaymentIntentRepository(provider *pfirestore.Provider) (*PaymentIntentRepository, error) {
	if provider == nil {
		return nil, errors.New("payment intent repository requires firestore provider")
	}
	return &PaymentIntentRepository{provider: provider}, nil
}

func (r *PaymentIntentRepository) FindByID(ctx context.Context, intentID string) (domain.PaymentIntent, error) {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.PaymentIntent{}, pfirestore.WrapError("paymentIntents.get", err)
	}
	snap, err := client.Collection(paymentIntentsCollection).Doc(intentID).Get(ctx)
	if err != nil {
		return domain.PaymentIntent{}, pfirestore.WrapError("paymentIntents.get", err)
	}
	intent, err := decodePaymentIntent(snap)
	if err != nil {
		return domain.PaymentIntent{}, pfirestore.WrapError("paymentIntents.decode", err)
	}
	return intent, nil
}

// MarkDispatched bumps the attempt counter. Terminal intents are left untouched and an intent waiting
// for a refund keeps its status.
func (r *PaymentIntentRepository) MarkDispatched(ctx context.Context, intentID string, dispatch repositories.IntentDispatch) error {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return pfirestore.WrapError("paymentIntents.markDispatched", err)
	}
	ref := client.Collection(paymentIntentsCollection).Doc(intentID)
	at := dispatch.At.UTC()

	return r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return pfirestore.NotFound("paymentIntents.markDispatched", "payment intent %s not found", intentID)
			}
			return err
		}
		intent, err := decodePaymentIntent(snap)
		if err != nil {
			return err
		}
		if intent.Status.Terminal() {
			return nil
		}
		next := domain.PaymentIntentDispatched
		if intent.Status == domain.PaymentIntentRefundPending {
			next = intent.Status
		}
		updates := []firestore.Update{
			{Path: "status", Value: string(next)},
			{Path: "attempts", Value: firestore.Increment(1)},
			{Path: "lastError", Value: dispatch.LastError},
			{Path: "updatedAt", Value: at},
			{Path: "dispatchedAt", Value: at},
		}
		if dispatch.ProviderRef != "" {
			updates = append(updates, firestore.Update{Path: "providerRef", Value: dispatch.ProviderRef})
		}
		if dispatch.Provider != "" {
			updates = append(updates, firestore.Update{Path: "provider", Value: dispatch.Provider})
		}
		return tx.Update(ref, updates)
	})
}

func (r *PaymentIntentRepository) ListOpen(ctx context.Context, staleBefore time.Time, limit int) ([]domain.PaymentIntent, error) {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, pfirestore.WrapError("paymentIntents.listOpen", err)
	}
	if limit <= 0 {
		limit = 50
	}
	iter := client.Collection(paymentIntentsCollection).
		Where("status", "in", []string{
			string(domain.PaymentIntentPending),
			string(domain.PaymentIntentDispatched),
			string(domain.PaymentIntentRefundPending),
		}).
		Where("updatedAt", "<", staleBefore.UTC()).
		OrderBy("updatedAt", firestore.Asc).
		Limit(limit).
		Documents(ctx)
	return pfirestore.Collect("paymentIntents.listOpen", iter, decodePaymentIntent)
}
