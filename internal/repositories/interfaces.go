package repositories

import (
	"context"
	"time"

	"github.com/quicrefill/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Services() ServiceRepository
	Addresses() AddressRepository
	Orders() OrderRepository
	Vouchers() VoucherRepository
	Settings() SettingsRepository
	Revenue() RevenueRepository
	Reviews() ReviewRepository
	Wallets() WalletRepository
	PaymentIntents() PaymentIntentRepository
	Health() HealthRepository
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// ServiceRepository reads vendor listings.
type ServiceRepository interface {
	FindByID(ctx context.Context, serviceID string) (domain.Service, error)
	// ListNearby returns orderable services of the given type within RadiusKm of Center.
	ListNearby(ctx context.Context, query NearbyQuery) ([]domain.Service, error)
}

// AddressRepository reads customer delivery addresses.
type AddressRepository interface {
	FindByID(ctx context.Context, addressID string) (domain.Address, error)
}

// OrderRepository persists service orders, their status history and the documents written with them.
type OrderRepository interface {
	// Create writes the order, its first history row, the voucher usage and the payment intent in one
	// transaction. A voucher cap reached at commit time yields an *OrderError with OrderErrorVoucherExhausted.
	Create(ctx context.Context, creation OrderCreation) error
	FindByID(ctx context.Context, orderID string) (domain.ServiceOrder, error)
	// Mutate loads the order (and its payment intent, when present) inside a transaction and applies
	// the mutation returned by fn. fn may run more than once and must not have side effects.
	Mutate(ctx context.Context, orderID string, fn OrderMutator) (domain.ServiceOrder, error)
	ListByCustomer(ctx context.Context, userID string, filter OrderListFilter) (domain.CursorPage[domain.ServiceOrder], error)
	ListByProvider(ctx context.Context, providerID string, filter OrderListFilter) (domain.CursorPage[domain.ServiceOrder], error)
	History(ctx context.Context, orderID string) ([]domain.OrderStatusHistory, error)
}

// VoucherRepository reads vouchers and counts their redemptions.
type VoucherRepository interface {
	FindByCode(ctx context.Context, code string) (domain.Voucher, error)
	// CountUsages counts usage rows for the voucher, restricted to userID when it is non-empty.
	CountUsages(ctx context.Context, voucherID string, userID string) (int, error)
}

// SettingsRepository reads the admin settings singleton. A missing document yields a not-found error.
type SettingsRepository interface {
	AdminSettings(ctx context.Context) (domain.AdminSettings, error)
}

// RevenueRepository maintains daily revenue rollups.
type RevenueRepository interface {
	Apply(ctx context.Context, increment RevenueIncrement) error
	ListDaily(ctx context.Context, serviceID string, from, to time.Time) ([]domain.ServiceRevenue, error)
}

// ReviewRepository stores reviews and keeps the service rating aggregate in step.
type ReviewRepository interface {
	// Add inserts the review and recomputes the service avgRating/ratingCount from every review of the
	// service in the same transaction. A second review for the same order is a conflict.
	Add(ctx context.Context, review domain.OrderReview) (RatingSummary, error)
}

// WalletRepository owns wallet balances and the wallet ledger.
type WalletRepository interface {
	FindByUser(ctx context.Context, userID string) (domain.Wallet, error)
	// Debit decrements the balance and appends the ledger entry atomically. Entries are keyed by ID, so a
	// repeated debit with the same ID returns the stored entry without charging twice.
	Debit(ctx context.Context, entry domain.WalletTransaction) (domain.WalletTransaction, error)
}

// PaymentIntentRepository manages the payment outbox.
type PaymentIntentRepository interface {
	FindByID(ctx context.Context, intentID string) (domain.PaymentIntent, error)
	// MarkDispatched records a dispatch attempt. Terminal intents are left untouched.
	MarkDispatched(ctx context.Context, intentID string, dispatch IntentDispatch) error
	// ListOpen returns non-terminal intents last updated before staleBefore, oldest first.
	ListOpen(ctx context.Context, staleBefore time.Time, limit int) ([]domain.PaymentIntent, error)
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}

// NearbyQuery selects alternative services around a delivery point.
type NearbyQuery struct {
	Type      domain.ServiceType
	Center    domain.GeoPoint
	RadiusKm  float64
	ExcludeID string
	Limit     int
}

// OrderListFilter narrows order list queries.
type OrderListFilter struct {
	Status     []domain.OrderStatus
	Pagination domain.Pagination
}

// OrderCreation groups every document written when an order is placed.
type OrderCreation struct {
	Order   domain.ServiceOrder
	History domain.OrderStatusHistory
	Intent  *domain.PaymentIntent
	Voucher *VoucherRedemption
}

// VoucherRedemption is the usage row plus the caps re-checked inside the creation transaction.
type VoucherRedemption struct {
	Usage          domain.VoucherUsage
	MaxUses        *int
	MaxUsesPerUser *int
}

// OrderMutator decides the writes for an order given its current state. intent is nil when the order has
// no payment intent or the intent document is missing.
type OrderMutator func(order domain.ServiceOrder, intent *domain.PaymentIntent) (OrderMutation, error)

// OrderMutation describes the writes applied atomically with a status transition. A zero Status leaves the
// order document untouched; History is written only when Status is set.
type OrderMutation struct {
	Status           domain.OrderStatus
	PaymentStatus    domain.PaymentStatus
	ElectricityToken *string
	History          domain.OrderStatusHistory
	Revenue          *RevenueIncrement
	Dispute          *domain.Dispute
	WalletCredit     *domain.WalletTransaction
	Intent           *domain.PaymentIntent
}

// Empty reports whether the mutation performs no writes.
func (m OrderMutation) Empty() bool {
	return m.Status == "" && m.PaymentStatus == "" && m.ElectricityToken == nil &&
		m.Revenue == nil && m.Dispute == nil && m.WalletCredit == nil && m.Intent == nil
}

// IntentDispatch is one attempt at sending a payment intent to its provider. A non-empty LastError
// is stored and the intent stays open for the sweep.
type IntentDispatch struct {
	Provider    string
	ProviderRef string
	LastError   string
	At          time.Time
}

// RevenueIncrement is an additive update to one (service, day) rollup, in minor units.
type RevenueIncrement struct {
	ServiceID         string
	Date              string
	Orders            int64
	RevenueMinor      int64
	DeliveryFeesMinor int64
	At                time.Time
}

// RatingSummary is the recomputed service rating after a review.
type RatingSummary struct {
	ServiceID   string
	AvgRating   float64
	RatingCount int
}
