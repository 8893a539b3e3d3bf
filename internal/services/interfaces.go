package services

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quicrefill/api/internal/domain"
	"github.com/quicrefill/api/internal/repositories"
)

// Roles understood by the services layer. They match the role claim on Firebase tokens.
const (
	RoleCustomer = "customer"
	RoleProvider = "provider"
	RoleAdmin    = "admin"
)

// Actor identifies the caller of a service operation.
type Actor struct {
	ID   string
	Role string
}

// IsAdmin reports whether the actor bypasses ownership checks.
func (a Actor) IsAdmin() bool {
	return a.Role == RoleAdmin
}

// AvailabilityChecker decides whether a service can deliver to an address.
type AvailabilityChecker interface {
	Check(ctx context.Context, serviceID, addressID string) (Availability, error)
	// Evaluate runs the distance and surcharge rules for already loaded records.
	Evaluate(ctx context.Context, service domain.Service, address domain.Address) (Availability, error)
	Distance(ctx context.Context, from, to domain.GeoPoint) DistanceResult
}

// SettingsProvider resolves admin pricing settings with fallbacks applied.
type SettingsProvider interface {
	PricingSettings(ctx context.Context) (PricingSettings, error)
}

// PricingEngine prices a prospective order without writing anything.
type PricingEngine interface {
	Calculate(ctx context.Context, cmd QuoteCommand) (Quote, error)
}

// VoucherValidator resolves a voucher code for a user. A nil voucher with a nil error means the code
// does not apply.
type VoucherValidator interface {
	Validate(ctx context.Context, code, userID, role string) (*domain.Voucher, error)
}

// PaymentDispatcher routes an order payment to the wallet, the card gateway or the bill gateway.
type PaymentDispatcher interface {
	// Preflight checks the method is enabled and carries the details its flow needs.
	Preflight(settings PricingSettings, req PaymentRequest) error
	Dispatch(ctx context.Context, req PaymentRequest) (PaymentResult, error)
	Refund(ctx context.Context, order domain.ServiceOrder, intent domain.PaymentIntent) error
	// Status looks up the provider side state of a dispatched intent.
	Status(ctx context.Context, intent domain.PaymentIntent) (PaymentResult, error)
	// Void cancels an open gateway payment, or reports its current state when the provider cannot.
	Void(ctx context.Context, intent domain.PaymentIntent) (PaymentResult, error)
}

// WalletService debits and inspects customer wallets.
type WalletService interface {
	Balance(ctx context.Context, userID string) (domain.Wallet, error)
	PayWithWallet(ctx context.Context, payment WalletPayment) (domain.WalletTransaction, error)
	// RefundEntry builds the credit entry written inside a cancellation transaction.
	RefundEntry(order domain.ServiceOrder, at time.Time) domain.WalletTransaction
}

// OrderService drives the service order state machine.
type OrderService interface {
	Create(ctx context.Context, cmd CreateOrderCommand) (OrderPlacement, error)
	Approve(ctx context.Context, cmd OrderActionCommand) (domain.ServiceOrder, error)
	Reject(ctx context.Context, cmd OrderActionCommand) (domain.ServiceOrder, error)
	AssignAgent(ctx context.Context, cmd AssignAgentCommand) (domain.ServiceOrder, error)
	MarkOutForDelivery(ctx context.Context, cmd OrderActionCommand) (domain.ServiceOrder, error)
	CompleteDelivery(ctx context.Context, cmd CompleteDeliveryCommand) (domain.ServiceOrder, error)
	Cancel(ctx context.Context, cmd OrderActionCommand) (domain.ServiceOrder, error)
	Get(ctx context.Context, orderID string, actor Actor) (domain.ServiceOrder, error)
	History(ctx context.Context, orderID string, actor Actor) ([]domain.OrderStatusHistory, error)
	ListForCustomer(ctx context.Context, userID string, filter OrderListFilter) (domain.CursorPage[domain.ServiceOrder], error)
	ListForProvider(ctx context.Context, providerID string, filter OrderListFilter) (domain.CursorPage[domain.ServiceOrder], error)
	// ReconcilePayment applies a payment outcome to the order owning intentID. Repeated calls for a
	// reconciled intent are no-ops.
	ReconcilePayment(ctx context.Context, intentID string, result PaymentResult) (domain.ServiceOrder, error)
}

// RevenueService maintains and reads the per-service daily revenue rollup.
type RevenueService interface {
	Increment(order domain.ServiceOrder, at time.Time) repositories.RevenueIncrement
	UpdateServiceRevenue(ctx context.Context, order domain.ServiceOrder) error
	DailyRevenue(ctx context.Context, query DailyRevenueQuery) ([]domain.ServiceRevenue, error)
}

// ReviewService records order ratings.
type ReviewService interface {
	AddServiceOrderRating(ctx context.Context, cmd RateOrderCommand) (ReviewResult, error)
}

// PaymentReconciler settles payment intents left open by crashes or pending gateways.
type PaymentReconciler interface {
	Sweep(ctx context.Context) (SweepReport, error)
}

// SystemService exposes health information.
type SystemService interface {
	HealthReport(ctx context.Context) (domain.SystemHealthReport, error)
}

// DistanceResult is the distance between two points and how it was obtained.
type DistanceResult struct {
	Km       float64
	Duration time.Duration
	Source   string
}

// Distance sources.
const (
	DistanceSourceRoad      = "road"
	DistanceSourceHaversine = "haversine"
)

// Availability is the outcome of a delivery reach check.
type Availability struct {
	ServiceID     string
	AddressID     string
	Available     bool
	Distance      DistanceResult
	RadiusKm      float64
	AdditionalFee decimal.Decimal
	Alternatives  []Alternative
}

// PricingSettings are the admin settings used by pricing and payment with fallbacks resolved.
type PricingSettings struct {
	ServiceCharge    decimal.Decimal
	VATRate          decimal.Decimal
	PetroleumTaxRate decimal.Decimal
	PaymentMethods   map[domain.PaymentMethod]bool
}

// MethodEnabled reports whether the admin has left method switched on. Unlisted methods are enabled.
func (s PricingSettings) MethodEnabled(method domain.PaymentMethod) bool {
	enabled, ok := s.PaymentMethods[method]
	return !ok || enabled
}

// QuoteCommand asks for the price of an order.
type QuoteCommand struct {
	ServiceID   string
	AddressID   string
	Quantity    decimal.Decimal
	VoucherCode string
	UserID      string
	UserRole    string
}

// Quote is a priced order together with the records it was computed from.
type Quote struct {
	Service      domain.Service
	Address      domain.Address
	Availability Availability
	Settings     PricingSettings
	Voucher      *domain.Voucher
	Breakdown    domain.PriceBreakdown
}

// CardDetails carries a tokenised card from the client.
type CardDetails struct {
	Token string
}

// BillDetails carries the destination of an electricity bill payment.
type BillDetails struct {
	MeterNumber              string
	DestinationBankCode      string
	DestinationAccountNumber string
}

// PaymentRequest is a single order payment to dispatch.
type PaymentRequest struct {
	IntentID    string
	OrderID     string
	UserID      string
	Method      domain.PaymentMethod
	ServiceType domain.ServiceType
	ProductType string
	Breakdown   domain.PriceBreakdown
	VoucherCode string
	Card        *CardDetails
	Bill        *BillDetails
}

// PaymentResult is the outcome of a dispatched payment.
type PaymentResult struct {
	TransactionID    string
	Provider         string
	Status           domain.PaymentStatus
	ElectricityToken string
	FailureReason    string
	Details          map[string]any
}

// WalletPayment describes a wallet debit for an order.
type WalletPayment struct {
	UserID       string
	OrderID      string
	Reference    string
	ServiceType  domain.ServiceType
	ProductType  string
	Amount       decimal.Decimal
	ServiceFee   decimal.Decimal
	VATRate      decimal.Decimal
	PetroleumTax decimal.Decimal
	VoucherCode  string
	Charge       decimal.Decimal
}

// CreateOrderCommand is a validated order placement request.
type CreateOrderCommand struct {
	UserID            string
	UserRole          string
	ServiceID         string
	DeliveryAddressID string
	Quantity          decimal.Decimal
	PaymentMethod     domain.PaymentMethod
	VoucherCode       string
	Card              *CardDetails
	Bill              *BillDetails
}

// OrderPlacement is the created order and the outcome of its payment.
type OrderPlacement struct {
	Order   domain.ServiceOrder
	Payment PaymentResult
}

// OrderActionCommand drives a single transition on an order.
type OrderActionCommand struct {
	OrderID string
	Actor   Actor
	Notes   string
}

// AssignAgentCommand assigns a delivery agent to an order.
type AssignAgentCommand struct {
	OrderActionCommand
	AgentID string
}

// CompleteDeliveryCommand closes an order at the delivery point.
type CompleteDeliveryCommand struct {
	OrderActionCommand
	ConfirmationCode string
	DisputeReason    string
}

// OrderListFilter narrows order listings.
type OrderListFilter struct {
	Status     []domain.OrderStatus
	Pagination domain.Pagination
}

// DailyRevenueQuery reads a service's rollup between two UTC days inclusive.
type DailyRevenueQuery struct {
	ServiceID string
	Actor     Actor
	From      time.Time
	To        time.Time
}

// RateOrderCommand rates a delivered order.
type RateOrderCommand struct {
	OrderID string
	Actor   Actor
	Rating  int
	Comment string
}

// ReviewResult is the stored review with the service aggregate after it.
type ReviewResult struct {
	Review  domain.OrderReview
	Summary repositories.RatingSummary
}

// SweepReport counts what one reconciliation pass did.
type SweepReport struct {
	Scanned int
	Settled int
	Failed  int
	Pending int
	Errors  int
}
