package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Pagination defines standard cursor-based paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// CursorPage packages list results with an encoded next token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

// GeoPoint is a WGS84 coordinate pair.
type GeoPoint struct {
	Latitude  float64
	Longitude float64
}

// ServiceType identifies the commodity or utility a service sells.
type ServiceType string

const (
	ServiceTypePetrol      ServiceType = "petrol"
	ServiceTypeDiesel      ServiceType = "diesel"
	ServiceTypeKerosene    ServiceType = "kerosene"
	ServiceTypeGas         ServiceType = "gas"
	ServiceTypeEVCharging  ServiceType = "ev_charging"
	ServiceTypeSolar       ServiceType = "solar"
	ServiceTypeElectricity ServiceType = "electricity"
)

// IsPetroleum reports whether the petroleum tax applies to orders of this type.
func (t ServiceType) IsPetroleum() bool {
	return t == ServiceTypePetrol || t == ServiceTypeDiesel
}

// IsPhysicalFuel reports whether the listing ships a physical fuel that needs handling licences and vehicles.
func (t ServiceType) IsPhysicalFuel() bool {
	switch t {
	case ServiceTypePetrol, ServiceTypeDiesel, ServiceTypeKerosene, ServiceTypeGas:
		return true
	default:
		return false
	}
}

// ServiceStatus tracks the lifecycle of a listing, independent from order status.
type ServiceStatus string

const (
	ServiceStatusPendingReview ServiceStatus = "PENDING_REVIEW"
	ServiceStatusApproved      ServiceStatus = "APPROVED"
	ServiceStatusActive        ServiceStatus = "ACTIVE"
	ServiceStatusSuspended     ServiceStatus = "SUSPENDED"
	ServiceStatusRejected      ServiceStatus = "REJECTED"
)

// Service is a vendor-offered sellable unit.
type Service struct {
	ID              string
	ProviderID      string
	Name            string
	Type            ServiceType
	ProductType     string
	PricePerUnit    decimal.Decimal
	DeliveryCost    decimal.Decimal
	BaseDeliveryFee decimal.Decimal
	RadiusKm        float64
	Location        *GeoPoint
	Status          ServiceStatus
	IsActive        bool
	AvgRating       float64
	RatingCount     int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Orderable reports whether customers may discover and order the service.
func (s Service) Orderable() bool {
	if !s.IsActive {
		return false
	}
	return s.Status == ServiceStatusActive || s.Status == ServiceStatusApproved
}

// Address is a customer delivery address.
type Address struct {
	ID        string
	UserID    string
	Label     string
	Line1     string
	City      string
	State     string
	Location  *GeoPoint
	CreatedAt time.Time
	UpdatedAt time.Time
}

// OrderStatus enumerates the fulfilment states of a service order.
type OrderStatus string

const (
	OrderStatusPending        OrderStatus = "PENDING"
	OrderStatusProcessing     OrderStatus = "PROCESSING"
	OrderStatusAgentAssigned  OrderStatus = "AGENT_ASSIGNED"
	OrderStatusOutForDelivery OrderStatus = "OUT_FOR_DELIVERY"
	OrderStatusDelivered      OrderStatus = "DELIVERED"
	OrderStatusRejected       OrderStatus = "REJECTED"
	OrderStatusCancelled      OrderStatus = "CANCELLED"
)

// PaymentStatus is tracked separately from OrderStatus.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "PENDING"
	PaymentStatusCompleted PaymentStatus = "COMPLETED"
	PaymentStatusFailed    PaymentStatus = "FAILED"
	PaymentStatusRefunded  PaymentStatus = "REFUNDED"
)

// PaymentMethod enumerates how a customer pays for an order.
type PaymentMethod string

const (
	PaymentMethodWallet         PaymentMethod = "WALLET"
	PaymentMethodPayOnDelivery  PaymentMethod = "PAY_ON_DELIVERY"
	PaymentMethodCard           PaymentMethod = "CARD"
	PaymentMethodBankTransfer   PaymentMethod = "BANK_TRANSFER"
	PaymentMethodVirtualAccount PaymentMethod = "VIRTUAL_ACCOUNT"
)

// IsGateway reports whether the method is settled through an external payment gateway.
func (m PaymentMethod) IsGateway() bool {
	return m != PaymentMethodWallet && m != PaymentMethodPayOnDelivery && m != ""
}

// ServiceOrder represents one customer order against one service.
type ServiceOrder struct {
	ID                string
	UserID            string
	DeliveryAddressID string
	ServiceID         string
	ProviderID        string
	ServiceType       ServiceType
	OrderQuantity     decimal.Decimal
	CustomerReference string
	ServiceSubtotal   decimal.Decimal
	ServiceFee        decimal.Decimal
	DeliveryFee       decimal.Decimal
	AdditionalFee     decimal.Decimal
	PetroleumTax      decimal.Decimal
	DiscountAmount    decimal.Decimal
	VAT               decimal.Decimal
	AmountDue         decimal.Decimal
	PaymentMethod     PaymentMethod
	PaymentStatus     PaymentStatus
	Status            OrderStatus
	ConfirmationCode  string
	VoucherID         *string
	DeliveryDistance  float64
	ElectricityToken  *string
	PaymentIntentID   string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// OrderStatusHistory is an immutable audit row written for each status transition.
type OrderStatusHistory struct {
	ID             string
	ServiceOrderID string
	Status         OrderStatus
	UpdatedBy      string
	Notes          string
	CreatedAt      time.Time
}

// VoucherType determines how the discount value is interpreted.
type VoucherType string

const (
	VoucherTypeFixed      VoucherType = "FIXED"
	VoucherTypePercentage VoucherType = "PERCENTAGE"
)

// Voucher is a discount code.
type Voucher struct {
	ID               string
	Code             string
	Type             VoucherType
	Discount         decimal.Decimal
	MaxUses          *int
	MaxUsesPerUser   *int
	ValidFrom        *time.Time
	ValidUntil       *time.Time
	IsActive         bool
	RoleRestrictions []string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// VoucherUsage records one redemption of a voucher against an order.
type VoucherUsage struct {
	ID             string
	VoucherID      string
	UserID         string
	OrderID        string
	DiscountAmount decimal.Decimal
	UsedAt         time.Time
}

// AdminSettings holds platform-wide pricing configuration. Unset values are invalid NullDecimals.
type AdminSettings struct {
	DefaultServiceCharge    decimal.NullDecimal
	DefaultVATRate          decimal.NullDecimal
	DefaultPetroleumTaxRate decimal.NullDecimal
	PaymentMethods          map[PaymentMethod]bool
	UpdatedAt               time.Time
}

// DisputeStatus tracks resolution of a delivery dispute.
type DisputeStatus string

const (
	DisputeStatusOpen     DisputeStatus = "OPEN"
	DisputeStatusResolved DisputeStatus = "RESOLVED"
)

// Dispute is raised when a delivery is completed with a dispute reason.
type Dispute struct {
	ID             string
	ServiceOrderID string
	RaisedBy       string
	Reason         string
	Status         DisputeStatus
	CreatedAt      time.Time
}

// ServiceRevenue is the daily revenue rollup for a service.
type ServiceRevenue struct {
	ServiceID    string
	Date         string
	TotalOrders  int64
	TotalRevenue decimal.Decimal
	DeliveryFees decimal.Decimal
	UpdatedAt    time.Time
}

// OrderReview is a customer rating of a delivered order.
type OrderReview struct {
	ID             string
	ServiceOrderID string
	ServiceID      string
	UserID         string
	Rating         int
	Comment        string
	CreatedAt      time.Time
}

// Wallet holds a customer's stored balance.
type Wallet struct {
	UserID    string
	Balance   decimal.Decimal
	Currency  string
	UpdatedAt time.Time
}

// WalletTransactionType classifies ledger entries.
type WalletTransactionType string

const (
	WalletTransactionDebit  WalletTransactionType = "DEBIT"
	WalletTransactionRefund WalletTransactionType = "REFUND"
	WalletTransactionTopUp  WalletTransactionType = "TOP_UP"
)

// WalletTransactionStatus reports the outcome of a wallet operation.
type WalletTransactionStatus string

const (
	WalletTransactionCompleted WalletTransactionStatus = "COMPLETED"
	WalletTransactionFailed    WalletTransactionStatus = "FAILED"
)

// WalletTransaction is an immutable wallet ledger entry.
type WalletTransaction struct {
	ID          string
	UserID      string
	OrderID     string
	Type        WalletTransactionType
	Status      WalletTransactionStatus
	Amount      decimal.Decimal
	Reference   string
	Description string
	Metadata    map[string]string
	CreatedAt   time.Time
}

// PaymentIntentStatus tracks the outbox record for an external payment call.
type PaymentIntentStatus string

const (
	PaymentIntentPending    PaymentIntentStatus = "PENDING"
	PaymentIntentDispatched PaymentIntentStatus = "DISPATCHED"
	PaymentIntentSucceeded  PaymentIntentStatus = "SUCCEEDED"
	PaymentIntentFailed     PaymentIntentStatus = "FAILED"
	// PaymentIntentRefundPending marks a payment that settled after its order was closed and still
	// has to be returned to the customer.
	PaymentIntentRefundPending PaymentIntentStatus = "REFUND_PENDING"
	PaymentIntentRefunded      PaymentIntentStatus = "REFUNDED"
)

// Terminal reports whether the intent has been reconciled.
func (s PaymentIntentStatus) Terminal() bool {
	return s == PaymentIntentSucceeded || s == PaymentIntentFailed || s == PaymentIntentRefunded
}

// PaymentChannel identifies the collaborator an intent is dispatched to.
type PaymentChannel string

const (
	PaymentChannelWallet  PaymentChannel = "wallet"
	PaymentChannelGateway PaymentChannel = "gateway"
	PaymentChannelBill    PaymentChannel = "bill"
)

// PaymentIntent is persisted with the order and reconciled after the external payment call.
type PaymentIntent struct {
	ID           string
	OrderID      string
	UserID       string
	Method       PaymentMethod
	Channel      PaymentChannel
	ServiceType  ServiceType
	Amount       decimal.Decimal
	Status       PaymentIntentStatus
	Provider     string
	ProviderRef  string
	Attempts     int
	LastError    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	DispatchedAt *time.Time
	ReconciledAt *time.Time
}
