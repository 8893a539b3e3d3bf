package services

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"slices"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/quicrefill/api/internal/domain"
	"github.com/quicrefill/api/internal/platform/pagination"
	"github.com/quicrefill/api/internal/repositories"
)

const (
	orderIDPrefix     = "ord_"
	historyIDPrefix   = "osh_"
	intentIDPrefix    = "pi_"
	usageIDPrefix     = "vu_"
	disputeIDPrefix   = "dsp_"
	eventIDPrefix     = "evt_"
	referencePrefix   = "QR-"
	systemActor       = "system"
	confirmationRange = 10000
)

var orderTransitions = map[domain.OrderStatus][]domain.OrderStatus{
	domain.OrderStatusPending:        {domain.OrderStatusProcessing, domain.OrderStatusRejected, domain.OrderStatusCancelled},
	domain.OrderStatusProcessing:     {domain.OrderStatusAgentAssigned, domain.OrderStatusOutForDelivery, domain.OrderStatusRejected, domain.OrderStatusCancelled},
	domain.OrderStatusAgentAssigned:  {domain.OrderStatusOutForDelivery},
	domain.OrderStatusOutForDelivery: {domain.OrderStatusDelivered},
}

// CanTransition reports whether an order may move from one status to another.
func CanTransition(from, to domain.OrderStatus) bool {
	return slices.Contains(orderTransitions[from], to)
}

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders        repositories.OrderRepository
	Intents       repositories.PaymentIntentRepository
	Pricing       PricingEngine
	Payments      PaymentDispatcher
	Wallet        WalletService
	Revenue       RevenueService
	Notifier      *Notifier
	Clock         func() time.Time
	IDGenerator   func() string
	CodeGenerator func() string
	Logger        func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders   repositories.OrderRepository
	intents  repositories.PaymentIntentRepository
	pricing  PricingEngine
	payments PaymentDispatcher
	wallet   WalletService
	revenue  RevenueService
	notifier *Notifier
	clock    func() time.Time
	newID    func() string
	newCode  func() string
	logger   func(context.Context, string, map[string]any)
}

var _ OrderService = (*orderService)(nil)

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	switch {
	case deps.Orders == nil:
		return nil, errors.New("order service: order repository is required")
	case deps.Intents == nil:
		return nil, errors.New("order service: payment intent repository is required")
	case deps.Pricing == nil:
		return nil, errors.New("order service: pricing engine is required")
	case deps.Payments == nil:
		return nil, errors.New("order service: payment dispatcher is required")
	case deps.Wallet == nil:
		return nil, errors.New("order service: wallet service is required")
	case deps.Revenue == nil:
		return nil, errors.New("order service: revenue service is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	codeGen := deps.CodeGenerator
	if codeGen == nil {
		codeGen = randomConfirmationCode
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &orderService{
		orders:   deps.Orders,
		intents:  deps.Intents,
		pricing:  deps.Pricing,
		payments: deps.Payments,
		wallet:   deps.Wallet,
		revenue:  deps.Revenue,
		notifier: deps.Notifier,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:   idGen,
		newCode: codeGen,
		logger:  logger,
	}, nil
}

func (s *orderService) Create(ctx context.Context, cmd CreateOrderCommand) (OrderPlacement, error) {
	if strings.TrimSpace(cmd.UserID) == "" {
		return OrderPlacement{}, fmt.Errorf("%w: user is required", ErrUnauthorized)
	}
	if cmd.ServiceID == "" || cmd.DeliveryAddressID == "" || cmd.PaymentMethod == "" {
		return OrderPlacement{}, fmt.Errorf("%w: serviceId, deliveryAddressId and paymentMethod are required", ErrMissingFields)
	}
	if !cmd.Quantity.IsPositive() {
		return OrderPlacement{}, fmt.Errorf("%w: quantity must be positive", ErrInvalidInput)
	}

	quote, err := s.pricing.Calculate(ctx, QuoteCommand{
		ServiceID:   cmd.ServiceID,
		AddressID:   cmd.DeliveryAddressID,
		Quantity:    cmd.Quantity,
		VoucherCode: cmd.VoucherCode,
		UserID:      cmd.UserID,
		UserRole:    cmd.UserRole,
	})
	if err != nil {
		return OrderPlacement{}, err
	}
	if quote.Address.UserID != "" && quote.Address.UserID != cmd.UserID {
		return OrderPlacement{}, fmt.Errorf("%w: delivery address belongs to another user", ErrUnauthorized)
	}

	now := s.clock()
	breakdown := quote.Breakdown
	order := domain.ServiceOrder{
		ID:                orderIDPrefix + s.newID(),
		UserID:            cmd.UserID,
		DeliveryAddressID: cmd.DeliveryAddressID,
		ServiceID:         quote.Service.ID,
		ProviderID:        quote.Service.ProviderID,
		ServiceType:       quote.Service.Type,
		OrderQuantity:     cmd.Quantity,
		CustomerReference: referencePrefix + s.newID(),
		ServiceSubtotal:   breakdown.ServiceSubtotal,
		ServiceFee:        breakdown.ServiceFee,
		DeliveryFee:       breakdown.DeliveryFee,
		AdditionalFee:     breakdown.AdditionalFee,
		PetroleumTax:      breakdown.PetroleumTax,
		DiscountAmount:    breakdown.DiscountAmount,
		VAT:               breakdown.VATAmount,
		AmountDue:         breakdown.TotalAmount,
		PaymentMethod:     cmd.PaymentMethod,
		PaymentStatus:     domain.PaymentStatusPending,
		Status:            domain.OrderStatusPending,
		ConfirmationCode:  s.newCode(),
		DeliveryDistance:  quote.Availability.Distance.Km,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	request := PaymentRequest{
		OrderID:     order.ID,
		UserID:      order.UserID,
		Method:      cmd.PaymentMethod,
		ServiceType: quote.Service.Type,
		ProductType: quote.Service.ProductType,
		Breakdown:   breakdown,
		Card:        cmd.Card,
		Bill:        cmd.Bill,
	}
	if err := s.payments.Preflight(quote.Settings, request); err != nil {
		return OrderPlacement{}, err
	}

	creation := repositories.OrderCreation{
		History: s.historyRow(order.ID, domain.OrderStatusPending, cmd.UserID, "order placed", now),
	}
	var intent *domain.PaymentIntent
	if channel, ok := ChannelFor(cmd.PaymentMethod, quote.Service.Type); ok {
		intent = &domain.PaymentIntent{
			ID:          intentIDPrefix + s.newID(),
			OrderID:     order.ID,
			UserID:      order.UserID,
			Method:      cmd.PaymentMethod,
			Channel:     channel,
			ServiceType: order.ServiceType,
			Amount:      order.AmountDue,
			Status:      domain.PaymentIntentPending,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		order.PaymentIntentID = intent.ID
		request.IntentID = intent.ID
		creation.Intent = intent
	}
	if quote.Voucher != nil {
		voucherID := quote.Voucher.ID
		order.VoucherID = &voucherID
		request.VoucherCode = quote.Voucher.Code
		creation.Voucher = &repositories.VoucherRedemption{
			Usage: domain.VoucherUsage{
				ID:             usageIDPrefix + s.newID(),
				VoucherID:      voucherID,
				UserID:         order.UserID,
				OrderID:        order.ID,
				DiscountAmount: breakdown.DiscountAmount,
				UsedAt:         now,
			},
			MaxUses:        quote.Voucher.MaxUses,
			MaxUsesPerUser: quote.Voucher.MaxUsesPerUser,
		}
	}
	creation.Order = order

	if err := s.orders.Create(ctx, creation); err != nil {
		var orderErr *repositories.OrderError
		if errors.As(err, &orderErr) && orderErr.Code == repositories.OrderErrorVoucherExhausted {
			return OrderPlacement{}, fmt.Errorf("%w: %s", ErrVoucherExhausted, orderErr.Message)
		}
		s.logger(ctx, "order.create.failed", map[string]any{"orderId": order.ID, "error": err.Error()})
		return OrderPlacement{}, fmt.Errorf("%w: %v", ErrOrderCreationFailed, err)
	}
	s.logger(ctx, "order.created", map[string]any{
		"orderId":   order.ID,
		"serviceId": order.ServiceID,
		"method":    string(order.PaymentMethod),
		"amountDue": order.AmountDue.String(),
	})
	s.notify(ctx, order, NotificationOrderCreated, "")

	placement := OrderPlacement{Order: order, Payment: PaymentResult{Status: domain.PaymentStatusPending}}
	if intent == nil {
		return placement, nil
	}

	result, err := s.payments.Dispatch(ctx, request)
	if err != nil {
		s.recordDispatch(ctx, intent.ID, repositories.IntentDispatch{LastError: err.Error(), At: s.clock()})
		return placement, wrapUnexpected(err, ErrPaymentProcessingFailed)
	}
	s.recordDispatch(ctx, intent.ID, repositories.IntentDispatch{
		Provider:    result.Provider,
		ProviderRef: result.TransactionID,
		At:          s.clock(),
	})
	placement.Payment = result

	reconciled, err := s.ReconcilePayment(ctx, intent.ID, result)
	if err != nil {
		// The intent stays open and the sweep settles it.
		s.logger(ctx, "order.payment.reconcile.failed", map[string]any{
			"orderId": order.ID,
			"intent":  intent.ID,
			"error":   err.Error(),
		})
		return placement, nil
	}
	placement.Order = reconciled
	return placement, nil
}

func (s *orderService) ReconcilePayment(ctx context.Context, intentID string, result PaymentResult) (domain.ServiceOrder, error) {
	if strings.TrimSpace(intentID) == "" {
		return domain.ServiceOrder{}, fmt.Errorf("%w: payment intent id is required", ErrMissingFields)
	}
	stored, err := s.intents.FindByID(ctx, intentID)
	if err != nil {
		return domain.ServiceOrder{}, mapRepositoryError(err, ErrOrderNotFound)
	}

	now := s.clock()
	history := s.historyRow(stored.OrderID, domain.OrderStatusProcessing, systemActor, "payment confirmed", now)
	var notification string
	var lateSettlement bool
	var pendingRefund *domain.PaymentIntent

	order, err := s.orders.Mutate(ctx, stored.OrderID, func(order domain.ServiceOrder, intent *domain.PaymentIntent) (repositories.OrderMutation, error) {
		notification, lateSettlement, pendingRefund = "", false, nil
		if intent == nil || intent.ID != intentID {
			return repositories.OrderMutation{}, fmt.Errorf("%w: intent %s is not attached to order %s", ErrInvalidInput, intentID, order.ID)
		}
		if intent.Status.Terminal() {
			return repositories.OrderMutation{}, nil
		}

		updated := *intent
		updated.UpdatedAt = now
		if result.Provider != "" {
			updated.Provider = result.Provider
		}
		if result.TransactionID != "" {
			updated.ProviderRef = result.TransactionID
		}

		switch result.Status {
		case domain.PaymentStatusCompleted:
			updated.Status = domain.PaymentIntentSucceeded
			updated.LastError = ""
			updated.ReconciledAt = &now
			mutation := repositories.OrderMutation{PaymentStatus: domain.PaymentStatusCompleted, Intent: &updated}
			if token := strings.TrimSpace(result.ElectricityToken); token != "" {
				mutation.ElectricityToken = &token
			}
			switch order.Status {
			case domain.OrderStatusPending:
				mutation.Status = domain.OrderStatusProcessing
				mutation.History = history
				increment := s.revenue.Increment(order, now)
				mutation.Revenue = &increment
			case domain.OrderStatusCancelled, domain.OrderStatusRejected:
				// The order closed before the money arrived, so the payment goes straight back.
				lateSettlement = true
				notification = NotificationOrderRefunded
				if updated.Channel == domain.PaymentChannelWallet {
					credit := s.wallet.RefundEntry(order, now)
					mutation.WalletCredit = &credit
					mutation.PaymentStatus = domain.PaymentStatusRefunded
					updated.Status = domain.PaymentIntentRefunded
					return mutation, nil
				}
				updated.Status = domain.PaymentIntentRefundPending
				updated.ReconciledAt = nil
				refund := updated
				pendingRefund = &refund
				return mutation, nil
			}
			notification = NotificationOrderPaid
			return mutation, nil
		case domain.PaymentStatusFailed:
			updated.Status = domain.PaymentIntentFailed
			updated.LastError = result.FailureReason
			updated.ReconciledAt = &now
			notification = NotificationOrderPaymentFailed
			return repositories.OrderMutation{PaymentStatus: domain.PaymentStatusFailed, Intent: &updated}, nil
		default:
			return repositories.OrderMutation{}, nil
		}
	})
	if err != nil {
		return domain.ServiceOrder{}, mapOrderError(err, ErrPaymentProcessingFailed)
	}

	if lateSettlement {
		s.logger(ctx, "order.payment.settled_after_close.warn", map[string]any{
			"orderId": order.ID,
			"intent":  intentID,
			"status":  string(order.Status),
		})
	}
	if pendingRefund != nil {
		refunded, err := s.refundClosedOrder(ctx, order, *pendingRefund)
		if err != nil {
			return order, err
		}
		order = refunded
	}
	if notification != "" {
		s.logger(ctx, "order.payment.reconciled", map[string]any{
			"orderId":       order.ID,
			"intent":        intentID,
			"paymentStatus": string(order.PaymentStatus),
		})
		s.notify(ctx, order, notification, result.FailureReason)
	}
	return order, nil
}

func (s *orderService) Approve(ctx context.Context, cmd OrderActionCommand) (domain.ServiceOrder, error) {
	notes := firstNonEmpty(cmd.Notes, "approved by provider")
	return s.providerTransition(ctx, cmd, domain.OrderStatusProcessing, notes, NotificationOrderApproved,
		func(order domain.ServiceOrder, _ *domain.PaymentIntent, _ *repositories.OrderMutation) error {
			if order.PaymentMethod != domain.PaymentMethodPayOnDelivery && order.PaymentStatus != domain.PaymentStatusCompleted {
				return fmt.Errorf("%w: payment for order %s is %s", ErrInvalidOrderStatus, order.ID, order.PaymentStatus)
			}
			return nil
		})
}

func (s *orderService) Reject(ctx context.Context, cmd OrderActionCommand) (domain.ServiceOrder, error) {
	if strings.TrimSpace(cmd.Notes) == "" {
		return domain.ServiceOrder{}, fmt.Errorf("%w: a rejection reason is required", ErrMissingFields)
	}
	if err := requireRole(cmd.Actor, RoleProvider); err != nil {
		return domain.ServiceOrder{}, err
	}
	return s.closeOrder(ctx, cmd, domain.OrderStatusRejected, cmd.Notes, NotificationOrderRejected, ownsAsProvider)
}

func (s *orderService) AssignAgent(ctx context.Context, cmd AssignAgentCommand) (domain.ServiceOrder, error) {
	agentID := strings.TrimSpace(cmd.AgentID)
	if agentID == "" {
		return domain.ServiceOrder{}, fmt.Errorf("%w: agent id is required", ErrMissingFields)
	}
	notes := "agent " + agentID + " assigned"
	if extra := strings.TrimSpace(cmd.Notes); extra != "" {
		notes += ": " + extra
	}
	return s.providerTransition(ctx, cmd.OrderActionCommand, domain.OrderStatusAgentAssigned, notes, NotificationOrderAgentAssigned, nil)
}

func (s *orderService) MarkOutForDelivery(ctx context.Context, cmd OrderActionCommand) (domain.ServiceOrder, error) {
	notes := firstNonEmpty(cmd.Notes, "out for delivery")
	return s.providerTransition(ctx, cmd, domain.OrderStatusOutForDelivery, notes, NotificationOrderOutForDelivery, nil)
}

func (s *orderService) CompleteDelivery(ctx context.Context, cmd CompleteDeliveryCommand) (domain.ServiceOrder, error) {
	code := strings.TrimSpace(cmd.ConfirmationCode)
	if code == "" {
		return domain.ServiceOrder{}, fmt.Errorf("%w: confirmation code is required", ErrMissingFields)
	}
	reason := strings.TrimSpace(cmd.DisputeReason)
	disputeID := disputeIDPrefix + s.newID()
	now := s.clock()

	notes := firstNonEmpty(cmd.Notes, "delivered")
	notification := NotificationOrderDelivered
	if reason != "" {
		notes = "delivered with dispute: " + reason
		notification = NotificationOrderDisputed
	}

	return s.providerTransition(ctx, cmd.OrderActionCommand, domain.OrderStatusDelivered, notes, notification,
		func(order domain.ServiceOrder, _ *domain.PaymentIntent, m *repositories.OrderMutation) error {
			if subtle.ConstantTimeCompare([]byte(order.ConfirmationCode), []byte(code)) != 1 {
				return ErrInvalidConfirmationCode
			}
			if reason != "" {
				m.Dispute = &domain.Dispute{
					ID:             disputeID,
					ServiceOrderID: order.ID,
					RaisedBy:       cmd.Actor.ID,
					Reason:         reason,
					Status:         domain.DisputeStatusOpen,
					CreatedAt:      now,
				}
				return nil
			}
			if order.PaymentMethod == domain.PaymentMethodPayOnDelivery && order.PaymentStatus != domain.PaymentStatusCompleted {
				m.PaymentStatus = domain.PaymentStatusCompleted
				increment := s.revenue.Increment(order, now)
				m.Revenue = &increment
			}
			return nil
		})
}

func (s *orderService) Cancel(ctx context.Context, cmd OrderActionCommand) (domain.ServiceOrder, error) {
	if err := requireRole(cmd.Actor, RoleCustomer); err != nil {
		return domain.ServiceOrder{}, err
	}
	notes := firstNonEmpty(cmd.Notes, "cancelled by customer")
	return s.closeOrder(ctx, cmd, domain.OrderStatusCancelled, notes, NotificationOrderCancelled, ownsAsCustomer)
}

func (s *orderService) Get(ctx context.Context, orderID string, actor Actor) (domain.ServiceOrder, error) {
	if strings.TrimSpace(orderID) == "" {
		return domain.ServiceOrder{}, fmt.Errorf("%w: order id is required", ErrMissingFields)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return domain.ServiceOrder{}, mapOrderError(err, nil)
	}
	if !ownsAsCustomer(order, actor) && !ownsAsProvider(order, actor) {
		return domain.ServiceOrder{}, fmt.Errorf("%w: order %s", ErrUnauthorized, orderID)
	}
	return redactFor(order, actor), nil
}

func (s *orderService) History(ctx context.Context, orderID string, actor Actor) ([]domain.OrderStatusHistory, error) {
	if _, err := s.Get(ctx, orderID, actor); err != nil {
		return nil, err
	}
	history, err := s.orders.History(ctx, orderID)
	if err != nil {
		return nil, mapOrderError(err, nil)
	}
	return history, nil
}

func (s *orderService) ListForCustomer(ctx context.Context, userID string, filter OrderListFilter) (domain.CursorPage[domain.ServiceOrder], error) {
	if strings.TrimSpace(userID) == "" {
		return domain.CursorPage[domain.ServiceOrder]{}, fmt.Errorf("%w: user is required", ErrUnauthorized)
	}
	page, err := s.orders.ListByCustomer(ctx, userID, repositories.OrderListFilter(filter))
	if err != nil {
		return domain.CursorPage[domain.ServiceOrder]{}, mapListError(err)
	}
	return page, nil
}

func (s *orderService) ListForProvider(ctx context.Context, providerID string, filter OrderListFilter) (domain.CursorPage[domain.ServiceOrder], error) {
	if strings.TrimSpace(providerID) == "" {
		return domain.CursorPage[domain.ServiceOrder]{}, fmt.Errorf("%w: provider is required", ErrUnauthorized)
	}
	page, err := s.orders.ListByProvider(ctx, providerID, repositories.OrderListFilter(filter))
	if err != nil {
		return domain.CursorPage[domain.ServiceOrder]{}, mapListError(err)
	}
	actor := Actor{ID: providerID, Role: RoleProvider}
	for i := range page.Items {
		page.Items[i] = redactFor(page.Items[i], actor)
	}
	return page, nil
}

type mutationDecorator func(order domain.ServiceOrder, intent *domain.PaymentIntent, m *repositories.OrderMutation) error

func (s *orderService) providerTransition(ctx context.Context, cmd OrderActionCommand, target domain.OrderStatus, notes, notification string, decorate mutationDecorator) (domain.ServiceOrder, error) {
	if strings.TrimSpace(cmd.OrderID) == "" {
		return domain.ServiceOrder{}, fmt.Errorf("%w: order id is required", ErrMissingFields)
	}
	if err := requireRole(cmd.Actor, RoleProvider); err != nil {
		return domain.ServiceOrder{}, err
	}

	now := s.clock()
	history := s.historyRow(cmd.OrderID, target, cmd.Actor.ID, notes, now)
	order, err := s.orders.Mutate(ctx, cmd.OrderID, func(order domain.ServiceOrder, intent *domain.PaymentIntent) (repositories.OrderMutation, error) {
		if !ownsAsProvider(order, cmd.Actor) {
			return repositories.OrderMutation{}, fmt.Errorf("%w: order %s belongs to another provider", ErrUnauthorized, order.ID)
		}
		if !CanTransition(order.Status, target) {
			return repositories.OrderMutation{}, fmt.Errorf("%w: %s to %s", ErrInvalidOrderStatus, order.Status, target)
		}
		mutation := repositories.OrderMutation{Status: target, History: history}
		if decorate != nil {
			if err := decorate(order, intent, &mutation); err != nil {
				return repositories.OrderMutation{}, err
			}
		}
		return mutation, nil
	})
	if err != nil {
		return domain.ServiceOrder{}, mapOrderError(err, nil)
	}

	s.logger(ctx, "order.status.changed", map[string]any{
		"orderId": order.ID,
		"status":  string(order.Status),
		"actor":   cmd.Actor.ID,
	})
	s.notify(ctx, order, notification, notes)
	return redactFor(order, cmd.Actor), nil
}

// closeOrder moves an order to a terminal exit, refunding a settled payment. Gateway refunds are issued
// before the transaction; wallet refunds are credited inside it. An open gateway payment is voided
// after the commit.
func (s *orderService) closeOrder(ctx context.Context, cmd OrderActionCommand, target domain.OrderStatus, notes, notification string, owns func(domain.ServiceOrder, Actor) bool) (domain.ServiceOrder, error) {
	if strings.TrimSpace(cmd.OrderID) == "" {
		return domain.ServiceOrder{}, fmt.Errorf("%w: order id is required", ErrMissingFields)
	}
	current, err := s.orders.FindByID(ctx, cmd.OrderID)
	if err != nil {
		return domain.ServiceOrder{}, mapOrderError(err, nil)
	}
	if !owns(current, cmd.Actor) {
		return domain.ServiceOrder{}, fmt.Errorf("%w: order %s", ErrUnauthorized, cmd.OrderID)
	}
	if !CanTransition(current.Status, target) {
		return domain.ServiceOrder{}, fmt.Errorf("%w: %s to %s", ErrInvalidOrderStatus, current.Status, target)
	}

	gatewayRefunded := false
	if current.PaymentStatus == domain.PaymentStatusCompleted && current.PaymentMethod.IsGateway() {
		intent, err := s.intents.FindByID(ctx, current.PaymentIntentID)
		if err != nil {
			return domain.ServiceOrder{}, fmt.Errorf("%w: load payment intent: %v", ErrOrderCancellationFailed, err)
		}
		if err := s.payments.Refund(ctx, current, intent); err != nil {
			s.logger(ctx, "order.refund.failed", map[string]any{"orderId": current.ID, "error": err.Error()})
			return domain.ServiceOrder{}, fmt.Errorf("%w: %v", ErrOrderCancellationFailed, err)
		}
		gatewayRefunded = true
	}

	now := s.clock()
	history := s.historyRow(current.ID, target, cmd.Actor.ID, notes, now)
	var openIntent *domain.PaymentIntent
	order, err := s.orders.Mutate(ctx, current.ID, func(order domain.ServiceOrder, intent *domain.PaymentIntent) (repositories.OrderMutation, error) {
		openIntent = nil
		if !owns(order, cmd.Actor) {
			return repositories.OrderMutation{}, fmt.Errorf("%w: order %s", ErrUnauthorized, order.ID)
		}
		if !CanTransition(order.Status, target) {
			return repositories.OrderMutation{}, fmt.Errorf("%w: %s to %s", ErrInvalidOrderStatus, order.Status, target)
		}
		mutation := repositories.OrderMutation{Status: target, History: history}
		if order.PaymentStatus != domain.PaymentStatusCompleted {
			if intent != nil && !intent.Status.Terminal() && intent.Channel != domain.PaymentChannelWallet && intent.ProviderRef != "" {
				open := *intent
				openIntent = &open
			}
			return mutation, nil
		}
		switch {
		case order.PaymentMethod == domain.PaymentMethodWallet:
			credit := s.wallet.RefundEntry(order, now)
			mutation.WalletCredit = &credit
			mutation.PaymentStatus = domain.PaymentStatusRefunded
		case gatewayRefunded:
			mutation.PaymentStatus = domain.PaymentStatusRefunded
		case order.PaymentMethod.IsGateway():
			return repositories.OrderMutation{}, fmt.Errorf("%w: payment settled while closing, retry", ErrOrderCancellationFailed)
		}
		return mutation, nil
	})
	if err != nil {
		if gatewayRefunded {
			s.logger(ctx, "order.refund.orphaned.error", map[string]any{"orderId": current.ID, "error": err.Error()})
		}
		if target == domain.OrderStatusCancelled {
			return domain.ServiceOrder{}, mapOrderError(err, ErrOrderCancellationFailed)
		}
		return domain.ServiceOrder{}, mapOrderError(err, nil)
	}

	s.logger(ctx, "order.status.changed", map[string]any{
		"orderId":       order.ID,
		"status":        string(order.Status),
		"paymentStatus": string(order.PaymentStatus),
		"actor":         cmd.Actor.ID,
	})
	s.notify(ctx, order, notification, notes)
	if openIntent != nil {
		order = s.voidOpenPayment(ctx, order, *openIntent)
	}
	return redactFor(order, cmd.Actor), nil
}

// refundClosedOrder returns a gateway payment that settled after its order was closed. A failed refund
// leaves the intent in REFUND_PENDING for the sweep to retry; the refund is keyed by order so retries
// never pay out twice.
func (s *orderService) refundClosedOrder(ctx context.Context, order domain.ServiceOrder, intent domain.PaymentIntent) (domain.ServiceOrder, error) {
	if err := s.payments.Refund(ctx, order, intent); err != nil {
		s.logger(ctx, "order.payment.late_refund.failed", map[string]any{
			"orderId": order.ID,
			"intent":  intent.ID,
			"error":   err.Error(),
		})
		return order, fmt.Errorf("%w: refund for closed order %s: %v", ErrPaymentProcessingFailed, order.ID, err)
	}

	now := s.clock()
	refunded, err := s.orders.Mutate(ctx, order.ID, func(current domain.ServiceOrder, stored *domain.PaymentIntent) (repositories.OrderMutation, error) {
		if stored == nil || stored.ID != intent.ID || stored.Status != domain.PaymentIntentRefundPending {
			return repositories.OrderMutation{}, nil
		}
		done := *stored
		done.Status = domain.PaymentIntentRefunded
		done.LastError = ""
		done.UpdatedAt = now
		done.ReconciledAt = &now
		return repositories.OrderMutation{PaymentStatus: domain.PaymentStatusRefunded, Intent: &done}, nil
	})
	if err != nil {
		s.logger(ctx, "order.payment.late_refund.record_failed", map[string]any{"orderId": order.ID, "intent": intent.ID, "error": err.Error()})
		return order, mapOrderError(err, ErrPaymentProcessingFailed)
	}
	s.logger(ctx, "order.payment.late_refund", map[string]any{"orderId": order.ID, "intent": intent.ID})
	return refunded, nil
}

// voidOpenPayment stops a gateway payment that was still open when its order closed. When the provider
// reports it already settled, reconciliation refunds it; anything else is left for the sweep.
func (s *orderService) voidOpenPayment(ctx context.Context, order domain.ServiceOrder, intent domain.PaymentIntent) domain.ServiceOrder {
	result, err := s.payments.Void(ctx, intent)
	if err != nil {
		s.logger(ctx, "order.payment.void.failed", map[string]any{"orderId": order.ID, "intent": intent.ID, "error": err.Error()})
		return order
	}
	if result.Status == domain.PaymentStatusPending {
		return order
	}
	reconciled, err := s.ReconcilePayment(ctx, intent.ID, result)
	if err != nil {
		s.logger(ctx, "order.payment.void.reconcile_failed", map[string]any{"orderId": order.ID, "intent": intent.ID, "error": err.Error()})
		return order
	}
	return reconciled
}

func (s *orderService) recordDispatch(ctx context.Context, intentID string, dispatch repositories.IntentDispatch) {
	if err := s.intents.MarkDispatched(ctx, intentID, dispatch); err != nil {
		s.logger(ctx, "order.payment.intent.update.failed", map[string]any{"intent": intentID, "error": err.Error()})
	}
}

func (s *orderService) historyRow(orderID string, status domain.OrderStatus, actor, notes string, at time.Time) domain.OrderStatusHistory {
	return domain.OrderStatusHistory{
		ID:             historyIDPrefix + s.newID(),
		ServiceOrderID: orderID,
		Status:         status,
		UpdatedBy:      actor,
		Notes:          notes,
		CreatedAt:      at,
	}
}

func (s *orderService) notify(ctx context.Context, order domain.ServiceOrder, notificationType, notes string) {
	if s.notifier == nil || notificationType == "" {
		return
	}
	recipients := []string{order.UserID}
	roles := []string{RoleCustomer}
	switch notificationType {
	case NotificationOrderCreated, NotificationOrderPaid, NotificationOrderCancelled, NotificationOrderDisputed:
		recipients = append(recipients, order.ProviderID)
		roles = append(roles, RoleProvider)
	}
	s.notifier.Notify(ctx, OrderNotification{
		EventID:          eventIDPrefix + s.newID(),
		Type:             notificationType,
		OrderID:          order.ID,
		ServiceID:        order.ServiceID,
		Status:           order.Status,
		RecipientUserIDs: recipients,
		RecipientRoles:   roles,
		Notes:            notes,
		OccurredAt:       s.clock(),
	})
}

// randomConfirmationCode draws the 4-digit delivery code from crypto/rand; it is the only secret between
// the customer and the provider at the door.
func randomConfirmationCode() string {
	n, err := rand.Int(rand.Reader, big.NewInt(confirmationRange))
	if err != nil {
		panic(fmt.Sprintf("order service: read confirmation code: %v", err))
	}
	return fmt.Sprintf("%04d", n.Int64())
}

func requireRole(actor Actor, role string) error {
	if strings.TrimSpace(actor.ID) == "" {
		return fmt.Errorf("%w: caller is not authenticated", ErrUnauthorized)
	}
	if actor.Role != role && !actor.IsAdmin() {
		return fmt.Errorf("%w: %s role required", ErrForbidden, role)
	}
	return nil
}

func ownsAsCustomer(order domain.ServiceOrder, actor Actor) bool {
	return actor.IsAdmin() || (actor.ID != "" && order.UserID == actor.ID)
}

func ownsAsProvider(order domain.ServiceOrder, actor Actor) bool {
	return actor.IsAdmin() || (actor.ID != "" && order.ProviderID == actor.ID)
}

// redactFor hides the confirmation code from everyone but the customer and admins; the customer reads
// it out to the provider at the door.
func redactFor(order domain.ServiceOrder, actor Actor) domain.ServiceOrder {
	if actor.IsAdmin() || order.UserID == actor.ID {
		return order
	}
	order.ConfirmationCode = ""
	return order
}

func mapOrderError(err error, fallback error) error {
	if isServiceError(err) {
		return err
	}
	mapped := mapRepositoryError(err, ErrOrderNotFound)
	if isServiceError(mapped) || fallback == nil {
		return mapped
	}
	return fmt.Errorf("%w: %v", fallback, err)
}

func mapListError(err error) error {
	if errors.Is(err, pagination.ErrInvalidPageToken) || errors.Is(err, pagination.ErrInvalidPageSize) {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return mapOrderError(err, nil)
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
