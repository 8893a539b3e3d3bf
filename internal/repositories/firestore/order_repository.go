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
	"github.com/quicrefill/api/internal/platform/pagination"
	"github.com/quicrefill/api/internal/repositories"
)

const (
	ordersCollection   = "serviceOrders"
	historyCollection  = "statusHistory"
	disputesCollection = "disputes"

	defaultOrderPageSize = 20
	maxOrderPageSize     = 100
)

type orderDocument struct {
	UserID            string    `firestore:"userId"`
	DeliveryAddressID string    `firestore:"deliveryAddressId"`
	ServiceID         string    `firestore:"serviceId"`
	ProviderID        string    `firestore:"providerId"`
	ServiceType       string    `firestore:"serviceType"`
	OrderQuantity     string    `firestore:"orderQuantity"`
	CustomerReference string    `firestore:"customerReference"`
	ServiceSubtotal   string    `firestore:"serviceSubtotal"`
	ServiceFee        string    `firestore:"serviceFee"`
	DeliveryFee       string    `firestore:"deliveryFee"`
	AdditionalFee     string    `firestore:"additionalFee"`
	PetroleumTax      string    `firestore:"petroleumTax"`
	DiscountAmount    string    `firestore:"discountAmount"`
	VAT               string    `firestore:"vat"`
	AmountDue         string    `firestore:"amountDue"`
	PaymentMethod     string    `firestore:"paymentMethod"`
	PaymentStatus     string    `firestore:"paymentStatus"`
	Status            string    `firestore:"status"`
	ConfirmationCode  string    `firestore:"confirmationCode"`
	VoucherID         *string   `firestore:"voucherId"`
	DeliveryDistance  float64   `firestore:"deliveryDistance"`
	ElectricityToken  *string   `firestore:"electricityToken"`
	PaymentIntentID   string    `firestore:"paymentIntentId,omitempty"`
	CreatedAt         time.Time `firestore:"createdAt"`
	UpdatedAt         time.Time `firestore:"updatedAt"`
}

func newOrderDocument(order domain.ServiceOrder) orderDocument {
	return orderDocument{
		UserID:            order.UserID,
		DeliveryAddressID: order.DeliveryAddressID,
		ServiceID:         order.ServiceID,
		ProviderID:        order.ProviderID,
		ServiceType:       string(order.ServiceType),
		OrderQuantity:     order.OrderQuantity.String(),
		CustomerReference: order.CustomerReference,
		ServiceSubtotal:   order.ServiceSubtotal.String(),
		ServiceFee:        order.ServiceFee.String(),
		DeliveryFee:       order.DeliveryFee.String(),
		AdditionalFee:     order.AdditionalFee.String(),
		PetroleumTax:      order.PetroleumTax.String(),
		DiscountAmount:    order.DiscountAmount.String(),
		VAT:               order.VAT.String(),
		AmountDue:         order.AmountDue.String(),
		PaymentMethod:     string(order.PaymentMethod),
		PaymentStatus:     string(order.PaymentStatus),
		Status:            string(order.Status),
		ConfirmationCode:  order.ConfirmationCode,
		VoucherID:         order.VoucherID,
		DeliveryDistance:  order.DeliveryDistance,
		ElectricityToken:  order.ElectricityToken,
		PaymentIntentID:   order.PaymentIntentID,
		CreatedAt:         order.CreatedAt.UTC(),
		UpdatedAt:         order.UpdatedAt.UTC(),
	}
}

func (d orderDocument) toDomain(id string) domain.ServiceOrder {
	return domain.ServiceOrder{
		ID:                id,
		UserID:            d.UserID,
		DeliveryAddressID: d.DeliveryAddressID,
		ServiceID:         d.ServiceID,
		ProviderID:        d.ProviderID,
		ServiceType:       domain.ServiceType(d.ServiceType),
		OrderQuantity:     parseDecimal(d.OrderQuantity),
		CustomerReference: d.CustomerReference,
		ServiceSubtotal:   parseDecimal(d.ServiceSubtotal),
		ServiceFee:        parseDecimal(d.ServiceFee),
		DeliveryFee:       parseDecimal(d.DeliveryFee),
		AdditionalFee:     parseDecimal(d.AdditionalFee),
		PetroleumTax:      parseDecimal(d.PetroleumTax),
		DiscountAmount:    parseDecimal(d.DiscountAmount),
		VAT:               parseDecimal(d.VAT),
		AmountDue:         parseDecimal(d.AmountDue),
		PaymentMethod:     domain.PaymentMethod(d.PaymentMethod),
		PaymentStatus:     domain.PaymentStatus(d.PaymentStatus),
		Status:            domain.OrderStatus(d.Status),
		ConfirmationCode:  d.ConfirmationCode,
		VoucherID:         d.VoucherID,
		DeliveryDistance:  d.DeliveryDistance,
		ElectricityToken:  d.ElectricityToken,
		PaymentIntentID:   d.PaymentIntentID,
		CreatedAt:         d.CreatedAt,
		UpdatedAt:         d.UpdatedAt,
	}
}

type historyDocument struct {
	Status    string    `firestore:"status"`
	UpdatedBy string    `firestore:"updatedBy"`
	Notes     string    `firestore:"notes,omitempty"`
	CreatedAt time.Time `firestore:"createdAt"`
}

type disputeDocument struct {
	ServiceOrderID string    `firestore:"serviceOrderId"`
	RaisedBy       string    `firestore:"raisedBy"`
	Reason         string    `firestore:"reason"`
	Status         string    `firestore:"status"`
	CreatedAt      time.Time `firestore:"createdAt"`
}

// OrderRepository persists service orders and the documents that change with them.
type OrderRepository struct {
	provider *pfirestore.Provider
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{provider: provider}, nil
}

func (r *OrderRepository) Create(ctx context.Context, creation repositories.OrderCreation) error {
	order := creation.Order
	if strings.TrimSpace(order.ID) == "" {
		return errors.New("order create: order id is required")
	}
	if strings.TrimSpace(creation.History.ID) == "" {
		return errors.New("order create: history id is required")
	}
	client, err := r.provider.Client(ctx)
	if err != nil {
		return pfirestore.WrapError("orders.create", err)
	}

	orderRef := client.Collection(ordersCollection).Doc(order.ID)
	historyRef := orderRef.Collection(historyCollection).Doc(creation.History.ID)

	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if redemption := creation.Voucher; redemption != nil {
			if err := checkVoucherCaps(tx, client, *redemption); err != nil {
				return err
			}
		}

		if err := tx.Create(orderRef, newOrderDocument(order)); err != nil {
			return err
		}
		if err := tx.Create(historyRef, newHistoryDocument(creation.History)); err != nil {
			return err
		}
		if redemption := creation.Voucher; redemption != nil {
			usageRef := client.Collection(voucherUsagesCollection).Doc(redemption.Usage.ID)
			if err := tx.Create(usageRef, newVoucherUsageDocument(redemption.Usage)); err != nil {
				return err
			}
		}
		if intent := creation.Intent; intent != nil {
			intentRef := client.Collection(paymentIntentsCollection).Doc(intent.ID)
			if err := tx.Create(intentRef, newPaymentIntentDocument(*intent)); err != nil {
				return err
			}
		}
		return nil
	})
	if status.Code(errors.Unwrap(err)) == codes.AlreadyExists {
		return repositories.NewOrderError(repositories.OrderErrorDuplicateReference, fmt.Sprintf("order %s already exists", order.ID), err)
	}
	return err
}

// checkVoucherCaps counts usage rows inside the transaction so a concurrent redemption that commits
// first forces this transaction to retry against the new count.
func checkVoucherCaps(tx *firestore.Transaction, client *firestore.Client, redemption repositories.VoucherRedemption) error {
	usages := client.Collection(voucherUsagesCollection).Where("voucherId", "==", redemption.Usage.VoucherID)
	if redemption.MaxUses != nil {
		snaps, err := tx.Documents(usages).GetAll()
		if err != nil {
			return err
		}
		if len(snaps) >= *redemption.MaxUses {
			return repositories.NewOrderError(repositories.OrderErrorVoucherExhausted, "voucher usage limit reached", nil)
		}
	}
	if redemption.MaxUsesPerUser != nil {
		snaps, err := tx.Documents(usages.Where("userId", "==", redemption.Usage.UserID)).GetAll()
		if err != nil {
			return err
		}
		if len(snaps) >= *redemption.MaxUsesPerUser {
			return repositories.NewOrderError(repositories.OrderErrorVoucherExhausted, "voucher per-user limit reached", nil)
		}
	}
	return nil
}

func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.ServiceOrder, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.ServiceOrder{}, pfirestore.NotFound("orders.get", "order id is empty")
	}
	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.ServiceOrder{}, pfirestore.WrapError("orders.get", err)
	}
	snap, err := client.Collection(ordersCollection).Doc(orderID).Get(ctx)
	if err != nil {
		return domain.ServiceOrder{}, pfirestore.WrapError("orders.get", err)
	}
	return decodeOrder(snap)
}

func (r *OrderRepository) Mutate(ctx context.Context, orderID string, fn repositories.OrderMutator) (domain.ServiceOrder, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.ServiceOrder{}, pfirestore.NotFound("orders.mutate", "order id is empty")
	}
	if fn == nil {
		return domain.ServiceOrder{}, errors.New("order mutate: mutator is required")
	}
	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.ServiceOrder{}, pfirestore.WrapError("orders.mutate", err)
	}
	orderRef := client.Collection(ordersCollection).Doc(orderID)

	var updated domain.ServiceOrder
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(orderRef)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return pfirestore.NotFound("orders.mutate", "order %s not found", orderID)
			}
			return err
		}
		order, err := decodeOrder(snap)
		if err != nil {
			return err
		}

		var intent *domain.PaymentIntent
		if order.PaymentIntentID != "" {
			intentSnap, err := tx.Get(client.Collection(paymentIntentsCollection).Doc(order.PaymentIntentID))
			switch {
			case err == nil:
				decoded, err := decodePaymentIntent(intentSnap)
				if err != nil {
					return err
				}
				intent = &decoded
			case status.Code(err) != codes.NotFound:
				return err
			}
		}

		mutation, err := fn(order, intent)
		if err != nil {
			return err
		}
		updated = order
		if mutation.Empty() {
			return nil
		}
		updated, err = r.applyMutation(tx, client, orderRef, order, mutation)
		return err
	})
	if err != nil {
		return domain.ServiceOrder{}, err
	}
	return updated, nil
}

func (r *OrderRepository) applyMutation(tx *firestore.Transaction, client *firestore.Client, orderRef *firestore.DocumentRef, order domain.ServiceOrder, m repositories.OrderMutation) (domain.ServiceOrder, error) {
	now := m.History.CreatedAt.UTC()
	if now.IsZero() {
		now = time.Now().UTC()
	}

	var updates []firestore.Update
	if m.Status != "" {
		order.Status = m.Status
		updates = append(updates, firestore.Update{Path: "status", Value: string(m.Status)})
	}
	if m.PaymentStatus != "" {
		order.PaymentStatus = m.PaymentStatus
		updates = append(updates, firestore.Update{Path: "paymentStatus", Value: string(m.PaymentStatus)})
	}
	if m.ElectricityToken != nil {
		order.ElectricityToken = m.ElectricityToken
		updates = append(updates, firestore.Update{Path: "electricityToken", Value: *m.ElectricityToken})
	}
	if len(updates) > 0 {
		order.UpdatedAt = now
		updates = append(updates, firestore.Update{Path: "updatedAt", Value: now})
		if err := tx.Update(orderRef, updates); err != nil {
			return domain.ServiceOrder{}, err
		}
	}

	if m.Status != "" {
		history := m.History
		if history.ID == "" {
			return domain.ServiceOrder{}, errors.New("order mutate: history id is required")
		}
		history.Status = m.Status
		history.CreatedAt = now
		if err := tx.Create(orderRef.Collection(historyCollection).Doc(history.ID), newHistoryDocument(history)); err != nil {
			return domain.ServiceOrder{}, err
		}
	}

	if inc := m.Revenue; inc != nil {
		if err := tx.Set(client.Collection(revenueCollection).Doc(revenueDocID(inc.ServiceID, inc.Date)), revenueIncrementFields(*inc), firestore.MergeAll); err != nil {
			return domain.ServiceOrder{}, err
		}
	}

	if dispute := m.Dispute; dispute != nil {
		doc := disputeDocument{
			ServiceOrderID: order.ID,
			RaisedBy:       dispute.RaisedBy,
			Reason:         dispute.Reason,
			Status:         string(dispute.Status),
			CreatedAt:      now,
		}
		if err := tx.Create(client.Collection(disputesCollection).Doc(dispute.ID), doc); err != nil {
			return domain.ServiceOrder{}, err
		}
	}

	if credit := m.WalletCredit; credit != nil {
		if err := creditWallet(tx, client, *credit, now); err != nil {
			return domain.ServiceOrder{}, err
		}
	}

	if intent := m.Intent; intent != nil {
		doc := newPaymentIntentDocument(*intent)
		doc.UpdatedAt = now
		if err := tx.Set(client.Collection(paymentIntentsCollection).Doc(intent.ID), doc); err != nil {
			return domain.ServiceOrder{}, err
		}
	}
	return order, nil
}

func (r *OrderRepository) ListByCustomer(ctx context.Context, userID string, filter repositories.OrderListFilter) (domain.CursorPage[domain.ServiceOrder], error) {
	return r.list(ctx, "orders.listByCustomer", "userId", userID, filter)
}

func (r *OrderRepository) ListByProvider(ctx context.Context, providerID string, filter repositories.OrderListFilter) (domain.CursorPage[domain.ServiceOrder], error) {
	return r.list(ctx, "orders.listByProvider", "providerId", providerID, filter)
}

func (r *OrderRepository) list(ctx context.Context, op, field, value string, filter repositories.OrderListFilter) (domain.CursorPage[domain.ServiceOrder], error) {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.CursorPage[domain.ServiceOrder]{}, pfirestore.WrapError(op, err)
	}

	pageSize := filter.Pagination.PageSize
	if pageSize <= 0 {
		pageSize = defaultOrderPageSize
	}
	pageSize = min(pageSize, maxOrderPageSize)

	query := client.Collection(ordersCollection).Where(field, "==", value)
	if len(filter.Status) > 0 {
		statuses := make([]string, 0, len(filter.Status))
		for _, s := range filter.Status {
			statuses = append(statuses, string(s))
		}
		query = query.Where("status", "in", statuses)
	}
	query = query.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)

	cursor, err := pagination.DecodeToken(filter.Pagination.PageToken)
	if err != nil {
		return domain.CursorPage[domain.ServiceOrder]{}, err
	}
	if cursor.ID != "" {
		query = query.StartAfter(cursor.CreatedAt, cursor.ID)
	}

	orders, err := pfirestore.Collect(op, query.Limit(pageSize+1).Documents(ctx), decodeOrder)
	if err != nil {
		return domain.CursorPage[domain.ServiceOrder]{}, err
	}

	page := domain.CursorPage[domain.ServiceOrder]{Items: orders}
	if len(orders) > pageSize {
		page.Items = orders[:pageSize]
		last := page.Items[pageSize-1]
		page.NextPageToken = pagination.EncodeToken(pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
	}
	return page, nil
}

func (r *OrderRepository) History(ctx context.Context, orderID string) ([]domain.OrderStatusHistory, error) {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, pfirestore.WrapError("orders.history", err)
	}
	iter := client.Collection(ordersCollection).Doc(orderID).Collection(historyCollection).
		OrderBy("createdAt", firestore.Asc).
		Documents(ctx)
	return pfirestore.Collect("orders.history", iter, pfirestore.Decode(func(id string, doc historyDocument) domain.OrderStatusHistory {
		return domain.OrderStatusHistory{
			ID:             id,
			ServiceOrderID: orderID,
			Status:         domain.OrderStatus(doc.Status),
			UpdatedBy:      doc.UpdatedBy,
			Notes:          doc.Notes,
			CreatedAt:      doc.CreatedAt,
		}
	}))
}

func newHistoryDocument(history domain.OrderStatusHistory) historyDocument {
	return historyDocument{
		Status:    string(history.Status),
		UpdatedBy: history.UpdatedBy,
		Notes:     strings.TrimSpace(history.Notes),
		CreatedAt: history.CreatedAt.UTC(),
	}
}

func decodeOrder(snap *firestore.DocumentSnapshot) (domain.ServiceOrder, error) {
	var doc orderDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.ServiceOrder{}, fmt.Errorf("decode order %s: %w", snap.Ref.ID, err)
	}
	return doc.toDomain(snap.Ref.ID), nil
}
