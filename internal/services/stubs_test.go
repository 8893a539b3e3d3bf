package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quicrefill/api/internal/domain"
	"github.com/quicrefill/api/internal/payments"
	"github.com/quicrefill/api/internal/repositories"
)

type stubRepoError struct {
	notFound    bool
	conflict    bool
	unavailable bool
}

func (e stubRepoError) Error() string {
	switch {
	case e.notFound:
		return "stub: not found"
	case e.conflict:
		return "stub: conflict"
	default:
		return "stub: unavailable"
	}
}

func (e stubRepoError) IsNotFound() bool    { return e.notFound }
func (e stubRepoError) IsConflict() bool    { return e.conflict }
func (e stubRepoError) IsUnavailable() bool { return e.unavailable }

var errStubNotFound = stubRepoError{notFound: true}

func dec(value string) decimal.Decimal {
	return decimal.RequireFromString(value)
}

func intPtr(v int) *int {
	return &v
}

func sequence(prefix string) func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("%s%03d", prefix, n)
	}
}

type eventRecorder struct {
	mu     sync.Mutex
	events []string
	fields []map[string]any
}

func (r *eventRecorder) log(_ context.Context, event string, fields map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	r.fields = append(r.fields, fields)
}

func (r *eventRecorder) has(event string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Contains(r.events, event)
}

type stubServiceRepo struct {
	services map[string]domain.Service
	nearbyFn func(context.Context, repositories.NearbyQuery) ([]domain.Service, error)
}

func (s *stubServiceRepo) FindByID(_ context.Context, serviceID string) (domain.Service, error) {
	service, ok := s.services[serviceID]
	if !ok {
		return domain.Service{}, errStubNotFound
	}
	return service, nil
}

func (s *stubServiceRepo) ListNearby(ctx context.Context, query repositories.NearbyQuery) ([]domain.Service, error) {
	if s.nearbyFn != nil {
		return s.nearbyFn(ctx, query)
	}
	return nil, nil
}

type stubAddressRepo struct {
	addresses map[string]domain.Address
}

func (s *stubAddressRepo) FindByID(_ context.Context, addressID string) (domain.Address, error) {
	address, ok := s.addresses[addressID]
	if !ok {
		return domain.Address{}, errStubNotFound
	}
	return address, nil
}

type stubSettingsRepo struct {
	settings *domain.AdminSettings
	err      error
}

func (s *stubSettingsRepo) AdminSettings(context.Context) (domain.AdminSettings, error) {
	if s.err != nil {
		return domain.AdminSettings{}, s.err
	}
	if s.settings == nil {
		return domain.AdminSettings{}, errStubNotFound
	}
	return *s.settings, nil
}

type stubVoucherRepo struct {
	vouchers map[string]domain.Voucher
	usages   map[string]int
	perUser  map[string]int
	findErr  error
}

func (s *stubVoucherRepo) FindByCode(_ context.Context, code string) (domain.Voucher, error) {
	if s.findErr != nil {
		return domain.Voucher{}, s.findErr
	}
	voucher, ok := s.vouchers[code]
	if !ok {
		return domain.Voucher{}, errStubNotFound
	}
	return voucher, nil
}

func (s *stubVoucherRepo) CountUsages(_ context.Context, voucherID, userID string) (int, error) {
	if userID == "" {
		return s.usages[voucherID], nil
	}
	return s.perUser[voucherID+"/"+userID], nil
}

type stubRevenueRepo struct {
	applied  []repositories.RevenueIncrement
	rows     []domain.ServiceRevenue
	applyErr error
	listed   [2]time.Time
}

func (s *stubRevenueRepo) Apply(_ context.Context, increment repositories.RevenueIncrement) error {
	if s.applyErr != nil {
		return s.applyErr
	}
	s.applied = append(s.applied, increment)
	return nil
}

func (s *stubRevenueRepo) ListDaily(_ context.Context, _ string, from, to time.Time) ([]domain.ServiceRevenue, error) {
	s.listed = [2]time.Time{from, to}
	return s.rows, nil
}

type stubReviewRepo struct {
	addFn func(context.Context, domain.OrderReview) (repositories.RatingSummary, error)
	added []domain.OrderReview
}

func (s *stubReviewRepo) Add(ctx context.Context, review domain.OrderReview) (repositories.RatingSummary, error) {
	if s.addFn != nil {
		return s.addFn(ctx, review)
	}
	s.added = append(s.added, review)
	return repositories.RatingSummary{ServiceID: review.ServiceID, AvgRating: float64(review.Rating), RatingCount: 1}, nil
}

// memoryWalletRepo keeps balances in memory and dedupes debits by entry id.
type memoryWalletRepo struct {
	mu       sync.Mutex
	balances map[string]decimal.Decimal
	entries  map[string]domain.WalletTransaction
	debitErr error
}

func newMemoryWalletRepo(balances map[string]decimal.Decimal) *memoryWalletRepo {
	if balances == nil {
		balances = map[string]decimal.Decimal{}
	}
	return &memoryWalletRepo{balances: balances, entries: map[string]domain.WalletTransaction{}}
}

func (r *memoryWalletRepo) FindByUser(_ context.Context, userID string) (domain.Wallet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return domain.Wallet{UserID: userID, Balance: r.balances[userID], Currency: "NGN"}, nil
}

func (r *memoryWalletRepo) Debit(_ context.Context, entry domain.WalletTransaction) (domain.WalletTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.debitErr != nil {
		return domain.WalletTransaction{}, r.debitErr
	}
	if existing, ok := r.entries[entry.ID]; ok {
		return existing, nil
	}
	if r.balances[entry.UserID].LessThan(entry.Amount) {
		return domain.WalletTransaction{}, repositories.NewOrderError(repositories.OrderErrorInsufficientFunds, "insufficient", nil)
	}
	r.balances[entry.UserID] = r.balances[entry.UserID].Sub(entry.Amount)
	r.entries[entry.ID] = entry
	return entry, nil
}

func (r *memoryWalletRepo) credit(entry domain.WalletTransaction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[entry.ID]; ok {
		return
	}
	r.balances[entry.UserID] = r.balances[entry.UserID].Add(entry.Amount)
	r.entries[entry.ID] = entry
}

func (r *memoryWalletRepo) balance(userID string) decimal.Decimal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.balances[userID]
}

// memoryOrderStore applies order creations and mutations the way the Firestore transaction does.
type memoryOrderStore struct {
	mu        sync.Mutex
	orders    map[string]domain.ServiceOrder
	intents   map[string]domain.PaymentIntent
	history   map[string][]domain.OrderStatusHistory
	usages    []domain.VoucherUsage
	revenue   []repositories.RevenueIncrement
	disputes  []domain.Dispute
	credits   []domain.WalletTransaction
	dispatch  []repositories.IntentDispatch
	wallet    *memoryWalletRepo
	createErr error
	mutations int
	refundLog []string
}

func newMemoryOrderStore(wallet *memoryWalletRepo) *memoryOrderStore {
	return &memoryOrderStore{
		orders:  map[string]domain.ServiceOrder{},
		intents: map[string]domain.PaymentIntent{},
		history: map[string][]domain.OrderStatusHistory{},
		wallet:  wallet,
	}
}

func (s *memoryOrderStore) orderRepo() *memoryOrderRepo   { return &memoryOrderRepo{store: s} }
func (s *memoryOrderStore) intentRepo() *memoryIntentRepo { return &memoryIntentRepo{store: s} }

func (s *memoryOrderStore) order(id string) domain.ServiceOrder {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orders[id]
}

func (s *memoryOrderStore) intent(id string) domain.PaymentIntent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.intents[id]
}

func (s *memoryOrderStore) put(order domain.ServiceOrder, intent *domain.PaymentIntent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if intent != nil {
		order.PaymentIntentID = intent.ID
		s.intents[intent.ID] = *intent
	}
	s.orders[order.ID] = order
}

type memoryOrderRepo struct {
	store *memoryOrderStore
}

func (r *memoryOrderRepo) Create(_ context.Context, creation repositories.OrderCreation) error {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	s.orders[creation.Order.ID] = creation.Order
	history := creation.History
	history.Status = creation.Order.Status
	s.history[creation.Order.ID] = append(s.history[creation.Order.ID], history)
	if creation.Intent != nil {
		s.intents[creation.Intent.ID] = *creation.Intent
	}
	if creation.Voucher != nil {
		s.usages = append(s.usages, creation.Voucher.Usage)
	}
	return nil
}

func (r *memoryOrderRepo) FindByID(_ context.Context, orderID string) (domain.ServiceOrder, error) {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[orderID]
	if !ok {
		return domain.ServiceOrder{}, errStubNotFound
	}
	return order, nil
}

func (r *memoryOrderRepo) Mutate(_ context.Context, orderID string, fn repositories.OrderMutator) (domain.ServiceOrder, error) {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[orderID]
	if !ok {
		return domain.ServiceOrder{}, errStubNotFound
	}
	var intent *domain.PaymentIntent
	if stored, ok := s.intents[order.PaymentIntentID]; ok {
		intent = &stored
	}
	m, err := fn(order, intent)
	if err != nil {
		return domain.ServiceOrder{}, err
	}
	if m.Empty() {
		return order, nil
	}
	s.mutations++
	if m.Status != "" {
		order.Status = m.Status
		history := m.History
		history.Status = m.Status
		s.history[order.ID] = append(s.history[order.ID], history)
	}
	if m.PaymentStatus != "" {
		order.PaymentStatus = m.PaymentStatus
	}
	if m.ElectricityToken != nil {
		token := *m.ElectricityToken
		order.ElectricityToken = &token
	}
	if m.Revenue != nil {
		s.revenue = append(s.revenue, *m.Revenue)
	}
	if m.Dispute != nil {
		s.disputes = append(s.disputes, *m.Dispute)
	}
	if m.WalletCredit != nil {
		s.credits = append(s.credits, *m.WalletCredit)
		if s.wallet != nil {
			s.wallet.credit(*m.WalletCredit)
		}
	}
	if m.Intent != nil {
		s.intents[m.Intent.ID] = *m.Intent
	}
	s.orders[order.ID] = order
	return order, nil
}

func (r *memoryOrderRepo) ListByCustomer(_ context.Context, userID string, _ repositories.OrderListFilter) (domain.CursorPage[domain.ServiceOrder], error) {
	return r.list(func(o domain.ServiceOrder) bool { return o.UserID == userID }), nil
}

func (r *memoryOrderRepo) ListByProvider(_ context.Context, providerID string, _ repositories.OrderListFilter) (domain.CursorPage[domain.ServiceOrder], error) {
	return r.list(func(o domain.ServiceOrder) bool { return o.ProviderID == providerID }), nil
}

func (r *memoryOrderRepo) list(match func(domain.ServiceOrder) bool) domain.CursorPage[domain.ServiceOrder] {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()
	var page domain.CursorPage[domain.ServiceOrder]
	for _, order := range s.orders {
		if match(order) {
			page.Items = append(page.Items, order)
		}
	}
	return page
}

func (r *memoryOrderRepo) History(_ context.Context, orderID string) ([]domain.OrderStatusHistory, error) {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.history[orderID]), nil
}

type memoryIntentRepo struct {
	store   *memoryOrderStore
	openFn  func(time.Time, int) ([]domain.PaymentIntent, error)
	markErr error
}

func (r *memoryIntentRepo) FindByID(_ context.Context, intentID string) (domain.PaymentIntent, error) {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()
	intent, ok := s.intents[intentID]
	if !ok {
		return domain.PaymentIntent{}, errStubNotFound
	}
	return intent, nil
}

func (r *memoryIntentRepo) MarkDispatched(_ context.Context, intentID string, dispatch repositories.IntentDispatch) error {
	if r.markErr != nil {
		return r.markErr
	}
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatch = append(s.dispatch, dispatch)
	intent, ok := s.intents[intentID]
	if !ok {
		return errStubNotFound
	}
	if intent.Status.Terminal() {
		return nil
	}
	if intent.Status != domain.PaymentIntentRefundPending {
		intent.Status = domain.PaymentIntentDispatched
	}
	intent.Attempts++
	intent.LastError = dispatch.LastError
	if dispatch.ProviderRef != "" {
		intent.ProviderRef = dispatch.ProviderRef
	}
	if dispatch.Provider != "" {
		intent.Provider = dispatch.Provider
	}
	s.intents[intentID] = intent
	return nil
}

func (r *memoryIntentRepo) ListOpen(_ context.Context, staleBefore time.Time, limit int) ([]domain.PaymentIntent, error) {
	if r.openFn != nil {
		return r.openFn(staleBefore, limit)
	}
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()
	var open []domain.PaymentIntent
	for _, intent := range s.intents {
		if !intent.Status.Terminal() {
			open = append(open, intent)
		}
	}
	slices.SortFunc(open, func(a, b domain.PaymentIntent) int {
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	if len(open) > limit {
		open = open[:limit]
	}
	return open, nil
}

type stubGateway struct {
	mu        sync.Mutex
	chargeFn  func(payments.PaymentContext, payments.ChargeRequest) (payments.PaymentDetails, error)
	billFn    func(payments.PaymentContext, payments.BillPaymentRequest) (payments.PaymentDetails, error)
	refundFn  func(payments.PaymentContext, payments.RefundRequest) (payments.PaymentDetails, error)
	lookupFn  func(payments.PaymentContext, payments.LookupRequest) (payments.PaymentDetails, error)
	cancelFn  func(payments.PaymentContext, payments.CancelRequest) (payments.PaymentDetails, error)
	charges   []payments.ChargeRequest
	bills     []payments.BillPaymentRequest
	refunds   []payments.RefundRequest
	lookups   []payments.LookupRequest
	cancels   []payments.CancelRequest
	contexts  []payments.PaymentContext
	callOrder []string
}

func (g *stubGateway) Charge(_ context.Context, pc payments.PaymentContext, req payments.ChargeRequest) (payments.PaymentDetails, error) {
	g.mu.Lock()
	g.charges = append(g.charges, req)
	g.contexts = append(g.contexts, pc)
	g.callOrder = append(g.callOrder, "charge")
	g.mu.Unlock()
	if g.chargeFn != nil {
		return g.chargeFn(pc, req)
	}
	return payments.PaymentDetails{Provider: payments.ProviderStripe, Reference: "pi_stripe_" + req.IdempotencyKey, Status: payments.StatusSucceeded, Amount: req.Amount}, nil
}

func (g *stubGateway) PayBill(_ context.Context, pc payments.PaymentContext, req payments.BillPaymentRequest) (payments.PaymentDetails, error) {
	g.mu.Lock()
	g.bills = append(g.bills, req)
	g.contexts = append(g.contexts, pc)
	g.callOrder = append(g.callOrder, "bill")
	g.mu.Unlock()
	if g.billFn != nil {
		return g.billFn(pc, req)
	}
	return payments.PaymentDetails{Provider: payments.ProviderBillGateway, Reference: "bill_" + req.IdempotencyKey, Status: payments.StatusSucceeded, ElectricityToken: "1234-5678-9012"}, nil
}

func (g *stubGateway) Refund(_ context.Context, pc payments.PaymentContext, req payments.RefundRequest) (payments.PaymentDetails, error) {
	g.mu.Lock()
	g.refunds = append(g.refunds, req)
	g.contexts = append(g.contexts, pc)
	g.callOrder = append(g.callOrder, "refund")
	g.mu.Unlock()
	if g.refundFn != nil {
		return g.refundFn(pc, req)
	}
	return payments.PaymentDetails{Reference: req.Reference, Status: payments.StatusRefunded}, nil
}

func (g *stubGateway) LookupPayment(_ context.Context, pc payments.PaymentContext, req payments.LookupRequest) (payments.PaymentDetails, error) {
	g.mu.Lock()
	g.lookups = append(g.lookups, req)
	g.contexts = append(g.contexts, pc)
	g.mu.Unlock()
	if g.lookupFn != nil {
		return g.lookupFn(pc, req)
	}
	return payments.PaymentDetails{Reference: req.Reference, Status: payments.StatusPending}, nil
}

func (g *stubGateway) CancelPayment(_ context.Context, pc payments.PaymentContext, req payments.CancelRequest) (payments.PaymentDetails, error) {
	g.mu.Lock()
	g.cancels = append(g.cancels, req)
	g.contexts = append(g.contexts, pc)
	g.callOrder = append(g.callOrder, "cancel")
	g.mu.Unlock()
	if g.cancelFn != nil {
		return g.cancelFn(pc, req)
	}
	return payments.PaymentDetails{Reference: req.Reference, Status: payments.StatusFailed, FailureReason: "canceled"}, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []OrderNotification
	err    error
}

func (p *recordingPublisher) PublishOrderNotification(_ context.Context, event OrderNotification) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.events = append(p.events, event)
	return fmt.Sprintf("msg-%d", len(p.events)), nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	types := make([]string, 0, len(p.events))
	for _, event := range p.events {
		types = append(types, event.Type)
	}
	return types
}

var errBoom = errors.New("boom")
