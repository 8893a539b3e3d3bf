package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/quicrefill/api/internal/domain"
	"github.com/quicrefill/api/internal/platform/auth"
	"github.com/quicrefill/api/internal/platform/httpx"
	"github.com/quicrefill/api/internal/platform/pagination"
	"github.com/quicrefill/api/internal/services"
)

const (
	maxOrderBodySize  = 8 * 1024
	maxRatingBodySize = 4 * 1024
	maxVoucherCodeLen = 64
	maxNotesLen       = 500
)

var validPaymentMethods = map[domain.PaymentMethod]struct{}{
	domain.PaymentMethodWallet:         {},
	domain.PaymentMethodPayOnDelivery:  {},
	domain.PaymentMethodCard:           {},
	domain.PaymentMethodBankTransfer:   {},
	domain.PaymentMethodVirtualAccount: {},
}

var validOrderStatuses = map[domain.OrderStatus]struct{}{
	domain.OrderStatusPending:        {},
	domain.OrderStatusProcessing:     {},
	domain.OrderStatusAgentAssigned:  {},
	domain.OrderStatusOutForDelivery: {},
	domain.OrderStatusDelivered:      {},
	domain.OrderStatusRejected:       {},
	domain.OrderStatusCancelled:      {},
}

// OrderHandlers exposes the customer side of the order lifecycle.
type OrderHandlers struct {
	authn   *auth.Authenticator
	orders  services.OrderService
	reviews services.ReviewService
	limiter rateLimiter

	// createMiddlewares wrap order placement only, typically the idempotency middleware.
	createMiddlewares []func(http.Handler) http.Handler
}

// OrderHandlersOption customises OrderHandlers.
type OrderHandlersOption func(*OrderHandlers)

// WithOrderReviews enables the rating endpoint.
func WithOrderReviews(reviews services.ReviewService) OrderHandlersOption {
	return func(h *OrderHandlers) {
		h.reviews = reviews
	}
}

// WithOrderCreateMiddlewares wraps the order placement route.
func WithOrderCreateMiddlewares(mw ...func(http.Handler) http.Handler) OrderHandlersOption {
	return func(h *OrderHandlers) {
		h.createMiddlewares = append(h.createMiddlewares, mw...)
	}
}

// WithOrderCreateRateLimit caps order placements per customer within window.
func WithOrderCreateRateLimit(limit int, window time.Duration, clock func() time.Time) OrderHandlersOption {
	return func(h *OrderHandlers) {
		h.limiter = newBucketRateLimiter(limit, window, clock)
	}
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService, opts ...OrderHandlersOption) *OrderHandlers {
	h := &OrderHandlers{
		authn:  authn,
		orders: orders,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth(services.RoleCustomer))
	}
	r.With(h.createMiddlewares...).Post("/", h.createOrder)
	r.Get("/", h.listOrders)
	r.Get("/{orderID}", h.getOrder)
	r.Get("/{orderID}/history", h.orderHistory)
	r.Post("/{orderID}:cancel", h.cancelOrder)
	r.Post("/{orderID}/rating", h.rateOrder)
}

type createOrderRequest struct {
	ServiceID         string              `json:"service_id"`
	DeliveryAddressID string              `json:"delivery_address_id"`
	OrderQuantity     *decimal.Decimal    `json:"order_quantity"`
	PaymentMethod     string              `json:"payment_method"`
	VoucherCode       string              `json:"voucher_code"`
	Card              *cardDetailsRequest `json:"card"`
	Bill              *billDetailsRequest `json:"bill"`
}

type cardDetailsRequest struct {
	Token string `json:"token"`
}

type billDetailsRequest struct {
	MeterNumber              string `json:"meter_number"`
	DestinationBankCode      string `json:"destination_bank_code"`
	DestinationAccountNumber string `json:"destination_account_number"`
}

// toCommand validates the request shape and builds the typed command. Business rules such as
// method availability stay in the services.
func (req createOrderRequest) toCommand(actor services.Actor) (services.CreateOrderCommand, fieldErrors) {
	errs := fieldErrors{}
	cmd := services.CreateOrderCommand{
		UserID:            actor.ID,
		UserRole:          actor.Role,
		ServiceID:         validateID(errs, "service_id", req.ServiceID),
		DeliveryAddressID: validateID(errs, "delivery_address_id", req.DeliveryAddressID),
		Quantity:          validateQuantity(errs, "order_quantity", req.OrderQuantity),
		VoucherCode:       strings.TrimSpace(req.VoucherCode),
	}

	method := domain.PaymentMethod(strings.ToUpper(strings.TrimSpace(req.PaymentMethod)))
	if method == "" {
		errs.add("payment_method", "is required")
	} else if _, ok := validPaymentMethods[method]; !ok {
		errs.add("payment_method", "is not a supported payment method")
	}
	cmd.PaymentMethod = method

	if len(cmd.VoucherCode) > maxVoucherCodeLen {
		errs.add("voucher_code", "is too long")
	}

	if req.Card != nil {
		token := strings.TrimSpace(req.Card.Token)
		if token == "" {
			errs.add("card.token", "is required")
		}
		cmd.Card = &services.CardDetails{Token: token}
	}
	if method == domain.PaymentMethodCard && req.Card == nil {
		errs.add("card", "is required for card payments")
	}

	if req.Bill != nil {
		bill := services.BillDetails{
			MeterNumber:              strings.TrimSpace(req.Bill.MeterNumber),
			DestinationBankCode:      strings.TrimSpace(req.Bill.DestinationBankCode),
			DestinationAccountNumber: strings.TrimSpace(req.Bill.DestinationAccountNumber),
		}
		if !isDigits(bill.MeterNumber) {
			errs.add("bill.meter_number", "must contain digits only")
		}
		if bill.DestinationAccountNumber != "" && !isDigits(bill.DestinationAccountNumber) {
			errs.add("bill.destination_account_number", "must contain digits only")
		}
		cmd.Bill = &bill
	}
	return cmd, errs
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		serviceUnavailable(ctx, w, "order")
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	if h.limiter != nil {
		if allowed, retryAfter := h.limiter.Allow(actor.ID); !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Round(time.Second).Seconds())))
			httpx.WriteError(ctx, w, httpx.NewError("RATE_LIMITED", "too many order attempts, retry later", http.StatusTooManyRequests))
			return
		}
	}

	var req createOrderRequest
	if !decodeBody(w, r, maxOrderBodySize, &req, false) {
		return
	}
	cmd, errs := req.toCommand(actor)
	if errs.writeIfAny(ctx, w) {
		return
	}

	placement, err := h.orders.Create(ctx, cmd)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, orderPlacementResponse{
		Order:   buildOrderPayload(placement.Order),
		Payment: buildPaymentPayload(placement.Payment),
	})
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		serviceUnavailable(ctx, w, "order")
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	filter, ok := parseOrderListFilter(w, r)
	if !ok {
		return
	}

	page, err := h.orders.ListForCustomer(ctx, actor.ID, filter)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildOrderList(page))
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		serviceUnavailable(ctx, w, "order")
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}

	order, err := h.orders.Get(ctx, orderID, actor)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) orderHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		serviceUnavailable(ctx, w, "order")
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}

	rows, err := h.orders.History(ctx, orderID, actor)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	items := make([]historyPayload, 0, len(rows))
	for _, row := range rows {
		items = append(items, historyPayload{
			ID:        row.ID,
			Status:    string(row.Status),
			UpdatedBy: row.UpdatedBy,
			Notes:     row.Notes,
			CreatedAt: formatTime(row.CreatedAt),
		})
	}
	httpx.WriteJSON(w, http.StatusOK, historyResponse{Items: items})
}

type orderActionRequest struct {
	Reason string `json:"reason"`
	Notes  string `json:"notes"`
}

func (h *OrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		serviceUnavailable(ctx, w, "order")
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	cmd, ok := parseOrderAction(w, r, actor)
	if !ok {
		return
	}

	order, err := h.orders.Cancel(ctx, cmd)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

type rateOrderRequest struct {
	Rating  *int   `json:"rating"`
	Comment string `json:"comment"`
}

func (h *OrderHandlers) rateOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reviews == nil {
		serviceUnavailable(ctx, w, "review")
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}

	var req rateOrderRequest
	if !decodeBody(w, r, maxRatingBodySize, &req, false) {
		return
	}
	errs := fieldErrors{}
	if req.Rating == nil {
		errs.add("rating", "is required")
	} else if *req.Rating < 1 || *req.Rating > 5 {
		errs.add("rating", "must be between 1 and 5")
	}
	if errs.writeIfAny(ctx, w) {
		return
	}

	result, err := h.reviews.AddServiceOrderRating(ctx, services.RateOrderCommand{
		OrderID: orderID,
		Actor:   actor,
		Rating:  *req.Rating,
		Comment: req.Comment,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, reviewResponse{
		Review: reviewPayload{
			ID:        result.Review.ID,
			OrderID:   result.Review.ServiceOrderID,
			ServiceID: result.Review.ServiceID,
			Rating:    result.Review.Rating,
			Comment:   result.Review.Comment,
			CreatedAt: formatTime(result.Review.CreatedAt),
		},
		AvgRating:   result.Summary.AvgRating,
		RatingCount: result.Summary.RatingCount,
	})
}

func orderIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	errs := fieldErrors{}
	orderID := validateID(errs, "order_id", chi.URLParam(r, "orderID"))
	if errs.writeIfAny(r.Context(), w) {
		return "", false
	}
	return orderID, true
}

// parseOrderAction reads the optional reason or notes body shared by the transition endpoints.
func parseOrderAction(w http.ResponseWriter, r *http.Request, actor services.Actor) (services.OrderActionCommand, bool) {
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return services.OrderActionCommand{}, false
	}
	var req orderActionRequest
	if !decodeBody(w, r, maxOrderBodySize, &req, true) {
		return services.OrderActionCommand{}, false
	}
	notes := strings.TrimSpace(firstNonEmpty(req.Reason, req.Notes))
	errs := fieldErrors{}
	if len(notes) > maxNotesLen {
		errs.add("reason", "is too long")
	}
	if errs.writeIfAny(r.Context(), w) {
		return services.OrderActionCommand{}, false
	}
	return services.OrderActionCommand{OrderID: orderID, Actor: actor, Notes: notes}, true
}

func parseOrderListFilter(w http.ResponseWriter, r *http.Request) (services.OrderListFilter, bool) {
	query := r.URL.Query()
	params, err := pagination.Parse(query, pagination.Options{})
	if err != nil {
		httpx.WriteError(r.Context(), w, httpx.NewError("VALIDATION_ERROR", err.Error(), http.StatusBadRequest))
		return services.OrderListFilter{}, false
	}

	errs := fieldErrors{}
	var statuses []domain.OrderStatus
	for _, raw := range parseFilterValues(query["status"]) {
		status := domain.OrderStatus(strings.ToUpper(raw))
		if _, ok := validOrderStatuses[status]; !ok {
			errs.add("status", "contains an unknown order status")
			continue
		}
		statuses = append(statuses, status)
	}
	if errs.writeIfAny(r.Context(), w) {
		return services.OrderListFilter{}, false
	}
	return services.OrderListFilter{
		Status: statuses,
		Pagination: domain.Pagination{
			PageSize:  params.PageSize,
			PageToken: params.PageToken,
		},
	}, true
}

// parseFilterValues accepts repeated and comma separated query values.
func parseFilterValues(values []string) []string {
	var result []string
	seen := make(map[string]struct{})
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if _, ok := seen[part]; ok {
				continue
			}
			seen[part] = struct{}{}
			result = append(result, part)
		}
	}
	return result
}

func isDigits(value string) bool {
	if value == "" {
		return false
	}
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

type orderPlacementResponse struct {
	Order   orderPayload   `json:"order"`
	Payment paymentPayload `json:"payment"`
}

type orderResponse struct {
	Order orderPayload `json:"order"`
}

type orderListResponse struct {
	Items         []orderPayload `json:"items"`
	NextPageToken string         `json:"next_page_token,omitempty"`
}

type orderPayload struct {
	ID                string  `json:"id"`
	UserID            string  `json:"user_id"`
	ServiceID         string  `json:"service_id"`
	ProviderID        string  `json:"provider_id"`
	ServiceType       string  `json:"service_type"`
	DeliveryAddressID string  `json:"delivery_address_id"`
	OrderQuantity     string  `json:"order_quantity"`
	CustomerReference string  `json:"customer_reference,omitempty"`
	ServiceSubtotal   string  `json:"service_subtotal"`
	ServiceFee        string  `json:"service_fee"`
	DeliveryFee       string  `json:"delivery_fee"`
	AdditionalFee     string  `json:"additional_fee"`
	PetroleumTax      string  `json:"petroleum_tax"`
	DiscountAmount    string  `json:"discount_amount"`
	VAT               string  `json:"vat"`
	AmountDue         string  `json:"amount_due"`
	PaymentMethod     string  `json:"payment_method"`
	PaymentStatus     string  `json:"payment_status"`
	Status            string  `json:"status"`
	ConfirmationCode  string  `json:"confirmation_code,omitempty"`
	VoucherID         string  `json:"voucher_id,omitempty"`
	DeliveryDistance  float64 `json:"delivery_distance_km"`
	ElectricityToken  string  `json:"electricity_token,omitempty"`
	CreatedAt         string  `json:"created_at"`
	UpdatedAt         string  `json:"updated_at,omitempty"`
}

type paymentPayload struct {
	TransactionID    string `json:"transaction_id,omitempty"`
	Provider         string `json:"provider,omitempty"`
	Status           string `json:"status"`
	ElectricityToken string `json:"electricity_token,omitempty"`
	FailureReason    string `json:"failure_reason,omitempty"`
}

type historyResponse struct {
	Items []historyPayload `json:"items"`
}

type historyPayload struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	UpdatedBy string `json:"updated_by"`
	Notes     string `json:"notes,omitempty"`
	CreatedAt string `json:"created_at"`
}

type reviewResponse struct {
	Review      reviewPayload `json:"review"`
	AvgRating   float64       `json:"avg_rating"`
	RatingCount int           `json:"rating_count"`
}

type reviewPayload struct {
	ID        string `json:"id"`
	OrderID   string `json:"order_id"`
	ServiceID string `json:"service_id"`
	Rating    int    `json:"rating"`
	Comment   string `json:"comment,omitempty"`
	CreatedAt string `json:"created_at"`
}

func buildOrderList(page domain.CursorPage[domain.ServiceOrder]) orderListResponse {
	items := make([]orderPayload, 0, len(page.Items))
	for _, order := range page.Items {
		items = append(items, buildOrderPayload(order))
	}
	return orderListResponse{Items: items, NextPageToken: page.NextPageToken}
}

func buildOrderPayload(order domain.ServiceOrder) orderPayload {
	payload := orderPayload{
		ID:                order.ID,
		UserID:            order.UserID,
		ServiceID:         order.ServiceID,
		ProviderID:        order.ProviderID,
		ServiceType:       string(order.ServiceType),
		DeliveryAddressID: order.DeliveryAddressID,
		OrderQuantity:     order.OrderQuantity.String(),
		CustomerReference: order.CustomerReference,
		ServiceSubtotal:   money(order.ServiceSubtotal),
		ServiceFee:        money(order.ServiceFee),
		DeliveryFee:       money(order.DeliveryFee),
		AdditionalFee:     money(order.AdditionalFee),
		PetroleumTax:      money(order.PetroleumTax),
		DiscountAmount:    money(order.DiscountAmount),
		VAT:               money(order.VAT),
		AmountDue:         money(order.AmountDue),
		PaymentMethod:     string(order.PaymentMethod),
		PaymentStatus:     string(order.PaymentStatus),
		Status:            string(order.Status),
		ConfirmationCode:  order.ConfirmationCode,
		DeliveryDistance:  order.DeliveryDistance,
		CreatedAt:         formatTime(order.CreatedAt),
		UpdatedAt:         formatTime(order.UpdatedAt),
	}
	if order.VoucherID != nil {
		payload.VoucherID = *order.VoucherID
	}
	if order.ElectricityToken != nil {
		payload.ElectricityToken = *order.ElectricityToken
	}
	return payload
}

func buildPaymentPayload(result services.PaymentResult) paymentPayload {
	return paymentPayload{
		TransactionID:    result.TransactionID,
		Provider:         result.Provider,
		Status:           string(result.Status),
		ElectricityToken: result.ElectricityToken,
		FailureReason:    result.FailureReason,
	}
}
