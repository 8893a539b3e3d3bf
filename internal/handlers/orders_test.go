package handlers

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/quicrefill/api/internal/domain"
	"github.com/quicrefill/api/internal/repositories"
	"github.com/quicrefill/api/internal/services"
)

func newOrderRouter(h *OrderHandlers) chi.Router {
	r := chi.NewRouter()
	r.Route("/orders", h.Routes)
	return r
}

func sampleOrder() domain.ServiceOrder {
	voucherID := "voucher-1"
	return domain.ServiceOrder{
		ID:                "order-1",
		UserID:            "user-1",
		DeliveryAddressID: "addr-1",
		ServiceID:         "svc-1",
		ProviderID:        "prov-1",
		ServiceType:       domain.ServiceTypeGas,
		OrderQuantity:     decimal.RequireFromString("12.5"),
		ServiceSubtotal:   decimal.RequireFromString("12500"),
		ServiceFee:        decimal.RequireFromString("100"),
		DeliveryFee:       decimal.RequireFromString("500"),
		AdditionalFee:     decimal.Zero,
		PetroleumTax:      decimal.Zero,
		DiscountAmount:    decimal.RequireFromString("250"),
		VAT:               decimal.RequireFromString("963.75"),
		AmountDue:         decimal.RequireFromString("13813.75"),
		PaymentMethod:     domain.PaymentMethodWallet,
		PaymentStatus:     domain.PaymentStatusCompleted,
		Status:            domain.OrderStatusPending,
		ConfirmationCode:  "4821",
		VoucherID:         &voucherID,
		DeliveryDistance:  3.2,
		CreatedAt:         time.Date(2026, 4, 1, 9, 30, 0, 0, time.UTC),
	}
}

func TestOrderHandlersCreateBuildsTypedCommand(t *testing.T) {
	var captured services.CreateOrderCommand
	orders := &stubOrderService{
		createFn: func(_ context.Context, cmd services.CreateOrderCommand) (services.OrderPlacement, error) {
			captured = cmd
			return services.OrderPlacement{
				Order:   sampleOrder(),
				Payment: services.PaymentResult{TransactionID: "txn-1", Provider: "wallet", Status: domain.PaymentStatusCompleted},
			}, nil
		},
	}
	router := newOrderRouter(NewOrderHandlers(nil, orders))

	req := jsonRequest(t, http.MethodPost, "/orders", map[string]any{
		"service_id":          " svc-1 ",
		"delivery_address_id": "addr-1",
		"order_quantity":      "12.5",
		"payment_method":      "wallet",
		"voucher_code":        " SAVE10 ",
	})
	req = withActor(req, "user-1", "customer")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.UserID != "user-1" || captured.UserRole != services.RoleCustomer {
		t.Fatalf("unexpected actor on command: %+v", captured)
	}
	if captured.ServiceID != "svc-1" || captured.VoucherCode != "SAVE10" {
		t.Fatalf("expected trimmed fields, got %+v", captured)
	}
	if captured.PaymentMethod != domain.PaymentMethodWallet {
		t.Fatalf("expected WALLET, got %s", captured.PaymentMethod)
	}
	if !captured.Quantity.Equal(decimal.RequireFromString("12.5")) {
		t.Fatalf("unexpected quantity %s", captured.Quantity)
	}

	var body orderPlacementResponse
	decodeData(t, rr, &body)
	if body.Order.AmountDue != "13813.75" || body.Order.DiscountAmount != "250.00" {
		t.Fatalf("unexpected money fields: %+v", body.Order)
	}
	if body.Order.VoucherID != "voucher-1" || body.Order.ConfirmationCode != "4821" {
		t.Fatalf("unexpected order payload: %+v", body.Order)
	}
	if body.Payment.TransactionID != "txn-1" || body.Payment.Status != string(domain.PaymentStatusCompleted) {
		t.Fatalf("unexpected payment payload: %+v", body.Payment)
	}
}

func TestOrderHandlersCreateValidation(t *testing.T) {
	called := false
	orders := &stubOrderService{
		createFn: func(context.Context, services.CreateOrderCommand) (services.OrderPlacement, error) {
			called = true
			return services.OrderPlacement{}, nil
		},
	}
	router := newOrderRouter(NewOrderHandlers(nil, orders))

	cases := []struct {
		name   string
		body   any
		code   string
		fields []string
	}{
		{name: "empty body", body: nil, code: "MISSING_FIELDS"},
		{name: "malformed json", body: "{", code: "VALIDATION_ERROR"},
		{
			name:   "missing fields",
			body:   map[string]any{},
			code:   "VALIDATION_ERROR",
			fields: []string{"service_id", "delivery_address_id", "order_quantity", "payment_method"},
		},
		{
			name: "bad quantity and method",
			body: map[string]any{
				"service_id":          "svc-1",
				"delivery_address_id": "addr-1",
				"order_quantity":      "1.255",
				"payment_method":      "cash",
			},
			code:   "VALIDATION_ERROR",
			fields: []string{"order_quantity", "payment_method"},
		},
		{
			name: "card without token",
			body: map[string]any{
				"service_id":          "svc-1",
				"delivery_address_id": "addr-1",
				"order_quantity":      "2",
				"payment_method":      "CARD",
			},
			code:   "VALIDATION_ERROR",
			fields: []string{"card"},
		},
		{
			name: "non numeric meter",
			body: map[string]any{
				"service_id":          "svc-1",
				"delivery_address_id": "addr-1",
				"order_quantity":      "5000",
				"payment_method":      "BANK_TRANSFER",
				"bill":                map[string]any{"meter_number": "45A", "destination_bank_code": "058"},
			},
			code:   "VALIDATION_ERROR",
			fields: []string{"bill.meter_number"},
		},
		{
			name: "id with slash",
			body: map[string]any{
				"service_id":          "svc/1",
				"delivery_address_id": "addr-1",
				"order_quantity":      "1",
				"payment_method":      "WALLET",
			},
			code:   "VALIDATION_ERROR",
			fields: []string{"service_id"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := withActor(jsonRequest(t, http.MethodPost, "/orders", tc.body), "user-1", "customer")
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)

			env := assertError(t, rr, http.StatusBadRequest, tc.code)
			if len(tc.fields) > 0 {
				fields, _ := env.Details["fields"].(map[string]any)
				for _, field := range tc.fields {
					if _, ok := fields[field]; !ok {
						t.Fatalf("expected field %s in %v", field, fields)
					}
				}
			}
		})
	}
	if called {
		t.Fatalf("service should not be called for invalid requests")
	}
}

func TestOrderHandlersCreateRequiresIdentity(t *testing.T) {
	router := newOrderRouter(NewOrderHandlers(nil, &stubOrderService{}))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, jsonRequest(t, http.MethodPost, "/orders", map[string]any{}))
	assertError(t, rr, http.StatusUnauthorized, "UNAUTHORIZED")
}

func TestOrderHandlersCreateRateLimited(t *testing.T) {
	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	orders := &stubOrderService{
		createFn: func(context.Context, services.CreateOrderCommand) (services.OrderPlacement, error) {
			return services.OrderPlacement{Order: sampleOrder()}, nil
		},
	}
	router := newOrderRouter(NewOrderHandlers(nil, orders,
		WithOrderCreateRateLimit(1, time.Minute, func() time.Time { return now }),
	))
	body := map[string]any{
		"service_id":          "svc-1",
		"delivery_address_id": "addr-1",
		"order_quantity":      "1",
		"payment_method":      "WALLET",
	}

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, withActor(jsonRequest(t, http.MethodPost, "/orders", body), "user-1", "customer"))
	if rr.Code != http.StatusCreated {
		t.Fatalf("first attempt should pass, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, withActor(jsonRequest(t, http.MethodPost, "/orders", body), "user-1", "customer"))
	assertError(t, rr, http.StatusTooManyRequests, "RATE_LIMITED")
	if rr.Header().Get("Retry-After") != "60" {
		t.Fatalf("expected Retry-After 60, got %q", rr.Header().Get("Retry-After"))
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, withActor(jsonRequest(t, http.MethodPost, "/orders", body), "user-2", "customer"))
	if rr.Code != http.StatusCreated {
		t.Fatalf("other customers keep their own window, got %d", rr.Code)
	}
}

func TestOrderHandlersCreateMiddlewaresWrapOnlyPlacement(t *testing.T) {
	var wrapped []string
	mw := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			wrapped = append(wrapped, r.Method+" "+r.URL.Path)
			next.ServeHTTP(w, r)
		})
	}
	orders := &stubOrderService{
		createFn: func(context.Context, services.CreateOrderCommand) (services.OrderPlacement, error) {
			return services.OrderPlacement{Order: sampleOrder()}, nil
		},
	}
	router := newOrderRouter(NewOrderHandlers(nil, orders, WithOrderCreateMiddlewares(mw)))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, withActor(httptest.NewRequest(http.MethodGet, "/orders", nil), "user-1", "customer"))
	if rr.Code != http.StatusOK {
		t.Fatalf("list failed: %d", rr.Code)
	}
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, withActor(jsonRequest(t, http.MethodPost, "/orders", map[string]any{
		"service_id":          "svc-1",
		"delivery_address_id": "addr-1",
		"order_quantity":      "1",
		"payment_method":      "WALLET",
	}), "user-1", "customer"))
	if rr.Code != http.StatusCreated {
		t.Fatalf("create failed: %d", rr.Code)
	}
	if len(wrapped) != 1 || !strings.HasPrefix(wrapped[0], "POST") {
		t.Fatalf("expected middleware on placement only, got %v", wrapped)
	}
}

func TestOrderHandlersServiceErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("%w: svc-1", services.ErrServiceNotFound), http.StatusNotFound, "SERVICE_NOT_FOUND"},
		{fmt.Errorf("%w: wallet disabled", services.ErrPaymentMethodNotAvailable), http.StatusBadRequest, "PAYMENT_METHOD_NOT_AVAILABLE"},
		{fmt.Errorf("%w: declined", services.ErrPaymentProcessingFailed), http.StatusPaymentRequired, "PAYMENT_PROCESSING_FAILED"},
		{fmt.Errorf("%w: limit", services.ErrVoucherExhausted), http.StatusConflict, "VOUCHER_EXHAUSTED"},
		{fmt.Errorf("%w: firestore", services.ErrRepositoryUnavailable), http.StatusServiceUnavailable, "INTERNAL_ERROR"},
		{fmt.Errorf("something odd"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			orders := &stubOrderService{
				createFn: func(context.Context, services.CreateOrderCommand) (services.OrderPlacement, error) {
					return services.OrderPlacement{}, tc.err
				},
			}
			router := newOrderRouter(NewOrderHandlers(nil, orders))
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, withActor(jsonRequest(t, http.MethodPost, "/orders", map[string]any{
				"service_id":          "svc-1",
				"delivery_address_id": "addr-1",
				"order_quantity":      "1",
				"payment_method":      "WALLET",
			}), "user-1", "customer"))

			env := assertError(t, rr, tc.status, tc.code)
			if strings.Contains(env.Message, "firestore") || strings.Contains(env.Message, "something odd") {
				t.Fatalf("internal error text leaked: %s", env.Message)
			}
		})
	}
}

func TestOrderHandlersCreateServiceUnavailableCarriesAlternatives(t *testing.T) {
	orders := &stubOrderService{
		createFn: func(context.Context, services.CreateOrderCommand) (services.OrderPlacement, error) {
			return services.OrderPlacement{}, &services.ServiceUnavailableError{
				ServiceID:  "svc-1",
				DistanceKm: 42,
				RadiusKm:   10,
				Alternatives: []services.Alternative{
					{ServiceID: "svc-2", Name: "Nearby Gas", ProviderID: "prov-2", DistanceKm: 2.5, AvgRating: 4.5, RatingCount: 8, PricePerUnit: "1000.00"},
				},
			}
		},
	}
	router := newOrderRouter(NewOrderHandlers(nil, orders))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, withActor(jsonRequest(t, http.MethodPost, "/orders", map[string]any{
		"service_id":          "svc-1",
		"delivery_address_id": "addr-1",
		"order_quantity":      "1",
		"payment_method":      "WALLET",
	}), "user-1", "customer"))

	env := assertError(t, rr, http.StatusUnprocessableEntity, "SERVICE_UNAVAILABLE")
	if env.Details["serviceId"] != "svc-1" || env.Details["radiusKm"] != float64(10) {
		t.Fatalf("unexpected details: %v", env.Details)
	}
	alternatives, _ := env.Details["alternatives"].([]any)
	if len(alternatives) != 1 {
		t.Fatalf("expected one alternative, got %v", env.Details["alternatives"])
	}
	first, _ := alternatives[0].(map[string]any)
	if first["service_id"] != "svc-2" || first["price_per_unit"] != "1000.00" {
		t.Fatalf("unexpected alternative %v", first)
	}
}

func TestOrderHandlersListParsesFilter(t *testing.T) {
	var captured services.OrderListFilter
	var capturedUser string
	orders := &stubOrderService{
		customerFn: func(_ context.Context, userID string, filter services.OrderListFilter) (domain.CursorPage[domain.ServiceOrder], error) {
			capturedUser = userID
			captured = filter
			return domain.CursorPage[domain.ServiceOrder]{Items: []domain.ServiceOrder{sampleOrder()}, NextPageToken: "next"}, nil
		},
	}
	router := newOrderRouter(NewOrderHandlers(nil, orders))

	req := withActor(httptest.NewRequest(http.MethodGet, "/orders?status=pending,processing&status=PENDING&pageSize=5&pageToken=abc", nil), "user-1", "customer")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if capturedUser != "user-1" {
		t.Fatalf("expected caller id, got %s", capturedUser)
	}
	if len(captured.Status) != 3 {
		t.Fatalf("expected three parsed statuses, got %v", captured.Status)
	}
	if captured.Pagination.PageSize != 5 || captured.Pagination.PageToken != "abc" {
		t.Fatalf("unexpected pagination %+v", captured.Pagination)
	}
	var body orderListResponse
	decodeData(t, rr, &body)
	if len(body.Items) != 1 || body.NextPageToken != "next" {
		t.Fatalf("unexpected list body %+v", body)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, withActor(httptest.NewRequest(http.MethodGet, "/orders?status=lost", nil), "user-1", "customer"))
	assertError(t, rr, http.StatusBadRequest, "VALIDATION_ERROR")
}

func TestOrderHandlersGetForbiddenForOtherCustomer(t *testing.T) {
	orders := &stubOrderService{
		getFn: func(_ context.Context, orderID string, actor services.Actor) (domain.ServiceOrder, error) {
			if actor.ID != "user-1" {
				return domain.ServiceOrder{}, fmt.Errorf("%w: order %s", services.ErrUnauthorized, orderID)
			}
			return sampleOrder(), nil
		},
	}
	router := newOrderRouter(NewOrderHandlers(nil, orders))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, withActor(httptest.NewRequest(http.MethodGet, "/orders/order-1", nil), "user-9", "customer"))
	assertError(t, rr, http.StatusForbidden, "UNAUTHORIZED")

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, withActor(httptest.NewRequest(http.MethodGet, "/orders/order-1", nil), "user-1", "customer"))
	var body orderResponse
	decodeData(t, rr, &body)
	if body.Order.ID != "order-1" {
		t.Fatalf("unexpected order %+v", body.Order)
	}
}

func TestOrderHandlersHistory(t *testing.T) {
	orders := &stubOrderService{
		historyFn: func(context.Context, string, services.Actor) ([]domain.OrderStatusHistory, error) {
			return []domain.OrderStatusHistory{
				{ID: "h1", Status: domain.OrderStatusPending, UpdatedBy: "user-1", CreatedAt: time.Date(2026, 4, 1, 9, 30, 0, 0, time.UTC)},
				{ID: "h2", Status: domain.OrderStatusCancelled, UpdatedBy: "user-1", Notes: "changed my mind", CreatedAt: time.Date(2026, 4, 1, 9, 45, 0, 0, time.UTC)},
			}, nil
		},
	}
	router := newOrderRouter(NewOrderHandlers(nil, orders))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, withActor(httptest.NewRequest(http.MethodGet, "/orders/order-1/history", nil), "user-1", "customer"))

	var body historyResponse
	decodeData(t, rr, &body)
	if len(body.Items) != 2 || body.Items[1].Status != "CANCELLED" || body.Items[1].Notes != "changed my mind" {
		t.Fatalf("unexpected history %+v", body.Items)
	}
}

func TestOrderHandlersCancel(t *testing.T) {
	var captured services.OrderActionCommand
	orders := &stubOrderService{
		cancelFn: func(_ context.Context, cmd services.OrderActionCommand) (domain.ServiceOrder, error) {
			captured = cmd
			order := sampleOrder()
			order.Status = domain.OrderStatusCancelled
			return order, nil
		},
	}
	router := newOrderRouter(NewOrderHandlers(nil, orders))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, withActor(jsonRequest(t, http.MethodPost, "/orders/order-1:cancel", map[string]any{"reason": " wrong address "}), "user-1", "customer"))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.OrderID != "order-1" || captured.Notes != "wrong address" || captured.Actor.ID != "user-1" {
		t.Fatalf("unexpected command %+v", captured)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, withActor(jsonRequest(t, http.MethodPost, "/orders/order-1:cancel", nil), "user-1", "customer"))
	if rr.Code != http.StatusOK {
		t.Fatalf("cancel without body should pass, got %d", rr.Code)
	}

	orders.cancelFn = func(context.Context, services.OrderActionCommand) (domain.ServiceOrder, error) {
		return domain.ServiceOrder{}, fmt.Errorf("%w: order is OUT_FOR_DELIVERY", services.ErrInvalidOrderStatus)
	}
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, withActor(jsonRequest(t, http.MethodPost, "/orders/order-1:cancel", nil), "user-1", "customer"))
	assertError(t, rr, http.StatusConflict, "INVALID_ORDER_STATUS")
}

func TestOrderHandlersRateOrder(t *testing.T) {
	var captured services.RateOrderCommand
	reviews := &stubReviewService{
		addFn: func(_ context.Context, cmd services.RateOrderCommand) (services.ReviewResult, error) {
			captured = cmd
			return services.ReviewResult{
				Review: domain.OrderReview{
					ID:             "rev-1",
					ServiceOrderID: cmd.OrderID,
					ServiceID:      "svc-1",
					UserID:         cmd.Actor.ID,
					Rating:         cmd.Rating,
					Comment:        cmd.Comment,
					CreatedAt:      time.Date(2026, 4, 2, 0, 0, 0, 0, time.UTC),
				},
				Summary: repositories.RatingSummary{AvgRating: 4.5, RatingCount: 2},
			}, nil
		},
	}
	router := newOrderRouter(NewOrderHandlers(nil, &stubOrderService{}, WithOrderReviews(reviews)))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, withActor(jsonRequest(t, http.MethodPost, "/orders/order-1/rating", map[string]any{"rating": 5, "comment": "fast"}), "user-1", "customer"))
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.OrderID != "order-1" || captured.Rating != 5 {
		t.Fatalf("unexpected command %+v", captured)
	}
	var body reviewResponse
	decodeData(t, rr, &body)
	if body.AvgRating != 4.5 || body.RatingCount != 2 || body.Review.OrderID != "order-1" {
		t.Fatalf("unexpected review response %+v", body)
	}

	for _, payload := range []map[string]any{{}, {"rating": 0}, {"rating": 6}} {
		rr = httptest.NewRecorder()
		router.ServeHTTP(rr, withActor(jsonRequest(t, http.MethodPost, "/orders/order-1/rating", payload), "user-1", "customer"))
		assertError(t, rr, http.StatusBadRequest, "VALIDATION_ERROR")
	}
}

func TestOrderHandlersRateOrderWithoutReviewService(t *testing.T) {
	router := newOrderRouter(NewOrderHandlers(nil, &stubOrderService{}))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, withActor(jsonRequest(t, http.MethodPost, "/orders/order-1/rating", map[string]any{"rating": 4}), "user-1", "customer"))
	assertError(t, rr, http.StatusServiceUnavailable, "INTERNAL_ERROR")
}
