package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/quicrefill/api/internal/domain"
	"github.com/quicrefill/api/internal/platform/auth"
	"github.com/quicrefill/api/internal/repositories"
	"github.com/quicrefill/api/internal/services"
)

var errStubNotImplemented = errors.New("not implemented")

type stubOrderService struct {
	createFn    func(context.Context, services.CreateOrderCommand) (services.OrderPlacement, error)
	approveFn   func(context.Context, services.OrderActionCommand) (domain.ServiceOrder, error)
	rejectFn    func(context.Context, services.OrderActionCommand) (domain.ServiceOrder, error)
	assignFn    func(context.Context, services.AssignAgentCommand) (domain.ServiceOrder, error)
	dispatchFn  func(context.Context, services.OrderActionCommand) (domain.ServiceOrder, error)
	completeFn  func(context.Context, services.CompleteDeliveryCommand) (domain.ServiceOrder, error)
	cancelFn    func(context.Context, services.OrderActionCommand) (domain.ServiceOrder, error)
	getFn       func(context.Context, string, services.Actor) (domain.ServiceOrder, error)
	historyFn   func(context.Context, string, services.Actor) ([]domain.OrderStatusHistory, error)
	customerFn  func(context.Context, string, services.OrderListFilter) (domain.CursorPage[domain.ServiceOrder], error)
	providerFn  func(context.Context, string, services.OrderListFilter) (domain.CursorPage[domain.ServiceOrder], error)
	reconcileFn func(context.Context, string, services.PaymentResult) (domain.ServiceOrder, error)
}

func (s *stubOrderService) Create(ctx context.Context, cmd services.CreateOrderCommand) (services.OrderPlacement, error) {
	if s.createFn != nil {
		return s.createFn(ctx, cmd)
	}
	return services.OrderPlacement{}, errStubNotImplemented
}

func (s *stubOrderService) Approve(ctx context.Context, cmd services.OrderActionCommand) (domain.ServiceOrder, error) {
	if s.approveFn != nil {
		return s.approveFn(ctx, cmd)
	}
	return domain.ServiceOrder{}, errStubNotImplemented
}

func (s *stubOrderService) Reject(ctx context.Context, cmd services.OrderActionCommand) (domain.ServiceOrder, error) {
	if s.rejectFn != nil {
		return s.rejectFn(ctx, cmd)
	}
	return domain.ServiceOrder{}, errStubNotImplemented
}

func (s *stubOrderService) AssignAgent(ctx context.Context, cmd services.AssignAgentCommand) (domain.ServiceOrder, error) {
	if s.assignFn != nil {
		return s.assignFn(ctx, cmd)
	}
	return domain.ServiceOrder{}, errStubNotImplemented
}

func (s *stubOrderService) MarkOutForDelivery(ctx context.Context, cmd services.OrderActionCommand) (domain.ServiceOrder, error) {
	if s.dispatchFn != nil {
		return s.dispatchFn(ctx, cmd)
	}
	return domain.ServiceOrder{}, errStubNotImplemented
}

func (s *stubOrderService) CompleteDelivery(ctx context.Context, cmd services.CompleteDeliveryCommand) (domain.ServiceOrder, error) {
	if s.completeFn != nil {
		return s.completeFn(ctx, cmd)
	}
	return domain.ServiceOrder{}, errStubNotImplemented
}

func (s *stubOrderService) Cancel(ctx context.Context, cmd services.OrderActionCommand) (domain.ServiceOrder, error) {
	if s.cancelFn != nil {
		return s.cancelFn(ctx, cmd)
	}
	return domain.ServiceOrder{}, errStubNotImplemented
}

func (s *stubOrderService) Get(ctx context.Context, orderID string, actor services.Actor) (domain.ServiceOrder, error) {
	if s.getFn != nil {
		return s.getFn(ctx, orderID, actor)
	}
	return domain.ServiceOrder{}, errStubNotImplemented
}

func (s *stubOrderService) History(ctx context.Context, orderID string, actor services.Actor) ([]domain.OrderStatusHistory, error) {
	if s.historyFn != nil {
		return s.historyFn(ctx, orderID, actor)
	}
	return nil, errStubNotImplemented
}

func (s *stubOrderService) ListForCustomer(ctx context.Context, userID string, filter services.OrderListFilter) (domain.CursorPage[domain.ServiceOrder], error) {
	if s.customerFn != nil {
		return s.customerFn(ctx, userID, filter)
	}
	return domain.CursorPage[domain.ServiceOrder]{}, nil
}

func (s *stubOrderService) ListForProvider(ctx context.Context, providerID string, filter services.OrderListFilter) (domain.CursorPage[domain.ServiceOrder], error) {
	if s.providerFn != nil {
		return s.providerFn(ctx, providerID, filter)
	}
	return domain.CursorPage[domain.ServiceOrder]{}, nil
}

func (s *stubOrderService) ReconcilePayment(ctx context.Context, intentID string, result services.PaymentResult) (domain.ServiceOrder, error) {
	if s.reconcileFn != nil {
		return s.reconcileFn(ctx, intentID, result)
	}
	return domain.ServiceOrder{}, errStubNotImplemented
}

type stubReviewService struct {
	addFn func(context.Context, services.RateOrderCommand) (services.ReviewResult, error)
}

func (s *stubReviewService) AddServiceOrderRating(ctx context.Context, cmd services.RateOrderCommand) (services.ReviewResult, error) {
	if s.addFn != nil {
		return s.addFn(ctx, cmd)
	}
	return services.ReviewResult{}, errStubNotImplemented
}

type stubRevenueService struct {
	dailyFn func(context.Context, services.DailyRevenueQuery) ([]domain.ServiceRevenue, error)
}

func (s *stubRevenueService) Increment(domain.ServiceOrder, time.Time) repositories.RevenueIncrement {
	return repositories.RevenueIncrement{}
}

func (s *stubRevenueService) UpdateServiceRevenue(context.Context, domain.ServiceOrder) error {
	return nil
}

func (s *stubRevenueService) DailyRevenue(ctx context.Context, query services.DailyRevenueQuery) ([]domain.ServiceRevenue, error) {
	if s.dailyFn != nil {
		return s.dailyFn(ctx, query)
	}
	return nil, nil
}

type stubSystemService struct {
	report domain.SystemHealthReport
	err    error
}

func (s *stubSystemService) HealthReport(context.Context) (domain.SystemHealthReport, error) {
	return s.report, s.err
}

func withActor(req *http.Request, uid, role string) *http.Request {
	return req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: uid, Role: role}))
}

func jsonRequest(t *testing.T, method, target string, body any) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	switch v := body.(type) {
	case nil:
	case string:
		buf.WriteString(v)
	default:
		if err := json.NewEncoder(&buf).Encode(v); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	return req
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Message string          `json:"message"`
	Status  int             `json:"status"`
	Details map[string]any  `json:"details"`
}

func decodeEnvelope(t *testing.T, rr *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
	return env
}

func decodeData(t *testing.T, rr *httptest.ResponseRecorder, dst any) {
	t.Helper()
	env := decodeEnvelope(t, rr)
	if !env.Success {
		t.Fatalf("expected success envelope, got %s", rr.Body.String())
	}
	if err := json.Unmarshal(env.Data, dst); err != nil {
		t.Fatalf("decode data: %v", err)
	}
}

func assertError(t *testing.T, rr *httptest.ResponseRecorder, status int, code string) envelope {
	t.Helper()
	if rr.Code != status {
		t.Fatalf("expected status %d, got %d: %s", status, rr.Code, rr.Body.String())
	}
	env := decodeEnvelope(t, rr)
	if env.Success || env.Error != code {
		t.Fatalf("expected error %s, got %s", code, rr.Body.String())
	}
	return env
}
