package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/quicrefill/api/internal/domain"
	"github.com/quicrefill/api/internal/platform/httpx"
	"github.com/quicrefill/api/internal/platform/requestctx"
	"github.com/quicrefill/api/internal/services"
)

const maxWebhookBodySize = 64 * 1024

// PaymentWebhookHandlers receives asynchronous payment outcomes from gateways. Signature checks are
// applied by the /webhooks group middleware.
type PaymentWebhookHandlers struct {
	orders   services.OrderService
	provider string
}

// NewPaymentWebhookHandlers constructs webhook handlers for the named provider.
func NewPaymentWebhookHandlers(orders services.OrderService, provider string) *PaymentWebhookHandlers {
	return &PaymentWebhookHandlers{orders: orders, provider: strings.TrimSpace(provider)}
}

// Routes registers the /webhooks endpoints.
func (h *PaymentWebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/payments/"+h.provider, h.paymentEvent)
}

type paymentEventRequest struct {
	IntentID         string `json:"intent_id"`
	Reference        string `json:"reference"`
	Status           string `json:"status"`
	ElectricityToken string `json:"electricity_token"`
	FailureReason    string `json:"failure_reason"`
}

var webhookPaymentStatuses = map[string]domain.PaymentStatus{
	"succeeded": domain.PaymentStatusCompleted,
	"completed": domain.PaymentStatusCompleted,
	"success":   domain.PaymentStatusCompleted,
	"failed":    domain.PaymentStatusFailed,
	"reversed":  domain.PaymentStatusFailed,
	"pending":   domain.PaymentStatusPending,
}

func (h *PaymentWebhookHandlers) paymentEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		serviceUnavailable(ctx, w, "order")
		return
	}
	var req paymentEventRequest
	if !decodeBody(w, r, maxWebhookBodySize, &req, false) {
		return
	}
	errs := fieldErrors{}
	intentID := validateID(errs, "intent_id", req.IntentID)
	status, ok := webhookPaymentStatuses[strings.ToLower(strings.TrimSpace(req.Status))]
	if !ok {
		errs.add("status", "is not a recognised payment status")
	}
	if errs.writeIfAny(ctx, w) {
		return
	}

	order, err := h.orders.ReconcilePayment(ctx, intentID, services.PaymentResult{
		TransactionID:    strings.TrimSpace(req.Reference),
		Provider:         h.provider,
		Status:           status,
		ElectricityToken: strings.TrimSpace(req.ElectricityToken),
		FailureReason:    strings.TrimSpace(req.FailureReason),
	})
	if err != nil {
		requestctx.Logger(ctx).Warn("payment webhook not applied",
			zap.String("provider", h.provider),
			zap.String("intentId", intentID),
			zap.Error(err),
		)
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, paymentEventResponse{
		OrderID:       order.ID,
		Status:        string(order.Status),
		PaymentStatus: string(order.PaymentStatus),
	})
}

type paymentEventResponse struct {
	OrderID       string `json:"order_id"`
	Status        string `json:"status"`
	PaymentStatus string `json:"payment_status"`
}
