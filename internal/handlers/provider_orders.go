package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/quicrefill/api/internal/domain"
	"github.com/quicrefill/api/internal/platform/auth"
	"github.com/quicrefill/api/internal/platform/httpx"
	"github.com/quicrefill/api/internal/services"
)

// ProviderHandlers exposes the provider side of the order lifecycle and the revenue dashboard.
type ProviderHandlers struct {
	authn   *auth.Authenticator
	orders  services.OrderService
	revenue services.RevenueService
}

// NewProviderHandlers constructs a new ProviderHandlers instance.
func NewProviderHandlers(authn *auth.Authenticator, orders services.OrderService, revenue services.RevenueService) *ProviderHandlers {
	return &ProviderHandlers{
		authn:   authn,
		orders:  orders,
		revenue: revenue,
	}
}

// Routes registers the /provider endpoints.
func (h *ProviderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth(services.RoleProvider))
	}
	r.Get("/orders", h.listOrders)
	r.Get("/orders/{orderID}", h.getOrder)
	r.Post("/orders/{orderID}:approve", h.transition(func(h *ProviderHandlers, r *http.Request, cmd services.OrderActionCommand) (domain.ServiceOrder, error) {
		return h.orders.Approve(r.Context(), cmd)
	}))
	r.Post("/orders/{orderID}:reject", h.transition(func(h *ProviderHandlers, r *http.Request, cmd services.OrderActionCommand) (domain.ServiceOrder, error) {
		return h.orders.Reject(r.Context(), cmd)
	}))
	r.Post("/orders/{orderID}:dispatch", h.transition(func(h *ProviderHandlers, r *http.Request, cmd services.OrderActionCommand) (domain.ServiceOrder, error) {
		return h.orders.MarkOutForDelivery(r.Context(), cmd)
	}))
	r.Post("/orders/{orderID}:assign", h.assignAgent)
	r.Post("/orders/{orderID}:complete", h.completeDelivery)
	r.Get("/services/{serviceID}/revenue", h.dailyRevenue)
}

type providerTransition func(h *ProviderHandlers, r *http.Request, cmd services.OrderActionCommand) (domain.ServiceOrder, error)

func (h *ProviderHandlers) transition(apply providerTransition) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
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
		order, err := apply(h, r, cmd)
		if err != nil {
			writeServiceError(ctx, w, err)
			return
		}
		writeOrderResult(w, order)
	}
}

func (h *ProviderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
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

	providerID := actor.ID
	if actor.IsAdmin() {
		if requested := strings.TrimSpace(r.URL.Query().Get("provider_id")); requested != "" {
			providerID = requested
		}
	}
	page, err := h.orders.ListForProvider(ctx, providerID, filter)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildOrderList(page))
}

func (h *ProviderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
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
	writeOrderResult(w, order)
}

type assignAgentRequest struct {
	AgentID string `json:"agent_id"`
	Notes   string `json:"notes"`
}

func (h *ProviderHandlers) assignAgent(w http.ResponseWriter, r *http.Request) {
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
	var req assignAgentRequest
	if !decodeBody(w, r, maxOrderBodySize, &req, false) {
		return
	}
	errs := fieldErrors{}
	agentID := validateID(errs, "agent_id", req.AgentID)
	notes := strings.TrimSpace(req.Notes)
	if len(notes) > maxNotesLen {
		errs.add("notes", "is too long")
	}
	if errs.writeIfAny(ctx, w) {
		return
	}

	order, err := h.orders.AssignAgent(ctx, services.AssignAgentCommand{
		OrderActionCommand: services.OrderActionCommand{OrderID: orderID, Actor: actor, Notes: notes},
		AgentID:            agentID,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeOrderResult(w, order)
}

type completeDeliveryRequest struct {
	ConfirmationCode string `json:"confirmation_code"`
	DisputeReason    string `json:"dispute_reason"`
	Notes            string `json:"notes"`
}

func (h *ProviderHandlers) completeDelivery(w http.ResponseWriter, r *http.Request) {
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
	var req completeDeliveryRequest
	if !decodeBody(w, r, maxOrderBodySize, &req, false) {
		return
	}
	errs := fieldErrors{}
	code := strings.TrimSpace(req.ConfirmationCode)
	if code == "" {
		errs.add("confirmation_code", "is required")
	} else if !isDigits(code) || len(code) != 4 {
		errs.add("confirmation_code", "must be four digits")
	}
	dispute := strings.TrimSpace(req.DisputeReason)
	if len(dispute) > maxNotesLen {
		errs.add("dispute_reason", "is too long")
	}
	if errs.writeIfAny(ctx, w) {
		return
	}

	order, err := h.orders.CompleteDelivery(ctx, services.CompleteDeliveryCommand{
		OrderActionCommand: services.OrderActionCommand{OrderID: orderID, Actor: actor, Notes: strings.TrimSpace(req.Notes)},
		ConfirmationCode:   code,
		DisputeReason:      dispute,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeOrderResult(w, order)
}

func (h *ProviderHandlers) dailyRevenue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.revenue == nil {
		serviceUnavailable(ctx, w, "revenue")
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	errs := fieldErrors{}
	serviceID := validateID(errs, "service_id", chi.URLParam(r, "serviceID"))
	from := parseDay(errs, "from", r.URL.Query().Get("from"))
	to := parseDay(errs, "to", r.URL.Query().Get("to"))
	if errs.writeIfAny(ctx, w) {
		return
	}

	rows, err := h.revenue.DailyRevenue(ctx, services.DailyRevenueQuery{
		ServiceID: serviceID,
		Actor:     actor,
		From:      from,
		To:        to,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	items := make([]revenuePayload, 0, len(rows))
	for _, row := range rows {
		items = append(items, revenuePayload{
			Date:         row.Date,
			TotalOrders:  row.TotalOrders,
			TotalRevenue: money(row.TotalRevenue),
			DeliveryFees: money(row.DeliveryFees),
		})
	}
	httpx.WriteJSON(w, http.StatusOK, revenueResponse{ServiceID: serviceID, Days: items})
}

func writeOrderResult(w http.ResponseWriter, order domain.ServiceOrder) {
	httpx.WriteJSON(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

type revenueResponse struct {
	ServiceID string           `json:"service_id"`
	Days      []revenuePayload `json:"days"`
}

type revenuePayload struct {
	Date         string `json:"date"`
	TotalOrders  int64  `json:"total_orders"`
	TotalRevenue string `json:"total_revenue"`
	DeliveryFees string `json:"delivery_fees"`
}
