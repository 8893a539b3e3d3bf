package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/quicrefill/api/internal/platform/auth"
	"github.com/quicrefill/api/internal/platform/httpx"
	"github.com/quicrefill/api/internal/services"
)

// ServiceHandlers answers reach and price questions about a service before an order is placed.
type ServiceHandlers struct {
	authn        *auth.Authenticator
	availability services.AvailabilityChecker
	pricing      services.PricingEngine
}

// NewServiceHandlers constructs a new ServiceHandlers instance.
func NewServiceHandlers(authn *auth.Authenticator, availability services.AvailabilityChecker, pricing services.PricingEngine) *ServiceHandlers {
	return &ServiceHandlers{
		authn:        authn,
		availability: availability,
		pricing:      pricing,
	}
}

// Routes registers the /services endpoints.
func (h *ServiceHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.Get("/{serviceID}/availability", h.checkAvailability)
	r.Post("/{serviceID}:quote", h.quote)
}

func (h *ServiceHandlers) checkAvailability(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.availability == nil {
		serviceUnavailable(ctx, w, "availability")
		return
	}
	if _, ok := requireActor(w, r); !ok {
		return
	}
	errs := fieldErrors{}
	serviceID := validateID(errs, "service_id", chi.URLParam(r, "serviceID"))
	addressID := validateID(errs, "address_id", r.URL.Query().Get("address_id"))
	if errs.writeIfAny(ctx, w) {
		return
	}

	result, err := h.availability.Check(ctx, serviceID, addressID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, availabilityPayload{
		ServiceID:      result.ServiceID,
		AddressID:      result.AddressID,
		Available:      result.Available,
		DistanceKm:     result.Distance.Km,
		DistanceSource: result.Distance.Source,
		RadiusKm:       result.RadiusKm,
		AdditionalFee:  money(result.AdditionalFee),
		Alternatives:   buildAlternatives(result.Alternatives),
	})
}

type quoteRequest struct {
	AddressID     string           `json:"address_id"`
	OrderQuantity *decimal.Decimal `json:"order_quantity"`
	VoucherCode   string           `json:"voucher_code"`
}

func (h *ServiceHandlers) quote(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.pricing == nil {
		serviceUnavailable(ctx, w, "pricing")
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req quoteRequest
	if !decodeBody(w, r, maxOrderBodySize, &req, false) {
		return
	}
	errs := fieldErrors{}
	cmd := services.QuoteCommand{
		ServiceID:   validateID(errs, "service_id", chi.URLParam(r, "serviceID")),
		AddressID:   validateID(errs, "address_id", req.AddressID),
		Quantity:    validateQuantity(errs, "order_quantity", req.OrderQuantity),
		VoucherCode: strings.TrimSpace(req.VoucherCode),
		UserID:      actor.ID,
		UserRole:    actor.Role,
	}
	if len(cmd.VoucherCode) > maxVoucherCodeLen {
		errs.add("voucher_code", "is too long")
	}
	if errs.writeIfAny(ctx, w) {
		return
	}

	quote, err := h.pricing.Calculate(ctx, cmd)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	payload := quotePayload{
		ServiceID:       quote.Service.ID,
		AddressID:       quote.Address.ID,
		OrderQuantity:   cmd.Quantity.String(),
		DistanceKm:      quote.Availability.Distance.Km,
		ServiceSubtotal: money(quote.Breakdown.ServiceSubtotal),
		ServiceFee:      money(quote.Breakdown.ServiceFee),
		DeliveryFee:     money(quote.Breakdown.DeliveryFee),
		AdditionalFee:   money(quote.Breakdown.AdditionalFee),
		PetroleumTax:    money(quote.Breakdown.PetroleumTax),
		DiscountAmount:  money(quote.Breakdown.DiscountAmount),
		Subtotal:        money(quote.Breakdown.Subtotal),
		VATRate:         quote.Breakdown.VATRate.String(),
		VATAmount:       money(quote.Breakdown.VATAmount),
		TotalAmount:     money(quote.Breakdown.TotalAmount),
	}
	if quote.Voucher != nil {
		payload.VoucherCode = quote.Voucher.Code
	}
	httpx.WriteJSON(w, http.StatusOK, quoteResponse{Quote: payload})
}

type availabilityPayload struct {
	ServiceID      string               `json:"service_id"`
	AddressID      string               `json:"address_id"`
	Available      bool                 `json:"available"`
	DistanceKm     float64              `json:"distance_km"`
	DistanceSource string               `json:"distance_source"`
	RadiusKm       float64              `json:"radius_km"`
	AdditionalFee  string               `json:"additional_fee"`
	Alternatives   []alternativePayload `json:"alternatives,omitempty"`
}

type quoteResponse struct {
	Quote quotePayload `json:"quote"`
}

type quotePayload struct {
	ServiceID       string  `json:"service_id"`
	AddressID       string  `json:"address_id"`
	OrderQuantity   string  `json:"order_quantity"`
	DistanceKm      float64 `json:"distance_km"`
	VoucherCode     string  `json:"voucher_code,omitempty"`
	ServiceSubtotal string  `json:"service_subtotal"`
	ServiceFee      string  `json:"service_fee"`
	DeliveryFee     string  `json:"delivery_fee"`
	AdditionalFee   string  `json:"additional_fee"`
	PetroleumTax    string  `json:"petroleum_tax"`
	DiscountAmount  string  `json:"discount_amount"`
	Subtotal        string  `json:"subtotal"`
	VATRate         string  `json:"vat_rate"`
	VATAmount       string  `json:"vat_amount"`
	TotalAmount     string  `json:"total_amount"`
}
