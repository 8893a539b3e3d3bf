package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/quicrefill/api/internal/domain"
	"github.com/quicrefill/api/internal/platform/auth"
	"github.com/quicrefill/api/internal/platform/httpx"
	"github.com/quicrefill/api/internal/services"
)

var validServiceTypes = map[domain.ServiceType]struct{}{
	domain.ServiceTypePetrol:      {},
	domain.ServiceTypeDiesel:      {},
	domain.ServiceTypeKerosene:    {},
	domain.ServiceTypeGas:         {},
	domain.ServiceTypeEVCharging:  {},
	domain.ServiceTypeSolar:       {},
	domain.ServiceTypeElectricity: {},
}

var validDocumentStatuses = map[services.DocumentStatus]struct{}{
	services.DocumentPending:  {},
	services.DocumentApproved: {},
	services.DocumentRejected: {},
}

type listingEvaluator interface {
	Evaluate(ctx context.Context, draft services.ListingDraft, creds services.ProviderCredentials) (services.ListingDecision, error)
}

// AdminHandlers exposes back-office endpoints used while reviewing provider listings.
type AdminHandlers struct {
	authn    *auth.Authenticator
	listings listingEvaluator
}

// NewAdminHandlers constructs a new AdminHandlers instance.
func NewAdminHandlers(authn *auth.Authenticator, listings listingEvaluator) *AdminHandlers {
	return &AdminHandlers{
		authn:    authn,
		listings: listings,
	}
}

// Routes registers the /admin endpoints.
func (h *AdminHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth(services.RoleAdmin))
	}
	r.Post("/listings:evaluate", h.evaluateListing)
}

type evaluateListingRequest struct {
	ServiceType  string                   `json:"service_type"`
	PricePerUnit *decimal.Decimal         `json:"price_per_unit"`
	Documents    providerDocumentsRequest `json:"documents"`
}

type providerDocumentsRequest struct {
	BusinessVerification string   `json:"business_verification"`
	HandlingLicences     []string `json:"handling_licences"`
	Vehicles             []string `json:"vehicles"`
}

func (req evaluateListingRequest) toInput() (services.ListingDraft, services.ProviderCredentials, fieldErrors) {
	errs := fieldErrors{}
	draft := services.ListingDraft{
		Type: domain.ServiceType(strings.ToLower(strings.TrimSpace(req.ServiceType))),
	}
	if draft.Type == "" {
		errs.add("service_type", "is required")
	} else if _, ok := validServiceTypes[draft.Type]; !ok {
		errs.add("service_type", "is not a supported service type")
	}
	draft.PricePerUnit = validateQuantity(errs, "price_per_unit", req.PricePerUnit)

	creds := services.ProviderCredentials{
		BusinessVerification: documentStatus(errs, "documents.business_verification", req.Documents.BusinessVerification),
	}
	for _, raw := range req.Documents.HandlingLicences {
		creds.HandlingLicences = append(creds.HandlingLicences, documentStatus(errs, "documents.handling_licences", raw))
	}
	for _, raw := range req.Documents.Vehicles {
		creds.Vehicles = append(creds.Vehicles, documentStatus(errs, "documents.vehicles", raw))
	}
	return draft, creds, errs
}

func documentStatus(errs fieldErrors, field, raw string) services.DocumentStatus {
	status := services.DocumentStatus(strings.ToUpper(strings.TrimSpace(raw)))
	if status == "" {
		return services.DocumentPending
	}
	if _, ok := validDocumentStatuses[status]; !ok {
		errs.add(field, "must be PENDING, APPROVED or REJECTED")
	}
	return status
}

func (h *AdminHandlers) evaluateListing(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.listings == nil {
		serviceUnavailable(ctx, w, "listing")
		return
	}
	if _, ok := requireActor(w, r); !ok {
		return
	}
	var req evaluateListingRequest
	if !decodeBody(w, r, maxOrderBodySize, &req, false) {
		return
	}
	draft, creds, errs := req.toInput()
	if errs.writeIfAny(ctx, w) {
		return
	}

	decision, err := h.listings.Evaluate(ctx, draft, creds)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, listingDecisionPayload{
		ServiceType:        string(draft.Type),
		SubmittedPrice:     money(draft.PricePerUnit),
		StoredPricePerUnit: money(decision.StoredPricePerUnit),
		TaxInclusive:       decision.TaxInclusive,
	})
}

type listingDecisionPayload struct {
	ServiceType        string `json:"service_type"`
	SubmittedPrice     string `json:"submitted_price_per_unit"`
	StoredPricePerUnit string `json:"stored_price_per_unit"`
	TaxInclusive       bool   `json:"tax_inclusive"`
}
