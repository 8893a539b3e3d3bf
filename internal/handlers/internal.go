package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/quicrefill/api/internal/platform/httpx"
	"github.com/quicrefill/api/internal/services"
)

// InternalHandlers exposes maintenance endpoints called by Cloud Scheduler. Authentication is
// applied by the /internal group middleware.
type InternalHandlers struct {
	reconciler services.PaymentReconciler
}

// NewInternalHandlers constructs a new InternalHandlers instance.
func NewInternalHandlers(reconciler services.PaymentReconciler) *InternalHandlers {
	return &InternalHandlers{reconciler: reconciler}
}

// Routes registers the /internal endpoints.
func (h *InternalHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/payments:reconcile", h.reconcilePayments)
}

func (h *InternalHandlers) reconcilePayments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reconciler == nil {
		serviceUnavailable(ctx, w, "reconciliation")
		return
	}
	report, err := h.reconciler.Sweep(ctx)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, sweepPayload{
		Scanned: report.Scanned,
		Settled: report.Settled,
		Failed:  report.Failed,
		Pending: report.Pending,
		Errors:  report.Errors,
	})
}

type sweepPayload struct {
	Scanned int `json:"scanned"`
	Settled int `json:"settled"`
	Failed  int `json:"failed"`
	Pending int `json:"pending"`
	Errors  int `json:"errors"`
}
