package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/quicrefill/api/internal/platform/auth"
	"github.com/quicrefill/api/internal/platform/httpx"
	"github.com/quicrefill/api/internal/services"
)

// WalletHandlers exposes the caller's wallet balance.
type WalletHandlers struct {
	authn   *auth.Authenticator
	wallets services.WalletService
}

// NewWalletHandlers constructs a new WalletHandlers instance.
func NewWalletHandlers(authn *auth.Authenticator, wallets services.WalletService) *WalletHandlers {
	return &WalletHandlers{authn: authn, wallets: wallets}
}

// Routes registers the /wallet endpoints.
func (h *WalletHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth(services.RoleCustomer))
	}
	r.Get("/", h.balance)
}

func (h *WalletHandlers) balance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.wallets == nil {
		serviceUnavailable(ctx, w, "wallet")
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	wallet, err := h.wallets.Balance(ctx, actor.ID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, walletPayload{
		UserID:    actor.ID,
		Balance:   money(wallet.Balance),
		Currency:  wallet.Currency,
		UpdatedAt: formatTime(wallet.UpdatedAt),
	})
}

type walletPayload struct {
	UserID    string `json:"user_id"`
	Balance   string `json:"balance"`
	Currency  string `json:"currency"`
	UpdatedAt string `json:"updated_at,omitempty"`
}
