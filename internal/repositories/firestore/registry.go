package firestore

import (
	"context"
	"errors"

	pfirestore "github.com/quicrefill/api/internal/platform/firestore"
	"github.com/quicrefill/api/internal/repositories"
)

// RegistryOption customises the Firestore registry.
type RegistryOption func(*registryConfig)

type registryConfig struct {
	currency         string
	decorateServices func(repositories.ServiceRepository) repositories.ServiceRepository
	probes           []repositories.DependencyProbe
}

// WithWalletCurrency sets the currency reported for wallets that have no document yet.
func WithWalletCurrency(currency string) RegistryOption {
	return func(cfg *registryConfig) {
		cfg.currency = currency
	}
}

// WithServiceDecorator wraps the service repository, typically with the listing cache.
func WithServiceDecorator(decorate func(repositories.ServiceRepository) repositories.ServiceRepository) RegistryOption {
	return func(cfg *registryConfig) {
		cfg.decorateServices = decorate
	}
}

// WithHealthProbes adds readiness probes next to the Firestore ping.
func WithHealthProbes(probes ...repositories.DependencyProbe) RegistryOption {
	return func(cfg *registryConfig) {
		cfg.probes = append(cfg.probes, probes...)
	}
}

// Registry wires every Firestore repository over a shared provider.
type Registry struct {
	provider       *pfirestore.Provider
	services       repositories.ServiceRepository
	addresses      *AddressRepository
	orders         *OrderRepository
	vouchers       *VoucherRepository
	settings       *SettingsRepository
	revenue        *RevenueRepository
	reviews        *ReviewRepository
	wallets        *WalletRepository
	paymentIntents *PaymentIntentRepository
	health         repositories.HealthRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry constructs all repositories. The provider is closed by Registry.Close.
func NewRegistry(provider *pfirestore.Provider, opts ...RegistryOption) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("registry requires firestore provider")
	}
	cfg := registryConfig{currency: "NGN"}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	services, err := NewServiceRepository(provider)
	if err != nil {
		return nil, err
	}
	addresses, err := NewAddressRepository(provider)
	if err != nil {
		return nil, err
	}
	orders, err := NewOrderRepository(provider)
	if err != nil {
		return nil, err
	}
	vouchers, err := NewVoucherRepository(provider)
	if err != nil {
		return nil, err
	}
	settings, err := NewSettingsRepository(provider)
	if err != nil {
		return nil, err
	}
	revenue, err := NewRevenueRepository(provider)
	if err != nil {
		return nil, err
	}
	reviews, err := NewReviewRepository(provider)
	if err != nil {
		return nil, err
	}
	wallets, err := NewWalletRepository(provider, cfg.currency)
	if err != nil {
		return nil, err
	}
	intents, err := NewPaymentIntentRepository(provider)
	if err != nil {
		return nil, err
	}

	probes := append([]repositories.DependencyProbe{{Name: "firestore", Check: provider.Ping}}, cfg.probes...)
	health, err := repositories.NewDependencyHealthRepository(probes)
	if err != nil {
		return nil, err
	}

	var serviceRepo repositories.ServiceRepository = services
	if cfg.decorateServices != nil {
		serviceRepo = cfg.decorateServices(services)
	}

	return &Registry{
		provider:       provider,
		services:       serviceRepo,
		addresses:      addresses,
		orders:         orders,
		vouchers:       vouchers,
		settings:       settings,
		revenue:        revenue,
		reviews:        reviews,
		wallets:        wallets,
		paymentIntents: intents,
		health:         health,
	}, nil
}

func (r *Registry) Close(ctx context.Context) error { return r.provider.Close(ctx) }

func (r *Registry) Services() repositories.ServiceRepository { return r.services }
func (r *Registry) Addresses() repositories.AddressRepository { return r.addresses }
func (r *Registry) Orders() repositories.OrderRepository { return r.orders }
func (r *Registry) Vouchers() repositories.VoucherRepository { return r.vouchers }
func (r *Registry) Settings() repositories.SettingsRepository { return r.settings }
func (r *Registry) Revenue() repositories.RevenueRepository { return r.revenue }
func (r *Registry) Reviews() repositories.ReviewRepository { return r.reviews }
func (r *Registry) Wallets() repositories.WalletRepository { return r.wallets }
func (r *Registry) PaymentIntents() repositories.PaymentIntentRepository { return r.paymentIntents }
func (r *Registry) Health() repositories.HealthRepository { return r.health }
