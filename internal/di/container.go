package di

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quicrefill/api/internal/domain"
	"github.com/quicrefill/api/internal/payments"
	"github.com/quicrefill/api/internal/platform/config"
	"github.com/quicrefill/api/internal/repositories"
	"github.com/quicrefill/api/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon. Concrete implementations
// are assembled via dependency injection in NewContainer.
type Services struct {
	Settings     services.SettingsProvider
	Availability services.AvailabilityChecker
	Vouchers     services.VoucherValidator
	Pricing      services.PricingEngine
	Wallets      services.WalletService
	Payments     services.PaymentDispatcher
	Revenue      services.RevenueService
	Orders       services.OrderService
	Reviews      services.ReviewService
	Reconciler   services.PaymentReconciler
	System       services.SystemService
	Listings     *services.ListingPolicy
	Notifier     *services.Notifier
}

// Dependencies carries the external collaborators that do not live in the repository registry.
// Every field is optional.
type Dependencies struct {
	Gateway   *payments.Manager
	Routes    services.RouteResolver
	Publisher services.NotificationPublisher
	Build     services.BuildInfo
	Clock     func() time.Time
	Logger    func(ctx context.Context, event string, fields map[string]any)
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
}

// NewContainer constructs the runtime dependencies. Production wiring passes the Firestore
// registry, while tests can supply in-memory registries.
func NewContainer(ctx context.Context, cfg config.Config, reg repositories.Registry, deps Dependencies) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}

	svc, err := buildServices(ctx, reg, cfg, deps)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: reg,
		Services:     svc,
	}, nil
}

// Close drains pending notifications and releases repository clients.
func (c *Container) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	var errs []error
	if c.Services.Notifier != nil {
		if err := c.Services.Notifier.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close notifier: %w", err))
		}
	}
	if c.Repositories != nil {
		if err := c.Repositories.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close repositories: %w", err))
		}
	}
	return errors.Join(errs...)
}

func buildServices(_ context.Context, reg repositories.Registry, cfg config.Config, deps Dependencies) (Services, error) {
	var svc Services

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger

	settings, err := services.NewSettingsService(services.SettingsServiceDeps{
		Settings:  reg.Settings(),
		Fallbacks: pricingFallbacks(cfg.Pricing),
		Logger:    logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build settings service: %w", err)
	}
	svc.Settings = settings

	availability, err := services.NewAvailabilityService(services.AvailabilityServiceDeps{
		Services:  reg.Services(),
		Addresses: reg.Addresses(),
		Routes:    deps.Routes,
		Logger:    logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build availability service: %w", err)
	}
	svc.Availability = availability

	vouchers, err := services.NewVoucherService(services.VoucherServiceDeps{
		Vouchers: reg.Vouchers(),
		Clock:    clock,
		Logger:   logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build voucher service: %w", err)
	}
	svc.Vouchers = vouchers

	pricing, err := services.NewPricingEngine(services.PricingEngineDeps{
		Services:     reg.Services(),
		Addresses:    reg.Addresses(),
		Availability: availability,
		Settings:     settings,
		Vouchers:     vouchers,
		Logger:       logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build pricing engine: %w", err)
	}
	svc.Pricing = pricing

	wallets, err := services.NewWalletService(services.WalletServiceDeps{
		Wallets: reg.Wallets(),
		Clock:   clock,
		Logger:  logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build wallet service: %w", err)
	}
	svc.Wallets = wallets

	dispatcherDeps := services.PaymentDispatcherDeps{
		Wallet:          wallets,
		MethodProviders: methodProviders(cfg.Payments),
		BillProvider:    payments.ProviderBillGateway,
		Currency:        cfg.Payments.Currency,
		Logger:          logger,
	}
	if deps.Gateway != nil {
		dispatcherDeps.Gateway = deps.Gateway
	}
	dispatcher, err := services.NewPaymentDispatcher(dispatcherDeps)
	if err != nil {
		return Services{}, fmt.Errorf("build payment dispatcher: %w", err)
	}
	svc.Payments = dispatcher

	revenue, err := services.NewRevenueService(services.RevenueServiceDeps{
		Revenue:  reg.Revenue(),
		Services: reg.Services(),
		Clock:    clock,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build revenue service: %w", err)
	}
	svc.Revenue = revenue

	svc.Notifier = services.NewNotifier(services.NotifierDeps{
		Publisher: deps.Publisher,
		Logger:    logger,
	})

	orders, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:   reg.Orders(),
		Intents:  reg.PaymentIntents(),
		Pricing:  pricing,
		Payments: dispatcher,
		Wallet:   wallets,
		Revenue:  revenue,
		Notifier: svc.Notifier,
		Clock:    clock,
		Logger:   logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order service: %w", err)
	}
	svc.Orders = orders

	reviews, err := services.NewReviewService(services.ReviewServiceDeps{
		Orders:  reg.Orders(),
		Reviews: reg.Reviews(),
		Clock:   clock,
		Logger:  logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build review service: %w", err)
	}
	svc.Reviews = reviews

	reconciler, err := services.NewPaymentReconciler(services.PaymentReconcilerDeps{
		Intents:     reg.PaymentIntents(),
		Orders:      orders,
		Payments:    dispatcher,
		StaleAfter:  cfg.Reconcile.StaleAfter,
		BatchSize:   cfg.Reconcile.BatchSize,
		MaxAttempts: cfg.Reconcile.MaxAttempts,
		Clock:       clock,
		Logger:      logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build payment reconciler: %w", err)
	}
	svc.Reconciler = reconciler

	listings, err := services.NewListingPolicy(settings)
	if err != nil {
		return Services{}, fmt.Errorf("build listing policy: %w", err)
	}
	svc.Listings = listings

	if healthRepo := reg.Health(); healthRepo != nil {
		build := deps.Build
		if build.Environment == "" {
			build.Environment = cfg.Security.Environment
		}
		if build.StartedAt.IsZero() {
			build.StartedAt = clock().UTC()
		}
		system, err := services.NewSystemService(services.SystemServiceDeps{
			HealthRepository: healthRepo,
			Clock:            clock,
			Build:            build,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build system service: %w", err)
		}
		svc.System = system
	}

	return svc, nil
}

// pricingFallbacks parses the configured defaults. Config validation already rejected malformed
// values, so parse failures leave the built-in default in place.
func pricingFallbacks(cfg config.PricingConfig) services.PricingSettings {
	parse := func(raw string) decimal.Decimal {
		value, err := decimal.NewFromString(strings.TrimSpace(raw))
		if err != nil {
			return decimal.Zero
		}
		return value
	}
	return services.PricingSettings{
		ServiceCharge:    parse(cfg.ServiceCharge),
		VATRate:          parse(cfg.VATRate),
		PetroleumTaxRate: parse(cfg.PetroleumTaxRate),
	}
}

// methodProviders sends cards through Stripe and bank rails through the bill gateway when one is
// configured.
func methodProviders(cfg config.PaymentsConfig) map[domain.PaymentMethod]string {
	routes := map[domain.PaymentMethod]string{
		domain.PaymentMethodCard: payments.ProviderStripe,
	}
	bank := payments.ProviderStripe
	if strings.TrimSpace(cfg.BillGatewayURL) != "" {
		bank = payments.ProviderBillGateway
	}
	routes[domain.PaymentMethodBankTransfer] = bank
	routes[domain.PaymentMethodVirtualAccount] = bank
	return routes
}
