package services

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"github.com/shopspring/decimal"

	"github.com/quicrefill/api/internal/domain"
	"github.com/quicrefill/api/internal/repositories"
)

var (
	defaultServiceCharge    = decimal.NewFromInt(700)
	defaultVATRate          = decimal.RequireFromString("0.075")
	defaultPetroleumTaxRate = decimal.RequireFromString("0.05")
)

// DefaultPricingSettings returns the fallbacks used when the admin settings document is absent.
func DefaultPricingSettings() PricingSettings {
	return PricingSettings{
		ServiceCharge:    defaultServiceCharge,
		VATRate:          defaultVATRate,
		PetroleumTaxRate: defaultPetroleumTaxRate,
	}
}

// SettingsServiceDeps bundles collaborators for the settings provider.
type SettingsServiceDeps struct {
	Settings repositories.SettingsRepository
	// Fallbacks replace the built-in defaults for unset values. Zero fields keep the built-in value.
	Fallbacks PricingSettings
	Logger    func(ctx context.Context, event string, fields map[string]any)
}

type settingsService struct {
	settings  repositories.SettingsRepository
	fallbacks PricingSettings
	logger    func(context.Context, string, map[string]any)
}

// NewSettingsService constructs a SettingsProvider reading the admin settings singleton on every call.
func NewSettingsService(deps SettingsServiceDeps) (SettingsProvider, error) {
	if deps.Settings == nil {
		return nil, errors.New("settings service: settings repository is required")
	}
	fallbacks := DefaultPricingSettings()
	if !deps.Fallbacks.ServiceCharge.IsZero() {
		fallbacks.ServiceCharge = deps.Fallbacks.ServiceCharge
	}
	if !deps.Fallbacks.VATRate.IsZero() {
		fallbacks.VATRate = deps.Fallbacks.VATRate
	}
	if !deps.Fallbacks.PetroleumTaxRate.IsZero() {
		fallbacks.PetroleumTaxRate = deps.Fallbacks.PetroleumTaxRate
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &settingsService{settings: deps.Settings, fallbacks: fallbacks, logger: logger}, nil
}

func (s *settingsService) PricingSettings(ctx context.Context) (PricingSettings, error) {
	stored, err := s.settings.AdminSettings(ctx)
	if err != nil {
		if isRepositoryNotFound(err) {
			s.logger(ctx, "settings.admin.fallback", map[string]any{"reason": "missing"})
			return s.fallbacks, nil
		}
		return PricingSettings{}, fmt.Errorf("load admin settings: %w", mapRepositoryError(err, nil))
	}

	resolved := s.fallbacks
	if stored.DefaultServiceCharge.Valid {
		resolved.ServiceCharge = stored.DefaultServiceCharge.Decimal
	}
	if stored.DefaultVATRate.Valid {
		resolved.VATRate = stored.DefaultVATRate.Decimal
	}
	if stored.DefaultPetroleumTaxRate.Valid {
		resolved.PetroleumTaxRate = stored.DefaultPetroleumTaxRate.Decimal
	}
	resolved.PaymentMethods = maps.Clone(stored.PaymentMethods)
	if resolved.PaymentMethods == nil {
		resolved.PaymentMethods = map[domain.PaymentMethod]bool{}
	}
	return resolved, nil
}
