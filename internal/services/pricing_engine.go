package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/quicrefill/api/internal/domain"
	"github.com/quicrefill/api/internal/repositories"
)

// PricingEngineDeps bundles collaborators for the pricing engine.
type PricingEngineDeps struct {
	Services     repositories.ServiceRepository
	Addresses    repositories.AddressRepository
	Availability AvailabilityChecker
	Settings     SettingsProvider
	Vouchers     VoucherValidator
	Logger       func(ctx context.Context, event string, fields map[string]any)
}

type pricingEngine struct {
	services     repositories.ServiceRepository
	addresses    repositories.AddressRepository
	availability AvailabilityChecker
	settings     SettingsProvider
	vouchers     VoucherValidator
	logger       func(context.Context, string, map[string]any)
}

var _ PricingEngine = (*pricingEngine)(nil)

// NewPricingEngine constructs a PricingEngine.
func NewPricingEngine(deps PricingEngineDeps) (PricingEngine, error) {
	switch {
	case deps.Services == nil:
		return nil, errors.New("pricing engine: service repository is required")
	case deps.Addresses == nil:
		return nil, errors.New("pricing engine: address repository is required")
	case deps.Availability == nil:
		return nil, errors.New("pricing engine: availability checker is required")
	case deps.Settings == nil:
		return nil, errors.New("pricing engine: settings provider is required")
	case deps.Vouchers == nil:
		return nil, errors.New("pricing engine: voucher validator is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &pricingEngine{
		services:     deps.Services,
		addresses:    deps.Addresses,
		availability: deps.Availability,
		settings:     deps.Settings,
		vouchers:     deps.Vouchers,
		logger:       logger,
	}, nil
}

func (e *pricingEngine) Calculate(ctx context.Context, cmd QuoteCommand) (Quote, error) {
	quote, err := e.calculate(ctx, cmd)
	if err != nil {
		return Quote{}, wrapUnexpected(err, ErrCalculationFailed)
	}
	return quote, nil
}

func (e *pricingEngine) calculate(ctx context.Context, cmd QuoteCommand) (Quote, error) {
	if strings.TrimSpace(cmd.ServiceID) == "" || strings.TrimSpace(cmd.AddressID) == "" {
		return Quote{}, fmt.Errorf("%w: serviceId and addressId are required", ErrMissingFields)
	}
	if !cmd.Quantity.IsPositive() {
		return Quote{}, fmt.Errorf("%w: quantity must be positive", ErrInvalidInput)
	}

	service, err := loadOrderableService(ctx, e.services, cmd.ServiceID)
	if err != nil {
		return Quote{}, err
	}
	address, err := loadAddress(ctx, e.addresses, cmd.AddressID)
	if err != nil {
		return Quote{}, err
	}

	availability, err := e.availability.Evaluate(ctx, service, address)
	if err != nil {
		return Quote{}, err
	}
	if !availability.Available {
		return Quote{}, &ServiceUnavailableError{
			ServiceID:    service.ID,
			DistanceKm:   availability.Distance.Km,
			RadiusKm:     availability.RadiusKm,
			Alternatives: availability.Alternatives,
		}
	}

	settings, err := e.settings.PricingSettings(ctx)
	if err != nil {
		return Quote{}, err
	}

	var voucher *domain.Voucher
	if code := strings.TrimSpace(cmd.VoucherCode); code != "" {
		voucher, err = e.vouchers.Validate(ctx, code, cmd.UserID, cmd.UserRole)
		if err != nil {
			return Quote{}, err
		}
	}

	breakdown := ComputeBreakdown(BreakdownInput{
		Service:       service,
		Quantity:      cmd.Quantity,
		AdditionalFee: availability.AdditionalFee,
		Settings:      settings,
		Voucher:       voucher,
	})
	e.logger(ctx, "pricing.quote.computed", map[string]any{
		"serviceId":  service.ID,
		"distanceKm": availability.Distance.Km,
		"source":     availability.Distance.Source,
		"total":      breakdown.TotalAmount.String(),
		"voucher":    voucher != nil,
	})

	return Quote{
		Service:      service,
		Address:      address,
		Availability: availability,
		Settings:     settings,
		Voucher:      voucher,
		Breakdown:    breakdown,
	}, nil
}

// BreakdownInput is everything the price of an order depends on.
type BreakdownInput struct {
	Service       domain.Service
	Quantity      decimal.Decimal
	AdditionalFee decimal.Decimal
	Settings      PricingSettings
	Voucher       *domain.Voucher
}

// ComputeBreakdown prices an order. VAT and the total are rounded to two places with banker's rounding;
// a discount never exceeds the service subtotal.
func ComputeBreakdown(in BreakdownInput) domain.PriceBreakdown {
	serviceSubtotal := in.Service.PricePerUnit.Mul(in.Quantity)

	petroleumTax := decimal.Zero
	if in.Service.Type.IsPetroleum() {
		petroleumTax = serviceSubtotal.Mul(in.Settings.PetroleumTaxRate)
	}

	discount := decimal.Zero
	if in.Voucher != nil {
		discount = decimal.Min(Discount(*in.Voucher, serviceSubtotal), decimal.Max(serviceSubtotal, decimal.Zero))
	}

	serviceFee := in.Settings.ServiceCharge
	deliveryFee := in.Service.BaseDeliveryFee
	subtotal := serviceFee.
		Add(serviceSubtotal).
		Add(deliveryFee).
		Add(in.AdditionalFee).
		Add(petroleumTax).
		Sub(discount)
	vat := subtotal.Mul(in.Settings.VATRate).RoundBank(2)

	return domain.PriceBreakdown{
		ServiceSubtotal: serviceSubtotal,
		ServiceFee:      serviceFee,
		DeliveryFee:     deliveryFee,
		AdditionalFee:   in.AdditionalFee,
		PetroleumTax:    petroleumTax,
		DiscountAmount:  discount,
		Subtotal:        subtotal,
		VATRate:         in.Settings.VATRate,
		VATAmount:       vat,
		TotalAmount:     subtotal.Add(vat).RoundBank(2),
	}
}
