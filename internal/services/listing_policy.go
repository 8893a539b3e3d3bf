package services

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/shopspring/decimal"

	"github.com/quicrefill/api/internal/domain"
)

// DocumentStatus is the review state of a provider document.
type DocumentStatus string

const (
	DocumentPending  DocumentStatus = "PENDING"
	DocumentApproved DocumentStatus = "APPROVED"
	DocumentRejected DocumentStatus = "REJECTED"
)

// ListingDraft is a listing a provider wants to publish.
type ListingDraft struct {
	Type         domain.ServiceType
	PricePerUnit decimal.Decimal
}

// ProviderCredentials summarises the documents a provider has on file.
type ProviderCredentials struct {
	BusinessVerification DocumentStatus
	HandlingLicences     []DocumentStatus
	Vehicles             []DocumentStatus
}

// ListingDecision is the price stored for an accepted listing.
type ListingDecision struct {
	StoredPricePerUnit decimal.Decimal
	TaxInclusive       bool
}

// ListingPolicy gates listings on provider documents and fixes the stored price.
type ListingPolicy struct {
	settings SettingsProvider
}

// NewListingPolicy constructs a ListingPolicy.
func NewListingPolicy(settings SettingsProvider) (*ListingPolicy, error) {
	if settings == nil {
		return nil, errors.New("listing policy: settings provider is required")
	}
	return &ListingPolicy{settings: settings}, nil
}

// Evaluate checks the provider may list draft and returns the price to store. Gas and kerosene prices
// are stored with VAT and fuel tax baked in; petrol and diesel stay tax exclusive because the
// petroleum tax is charged at checkout.
func (p *ListingPolicy) Evaluate(ctx context.Context, draft ListingDraft, creds ProviderCredentials) (ListingDecision, error) {
	if draft.Type == "" {
		return ListingDecision{}, fmt.Errorf("%w: service type is required", ErrMissingFields)
	}
	if !draft.PricePerUnit.IsPositive() {
		return ListingDecision{}, fmt.Errorf("%w: price per unit must be positive", ErrInvalidInput)
	}
	if creds.BusinessVerification != DocumentApproved {
		return ListingDecision{}, fmt.Errorf("%w: business verification is not approved", ErrForbidden)
	}
	if draft.Type.IsPhysicalFuel() {
		if !slices.Contains(creds.HandlingLicences, DocumentApproved) {
			return ListingDecision{}, fmt.Errorf("%w: an approved handling licence is required for %s", ErrForbidden, draft.Type)
		}
		if !slices.Contains(creds.Vehicles, DocumentApproved) {
			return ListingDecision{}, fmt.Errorf("%w: an approved vehicle is required for %s", ErrForbidden, draft.Type)
		}
	}

	if draft.Type != domain.ServiceTypeGas && draft.Type != domain.ServiceTypeKerosene {
		return ListingDecision{StoredPricePerUnit: draft.PricePerUnit}, nil
	}
	settings, err := p.settings.PricingSettings(ctx)
	if err != nil {
		return ListingDecision{}, wrapUnexpected(err, ErrCalculationFailed)
	}
	multiplier := decimal.NewFromInt(1).Add(settings.VATRate).Add(settings.PetroleumTaxRate)
	return ListingDecision{
		StoredPricePerUnit: draft.PricePerUnit.Mul(multiplier).Round(2),
		TaxInclusive:       true,
	}, nil
}
