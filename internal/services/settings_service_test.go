package services

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/quicrefill/api/internal/domain"
)

func TestSettingsServiceFallsBackWhenDocumentMissing(t *testing.T) {
	events := &eventRecorder{}
	svc, err := NewSettingsService(SettingsServiceDeps{Settings: &stubSettingsRepo{}, Logger: events.log})
	if err != nil {
		t.Fatalf("NewSettingsService: %v", err)
	}

	settings, err := svc.PricingSettings(context.Background())
	if err != nil {
		t.Fatalf("PricingSettings: %v", err)
	}
	assertDecimal(t, "service charge", settings.ServiceCharge, "700")
	assertDecimal(t, "vat", settings.VATRate, "0.075")
	assertDecimal(t, "petroleum", settings.PetroleumTaxRate, "0.05")
	if !events.has("settings.admin.fallback") {
		t.Fatalf("expected fallback event")
	}
}

func TestSettingsServiceConfiguredFallbacks(t *testing.T) {
	svc, err := NewSettingsService(SettingsServiceDeps{
		Settings:  &stubSettingsRepo{},
		Fallbacks: PricingSettings{ServiceCharge: decimal.NewFromInt(900)},
	})
	if err != nil {
		t.Fatalf("NewSettingsService: %v", err)
	}
	settings, err := svc.PricingSettings(context.Background())
	if err != nil {
		t.Fatalf("PricingSettings: %v", err)
	}
	assertDecimal(t, "service charge", settings.ServiceCharge, "900")
	assertDecimal(t, "vat", settings.VATRate, "0.075")
}

func TestSettingsServicePartialDocument(t *testing.T) {
	repo := &stubSettingsRepo{settings: &domain.AdminSettings{
		DefaultVATRate: decimal.NewNullDecimal(dec("0.1")),
		PaymentMethods: map[domain.PaymentMethod]bool{domain.PaymentMethodCard: false},
	}}
	svc, err := NewSettingsService(SettingsServiceDeps{Settings: repo})
	if err != nil {
		t.Fatalf("NewSettingsService: %v", err)
	}

	settings, err := svc.PricingSettings(context.Background())
	if err != nil {
		t.Fatalf("PricingSettings: %v", err)
	}
	assertDecimal(t, "service charge", settings.ServiceCharge, "700")
	assertDecimal(t, "vat", settings.VATRate, "0.1")
	if settings.MethodEnabled(domain.PaymentMethodCard) {
		t.Fatalf("expected card to be disabled")
	}
	if !settings.MethodEnabled(domain.PaymentMethodBankTransfer) {
		t.Fatalf("expected unlisted methods to stay enabled")
	}

	settings.PaymentMethods[domain.PaymentMethodCard] = true
	if repo.settings.PaymentMethods[domain.PaymentMethodCard] {
		t.Fatalf("expected payment methods to be copied")
	}
}

func TestSettingsServiceRepositoryFailure(t *testing.T) {
	svc, err := NewSettingsService(SettingsServiceDeps{Settings: &stubSettingsRepo{err: stubRepoError{unavailable: true}}})
	if err != nil {
		t.Fatalf("NewSettingsService: %v", err)
	}
	if _, err := svc.PricingSettings(context.Background()); !errors.Is(err, ErrRepositoryUnavailable) {
		t.Fatalf("expected ErrRepositoryUnavailable, got %v", err)
	}
}
