package firestore

import (
	"context"
	"errors"
	"time"

	"github.com/quicrefill/api/internal/domain"
	pfirestore "github.com/quicrefill/api/internal/platform/firestore"
	"github.com/quicrefill/api/internal/repositories"
)

const (
	settingsCollection = "settings"
	adminSettingsDocID = "admin"
)

type adminSettingsDocument struct {
	DefaultServiceCharge    *string         `firestore:"defaultServiceCharge"`
	DefaultVATRate          *string         `firestore:"defaultVatRate"`
	DefaultPetroleumTaxRate *string         `firestore:"defaultPetroleumTaxRate"`
	PaymentMethods          map[string]bool `firestore:"paymentMethods"`
	UpdatedAt               time.Time       `firestore:"updatedAt"`
}

// SettingsRepository reads the admin settings singleton.
type SettingsRepository struct {
	provider *pfirestore.Provider
}

var _ repositories.SettingsRepository = (*SettingsRepository)(nil)

// NewSettingsRepository constructs a Firestore-backed settings repository.
func NewSettingsRepository(provider *pfirestore.Provider) (*SettingsRepository, error) {
	if provider == nil {
		return nil, errors.New("settings repository requires firestore provider")
	}
	return &SettingsRepository{provider: provider}, nil
}

// AdminSettings returns the stored settings. Missing or malformed values are left unset for callers to default.
func (r *SettingsRepository) AdminSettings(ctx context.Context) (domain.AdminSettings, error) {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.AdminSettings{}, pfirestore.WrapError("settings.admin", err)
	}
	snap, err := client.Collection(settingsCollection).Doc(adminSettingsDocID).Get(ctx)
	if err != nil {
		return domain.AdminSettings{}, pfirestore.WrapError("settings.admin", err)
	}
	var doc adminSettingsDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.AdminSettings{}, pfirestore.WrapError("settings.decode", err)
	}

	methods := make(map[domain.PaymentMethod]bool, len(doc.PaymentMethods))
	for method, enabled := range doc.PaymentMethods {
		methods[domain.PaymentMethod(method)] = enabled
	}
	return domain.AdminSettings{
		DefaultServiceCharge:    parseNullDecimal(doc.DefaultServiceCharge),
		DefaultVATRate:          parseNullDecimal(doc.DefaultVATRate),
		DefaultPetroleumTaxRate: parseNullDecimal(doc.DefaultPetroleumTaxRate),
		PaymentMethods:          methods,
		UpdatedAt:               doc.UpdatedAt,
	}, nil
}
