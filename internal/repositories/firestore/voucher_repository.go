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
	vouchersCollection      = "vouchers"
	voucherUsagesCollection = "voucherUsages"
)

type voucherDocument struct {
	Code             string     `firestore:"code"`
	Type             string     `firestore:"type"`
	Discount         string     `firestore:"discount"`
	MaxUses          *int       `firestore:"maxUses"`
	MaxUsesPerUser   *int       `firestore:"maxUsesPerUser"`
	ValidFrom        *time.Time `firestore:"validFrom"`
	ValidUntil       *time.Time `firestore:"validUntil"`
	IsActive         bool       `firestore:"isActive"`
	RoleRestrictions []string   `firestore:"roleRestrictions,omitempty"`
	CreatedAt        time.Time  `firestore:"createdAt"`
	UpdatedAt        time.Time  `firestore:"updatedAt"`
}

func (d voucherDocument) toDomain(id string) domain.Voucher {
	return domain.Voucher{
		ID:               id,
		Code:             d.Code,
		Type:             domain.VoucherType(d.Type),
		Discount:         parseDecimal(d.Discount),
		MaxUses:          d.MaxUses,
		MaxUsesPerUser:   d.MaxUsesPerUser,
		ValidFrom:        d.ValidFrom,
		ValidUntil:       d.ValidUntil,
		IsActive:         d.IsActive,
		RoleRestrictions: d.RoleRestrictions,
		CreatedAt:        d.CreatedAt,
		UpdatedAt:        d.UpdatedAt,
	}
}

type voucherUsageDocument struct {
	VoucherID      string    `firestore:"voucherId"`
	UserID         string    `firestore:"userId"`
	OrderID        string    `firestore:"orderId"`
	DiscountAmount string    `firestore:"discountAmount"`
	UsedAt         time.Time `firestore:"usedAt"`
}

func newVoucherUsageDocument(usage domain.VoucherUsage) voucherUsageDocument {
	return voucherUsageDocument{
		VoucherID:      usage.VoucherID,
		UserID:         usage.UserID,
		OrderID:        usage.OrderID,
		DiscountAmount: usage.DiscountAmount.String(),
		UsedAt:         usage.UsedAt.UTC(),
	}
}

// VoucherRepository reads vouchers and their usage rows.
type VoucherRepository struct {
	provider *pfirestore.Provider
}

var _ repositories.VoucherRepository = (*VoucherRepository)(nil)

// NewVoucherRepository constructs a Firestore-backed voucher repository.
func NewVoucherRepository(provider *pfirestore.Provider) (*VoucherRepository, error) {
	if provider == nil {
		return nil, errors.New("voucher repository requires firestore provider")
	}
	return &VoucherRepository{provider: provider}, nil
}

// FindByCode looks up a voucher by its normalised code.
func (r *VoucherRepository) FindByCode(ctx context.Context, code string) (domain.Voucher, error) {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.Voucher{}, pfirestore.WrapError("vouchers.findByCode", err)
	}
	iter := client.Collection(vouchersCollection).Where("code", "==", code).Limit(1).Documents(ctx)
	vouchers, err := pfirestore.Collect("vouchers.findByCode", iter, pfirestore.Decode(func(id string, doc voucherDocument) domain.Voucher {
		return doc.toDomain(id)
	}))
	if err != nil {
		return domain.Voucher{}, err
	}
	if len(vouchers) == 0 {
		return domain.Voucher{}, pfirestore.NotFound("vouchers.findByCode", "voucher %q not found", code)
	}
	return vouchers[0], nil
}

func (r *VoucherRepository) CountUsages(ctx context.Context, voucherID string, userID string) (int, error) {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return 0, pfirestore.WrapError("vouchers.countUsages", err)
	}
	query := client.Collection(voucherUsagesCollection).Where("voucherId", "==", voucherID)
	if userID != "" {
		query = query.Where("userId", "==", userID)
	}
	snaps, err := query.Select().Documents(ctx).GetAll()
	if err != nil {
		return 0, pfirestore.WrapError("vouchers.countUsages", err)
	}
	return len(snaps), nil
}
