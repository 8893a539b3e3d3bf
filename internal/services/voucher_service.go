package services

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quicrefill/api/internal/domain"
	"github.com/quicrefill/api/internal/platform/textutil"
	"github.com/quicrefill/api/internal/repositories"
)

var hundred = decimal.NewFromInt(100)

// VoucherServiceDeps bundles collaborators for the voucher validator.
type VoucherServiceDeps struct {
	Vouchers repositories.VoucherRepository
	Clock    func() time.Time
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

type voucherService struct {
	vouchers repositories.VoucherRepository
	clock    func() time.Time
	logger   func(context.Context, string, map[string]any)
}

var _ VoucherValidator = (*voucherService)(nil)

// NewVoucherService constructs a VoucherValidator.
func NewVoucherService(deps VoucherServiceDeps) (VoucherValidator, error) {
	if deps.Vouchers == nil {
		return nil, errors.New("voucher service: voucher repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &voucherService{
		vouchers: deps.Vouchers,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

func (s *voucherService) Validate(ctx context.Context, code, userID, role string) (*domain.Voucher, error) {
	code = textutil.NormalizeCode(code)
	if code == "" {
		return nil, nil
	}

	voucher, err := s.vouchers.FindByCode(ctx, code)
	if err != nil {
		if isRepositoryNotFound(err) {
			s.reject(ctx, code, "not_found")
			return nil, nil
		}
		return nil, mapRepositoryError(err, ErrVoucherNotFound)
	}
	if !voucher.IsActive {
		s.reject(ctx, code, "inactive")
		return nil, nil
	}

	now := s.clock()
	if voucher.ValidUntil != nil && voucher.ValidUntil.Before(now) {
		s.reject(ctx, code, "expired")
		return nil, nil
	}
	if voucher.ValidFrom != nil && voucher.ValidFrom.After(now) {
		s.reject(ctx, code, "not_started")
		return nil, nil
	}

	role = strings.ToLower(strings.TrimSpace(role))
	if role == "" {
		s.reject(ctx, code, "role_missing")
		return nil, nil
	}
	if len(voucher.RoleRestrictions) > 0 && !slices.ContainsFunc(voucher.RoleRestrictions, func(allowed string) bool {
		return strings.EqualFold(strings.TrimSpace(allowed), role)
	}) {
		s.reject(ctx, code, "role_restricted")
		return nil, nil
	}

	if voucher.MaxUses != nil {
		used, err := s.vouchers.CountUsages(ctx, voucher.ID, "")
		if err != nil {
			return nil, mapRepositoryError(err, ErrVoucherNotFound)
		}
		if used >= *voucher.MaxUses {
			s.reject(ctx, code, "max_uses")
			return nil, nil
		}
	}
	if voucher.MaxUsesPerUser != nil {
		if userID == "" {
			s.reject(ctx, code, "user_missing")
			return nil, nil
		}
		used, err := s.vouchers.CountUsages(ctx, voucher.ID, userID)
		if err != nil {
			return nil, mapRepositoryError(err, ErrVoucherNotFound)
		}
		if used >= *voucher.MaxUsesPerUser {
			s.reject(ctx, code, "max_uses_per_user")
			return nil, nil
		}
	}
	return &voucher, nil
}

func (s *voucherService) reject(ctx context.Context, code, reason string) {
	s.logger(ctx, "voucher.rejected", map[string]any{"code": code, "reason": reason})
}

// Discount computes the amount a voucher takes off subtotal. Fixed discounts are floored at zero and
// percentages are clamped to [0, 100].
func Discount(voucher domain.Voucher, subtotal decimal.Decimal) decimal.Decimal {
	switch voucher.Type {
	case domain.VoucherTypeFixed:
		if voucher.Discount.IsNegative() {
			return decimal.Zero
		}
		return voucher.Discount
	case domain.VoucherTypePercentage:
		if !subtotal.IsPositive() {
			return decimal.Zero
		}
		percent := decimal.Min(decimal.Max(voucher.Discount, decimal.Zero), hundred)
		return subtotal.Mul(percent).Div(hundred).Round(2)
	default:
		return decimal.Zero
	}
}
