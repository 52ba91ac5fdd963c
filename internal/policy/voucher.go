package policy

import (
	"fmt"
	"time"

	"github.com/bnp/benefit-service/internal/domain"
)

// VoucherPolicy governs prepaid vouchers: a face value restored on each yearly renewal,
// at most domain.VoucherMaxRenewals times.
type VoucherPolicy struct{}

var _ Renewer = VoucherPolicy{}

func (VoucherPolicy) Category() domain.Category { return domain.CategoryVoucher }

func (VoucherPolicy) OnActivate(rec *domain.BenefitRecord, def *domain.ServiceDefinition, _ domain.ActivationInput, _ time.Time, first bool) error {
	if rec.Voucher == nil {
		rec.Voucher = &domain.VoucherDetails{}
	}
	if !first {
		return nil
	}
	faceValue := 0.0
	if def != nil {
		faceValue = domain.RoundCurrency(def.VoucherValue)
	}
	rec.Voucher.FaceValue = faceValue
	rec.Voucher.CurrentBalance = faceValue
	rec.Voucher.VouchersRedeemed = 0
	rec.Voucher.RenewalsUsed = 0
	rec.Voucher.LastRenewalAt = nil
	rec.Voucher.NextRenewalEligibleAt = nil
	return nil
}

func (p VoucherPolicy) CanRenew(rec *domain.BenefitRecord, now time.Time) bool {
	return p.renewBlocker(rec, now) == ""
}

func (VoucherPolicy) renewBlocker(rec *domain.BenefitRecord, now time.Time) string {
	if rec.Voucher == nil {
		return "benefit is not a voucher"
	}
	if rec.Voucher.RenewalsUsed >= domain.VoucherMaxRenewals {
		return "renewal limit reached"
	}
	if rec.State != domain.StateActive {
		return "benefit is not active"
	}
	if rec.Voucher.LastRenewalAt != nil && rec.Voucher.NextRenewalEligibleAt != nil && now.Before(*rec.Voucher.NextRenewalEligibleAt) {
		return "voucher is not eligible for renewal yet"
	}
	return ""
}

// Renew restores the balance to the face value and records the renewal.
func (p VoucherPolicy) Renew(rec *domain.BenefitRecord, actor string, now time.Time) error {
	if blocker := p.renewBlocker(rec, now); blocker != "" {
		return fmt.Errorf("%w: %s", ErrInvalidOperation, blocker)
	}
	v := rec.Voucher
	v.CurrentBalance = v.FaceValue
	v.RenewalsUsed++
	v.LastRenewalAt = domain.TimePtr(now)
	v.NextRenewalEligibleAt = domain.TimePtr(now.AddDate(1, 0, 0))
	v.Redemptions.Append(domain.Redemption{
		Amount:      0,
		Description: fmt.Sprintf("Renewal %d of %d", v.RenewalsUsed, domain.VoucherMaxRenewals),
		Actor:       actor,
		Timestamp:   now,
	})
	return nil
}
