package policy

import (
	"fmt"
	"time"

	"github.com/bnp/benefit-service/internal/domain"
)

// ReimbursementPolicy governs fixed-term reimbursement: a premium of 5.75% of the
// reimbursable amount, reimbursed after 25 years.
type ReimbursementPolicy struct{}

func (ReimbursementPolicy) Category() domain.Category { return domain.CategoryReimbursement }

func (ReimbursementPolicy) OnActivate(rec *domain.BenefitRecord, _ *domain.ServiceDefinition, input domain.ActivationInput, now time.Time, first bool) error {
	if rec.Reimbursement == nil {
		rec.Reimbursement = &domain.ReimbursementDetails{PremiumStatus: domain.PremiumPending}
	}
	if !first {
		return nil
	}
	amount := 0.0
	if input.AmountToReimburse != nil {
		amount = *input.AmountToReimburse
	}
	if amount < 0 {
		return fmt.Errorf("%w: amount_to_reimburse must not be negative", ErrInvalidInput)
	}
	amount = domain.RoundCurrency(amount)
	rec.Reimbursement.AmountToReimburse = amount
	rec.Reimbursement.PremiumPaid = Premium(amount)
	rec.Reimbursement.PremiumStatus = domain.PremiumPending
	rec.Reimbursement.ReimbursementDueDate = domain.TimePtr(now.AddDate(domain.ReimbursementTermYears, 0, 0))
	return nil
}

// Premium is the premium owed on a reimbursable amount.
func Premium(amount float64) float64 {
	return domain.RoundCurrency(amount * domain.ReimbursementPremiumRate)
}
