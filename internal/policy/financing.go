package policy

import (
	"fmt"
	"strings"
	"time"

	"github.com/bnp/benefit-service/internal/domain"
)

// FinancingPolicy governs installment financing: principal plus 7% interest repaid in
// six monthly installments.
type FinancingPolicy struct{}

func (FinancingPolicy) Category() domain.Category { return domain.CategoryFinancing }

func (FinancingPolicy) OnActivate(rec *domain.BenefitRecord, _ *domain.ServiceDefinition, input domain.ActivationInput, now time.Time, first bool) error {
	if rec.Financing == nil {
		rec.Financing = &domain.FinancingDetails{}
	}
	if !first {
		return nil
	}
	if input.Principal == nil || *input.Principal <= 0 {
		return fmt.Errorf("%w: principal is required and must be positive for financing activation", ErrInvalidInput)
	}
	principal := domain.RoundCurrency(*input.Principal)
	withInterest := domain.RoundCurrency(principal * domain.FinancingInterestFactor)

	f := rec.Financing
	f.Principal = principal
	f.PrincipalWithInterest = withInterest
	f.RemainingBalance = withInterest
	f.InstallmentsPaid = 0
	f.InstallmentValue = domain.RoundCurrency(withInterest / domain.FinancingInstallments)
	f.NextInstallmentDue = domain.TimePtr(now.AddDate(0, 1, 0))
	if contract := strings.TrimSpace(input.ContractNumber); contract != "" {
		f.ContractNumber = contract
	}
	return nil
}
