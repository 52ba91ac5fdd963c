/**
 * @description
 * Service type policies. Each benefit category plugs its own activation rules into the
 * lifecycle state machine; vouchers additionally implement Renewer.
 */
package policy

import (
	"errors"
	"time"

	"github.com/bnp/benefit-service/internal/domain"
)

var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrInvalidOperation = errors.New("invalid operation")
)

// Policy computes the type-specific fields of a record when it becomes active. first is
// true only when the record leaves pending_activation; numeric fields are initialized
// only then.
type Policy interface {
	Category() domain.Category
	OnActivate(rec *domain.BenefitRecord, def *domain.ServiceDefinition, input domain.ActivationInput, now time.Time, first bool) error
}

// Renewer is implemented by policies whose benefits can be renewed.
type Renewer interface {
	CanRenew(rec *domain.BenefitRecord, now time.Time) bool
	Renew(rec *domain.BenefitRecord, actor string, now time.Time) error
}

// Registry maps categories onto policies.
type Registry struct {
	policies map[domain.Category]Policy
	fallback Policy
}

// NewRegistry returns a registry holding the built-in policies.
func NewRegistry() *Registry {
	r := &Registry{
		policies: make(map[domain.Category]Policy),
		fallback: otherPolicy{},
	}
	for _, p := range []Policy{VoucherPolicy{}, ReimbursementPolicy{}, FinancingPolicy{}, otherPolicy{}} {
		r.policies[p.Category()] = p
	}
	return r
}

// For returns the policy of a category. Unknown categories get the no-op policy.
func (r *Registry) For(category domain.Category) Policy {
	if p, ok := r.policies[category]; ok {
		return p
	}
	return r.fallback
}

type otherPolicy struct{}

func (otherPolicy) Category() domain.Category { return domain.CategoryOther }

func (otherPolicy) OnActivate(*domain.BenefitRecord, *domain.ServiceDefinition, domain.ActivationInput, time.Time, bool) error {
	return nil
}
