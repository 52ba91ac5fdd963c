package domain

// BenefitState is the lifecycle state ("estado") of a benefit record.
type BenefitState string

const (
	StatePendingActivation BenefitState = "pending_activation"
	StateActive            BenefitState = "active"
	StateSuspended         BenefitState = "suspended"
	StateInactive          BenefitState = "inactive"
	StateCancelled         BenefitState = "cancelled"
	StateLiquidated        BenefitState = "liquidated"
)

// transitions is the full lifecycle graph. Only pending->active, active->inactive and
// inactive->active are driven by this service; the remaining edges belong to
// collaborators (suspension, cancellation, liquidation).
var transitions = map[BenefitState][]BenefitState{
	StatePendingActivation: {StateActive},
	StateActive:            {StateInactive, StateSuspended, StateCancelled, StateLiquidated},
	StateInactive:          {StateActive, StateCancelled, StateLiquidated},
	StateSuspended:         {StateCancelled, StateLiquidated},
}

// Valid reports whether s is one of the declared states.
func (s BenefitState) Valid() bool {
	switch s {
	case StatePendingActivation, StateActive, StateSuspended, StateInactive, StateCancelled, StateLiquidated:
		return true
	}
	return false
}

// Terminal reports whether no further transition leaves s.
func (s BenefitState) Terminal() bool {
	return s == StateCancelled || s == StateLiquidated
}

// CanTransition reports whether the graph has an edge from -> to.
func CanTransition(from, to BenefitState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Category selects the service type policy that governs a benefit record.
type Category string

const (
	CategoryVoucher       Category = "voucher"
	CategoryReimbursement Category = "reimbursement"
	CategoryFinancing     Category = "financing"
	CategoryOther         Category = "other"
)

func (c Category) Valid() bool {
	switch c {
	case CategoryVoucher, CategoryReimbursement, CategoryFinancing, CategoryOther:
		return true
	}
	return false
}

// DeactivationReason is the closed set of reasons accepted by Deactivate.
type DeactivationReason string

const (
	ReasonNonpayment             DeactivationReason = "nonpayment"
	ReasonAdministrativeDecision DeactivationReason = "administrative_decision"
	ReasonContractEnded          DeactivationReason = "contract_ended"
	ReasonBeneficiaryRequest     DeactivationReason = "beneficiary_request"
	ReasonServiceDissatisfaction DeactivationReason = "service_dissatisfaction"
	ReasonFinancialDifficulty    DeactivationReason = "financial_difficulty"
	ReasonOther                  DeactivationReason = "other"
)

var deactivationReasons = map[DeactivationReason]struct{}{
	ReasonNonpayment:             {},
	ReasonAdministrativeDecision: {},
	ReasonContractEnded:          {},
	ReasonBeneficiaryRequest:     {},
	ReasonServiceDissatisfaction: {},
	ReasonFinancialDifficulty:    {},
	ReasonOther:                  {},
}

// ParseDeactivationReason validates a raw reason string.
func ParseDeactivationReason(raw string) (DeactivationReason, bool) {
	reason := DeactivationReason(raw)
	_, ok := deactivationReasons[reason]
	return reason, ok
}

// AllowsReactivation is false for reasons that close the benefit for good.
func (r DeactivationReason) AllowsReactivation() bool {
	switch r {
	case ReasonNonpayment, ReasonAdministrativeDecision, ReasonContractEnded:
		return false
	}
	return true
}
