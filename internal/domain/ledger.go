package domain

import (
	"time"

	"github.com/google/uuid"
)

// CodeState is the label shown next to the active flag of a redemption code.
type CodeState string

const (
	CodeActive   CodeState = "active"
	CodeInactive CodeState = "inactive"
)

// CodeAction names a code history entry.
type CodeAction string

const (
	CodeActionCreated     CodeAction = "created"
	CodeActionActivated   CodeAction = "activated"
	CodeActionDeactivated CodeAction = "deactivated"
)

type CodeHistoryEntry struct {
	Action    CodeAction `json:"action"`
	Active    bool       `json:"active"`
	Amount    float64    `json:"amount"`
	Premium   float64    `json:"premium"`
	BenefitID uuid.UUID  `json:"benefit_id"`
	Actor     string     `json:"actor"`
	Note      string     `json:"note,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// Code is the per-beneficiary redemption code mirrored from reimbursement benefits.
type Code struct {
	BeneficiaryID uuid.UUID                   `json:"beneficiary_id"`
	Active        bool                        `json:"active"`
	State         CodeState                   `json:"state"`
	Amount        float64                     `json:"amount"`
	Premium       float64                     `json:"premium"`
	History       AppendLog[CodeHistoryEntry] `json:"history"`
	UpdatedAt     time.Time                   `json:"updated_at"`
	Version       int                         `json:"version"`
}

// NewCode builds the inactive shell created the first time a beneficiary needs a code.
func NewCode(beneficiaryID uuid.UUID, benefitID uuid.UUID, actor string, now time.Time) *Code {
	c := &Code{
		BeneficiaryID: beneficiaryID,
		State:         CodeInactive,
		UpdatedAt:     now,
	}
	c.History.Append(CodeHistoryEntry{
		Action:    CodeActionCreated,
		BenefitID: benefitID,
		Actor:     actor,
		Timestamp: now,
	})
	return c
}

// Activate turns the code on with the given amount and premium.
func (c *Code) Activate(amount, premium float64, benefitID uuid.UUID, actor, note string, now time.Time) {
	c.Active = true
	c.State = CodeActive
	c.Amount = RoundCurrency(amount)
	c.Premium = RoundCurrency(premium)
	c.UpdatedAt = now
	c.History.Append(CodeHistoryEntry{
		Action:    CodeActionActivated,
		Active:    true,
		Amount:    c.Amount,
		Premium:   c.Premium,
		BenefitID: benefitID,
		Actor:     actor,
		Note:      note,
		Timestamp: now,
	})
}

// Deactivate turns the code off. It reports false when the code was already inactive.
func (c *Code) Deactivate(benefitID uuid.UUID, actor, note string, now time.Time) bool {
	if !c.Active {
		return false
	}
	c.Active = false
	c.State = CodeInactive
	c.UpdatedAt = now
	c.History.Append(CodeHistoryEntry{
		Action:    CodeActionDeactivated,
		Active:    false,
		Amount:    c.Amount,
		Premium:   c.Premium,
		BenefitID: benefitID,
		Actor:     actor,
		Note:      note,
		Timestamp: now,
	})
	return true
}

func (c *Code) Clone() *Code {
	if c == nil {
		return nil
	}
	out := *c
	out.History = c.History.Clone()
	return &out
}

// FundState is the state of a beneficiary fund.
type FundState string

const (
	FundActive      FundState = "active"
	FundDeactivated FundState = "deactivated"
)

// FundDeactivationReason is the fund-side vocabulary for why a fund was closed.
type FundDeactivationReason string

const (
	FundReasonPaymentDefault     FundDeactivationReason = "payment_default"
	FundReasonAdministrative     FundDeactivationReason = "administrative"
	FundReasonContractExpired    FundDeactivationReason = "contract_expired"
	FundReasonBeneficiaryRequest FundDeactivationReason = "beneficiary_request"
)

// FundReasonFor maps a benefit deactivation reason onto the fund vocabulary.
func FundReasonFor(reason DeactivationReason) FundDeactivationReason {
	switch reason {
	case ReasonNonpayment:
		return FundReasonPaymentDefault
	case ReasonAdministrativeDecision:
		return FundReasonAdministrative
	case ReasonContractEnded:
		return FundReasonContractExpired
	default:
		return FundReasonBeneficiaryRequest
	}
}

// MovementType names a fund movement.
type MovementType string

const (
	MovementOpening      MovementType = "opening"
	MovementReactivation MovementType = "reactivation"
	MovementDeactivation MovementType = "deactivation"
)

type FundMovement struct {
	Type          MovementType `json:"type"`
	Amount        float64      `json:"amount"`
	BalanceBefore float64      `json:"balance_before"`
	BalanceAfter  float64      `json:"balance_after"`
	Reason        string       `json:"reason,omitempty"`
	BenefitID     uuid.UUID    `json:"benefit_id"`
	Actor         string       `json:"actor"`
	Timestamp     time.Time    `json:"timestamp"`
}

// Fund is the per-beneficiary fund ledger mirrored from voucher benefits.
type Fund struct {
	BeneficiaryID      uuid.UUID               `json:"beneficiary_id"`
	Balance            float64                 `json:"balance"`
	State              FundState               `json:"state"`
	ExpiresAt          time.Time               `json:"expires_at"`
	DeactivationReason FundDeactivationReason  `json:"deactivation_reason,omitempty"`
	Movements          AppendLog[FundMovement] `json:"movements"`
	UpdatedAt          time.Time               `json:"updated_at"`
	Version            int                     `json:"version"`
}

// OpenFund creates an active fund holding the opening balance.
func OpenFund(beneficiaryID uuid.UUID, balance float64, validity time.Duration, benefitID uuid.UUID, actor string, now time.Time) *Fund {
	balance = RoundCurrency(balance)
	f := &Fund{
		BeneficiaryID: beneficiaryID,
		Balance:       balance,
		State:         FundActive,
		ExpiresAt:     now.Add(validity),
		UpdatedAt:     now,
	}
	f.Movements.Append(FundMovement{
		Type:         MovementOpening,
		Amount:       balance,
		BalanceAfter: balance,
		BenefitID:    benefitID,
		Actor:        actor,
		Timestamp:    now,
	})
	return f
}

// Reactivate reopens a deactivated fund. It reports false when the fund was already active.
func (f *Fund) Reactivate(benefitID uuid.UUID, actor string, now time.Time) bool {
	if f.State == FundActive {
		return false
	}
	f.State = FundActive
	f.DeactivationReason = ""
	f.UpdatedAt = now
	f.Movements.Append(FundMovement{
		Type:          MovementReactivation,
		BalanceBefore: f.Balance,
		BalanceAfter:  f.Balance,
		BenefitID:     benefitID,
		Actor:         actor,
		Timestamp:     now,
	})
	return true
}

// Deactivate closes the fund keeping its balance. It reports false when already closed.
func (f *Fund) Deactivate(reason FundDeactivationReason, benefitID uuid.UUID, actor string, now time.Time) bool {
	if f.State == FundDeactivated {
		return false
	}
	f.State = FundDeactivated
	f.DeactivationReason = reason
	f.UpdatedAt = now
	f.Movements.Append(FundMovement{
		Type:          MovementDeactivation,
		BalanceBefore: f.Balance,
		BalanceAfter:  f.Balance,
		Reason:        string(reason),
		BenefitID:     benefitID,
		Actor:         actor,
		Timestamp:     now,
	})
	return true
}

func (f *Fund) Clone() *Fund {
	if f == nil {
		return nil
	}
	out := *f
	out.Movements = f.Movements.Clone()
	return &out
}
