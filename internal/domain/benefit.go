/**
 * @description
 * This file defines the benefit record aggregate: one record per (beneficiary, service)
 * pair, tracked through the lifecycle graph in state.go and carrying exactly one
 * type-specific payload selected by its category.
 *
 * @dependencies
 * - github.com/google/uuid: record and foreign identifiers.
 */

package domain

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Business constants shared by the policies and the ledger synchronizer.
const (
	VoucherMaxRenewals       = 10
	ReimbursementPremiumRate = 0.0575
	ReimbursementTermYears   = 25
	FinancingInterestFactor  = 1.07
	FinancingInstallments    = 6
)

// RoundCurrency rounds a monetary amount to two decimals.
func RoundCurrency(v float64) float64 {
	return math.Round(v*100) / 100
}

// PremiumStatus tracks the reimbursement premium.
type PremiumStatus string

const (
	PremiumPending PremiumStatus = "pending"
	PremiumPaid    PremiumStatus = "paid"
	PremiumOverdue PremiumStatus = "overdue"
)

// Deactivation holds the metadata captured by the last deactivation. It is cleared
// when the record is reactivated.
type Deactivation struct {
	Reason          DeactivationReason `json:"reason"`
	Elaboration     string             `json:"elaboration,omitempty"`
	WouldRecontract *bool              `json:"would_recontract,omitempty"`
	Notes           string             `json:"notes,omitempty"`
	CanReactivate   bool               `json:"can_reactivate"`
	DeactivatedBy   string             `json:"deactivated_by"`
}

// HistoryEntry is one lifecycle audit record. PreviousState is nil only for the
// entry written when the record is created and for the first activation.
type HistoryEntry struct {
	PreviousState *BenefitState  `json:"previous_state"`
	NewState      BenefitState   `json:"new_state"`
	Timestamp     time.Time      `json:"timestamp"`
	Reason        string         `json:"reason,omitempty"`
	Actor         string         `json:"actor"`
	Extra         map[string]any `json:"extra,omitempty"`
}

type Redemption struct {
	Amount      float64   `json:"amount"`
	Description string    `json:"description"`
	Actor       string    `json:"actor"`
	Timestamp   time.Time `json:"timestamp"`
}

type VoucherDetails struct {
	FaceValue             float64               `json:"face_value"`
	CurrentBalance        float64               `json:"current_balance"`
	VouchersRedeemed      int                   `json:"vouchers_redeemed"`
	RenewalsUsed          int                   `json:"renewals_used"`
	LastRenewalAt         *time.Time            `json:"last_renewal_at"`
	NextRenewalEligibleAt *time.Time            `json:"next_renewal_eligible_at"`
	Redemptions           AppendLog[Redemption] `json:"redemptions"`
}

type ReimbursementDetails struct {
	AmountToReimburse    float64       `json:"amount_to_reimburse"`
	PremiumPaid          float64       `json:"premium_paid"`
	PremiumStatus        PremiumStatus `json:"premium_status"`
	ReimbursementDueDate *time.Time    `json:"reimbursement_due_date"`
}

type InstallmentPayment struct {
	Amount    float64   `json:"amount"`
	Reference string    `json:"reference,omitempty"`
	Actor     string    `json:"actor"`
	Timestamp time.Time `json:"timestamp"`
}

type FinancingDetails struct {
	Principal             float64                       `json:"principal"`
	PrincipalWithInterest float64                       `json:"principal_with_interest"`
	RemainingBalance      float64                       `json:"remaining_balance"`
	InstallmentsPaid      int                           `json:"installments_paid"`
	InstallmentValue      float64                       `json:"installment_value"`
	NextInstallmentDue    *time.Time                    `json:"next_installment_due"`
	Payments              AppendLog[InstallmentPayment] `json:"payments"`
	ContractNumber        string                        `json:"contract_number,omitempty"`
}

// BenefitRecord is the aggregate tracked by the lifecycle state machine.
type BenefitRecord struct {
	ID            uuid.UUID    `json:"id"`
	BeneficiaryID uuid.UUID    `json:"beneficiary_id"`
	ServiceID     uuid.UUID    `json:"service_id"`
	ServiceName   string       `json:"service_name"`
	Category      Category     `json:"category"`
	State         BenefitState `json:"estado"`

	ActivatedAt   *time.Time `json:"activated_at"`
	SuspendedAt   *time.Time `json:"suspended_at"`
	CancelledAt   *time.Time `json:"cancelled_at"`
	DeactivatedAt *time.Time `json:"deactivated_at"`
	ReactivatedAt *time.Time `json:"reactivated_at"`

	Deactivation  *Deactivation `json:"deactivation,omitempty"`
	ReactivatedBy string        `json:"reactivated_by,omitempty"`

	Voucher       *VoucherDetails       `json:"voucher,omitempty"`
	Reimbursement *ReimbursementDetails `json:"reimbursement,omitempty"`
	Financing     *FinancingDetails     `json:"financing,omitempty"`

	History AppendLog[HistoryEntry] `json:"history"`

	CreatedBy     string    `json:"created_by"`
	LastUpdatedBy string    `json:"last_updated_by,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	Version       int       `json:"version"`
}

var errActorRequired = errors.New("actor is required")

// NewBenefitRecord builds a pending record with the payload section matching its
// category and the initial history entry.
func NewBenefitRecord(beneficiaryID, serviceID uuid.UUID, serviceName string, category Category, actor string, now time.Time) (*BenefitRecord, error) {
	if strings.TrimSpace(actor) == "" {
		return nil, errActorRequired
	}
	if !category.Valid() {
		return nil, fmt.Errorf("unknown category %q", category)
	}
	rec := &BenefitRecord{
		ID:            uuid.New(),
		BeneficiaryID: beneficiaryID,
		ServiceID:     serviceID,
		ServiceName:   serviceName,
		Category:      category,
		State:         StatePendingActivation,
		CreatedBy:     actor,
		LastUpdatedBy: actor,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	switch category {
	case CategoryVoucher:
		rec.Voucher = &VoucherDetails{}
	case CategoryReimbursement:
		rec.Reimbursement = &ReimbursementDetails{PremiumStatus: PremiumPending}
	case CategoryFinancing:
		rec.Financing = &FinancingDetails{}
	}
	rec.History.Append(HistoryEntry{
		NewState:  StatePendingActivation,
		Timestamp: now,
		Reason:    "assigned",
		Actor:     actor,
	})
	return rec, nil
}

// Key returns the lock/uniqueness key of the record.
func (r *BenefitRecord) Key() string {
	return RecordKey(r.BeneficiaryID, r.ServiceID)
}

// RecordKey formats the (beneficiary, service) pair used for locks and uniqueness.
func RecordKey(beneficiaryID, serviceID uuid.UUID) string {
	return beneficiaryID.String() + ":" + serviceID.String()
}

// CheckPayload verifies that exactly the payload section matching the category is set.
func (r *BenefitRecord) CheckPayload() error {
	set := map[Category]bool{
		CategoryVoucher:       r.Voucher != nil,
		CategoryReimbursement: r.Reimbursement != nil,
		CategoryFinancing:     r.Financing != nil,
	}
	for category, present := range set {
		if present != (category == r.Category) {
			return fmt.Errorf("benefit %s: payload section %s does not match category %s", r.ID, category, r.Category)
		}
	}
	return nil
}

// Touch stamps the audit fields for a change made by actor.
func (r *BenefitRecord) Touch(actor string, now time.Time) {
	r.LastUpdatedBy = actor
	r.UpdatedAt = now
}

// Clone returns a deep copy so stored records are never aliased by callers.
func (r *BenefitRecord) Clone() *BenefitRecord {
	if r == nil {
		return nil
	}
	out := *r
	out.ActivatedAt = cloneTime(r.ActivatedAt)
	out.SuspendedAt = cloneTime(r.SuspendedAt)
	out.CancelledAt = cloneTime(r.CancelledAt)
	out.DeactivatedAt = cloneTime(r.DeactivatedAt)
	out.ReactivatedAt = cloneTime(r.ReactivatedAt)
	if r.Deactivation != nil {
		d := *r.Deactivation
		if d.WouldRecontract != nil {
			v := *d.WouldRecontract
			d.WouldRecontract = &v
		}
		out.Deactivation = &d
	}
	if r.Voucher != nil {
		v := *r.Voucher
		v.LastRenewalAt = cloneTime(v.LastRenewalAt)
		v.NextRenewalEligibleAt = cloneTime(v.NextRenewalEligibleAt)
		v.Redemptions = r.Voucher.Redemptions.Clone()
		out.Voucher = &v
	}
	if r.Reimbursement != nil {
		re := *r.Reimbursement
		re.ReimbursementDueDate = cloneTime(re.ReimbursementDueDate)
		out.Reimbursement = &re
	}
	if r.Financing != nil {
		f := *r.Financing
		f.NextInstallmentDue = cloneTime(f.NextInstallmentDue)
		f.Payments = r.Financing.Payments.Clone()
		out.Financing = &f
	}
	out.History = r.History.Clone()
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// TimePtr returns a pointer to a copy of t.
func TimePtr(t time.Time) *time.Time {
	return &t
}

// StatePtr returns a pointer to a copy of s.
func StatePtr(s BenefitState) *BenefitState {
	return &s
}

// ActivationInput carries the caller-supplied numbers used by a first activation.
type ActivationInput struct {
	AmountToReimburse *float64 `json:"amount_to_reimburse,omitempty"`
	Principal         *float64 `json:"principal,omitempty"`
	ContractNumber    string   `json:"contract_number,omitempty"`
}

// DeactivationInput is the request to deactivate an active record.
type DeactivationInput struct {
	Reason          string `json:"reason"`
	Elaboration     string `json:"elaboration,omitempty"`
	WouldRecontract *bool  `json:"wouldRecontract,omitempty"`
	Notes           string `json:"notes,omitempty"`
}

// ServiceDefinition is the catalog view of a service.
type ServiceDefinition struct {
	ID           uuid.UUID `json:"id"`
	Name         string    `json:"name"`
	Category     Category  `json:"category"`
	VoucherValue float64   `json:"voucher_value"`
}
