package domain

import (
	"time"

	"github.com/google/uuid"
)

// EventAction names an entry in the cross-record event log.
type EventAction string

const (
	ActionAssigned       EventAction = "assigned"
	ActionActivated      EventAction = "activated"
	ActionReactivated    EventAction = "reactivated"
	ActionDeactivated    EventAction = "deactivated"
	ActionVoucherRenewed EventAction = "voucher_renewed"
)

// RoutingKey returns the topic used when the action is published.
func (a EventAction) RoutingKey() string {
	if a == ActionVoucherRenewed {
		return "benefit.voucher.renewed"
	}
	return "benefit." + string(a)
}

// BenefitEvent is one entry of the cross-record event log used for reporting.
type BenefitEvent struct {
	ID            uuid.UUID      `json:"id"`
	BeneficiaryID uuid.UUID      `json:"beneficiary_id"`
	ServiceID     uuid.UUID      `json:"service_id"`
	BenefitID     uuid.UUID      `json:"benefit_id"`
	Action        EventAction    `json:"action"`
	Actor         string         `json:"actor"`
	OccurredAt    time.Time      `json:"occurred_at"`
	Details       map[string]any `json:"details,omitempty"`
}

// EventFilter narrows an event log listing.
type EventFilter struct {
	BeneficiaryID *uuid.UUID
	Action        EventAction
	Limit         int
}

// SyncResult reports which ledger side-effects took place after a transition.
// Failures are collected as messages; they never undo the transition.
type SyncResult struct {
	CodeActivated          bool     `json:"code_activated"`
	CodeDeactivated        bool     `json:"code_deactivated"`
	FundCreatedOrActivated bool     `json:"fund_created_or_activated"`
	FundDeactivated        bool     `json:"fund_deactivated"`
	Errors                 []string `json:"errors"`
}

func (r SyncResult) Failed() bool {
	return len(r.Errors) > 0
}

// LifecycleMessage is published on the benefits exchange after a committed transition.
type LifecycleMessage struct {
	BenefitID     uuid.UUID    `json:"benefit_id"`
	BeneficiaryID uuid.UUID    `json:"beneficiary_id"`
	ServiceID     uuid.UUID    `json:"service_id"`
	Category      Category     `json:"category"`
	State         BenefitState `json:"estado"`
	Action        EventAction  `json:"action"`
	Actor         string       `json:"actor"`
	OccurredAt    time.Time    `json:"occurred_at"`
	Sync          *SyncResult  `json:"synchronization,omitempty"`
}

// SyncFailedMessage is published when a ledger side-effect could not be applied.
type SyncFailedMessage struct {
	BenefitID     uuid.UUID   `json:"benefit_id"`
	BeneficiaryID uuid.UUID   `json:"beneficiary_id"`
	Action        EventAction `json:"action"`
	Target        string      `json:"target"`
	Error         string      `json:"error"`
	OccurredAt    time.Time   `json:"occurred_at"`
}

// ServiceAssignedMessage is consumed from the onboarding collaborator.
type ServiceAssignedMessage struct {
	BeneficiaryID uuid.UUID `json:"beneficiary_id"`
	ServiceID     uuid.UUID `json:"service_id"`
	AssignedBy    string    `json:"assigned_by"`
}
