/**
 * @description
 * This file defines the `Repository` interface, the contract for every data access
 * operation of the benefit-service: benefit records and their history, the per-beneficiary
 * code and fund ledgers, the cross-record event log, and the read-only collaborators
 * (service catalog rows and the beneficiary directory).
 *
 * @dependencies
 * - github.com/google/uuid: identifiers.
 * - internal/domain: the service's domain models.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bnp/benefit-service/internal/domain"
	"github.com/google/uuid"
)

var (
	ErrBenefitNotFound        = errors.New("benefit not found")
	ErrBeneficiaryNotFound    = errors.New("beneficiary not found")
	ErrServiceNotFound        = errors.New("service not found")
	ErrBenefitAlreadyAssigned = errors.New("benefit already assigned")
	ErrVersionConflict        = errors.New("record was modified concurrently")
	ErrCodeNotFound           = errors.New("code not found")
	ErrFundNotFound           = errors.New("fund not found")
	ErrIllegalTransition      = errors.New("state transition not allowed")
)

// ServiceRow is a service catalog row as stored. Category and VoucherValue are optional
// columns; the catalog resolves them.
type ServiceRow struct {
	ID           uuid.UUID
	Name         string
	Category     string
	VoucherValue *float64
}

// BenefitRepository persists benefit records. SaveBenefit performs an optimistic version
// check against rec.Version, writes the pending history entries in the same transaction,
// and increments rec.Version on success.
type BenefitRepository interface {
	CreateBenefit(ctx context.Context, rec *domain.BenefitRecord) error
	FindBenefit(ctx context.Context, beneficiaryID, serviceID uuid.UUID) (*domain.BenefitRecord, error)
	FindBenefitByID(ctx context.Context, benefitID uuid.UUID) (*domain.BenefitRecord, error)
	ListBenefitsByBeneficiary(ctx context.Context, beneficiaryID uuid.UUID) ([]*domain.BenefitRecord, error)
	SaveBenefit(ctx context.Context, rec *domain.BenefitRecord) error
	// ListReconcileCandidates pages beneficiaries holding voucher or reimbursement records in
	// active or inactive state, ordered by id and strictly after `after`.
	ListReconcileCandidates(ctx context.Context, after uuid.UUID, limit int) ([]uuid.UUID, error)
}

// LedgerRepository persists the per-beneficiary code and fund side-records.
type LedgerRepository interface {
	FindCode(ctx context.Context, beneficiaryID uuid.UUID) (*domain.Code, error)
	SaveCode(ctx context.Context, code *domain.Code) error
	FindFund(ctx context.Context, beneficiaryID uuid.UUID) (*domain.Fund, error)
	SaveFund(ctx context.Context, fund *domain.Fund) error
}

// EventLogRepository is the cross-record event log.
type EventLogRepository interface {
	// AppendIfAbsent writes event unless an entry with the same beneficiary, service and
	// action exists within +/- window of event.OccurredAt. It reports whether it wrote.
	AppendIfAbsent(ctx context.Context, event domain.BenefitEvent, window time.Duration) (bool, error)
	ListEvents(ctx context.Context, filter domain.EventFilter) ([]domain.BenefitEvent, error)
}

// CatalogRepository reads service definitions.
type CatalogRepository interface {
	FindService(ctx context.Context, serviceID uuid.UUID) (*ServiceRow, error)
}

// BeneficiaryDirectory answers whether a beneficiary exists.
type BeneficiaryDirectory interface {
	BeneficiaryExists(ctx context.Context, beneficiaryID uuid.UUID) (bool, error)
}

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	BenefitRepository
	LedgerRepository
	EventLogRepository
	CatalogRepository
	BeneficiaryDirectory
}

func checkTransition(rec *domain.BenefitRecord, stored domain.BenefitState) error {
	if rec.State == stored {
		return nil
	}
	if !domain.CanTransition(stored, rec.State) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, stored, rec.State)
	}
	return nil
}
