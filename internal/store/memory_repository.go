package store

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/bnp/benefit-service/internal/domain"
	"github.com/google/uuid"
)

// MemoryRepository is an in-process Repository used for local runs (STORE_DRIVER=memory)
// and tests. Stored values are cloned on the way in and out.
type MemoryRepository struct {
	mu sync.RWMutex

	benefits      map[uuid.UUID]*domain.BenefitRecord
	benefitByKey  map[string]uuid.UUID
	codes         map[uuid.UUID]*domain.Code
	funds         map[uuid.UUID]*domain.Fund
	events        []domain.BenefitEvent
	services      map[uuid.UUID]ServiceRow
	beneficiaries map[uuid.UUID]struct{}
}

var _ Repository = (*MemoryRepository)(nil)

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		benefits:      make(map[uuid.UUID]*domain.BenefitRecord),
		benefitByKey:  make(map[string]uuid.UUID),
		codes:         make(map[uuid.UUID]*domain.Code),
		funds:         make(map[uuid.UUID]*domain.Fund),
		services:      make(map[uuid.UUID]ServiceRow),
		beneficiaries: make(map[uuid.UUID]struct{}),
	}
}

// PutService seeds a catalog row.
func (r *MemoryRepository) PutService(row ServiceRow) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[row.ID] = row
}

// PutBeneficiary seeds the beneficiary directory.
func (r *MemoryRepository) PutBeneficiary(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.beneficiaries[id] = struct{}{}
}

func (r *MemoryRepository) CreateBenefit(_ context.Context, rec *domain.BenefitRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := rec.Key()
	if _, exists := r.benefitByKey[key]; exists {
		return ErrBenefitAlreadyAssigned
	}
	if err := rec.CheckPayload(); err != nil {
		return err
	}
	rec.Version = 1
	rec.History.MarkPersisted()
	r.benefits[rec.ID] = rec.Clone()
	r.benefitByKey[key] = rec.ID
	return nil
}

func (r *MemoryRepository) FindBenefit(_ context.Context, beneficiaryID, serviceID uuid.UUID) (*domain.BenefitRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.benefitByKey[domain.RecordKey(beneficiaryID, serviceID)]
	if !ok {
		return nil, ErrBenefitNotFound
	}
	return r.benefits[id].Clone(), nil
}

func (r *MemoryRepository) FindBenefitByID(_ context.Context, benefitID uuid.UUID) (*domain.BenefitRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.benefits[benefitID]
	if !ok {
		return nil, ErrBenefitNotFound
	}
	return rec.Clone(), nil
}

func (r *MemoryRepository) ListBenefitsByBeneficiary(_ context.Context, beneficiaryID uuid.UUID) ([]*domain.BenefitRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.BenefitRecord
	for _, rec := range r.benefits {
		if rec.BeneficiaryID == beneficiaryID {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *MemoryRepository) SaveBenefit(_ context.Context, rec *domain.BenefitRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.benefits[rec.ID]
	if !ok {
		return ErrBenefitNotFound
	}
	if stored.Version != rec.Version {
		return ErrVersionConflict
	}
	if err := checkTransition(rec, stored.State); err != nil {
		return err
	}
	if err := rec.CheckPayload(); err != nil {
		return err
	}
	rec.Version++
	rec.History.MarkPersisted()
	if rec.Voucher != nil {
		rec.Voucher.Redemptions.MarkPersisted()
	}
	if rec.Financing != nil {
		rec.Financing.Payments.MarkPersisted()
	}
	r.benefits[rec.ID] = rec.Clone()
	return nil
}

func (r *MemoryRepository) ListReconcileCandidates(_ context.Context, after uuid.UUID, limit int) ([]uuid.UUID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[uuid.UUID]struct{})
	for _, rec := range r.benefits {
		if !isReconcilable(rec) {
			continue
		}
		if bytes.Compare(rec.BeneficiaryID[:], after[:]) <= 0 {
			continue
		}
		seen[rec.BeneficiaryID] = struct{}{}
	}
	ids := make([]uuid.UUID, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return bytes.Compare(ids[i][:], ids[j][:]) < 0 })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func isReconcilable(rec *domain.BenefitRecord) bool {
	if rec.Category != domain.CategoryVoucher && rec.Category != domain.CategoryReimbursement {
		return false
	}
	return rec.State == domain.StateActive || rec.State == domain.StateInactive
}

func (r *MemoryRepository) FindCode(_ context.Context, beneficiaryID uuid.UUID) (*domain.Code, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	code, ok := r.codes[beneficiaryID]
	if !ok {
		return nil, ErrCodeNotFound
	}
	return code.Clone(), nil
}

func (r *MemoryRepository) SaveCode(_ context.Context, code *domain.Code) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.codes[code.BeneficiaryID]
	storedVersion := 0
	if ok {
		storedVersion = stored.Version
	}
	if storedVersion != code.Version {
		return ErrVersionConflict
	}
	code.Version++
	code.History.MarkPersisted()
	r.codes[code.BeneficiaryID] = code.Clone()
	return nil
}

func (r *MemoryRepository) FindFund(_ context.Context, beneficiaryID uuid.UUID) (*domain.Fund, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fund, ok := r.funds[beneficiaryID]
	if !ok {
		return nil, ErrFundNotFound
	}
	return fund.Clone(), nil
}

func (r *MemoryRepository) SaveFund(_ context.Context, fund *domain.Fund) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.funds[fund.BeneficiaryID]
	storedVersion := 0
	if ok {
		storedVersion = stored.Version
	}
	if storedVersion != fund.Version {
		return ErrVersionConflict
	}
	fund.Version++
	fund.Movements.MarkPersisted()
	r.funds[fund.BeneficiaryID] = fund.Clone()
	return nil
}

func (r *MemoryRepository) AppendIfAbsent(_ context.Context, event domain.BenefitEvent, window time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.events {
		if existing.BeneficiaryID != event.BeneficiaryID || existing.ServiceID != event.ServiceID || existing.Action != event.Action {
			continue
		}
		delta := existing.OccurredAt.Sub(event.OccurredAt)
		if delta < 0 {
			delta = -delta
		}
		if delta <= window {
			return false, nil
		}
	}
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	r.events = append(r.events, event)
	return true, nil
}

func (r *MemoryRepository) ListEvents(_ context.Context, filter domain.EventFilter) ([]domain.BenefitEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.BenefitEvent, 0)
	for i := len(r.events) - 1; i >= 0; i-- {
		event := r.events[i]
		if filter.BeneficiaryID != nil && event.BeneficiaryID != *filter.BeneficiaryID {
			continue
		}
		if filter.Action != "" && event.Action != filter.Action {
			continue
		}
		out = append(out, event)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (r *MemoryRepository) FindService(_ context.Context, serviceID uuid.UUID) (*ServiceRow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	row, ok := r.services[serviceID]
	if !ok {
		return nil, ErrServiceNotFound
	}
	return &row, nil
}

func (r *MemoryRepository) BeneficiaryExists(_ context.Context, beneficiaryID uuid.UUID) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.beneficiaries[beneficiaryID]
	return ok, nil
}
