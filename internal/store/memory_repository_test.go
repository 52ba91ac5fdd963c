package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bnp/benefit-service/internal/domain"
	"github.com/google/uuid"
)

func newPendingRecord(t *testing.T, category domain.Category) *domain.BenefitRecord {
	t.Helper()
	rec, err := domain.NewBenefitRecord(uuid.New(), uuid.New(), "svc", category, "admin-1", time.Now().UTC())
	if err != nil {
		t.Fatalf("NewBenefitRecord: %v", err)
	}
	return rec
}

func TestMemoryRepository_CreateRejectsDuplicatePair(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	rec := newPendingRecord(t, domain.CategoryVoucher)

	if err := repo.CreateBenefit(ctx, rec); err != nil {
		t.Fatalf("CreateBenefit: %v", err)
	}
	dup, _ := domain.NewBenefitRecord(rec.BeneficiaryID, rec.ServiceID, "svc", domain.CategoryVoucher, "admin-2", time.Now().UTC())
	if err := repo.CreateBenefit(ctx, dup); !errors.Is(err, ErrBenefitAlreadyAssigned) {
		t.Fatalf("expected ErrBenefitAlreadyAssigned, got %v", err)
	}
}

func TestMemoryRepository_SaveDetectsVersionConflict(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	rec := newPendingRecord(t, domain.CategoryOther)
	if err := repo.CreateBenefit(ctx, rec); err != nil {
		t.Fatalf("CreateBenefit: %v", err)
	}

	first, _ := repo.FindBenefit(ctx, rec.BeneficiaryID, rec.ServiceID)
	second, _ := repo.FindBenefit(ctx, rec.BeneficiaryID, rec.ServiceID)

	first.State = domain.StateActive
	if err := repo.SaveBenefit(ctx, first); err != nil {
		t.Fatalf("first save: %v", err)
	}
	if first.Version != 2 {
		t.Fatalf("expected version 2 after save, got %d", first.Version)
	}

	second.State = domain.StateActive
	if err := repo.SaveBenefit(ctx, second); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
}

func TestMemoryRepository_SaveEnforcesTransitionGraph(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	rec := newPendingRecord(t, domain.CategoryOther)
	if err := repo.CreateBenefit(ctx, rec); err != nil {
		t.Fatalf("CreateBenefit: %v", err)
	}

	rec.State = domain.StateInactive
	if err := repo.SaveBenefit(ctx, rec); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition for pending -> inactive, got %v", err)
	}
}

func TestMemoryRepository_ReturnsCopies(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	rec := newPendingRecord(t, domain.CategoryVoucher)
	if err := repo.CreateBenefit(ctx, rec); err != nil {
		t.Fatalf("CreateBenefit: %v", err)
	}

	loaded, _ := repo.FindBenefitByID(ctx, rec.ID)
	loaded.Voucher.CurrentBalance = 999
	loaded.History.Append(domain.HistoryEntry{NewState: domain.StateActive, Actor: "x"})

	again, _ := repo.FindBenefitByID(ctx, rec.ID)
	if again.Voucher.CurrentBalance != 0 || again.History.Len() != 1 {
		t.Fatalf("stored record was mutated through a returned copy")
	}
}

func TestMemoryRepository_AppendIfAbsentWindow(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	event := domain.BenefitEvent{
		BeneficiaryID: uuid.New(),
		ServiceID:     uuid.New(),
		BenefitID:     uuid.New(),
		Action:        domain.ActionActivated,
		Actor:         "admin-1",
		OccurredAt:    base,
	}

	tests := []struct {
		name   string
		offset time.Duration
		action domain.EventAction
		want   bool
	}{
		{"first write", 0, domain.ActionActivated, true},
		{"inside window after", 30 * time.Second, domain.ActionActivated, false},
		{"inside window before", -59 * time.Second, domain.ActionActivated, false},
		{"different action", 10 * time.Second, domain.ActionDeactivated, true},
		{"outside window", 2 * time.Minute, domain.ActionActivated, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := event
			e.OccurredAt = base.Add(tt.offset)
			e.Action = tt.action
			wrote, err := repo.AppendIfAbsent(ctx, e, time.Minute)
			if err != nil {
				t.Fatalf("AppendIfAbsent: %v", err)
			}
			if wrote != tt.want {
				t.Fatalf("expected wrote=%v, got %v", tt.want, wrote)
			}
		})
	}

	events, _ := repo.ListEvents(ctx, domain.EventFilter{BeneficiaryID: &event.BeneficiaryID, Action: domain.ActionActivated})
	if len(events) != 2 {
		t.Fatalf("expected 2 activated events, got %d", len(events))
	}
}

func TestMemoryRepository_ListReconcileCandidatesPages(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		rec := newPendingRecord(t, domain.CategoryVoucher)
		if err := repo.CreateBenefit(ctx, rec); err != nil {
			t.Fatalf("CreateBenefit: %v", err)
		}
		rec.State = domain.StateActive
		if err := repo.SaveBenefit(ctx, rec); err != nil {
			t.Fatalf("SaveBenefit: %v", err)
		}
	}
	pending := newPendingRecord(t, domain.CategoryReimbursement)
	_ = repo.CreateBenefit(ctx, pending)

	page, err := repo.ListReconcileCandidates(ctx, uuid.Nil, 2)
	if err != nil {
		t.Fatalf("ListReconcileCandidates: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("expected page of 2, got %d", len(page))
	}
	rest, _ := repo.ListReconcileCandidates(ctx, page[1], 2)
	if len(rest) != 1 {
		t.Fatalf("expected 1 remaining candidate, got %d", len(rest))
	}
}

func TestMemoryRepository_LedgerSaveIsVersioned(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	bid := uuid.New()
	now := time.Now().UTC()

	if _, err := repo.FindCode(ctx, bid); !errors.Is(err, ErrCodeNotFound) {
		t.Fatalf("expected ErrCodeNotFound, got %v", err)
	}
	code := domain.NewCode(bid, uuid.New(), "admin", now)
	if err := repo.SaveCode(ctx, code); err != nil {
		t.Fatalf("SaveCode: %v", err)
	}
	stale := domain.NewCode(bid, uuid.New(), "admin", now)
	if err := repo.SaveCode(ctx, stale); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict for second insert, got %v", err)
	}

	fund := domain.OpenFund(bid, 100, time.Hour, uuid.New(), "admin", now)
	if err := repo.SaveFund(ctx, fund); err != nil {
		t.Fatalf("SaveFund: %v", err)
	}
	loaded, err := repo.FindFund(ctx, bid)
	if err != nil || loaded.Balance != 100 || loaded.Version != 1 {
		t.Fatalf("unexpected fund %+v err=%v", loaded, err)
	}
}
