package catalog

import (
	"context"
	"errors"
	"testing"

	"github.com/bnp/benefit-service/internal/domain"
	"github.com/bnp/benefit-service/internal/store"
	"github.com/google/uuid"
)

func TestCategoryForName(t *testing.T) {
	tests := []struct {
		name string
		want domain.Category
	}{
		{"Vale de despensa", domain.CategoryVoucher},
		{"Bono anual", domain.CategoryVoucher},
		{"Gift Voucher", domain.CategoryVoucher},
		{"Reembolso médico", domain.CategoryReimbursement},
		{"Financiamiento de auto", domain.CategoryFinancing},
		{"Crédito personal", domain.CategoryFinancing},
		{"Seguro de vida", domain.CategoryOther},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CategoryForName(tt.name); got != tt.want {
				t.Fatalf("CategoryForName(%q) = %s, want %s", tt.name, got, tt.want)
			}
		})
	}
}

func TestLookup(t *testing.T) {
	repo := store.NewMemoryRepository()
	explicit := uuid.New()
	byName := uuid.New()
	priced := uuid.New()
	broken := uuid.New()
	value := 1250.456

	repo.PutService(store.ServiceRow{ID: explicit, Name: "Vale de despensa", Category: "financing"})
	repo.PutService(store.ServiceRow{ID: byName, Name: "Vale de despensa"})
	repo.PutService(store.ServiceRow{ID: priced, Name: "Bono", VoucherValue: &value})
	repo.PutService(store.ServiceRow{ID: broken, Name: "x", Category: "lottery"})

	c := New(repo, 500)
	ctx := context.Background()

	def, err := c.Lookup(ctx, explicit)
	if err != nil || def.Category != domain.CategoryFinancing {
		t.Fatalf("expected explicit category to win, got %+v err=%v", def, err)
	}

	def, err = c.Lookup(ctx, byName)
	if err != nil || def.Category != domain.CategoryVoucher || def.VoucherValue != 500 {
		t.Fatalf("expected voucher with default value, got %+v err=%v", def, err)
	}

	def, err = c.Lookup(ctx, priced)
	if err != nil || def.VoucherValue != 1250.46 {
		t.Fatalf("expected stored voucher value, got %+v err=%v", def, err)
	}

	if _, err := c.Lookup(ctx, broken); err == nil {
		t.Fatalf("expected error for unknown explicit category")
	}

	if _, err := c.Lookup(ctx, uuid.New()); !errors.Is(err, store.ErrServiceNotFound) {
		t.Fatalf("expected ErrServiceNotFound, got %v", err)
	}
}
