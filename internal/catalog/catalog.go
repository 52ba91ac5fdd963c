/**
 * @description
 * Read-only lookup of service definitions. The category of a service is resolved here
 * once: an explicit category column wins, otherwise the service name is matched
 * against known names.
 */
package catalog

import (
	"context"
	"fmt"
	"strings"

	"github.com/bnp/benefit-service/internal/domain"
	"github.com/bnp/benefit-service/internal/store"
	"github.com/google/uuid"
)

var nameCategories = []struct {
	category domain.Category
	names    []string
}{
	{domain.CategoryVoucher, []string{"voucher", "vale", "bono"}},
	{domain.CategoryReimbursement, []string{"reembolso", "reimbursement"}},
	{domain.CategoryFinancing, []string{"financiamiento", "financing", "crédito", "credito"}},
}

// CategoryForName derives a category from a service name.
func CategoryForName(name string) domain.Category {
	normalized := strings.ToLower(strings.TrimSpace(name))
	for _, entry := range nameCategories {
		for _, candidate := range entry.names {
			if strings.Contains(normalized, candidate) {
				return entry.category
			}
		}
	}
	return domain.CategoryOther
}

// Catalog resolves service definitions.
type Catalog struct {
	repo                store.CatalogRepository
	defaultVoucherValue float64
}

func New(repo store.CatalogRepository, defaultVoucherValue float64) *Catalog {
	return &Catalog{repo: repo, defaultVoucherValue: defaultVoucherValue}
}

// Lookup fails with store.ErrServiceNotFound when the service does not exist.
func (c *Catalog) Lookup(ctx context.Context, serviceID uuid.UUID) (*domain.ServiceDefinition, error) {
	row, err := c.repo.FindService(ctx, serviceID)
	if err != nil {
		return nil, err
	}

	category := domain.Category(strings.ToLower(strings.TrimSpace(row.Category)))
	if row.Category == "" {
		category = CategoryForName(row.Name)
	} else if !category.Valid() {
		return nil, fmt.Errorf("service %s has unknown category %q", serviceID, row.Category)
	}

	def := &domain.ServiceDefinition{
		ID:           row.ID,
		Name:         row.Name,
		Category:     category,
		VoucherValue: c.defaultVoucherValue,
	}
	if row.VoucherValue != nil {
		def.VoucherValue = domain.RoundCurrency(*row.VoucherValue)
	}
	return def, nil
}
