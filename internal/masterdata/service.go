package masterdata

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/vnoptic/vnoptic-erp/internal/shared"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	GetProduct(ctx context.Context, id int64) (Product, error)
	GetProducts(ctx context.Context, ids []int64) ([]Product, error)
	ListProducts(ctx context.Context) ([]Product, error)
	CreateProduct(ctx context.Context, p Product) (int64, error)
	GetSupplier(ctx context.Context, id int64) (Supplier, error)
	CreateSupplier(ctx context.Context, s Supplier) (int64, error)
	GetCompany(ctx context.Context, id int64) (Company, error)
	UpdateCompanyOtkConfig(ctx context.Context, c Company) error
}

// PickingTypePort resolves picking-type defaults for the company fallback.
type PickingTypePort interface {
	DefaultDestLocation(ctx context.Context, pickingTypeID int64) (int64, error)
}

// Service exposes catalog and company configuration operations.
type Service struct {
	repo         RepositoryPort
	pickingTypes PickingTypePort
	collator     *collate.Collator
}

// NewService constructs the masterdata service.
func NewService(repo RepositoryPort, pickingTypes PickingTypePort) *Service {
	return &Service{
		repo:         repo,
		pickingTypes: pickingTypes,
		collator:     collate.New(language.Vietnamese),
	}
}

// CreateProduct validates and stores a new catalog item.
func (s *Service) CreateProduct(ctx context.Context, p Product) (Product, error) {
	if strings.TrimSpace(p.SKU) == "" || strings.TrimSpace(p.Name) == "" {
		return Product{}, fmt.Errorf("%w: sku and name are required", ErrValidation)
	}
	switch p.Tracking {
	case TrackingNone, TrackingLot, TrackingSerial:
	default:
		return Product{}, fmt.Errorf("%w: unknown tracking %q", ErrValidation, p.Tracking)
	}
	if p.UoM == "" {
		p.UoM = "unit"
	}
	if p.CostMethod == "" {
		p.CostMethod = CostMethodFIFO
	}
	if p.Valuation == "" {
		p.Valuation = ValuationRealTime
	}
	id, err := s.repo.CreateProduct(ctx, p)
	if err != nil {
		return Product{}, err
	}
	p.ID = id
	return p, nil
}

// GetProduct fetches a single product.
func (s *Service) GetProduct(ctx context.Context, id int64) (Product, error) {
	return s.repo.GetProduct(ctx, id)
}

// GetProducts fetches products by id set.
func (s *Service) GetProducts(ctx context.Context, ids []int64) ([]Product, error) {
	return s.repo.GetProducts(ctx, ids)
}

// ListProducts returns a catalog page ordered by Vietnamese collation of the
// product name so "Đ" sorts after "D" rather than after "Z". Collation runs
// before paging so page boundaries follow the collated order.
func (s *Service) ListProducts(ctx context.Context, page shared.Pagination) ([]Product, error) {
	products, err := s.repo.ListProducts(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(products, func(i, j int) bool {
		return s.collator.CompareString(products[i].Name, products[j].Name) < 0
	})
	page = page.Normalise()
	if page.Offset >= len(products) {
		return nil, nil
	}
	end := page.Offset + page.Limit
	if end > len(products) {
		end = len(products)
	}
	return products[page.Offset:end], nil
}

// CreateSupplier validates and stores a vendor.
func (s *Service) CreateSupplier(ctx context.Context, sup Supplier) (Supplier, error) {
	if strings.TrimSpace(sup.Name) == "" {
		return Supplier{}, fmt.Errorf("%w: supplier name is required", ErrValidation)
	}
	if sup.Currency == "" {
		sup.Currency = "VND"
	}
	id, err := s.repo.CreateSupplier(ctx, sup)
	if err != nil {
		return Supplier{}, err
	}
	sup.ID = id
	return sup, nil
}

// GetSupplier fetches a vendor.
func (s *Service) GetSupplier(ctx context.Context, id int64) (Supplier, error) {
	return s.repo.GetSupplier(ctx, id)
}

// GetCompany fetches company configuration.
func (s *Service) GetCompany(ctx context.Context, id int64) (Company, error) {
	return s.repo.GetCompany(ctx, id)
}

// ConfigureOtk validates and stores inspection defaults for a company.
// All references except the source location are mandatory.
func (s *Service) ConfigureOtk(ctx context.Context, c Company) error {
	if c.OtkPickingTypeID == 0 || c.OtkOKLocationID == 0 || c.OtkNGLocationID == 0 {
		return fmt.Errorf("%w: otk picking type and OK/NG locations must be configured", ErrValidation)
	}
	if c.IncomingPickingTypeID == 0 {
		return fmt.Errorf("%w: incoming picking type must be configured", ErrValidation)
	}
	return s.repo.UpdateCompanyOtkConfig(ctx, c)
}

// ResolveOtkDefaults returns the inspection defaults for a company. When no
// explicit source location is configured it falls back to the incoming
// picking type's default destination, which is where received goods land.
func (s *Service) ResolveOtkDefaults(ctx context.Context, companyID int64) (OtkDefaults, error) {
	company, err := s.repo.GetCompany(ctx, companyID)
	if err != nil {
		return OtkDefaults{}, err
	}
	defaults := OtkDefaults{
		PickingTypeID:    company.OtkPickingTypeID,
		SourceLocationID: company.OtkSourceLocationID,
		OKLocationID:     company.OtkOKLocationID,
		NGLocationID:     company.OtkNGLocationID,
	}
	if defaults.PickingTypeID == 0 || defaults.OKLocationID == 0 || defaults.NGLocationID == 0 {
		return OtkDefaults{}, fmt.Errorf("%w: company %d has no otk configuration", ErrValidation, companyID)
	}
	if defaults.SourceLocationID == 0 {
		if company.IncomingPickingTypeID == 0 {
			return OtkDefaults{}, fmt.Errorf("%w: company %d has no incoming picking type to derive the otk source from", ErrValidation, companyID)
		}
		dest, err := s.pickingTypes.DefaultDestLocation(ctx, company.IncomingPickingTypeID)
		if err != nil {
			return OtkDefaults{}, err
		}
		defaults.SourceLocationID = dest
	}
	return defaults, nil
}
