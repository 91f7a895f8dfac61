package masterdata

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetProduct returns a product by id.
func (r *Repository) GetProduct(ctx context.Context, id int64) (Product, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, sku, name, uom, tracking, cost_method, valuation, category
		FROM products WHERE id = $1`, id)
	return scanProduct(row)
}

// GetProducts returns products by id set.
func (r *Repository) GetProducts(ctx context.Context, ids []int64) ([]Product, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, sku, name, uom, tracking, cost_method, valuation, category
		FROM products WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectProducts(rows)
}

// ListProducts returns all products. Ordering is applied by the service.
func (r *Repository) ListProducts(ctx context.Context) ([]Product, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, sku, name, uom, tracking, cost_method, valuation, category
		FROM products`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectProducts(rows)
}

// CreateProduct inserts a product.
func (r *Repository) CreateProduct(ctx context.Context, p Product) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx, `
		INSERT INTO products (sku, name, uom, tracking, cost_method, valuation, category)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		p.SKU, p.Name, p.UoM, string(p.Tracking), string(p.CostMethod), string(p.Valuation), p.Category).Scan(&id)
	return id, err
}

// GetSupplier returns a supplier by id.
func (r *Repository) GetSupplier(ctx context.Context, id int64) (Supplier, error) {
	var s Supplier
	err := r.pool.QueryRow(ctx, `
		SELECT id, code, name, currency, incoterm FROM suppliers WHERE id = $1`, id).
		Scan(&s.ID, &s.Code, &s.Name, &s.Currency, &s.Incoterm)
	if errors.Is(err, pgx.ErrNoRows) {
		return Supplier{}, ErrNotFound
	}
	return s, err
}

// CreateSupplier inserts a supplier.
func (r *Repository) CreateSupplier(ctx context.Context, s Supplier) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx, `
		INSERT INTO suppliers (code, name, currency, incoterm)
		VALUES ($1, $2, $3, $4)
		RETURNING id`, s.Code, s.Name, s.Currency, s.Incoterm).Scan(&id)
	return id, err
}

// GetCompany returns company configuration.
func (r *Repository) GetCompany(ctx context.Context, id int64) (Company, error) {
	var c Company
	err := r.pool.QueryRow(ctx, `
		SELECT id, name, currency, incoming_picking_type_id, otk_picking_type_id,
		       otk_source_location_id, otk_ok_location_id, otk_ng_location_id
		FROM companies WHERE id = $1`, id).
		Scan(&c.ID, &c.Name, &c.Currency, &c.IncomingPickingTypeID, &c.OtkPickingTypeID,
			&c.OtkSourceLocationID, &c.OtkOKLocationID, &c.OtkNGLocationID)
	if errors.Is(err, pgx.ErrNoRows) {
		return Company{}, ErrNotFound
	}
	return c, err
}

// UpdateCompanyOtkConfig stores the inspection defaults.
func (r *Repository) UpdateCompanyOtkConfig(ctx context.Context, c Company) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE companies
		SET incoming_picking_type_id = $2, otk_picking_type_id = $3,
		    otk_source_location_id = $4, otk_ok_location_id = $5, otk_ng_location_id = $6
		WHERE id = $1`,
		c.ID, c.IncomingPickingTypeID, c.OtkPickingTypeID,
		c.OtkSourceLocationID, c.OtkOKLocationID, c.OtkNGLocationID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanProduct(row pgx.Row) (Product, error) {
	var p Product
	var tracking, costMethod, valuation string
	err := row.Scan(&p.ID, &p.SKU, &p.Name, &p.UoM, &tracking, &costMethod, &valuation, &p.Category)
	if errors.Is(err, pgx.ErrNoRows) {
		return Product{}, ErrNotFound
	}
	if err != nil {
		return Product{}, err
	}
	p.Tracking = Tracking(tracking)
	p.CostMethod = CostMethod(costMethod)
	p.Valuation = Valuation(valuation)
	return p, nil
}

func collectProducts(rows pgx.Rows) ([]Product, error) {
	var products []Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, rows.Err()
}
