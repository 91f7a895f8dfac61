package delivery

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

const scheduleColumns = `id, contract_id, name, declaration_number, declaration_date,
	bill_number, customs_fee, transport_fee, qty_ok, qty_ng, created_at`

func scanSchedule(row pgx.Row) (Schedule, error) {
	var s Schedule
	err := row.Scan(&s.ID, &s.ContractID, &s.Name, &s.DeclarationNumber, &s.DeclarationDate,
		&s.BillNumber, &s.CustomsFee, &s.TransportFee, &s.QtyOK, &s.QtyNG, &s.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Schedule{}, ErrNotFound
	}
	return s, err
}

// Get returns a schedule by id.
func (r *Repository) Get(ctx context.Context, id int64) (Schedule, error) {
	return scanSchedule(r.pool.QueryRow(ctx, `SELECT `+scheduleColumns+` FROM delivery_schedules WHERE id = $1`, id))
}

// GetByContract returns the contract's schedule.
func (r *Repository) GetByContract(ctx context.Context, contractID int64) (Schedule, error) {
	return scanSchedule(r.pool.QueryRow(ctx,
		`SELECT `+scheduleColumns+` FROM delivery_schedules WHERE contract_id = $1`, contractID))
}

// Create inserts a schedule unless the contract already has one. Returns the
// schedule id either way.
func (r *Repository) Create(ctx context.Context, s Schedule) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx, `
		INSERT INTO delivery_schedules (contract_id, name, created_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (contract_id) DO UPDATE SET contract_id = EXCLUDED.contract_id
		RETURNING id`,
		s.ContractID, s.Name).Scan(&id)
	return id, err
}

// UpdateDetails writes the customs paperwork fields.
func (r *Repository) UpdateDetails(ctx context.Context, s Schedule) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE delivery_schedules
		SET declaration_number = $2, declaration_date = $3, bill_number = $4,
		    customs_fee = $5, transport_fee = $6
		WHERE id = $1`,
		s.ID, s.DeclarationNumber, s.DeclarationDate, s.BillNumber, s.CustomsFee, s.TransportFee)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetTotals writes the aggregate inspection outcome.
func (r *Repository) SetTotals(ctx context.Context, contractID int64, qtyOK, qtyNG float64) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE delivery_schedules SET qty_ok = $2, qty_ng = $3 WHERE contract_id = $1`,
		contractID, qtyOK, qtyNG)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
