package contracts

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vnoptic/vnoptic-erp/internal/platform/db"
)

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations.
type TxRepository interface {
	CreateContract(ctx context.Context, c Contract) (int64, error)
	UpdateContract(ctx context.Context, c Contract) error
	SetState(ctx context.Context, id int64, state ContractState) error
	SetApproval(ctx context.Context, id int64, approvedBy int64, approvedAt time.Time) error
	SetDeliveryState(ctx context.Context, id int64, state DeliveryState) error
	AddPO(ctx context.Context, contractID, poID int64) error
	RemovePO(ctx context.Context, contractID, poID int64) error
	DeleteLines(ctx context.Context, contractID int64) error
	InsertLine(ctx context.Context, line ContractLine) (int64, error)
	SetLineAllocation(ctx context.Context, lineID int64, qty float64) error
	SetLineReceived(ctx context.Context, lineID int64, qty float64) error
}

type txRepo struct {
	tx pgx.Tx
}

// WithTx wraps callback in a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

const contractColumns = `id, ref_id, number, name, supplier_id, company_id, currency, incoterm,
	contract_type, state, delivery_state, sign_date, shipment_date, port_loading,
	port_discharge, partial_shipment, packing, quality_notes, approved_by, approved_at`

func scanContract(row pgx.Row) (Contract, error) {
	var c Contract
	var state, deliveryState string
	err := row.Scan(&c.ID, &c.RefID, &c.Number, &c.Name, &c.SupplierID, &c.CompanyID,
		&c.Currency, &c.Incoterm, &c.ContractType, &state, &deliveryState,
		&c.SignDate, &c.ShipmentDate, &c.PortLoading, &c.PortDischarge,
		&c.PartialShipment, &c.Packing, &c.QualityNotes, &c.ApprovedBy, &c.ApprovedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Contract{}, ErrNotFound
	}
	if err != nil {
		return Contract{}, err
	}
	c.State = ContractState(state)
	c.DeliveryState = DeliveryState(deliveryState)
	return c, nil
}

// GetContract returns a contract by id.
func (r *Repository) GetContract(ctx context.Context, id int64) (Contract, error) {
	return scanContract(r.pool.QueryRow(ctx, `SELECT `+contractColumns+` FROM contracts WHERE id = $1`, id))
}

// ListLines returns the contract's allocation lines.
func (r *Repository) ListLines(ctx context.Context, contractID int64) ([]ContractLine, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, contract_id, po_id, po_line_id, product_id, uom, currency,
		       product_qty, qty_contract, qty_received, price
		FROM contract_lines WHERE contract_id = $1 ORDER BY id`, contractID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lines []ContractLine
	for rows.Next() {
		var line ContractLine
		if err := rows.Scan(&line.ID, &line.ContractID, &line.POID, &line.POLineID,
			&line.ProductID, &line.UoM, &line.Currency, &line.ProductQty,
			&line.QtyContract, &line.QtyReceived, &line.Price); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

// ListPOIDs returns the ids of the POs attached to a contract.
func (r *Repository) ListPOIDs(ctx context.Context, contractID int64) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT po_id FROM contract_pos WHERE contract_id = $1 ORDER BY po_id`, contractID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListContractIDsByPO returns the ids of contracts a PO is attached to,
// lowest first. The first entry is the preferred contract for receipt tagging.
func (r *Repository) ListContractIDsByPO(ctx context.Context, poID int64) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT contract_id FROM contract_pos WHERE po_id = $1 ORDER BY contract_id`, poID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// IsPOLineClaimed reports whether another contract already claims the PO line.
func (r *Repository) IsPOLineClaimed(ctx context.Context, poLineID, excludeContractID int64) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM contract_lines WHERE po_line_id = $1 AND contract_id <> $2
		)`, poLineID, excludeContractID).Scan(&exists)
	return exists, err
}

// ListActiveContractIDs returns ids of contracts that are not cancelled.
func (r *Repository) ListActiveContractIDs(ctx context.Context) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM contracts WHERE state <> 'cancel' ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Transactional writes

func (t *txRepo) CreateContract(ctx context.Context, c Contract) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO contracts (ref_id, number, name, supplier_id, company_id, currency, incoterm,
			contract_type, state, delivery_state, sign_date, shipment_date, port_loading,
			port_discharge, partial_shipment, packing, quality_notes, approved_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, 0)
		RETURNING id`,
		c.RefID, c.Number, c.Name, c.SupplierID, c.CompanyID, c.Currency, c.Incoterm,
		c.ContractType, string(c.State), string(c.DeliveryState), c.SignDate, c.ShipmentDate,
		c.PortLoading, c.PortDischarge, c.PartialShipment, c.Packing, c.QualityNotes).Scan(&id)
	return id, err
}

func (t *txRepo) UpdateContract(ctx context.Context, c Contract) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE contracts
		SET name = $2, supplier_id = $3, currency = $4, incoterm = $5, contract_type = $6,
		    sign_date = $7, shipment_date = $8, port_loading = $9, port_discharge = $10,
		    partial_shipment = $11, packing = $12, quality_notes = $13
		WHERE id = $1`,
		c.ID, c.Name, c.SupplierID, c.Currency, c.Incoterm, c.ContractType,
		c.SignDate, c.ShipmentDate, c.PortLoading, c.PortDischarge,
		c.PartialShipment, c.Packing, c.QualityNotes)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *txRepo) SetState(ctx context.Context, id int64, state ContractState) error {
	tag, err := t.tx.Exec(ctx, `UPDATE contracts SET state = $2 WHERE id = $1`, id, string(state))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *txRepo) SetApproval(ctx context.Context, id int64, approvedBy int64, approvedAt time.Time) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE contracts SET approved_by = $2, approved_at = $3 WHERE id = $1`,
		id, approvedBy, approvedAt.UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *txRepo) SetDeliveryState(ctx context.Context, id int64, state DeliveryState) error {
	tag, err := t.tx.Exec(ctx, `UPDATE contracts SET delivery_state = $2 WHERE id = $1`, id, string(state))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *txRepo) AddPO(ctx context.Context, contractID, poID int64) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO contract_pos (contract_id, po_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING`, contractID, poID)
	return err
}

func (t *txRepo) RemovePO(ctx context.Context, contractID, poID int64) error {
	_, err := t.tx.Exec(ctx, `
		DELETE FROM contract_pos WHERE contract_id = $1 AND po_id = $2`, contractID, poID)
	return err
}

func (t *txRepo) DeleteLines(ctx context.Context, contractID int64) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM contract_lines WHERE contract_id = $1`, contractID)
	return err
}

// InsertLine persists an allocation line. The unique index on po_line_id
// enforces the one-claim-per-PO-line rule system-wide; a violation maps to
// ErrPOLineClaimed.
func (t *txRepo) InsertLine(ctx context.Context, line ContractLine) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO contract_lines (contract_id, po_id, po_line_id, product_id, uom, currency,
			product_qty, qty_contract, qty_received, price)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`,
		line.ContractID, line.POID, line.POLineID, line.ProductID, line.UoM, line.Currency,
		line.ProductQty, line.QtyContract, line.QtyReceived, line.Price).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return 0, ErrPOLineClaimed
		}
		return 0, err
	}
	return id, nil
}

func (t *txRepo) SetLineAllocation(ctx context.Context, lineID int64, qty float64) error {
	tag, err := t.tx.Exec(ctx, `UPDATE contract_lines SET qty_contract = $2 WHERE id = $1`, lineID, qty)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *txRepo) SetLineReceived(ctx context.Context, lineID int64, qty float64) error {
	tag, err := t.tx.Exec(ctx, `UPDATE contract_lines SET qty_received = $2 WHERE id = $1`, lineID, qty)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

var _ TxRepository = (*txRepo)(nil)
