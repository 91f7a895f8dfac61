package stock

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
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
	CreatePicking(ctx context.Context, picking Picking) (int64, error)
	CreateMove(ctx context.Context, move Move) (int64, error)
	CreateMoveLine(ctx context.Context, line MoveLine) (int64, error)
	UpdatePickingStatus(ctx context.Context, id int64, status PickingStatus) error
	TagPickingContract(ctx context.Context, pickingID int64, contractID *int64) error
	SetMoveDone(ctx context.Context, id int64, qty float64) error
	SetMoveReserved(ctx context.Context, id int64, qty float64) error
	GetQuantsForUpdate(ctx context.Context, productID, locationID int64, lotIDs []int64) ([]Quant, error)
	AdjustQuant(ctx context.Context, productID, locationID int64, lotID *int64, deltaQty, deltaReserved float64) error
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

const pickingColumns = `id, number, company_id, picking_type_id, code, src_location_id,
	dest_location_id, po_id, contract_id, backorder_of_id, status`

func scanPicking(row pgx.Row) (Picking, error) {
	var p Picking
	var code, status string
	err := row.Scan(&p.ID, &p.Number, &p.CompanyID, &p.PickingTypeID, &code, &p.SrcLocationID,
		&p.DestLocationID, &p.POID, &p.ContractID, &p.BackorderOfID, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return Picking{}, ErrNotFound
	}
	if err != nil {
		return Picking{}, err
	}
	p.Code = PickingCode(code)
	p.Status = PickingStatus(status)
	return p, nil
}

// GetPicking returns a picking and its moves.
func (r *Repository) GetPicking(ctx context.Context, id int64) (Picking, []Move, error) {
	picking, err := scanPicking(r.pool.QueryRow(ctx, `SELECT `+pickingColumns+` FROM pickings WHERE id = $1`, id))
	if err != nil {
		return Picking{}, nil, err
	}
	moves, err := r.listMoves(ctx, id)
	if err != nil {
		return Picking{}, nil, err
	}
	return picking, moves, nil
}

func (r *Repository) listMoves(ctx context.Context, pickingID int64) ([]Move, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, picking_id, product_id, po_line_id, contract_id, demand_qty, done_qty, reserved_qty
		FROM moves WHERE picking_id = $1 ORDER BY id`, pickingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var moves []Move
	for rows.Next() {
		var m Move
		if err := rows.Scan(&m.ID, &m.PickingID, &m.ProductID, &m.POLineID, &m.ContractID,
			&m.DemandQty, &m.DoneQty, &m.Reserved); err != nil {
			return nil, err
		}
		moves = append(moves, m)
	}
	return moves, rows.Err()
}

// GetMoveLines returns the lot breakdown rows of a move.
func (r *Repository) GetMoveLines(ctx context.Context, moveID int64) ([]MoveLine, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, move_id, lot_id, qty FROM move_lines WHERE move_id = $1 ORDER BY id`, moveID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lines []MoveLine
	for rows.Next() {
		var l MoveLine
		if err := rows.Scan(&l.ID, &l.MoveID, &l.LotID, &l.Qty); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

// ListPendingIncomingByPO returns not-done, not-cancelled incoming pickings of a PO.
func (r *Repository) ListPendingIncomingByPO(ctx context.Context, poID int64) ([]Picking, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+pickingColumns+` FROM pickings
		WHERE po_id = $1 AND code = 'incoming' AND status NOT IN ('done', 'cancel')
		ORDER BY id`, poID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var pickings []Picking
	for rows.Next() {
		p, err := scanPicking(rows)
		if err != nil {
			return nil, err
		}
		pickings = append(pickings, p)
	}
	return pickings, rows.Err()
}

// HasDoneIncomingForPO reports whether any incoming picking of the PO is done.
func (r *Repository) HasDoneIncomingForPO(ctx context.Context, poID int64) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM pickings WHERE po_id = $1 AND code = 'incoming' AND status = 'done'
		)`, poID).Scan(&exists)
	return exists, err
}

// HasDoneIncomingForContract reports whether any incoming picking tagged to
// the contract is done.
func (r *Repository) HasDoneIncomingForContract(ctx context.Context, contractID int64) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM pickings WHERE contract_id = $1 AND code = 'incoming' AND status = 'done'
		)`, contractID).Scan(&exists)
	return exists, err
}

// AvailableQty sums unreserved quantity for a product at a location,
// optionally restricted to a lot set.
func (r *Repository) AvailableQty(ctx context.Context, productID, locationID int64, lotIDs []int64) (float64, error) {
	var available float64
	var err error
	if len(lotIDs) > 0 {
		err = r.pool.QueryRow(ctx, `
			SELECT COALESCE(SUM(GREATEST(quantity - reserved, 0)), 0)
			FROM quants
			WHERE product_id = $1 AND location_id = $2 AND lot_id = ANY($3)`,
			productID, locationID, lotIDs).Scan(&available)
	} else {
		err = r.pool.QueryRow(ctx, `
			SELECT COALESCE(SUM(GREATEST(quantity - reserved, 0)), 0)
			FROM quants
			WHERE product_id = $1 AND location_id = $2`,
			productID, locationID).Scan(&available)
	}
	return available, err
}

// CreateLocation inserts a stock location.
func (r *Repository) CreateLocation(ctx context.Context, l Location) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx, `
		INSERT INTO locations (company_id, name, usage) VALUES ($1, $2, $3) RETURNING id`,
		l.CompanyID, l.Name, string(l.Usage)).Scan(&id)
	return id, err
}

// CreatePickingType inserts a picking type.
func (r *Repository) CreatePickingType(ctx context.Context, pt PickingType) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx, `
		INSERT INTO picking_types (company_id, name, code, default_src_location_id, default_dest_location_id, sequence_prefix)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		pt.CompanyID, pt.Name, string(pt.Code), pt.DefaultSrcLocationID, pt.DefaultDestLocationID, pt.SequencePrefix).Scan(&id)
	return id, err
}

// GetPickingType returns a picking type.
func (r *Repository) GetPickingType(ctx context.Context, id int64) (PickingType, error) {
	var pt PickingType
	var code string
	err := r.pool.QueryRow(ctx, `
		SELECT id, company_id, name, code, default_src_location_id, default_dest_location_id, sequence_prefix
		FROM picking_types WHERE id = $1`, id).
		Scan(&pt.ID, &pt.CompanyID, &pt.Name, &code, &pt.DefaultSrcLocationID, &pt.DefaultDestLocationID, &pt.SequencePrefix)
	if errors.Is(err, pgx.ErrNoRows) {
		return PickingType{}, ErrNotFound
	}
	if err != nil {
		return PickingType{}, err
	}
	pt.Code = PickingCode(code)
	return pt, nil
}

// CreateLot inserts a lot/serial record.
func (r *Repository) CreateLot(ctx context.Context, lot Lot) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx, `
		INSERT INTO lots (product_id, name) VALUES ($1, $2) RETURNING id`,
		lot.ProductID, lot.Name).Scan(&id)
	return id, err
}

// GetLot returns a lot by id.
func (r *Repository) GetLot(ctx context.Context, id int64) (Lot, error) {
	var lot Lot
	err := r.pool.QueryRow(ctx, `SELECT id, product_id, name FROM lots WHERE id = $1`, id).
		Scan(&lot.ID, &lot.ProductID, &lot.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return Lot{}, ErrNotFound
	}
	return lot, err
}

// Transactional writes

func (t *txRepo) CreatePicking(ctx context.Context, picking Picking) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO pickings (number, company_id, picking_type_id, code, src_location_id,
			dest_location_id, po_id, contract_id, backorder_of_id, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`,
		picking.Number, picking.CompanyID, picking.PickingTypeID, string(picking.Code),
		picking.SrcLocationID, picking.DestLocationID, picking.POID, picking.ContractID,
		picking.BackorderOfID, string(picking.Status)).Scan(&id)
	return id, err
}

func (t *txRepo) CreateMove(ctx context.Context, move Move) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO moves (picking_id, product_id, po_line_id, contract_id, demand_qty, done_qty, reserved_qty)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		move.PickingID, move.ProductID, move.POLineID, move.ContractID,
		move.DemandQty, move.DoneQty, move.Reserved).Scan(&id)
	return id, err
}

func (t *txRepo) CreateMoveLine(ctx context.Context, line MoveLine) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO move_lines (move_id, lot_id, qty) VALUES ($1, $2, $3) RETURNING id`,
		line.MoveID, line.LotID, line.Qty).Scan(&id)
	return id, err
}

func (t *txRepo) UpdatePickingStatus(ctx context.Context, id int64, status PickingStatus) error {
	tag, err := t.tx.Exec(ctx, `UPDATE pickings SET status = $2 WHERE id = $1`, id, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *txRepo) TagPickingContract(ctx context.Context, pickingID int64, contractID *int64) error {
	if _, err := t.tx.Exec(ctx, `UPDATE pickings SET contract_id = $2 WHERE id = $1`, pickingID, contractID); err != nil {
		return err
	}
	_, err := t.tx.Exec(ctx, `UPDATE moves SET contract_id = $2 WHERE picking_id = $1`, pickingID, contractID)
	return err
}

func (t *txRepo) SetMoveDone(ctx context.Context, id int64, qty float64) error {
	tag, err := t.tx.Exec(ctx, `UPDATE moves SET done_qty = $2 WHERE id = $1`, id, qty)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *txRepo) SetMoveReserved(ctx context.Context, id int64, qty float64) error {
	tag, err := t.tx.Exec(ctx, `UPDATE moves SET reserved_qty = $2 WHERE id = $1`, id, qty)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetQuantsForUpdate locks and returns the quant rows for (product, location,
// optional lot set). The lock serializes concurrent consumers of the same stock.
func (t *txRepo) GetQuantsForUpdate(ctx context.Context, productID, locationID int64, lotIDs []int64) ([]Quant, error) {
	var rows pgx.Rows
	var err error
	if len(lotIDs) > 0 {
		rows, err = t.tx.Query(ctx, `
			SELECT id, product_id, location_id, lot_id, quantity, reserved
			FROM quants
			WHERE product_id = $1 AND location_id = $2 AND lot_id = ANY($3)
			ORDER BY id
			FOR UPDATE`, productID, locationID, lotIDs)
	} else {
		rows, err = t.tx.Query(ctx, `
			SELECT id, product_id, location_id, lot_id, quantity, reserved
			FROM quants
			WHERE product_id = $1 AND location_id = $2
			ORDER BY id
			FOR UPDATE`, productID, locationID)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var quants []Quant
	for rows.Next() {
		var q Quant
		if err := rows.Scan(&q.ID, &q.ProductID, &q.LocationID, &q.LotID, &q.Quantity, &q.Reserved); err != nil {
			return nil, err
		}
		quants = append(quants, q)
	}
	return quants, rows.Err()
}

func (t *txRepo) AdjustQuant(ctx context.Context, productID, locationID int64, lotID *int64, deltaQty, deltaReserved float64) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO quants (product_id, location_id, lot_id, quantity, reserved)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (product_id, location_id, lot_id)
		DO UPDATE SET quantity = quants.quantity + EXCLUDED.quantity,
		              reserved = GREATEST(quants.reserved + EXCLUDED.reserved, 0)`,
		productID, locationID, lotID, deltaQty, deltaReserved)
	return err
}

var _ TxRepository = (*txRepo)(nil)
