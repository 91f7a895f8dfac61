package inspection

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vnoptic/vnoptic-erp/internal/platform/db"
	"github.com/vnoptic/vnoptic-erp/internal/stock"
)

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations. The transfer and quant
// methods write the warehouse tables directly so the confirm critical section
// (lock, re-validate, create transfers, reserve) commits atomically.
type TxRepository interface {
	CreateSession(ctx context.Context, s OtkSession) (int64, error)
	CreateLine(ctx context.Context, line OtkLine) (int64, error)
	SetState(ctx context.Context, sessionID int64, state OtkState) error
	SetPickings(ctx context.Context, sessionID int64, okID, ngID *int64) error
	SetLineQuantities(ctx context.Context, lineID int64, checked, ok float64) error
	DeleteLineLots(ctx context.Context, lineID int64) error
	CreateLineLot(ctx context.Context, lot OtkLineLot) (int64, error)

	GetQuantsForUpdate(ctx context.Context, productID, locationID int64, lotIDs []int64) ([]stock.Quant, error)
	AdjustReserved(ctx context.Context, productID, locationID int64, lotID *int64, delta float64) error
	CreateTransfer(ctx context.Context, picking stock.Picking) (int64, error)
	CreateTransferMove(ctx context.Context, move stock.Move) (int64, error)
	CreateTransferMoveLine(ctx context.Context, line stock.MoveLine) (int64, error)
	SetTransferStatus(ctx context.Context, pickingID int64, status stock.PickingStatus) error
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

const sessionColumns = `id, contract_id, company_id, number, sequence, state,
	source_location_id, ok_location_id, ng_location_id, picking_type_id,
	picking_ok_id, picking_ng_id`

func scanSession(row pgx.Row) (OtkSession, error) {
	var s OtkSession
	var state string
	err := row.Scan(&s.ID, &s.ContractID, &s.CompanyID, &s.Number, &s.Sequence, &state,
		&s.SourceLocationID, &s.OKLocationID, &s.NGLocationID, &s.PickingTypeID,
		&s.PickingOKID, &s.PickingNGID)
	if errors.Is(err, pgx.ErrNoRows) {
		return OtkSession{}, ErrNotFound
	}
	if err != nil {
		return OtkSession{}, err
	}
	s.State = OtkState(state)
	return s, nil
}

// GetSession returns a session by id.
func (r *Repository) GetSession(ctx context.Context, id int64) (OtkSession, error) {
	return scanSession(r.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM otk_sessions WHERE id = $1`, id))
}

// ListSessionsByContract returns the contract's sessions in inspection order.
func (r *Repository) ListSessionsByContract(ctx context.Context, contractID int64) ([]OtkSession, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+sessionColumns+` FROM otk_sessions WHERE contract_id = $1 ORDER BY sequence`, contractID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var sessions []OtkSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// FindSessionByPicking returns the session owning a transfer document.
func (r *Repository) FindSessionByPicking(ctx context.Context, pickingID int64) (OtkSession, error) {
	return scanSession(r.pool.QueryRow(ctx, `
		SELECT `+sessionColumns+` FROM otk_sessions
		WHERE picking_ok_id = $1 OR picking_ng_id = $1`, pickingID))
}

// ListLines returns the session's inspection lines.
func (r *Repository) ListLines(ctx context.Context, sessionID int64) ([]OtkLine, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, session_id, contract_line_id, po_line_id, product_id, uom,
			qty_contract, qty_checked, qty_ok
		FROM otk_lines WHERE session_id = $1 ORDER BY id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lines []OtkLine
	for rows.Next() {
		var l OtkLine
		if err := rows.Scan(&l.ID, &l.SessionID, &l.ContractLineID, &l.POLineID, &l.ProductID,
			&l.UoM, &l.QtyContract, &l.QtyChecked, &l.QtyOK); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

// ListLineLots returns the lot breakdown rows of a line.
func (r *Repository) ListLineLots(ctx context.Context, lineID int64) ([]OtkLineLot, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, line_id, lot_id, qty_checked, qty_ok
		FROM otk_line_lots WHERE line_id = $1 ORDER BY id`, lineID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lots []OtkLineLot
	for rows.Next() {
		var l OtkLineLot
		if err := rows.Scan(&l.ID, &l.LineID, &l.LotID, &l.QtyChecked, &l.QtyOK); err != nil {
			return nil, err
		}
		lots = append(lots, l)
	}
	return lots, rows.Err()
}

// SumDoneChecked sums the checked quantity of the (contract, PO line) pair
// across every done session other than the given one.
func (r *Repository) SumDoneChecked(ctx context.Context, contractID, poLineID, excludeSessionID int64) (float64, error) {
	var sum float64
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(l.qty_checked), 0)
		FROM otk_lines l
		JOIN otk_sessions s ON s.id = l.session_id
		WHERE s.contract_id = $1 AND l.po_line_id = $2 AND s.state = 'done' AND s.id <> $3`,
		contractID, poLineID, excludeSessionID).Scan(&sum)
	return sum, err
}

// ContractTotals sums checked/ok/ng across the contract's done sessions.
func (r *Repository) ContractTotals(ctx context.Context, contractID int64) (checked, ok, ng float64, err error) {
	err = r.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(l.qty_checked), 0),
		       COALESCE(SUM(l.qty_ok), 0),
		       COALESCE(SUM(l.qty_checked - l.qty_ok), 0)
		FROM otk_lines l
		JOIN otk_sessions s ON s.id = l.session_id
		WHERE s.contract_id = $1 AND s.state = 'done'`, contractID).Scan(&checked, &ok, &ng)
	return checked, ok, ng, err
}

// NextSequence allocates the contract's next inspection number.
func (r *Repository) NextSequence(ctx context.Context, contractID int64) (int, error) {
	var next int
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(sequence), 0) + 1 FROM otk_sessions WHERE contract_id = $1`,
		contractID).Scan(&next)
	return next, err
}

// Transactional writes

func (t *txRepo) CreateSession(ctx context.Context, s OtkSession) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO otk_sessions (contract_id, company_id, number, sequence, state,
			source_location_id, ok_location_id, ng_location_id, picking_type_id,
			picking_ok_id, picking_ng_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id`,
		s.ContractID, s.CompanyID, s.Number, s.Sequence, string(s.State),
		s.SourceLocationID, s.OKLocationID, s.NGLocationID, s.PickingTypeID,
		s.PickingOKID, s.PickingNGID).Scan(&id)
	return id, err
}

func (t *txRepo) CreateLine(ctx context.Context, line OtkLine) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO otk_lines (session_id, contract_line_id, po_line_id, product_id, uom,
			qty_contract, qty_checked, qty_ok)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		line.SessionID, line.ContractLineID, line.POLineID, line.ProductID, line.UoM,
		line.QtyContract, line.QtyChecked, line.QtyOK).Scan(&id)
	return id, err
}

func (t *txRepo) SetState(ctx context.Context, sessionID int64, state OtkState) error {
	tag, err := t.tx.Exec(ctx, `UPDATE otk_sessions SET state = $2 WHERE id = $1`, sessionID, string(state))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *txRepo) SetPickings(ctx context.Context, sessionID int64, okID, ngID *int64) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE otk_sessions SET picking_ok_id = $2, picking_ng_id = $3 WHERE id = $1`,
		sessionID, okID, ngID)
	return err
}

func (t *txRepo) SetLineQuantities(ctx context.Context, lineID int64, checked, ok float64) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE otk_lines SET qty_checked = $2, qty_ok = $3 WHERE id = $1`, lineID, checked, ok)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *txRepo) DeleteLineLots(ctx context.Context, lineID int64) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM otk_line_lots WHERE line_id = $1`, lineID)
	return err
}

func (t *txRepo) CreateLineLot(ctx context.Context, lot OtkLineLot) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO otk_line_lots (line_id, lot_id, qty_checked, qty_ok)
		VALUES ($1, $2, $3, $4) RETURNING id`,
		lot.LineID, lot.LotID, lot.QtyChecked, lot.QtyOK).Scan(&id)
	return id, err
}

// GetQuantsForUpdate locks the quant rows for (product, location, optional lot
// set). Concurrent sessions inspecting the same pool of stock serialize here.
func (t *txRepo) GetQuantsForUpdate(ctx context.Context, productID, locationID int64, lotIDs []int64) ([]stock.Quant, error) {
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
	var quants []stock.Quant
	for rows.Next() {
		var q stock.Quant
		if err := rows.Scan(&q.ID, &q.ProductID, &q.LocationID, &q.LotID, &q.Quantity, &q.Reserved); err != nil {
			return nil, err
		}
		quants = append(quants, q)
	}
	return quants, rows.Err()
}

func (t *txRepo) AdjustReserved(ctx context.Context, productID, locationID int64, lotID *int64, delta float64) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO quants (product_id, location_id, lot_id, quantity, reserved)
		VALUES ($1, $2, $3, 0, $4)
		ON CONFLICT (product_id, location_id, lot_id)
		DO UPDATE SET reserved = GREATEST(quants.reserved + EXCLUDED.reserved, 0)`,
		productID, locationID, lotID, delta)
	return err
}

func (t *txRepo) CreateTransfer(ctx context.Context, picking stock.Picking) (int64, error) {
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

func (t *txRepo) CreateTransferMove(ctx context.Context, move stock.Move) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO moves (picking_id, product_id, po_line_id, contract_id, demand_qty, done_qty, reserved_qty)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		move.PickingID, move.ProductID, move.POLineID, move.ContractID,
		move.DemandQty, move.DoneQty, move.Reserved).Scan(&id)
	return id, err
}

func (t *txRepo) CreateTransferMoveLine(ctx context.Context, line stock.MoveLine) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO move_lines (move_id, lot_id, qty) VALUES ($1, $2, $3) RETURNING id`,
		line.MoveID, line.LotID, line.Qty).Scan(&id)
	return id, err
}

func (t *txRepo) SetTransferStatus(ctx context.Context, pickingID int64, status stock.PickingStatus) error {
	tag, err := t.tx.Exec(ctx, `UPDATE pickings SET status = $2 WHERE id = $1`, pickingID, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

var _ TxRepository = (*txRepo)(nil)
