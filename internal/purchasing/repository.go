package purchasing

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
	CreatePO(ctx context.Context, po PurchaseOrder) (int64, error)
	InsertPOLine(ctx context.Context, line POLine) (int64, error)
	UpdatePOStatus(ctx context.Context, id int64, status POStatus) error
	AddLineReceived(ctx context.Context, lineID int64, delta float64) error
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

// GetPO returns a purchase order and its lines.
func (r *Repository) GetPO(ctx context.Context, id int64) (PurchaseOrder, []POLine, error) {
	var po PurchaseOrder
	var status string
	err := r.pool.QueryRow(ctx, `
		SELECT id, number, supplier_id, company_id, currency, incoterm, status
		FROM purchase_orders WHERE id = $1`, id).
		Scan(&po.ID, &po.Number, &po.SupplierID, &po.CompanyID, &po.Currency, &po.Incoterm, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return PurchaseOrder{}, nil, ErrNotFound
	}
	if err != nil {
		return PurchaseOrder{}, nil, err
	}
	po.Status = POStatus(status)
	lines, err := r.ListPOLines(ctx, id)
	if err != nil {
		return PurchaseOrder{}, nil, err
	}
	return po, lines, nil
}

// GetPOLine returns one purchase order line.
func (r *Repository) GetPOLine(ctx context.Context, id int64) (POLine, error) {
	var line POLine
	err := r.pool.QueryRow(ctx, `
		SELECT id, po_id, product_id, uom, ordered_qty, received_qty, price
		FROM po_lines WHERE id = $1`, id).
		Scan(&line.ID, &line.POID, &line.ProductID, &line.UoM, &line.OrderedQty, &line.ReceivedQty, &line.Price)
	if errors.Is(err, pgx.ErrNoRows) {
		return POLine{}, ErrNotFound
	}
	return line, err
}

// ListPOLines returns the lines of a purchase order.
func (r *Repository) ListPOLines(ctx context.Context, poID int64) ([]POLine, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, po_id, product_id, uom, ordered_qty, received_qty, price
		FROM po_lines WHERE po_id = $1 ORDER BY id`, poID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lines []POLine
	for rows.Next() {
		var line POLine
		if err := rows.Scan(&line.ID, &line.POID, &line.ProductID, &line.UoM,
			&line.OrderedQty, &line.ReceivedQty, &line.Price); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

// Transactional writes

func (t *txRepo) CreatePO(ctx context.Context, po PurchaseOrder) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO purchase_orders (number, supplier_id, company_id, currency, incoterm, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		po.Number, po.SupplierID, po.CompanyID, po.Currency, po.Incoterm, string(po.Status)).Scan(&id)
	return id, err
}

func (t *txRepo) InsertPOLine(ctx context.Context, line POLine) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO po_lines (po_id, product_id, uom, ordered_qty, received_qty, price)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		line.POID, line.ProductID, line.UoM, line.OrderedQty, line.ReceivedQty, line.Price).Scan(&id)
	return id, err
}

func (t *txRepo) UpdatePOStatus(ctx context.Context, id int64, status POStatus) error {
	tag, err := t.tx.Exec(ctx, `UPDATE purchase_orders SET status = $2 WHERE id = $1`, id, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *txRepo) AddLineReceived(ctx context.Context, lineID int64, delta float64) error {
	tag, err := t.tx.Exec(ctx, `UPDATE po_lines SET received_qty = received_qty + $2 WHERE id = $1`, lineID, delta)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

var _ TxRepository = (*txRepo)(nil)
