package purchasing

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/vnoptic/vnoptic-erp/internal/shared"
	"github.com/vnoptic/vnoptic-erp/internal/stock"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetPO(ctx context.Context, id int64) (PurchaseOrder, []POLine, error)
	GetPOLine(ctx context.Context, id int64) (POLine, error)
	ListPOLines(ctx context.Context, poID int64) ([]POLine, error)
}

// StockPort exposes the warehouse operations the PO flow drives.
type StockPort interface {
	CreatePicking(ctx context.Context, input stock.CreatePickingInput) (stock.Picking, error)
	Confirm(ctx context.Context, pickingID int64) error
	Assign(ctx context.Context, pickingID int64) error
	HasDoneIncomingForPO(ctx context.Context, poID int64) (bool, error)
}

// SequencePort allocates document numbers.
type SequencePort interface {
	Next(ctx context.Context, scope, prefix string) (string, error)
}

// AuditPort records audit trail entries.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service orchestrates vendor purchase orders.
type Service struct {
	repo      RepositoryPort
	stock     StockPort
	sequences SequencePort
	audit     AuditPort
	logger    *slog.Logger

	incomingPickingTypeID int64
}

// NewService constructs the purchasing service. incomingPickingTypeID is the
// operation type used for receipts created on PO confirmation.
func NewService(repo RepositoryPort, stockPort StockPort, sequences SequencePort, audit AuditPort, logger *slog.Logger, incomingPickingTypeID int64) *Service {
	return &Service{
		repo:      repo,
		stock:     stockPort,
		sequences: sequences,
		audit:     audit,
		logger:    logger,

		incomingPickingTypeID: incomingPickingTypeID,
	}
}

// POLineInput describes one ordered product.
type POLineInput struct {
	ProductID  int64
	UoM        string
	OrderedQty float64
	Price      float64
}

// CreatePOInput describes a new purchase order.
type CreatePOInput struct {
	SupplierID int64
	CompanyID  int64
	Currency   string
	Incoterm   string
	Lines      []POLineInput
}

// CreatePO persists a draft purchase order with its lines.
func (s *Service) CreatePO(ctx context.Context, input CreatePOInput) (PurchaseOrder, error) {
	if input.SupplierID == 0 {
		return PurchaseOrder{}, fmt.Errorf("%w: supplier is required", ErrValidation)
	}
	if len(input.Lines) == 0 {
		return PurchaseOrder{}, fmt.Errorf("%w: at least one line is required", ErrValidation)
	}
	for _, line := range input.Lines {
		if line.ProductID == 0 || line.OrderedQty <= 0 {
			return PurchaseOrder{}, fmt.Errorf("%w: every line needs a product and a positive quantity", ErrValidation)
		}
	}
	currency := strings.ToUpper(strings.TrimSpace(input.Currency))
	if currency == "" {
		currency = "VND"
	}
	number, err := s.sequences.Next(ctx, "po", "PO/")
	if err != nil {
		return PurchaseOrder{}, err
	}
	po := PurchaseOrder{
		Number:     number,
		SupplierID: input.SupplierID,
		CompanyID:  input.CompanyID,
		Currency:   currency,
		Incoterm:   input.Incoterm,
		Status:     POStatusDraft,
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.CreatePO(ctx, po)
		if err != nil {
			return err
		}
		po.ID = id
		for _, line := range input.Lines {
			uom := line.UoM
			if uom == "" {
				uom = "unit"
			}
			if _, err := tx.InsertPOLine(ctx, POLine{
				POID:       id,
				ProductID:  line.ProductID,
				UoM:        uom,
				OrderedQty: line.OrderedQty,
				Price:      line.Price,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return PurchaseOrder{}, err
	}
	s.recordAudit(ctx, "po.create", po.ID, map[string]any{"number": po.Number})
	return po, nil
}

// ConfirmPO confirms a draft order and opens its incoming receipt. The
// receipt is confirmed and reserved immediately so receiving can start.
func (s *Service) ConfirmPO(ctx context.Context, poID int64) (stock.Picking, error) {
	po, lines, err := s.repo.GetPO(ctx, poID)
	if err != nil {
		return stock.Picking{}, err
	}
	if po.Status != POStatusDraft {
		return stock.Picking{}, fmt.Errorf("%w: cannot confirm a %s purchase order", ErrInvalidState, po.Status)
	}
	moves := make([]stock.MoveInput, 0, len(lines))
	for i := range lines {
		line := lines[i]
		moves = append(moves, stock.MoveInput{
			ProductID: line.ProductID,
			POLineID:  &line.ID,
			DemandQty: line.OrderedQty,
		})
	}
	picking, err := s.stock.CreatePicking(ctx, stock.CreatePickingInput{
		CompanyID:     po.CompanyID,
		PickingTypeID: s.incomingPickingTypeID,
		POID:          &po.ID,
		Moves:         moves,
	})
	if err != nil {
		return stock.Picking{}, err
	}
	if err := s.stock.Confirm(ctx, picking.ID); err != nil {
		return stock.Picking{}, err
	}
	if err := s.stock.Assign(ctx, picking.ID); err != nil {
		return stock.Picking{}, err
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.UpdatePOStatus(ctx, poID, POStatusConfirmed)
	})
	if err != nil {
		return stock.Picking{}, err
	}
	s.recordAudit(ctx, "po.confirm", poID, map[string]any{"picking": picking.Number})
	return picking, nil
}

// CancelPO cancels an order that has not received goods yet.
func (s *Service) CancelPO(ctx context.Context, poID int64) error {
	po, _, err := s.repo.GetPO(ctx, poID)
	if err != nil {
		return err
	}
	if po.Status == POStatusCancelled {
		return nil
	}
	received, err := s.stock.HasDoneIncomingForPO(ctx, poID)
	if err != nil {
		return err
	}
	if received {
		return fmt.Errorf("%w: %s has completed receipts and cannot be cancelled", ErrInvalidState, po.Number)
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.UpdatePOStatus(ctx, poID, POStatusCancelled)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, "po.cancel", poID, nil)
	return nil
}

// GetPO returns a purchase order with its lines.
func (s *Service) GetPO(ctx context.Context, id int64) (PurchaseOrder, []POLine, error) {
	return s.repo.GetPO(ctx, id)
}

// GetPOLine returns one purchase order line.
func (s *Service) GetPOLine(ctx context.Context, id int64) (POLine, error) {
	return s.repo.GetPOLine(ctx, id)
}

// ListPOLines returns the lines of a purchase order.
func (s *Service) ListPOLines(ctx context.Context, poID int64) ([]POLine, error) {
	return s.repo.ListPOLines(ctx, poID)
}

// PickingDone mirrors validated receipt quantities onto PO lines. It runs as
// a stock observer after every incoming picking completes.
func (s *Service) PickingDone(ctx context.Context, picking stock.Picking, moves []stock.Move) error {
	if picking.Code != stock.PickingCodeIncoming || picking.POID == nil {
		return nil
	}
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		for _, move := range moves {
			if move.POLineID == nil || move.DoneQty <= 0 {
				continue
			}
			if err := tx.AddLineReceived(ctx, *move.POLineID, move.DoneQty); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Service) recordAudit(ctx context.Context, action string, entityID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  shared.ActorFromContext(ctx),
		Action:   action,
		Entity:   "purchase_order",
		EntityID: strconv.FormatInt(entityID, 10),
		Meta:     meta,
	})
	if err != nil {
		s.logger.Warn("audit record failed", slog.String("action", action), slog.Any("error", err))
	}
}
