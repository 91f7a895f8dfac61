package stock

import (
	"context"
	"fmt"
	"log/slog"
	"math"
)

// qtyEpsilon absorbs UoM rounding noise in quantity comparisons.
const qtyEpsilon = 1e-6

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetPicking(ctx context.Context, id int64) (Picking, []Move, error)
	GetMoveLines(ctx context.Context, moveID int64) ([]MoveLine, error)
	ListPendingIncomingByPO(ctx context.Context, poID int64) ([]Picking, error)
	HasDoneIncomingForPO(ctx context.Context, poID int64) (bool, error)
	HasDoneIncomingForContract(ctx context.Context, contractID int64) (bool, error)
	AvailableQty(ctx context.Context, productID, locationID int64, lotIDs []int64) (float64, error)
	GetPickingType(ctx context.Context, id int64) (PickingType, error)
	GetLot(ctx context.Context, id int64) (Lot, error)
	CreateLocation(ctx context.Context, l Location) (int64, error)
	CreatePickingType(ctx context.Context, pt PickingType) (int64, error)
	CreateLot(ctx context.Context, lot Lot) (int64, error)
}

// SequencePort allocates document numbers.
type SequencePort interface {
	Next(ctx context.Context, scope, prefix string) (string, error)
}

// DoneObserver is notified after a picking reaches done. Observers run after
// the validating transaction has committed.
type DoneObserver interface {
	PickingDone(ctx context.Context, picking Picking, moves []Move) error
}

// Service orchestrates warehouse transfers.
type Service struct {
	repo      RepositoryPort
	sequences SequencePort
	logger    *slog.Logger
	observers []DoneObserver
}

// NewService constructs the stock service.
func NewService(repo RepositoryPort, sequences SequencePort, logger *slog.Logger) *Service {
	return &Service{repo: repo, sequences: sequences, logger: logger}
}

// RegisterObserver adds a post-validation hook. Not safe for concurrent use;
// call during wiring only.
func (s *Service) RegisterObserver(observer DoneObserver) {
	s.observers = append(s.observers, observer)
}

// MoveInput describes one demand line for picking creation.
type MoveInput struct {
	ProductID int64
	POLineID  *int64
	DemandQty float64
}

// CreatePickingInput describes a new transfer document.
type CreatePickingInput struct {
	CompanyID      int64
	PickingTypeID  int64
	SrcLocationID  int64
	DestLocationID int64
	POID           *int64
	ContractID     *int64
	Moves          []MoveInput
}

// CreatePicking creates a draft transfer with its moves. Source and
// destination default from the picking type when not set.
func (s *Service) CreatePicking(ctx context.Context, input CreatePickingInput) (Picking, error) {
	if len(input.Moves) == 0 {
		return Picking{}, fmt.Errorf("%w: a picking needs at least one move", ErrValidation)
	}
	pickingType, err := s.repo.GetPickingType(ctx, input.PickingTypeID)
	if err != nil {
		return Picking{}, err
	}
	src := input.SrcLocationID
	if src == 0 {
		src = pickingType.DefaultSrcLocationID
	}
	dest := input.DestLocationID
	if dest == 0 {
		dest = pickingType.DefaultDestLocationID
	}
	if src == 0 || dest == 0 {
		return Picking{}, fmt.Errorf("%w: picking type %d has no default locations", ErrValidation, input.PickingTypeID)
	}
	for _, move := range input.Moves {
		if move.DemandQty <= 0 {
			return Picking{}, fmt.Errorf("%w: demand must be positive", ErrValidation)
		}
	}
	number, err := s.sequences.Next(ctx, "picking:"+string(pickingType.Code), pickingType.SequencePrefix)
	if err != nil {
		return Picking{}, err
	}
	picking := Picking{
		Number:         number,
		CompanyID:      input.CompanyID,
		PickingTypeID:  pickingType.ID,
		Code:           pickingType.Code,
		SrcLocationID:  src,
		DestLocationID: dest,
		POID:           input.POID,
		ContractID:     input.ContractID,
		Status:         PickingStatusDraft,
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.CreatePicking(ctx, picking)
		if err != nil {
			return err
		}
		picking.ID = id
		for _, move := range input.Moves {
			if _, err := tx.CreateMove(ctx, Move{
				PickingID:  id,
				ProductID:  move.ProductID,
				POLineID:   move.POLineID,
				ContractID: input.ContractID,
				DemandQty:  move.DemandQty,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Picking{}, err
	}
	return picking, nil
}

// GetPicking returns a picking and its moves.
func (s *Service) GetPicking(ctx context.Context, id int64) (Picking, []Move, error) {
	return s.repo.GetPicking(ctx, id)
}

// GetMoveLines returns the lot breakdown of a move.
func (s *Service) GetMoveLines(ctx context.Context, moveID int64) ([]MoveLine, error) {
	return s.repo.GetMoveLines(ctx, moveID)
}

// Confirm moves a draft picking to confirmed. Already confirmed or assigned
// pickings are left untouched.
func (s *Service) Confirm(ctx context.Context, pickingID int64) error {
	picking, _, err := s.repo.GetPicking(ctx, pickingID)
	if err != nil {
		return err
	}
	switch picking.Status {
	case PickingStatusDraft:
	case PickingStatusConfirmed, PickingStatusAssigned:
		return nil
	default:
		return fmt.Errorf("%w: cannot confirm a %s picking", ErrInvalidState, picking.Status)
	}
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.UpdatePickingStatus(ctx, pickingID, PickingStatusConfirmed)
	})
}

// Assign reserves stock for the picking's moves. Incoming receipts reserve
// the full demand; internal transfers reserve whatever is available at the
// source location. Status becomes assigned only when every move is fully
// reserved.
func (s *Service) Assign(ctx context.Context, pickingID int64) error {
	picking, moves, err := s.repo.GetPicking(ctx, pickingID)
	if err != nil {
		return err
	}
	switch picking.Status {
	case PickingStatusConfirmed, PickingStatusAssigned:
	default:
		return fmt.Errorf("%w: cannot assign a %s picking", ErrInvalidState, picking.Status)
	}
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		fully := true
		for _, move := range moves {
			want := move.DemandQty - move.Reserved
			if want <= qtyEpsilon {
				continue
			}
			if picking.Code == PickingCodeIncoming {
				if err := tx.SetMoveReserved(ctx, move.ID, move.DemandQty); err != nil {
					return err
				}
				continue
			}
			quants, err := tx.GetQuantsForUpdate(ctx, move.ProductID, picking.SrcLocationID, nil)
			if err != nil {
				return err
			}
			available := 0.0
			for _, q := range quants {
				available += q.Available()
			}
			take := math.Min(want, available)
			if take > qtyEpsilon {
				if err := tx.AdjustQuant(ctx, move.ProductID, picking.SrcLocationID, nil, 0, take); err != nil {
					return err
				}
				if err := tx.SetMoveReserved(ctx, move.ID, move.Reserved+take); err != nil {
					return err
				}
			}
			if move.Reserved+take < move.DemandQty-qtyEpsilon {
				fully = false
			}
		}
		status := PickingStatusAssigned
		if !fully {
			status = PickingStatusConfirmed
		}
		return tx.UpdatePickingStatus(ctx, pickingID, status)
	})
}

// SetMoveDone records the actually received/transferred quantity on a move.
func (s *Service) SetMoveDone(ctx context.Context, pickingID, moveID int64, qty float64) error {
	if qty < 0 {
		return fmt.Errorf("%w: done quantity must not be negative", ErrValidation)
	}
	picking, moves, err := s.repo.GetPicking(ctx, pickingID)
	if err != nil {
		return err
	}
	if !picking.IsPending() {
		return fmt.Errorf("%w: picking %s is %s", ErrInvalidState, picking.Number, picking.Status)
	}
	found := false
	for _, move := range moves {
		if move.ID == moveID {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("%w: move %d does not belong to picking %d", ErrValidation, moveID, pickingID)
	}
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.SetMoveDone(ctx, moveID, qty)
	})
}

// Validate completes a picking: applies quantities to stock, creates and
// confirms a backorder for any unreceived remainder, and notifies observers.
// Returns the backorder id when one was created.
func (s *Service) Validate(ctx context.Context, pickingID int64) (*int64, error) {
	picking, moves, err := s.repo.GetPicking(ctx, pickingID)
	if err != nil {
		return nil, err
	}
	switch picking.Status {
	case PickingStatusConfirmed, PickingStatusAssigned:
	default:
		return nil, fmt.Errorf("%w: cannot validate a %s picking", ErrInvalidState, picking.Status)
	}
	anyDone := false
	for _, move := range moves {
		if move.DoneQty > qtyEpsilon {
			anyDone = true
			break
		}
	}
	if !anyDone {
		return nil, ErrEmptyReceipt
	}

	type pendingMove struct {
		move  Move
		lines []MoveLine
	}
	var executed []pendingMove
	var remainder []Move
	for _, move := range moves {
		if move.DoneQty > qtyEpsilon {
			lines, err := s.repo.GetMoveLines(ctx, move.ID)
			if err != nil {
				return nil, err
			}
			if len(lines) > 0 {
				sum := 0.0
				for _, line := range lines {
					sum += line.Qty
				}
				if math.Abs(sum-move.DoneQty) > qtyEpsilon {
					return nil, fmt.Errorf("%w: move %d lot lines sum %.3f != done %.3f", ErrValidation, move.ID, sum, move.DoneQty)
				}
			}
			executed = append(executed, pendingMove{move: move, lines: lines})
		}
		if move.Remaining() > qtyEpsilon {
			remainder = append(remainder, move)
		}
	}

	var backorderID *int64
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		for _, pm := range executed {
			if err := s.applyMove(ctx, tx, picking, pm.move, pm.lines); err != nil {
				return err
			}
		}
		if len(remainder) > 0 {
			number, err := s.sequences.Next(ctx, "picking:"+string(picking.Code), "BO/")
			if err != nil {
				return err
			}
			id, err := tx.CreatePicking(ctx, Picking{
				Number:         number,
				CompanyID:      picking.CompanyID,
				PickingTypeID:  picking.PickingTypeID,
				Code:           picking.Code,
				SrcLocationID:  picking.SrcLocationID,
				DestLocationID: picking.DestLocationID,
				POID:           picking.POID,
				ContractID:     picking.ContractID,
				BackorderOfID:  &picking.ID,
				Status:         PickingStatusConfirmed,
			})
			if err != nil {
				return err
			}
			backorderID = &id
			for _, move := range remainder {
				if _, err := tx.CreateMove(ctx, Move{
					PickingID:  id,
					ProductID:  move.ProductID,
					POLineID:   move.POLineID,
					ContractID: picking.ContractID,
					DemandQty:  move.Remaining(),
				}); err != nil {
					return err
				}
			}
		}
		return tx.UpdatePickingStatus(ctx, pickingID, PickingStatusDone)
	})
	if err != nil {
		return nil, err
	}

	picking.Status = PickingStatusDone
	for _, observer := range s.observers {
		if err := observer.PickingDone(ctx, picking, moves); err != nil {
			s.logger.Error("picking done hook failed",
				slog.String("picking", picking.Number), slog.Any("error", err))
			return backorderID, err
		}
	}
	return backorderID, nil
}

// applyMove posts one executed move's quantities to the quant table.
func (s *Service) applyMove(ctx context.Context, tx TxRepository, picking Picking, move Move, lines []MoveLine) error {
	post := func(lotID *int64, qty float64) error {
		if picking.Code == PickingCodeInternal {
			// Lock the source rows before consuming them.
			if _, err := tx.GetQuantsForUpdate(ctx, move.ProductID, picking.SrcLocationID, nil); err != nil {
				return err
			}
			release := math.Min(move.Reserved, qty)
			if err := tx.AdjustQuant(ctx, move.ProductID, picking.SrcLocationID, lotID, -qty, -release); err != nil {
				return err
			}
		}
		return tx.AdjustQuant(ctx, move.ProductID, picking.DestLocationID, lotID, qty, 0)
	}
	if len(lines) == 0 {
		return post(nil, move.DoneQty)
	}
	for _, line := range lines {
		if line.Qty <= qtyEpsilon {
			continue
		}
		if err := post(line.LotID, line.Qty); err != nil {
			return err
		}
	}
	return nil
}

// TagContractForPO rewrites the contract tag on every pending incoming
// picking of a PO and on their moves. Pass nil to clear the tag.
func (s *Service) TagContractForPO(ctx context.Context, poID int64, contractID *int64) error {
	pickings, err := s.repo.ListPendingIncomingByPO(ctx, poID)
	if err != nil {
		return err
	}
	if len(pickings) == 0 {
		return nil
	}
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		for _, picking := range pickings {
			if err := tx.TagPickingContract(ctx, picking.ID, contractID); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListPendingIncomingByPO returns pending incoming pickings of a PO.
func (s *Service) ListPendingIncomingByPO(ctx context.Context, poID int64) ([]Picking, error) {
	return s.repo.ListPendingIncomingByPO(ctx, poID)
}

// HasDoneIncomingForPO reports whether the PO already has a completed receipt.
func (s *Service) HasDoneIncomingForPO(ctx context.Context, poID int64) (bool, error) {
	return s.repo.HasDoneIncomingForPO(ctx, poID)
}

// HasDoneIncomingForContract reports whether the contract already has a
// completed receipt.
func (s *Service) HasDoneIncomingForContract(ctx context.Context, contractID int64) (bool, error) {
	return s.repo.HasDoneIncomingForContract(ctx, contractID)
}

// AvailableQty returns the unreserved quantity of a product at a location.
func (s *Service) AvailableQty(ctx context.Context, productID, locationID int64, lotIDs []int64) (float64, error) {
	return s.repo.AvailableQty(ctx, productID, locationID, lotIDs)
}

// DefaultDestLocation resolves a picking type's default destination.
func (s *Service) DefaultDestLocation(ctx context.Context, pickingTypeID int64) (int64, error) {
	pickingType, err := s.repo.GetPickingType(ctx, pickingTypeID)
	if err != nil {
		return 0, err
	}
	return pickingType.DefaultDestLocationID, nil
}

// CreateLocation registers a stock location.
func (s *Service) CreateLocation(ctx context.Context, l Location) (Location, error) {
	if l.Name == "" {
		return Location{}, fmt.Errorf("%w: location name is required", ErrValidation)
	}
	if l.Usage == "" {
		l.Usage = LocationUsageInternal
	}
	id, err := s.repo.CreateLocation(ctx, l)
	if err != nil {
		return Location{}, err
	}
	l.ID = id
	return l, nil
}

// CreatePickingType registers an operation type.
func (s *Service) CreatePickingType(ctx context.Context, pt PickingType) (PickingType, error) {
	switch pt.Code {
	case PickingCodeIncoming, PickingCodeInternal:
	default:
		return PickingType{}, fmt.Errorf("%w: unknown picking code %q", ErrValidation, pt.Code)
	}
	if pt.DefaultDestLocationID == 0 {
		return PickingType{}, fmt.Errorf("%w: a default destination is required", ErrValidation)
	}
	id, err := s.repo.CreatePickingType(ctx, pt)
	if err != nil {
		return PickingType{}, err
	}
	pt.ID = id
	return pt, nil
}

// CreateLot registers a lot/serial number.
func (s *Service) CreateLot(ctx context.Context, lot Lot) (Lot, error) {
	if lot.Name == "" || lot.ProductID == 0 {
		return Lot{}, fmt.Errorf("%w: lot name and product are required", ErrValidation)
	}
	id, err := s.repo.CreateLot(ctx, lot)
	if err != nil {
		return Lot{}, err
	}
	lot.ID = id
	return lot, nil
}

// GetLot returns a lot by id.
func (s *Service) GetLot(ctx context.Context, id int64) (Lot, error) {
	return s.repo.GetLot(ctx, id)
}
