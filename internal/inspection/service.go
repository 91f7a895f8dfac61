package inspection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"

	"github.com/vnoptic/vnoptic-erp/internal/contracts"
	"github.com/vnoptic/vnoptic-erp/internal/masterdata"
	"github.com/vnoptic/vnoptic-erp/internal/shared"
	"github.com/vnoptic/vnoptic-erp/internal/stock"
)

// qtyEpsilon absorbs UoM rounding noise in quantity comparisons.
const qtyEpsilon = 1e-6

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetSession(ctx context.Context, id int64) (OtkSession, error)
	ListSessionsByContract(ctx context.Context, contractID int64) ([]OtkSession, error)
	FindSessionByPicking(ctx context.Context, pickingID int64) (OtkSession, error)
	ListLines(ctx context.Context, sessionID int64) ([]OtkLine, error)
	ListLineLots(ctx context.Context, lineID int64) ([]OtkLineLot, error)
	SumDoneChecked(ctx context.Context, contractID, poLineID, excludeSessionID int64) (float64, error)
	ContractTotals(ctx context.Context, contractID int64) (checked, ok, ng float64, err error)
	NextSequence(ctx context.Context, contractID int64) (int, error)
}

// ContractPort exposes the contract reads the inspection engine needs.
type ContractPort interface {
	GetContract(ctx context.Context, id int64) (contracts.Contract, []contracts.ContractLine, []int64, error)
	InvalidateProgress(ctx context.Context, contractID int64)
}

// MasterdataPort resolves products and company inspection defaults.
type MasterdataPort interface {
	GetProducts(ctx context.Context, ids []int64) ([]masterdata.Product, error)
	ResolveOtkDefaults(ctx context.Context, companyID int64) (masterdata.OtkDefaults, error)
}

// StockPort exposes the warehouse reads used for the done transition and
// cancellation.
type StockPort interface {
	GetPicking(ctx context.Context, id int64) (stock.Picking, []stock.Move, error)
	GetMoveLines(ctx context.Context, moveID int64) ([]stock.MoveLine, error)
}

// DeliveryPort receives aggregate OK/NG totals when a session completes.
type DeliveryPort interface {
	RecordInspectionTotals(ctx context.Context, contractID int64, ok, ng float64) error
}

// SequencePort allocates document numbers.
type SequencePort interface {
	Next(ctx context.Context, scope, prefix string) (string, error)
}

// AuditPort records audit trail entries.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service orchestrates quality inspection sessions.
type Service struct {
	repo       RepositoryPort
	contracts  ContractPort
	masterdata MasterdataPort
	stock      StockPort
	delivery   DeliveryPort
	audit      AuditPort
	sequences  SequencePort
	logger     *slog.Logger
}

// NewService constructs the inspection service.
func NewService(repo RepositoryPort, contractPort ContractPort, masterdataPort MasterdataPort,
	stockPort StockPort, audit AuditPort, sequences SequencePort, logger *slog.Logger) *Service {
	return &Service{
		repo:       repo,
		contracts:  contractPort,
		masterdata: masterdataPort,
		stock:      stockPort,
		audit:      audit,
		sequences:  sequences,
		logger:     logger,
	}
}

// SetDeliveryPort wires the delivery-schedule totals sink. Called during
// wiring.
func (s *Service) SetDeliveryPort(port DeliveryPort) {
	s.delivery = port
}

// CreateSessionInput describes a new inspection session. Location and
// picking-type overrides fall back to the company's configured defaults.
type CreateSessionInput struct {
	ContractID       int64
	SourceLocationID int64
	OKLocationID     int64
	NGLocationID     int64
	PickingTypeID    int64
}

// CreateSession opens a draft session against an approved contract and seeds
// one line per claimed contract line.
func (s *Service) CreateSession(ctx context.Context, input CreateSessionInput) (OtkSession, []OtkLine, error) {
	contract, contractLines, _, err := s.contracts.GetContract(ctx, input.ContractID)
	if err != nil {
		return OtkSession{}, nil, err
	}
	if contract.State != contracts.ContractStateApproved {
		return OtkSession{}, nil, fmt.Errorf("%w: inspections require an approved contract", ErrInvalidState)
	}
	defaults, err := s.masterdata.ResolveOtkDefaults(ctx, contract.CompanyID)
	if err != nil {
		return OtkSession{}, nil, err
	}
	session := OtkSession{
		ContractID:       contract.ID,
		CompanyID:        contract.CompanyID,
		State:            OtkStateDraft,
		SourceLocationID: defaults.SourceLocationID,
		OKLocationID:     defaults.OKLocationID,
		NGLocationID:     defaults.NGLocationID,
		PickingTypeID:    defaults.PickingTypeID,
	}
	if input.SourceLocationID != 0 {
		session.SourceLocationID = input.SourceLocationID
	}
	if input.OKLocationID != 0 {
		session.OKLocationID = input.OKLocationID
	}
	if input.NGLocationID != 0 {
		session.NGLocationID = input.NGLocationID
	}
	if input.PickingTypeID != 0 {
		session.PickingTypeID = input.PickingTypeID
	}

	var seed []OtkLine
	for _, line := range contractLines {
		if line.POLineID == 0 || line.QtyContract <= 0 {
			continue
		}
		seed = append(seed, OtkLine{
			ContractLineID: line.ID,
			POLineID:       line.POLineID,
			ProductID:      line.ProductID,
			UoM:            line.UoM,
			QtyContract:    line.QtyContract,
		})
	}
	if len(seed) == 0 {
		return OtkSession{}, nil, fmt.Errorf("%w: contract %s has no claimed quantities to inspect",
			ErrValidation, contract.Number)
	}

	session.Number, err = s.sequences.Next(ctx, "otk", "OTK/")
	if err != nil {
		return OtkSession{}, nil, err
	}
	session.Sequence, err = s.repo.NextSequence(ctx, contract.ID)
	if err != nil {
		return OtkSession{}, nil, err
	}

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.CreateSession(ctx, session)
		if err != nil {
			return err
		}
		session.ID = id
		for i := range seed {
			seed[i].SessionID = id
			lineID, err := tx.CreateLine(ctx, seed[i])
			if err != nil {
				return err
			}
			seed[i].ID = lineID
		}
		return nil
	})
	if err != nil {
		return OtkSession{}, nil, err
	}
	s.recordAudit(ctx, "otk.create", session.ID, map[string]any{"contract_id": contract.ID, "number": session.Number})
	return session, seed, nil
}

// LineView pairs a line with its cross-session rollup and lot breakdown.
type LineView struct {
	OtkLine
	QtyNG  float64      `json:"qty_ng"`
	Rollup Rollup       `json:"rollup"`
	Lots   []OtkLineLot `json:"lots,omitempty"`
}

// SessionView is a session with its enriched lines.
type SessionView struct {
	Session OtkSession `json:"session"`
	Lines   []LineView `json:"lines"`
}

// GetSession returns a session with rollups computed against all other done
// sessions of the same contract.
func (s *Service) GetSession(ctx context.Context, id int64) (SessionView, error) {
	session, err := s.repo.GetSession(ctx, id)
	if err != nil {
		return SessionView{}, err
	}
	lines, err := s.repo.ListLines(ctx, id)
	if err != nil {
		return SessionView{}, err
	}
	view := SessionView{Session: session}
	for _, line := range lines {
		before, err := s.repo.SumDoneChecked(ctx, session.ContractID, line.POLineID, session.ID)
		if err != nil {
			return SessionView{}, err
		}
		lots, err := s.repo.ListLineLots(ctx, line.ID)
		if err != nil {
			return SessionView{}, err
		}
		view.Lines = append(view.Lines, LineView{
			OtkLine: line,
			QtyNG:   line.QtyNG(),
			Rollup:  ComputeRollup(line.QtyContract, before, line.QtyChecked),
			Lots:    lots,
		})
	}
	return view, nil
}

// ListSessions returns a contract's sessions.
func (s *Service) ListSessions(ctx context.Context, contractID int64) ([]OtkSession, error) {
	return s.repo.ListSessionsByContract(ctx, contractID)
}

// LotInput is one per-lot breakdown row of an inspected line.
type LotInput struct {
	LotID      int64
	QtyChecked float64
	QtyOK      float64
}

// SetLineQuantities records the inspected quantities of one draft line,
// replacing its lot breakdown.
func (s *Service) SetLineQuantities(ctx context.Context, sessionID, lineID int64, checked, ok float64, lots []LotInput) error {
	session, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.State != OtkStateDraft {
		return fmt.Errorf("%w: quantities can only change on a draft session", ErrInvalidState)
	}
	lines, err := s.repo.ListLines(ctx, sessionID)
	if err != nil {
		return err
	}
	found := false
	for _, line := range lines {
		if line.ID == lineID {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("%w: line %d", ErrNotFound, lineID)
	}
	if checked < 0 || ok < 0 {
		return fmt.Errorf("%w: quantities must not be negative", ErrValidation)
	}
	if ok > checked+qtyEpsilon {
		return fmt.Errorf("%w: ok quantity %.3f exceeds checked %.3f", ErrValidation, ok, checked)
	}
	for _, lot := range lots {
		if lot.QtyChecked < 0 || lot.QtyOK < 0 || lot.QtyOK > lot.QtyChecked+qtyEpsilon {
			return fmt.Errorf("%w: invalid lot quantities on lot %d", ErrValidation, lot.LotID)
		}
	}
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.SetLineQuantities(ctx, lineID, checked, ok); err != nil {
			return err
		}
		if err := tx.DeleteLineLots(ctx, lineID); err != nil {
			return err
		}
		for _, lot := range lots {
			if _, err := tx.CreateLineLot(ctx, OtkLineLot{
				LineID:     lineID,
				LotID:      lot.LotID,
				QtyChecked: lot.QtyChecked,
				QtyOK:      lot.QtyOK,
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

type confirmLine struct {
	line    OtkLine
	lots    []OtkLineLot
	tracked bool
	serial  bool
}

// Confirm executes the inspection: locks the source quants, re-validates
// availability, and creates at most one OK and one NG internal transfer for
// the whole session. A failure anywhere rolls the session back to draft with
// no transfer documents.
func (s *Service) Confirm(ctx context.Context, sessionID int64) error {
	session, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.State != OtkStateDraft {
		return fmt.Errorf("%w: only draft sessions can be confirmed", ErrInvalidState)
	}
	lines, err := s.repo.ListLines(ctx, sessionID)
	if err != nil {
		return err
	}

	var productIDs []int64
	seen := map[int64]bool{}
	var active []confirmLine
	for _, line := range lines {
		if !line.HasActivity() {
			continue
		}
		active = append(active, confirmLine{line: line})
		if !seen[line.ProductID] {
			seen[line.ProductID] = true
			productIDs = append(productIDs, line.ProductID)
		}
	}
	if len(active) == 0 {
		return fmt.Errorf("%w: no line has a checked quantity", ErrInvalidState)
	}
	products, err := s.masterdata.GetProducts(ctx, productIDs)
	if err != nil {
		return err
	}
	tracking := map[int64]masterdata.Tracking{}
	for _, product := range products {
		tracking[product.ID] = product.Tracking
	}
	for i := range active {
		mode := tracking[active[i].line.ProductID]
		active[i].tracked = mode == masterdata.TrackingLot || mode == masterdata.TrackingSerial
		active[i].serial = mode == masterdata.TrackingSerial
		active[i].lots, err = s.repo.ListLineLots(ctx, active[i].line.ID)
		if err != nil {
			return err
		}
		if err := validateConfirmLine(active[i]); err != nil {
			return err
		}
	}

	okNumber, err := s.sequences.Next(ctx, "picking:internal", "QC/OK/")
	if err != nil {
		return err
	}
	ngNumber, err := s.sequences.Next(ctx, "picking:internal", "QC/NG/")
	if err != nil {
		return err
	}

	var okPickingID, ngPickingID *int64
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		// Lock first, then re-read availability. A concurrent session on the
		// same stock blocks here until this transaction commits.
		for _, cl := range active {
			var lotIDs []int64
			for _, lot := range cl.lots {
				lotIDs = append(lotIDs, lot.LotID)
			}
			quants, err := tx.GetQuantsForUpdate(ctx, cl.line.ProductID, session.SourceLocationID, lotIDs)
			if err != nil {
				return err
			}
			available := 0.0
			for _, q := range quants {
				available += q.Available()
			}
			if cl.line.QtyChecked > available+qtyEpsilon {
				return fmt.Errorf("%w: line %d checked %.3f exceeds available %.3f at source location",
					ErrValidation, cl.line.ID, cl.line.QtyChecked, available)
			}
		}

		anyOK, anyNG := false, false
		for _, cl := range active {
			if cl.line.QtyOK > qtyEpsilon {
				anyOK = true
			}
			if cl.line.QtyNG() > qtyEpsilon {
				anyNG = true
			}
		}

		newTransfer := func(number string, destLocationID int64) (int64, error) {
			return tx.CreateTransfer(ctx, stock.Picking{
				Number:         number,
				CompanyID:      session.CompanyID,
				PickingTypeID:  session.PickingTypeID,
				Code:           stock.PickingCodeInternal,
				SrcLocationID:  session.SourceLocationID,
				DestLocationID: destLocationID,
				ContractID:     &session.ContractID,
				Status:         stock.PickingStatusAssigned,
			})
		}
		if anyOK {
			id, err := newTransfer(okNumber, session.OKLocationID)
			if err != nil {
				return err
			}
			okPickingID = &id
		}
		if anyNG {
			id, err := newTransfer(ngNumber, session.NGLocationID)
			if err != nil {
				return err
			}
			ngPickingID = &id
		}

		for _, cl := range active {
			if okPickingID != nil && cl.line.QtyOK > qtyEpsilon {
				if err := s.createTransferMove(ctx, tx, session, *okPickingID, cl, cl.line.QtyOK, lotOKQty); err != nil {
					return err
				}
			}
			if ngPickingID != nil && cl.line.QtyNG() > qtyEpsilon {
				if err := s.createTransferMove(ctx, tx, session, *ngPickingID, cl, cl.line.QtyNG(), lotNGQty); err != nil {
					return err
				}
			}
			if err := s.reserveLine(ctx, tx, session, cl); err != nil {
				return err
			}
		}

		if err := tx.SetPickings(ctx, sessionID, okPickingID, ngPickingID); err != nil {
			return err
		}
		return tx.SetState(ctx, sessionID, OtkStateConfirmed)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, "otk.confirm", sessionID, nil)

	session.State = OtkStateConfirmed
	session.PickingOKID = okPickingID
	session.PickingNGID = ngPickingID
	return s.evaluateDone(ctx, session)
}

func lotOKQty(lot OtkLineLot) float64 { return lot.QtyOK }
func lotNGQty(lot OtkLineLot) float64 { return lot.QtyNG() }

func (s *Service) createTransferMove(ctx context.Context, tx TxRepository, session OtkSession,
	pickingID int64, cl confirmLine, qty float64, lotQty func(OtkLineLot) float64) error {
	poLineID := cl.line.POLineID
	moveID, err := tx.CreateTransferMove(ctx, stock.Move{
		PickingID:  pickingID,
		ProductID:  cl.line.ProductID,
		POLineID:   &poLineID,
		ContractID: &session.ContractID,
		DemandQty:  qty,
		Reserved:   qty,
	})
	if err != nil {
		return err
	}
	for _, lot := range cl.lots {
		lotShare := lotQty(lot)
		if lotShare <= qtyEpsilon {
			continue
		}
		lotID := lot.LotID
		if _, err := tx.CreateTransferMoveLine(ctx, stock.MoveLine{
			MoveID: moveID,
			LotID:  &lotID,
			Qty:    lotShare,
		}); err != nil {
			return err
		}
	}
	return nil
}

// reserveLine marks the checked quantity as reserved at the source location
// so a concurrent consumer cannot claim the same units before the transfers
// are validated.
func (s *Service) reserveLine(ctx context.Context, tx TxRepository, session OtkSession, cl confirmLine) error {
	if len(cl.lots) == 0 {
		return tx.AdjustReserved(ctx, cl.line.ProductID, session.SourceLocationID, nil, cl.line.QtyChecked)
	}
	for _, lot := range cl.lots {
		if lot.QtyChecked <= qtyEpsilon {
			continue
		}
		lotID := lot.LotID
		if err := tx.AdjustReserved(ctx, cl.line.ProductID, session.SourceLocationID, &lotID, lot.QtyChecked); err != nil {
			return err
		}
	}
	return nil
}

// validateConfirmLine checks the business rules of one inspected line before
// any document is created.
func validateConfirmLine(cl confirmLine) error {
	line := cl.line
	if line.QtyChecked < 0 || line.QtyOK < 0 {
		return fmt.Errorf("%w: line %d quantities must not be negative", ErrValidation, line.ID)
	}
	if line.QtyOK > line.QtyChecked+qtyEpsilon {
		return fmt.Errorf("%w: line %d ok %.3f exceeds checked %.3f", ErrValidation, line.ID, line.QtyOK, line.QtyChecked)
	}
	if !cl.tracked {
		return nil
	}
	if len(cl.lots) == 0 {
		return fmt.Errorf("%w: line %d is lot/serial tracked and needs a lot breakdown", ErrValidation, line.ID)
	}
	seen := map[int64]bool{}
	sumChecked, sumOK := 0.0, 0.0
	for _, lot := range cl.lots {
		if seen[lot.LotID] {
			return fmt.Errorf("%w: line %d lists lot %d twice", ErrValidation, line.ID, lot.LotID)
		}
		seen[lot.LotID] = true
		if cl.serial {
			if !isUnitQty(lot.QtyChecked) || !isUnitQty(lot.QtyOK) {
				return fmt.Errorf("%w: line %d serial lot %d quantities must be 0 or 1", ErrValidation, line.ID, lot.LotID)
			}
		}
		sumChecked += lot.QtyChecked
		sumOK += lot.QtyOK
	}
	if math.Abs(sumChecked-line.QtyChecked) > qtyEpsilon || math.Abs(sumOK-line.QtyOK) > qtyEpsilon {
		return fmt.Errorf("%w: line %d lot breakdown (checked %.3f, ok %.3f) does not match totals (checked %.3f, ok %.3f)",
			ErrValidation, line.ID, sumChecked, sumOK, line.QtyChecked, line.QtyOK)
	}
	return nil
}

func isUnitQty(qty float64) bool {
	return math.Abs(qty) <= qtyEpsilon || math.Abs(qty-1) <= qtyEpsilon
}

// Cancel aborts a pending session, releasing any reservation its transfers
// hold. Done sessions cannot be cancelled.
func (s *Service) Cancel(ctx context.Context, sessionID int64) error {
	session, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.State == OtkStateCancelled {
		return nil
	}
	if !session.IsPending() {
		return fmt.Errorf("%w: a done session cannot be cancelled", ErrInvalidState)
	}

	type transfer struct {
		picking stock.Picking
		moves   []stock.Move
	}
	var transfers []transfer
	for _, pickingID := range []*int64{session.PickingOKID, session.PickingNGID} {
		if pickingID == nil {
			continue
		}
		picking, moves, err := s.stock.GetPicking(ctx, *pickingID)
		if err != nil {
			return err
		}
		if picking.Status == stock.PickingStatusDone {
			return fmt.Errorf("%w: transfer %s is already done", ErrInvalidState, picking.Number)
		}
		transfers = append(transfers, transfer{picking: picking, moves: moves})
	}

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		for _, tr := range transfers {
			for _, move := range tr.moves {
				lines, err := s.stock.GetMoveLines(ctx, move.ID)
				if err != nil {
					return err
				}
				if len(lines) == 0 {
					if err := tx.AdjustReserved(ctx, move.ProductID, tr.picking.SrcLocationID, nil, -move.Reserved); err != nil {
						return err
					}
					continue
				}
				for _, line := range lines {
					if err := tx.AdjustReserved(ctx, move.ProductID, tr.picking.SrcLocationID, line.LotID, -line.Qty); err != nil {
						return err
					}
				}
			}
			if err := tx.SetTransferStatus(ctx, tr.picking.ID, stock.PickingStatusCancelled); err != nil {
				return err
			}
		}
		return tx.SetState(ctx, sessionID, OtkStateCancelled)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, "otk.cancel", sessionID, nil)
	return nil
}

// PickingDone advances the session to done once its transfers are executed.
// It runs as a stock observer on transfer validation.
func (s *Service) PickingDone(ctx context.Context, picking stock.Picking, _ []stock.Move) error {
	if picking.Code != stock.PickingCodeInternal {
		return nil
	}
	session, err := s.repo.FindSessionByPicking(ctx, picking.ID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if session.State != OtkStateConfirmed {
		return nil
	}
	return s.evaluateDone(ctx, session)
}

// evaluateDone marks the session done when every transfer it created has been
// executed, then pushes the contract's aggregate totals downstream.
func (s *Service) evaluateDone(ctx context.Context, session OtkSession) error {
	for _, pickingID := range []*int64{session.PickingOKID, session.PickingNGID} {
		if pickingID == nil {
			continue
		}
		picking, _, err := s.stock.GetPicking(ctx, *pickingID)
		if err != nil {
			return err
		}
		if picking.Status != stock.PickingStatusDone {
			return nil
		}
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.SetState(ctx, session.ID, OtkStateDone)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, "otk.done", session.ID, nil)

	_, okTotal, ngTotal, err := s.repo.ContractTotals(ctx, session.ContractID)
	if err != nil {
		return err
	}
	if s.delivery != nil {
		if err := s.delivery.RecordInspectionTotals(ctx, session.ContractID, okTotal, ngTotal); err != nil {
			return err
		}
	}
	s.contracts.InvalidateProgress(ctx, session.ContractID)
	return nil
}

// ContractTotals sums checked/ok/ng across the contract's done sessions.
func (s *Service) ContractTotals(ctx context.Context, contractID int64) (checked, ok, ng float64, err error) {
	return s.repo.ContractTotals(ctx, contractID)
}

func (s *Service) recordAudit(ctx context.Context, action string, entityID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  shared.ActorFromContext(ctx),
		Action:   action,
		Entity:   "otk_session",
		EntityID: strconv.FormatInt(entityID, 10),
		Meta:     meta,
	})
	if err != nil {
		s.logger.Warn("audit record failed", slog.String("action", action), slog.Any("error", err))
	}
}
