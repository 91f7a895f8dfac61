package contracts

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vnoptic/vnoptic-erp/internal/masterdata"
	"github.com/vnoptic/vnoptic-erp/internal/purchasing"
	"github.com/vnoptic/vnoptic-erp/internal/shared"
	"github.com/vnoptic/vnoptic-erp/internal/stock"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetContract(ctx context.Context, id int64) (Contract, error)
	ListLines(ctx context.Context, contractID int64) ([]ContractLine, error)
	ListPOIDs(ctx context.Context, contractID int64) ([]int64, error)
	ListContractIDsByPO(ctx context.Context, poID int64) ([]int64, error)
	IsPOLineClaimed(ctx context.Context, poLineID, excludeContractID int64) (bool, error)
	ListActiveContractIDs(ctx context.Context) ([]int64, error)
}

// PurchasingPort exposes the PO reads the contract engine needs.
type PurchasingPort interface {
	GetPO(ctx context.Context, id int64) (purchasing.PurchaseOrder, []purchasing.POLine, error)
	GetPOLine(ctx context.Context, id int64) (purchasing.POLine, error)
}

// StockPort exposes the warehouse operations the contract engine drives.
type StockPort interface {
	TagContractForPO(ctx context.Context, poID int64, contractID *int64) error
	ListPendingIncomingByPO(ctx context.Context, poID int64) ([]stock.Picking, error)
	GetPicking(ctx context.Context, id int64) (stock.Picking, []stock.Move, error)
	Confirm(ctx context.Context, pickingID int64) error
	Assign(ctx context.Context, pickingID int64) error
	SetMoveDone(ctx context.Context, pickingID, moveID int64, qty float64) error
	Validate(ctx context.Context, pickingID int64) (*int64, error)
	HasDoneIncomingForPO(ctx context.Context, poID int64) (bool, error)
	HasDoneIncomingForContract(ctx context.Context, contractID int64) (bool, error)
}

// ProductPort resolves catalog data for valuation and tracking checks.
type ProductPort interface {
	GetProducts(ctx context.Context, ids []int64) ([]masterdata.Product, error)
}

// SchedulePort creates the delivery schedule that accompanies an approved
// contract.
type SchedulePort interface {
	EnsureForContract(ctx context.Context, contractID int64, name string) error
}

// InspectionPort supplies inspection rollups for the progress summary.
type InspectionPort interface {
	ContractTotals(ctx context.Context, contractID int64) (checked, ok, ng float64, err error)
}

// ApprovalPort records and reads approval history.
type ApprovalPort interface {
	Record(ctx context.Context, log shared.ApprovalLog) error
	List(ctx context.Context, module string, ref uuid.UUID) ([]shared.ApprovalLog, error)
	EnsureSubmit(ctx context.Context, module string, ref uuid.UUID, actorID int64, note string) error
}

// AuditPort records audit trail entries.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// SequencePort allocates document numbers.
type SequencePort interface {
	Next(ctx context.Context, scope, prefix string) (string, error)
}

// Service orchestrates the contract workflow.
type Service struct {
	repo       RepositoryPort
	purchasing PurchasingPort
	stock      StockPort
	products   ProductPort
	schedules  SchedulePort
	inspection InspectionPort
	approvals  ApprovalPort
	audit      AuditPort
	sequences  SequencePort
	logger     *slog.Logger

	cache progressCache
}

// NewService constructs the contract service.
func NewService(repo RepositoryPort, purchasingPort PurchasingPort, stockPort StockPort,
	products ProductPort, approvals ApprovalPort, audit AuditPort,
	sequences SequencePort, logger *slog.Logger) *Service {
	return &Service{
		repo:       repo,
		purchasing: purchasingPort,
		stock:      stockPort,
		products:   products,
		approvals:  approvals,
		audit:      audit,
		sequences:  sequences,
		logger:     logger,
	}
}

// SetSchedulePort wires the delivery-schedule follow-up. Called during
// wiring; approving a contract ensures one schedule exists.
func (s *Service) SetSchedulePort(port SchedulePort) {
	s.schedules = port
}

// SetInspectionPort wires the inspection rollup source for progress
// summaries.
func (s *Service) SetInspectionPort(port InspectionPort) {
	s.inspection = port
}

// CreateContractInput describes a new contract.
type CreateContractInput struct {
	Name            string
	SupplierID      int64
	CompanyID       int64
	Currency        string
	Incoterm        string
	ContractType    string
	SignDate        *time.Time
	ShipmentDate    *time.Time
	PortLoading     string
	PortDischarge   string
	PartialShipment bool
	Packing         string
	QualityNotes    string
}

// CreateContract persists a draft contract.
func (s *Service) CreateContract(ctx context.Context, input CreateContractInput) (Contract, error) {
	if input.SupplierID == 0 {
		return Contract{}, fmt.Errorf("%w: vendor is required", ErrValidation)
	}
	currency := strings.ToUpper(strings.TrimSpace(input.Currency))
	if currency == "" {
		currency = "VND"
	}
	number, err := s.sequences.Next(ctx, "contract", "CT/")
	if err != nil {
		return Contract{}, err
	}
	contract := Contract{
		RefID:           uuid.New(),
		Number:          number,
		Name:            input.Name,
		SupplierID:      input.SupplierID,
		CompanyID:       input.CompanyID,
		Currency:        currency,
		Incoterm:        input.Incoterm,
		ContractType:    input.ContractType,
		State:           ContractStateDraft,
		DeliveryState:   DeliveryStateExpected,
		SignDate:        input.SignDate,
		ShipmentDate:    input.ShipmentDate,
		PortLoading:     input.PortLoading,
		PortDischarge:   input.PortDischarge,
		PartialShipment: input.PartialShipment,
		Packing:         input.Packing,
		QualityNotes:    input.QualityNotes,
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.CreateContract(ctx, contract)
		if err != nil {
			return err
		}
		contract.ID = id
		return nil
	})
	if err != nil {
		return Contract{}, err
	}
	s.recordAudit(ctx, "contract.create", contract.ID, map[string]any{"number": contract.Number})
	return contract, nil
}

// GetContract returns a contract with its lines and PO set.
func (s *Service) GetContract(ctx context.Context, id int64) (Contract, []ContractLine, []int64, error) {
	contract, err := s.repo.GetContract(ctx, id)
	if err != nil {
		return Contract{}, nil, nil, err
	}
	lines, err := s.repo.ListLines(ctx, id)
	if err != nil {
		return Contract{}, nil, nil, err
	}
	poIDs, err := s.repo.ListPOIDs(ctx, id)
	if err != nil {
		return Contract{}, nil, nil, err
	}
	return contract, lines, poIDs, nil
}

// AttachPO attaches a purchase order to a draft contract, rebuilds the
// allocation lines from the new PO set, and retags the PO's pending receipts
// to the preferred contract.
func (s *Service) AttachPO(ctx context.Context, contractID, poID int64) error {
	contract, err := s.repo.GetContract(ctx, contractID)
	if err != nil {
		return err
	}
	if contract.State != ContractStateDraft {
		return fmt.Errorf("%w: purchase orders can only change on a draft contract", ErrInvalidState)
	}
	po, _, err := s.purchasing.GetPO(ctx, poID)
	if err != nil {
		return err
	}
	if po.Status == purchasing.POStatusCancelled {
		return fmt.Errorf("%w: cancelled order %s cannot be attached", ErrInvalidState, po.Number)
	}
	if po.CompanyID != contract.CompanyID {
		return fmt.Errorf("%w: order %s belongs to another company", ErrValidation, po.Number)
	}
	if po.Currency != contract.Currency {
		return fmt.Errorf("%w: order %s currency %s does not match contract currency %s",
			ErrValidation, po.Number, po.Currency, contract.Currency)
	}
	if po.Incoterm != contract.Incoterm {
		return fmt.Errorf("%w: order %s incoterm %q does not match contract incoterm %q",
			ErrValidation, po.Number, po.Incoterm, contract.Incoterm)
	}

	poIDs, err := s.repo.ListPOIDs(ctx, contractID)
	if err != nil {
		return err
	}
	for _, id := range poIDs {
		if id == poID {
			return nil
		}
	}
	poIDs = append(poIDs, poID)
	lines, err := s.buildLines(ctx, contract, poIDs)
	if err != nil {
		return err
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.AddPO(ctx, contractID, poID); err != nil {
			return err
		}
		return s.replaceLines(ctx, tx, contractID, lines)
	})
	if err != nil {
		return err
	}
	if err := s.retagReceipts(ctx, poID); err != nil {
		return err
	}
	s.recordAudit(ctx, "contract.attach_po", contractID, map[string]any{"po_id": poID})
	return nil
}

// DetachPO removes a purchase order from a draft contract. Detachment is
// refused once the PO has a completed receipt, since that would orphan
// received inventory.
func (s *Service) DetachPO(ctx context.Context, contractID, poID int64) error {
	contract, err := s.repo.GetContract(ctx, contractID)
	if err != nil {
		return err
	}
	if contract.State != ContractStateDraft {
		return fmt.Errorf("%w: purchase orders can only change on a draft contract", ErrInvalidState)
	}
	poIDs, err := s.repo.ListPOIDs(ctx, contractID)
	if err != nil {
		return err
	}
	attached := false
	remaining := make([]int64, 0, len(poIDs))
	for _, id := range poIDs {
		if id == poID {
			attached = true
			continue
		}
		remaining = append(remaining, id)
	}
	if !attached {
		return fmt.Errorf("%w: order %d is not attached to contract %d", ErrValidation, poID, contractID)
	}
	received, err := s.stock.HasDoneIncomingForPO(ctx, poID)
	if err != nil {
		return err
	}
	if received {
		return fmt.Errorf("%w: order %d has completed receipts and cannot be detached", ErrInvalidState, poID)
	}
	lines, err := s.buildLines(ctx, contract, remaining)
	if err != nil {
		return err
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.RemovePO(ctx, contractID, poID); err != nil {
			return err
		}
		return s.replaceLines(ctx, tx, contractID, lines)
	})
	if err != nil {
		return err
	}
	if err := s.retagReceipts(ctx, poID); err != nil {
		return err
	}
	s.recordAudit(ctx, "contract.detach_po", contractID, map[string]any{"po_id": poID})
	return nil
}

// RebuildLines re-derives the allocation lines from the current PO set.
// This is a full replace: any manual allocation edit is discarded.
func (s *Service) RebuildLines(ctx context.Context, contractID int64) ([]ContractLine, error) {
	contract, err := s.repo.GetContract(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if contract.State != ContractStateDraft {
		return nil, fmt.Errorf("%w: lines can only be rebuilt on a draft contract", ErrInvalidState)
	}
	poIDs, err := s.repo.ListPOIDs(ctx, contractID)
	if err != nil {
		return nil, err
	}
	lines, err := s.buildLines(ctx, contract, poIDs)
	if err != nil {
		return nil, err
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return s.replaceLines(ctx, tx, contractID, lines)
	})
	if err != nil {
		return nil, err
	}
	return s.repo.ListLines(ctx, contractID)
}

// buildLines derives fresh allocation lines from the PO set: one line per PO
// line with a product and outstanding quantity, claiming the full remainder.
func (s *Service) buildLines(ctx context.Context, contract Contract, poIDs []int64) ([]ContractLine, error) {
	var lines []ContractLine
	for _, poID := range poIDs {
		po, poLines, err := s.purchasing.GetPO(ctx, poID)
		if err != nil {
			return nil, err
		}
		for _, poLine := range poLines {
			if poLine.ProductID == 0 {
				continue
			}
			remaining := math.Max(poLine.Remaining(), 0)
			if remaining <= 0 {
				continue
			}
			// A PO line belongs to at most one contract line system-wide.
			// Lines another contract already claims are left to it.
			claimed, err := s.repo.IsPOLineClaimed(ctx, poLine.ID, contract.ID)
			if err != nil {
				return nil, err
			}
			if claimed {
				continue
			}
			lines = append(lines, ContractLine{
				ContractID:  contract.ID,
				POID:        po.ID,
				POLineID:    poLine.ID,
				ProductID:   poLine.ProductID,
				UoM:         poLine.UoM,
				Currency:    po.Currency,
				ProductQty:  poLine.OrderedQty,
				QtyContract: remaining,
				QtyReceived: poLine.ReceivedQty,
				Price:       poLine.Price,
			})
		}
	}
	return lines, nil
}

func (s *Service) replaceLines(ctx context.Context, tx TxRepository, contractID int64, lines []ContractLine) error {
	if err := tx.DeleteLines(ctx, contractID); err != nil {
		return err
	}
	for _, line := range lines {
		if _, err := tx.InsertLine(ctx, line); err != nil {
			return err
		}
	}
	return nil
}

// retagReceipts points the PO's pending receipts at the preferred contract,
// the lowest-id contract still attached, or clears the tag when none remains.
func (s *Service) retagReceipts(ctx context.Context, poID int64) error {
	contractIDs, err := s.repo.ListContractIDsByPO(ctx, poID)
	if err != nil {
		return err
	}
	var preferred *int64
	if len(contractIDs) > 0 {
		preferred = &contractIDs[0]
	}
	return s.stock.TagContractForPO(ctx, poID, preferred)
}

// UpdateLineAllocation edits a single line's claimed quantity within the
// allocation bound.
func (s *Service) UpdateLineAllocation(ctx context.Context, contractID, lineID int64, qty float64) error {
	contract, err := s.repo.GetContract(ctx, contractID)
	if err != nil {
		return err
	}
	if contract.State != ContractStateDraft {
		return fmt.Errorf("%w: allocations can only change on a draft contract", ErrInvalidState)
	}
	lines, err := s.repo.ListLines(ctx, contractID)
	if err != nil {
		return err
	}
	var target *ContractLine
	for i := range lines {
		if lines[i].ID == lineID {
			target = &lines[i]
			break
		}
	}
	if target == nil {
		return fmt.Errorf("%w: line %d", ErrNotFound, lineID)
	}
	if qty < 0 {
		return fmt.Errorf("%w: allocation must not be negative", ErrValidation)
	}
	poLine, err := s.purchasing.GetPOLine(ctx, target.POLineID)
	if err != nil {
		return err
	}
	if qty > poLine.Remaining() {
		return fmt.Errorf("%w: allocation %.3f exceeds remaining %.3f on po line %d",
			ErrValidation, qty, poLine.Remaining(), poLine.ID)
	}
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.SetLineAllocation(ctx, lineID, qty)
	})
}

// Submit validates the contract and moves it to waiting. Every line product
// must be FIFO-costed with automated valuation; offenders are reported
// together in a single error.
func (s *Service) Submit(ctx context.Context, contractID int64) error {
	contract, err := s.repo.GetContract(ctx, contractID)
	if err != nil {
		return err
	}
	if contract.State != ContractStateDraft {
		return fmt.Errorf("%w: only draft contracts can be submitted", ErrInvalidState)
	}
	if contract.SupplierID == 0 {
		return fmt.Errorf("%w: vendor is required before submit", ErrValidation)
	}
	if contract.ShipmentDate == nil {
		return fmt.Errorf("%w: shipment date is required before submit", ErrValidation)
	}
	lines, err := s.repo.ListLines(ctx, contractID)
	if err != nil {
		return err
	}
	if err := s.checkValuation(ctx, lines); err != nil {
		return err
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.SetState(ctx, contractID, ContractStateWaiting)
	})
	if err != nil {
		return err
	}
	s.recordApproval(ctx, contract, shared.ApprovalSubmit, "")
	s.recordAudit(ctx, "contract.submit", contractID, nil)
	return nil
}

// checkValuation enforces the FIFO/real-time precondition. The downstream
// quantity math assumes deterministic, immediately visible cost layers.
func (s *Service) checkValuation(ctx context.Context, lines []ContractLine) error {
	if len(lines) == 0 {
		return nil
	}
	seen := map[int64]bool{}
	var ids []int64
	for _, line := range lines {
		if !seen[line.ProductID] {
			seen[line.ProductID] = true
			ids = append(ids, line.ProductID)
		}
	}
	products, err := s.products.GetProducts(ctx, ids)
	if err != nil {
		return err
	}
	var offending []string
	for _, product := range products {
		if product.CostMethod != masterdata.CostMethodFIFO || product.Valuation != masterdata.ValuationRealTime {
			offending = append(offending, fmt.Sprintf("%s (%s): cost=%s valuation=%s",
				product.Name, product.SKU, product.CostMethod, product.Valuation))
		}
	}
	if len(offending) > 0 {
		return &ValuationError{Products: offending}
	}
	return nil
}

// Approve moves a waiting contract to approved, stamps the approver, and
// ensures a delivery schedule exists. Approving an approved contract is a
// no-op.
func (s *Service) Approve(ctx context.Context, contractID int64) error {
	contract, err := s.repo.GetContract(ctx, contractID)
	if err != nil {
		return err
	}
	if contract.State == ContractStateApproved {
		return nil
	}
	if contract.State != ContractStateWaiting {
		return fmt.Errorf("%w: only waiting contracts can be approved", ErrInvalidState)
	}
	actor := shared.ActorFromContext(ctx)
	now := time.Now().UTC()
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.SetState(ctx, contractID, ContractStateApproved); err != nil {
			return err
		}
		return tx.SetApproval(ctx, contractID, actor, now)
	})
	if err != nil {
		return err
	}
	if s.schedules != nil {
		if err := s.schedules.EnsureForContract(ctx, contractID, contract.Number); err != nil {
			return err
		}
	}
	if s.approvals != nil {
		// Submit recording is best-effort, so the SUBMIT entry is backfilled
		// here before the APPROVE is logged.
		if err := s.approvals.EnsureSubmit(ctx, approvalModule, contract.RefID, approvalActor(ctx), ""); err != nil {
			s.logger.Warn("approval backfill failed",
				slog.String("contract", contract.Number), slog.Any("error", err))
		}
	}
	s.recordApproval(ctx, contract, shared.ApprovalApprove, "")
	s.recordAudit(ctx, "contract.approve", contractID, nil)
	return nil
}

// ApprovalHistory returns the contract's approval trail in chronological
// order.
func (s *Service) ApprovalHistory(ctx context.Context, contractID int64) ([]shared.ApprovalLog, error) {
	contract, err := s.repo.GetContract(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if s.approvals == nil {
		return nil, nil
	}
	return s.approvals.List(ctx, approvalModule, contract.RefID)
}

// RequestRevision asks for changes on a waiting or approved contract.
func (s *Service) RequestRevision(ctx context.Context, contractID int64, note string) error {
	contract, err := s.repo.GetContract(ctx, contractID)
	if err != nil {
		return err
	}
	if contract.State != ContractStateWaiting && contract.State != ContractStateApproved {
		return fmt.Errorf("%w: revision can only be requested on waiting or approved contracts", ErrInvalidState)
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.SetState(ctx, contractID, ContractStateRevisionRequested)
	})
	if err != nil {
		return err
	}
	s.recordApproval(ctx, contract, shared.ApprovalRevision, note)
	s.recordAudit(ctx, "contract.request_revision", contractID, map[string]any{"note": note})
	return nil
}

// AllowRevision returns a revision-requested contract to draft for editing.
func (s *Service) AllowRevision(ctx context.Context, contractID int64) error {
	contract, err := s.repo.GetContract(ctx, contractID)
	if err != nil {
		return err
	}
	if contract.State != ContractStateRevisionRequested {
		return fmt.Errorf("%w: contract is not awaiting revision", ErrInvalidState)
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.SetState(ctx, contractID, ContractStateDraft)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, "contract.allow_revision", contractID, nil)
	return nil
}

// Cancel terminates the contract. Terminal; no transition leaves cancel.
func (s *Service) Cancel(ctx context.Context, contractID int64) error {
	contract, err := s.repo.GetContract(ctx, contractID)
	if err != nil {
		return err
	}
	if contract.IsTerminal() {
		return nil
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.SetState(ctx, contractID, ContractStateCancelled); err != nil {
			return err
		}
		return tx.SetDeliveryState(ctx, contractID, DeliveryStateCancelled)
	})
	if err != nil {
		return err
	}
	s.recordApproval(ctx, contract, shared.ApprovalCancel, "")
	s.recordAudit(ctx, "contract.cancel", contractID, nil)
	return nil
}

// ProcessContractReceipts drives the contract's pending receipts to done:
// each claimed move receives min(allocation, outstanding demand), the
// receipt is validated, and any backorder is auto-confirmed by the warehouse
// layer. Lot/serial tracked products must be received manually.
func (s *Service) ProcessContractReceipts(ctx context.Context, contractID int64) error {
	contract, err := s.repo.GetContract(ctx, contractID)
	if err != nil {
		return err
	}
	if contract.State != ContractStateApproved {
		return fmt.Errorf("%w: receipts can only be processed on an approved contract", ErrInvalidState)
	}
	lines, err := s.repo.ListLines(ctx, contractID)
	if err != nil {
		return err
	}
	claims := map[int64]ContractLine{}
	var productIDs []int64
	seen := map[int64]bool{}
	for _, line := range lines {
		if line.POLineID != 0 && line.QtyContract > 0 {
			claims[line.POLineID] = line
			if !seen[line.ProductID] {
				seen[line.ProductID] = true
				productIDs = append(productIDs, line.ProductID)
			}
		}
	}
	if len(claims) == 0 {
		return fmt.Errorf("%w: contract has no claimed quantities", ErrValidation)
	}
	products, err := s.products.GetProducts(ctx, productIDs)
	if err != nil {
		return err
	}
	tracked := map[int64]bool{}
	for _, product := range products {
		tracked[product.ID] = product.IsTracked()
	}

	poIDs, err := s.repo.ListPOIDs(ctx, contractID)
	if err != nil {
		return err
	}
	for _, poID := range poIDs {
		pickings, err := s.stock.ListPendingIncomingByPO(ctx, poID)
		if err != nil {
			return err
		}
		for _, picking := range pickings {
			if err := s.stock.Confirm(ctx, picking.ID); err != nil {
				return err
			}
			if err := s.stock.Assign(ctx, picking.ID); err != nil {
				return err
			}
			_, moves, err := s.stock.GetPicking(ctx, picking.ID)
			if err != nil {
				return err
			}
			anySet := false
			for _, move := range moves {
				if move.POLineID == nil {
					continue
				}
				line, claimed := claims[*move.POLineID]
				if !claimed {
					continue
				}
				if tracked[move.ProductID] {
					return fmt.Errorf("%w: product %d is lot/serial tracked and must be received manually",
						ErrValidation, move.ProductID)
				}
				qty := math.Min(line.QtyContract, move.Remaining())
				if qty <= 0 {
					continue
				}
				if err := s.stock.SetMoveDone(ctx, picking.ID, move.ID, qty); err != nil {
					return err
				}
				anySet = true
			}
			if anySet {
				if _, err := s.stock.Validate(ctx, picking.ID); err != nil {
					return err
				}
			}
		}
	}
	s.recordAudit(ctx, "contract.process_receipts", contractID, nil)
	return nil
}

// SyncReceiptProgress mirrors PO-line received quantities onto the contract
// lines and recomputes the delivery state.
func (s *Service) SyncReceiptProgress(ctx context.Context, contractID int64) error {
	contract, err := s.repo.GetContract(ctx, contractID)
	if err != nil {
		return err
	}
	lines, err := s.repo.ListLines(ctx, contractID)
	if err != nil {
		return err
	}
	for i := range lines {
		if lines[i].POLineID == 0 {
			continue
		}
		poLine, err := s.purchasing.GetPOLine(ctx, lines[i].POLineID)
		if err != nil {
			return err
		}
		lines[i].QtyReceived = poLine.ReceivedQty
	}
	hasDone, err := s.stock.HasDoneIncomingForContract(ctx, contractID)
	if err != nil {
		return err
	}
	deliveryState := ComputeDeliveryState(contract.State, lines, hasDone)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		for _, line := range lines {
			if line.POLineID == 0 {
				continue
			}
			if err := tx.SetLineReceived(ctx, line.ID, line.QtyReceived); err != nil {
				return err
			}
		}
		return tx.SetDeliveryState(ctx, contractID, deliveryState)
	})
	if err != nil {
		return err
	}
	s.invalidateProgress(ctx, contractID)
	return nil
}

// PickingDone recomputes receipt progress for every contract touched by a
// completed incoming receipt. It runs as a stock observer.
func (s *Service) PickingDone(ctx context.Context, picking stock.Picking, _ []stock.Move) error {
	if picking.Code != stock.PickingCodeIncoming {
		return nil
	}
	affected := map[int64]bool{}
	if picking.ContractID != nil {
		affected[*picking.ContractID] = true
	}
	if picking.POID != nil {
		ids, err := s.repo.ListContractIDsByPO(ctx, *picking.POID)
		if err != nil {
			return err
		}
		for _, id := range ids {
			affected[id] = true
		}
	}
	for id := range affected {
		if err := s.SyncReceiptProgress(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// RefreshDeliveryStates recomputes the delivery state of every active
// contract. Used by the background refresh task.
func (s *Service) RefreshDeliveryStates(ctx context.Context) (int, error) {
	ids, err := s.repo.ListActiveContractIDs(ctx)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if err := s.SyncReceiptProgress(ctx, id); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}

const approvalModule = "contracts"

func approvalActor(ctx context.Context) int64 {
	actor := shared.ActorFromContext(ctx)
	if actor == 0 {
		return -1 // system actor for background flows
	}
	return actor
}

func (s *Service) recordApproval(ctx context.Context, contract Contract, action shared.ApprovalAction, note string) {
	if s.approvals == nil {
		return
	}
	err := s.approvals.Record(ctx, shared.ApprovalLog{
		Module:  approvalModule,
		RefID:   contract.RefID,
		ActorID: approvalActor(ctx),
		Action:  action,
		Note:    note,
	})
	if err != nil {
		s.logger.Warn("approval record failed",
			slog.String("contract", contract.Number), slog.Any("error", err))
	}
}

func (s *Service) recordAudit(ctx context.Context, action string, entityID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  shared.ActorFromContext(ctx),
		Action:   action,
		Entity:   "contract",
		EntityID: strconv.FormatInt(entityID, 10),
		Meta:     meta,
	})
	if err != nil {
		s.logger.Warn("audit record failed", slog.String("action", action), slog.Any("error", err))
	}
}
