package inspection

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vnoptic/vnoptic-erp/internal/contracts"
	"github.com/vnoptic/vnoptic-erp/internal/masterdata"
	"github.com/vnoptic/vnoptic-erp/internal/stock"
)

// memoryRepo backs both the session tables and the warehouse tables the
// confirm transaction writes.
type memoryRepo struct {
	sessions  map[int64]*OtkSession
	lines     map[int64]*OtkLine
	lots      map[int64][]OtkLineLot
	pickings  map[int64]*stock.Picking
	moves     map[int64][]*stock.Move
	moveLines map[int64][]stock.MoveLine
	quants    map[string]*stock.Quant
	nextID    int64
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		sessions:  map[int64]*OtkSession{},
		lines:     map[int64]*OtkLine{},
		lots:      map[int64][]OtkLineLot{},
		pickings:  map[int64]*stock.Picking{},
		moves:     map[int64][]*stock.Move{},
		moveLines: map[int64][]stock.MoveLine{},
		quants:    map[string]*stock.Quant{},
	}
}

func (m *memoryRepo) id() int64 {
	m.nextID++
	return m.nextID
}

func quantKey(productID, locationID int64, lotID *int64) string {
	if lotID == nil {
		return fmt.Sprintf("%d/%d/-", productID, locationID)
	}
	return fmt.Sprintf("%d/%d/%d", productID, locationID, *lotID)
}

func (m *memoryRepo) addQuant(productID, locationID int64, lotID *int64, qty float64) {
	m.quants[quantKey(productID, locationID, lotID)] = &stock.Quant{
		ID: m.id(), ProductID: productID, LocationID: locationID, LotID: lotID, Quantity: qty,
	}
}

func (m *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, m)
}

func (m *memoryRepo) GetSession(_ context.Context, id int64) (OtkSession, error) {
	s, ok := m.sessions[id]
	if !ok {
		return OtkSession{}, ErrNotFound
	}
	return *s, nil
}

func (m *memoryRepo) ListSessionsByContract(_ context.Context, contractID int64) ([]OtkSession, error) {
	var out []OtkSession
	for _, s := range m.sessions {
		if s.ContractID == contractID {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (m *memoryRepo) FindSessionByPicking(_ context.Context, pickingID int64) (OtkSession, error) {
	for _, s := range m.sessions {
		if (s.PickingOKID != nil && *s.PickingOKID == pickingID) ||
			(s.PickingNGID != nil && *s.PickingNGID == pickingID) {
			return *s, nil
		}
	}
	return OtkSession{}, ErrNotFound
}

func (m *memoryRepo) ListLines(_ context.Context, sessionID int64) ([]OtkLine, error) {
	var out []OtkLine
	for _, line := range m.lines {
		if line.SessionID == sessionID {
			out = append(out, *line)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memoryRepo) ListLineLots(_ context.Context, lineID int64) ([]OtkLineLot, error) {
	return append([]OtkLineLot(nil), m.lots[lineID]...), nil
}

func (m *memoryRepo) SumDoneChecked(_ context.Context, contractID, poLineID, excludeSessionID int64) (float64, error) {
	sum := 0.0
	for _, line := range m.lines {
		session := m.sessions[line.SessionID]
		if session.ContractID == contractID && line.POLineID == poLineID &&
			session.State == OtkStateDone && session.ID != excludeSessionID {
			sum += line.QtyChecked
		}
	}
	return sum, nil
}

func (m *memoryRepo) ContractTotals(_ context.Context, contractID int64) (checked, ok, ng float64, err error) {
	for _, line := range m.lines {
		session := m.sessions[line.SessionID]
		if session.ContractID == contractID && session.State == OtkStateDone {
			checked += line.QtyChecked
			ok += line.QtyOK
			ng += line.QtyNG()
		}
	}
	return checked, ok, ng, nil
}

func (m *memoryRepo) NextSequence(_ context.Context, contractID int64) (int, error) {
	next := 1
	for _, s := range m.sessions {
		if s.ContractID == contractID && s.Sequence >= next {
			next = s.Sequence + 1
		}
	}
	return next, nil
}

func (m *memoryRepo) CreateSession(_ context.Context, s OtkSession) (int64, error) {
	s.ID = m.id()
	m.sessions[s.ID] = &s
	return s.ID, nil
}

func (m *memoryRepo) CreateLine(_ context.Context, line OtkLine) (int64, error) {
	line.ID = m.id()
	m.lines[line.ID] = &line
	return line.ID, nil
}

func (m *memoryRepo) SetState(_ context.Context, sessionID int64, state OtkState) error {
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.State = state
	return nil
}

func (m *memoryRepo) SetPickings(_ context.Context, sessionID int64, okID, ngID *int64) error {
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.PickingOKID = okID
	s.PickingNGID = ngID
	return nil
}

func (m *memoryRepo) SetLineQuantities(_ context.Context, lineID int64, checked, ok float64) error {
	line, found := m.lines[lineID]
	if !found {
		return ErrNotFound
	}
	line.QtyChecked = checked
	line.QtyOK = ok
	return nil
}

func (m *memoryRepo) DeleteLineLots(_ context.Context, lineID int64) error {
	delete(m.lots, lineID)
	return nil
}

func (m *memoryRepo) CreateLineLot(_ context.Context, lot OtkLineLot) (int64, error) {
	lot.ID = m.id()
	m.lots[lot.LineID] = append(m.lots[lot.LineID], lot)
	return lot.ID, nil
}

func (m *memoryRepo) GetQuantsForUpdate(_ context.Context, productID, locationID int64, lotIDs []int64) ([]stock.Quant, error) {
	var out []stock.Quant
	for _, q := range m.quants {
		if q.ProductID != productID || q.LocationID != locationID {
			continue
		}
		if len(lotIDs) > 0 {
			if q.LotID == nil {
				continue
			}
			match := false
			for _, id := range lotIDs {
				if *q.LotID == id {
					match = true
				}
			}
			if !match {
				continue
			}
		}
		out = append(out, *q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memoryRepo) AdjustReserved(_ context.Context, productID, locationID int64, lotID *int64, delta float64) error {
	key := quantKey(productID, locationID, lotID)
	q, ok := m.quants[key]
	if !ok {
		q = &stock.Quant{ID: m.id(), ProductID: productID, LocationID: locationID, LotID: lotID}
		m.quants[key] = q
	}
	q.Reserved += delta
	if q.Reserved < 0 {
		q.Reserved = 0
	}
	return nil
}

func (m *memoryRepo) CreateTransfer(_ context.Context, picking stock.Picking) (int64, error) {
	picking.ID = m.id()
	m.pickings[picking.ID] = &picking
	return picking.ID, nil
}

func (m *memoryRepo) CreateTransferMove(_ context.Context, move stock.Move) (int64, error) {
	move.ID = m.id()
	m.moves[move.PickingID] = append(m.moves[move.PickingID], &move)
	return move.ID, nil
}

func (m *memoryRepo) CreateTransferMoveLine(_ context.Context, line stock.MoveLine) (int64, error) {
	line.ID = m.id()
	m.moveLines[line.MoveID] = append(m.moveLines[line.MoveID], line)
	return line.ID, nil
}

func (m *memoryRepo) SetTransferStatus(_ context.Context, pickingID int64, status stock.PickingStatus) error {
	p, ok := m.pickings[pickingID]
	if !ok {
		return ErrNotFound
	}
	p.Status = status
	return nil
}

// stockReader serves warehouse reads from the same in-memory world.
type stockReader struct {
	repo *memoryRepo
}

func (s *stockReader) GetPicking(_ context.Context, id int64) (stock.Picking, []stock.Move, error) {
	p, ok := s.repo.pickings[id]
	if !ok {
		return stock.Picking{}, nil, stock.ErrNotFound
	}
	var moves []stock.Move
	for _, move := range s.repo.moves[id] {
		moves = append(moves, *move)
	}
	return *p, moves, nil
}

func (s *stockReader) GetMoveLines(_ context.Context, moveID int64) ([]stock.MoveLine, error) {
	return append([]stock.MoveLine(nil), s.repo.moveLines[moveID]...), nil
}

type fakeContracts struct {
	contract      contracts.Contract
	lines         []contracts.ContractLine
	invalidations int
}

func (f *fakeContracts) GetContract(_ context.Context, id int64) (contracts.Contract, []contracts.ContractLine, []int64, error) {
	if id != f.contract.ID {
		return contracts.Contract{}, nil, nil, contracts.ErrNotFound
	}
	return f.contract, f.lines, nil, nil
}

func (f *fakeContracts) InvalidateProgress(_ context.Context, _ int64) {
	f.invalidations++
}

type fakeMasterdata struct {
	products map[int64]masterdata.Product
	defaults masterdata.OtkDefaults
}

func (f *fakeMasterdata) GetProducts(_ context.Context, ids []int64) ([]masterdata.Product, error) {
	var out []masterdata.Product
	for _, id := range ids {
		if p, ok := f.products[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeMasterdata) ResolveOtkDefaults(_ context.Context, _ int64) (masterdata.OtkDefaults, error) {
	if f.defaults.PickingTypeID == 0 {
		return masterdata.OtkDefaults{}, masterdata.ErrValidation
	}
	return f.defaults, nil
}

type fakeDelivery struct {
	contractID int64
	ok, ng     float64
	calls      int
}

func (f *fakeDelivery) RecordInspectionTotals(_ context.Context, contractID int64, ok, ng float64) error {
	f.contractID = contractID
	f.ok = ok
	f.ng = ng
	f.calls++
	return nil
}

type fakeSequences struct {
	counter int
}

func (f *fakeSequences) Next(_ context.Context, _, prefix string) (string, error) {
	f.counter++
	return fmt.Sprintf("%s%05d", prefix, f.counter), nil
}

const (
	srcLocation = int64(100)
	okLocation  = int64(101)
	ngLocation  = int64(102)
)

type harness struct {
	repo      *memoryRepo
	contracts *fakeContracts
	md        *fakeMasterdata
	delivery  *fakeDelivery
	service   *Service
}

func newHarness() *harness {
	repo := newMemoryRepo()
	fc := &fakeContracts{
		contract: contracts.Contract{
			ID: 1, Number: "CT/00001", CompanyID: 1, State: contracts.ContractStateApproved,
		},
	}
	md := &fakeMasterdata{
		products: map[int64]masterdata.Product{},
		defaults: masterdata.OtkDefaults{
			PickingTypeID:    7,
			SourceLocationID: srcLocation,
			OKLocationID:     okLocation,
			NGLocationID:     ngLocation,
		},
	}
	delivery := &fakeDelivery{}
	service := NewService(repo, fc, md, &stockReader{repo: repo}, nil, &fakeSequences{}, slog.New(slog.DiscardHandler))
	service.SetDeliveryPort(delivery)
	return &harness{repo: repo, contracts: fc, md: md, delivery: delivery, service: service}
}

func (h *harness) addProduct(id int64, tracking masterdata.Tracking) {
	h.md.products[id] = masterdata.Product{ID: id, SKU: fmt.Sprintf("SKU-%d", id), Tracking: tracking}
}

func (h *harness) addContractLine(lineID, poLineID, productID int64, qtyContract float64) {
	h.contracts.lines = append(h.contracts.lines, contracts.ContractLine{
		ID: lineID, ContractID: 1, POID: 1, POLineID: poLineID, ProductID: productID,
		UoM: "unit", QtyContract: qtyContract,
	})
}

func (h *harness) newSession(t *testing.T) (OtkSession, []OtkLine) {
	t.Helper()
	session, lines, err := h.service.CreateSession(context.Background(), CreateSessionInput{ContractID: 1})
	require.NoError(t, err)
	return session, lines
}

// completeTransfers simulates the warehouse validating the session's
// transfers and fires the done observer.
func (h *harness) completeTransfers(t *testing.T, sessionID int64) {
	t.Helper()
	session, err := h.repo.GetSession(context.Background(), sessionID)
	require.NoError(t, err)
	for _, pickingID := range []*int64{session.PickingOKID, session.PickingNGID} {
		if pickingID == nil {
			continue
		}
		picking := h.repo.pickings[*pickingID]
		picking.Status = stock.PickingStatusDone
		require.NoError(t, h.service.PickingDone(context.Background(), *picking, nil))
	}
}

func TestCreateSessionRequiresApprovedContract(t *testing.T) {
	h := newHarness()
	h.addProduct(11, masterdata.TrackingNone)
	h.addContractLine(201, 101, 11, 5)
	h.contracts.contract.State = contracts.ContractStateWaiting

	_, _, err := h.service.CreateSession(context.Background(), CreateSessionInput{ContractID: 1})
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestCreateSessionSeedsClaimedLines(t *testing.T) {
	h := newHarness()
	h.addProduct(11, masterdata.TrackingNone)
	h.addProduct(12, masterdata.TrackingNone)
	h.addContractLine(201, 101, 11, 5)
	h.addContractLine(202, 102, 12, 0) // unclaimed, skipped
	session, lines := h.newSession(t)

	require.Equal(t, 1, session.Sequence)
	require.Equal(t, srcLocation, session.SourceLocationID)
	require.Len(t, lines, 1)
	require.Equal(t, int64(101), lines[0].POLineID)
	require.InDelta(t, 5.0, lines[0].QtyContract, 1e-9)
}

func TestConfirmCreatesBatchedTransfers(t *testing.T) {
	h := newHarness()
	h.addProduct(11, masterdata.TrackingNone)
	h.addProduct(12, masterdata.TrackingNone)
	h.addContractLine(201, 101, 11, 5)
	h.addContractLine(202, 102, 12, 3)
	h.repo.addQuant(11, srcLocation, nil, 10)
	h.repo.addQuant(12, srcLocation, nil, 10)
	session, lines := h.newSession(t)

	require.NoError(t, h.service.SetLineQuantities(context.Background(), session.ID, lines[0].ID, 5, 4, nil))
	require.NoError(t, h.service.SetLineQuantities(context.Background(), session.ID, lines[1].ID, 3, 3, nil))
	require.NoError(t, h.service.Confirm(context.Background(), session.ID))

	stored, err := h.repo.GetSession(context.Background(), session.ID)
	require.NoError(t, err)
	require.Equal(t, OtkStateConfirmed, stored.State)
	require.NotNil(t, stored.PickingOKID)
	require.NotNil(t, stored.PickingNGID)

	// one OK transfer for the whole session, not one per line
	okMoves := h.repo.moves[*stored.PickingOKID]
	require.Len(t, okMoves, 2)
	require.InDelta(t, 4.0, okMoves[0].DemandQty, 1e-9)
	require.InDelta(t, 3.0, okMoves[1].DemandQty, 1e-9)
	ngMoves := h.repo.moves[*stored.PickingNGID]
	require.Len(t, ngMoves, 1)
	require.InDelta(t, 1.0, ngMoves[0].DemandQty, 1e-9)

	okPicking := h.repo.pickings[*stored.PickingOKID]
	require.Equal(t, okLocation, okPicking.DestLocationID)
	require.Equal(t, stock.PickingStatusAssigned, okPicking.Status)
	require.Equal(t, ngLocation, h.repo.pickings[*stored.PickingNGID].DestLocationID)

	// checked quantities are reserved at the source
	require.InDelta(t, 5.0, h.repo.quants[quantKey(11, srcLocation, nil)].Reserved, 1e-9)
	require.InDelta(t, 3.0, h.repo.quants[quantKey(12, srcLocation, nil)].Reserved, 1e-9)
}

func TestConfirmStockGuardCreatesNoTransfers(t *testing.T) {
	h := newHarness()
	h.addProduct(11, masterdata.TrackingNone)
	h.addContractLine(201, 101, 11, 10)
	h.repo.addQuant(11, srcLocation, nil, 4)
	session, lines := h.newSession(t)

	require.NoError(t, h.service.SetLineQuantities(context.Background(), session.ID, lines[0].ID, 6, 6, nil))
	err := h.service.Confirm(context.Background(), session.ID)
	require.ErrorIs(t, err, ErrValidation)

	stored, err := h.repo.GetSession(context.Background(), session.ID)
	require.NoError(t, err)
	require.Equal(t, OtkStateDraft, stored.State)
	require.Nil(t, stored.PickingOKID)
	require.Nil(t, stored.PickingNGID)
	require.Empty(t, h.repo.pickings)
	require.InDelta(t, 0.0, h.repo.quants[quantKey(11, srcLocation, nil)].Reserved, 1e-9)
}

func TestReservedUntrackedStockBlocksSecondSession(t *testing.T) {
	h := newHarness()
	h.addProduct(11, masterdata.TrackingNone)
	h.addContractLine(201, 101, 11, 12)
	h.repo.addQuant(11, srcLocation, nil, 10)

	session, lines := h.newSession(t)
	require.NoError(t, h.service.SetLineQuantities(context.Background(), session.ID, lines[0].ID, 6, 6, nil))
	require.NoError(t, h.service.Confirm(context.Background(), session.ID))

	// the reservation lands on the same quant row availability is read from
	require.Len(t, h.repo.quants, 1)
	require.InDelta(t, 6.0, h.repo.quants[quantKey(11, srcLocation, nil)].Reserved, 1e-9)

	second, secondLines := h.newSession(t)
	require.NoError(t, h.service.SetLineQuantities(context.Background(), second.ID, secondLines[0].ID, 6, 6, nil))
	err := h.service.Confirm(context.Background(), second.ID)
	require.ErrorIs(t, err, ErrValidation)
}

func TestConfirmRequiresCheckedLine(t *testing.T) {
	h := newHarness()
	h.addProduct(11, masterdata.TrackingNone)
	h.addContractLine(201, 101, 11, 5)
	session, _ := h.newSession(t)

	require.ErrorIs(t, h.service.Confirm(context.Background(), session.ID), ErrInvalidState)
}

func TestCrossSessionRollups(t *testing.T) {
	h := newHarness()
	h.addProduct(11, masterdata.TrackingNone)
	h.addContractLine(201, 101, 11, 10)
	h.repo.addQuant(11, srcLocation, nil, 20)

	first, firstLines := h.newSession(t)
	require.NoError(t, h.service.SetLineQuantities(context.Background(), first.ID, firstLines[0].ID, 6, 6, nil))
	require.NoError(t, h.service.Confirm(context.Background(), first.ID))
	h.completeTransfers(t, first.ID)

	second, secondLines := h.newSession(t)
	require.Equal(t, 2, second.Sequence)
	require.NoError(t, h.service.SetLineQuantities(context.Background(), second.ID, secondLines[0].ID, 3, 3, nil))

	view, err := h.service.GetSession(context.Background(), second.ID)
	require.NoError(t, err)
	require.Len(t, view.Lines, 1)
	rollup := view.Lines[0].Rollup
	require.InDelta(t, 6.0, rollup.Before, 1e-9)
	require.InDelta(t, 9.0, rollup.After, 1e-9)
	require.InDelta(t, 1.0, rollup.Short, 1e-9)
	require.InDelta(t, 0.0, rollup.Excess, 1e-9)
}

func TestDoneTransitionNotifiesDelivery(t *testing.T) {
	h := newHarness()
	h.addProduct(11, masterdata.TrackingNone)
	h.addContractLine(201, 101, 11, 10)
	h.repo.addQuant(11, srcLocation, nil, 20)

	session, lines := h.newSession(t)
	require.NoError(t, h.service.SetLineQuantities(context.Background(), session.ID, lines[0].ID, 6, 4, nil))
	require.NoError(t, h.service.Confirm(context.Background(), session.ID))

	stored, err := h.repo.GetSession(context.Background(), session.ID)
	require.NoError(t, err)

	// validating only the OK transfer is not enough
	okPicking := h.repo.pickings[*stored.PickingOKID]
	okPicking.Status = stock.PickingStatusDone
	require.NoError(t, h.service.PickingDone(context.Background(), *okPicking, nil))
	stored, err = h.repo.GetSession(context.Background(), session.ID)
	require.NoError(t, err)
	require.Equal(t, OtkStateConfirmed, stored.State)

	ngPicking := h.repo.pickings[*stored.PickingNGID]
	ngPicking.Status = stock.PickingStatusDone
	require.NoError(t, h.service.PickingDone(context.Background(), *ngPicking, nil))
	stored, err = h.repo.GetSession(context.Background(), session.ID)
	require.NoError(t, err)
	require.Equal(t, OtkStateDone, stored.State)

	require.Equal(t, 1, h.delivery.calls)
	require.Equal(t, int64(1), h.delivery.contractID)
	require.InDelta(t, 4.0, h.delivery.ok, 1e-9)
	require.InDelta(t, 2.0, h.delivery.ng, 1e-9)
	require.Equal(t, 1, h.contracts.invalidations)
}

func TestSerialBreakdownRules(t *testing.T) {
	h := newHarness()
	h.addProduct(11, masterdata.TrackingSerial)
	h.addContractLine(201, 101, 11, 2)
	lot1, lot2 := int64(301), int64(302)
	h.repo.addQuant(11, srcLocation, &lot1, 1)
	h.repo.addQuant(11, srcLocation, &lot2, 1)
	session, lines := h.newSession(t)

	// breakdown does not sum to the line totals
	require.NoError(t, h.service.SetLineQuantities(context.Background(), session.ID, lines[0].ID, 2, 1, []LotInput{
		{LotID: lot1, QtyChecked: 1, QtyOK: 1},
	}))
	err := h.service.Confirm(context.Background(), session.ID)
	require.ErrorIs(t, err, ErrValidation)
	require.Contains(t, err.Error(), "breakdown")

	// serial rows must be single units
	require.NoError(t, h.service.SetLineQuantities(context.Background(), session.ID, lines[0].ID, 2, 1, []LotInput{
		{LotID: lot1, QtyChecked: 2, QtyOK: 1},
	}))
	require.ErrorIs(t, h.service.Confirm(context.Background(), session.ID), ErrValidation)

	// a valid breakdown confirms and carries per-lot move lines
	require.NoError(t, h.service.SetLineQuantities(context.Background(), session.ID, lines[0].ID, 2, 1, []LotInput{
		{LotID: lot1, QtyChecked: 1, QtyOK: 1},
		{LotID: lot2, QtyChecked: 1, QtyOK: 0},
	}))
	require.NoError(t, h.service.Confirm(context.Background(), session.ID))

	stored, err := h.repo.GetSession(context.Background(), session.ID)
	require.NoError(t, err)
	okMove := h.repo.moves[*stored.PickingOKID][0]
	require.Len(t, h.repo.moveLines[okMove.ID], 1)
	require.Equal(t, lot1, *h.repo.moveLines[okMove.ID][0].LotID)
	ngMove := h.repo.moves[*stored.PickingNGID][0]
	require.Len(t, h.repo.moveLines[ngMove.ID], 1)
	require.Equal(t, lot2, *h.repo.moveLines[ngMove.ID][0].LotID)
	require.InDelta(t, 1.0, h.repo.quants[quantKey(11, srcLocation, &lot1)].Reserved, 1e-9)
	require.InDelta(t, 1.0, h.repo.quants[quantKey(11, srcLocation, &lot2)].Reserved, 1e-9)
}

func TestDuplicateLotRejected(t *testing.T) {
	h := newHarness()
	h.addProduct(11, masterdata.TrackingLot)
	h.addContractLine(201, 101, 11, 4)
	lot1 := int64(301)
	h.repo.addQuant(11, srcLocation, &lot1, 10)
	session, lines := h.newSession(t)

	require.NoError(t, h.service.SetLineQuantities(context.Background(), session.ID, lines[0].ID, 4, 4, []LotInput{
		{LotID: lot1, QtyChecked: 2, QtyOK: 2},
		{LotID: lot1, QtyChecked: 2, QtyOK: 2},
	}))
	err := h.service.Confirm(context.Background(), session.ID)
	require.ErrorIs(t, err, ErrValidation)
	require.Contains(t, err.Error(), "twice")
}

func TestCancelReleasesReservations(t *testing.T) {
	h := newHarness()
	h.addProduct(11, masterdata.TrackingNone)
	h.addContractLine(201, 101, 11, 5)
	h.repo.addQuant(11, srcLocation, nil, 10)
	session, lines := h.newSession(t)

	require.NoError(t, h.service.SetLineQuantities(context.Background(), session.ID, lines[0].ID, 5, 5, nil))
	require.NoError(t, h.service.Confirm(context.Background(), session.ID))
	require.InDelta(t, 5.0, h.repo.quants[quantKey(11, srcLocation, nil)].Reserved, 1e-9)

	require.NoError(t, h.service.Cancel(context.Background(), session.ID))

	stored, err := h.repo.GetSession(context.Background(), session.ID)
	require.NoError(t, err)
	require.Equal(t, OtkStateCancelled, stored.State)
	require.InDelta(t, 0.0, h.repo.quants[quantKey(11, srcLocation, nil)].Reserved, 1e-9)
	require.Equal(t, stock.PickingStatusCancelled, h.repo.pickings[*stored.PickingOKID].Status)
}

func TestCancelRefusedOnceDone(t *testing.T) {
	h := newHarness()
	h.addProduct(11, masterdata.TrackingNone)
	h.addContractLine(201, 101, 11, 5)
	h.repo.addQuant(11, srcLocation, nil, 10)
	session, lines := h.newSession(t)

	require.NoError(t, h.service.SetLineQuantities(context.Background(), session.ID, lines[0].ID, 5, 5, nil))
	require.NoError(t, h.service.Confirm(context.Background(), session.ID))
	h.completeTransfers(t, session.ID)

	require.ErrorIs(t, h.service.Cancel(context.Background(), session.ID), ErrInvalidState)
}
