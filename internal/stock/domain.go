package stock

import "errors"

// Picking document statuses.
type PickingStatus string

const (
	PickingStatusDraft     PickingStatus = "draft"
	PickingStatusConfirmed PickingStatus = "confirmed"
	PickingStatusAssigned  PickingStatus = "assigned"
	PickingStatusDone      PickingStatus = "done"
	PickingStatusCancelled PickingStatus = "cancel"
)

// Picking type codes.
type PickingCode string

const (
	PickingCodeIncoming PickingCode = "incoming"
	PickingCodeInternal PickingCode = "internal"
)

// Location usage kinds.
type LocationUsage string

const (
	LocationUsageInternal LocationUsage = "internal"
	LocationUsageSupplier LocationUsage = "supplier"
)

// Package errors.
var (
	ErrNotFound     = errors.New("stock: not found")
	ErrInvalidState = errors.New("stock: invalid state")
	ErrValidation   = errors.New("stock: validation failed")
	ErrEmptyReceipt = errors.New("stock: no move has a done quantity")
)

// Location is a physical or virtual stock location.
type Location struct {
	ID        int64
	CompanyID int64
	Name      string
	Usage     LocationUsage
}

// PickingType describes an operation kind (incoming receipt, internal transfer).
type PickingType struct {
	ID                    int64
	CompanyID             int64
	Name                  string
	Code                  PickingCode
	DefaultSrcLocationID  int64
	DefaultDestLocationID int64
	SequencePrefix        string
}

// Lot is a lot or serial number for a tracked product.
type Lot struct {
	ID        int64
	ProductID int64
	Name      string
}

// Picking is a warehouse transfer document.
type Picking struct {
	ID             int64
	Number         string
	CompanyID      int64
	PickingTypeID  int64
	Code           PickingCode
	SrcLocationID  int64
	DestLocationID int64
	POID           *int64
	ContractID     *int64
	BackorderOfID  *int64
	Status         PickingStatus
}

// IsPending reports whether the picking can still receive goods.
func (p Picking) IsPending() bool {
	return p.Status != PickingStatusDone && p.Status != PickingStatusCancelled
}

// Move is one product demand line on a picking.
type Move struct {
	ID         int64
	PickingID  int64
	ProductID  int64
	POLineID   *int64
	ContractID *int64
	DemandQty  float64
	DoneQty    float64
	Reserved   float64
}

// Remaining returns the outstanding demand on the move.
func (m Move) Remaining() float64 {
	remaining := m.DemandQty - m.DoneQty
	if remaining < 0 {
		return 0
	}
	return remaining
}

// MoveLine is a per-lot detail row under a move.
type MoveLine struct {
	ID    int64
	MoveID int64
	LotID *int64
	Qty   float64
}

// Quant is the on-hand quantity of a product at a location, optionally per lot.
type Quant struct {
	ID         int64
	ProductID  int64
	LocationID int64
	LotID      *int64
	Quantity   float64
	Reserved   float64
}

// Available returns the unreserved quantity on the quant.
func (q Quant) Available() float64 {
	available := q.Quantity - q.Reserved
	if available < 0 {
		return 0
	}
	return available
}
