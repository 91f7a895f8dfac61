package purchasing

import "errors"

// Purchase order lifecycle statuses.
type POStatus string

const (
	POStatusDraft     POStatus = "draft"
	POStatusConfirmed POStatus = "confirmed"
	POStatusCancelled POStatus = "cancel"
)

// Package errors.
var (
	ErrNotFound     = errors.New("purchasing: not found")
	ErrInvalidState = errors.New("purchasing: invalid state")
	ErrValidation   = errors.New("purchasing: validation failed")
)

// PurchaseOrder is a vendor order.
type PurchaseOrder struct {
	ID         int64
	Number     string
	SupplierID int64
	CompanyID  int64
	Currency   string
	Incoterm   string
	Status     POStatus
}

// POLine is one ordered product on a purchase order.
type POLine struct {
	ID          int64
	POID        int64
	ProductID   int64
	UoM         string
	OrderedQty  float64
	ReceivedQty float64
	Price       float64
}

// Remaining returns ordered minus received, clamped at zero.
func (l POLine) Remaining() float64 {
	remaining := l.OrderedQty - l.ReceivedQty
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Amount returns the line total.
func (l POLine) Amount() float64 {
	return l.OrderedQty * l.Price
}
