package inspection

import "errors"

// Inspection session statuses.
type OtkState string

const (
	OtkStateDraft     OtkState = "draft"
	OtkStateConfirmed OtkState = "confirmed"
	OtkStateDone      OtkState = "done"
	OtkStateCancelled OtkState = "cancel"
)

// Package errors.
var (
	ErrNotFound     = errors.New("inspection: not found")
	ErrInvalidState = errors.New("inspection: invalid state")
	ErrValidation   = errors.New("inspection: validation failed")
)

// OtkSession is one quality inspection event against a contract. A contract
// can be inspected across several partial sessions; the per-contract Sequence
// orders them independently of the global document number.
type OtkSession struct {
	ID         int64
	ContractID int64
	CompanyID  int64
	Number     string
	Sequence   int
	State      OtkState

	SourceLocationID int64
	OKLocationID     int64
	NGLocationID     int64
	PickingTypeID    int64

	PickingOKID *int64
	PickingNGID *int64
}

// IsPending reports whether the session can still be cancelled.
func (s OtkSession) IsPending() bool {
	return s.State == OtkStateDraft || s.State == OtkStateConfirmed
}

// OtkLine is the inspection record of one claimed PO line in a session.
type OtkLine struct {
	ID             int64
	SessionID      int64
	ContractLineID int64
	POLineID       int64
	ProductID      int64
	UoM            string
	QtyContract    float64
	QtyChecked     float64
	QtyOK          float64
}

// QtyNG returns the rejected quantity, checked minus ok.
func (l OtkLine) QtyNG() float64 {
	return l.QtyChecked - l.QtyOK
}

// HasActivity reports whether the line was inspected at all this session.
func (l OtkLine) HasActivity() bool {
	return l.QtyChecked > 0 || l.QtyOK > 0
}

// OtkLineLot is the per-lot breakdown of an inspected tracked product. For
// serial-tracked products each row covers exactly one unit.
type OtkLineLot struct {
	ID         int64
	LineID     int64
	LotID      int64
	QtyChecked float64
	QtyOK      float64
}

// QtyNG returns the rejected quantity of the lot row.
func (l OtkLineLot) QtyNG() float64 {
	return l.QtyChecked - l.QtyOK
}

// Rollup carries the cross-session totals of one line. Before sums the
// checked quantity of the contract+PO-line pair across all other sessions
// already done; After adds this session's own checked quantity.
type Rollup struct {
	Before float64 `json:"qty_checked_total_before"`
	After  float64 `json:"qty_checked_total_after"`
	Short  float64 `json:"qty_short"`
	Excess float64 `json:"qty_excess"`
}

// ComputeRollup derives the running totals for a line. Short and excess are
// mutually exclusive: at most one of them is positive.
func ComputeRollup(qtyContract, before, checked float64) Rollup {
	after := before + checked
	r := Rollup{Before: before, After: after}
	if short := qtyContract - after; short > 0 {
		r.Short = short
	}
	if excess := after - qtyContract; excess > 0 {
		r.Excess = excess
	}
	return r
}
