package masterdata

import "errors"

// Product tracking modes.
type Tracking string

const (
	TrackingNone   Tracking = "none"
	TrackingLot    Tracking = "lot"
	TrackingSerial Tracking = "serial"
)

// Costing methods for product categories.
type CostMethod string

const (
	CostMethodFIFO     CostMethod = "fifo"
	CostMethodStandard CostMethod = "standard"
	CostMethodAverage  CostMethod = "average"
)

// Inventory valuation modes.
type Valuation string

const (
	ValuationManual   Valuation = "manual"
	ValuationRealTime Valuation = "real_time"
)

// Package errors.
var (
	ErrNotFound   = errors.New("masterdata: not found")
	ErrValidation = errors.New("masterdata: validation failed")
)

// Product is a catalog item (lens, frame, accessory).
type Product struct {
	ID         int64
	SKU        string
	Name       string
	UoM        string
	Tracking   Tracking
	CostMethod CostMethod
	Valuation  Valuation
	Category   string
}

// IsTracked reports whether the product requires lot or serial numbers.
func (p Product) IsTracked() bool {
	return p.Tracking == TrackingLot || p.Tracking == TrackingSerial
}

// Supplier is a vendor master record.
type Supplier struct {
	ID       int64
	Code     string
	Name     string
	Currency string
	Incoterm string
}

// Company carries per-company workflow configuration. The OTK location and
// picking-type references are mandatory at setup time; the one permitted
// fallback is deriving the source location from the incoming picking type's
// default destination.
type Company struct {
	ID                    int64
	Name                  string
	Currency              string
	IncomingPickingTypeID int64
	OtkPickingTypeID      int64
	OtkSourceLocationID   int64
	OtkOKLocationID       int64
	OtkNGLocationID       int64
}

// OtkDefaults are the resolved inspection defaults for a company.
type OtkDefaults struct {
	PickingTypeID    int64
	SourceLocationID int64
	OKLocationID     int64
	NGLocationID     int64
}
