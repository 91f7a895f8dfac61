package contracts

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Contract lifecycle states.
type ContractState string

const (
	ContractStateDraft             ContractState = "draft"
	ContractStateWaiting           ContractState = "waiting"
	ContractStateRevisionRequested ContractState = "revision_requested"
	ContractStateApproved          ContractState = "approved"
	ContractStateCancelled         ContractState = "cancel"
)

// Derived delivery progress states.
type DeliveryState string

const (
	DeliveryStateExpected         DeliveryState = "expected"
	DeliveryStateConfirmedArrival DeliveryState = "confirmed_arrival"
	DeliveryStatePartial          DeliveryState = "partial"
	DeliveryStateDone             DeliveryState = "done"
	DeliveryStateCancelled        DeliveryState = "cancel"
)

// Package errors.
var (
	ErrNotFound      = errors.New("contracts: not found")
	ErrInvalidState  = errors.New("contracts: invalid state")
	ErrValidation    = errors.New("contracts: validation failed")
	ErrPOLineClaimed = errors.New("contracts: po line already claimed by another contract")
)

// ValuationError reports every product failing the FIFO/real-time valuation
// precondition in one message, so the user gets the full remediation list.
type ValuationError struct {
	Products []string
}

func (e *ValuationError) Error() string {
	var b strings.Builder
	b.WriteString("contracts: products must use FIFO costing with automated valuation:\n")
	for _, p := range e.Products {
		fmt.Fprintf(&b, "- %s\n", p)
	}
	return b.String()
}

// Unwrap lets callers treat a valuation failure as a validation error.
func (e *ValuationError) Unwrap() error {
	return ErrValidation
}

// Contract is the aggregate root of the purchase workflow.
type Contract struct {
	ID            int64
	RefID         uuid.UUID
	Number        string
	Name          string
	SupplierID    int64
	CompanyID     int64
	Currency      string
	Incoterm      string
	ContractType  string
	State         ContractState
	DeliveryState DeliveryState

	SignDate        *time.Time
	ShipmentDate    *time.Time
	PortLoading     string
	PortDischarge   string
	PartialShipment bool
	Packing         string
	QualityNotes    string

	ApprovedBy int64
	ApprovedAt *time.Time
}

// IsTerminal reports whether no further state transition is possible.
func (c Contract) IsTerminal() bool {
	return c.State == ContractStateCancelled
}

// ContractLine allocates part of a PO line's quantity to a contract.
type ContractLine struct {
	ID          int64
	ContractID  int64
	POID        int64
	POLineID    int64
	ProductID   int64
	UoM         string
	Currency    string
	ProductQty  float64
	QtyContract float64
	QtyReceived float64
	Price       float64
}

// QtyRemaining returns ordered minus received, clamped at zero.
func (l ContractLine) QtyRemaining() float64 {
	remaining := l.ProductQty - l.QtyReceived
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Amount returns the line total.
func (l ContractLine) Amount() float64 {
	return l.QtyContract * l.Price
}

// ComputeDeliveryState derives the delivery progress of a contract from its
// line fulfillment and receipt history. The ordering is a priority cascade:
// done trumps partial trumps confirmed_arrival trumps expected.
func ComputeDeliveryState(state ContractState, lines []ContractLine, hasDoneReceipt bool) DeliveryState {
	if state == ContractStateCancelled {
		return DeliveryStateCancelled
	}
	var eligible []ContractLine
	for _, line := range lines {
		if line.POLineID != 0 && line.QtyContract > 0 {
			eligible = append(eligible, line)
		}
	}
	if len(eligible) > 0 {
		allDone := true
		anyReceived := false
		for _, line := range eligible {
			if line.QtyReceived < line.QtyContract {
				allDone = false
			}
			if line.QtyReceived > 0 {
				anyReceived = true
			}
		}
		if allDone {
			return DeliveryStateDone
		}
		if anyReceived {
			return DeliveryStatePartial
		}
	}
	if hasDoneReceipt {
		return DeliveryStateConfirmedArrival
	}
	return DeliveryStateExpected
}
