package delivery

import (
	"errors"
	"time"
)

// Package errors.
var (
	ErrNotFound   = errors.New("delivery: not found")
	ErrValidation = errors.New("delivery: validation failed")
)

// Schedule batches a contract's receipts under one named delivery event and
// carries the customs paperwork plus the aggregate inspection outcome. One
// schedule exists per contract, created when the contract is approved.
type Schedule struct {
	ID         int64
	ContractID int64
	Name       string

	DeclarationNumber string
	DeclarationDate   *time.Time
	BillNumber        string
	CustomsFee        float64
	TransportFee      float64

	QtyOK float64
	QtyNG float64

	CreatedAt time.Time
}

// TotalFee returns the combined customs and transport fees.
func (s Schedule) TotalFee() float64 {
	return s.CustomsFee + s.TransportFee
}
