package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	Get(ctx context.Context, id int64) (Schedule, error)
	GetByContract(ctx context.Context, contractID int64) (Schedule, error)
	Create(ctx context.Context, s Schedule) (int64, error)
	UpdateDetails(ctx context.Context, s Schedule) error
	SetTotals(ctx context.Context, contractID int64, qtyOK, qtyNG float64) error
}

// Service manages delivery schedules.
type Service struct {
	repo   RepositoryPort
	logger *slog.Logger
}

// NewService constructs the delivery service.
func NewService(repo RepositoryPort, logger *slog.Logger) *Service {
	return &Service{repo: repo, logger: logger}
}

// EnsureForContract creates the contract's schedule if none exists. Called
// when a contract is approved; calling it again is a no-op.
func (s *Service) EnsureForContract(ctx context.Context, contractID int64, name string) error {
	_, err := s.repo.Create(ctx, Schedule{ContractID: contractID, Name: "DL " + name})
	return err
}

// Get returns a schedule by id.
func (s *Service) Get(ctx context.Context, id int64) (Schedule, error) {
	return s.repo.Get(ctx, id)
}

// GetByContract returns the contract's schedule.
func (s *Service) GetByContract(ctx context.Context, contractID int64) (Schedule, error) {
	return s.repo.GetByContract(ctx, contractID)
}

// DetailsInput carries the customs paperwork of a delivery.
type DetailsInput struct {
	DeclarationNumber string
	DeclarationDate   *time.Time
	BillNumber        string
	CustomsFee        float64
	TransportFee      float64
}

// UpdateDetails records the customs declaration and fees of a schedule.
func (s *Service) UpdateDetails(ctx context.Context, id int64, input DetailsInput) (Schedule, error) {
	if input.CustomsFee < 0 || input.TransportFee < 0 {
		return Schedule{}, fmt.Errorf("%w: fees must not be negative", ErrValidation)
	}
	schedule, err := s.repo.Get(ctx, id)
	if err != nil {
		return Schedule{}, err
	}
	schedule.DeclarationNumber = input.DeclarationNumber
	schedule.DeclarationDate = input.DeclarationDate
	schedule.BillNumber = input.BillNumber
	schedule.CustomsFee = input.CustomsFee
	schedule.TransportFee = input.TransportFee
	if err := s.repo.UpdateDetails(ctx, schedule); err != nil {
		return Schedule{}, err
	}
	return schedule, nil
}

// RecordInspectionTotals mirrors the contract's aggregate OK/NG outcome onto
// its schedule. Contracts inspected before approval created a schedule have
// nothing to update; that is not an error.
func (s *Service) RecordInspectionTotals(ctx context.Context, contractID int64, ok, ng float64) error {
	err := s.repo.SetTotals(ctx, contractID, ok, ng)
	if errors.Is(err, ErrNotFound) {
		s.logger.Warn("no delivery schedule for inspected contract", slog.Int64("contract_id", contractID))
		return nil
	}
	return err
}
