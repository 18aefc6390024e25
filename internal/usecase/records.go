package usecase

import (
	"context"
	"fmt"

	"github.com/example/ekyc/internal/logging"
	"github.com/example/ekyc/internal/repository"
	"github.com/example/ekyc/internal/scoring"
	"github.com/example/ekyc/internal/session"
)

// DuplicateReport lists other records made from the same document image.
type DuplicateReport struct {
	Record     *repository.Verification   `json:"record"`
	Duplicates []*repository.Verification `json:"duplicates"`
}

// ListVerifications returns stored records, newest first.
func (uc *VerificationUseCase) ListVerifications(ctx context.Context, filter repository.ListFilter) ([]*repository.Verification, error) {
	if filter.Status != "" && !scoring.Status(filter.Status).Valid() {
		return nil, logging.NewOperationError("usecase.list_verifications", "", logging.WithKind(logging.ErrValidation, fmt.Errorf("unknown status %q", filter.Status)))
	}
	if filter.IDType != "" && !session.DocumentType(filter.IDType).Valid() {
		return nil, logging.NewOperationError("usecase.list_verifications", "", logging.WithKind(logging.ErrValidation, fmt.Errorf("unknown id type %q", filter.IDType)))
	}
	rows, err := uc.repo.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []*repository.Verification{}
	}
	return rows, nil
}

// GetVerification returns one stored record.
func (uc *VerificationUseCase) GetVerification(ctx context.Context, userID string) (*repository.Verification, error) {
	return uc.repo.FindByUserID(ctx, userID)
}

// GetDuplicateReport builds a duplicate detection report for a record.
func (uc *VerificationUseCase) GetDuplicateReport(ctx context.Context, userID string) (*DuplicateReport, error) {
	record, err := uc.repo.FindByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}

	duplicates, err := uc.repo.FindDuplicatesByHash(ctx, record.DocumentHash, record.UserID)
	if err != nil {
		return nil, err
	}
	if duplicates == nil {
		duplicates = []*repository.Verification{}
	}

	return &DuplicateReport{
		Record:     record,
		Duplicates: duplicates,
	}, nil
}
