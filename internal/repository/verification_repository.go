package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/ekyc/internal/logging"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// Verification is one submitted verification attempt.
type Verification struct {
	ID                uint      `gorm:"primaryKey" json:"-"`
	UserID            string    `gorm:"column:user_id;uniqueIndex;size:64" json:"user_id"`
	SessionID         string    `gorm:"column:session_id;index;size:64" json:"session_id"`
	IDType            string    `gorm:"column:id_type;size:32" json:"id_type"`
	VerificationScore float64   `gorm:"column:verification_score" json:"verification_score"`
	ScoreDetermined   bool      `gorm:"column:score_determined" json:"score_determined"`
	VerificationDate  time.Time `gorm:"column:verification_date" json:"verification_date"`
	Status            string    `gorm:"column:status;size:16;index" json:"status"`
	IDFrontImage      string    `gorm:"column:id_front_image;type:text" json:"id_front_image"`
	IDBackImage       string    `gorm:"column:id_back_image;type:text" json:"id_back_image"`
	SelfieImage       string    `gorm:"column:selfie_image;type:text" json:"selfie_image"`
	PortraitImage     string    `gorm:"column:portrait_image;type:text" json:"portrait_image"`
	DocumentHash      string    `gorm:"column:document_hash;size:40;index" json:"document_hash"`
	CreatedAt         time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt         time.Time `gorm:"column:updated_at" json:"updated_at"`
}

// TableName overrides the default table name.
func (Verification) TableName() string {
	return "verifications"
}

// ListFilter narrows a listing. Zero values mean no constraint.
// UserIDQuery matches any user id containing it.
type ListFilter struct {
	Status      string
	IDType      string
	UserIDQuery string
	Limit       int
	Offset      int
}

// MetricsAggregation is the raw aggregate over all records.
type MetricsAggregation struct {
	TotalCount      int64
	VerifiedCount   int64
	PendingCount    int64
	RejectedCount   int64
	DeterminedCount int64
	AverageScore    float64
}

// VerificationRepository provides persistence APIs for verification records.
// Reads are retried on transient errors; inserts are not.
type VerificationRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewVerificationRepository creates a new repository instance.
func NewVerificationRepository(db *gorm.DB, logger *zap.Logger) *VerificationRepository {
	return &VerificationRepository{
		db:             db,
		logger:         logger.Named("verification_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *VerificationRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&Verification{})
}

// Create inserts a record. A failed insert is reported and not retried.
func (r *VerificationRepository) Create(ctx context.Context, v *Verification) error {
	if err := r.db.WithContext(ctx).Create(v).Error; err != nil {
		logging.WithOperation(r.logger, "db.create.verification", v.UserID).Error("failed to persist verification", zap.Error(err))
		return logging.NewOperationError("db.create.verification", v.UserID, logging.WithKind(logging.ErrPersistence, err))
	}
	return nil
}

// List returns records newest first.
func (r *VerificationRepository) List(ctx context.Context, filter ListFilter) ([]*Verification, error) {
	var rows []*Verification
	err := r.executeWithRetry(ctx, "db.list.verifications", "", func() error {
		rows = nil
		return listQuery(r.db.WithContext(ctx), filter).Find(&rows).Error
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// FindByUserID returns the record for userID.
func (r *VerificationRepository) FindByUserID(ctx context.Context, userID string) (*Verification, error) {
	var v Verification
	err := r.executeWithRetry(ctx, "db.find.verification", userID, func() error {
		return r.db.WithContext(ctx).First(&v, "user_id = ?", userID).Error
	})
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// FindDuplicatesByHash returns other records made from the same front image.
func (r *VerificationRepository) FindDuplicatesByHash(ctx context.Context, hash, excludeUserID string) ([]*Verification, error) {
	var rows []*Verification
	err := r.executeWithRetry(ctx, "db.find.duplicates", excludeUserID, func() error {
		rows = nil
		return r.db.WithContext(ctx).
			Where("document_hash = ? AND user_id <> ?", hash, excludeUserID).
			Order("verification_date DESC").
			Find(&rows).Error
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// AggregateMetrics counts records per status and averages determined scores.
func (r *VerificationRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	var agg MetricsAggregation
	err := r.executeWithRetry(ctx, "db.aggregate.metrics", "", func() error {
		return r.db.WithContext(ctx).Model(&Verification{}).Select(
			"COUNT(*) AS total_count, " +
				"COALESCE(SUM(CASE WHEN status = 'verified' THEN 1 ELSE 0 END), 0) AS verified_count, " +
				"COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0) AS pending_count, " +
				"COALESCE(SUM(CASE WHEN status = 'rejected' THEN 1 ELSE 0 END), 0) AS rejected_count, " +
				"COALESCE(SUM(CASE WHEN score_determined THEN 1 ELSE 0 END), 0) AS determined_count, " +
				"COALESCE(AVG(CASE WHEN score_determined THEN verification_score END), 0) AS average_score",
		).Scan(&agg).Error
	})
	if err != nil {
		return nil, err
	}
	return &agg, nil
}

func listQuery(db *gorm.DB, filter ListFilter) *gorm.DB {
	query := db.Model(&Verification{})
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.IDType != "" {
		query = query.Where("id_type = ?", filter.IDType)
	}
	if q := strings.TrimSpace(filter.UserIDQuery); q != "" {
		query = query.Where("user_id LIKE ?", "%"+escapeLike(q)+"%")
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	return query.Order("verification_date DESC").Order("id DESC").Limit(limit).Offset(offset)
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

func (r *VerificationRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	if r.retryAttempts <= 1 {
		return r.wrap(operation, requestID, fn())
	}

	backoff := r.initialBackoff
	opLogger := logging.WithOperation(r.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < r.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= r.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("database operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return r.wrap(operation, requestID, err)
		}

		if !isTransientError(err) || attempt == r.retryAttempts-1 {
			opLogger.Error("database operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return r.wrap(operation, requestID, err)
		}

		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return r.wrap(operation, requestID, err)
}

func (r *VerificationRepository) wrap(operation, requestID string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return logging.NewOperationError(operation, requestID, logging.WithKind(logging.ErrNotFound, err))
	}
	return logging.NewOperationError(operation, requestID, logging.WithKind(logging.ErrPersistence, err))
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
