package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/medscan/internal/logging"
	"github.com/example/medscan/internal/retry"
)

// ScanLog is one finished upload kept for operators. Cause holds the
// transport error text that users never see.
type ScanLog struct {
	ID        uint      `gorm:"primaryKey"`
	RequestID string    `gorm:"column:request_id;uniqueIndex;size:64"`
	SessionID string    `gorm:"column:session_id;index;size:64"`
	Sequence  uint64    `gorm:"column:sequence"`
	Outcome   string    `gorm:"column:outcome;index;size:16"`
	Medicine  string    `gorm:"column:medicine;size:255"`
	Message   string    `gorm:"column:message;type:text"`
	Cause     string    `gorm:"column:cause;type:text"`
	ImageSHA1 string    `gorm:"column:image_sha1;index;size:40"`
	ImageSize int64     `gorm:"column:image_size"`
	Stale     bool      `gorm:"column:stale"`
	LatencyMs int64     `gorm:"column:latency_ms"`
	CreatedAt time.Time `gorm:"column:created_at;index"`
}

func (ScanLog) TableName() string {
	return "scan_logs"
}

// OutcomeCount is one row of the outcome aggregation.
type OutcomeCount struct {
	Outcome          string
	Count            int64
	AverageLatencyMs float64
}

// ScanRepository persists scan logs through gorm.
type ScanRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

func NewScanRepository(db *gorm.DB, logger *zap.Logger) *ScanRepository {
	return &ScanRepository{
		db:             db,
		logger:         logger.Named("scan_repository"),
		retryAttempts:  retry.Default.Attempts,
		initialBackoff: retry.Default.InitialBackoff,
		maxBackoff:     retry.Default.MaxBackoff,
	}
}

// AutoMigrate ensures the schema is available.
func (r *ScanRepository) AutoMigrate(ctx context.Context) error {
	return r.executeWithRetry(ctx, "repository.auto_migrate", "", func() error {
		return r.db.WithContext(ctx).AutoMigrate(&ScanLog{})
	})
}

func (r *ScanRepository) SaveLog(ctx context.Context, log *ScanLog) error {
	return r.executeWithRetry(ctx, "repository.save_log", log.RequestID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

func (r *ScanRepository) FindByRequestID(ctx context.Context, requestID string) (*ScanLog, error) {
	var log ScanLog
	err := r.executeWithRetry(ctx, "repository.find_by_request_id", requestID, func() error {
		return r.db.WithContext(ctx).First(&log, "request_id = ?", requestID).Error
	})
	if err != nil {
		return nil, err
	}
	return &log, nil
}

// ListRecent returns the newest logs first.
func (r *ScanRepository) ListRecent(ctx context.Context, limit int) ([]*ScanLog, error) {
	var logs []*ScanLog
	err := r.executeWithRetry(ctx, "repository.list_recent", "", func() error {
		return r.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&logs).Error
	})
	if err != nil {
		return nil, err
	}
	return logs, nil
}

// CountByOutcome aggregates logs per outcome.
func (r *ScanRepository) CountByOutcome(ctx context.Context) ([]OutcomeCount, error) {
	var rows []OutcomeCount
	err := r.executeWithRetry(ctx, "repository.count_by_outcome", "", func() error {
		return r.db.WithContext(ctx).
			Model(&ScanLog{}).
			Select("outcome, COUNT(*) AS count, COALESCE(AVG(latency_ms), 0) AS average_latency_ms").
			Group("outcome").
			Scan(&rows).Error
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// executeWithRetry retries transient failures. A missing row is a miss,
// not a failure: it is returned without retrying or error logging.
func (r *ScanRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	policy := retry.Policy{Attempts: r.retryAttempts, InitialBackoff: r.initialBackoff, MaxBackoff: r.maxBackoff}

	var notFound bool
	err := retry.Do(ctx, policy, r.logger, operation, requestID, func() error {
		notFound = false
		err := fn()
		if errors.Is(err, gorm.ErrRecordNotFound) {
			notFound = true
			return nil
		}
		return err
	})
	if err == nil && notFound {
		return logging.NewOperationError(operation, requestID, gorm.ErrRecordNotFound)
	}
	return err
}
