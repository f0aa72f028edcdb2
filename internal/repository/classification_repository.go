package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/animal-lookalike/internal/logging"
)

// ClassificationLog represents one completed relay request.
type ClassificationLog struct {
	ID          uint      `gorm:"primaryKey"`
	RequestID   string    `gorm:"column:request_id;index;size:64"`
	Filename    string    `gorm:"column:filename;size:255"`
	TopClass    string    `gorm:"column:top_class;size:64;index"`
	TopScore    float64   `gorm:"column:top_score"`
	Predictions string    `gorm:"column:predictions;type:text"`
	SHA1Hash    string    `gorm:"column:sha1_hash;size:40;index"`
	CacheHit    bool      `gorm:"column:cache_hit"`
	LatencyMs   int64     `gorm:"column:latency_ms"`
	CreatedAt   time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (ClassificationLog) TableName() string {
	return "classification_logs"
}

// ClassCount is the number of requests whose top prediction was Class.
type ClassCount struct {
	Class string
	Count int64
}

// Aggregation summarises persisted classification logs.
type Aggregation struct {
	TotalCount   int64
	CacheHits    int64
	AverageScore float64
	AverageMs    float64
	Classes      []ClassCount
}

// ClassificationRepository provides persistence APIs for classification logs.
type ClassificationRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewClassificationRepository creates a new repository instance.
func NewClassificationRepository(db *gorm.DB, logger *zap.Logger) *ClassificationRepository {
	return &ClassificationRepository{
		db:             db,
		logger:         logger.Named("classification_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *ClassificationRepository) AutoMigrate(ctx context.Context) error {
	return r.executeWithRetry(ctx, "repository.auto_migrate", "", func() error {
		return r.db.WithContext(ctx).AutoMigrate(&ClassificationLog{})
	})
}

// SaveLog persists a classification log entry.
func (r *ClassificationRepository) SaveLog(ctx context.Context, log *ClassificationLog) error {
	return r.executeWithRetry(ctx, "repository.save_log", log.RequestID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

// FindByRequestID retrieves the newest log written under requestID.
// Request ids come from clients, so several logs may share one.
func (r *ClassificationRepository) FindByRequestID(ctx context.Context, requestID string) (*ClassificationLog, error) {
	var log ClassificationLog
	err := r.executeWithRetry(ctx, "repository.find_by_request_id", requestID, func() error {
		return r.db.WithContext(ctx).
			Where("request_id = ?", requestID).
			Order("id DESC").
			Take(&log).Error
	})
	if err != nil {
		return nil, err
	}
	return &log, nil
}

// AggregateMetrics computes totals and per-class counts over all logs.
func (r *ClassificationRepository) AggregateMetrics(ctx context.Context) (*Aggregation, error) {
	var totals struct {
		TotalCount   int64
		CacheHits    int64
		AverageScore float64
		AverageMs    float64
	}
	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		return r.db.WithContext(ctx).Model(&ClassificationLog{}).
			Select("COUNT(*) AS total_count, " +
				"COALESCE(SUM(CASE WHEN cache_hit THEN 1 ELSE 0 END), 0) AS cache_hits, " +
				"COALESCE(AVG(top_score), 0) AS average_score, " +
				"COALESCE(AVG(latency_ms), 0) AS average_ms").
			Scan(&totals).Error
	})
	if err != nil {
		return nil, err
	}

	var classes []ClassCount
	err = r.executeWithRetry(ctx, "repository.aggregate_classes", "", func() error {
		return r.db.WithContext(ctx).Model(&ClassificationLog{}).
			Select("top_class AS class, COUNT(*) AS count").
			Group("top_class").
			Order("count DESC, top_class").
			Scan(&classes).Error
	})
	if err != nil {
		return nil, err
	}

	return &Aggregation{
		TotalCount:   totals.TotalCount,
		CacheHits:    totals.CacheHits,
		AverageScore: totals.AverageScore,
		AverageMs:    totals.AverageMs,
		Classes:      classes,
	}, nil
}

func (r *ClassificationRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	opLogger := logging.WithOperation(r.logger, operation, requestID)
	backoff := r.initialBackoff

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

		if errors.Is(err, gorm.ErrRecordNotFound) || !isTransientError(err) || attempt == r.retryAttempts-1 {
			break
		}
		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
	}

	if !errors.Is(err, gorm.ErrRecordNotFound) {
		opLogger.Error("database operation failed", zap.Error(err))
	}
	return logging.NewOperationError(operation, requestID, err)
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
	return errors.As(err, &temporary) && temporary.Temporary()
}
