package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/animal-lookalike/internal/classifier"
	"github.com/example/animal-lookalike/internal/logging"
	"github.com/example/animal-lookalike/internal/repository"
	"github.com/example/animal-lookalike/internal/storage"
)

// ClassificationRepository defines the persistence operations needed by the use case.
type ClassificationRepository interface {
	SaveLog(ctx context.Context, log *repository.ClassificationLog) error
	FindByRequestID(ctx context.Context, requestID string) (*repository.ClassificationLog, error)
	AggregateMetrics(ctx context.Context) (*repository.Aggregation, error)
}

// URLBuilder turns a stored filename into the URL the classifier fetches.
type URLBuilder func(filename string) string

// Options carries the optional collaborators of RelayUseCase.
type Options struct {
	Cache    Cache
	CacheTTL time.Duration
	Repo     ClassificationRepository
	Metrics  *Metrics
	// ClassifierTimeout bounds the external call; zero means no extra bound.
	ClassifierTimeout time.Duration
}

// RelayUseCase stores an upload and relays its public URL to the classifier.
type RelayUseCase struct {
	store             storage.ImageStore
	classifier        classifier.Client
	imageURL          URLBuilder
	cache             Cache
	cacheTTL          time.Duration
	repo              ClassificationRepository
	metrics           *Metrics
	classifierTimeout time.Duration
	logger            *zap.Logger
	retryAttempts     int
	initialBackoff    time.Duration
	maxBackoff        time.Duration
	now               func() time.Time
}

// Result is the outcome of one relay request.
type Result struct {
	RequestID   string
	Image       *storage.StoredImage
	Predictions []classifier.Prediction
	CacheHit    bool
}

// NewRelayUseCase constructs a new use case instance.
func NewRelayUseCase(store storage.ImageStore, client classifier.Client, imageURL URLBuilder, opts Options, logger *zap.Logger) *RelayUseCase {
	return &RelayUseCase{
		store:             store,
		classifier:        client,
		imageURL:          imageURL,
		cache:             opts.Cache,
		cacheTTL:          opts.CacheTTL,
		repo:              opts.Repo,
		metrics:           opts.Metrics,
		classifierTimeout: opts.ClassifierTimeout,
		logger:            logger.Named("relay_usecase"),
		retryAttempts:     3,
		initialBackoff:    50 * time.Millisecond,
		maxBackoff:        time.Second,
		now:               time.Now,
	}
}

// ClassifyUpload persists the image, asks the classifier about its public URL
// and returns predictions ordered by descending score.
func (uc *RelayUseCase) ClassifyUpload(ctx context.Context, requestID string, imageBytes []byte, originalName string) (*Result, error) {
	if requestID == "" {
		requestID = uuid.NewString()
	}
	opLogger := logging.WithOperation(uc.logger, "usecase.classify_upload", requestID)
	start := uc.now()

	if len(imageBytes) == 0 {
		uc.metrics.observeOutcome(OutcomeNoFile)
		return nil, logging.NewOperationError("usecase.read_upload", requestID, storage.ErrNoFile)
	}

	info, err := storage.Sniff(imageBytes)
	if err != nil {
		uc.metrics.observeOutcome(OutcomeUnsupportedImage)
		opLogger.Warn("rejected upload",
			zap.Error(err),
			zap.String("original_name", originalName),
			zap.Int("size", len(imageBytes)),
		)
		return nil, logging.NewOperationError("usecase.sniff_image", requestID, err)
	}

	stored, err := uc.store.Put(ctx, imageBytes, storage.ResolveExt(filepath.Ext(originalName), info))
	if err != nil {
		if !errors.Is(err, storage.ErrNoFile) && !errors.Is(err, storage.ErrUploadFailed) {
			err = fmt.Errorf("%w: %v", storage.ErrUploadFailed, err)
		}
		wrapped := logging.NewOperationError("usecase.store_image", requestID, err)
		uc.metrics.observeOutcome(OutcomeUploadFailed)
		opLogger.Error("failed to store upload", zap.Error(wrapped))
		return nil, wrapped
	}
	opLogger = opLogger.With(
		zap.String("filename", stored.Filename),
		zap.String("format", info.Format),
		zap.Int("width", info.Width),
		zap.Int("height", info.Height),
	)

	hashHex := hashOf(imageBytes)

	predictions, hit := uc.cachedPredictions(ctx, requestID, hashHex)
	if uc.cache != nil {
		uc.metrics.observeCache(hit)
	}
	if !hit {
		predictions, err = uc.classify(ctx, uc.imageURL(stored.Filename))
		if err != nil {
			wrapped := logging.NewOperationError("usecase.classify", requestID, err)
			uc.metrics.observeOutcome(OutcomeClassificationFailed)
			opLogger.Error("classification failed", zap.Error(wrapped))
			return nil, wrapped
		}
		uc.storePredictions(ctx, requestID, hashHex, predictions)
	}

	predictions = classifier.SortByScore(predictions)
	top, _ := classifier.Top(predictions)
	latency := uc.now().Sub(start)

	uc.record(ctx, requestID, stored.Filename, hashHex, top, predictions, hit, latency)
	uc.metrics.observeOutcome(OutcomeSuccess)
	uc.metrics.observeTopClass(top.Class)

	opLogger.Info("classified upload",
		zap.String("top_class", top.Class),
		zap.Float64("top_score", top.Score),
		zap.Bool("cache_hit", hit),
		zap.Duration("latency", latency),
	)

	return &Result{
		RequestID:   requestID,
		Image:       stored,
		Predictions: predictions,
		CacheHit:    hit,
	}, nil
}

// GetResult returns the classification log recorded for requestID.
func (uc *RelayUseCase) GetResult(ctx context.Context, requestID string) (*repository.ClassificationLog, error) {
	if uc.repo == nil {
		return nil, ErrStatsUnavailable
	}
	return uc.repo.FindByRequestID(ctx, requestID)
}

func (uc *RelayUseCase) classify(ctx context.Context, imageURL string) ([]classifier.Prediction, error) {
	if uc.classifierTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, uc.classifierTimeout)
		defer cancel()
	}

	start := uc.now()
	predictions, err := uc.classifier.Classify(ctx, imageURL)
	uc.metrics.observeClassifier(uc.now().Sub(start).Seconds())
	if err != nil {
		if !errors.Is(err, classifier.ErrClassification) {
			err = fmt.Errorf("%w: %v", classifier.ErrClassification, err)
		}
		return nil, err
	}
	if err := classifier.Validate(predictions); err != nil {
		return nil, err
	}
	return predictions, nil
}

// cachedPredictions reports a hit only for a decodable, valid cache entry.
func (uc *RelayUseCase) cachedPredictions(ctx context.Context, requestID, hash string) ([]classifier.Prediction, bool) {
	if uc.cache == nil {
		return nil, false
	}

	opLogger := logging.WithOperation(uc.logger, "cache.get.predictions", requestID)
	var cached string
	err := uc.withRedisRetry(ctx, requestID, "cache.get.predictions", func() error {
		value, err := uc.cache.Get(ctx, predictionCacheKey(hash))
		if err != nil {
			return err
		}
		cached = value
		return nil
	})
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			opLogger.Warn("failed to read cache", zap.Error(err))
		}
		return nil, false
	}

	predictions, err := decodePredictions(cached)
	if err != nil {
		opLogger.Warn("ignoring unusable cached predictions", zap.Error(err))
		return nil, false
	}
	return predictions, true
}

func (uc *RelayUseCase) storePredictions(ctx context.Context, requestID, hash string, predictions []classifier.Prediction) {
	if uc.cache == nil || len(predictions) == 0 {
		return
	}

	serialized, err := encodePredictions(predictions)
	if err != nil {
		logging.WithOperation(uc.logger, "cache.set.predictions", requestID).Warn("failed to serialize predictions", zap.Error(err))
		return
	}
	if err := uc.withRedisRetry(ctx, requestID, "cache.set.predictions", func() error {
		return uc.cache.Set(ctx, predictionCacheKey(hash), serialized, uc.cacheTTL)
	}); err != nil {
		logging.WithOperation(uc.logger, "cache.set.predictions", requestID).Warn("failed to cache predictions", zap.Error(err))
	}
}

func (uc *RelayUseCase) record(ctx context.Context, requestID, filename, hash string, top classifier.Prediction, predictions []classifier.Prediction, hit bool, latency time.Duration) {
	if uc.repo == nil {
		return
	}

	serialized, err := json.Marshal(predictions)
	if err != nil {
		serialized = []byte("[]")
	}
	log := &repository.ClassificationLog{
		RequestID:   requestID,
		Filename:    filename,
		TopClass:    top.Class,
		TopScore:    top.Score,
		Predictions: string(serialized),
		SHA1Hash:    hash,
		CacheHit:    hit,
		LatencyMs:   latency.Milliseconds(),
		CreatedAt:   uc.now().UTC(),
	}
	if err := uc.repo.SaveLog(ctx, log); err != nil {
		logging.WithOperation(uc.logger, "usecase.save_log", requestID).Warn("failed to persist classification log", zap.Error(err))
	}
}

func (uc *RelayUseCase) withRedisRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	if uc.retryAttempts <= 1 {
		return logging.NewOperationError(operation, requestID, fn())
	}

	backoff := uc.initialBackoff
	opLogger := logging.WithOperation(uc.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < uc.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= uc.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if errors.Is(err, redis.Nil) || !isTransientError(err) || attempt == uc.retryAttempts-1 {
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
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
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}

func hashOf(data []byte) string {
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:])
}
