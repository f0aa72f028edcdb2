package usecase

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"

	"github.com/example/animal-lookalike/internal/classifier"
	"github.com/example/animal-lookalike/internal/logging"
	"github.com/example/animal-lookalike/internal/repository"
	"github.com/example/animal-lookalike/internal/storage"
)

type stubClassifier struct {
	predictions []classifier.Prediction
	err         error
	urls        []string
}

func (s *stubClassifier) Classify(ctx context.Context, imageURL string) ([]classifier.Prediction, error) {
	s.urls = append(s.urls, imageURL)
	if s.err != nil {
		return nil, s.err
	}
	return s.predictions, nil
}

type stubRepository struct {
	savedLogs   []*repository.ClassificationLog
	saveErr     error
	aggregation *repository.Aggregation
	aggErr      error
}

func (s *stubRepository) SaveLog(ctx context.Context, log *repository.ClassificationLog) error {
	s.savedLogs = append(s.savedLogs, log)
	return s.saveErr
}

func (s *stubRepository) FindByRequestID(ctx context.Context, requestID string) (*repository.ClassificationLog, error) {
	for i := len(s.savedLogs) - 1; i >= 0; i-- {
		if s.savedLogs[i].RequestID == requestID {
			return s.savedLogs[i], nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (s *stubRepository) AggregateMetrics(ctx context.Context) (*repository.Aggregation, error) {
	return s.aggregation, s.aggErr
}

type stubCache struct {
	setErrs []error
	getErrs []error
	setKeys []string
	getKeys []string
}

func (s *stubCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	s.setKeys = append(s.setKeys, key)
	if len(s.setErrs) == 0 {
		return nil
	}
	err := s.setErrs[0]
	s.setErrs = s.setErrs[1:]
	return err
}

func (s *stubCache) Get(ctx context.Context, key string) (string, error) {
	s.getKeys = append(s.getKeys, key)
	if len(s.getErrs) == 0 {
		return "", redis.Nil
	}
	err := s.getErrs[0]
	s.getErrs = s.getErrs[1:]
	return "", err
}

type failingStore struct{}

func (failingStore) Put(ctx context.Context, data []byte, ext string) (*storage.StoredImage, error) {
	return nil, errors.New("disk full")
}

func (failingStore) Get(ctx context.Context, filename string) (*storage.StoredImage, []byte, error) {
	return nil, nil, storage.ErrNotFound
}

func (failingStore) Close() error { return nil }

type transientRedisError struct{}

func (transientRedisError) Error() string   { return "redis transient" }
func (transientRedisError) Timeout() bool   { return true }
func (transientRedisError) Temporary() bool { return true }

func testImage(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 2, 2))); err != nil {
		t.Fatalf("failed to encode png: %v", err)
	}
	return buf.Bytes()
}

func testURL(filename string) string {
	return "https://candy.example.app/api/download/" + filename
}

func newTestUseCase(store storage.ImageStore, client classifier.Client, opts Options) *RelayUseCase {
	uc := NewRelayUseCase(store, client, testURL, opts, zap.NewNop())
	uc.initialBackoff = time.Millisecond
	uc.maxBackoff = 2 * time.Millisecond
	return uc
}

func TestClassifyUploadRelaysPublicURL(t *testing.T) {
	store := storage.NewMemoryStore()
	client := &stubClassifier{predictions: []classifier.Prediction{
		{Class: "cat", Score: 0.3},
		{Class: "dog", Score: 0.7},
	}}
	repo := &stubRepository{}
	uc := newTestUseCase(store, client, Options{Repo: repo})

	result, err := uc.ClassifyUpload(context.Background(), "req-1", testImage(t), "photo.PNG")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}

	if !strings.HasSuffix(result.Image.Filename, ".png") {
		t.Fatalf("expected png extension, got %s", result.Image.Filename)
	}
	if len(client.urls) != 1 || client.urls[0] != testURL(result.Image.Filename) {
		t.Fatalf("unexpected classifier urls: %v", client.urls)
	}
	if result.Predictions[0].Class != "dog" {
		t.Fatalf("expected predictions sorted by score, got %+v", result.Predictions)
	}
	if result.RequestID != "req-1" {
		t.Fatalf("unexpected request id: %s", result.RequestID)
	}
	if len(repo.savedLogs) != 1 || repo.savedLogs[0].TopClass != "dog" {
		t.Fatalf("expected log with top class dog, got %+v", repo.savedLogs)
	}
}

func TestClassifyUploadGeneratesRequestID(t *testing.T) {
	uc := newTestUseCase(storage.NewMemoryStore(), &stubClassifier{predictions: []classifier.Prediction{{Class: "fox", Score: 1}}}, Options{})

	result, err := uc.ClassifyUpload(context.Background(), "", testImage(t), "capture.jpg")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if result.RequestID == "" {
		t.Fatal("expected generated request id")
	}
}

func TestClassifyUploadErrors(t *testing.T) {
	tests := []struct {
		name    string
		store   storage.ImageStore
		client  *stubClassifier
		data    []byte
		want    error
		outcome string
	}{
		{
			name:    "no file",
			store:   storage.NewMemoryStore(),
			client:  &stubClassifier{},
			want:    storage.ErrNoFile,
			outcome: OutcomeNoFile,
		},
		{
			name:    "not an image",
			store:   storage.NewMemoryStore(),
			client:  &stubClassifier{},
			data:    []byte("plain text"),
			want:    storage.ErrUnsupportedImage,
			outcome: OutcomeUnsupportedImage,
		},
		{
			name:    "store failure",
			store:   failingStore{},
			client:  &stubClassifier{},
			data:    testImage(t),
			want:    storage.ErrUploadFailed,
			outcome: OutcomeUploadFailed,
		},
		{
			name:    "classifier failure",
			store:   storage.NewMemoryStore(),
			client:  &stubClassifier{err: errors.New("connection refused")},
			data:    testImage(t),
			want:    classifier.ErrClassification,
			outcome: OutcomeClassificationFailed,
		},
		{
			name:    "score out of range",
			store:   storage.NewMemoryStore(),
			client:  &stubClassifier{predictions: []classifier.Prediction{{Class: "dog", Score: 7}}},
			data:    testImage(t),
			want:    classifier.ErrClassification,
			outcome: OutcomeClassificationFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			metrics := NewMetrics(prometheus.NewRegistry())
			uc := newTestUseCase(tt.store, tt.client, Options{Metrics: metrics})

			_, err := uc.ClassifyUpload(context.Background(), "req", tt.data, "photo.png")
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			var opErr *logging.OperationError
			if !errors.As(err, &opErr) {
				t.Fatalf("expected OperationError, got %T", err)
			}
			if got := testutil.ToFloat64(metrics.requests.WithLabelValues(tt.outcome)); got != 1 {
				t.Fatalf("expected outcome %s to be counted once, got %v", tt.outcome, got)
			}
		})
	}
}

func TestClassifyUploadUsesPredictionCache(t *testing.T) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	classifierStub := &stubClassifier{predictions: []classifier.Prediction{
		{Class: "rabbit", Score: 0.6},
		{Class: "deer", Score: 0.4},
	}}
	metrics := NewMetrics(prometheus.NewRegistry())
	uc := newTestUseCase(storage.NewMemoryStore(), classifierStub, Options{
		Cache:    NewRedisCache(client),
		CacheTTL: time.Hour,
		Metrics:  metrics,
	})

	img := testImage(t)
	first, err := uc.ClassifyUpload(context.Background(), "req-1", img, "a.png")
	if err != nil {
		t.Fatalf("first upload failed: %v", err)
	}
	second, err := uc.ClassifyUpload(context.Background(), "req-2", img, "a.png")
	if err != nil {
		t.Fatalf("second upload failed: %v", err)
	}

	if first.CacheHit || !second.CacheHit {
		t.Fatalf("expected miss then hit, got %v then %v", first.CacheHit, second.CacheHit)
	}
	if len(classifierStub.urls) != 1 {
		t.Fatalf("expected classifier to be called once, got %d", len(classifierStub.urls))
	}
	if first.Image.Filename == second.Image.Filename {
		t.Fatalf("expected distinct stored filenames, got %s twice", first.Image.Filename)
	}
	if second.Predictions[0].Class != "rabbit" {
		t.Fatalf("unexpected cached predictions: %+v", second.Predictions)
	}
	if ttl := server.TTL("animal:" + predictionCacheKey(hashOf(img))); ttl != time.Hour {
		t.Fatalf("unexpected cache ttl: %v", ttl)
	}
	if got := testutil.ToFloat64(metrics.cacheLookups.WithLabelValues("hit")); got != 1 {
		t.Fatalf("expected one cache hit, got %v", got)
	}
}

func TestClassifyUploadRetriesTransientCacheErrors(t *testing.T) {
	cache := &stubCache{
		getErrs: []error{transientRedisError{}},
		setErrs: []error{transientRedisError{}},
	}
	uc := newTestUseCase(storage.NewMemoryStore(), &stubClassifier{predictions: []classifier.Prediction{{Class: "cat", Score: 0.9}}}, Options{Cache: cache})

	if _, err := uc.ClassifyUpload(context.Background(), "req", testImage(t), "a.png"); err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if len(cache.getKeys) != 2 {
		t.Fatalf("expected get to be retried once, got %d calls", len(cache.getKeys))
	}
	if len(cache.setKeys) != 2 || cache.setKeys[0] != cache.setKeys[1] {
		t.Fatalf("expected set retry on same key, got %v", cache.setKeys)
	}
}

func TestClassifyUploadIgnoresCacheAndRepoFailures(t *testing.T) {
	cache := &stubCache{getErrs: []error{errors.New("boom")}, setErrs: []error{errors.New("boom")}}
	repo := &stubRepository{saveErr: errors.New("db down")}
	uc := newTestUseCase(storage.NewMemoryStore(), &stubClassifier{predictions: []classifier.Prediction{{Class: "cat", Score: 0.9}}}, Options{Cache: cache, Repo: repo})

	result, err := uc.ClassifyUpload(context.Background(), "req", testImage(t), "a.png")
	if err != nil {
		t.Fatalf("expected success despite collaborator failures, got %v", err)
	}
	if len(result.Predictions) != 1 {
		t.Fatalf("unexpected predictions: %+v", result.Predictions)
	}
}

func TestGetStats(t *testing.T) {
	uc := newTestUseCase(storage.NewMemoryStore(), &stubClassifier{}, Options{})
	if _, err := uc.GetStats(context.Background()); !errors.Is(err, ErrStatsUnavailable) {
		t.Fatalf("expected ErrStatsUnavailable, got %v", err)
	}

	repo := &stubRepository{aggregation: &repository.Aggregation{
		TotalCount:   4,
		CacheHits:    1,
		AverageScore: 0.8,
		Classes:      []repository.ClassCount{{Class: "dog", Count: 3}, {Class: "cat", Count: 1}},
	}}
	uc = newTestUseCase(storage.NewMemoryStore(), &stubClassifier{}, Options{Repo: repo})

	stats, err := uc.GetStats(context.Background())
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if stats.CacheHitRate != 0.25 {
		t.Fatalf("unexpected cache hit rate: %v", stats.CacheHitRate)
	}
	if stats.ClassCounts["dog"] != 3 {
		t.Fatalf("unexpected class counts: %v", stats.ClassCounts)
	}
}

func TestClassifyUploadIgnoresPoisonedCacheEntry(t *testing.T) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	img := testImage(t)
	if err := server.Set("animal:"+predictionCacheKey(hashOf(img)), `[{"class":"dog","score":42}]`); err != nil {
		t.Fatalf("failed to seed cache: %v", err)
	}

	classifierStub := &stubClassifier{predictions: []classifier.Prediction{{Class: "fox", Score: 0.8}}}
	uc := newTestUseCase(storage.NewMemoryStore(), classifierStub, Options{Cache: NewRedisCache(client)})

	result, err := uc.ClassifyUpload(context.Background(), "req", img, "a.png")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if result.CacheHit || len(classifierStub.urls) != 1 {
		t.Fatalf("expected poisoned entry to be bypassed, hit=%v calls=%d", result.CacheHit, len(classifierStub.urls))
	}
	if result.Predictions[0].Class != "fox" {
		t.Fatalf("unexpected predictions: %+v", result.Predictions)
	}
}

func TestGetResult(t *testing.T) {
	uc := newTestUseCase(storage.NewMemoryStore(), &stubClassifier{}, Options{})
	if _, err := uc.GetResult(context.Background(), "req-1"); !errors.Is(err, ErrStatsUnavailable) {
		t.Fatalf("expected ErrStatsUnavailable, got %v", err)
	}

	repo := &stubRepository{}
	client := &stubClassifier{predictions: []classifier.Prediction{{Class: "owl", Score: 0.6}}}
	uc = newTestUseCase(storage.NewMemoryStore(), client, Options{Repo: repo})

	if _, err := uc.ClassifyUpload(context.Background(), "req-1", testImage(t), "a.png"); err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}

	log, err := uc.GetResult(context.Background(), "req-1")
	if err != nil {
		t.Fatalf("expected result, got error: %v", err)
	}
	if log.TopClass != "owl" || log.RequestID != "req-1" {
		t.Fatalf("unexpected log: %+v", log)
	}

	if _, err := uc.GetResult(context.Background(), "req-2"); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound, got %v", err)
	}
}

func TestClassifyUploadLogsImageDimensions(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	client := &stubClassifier{predictions: []classifier.Prediction{{Class: "cat", Score: 0.9}}}
	uc := NewRelayUseCase(storage.NewMemoryStore(), client, testURL, Options{}, zap.New(core))

	if _, err := uc.ClassifyUpload(context.Background(), "req", testImage(t), "a.png"); err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}

	entries := logs.FilterMessage("classified upload").All()
	if len(entries) != 1 {
		t.Fatalf("expected one classified upload entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["format"] != "png" || fields["width"] != int64(2) || fields["height"] != int64(2) {
		t.Fatalf("unexpected log fields: %v", fields)
	}
}
