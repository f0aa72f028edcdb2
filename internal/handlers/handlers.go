package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/animal-lookalike/internal/auth"
	"github.com/example/animal-lookalike/internal/classifier"
	"github.com/example/animal-lookalike/internal/logging"
	"github.com/example/animal-lookalike/internal/repository"
	"github.com/example/animal-lookalike/internal/storage"
	"github.com/example/animal-lookalike/internal/usecase"
)

// MaxUploadSize is the default limit for one uploaded image.
const MaxUploadSize = 10 << 20

// DefaultDownloadPath is where stored images are served when Options leaves it empty.
const DefaultDownloadPath = "/api/download/"

// multipartOverhead is the body allowance on top of the file itself.
const multipartOverhead = 1 << 20

// Relay is the use case surface the HTTP layer depends on.
type Relay interface {
	ClassifyUpload(ctx context.Context, requestID string, imageBytes []byte, originalName string) (*usecase.Result, error)
	GetStats(ctx context.Context) (*usecase.StatsSummary, error)
	GetResult(ctx context.Context, requestID string) (*repository.ClassificationLog, error)
}

// Options configures RegisterRoutes.
type Options struct {
	MaxUploadBytes int64
	// DownloadPath prefixes the image route and must match the public image URLs.
	DownloadPath string
	// Metrics serves /metrics when set.
	Metrics http.Handler
	// StatsMiddleware guards /api/stats and /api/result/:id, e.g. auth.JWTMiddleware.
	StatsMiddleware []gin.HandlerFunc
}

type handler struct {
	relay          Relay
	store          storage.ImageStore
	logger         *zap.Logger
	maxUploadBytes int64
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, relay Relay, store storage.ImageStore, logger *zap.Logger, opts Options) {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = MaxUploadSize
	}
	if opts.DownloadPath == "" {
		opts.DownloadPath = DefaultDownloadPath
	}
	h := &handler{
		relay:          relay,
		store:          store,
		logger:         logger.Named("handlers"),
		maxUploadBytes: opts.MaxUploadBytes,
	}

	router.HandleMethodNotAllowed = true
	router.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, gin.H{"error": "Method not allowed"})
	})
	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	})

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if opts.Metrics != nil {
		router.GET("/metrics", gin.WrapH(opts.Metrics))
	}

	router.GET(opts.DownloadPath+":filename", h.download)

	api := router.Group("/api")
	api.POST("/animal", h.classify)
	guarded := func(final gin.HandlerFunc) []gin.HandlerFunc {
		chain := make([]gin.HandlerFunc, 0, len(opts.StatsMiddleware)+1)
		return append(append(chain, opts.StatsMiddleware...), final)
	}
	api.GET("/stats", guarded(h.stats)...)
	api.GET("/result/:id", guarded(h.result)...)
}

func (h *handler) classify(c *gin.Context) {
	requestID := c.GetString(logging.RequestIDKey)

	if c.Request.ContentLength > h.maxUploadBytes+multipartOverhead {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "File too large"})
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes+multipartOverhead)

	file, err := c.FormFile("image")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "File too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "No file uploaded"})
		return
	}
	if file.Size > h.maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "File too large"})
		return
	}

	src, err := file.Open()
	if err != nil {
		h.logger.Error("unable to open upload", zap.String("request_id", requestID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "File upload failed"})
		return
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		h.logger.Error("unable to read upload", zap.String("request_id", requestID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "File upload failed"})
		return
	}

	result, err := h.relay.ClassifyUpload(c.Request.Context(), requestID, data, file.Filename)
	if err != nil {
		_ = c.Error(err)
		status, message := classifyErrorResponse(err)
		if op, ok := logging.OperationOf(err); ok {
			c.Header("X-Failed-Operation", op)
		}
		c.JSON(status, gin.H{"error": message})
		return
	}

	predictions := result.Predictions
	if predictions == nil {
		predictions = []classifier.Prediction{}
	}
	c.JSON(http.StatusOK, predictions)
}

func classifyErrorResponse(err error) (int, string) {
	switch {
	case errors.Is(err, storage.ErrNoFile):
		return http.StatusBadRequest, "No file uploaded"
	case errors.Is(err, storage.ErrUnsupportedImage):
		return http.StatusUnsupportedMediaType, "Unsupported image type"
	case errors.Is(err, classifier.ErrClassification):
		return http.StatusInternalServerError, "Classification failed"
	default:
		return http.StatusInternalServerError, "File upload failed"
	}
}

func (h *handler) download(c *gin.Context) {
	filename := c.Param("filename")

	if opener, ok := h.store.(storage.Opener); ok {
		image, body, err := opener.Open(c.Request.Context(), filename)
		if err != nil {
			h.downloadFailed(c, filename, err)
			return
		}
		defer body.Close()
		c.DataFromReader(http.StatusOK, image.Size, image.ContentType, body, nil)
		return
	}

	image, data, err := h.store.Get(c.Request.Context(), filename)
	if err != nil {
		h.downloadFailed(c, filename, err)
		return
	}
	c.Data(http.StatusOK, image.ContentType, data)
}

func (h *handler) downloadFailed(c *gin.Context, filename string, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Image not found"})
		return
	}
	h.logger.Error("failed to read stored image",
		zap.String("request_id", c.GetString(logging.RequestIDKey)),
		zap.String("filename", filename),
		zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read image"})
}

func (h *handler) stats(c *gin.Context) {
	if subject, ok := auth.GetSubject(c.Request.Context()); ok {
		h.logger.Info("stats requested",
			zap.String("request_id", c.GetString(logging.RequestIDKey)),
			zap.String("subject", subject))
	}

	summary, err := h.relay.GetStats(c.Request.Context())
	if err != nil {
		if errors.Is(err, usecase.ErrStatsUnavailable) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Stats unavailable"})
			return
		}
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load stats"})
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *handler) result(c *gin.Context) {
	log, err := h.relay.GetResult(c.Request.Context(), c.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, usecase.ErrStatsUnavailable):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Stats unavailable"})
		case errors.Is(err, gorm.ErrRecordNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Result not found"})
		default:
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load result"})
		}
		return
	}

	predictions := json.RawMessage(log.Predictions)
	if !json.Valid(predictions) {
		predictions = json.RawMessage("[]")
	}
	c.JSON(http.StatusOK, gin.H{
		"request_id":  log.RequestID,
		"filename":    log.Filename,
		"top_class":   log.TopClass,
		"top_score":   log.TopScore,
		"predictions": predictions,
		"cache_hit":   log.CacheHit,
		"latency_ms":  log.LatencyMs,
		"created_at":  log.CreatedAt,
	})
}
