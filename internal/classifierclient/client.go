package classifierclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/example/animal-lookalike/internal/classifier"
	"github.com/example/animal-lookalike/internal/logging"
)

const maxResponseBytes = 1 << 20

type classifyRequest struct {
	ModelURL string `json:"modelUrl"`
	ImageURL string `json:"imageUrl"`
}

// NewHTTPClient returns an http.Client tuned for one-shot model calls.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			ResponseHeaderTimeout: timeout * 2 / 3,
			TLSHandshakeTimeout:   timeout / 3,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   100,
			IdleConnTimeout:       90 * time.Second,
		},
	}
}

// HTTPClassifier asks a hosted model service to classify an image URL.
type HTTPClassifier struct {
	endpoint string
	modelURL string
	client   *http.Client
	logger   *zap.Logger
}

// New returns a classifier.Client posting to endpoint with the given model.
func New(endpoint, modelURL string, client *http.Client, logger *zap.Logger) *HTTPClassifier {
	if client == nil {
		client = NewHTTPClient(30 * time.Second)
	}
	return &HTTPClassifier{
		endpoint: endpoint,
		modelURL: modelURL,
		client:   client,
		logger:   logger.Named("classifier_client"),
	}
}

var _ classifier.Client = (*HTTPClassifier)(nil)

func (c *HTTPClassifier) Classify(ctx context.Context, imageURL string) ([]classifier.Prediction, error) {
	predictions, err := c.classify(ctx, imageURL)
	if err != nil {
		wrapped := logging.NewOperationError("classifierclient.classify", "", err)
		c.logger.Error("classifier call failed", zap.Error(wrapped), zap.String("image_url", imageURL))
		return nil, wrapped
	}
	return predictions, nil
}

func (c *HTTPClassifier) classify(ctx context.Context, imageURL string) ([]classifier.Prediction, error) {
	body, err := json.Marshal(classifyRequest{ModelURL: c.modelURL, ImageURL: imageURL})
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %v", classifier.ErrClassification, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", classifier.ErrClassification, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "animal-lookalike/1.0")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: send request: %v", classifier.ErrClassification, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", classifier.ErrClassification, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: status %d: %s", classifier.ErrClassification, resp.StatusCode, truncate(payload, 200))
	}

	var predictions []classifier.Prediction
	if err := json.Unmarshal(payload, &predictions); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", classifier.ErrClassification, err)
	}
	if err := classifier.Validate(predictions); err != nil {
		return nil, err
	}

	c.logger.Debug("classifier responded", zap.String("image_url", imageURL), zap.Int("predictions", len(predictions)))
	return predictions, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
