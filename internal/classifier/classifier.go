package classifier

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
)

// ErrClassification marks any failure of the external classifier.
var ErrClassification = errors.New("classification failed")

// Prediction is one label/confidence pair returned by the model.
type Prediction struct {
	Class string  `json:"class"`
	Score float64 `json:"score"`
}

// Client exposes the subset of functionality used by the relay flow.
type Client interface {
	Classify(ctx context.Context, imageURL string) ([]Prediction, error)
}

// Validate checks every score lies in [0, 1].
func Validate(predictions []Prediction) error {
	for i, p := range predictions {
		if math.IsNaN(p.Score) || p.Score < 0 || p.Score > 1 {
			return fmt.Errorf("%w: prediction %d (%q) has score %v outside [0,1]", ErrClassification, i, p.Class, p.Score)
		}
	}
	return nil
}

// SortByScore returns a copy ordered by descending score. Ties keep their
// input order.
func SortByScore(predictions []Prediction) []Prediction {
	sorted := make([]Prediction, len(predictions))
	copy(sorted, predictions)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Score > sorted[j].Score
	})
	return sorted
}

// Top returns the highest scoring prediction.
func Top(predictions []Prediction) (Prediction, bool) {
	if len(predictions) == 0 {
		return Prediction{}, false
	}
	best := predictions[0]
	for _, p := range predictions[1:] {
		if p.Score > best.Score {
			best = p
		}
	}
	return best, true
}
