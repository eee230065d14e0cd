package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/nodeguard-project/nodeguard/internal/core"
	"github.com/nodeguard-project/nodeguard/internal/features"
)

// HTTPClassifier calls a model-serving endpoint over JSON HTTP. The request
// carries the feature vector; the response carries a single threat score.
type HTTPClassifier struct {
	name   string
	url    string
	client *http.Client
}

// NewHTTPClassifier builds a classifier for one serving endpoint.
func NewHTTPClassifier(cfg core.ClassifierConfig) *HTTPClassifier {
	return &HTTPClassifier{
		name: cfg.Name,
		url:  cfg.URL,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *HTTPClassifier) Name() string {
	return c.name
}

type predictRequest struct {
	Features []float64 `json:"features"`
}

type predictResponse struct {
	Score float64 `json:"score"`
}

// Predict posts the feature vector and returns the model's score.
func (c *HTTPClassifier) Predict(ctx context.Context, vec features.FeatureVector) (float64, error) {
	body, err := json.Marshal(predictRequest{Features: vec})
	if err != nil {
		return 0, fmt.Errorf("marshaling predict request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("building predict request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("calling %s: %w", c.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("%s returned status %d", c.name, resp.StatusCode)
	}

	var out predictResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decoding %s response: %w", c.name, err)
	}
	return out.Score, nil
}
