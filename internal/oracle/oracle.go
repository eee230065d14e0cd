// Package oracle calls the external AI analysis service for incident-worthy
// events. Calls are strictly fire-and-forget: a slow or dead oracle costs a
// log line, never pipeline latency.
package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/nodeguard-project/nodeguard/internal/core"
	"github.com/nodeguard-project/nodeguard/internal/correlation"
)

// maxInflight bounds the goroutines spent on oracle calls. When the budget
// is spent, further notifications are dropped with a log.
const maxInflight = 8

// Client posts analysis requests to the oracle endpoint.
type Client struct {
	url     string
	timeout time.Duration
	client  *http.Client
	sem     chan struct{}
	logger  zerolog.Logger
}

// NewClient builds an oracle client from config.
func NewClient(cfg core.OracleConfig, logger zerolog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		url:     cfg.URL,
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
		sem:     make(chan struct{}, maxInflight),
		logger:  logger.With().Str("component", "oracle").Logger(),
	}
}

type analysisRequest struct {
	Event   *core.TelemetryEvent `json:"event"`
	Context analysisContext      `json:"context"`
}

type analysisContext struct {
	ThreatScore    float64 `json:"threat_score"`
	Confidence     float64 `json:"confidence"`
	Pattern        string  `json:"pattern"`
	AnomalyScore   float64 `json:"anomaly_score"`
	RiskAdjustment float64 `json:"risk_adjustment"`
	Summary        string  `json:"correlation_summary"`
}

// AnalysisResult is the oracle's verdict. The pipeline does not consume it
// today; it is logged for the operator.
type AnalysisResult struct {
	Summary         string   `json:"summary"`
	Recommendations []string `json:"recommendations"`
	RiskAssessment  string   `json:"risk_assessment"`
	Confidence      float64  `json:"confidence"`
}

// NotifyAsync submits the event for analysis without blocking. Exceeding the
// in-flight budget drops the notification.
func (c *Client) NotifyAsync(ev *core.TelemetryEvent, res correlation.Result) {
	select {
	case c.sem <- struct{}{}:
	default:
		c.logger.Warn().Str("event_id", ev.EventID).Msg("oracle budget exhausted, analysis skipped")
		return
	}

	go func() {
		defer func() { <-c.sem }()

		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()

		result, err := c.analyze(ctx, ev, res)
		if err != nil {
			c.logger.Warn().Err(err).Str("event_id", ev.EventID).Msg("oracle analysis failed")
			return
		}

		c.logger.Info().
			Str("event_id", ev.EventID).
			Str("risk_assessment", result.RiskAssessment).
			Float64("confidence", result.Confidence).
			Msg("oracle analysis complete")
	}()
}

func (c *Client) analyze(ctx context.Context, ev *core.TelemetryEvent, res correlation.Result) (*AnalysisResult, error) {
	body, err := json.Marshal(analysisRequest{
		Event: ev,
		Context: analysisContext{
			ThreatScore:    ev.ThreatScore,
			Confidence:     ev.Confidence,
			Pattern:        res.Pattern,
			AnomalyScore:   res.AnomalyScore,
			RiskAdjustment: res.RiskAdjustment,
			Summary:        res.Summary,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling analysis request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building analysis request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling oracle: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("oracle returned status %d", resp.StatusCode)
	}

	var out AnalysisResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding oracle response: %w", err)
	}
	return &out, nil
}
