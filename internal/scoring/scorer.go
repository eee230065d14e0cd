package scoring

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/nodeguard-project/nodeguard/internal/core"
	"github.com/nodeguard-project/nodeguard/internal/features"
)

// Classifier is one model in the ensemble. Predict returns a threat score in
// [0,1]. Implementations must honor ctx cancellation.
type Classifier interface {
	Name() string
	Predict(ctx context.Context, vec features.FeatureVector) (float64, error)
}

// Scorer fans a feature vector out to all classifiers in parallel and
// combines their scores into a weighted ensemble. A classifier that errors
// or outlives the timeout is excluded from the ensemble for that event.
type Scorer struct {
	classifiers   []Classifier
	weights       map[string]float64
	defaultWeight float64
	timeout       time.Duration
	logger        zerolog.Logger
}

// NewScorer builds a scorer from config.
func NewScorer(cfg core.ScoringConfig, classifiers []Classifier, logger zerolog.Logger) *Scorer {
	weights := cfg.Weights
	if len(weights) == 0 {
		weights = map[string]float64{
			"xgboost":          0.4,
			"random_forest":    0.35,
			"isolation_forest": 0.25,
		}
	}
	defaultWeight := cfg.DefaultWeight
	if defaultWeight <= 0 {
		defaultWeight = 0.2
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Scorer{
		classifiers:   classifiers,
		weights:       weights,
		defaultWeight: defaultWeight,
		timeout:       timeout,
		logger:        logger.With().Str("component", "scorer").Logger(),
	}
}

type prediction struct {
	name  string
	score float64
	err   error
}

// Score runs the ensemble against one feature vector.
//
// Each classifier goroutine sends into a channel buffered for the whole
// ensemble, so late finishers after the deadline park their send in the
// buffer and the channel is collected once abandoned. The caller gets
// whatever completed in time.
func (s *Scorer) Score(ctx context.Context, vec features.FeatureVector) core.ScoreResult {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	ch := make(chan prediction, len(s.classifiers))
	for _, c := range s.classifiers {
		go func(c Classifier) {
			score, err := c.Predict(ctx, vec)
			ch <- prediction{name: c.Name(), score: score, err: err}
		}(c)
	}

	scores := make(map[string]float64, len(s.classifiers))
	remaining := len(s.classifiers)
	for remaining > 0 {
		select {
		case p := <-ch:
			remaining--
			if p.err != nil {
				s.logger.Warn().Str("model", p.name).Err(p.err).Msg("classifier failed, excluded from ensemble")
				continue
			}
			scores[p.name] = core.Clamp01(p.score)
		case <-ctx.Done():
			s.logger.Warn().
				Dur("timeout", s.timeout).
				Int("pending", remaining).
				Msg("classifier timeout, scoring with partial ensemble")
			remaining = 0
		}
	}

	return core.ScoreResult{
		ModelScores: scores,
		Ensemble:    s.combine(scores),
		Confidence:  s.confidence(scores),
	}
}

// combine computes the weighted average of the present scores, normalized by
// the weight actually present so missing models don't drag the score down.
func (s *Scorer) combine(scores map[string]float64) float64 {
	if len(scores) == 0 {
		return 0.5
	}

	var weightedSum, totalWeight float64
	for name, score := range scores {
		weight, ok := s.weights[name]
		if !ok {
			weight = s.defaultWeight
		}
		weightedSum += score * weight
		totalWeight += weight
	}
	if totalWeight <= 0 {
		return 0.5
	}
	return weightedSum / totalWeight
}

// confidence measures model agreement: clamp(1 - 2*stdev, 0.1, 1.0). With
// fewer than two responders there is no agreement to measure, so 0.5 when
// one model answered and 0.1 when none did.
func (s *Scorer) confidence(scores map[string]float64) float64 {
	switch len(scores) {
	case 0:
		return 0.1
	case 1:
		return 0.5
	}

	var sum float64
	for _, v := range scores {
		sum += v
	}
	mean := sum / float64(len(scores))

	var variance float64
	for _, v := range scores {
		d := v - mean
		variance += d * d
	}
	stdev := math.Sqrt(variance / float64(len(scores)))

	c := 1.0 - stdev*2
	if c < 0.1 {
		return 0.1
	}
	if c > 1.0 {
		return 1.0
	}
	return c
}
