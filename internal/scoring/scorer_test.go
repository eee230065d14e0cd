package scoring

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nodeguard-project/nodeguard/internal/core"
	"github.com/nodeguard-project/nodeguard/internal/features"
)

type fakeClassifier struct {
	name  string
	score float64
	err   error
	delay time.Duration
}

func (f *fakeClassifier) Name() string { return f.name }

func (f *fakeClassifier) Predict(ctx context.Context, _ features.FeatureVector) (float64, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	return f.score, f.err
}

func newTestScorer(classifiers ...Classifier) *Scorer {
	return NewScorer(core.ScoringConfig{Timeout: time.Second}, classifiers, zerolog.Nop())
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestScore_WeightedEnsemble(t *testing.T) {
	s := newTestScorer(
		&fakeClassifier{name: "xgboost", score: 0.8},
		&fakeClassifier{name: "random_forest", score: 0.6},
		&fakeClassifier{name: "isolation_forest", score: 0.4},
	)

	res := s.Score(context.Background(), features.FeatureVector{1, 2, 3})

	// (0.8*0.4 + 0.6*0.35 + 0.4*0.25) / 1.0
	if !almostEqual(res.Ensemble, 0.63) {
		t.Errorf("expected ensemble 0.63, got %f", res.Ensemble)
	}
	if len(res.ModelScores) != 3 {
		t.Errorf("expected 3 model scores, got %d", len(res.ModelScores))
	}
}

func TestScore_FailedClassifierExcluded(t *testing.T) {
	s := newTestScorer(
		&fakeClassifier{name: "xgboost", score: 0.8},
		&fakeClassifier{name: "random_forest", err: errors.New("model unavailable")},
	)

	res := s.Score(context.Background(), nil)

	if len(res.ModelScores) != 1 {
		t.Fatalf("expected 1 score after exclusion, got %d", len(res.ModelScores))
	}
	// only xgboost present: 0.8*0.4 / 0.4
	if !almostEqual(res.Ensemble, 0.8) {
		t.Errorf("expected ensemble 0.8, got %f", res.Ensemble)
	}
}

func TestScore_SlowClassifierTimesOut(t *testing.T) {
	s := NewScorer(core.ScoringConfig{Timeout: 50 * time.Millisecond}, []Classifier{
		&fakeClassifier{name: "xgboost", score: 0.9},
		&fakeClassifier{name: "random_forest", score: 0.9, delay: 5 * time.Second},
	}, zerolog.Nop())

	start := time.Now()
	res := s.Score(context.Background(), nil)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("scoring blocked on slow classifier for %v", elapsed)
	}

	if _, ok := res.ModelScores["random_forest"]; ok {
		t.Error("late classifier should be excluded")
	}
	if _, ok := res.ModelScores["xgboost"]; !ok {
		t.Error("fast classifier should be present")
	}
}

func TestScore_NoResponders_NeutralScore(t *testing.T) {
	s := newTestScorer(
		&fakeClassifier{name: "xgboost", err: errors.New("down")},
		&fakeClassifier{name: "random_forest", err: errors.New("down")},
	)

	res := s.Score(context.Background(), nil)

	if res.Ensemble != 0.5 {
		t.Errorf("expected neutral 0.5, got %f", res.Ensemble)
	}
	if res.Confidence != 0.1 {
		t.Errorf("expected floor confidence 0.1, got %f", res.Confidence)
	}
}

func TestScore_UnknownModelGetsDefaultWeight(t *testing.T) {
	s := newTestScorer(
		&fakeClassifier{name: "xgboost", score: 1.0},
		&fakeClassifier{name: "experimental", score: 0.0},
	)

	res := s.Score(context.Background(), nil)

	// (1.0*0.4 + 0.0*0.2) / 0.6
	if !almostEqual(res.Ensemble, 0.4/0.6) {
		t.Errorf("expected %f, got %f", 0.4/0.6, res.Ensemble)
	}
}

func TestScore_ScoresClampedToUnit(t *testing.T) {
	s := newTestScorer(&fakeClassifier{name: "xgboost", score: 3.7})
	res := s.Score(context.Background(), nil)
	if res.ModelScores["xgboost"] != 1.0 {
		t.Errorf("expected clamp to 1.0, got %f", res.ModelScores["xgboost"])
	}
}

func TestConfidence_AgreementHigh(t *testing.T) {
	s := newTestScorer(
		&fakeClassifier{name: "xgboost", score: 0.7},
		&fakeClassifier{name: "random_forest", score: 0.7},
	)
	res := s.Score(context.Background(), nil)
	if !almostEqual(res.Confidence, 1.0) {
		t.Errorf("identical scores should give confidence 1.0, got %f", res.Confidence)
	}
}

func TestConfidence_DisagreementLow(t *testing.T) {
	s := newTestScorer(
		&fakeClassifier{name: "xgboost", score: 0.0},
		&fakeClassifier{name: "random_forest", score: 1.0},
	)
	res := s.Score(context.Background(), nil)
	// stdev 0.5 → 1 - 1.0 = 0 → floored at 0.1
	if !almostEqual(res.Confidence, 0.1) {
		t.Errorf("expected floor 0.1, got %f", res.Confidence)
	}
}

func TestConfidence_ModerateDisagreement(t *testing.T) {
	s := newTestScorer(
		&fakeClassifier{name: "xgboost", score: 0.1},
		&fakeClassifier{name: "random_forest", score: 0.9},
	)
	res := s.Score(context.Background(), nil)
	// stdev 0.4 → 1 - 0.8 = 0.2
	if res.Confidence > 0.3 {
		t.Errorf("scores 0.1/0.9 should give confidence at most 0.3, got %f", res.Confidence)
	}
}

func TestConfidence_SingleResponder(t *testing.T) {
	s := newTestScorer(&fakeClassifier{name: "xgboost", score: 0.9})
	res := s.Score(context.Background(), nil)
	if res.Confidence != 0.5 {
		t.Errorf("expected 0.5 for single responder, got %f", res.Confidence)
	}
}

func TestHTTPClassifier_Predict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		w.Write([]byte(`{"score":0.73}`))
	}))
	defer srv.Close()

	c := NewHTTPClassifier(core.ClassifierConfig{Name: "xgboost", URL: srv.URL})
	score, err := c.Predict(context.Background(), features.FeatureVector{1, 0, 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if score != 0.73 {
		t.Errorf("expected 0.73, got %f", score)
	}
}

func TestHTTPClassifier_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewHTTPClassifier(core.ClassifierConfig{Name: "xgboost", URL: srv.URL})
	if _, err := c.Predict(context.Background(), nil); err == nil {
		t.Fatal("expected error on 500 response")
	}
}
