package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func okResult(analyzer string, score float64) *AnalyzerResult {
	return &AnalyzerResult{
		Analyzer:   analyzer,
		Score:      score,
		Confidence: 0.9,
		Status:     StatusOK,
	}
}

func TestAggregator_AllAnalyzersPass(t *testing.T) {
	agg := NewAggregator(0.6, zap.NewNop())

	results := []*AnalyzerResult{
		okResult(AnalyzerAuthentication, 0.05),
		okResult(AnalyzerReputation, 0.10),
		okResult(AnalyzerHeader, 0.05),
		okResult(AnalyzerAttachment, 0.0),
		okResult(AnalyzerEnsemble, 0.10),
	}

	score := agg.Aggregate(results)

	assert.InDelta(t, 0.06, score.Overall, 1e-9)
	assert.Equal(t, VerdictSafe, VerdictForScore(score.Overall))
	assert.Len(t, score.PerAnalyzer, 5)
	assert.Empty(t, score.MissingAnalyzers)
}

func TestAggregator_RedistributesFailedWeight(t *testing.T) {
	agg := NewAggregator(0.6, zap.NewNop())

	results := []*AnalyzerResult{
		okResult(AnalyzerAuthentication, 0.9),
		FailedResult(AnalyzerReputation, StatusTimeout, ErrAnalyzerTimeout),
		FailedResult(AnalyzerHeader, StatusFailed, nil),
		okResult(AnalyzerAttachment, 0.9),
		FailedResult(AnalyzerEnsemble, StatusTimeout, ErrAnalyzerTimeout),
	}

	score := agg.Aggregate(results)

	// Two of five analyzers scored 0.9; the failed weight is
	// redistributed so the overall stays on the same scale.
	assert.InDelta(t, 0.9, score.Overall, 1e-9)
	assert.Equal(t, VerdictCritical, VerdictForScore(score.Overall))
	assert.Equal(t, []string{AnalyzerEnsemble, AnalyzerHeader, AnalyzerReputation}, score.MissingAnalyzers)
}

func TestAggregator_AllFailedAppliesFailSafe(t *testing.T) {
	agg := NewAggregator(0.6, zap.NewNop())

	results := []*AnalyzerResult{
		FailedResult(AnalyzerAuthentication, StatusFailed, nil),
		FailedResult(AnalyzerReputation, StatusTimeout, ErrAnalyzerTimeout),
		FailedResult(AnalyzerHeader, StatusFailed, nil),
		FailedResult(AnalyzerAttachment, StatusFailed, nil),
		FailedResult(AnalyzerEnsemble, StatusTimeout, ErrAnalyzerTimeout),
	}

	score := agg.Aggregate(results)

	assert.Equal(t, 0.6, score.Overall)
	assert.Equal(t, VerdictHigh, VerdictForScore(score.Overall))
	assert.Len(t, score.MissingAnalyzers, 5)
	assert.Empty(t, score.PerAnalyzer)
}

func TestAggregator_FailSafeFloorIsEnforced(t *testing.T) {
	// A configured fail-safe below medium risk would let a total outage
	// read as safe; the aggregator raises it.
	agg := NewAggregator(0.1, zap.NewNop())
	assert.Equal(t, 0.6, agg.FailSafeScore())

	score := agg.Aggregate(nil)
	assert.Equal(t, 0.6, score.Overall)
}

func TestAggregator_AbsentAnalyzersAreMissing(t *testing.T) {
	agg := NewAggregator(0.6, zap.NewNop())

	results := []*AnalyzerResult{
		okResult(AnalyzerAuthentication, 0.2),
	}

	score := agg.Aggregate(results)

	assert.InDelta(t, 0.2, score.Overall, 1e-9)
	assert.Equal(t,
		[]string{AnalyzerEnsemble, AnalyzerAttachment, AnalyzerHeader, AnalyzerReputation},
		score.MissingAnalyzers,
		"every expected analyzer absent from the result set must be reported")
}

func TestAggregator_UnknownAnalyzerIgnored(t *testing.T) {
	agg := NewAggregator(0.6, zap.NewNop())

	results := []*AnalyzerResult{
		okResult(AnalyzerAuthentication, 0.1),
		okResult("made_up", 1.0),
	}

	score := agg.Aggregate(results)

	assert.NotContains(t, score.PerAnalyzer, "made_up")
	assert.InDelta(t, 0.1, score.Overall, 1e-9)
}

func TestAggregator_OverallReproducibleFromPerAnalyzer(t *testing.T) {
	agg := NewAggregator(0.6, zap.NewNop())

	results := []*AnalyzerResult{
		okResult(AnalyzerAuthentication, 0.15),
		okResult(AnalyzerReputation, 0.35),
		okResult(AnalyzerHeader, 0.55),
		FailedResult(AnalyzerAttachment, StatusFailed, nil),
		okResult(AnalyzerEnsemble, 0.75),
	}

	score := agg.Aggregate(results)

	// Equal weights mean the overall is the mean of the recorded
	// per-analyzer scores.
	var sum float64
	for _, v := range score.PerAnalyzer {
		sum += v
	}
	assert.InDelta(t, sum/float64(len(score.PerAnalyzer)), score.Overall, 1e-9)
}

func TestVerdictForScore_Thresholds(t *testing.T) {
	tests := []struct {
		score   float64
		verdict Verdict
	}{
		{0.0, VerdictSafe},
		{0.19, VerdictSafe},
		{0.2, VerdictLow},
		{0.39, VerdictLow},
		{0.4, VerdictMedium},
		{0.59, VerdictMedium},
		{0.6, VerdictHigh},
		{0.79, VerdictHigh},
		{0.8, VerdictCritical},
		{1.0, VerdictCritical},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.verdict, VerdictForScore(tt.score), "score %.2f", tt.score)
	}
}

func TestJobState_Transitions(t *testing.T) {
	assert.True(t, JobQueued.CanTransition(JobSubmitted))
	assert.True(t, JobQueued.CanTransition(JobError))
	assert.True(t, JobSubmitted.CanTransition(JobRunning))
	assert.True(t, JobRunning.CanTransition(JobComplete))
	assert.True(t, JobRunning.CanTransition(JobTimeout))

	// Backwards moves are rejected.
	assert.False(t, JobRunning.CanTransition(JobSubmitted))
	assert.False(t, JobSubmitted.CanTransition(JobQueued))

	// Terminal states are absorbing.
	for _, terminal := range []JobState{JobComplete, JobTimeout, JobError} {
		assert.True(t, terminal.Terminal())
		assert.False(t, terminal.CanTransition(JobRunning))
		assert.False(t, terminal.CanTransition(JobComplete))
	}
}
