package core

import (
	"sort"
	"time"

	"go.uber.org/zap"
)

// analyzerWeights is the single declarative weight table consumed by the
// aggregator. Equal weight per analyzer; the invariant that Overall is
// reproducible from PerAnalyzer depends on this being the only place
// weights exist.
var analyzerWeights = map[string]float64{
	AnalyzerAuthentication: 0.20,
	AnalyzerReputation:     0.20,
	AnalyzerHeader:         0.20,
	AnalyzerAttachment:     0.20,
	AnalyzerEnsemble:       0.20,
}

// minFailSafeScore is the floor for the all-analyzers-failed default.
// Inability to verify safety must never be interpreted as safety, so the
// fail-safe verdict is at least medium.
const minFailSafeScore = 0.6

// Aggregator combines analyzer results into one ThreatScore. Given the
// same result set it is a pure function apart from the recorded
// ComputedAt.
type Aggregator struct {
	weights       map[string]float64
	failSafeScore float64
	logger        *zap.Logger
}

// NewAggregator creates a score aggregator. A failSafeScore below the
// medium-risk floor is raised to it.
func NewAggregator(failSafeScore float64, logger *zap.Logger) *Aggregator {
	if failSafeScore < minFailSafeScore {
		if logger != nil {
			logger.Warn("Fail-safe score below medium-risk floor, raising",
				zap.Float64("configured", failSafeScore),
				zap.Float64("floor", minFailSafeScore))
		}
		failSafeScore = minFailSafeScore
	}
	return &Aggregator{
		weights:       analyzerWeights,
		failSafeScore: failSafeScore,
		logger:        logger,
	}
}

// Aggregate folds analyzer results into a ThreatScore. Failed analyzers
// have their weight redistributed proportionally across the remaining
// successful ones, so Overall stays comparable in scale regardless of how
// many analyzers succeeded. If every analyzer failed, Overall is the
// fail-safe default and MissingAnalyzers lists the full set.
func (a *Aggregator) Aggregate(results []*AnalyzerResult) *ThreatScore {
	score := &ThreatScore{
		PerAnalyzer: make(map[string]float64),
		ComputedAt:  time.Now(),
	}

	seen := make(map[string]bool, len(results))
	var weightSum, weighted float64

	for _, res := range results {
		if res == nil {
			continue
		}
		weight, known := a.weights[res.Analyzer]
		if !known {
			continue
		}
		seen[res.Analyzer] = true
		if !res.Scored() {
			score.MissingAnalyzers = append(score.MissingAnalyzers, res.Analyzer)
			continue
		}
		score.PerAnalyzer[res.Analyzer] = res.Score
		weightSum += weight
		weighted += res.Score * weight
	}

	// Analyzers expected by the weight table but absent from the result
	// set are missing too, never silently dropped.
	for name := range a.weights {
		if !seen[name] {
			score.MissingAnalyzers = append(score.MissingAnalyzers, name)
		}
	}
	sort.Strings(score.MissingAnalyzers)

	if weightSum == 0 {
		score.Overall = a.failSafeScore
		if a.logger != nil {
			a.logger.Warn("All analyzers failed, applying fail-safe score",
				zap.Float64("fail_safe", a.failSafeScore))
		}
		return score
	}

	score.Overall = weighted / weightSum
	return score
}

// FailSafeScore exposes the configured all-failed default, used by the
// health surface to report when it is in effect.
func (a *Aggregator) FailSafeScore() float64 {
	return a.failSafeScore
}

// ExpectedAnalyzers returns the names in the weight table, sorted.
func (a *Aggregator) ExpectedAnalyzers() []string {
	names := make([]string, 0, len(a.weights))
	for name := range a.weights {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
