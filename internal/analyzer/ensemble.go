package analyzer

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/mikey/mailsentry/internal/core"
)

// EnsembleAnalyzer invokes every configured classifier with the message's
// feature vector and blends their category scores. One classifier failing
// degrades the result; all failing fails it, and the aggregator
// redistributes the weight.
type EnsembleAnalyzer struct {
	classifiers []core.Classifier
	extractor   *FeatureExtractor
	logger      *zap.Logger
}

// NewEnsembleAnalyzer creates the AI ensemble analyzer.
func NewEnsembleAnalyzer(classifiers []core.Classifier, extractor *FeatureExtractor, logger *zap.Logger) *EnsembleAnalyzer {
	return &EnsembleAnalyzer{
		classifiers: classifiers,
		extractor:   extractor,
		logger:      logger,
	}
}

// Name returns the fixed analyzer name.
func (a *EnsembleAnalyzer) Name() string {
	return core.AnalyzerEnsemble
}

// Analyze extracts features and queries the ensemble members
// concurrently.
func (a *EnsembleAnalyzer) Analyze(ctx context.Context, msg *core.Message) *core.AnalyzerResult {
	if len(a.classifiers) == 0 {
		return core.FailedResult(core.AnalyzerEnsemble, core.StatusFailed,
			fmt.Errorf("no classifiers configured"))
	}

	features := a.extractor.Extract(msg)

	type outcome struct {
		scores *core.ClassifierScores
		err    error
	}
	outcomes := make([]outcome, len(a.classifiers))

	var wg sync.WaitGroup
	for i, c := range a.classifiers {
		wg.Add(1)
		go func(i int, c core.Classifier) {
			defer wg.Done()
			scores, err := c.Classify(ctx, features)
			outcomes[i] = outcome{scores: scores, err: err}
		}(i, c)
	}
	wg.Wait()

	var (
		scoreSum, confSum float64
		succeeded         int
		details           = map[string]string{}
	)
	for _, o := range outcomes {
		if o.err != nil {
			a.logger.Warn("Classifier failed", zap.Error(o.err))
			continue
		}
		top := topCategory(o.scores.Categories)
		scoreSum += top
		confSum += o.scores.Confidence
		succeeded++
		details[o.scores.Model] = fmt.Sprintf("%.3f", top)
	}

	if succeeded == 0 {
		return core.FailedResult(core.AnalyzerEnsemble, core.StatusFailed,
			fmt.Errorf("all %d classifiers failed", len(a.classifiers)))
	}

	status := core.StatusOK
	if succeeded < len(a.classifiers) {
		status = core.StatusDegraded
	}

	return &core.AnalyzerResult{
		Analyzer:   core.AnalyzerEnsemble,
		Score:      scoreSum / float64(succeeded),
		Confidence: confSum / float64(succeeded),
		Status:     status,
		Details:    details,
	}
}

// topCategory takes the highest category score: a message that is
// strongly phishing but weakly spam is still strongly malicious.
func topCategory(categories map[string]float64) float64 {
	top := 0.0
	for _, v := range categories {
		if v > top {
			top = v
		}
	}
	return top
}
