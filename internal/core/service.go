package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LinkRewriter replaces embedded URLs with tracked redirect handles. The
// concrete implementation lives in internal/rewriter.
type LinkRewriter interface {
	Rewrite(msg *Message) *Message
}

// SignalSink receives candidate signals for incident correlation. The
// pipeline emits signals; it never creates or mutates incidents itself.
type SignalSink interface {
	RecordVerdict(msg *Message, rec *VerdictRecord)
	RecordSandboxVerdict(jobID, target string, verdict Verdict, at time.Time)
}

// AnalyzerTimeouts bounds the fan-out. Each analyzer gets its own budget;
// the join waits at most the slowest budget plus Grace before marking
// stragglers as timed out.
type AnalyzerTimeouts struct {
	Default     time.Duration
	PerAnalyzer map[string]time.Duration
	Grace       time.Duration
}

// For returns the execution budget for an analyzer.
func (t AnalyzerTimeouts) For(name string) time.Duration {
	if d, ok := t.PerAnalyzer[name]; ok && d > 0 {
		return d
	}
	if t.Default > 0 {
		return t.Default
	}
	return 3 * time.Second
}

// ProcessResult is the outcome of one scoring pass over a message.
type ProcessResult struct {
	Record    *VerdictRecord
	Decision  *Decision
	Rewritten *Message
	Results   []*AnalyzerResult
}

// PipelineService runs the threat analysis pipeline: concurrent analyzer
// fan-out, score aggregation, policy decision, verdict persistence and
// event emission.
type PipelineService struct {
	analyzers  []Analyzer
	aggregator *Aggregator
	policy     *PolicyEngine
	store      VerdictStore
	events     EventPublisher
	rewriter   LinkRewriter
	signals    SignalSink
	timeouts   AnalyzerTimeouts
	logger     *zap.Logger

	mu      sync.RWMutex
	circuit map[string]AnalyzerStatus
}

// NewPipelineService creates the pipeline service. Analyzers run in the
// order given; the order is an explicit registration list, not discovered
// at runtime.
func NewPipelineService(
	analyzers []Analyzer,
	aggregator *Aggregator,
	policy *PolicyEngine,
	store VerdictStore,
	events EventPublisher,
	rewriter LinkRewriter,
	signals SignalSink,
	timeouts AnalyzerTimeouts,
	logger *zap.Logger,
) *PipelineService {
	return &PipelineService{
		analyzers:  analyzers,
		aggregator: aggregator,
		policy:     policy,
		store:      store,
		events:     events,
		rewriter:   rewriter,
		signals:    signals,
		timeouts:   timeouts,
		logger:     logger,
		circuit:    make(map[string]AnalyzerStatus),
	}
}

// ProcessMessage scores a message end to end and appends the verdict to
// its history. The input message is not mutated; the returned Rewritten
// message carries tracked link handles.
func (s *PipelineService) ProcessMessage(ctx context.Context, msg *Message, policy *TenantPolicy, user *UserContext) (*ProcessResult, error) {
	if msg.ID == "" {
		msg = msg.Clone()
		msg.ID = uuid.NewString()
	}
	if policy == nil {
		policy = DefaultTenantPolicy()
	}

	// Link rewriting runs alongside the fan-out. Analyzers score the
	// message as received; the rewritten copy is for delivery only.
	rewritten := msg
	rewriteDone := make(chan struct{})
	if s.rewriter != nil {
		go func() {
			rewritten = s.rewriter.Rewrite(msg)
			close(rewriteDone)
		}()
	} else {
		close(rewriteDone)
	}

	results := s.runAnalyzers(ctx, msg)
	<-rewriteDone
	score := s.aggregator.Aggregate(results)
	verdict := VerdictForScore(score.Overall)

	decision, err := s.policy.Decide(verdict, policy, user, msg.Sender)
	if err != nil {
		// Fail closed: the decision already carries quarantine, record it.
		s.logger.Error("Policy decision failed closed",
			zap.String("message_id", msg.ID),
			zap.Error(err))
	}

	rec := &VerdictRecord{
		ID:         uuid.NewString(),
		MessageID:  msg.ID,
		Score:      score,
		Verdict:    verdict,
		Action:     decision.Action,
		Enforced:   decision.Enforced,
		Source:     "pipeline",
		RecordedAt: time.Now(),
	}
	if err := s.store.Append(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to persist verdict: %w", err)
	}

	s.publish(ctx, &Event{
		Type:      EventVerdict,
		MessageID: msg.ID,
		Verdict:   verdict,
		Action:    decision.Action,
		Timestamp: rec.RecordedAt,
	})
	if s.signals != nil {
		// Correlate on the original indicators, not the rewritten handles.
		s.signals.RecordVerdict(msg, rec)
	}

	s.logger.Info("Message scored",
		zap.String("message_id", msg.ID),
		zap.String("sender", msg.Sender),
		zap.Float64("overall", score.Overall),
		zap.String("verdict", string(verdict)),
		zap.String("action", string(decision.Action)),
		zap.Strings("missing_analyzers", score.MissingAnalyzers))

	return &ProcessResult{
		Record:    rec,
		Decision:  decision,
		Rewritten: rewritten,
		Results:   results,
	}, nil
}

// runAnalyzers fans out one goroutine per analyzer and joins with a
// bounded deadline. The aggregator only ever sees a complete result set:
// stragglers are forcibly marked as timed out, never waited on
// indefinitely.
func (s *PipelineService) runAnalyzers(ctx context.Context, msg *Message) []*AnalyzerResult {
	out := make(chan *AnalyzerResult, len(s.analyzers))

	var slowest time.Duration
	for _, an := range s.analyzers {
		budget := s.timeouts.For(an.Name())
		if budget > slowest {
			slowest = budget
		}
		go func(an Analyzer, budget time.Duration) {
			actx, cancel := context.WithTimeout(ctx, budget)
			defer cancel()

			done := make(chan *AnalyzerResult, 1)
			go func() {
				done <- an.Analyze(actx, msg)
			}()

			select {
			case res := <-done:
				if res == nil {
					res = FailedResult(an.Name(), StatusFailed, nil)
				}
				out <- res
			case <-actx.Done():
				out <- FailedResult(an.Name(), StatusTimeout, ErrAnalyzerTimeout)
			}
		}(an, budget)
	}

	grace := s.timeouts.Grace
	if grace <= 0 {
		grace = 500 * time.Millisecond
	}
	join := time.NewTimer(slowest + grace)
	defer join.Stop()

	collected := make(map[string]*AnalyzerResult, len(s.analyzers))
collect:
	for len(collected) < len(s.analyzers) {
		select {
		case res := <-out:
			collected[res.Analyzer] = res
		case <-join.C:
			break collect
		}
	}

	results := make([]*AnalyzerResult, 0, len(s.analyzers))
	for _, an := range s.analyzers {
		res, ok := collected[an.Name()]
		if !ok {
			res = FailedResult(an.Name(), StatusTimeout, ErrAnalyzerTimeout)
		}
		results = append(results, res)
		s.recordCircuit(res)
	}
	return results
}

func (s *PipelineService) recordCircuit(res *AnalyzerResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if res.Scored() {
		s.circuit[res.Analyzer] = StatusOK
	} else {
		s.circuit[res.Analyzer] = StatusDegraded
	}
}

// CircuitStatus reports per-analyzer health for the operator surface. An
// analyzer is degraded when its last run failed or timed out. FailSafe is
// true when every analyzer is degraded, meaning the aggregator's
// fail-safe default is in effect for new messages.
func (s *PipelineService) CircuitStatus() (map[string]AnalyzerStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := make(map[string]AnalyzerStatus, len(s.analyzers))
	failSafe := len(s.analyzers) > 0
	for _, an := range s.analyzers {
		st, ok := s.circuit[an.Name()]
		if !ok {
			st = StatusOK
		}
		status[an.Name()] = st
		if st == StatusOK {
			failSafe = false
		}
	}
	return status, failSafe
}

// RescoreFromSandbox folds a sandbox job's post-hoc result into the
// message's verdict history. The prior ThreatScore is never mutated: a
// new record is appended and an update event emitted, so the message is
// not left stale after click-time analysis.
func (s *PipelineService) RescoreFromSandbox(ctx context.Context, messageID, jobID, target string, res *AnalyzerResult) (*VerdictRecord, error) {
	score := &ThreatScore{
		PerAnalyzer: map[string]float64{},
		ComputedAt:  time.Now(),
	}

	current, err := s.store.Current(ctx, messageID)
	if err == nil {
		for name, v := range current.Score.PerAnalyzer {
			score.PerAnalyzer[name] = v
		}
		score.Overall = current.Score.Overall
		score.MissingAnalyzers = append([]string(nil), current.Score.MissingAnalyzers...)
	} else if !errors.Is(err, ErrMessageNotFound) {
		return nil, fmt.Errorf("failed to load current verdict: %w", err)
	}

	if res.Scored() {
		score.PerAnalyzer[AnalyzerSandbox] = res.Score
		// Detonation evidence only ever raises the score. A benign
		// detonation does not erase delivery-time signals.
		if res.Score > score.Overall {
			score.Overall = res.Score
		}
	}

	verdict := VerdictForScore(score.Overall)
	rec := &VerdictRecord{
		ID:         uuid.NewString(),
		MessageID:  messageID,
		Score:      score,
		Verdict:    verdict,
		Action:     defaultActions[verdict],
		Enforced:   true,
		Source:     "sandbox:" + jobID,
		RecordedAt: time.Now(),
	}
	if err := s.store.Append(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to persist sandbox re-score: %w", err)
	}

	s.publish(ctx, &Event{
		Type:      EventVerdictUpdated,
		MessageID: messageID,
		JobID:     jobID,
		Verdict:   verdict,
		Action:    rec.Action,
		Timestamp: rec.RecordedAt,
	})
	if s.signals != nil {
		s.signals.RecordSandboxVerdict(jobID, target, verdict, rec.RecordedAt)
	}

	s.logger.Info("Message re-scored from sandbox result",
		zap.String("message_id", messageID),
		zap.String("job_id", jobID),
		zap.Float64("overall", score.Overall),
		zap.String("verdict", string(verdict)))

	return rec, nil
}

// ScanAttachment runs only the static attachment validation over a single
// attachment, for the attachment submission endpoint. Sandbox queuing is
// the caller's responsibility.
func (s *PipelineService) ScanAttachment(ctx context.Context, messageID string, att Attachment) *AnalyzerResult {
	msg := &Message{
		ID:          messageID,
		Attachments: []Attachment{att},
		ReceivedAt:  time.Now(),
	}
	for _, an := range s.analyzers {
		if an.Name() != AnalyzerAttachment {
			continue
		}
		actx, cancel := context.WithTimeout(ctx, s.timeouts.For(an.Name()))
		defer cancel()
		res := an.Analyze(actx, msg)
		if res == nil {
			res = FailedResult(an.Name(), StatusFailed, nil)
		}
		return res
	}
	return FailedResult(AnalyzerAttachment, StatusFailed, fmt.Errorf("attachment analyzer not registered"))
}

// VerdictHistory returns the full append-only history for a message.
func (s *PipelineService) VerdictHistory(ctx context.Context, messageID string) ([]*VerdictRecord, error) {
	return s.store.History(ctx, messageID)
}

// CurrentVerdict returns the latest verdict record for a message.
func (s *PipelineService) CurrentVerdict(ctx context.Context, messageID string) (*VerdictRecord, error) {
	return s.store.Current(ctx, messageID)
}

func (s *PipelineService) publish(ctx context.Context, evt *Event) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, evt); err != nil {
		s.logger.Error("Failed to publish event",
			zap.String("event_type", evt.Type),
			zap.Error(err))
	}
}
