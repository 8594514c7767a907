package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubAnalyzer struct {
	name   string
	result *AnalyzerResult
	delay  time.Duration
}

func (a *stubAnalyzer) Name() string { return a.name }

func (a *stubAnalyzer) Analyze(ctx context.Context, msg *Message) *AnalyzerResult {
	if a.delay > 0 {
		select {
		case <-time.After(a.delay):
		case <-ctx.Done():
			return nil
		}
	}
	return a.result
}

type stubStore struct {
	mu      sync.Mutex
	records map[string][]*VerdictRecord
}

func newStubStore() *stubStore {
	return &stubStore{records: make(map[string][]*VerdictRecord)}
}

func (s *stubStore) Append(ctx context.Context, rec *VerdictRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.MessageID] = append(s.records[rec.MessageID], rec)
	return nil
}

func (s *stubStore) Current(ctx context.Context, messageID string) (*VerdictRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	history := s.records[messageID]
	if len(history) == 0 {
		return nil, ErrMessageNotFound
	}
	return history[len(history)-1], nil
}

func (s *stubStore) History(ctx context.Context, messageID string) ([]*VerdictRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	history := s.records[messageID]
	if len(history) == 0 {
		return nil, ErrMessageNotFound
	}
	return append([]*VerdictRecord(nil), history...), nil
}

type stubPublisher struct {
	mu     sync.Mutex
	events []*Event
}

func (p *stubPublisher) Publish(ctx context.Context, evt *Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return nil
}

func (p *stubPublisher) Close() error { return nil }

func (p *stubPublisher) published() []*Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Event(nil), p.events...)
}

func testTimeouts() AnalyzerTimeouts {
	return AnalyzerTimeouts{
		Default: 100 * time.Millisecond,
		Grace:   50 * time.Millisecond,
	}
}

func newTestPipeline(analyzers []Analyzer, store VerdictStore, events EventPublisher) *PipelineService {
	return NewPipelineService(
		analyzers,
		NewAggregator(0.6, zap.NewNop()),
		NewPolicyEngine(zap.NewNop()),
		store,
		events,
		nil,
		nil,
		testTimeouts(),
		zap.NewNop(),
	)
}

func TestProcessMessage_ScoresAndPersists(t *testing.T) {
	store := newStubStore()
	events := &stubPublisher{}
	pipeline := newTestPipeline([]Analyzer{
		&stubAnalyzer{name: AnalyzerAuthentication, result: okResult(AnalyzerAuthentication, 0.9)},
		&stubAnalyzer{name: AnalyzerHeader, result: okResult(AnalyzerHeader, 0.9)},
	}, store, events)

	msg := &Message{Sender: "attacker@evil.example"}
	result, err := pipeline.ProcessMessage(context.Background(), msg, nil, nil)
	require.NoError(t, err)

	assert.InDelta(t, 0.9, result.Record.Score.Overall, 1e-9)
	assert.Equal(t, VerdictCritical, result.Record.Verdict)
	assert.Equal(t, ActionBlock, result.Decision.Action)
	assert.True(t, result.Decision.Enforced, "default policy is strict")

	// Verdict is persisted under the generated message ID.
	assert.NotEmpty(t, result.Record.MessageID)
	current, err := store.Current(context.Background(), result.Record.MessageID)
	require.NoError(t, err)
	assert.Equal(t, result.Record.ID, current.ID)

	// One verdict event was emitted.
	published := events.published()
	require.Len(t, published, 1)
	assert.Equal(t, EventVerdict, published[0].Type)
	assert.Equal(t, VerdictCritical, published[0].Verdict)
}

type stubRewriter struct{}

func (r *stubRewriter) Rewrite(msg *Message) *Message {
	out := msg.Clone()
	for i := range out.Links {
		out.Links[i].Handle = "h1"
		out.Links[i].URL = "https://gw.example.com/link/click/h1"
	}
	out.Body = "click https://gw.example.com/link/click/h1"
	return out
}

type capturingAnalyzer struct {
	mu   sync.Mutex
	seen *Message
}

func (a *capturingAnalyzer) Name() string { return AnalyzerEnsemble }

func (a *capturingAnalyzer) Analyze(ctx context.Context, msg *Message) *AnalyzerResult {
	a.mu.Lock()
	a.seen = msg
	a.mu.Unlock()
	return okResult(AnalyzerEnsemble, 0.1)
}

func (a *capturingAnalyzer) observed() *Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.seen
}

func TestProcessMessage_AnalyzersSeeOriginalLinks(t *testing.T) {
	analyzer := &capturingAnalyzer{}
	pipeline := NewPipelineService(
		[]Analyzer{analyzer},
		NewAggregator(0.6, zap.NewNop()),
		NewPolicyEngine(zap.NewNop()),
		newStubStore(),
		&stubPublisher{},
		&stubRewriter{},
		nil,
		testTimeouts(),
		zap.NewNop(),
	)

	msg := &Message{
		ID:     "m1",
		Sender: "a@b.example",
		Body:   "click http://203.0.113.7/login",
		Links:  []Link{{URL: "http://203.0.113.7/login"}},
	}
	result, err := pipeline.ProcessMessage(context.Background(), msg, nil, nil)
	require.NoError(t, err)

	// Scoring ran over the message as received, IP-literal URL intact.
	seen := analyzer.observed()
	require.NotNil(t, seen)
	assert.Equal(t, "click http://203.0.113.7/login", seen.Body)
	assert.Equal(t, "http://203.0.113.7/login", seen.Links[0].URL)

	// Delivery gets the handle URLs.
	assert.Equal(t, "h1", result.Rewritten.Links[0].Handle)
	assert.NotContains(t, result.Rewritten.Body, "203.0.113.7")
	assert.Equal(t, "http://203.0.113.7/login", msg.Links[0].URL)
}

func TestProcessMessage_HangingAnalyzerTimesOut(t *testing.T) {
	store := newStubStore()
	pipeline := newTestPipeline([]Analyzer{
		&stubAnalyzer{name: AnalyzerAuthentication, result: okResult(AnalyzerAuthentication, 0.1)},
		&stubAnalyzer{name: AnalyzerReputation, result: okResult(AnalyzerReputation, 0.1), delay: 2 * time.Second},
	}, store, &stubPublisher{})

	start := time.Now()
	result, err := pipeline.ProcessMessage(context.Background(), &Message{Sender: "a@b.example"}, nil, nil)
	require.NoError(t, err)

	assert.Less(t, time.Since(start), time.Second, "join must not wait for the straggler")
	assert.Contains(t, result.Record.Score.MissingAnalyzers, AnalyzerReputation)
	assert.InDelta(t, 0.1, result.Record.Score.Overall, 1e-9)

	var timedOut *AnalyzerResult
	for _, res := range result.Results {
		if res.Analyzer == AnalyzerReputation {
			timedOut = res
		}
	}
	require.NotNil(t, timedOut)
	assert.Equal(t, StatusTimeout, timedOut.Status)
}

func TestProcessMessage_CircuitStatusTracksDegradation(t *testing.T) {
	store := newStubStore()
	pipeline := newTestPipeline([]Analyzer{
		&stubAnalyzer{name: AnalyzerAuthentication, result: FailedResult(AnalyzerAuthentication, StatusFailed, nil)},
		&stubAnalyzer{name: AnalyzerHeader, result: okResult(AnalyzerHeader, 0.1)},
	}, store, &stubPublisher{})

	_, err := pipeline.ProcessMessage(context.Background(), &Message{Sender: "a@b.example"}, nil, nil)
	require.NoError(t, err)

	status, failSafe := pipeline.CircuitStatus()
	assert.Equal(t, StatusDegraded, status[AnalyzerAuthentication])
	assert.Equal(t, StatusOK, status[AnalyzerHeader])
	assert.False(t, failSafe)
}

func TestProcessMessage_AllAnalyzersDownMeansFailSafe(t *testing.T) {
	store := newStubStore()
	pipeline := newTestPipeline([]Analyzer{
		&stubAnalyzer{name: AnalyzerAuthentication, result: FailedResult(AnalyzerAuthentication, StatusFailed, nil)},
	}, store, &stubPublisher{})

	result, err := pipeline.ProcessMessage(context.Background(), &Message{Sender: "a@b.example"}, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, 0.6, result.Record.Score.Overall)
	assert.Equal(t, VerdictHigh, result.Record.Verdict)

	_, failSafe := pipeline.CircuitStatus()
	assert.True(t, failSafe)
}

func TestProcessMessage_MalformedPolicyStillRecordsQuarantine(t *testing.T) {
	store := newStubStore()
	pipeline := newTestPipeline([]Analyzer{
		&stubAnalyzer{name: AnalyzerAuthentication, result: okResult(AnalyzerAuthentication, 0.05)},
	}, store, &stubPublisher{})

	result, err := pipeline.ProcessMessage(context.Background(), &Message{Sender: "a@b.example"},
		&TenantPolicy{EnforcementLevel: "bogus"}, nil)
	require.NoError(t, err)

	assert.Equal(t, ActionQuarantine, result.Record.Action)
	assert.True(t, result.Record.Enforced)
}

func TestRescoreFromSandbox_OnlyRaisesOverall(t *testing.T) {
	store := newStubStore()
	events := &stubPublisher{}
	pipeline := newTestPipeline([]Analyzer{
		&stubAnalyzer{name: AnalyzerAuthentication, result: okResult(AnalyzerAuthentication, 0.3)},
	}, store, events)

	result, err := pipeline.ProcessMessage(context.Background(), &Message{Sender: "a@b.example"}, nil, nil)
	require.NoError(t, err)
	messageID := result.Record.MessageID

	// Malicious detonation raises the verdict.
	rec, err := pipeline.RescoreFromSandbox(context.Background(), messageID, "job-1", "https://evil.example", &AnalyzerResult{
		Analyzer: AnalyzerSandbox,
		Score:    0.95,
		Status:   StatusOK,
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.95, rec.Score.Overall, 1e-9)
	assert.Equal(t, VerdictCritical, rec.Verdict)
	assert.Equal(t, "sandbox:job-1", rec.Source)

	// A later benign detonation does not erase the raised score.
	rec, err = pipeline.RescoreFromSandbox(context.Background(), messageID, "job-2", "https://evil.example", &AnalyzerResult{
		Analyzer: AnalyzerSandbox,
		Score:    0.05,
		Status:   StatusOK,
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.95, rec.Score.Overall, 1e-9)

	// History is append-only: initial verdict plus two re-scores.
	history, err := pipeline.VerdictHistory(context.Background(), messageID)
	require.NoError(t, err)
	assert.Len(t, history, 3)

	published := events.published()
	require.Len(t, published, 3)
	assert.Equal(t, EventVerdictUpdated, published[1].Type)
	assert.Equal(t, "job-1", published[1].JobID)
}

func TestRescoreFromSandbox_UnknownMessageStartsHistory(t *testing.T) {
	store := newStubStore()
	pipeline := newTestPipeline(nil, store, &stubPublisher{})

	rec, err := pipeline.RescoreFromSandbox(context.Background(), "msg-x", "job-1", "https://example.com", &AnalyzerResult{
		Analyzer: AnalyzerSandbox,
		Score:    0.7,
		Status:   StatusOK,
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.7, rec.Score.Overall, 1e-9)
	assert.Equal(t, VerdictHigh, rec.Verdict)
}

func TestScanAttachment_UsesAttachmentAnalyzer(t *testing.T) {
	store := newStubStore()
	pipeline := newTestPipeline([]Analyzer{
		&stubAnalyzer{name: AnalyzerAttachment, result: okResult(AnalyzerAttachment, 0.9)},
	}, store, &stubPublisher{})

	res := pipeline.ScanAttachment(context.Background(), "msg-1", Attachment{Filename: "payload.exe"})
	assert.Equal(t, AnalyzerAttachment, res.Analyzer)
	assert.Equal(t, 0.9, res.Score)

	// Without the analyzer registered the scan fails instead of
	// reporting clean.
	bare := newTestPipeline(nil, store, &stubPublisher{})
	res = bare.ScanAttachment(context.Background(), "msg-1", Attachment{Filename: "payload.exe"})
	assert.Equal(t, StatusFailed, res.Status)
}

func TestMessageClone_IsDeep(t *testing.T) {
	msg := &Message{
		ID:         "m1",
		Recipients: []string{"a@example.com"},
		Headers:    map[string][]string{"Subject": {"hi"}},
		Links:      []Link{{URL: "https://example.com"}},
	}

	clone := msg.Clone()
	clone.Recipients[0] = "b@example.com"
	clone.Headers["Subject"][0] = "changed"
	clone.Links[0].URL = "https://other.example"

	assert.Equal(t, "a@example.com", msg.Recipients[0])
	assert.Equal(t, "hi", msg.Headers["Subject"][0])
	assert.Equal(t, "https://example.com", msg.Links[0].URL)
}
