package clicks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mikey/mailsentry/internal/core"
	"github.com/mikey/mailsentry/internal/rewriter"
	"github.com/mikey/mailsentry/internal/sandbox"
)

// scriptedBackend answers every detonation with a fixed outcome.
type scriptedBackend struct {
	mu        sync.Mutex
	submits   int
	submitErr error
	phase     core.BackendPhase
	score     float64
}

func (b *scriptedBackend) Submit(ctx context.Context, kind core.TargetKind, target string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.submits++
	if b.submitErr != nil {
		return "", b.submitErr
	}
	return "backend-1", nil
}

func (b *scriptedBackend) Status(ctx context.Context, backendID string) (*core.BackendStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return &core.BackendStatus{Phase: b.phase, Score: b.score}, nil
}

func (b *scriptedBackend) Artifacts(ctx context.Context, backendID string) ([]core.Artifact, error) {
	return nil, nil
}

func (b *scriptedBackend) submitCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.submits
}

func newClickFixture(t *testing.T, backend core.SandboxBackend, handleTTL time.Duration) (*Service, *rewriter.Rewriter, *sandbox.Orchestrator) {
	t.Helper()
	rw := rewriter.NewRewriter("https://gw.example.com", handleTTL, zap.NewNop())
	orch := sandbox.NewOrchestrator(backend, 5*time.Millisecond, 5*time.Second, 0, time.Millisecond, nil, zap.NewNop())
	t.Cleanup(orch.Stop)
	svc := NewService(rw, orch, 24*time.Hour, time.Second, 0.6, zap.NewNop())
	return svc, rw, orch
}

func rewriteOne(t *testing.T, rw *rewriter.Rewriter, url string) string {
	t.Helper()
	out := rw.Rewrite(&core.Message{
		ID:    "msg-1",
		Body:  url,
		Links: []core.Link{{URL: url}},
	})
	require.NotEmpty(t, out.Links[0].Handle)
	return out.Links[0].Handle
}

func TestHandleClick_CleanDetonationRedirects(t *testing.T) {
	backend := &scriptedBackend{phase: core.PhaseDone, score: 0.1}
	svc, rw, _ := newClickFixture(t, backend, time.Hour)
	handle := rewriteOne(t, rw, "https://example.com/doc")

	d, err := svc.HandleClick(context.Background(), handle)
	require.NoError(t, err)
	assert.Equal(t, ClickRedirect, d.Action)
	assert.Equal(t, "https://example.com/doc", d.URL)
	assert.NotEmpty(t, d.JobID)
}

func TestHandleClick_MaliciousDetonationBlocks(t *testing.T) {
	backend := &scriptedBackend{phase: core.PhaseDone, score: 0.9}
	svc, rw, _ := newClickFixture(t, backend, time.Hour)
	handle := rewriteOne(t, rw, "https://evil.example/login")

	d, err := svc.HandleClick(context.Background(), handle)
	require.NoError(t, err)
	assert.Equal(t, ClickBlock, d.Action)
	assert.Empty(t, d.URL, "the original URL never leaks on a block")
}

func TestHandleClick_SlowDetonationHolds(t *testing.T) {
	backend := &scriptedBackend{phase: core.PhasePending}
	rw := rewriter.NewRewriter("https://gw.example.com", time.Hour, zap.NewNop())
	orch := sandbox.NewOrchestrator(backend, 5*time.Millisecond, 5*time.Second, 0, time.Millisecond, nil, zap.NewNop())
	t.Cleanup(orch.Stop)
	svc := NewService(rw, orch, 24*time.Hour, 30*time.Millisecond, 0.6, zap.NewNop())
	handle := rewriteOne(t, rw, "https://slow.example")

	d, err := svc.HandleClick(context.Background(), handle)
	require.NoError(t, err)
	assert.Equal(t, ClickHold, d.Action)
	assert.NotEmpty(t, d.JobID)

	// The interstitial can poll the held job.
	st, ok := svc.JobStatus(d.JobID)
	require.True(t, ok)
	assert.False(t, st.State.Terminal())

	_, ok = svc.JobStatus("unknown")
	assert.False(t, ok)
}

func TestHandleClick_FreshResultIsReused(t *testing.T) {
	backend := &scriptedBackend{phase: core.PhaseDone, score: 0.1}
	svc, rw, _ := newClickFixture(t, backend, time.Hour)
	handle := rewriteOne(t, rw, "https://example.com/doc")

	first, err := svc.HandleClick(context.Background(), handle)
	require.NoError(t, err)
	require.Equal(t, ClickRedirect, first.Action)

	second, err := svc.HandleClick(context.Background(), handle)
	require.NoError(t, err)
	assert.Equal(t, ClickRedirect, second.Action)
	assert.Equal(t, 1, backend.submitCount(), "a fresh verdict must not trigger a second detonation")
}

func TestHandleClick_StaleResultTriggersNewDetonation(t *testing.T) {
	backend := &scriptedBackend{phase: core.PhaseDone, score: 0.1}
	rw := rewriter.NewRewriter("https://gw.example.com", time.Hour, zap.NewNop())
	orch := sandbox.NewOrchestrator(backend, 5*time.Millisecond, 5*time.Second, 0, time.Millisecond, nil, zap.NewNop())
	t.Cleanup(orch.Stop)
	svc := NewService(rw, orch, 20*time.Millisecond, time.Second, 0.6, zap.NewNop())
	handle := rewriteOne(t, rw, "https://example.com/doc")

	first, err := svc.HandleClick(context.Background(), handle)
	require.NoError(t, err)
	require.Equal(t, ClickRedirect, first.Action)
	require.Equal(t, 1, backend.submitCount())

	// Let the first verdict age past the freshness window.
	time.Sleep(50 * time.Millisecond)

	second, err := svc.HandleClick(context.Background(), handle)
	require.NoError(t, err)
	assert.Equal(t, ClickRedirect, second.Action)
	assert.Equal(t, 2, backend.submitCount(), "a stale verdict means a fresh detonation")
	assert.NotEqual(t, first.JobID, second.JobID)
}

func TestHandleClick_SubmissionFailureBlocks(t *testing.T) {
	backend := &scriptedBackend{submitErr: errors.New("backend down")}
	svc, rw, _ := newClickFixture(t, backend, time.Hour)
	handle := rewriteOne(t, rw, "https://example.com")

	d, err := svc.HandleClick(context.Background(), handle)
	require.NoError(t, err)
	assert.Equal(t, ClickBlock, d.Action, "unscannable means blocked, never a pass-through")
	assert.Equal(t, "detonation unavailable", d.Reason)
}

func TestHandleClick_ExpiredHandleBlocks(t *testing.T) {
	backend := &scriptedBackend{phase: core.PhaseDone, score: 0.1}
	svc, rw, _ := newClickFixture(t, backend, time.Nanosecond)
	handle := rewriteOne(t, rw, "https://example.com")

	time.Sleep(5 * time.Millisecond)

	d, err := svc.HandleClick(context.Background(), handle)
	require.NoError(t, err)
	assert.Equal(t, ClickBlock, d.Action)
	assert.Equal(t, "link expired", d.Reason)
	assert.Equal(t, 0, backend.submitCount())
}

func TestHandleClick_UnknownHandle(t *testing.T) {
	backend := &scriptedBackend{phase: core.PhaseDone}
	svc, _, _ := newClickFixture(t, backend, time.Hour)

	_, err := svc.HandleClick(context.Background(), "nope")
	assert.ErrorIs(t, err, core.ErrHandleNotFound)
}

func TestHandleClick_FailedDetonationBlocks(t *testing.T) {
	backend := &scriptedBackend{phase: core.PhaseFailed}
	svc, rw, _ := newClickFixture(t, backend, time.Hour)
	handle := rewriteOne(t, rw, "https://example.com")

	d, err := svc.HandleClick(context.Background(), handle)
	require.NoError(t, err)
	assert.Equal(t, ClickBlock, d.Action)
	assert.Equal(t, "detonation did not finish", d.Reason)
}
