package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mikey/mailsentry/internal/adapters/events"
	"github.com/mikey/mailsentry/internal/adapters/store"
	"github.com/mikey/mailsentry/internal/clicks"
	"github.com/mikey/mailsentry/internal/core"
	"github.com/mikey/mailsentry/internal/incident"
	"github.com/mikey/mailsentry/internal/rewriter"
	"github.com/mikey/mailsentry/internal/sandbox"
)

type fixedAnalyzer struct {
	name  string
	score float64
}

func (a *fixedAnalyzer) Name() string { return a.name }

func (a *fixedAnalyzer) Analyze(ctx context.Context, msg *core.Message) *core.AnalyzerResult {
	if a.name == core.AnalyzerAttachment {
		score := 0.0
		for _, att := range msg.Attachments {
			if att.Filename == "payload.exe" {
				score = 0.9
			}
		}
		return &core.AnalyzerResult{Analyzer: a.name, Score: score, Confidence: 0.9, Status: core.StatusOK}
	}
	return &core.AnalyzerResult{Analyzer: a.name, Score: a.score, Confidence: 0.9, Status: core.StatusOK}
}

type cleanBackend struct{ score float64 }

func (b *cleanBackend) Submit(ctx context.Context, kind core.TargetKind, target string) (string, error) {
	return "backend-1", nil
}

func (b *cleanBackend) Status(ctx context.Context, backendID string) (*core.BackendStatus, error) {
	return &core.BackendStatus{Phase: core.PhaseDone, Score: b.score}, nil
}

func (b *cleanBackend) Artifacts(ctx context.Context, backendID string) ([]core.Artifact, error) {
	return nil, nil
}

type serverFixture struct {
	server     *Server
	pipeline   *core.PipelineService
	rewriter   *rewriter.Rewriter
	correlator *incident.Correlator
}

func newServerFixture(t *testing.T, analyzerScore float64, backendScore float64) *serverFixture {
	t.Helper()
	logger := zap.NewNop()

	rw := rewriter.NewRewriter("https://gw.example.com", time.Hour, logger)
	correlator := incident.NewCorrelator(time.Hour, core.VerdictMedium, logger)

	pipeline := core.NewPipelineService(
		[]core.Analyzer{
			&fixedAnalyzer{name: core.AnalyzerAuthentication, score: analyzerScore},
			&fixedAnalyzer{name: core.AnalyzerAttachment},
		},
		core.NewAggregator(0.6, logger),
		core.NewPolicyEngine(logger),
		store.NewMemoryStore(),
		events.NewNoopPublisher(),
		rw,
		correlator,
		core.AnalyzerTimeouts{Default: time.Second, Grace: 100 * time.Millisecond},
		logger,
	)

	orch := sandbox.NewOrchestrator(&cleanBackend{score: backendScore}, 5*time.Millisecond, 5*time.Second, 0, time.Millisecond, nil, logger)
	t.Cleanup(orch.Stop)

	clickService := clicks.NewService(rw, orch, 24*time.Hour, time.Second, 0.6, logger)
	server := NewServer(":0", pipeline, clickService, orch, correlator, logger)

	return &serverFixture{
		server:     server,
		pipeline:   pipeline,
		rewriter:   rw,
		correlator: correlator,
	}
}

func (f *serverFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.server.httpServer.Handler.ServeHTTP(w, req)
	return w
}

func TestServer_ProcessEmail(t *testing.T) {
	f := newServerFixture(t, 0.05, 0.1)

	w := f.do(t, http.MethodPost, "/email/process", map[string]any{
		"message_id": "m1",
		"sender":     "sender@example.com",
		"subject":    "hello",
		"body":       "no threats here",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "m1", resp["message_id"])
	assert.Equal(t, "safe", resp["verdict"])
	assert.Equal(t, "allow", resp["action"])

	// The verdict is retrievable afterwards.
	w = f.do(t, http.MethodGet, "/verdict/m1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/verdict/m1/history", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var history struct {
		History []map[string]any `json:"history"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &history))
	assert.Len(t, history.History, 1)
}

func TestServer_ProcessEmail_Validation(t *testing.T) {
	f := newServerFixture(t, 0.05, 0.1)

	// Sender is required.
	w := f.do(t, http.MethodPost, "/email/process", map[string]any{"subject": "hi"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServer_UnknownVerdict(t *testing.T) {
	f := newServerFixture(t, 0.05, 0.1)

	w := f.do(t, http.MethodGet, "/verdict/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodGet, "/verdict/nope/history", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_ProcessAttachment(t *testing.T) {
	f := newServerFixture(t, 0.05, 0.1)

	w := f.do(t, http.MethodPost, "/attachment/process", map[string]any{
		"message_id": "m1",
		"attachment": map[string]any{
			"filename":    "payload.exe",
			"size_bytes":  4096,
			"storage_ref": "s3://bucket/payload.exe",
		},
		"detonate": true,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, core.AnalyzerAttachment, resp["analyzer"])
	assert.Equal(t, 0.9, resp["score"])
	assert.NotEmpty(t, resp["job_id"], "detonate with a storage ref queues a sandbox job")

	// The queued job is visible on the job surface.
	jobID := resp["job_id"].(string)
	require.Eventually(t, func() bool {
		w := f.do(t, http.MethodGet, "/sandbox/jobs/"+jobID, nil)
		if w.Code != http.StatusOK {
			return false
		}
		var job map[string]any
		if err := json.Unmarshal(w.Body.Bytes(), &job); err != nil {
			return false
		}
		return job["state"] == string(core.JobComplete)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServer_ClickFlow(t *testing.T) {
	clean := newServerFixture(t, 0.05, 0.1)

	out := clean.rewriter.Rewrite(&core.Message{
		ID:    "m1",
		Body:  "https://example.com/doc",
		Links: []core.Link{{URL: "https://example.com/doc"}},
	})
	handle := out.Links[0].Handle

	w := clean.do(t, http.MethodGet, "/link/click/"+handle, nil)
	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "https://example.com/doc", w.Header().Get("Location"))

	// Malicious target is blocked with 403.
	dirty := newServerFixture(t, 0.05, 0.95)
	out = dirty.rewriter.Rewrite(&core.Message{
		ID:    "m2",
		Body:  "https://evil.example",
		Links: []core.Link{{URL: "https://evil.example"}},
	})
	w = dirty.do(t, http.MethodGet, "/link/click/"+out.Links[0].Handle, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	// Unknown handles are 404.
	w = clean.do(t, http.MethodGet, "/link/click/unknown", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_Incidents(t *testing.T) {
	f := newServerFixture(t, 0.05, 0.1)

	f.correlator.RecordVerdict(
		&core.Message{ID: "m1", Sender: "a@evil.example"},
		&core.VerdictRecord{MessageID: "m1", Verdict: core.VerdictHigh, RecordedAt: time.Now()},
	)

	w := f.do(t, http.MethodGet, "/incidents", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Incidents []map[string]any `json:"incidents"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Incidents, 1)
	id := list.Incidents[0]["id"].(string)

	w = f.do(t, http.MethodGet, "/incidents/"+id, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodPatch, "/incidents/"+id, map[string]any{
		"status":      core.IncidentTriaged,
		"assigned_to": "analyst@soc.example",
	})
	assert.Equal(t, http.StatusNoContent, w.Code)

	// Unknown workflow states are rejected.
	w = f.do(t, http.MethodPatch, "/incidents/"+id, map[string]any{"status": "vanished"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPatch, "/incidents/missing", map[string]any{"status": core.IncidentOpen})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_HealthReflectsCircuitState(t *testing.T) {
	f := newServerFixture(t, 0.05, 0.1)

	// Before any degradation the service is healthy.
	w := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var health map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, false, health["fail_safe"])
}
