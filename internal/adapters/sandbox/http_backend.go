package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mikey/mailsentry/internal/core"
)

// HTTPBackend talks to a detonation service over its JSON REST API. It
// implements the SandboxBackend port; the orchestrator owns retries,
// deadlines and state, this adapter only moves requests.
type HTTPBackend struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewHTTPBackend creates a detonation service client.
func NewHTTPBackend(baseURL, apiKey string, requestTimeout time.Duration, logger *zap.Logger) *HTTPBackend {
	if requestTimeout <= 0 {
		requestTimeout = 10 * time.Second
	}
	return &HTTPBackend{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: requestTimeout},
		logger:     logger,
	}
}

type submitRequest struct {
	Kind   string `json:"kind"`
	Target string `json:"target"`
}

type submitResponse struct {
	ID string `json:"id"`
}

type statusResponse struct {
	Phase   string  `json:"phase"`
	Score   float64 `json:"score"`
	Summary string  `json:"summary"`
}

type artifactResponse struct {
	Type        string    `json:"type"`
	Ref         string    `json:"ref"`
	CollectedAt time.Time `json:"collected_at"`
}

// Submit enqueues a detonation and returns the backend's job identifier.
func (b *HTTPBackend) Submit(ctx context.Context, kind core.TargetKind, target string) (string, error) {
	payload, err := json.Marshal(submitRequest{Kind: string(kind), Target: target})
	if err != nil {
		return "", fmt.Errorf("failed to marshal submission: %w", err)
	}

	var resp submitResponse
	if err := b.do(ctx, http.MethodPost, "/v1/detonations", bytes.NewReader(payload), &resp); err != nil {
		return "", fmt.Errorf("%w: %v", core.ErrSandboxSubmission, err)
	}
	if resp.ID == "" {
		return "", fmt.Errorf("%w: backend returned no job id", core.ErrSandboxSubmission)
	}
	return resp.ID, nil
}

// Status reports the backend's view of a detonation.
func (b *HTTPBackend) Status(ctx context.Context, backendID string) (*core.BackendStatus, error) {
	var resp statusResponse
	if err := b.do(ctx, http.MethodGet, "/v1/detonations/"+backendID, nil, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrSandboxBackend, err)
	}

	phase, err := parsePhase(resp.Phase)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrSandboxBackend, err)
	}
	return &core.BackendStatus{
		Phase:   phase,
		Score:   resp.Score,
		Summary: resp.Summary,
	}, nil
}

// Artifacts fetches the evidence collected for a finished detonation.
func (b *HTTPBackend) Artifacts(ctx context.Context, backendID string) ([]core.Artifact, error) {
	var resp []artifactResponse
	if err := b.do(ctx, http.MethodGet, "/v1/detonations/"+backendID+"/artifacts", nil, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrSandboxBackend, err)
	}

	artifacts := make([]core.Artifact, 0, len(resp))
	for _, a := range resp {
		artifacts = append(artifacts, core.Artifact{
			Type:        a.Type,
			Ref:         a.Ref,
			CollectedAt: a.CollectedAt,
		})
	}
	return artifacts, nil
}

func (b *HTTPBackend) do(ctx context.Context, method, path string, body io.Reader, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if b.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("backend returned %d: %s", resp.StatusCode, string(snippet))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

func parsePhase(s string) (core.BackendPhase, error) {
	switch s {
	case "pending", "queued":
		return core.PhasePending, nil
	case "running":
		return core.PhaseRunning, nil
	case "done", "complete":
		return core.PhaseDone, nil
	case "failed", "error":
		return core.PhaseFailed, nil
	default:
		return "", fmt.Errorf("unknown phase %q", s)
	}
}
