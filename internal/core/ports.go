package core

import (
	"context"
	"time"
)

// Analyzer is one scoring engine in the fan-out. Implementations must be
// safe for concurrent use and must honor ctx cancellation; a slow
// analyzer is timed out by the pipeline, not trusted to return.
type Analyzer interface {
	Name() string
	Analyze(ctx context.Context, msg *Message) *AnalyzerResult
}

// ReputationCache stores reputation lookups with TTL expiry. GetOrFetch
// must collapse concurrent misses for the same key into a single
// upstream fetch.
type ReputationCache interface {
	GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetch func(ctx context.Context) (*ReputationEntry, error)) (*ReputationEntry, error)
	Delete(ctx context.Context, key string) error
	Cleanup(ctx context.Context) error
}

// Classifier is one member of the AI ensemble.
type Classifier interface {
	Classify(ctx context.Context, features FeatureVector) (*ClassifierScores, error)
}

// BackendPhase is the detonation backend's view of a job.
type BackendPhase string

const (
	PhasePending BackendPhase = "pending"
	PhaseRunning BackendPhase = "running"
	PhaseDone    BackendPhase = "done"
	PhaseFailed  BackendPhase = "failed"
)

// BackendStatus is a point-in-time report from the detonation backend.
type BackendStatus struct {
	Phase   BackendPhase
	Score   float64
	Summary string
}

// SandboxBackend is the detonation service. The orchestrator owns job
// state, retries and deadlines; the backend only executes.
type SandboxBackend interface {
	Submit(ctx context.Context, kind TargetKind, target string) (string, error)
	Status(ctx context.Context, backendID string) (*BackendStatus, error)
	Artifacts(ctx context.Context, backendID string) ([]Artifact, error)
}

// VerdictStore is the append-only verdict history. Append never
// overwrites: rescores add records and Current returns the latest.
type VerdictStore interface {
	Append(ctx context.Context, rec *VerdictRecord) error
	Current(ctx context.Context, messageID string) (*VerdictRecord, error)
	History(ctx context.Context, messageID string) ([]*VerdictRecord, error)
}

// EventPublisher emits verdict and sandbox events to downstream
// consumers (webhooks, SIEM feeds).
type EventPublisher interface {
	Publish(ctx context.Context, event *Event) error
	Close() error
}
