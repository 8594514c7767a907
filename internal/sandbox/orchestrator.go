package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mikey/mailsentry/internal/core"
)

// Job is one detonation tracked by the orchestrator. State moves forward
// only; once terminal it never changes again, and done is closed exactly
// once when it does.
type Job struct {
	ID        string
	MessageID string
	Kind      core.TargetKind
	Target    string
	BackendID string

	mu        sync.Mutex
	state     core.JobState
	score     float64
	summary   string
	err       string
	attempts  int
	artifacts []core.Artifact
	createdAt time.Time
	updatedAt time.Time
	done      chan struct{}
}

// State returns the job's current state.
func (j *Job) State() core.JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Snapshot returns a point-in-time copy of the job's mutable fields.
func (j *Job) Snapshot() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return JobStatus{
		ID:        j.ID,
		MessageID: j.MessageID,
		Kind:      j.Kind,
		Target:    j.Target,
		State:     j.state,
		Score:     j.score,
		Summary:   j.summary,
		Error:     j.err,
		Attempts:  j.attempts,
		Artifacts: append([]core.Artifact(nil), j.artifacts...),
		CreatedAt: j.createdAt,
		UpdatedAt: j.updatedAt,
	}
}

// Done returns a channel closed when the job reaches a terminal state.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// transition applies next if the state machine allows it. Attempts to
// leave a terminal state report ErrJobTerminal and change nothing.
func (j *Job) transition(next core.JobState) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.transitionLocked(next)
}

// fail records the reason and moves to a terminal failure state in one
// step, so a job that already finished keeps its fields untouched.
func (j *Job) fail(next core.JobState, reason string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.state == next {
		return nil
	}
	if err := j.transitionLocked(next); err != nil {
		return err
	}
	j.err = reason
	return nil
}

// complete records the backend result and moves to the complete state
// under one lock, stepping through running if the backend finished
// between polls. A job that was cancelled meanwhile stays untouched.
func (j *Job) complete(status *core.BackendStatus, artifacts []core.Artifact) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.state == core.JobSubmitted {
		if err := j.transitionLocked(core.JobRunning); err != nil {
			return err
		}
	}
	if err := j.transitionLocked(core.JobComplete); err != nil {
		return err
	}
	j.score = status.Score
	j.summary = status.Summary
	j.artifacts = artifacts
	return nil
}

// transitionLocked requires j.mu held.
func (j *Job) transitionLocked(next core.JobState) error {
	if j.state == next {
		return nil
	}
	if !j.state.CanTransition(next) {
		if j.state.Terminal() {
			return fmt.Errorf("%w: %s -> %s", core.ErrJobTerminal, j.state, next)
		}
		return fmt.Errorf("invalid job transition %s -> %s", j.state, next)
	}

	j.state = next
	j.updatedAt = time.Now()
	if next.Terminal() {
		close(j.done)
	}
	return nil
}

// JobStatus is the externally visible view of a job.
type JobStatus struct {
	ID        string
	MessageID string
	Kind      core.TargetKind
	Target    string
	State     core.JobState
	Score     float64
	Summary   string
	Error     string
	Attempts  int
	Artifacts []core.Artifact
	CreatedAt time.Time
	UpdatedAt time.Time
}

// VerdictNotifier receives the rescoring callback when a detonation
// finishes with a result worth folding back into the message verdict.
type VerdictNotifier func(ctx context.Context, messageID, jobID, target string, result *core.AnalyzerResult)

// Orchestrator drives sandbox jobs through their lifecycle: submission
// with bounded retries, polling while the backend works, a hard deadline,
// and a single artifact collection pass at completion.
type Orchestrator struct {
	backend      core.SandboxBackend
	pollInterval time.Duration
	deadline     time.Duration
	maxRetries   int
	backoffBase  time.Duration
	notify       VerdictNotifier
	logger       *zap.Logger

	mu       sync.RWMutex
	jobs     map[string]*Job
	byTarget map[string]*Job

	wg         sync.WaitGroup
	rootCtx    context.Context
	rootCancel context.CancelFunc
}

// NewOrchestrator creates a sandbox orchestrator.
func NewOrchestrator(
	backend core.SandboxBackend,
	pollInterval time.Duration,
	deadline time.Duration,
	maxRetries int,
	backoffBase time.Duration,
	notify VerdictNotifier,
	logger *zap.Logger,
) *Orchestrator {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	if deadline <= 0 {
		deadline = 5 * time.Minute
	}
	if backoffBase <= 0 {
		backoffBase = time.Second
	}
	rootCtx, rootCancel := context.WithCancel(context.Background())
	return &Orchestrator{
		backend:      backend,
		pollInterval: pollInterval,
		deadline:     deadline,
		maxRetries:   maxRetries,
		backoffBase:  backoffBase,
		notify:       notify,
		logger:       logger,
		jobs:         make(map[string]*Job),
		byTarget:     make(map[string]*Job),
		rootCtx:      rootCtx,
		rootCancel:   rootCancel,
	}
}

// Submit queues a detonation and starts driving it in the background.
func (o *Orchestrator) Submit(ctx context.Context, messageID string, kind core.TargetKind, target string) (*Job, error) {
	job := &Job{
		ID:        uuid.New().String(),
		MessageID: messageID,
		Kind:      kind,
		Target:    target,
		state:     core.JobQueued,
		createdAt: time.Now(),
		updatedAt: time.Now(),
		done:      make(chan struct{}),
	}

	o.mu.Lock()
	o.jobs[job.ID] = job
	o.byTarget[targetKey(kind, target)] = job
	o.mu.Unlock()

	o.logger.Info("Sandbox job queued",
		zap.String("job_id", job.ID),
		zap.String("message_id", messageID),
		zap.String("kind", string(kind)),
		zap.String("target", target))

	o.wg.Add(1)
	go o.run(job)

	return job, nil
}

// Job returns a tracked job by ID.
func (o *Orchestrator) Job(jobID string) (*Job, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	job, ok := o.jobs[jobID]
	return job, ok
}

// LookupFresh returns a terminal job for the same target completed within
// the freshness window, letting click handling reuse a recent detonation
// instead of submitting a duplicate.
func (o *Orchestrator) LookupFresh(kind core.TargetKind, target string, window time.Duration) (*Job, bool) {
	o.mu.RLock()
	job, ok := o.byTarget[targetKey(kind, target)]
	o.mu.RUnlock()
	if !ok {
		return nil, false
	}

	st := job.Snapshot()
	if st.State != core.JobComplete {
		return nil, false
	}
	if time.Since(st.UpdatedAt) > window {
		return nil, false
	}
	return job, true
}

// Cancel moves a non-terminal job to the error state. Cancelling a
// terminal job reports ErrJobTerminal.
func (o *Orchestrator) Cancel(jobID, reason string) error {
	job, ok := o.Job(jobID)
	if !ok {
		return fmt.Errorf("unknown sandbox job %s", jobID)
	}

	if err := job.fail(core.JobError, "cancelled: "+reason); err != nil {
		return err
	}
	o.logger.Info("Sandbox job cancelled",
		zap.String("job_id", jobID),
		zap.String("reason", reason))
	return nil
}

// Wait blocks until the job is terminal, the budget elapses or ctx is
// cancelled. It reports whether the job finished within the budget.
func (o *Orchestrator) Wait(ctx context.Context, job *Job, budget time.Duration) bool {
	timer := time.NewTimer(budget)
	defer timer.Stop()

	select {
	case <-job.Done():
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// Stop interrupts all job loops and waits for them. Jobs cut off by
// shutdown end in the error state, not timeout.
func (o *Orchestrator) Stop() {
	o.rootCancel()
	o.wg.Wait()
}

// run drives one job from queued to a terminal state.
func (o *Orchestrator) run(job *Job) {
	defer o.wg.Done()

	ctx, cancel := context.WithTimeout(o.rootCtx, o.deadline)
	defer cancel()

	backendID, err := o.submitWithRetry(ctx, job)
	if err != nil {
		o.failJob(job, err)
		return
	}

	job.mu.Lock()
	job.BackendID = backendID
	job.mu.Unlock()
	if err := job.transition(core.JobSubmitted); err != nil {
		// Cancelled while submitting. The backend job runs unobserved.
		return
	}

	o.poll(ctx, job)
}

// submitWithRetry retries transient submission failures with exponential
// backoff. The deadline bounds the whole attempt sequence.
func (o *Orchestrator) submitWithRetry(ctx context.Context, job *Job) (string, error) {
	var lastErr error

	for attempt := 0; attempt <= o.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := o.backoffBase << (attempt - 1)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", fmt.Errorf("%w: deadline during submission retries: %v", core.ErrSandboxSubmission, lastErr)
			}
		}

		job.mu.Lock()
		job.attempts = attempt + 1
		job.mu.Unlock()

		backendID, err := o.backend.Submit(ctx, job.Kind, job.Target)
		if err == nil {
			return backendID, nil
		}
		lastErr = err
		o.logger.Warn("Sandbox submission failed",
			zap.String("job_id", job.ID),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}

	return "", fmt.Errorf("%w: %d attempts: %v", core.ErrSandboxSubmission, o.maxRetries+1, lastErr)
}

// poll watches the backend until the job finishes or the deadline hits.
// Once running, the job is never resubmitted; a lost backend is an error,
// not a retry.
func (o *Orchestrator) poll(ctx context.Context, job *Job) {
	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if o.rootCtx.Err() != nil {
				o.failJob(job, fmt.Errorf("%w: orchestrator shutting down", core.ErrSandboxBackend))
			} else {
				o.timeoutJob(job)
			}
			return
		case <-job.Done():
			// Cancelled externally.
			return
		case <-ticker.C:
		}

		status, err := o.backend.Status(ctx, job.BackendID)
		if err != nil {
			o.logger.Warn("Sandbox status poll failed",
				zap.String("job_id", job.ID),
				zap.Error(err))
			continue
		}

		switch status.Phase {
		case core.PhasePending:
			// Still queued on the backend.
		case core.PhaseRunning:
			if job.State() == core.JobSubmitted {
				if err := job.transition(core.JobRunning); err != nil {
					return
				}
			}
		case core.PhaseDone:
			o.completeJob(ctx, job, status)
			return
		case core.PhaseFailed:
			o.failJob(job, fmt.Errorf("%w: %s", core.ErrSandboxBackend, status.Summary))
			return
		}
	}
}

// completeJob records the result, collects artifacts once and notifies
// the verdict pipeline.
func (o *Orchestrator) completeJob(ctx context.Context, job *Job, status *core.BackendStatus) {
	artifacts, err := o.backend.Artifacts(ctx, job.BackendID)
	if err != nil {
		o.logger.Warn("Failed to collect sandbox artifacts",
			zap.String("job_id", job.ID),
			zap.Error(err))
	}

	if err := job.complete(status, artifacts); err != nil {
		return
	}

	o.logger.Info("Sandbox job complete",
		zap.String("job_id", job.ID),
		zap.Float64("score", status.Score))

	if o.notify != nil {
		o.notify(context.Background(), job.MessageID, job.ID, job.Target, &core.AnalyzerResult{
			Analyzer:   core.AnalyzerSandbox,
			Score:      status.Score,
			Confidence: 0.9,
			Status:     core.StatusOK,
			Details:    map[string]string{"summary": status.Summary},
		})
	}
}

// timeoutJob marks a job that exhausted its deadline. The verdict
// pipeline is notified with a degraded, risk-leaning result: a detonation
// that could not finish is treated as suspicious, not clean.
func (o *Orchestrator) timeoutJob(job *Job) {
	if err := job.fail(core.JobTimeout, core.ErrSandboxTimeout.Error()); err != nil {
		return
	}

	o.logger.Warn("Sandbox job timed out",
		zap.String("job_id", job.ID),
		zap.String("target", job.Target))

	if o.notify != nil {
		o.notify(context.Background(), job.MessageID, job.ID, job.Target, DegradedResult())
	}
}

func (o *Orchestrator) failJob(job *Job, cause error) {
	if err := job.fail(core.JobError, cause.Error()); err != nil {
		return
	}

	o.logger.Error("Sandbox job failed",
		zap.String("job_id", job.ID),
		zap.Error(cause))

	if o.notify != nil {
		o.notify(context.Background(), job.MessageID, job.ID, job.Target, DegradedResult())
	}
}

// DegradedResult is the risk-leaning score used when a detonation cannot
// produce a real verdict.
func DegradedResult() *core.AnalyzerResult {
	return &core.AnalyzerResult{
		Analyzer:   core.AnalyzerSandbox,
		Score:      0.65,
		Confidence: 0.3,
		Status:     core.StatusDegraded,
		Details:    map[string]string{"summary": "detonation did not finish"},
	}
}

func targetKey(kind core.TargetKind, target string) string {
	return string(kind) + ":" + target
}
