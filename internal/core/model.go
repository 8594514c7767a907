package core

import (
	"time"
)

// Message is the immutable input unit of the pipeline. It is created on
// ingestion and never mutated; analyzers receive read-only views and the
// link rewriter returns a modified copy.
type Message struct {
	ID          string
	TenantID    string
	Sender      string
	Recipients  []string
	Subject     string
	Body        string
	Headers     map[string][]string
	Links       []Link
	Attachments []Attachment
	ReceivedAt  time.Time
}

// Clone returns a deep copy of the message. The rewriter uses it so the
// original ingested message stays untouched.
func (m *Message) Clone() *Message {
	c := *m
	c.Recipients = append([]string(nil), m.Recipients...)
	c.Links = append([]Link(nil), m.Links...)
	c.Attachments = append([]Attachment(nil), m.Attachments...)
	c.Headers = make(map[string][]string, len(m.Headers))
	for k, v := range m.Headers {
		c.Headers[k] = append([]string(nil), v...)
	}
	return &c
}

// SenderDomain extracts the domain part of the envelope sender, or "" if
// the address is malformed.
func (m *Message) SenderDomain() string {
	return DomainOf(m.Sender)
}

// Link is an embedded URL, possibly already rewritten into a tracked handle.
type Link struct {
	URL    string
	Handle string
}

// Attachment carries file metadata and a storage reference; the pipeline
// never holds raw attachment bytes.
type Attachment struct {
	Filename    string
	ContentType string
	SizeBytes   int64
	SHA256      string
	StorageRef  string
}

// AnalyzerStatus reflects how an analyzer run ended.
type AnalyzerStatus string

const (
	StatusOK       AnalyzerStatus = "ok"
	StatusDegraded AnalyzerStatus = "degraded"
	StatusFailed   AnalyzerStatus = "failed"
	StatusTimeout  AnalyzerStatus = "timeout"
)

// Analyzer names. The aggregator's weight table is keyed by these, so the
// set is fixed; registration happens via an explicit ordered list, not
// reflection.
const (
	AnalyzerAuthentication = "authentication"
	AnalyzerReputation     = "reputation"
	AnalyzerHeader         = "header"
	AnalyzerAttachment     = "attachment"
	AnalyzerEnsemble       = "ai_ensemble"
	AnalyzerSandbox        = "sandbox"
)

// AnalyzerResult is one analyzer's contribution for one message. A failed
// or timed-out result carries no score; the aggregator redistributes its
// weight instead of treating the gap as zero risk.
type AnalyzerResult struct {
	Analyzer   string
	Score      float64
	Confidence float64
	Status     AnalyzerStatus
	Details    map[string]string
	Error      string
}

// Scored reports whether the result contributes a usable score.
func (r *AnalyzerResult) Scored() bool {
	return r.Status == StatusOK || r.Status == StatusDegraded
}

// FailedResult builds the recovery result for an analyzer that errored or
// timed out. Callers of the aggregator never see analyzer errors directly.
func FailedResult(analyzer string, status AnalyzerStatus, err error) *AnalyzerResult {
	res := &AnalyzerResult{
		Analyzer: analyzer,
		Status:   status,
	}
	if err != nil {
		res.Error = err.Error()
	}
	return res
}

// ThreatScore is the aggregate of one scoring pass. Re-scoring produces a
// new ThreatScore; history is append-only.
type ThreatScore struct {
	Overall          float64
	PerAnalyzer      map[string]float64
	MissingAnalyzers []string
	ComputedAt       time.Time
}

// Verdict is the discrete risk bucket derived from a ThreatScore.
type Verdict string

const (
	VerdictSafe     Verdict = "safe"
	VerdictLow      Verdict = "low"
	VerdictMedium   Verdict = "medium"
	VerdictHigh     Verdict = "high"
	VerdictCritical Verdict = "critical"
)

// VerdictForScore maps an overall score to its verdict bucket. Thresholds
// are fixed at this layer; tenant customization happens in the policy
// engine, never here.
func VerdictForScore(score float64) Verdict {
	switch {
	case score >= 0.8:
		return VerdictCritical
	case score >= 0.6:
		return VerdictHigh
	case score >= 0.4:
		return VerdictMedium
	case score >= 0.2:
		return VerdictLow
	default:
		return VerdictSafe
	}
}

var verdictRank = map[Verdict]int{
	VerdictSafe:     0,
	VerdictLow:      1,
	VerdictMedium:   2,
	VerdictHigh:     3,
	VerdictCritical: 4,
}

// AtLeast reports whether v is as severe as other.
func (v Verdict) AtLeast(other Verdict) bool {
	return verdictRank[v] >= verdictRank[other]
}

// MaxVerdict returns the more severe of two verdicts.
func MaxVerdict(a, b Verdict) Verdict {
	if a.AtLeast(b) {
		return a
	}
	return b
}

// Action is the enforcement outcome chosen by the policy engine.
type Action string

const (
	ActionAllow            Action = "allow"
	ActionAllowWithWarning Action = "allow_with_warning"
	ActionQuarantine       Action = "quarantine"
	ActionBlock            Action = "block"
)

// EnforcementLevel controls whether a computed action is applied or only
// recorded (staged rollout).
type EnforcementLevel string

const (
	EnforcementAdvisory EnforcementLevel = "advisory"
	EnforcementStrict   EnforcementLevel = "strict"
)

// TenantPolicy is the per-tenant decision configuration. Overrides take
// precedence over the global mapping but may never downgrade a critical
// verdict below quarantine.
type TenantPolicy struct {
	TenantID                string
	ThresholdOverrides      map[Verdict]Action
	InternalDomainAllowlist []string
	HighRiskUsers           []string
	EnforcementLevel        EnforcementLevel
}

// UserContext describes the recipient a decision applies to.
type UserContext struct {
	Email    string
	HighRisk bool
}

// Decision is the policy engine's output. Enforced is false in advisory
// mode: the action is computed and recorded but not applied.
type Decision struct {
	Action   Action
	Enforced bool
	Reason   string
}

// VerdictRecord is one entry in a message's append-only verdict history.
type VerdictRecord struct {
	ID         string
	MessageID  string
	Score      *ThreatScore
	Verdict    Verdict
	Action     Action
	Enforced   bool
	Source     string
	RecordedAt time.Time
}

// JobState is the sandbox job state machine position. Transitions are
// monotonic; complete, timeout and error are absorbing.
type JobState string

const (
	JobQueued    JobState = "queued"
	JobSubmitted JobState = "submitted"
	JobRunning   JobState = "running"
	JobComplete  JobState = "complete"
	JobTimeout   JobState = "timeout"
	JobError     JobState = "error"
)

// Terminal reports whether the state is absorbing.
func (s JobState) Terminal() bool {
	return s == JobComplete || s == JobTimeout || s == JobError
}

var jobStateOrder = map[JobState]int{
	JobQueued:    0,
	JobSubmitted: 1,
	JobRunning:   2,
	JobComplete:  3,
	JobTimeout:   3,
	JobError:     3,
}

// CanTransition reports whether moving from s to next respects the
// monotonic state order.
func (s JobState) CanTransition(next JobState) bool {
	if s.Terminal() {
		return false
	}
	return jobStateOrder[next] > jobStateOrder[s]
}

// TargetKind distinguishes URL detonation from file detonation.
type TargetKind string

const (
	TargetURL  TargetKind = "url"
	TargetFile TargetKind = "file"
)

// Artifact is a reference to evidence captured by the sandbox backend
// (screenshot, execution log, network capture). Artifacts are fetched and
// stored exactly once per job.
type Artifact struct {
	Type        string
	Ref         string
	CollectedAt time.Time
}

// Incident groups messages and sandbox jobs sharing an indicator within a
// time window. The pipeline only emits candidate signals; status and
// assignment are mutated by SOC tooling.
type Incident struct {
	ID            string
	IndicatorType string
	Indicator     string
	MessageIDs    []string
	JobIDs        []string
	MaxVerdict    Verdict
	FirstSeen     time.Time
	LastSeen      time.Time
	Status        string
	AssignedTo    string
}

// Incident status values used by SOC triage.
const (
	IncidentOpen     = "open"
	IncidentTriaged  = "triaged"
	IncidentResolved = "resolved"
)

// Event is the outbound webhook/SIEM payload emitted on every verdict
// change.
type Event struct {
	Type      string    `json:"event_type"`
	MessageID string    `json:"message_id,omitempty"`
	JobID     string    `json:"job_id,omitempty"`
	Verdict   Verdict   `json:"verdict"`
	Action    Action    `json:"action,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Event types.
const (
	EventVerdict        = "verdict"
	EventVerdictUpdated = "verdict_updated"
	EventSandboxResult  = "sandbox_result"
)

// FeatureVector is the numeric input contract of the AI ensemble
// classifier: named features in, probability-like category scores out.
type FeatureVector map[string]float64

// ClassifierScores is one classifier's output: a probability-like score
// per threat category plus the model that produced it.
type ClassifierScores struct {
	Categories map[string]float64
	Confidence float64
	Model      string
}

// Threat categories scored by the ensemble.
const (
	CategoryPhishing = "phishing"
	CategoryMalware  = "malware"
	CategorySpam     = "spam"
	CategoryBEC      = "bec"
)

// ReputationEntry is the cached value for a DNS, domain-age or
// IP-reputation lookup.
type ReputationEntry struct {
	Key       string
	Score     float64
	Source    string
	FetchedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the entry is past its TTL at the given instant.
func (e *ReputationEntry) Expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}
