package core

import (
	"errors"
	"strings"
)

// Error taxonomy for the pipeline. Analyzer-level failures are always
// recovered locally into a failed/degraded AnalyzerResult and never reach
// the caller of Aggregate; the sentinels below surface at the component
// boundaries that can act on them.
var (
	// ErrAnalyzerTimeout marks an analyzer that exceeded its execution budget.
	ErrAnalyzerTimeout = errors.New("analyzer timed out")

	// ErrCacheLookup marks a reputation cache upstream lookup failure.
	ErrCacheLookup = errors.New("cache lookup failed")

	// ErrSandboxSubmission marks a transient failure handing a job to the
	// detonation backend. Retried with backoff before the job errors out.
	ErrSandboxSubmission = errors.New("sandbox submission failed")

	// ErrSandboxTimeout marks a job whose deadline elapsed without a
	// terminal result from the backend.
	ErrSandboxTimeout = errors.New("sandbox analysis timed out")

	// ErrSandboxBackend marks an unexpected backend error during analysis.
	ErrSandboxBackend = errors.New("sandbox backend error")

	// ErrPolicyConfig marks a malformed tenant policy. Decisions under it
	// fail closed to quarantine.
	ErrPolicyConfig = errors.New("invalid tenant policy")

	// ErrJobTerminal is returned when a transition is attempted out of a
	// terminal sandbox job state.
	ErrJobTerminal = errors.New("sandbox job already in terminal state")

	// ErrHandleNotFound is returned for unknown link handles.
	ErrHandleNotFound = errors.New("link handle not found")

	// ErrHandleExpired is returned when a handle resolves but its verdict
	// is older than the freshness window; the caller must detonate again.
	ErrHandleExpired = errors.New("link handle expired")

	// ErrMessageNotFound is returned when no verdict history exists.
	ErrMessageNotFound = errors.New("message not found")

	// ErrIncidentNotFound is returned for unknown incident IDs.
	ErrIncidentNotFound = errors.New("incident not found")
)

// DomainOf extracts the lowercase domain part of an email address, or ""
// if the address is malformed.
func DomainOf(address string) string {
	parts := strings.Split(address, "@")
	if len(parts) != 2 || parts[1] == "" {
		return ""
	}
	return strings.ToLower(parts[1])
}
