package incident

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mikey/mailsentry/internal/core"
)

// Indicator types the correlator groups on.
const (
	IndicatorSenderDomain   = "sender_domain"
	IndicatorURL            = "url"
	IndicatorAttachmentHash = "attachment_hash"
)

// Correlator groups related detections into incidents over a sliding
// window. Two messages sharing a sender domain, URL or attachment hash
// within the window land in the same incident; outside it a new incident
// opens. It implements the pipeline's SignalSink.
type Correlator struct {
	window     time.Duration
	minVerdict core.Verdict
	logger     *zap.Logger

	mu        sync.RWMutex
	incidents map[string]*core.Incident
	byKey     map[string]*core.Incident
}

// NewCorrelator creates an incident correlator. Signals below minVerdict
// are ignored.
func NewCorrelator(window time.Duration, minVerdict core.Verdict, logger *zap.Logger) *Correlator {
	if window <= 0 {
		window = time.Hour
	}
	if minVerdict == "" {
		minVerdict = core.VerdictMedium
	}
	return &Correlator{
		window:     window,
		minVerdict: minVerdict,
		logger:     logger,
		incidents:  make(map[string]*core.Incident),
		byKey:      make(map[string]*core.Incident),
	}
}

// RecordVerdict folds a scored message into incidents, one per matching
// indicator.
func (c *Correlator) RecordVerdict(msg *core.Message, rec *core.VerdictRecord) {
	if !rec.Verdict.AtLeast(c.minVerdict) {
		return
	}

	at := rec.RecordedAt
	if domain := msg.SenderDomain(); domain != "" {
		c.record(IndicatorSenderDomain, domain, msg.ID, "", rec.Verdict, at)
	}
	for _, link := range msg.Links {
		c.record(IndicatorURL, link.URL, msg.ID, "", rec.Verdict, at)
	}
	for _, att := range msg.Attachments {
		if att.SHA256 != "" {
			c.record(IndicatorAttachmentHash, att.SHA256, msg.ID, "", rec.Verdict, at)
		}
	}
}

// RecordSandboxVerdict folds a detonation outcome into the URL incident
// for its target.
func (c *Correlator) RecordSandboxVerdict(jobID, target string, verdict core.Verdict, at time.Time) {
	if !verdict.AtLeast(c.minVerdict) {
		return
	}
	c.record(IndicatorURL, target, "", jobID, verdict, at)
}

func (c *Correlator) record(indicatorType, indicator, messageID, jobID string, verdict core.Verdict, at time.Time) {
	key := indicatorType + ":" + indicator

	c.mu.Lock()
	defer c.mu.Unlock()

	inc, ok := c.byKey[key]
	if ok && inc.Status != core.IncidentResolved && at.Sub(inc.LastSeen) <= c.window {
		if messageID != "" && !contains(inc.MessageIDs, messageID) {
			inc.MessageIDs = append(inc.MessageIDs, messageID)
		}
		if jobID != "" && !contains(inc.JobIDs, jobID) {
			inc.JobIDs = append(inc.JobIDs, jobID)
		}
		inc.MaxVerdict = core.MaxVerdict(inc.MaxVerdict, verdict)
		if at.After(inc.LastSeen) {
			inc.LastSeen = at
		}
		return
	}

	inc = &core.Incident{
		ID:            uuid.NewString(),
		IndicatorType: indicatorType,
		Indicator:     indicator,
		MaxVerdict:    verdict,
		FirstSeen:     at,
		LastSeen:      at,
		Status:        core.IncidentOpen,
	}
	if messageID != "" {
		inc.MessageIDs = []string{messageID}
	}
	if jobID != "" {
		inc.JobIDs = []string{jobID}
	}
	c.incidents[inc.ID] = inc
	c.byKey[key] = inc

	c.logger.Info("Incident opened",
		zap.String("incident_id", inc.ID),
		zap.String("indicator_type", indicatorType),
		zap.String("indicator", indicator),
		zap.String("verdict", string(verdict)))
}

// Get returns an incident by ID.
func (c *Correlator) Get(id string) (*core.Incident, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	inc, ok := c.incidents[id]
	if !ok {
		return nil, core.ErrIncidentNotFound
	}
	cp := cloneIncident(inc)
	return &cp, nil
}

// List returns incidents, newest first, optionally filtered by status.
func (c *Correlator) List(status string) []*core.Incident {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*core.Incident, 0, len(c.incidents))
	for _, inc := range c.incidents {
		if status != "" && inc.Status != status {
			continue
		}
		cp := cloneIncident(inc)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastSeen.After(out[j].LastSeen)
	})
	return out
}

// UpdateStatus changes an incident's workflow state and assignee.
func (c *Correlator) UpdateStatus(id string, status string, assignee string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	inc, ok := c.incidents[id]
	if !ok {
		return core.ErrIncidentNotFound
	}
	inc.Status = status
	if assignee != "" {
		inc.AssignedTo = assignee
	}
	return nil
}

func cloneIncident(inc *core.Incident) core.Incident {
	cp := *inc
	cp.MessageIDs = append([]string(nil), inc.MessageIDs...)
	cp.JobIDs = append([]string(nil), inc.JobIDs...)
	return cp
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
