package httpapi

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mikey/mailsentry/internal/clicks"
	"github.com/mikey/mailsentry/internal/core"
	"github.com/mikey/mailsentry/internal/incident"
	"github.com/mikey/mailsentry/internal/sandbox"
)

// Server is the HTTP surface: message and attachment submission, the
// click gateway, verdict lookups, incident triage and the operator
// health and metrics endpoints.
type Server struct {
	pipeline     *core.PipelineService
	clickService *clicks.Service
	orchestrator *sandbox.Orchestrator
	correlator   *incident.Correlator
	logger       *zap.Logger
	httpServer   *http.Server
}

// NewServer creates the HTTP server on the given listen address.
func NewServer(
	listenAddr string,
	pipeline *core.PipelineService,
	clickService *clicks.Service,
	orchestrator *sandbox.Orchestrator,
	correlator *incident.Correlator,
	logger *zap.Logger,
) *Server {
	s := &Server{
		pipeline:     pipeline,
		clickService: clickService,
		orchestrator: orchestrator,
		correlator:   correlator,
		logger:       logger,
	}

	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(PrometheusMiddleware())

	router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 10<<20)
		c.Next()
	})

	router.GET("/health", s.handleHealth)
	router.GET("/metrics", MetricsHandler())

	router.POST("/email/process", s.handleProcessEmail)
	router.POST("/attachment/process", s.handleProcessAttachment)
	router.GET("/link/click/:handle", s.handleClick)

	router.GET("/verdict/:messageId", s.handleCurrentVerdict)
	router.GET("/verdict/:messageId/history", s.handleVerdictHistory)

	router.GET("/sandbox/jobs/:jobId", s.handleJobStatus)

	router.GET("/incidents", s.handleListIncidents)
	router.GET("/incidents/:id", s.handleGetIncident)
	router.PATCH("/incidents/:id", s.handleUpdateIncident)

	s.httpServer = &http.Server{
		Addr:         listenAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Start serves HTTP until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type linkRequest struct {
	URL string `json:"url" binding:"required"`
}

type attachmentRequest struct {
	Filename    string `json:"filename" binding:"required"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`
	SHA256      string `json:"sha256"`
	StorageRef  string `json:"storage_ref"`
}

type processEmailRequest struct {
	MessageID   string              `json:"message_id"`
	TenantID    string              `json:"tenant_id"`
	Sender      string              `json:"sender" binding:"required"`
	Recipients  []string            `json:"recipients"`
	Subject     string              `json:"subject"`
	Body        string              `json:"body"`
	Headers     map[string][]string `json:"headers"`
	Links       []linkRequest       `json:"links"`
	Attachments []attachmentRequest `json:"attachments"`

	Policy *policyRequest `json:"policy"`
	User   *userRequest   `json:"user"`
}

type policyRequest struct {
	TenantID               string            `json:"tenant_id"`
	ThresholdOverrides     map[string]string `json:"threshold_overrides"`
	InternalDomainAllowlist []string         `json:"internal_domain_allowlist"`
	HighRiskUsers          []string          `json:"high_risk_users"`
	EnforcementLevel       string            `json:"enforcement_level"`
}

type userRequest struct {
	Email    string `json:"email"`
	HighRisk bool   `json:"high_risk"`
}

type verdictResponse struct {
	RecordID         string             `json:"record_id"`
	MessageID        string             `json:"message_id"`
	Overall          float64            `json:"overall"`
	PerAnalyzer      map[string]float64 `json:"per_analyzer"`
	MissingAnalyzers []string           `json:"missing_analyzers,omitempty"`
	Verdict          string             `json:"verdict"`
	Action           string             `json:"action"`
	Enforced         bool               `json:"enforced"`
	Source           string             `json:"source"`
	RecordedAt       time.Time          `json:"recorded_at"`
}

func toVerdictResponse(rec *core.VerdictRecord) verdictResponse {
	return verdictResponse{
		RecordID:         rec.ID,
		MessageID:        rec.MessageID,
		Overall:          rec.Score.Overall,
		PerAnalyzer:      rec.Score.PerAnalyzer,
		MissingAnalyzers: rec.Score.MissingAnalyzers,
		Verdict:          string(rec.Verdict),
		Action:           string(rec.Action),
		Enforced:         rec.Enforced,
		Source:           rec.Source,
		RecordedAt:       rec.RecordedAt,
	}
}

func (s *Server) handleProcessEmail(c *gin.Context) {
	var req processEmailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	msg := &core.Message{
		ID:         req.MessageID,
		TenantID:   req.TenantID,
		Sender:     req.Sender,
		Recipients: req.Recipients,
		Subject:    req.Subject,
		Body:       req.Body,
		Headers:    req.Headers,
		ReceivedAt: time.Now(),
	}
	for _, l := range req.Links {
		msg.Links = append(msg.Links, core.Link{URL: l.URL})
	}
	for _, a := range req.Attachments {
		msg.Attachments = append(msg.Attachments, core.Attachment{
			Filename:    a.Filename,
			ContentType: a.ContentType,
			SizeBytes:   a.SizeBytes,
			SHA256:      a.SHA256,
			StorageRef:  a.StorageRef,
		})
	}

	var policy *core.TenantPolicy
	if req.Policy != nil {
		policy = &core.TenantPolicy{
			TenantID:                req.Policy.TenantID,
			InternalDomainAllowlist: req.Policy.InternalDomainAllowlist,
			HighRiskUsers:           req.Policy.HighRiskUsers,
			EnforcementLevel:        core.EnforcementLevel(req.Policy.EnforcementLevel),
		}
		if len(req.Policy.ThresholdOverrides) > 0 {
			policy.ThresholdOverrides = make(map[core.Verdict]core.Action, len(req.Policy.ThresholdOverrides))
			for v, a := range req.Policy.ThresholdOverrides {
				policy.ThresholdOverrides[core.Verdict(v)] = core.Action(a)
			}
		}
	}
	var user *core.UserContext
	if req.User != nil {
		user = &core.UserContext{Email: req.User.Email, HighRisk: req.User.HighRisk}
	}

	result, err := s.pipeline.ProcessMessage(c.Request.Context(), msg, policy, user)
	if err != nil {
		s.logger.Error("Message processing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "processing failed"})
		return
	}

	RecordVerdict(string(result.Record.Verdict))
	c.JSON(http.StatusOK, toVerdictResponse(result.Record))
}

type processAttachmentRequest struct {
	MessageID  string            `json:"message_id" binding:"required"`
	Attachment attachmentRequest `json:"attachment" binding:"required"`
	Detonate   bool              `json:"detonate"`
}

func (s *Server) handleProcessAttachment(c *gin.Context) {
	var req processAttachmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	att := core.Attachment{
		Filename:    req.Attachment.Filename,
		ContentType: req.Attachment.ContentType,
		SizeBytes:   req.Attachment.SizeBytes,
		SHA256:      req.Attachment.SHA256,
		StorageRef:  req.Attachment.StorageRef,
	}
	res := s.pipeline.ScanAttachment(c.Request.Context(), req.MessageID, att)

	resp := gin.H{
		"analyzer": res.Analyzer,
		"score":    res.Score,
		"status":   string(res.Status),
		"details":  res.Details,
	}

	if req.Detonate && att.StorageRef != "" {
		job, err := s.orchestrator.Submit(c.Request.Context(), req.MessageID, core.TargetFile, att.StorageRef)
		if err != nil {
			s.logger.Error("Attachment detonation submission failed", zap.Error(err))
		} else {
			resp["job_id"] = job.ID
		}
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleClick(c *gin.Context) {
	disposition, err := s.clickService.HandleClick(c.Request.Context(), c.Param("handle"))
	if err != nil {
		if errors.Is(err, core.ErrHandleNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown link"})
			return
		}
		s.logger.Error("Click handling failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "click handling failed"})
		return
	}

	RecordClick(string(disposition.Action))
	switch disposition.Action {
	case clicks.ClickRedirect:
		c.Redirect(http.StatusFound, disposition.URL)
	case clicks.ClickHold:
		c.JSON(http.StatusAccepted, gin.H{
			"status": "scanning",
			"job_id": disposition.JobID,
			"reason": disposition.Reason,
		})
	default:
		c.JSON(http.StatusForbidden, gin.H{
			"status": "blocked",
			"reason": disposition.Reason,
		})
	}
}

func (s *Server) handleCurrentVerdict(c *gin.Context) {
	rec, err := s.pipeline.CurrentVerdict(c.Request.Context(), c.Param("messageId"))
	if err != nil {
		if errors.Is(err, core.ErrMessageNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	c.JSON(http.StatusOK, toVerdictResponse(rec))
}

func (s *Server) handleVerdictHistory(c *gin.Context) {
	history, err := s.pipeline.VerdictHistory(c.Request.Context(), c.Param("messageId"))
	if err != nil {
		if errors.Is(err, core.ErrMessageNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}

	out := make([]verdictResponse, 0, len(history))
	for _, rec := range history {
		out = append(out, toVerdictResponse(rec))
	}
	c.JSON(http.StatusOK, gin.H{"history": out})
}

func (s *Server) handleJobStatus(c *gin.Context) {
	st, ok := s.clickService.JobStatus(c.Param("jobId"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown job"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"job_id":   st.ID,
		"state":    string(st.State),
		"score":    st.Score,
		"summary":  st.Summary,
		"error":    st.Error,
		"attempts": st.Attempts,
	})
}

type incidentResponse struct {
	ID            string    `json:"id"`
	IndicatorType string    `json:"indicator_type"`
	Indicator     string    `json:"indicator"`
	MessageIDs    []string  `json:"message_ids"`
	JobIDs        []string  `json:"job_ids,omitempty"`
	MaxVerdict    string    `json:"max_verdict"`
	FirstSeen     time.Time `json:"first_seen"`
	LastSeen      time.Time `json:"last_seen"`
	Status        string    `json:"status"`
	AssignedTo    string    `json:"assigned_to,omitempty"`
}

func toIncidentResponse(inc *core.Incident) incidentResponse {
	return incidentResponse{
		ID:            inc.ID,
		IndicatorType: inc.IndicatorType,
		Indicator:     inc.Indicator,
		MessageIDs:    inc.MessageIDs,
		JobIDs:        inc.JobIDs,
		MaxVerdict:    string(inc.MaxVerdict),
		FirstSeen:     inc.FirstSeen,
		LastSeen:      inc.LastSeen,
		Status:        inc.Status,
		AssignedTo:    inc.AssignedTo,
	}
}

func (s *Server) handleListIncidents(c *gin.Context) {
	incidents := s.correlator.List(c.Query("status"))
	out := make([]incidentResponse, 0, len(incidents))
	for _, inc := range incidents {
		out = append(out, toIncidentResponse(inc))
	}
	c.JSON(http.StatusOK, gin.H{"incidents": out})
}

func (s *Server) handleGetIncident(c *gin.Context) {
	inc, err := s.correlator.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "incident not found"})
		return
	}
	c.JSON(http.StatusOK, toIncidentResponse(inc))
}

type updateIncidentRequest struct {
	Status     string `json:"status" binding:"required"`
	AssignedTo string `json:"assigned_to"`
}

func (s *Server) handleUpdateIncident(c *gin.Context) {
	var req updateIncidentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	switch req.Status {
	case core.IncidentOpen, core.IncidentTriaged, core.IncidentResolved:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status"})
		return
	}

	if err := s.correlator.UpdateStatus(c.Param("id"), req.Status, req.AssignedTo); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "incident not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

// handleHealth reports per-analyzer circuit state. The service returns
// 200 while at least one analyzer can score; all-degraded means the
// fail-safe default applies and the surface reports 503 so operators see
// it immediately.
func (s *Server) handleHealth(c *gin.Context) {
	status, failSafe := s.pipeline.CircuitStatus()

	analyzers := make(map[string]string, len(status))
	for name, st := range status {
		analyzers[name] = string(st)
	}

	code := http.StatusOK
	overall := "ok"
	if failSafe {
		code = http.StatusServiceUnavailable
		overall = "fail_safe"
	}
	c.JSON(code, gin.H{
		"status":    overall,
		"analyzers": analyzers,
		"fail_safe": failSafe,
	})
}
