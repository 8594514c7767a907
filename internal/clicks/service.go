package clicks

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/mikey/mailsentry/internal/core"
	"github.com/mikey/mailsentry/internal/rewriter"
	"github.com/mikey/mailsentry/internal/sandbox"
)

// ClickAction is the disposition of a click on a rewritten link.
type ClickAction string

const (
	// ClickRedirect sends the user to the original URL.
	ClickRedirect ClickAction = "redirect"
	// ClickHold shows an interstitial while detonation is in flight.
	ClickHold ClickAction = "hold"
	// ClickBlock refuses the navigation.
	ClickBlock ClickAction = "block"
)

// Disposition is the outcome of handling one click.
type Disposition struct {
	Action ClickAction
	URL    string
	JobID  string
	Reason string
}

// Service gates clicks on rewritten links behind sandbox detonation.
// A fresh clean detonation for the same URL is reused; otherwise the
// click waits for a bounded interactive budget and holds or blocks when
// the sandbox cannot clear the URL in time.
type Service struct {
	rewriter     *rewriter.Rewriter
	orchestrator *sandbox.Orchestrator
	freshWindow  time.Duration
	uiBudget     time.Duration
	blockScore   float64
	logger       *zap.Logger
}

// NewService creates the click-time service.
func NewService(
	rw *rewriter.Rewriter,
	orch *sandbox.Orchestrator,
	freshWindow time.Duration,
	uiBudget time.Duration,
	blockScore float64,
	logger *zap.Logger,
) *Service {
	if freshWindow <= 0 {
		freshWindow = 24 * time.Hour
	}
	if uiBudget <= 0 {
		uiBudget = 5 * time.Second
	}
	if blockScore <= 0 {
		blockScore = 0.6
	}
	return &Service{
		rewriter:     rw,
		orchestrator: orch,
		freshWindow:  freshWindow,
		uiBudget:     uiBudget,
		blockScore:   blockScore,
		logger:       logger,
	}
}

// HandleClick resolves a handle and decides whether the user may proceed.
func (s *Service) HandleClick(ctx context.Context, handle string) (*Disposition, error) {
	rec, err := s.rewriter.Resolve(handle)
	if err != nil {
		if errors.Is(err, core.ErrHandleExpired) {
			s.logger.Info("Click on expired handle",
				zap.String("handle", handle),
				zap.String("message_id", rec.MessageID))
			return &Disposition{Action: ClickBlock, Reason: "link expired"}, nil
		}
		return nil, err
	}

	// A recent detonation of the same URL stands in for a new one.
	if job, ok := s.orchestrator.LookupFresh(core.TargetURL, rec.URL, s.freshWindow); ok {
		return s.dispose(rec, job.Snapshot()), nil
	}

	job, err := s.orchestrator.Submit(ctx, rec.MessageID, core.TargetURL, rec.URL)
	if err != nil {
		// Fail closed: an unscannable URL is not navigable.
		s.logger.Error("Click-time submission failed",
			zap.String("handle", handle),
			zap.Error(err))
		return &Disposition{Action: ClickBlock, Reason: "detonation unavailable"}, nil
	}

	if !s.orchestrator.Wait(ctx, job, s.uiBudget) {
		// Still detonating. The user waits, the job keeps running and
		// the verdict lands via the rescoring callback.
		return &Disposition{
			Action: ClickHold,
			JobID:  job.ID,
			Reason: "detonation in progress",
		}, nil
	}

	return s.dispose(rec, job.Snapshot()), nil
}

// JobStatus exposes a job snapshot for interstitial polling.
func (s *Service) JobStatus(jobID string) (*sandbox.JobStatus, bool) {
	job, ok := s.orchestrator.Job(jobID)
	if !ok {
		return nil, false
	}
	st := job.Snapshot()
	return &st, true
}

func (s *Service) dispose(rec *rewriter.LinkRecord, st sandbox.JobStatus) *Disposition {
	switch st.State {
	case core.JobComplete:
		if st.Score >= s.blockScore {
			return &Disposition{
				Action: ClickBlock,
				JobID:  st.ID,
				Reason: "detonation flagged this link",
			}
		}
		return &Disposition{
			Action: ClickRedirect,
			URL:    rec.URL,
			JobID:  st.ID,
		}
	case core.JobTimeout, core.JobError:
		// No real verdict. Fail closed.
		return &Disposition{
			Action: ClickBlock,
			JobID:  st.ID,
			Reason: "detonation did not finish",
		}
	default:
		return &Disposition{
			Action: ClickHold,
			JobID:  st.ID,
			Reason: "detonation in progress",
		}
	}
}
