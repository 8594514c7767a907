package analyzer

import (
	"context"
	"net/mail"
	"strings"

	"go.uber.org/zap"

	"github.com/mikey/mailsentry/internal/core"
)

// HeaderAnalyzer looks for structural anomalies in message headers:
// routing inconsistencies and the spoofing markers that survive even when
// authentication nominally passes.
type HeaderAnalyzer struct {
	logger *zap.Logger
}

// NewHeaderAnalyzer creates the header analyzer.
func NewHeaderAnalyzer(logger *zap.Logger) *HeaderAnalyzer {
	return &HeaderAnalyzer{logger: logger}
}

// Name returns the fixed analyzer name.
func (a *HeaderAnalyzer) Name() string {
	return core.AnalyzerHeader
}

// Analyze scores header anomalies. Findings do not stack linearly; the
// strongest marker sets the score, which keeps one noisy heuristic from
// saturating the bucket.
func (a *HeaderAnalyzer) Analyze(ctx context.Context, msg *core.Message) *core.AnalyzerResult {
	details := map[string]string{}
	score := 0.05

	record := func(marker string, s float64) {
		details[marker] = "detected"
		if s > score {
			score = s
		}
	}

	senderDomain := msg.SenderDomain()

	// Reply-To pointing at a different domain than the sender is the
	// classic BEC redirection.
	if replyTo := firstHeader(msg, "Reply-To"); replyTo != "" {
		if addr, err := mail.ParseAddress(replyTo); err == nil {
			if d := core.DomainOf(addr.Address); d != "" && senderDomain != "" && d != senderDomain {
				record("reply_to_mismatch", 0.55)
			}
		}
	}

	// From display name embedding an address of another domain.
	if from := firstHeader(msg, "From"); from != "" {
		if addr, err := mail.ParseAddress(from); err == nil && addr.Name != "" {
			name := strings.ToLower(addr.Name)
			if strings.Contains(name, "@") && !strings.Contains(name, senderDomain) {
				record("display_name_address", 0.6)
			}
		}
	}

	// Message-ID minted under a different domain than the sender.
	if msgID := firstHeader(msg, "Message-ID"); msgID != "" {
		if at := strings.LastIndex(msgID, "@"); at != -1 && senderDomain != "" {
			idDomain := strings.Trim(msgID[at+1:], "<> \t")
			if idDomain != "" && !strings.HasSuffix(strings.ToLower(idDomain), senderDomain) {
				record("message_id_domain_mismatch", 0.3)
			}
		}
	} else {
		record("missing_message_id", 0.25)
	}

	if firstHeader(msg, "Date") == "" {
		record("missing_date", 0.2)
	}

	// Routing consistency: legitimate mail rarely traverses this many
	// hops; loops and relay abuse do.
	if hops := len(headerValues(msg, "Received")); hops > 15 {
		record("excessive_received_hops", 0.4)
	}

	a.logger.Debug("Header analysis complete",
		zap.String("message_id", msg.ID),
		zap.Float64("score", score),
		zap.Int("markers", len(details)))

	return &core.AnalyzerResult{
		Analyzer:   core.AnalyzerHeader,
		Score:      score,
		Confidence: 0.75,
		Status:     core.StatusOK,
		Details:    details,
	}
}

func firstHeader(msg *core.Message, name string) string {
	values := headerValues(msg, name)
	if len(values) == 0 {
		return ""
	}
	return values[0]
}
