package analyzer

import (
	"context"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/mikey/mailsentry/internal/core"
)

var (
	spfResultRe   = regexp.MustCompile(`(?i)\bspf=(\w+)`)
	dkimResultRe  = regexp.MustCompile(`(?i)\bdkim=(\w+)`)
	dmarcResultRe = regexp.MustCompile(`(?i)\bdmarc=(\w+)`)
)

// AuthenticationAnalyzer verifies SPF/DKIM/DMARC outcomes recorded by the
// receiving MTA in Received-SPF and Authentication-Results headers. A
// DMARC failure dominates: it means the sender domain's own policy says
// this message should not have arrived looking like this.
type AuthenticationAnalyzer struct {
	logger *zap.Logger
}

// NewAuthenticationAnalyzer creates the authentication validator.
func NewAuthenticationAnalyzer(logger *zap.Logger) *AuthenticationAnalyzer {
	return &AuthenticationAnalyzer{logger: logger}
}

// Name returns the fixed analyzer name.
func (a *AuthenticationAnalyzer) Name() string {
	return core.AnalyzerAuthentication
}

// Analyze scores the message's authentication posture.
func (a *AuthenticationAnalyzer) Analyze(ctx context.Context, msg *core.Message) *core.AnalyzerResult {
	spf := a.spfResult(msg)
	authResults := strings.ToLower(strings.Join(headerValues(msg, "Authentication-Results"), " "))
	dkim := matchResult(dkimResultRe, authResults)
	dmarc := matchResult(dmarcResultRe, authResults)

	details := map[string]string{
		"spf":   spf,
		"dkim":  dkim,
		"dmarc": dmarc,
	}

	var failures []string
	for proto, outcome := range details {
		if outcome == "fail" || outcome == "permerror" {
			failures = append(failures, proto)
		}
	}

	score := 0.05
	confidence := 0.9
	switch {
	case dmarc == "fail":
		// DMARC builds on SPF and DKIM; a hard failure is the strongest
		// spoofing signal headers can carry.
		score = 0.9
		if len(failures) > 1 {
			score = 0.95
		}
	case len(failures) > 1:
		score = 0.85
	case len(failures) == 1:
		score = 0.6
	case spf == "none" && dkim == "none" && dmarc == "none":
		// No verdicts recorded at all. Unverifiable is not safe.
		score = 0.5
		confidence = 0.4
		details["note"] = "no authentication results present"
	case spf != "pass" || dkim != "pass" || dmarc != "pass":
		// Mixed pass/none outcomes (softfail, neutral, missing DMARC).
		score = 0.25
		confidence = 0.6
	}

	a.logger.Debug("Authentication analysis complete",
		zap.String("message_id", msg.ID),
		zap.String("spf", spf),
		zap.String("dkim", dkim),
		zap.String("dmarc", dmarc),
		zap.Float64("score", score))

	return &core.AnalyzerResult{
		Analyzer:   core.AnalyzerAuthentication,
		Score:      score,
		Confidence: confidence,
		Status:     core.StatusOK,
		Details:    details,
	}
}

// spfResult prefers the dedicated Received-SPF header and falls back to
// the spf= clause of Authentication-Results.
func (a *AuthenticationAnalyzer) spfResult(msg *core.Message) string {
	for _, v := range headerValues(msg, "Received-SPF") {
		lower := strings.ToLower(strings.TrimSpace(v))
		for _, outcome := range []string{"pass", "fail", "softfail", "neutral", "permerror", "temperror"} {
			if strings.HasPrefix(lower, outcome) {
				return outcome
			}
		}
	}
	authResults := strings.ToLower(strings.Join(headerValues(msg, "Authentication-Results"), " "))
	return matchResult(spfResultRe, authResults)
}

func matchResult(re *regexp.Regexp, text string) string {
	if m := re.FindStringSubmatch(text); m != nil {
		return strings.ToLower(m[1])
	}
	return "none"
}

// headerValues fetches a header case-insensitively.
func headerValues(msg *core.Message, name string) []string {
	for key, values := range msg.Headers {
		if strings.EqualFold(key, name) {
			return values
		}
	}
	return nil
}
