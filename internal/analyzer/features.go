package analyzer

import (
	"math"
	"regexp"
	"strings"

	"github.com/mikey/mailsentry/internal/core"
	"github.com/mikey/mailsentry/internal/utils"
)

var (
	urgencyRe = regexp.MustCompile(`(?i)\b(urgent|immediately|asap|right away|act now|final notice|expires? (today|soon)|last chance|verify your account|suspended)\b`)
	moneyRe   = regexp.MustCompile(`(?i)\b(wire transfer|payment|invoice|bank account|gift cards?|bitcoin|crypto|iban|routing number|w-2|payroll)\b`)
	credsRe   = regexp.MustCompile(`(?i)\b(password|login|credentials|sign in|authenticate|2fa|verification code)\b`)
	ipURLRe   = regexp.MustCompile(`https?://\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}`)
)

// FeatureExtractor turns a message into the numeric feature vector the
// ensemble classifiers consume. Text is sanitized and bounded before any
// regex scanning.
type FeatureExtractor struct {
	textProcessor *utils.TextProcessor
	maxScanBytes  int
}

// NewFeatureExtractor creates a feature extractor.
func NewFeatureExtractor(textProcessor *utils.TextProcessor, maxScanBytes int) *FeatureExtractor {
	if maxScanBytes <= 0 {
		maxScanBytes = 64 * 1024
	}
	return &FeatureExtractor{
		textProcessor: textProcessor,
		maxScanBytes:  maxScanBytes,
	}
}

// Extract builds the feature vector. Features are plain counts and ratios
// so that every classifier provider sees the same deterministic input.
func (f *FeatureExtractor) Extract(msg *core.Message) core.FeatureVector {
	body := f.textProcessor.ProcessText(msg.Body, f.maxScanBytes)
	subject := f.textProcessor.ProcessText(msg.Subject, 1024)
	text := subject + "\n" + body

	senderDomain := msg.SenderDomain()
	externalLinks := 0
	for _, link := range msg.Links {
		if senderDomain == "" || !strings.Contains(strings.ToLower(link.URL), senderDomain) {
			externalLinks++
		}
	}

	attachmentRisk := 0.0
	for _, att := range msg.Attachments {
		if s, _ := scoreAttachment(att); s > attachmentRisk {
			attachmentRisk = s
		}
	}

	fv := core.FeatureVector{
		"link_count":          float64(len(msg.Links)),
		"external_link_ratio": ratio(externalLinks, len(msg.Links)),
		"ip_literal_links":    float64(len(ipURLRe.FindAllString(body, -1))),
		"urgency_terms":       float64(len(urgencyRe.FindAllString(text, -1))),
		"money_terms":         float64(len(moneyRe.FindAllString(text, -1))),
		"credential_terms":    float64(len(credsRe.FindAllString(text, -1))),
		"attachment_count":    float64(len(msg.Attachments)),
		"attachment_risk":     attachmentRisk,
		"recipient_count":     float64(len(msg.Recipients)),
		"subject_exclaim":     float64(strings.Count(subject, "!")),
		"subject_all_caps":    boolFeature(isMostlyUpper(subject)),
		"body_len_log":        math.Log1p(float64(len(body))),
		"reply_to_differs":    boolFeature(replyToDiffers(msg, senderDomain)),
	}
	return fv
}

func ratio(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) / float64(total)
}

func boolFeature(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func isMostlyUpper(s string) bool {
	letters, upper := 0, 0
	for _, r := range s {
		if r >= 'a' && r <= 'z' {
			letters++
		}
		if r >= 'A' && r <= 'Z' {
			letters++
			upper++
		}
	}
	return letters >= 8 && float64(upper)/float64(letters) > 0.8
}

func replyToDiffers(msg *core.Message, senderDomain string) bool {
	replyTo := firstHeader(msg, "Reply-To")
	if replyTo == "" || senderDomain == "" {
		return false
	}
	d := core.DomainOf(strings.Trim(replyTo, "<> "))
	return d != "" && d != senderDomain
}
