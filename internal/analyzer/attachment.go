package analyzer

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/mikey/mailsentry/internal/core"
)

// Static file-type risk tables. Executables and scripts run arbitrary
// code; macro-enabled documents download it.
var (
	highRiskExtensions = []string{
		".exe", ".scr", ".bat", ".cmd", ".com", ".pif",
		".vbs", ".js", ".jar", ".msi", ".app", ".hta", ".ps1",
	}
	macroExtensions = []string{
		".doc", ".xls", ".xlsm", ".docm", ".pptm", ".dotm",
	}
	archiveExtensions = []string{
		".zip", ".rar", ".7z", ".gz", ".tar",
	}
)

// AttachmentAnalyzer performs static inspection of attachment metadata:
// extension risk, double-extension tricks, macro documents and
// archive-bomb markers. It never opens file contents; dynamic analysis is
// the sandbox's job.
type AttachmentAnalyzer struct {
	logger *zap.Logger
}

// NewAttachmentAnalyzer creates the attachment validator.
func NewAttachmentAnalyzer(logger *zap.Logger) *AttachmentAnalyzer {
	return &AttachmentAnalyzer{logger: logger}
}

// Name returns the fixed analyzer name.
func (a *AttachmentAnalyzer) Name() string {
	return core.AnalyzerAttachment
}

// Analyze scores the riskiest attachment on the message.
func (a *AttachmentAnalyzer) Analyze(ctx context.Context, msg *core.Message) *core.AnalyzerResult {
	details := map[string]string{}
	score := 0.0

	for _, att := range msg.Attachments {
		s, reason := scoreAttachment(att)
		if reason != "" {
			details[att.Filename] = reason
		}
		if s > score {
			score = s
		}
	}

	a.logger.Debug("Attachment analysis complete",
		zap.String("message_id", msg.ID),
		zap.Int("attachments", len(msg.Attachments)),
		zap.Float64("score", score))

	return &core.AnalyzerResult{
		Analyzer:   core.AnalyzerAttachment,
		Score:      score,
		Confidence: 0.85,
		Status:     core.StatusOK,
		Details:    details,
	}
}

func scoreAttachment(att core.Attachment) (float64, string) {
	name := strings.ToLower(att.Filename)

	for _, ext := range highRiskExtensions {
		if strings.HasSuffix(name, ext) {
			return 0.9, fmt.Sprintf("high-risk file type %s", ext)
		}
	}

	// Double extension trick: invoice.pdf.exe is caught above, but
	// invoice.pdf.zip and friends still hide their real type.
	if base := strings.TrimSuffix(name, extOf(name)); strings.Contains(base, ".") && looksLikeDocExt(base) {
		return 0.85, "double extension"
	}

	for _, ext := range macroExtensions {
		if strings.HasSuffix(name, ext) {
			return 0.6, fmt.Sprintf("macro-capable document %s", ext)
		}
	}

	for _, ext := range archiveExtensions {
		if !strings.HasSuffix(name, ext) {
			continue
		}
		// Nested archives and implausibly small archives are the static
		// markers of decompression bombs.
		inner := strings.TrimSuffix(name, ext)
		for _, innerExt := range archiveExtensions {
			if strings.HasSuffix(inner, innerExt) {
				return 0.8, "nested archive"
			}
		}
		if att.SizeBytes > 0 && att.SizeBytes < 1024 {
			return 0.7, "suspiciously small archive"
		}
		return 0.4, "archive requires sandbox detonation"
	}

	// Declared content type disagreeing with the extension.
	if att.ContentType != "" && mismatchedContentType(name, att.ContentType) {
		return 0.5, fmt.Sprintf("content type %s does not match extension", att.ContentType)
	}

	return 0.0, ""
}

func extOf(name string) string {
	if i := strings.LastIndex(name, "."); i != -1 {
		return name[i:]
	}
	return ""
}

// looksLikeDocExt reports whether the trailing inner extension imitates a
// benign document.
func looksLikeDocExt(base string) bool {
	for _, ext := range []string{".pdf", ".doc", ".docx", ".xls", ".xlsx", ".txt", ".jpg", ".png"} {
		if strings.HasSuffix(base, ext) {
			return true
		}
	}
	return false
}

func mismatchedContentType(name, contentType string) bool {
	ct := strings.ToLower(contentType)
	switch {
	case strings.HasSuffix(name, ".pdf"):
		return !strings.Contains(ct, "pdf") && !strings.Contains(ct, "octet-stream")
	case strings.HasSuffix(name, ".png"), strings.HasSuffix(name, ".jpg"), strings.HasSuffix(name, ".jpeg"), strings.HasSuffix(name, ".gif"):
		return !strings.HasPrefix(ct, "image/") && !strings.Contains(ct, "octet-stream")
	default:
		return false
	}
}
