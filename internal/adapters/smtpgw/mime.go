package smtpgw

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"mime"
	"mime/multipart"
	"net/mail"
	"regexp"
	"strings"

	"github.com/mikey/mailsentry/internal/core"
)

var urlRe = regexp.MustCompile(`https?://[^\s<>"']+`)

// ParseMessage decomposes a parsed RFC822 message into the pipeline's
// message model: plain-text body, embedded links and attachment
// metadata. Attachment bytes are hashed and dropped; the pipeline only
// carries metadata.
func ParseMessage(msg *mail.Message, sender string, recipients []string) (*core.Message, error) {
	out := &core.Message{
		Sender:     sender,
		Recipients: recipients,
		Headers:    make(map[string][]string),
	}
	for key, values := range msg.Header {
		out.Headers[key] = values
	}
	out.Subject = msg.Header.Get("Subject")

	body, attachments, err := extractParts(msg)
	if err != nil {
		return nil, err
	}
	out.Body = body
	out.Attachments = attachments

	for _, url := range urlRe.FindAllString(body, -1) {
		out.Links = append(out.Links, core.Link{URL: strings.TrimRight(url, ".,;)")})
	}

	return out, nil
}

// extractParts walks the MIME structure collecting text/plain content and
// attachment metadata.
func extractParts(msg *mail.Message) (string, []core.Attachment, error) {
	contentType := msg.Header.Get("Content-Type")

	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") {
		bodyBytes, err := io.ReadAll(msg.Body)
		if err != nil {
			return "", nil, err
		}
		return string(bodyBytes), nil, nil
	}

	boundary, ok := params["boundary"]
	if !ok {
		bodyBytes, err := io.ReadAll(msg.Body)
		if err != nil {
			return "", nil, err
		}
		return string(bodyBytes), nil, nil
	}

	mr := multipart.NewReader(msg.Body, boundary)

	var text strings.Builder
	var attachments []core.Attachment

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}

		partType := strings.ToLower(part.Header.Get("Content-Type"))
		filename := part.FileName()

		switch {
		case filename != "":
			data, err := io.ReadAll(part)
			if err != nil {
				continue
			}
			sum := sha256.Sum256(data)
			attachments = append(attachments, core.Attachment{
				Filename:    filename,
				ContentType: strings.SplitN(partType, ";", 2)[0],
				SizeBytes:   int64(len(data)),
				SHA256:      hex.EncodeToString(sum[:]),
			})
		case strings.Contains(partType, "text/plain"):
			data, err := io.ReadAll(part)
			if err != nil {
				continue
			}
			text.Write(data)
			text.WriteString("\n")
		}
		// Nested multiparts and other bodies are skipped.
	}

	return text.String(), attachments, nil
}
