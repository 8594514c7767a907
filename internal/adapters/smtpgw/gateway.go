package smtpgw

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/mail"
	"os"
	"strings"
	"time"

	"github.com/emersion/go-smtp"
	"go.uber.org/zap"

	"github.com/mikey/mailsentry/internal/core"
)

// Headers stamped onto processed messages.
const (
	verdictHeader = "X-MailSentry-Verdict"
	scoreHeader   = "X-MailSentry-Score"
	actionHeader  = "X-MailSentry-Action"
	warnHeader    = "X-MailSentry-Warning"
)

// Gateway is the SMTP ingestion surface. It sits in front of the MTA as
// a content filter: every message is scored by the pipeline, stamped
// with verdict headers and either relayed onward or rejected at DATA
// time when policy enforces a block.
type Gateway struct {
	pipeline     *core.PipelineService
	logger       *zap.Logger
	listenAddr   string
	relayAddr    string
	relayPort    int
	relayEnabled bool
	server       *smtp.Server
}

// NewGateway creates the SMTP gateway.
func NewGateway(
	pipeline *core.PipelineService,
	logger *zap.Logger,
	listenAddr string,
	relayAddr string,
	relayPort int,
	relayEnabled bool,
) *Gateway {
	return &Gateway{
		pipeline:     pipeline,
		logger:       logger,
		listenAddr:   listenAddr,
		relayAddr:    relayAddr,
		relayPort:    relayPort,
		relayEnabled: relayEnabled,
	}
}

// Start starts the SMTP server.
func (g *Gateway) Start() error {
	g.server = smtp.NewServer(&smtpBackend{gateway: g})

	g.server.Addr = g.listenAddr
	g.server.Domain = "localhost"
	g.server.ReadTimeout = 30 * time.Second
	g.server.WriteTimeout = 30 * time.Second
	g.server.MaxMessageBytes = 30 * 1024 * 1024
	g.server.MaxRecipients = 50
	g.server.AllowInsecureAuth = true

	g.logger.Info("SMTP gateway starting", zap.String("address", g.listenAddr))

	go func() {
		if err := g.server.ListenAndServe(); err != nil {
			if err != smtp.ErrServerClosed {
				g.logger.Error("SMTP server error", zap.Error(err))
			}
		}
	}()

	return nil
}

// Stop stops the SMTP server.
func (g *Gateway) Stop() error {
	if g.server != nil {
		return g.server.Close()
	}
	return nil
}

// relay hands the stamped message to the downstream MTA.
func (g *Gateway) relay(sender string, recipients []string, data []byte) error {
	addr := fmt.Sprintf("%s:%d", g.relayAddr, g.relayPort)

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}

	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return fmt.Errorf("failed to connect to relay: %w", err)
	}
	if err := conn.SetDeadline(time.Now().Add(30 * time.Second)); err != nil {
		conn.Close()
		return fmt.Errorf("failed to set connection deadline: %w", err)
	}

	c := smtp.NewClient(conn)
	defer c.Close()

	if err := c.Hello(hostname); err != nil {
		return fmt.Errorf("EHLO failed: %w", err)
	}
	if err := c.Mail(sender, nil); err != nil {
		return fmt.Errorf("MAIL FROM failed: %w", err)
	}

	accepted := false
	for _, rcpt := range recipients {
		if err := c.Rcpt(rcpt, nil); err != nil {
			g.logger.Warn("RCPT TO failed for recipient",
				zap.String("recipient", rcpt),
				zap.Error(err))
		} else {
			accepted = true
		}
	}
	if !accepted {
		return fmt.Errorf("all recipients were rejected")
	}

	wc, err := c.Data()
	if err != nil {
		return fmt.Errorf("DATA command failed: %w", err)
	}
	if _, err := wc.Write(data); err != nil {
		wc.Close()
		return fmt.Errorf("failed to send message data: %w", err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("failed to close data writer: %w", err)
	}

	if err := c.Quit(); err != nil {
		g.logger.Warn("QUIT command failed", zap.Error(err))
	}
	return nil
}

type smtpBackend struct {
	gateway *Gateway
}

func (b *smtpBackend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	return &smtpSession{
		gateway:    b.gateway,
		recipients: make([]string, 0),
	}, nil
}

type smtpSession struct {
	gateway    *Gateway
	sender     string
	recipients []string
}

func (s *smtpSession) Reset() {
	s.sender = ""
	s.recipients = make([]string, 0)
}

func (s *smtpSession) AuthPlain(_ []byte) error {
	return smtp.ErrAuthUnsupported
}

func (s *smtpSession) Mail(from string, _ *smtp.MailOptions) error {
	s.sender = from
	return nil
}

func (s *smtpSession) Rcpt(to string, _ *smtp.RcptOptions) error {
	s.recipients = append(s.recipients, to)
	return nil
}

// Data scores the message and relays or rejects it.
func (s *smtpSession) Data(r io.Reader) error {
	rawData, err := io.ReadAll(r)
	if err != nil {
		s.gateway.logger.Error("Failed to read message data", zap.Error(err))
		return err
	}

	parsed, err := mail.ReadMessage(bytes.NewReader(rawData))
	if err != nil {
		s.gateway.logger.Error("Failed to parse message", zap.Error(err))
		return err
	}

	msg, err := ParseMessage(parsed, s.sender, s.recipients)
	if err != nil {
		s.gateway.logger.Error("Failed to decompose message", zap.Error(err))
		return err
	}
	msg.ReceivedAt = time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	result, err := s.gateway.pipeline.ProcessMessage(ctx, msg, nil, nil)
	if err != nil {
		// Scoring could not even be recorded. Accept with an error
		// header rather than bouncing legitimate mail on our own fault.
		s.gateway.logger.Error("Failed to process message",
			zap.Error(err),
			zap.String("sender", s.sender))
		return s.forward(rawData, parsed, nil, nil)
	}

	rec := result.Record
	if result.Decision.Action == core.ActionBlock && result.Decision.Enforced {
		s.gateway.logger.Info("Rejecting message",
			zap.String("message_id", rec.MessageID),
			zap.String("sender", s.sender),
			zap.Float64("score", rec.Score.Overall),
			zap.String("verdict", string(rec.Verdict)))
		return &smtp.SMTPError{
			Code:    550,
			Message: fmt.Sprintf("Rejected by content policy (score: %.2f)", rec.Score.Overall),
		}
	}

	return s.forward(rawData, parsed, msg, result)
}

// forward stamps verdict headers onto the message, swaps body URLs for
// their click-gateway handles and relays the result. URLs inside
// base64-encoded MIME parts are left as received.
func (s *smtpSession) forward(rawData []byte, parsed *mail.Message, msg *core.Message, result *core.ProcessResult) error {
	var out bytes.Buffer

	if result != nil {
		rec := result.Record
		fmt.Fprintf(&out, "%s: %s\r\n", verdictHeader, rec.Verdict)
		fmt.Fprintf(&out, "%s: %.4f\r\n", scoreHeader, rec.Score.Overall)
		fmt.Fprintf(&out, "%s: %s\r\n", actionHeader, rec.Action)
		if result.Decision.Action == core.ActionAllowWithWarning {
			fmt.Fprintf(&out, "%s: %s\r\n", warnHeader, result.Decision.Reason)
		}
	} else {
		fmt.Fprintf(&out, "%s: analysis-error\r\n", verdictHeader)
	}

	for key, values := range parsed.Header {
		for _, value := range values {
			fmt.Fprintf(&out, "%s: %s\r\n", key, value)
		}
	}
	fmt.Fprintf(&out, "\r\n")

	var body []byte
	if i := bytes.Index(rawData, []byte("\r\n\r\n")); i != -1 {
		body = rawData[i+4:]
	} else if i := bytes.Index(rawData, []byte("\n\n")); i != -1 {
		body = rawData[i+2:]
	} else if b, err := io.ReadAll(parsed.Body); err == nil {
		body = b
	}
	if result != nil {
		body = rewriteLinks(body, msg, result.Rewritten)
	}
	out.Write(body)

	if !s.gateway.relayEnabled {
		s.gateway.logger.Warn("Relay disabled, message accepted but not forwarded",
			zap.String("sender", s.sender))
		return nil
	}
	if err := s.gateway.relay(s.sender, s.recipients, out.Bytes()); err != nil {
		s.gateway.logger.Error("Failed to relay message",
			zap.Error(err),
			zap.String("sender", s.sender))
		return err
	}

	senderDomain := "unknown"
	if parts := strings.Split(s.sender, "@"); len(parts) == 2 {
		senderDomain = parts[1]
	}
	s.gateway.logger.Info("Processed message",
		zap.String("sender", s.sender),
		zap.String("sender_domain", senderDomain))
	return nil
}

// rewriteLinks replaces every original body URL with its handle URL so
// recipients downstream of the relay still click through the gateway.
// The link lists are index-aligned: rewritten is a clone of original.
func rewriteLinks(body []byte, original, rewritten *core.Message) []byte {
	if original == nil || rewritten == nil || len(rewritten.Links) == 0 {
		return body
	}
	for i := range original.Links {
		if i >= len(rewritten.Links) || rewritten.Links[i].Handle == "" {
			continue
		}
		if original.Links[i].URL == rewritten.Links[i].URL {
			continue
		}
		body = bytes.ReplaceAll(body, []byte(original.Links[i].URL), []byte(rewritten.Links[i].URL))
	}
	return body
}

func (s *smtpSession) Logout() error {
	return nil
}
