package services

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"html"
	"mime/multipart"
	"net"
	"net/smtp"
	"net/textproto"
	"sort"
	"strconv"
	"strings"
	"time"

	"homewatch/models"

	"go.uber.org/zap"
)

var severityColors = map[models.Severity]string{
	models.SeverityLow:      "#28a745",
	models.SeverityMedium:   "#ffc107",
	models.SeverityHigh:     "#fd7e14",
	models.SeverityCritical: "#dc3545",
}

// EmailOptions configure the SMTP relay
type EmailOptions struct {
	Server   string
	Port     int
	Username string
	Password string
	From     string
}

// EmailSender delivers alerts as multipart text and HTML mail to every
// recipient that looks like an address
type EmailSender struct {
	opts   EmailOptions
	logger *zap.Logger
}

func NewEmailSender(opts EmailOptions, logger *zap.Logger) *EmailSender {
	if opts.From == "" {
		opts.From = opts.Username
	}
	return &EmailSender{opts: opts, logger: logger}
}

func (s *EmailSender) Channel() models.Channel { return models.ChannelEmail }

func (s *EmailSender) Send(ctx context.Context, env models.Envelope) (string, error) {
	if s.opts.Username == "" || s.opts.Password == "" {
		return "", errors.New("email credentials not configured")
	}
	recipients := EmailRecipients(env.Recipients)
	if len(recipients) == 0 {
		return "", errors.New("no email recipients found")
	}

	msg, err := buildEmail(s.opts.From, recipients, env)
	if err != nil {
		return "", err
	}
	if err := s.deliver(ctx, recipients, msg); err != nil {
		return "", fmt.Errorf("smtp: %w", err)
	}

	s.logger.Info("Alert email sent",
		zap.Strings("recipients", recipients),
		zap.String("subject", env.Subject))
	return fmt.Sprintf("sent to %d recipients", len(recipients)), nil
}

func (s *EmailSender) deliver(ctx context.Context, recipients []string, msg []byte) error {
	addr := net.JoinHostPort(s.opts.Server, strconv.Itoa(s.opts.Port))
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	c, err := smtp.NewClient(conn, s.opts.Server)
	if err != nil {
		_ = conn.Close()
		return err
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: s.opts.Server}); err != nil {
			return err
		}
	}
	if err := c.Auth(smtp.PlainAuth("", s.opts.Username, s.opts.Password, s.opts.Server)); err != nil {
		return err
	}
	if err := c.Mail(s.opts.From); err != nil {
		return err
	}
	for _, rcpt := range recipients {
		if err := c.Rcpt(rcpt); err != nil {
			return fmt.Errorf("rcpt %s: %w", rcpt, err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

// EmailRecipients keeps the recipients that contain an '@'
func EmailRecipients(recipients []string) []string {
	var out []string
	for _, r := range recipients {
		if strings.Contains(r, "@") {
			out = append(out, strings.TrimSpace(r))
		}
	}
	return out
}

func buildEmail(from string, to []string, env models.Envelope) ([]byte, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	parts := []struct {
		contentType string
		content     string
	}{
		{"text/plain; charset=UTF-8", env.Body},
		{"text/html; charset=UTF-8", emailHTML(env)},
	}
	for _, p := range parts {
		pw, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {p.contentType}})
		if err != nil {
			return nil, err
		}
		if _, err := pw.Write([]byte(p.content)); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "Subject: %s\r\n", env.Subject)
	fmt.Fprintf(&msg, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	msg.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=%s\r\n\r\n", mw.Boundary())
	msg.Write(body.Bytes())
	return msg.Bytes(), nil
}

func emailHTML(env models.Envelope) string {
	color, ok := severityColors[env.Priority]
	if !ok {
		color = "#007bff"
	}

	var sb strings.Builder
	sb.WriteString("<!DOCTYPE html><html><body style=\"font-family: Arial, sans-serif; background-color: #f5f5f5; padding: 20px;\">")
	sb.WriteString("<div style=\"max-width: 600px; margin: 0 auto; background: white; border-radius: 8px;\">")
	fmt.Fprintf(&sb, "<div style=\"background: %s; color: white; padding: 20px; text-align: center;\">", color)
	sb.WriteString("<h1>Smart Home Alert</h1>")
	fmt.Fprintf(&sb, "<p>Priority: %s</p></div>", html.EscapeString(strings.ToUpper(string(env.Priority))))
	sb.WriteString("<div style=\"padding: 20px;\">")
	fmt.Fprintf(&sb, "<h2>%s</h2><p>%s</p>", html.EscapeString(env.Subject), html.EscapeString(env.Body))

	if len(env.StructuredData) > 0 {
		keys := make([]string, 0, len(env.StructuredData))
		for k := range env.StructuredData {
			if k != "timestamp" {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		sb.WriteString("<div style=\"background: #f8f9fa; padding: 15px; border-radius: 5px;\"><h3>Alert Details</h3>")
		for _, k := range keys {
			fmt.Fprintf(&sb, "<p><strong>%s:</strong> %s</p>",
				html.EscapeString(models.RoomDisplayName(k)),
				html.EscapeString(fmt.Sprint(env.StructuredData[k])))
		}
		sb.WriteString("</div>")
	}

	fmt.Fprintf(&sb, "<p style=\"color: #6c757d;\"><strong>Time:</strong> %s</p></div>", time.Now().Format("2006-01-02 15:04:05"))
	sb.WriteString("<div style=\"background: #f8f9fa; padding: 15px; text-align: center; color: #6c757d;\">")
	sb.WriteString("<p>Smart Home Monitoring System</p><p>This is an automated notification. Please do not reply to this email.</p>")
	sb.WriteString("</div></div></body></html>")
	return sb.String()
}
