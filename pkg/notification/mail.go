package notification

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"html/template"
	"mime/multipart"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/LingByte/LingReach/pkg/logger"
	"go.uber.org/zap"
)

// MailConfig SMTP configuration
type MailConfig struct {
	Host     string `env:"MAIL_HOST"`
	Username string `env:"MAIL_USERNAME"`
	Password string `env:"MAIL_PASSWORD"`
	Port     int64  `env:"MAIL_PORT"`
	From     string `env:"MAIL_FROM"`
}

// Enabled reports whether enough is configured to send mail.
func (c MailConfig) Enabled() bool {
	return c.Host != "" && c.Username != ""
}

// FormField is one answered question in a submitted form.
type FormField struct {
	Label string
	Value string
}

// FormSummary is what the completion mail renders.
type FormSummary struct {
	SessionID     string
	FirstName     string
	PhoneNumber   string
	Language      string
	Fields        []FormField
	SubmittedAt   time.Time
	Signature     []byte
	SignatureType string
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Mailer sends form completion notices.
type Mailer struct {
	cfg  MailConfig
	to   string
	send sendFunc
}

func NewMailer(cfg MailConfig, to string) *Mailer {
	return &Mailer{cfg: cfg, to: to, send: smtp.SendMail}
}

// Notify sends the completion mail in the background. Failures are logged only.
func (m *Mailer) Notify(ctx context.Context, summary FormSummary) {
	if m == nil || !m.cfg.Enabled() || m.to == "" {
		logger.Debug("mail not configured, skipping form notification", zap.String("session_id", summary.SessionID))
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := m.Send(ctx, summary); err != nil {
			logger.Error("form notification failed", zap.String("session_id", summary.SessionID), zap.Error(err))
			return
		}
		logger.Info("form notification sent", zap.String("session_id", summary.SessionID), zap.String("to", m.to))
	}()
}

// Send delivers the completion mail synchronously.
func (m *Mailer) Send(ctx context.Context, summary FormSummary) error {
	if !m.cfg.Enabled() {
		return errors.New("mail is not configured")
	}
	from := m.cfg.From
	if from == "" {
		from = m.cfg.Username
	}
	msg, err := BuildSubmissionMessage(from, m.to, summary)
	if err != nil {
		return err
	}
	addr := m.cfg.Host + ":" + strconv.FormatInt(m.cfg.Port, 10)
	auth := smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)

	done := make(chan error, 1)
	go func() { done <- m.send(addr, auth, from, []string{m.to}, msg) }()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("smtp send: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var bodyTemplate = template.Must(template.New("form").Parse(`<html><body>
<h2>Health Assessment Form Completed</h2>
<p><strong>Name:</strong> {{.FirstName}}<br>
<strong>Phone:</strong> {{.PhoneNumber}}<br>
<strong>Session:</strong> {{.SessionID}}<br>
<strong>Language:</strong> {{.Language}}<br>
<strong>Submitted:</strong> {{.SubmittedAt.Format "2006-01-02 15:04:05 MST"}}</p>
<table border="1" cellpadding="6" cellspacing="0">
{{range .Fields}}<tr><td>{{.Label}}</td><td>{{.Value}}</td></tr>
{{end}}</table>
<p>The signature is attached.</p>
</body></html>`))

// BuildSubmissionMessage renders a multipart/mixed message with the HTML form and the signature image.
func BuildSubmissionMessage(from, to string, s FormSummary) ([]byte, error) {
	var html bytes.Buffer
	if err := bodyTemplate.Execute(&html, s); err != nil {
		return nil, fmt.Errorf("render mail body: %w", err)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	short := s.SessionID
	if len(short) > 8 {
		short = short[:8]
	}
	fmt.Fprintf(&buf, "From: %s\r\n", from)
	fmt.Fprintf(&buf, "To: %s\r\n", to)
	fmt.Fprintf(&buf, "Subject: Health Assessment Form Completed - %s (%s)\r\n", s.FirstName, short)
	fmt.Fprintf(&buf, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=%s\r\n\r\n", mw.Boundary())

	part, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {"text/html; charset=UTF-8"}})
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(html.Bytes()); err != nil {
		return nil, err
	}

	if len(s.Signature) > 0 {
		ctype := s.SignatureType
		if ctype == "" {
			ctype = "image/png"
		}
		ext := "png"
		if i := strings.LastIndex(ctype, "/"); i >= 0 {
			ext = ctype[i+1:]
		}
		att, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {ctype},
			"Content-Transfer-Encoding": {"base64"},
			"Content-Disposition":       {fmt.Sprintf(`attachment; filename="signature_%s.%s"`, short, ext)},
		})
		if err != nil {
			return nil, err
		}
		enc := base64.StdEncoding.EncodeToString(s.Signature)
		for len(enc) > 76 {
			if _, err := att.Write([]byte(enc[:76] + "\r\n")); err != nil {
				return nil, err
			}
			enc = enc[76:]
		}
		if _, err := att.Write([]byte(enc + "\r\n")); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
