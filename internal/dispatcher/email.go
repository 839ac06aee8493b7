package dispatcher

import (
	"context"
	"fmt"
	"net/smtp"
	"net/textproto"
	"strings"

	"github.com/cardwatch/cardwatch/internal/config"
	"github.com/cardwatch/cardwatch/internal/models"
)

// emailAdapter sends plain-text alert mail over SMTP. 4xx responses are
// terminal, 5xx and transport errors retry.
type emailAdapter struct {
	cfg config.SMTPConfig
}

func newEmailAdapter(cfg config.SMTPConfig) *emailAdapter {
	return &emailAdapter{cfg: cfg}
}

func (a *emailAdapter) deliver(ctx context.Context, n *models.AlertNotification, user *models.User, _ *models.Transaction) error {
	if a.cfg.Host == "" {
		return terminalErr("smtp is not configured")
	}
	if user.Email == "" {
		return terminalErr("user %s has no email address", user.ID)
	}

	msg := a.buildMessage(n, user.Email)
	addr := fmt.Sprintf("%s:%d", a.cfg.Host, a.cfg.Port)

	var auth smtp.Auth
	if a.cfg.Username != "" {
		auth = smtp.PlainAuth("", a.cfg.Username, a.cfg.Password, a.cfg.Host)
	}

	done := make(chan error, 1)
	go func() {
		done <- smtp.SendMail(addr, auth, a.cfg.From, []string{user.Email}, msg)
	}()

	var err error
	select {
	case <-ctx.Done():
		return retryableErr("smtp send cancelled: %v", ctx.Err())
	case err = <-done:
	}

	if err == nil {
		return nil
	}

	if proto, ok := err.(*textproto.Error); ok {
		if proto.Code >= 400 && proto.Code < 500 {
			return terminalErr("smtp rejected: %d %s", proto.Code, proto.Msg)
		}
		return retryableErr("smtp error: %d %s", proto.Code, proto.Msg)
	}

	return retryableErr("smtp transport: %v", err)
}

func (a *emailAdapter) buildMessage(n *models.AlertNotification, to string) []byte {
	var b strings.Builder

	fmt.Fprintf(&b, "From: %s\r\n", a.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	if a.cfg.ReplyTo != "" {
		fmt.Fprintf(&b, "Reply-To: %s\r\n", a.cfg.ReplyTo)
	}
	fmt.Fprintf(&b, "Subject: %s\r\n", n.Title)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(n.Body)
	b.WriteString("\r\n")

	return []byte(b.String())
}
