package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/timmy/sitecreator/internal/config"
	"github.com/timmy/sitecreator/internal/domain"
)

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPSender relays notifications through an SMTP server.
type SMTPSender struct {
	addr     string
	host     string
	from     string
	auth     smtp.Auth
	sendMail sendMailFunc
	now      func() time.Time
}

func NewSMTPSender(cfg config.SMTPConfig) (*SMTPSender, error) {
	if cfg.Host == "" {
		return nil, errors.New("notification.smtp.host is required")
	}
	if cfg.From == "" {
		return nil, errors.New("notification.smtp.from is required")
	}
	port := cfg.Port
	if port == 0 {
		port = 25
	}
	s := &SMTPSender{
		addr:     net.JoinHostPort(cfg.Host, strconv.Itoa(port)),
		host:     cfg.Host,
		from:     cfg.From,
		sendMail: smtp.SendMail,
		now:      time.Now,
	}
	if cfg.Username != "" {
		s.auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	return s, nil
}

// Send delivers n. smtp.SendMail takes no context, so a cancelled ctx abandons the
// wait while the relay call finishes in the background.
func (s *SMTPSender) Send(ctx context.Context, n domain.Notification) error {
	if err := requireRecipients(n); err != nil {
		return err
	}
	msg := s.message(n)

	done := make(chan error, 1)
	go func() {
		done <- s.sendMail(s.addr, s.auth, s.from, n.Recipients, msg)
	}()

	select {
	case err := <-done:
		if err == nil {
			return nil
		}
		var perr *textproto.Error
		if errors.As(err, &perr) && perr.Code >= 500 {
			return domain.NewPermanentError("smtp_send", 0, perr.Error())
		}
		return domain.NewTransientError("smtp_send", 0, err)
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

func (s *SMTPSender) message(n domain.Notification) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\n", s.from)
	fmt.Fprintf(&buf, "To: %s\r\n", strings.Join(n.Recipients, ", "))
	fmt.Fprintf(&buf, "Subject: %s\r\n", n.Subject)
	fmt.Fprintf(&buf, "Date: %s\r\n", s.now().Format(time.RFC1123Z))
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	buf.WriteString("\r\n")
	buf.WriteString(strings.ReplaceAll(n.Body, "\n", "\r\n"))
	return buf.Bytes()
}

func (s *SMTPSender) Close() error { return nil }
