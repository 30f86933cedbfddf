package notifier

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"mime"
	"mime/quotedprintable"
	"net"
	"net/mail"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/skypass/fleetwatch/internal/config"
)

// Mail is one message to deliver.
type Mail struct {
	To      string
	Subject string
	HTML    string
}

// Mailer delivers a batch of messages over one SMTP session.
type Mailer interface {
	Send(ctx context.Context, cfg config.SMTPConfig, msgs []Mail) error
}

// SMTPMailer is the net/smtp Mailer. Port 465 uses implicit TLS, anything
// else STARTTLS when the server offers it.
type SMTPMailer struct {
	DialTimeout time.Duration
}

// Send implements Mailer.
func (m SMTPMailer) Send(ctx context.Context, cfg config.SMTPConfig, msgs []Mail) error {
	if !cfg.Configured() {
		return fmt.Errorf("email sending is not fully configured")
	}
	if len(msgs) == 0 {
		return nil
	}

	timeout := m.DialTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	dialer := &net.Dialer{Timeout: timeout}

	var conn net.Conn
	var err error
	if cfg.Port == 465 {
		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: &tls.Config{ServerName: cfg.Host}}
		conn, err = tlsDialer.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("failed to dial SMTP server: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(2 * timeout))
	}

	c, err := smtp.NewClient(conn, cfg.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create SMTP client: %w", err)
	}
	defer c.Close()

	if cfg.Port != 465 {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(&tls.Config{ServerName: cfg.Host}); err != nil {
				return fmt.Errorf("failed to start TLS: %w", err)
			}
		}
	}
	if err := c.Auth(smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)); err != nil {
		return fmt.Errorf("failed to authenticate: %w", err)
	}

	from := cfg.Sender()
	for _, msg := range msgs {
		if err := deliver(c, from, cfg.Host, msg); err != nil {
			return err
		}
	}
	return c.Quit()
}

func deliver(c *smtp.Client, from, host string, msg Mail) error {
	sender := from
	if a, err := mail.ParseAddress(from); err == nil {
		sender = a.Address
	}
	rcpts, err := recipients(msg.To)
	if err != nil {
		return err
	}

	if err := c.Mail(sender); err != nil {
		return fmt.Errorf("failed to set sender: %w", err)
	}
	for _, rcpt := range rcpts {
		if err := c.Rcpt(rcpt); err != nil {
			return fmt.Errorf("failed to add recipient %s: %w", rcpt, err)
		}
	}

	body, err := compose(from, msg, host, time.Now())
	if err != nil {
		return err
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("failed to get data writer: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close data writer: %w", err)
	}
	return nil
}

// recipients accepts a comma-separated address list.
func recipients(to string) ([]string, error) {
	var out []string
	if addrs, err := mail.ParseAddressList(to); err == nil {
		for _, a := range addrs {
			out = append(out, a.Address)
		}
	} else {
		for _, p := range strings.Split(to, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no valid recipient address in %q", to)
	}
	return out, nil
}

// compose builds the RFC 5322 message: encoded subject, quoted-printable
// HTML body.
func compose(from string, msg Mail, host string, now time.Time) ([]byte, error) {
	var body bytes.Buffer
	qp := quotedprintable.NewWriter(&body)
	if _, err := qp.Write([]byte(msg.HTML)); err != nil {
		return nil, fmt.Errorf("failed to encode body: %w", err)
	}
	if err := qp.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize body encoding: %w", err)
	}

	headers := []string{
		"From: " + from,
		"To: " + msg.To,
		"Subject: " + mime.QEncoding.Encode("UTF-8", msg.Subject),
		"MIME-Version: 1.0",
		"Content-Type: text/html; charset=UTF-8",
		"Content-Transfer-Encoding: quoted-printable",
		"Date: " + now.Format(time.RFC1123Z),
		fmt.Sprintf("Message-ID: <%d@%s>", now.UnixNano(), host),
	}
	return []byte(strings.Join(headers, "\r\n") + "\r\n\r\n" + body.String()), nil
}
