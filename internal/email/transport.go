package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"gopkg.in/gomail.v2"
)

// Transport opens sessions against a mail relay.
type Transport interface {
	Open(ctx context.Context) (Session, error)
}

// Session hands messages to an open relay connection, one at a time.
type Session interface {
	Send(m *gomail.Message) error
	Close() error
}

type SMTPTransport struct {
	Host     string
	Port     int
	Username string
	Password string
	SSL      bool

	// ConnectTimeout bounds each connection attempt, greeting and auth included.
	ConnectTimeout time.Duration
	// Retries is the number of extra connection attempts after the first.
	Retries uint64
	// SendTimeout bounds a single message transaction. Zero means no limit.
	SendTimeout time.Duration

	Log *zap.Logger
}

// Open dials the relay, authenticating only when credentials are configured.
func (t *SMTPTransport) Open(ctx context.Context) (Session, error) {
	var sess *smtpSession
	attempt := 0

	operation := func() error {
		attempt++
		var err error
		sess, err = t.dial(ctx)
		if err != nil && t.Log != nil {
			t.Log.Warn("smtp connect failed",
				zap.String("host", t.Host),
				zap.Int("port", t.Port),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 2 * time.Second

	if err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(b, t.Retries), ctx)); err != nil {
		return nil, err
	}
	return sess, nil
}

func (t *SMTPTransport) dial(ctx context.Context) (*smtpSession, error) {
	timeout := t.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(t.Host, strconv.Itoa(t.Port)))
	if err != nil {
		return nil, t.connectErr(err)
	}

	// The handshake runs on the same clock as the dial.
	deadline, _ := ctx.Deadline()
	_ = conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })

	c, err := t.handshake(conn)
	if !stop() || err != nil {
		_ = conn.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return nil, t.connectErr(err)
	}
	_ = conn.SetDeadline(time.Time{})

	return &smtpSession{c: c, conn: conn, sendTimeout: t.SendTimeout, log: t.Log}, nil
}

func (t *SMTPTransport) handshake(conn net.Conn) (*smtp.Client, error) {
	ssl := t.SSL || t.Port == 465
	if ssl {
		conn = tls.Client(conn, t.tlsConfig())
	}

	c, err := smtp.NewClient(conn, t.Host)
	if err != nil {
		return nil, err
	}
	if err := c.Hello("localhost"); err != nil {
		return nil, err
	}

	if !ssl {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(t.tlsConfig()); err != nil {
				return nil, err
			}
		}
	}

	if t.Username != "" {
		if ok, mechs := c.Extension("AUTH"); ok {
			if err := c.Auth(t.auth(mechs)); err != nil {
				return nil, err
			}
		}
	}
	return c, nil
}

func (t *SMTPTransport) tlsConfig() *tls.Config {
	return &tls.Config{ServerName: t.Host}
}

func (t *SMTPTransport) auth(mechs string) smtp.Auth {
	switch {
	case strings.Contains(mechs, "CRAM-MD5"):
		return smtp.CRAMMD5Auth(t.Username, t.Password)
	case strings.Contains(mechs, "LOGIN") && !strings.Contains(mechs, "PLAIN"):
		return &loginAuth{username: t.Username, password: t.Password}
	default:
		return smtp.PlainAuth("", t.Username, t.Password, t.Host)
	}
}

func (t *SMTPTransport) connectErr(err error) error {
	return fmt.Errorf("smtp connect %s:%d: %w", t.Host, t.Port, err)
}

type loginAuth struct {
	username string
	password string
}

func (a *loginAuth) Start(*smtp.ServerInfo) (string, []byte, error) {
	return "LOGIN", nil, nil
}

func (a *loginAuth) Next(fromServer []byte, more bool) ([]byte, error) {
	if !more {
		return nil, nil
	}
	switch strings.ToLower(strings.TrimSuffix(string(fromServer), ":")) {
	case "username":
		return []byte(a.username), nil
	case "password":
		return []byte(a.password), nil
	default:
		return nil, fmt.Errorf("unexpected login challenge %q", fromServer)
	}
}

type smtpSession struct {
	c           *smtp.Client
	conn        net.Conn
	sendTimeout time.Duration
	log         *zap.Logger
}

// Send runs one MAIL/RCPT/DATA transaction. A failed transaction is reset so
// the next message starts clean on the same connection.
func (s *smtpSession) Send(m *gomail.Message) error {
	if s.sendTimeout > 0 {
		_ = s.conn.SetDeadline(time.Now().Add(s.sendTimeout))
		defer s.conn.SetDeadline(time.Time{})
	}

	if err := gomail.Send(gomail.SendFunc(s.transact), m); err != nil {
		if rerr := s.c.Reset(); rerr != nil && s.log != nil {
			s.log.Warn("smtp reset failed", zap.Error(rerr))
		}
		return fmt.Errorf("smtp send error: %w", err)
	}
	return nil
}

func (s *smtpSession) transact(from string, to []string, msg io.WriterTo) error {
	// Render first so a broken message never reaches DATA half written.
	var buf bytes.Buffer
	if _, err := msg.WriteTo(&buf); err != nil {
		return err
	}

	if err := s.c.Mail(from); err != nil {
		return err
	}
	for _, addr := range to {
		if err := s.c.Rcpt(addr); err != nil {
			return err
		}
	}
	w, err := s.c.Data()
	if err != nil {
		return err
	}
	if _, err := buf.WriteTo(w); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

func (s *smtpSession) Close() error {
	if err := s.c.Quit(); err != nil {
		return errors.Join(err, s.c.Close())
	}
	return nil
}
