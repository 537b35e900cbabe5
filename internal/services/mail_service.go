package services

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/mail"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"postflow/internal/automation"

	"github.com/microcosm-cc/bluemonday"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// MailConfig SMTP 发信配置
type MailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	FromName string
	UseTLS   bool
}

type sendFunc func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error

// MailService implements automation.Mailer over SMTP.
type MailService struct {
	cfg    MailConfig
	logger *logrus.Logger
	tracer trace.Tracer
	send   sendFunc
	text   *bluemonday.Policy
}

func NewMailService(cfg MailConfig, logger *logrus.Logger) *MailService {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.Port == 0 {
		cfg.Port = 25
	}
	s := &MailService{
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer("postflow/mail"),
		text:   bluemonday.StrictPolicy(),
	}
	if cfg.UseTLS {
		s.send = sendMailWithTLS
	} else {
		s.send = smtp.SendMail
	}
	return s
}

// Send delivers msg to every To, CC and BCC recipient.
func (s *MailService) Send(ctx context.Context, msg *automation.Email) error {
	_, span := s.tracer.Start(ctx, "mail.send")
	defer span.End()

	if msg == nil {
		return errors.New("mail: nil message")
	}
	recipients := make([]string, 0, len(msg.To)+len(msg.CC)+len(msg.BCC))
	recipients = append(recipients, msg.To...)
	recipients = append(recipients, msg.CC...)
	recipients = append(recipients, msg.BCC...)
	span.SetAttributes(
		attribute.Int("mail.recipients", len(recipients)),
		attribute.Bool("mail.html", msg.HTML),
	)
	if len(recipients) == 0 {
		return errors.New("mail: no recipients")
	}
	if s.cfg.Host == "" {
		err := errors.New("mail: smtp host not configured")
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	from := msg.From
	if from == "" {
		from = s.cfg.From
	}
	fromName := msg.FromName
	if fromName == "" {
		fromName = s.cfg.FromName
	}
	body := s.buildMessage(from, fromName, msg)

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	var auth smtp.Auth
	if s.cfg.Username != "" && s.cfg.Password != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}
	if err := s.send(addr, auth, from, recipients, body); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Warnf("mail: send %q to %d recipients failed: %v", msg.Subject, len(recipients), err)
		return fmt.Errorf("send mail: %w", err)
	}
	s.logger.WithFields(logrus.Fields{
		"subject":    msg.Subject,
		"recipients": len(recipients),
	}).Debug("mail: sent")
	return nil
}

func (s *MailService) buildMessage(from, fromName string, msg *automation.Email) []byte {
	var buf bytes.Buffer

	sender := (&mail.Address{Name: fromName, Address: from}).String()
	buf.WriteString(fmt.Sprintf("From: %s\r\n", sender))
	buf.WriteString(fmt.Sprintf("To: %s\r\n", strings.Join(msg.To, ", ")))
	if len(msg.CC) > 0 {
		buf.WriteString(fmt.Sprintf("Cc: %s\r\n", strings.Join(msg.CC, ", ")))
	}
	if msg.ReplyTo != "" {
		buf.WriteString(fmt.Sprintf("Reply-To: %s\r\n", msg.ReplyTo))
	}
	buf.WriteString(fmt.Sprintf("Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Subject)))
	buf.WriteString(fmt.Sprintf("Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z)))
	buf.WriteString("MIME-Version: 1.0\r\n")

	if !msg.HTML {
		buf.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n\r\n")
		buf.WriteString(msg.Body)
		return buf.Bytes()
	}

	boundary := fmt.Sprintf("postflow-%d", time.Now().UnixNano())
	buf.WriteString(fmt.Sprintf("Content-Type: multipart/alternative; boundary=\"%s\"\r\n\r\n", boundary))
	buf.WriteString(fmt.Sprintf("--%s\r\n", boundary))
	buf.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n\r\n")
	buf.WriteString(strings.TrimSpace(s.text.Sanitize(msg.Body)))
	buf.WriteString("\r\n")
	buf.WriteString(fmt.Sprintf("--%s\r\n", boundary))
	buf.WriteString("Content-Type: text/html; charset=\"utf-8\"\r\n\r\n")
	buf.WriteString(msg.Body)
	buf.WriteString("\r\n")
	buf.WriteString(fmt.Sprintf("--%s--\r\n", boundary))
	return buf.Bytes()
}

func sendMailWithTLS(addr string, auth smtp.Auth, from string, to []string, msg []byte) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	conn, err := tls.Dial("tcp", addr, &tls.Config{ServerName: host})
	if err != nil {
		return err
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, host)
	if err != nil {
		return err
	}
	defer client.Close()

	if auth != nil {
		if err := client.Auth(auth); err != nil {
			return err
		}
	}
	if err := client.Mail(from); err != nil {
		return err
	}
	for _, rcpt := range to {
		if err := client.Rcpt(rcpt); err != nil {
			return err
		}
	}
	w, err := client.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return client.Quit()
}
