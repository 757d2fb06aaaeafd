package email

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/smtp"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailhub/internal/metrics"
	"github.com/brandon/mailhub/pkg/types"
)

// dataTimeoutFactor stretches the connect timeout for the DATA phase.
const dataTimeoutFactor = 6

// SMTPClient wraps an SMTP client
type SMTPClient struct {
	cred    *types.Credential
	timeout time.Duration
	logger  *logrus.Logger
	roots   *x509.CertPool // nil uses the system pool
}

// NewSMTPClient creates a new SMTP client
func NewSMTPClient(cred *types.Credential, timeout time.Duration, logger *logrus.Logger) *SMTPClient {
	return &SMTPClient{
		cred:    cred,
		timeout: timeout,
		logger:  logger,
	}
}

// Send delivers a composed message. Port 465 uses implicit TLS, every other
// port STARTTLS.
func (c *SMTPClient) Send(ctx context.Context, from string, recipients []string, raw []byte) error {
	err := c.send(ctx, from, recipients, raw)
	metrics.RemoteCalls.WithLabelValues(string(types.BackendIMAPSMTP), "send", metrics.Result(err)).Inc()
	if err != nil {
		c.logger.WithError(err).WithField("host", c.cred.SMTPHost).Error("Failed to send email")
		return classifyMailError("smtp send", err)
	}
	c.logger.WithFields(logrus.Fields{
		"host":       c.cred.SMTPHost,
		"recipients": len(recipients),
	}).Info("Email sent")
	return nil
}

func (c *SMTPClient) send(ctx context.Context, from string, recipients []string, raw []byte) error {
	client, conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := c.authenticate(client); err != nil {
		return err
	}

	if err := conn.SetDeadline(time.Now().Add(dataTimeoutFactor * c.timeout)); err != nil {
		return fmt.Errorf("failed to set deadline: %w", err)
	}

	if err := client.Mail(from); err != nil {
		return fmt.Errorf("failed to set sender: %w", err)
	}
	for _, to := range recipients {
		if err := client.Rcpt(to); err != nil {
			return fmt.Errorf("failed to set recipient %s: %w", to, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("failed to send data command: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close data writer: %w", err)
	}
	return client.Quit()
}

// dial connects and, for STARTTLS ports, upgrades the session. The returned
// connection carries a deadline bounded by the client timeout.
func (c *SMTPClient) dial(ctx context.Context) (*smtp.Client, net.Conn, error) {
	addr := fmt.Sprintf("%s:%d", c.cred.SMTPHost, c.cred.SMTPPort)
	tlsConfig := &tls.Config{ServerName: c.cred.SMTPHost, MinVersion: tls.VersionTLS12, RootCAs: c.roots}
	dialer := &net.Dialer{Timeout: c.timeout}

	var conn net.Conn
	var err error
	if c.cred.SMTPPort == 465 {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: tlsConfig}).DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, nil, types.NewError(types.KindProviderUnavailable, "smtp connect", err)
	}
	if err := conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("failed to set deadline: %w", err)
	}

	client, err := smtp.NewClient(conn, c.cred.SMTPHost)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("failed to create SMTP client: %w", err)
	}

	if c.cred.SMTPPort != 465 {
		if err := client.StartTLS(tlsConfig); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("failed to start TLS: %w", err)
		}
	}
	return client, conn, nil
}

func (c *SMTPClient) authenticate(client *smtp.Client) error {
	if c.cred.SMTPPassword == "" {
		return nil
	}
	auth := smtp.PlainAuth("", c.cred.SMTPUsername, c.cred.SMTPPassword, c.cred.SMTPHost)
	if err := client.Auth(auth); err != nil {
		return fmt.Errorf("failed to authenticate: %w", err)
	}
	return nil
}
