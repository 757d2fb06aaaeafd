package email

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"net"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/mailhub/pkg/types"
)

type smtpSession struct {
	tls        bool
	auth       string
	from       string
	recipients []string
	data       string
}

// serveSMTP answers one STARTTLS session with AUTH PLAIN, accepting only
// the password "pw".
func serveSMTP(t *testing.T, l net.Listener, serverTLS *tls.Config) <-chan smtpSession {
	t.Helper()
	out := make(chan smtpSession, 1)
	go func() {
		var sess smtpSession
		defer func() { out <- sess }()

		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer func() { conn.Close() }()
		tp := textproto.NewConn(conn)
		tp.PrintfLine("220 localhost ESMTP") //nolint:errcheck

		for {
			line, err := tp.ReadLine()
			if err != nil {
				return
			}
			fields := strings.Fields(line)
			if len(fields) == 0 {
				tp.PrintfLine("500 empty command") //nolint:errcheck
				continue
			}
			switch strings.ToUpper(fields[0]) {
			case "EHLO":
				tp.PrintfLine("250-localhost") //nolint:errcheck
				if sess.tls {
					tp.PrintfLine("250 AUTH PLAIN") //nolint:errcheck
				} else {
					tp.PrintfLine("250 STARTTLS") //nolint:errcheck
				}
			case "STARTTLS":
				tp.PrintfLine("220 ready") //nolint:errcheck
				tlsConn := tls.Server(conn, serverTLS)
				if err := tlsConn.Handshake(); err != nil {
					return
				}
				conn = tlsConn
				tp = textproto.NewConn(conn)
				sess.tls = true
			case "AUTH":
				raw, _ := base64.StdEncoding.DecodeString(fields[len(fields)-1])
				sess.auth = string(raw)
				if strings.HasSuffix(sess.auth, "\x00pw") {
					tp.PrintfLine("235 2.7.0 accepted") //nolint:errcheck
				} else {
					tp.PrintfLine("535 5.7.8 bad credentials") //nolint:errcheck
				}
			case "MAIL":
				sess.from = strings.Trim(strings.TrimPrefix(line, "MAIL FROM:"), "<>")
				tp.PrintfLine("250 ok") //nolint:errcheck
			case "RCPT":
				sess.recipients = append(sess.recipients, strings.Trim(strings.TrimPrefix(line, "RCPT TO:"), "<>"))
				tp.PrintfLine("250 ok") //nolint:errcheck
			case "DATA":
				tp.PrintfLine("354 go ahead") //nolint:errcheck
				data, err := tp.ReadDotBytes()
				if err != nil {
					return
				}
				sess.data = string(data)
				tp.PrintfLine("250 queued") //nolint:errcheck
			case "QUIT":
				tp.PrintfLine("221 bye") //nolint:errcheck
				return
			default:
				tp.PrintfLine("502 not implemented") //nolint:errcheck
			}
		}
	}()
	return out
}

func newSMTPTestClient(t *testing.T, password string) (*SMTPClient, <-chan smtpSession) {
	t.Helper()
	serverTLS, roots := testTLS(t)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	c := NewSMTPClient(&types.Credential{
		SMTPHost:     "127.0.0.1",
		SMTPPort:     l.Addr().(*net.TCPAddr).Port,
		SMTPUsername: "me",
		SMTPPassword: password,
	}, 5*time.Second, quietLogger())
	c.roots = roots
	return c, serveSMTP(t, l, serverTLS)
}

func TestSMTPClientSend(t *testing.T) {
	c, sessions := newSMTPTestClient(t, "pw")

	raw := []byte("Subject: Hi\r\n\r\nHello Bob\r\n")
	err := c.Send(context.Background(), "me@example.com", []string{"bob@example.com", "carol@example.com"}, raw)
	require.NoError(t, err)

	sess := <-sessions
	assert.True(t, sess.tls, "credentials must only travel after STARTTLS")
	assert.Equal(t, "\x00me\x00pw", sess.auth)
	assert.Equal(t, "me@example.com", sess.from)
	assert.Equal(t, []string{"bob@example.com", "carol@example.com"}, sess.recipients)
	assert.Contains(t, sess.data, "Subject: Hi")
	assert.Contains(t, sess.data, "Hello Bob")
}

func TestSMTPClientRejectedCredentials(t *testing.T) {
	c, sessions := newSMTPTestClient(t, "wrong")

	err := c.Send(context.Background(), "me@example.com", []string{"bob@example.com"}, []byte("Subject: x\r\n\r\nx\r\n"))
	assert.ErrorIs(t, err, types.ErrAuthExpired)

	sess := <-sessions
	assert.Empty(t, sess.from, "no envelope after a failed login")
}

func TestSMTPClientUnreachable(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	c := NewSMTPClient(&types.Credential{SMTPHost: "127.0.0.1", SMTPPort: port}, time.Second, quietLogger())
	err = c.Send(context.Background(), "me@example.com", []string{"bob@example.com"}, []byte("x"))
	assert.ErrorIs(t, err, types.ErrProviderUnavailable)
}
