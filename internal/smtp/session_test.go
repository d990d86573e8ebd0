package smtp

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shineum/pepipost-relay/internal/email"
	relaytls "github.com/shineum/pepipost-relay/internal/tls"
)

type mockProvider struct {
	mu      sync.Mutex
	msgs    []*email.Email
	sendErr error
}

func (m *mockProvider) Send(_ context.Context, msg *email.Email) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs = append(m.msgs, msg)
	return m.sendErr
}

func (m *mockProvider) Name() string { return "mock" }

func (m *mockProvider) last(t *testing.T) *email.Email {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotEmpty(t, m.msgs, "provider received no message")
	return m.msgs[len(m.msgs)-1]
}

func (m *mockProvider) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.msgs)
}

type permanentError struct{}

func (permanentError) Error() string   { return "recipient blocked" }
func (permanentError) Permanent() bool { return true }

type testClient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func (c *testClient) send(line string) {
	c.t.Helper()
	_, err := c.conn.Write([]byte(line + "\r\n"))
	require.NoError(c.t, err)
}

// reply reads one (possibly multi-line) reply and returns its lines.
func (c *testClient) reply() []string {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var lines []string
	for {
		line, err := c.r.ReadString('\n')
		require.NoError(c.t, err)
		line = strings.TrimRight(line, "\r\n")
		lines = append(lines, line)
		if len(line) < 4 || line[3] != '-' {
			return lines
		}
	}
}

// expect sends line and asserts the reply code; it returns the last line.
func (c *testClient) expect(line, code string) string {
	c.t.Helper()
	c.send(line)
	lines := c.reply()
	last := lines[len(lines)-1]
	assert.True(c.t, strings.HasPrefix(last, code+" "), "%s: got %q, want %s", line, last, code)
	return last
}

func (c *testClient) data(message, code string) string {
	c.t.Helper()
	c.expect("DATA", "354")
	_, err := c.conn.Write([]byte(message + "\r\n.\r\n"))
	require.NoError(c.t, err)
	last := c.reply()
	assert.True(c.t, strings.HasPrefix(last[len(last)-1], code+" "), "DATA: got %q, want %s", last, code)
	return last[len(last)-1]
}

func connPair(t *testing.T) (client, server net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	return client, <-accepted
}

func startSession(t *testing.T, prov *mockProvider, configure func(*sessionOptions)) *testClient {
	t.Helper()

	client, server := connPair(t)
	opts := sessionOptions{
		hostname: "mail.test",
		auth:     NewAuthenticator("", ""),
		provider: prov,
		maxSize:  1 << 20,
	}
	if configure != nil {
		configure(&opts)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go newSession(server, opts).Handle(ctx)
	t.Cleanup(func() {
		cancel()
		client.Close()
	})

	c := &testClient{t: t, conn: client, r: bufio.NewReader(client)}
	greeting := c.reply()
	require.Equal(t, "220 mail.test ESMTP pepipost-relay", greeting[0])
	return c
}

func TestSession_EHLOCapabilities(t *testing.T) {
	t.Parallel()

	c := startSession(t, &mockProvider{}, func(o *sessionOptions) {
		o.auth = NewAuthenticator("user", "pass")
		o.maxSize = 1024
	})

	c.send("EHLO client.test")
	lines := c.reply()
	assert.Equal(t, []string{
		"250-mail.test Hello client.test",
		"250-AUTH PLAIN LOGIN",
		"250-SIZE 1024",
		"250-8BITMIME",
		"250 OK",
	}, lines)
}

func TestSession_HELOAndMissingHostname(t *testing.T) {
	t.Parallel()

	c := startSession(t, &mockProvider{}, nil)
	c.expect("EHLO", "501")
	assert.Equal(t, "250 mail.test Hello client.test", c.expect("HELO client.test", "250"))
}

func TestSession_Transaction(t *testing.T) {
	t.Parallel()

	prov := &mockProvider{}
	c := startSession(t, prov, nil)

	c.expect("EHLO client.test", "250")
	c.expect("MAIL FROM:<sender@example.com> BODY=8BITMIME", "250")
	c.expect("RCPT TO:<alice@example.com>", "250")
	c.expect("RCPT TO:<hidden@example.com>", "250")
	last := c.data(strings.Join([]string{
		"From: Sender <sender@example.com>",
		"To: Alice <alice@example.com>",
		"Subject: Test Email",
		"",
		"Hello, this is a test email.",
		"..leading dot",
	}, "\r\n"), "250")

	msg := prov.last(t)
	assert.Equal(t, "Test Email", msg.Subject)
	assert.Equal(t, email.Address{Email: "sender@example.com", Name: "Sender"}, msg.From)
	assert.Equal(t, []email.Address{{Email: "hidden@example.com"}}, msg.Bcc)
	assert.Contains(t, msg.TextBody, "\n.leading dot")
	assert.True(t, strings.HasSuffix(msg.MessageID, "@mail.test>"), msg.MessageID)
	assert.Contains(t, last, msg.MessageID)

	// The session is ready for another transaction.
	c.expect("MAIL FROM:<sender@example.com>", "250")
}

func TestSession_EnvelopeFallback(t *testing.T) {
	t.Parallel()

	prov := &mockProvider{}
	c := startSession(t, prov, nil)

	c.expect("HELO client.test", "250")
	c.expect("MAIL FROM:<bounce@example.com>", "250")
	c.expect("RCPT TO:<a@example.com>", "250")
	c.expect("RCPT TO:<b@example.com>", "250")
	c.data("Subject: No headers\r\nMessage-Id: <fixed@example.com>\r\n\r\nbody", "250")

	msg := prov.last(t)
	assert.Equal(t, "bounce@example.com", msg.From.Email)
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, email.Emails(msg.To))
	assert.Empty(t, msg.Bcc)
	assert.Equal(t, "<fixed@example.com>", msg.MessageID)
}

func TestSession_ControlChannelParams(t *testing.T) {
	t.Parallel()

	prov := &mockProvider{}
	c := startSession(t, prov, nil)

	c.expect("EHLO client.test", "250")
	c.expect("MAIL FROM:<app@example.com>", "250")
	c.expect("RCPT TO:<user@example.com>", "250")
	c.data(strings.Join([]string{
		"From: app@example.com",
		"To: user@example.com",
		"Subject: Tagged",
		`Content-Type: multipart/mixed; boundary="b1"`,
		"",
		"--b1",
		"Content-Type: text/plain",
		"",
		"Hi",
		"--b1",
		"Content-Type: application/json",
		`Content-Disposition: attachment; filename="` + email.ControlChannelName + `"`,
		"",
		`{"tags":["welcome"],"template_id":42}`,
		"--b1--",
	}, "\r\n"), "250")

	msg := prov.last(t)
	assert.Empty(t, msg.Attachments)
	assert.Equal(t, []any{"welcome"}, msg.Params["tags"])
	assert.Contains(t, msg.Params, "template_id")
}

func TestSession_SizeLimits(t *testing.T) {
	t.Parallel()

	prov := &mockProvider{}
	c := startSession(t, prov, func(o *sessionOptions) { o.maxSize = 64 })

	c.expect("EHLO client.test", "250")
	c.expect("MAIL FROM:<a@example.com> SIZE=65", "552")
	c.expect("MAIL FROM:<a@example.com> SIZE=10", "250")
	c.expect("RCPT TO:<b@example.com>", "250")
	c.data("Subject: big\r\n\r\n"+strings.Repeat("x", 200), "552")

	assert.Equal(t, 0, prov.count())
	c.expect("NOOP", "250")
	c.expect("RCPT TO:<b@example.com>", "503")
}

func TestSession_ProviderErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		code string
	}{
		{name: "permanent", err: permanentError{}, code: "554"},
		{name: "wrapped permanent", err: errors.Join(errors.New("send"), permanentError{}), code: "554"},
		{name: "temporary", err: errors.New("connection reset"), code: "451"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c := startSession(t, &mockProvider{sendErr: tt.err}, nil)
			c.expect("EHLO client.test", "250")
			c.expect("MAIL FROM:<a@example.com>", "250")
			c.expect("RCPT TO:<b@example.com>", "250")
			c.data("Subject: x\r\n\r\nbody", tt.code)
		})
	}
}

func TestSession_AuthRequired(t *testing.T) {
	t.Parallel()

	c := startSession(t, &mockProvider{}, func(o *sessionOptions) {
		o.auth = NewAuthenticator("user", "pass")
	})

	c.expect("AUTH PLAIN "+b64("\x00user\x00pass"), "503")
	c.expect("EHLO client.test", "250")
	c.expect("MAIL FROM:<a@example.com>", "530")
	c.expect("AUTH PLAIN "+b64("\x00user\x00wrong"), "535")
	c.expect("AUTH CRAM-MD5", "504")
	c.expect("AUTH PLAIN "+b64("\x00user\x00pass"), "235")
	c.expect("AUTH PLAIN "+b64("\x00user\x00pass"), "503")
	c.expect("MAIL FROM:<a@example.com>", "250")
}

func TestSession_AuthLogin(t *testing.T) {
	t.Parallel()

	c := startSession(t, &mockProvider{}, func(o *sessionOptions) {
		o.auth = NewAuthenticator("user", "pass")
	})

	c.expect("EHLO client.test", "250")
	assert.Equal(t, "334 VXNlcm5hbWU6", c.expect("AUTH LOGIN", "334"))
	assert.Equal(t, "334 UGFzc3dvcmQ6", c.expect(b64("user"), "334"))
	c.expect(b64("pass"), "235")

	c.expect("RSET", "250")
	c.expect("MAIL FROM:<a@example.com>", "250")
}

func TestSession_AuthPlainChallengeCancelled(t *testing.T) {
	t.Parallel()

	c := startSession(t, &mockProvider{}, func(o *sessionOptions) {
		o.auth = NewAuthenticator("user", "pass")
	})

	c.expect("EHLO client.test", "250")
	c.expect("AUTH PLAIN", "334")
	c.expect("*", "501")
}

func TestSession_CommandOrder(t *testing.T) {
	t.Parallel()

	c := startSession(t, &mockProvider{}, nil)

	c.expect("MAIL FROM:<a@example.com>", "503")
	c.expect("EHLO client.test", "250")
	c.expect("RCPT TO:<b@example.com>", "503")
	c.expect("DATA", "503")
	c.expect("MAIL FROM:<a@example.com>", "250")
	c.expect("MAIL FROM:<a@example.com>", "503")
	c.expect("DATA", "503")
	c.expect("RCPT TO:", "501")
	c.expect("RSET", "250")
	c.expect("RCPT TO:<b@example.com>", "503")
	c.expect("MAIL FROM:bad", "250")
	c.expect("RSET", "250")
	c.expect("MAIL TO:<a@example.com>", "501")
	c.expect("VRFY root", "500")
	c.expect("STARTTLS", "454")
	c.expect("QUIT", "221")
}

func TestSession_StartTLS(t *testing.T) {
	t.Parallel()

	cert, err := relaytls.GenerateSelfSignedCert("mail.test")
	require.NoError(t, err)

	prov := &mockProvider{}
	c := startSession(t, prov, func(o *sessionOptions) {
		o.tlsConfig = &tls.Config{Certificates: []tls.Certificate{*cert}, MinVersion: tls.VersionTLS12}
	})

	c.send("EHLO client.test")
	assert.Contains(t, c.reply(), "250-STARTTLS")
	c.expect("STARTTLS", "220")

	tlsConn := tls.Client(c.conn, &tls.Config{ServerName: "mail.test", InsecureSkipVerify: true})
	require.NoError(t, tlsConn.Handshake())
	c.conn = tlsConn
	c.r = bufio.NewReader(tlsConn)

	c.expect("MAIL FROM:<a@example.com>", "503")
	c.send("EHLO client.test")
	assert.NotContains(t, c.reply(), "250-STARTTLS")
	c.expect("STARTTLS", "454")
	c.expect("MAIL FROM:<a@example.com>", "250")
	c.expect("RCPT TO:<b@example.com>", "250")
	c.data("Subject: secure\r\n\r\nbody", "250")
	assert.Equal(t, "secure", prov.last(t).Subject)
}

func TestParsePath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		arg    string
		prefix string
		addr   string
		params []string
		ok     bool
	}{
		{arg: "FROM:<a@example.com>", prefix: "FROM:", addr: "a@example.com", ok: true},
		{arg: "from: <a@example.com> SIZE=10 BODY=8BITMIME", prefix: "FROM:", addr: "a@example.com", params: []string{"SIZE=10", "BODY=8BITMIME"}, ok: true},
		{arg: "FROM:<>", prefix: "FROM:", addr: "", ok: true},
		{arg: "FROM:a@example.com SIZE=1", prefix: "FROM:", addr: "a@example.com", params: []string{"SIZE=1"}, ok: true},
		{arg: "TO:<b@example.com", prefix: "TO:", ok: false},
		{arg: "TO:", prefix: "TO:", ok: false},
		{arg: "<b@example.com>", prefix: "TO:", ok: false},
	}

	for _, tt := range tests {
		addr, params, ok := parsePath(tt.arg, tt.prefix)
		assert.Equal(t, tt.ok, ok, tt.arg)
		if tt.ok {
			assert.Equal(t, tt.addr, addr, tt.arg)
			assert.Equal(t, tt.params, params, tt.arg)
		}
	}
}

func TestDeclaredSize(t *testing.T) {
	t.Parallel()

	n, ok := declaredSize([]string{"BODY=8BITMIME", "size=2048"})
	assert.True(t, ok)
	assert.Equal(t, int64(2048), n)

	_, ok = declaredSize([]string{"SIZE=lots"})
	assert.False(t, ok)

	_, ok = declaredSize(nil)
	assert.False(t, ok)
}

func TestApplyEnvelope(t *testing.T) {
	t.Parallel()

	msg := &email.Email{
		To: []email.Address{{Email: "Alice@Example.com"}},
		Cc: []email.Address{{Email: "carol@example.com"}},
	}
	applyEnvelope(msg, &transaction{
		from: "bounce@example.com",
		rcpt: []string{"alice@example.com", "carol@example.com", "dave@example.com", "dave@example.com"},
	})

	assert.Equal(t, "bounce@example.com", msg.From.Email)
	assert.Len(t, msg.To, 1)
	assert.Equal(t, []email.Address{{Email: "dave@example.com"}}, msg.Bcc)
}
