package smtp

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shineum/pepipost-relay/internal/email"
	"github.com/shineum/pepipost-relay/internal/parser"
	"github.com/shineum/pepipost-relay/internal/provider"
)

type sessionState int

const (
	stateConnected sessionState = iota
	stateGreeted
	stateAuthenticated
	stateMail
	stateRcpt
)

const idleTimeout = 60 * time.Second

type sessionOptions struct {
	hostname  string
	tlsConfig *tls.Config
	auth      *Authenticator
	provider  provider.Provider
	maxSize   int64
}

// transaction is one MAIL FROM .. DATA exchange.
type transaction struct {
	id   string
	from string
	rcpt []string
}

// Session is a single client connection running the SMTP state machine.
type Session struct {
	opts      sessionOptions
	conn      net.Conn
	reader    *bufio.Reader
	writer    *bufio.Writer
	state     sessionState
	tlsActive bool
	tx        *transaction
	log       *slog.Logger
}

func newSession(conn net.Conn, opts sessionOptions) *Session {
	return &Session{
		opts:   opts,
		conn:   conn,
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
		log:    slog.With("remote", conn.RemoteAddr().String()),
	}
}

// Handle serves commands until QUIT, a read error, or ctx is cancelled.
func (s *Session) Handle(ctx context.Context) {
	defer s.conn.Close()

	s.reply(220, "%s ESMTP pepipost-relay", s.opts.hostname)

	for {
		if ctx.Err() != nil {
			s.reply(421, "Service shutting down")
			return
		}

		if err := s.conn.SetDeadline(time.Now().Add(idleTimeout)); err != nil {
			s.log.Error("failed to set connection deadline", "error", err)
			return
		}

		line, err := s.readLine()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Debug("connection read error", "error", err)
			}
			return
		}
		if line == "" {
			continue
		}

		verb, arg, _ := strings.Cut(line, " ")
		if s.dispatch(ctx, strings.ToUpper(verb), arg) {
			return
		}
	}
}

func (s *Session) dispatch(ctx context.Context, verb, arg string) (quit bool) {
	switch verb {
	case "EHLO", "HELO":
		s.handleHello(verb, arg)
	case "STARTTLS":
		s.handleStartTLS()
	case "AUTH":
		s.handleAuth(arg)
	case "MAIL":
		s.handleMail(arg)
	case "RCPT":
		s.handleRcpt(arg)
	case "DATA":
		s.handleData(ctx)
	case "RSET":
		s.reset()
		s.reply(250, "OK")
	case "NOOP":
		s.reply(250, "OK")
	case "QUIT":
		s.reply(221, "Bye")
		return true
	default:
		s.reply(500, "Unrecognized command")
	}
	return false
}

func (s *Session) handleHello(verb, arg string) {
	if arg == "" {
		s.reply(501, "Syntax: %s hostname", verb)
		return
	}
	s.reset()
	if s.state < stateGreeted {
		s.state = stateGreeted
	}

	if verb == "HELO" {
		s.reply(250, "%s Hello %s", s.opts.hostname, arg)
		return
	}

	lines := []string{fmt.Sprintf("%s Hello %s", s.opts.hostname, arg)}
	if s.opts.tlsConfig != nil && !s.tlsActive {
		lines = append(lines, "STARTTLS")
	}
	if s.opts.auth.Enabled() {
		lines = append(lines, "AUTH PLAIN LOGIN")
	}
	lines = append(lines, fmt.Sprintf("SIZE %d", s.opts.maxSize), "8BITMIME", "OK")
	s.replyMulti(250, lines)
}

func (s *Session) handleStartTLS() {
	switch {
	case s.opts.tlsConfig == nil:
		s.reply(454, "TLS not available")
		return
	case s.tlsActive:
		s.reply(454, "TLS already active")
		return
	}

	s.reply(220, "Ready to start TLS")

	tlsConn := tls.Server(s.conn, s.opts.tlsConfig)
	if err := tlsConn.Handshake(); err != nil {
		s.log.Error("TLS handshake failed", "error", err)
		return
	}

	// RFC 3207: the client must greet again after the handshake.
	s.conn = tlsConn
	s.reader = bufio.NewReader(tlsConn)
	s.writer = bufio.NewWriter(tlsConn)
	s.tlsActive = true
	s.state = stateConnected
	s.tx = nil
}

func (s *Session) handleAuth(arg string) {
	switch {
	case s.state < stateGreeted:
		s.reply(503, "Send EHLO/HELO first")
		return
	case !s.opts.auth.Enabled():
		s.reply(503, "AUTH not available")
		return
	case s.state >= stateAuthenticated:
		s.reply(503, "Already authenticated")
		return
	}

	mechanism, initial, _ := strings.Cut(arg, " ")

	var err error
	switch strings.ToUpper(mechanism) {
	case "PLAIN":
		if initial == "" {
			if initial, err = s.challenge(""); err != nil {
				return
			}
		}
		if initial == "*" {
			s.reply(501, "Authentication cancelled")
			return
		}
		err = s.opts.auth.VerifyPlain(initial)
	case "LOGIN":
		var user, pass string
		if user, err = s.challenge("VXNlcm5hbWU6"); err != nil {
			return
		}
		if user != "*" {
			if pass, err = s.challenge("UGFzc3dvcmQ6"); err != nil {
				return
			}
		}
		if user == "*" || pass == "*" {
			s.reply(501, "Authentication cancelled")
			return
		}
		err = s.opts.auth.VerifyLogin(user, pass)
	default:
		s.reply(504, "Unrecognized authentication type")
		return
	}

	if err != nil {
		s.log.Warn("authentication failed", "mechanism", mechanism, "error", err)
		s.reply(535, "Authentication failed")
		return
	}
	s.state = stateAuthenticated
	s.reply(235, "Authentication successful")
}

// challenge sends a 334 prompt and returns the client's answer.
func (s *Session) challenge(prompt string) (string, error) {
	if prompt == "" {
		s.writeRaw("334 ")
	} else {
		s.reply(334, "%s", prompt)
	}
	line, err := s.readLine()
	if err != nil {
		s.log.Debug("failed to read AUTH response", "error", err)
	}
	return line, err
}

func (s *Session) handleMail(arg string) {
	switch {
	case s.state < stateGreeted:
		s.reply(503, "Send EHLO/HELO first")
		return
	case s.opts.auth.Enabled() && s.state < stateAuthenticated:
		s.reply(530, "Authentication required")
		return
	case s.tx != nil:
		s.reply(503, "Nested MAIL command")
		return
	}

	addr, params, ok := parsePath(arg, "FROM:")
	if !ok {
		s.reply(501, "Syntax: MAIL FROM:<address>")
		return
	}
	if size, ok := declaredSize(params); ok && s.opts.maxSize > 0 && size > s.opts.maxSize {
		s.reply(552, "Message size exceeds fixed maximum message size")
		return
	}

	s.tx = &transaction{id: uuid.NewString(), from: addr}
	s.state = stateMail
	s.log.Debug("transaction started", "tx", s.tx.id, "mail_from", addr)
	s.reply(250, "OK")
}

func (s *Session) handleRcpt(arg string) {
	if s.tx == nil {
		s.reply(503, "Send MAIL FROM first")
		return
	}

	addr, _, ok := parsePath(arg, "TO:")
	if !ok || addr == "" {
		s.reply(501, "Syntax: RCPT TO:<address>")
		return
	}

	s.tx.rcpt = append(s.tx.rcpt, addr)
	s.state = stateRcpt
	s.reply(250, "OK")
}

func (s *Session) handleData(ctx context.Context) {
	if s.tx == nil || len(s.tx.rcpt) == 0 {
		s.reply(503, "Send RCPT TO first")
		return
	}
	tx := s.tx
	log := s.log.With("tx", tx.id)

	s.reply(354, "Start mail input; end with <CRLF>.<CRLF>")

	raw, tooLarge, err := s.readData()
	if err != nil {
		log.Error("error reading DATA", "error", err)
		s.reset()
		return
	}
	defer s.reset()

	if tooLarge {
		log.Warn("message rejected: too large", "max_size", s.opts.maxSize)
		s.reply(552, "Message size exceeds fixed maximum message size")
		return
	}

	msg, err := parser.Parse(raw)
	if err != nil {
		log.Error("failed to parse message", "error", err)
		s.reply(550, "Failed to process message")
		return
	}
	applyEnvelope(msg, tx)
	parser.EnsureMessageID(msg, s.opts.hostname)

	log = log.With("message_id", msg.MessageID, "provider", s.opts.provider.Name())
	if err := s.opts.provider.Send(ctx, msg); err != nil {
		if provider.IsPermanent(err) {
			log.Error("message rejected by provider", "error", err)
			s.reply(554, "Transaction failed: %s", firstLine(err.Error()))
			return
		}
		log.Error("provider send failed", "error", err)
		s.reply(451, "Temporary failure, please try again later")
		return
	}

	log.Info("message relayed", "recipients", len(tx.rcpt))
	s.reply(250, "OK message queued as %s", msg.MessageID)
}

// readData reads a dot-terminated message body. Once the size limit is
// passed the rest is drained so the session stays in sync.
func (s *Session) readData() ([]byte, bool, error) {
	dot := textproto.NewReader(s.reader).DotReader()

	limit := s.opts.maxSize
	if limit <= 0 {
		data, err := io.ReadAll(dot)
		return data, false, err
	}

	data, err := io.ReadAll(io.LimitReader(dot, limit+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(data)) <= limit {
		return data, false, nil
	}
	if _, err := io.Copy(io.Discard, dot); err != nil {
		return nil, false, err
	}
	return nil, true, nil
}

// applyEnvelope fills in header fields the message left out. Envelope
// recipients missing from every header become Bcc recipients.
func applyEnvelope(msg *email.Email, tx *transaction) {
	if msg.From.IsZero() {
		msg.From = email.Address{Email: tx.from}
	}
	if len(msg.To) == 0 && len(msg.Cc) == 0 {
		for _, rcpt := range tx.rcpt {
			msg.To = append(msg.To, email.Address{Email: rcpt})
		}
		return
	}

	seen := make(map[string]bool)
	for _, list := range [][]email.Address{msg.To, msg.Cc, msg.Bcc} {
		for _, a := range list {
			seen[strings.ToLower(a.Email)] = true
		}
	}
	for _, rcpt := range tx.rcpt {
		if !seen[strings.ToLower(rcpt)] {
			msg.Bcc = append(msg.Bcc, email.Address{Email: rcpt})
			seen[strings.ToLower(rcpt)] = true
		}
	}
}

// reset drops the current transaction, keeping greeting and auth state.
func (s *Session) reset() {
	s.tx = nil
	switch {
	case s.state >= stateAuthenticated:
		s.state = stateAuthenticated
	case s.state >= stateGreeted:
		s.state = stateGreeted
	}
}

func (s *Session) readLine() (string, error) {
	line, err := s.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (s *Session) reply(code int, format string, args ...any) {
	s.writeRaw(fmt.Sprintf("%d %s", code, fmt.Sprintf(format, args...)))
}

func (s *Session) replyMulti(code int, lines []string) {
	for i, line := range lines {
		sep := "-"
		if i == len(lines)-1 {
			sep = " "
		}
		s.writeRaw(fmt.Sprintf("%d%s%s", code, sep, line))
	}
}

func (s *Session) writeRaw(line string) {
	if _, err := s.writer.WriteString(line + "\r\n"); err != nil {
		s.log.Error("failed to write to client", "error", err)
		return
	}
	if err := s.writer.Flush(); err != nil {
		s.log.Error("failed to flush to client", "error", err)
	}
}

// parsePath parses "FROM:<addr> PARAM=value ..." style arguments. The
// returned address may be empty for the null reverse-path.
func parsePath(arg, prefix string) (string, []string, bool) {
	if len(arg) < len(prefix) || !strings.EqualFold(arg[:len(prefix)], prefix) {
		return "", nil, false
	}
	rest := strings.TrimSpace(arg[len(prefix):])
	if rest == "" {
		return "", nil, false
	}

	var addr string
	if strings.HasPrefix(rest, "<") {
		end := strings.Index(rest, ">")
		if end < 0 {
			return "", nil, false
		}
		addr, rest = rest[1:end], rest[end+1:]
	} else {
		addr, rest, _ = strings.Cut(rest, " ")
	}
	return addr, strings.Fields(rest), true
}

func declaredSize(params []string) (int64, bool) {
	for _, p := range params {
		key, value, ok := strings.Cut(p, "=")
		if ok && strings.EqualFold(key, "SIZE") {
			n, err := strconv.ParseInt(value, 10, 64)
			return n, err == nil
		}
	}
	return 0, false
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
