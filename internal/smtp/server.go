package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/shineum/pepipost-relay/internal/provider"
)

// shutdownTimeout bounds how long Serve waits for in-flight sessions.
const shutdownTimeout = 30 * time.Second

// ServerConfig holds the configuration for an SMTP server.
type ServerConfig struct {
	// ListenAddr is the address to listen on (e.g., ":2525").
	ListenAddr string

	// Hostname is used in the greeting, EHLO replies and generated
	// Message-IDs.
	Hostname string

	Provider provider.Provider

	// TLSConfig enables STARTTLS when non-nil.
	TLSConfig *tls.Config

	// AuthUsername and AuthPassword enable AUTH when both are set.
	AuthUsername string
	AuthPassword string

	// MaxMessageSize is advertised via SIZE and enforced on DATA. Zero
	// means unlimited.
	MaxMessageSize int64
}

// Server accepts SMTP connections and relays each message to a Provider.
type Server struct {
	opts       sessionOptions
	listenAddr string
	wg         sync.WaitGroup
}

// New creates a new SMTP Server with the given configuration.
func New(cfg ServerConfig) *Server {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}

	return &Server{
		listenAddr: cfg.ListenAddr,
		opts: sessionOptions{
			hostname:  cfg.Hostname,
			tlsConfig: cfg.TLSConfig,
			auth:      NewAuthenticator(cfg.AuthUsername, cfg.AuthPassword),
			provider:  cfg.Provider,
			maxSize:   cfg.MaxMessageSize,
		},
	}
}

// ListenAndServe listens on the configured address and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then closes the
// listener and waits up to 30 seconds for open sessions.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	slog.Info("SMTP server listening",
		"addr", ln.Addr().String(),
		"provider", s.opts.provider.Name(),
		"auth_enabled", s.opts.auth.Enabled(),
		"tls_enabled", s.opts.tlsConfig != nil,
		"max_message_size", s.opts.maxSize,
	)

	stop := context.AfterFunc(ctx, func() {
		slog.Info("shutting down SMTP server")
		ln.Close()
	})
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.waitForSessions()
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			slog.Error("accept error", "error", err)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			newSession(conn, s.opts).Handle(ctx)
		}()
	}
}

func (s *Server) waitForSessions() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("all sessions completed")
	case <-time.After(shutdownTimeout):
		slog.Warn("shutdown timeout reached, forcing close")
	}
}
