package cmd

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/shineum/pepipost-relay/internal/httpapi"
	"github.com/shineum/pepipost-relay/internal/smtp"
	relaytls "github.com/shineum/pepipost-relay/internal/tls"
)

const httpShutdownTimeout = 30 * time.Second

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the SMTP listener and, when http.listen is set, the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serve(cmd.Context())
		},
	}
}

// serve blocks until ctx is cancelled or a listener fails.
func (a *app) serve(ctx context.Context) error {
	cfg := a.cfg

	prov, err := buildProvider(ctx, cfg, os.Stdout)
	if err != nil {
		return err
	}

	tlsConfig, err := relaytls.LoadOrGenerateTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.SMTP.Hostname)
	if err != nil {
		return err
	}
	tlsMode := "self-signed"
	if cfg.TLS.CertFile != "" && cfg.TLS.KeyFile != "" {
		tlsMode = "file"
	}

	smtpServer := smtp.New(smtp.ServerConfig{
		ListenAddr:     cfg.SMTP.Listen,
		Hostname:       cfg.SMTP.Hostname,
		Provider:       prov,
		TLSConfig:      tlsConfig,
		AuthUsername:   cfg.SMTP.Username,
		AuthPassword:   cfg.SMTP.Password,
		MaxMessageSize: cfg.SMTP.MaxMessageSize,
	})

	slog.Info("starting pepipost-relay",
		"version", version,
		"smtp_listen", cfg.SMTP.Listen,
		"http_listen", cfg.HTTP.Listen,
		"provider", prov.Name(),
		"auth_enabled", cfg.AuthEnabled(),
		"tls_mode", tlsMode,
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return smtpServer.ListenAndServe(ctx)
	})

	if cfg.HTTP.Listen != "" {
		httpServer := &http.Server{
			Addr: cfg.HTTP.Listen,
			Handler: httpapi.NewHandler(httpapi.Options{
				Provider:       prov,
				Hostname:       cfg.SMTP.Hostname,
				Username:       cfg.SMTP.Username,
				Password:       cfg.SMTP.Password,
				AllowedOrigins: cfg.HTTP.AllowedOrigins,
				MaxBodySize:    cfg.SMTP.MaxMessageSize * 2,
			}),
			ReadHeaderTimeout: 10 * time.Second,
		}

		g.Go(func() error {
			slog.Info("HTTP API listening", "addr", cfg.HTTP.Listen)
			if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("pepipost-relay stopped")
	return nil
}
