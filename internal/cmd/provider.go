package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/shineum/pepipost-relay/internal/config"
	"github.com/shineum/pepipost-relay/internal/provider"
	"github.com/shineum/pepipost-relay/internal/provider/graph"
	"github.com/shineum/pepipost-relay/internal/provider/pepipost"
	"github.com/shineum/pepipost-relay/internal/provider/ses"
	"github.com/shineum/pepipost-relay/internal/provider/stdout"
)

// buildProvider creates the delivery backend chosen by cfg. The stdout
// backend writes to out.
func buildProvider(ctx context.Context, cfg *config.Config, out io.Writer) (provider.Provider, error) {
	name, err := cfg.ResolveProvider()
	if err != nil {
		return nil, err
	}

	switch name {
	case config.ProviderPepipost:
		p, err := pepipost.New(pepipost.Config{
			APIKey:        cfg.Pepipost.APIKey,
			Endpoint:      cfg.Pepipost.Endpoint,
			Timeout:       cfg.Pepipost.Timeout,
			DefaultParams: cfg.Pepipost.DefaultParams,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Pepipost provider: %w", err)
		}
		slog.Info("using Pepipost provider",
			"endpoint", p.Endpoint(),
			"default_params", len(cfg.Pepipost.DefaultParams) > 0,
		)
		return p, nil

	case config.ProviderSES:
		p, err := ses.New(ctx, ses.Config{
			Region:          cfg.SES.Region,
			AccessKeyID:     cfg.SES.AccessKeyID,
			SecretAccessKey: cfg.SES.SecretAccessKey,
			Sender:          cfg.SES.Sender,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create SES provider: %w", err)
		}
		slog.Info("using AWS SES provider", "region", cfg.SES.Region, "sender", cfg.SES.Sender)
		return p, nil

	case config.ProviderGraph:
		slog.Info("using Microsoft Graph provider", "sender", cfg.Graph.Sender)
		return graph.New(graph.Config{
			TenantID:     cfg.Graph.TenantID,
			ClientID:     cfg.Graph.ClientID,
			ClientSecret: cfg.Graph.ClientSecret,
			Sender:       cfg.Graph.Sender,
		}), nil

	default:
		slog.Info("using stdout provider")
		return stdout.NewWithWriter(out), nil
	}
}
