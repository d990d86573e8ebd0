/*
Package cmd provides the CLI commands for pepipost-relay.
*/
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shineum/pepipost-relay/internal/config"
	"github.com/shineum/pepipost-relay/internal/logging"
)

// version is set at build time with -ldflags "-X ...cmd.version=v1.2.3".
var version = "dev"

// app carries state shared by every subcommand.
type app struct {
	cfgFile string
	cfg     *config.Config
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "pepipost-relay",
		Short: "SMTP and HTTP relay for the Pepipost email API",
		Long: `pepipost-relay accepts mail over SMTP (and optionally a JSON HTTP API)
and delivers it through the Pepipost v5.1 mail/send API, AWS SES,
Microsoft Graph, or stdout.

Pepipost options such as tags, template_id, personalizations and settings
are passed in a MIME part named "pepipostapi/request-body-parameter"
holding a JSON object, or as "params" in the HTTP API.

Example:
  pepipost-relay                         # same as "serve"
  pepipost-relay serve -c relay.yaml
  pepipost-relay payload message.eml     # print the Pepipost JSON body
  pepipost-relay send message.eml        # deliver one message and exit`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.loadConfig(cmd)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serve(cmd.Context())
		},
	}

	root.PersistentFlags().StringVarP(&a.cfgFile, "config", "c", "", "YAML config file (environment variables still override it)")

	root.AddCommand(newServeCmd(a))
	root.AddCommand(newSendCmd(a))
	root.AddCommand(newPayloadCmd(a))
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return nil
		},
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "pepipost-relay", version)
		},
	})

	return root
}

// Execute runs the CLI until it finishes or the process is signalled.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return newRootCmd().ExecuteContext(ctx)
}

func (a *app) loadConfig(cmd *cobra.Command) error {
	var err error
	if a.cfgFile != "" {
		a.cfg, err = config.LoadFromFile(a.cfgFile)
	} else {
		a.cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logging.Setup(cmd.ErrOrStderr(), a.cfg.Logging.Level, a.cfg.Logging.Format)
	return nil
}
