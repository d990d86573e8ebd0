package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/shineum/pepipost-relay/internal/email"
	"github.com/shineum/pepipost-relay/internal/parser"
	"github.com/shineum/pepipost-relay/internal/provider/pepipost"
)

func newSendCmd(a *app) *cobra.Command {
	var paramsFlag string

	cmd := &cobra.Command{
		Use:   "send <file.eml>",
		Short: "Deliver one RFC 5322 message through the configured provider",
		Long: `Parse a message file ("-" reads stdin) and deliver it once through the
provider selected by the configuration, then exit.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			msg, err := readMessage(args[0], cmd.InOrStdin(), paramsFlag)
			if err != nil {
				return err
			}

			prov, err := buildProvider(cmd.Context(), a.cfg, cmd.OutOrStdout())
			if err != nil {
				return err
			}

			parser.EnsureMessageID(msg, a.cfg.SMTP.Hostname)
			if err := prov.Send(cmd.Context(), msg); err != nil {
				return fmt.Errorf("send via %s: %w", prov.Name(), err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "sent %s via %s\n", msg.MessageID, prov.Name())
			return nil
		},
	}

	cmd.Flags().StringVarP(&paramsFlag, "params", "p", "", "JSON object of Pepipost params layered over the message's own")
	return cmd
}

func newPayloadCmd(a *app) *cobra.Command {
	var paramsFlag string

	cmd := &cobra.Command{
		Use:   "payload <file.eml>",
		Short: "Print the Pepipost JSON payload for a message without sending it",
		Long: `Parse a message file ("-" reads stdin) and print the mail/send request
body Pepipost would receive, including configured default params.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			msg, err := readMessage(args[0], cmd.InOrStdin(), paramsFlag)
			if err != nil {
				return err
			}

			payload, err := pepipost.BuildWithDefaults(msg, a.cfg.Pepipost.DefaultParams)
			if err != nil {
				return err
			}

			out, err := json.MarshalIndent(payload, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to encode payload: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}

	cmd.Flags().StringVarP(&paramsFlag, "params", "p", "", "JSON object of Pepipost params layered over the message's own")
	return cmd
}

// readMessage parses the message at path, or stdin when path is "-", and
// applies the --params override key by key.
func readMessage(path string, stdin io.Reader, paramsFlag string) (*email.Email, error) {
	var (
		raw []byte
		err error
	)
	if path == "-" {
		raw, err = io.ReadAll(stdin)
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read message: %w", err)
	}

	msg, err := parser.Parse(raw)
	if err != nil {
		return nil, err
	}

	if paramsFlag != "" {
		override := email.DecodeParams(paramsFlag)
		if len(override) == 0 {
			return nil, fmt.Errorf("--params must be a non-empty JSON object")
		}
		if msg.Params == nil {
			msg.Params = email.Params{}
		}
		for k, v := range override {
			msg.Params[k] = v
		}
	}

	return msg, nil
}
