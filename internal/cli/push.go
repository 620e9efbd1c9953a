package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/phnx-im/air-sub001/internal/bridge"
	"github.com/phnx-im/air-sub001/internal/config"
	"github.com/phnx-im/air-sub001/internal/ingest"
	"github.com/phnx-im/air-sub001/internal/session"
)

func newPushCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "push",
		Short: "Run the background notification path by hand",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "process <envelope.json|->",
		Short: "Apply a push envelope and print the notification batch",
		Long: `Apply a push envelope to the session store exactly as the notification
extension would, and print the resulting batch. An envelope without a path
targets this session's store.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := readInput(cmd, args[0])
			if err != nil {
				return err
			}
			env, err := ingest.ParseEnvelope(content)
			if err != nil {
				return err
			}
			if env.Path == "" {
				env.Path = session.StorePath(opts.Session)
			}
			if env.LogFilePath == "" {
				env.LogFilePath = session.BackgroundLogPath(opts.Session)
			}
			normalized, err := json.Marshal(env)
			if err != nil {
				return err
			}

			cfg, err := config.LoadOrDefault(session.ConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			bridge.Configure(ingest.Options{
				Budget:           cfg.Push.Budget.Duration,
				PlaceholderTitle: cfg.Push.PlaceholderTitle,
				PlaceholderBody:  cfg.Push.PlaceholderBody,
			})
			fmt.Fprintln(cmd.OutOrStdout(), bridge.Process(string(normalized)))
			return nil
		},
	})
	return cmd
}

func readInput(cmd *cobra.Command, name string) ([]byte, error) {
	if name == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(name)
}
