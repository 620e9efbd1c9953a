// Package cli implements airctl, the operator tool for a session.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/phnx-im/air-sub001/internal/api"
	"github.com/phnx-im/air-sub001/internal/config"
	"github.com/phnx-im/air-sub001/internal/daemon"
	"github.com/phnx-im/air-sub001/internal/session"
	"github.com/phnx-im/air-sub001/internal/store"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Session string
	JSON    bool
}

// NewRootCommand creates the airctl root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "airctl",
		Short:         "Inspect and drive an air sync session",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			name, err := session.Resolve(opts.Session)
			if err != nil {
				return err
			}
			opts.Session = name
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Session, "session", "", "session name (overrides config default)")
	cmd.PersistentFlags().BoolVar(&opts.JSON, "json", false, "output in JSON format")

	cmd.AddCommand(newStatusCommand(opts))
	cmd.AddCommand(newPendingCommand(opts))
	cmd.AddCommand(newConnectionCommand(opts))
	cmd.AddCommand(newPushTokenCommand(opts))
	cmd.AddCommand(newInviteCommand(opts))
	cmd.AddCommand(newPushCommand(opts))

	return cmd
}

// openStore opens the session store next to a running daemon. Both sides
// go through SQLite transactions, so no session lock is taken.
func openStore(opts *RootOptions) (*store.DB, *config.Config, error) {
	cfg, err := config.LoadOrDefault(session.ConfigPath())
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if err := session.EnsureDir(opts.Session); err != nil {
		return nil, nil, err
	}
	db, _, err := daemon.OpenStore(opts.Session, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("open store for session %q: %w", opts.Session, err)
	}
	return db, cfg, nil
}

// daemonTimeout bounds one call to the session daemon.
const daemonTimeout = 30 * time.Second

// withDaemon connects to the running daemon of the session and runs fn.
func withDaemon(ctx context.Context, opts *RootOptions, fn func(ctx context.Context, c *api.Client) error) error {
	c, err := api.Dial(session.SocketPath(opts.Session))
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()
	ctx, cancel := context.WithTimeout(ctx, daemonTimeout)
	defer cancel()
	if err := fn(ctx, c); err != nil {
		return fmt.Errorf("session %q: %w", opts.Session, err)
	}
	return nil
}

func outputJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
