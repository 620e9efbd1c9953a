package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/phnx-im/air-sub001/internal/daemon"
	"github.com/phnx-im/air-sub001/internal/session"
)

// StatusResult is the JSON form of airctl status.
type StatusResult struct {
	Session string `json:"session"`
	Socket  string `json:"socket"`
	Status  string `json:"status"`
}

func newStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Ask the session daemon whether it is serving",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			res, err := checkHealth(ctx, opts.Session, session.SocketPath(opts.Session))
			if err != nil {
				return err
			}
			if opts.JSON {
				return outputJSON(cmd.OutOrStdout(), res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Session: %s\n", res.Session)
			fmt.Fprintf(cmd.OutOrStdout(), "Socket:  %s\n", res.Socket)
			fmt.Fprintf(cmd.OutOrStdout(), "Status:  %s\n", res.Status)
			return nil
		},
	}
}

func checkHealth(ctx context.Context, sessionName, socketPath string) (*StatusResult, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	defer func() { _ = conn.Close() }()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: daemon.HealthService})
	if err != nil {
		return nil, fmt.Errorf("cannot reach daemon for session %q: %w", sessionName, err)
	}
	return &StatusResult{Session: sessionName, Socket: socketPath, Status: resp.Status.String()}, nil
}
