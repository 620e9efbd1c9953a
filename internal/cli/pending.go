package cli

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/phnx-im/air-sub001/internal/api"
	"github.com/phnx-im/air-sub001/internal/store"
)

// PendingEntry is one row of airctl pending list.
type PendingEntry struct {
	GroupID  string              `json:"group_id"`
	Type     store.OperationType `json:"operation_type"`
	Status   store.RequestStatus `json:"request_status"`
	Attempts int                 `json:"number_of_attempts"`
	RetryAt  time.Time           `json:"retry_due_at"`
	LockedBy string              `json:"locked_by,omitempty"`
}

func newPendingCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "Inspect chat operations waiting for the server",
	}
	cmd.AddCommand(newPendingSubmitCommand(opts))
	cmd.AddCommand(newPendingAckCommand(opts))
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List pending chat operations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, _, err := openStore(opts)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			ops, err := db.ListPendingOperations(cmd.Context())
			if err != nil {
				return err
			}
			entries := make([]PendingEntry, 0, len(ops))
			for _, op := range ops {
				entries = append(entries, PendingEntry{
					GroupID:  op.GroupID,
					Type:     op.OperationType,
					Status:   op.RequestStatus,
					Attempts: op.NumberOfAttempts,
					RetryAt:  time.UnixMilli(op.RetryDueAt).UTC(),
					LockedBy: op.LockedBy,
				})
			}
			if opts.JSON {
				return outputJSON(cmd.OutOrStdout(), entries)
			}
			if len(entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No pending operations.")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "GROUP\tTYPE\tSTATUS\tATTEMPTS\tRETRY AT")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", e.GroupID, e.Type, e.Status, e.Attempts, e.RetryAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "drop <group-id>",
		Short: "Give up on the pending operation of a group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, _, err := openStore(opts)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			removed, err := db.DeletePendingOperation(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !removed {
				return fmt.Errorf("no pending operation for group %q", args[0])
			}
			if err := db.Notify(cmd.Context(), store.NotifyOperationFailed, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Dropped pending operation for group %s\n", args[0])
			return nil
		},
	})
	return cmd
}

func newPendingSubmitCommand(opts *RootOptions) *cobra.Command {
	var typ, data, dataFile string
	cmd := &cobra.Command{
		Use:   "submit <group-id>",
		Short: "Hand a commit or proposal to the daemon's retry queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opType, err := api.ParseOperationType(typ)
			if err != nil {
				return err
			}
			payload := []byte(data)
			if dataFile != "" {
				if payload, err = readInput(cmd, dataFile); err != nil {
					return err
				}
			}

			var res *api.SubmitResult
			err = withDaemon(cmd.Context(), opts, func(ctx context.Context, c *api.Client) (err error) {
				res, err = c.SubmitOperation(ctx, args[0], opType, payload)
				return err
			})
			if err != nil {
				return err
			}
			if opts.JSON {
				return outputJSON(cmd.OutOrStdout(), res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Group %s: %s\n", args[0], res.Result)
			if res.Error != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", res.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&typ, "type", string(store.OperationOther), "operation type: leave, delete or other")
	cmd.Flags().StringVar(&data, "data", "", "operation payload")
	cmd.Flags().StringVar(&dataFile, "data-file", "", "read the payload from a file, or - for stdin")
	cmd.MarkFlagsMutuallyExclusive("data", "data-file")
	return cmd
}

func newPendingAckCommand(opts *RootOptions) *cobra.Command {
	var refused bool
	cmd := &cobra.Command{
		Use:   "ack <group-id>",
		Short: "Report the server's queue response for a waiting operation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var found bool
			err := withDaemon(cmd.Context(), opts, func(ctx context.Context, c *api.Client) (err error) {
				found, err = c.AckQueueResponse(ctx, args[0], !refused)
				return err
			})
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("no operation for group %q is waiting for a queue response", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Queue response recorded for group %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&refused, "refused", false, "the queue refused the operation; retry it")
	return cmd
}
