package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/phnx-im/air-sub001/internal/store"
)

func parseOperator(s string) (store.PushTokenOperator, error) {
	switch s {
	case "apple", "apns":
		return store.OperatorApple, nil
	case "google", "fcm":
		return store.OperatorGoogle, nil
	}
	return 0, fmt.Errorf("unknown push operator %q: must be apple or google", s)
}

func newPushTokenCommand(opts *RootOptions) *cobra.Command {
	var operator, token string

	cmd := &cobra.Command{
		Use:   "push-token",
		Short: "Manage the device push token",
	}
	set := &cobra.Command{
		Use:   "set",
		Short: "Store a push token; the daemon uploads it",
		Long: `Store the push token for this device. The running daemon uploads it to
the server on its next pass. An empty --token clears the stored token.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			op, err := parseOperator(operator)
			if err != nil {
				return err
			}
			db, _, err := openStore(opts)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			changed, err := db.WritePushTokenState(cmd.Context(), op, token)
			if err != nil {
				return err
			}
			if opts.JSON {
				return outputJSON(cmd.OutOrStdout(), map[string]bool{"changed": changed})
			}
			if changed {
				fmt.Fprintln(cmd.OutOrStdout(), "Push token stored, pending upload.")
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "Push token unchanged.")
			}
			return nil
		},
	}
	set.Flags().StringVar(&operator, "operator", "apple", "push operator (apple|google)")
	set.Flags().StringVar(&token, "token", "", "push token; empty clears it")
	cmd.AddCommand(set)
	return cmd
}
